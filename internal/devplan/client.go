// Package devplan is the HTTP client for the remote task graph service. It
// covers the autopilot, progress and memory endpoints the executor uses.
package devplan

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/devplan/autopilot-executor/internal/domain"
)

const (
	maxDeadLetterLimit = 200
	maxRecallLimit     = 20
	errorBodyPreview   = 200
)

// Client talks to the task graph. Every call carries the project name as a
// query parameter.
type Client struct {
	baseURL string
	project string
	http    *http.Client
}

// NewClient creates a Client. timeout bounds each request.
func NewClient(baseURL, project string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		project: project,
		http:    &http.Client{Timeout: timeout},
	}
}

// NextAction returns the task graph's recommendation for the next step.
func (c *Client) NextAction(ctx context.Context) (*domain.NextAction, error) {
	var out domain.NextAction
	if err := c.get(ctx, "/api/auto/next-action", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CurrentPhase reports the active phase, if any.
func (c *Client) CurrentPhase(ctx context.Context) (*domain.CurrentPhase, error) {
	var out domain.CurrentPhase
	if err := c.get(ctx, "/api/auto/current-phase", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Progress returns the project overview.
func (c *Client) Progress(ctx context.Context) (*domain.Progress, error) {
	var out domain.Progress
	if err := c.get(ctx, "/api/progress", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

type successResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	ID      string `json:"id,omitempty"`
}

// StartPhase asks the task graph to start the given phase.
func (c *Client) StartPhase(ctx context.Context, phaseID string) error {
	var out successResponse
	if err := c.post(ctx, "/api/auto/start-phase", map[string]string{"taskId": phaseID}, &out); err != nil {
		return err
	}
	if !out.Success {
		return domain.NewEngineError(domain.ErrInvalidResponse.Code,
			fmt.Sprintf("start phase %s rejected: %s", phaseID, out.Message))
	}
	return nil
}

// Heartbeat reports executor liveness.
func (c *Client) Heartbeat(ctx context.Context, hb domain.Heartbeat) error {
	return c.post(ctx, "/api/auto/heartbeat", hb, nil)
}

type deadLetterPayload struct {
	Source            string            `json:"source"`
	Reason            string            `json:"reason"`
	Message           string            `json:"message"`
	PhaseID           string            `json:"phaseId,omitempty"`
	TaskID            string            `json:"taskId,omitempty"`
	RetryAfterSeconds int               `json:"retryAfterSeconds,omitempty"`
	Metadata          map[string]string `json:"metadata,omitempty"`
}

// SaveDeadLetter submits a dead letter.
func (c *Client) SaveDeadLetter(ctx context.Context, dl domain.DeadLetter) error {
	source := dl.Source
	if source == "" {
		source = "executor"
	}
	payload := deadLetterPayload{
		Source:            source,
		Reason:            dl.Reason,
		Message:           dl.Message,
		PhaseID:           dl.PhaseID,
		TaskID:            dl.TaskID,
		RetryAfterSeconds: dl.RetryAfterSeconds,
		Metadata:          dl.Metadata,
	}
	return c.post(ctx, "/api/auto/dead-letter", payload, nil)
}

// ListDeadLetters lists remote dead letters. The limit is clamped to
// [1, 200] and defaults to 50.
func (c *Client) ListDeadLetters(ctx context.Context, f domain.DeadLetterFilter) ([]domain.DeadLetter, error) {
	limit := f.Limit
	if limit == 0 {
		limit = 50
	}
	limit = clamp(limit, 1, maxDeadLetterLimit)

	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	if f.Reason != "" {
		q.Set("reason", f.Reason)
	}
	if f.PhaseID != "" {
		q.Set("phaseId", f.PhaseID)
	}
	if f.TaskID != "" {
		q.Set("taskId", f.TaskID)
	}

	var out struct {
		DeadLetters []domain.DeadLetter `json:"deadLetters"`
	}
	if err := c.get(ctx, "/api/auto/dead-letters", q, &out); err != nil {
		return nil, err
	}
	return out.DeadLetters, nil
}

// SaveMemory writes a long-term memory entry.
func (c *Client) SaveMemory(ctx context.Context, m domain.Memory) error {
	if m.Tags == nil {
		m.Tags = []string{}
	}
	return c.post(ctx, "/api/memories/save", m, nil)
}

// RecallMemories runs a unified recall. The limit is clamped to [1, 20].
func (c *Client) RecallMemories(ctx context.Context, rq domain.RecallQuery) ([]domain.Memory, error) {
	depth := rq.Depth
	if depth == "" {
		depth = "L1"
	}
	q := url.Values{}
	q.Set("query", rq.Query)
	q.Set("limit", strconv.Itoa(clamp(rq.Limit, 1, maxRecallLimit)))
	q.Set("depth", depth)
	q.Set("minScore", strconv.FormatFloat(rq.MinScore, 'f', -1, 64))

	var out struct {
		Memories []domain.Memory `json:"memories"`
	}
	if err := c.get(ctx, "/api/memories/recall-unified", q, &out); err != nil {
		return nil, err
	}
	return out.Memories, nil
}

// Reachable reports whether the service answers the progress endpoint.
func (c *Client) Reachable(ctx context.Context) bool {
	_, err := c.Progress(ctx)
	return err == nil
}

func (c *Client) get(ctx context.Context, path string, q url.Values, out any) error {
	return c.do(ctx, http.MethodGet, path, q, nil, out)
}

func (c *Client) post(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal %s request: %w", path, err)
	}
	return c.do(ctx, http.MethodPost, path, nil, body, out)
}

func (c *Client) do(ctx context.Context, method, path string, q url.Values, body []byte, out any) error {
	if q == nil {
		q = url.Values{}
	}
	q.Set("project", c.project)
	endpoint := c.baseURL + path + "?" + q.Encode()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("create %s %s request: %w", method, path, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return classifyTransportError(method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		preview, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyPreview))
		return domain.NewEngineError(domain.ErrOrchestratorUnavailable.Code,
			fmt.Sprintf("%s %s returned %d: %s", method, path, resp.StatusCode, string(preview)))
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return domain.WrapEngineError(domain.ErrInvalidResponse.Code,
			fmt.Sprintf("decode %s %s response", method, path), err)
	}
	return nil
}

func classifyTransportError(method, path string, err error) error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return domain.WrapEngineError(domain.ErrOrchestratorTimeout.Code,
			fmt.Sprintf("%s %s", method, path), err)
	}
	return domain.WrapEngineError(domain.ErrOrchestratorUnavailable.Code,
		fmt.Sprintf("%s %s", method, path), err)
}

func clamp(v, lo, hi int) int {
	return min(max(v, lo), hi)
}
