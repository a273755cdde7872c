// Package classifier adapts an external vision service into UI labels.
package classifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/devplan/autopilot-executor/internal/domain"
)

const (
	modeStatus = "status"
	modeQueued = "queued"
)

type classifyRequest struct {
	Mode string `json:"mode"`
}

type classifyResponse struct {
	Label      string `json:"label"`
	RegionHash string `json:"regionHash"`
	Queued     bool   `json:"queued"`
	Raw        string `json:"raw"`
}

// HTTP posts classification requests to a vision service. The service
// captures and labels the watched region itself; the executor only sees
// the label and a fingerprint of the region.
type HTTP struct {
	url    string
	client *http.Client
}

// NewHTTP creates an HTTP classifier for url.
func NewHTTP(url string, timeout time.Duration) *HTTP {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTP{url: url, client: &http.Client{Timeout: timeout}}
}

// Classify labels the current region. Labels outside the closed set map
// to UNKNOWN.
func (h *HTTP) Classify(ctx context.Context) (domain.Observation, error) {
	resp, err := h.call(ctx, modeStatus)
	if err != nil {
		return domain.Observation{Label: domain.LabelUnknown}, err
	}
	return domain.Observation{
		Label:      domain.ParseUILabel(strings.ToUpper(strings.TrimSpace(resp.Label))),
		RegionHash: resp.RegionHash,
		Raw:        resp.Raw,
	}, nil
}

// SendQueued reports whether the last send is sitting in the input queue
// instead of being processed.
func (h *HTTP) SendQueued(ctx context.Context) (bool, error) {
	resp, err := h.call(ctx, modeQueued)
	if err != nil {
		return false, err
	}
	return resp.Queued, nil
}

func (h *HTTP) call(ctx context.Context, mode string) (*classifyResponse, error) {
	body, err := json.Marshal(classifyRequest{Mode: mode})
	if err != nil {
		return nil, fmt.Errorf("marshal classify request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create classify request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, domain.WrapEngineError(domain.ErrClassifierUnavailable.Code, "classify "+mode, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		preview, _ := io.ReadAll(io.LimitReader(resp.Body, 200))
		return nil, domain.NewEngineError(domain.ErrClassifierUnavailable.Code,
			fmt.Sprintf("classify %s returned %d: %s", mode, resp.StatusCode, string(preview)))
	}

	var out classifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, domain.WrapEngineError(domain.ErrInvalidResponse.Code, "decode classify response", err)
	}
	return &out, nil
}

// Disabled is used when vision is off. It always reports UNKNOWN.
type Disabled struct{}

func (Disabled) Classify(context.Context) (domain.Observation, error) {
	return domain.Observation{Label: domain.LabelUnknown}, nil
}

func (Disabled) SendQueued(context.Context) (bool, error) { return false, nil }
