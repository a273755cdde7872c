// Package dashboard serves the executor's local HTTP status API.
package dashboard

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/devplan/autopilot-executor/internal/checkpoint"
	"github.com/devplan/autopilot-executor/internal/domain"
	"github.com/devplan/autopilot-executor/internal/runner"
	"github.com/devplan/autopilot-executor/internal/store"
)

const (
	defaultListLimit    = 50
	maxListLimit        = 500
	defaultHistoryLimit = 10
	defaultPushInterval = 2 * time.Second
)

// StateSource is the runner surface the dashboard reads and toggles.
type StateSource interface {
	Status() runner.Status
	Logs() []domain.LogEntry
	SetVisionEnabled(enabled bool) string
}

// DeadLetterLister reads dead letters held by the task graph.
type DeadLetterLister interface {
	ListDeadLetters(ctx context.Context, f domain.DeadLetterFilter) ([]domain.DeadLetter, error)
}

// Handler holds all dependencies for the HTTP handlers.
type Handler struct {
	Runner      StateSource
	DB          *sql.DB
	Checkpoints *checkpoint.Store
	// Remote is optional; without it ?remote=true is rejected.
	Remote DeadLetterLister
	Logger *zap.Logger

	// PushInterval paces the stream and websocket pushes.
	PushInterval time.Duration

	DecisionRepo   *store.DecisionRepo
	DeadLetterRepo *store.DeadLetterRepo
}

// VisionRequest is the body for POST /api/v1/vision.
type VisionRequest struct {
	Enabled *bool `json:"enabled"`
}

// VisionResponse reports the classification toggle after a change.
type VisionResponse struct {
	VisionEnabled bool   `json:"visionEnabled"`
	Message       string `json:"message"`
}

// HealthResponse is the body for GET /api/v1/health.
type HealthResponse struct {
	Status     string    `json:"status"`
	Running    bool      `json:"running"`
	Tick       int64     `json:"tick"`
	LastTickAt time.Time `json:"lastTickAt"`
}

// CheckpointResponse is the body for GET /api/v1/checkpoint.
type CheckpointResponse struct {
	Checkpoint *domain.Checkpoint  `json:"checkpoint"`
	Prompt     string              `json:"prompt"`
	History    []domain.Checkpoint `json:"history"`
}

// APIError is a structured error response.
type APIError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Health handles GET /api/v1/health.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	st := h.Runner.Status()
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:     "ok",
		Running:    st.Running,
		Tick:       st.Tick,
		LastTickAt: st.LastTickAt,
	})
}

// State handles GET /api/v1/state.
func (h *Handler) State(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Runner.Status())
}

// Logs handles GET /api/v1/logs.
func (h *Handler) Logs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Runner.Logs())
}

// Decisions handles GET /api/v1/decisions?limit=N.
func (h *Handler) Decisions(w http.ResponseWriter, r *http.Request) {
	events, err := h.DecisionRepo.ListRecent(r.Context(), h.DB, queryLimit(r, defaultListLimit))
	if err != nil {
		writeError(w, err)
		return
	}
	if events == nil {
		events = []domain.DecisionEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

// DeadLetters handles GET /api/v1/dead-letters. Filters: reason, phaseId,
// taskId, limit. With remote=true the task graph is queried instead of the
// local journal.
func (h *Handler) DeadLetters(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := domain.DeadLetterFilter{
		Limit:   queryLimit(r, defaultListLimit),
		Reason:  q.Get("reason"),
		PhaseID: q.Get("phaseId"),
		TaskID:  q.Get("taskId"),
	}

	var (
		items []domain.DeadLetter
		err   error
	)
	if remote, _ := strconv.ParseBool(q.Get("remote")); remote {
		if h.Remote == nil {
			writeJSON(w, http.StatusNotImplemented, APIError{Code: 501, Message: "remote dead-letter listing not configured"})
			return
		}
		items, err = h.Remote.ListDeadLetters(r.Context(), filter)
	} else {
		items, err = h.DeadLetterRepo.List(r.Context(), h.DB, filter)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	if items == nil {
		items = []domain.DeadLetter{}
	}
	writeJSON(w, http.StatusOK, items)
}

// Checkpoint handles GET /api/v1/checkpoint?history=N.
func (h *Handler) Checkpoint(w http.ResponseWriter, r *http.Request) {
	cp, err := h.Checkpoints.LoadCheckpoint()
	if err != nil {
		writeError(w, err)
		return
	}
	limit := defaultHistoryLimit
	if s := r.URL.Query().Get("history"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n >= 0 {
			limit = n
		}
	}
	history, err := h.Checkpoints.History(limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, CheckpointResponse{
		Checkpoint: cp,
		Prompt:     h.Checkpoints.LoadLatestCheckpointPrompt(),
		History:    history,
	})
}

// SetVision handles POST /api/v1/vision.
func (h *Handler) SetVision(w http.ResponseWriter, r *http.Request) {
	var req VisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, APIError{Code: 400, Message: "invalid request body"})
		return
	}
	if req.Enabled == nil {
		writeJSON(w, http.StatusBadRequest, APIError{Code: 400, Message: "enabled is required"})
		return
	}
	msg := h.Runner.SetVisionEnabled(*req.Enabled)
	h.logger().Info("vision toggled from dashboard", zap.Bool("enabled", *req.Enabled))
	writeJSON(w, http.StatusOK, VisionResponse{VisionEnabled: *req.Enabled, Message: msg})
}

func (h *Handler) logger() *zap.Logger {
	if h.Logger == nil {
		return zap.NewNop()
	}
	return h.Logger
}

func (h *Handler) pushInterval() time.Duration {
	if h.PushInterval <= 0 {
		return defaultPushInterval
	}
	return h.PushInterval
}

func queryLimit(r *http.Request, def int) int {
	n, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || n <= 0 {
		return def
	}
	return min(n, maxListLimit)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	var engErr *domain.EngineError
	if errors.As(err, &engErr) {
		status := http.StatusInternalServerError
		switch engErr.Code {
		case domain.ErrOrchestratorUnavailable.Code, domain.ErrOrchestratorTimeout.Code, domain.ErrInvalidResponse.Code:
			status = http.StatusBadGateway
		case domain.ErrCheckpointCorrupt.Code:
			status = http.StatusUnprocessableEntity
		case domain.ErrRateLimitExceeded.Code:
			status = http.StatusTooManyRequests
		}
		writeJSON(w, status, APIError{Code: engErr.Code, Message: engErr.Message})
		return
	}
	writeJSON(w, http.StatusInternalServerError, APIError{Code: -1, Message: err.Error()})
}
