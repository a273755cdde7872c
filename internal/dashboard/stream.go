package dashboard

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/devplan/autopilot-executor/internal/runner"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second
	// Time allowed to read the next pong from the peer.
	pongWait = 60 * time.Second
	// Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	maxClientMessage = 1024
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The dashboard is served to a local browser on another port.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Stream handles GET /api/v1/stream (SSE). It pushes the status once on
// connect and again whenever it changes.
func (h *Handler) Stream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, APIError{Code: 500, Message: "streaming not supported"})
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	last := h.Runner.Status()
	if err := writeSSEStatus(w, flusher, last); err != nil {
		return
	}

	ctx := r.Context()
	ticker := time.NewTicker(h.pushInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			st := h.Runner.Status()
			if !statusChanged(last, st) {
				continue
			}
			last = st
			if err := writeSSEStatus(w, flusher, st); err != nil {
				return
			}
		}
	}
}

// WebSocket handles GET /api/v1/ws. The connection is push-only; client
// messages are read and discarded so close and pong frames are processed.
func (h *Handler) WebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger().Debug("websocket upgrade", zap.Error(err))
		return
	}
	defer conn.Close()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		conn.SetReadLimit(maxClientMessage)
		conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(pongWait))
			return nil
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					h.logger().Debug("websocket read", zap.Error(err))
				}
				return
			}
		}
	}()

	push := time.NewTicker(h.pushInterval())
	defer push.Stop()
	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	last := h.Runner.Status()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(last); err != nil {
		return
	}

	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case <-push.C:
			st := h.Runner.Status()
			if !statusChanged(last, st) {
				continue
			}
			last = st
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(st); err != nil {
				return
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// statusChanged compares the fields that move between ticks and during
// countdowns.
func statusChanged(a, b runner.Status) bool {
	return a.Tick != b.Tick ||
		a.Countdown != b.Countdown ||
		a.Running != b.Running ||
		a.VisionEnabled != b.VisionEnabled ||
		a.OrchestratorReachable != b.OrchestratorReachable
}

func writeSSEStatus(w http.ResponseWriter, f http.Flusher, st runner.Status) error {
	data, err := json.Marshal(st)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: status\ndata: %s\n\n", data); err != nil {
		return err
	}
	f.Flush()
	return nil
}
