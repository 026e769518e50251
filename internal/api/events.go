package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/coder/websocket"
	"github.com/grugthink/grugfleet/internal/events"
)

// EventsHandler pushes fleet events to operator dashboards over WebSocket.
// A connection receives events published after it subscribed; there is no
// replay on reconnect.
type EventsHandler struct {
	bus           *events.Bus
	allowedOrigin string
}

// NewEventsHandler creates the event stream handler.
func NewEventsHandler(bus *events.Bus, allowedOrigin string) *EventsHandler {
	return &EventsHandler{bus: bus, allowedOrigin: allowedOrigin}
}

// ServeHTTP implements http.Handler for WebSocket upgrade.
func (h *EventsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	opts := &websocket.AcceptOptions{OriginPatterns: []string{"*"}}
	if h.allowedOrigin != "" && h.allowedOrigin != "*" {
		opts.OriginPatterns = []string{h.allowedOrigin}
	}

	ws, err := websocket.Accept(w, r, opts)
	if err != nil {
		slog.Error("Failed to accept WebSocket", "error", err, "ip", r.RemoteAddr)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "stream ended"); closeErr != nil {
			slog.Debug("Failed to close websocket", "error", closeErr)
		}
	}()

	sub, cancel := h.bus.Subscribe()
	defer cancel()

	slog.Info("Event stream subscriber connected", "ip", r.RemoteAddr)

	ctx := r.Context()
	// Reads are discarded; the read loop only surfaces client disconnects.
	readCtx, readCancel := context.WithCancel(ctx)
	defer readCancel()
	go func() {
		defer readCancel()
		for {
			if _, _, err := ws.Read(readCtx); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case ev, ok := <-sub:
			if !ok {
				// Dropped by the bus: this subscriber could not keep up, or
				// the bus shut down.
				_ = ws.Close(websocket.StatusTryAgainLater, "subscriber lagged")
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				slog.Error("Failed to encode fleet event", "error", err)
				continue
			}
			if err := ws.Write(ctx, websocket.MessageText, data); err != nil {
				slog.Debug("Event stream write failed", "error", err)
				return
			}
		case <-readCtx.Done():
			return
		}
	}
}
