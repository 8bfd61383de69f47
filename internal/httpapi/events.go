// Package httpapi serves task lifecycle events of a session over
// Server-Sent Events and WebSocket on the admin HTTP server.
package httpapi

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/taskgraph/internal/streaming"
)

const subscriberBuffer = 256

// EventsHandler streams streaming.Manager events for one session per connection
type EventsHandler struct {
	mgr       *streaming.Manager
	logger    *zap.Logger
	heartbeat time.Duration
}

func NewEventsHandler(mgr *streaming.Manager, logger *zap.Logger) *EventsHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EventsHandler{mgr: mgr, logger: logger, heartbeat: 15 * time.Second}
}

// RegisterRoutes registers /events/sse and /events/ws on mux
func (h *EventsHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/events/sse", h.handleSSE)
	mux.HandleFunc("/events/ws", h.handleWS)
}

// subscription holds the parsed query of an events request
type subscription struct {
	sessionID string
	types     map[string]struct{}
	lastID    uint64
}

// parseSubscription reads session_id, the optional comma separated types
// filter and the replay position from Last-Event-ID or last_event_id.
func parseSubscription(r *http.Request) (subscription, error) {
	q := r.URL.Query()
	sub := subscription{sessionID: q.Get("session_id"), types: map[string]struct{}{}}
	if sub.sessionID == "" {
		return sub, fmt.Errorf("session_id required")
	}
	if s := q.Get("types"); s != "" {
		for _, t := range strings.Split(s, ",") {
			if t = strings.TrimSpace(t); t != "" {
				sub.types[t] = struct{}{}
			}
		}
	}
	if lei := r.Header.Get("Last-Event-ID"); lei != "" {
		if n, err := strconv.ParseUint(lei, 10, 64); err == nil {
			sub.lastID = n
		}
	}
	if v := q.Get("last_event_id"); v != "" && sub.lastID == 0 {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			sub.lastID = n
		}
	}
	return sub, nil
}

func (s subscription) wants(evt streaming.Event) bool {
	if len(s.types) == 0 {
		return true
	}
	_, ok := s.types[evt.Type]
	return ok
}

// handleSSE streams events for a session.
// GET /events/sse?session_id=<id>[&types=a,b][&last_event_id=n]
func (h *EventsHandler) handleSSE(w http.ResponseWriter, r *http.Request) {
	sub, err := parseSubscription(r)
	if err != nil {
		http.Error(w, `{"error":"session_id required"}`, http.StatusBadRequest)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	ch := h.mgr.Subscribe(sub.sessionID, subscriberBuffer)
	defer h.mgr.Unsubscribe(sub.sessionID, ch)

	fmt.Fprintf(w, ": connected to session %s\n\n", sub.sessionID)
	if sub.lastID > 0 {
		for _, evt := range h.mgr.ReplaySince(sub.sessionID, sub.lastID) {
			if sub.wants(evt) {
				h.writeSSE(w, evt)
			}
		}
	}
	flusher.Flush()

	hb := time.NewTicker(h.heartbeat)
	defer hb.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			h.logger.Debug("SSE client disconnected", zap.String("session_id", sub.sessionID))
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			if !sub.wants(evt) {
				continue
			}
			h.writeSSE(w, evt)
			flusher.Flush()
		case <-hb.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		}
	}
}

func (h *EventsHandler) writeSSE(w http.ResponseWriter, evt streaming.Event) {
	data, err := evt.Marshal()
	if err != nil {
		h.logger.Warn("Dropping event from stream", zap.Uint64("seq", evt.Seq), zap.Error(err))
		return
	}
	if evt.Seq > 0 {
		fmt.Fprintf(w, "id: %d\n", evt.Seq)
	}
	if evt.Type != "" {
		fmt.Fprintf(w, "event: %s\n", evt.Type)
	}
	fmt.Fprintf(w, "data: %s\n\n", data)
}
