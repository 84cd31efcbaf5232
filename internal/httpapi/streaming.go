package httpapi

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/catalogrouter/internal/streaming"
)

// StreamingHandler serves SSE and WebSocket endpoints for pipeline events.
type StreamingHandler struct {
	mgr       *streaming.Manager
	logger    *zap.Logger
	heartbeat time.Duration
}

func NewStreamingHandler(mgr *streaming.Manager, logger *zap.Logger) *StreamingHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StreamingHandler{mgr: mgr, logger: logger, heartbeat: 15 * time.Second}
}

// RegisterRoutes registers SSE routes on the provided mux.
func (h *StreamingHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/stream/sse", h.handleSSE)
	h.RegisterWebSocket(mux)
}

// streamParams are the query parameters shared by both transports.
type streamParams struct {
	requestID  string
	typeFilter map[string]struct{}
	lastID     uint64
}

func parseStreamParams(r *http.Request) streamParams {
	p := streamParams{
		requestID:  r.URL.Query().Get("request_id"),
		typeFilter: map[string]struct{}{},
	}
	if s := r.URL.Query().Get("types"); s != "" {
		for _, t := range strings.Split(s, ",") {
			t = strings.TrimSpace(t)
			if t != "" {
				p.typeFilter[t] = struct{}{}
			}
		}
	}
	if lei := r.Header.Get("Last-Event-ID"); lei != "" {
		if n, err := strconv.ParseUint(lei, 10, 64); err == nil {
			p.lastID = n
		}
	}
	if q := r.URL.Query().Get("last_event_id"); q != "" && p.lastID == 0 {
		p.lastID = streaming.ParseSeq(q)
	}
	return p
}

func (p streamParams) wants(ev streaming.Event) bool {
	if len(p.typeFilter) == 0 {
		return true
	}
	_, ok := p.typeFilter[ev.Type]
	return ok
}

// handleSSE streams events for a request via Server-Sent Events. The backlog after
// Last-Event-ID is replayed first; the stream ends after the final event.
// GET /stream/sse?request_id=<id>
func (h *StreamingHandler) handleSSE(w http.ResponseWriter, r *http.Request) {
	p := parseStreamParams(r)
	if p.requestID == "" {
		http.Error(w, `{"error":"request_id required"}`, http.StatusBadRequest)
		return
	}

	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	// subscribe before replaying so nothing falls between the two
	ch := h.mgr.Subscribe(p.requestID, 256)
	defer h.mgr.Unsubscribe(p.requestID, ch)

	fmt.Fprintf(w, ": connected to request %s\n\n", p.requestID)
	flusher.Flush()

	sent := p.lastID
	write := func(ev streaming.Event) bool {
		if ev.Seq > 0 && ev.Seq <= sent {
			return false
		}
		if ev.Seq > sent {
			sent = ev.Seq
		}
		if p.wants(ev) {
			if ev.Seq > 0 {
				fmt.Fprintf(w, "id: %d\n", ev.Seq)
			}
			if ev.Type != "" {
				fmt.Fprintf(w, "event: %s\n", ev.Type)
			}
			fmt.Fprintf(w, "data: %s\n\n", string(ev.Marshal()))
		}
		return ev.Type == streaming.EventFinal
	}

	backlog, err := h.mgr.Replay(r.Context(), p.requestID, p.lastID)
	if err != nil {
		h.logger.Warn("Event replay failed", zap.String("request_id", p.requestID), zap.Error(err))
	}
	for _, ev := range backlog {
		if write(ev) {
			flusher.Flush()
			return
		}
	}
	flusher.Flush()

	hb := time.NewTicker(h.heartbeat)
	defer hb.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			h.logger.Debug("SSE client disconnected", zap.String("request_id", p.requestID))
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			done := write(evt)
			flusher.Flush()
			if done {
				return
			}
		case <-hb.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		}
	}
}
