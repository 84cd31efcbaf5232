package httpapi

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/catalogrouter/internal/streaming"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// RegisterWebSocket registers /stream/ws endpoint.
func (h *StreamingHandler) RegisterWebSocket(mux *http.ServeMux) {
	mux.HandleFunc("/stream/ws", h.handleWS)
}

// handleWS mirrors handleSSE over a websocket and closes normally after the final event.
// GET /stream/ws?request_id=<id>
func (h *StreamingHandler) handleWS(w http.ResponseWriter, r *http.Request) {
	p := parseStreamParams(r)
	if p.requestID == "" {
		http.Error(w, "request_id required", http.StatusBadRequest)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ch := h.mgr.Subscribe(p.requestID, 256)
	defer h.mgr.Unsubscribe(p.requestID, ch)

	sent := p.lastID
	// write reports whether the stream is finished
	write := func(ev streaming.Event) (bool, error) {
		if ev.Seq > 0 && ev.Seq <= sent {
			return false, nil
		}
		if ev.Seq > sent {
			sent = ev.Seq
		}
		if p.wants(ev) {
			if err := conn.WriteJSON(ev); err != nil {
				return true, err
			}
		}
		return ev.Type == streaming.EventFinal, nil
	}
	closeNormal := func() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "final")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	}

	backlog, err := h.mgr.Replay(r.Context(), p.requestID, p.lastID)
	if err != nil {
		h.logger.Warn("Event replay failed", zap.String("request_id", p.requestID), zap.Error(err))
	}
	for _, ev := range backlog {
		done, err := write(ev)
		if err != nil {
			return
		}
		if done {
			closeNormal()
			return
		}
	}

	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	})

	ticker := time.NewTicker(20 * time.Second)
	defer ticker.Stop()

	// reader pump: client messages are discarded, a read error ends the stream
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-gone:
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			done, err := write(ev)
			if err != nil {
				return
			}
			if done {
				closeNormal()
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(10*time.Second)); err != nil {
				return
			}
		}
	}
}
