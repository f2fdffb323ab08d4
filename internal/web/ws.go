package web

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/hlog"
)

const (
	wsReadTimeout = 60 * time.Second
	wsPingPeriod  = 25 * time.Second
	wsWriteWait   = 10 * time.Second
)

// wsConn serializes writes; gorilla allows one concurrent writer.
type wsConn struct {
	*websocket.Conn
	mu sync.Mutex
}

func (c *wsConn) writeJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return c.WriteJSON(v)
}

type statusEvent struct {
	Type string `json:"type"`
	statusBody
}

// handleTaskWS pushes the task status whenever it changes and closes the
// connection once the task is terminal.
func (s *Server) handleTaskWS(w http.ResponseWriter, r *http.Request) {
	l := hlog.FromRequest(r)
	id := taskID(r)
	t, err := s.store.Get(r.Context(), id)
	if err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]any{"error": "not found"})
		return
	}

	raw, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		l.Error().Err(err).Msg("ws upgrade failed")
		return
	}
	conn := &wsConn{Conn: raw}
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	conn.SetPongHandler(func(string) error { _ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout)); return nil })

	// reader: answers client pings and notices when the peer goes away
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				if !websocket.IsCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
					l.Debug().Err(err).Msg("ws read ended")
				}
				return
			}
			_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
			if mt != websocket.TextMessage {
				continue
			}
			var msg map[string]any
			if err := json.Unmarshal(data, &msg); err != nil {
				_ = conn.writeJSON(map[string]any{"type": "error", "detail": "invalid json"})
				continue
			}
			if msg["type"] == "ping" {
				_ = conn.writeJSON(map[string]any{"type": "pong", "ts": msg["ts"]})
			}
		}
	}()

	poll := time.NewTicker(s.poll)
	defer poll.Stop()
	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()

	var last statusBody
	for {
		cur := statusOf(t)
		if cur != last {
			if err := conn.writeJSON(statusEvent{Type: "status", statusBody: cur}); err != nil {
				l.Warn().Err(err).Msg("ws: failed to send status")
				return
			}
			last = cur
		}
		if t.Status.Terminal() {
			conn.mu.Lock()
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, string(t.Status)),
				time.Now().Add(wsWriteWait))
			conn.mu.Unlock()
			return
		}

		select {
		case <-gone:
			return
		case <-r.Context().Done():
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
			continue
		case <-poll.C:
		}

		next, err := s.store.Get(r.Context(), id)
		if err != nil {
			// expired while watching
			_ = conn.writeJSON(map[string]any{"type": "error", "detail": "task no longer available"})
			return
		}
		t = next
	}
}
