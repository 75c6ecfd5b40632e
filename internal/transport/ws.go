package transport

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
)

// upgrader allows cross-origin upgrades; the router's cors middleware
// already gates the preceding preflight, and this server has no cookie
// based auth for the CheckOrigin default to defend against.
var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

const (
	wsWriteWait  = 10 * time.Second
	wsPingPeriod = 30 * time.Second
)

// handleEventsWebsocket upgrades the connection and streams every
// broadcaster.Event published for runID until the client disconnects
// or the server shuts the subscription down.
func (s *Server) handleEventsWebsocket(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	sub := s.broadcaster.Subscribe()
	defer sub.Unsubscribe()

	// Drain and discard anything the client sends; this is a one-way
	// event feed, but a reader goroutine is required to observe the
	// client closing the connection.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-closed:
			return
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case event, ok := <-sub.Events():
			if !ok {
				return
			}
			if event.RunID != "" && event.RunID != runID {
				continue
			}
			blob, err := json.Marshal(event)
			if err != nil {
				s.logger.Error().Err(err).Msg("marshal broadcaster event")
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.TextMessage, blob); err != nil {
				return
			}
		}
	}
}
