package server

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nstogner/sandboxd/pkg/domain"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// WatchMessage is pushed to /watch clients: the current instance on connect,
// then one message per transition of the session.
type WatchMessage struct {
	Event    *domain.Event    `json:"event,omitempty"`
	Instance *domain.Instance `json:"instance,omitempty"`
}

func (s *Server) handleWatch(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	if key == "" {
		http.Error(w, "Missing session key", http.StatusBadRequest)
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("Failed to upgrade websocket", "error", err)
		return
	}
	defer ws.Close()

	events, unsubscribe := s.sandboxes.Subscribe()
	defer unsubscribe()

	var writeMu sync.Mutex
	write := func(msg WatchMessage) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
		return ws.WriteJSON(msg)
	}

	if inst, ok := s.sandboxes.Get(key); ok {
		if err := write(WatchMessage{Instance: inst}); err != nil {
			return
		}
	}

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)

	// Writer goroutine: pushes transitions of this session to the client.
	go func() {
		defer wg.Done()
		defer ws.Close()

		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-done:
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				if ev.SessionKey != key {
					continue
				}
				msg := WatchMessage{Event: &ev}
				if inst, ok := s.sandboxes.Get(key); ok && inst.ID == ev.InstanceID {
					msg.Instance = inst
				}
				if err := write(msg); err != nil {
					s.logger.Debug("Watch write failed", "sessionKey", key, "error", err)
					return
				}
			case <-ticker.C:
				writeMu.Lock()
				err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
				writeMu.Unlock()
				if err != nil {
					return
				}
			}
		}
	}()

	// Reader loop: only detects the client going away.
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("WebSocket read error", "error", err)
			}
			break
		}
	}

	close(done)
	wg.Wait()
}
