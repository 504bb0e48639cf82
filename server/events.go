package server

import (
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/initializ/skillhost/telemetry"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// handleEvents upgrades the connection and streams telemetry events as
// JSON text frames until the client disconnects.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	sub := &wsSink{conn: conn}
	id := s.events.Add(sub)
	defer s.events.Remove(id)

	s.logger.Debug("event stream client connected", map[string]any{"remote": r.RemoteAddr})

	// Read loop: discards client frames, returns on disconnect.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// wsSink forwards events to one websocket client. Writes are serialized;
// the fanout may emit from several goroutines at once.
type wsSink struct {
	conn *websocket.Conn
	mu   sync.Mutex
	dead bool
}

func (s *wsSink) Emit(event telemetry.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dead {
		return
	}
	if err := s.conn.WriteJSON(event); err != nil {
		// Stop writing after the first failure; the read loop will
		// remove the subscription.
		s.dead = true
	}
}
