package httpapi

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"adblast/pkg/logx"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The feed is observational; same-origin enforcement belongs to the
	// deployment proxy.
	CheckOrigin: func(*http.Request) bool { return true },
}

// wsMessage is the wire shape of one engine event on the feed. Seq lets a
// client detect dropped events (its buffer overflowed) and re-query state.
type wsMessage struct {
	Seq     uint64    `json:"seq"`
	Event   string    `json:"event"`
	Time    time.Time `json:"time"`
	Payload any       `json:"payload"`
}

// serveWS upgrades the connection and streams every engine event to the
// client. Each connection gets its own bus subscription; a slow client drops
// events rather than backpressuring the engine.
func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", logx.Err(err))
		return
	}

	events, unsubscribe := s.bus.Subscribe(64)
	log := s.log.With(logx.String("remote", conn.RemoteAddr().String()))
	log.Debug("websocket client connected")

	// Reader: we never expect client frames, but reading is required to
	// notice the peer going away.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	go func() {
		defer func() {
			unsubscribe()
			_ = conn.Close()
			log.Debug("websocket client disconnected")
		}()
		for {
			select {
			case <-done:
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				msg := wsMessage{Seq: ev.Seq, Event: ev.Name, Time: ev.Time, Payload: ev.Payload}
				_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
				if err := conn.WriteJSON(msg); err != nil {
					return
				}
			}
		}
	}()
}
