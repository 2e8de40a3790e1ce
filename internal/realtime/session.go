package realtime

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/efreitasn/certauction/internal/auth"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
)

// Session is one websocket connection.
type Session struct {
	id       string
	identity *auth.Identity // nil for anonymous connections
	conn     *websocket.Conn
	send     chan []byte

	// rooms is guarded by the owning Hub's mutex.
	rooms map[string]struct{}

	closeOnce sync.Once
	done      chan struct{}
}

func newSession(id string, conn *websocket.Conn, identity *auth.Identity, buffer int) *Session {
	return &Session{
		id:       id,
		identity: identity,
		conn:     conn,
		send:     make(chan []byte, buffer),
		rooms:    make(map[string]struct{}),
		done:     make(chan struct{}),
	}
}

func (s *Session) userID() string {
	if s.identity == nil {
		return ""
	}
	return s.identity.UserID
}

// enqueue queues a frame without blocking. It reports false when the
// buffer is full.
func (s *Session) enqueue(frame []byte) bool {
	select {
	case <-s.done:
		return true
	default:
	}
	select {
	case s.send <- frame:
		return true
	default:
		return false
	}
}

func (s *Session) close() {
	s.closeOnce.Do(func() {
		close(s.done)
	})
}

// writePump drains the send buffer to the connection and pings the peer.
// It owns every write to conn.
func (s *Session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case <-s.done:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return

		case frame := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}

		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
