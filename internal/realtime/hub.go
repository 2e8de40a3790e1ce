// Package realtime is the websocket gateway: sessions, rooms and the
// inbound message dispatcher.
package realtime

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/efreitasn/certauction/internal/domain"
	"github.com/efreitasn/certauction/internal/metrics"
)

// Hub owns every live session and the room → session index. Sessions are
// registered on connect and torn down on disconnect; nothing outside the
// hub holds a session reference.
type Hub struct {
	mu       sync.RWMutex
	sessions map[*Session]struct{}
	rooms    map[string]map[*Session]struct{}

	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewHub creates an empty Hub. m and logger may be nil.
func NewHub(m *metrics.Metrics, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		sessions: make(map[*Session]struct{}),
		rooms:    make(map[string]map[*Session]struct{}),
		metrics:  m,
		logger:   logger,
	}
}

func (h *Hub) register(s *Session) {
	h.mu.Lock()
	h.sessions[s] = struct{}{}
	h.mu.Unlock()
	h.metrics.SessionOpened()
	h.logger.Debug("session opened", slog.String("session_id", s.id), slog.String("user_id", s.userID()))
}

// remove drops the session from every room and closes it. Safe to call
// more than once.
func (h *Hub) remove(s *Session) {
	h.mu.Lock()
	_, ok := h.sessions[s]
	if ok {
		delete(h.sessions, s)
		for room := range s.rooms {
			h.leaveLocked(s, room)
		}
	}
	h.mu.Unlock()

	s.close()
	if ok {
		h.metrics.SessionClosed()
		h.logger.Debug("session closed", slog.String("session_id", s.id))
	}
}

// join adds s to room. It reports false if s was already a member.
func (h *Hub) join(s *Session, room string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.sessions[s]; !ok {
		return false
	}
	if _, ok := s.rooms[room]; ok {
		return false
	}
	members, ok := h.rooms[room]
	if !ok {
		members = make(map[*Session]struct{})
		h.rooms[room] = members
	}
	members[s] = struct{}{}
	s.rooms[room] = struct{}{}
	return true
}

// leave removes s from room. It reports false if s was not a member.
func (h *Hub) leave(s *Session, room string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := s.rooms[room]; !ok {
		return false
	}
	h.leaveLocked(s, room)
	return true
}

func (h *Hub) leaveLocked(s *Session, room string) {
	delete(s.rooms, room)
	if members, ok := h.rooms[room]; ok {
		delete(members, s)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
}

// joined reports whether s is a member of room.
func (h *Hub) joined(s *Session, room string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := s.rooms[room]
	return ok
}

// Publish encodes ev and delivers it to its room, or to every session when
// the room is empty. It implements engine.Notifier.
func (h *Hub) Publish(ev domain.Event) {
	frame, err := ev.Encode()
	if err != nil {
		h.logger.Error("encode event", slog.String("type", string(ev.Type)), slog.String("error", err.Error()))
		return
	}
	h.Deliver(ev.Room, frame)
}

// Deliver fans an already-encoded frame out to a room. A session whose
// send buffer is full is disconnected rather than allowed to stall the
// broadcast.
func (h *Hub) Deliver(room string, frame []byte) {
	h.mu.RLock()
	var targets []*Session
	if room == "" {
		targets = make([]*Session, 0, len(h.sessions))
		for s := range h.sessions {
			targets = append(targets, s)
		}
	} else {
		members := h.rooms[room]
		targets = make([]*Session, 0, len(members))
		for s := range members {
			targets = append(targets, s)
		}
	}
	h.mu.RUnlock()

	for _, s := range targets {
		if !s.enqueue(frame) {
			h.logger.Warn("dropping slow session", slog.String("session_id", s.id), slog.String("room", room))
			h.remove(s)
		}
	}
}

// RunHeartbeat broadcasts a heartbeat to every session on each interval
// until ctx is cancelled.
func (h *Hub) RunHeartbeat(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			h.Publish(domain.NewEvent(domain.EventHeartbeat, "", now, nil))
		}
	}
}

// Close disconnects every session.
func (h *Hub) Close() {
	h.mu.RLock()
	all := make([]*Session, 0, len(h.sessions))
	for s := range h.sessions {
		all = append(all, s)
	}
	h.mu.RUnlock()

	for _, s := range all {
		h.remove(s)
	}
}

// SessionCount returns the number of connected sessions.
func (h *Hub) SessionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// RoomSize returns the number of sessions joined to room.
func (h *Hub) RoomSize(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}
