package signal

import (
	"sort"
	"sync"

	"voicechat/internal/core/domain"
	"voicechat/internal/protocol"

	"go.uber.org/zap"
)

// Hub indexes live sessions and the room each one is joined to.
type Hub struct {
	mu       sync.RWMutex
	sessions map[domain.ConnectionID]*Session
	rooms    map[domain.ConnectionID]membership

	logger *zap.SugaredLogger
}

func NewHub(logger *zap.SugaredLogger) *Hub {
	return &Hub{
		sessions: make(map[domain.ConnectionID]*Session),
		rooms:    make(map[domain.ConnectionID]membership),
		logger:   logger,
	}
}

func (h *Hub) Add(s *Session) {
	h.mu.Lock()
	h.sessions[s.ID()] = s
	h.mu.Unlock()
}

func (h *Hub) Remove(id domain.ConnectionID) {
	h.mu.Lock()
	delete(h.sessions, id)
	delete(h.rooms, id)
	h.mu.Unlock()
}

func (h *Hub) Get(id domain.ConnectionID) (*Session, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	s, ok := h.sessions[id]
	return s, ok
}

type membership struct {
	username string
	room     domain.RoomName
}

// SetRoom records the room the session joined under username; an empty
// room clears it.
func (h *Hub) SetRoom(id domain.ConnectionID, username string, room domain.RoomName) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if room == "" {
		delete(h.rooms, id)
		return
	}
	h.rooms[id] = membership{username: username, room: room}
}

// RoomsOf lists the rooms live sessions other than exclude hold under
// username, sorted.
func (h *Hub) RoomsOf(username string, exclude domain.ConnectionID) []domain.RoomName {
	h.mu.RLock()
	defer h.mu.RUnlock()

	seen := make(map[domain.RoomName]struct{})
	for id, m := range h.rooms {
		if id == exclude || m.username != username {
			continue
		}
		if _, ok := h.sessions[id]; ok {
			seen[m.room] = struct{}{}
		}
	}
	out := make([]domain.RoomName, 0, len(seen))
	for room := range seen {
		out = append(out, room)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// InRoom returns the sessions joined to room ordered by connection id.
func (h *Hub) InRoom(room domain.RoomName) []*Session {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var out []*Session
	for id, m := range h.rooms {
		if m.room != room {
			continue
		}
		if s, ok := h.sessions[id]; ok {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// Broadcast sends env to every session in room except exclude. A failing
// recipient is logged and skipped. It returns how many sessions got it.
func (h *Hub) Broadcast(room domain.RoomName, env protocol.Envelope, exclude domain.ConnectionID) int {
	sent := 0
	for _, s := range h.InRoom(room) {
		if s.ID() == exclude {
			continue
		}
		if err := s.Send(env); err != nil {
			h.logger.Warnw("broadcast delivery failed",
				"room", room,
				"type", env.Type,
				"connection_id", s.ID(),
				"error", err)
			continue
		}
		sent++
	}
	return sent
}
