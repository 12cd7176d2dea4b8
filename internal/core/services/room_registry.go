package services

import (
	"context"
	"slices"
	"sort"
	"sync"

	"voicechat/internal/core/domain"
	"voicechat/internal/core/ports"
	"voicechat/pkg/utils"
	"voicechat/pkg/validation"
)

type room struct {
	name      domain.RoomName
	router    ports.Router
	members   map[string]struct{}
	producers map[domain.ProducerID]domain.ProducerEntry
}

type presence struct {
	muted    bool
	speaking bool
}

// roomRegistry tracks room membership for the fixed catalog. Routers come
// from the RouterProvider so the registry never creates one itself.
type roomRegistry struct {
	routers ports.RouterProvider
	catalog []string

	mu       sync.RWMutex
	rooms    map[domain.RoomName]*room
	presence map[string]*presence
}

func NewRoomRegistry(routers ports.RouterProvider, catalog []domain.RoomName) ports.RoomRegistry {
	r := &roomRegistry{
		routers:  routers,
		rooms:    make(map[domain.RoomName]*room, len(catalog)),
		presence: make(map[string]*presence),
	}
	for _, name := range catalog {
		r.catalog = append(r.catalog, string(name))
		r.rooms[name] = &room{
			name:      name,
			members:   make(map[string]struct{}),
			producers: make(map[domain.ProducerID]domain.ProducerEntry),
		}
	}
	return r
}

func (r *roomRegistry) lookup(name domain.RoomName) (*room, error) {
	if err := validation.ValidateRoomName(string(name), r.catalog); err != nil {
		return nil, domain.ErrInvalidRoom
	}
	return r.rooms[name], nil
}

func (r *roomRegistry) Join(ctx context.Context, username string, name domain.RoomName) (ports.JoinResult, error) {
	if err := validation.ValidateUsername(username); err != nil {
		return ports.JoinResult{}, domain.ErrInvalidUsername
	}
	rm, err := r.lookup(name)
	if err != nil {
		return ports.JoinResult{}, err
	}

	// The router is bound outside r.mu; the provider serializes per room.
	router, err := r.routers.RouterFor(ctx, name)
	if err != nil {
		return ports.JoinResult{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	rm.router = router
	rm.members[username] = struct{}{}
	if _, ok := r.presence[username]; !ok {
		r.presence[username] = &presence{}
	}

	return ports.JoinResult{Router: router, Members: utils.SortedKeys(rm.members)}, nil
}

func (r *roomRegistry) Leave(username string, name domain.RoomName) ([]string, error) {
	rm, err := r.lookup(name)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	delete(rm.members, username)
	r.dropPresenceLocked(username)
	return utils.SortedKeys(rm.members), nil
}

// RemoveUserEverywhere drops username from every room but those in except
// and reports the rooms it left with their remaining members.
func (r *roomRegistry) RemoveUserEverywhere(username string, except ...domain.RoomName) map[domain.RoomName][]string {
	r.mu.Lock()
	defer r.mu.Unlock()

	affected := make(map[domain.RoomName][]string)
	for name, rm := range r.rooms {
		if slices.Contains(except, name) {
			continue
		}
		if _, ok := rm.members[username]; !ok {
			continue
		}
		delete(rm.members, username)
		affected[name] = utils.SortedKeys(rm.members)
	}
	r.dropPresenceLocked(username)
	return affected
}

// dropPresenceLocked forgets presence once the user is in no room at all.
func (r *roomRegistry) dropPresenceLocked(username string) {
	for _, rm := range r.rooms {
		if _, ok := rm.members[username]; ok {
			return
		}
	}
	delete(r.presence, username)
}

func (r *roomRegistry) Members(name domain.RoomName) ([]string, error) {
	rm, err := r.lookup(name)
	if err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return utils.SortedKeys(rm.members), nil
}

func (r *roomRegistry) Rooms() []domain.RoomInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]domain.RoomInfo, 0, len(r.catalog))
	for _, name := range r.catalog {
		rm := r.rooms[domain.RoomName(name)]
		members := utils.SortedKeys(rm.members)
		infos = append(infos, domain.RoomInfo{
			Name:    rm.name,
			Members: members,
			Count:   len(members),
			Active:  rm.router != nil,
		})
	}
	return infos
}

func (r *roomRegistry) Users() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]struct{})
	for _, rm := range r.rooms {
		for u := range rm.members {
			seen[u] = struct{}{}
		}
	}
	return utils.SortedKeys(seen)
}

func (r *roomRegistry) AddProducer(name domain.RoomName, entry domain.ProducerEntry) error {
	rm, err := r.lookup(name)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	rm.producers[entry.ProducerID] = entry
	return nil
}

func (r *roomRegistry) RemoveProducer(name domain.RoomName, id domain.ProducerID) {
	rm, err := r.lookup(name)
	if err != nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(rm.producers, id)
}

func (r *roomRegistry) Producers(name domain.RoomName) []domain.ProducerEntry {
	rm, err := r.lookup(name)
	if err != nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]domain.ProducerEntry, 0, len(rm.producers))
	for _, e := range rm.producers {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProducerID < out[j].ProducerID })
	return out
}

func (r *roomRegistry) SetMuted(username string, muted bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.presence[username]; ok {
		p.muted = muted
		if muted {
			p.speaking = false
		}
	}
}

func (r *roomRegistry) SetSpeaking(username string, speaking bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.presence[username]; ok {
		p.speaking = speaking && !p.muted
	}
}

func (r *roomRegistry) Presence(name domain.RoomName) []domain.Presence {
	rm, err := r.lookup(name)
	if err != nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]domain.Presence, 0, len(rm.members))
	for _, u := range utils.SortedKeys(rm.members) {
		p := domain.Presence{Username: u}
		if st, ok := r.presence[u]; ok {
			p.Muted = st.muted
			p.Speaking = st.speaking
		}
		out = append(out, p)
	}
	return out
}
