package groups

import (
	"sync"

	"github.com/google/uuid"

	"github.com/orsondmc/coordshare/internal/api/group"
)

// MemoryStore is a map-backed Store for tests and single-process runs.
type MemoryStore struct {
	mu     sync.RWMutex
	groups map[uuid.UUID]group.Group
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{groups: make(map[uuid.UUID]group.Group)}
}

func (s *MemoryStore) FindGroup(id uuid.UUID) (group.Group, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.groups[id]
	return g, ok, nil
}

func (s *MemoryStore) FindGroupsContaining(profile uuid.UUID) ([]group.Group, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []group.Group
	for _, g := range s.groups {
		if g.ContainsPlayer(profile) {
			out = append(out, g)
		}
	}
	return out, nil
}

func (s *MemoryStore) Upsert(g group.Group) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.groups[g.ID] = g
	return nil
}

func (s *MemoryStore) Delete(id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.groups, id)
	return nil
}

func (s *MemoryStore) AddMembers(id uuid.UUID, players []group.Player, role group.MembershipRole, state group.MembershipState) (group.Group, bool, error) {
	return s.mutate(id, func(g group.Group) group.Group {
		g, _ = g.AddMembers(players, role, state)
		return g
	})
}

func (s *MemoryStore) UpdateMember(id uuid.UUID, profile uuid.UUID, role group.MembershipRole, state group.MembershipState) (group.Group, bool, error) {
	return s.mutate(id, func(g group.Group) group.Group {
		g = g.UpdateMemberRole(profile, role)
		return g.UpdateMembershipState(profile, state)
	})
}

func (s *MemoryStore) RemoveMember(id uuid.UUID, profile uuid.UUID) (group.Group, bool, error) {
	return s.mutate(id, func(g group.Group) group.Group {
		return g.RemoveMember(profile)
	})
}

func (s *MemoryStore) UpdatePlayer(id uuid.UUID, p group.Player) (group.Group, bool, error) {
	return s.mutate(id, func(g group.Group) group.Group {
		return g.UpdatePlayer(p)
	})
}

func (s *MemoryStore) UpdateMemberPayload(id uuid.UUID, profile uuid.UUID, payload []byte) (group.Group, bool, error) {
	return s.mutate(id, func(g group.Group) group.Group {
		return g.UpdateMemberPayload(profile, payload)
	})
}

func (s *MemoryStore) mutate(id uuid.UUID, fn func(group.Group) group.Group) (group.Group, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.groups[id]
	if !ok {
		return group.Group{}, false, nil
	}
	g = fn(g)
	s.groups[id] = g
	return g, true, nil
}

var _ Store = (*MemoryStore)(nil)
