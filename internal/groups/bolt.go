package groups

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"github.com/orsondmc/coordshare/internal/api/group"
)

var groupsBucket = []byte("groups")

// BoltStore persists group aggregates in bbolt. Each mutation runs in a
// single Update transaction that reloads, rewrites, and returns the
// whole aggregate, giving the per-group consistency the coordinator
// relies on when connections mutate the same group concurrently.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates the bucket if needed.
func NewBoltStore(db *bolt.DB) (*BoltStore, error) {
	err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(groupsBucket)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("creating groups bucket: %w", err)
	}
	return &BoltStore{db: db}, nil
}

func (s *BoltStore) FindGroup(id uuid.UUID) (group.Group, bool, error) {
	var g group.Group
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(groupsBucket).Get(id[:])
		if raw == nil {
			return nil
		}
		found = true
		return cbor.Unmarshal(raw, &g)
	})
	return g, found, err
}

func (s *BoltStore) FindGroupsContaining(profile uuid.UUID) ([]group.Group, error) {
	var out []group.Group
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(groupsBucket).ForEach(func(_, raw []byte) error {
			var g group.Group
			if err := cbor.Unmarshal(raw, &g); err != nil {
				return err
			}
			if g.ContainsPlayer(profile) {
				out = append(out, g)
			}
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) Upsert(g group.Group) error {
	raw, err := cbor.Marshal(g)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(groupsBucket).Put(g.ID[:], raw)
	})
}

func (s *BoltStore) Delete(id uuid.UUID) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(groupsBucket).Delete(id[:])
	})
}

func (s *BoltStore) AddMembers(id uuid.UUID, players []group.Player, role group.MembershipRole, state group.MembershipState) (group.Group, bool, error) {
	return s.mutate(id, func(g group.Group) group.Group {
		g, _ = g.AddMembers(players, role, state)
		return g
	})
}

func (s *BoltStore) UpdateMember(id uuid.UUID, profile uuid.UUID, role group.MembershipRole, state group.MembershipState) (group.Group, bool, error) {
	return s.mutate(id, func(g group.Group) group.Group {
		g = g.UpdateMemberRole(profile, role)
		return g.UpdateMembershipState(profile, state)
	})
}

func (s *BoltStore) RemoveMember(id uuid.UUID, profile uuid.UUID) (group.Group, bool, error) {
	return s.mutate(id, func(g group.Group) group.Group {
		return g.RemoveMember(profile)
	})
}

func (s *BoltStore) UpdatePlayer(id uuid.UUID, p group.Player) (group.Group, bool, error) {
	return s.mutate(id, func(g group.Group) group.Group {
		return g.UpdatePlayer(p)
	})
}

func (s *BoltStore) UpdateMemberPayload(id uuid.UUID, profile uuid.UUID, payload []byte) (group.Group, bool, error) {
	return s.mutate(id, func(g group.Group) group.Group {
		return g.UpdateMemberPayload(profile, payload)
	})
}

// mutate applies fn to the stored aggregate inside one transaction and
// returns the rewritten group.
func (s *BoltStore) mutate(id uuid.UUID, fn func(group.Group) group.Group) (group.Group, bool, error) {
	var out group.Group
	var found bool
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(groupsBucket)
		raw := b.Get(id[:])
		if raw == nil {
			return nil
		}
		var g group.Group
		if err := cbor.Unmarshal(raw, &g); err != nil {
			return err
		}
		g = fn(g)
		enc, err := cbor.Marshal(g)
		if err != nil {
			return err
		}
		if err := b.Put(id[:], enc); err != nil {
			return err
		}
		out, found = g, true
		return nil
	})
	return out, found, err
}

var _ Store = (*BoltStore)(nil)
