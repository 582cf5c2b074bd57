// Package profile stores the long-lived player profiles that identities
// resolve against during the handshake.
package profile

import (
	"encoding/binary"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

// Profile is a registered account. The account-management surface that
// creates these lives elsewhere; the relay only resolves them.
type Profile struct {
	ID      uuid.UUID `cbor:"id" json:"id"`
	Name    string    `cbor:"name" json:"name"`
	Email   string    `cbor:"email,omitempty" json:"email,omitempty"`
	Created int64     `cbor:"created" json:"created"`
}

// Store resolves and persists profiles. NextDeviceID hands out the next
// device id for a profile; each id is issued exactly once per profile,
// including across process restarts.
type Store interface {
	Get(id uuid.UUID) (Profile, bool, error)
	Put(p Profile) error
	NextDeviceID(id uuid.UUID) (int, error)
}

var (
	profilesBucket = []byte("profiles")
	devicesBucket  = []byte("devices")
)

// BoltStore persists profiles in a bbolt bucket.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates the buckets if needed.
func NewBoltStore(db *bolt.DB) (*BoltStore, error) {
	err := db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{profilesBucket, devicesBucket} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("creating profile buckets: %w", err)
	}
	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Get(id uuid.UUID) (Profile, bool, error) {
	var p Profile
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(profilesBucket).Get(id[:])
		if raw == nil {
			return nil
		}
		found = true
		return cbor.Unmarshal(raw, &p)
	})
	return p, found, err
}

func (s *BoltStore) Put(p Profile) error {
	raw, err := cbor.Marshal(p)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(profilesBucket).Put(p.ID[:], raw)
	})
}

// NextDeviceID increments and returns the profile's device counter
// inside a single write transaction.
func (s *BoltStore) NextDeviceID(id uuid.UUID) (int, error) {
	var device int
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(devicesBucket)
		device = 1
		if raw := b.Get(id[:]); len(raw) == 8 {
			device = int(binary.BigEndian.Uint64(raw)) + 1
		}
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], uint64(device))
		return b.Put(id[:], buf[:])
	})
	if err != nil {
		return 0, err
	}
	return device, nil
}

// MemoryStore is a map-backed store for tests and single-process setups.
type MemoryStore struct {
	profiles map[uuid.UUID]Profile
	devices  map[uuid.UUID]int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		profiles: make(map[uuid.UUID]Profile),
		devices:  make(map[uuid.UUID]int),
	}
}

func (s *MemoryStore) Get(id uuid.UUID) (Profile, bool, error) {
	p, ok := s.profiles[id]
	return p, ok, nil
}

func (s *MemoryStore) Put(p Profile) error {
	s.profiles[p.ID] = p
	return nil
}

func (s *MemoryStore) NextDeviceID(id uuid.UUID) (int, error) {
	s.devices[id]++
	return s.devices[id], nil
}

var (
	_ Store = (*BoltStore)(nil)
	_ Store = (*MemoryStore)(nil)
)
