package profile_test

import (
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	bolt "go.etcd.io/bbolt"

	"github.com/orsondmc/coordshare/internal/profile"
)

func openBoltStore(t *testing.T, path string) (*profile.BoltStore, func()) {
	t.Helper()
	db, err := bolt.Open(path, 0o600, nil)
	require.NoError(t, err)
	store, err := profile.NewBoltStore(db)
	require.NoError(t, err)
	return store, func() { require.NoError(t, db.Close()) }
}

func TestBoltStoreRoundTrip(t *testing.T) {
	store, closeDB := openBoltStore(t, filepath.Join(t.TempDir(), "profiles.db"))
	defer closeDB()

	p := profile.Profile{ID: uuid.New(), Name: "steve", Created: 1700000000}
	require.NoError(t, store.Put(p))

	got, found, err := store.Get(p.ID)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, p, got)

	_, found, err = store.Get(uuid.New())
	require.NoError(t, err)
	assert.False(t, found)
}

func TestNextDeviceIDCountsPerProfile(t *testing.T) {
	store, closeDB := openBoltStore(t, filepath.Join(t.TempDir(), "profiles.db"))
	defer closeDB()

	a, b := uuid.New(), uuid.New()

	device, err := store.NextDeviceID(a)
	require.NoError(t, err)
	assert.Equal(t, 1, device)

	device, err = store.NextDeviceID(a)
	require.NoError(t, err)
	assert.Equal(t, 2, device)

	device, err = store.NextDeviceID(b)
	require.NoError(t, err)
	assert.Equal(t, 1, device)
}

func TestNextDeviceIDSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profiles.db")
	id := uuid.New()

	store, closeDB := openBoltStore(t, path)
	device, err := store.NextDeviceID(id)
	require.NoError(t, err)
	assert.Equal(t, 1, device)
	device, err = store.NextDeviceID(id)
	require.NoError(t, err)
	assert.Equal(t, 2, device)
	closeDB()

	// A second installation registered after a restart must not be
	// handed an id an earlier installation already holds.
	store, closeDB = openBoltStore(t, path)
	defer closeDB()
	device, err = store.NextDeviceID(id)
	require.NoError(t, err)
	assert.Equal(t, 3, device)
}

func TestMemoryStoreNextDeviceID(t *testing.T) {
	store := profile.NewMemoryStore()
	id := uuid.New()

	device, err := store.NextDeviceID(id)
	require.NoError(t, err)
	assert.Equal(t, 1, device)

	device, err = store.NextDeviceID(id)
	require.NoError(t, err)
	assert.Equal(t, 2, device)
}
