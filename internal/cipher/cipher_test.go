package cipher_test

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orsondmc/coordshare/internal/cipher"
	"github.com/orsondmc/coordshare/internal/identity"
)

func newStore(t *testing.T, device int) (*cipher.Store, identity.Identity) {
	t.Helper()
	s := cipher.NewStore(t.TempDir(), "hunter2")
	id, err := s.Generate(uuid.New(), device)
	require.NoError(t, err)
	return s, id
}

func trustEachOther(t *testing.T, a, b *cipher.Store, aID, bID identity.Identity) {
	t.Helper()
	aBundle, err := a.Bundle()
	require.NoError(t, err)
	bBundle, err := b.Bundle()
	require.NoError(t, err)
	require.NoError(t, a.Trust(bID, bBundle))
	require.NoError(t, b.Trust(aID, aBundle))
}

func TestDeriveSecretIsSymmetric(t *testing.T) {
	aliceKP, err := cipher.GenerateKeyPair()
	require.NoError(t, err)
	bobKP, err := cipher.GenerateKeyPair()
	require.NoError(t, err)

	aliceID := identity.Identity{Profile: uuid.New(), Device: 1, PublicKey: aliceKP.XPub.Slice()}
	bobID := identity.Identity{Profile: uuid.New(), Device: 1, PublicKey: bobKP.XPub.Slice()}

	aliceBundle, err := cipher.NewBundle(aliceID, aliceKP)
	require.NoError(t, err)
	bobBundle, err := cipher.NewBundle(bobID, bobKP)
	require.NoError(t, err)

	s1, err := cipher.DeriveSecret(aliceKP, bobBundle)
	require.NoError(t, err)
	s2, err := cipher.DeriveSecret(bobKP, aliceBundle)
	require.NoError(t, err)

	assert.Equal(t, s1, s2)
	assert.Len(t, s1, 32)
}

func TestDeriveSecretRejectsForgedBundle(t *testing.T) {
	kp, err := cipher.GenerateKeyPair()
	require.NoError(t, err)
	peerKP, err := cipher.GenerateKeyPair()
	require.NoError(t, err)

	bundle, err := cipher.NewBundle(identity.Identity{Profile: uuid.New(), Device: 1}, peerKP)
	require.NoError(t, err)
	bundle.Signature[0] ^= 0xff

	_, err = cipher.DeriveSecret(kp, bundle)
	require.ErrorIs(t, err, cipher.ErrBadPreKeySignature)
}

func TestGatewayRoundTripBothDirections(t *testing.T) {
	server, serverID := newStore(t, 1)
	client, clientID := newStore(t, 1)
	trustEachOther(t, server, client, serverID, clientID)

	msg := []byte("meet at spawn")

	ct, err := server.Gateway().EncryptFor(clientID, msg)
	require.NoError(t, err)
	assert.NotEqual(t, msg, ct)
	pt, err := client.Gateway().Decrypt(serverID, ct)
	require.NoError(t, err)
	assert.Equal(t, msg, pt)

	ct, err = client.Gateway().EncryptFor(serverID, msg)
	require.NoError(t, err)
	pt, err = server.Gateway().Decrypt(clientID, ct)
	require.NoError(t, err)
	assert.Equal(t, msg, pt)
}

func TestGatewayUnknownSession(t *testing.T) {
	server, _ := newStore(t, 1)
	stranger := identity.Identity{Profile: uuid.New(), Device: 1}

	_, err := server.Gateway().EncryptFor(stranger, []byte("hi"))
	require.ErrorIs(t, err, cipher.ErrUnknownSession)
	_, err = server.Gateway().Decrypt(stranger, []byte("garbage"))
	require.ErrorIs(t, err, cipher.ErrUnknownSession)
}

func TestGatewayTamperedCiphertext(t *testing.T) {
	server, serverID := newStore(t, 1)
	client, clientID := newStore(t, 1)
	trustEachOther(t, server, client, serverID, clientID)

	ct, err := server.Gateway().EncryptFor(clientID, []byte("payload"))
	require.NoError(t, err)
	ct[len(ct)-1] ^= 0xff

	_, err = client.Gateway().Decrypt(serverID, ct)
	require.ErrorIs(t, err, cipher.ErrInvalidCiphertext)

	_, err = client.Gateway().Decrypt(serverID, []byte{1, 2})
	require.ErrorIs(t, err, cipher.ErrInvalidCiphertext)
}

func TestStorePersistsAcrossLoads(t *testing.T) {
	dir := t.TempDir()
	s := cipher.NewStore(dir, "hunter2")
	profile := uuid.New()
	id, err := s.Generate(profile, 3)
	require.NoError(t, err)

	reopened := cipher.NewStore(dir, "hunter2")
	require.NoError(t, reopened.Load())
	assert.True(t, id.Equal(reopened.Identity()))
	assert.Equal(t, id.Registration, reopened.Identity().Registration)
}

func TestStoreWrongPassphrase(t *testing.T) {
	dir := t.TempDir()
	s := cipher.NewStore(dir, "correct")
	_, err := s.Generate(uuid.New(), 1)
	require.NoError(t, err)

	wrong := cipher.NewStore(dir, "incorrect")
	require.Error(t, wrong.Load())
}

func TestStoreLoadWithoutIdentity(t *testing.T) {
	s := cipher.NewStore(t.TempDir(), "hunter2")
	require.ErrorIs(t, s.Load(), cipher.ErrNoIdentity)
}

func TestStoreGenerateTwice(t *testing.T) {
	dir := t.TempDir()
	s := cipher.NewStore(dir, "hunter2")
	_, err := s.Generate(uuid.New(), 1)
	require.NoError(t, err)
	_, err = s.Generate(uuid.New(), 1)
	require.ErrorIs(t, err, cipher.ErrIdentityExists)
}

func TestStoreSetDevice(t *testing.T) {
	s, _ := newStore(t, 0)
	require.NoError(t, s.SetDevice(2))
	assert.Equal(t, 2, s.Identity().Device)
	require.ErrorIs(t, s.SetDevice(3), cipher.ErrDeviceAssigned)
}

func TestTrustSurvivesReload(t *testing.T) {
	dir := t.TempDir()
	s := cipher.NewStore(dir, "hunter2")
	id, err := s.Generate(uuid.New(), 1)
	require.NoError(t, err)

	peer, peerID := newStore(t, 1)
	peerBundle, err := peer.Bundle()
	require.NoError(t, err)
	require.NoError(t, s.Trust(peerID, peerBundle))
	require.True(t, s.IsTrusted(peerID))

	reopened := cipher.NewStore(dir, "hunter2")
	require.NoError(t, reopened.Load())
	assert.True(t, reopened.IsTrusted(peerID))

	// A trusted session survives restart on both ends.
	ct, err := peer.Gateway().EncryptFor(id, []byte("wb"))
	require.NoError(t, err)
	pt, err := reopened.Gateway().Decrypt(peerID, ct)
	require.NoError(t, err)
	assert.Equal(t, []byte("wb"), pt)
}

func TestIsTrustedRejectsRotatedKey(t *testing.T) {
	s, _ := newStore(t, 1)
	peer, peerID := newStore(t, 1)
	peerBundle, err := peer.Bundle()
	require.NoError(t, err)
	require.NoError(t, s.Trust(peerID, peerBundle))

	rotated := peerID
	rotated.PublicKey = make([]byte, len(peerID.PublicKey))
	require.False(t, s.IsTrusted(rotated))
}
