package cipher

import (
	"crypto/sha256"
	"errors"
	"io"

	"golang.org/x/crypto/hkdf"

	"github.com/orsondmc/coordshare/internal/identity"
	"github.com/orsondmc/coordshare/internal/util/memzero"
)

// sessionInfo binds derived secrets to this protocol.
var sessionInfo = []byte("coordshare-pairwise-v1")

// ErrBadPreKeySignature is returned when a bundle's signed pre-key does
// not verify against its signing key.
var ErrBadPreKeySignature = errors.New("cipher: signed pre-key signature invalid")

// PreKeyBundle is the key material a device publishes so a peer can
// establish a shared secret with it out of band.
type PreKeyBundle struct {
	Identity     identity.Identity `cbor:"identity" json:"identity"`
	IdentityKey  X25519Public      `cbor:"identityKey" json:"identityKey"`
	SigningKey   Ed25519Public     `cbor:"signingKey" json:"signingKey"`
	SignedPreKey X25519Public      `cbor:"signedPreKey" json:"signedPreKey"`
	Signature    []byte            `cbor:"signature" json:"signature"`
}

// NewBundle builds the bundle for our own key pair.
func NewBundle(id identity.Identity, kp KeyPair) (PreKeyBundle, error) {
	spkPriv, spkPub, err := GenerateX25519()
	if err != nil {
		return PreKeyBundle{}, err
	}
	memzero.Zero(spkPriv[:])
	return PreKeyBundle{
		Identity:     id,
		IdentityKey:  kp.XPub,
		SigningKey:   kp.EdPub,
		SignedPreKey: spkPub,
		Signature:    Sign(kp.EdPriv, spkPub.Slice()),
	}, nil
}

// VerifyBundle checks the signed pre-key signature.
func VerifyBundle(b PreKeyBundle) bool {
	return Verify(b.SigningKey, b.SignedPreKey.Slice(), b.Signature)
}

// DeriveSecret establishes the pairwise session secret between our key
// pair and the peer bundle. Both sides derive the same 32-byte secret:
// DH over the long-term identity keys expanded through HKDF-SHA256.
func DeriveSecret(ours KeyPair, peer PreKeyBundle) ([]byte, error) {
	if !VerifyBundle(peer) {
		return nil, ErrBadPreKeySignature
	}
	dh, err := DH(ours.XPriv, peer.IdentityKey)
	if err != nil {
		return nil, err
	}
	defer memzero.Zero(dh[:])

	out := make([]byte, 32)
	r := hkdf.New(sha256.New, dh[:], nil, sessionInfo)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, err
	}
	return out, nil
}
