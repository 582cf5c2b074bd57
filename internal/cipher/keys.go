package cipher

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"

	"golang.org/x/crypto/curve25519"
)

// X25519Public and X25519Private are Curve25519 key halves.
type (
	X25519Public  [32]byte
	X25519Private [32]byte
)

// Ed25519Public and Ed25519Private are signing key halves.
type (
	Ed25519Public  [32]byte
	Ed25519Private [64]byte
)

// Slice returns the key as a byte slice.
func (k X25519Public) Slice() []byte   { return k[:] }
func (k X25519Private) Slice() []byte  { return k[:] }
func (k Ed25519Public) Slice() []byte  { return k[:] }
func (k Ed25519Private) Slice() []byte { return k[:] }

// KeyPair bundles a device's long-term Diffie-Hellman and signing keys.
type KeyPair struct {
	XPub   X25519Public   `json:"xpub"`
	XPriv  X25519Private  `json:"xpriv"`
	EdPub  Ed25519Public  `json:"edpub"`
	EdPriv Ed25519Private `json:"edpriv"`
}

// GenerateKeyPair returns fresh X25519 and Ed25519 pairs.
func GenerateKeyPair() (KeyPair, error) {
	xPriv, xPub, err := GenerateX25519()
	if err != nil {
		return KeyPair{}, err
	}
	edPub, edPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return KeyPair{}, err
	}
	kp := KeyPair{XPub: xPub, XPriv: xPriv}
	copy(kp.EdPub[:], edPub)
	copy(kp.EdPriv[:], edPriv)
	return kp, nil
}

// GenerateX25519 returns a fresh Curve25519 key pair.
// The private key is clamped per RFC 7748.
func GenerateX25519() (priv X25519Private, pub X25519Public, err error) {
	if _, err = rand.Read(priv[:]); err != nil {
		return
	}
	clamp(&priv)
	pb, err := curve25519.X25519(priv.Slice(), curve25519.Basepoint)
	if err != nil {
		return
	}
	copy(pub[:], pb)
	return
}

// DH computes the X25519 shared secret.
func DH(priv X25519Private, pub X25519Public) (out [32]byte, err error) {
	secret, err := curve25519.X25519(priv.Slice(), pub.Slice())
	if err != nil {
		return out, err
	}
	copy(out[:], secret)
	return out, nil
}

// Sign signs msg with the device's Ed25519 key.
func Sign(priv Ed25519Private, msg []byte) []byte {
	return ed25519.Sign(priv.Slice(), msg)
}

// Verify checks an Ed25519 signature.
func Verify(pub Ed25519Public, msg, sig []byte) bool {
	return ed25519.Verify(pub.Slice(), msg, sig)
}

// Fingerprint returns a short hex fingerprint of a public key.
//
// It hashes with SHA-256 and truncates to 10 bytes (20 hex chars).
func Fingerprint(pub []byte) string {
	sum := sha256.Sum256(pub)
	return hex.EncodeToString(sum[:10])
}

func clamp(k *X25519Private) {
	kb := k[:]
	kb[0] &= 248
	kb[31] &= 127
	kb[31] |= 64
}
