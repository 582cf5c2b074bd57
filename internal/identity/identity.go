package identity

import (
	"bytes"
	"fmt"

	"github.com/google/uuid"
)

// Identity is a long-lived cryptographic principal: a profile plus the
// device it runs on, with the device's long-term public key. The server
// has exactly one identity known to all clients; each client device has
// its own.
type Identity struct {
	Profile      uuid.UUID `cbor:"profile" json:"profile"`
	Device       int       `cbor:"device" json:"device"`
	PublicKey    []byte    `cbor:"publicKey" json:"publicKey"`
	Registration int       `cbor:"registration" json:"registration"`
}

// Equal reports whether both identities name the same principal.
// Equality is by (profile, device); the key is deliberately excluded so
// a rotated key still resolves to the same principal for trust checks.
func (id Identity) Equal(other Identity) bool {
	return id.Profile == other.Profile && id.Device == other.Device
}

// SameKey reports whether other presents the same public key.
func (id Identity) SameKey(other Identity) bool {
	return bytes.Equal(id.PublicKey, other.PublicKey)
}

// Key returns the map key for the principal.
func (id Identity) Key() string {
	return fmt.Sprintf("%s/%d", id.Profile, id.Device)
}

// IsZero reports whether the identity is unset.
func (id Identity) IsZero() bool {
	return id.Profile == uuid.Nil && id.Device == 0 && len(id.PublicKey) == 0
}

func (id Identity) String() string {
	return id.Key()
}
