package cipher

import (
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/orsondmc/coordshare/internal/identity"
	"github.com/orsondmc/coordshare/internal/util/memzero"
)

var (
	// ErrUnknownSession means no session secret exists for the identity.
	// The caller can recover by re-running the pre-key exchange.
	ErrUnknownSession = errors.New("cipher: no session established for identity")
	// ErrInvalidCiphertext means the payload is corrupt or was not
	// produced for this session. Fatal for the message, not the session.
	ErrInvalidCiphertext = errors.New("cipher: ciphertext invalid")
)

// Gateway encrypts and decrypts byte payloads for a given identity. It
// fronts the session secrets negotiated by the pre-key exchange; callers
// never see key material.
type Gateway interface {
	EncryptFor(remote identity.Identity, plaintext []byte) ([]byte, error)
	Decrypt(remote identity.Identity, ciphertext []byte) ([]byte, error)
}

// secretSource looks up the session secret for a principal.
type secretSource interface {
	sessionSecret(remote identity.Identity) ([]byte, bool)
}

// sessionGateway implements Gateway over chacha20poly1305 with a random
// nonce prefixed to the ciphertext.
type sessionGateway struct {
	secrets secretSource
}

func newGateway(s secretSource) *sessionGateway { return &sessionGateway{secrets: s} }

func (g *sessionGateway) EncryptFor(remote identity.Identity, plaintext []byte) ([]byte, error) {
	aead, err := g.aead(remote)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

func (g *sessionGateway) Decrypt(remote identity.Identity, ciphertext []byte) ([]byte, error) {
	aead, err := g.aead(remote)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < chacha20poly1305.NonceSize {
		return nil, ErrInvalidCiphertext
	}
	nonce, ct := ciphertext[:chacha20poly1305.NonceSize], ciphertext[chacha20poly1305.NonceSize:]
	pt, err := aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCiphertext, err)
	}
	return pt, nil
}

func (g *sessionGateway) aead(remote identity.Identity) (aeadCipher, error) {
	secret, ok := g.secrets.sessionSecret(remote)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSession, remote)
	}
	defer memzero.Zero(secret)
	aead, err := chacha20poly1305.New(secret)
	if err != nil {
		return nil, err
	}
	return aead, nil
}

type aeadCipher interface {
	Seal(dst, nonce, plaintext, additionalData []byte) []byte
	Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
}

var _ Gateway = (*sessionGateway)(nil)
