package cipher

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/scrypt"

	"github.com/orsondmc/coordshare/internal/identity"
)

const (
	identityFile = "identity.enc"
	trustFile    = "trust.json"
)

var (
	// ErrNoIdentity is returned when the store has no saved identity yet.
	ErrNoIdentity = errors.New("cipher: no identity in store")
	// ErrIdentityExists is returned when generating over a saved identity.
	ErrIdentityExists = errors.New("cipher: identity already exists")
	// ErrDeviceAssigned is returned on an attempt to re-assign the device
	// id. The server assigns it exactly once per installation.
	ErrDeviceAssigned = errors.New("cipher: device id already assigned")
)

type trustRecord struct {
	Identity identity.Identity `json:"identity"`
	Secret   []byte            `json:"secret"`
	At       int64             `json:"at"`
}

type storedIdentity struct {
	Profile      uuid.UUID `json:"profile"`
	Device       int       `json:"device"`
	Registration int       `json:"registration"`
	Keys         KeyPair   `json:"keys"`
}

// Store keeps a device's long-term key pair and its pairwise trust table
// on disk. Key generation and incoming decryption can race on separate
// goroutines, so all access goes through an exclusive-writer /
// shared-reader lock. The identity file is encrypted at rest with a
// passphrase-derived key; trust records are written 0600.
type Store struct {
	dir        string
	passphrase string

	mu      sync.RWMutex
	self    storedIdentity
	loaded  bool
	trusted map[string]trustRecord
}

// NewStore opens a store rooted at dir. Call Load or Generate before use.
func NewStore(dir, passphrase string) *Store {
	return &Store{dir: dir, passphrase: passphrase, trusted: make(map[string]trustRecord)}
}

// Generate creates and persists a fresh identity for the profile.
func (s *Store) Generate(profile uuid.UUID, device int) (identity.Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := os.Stat(filepath.Join(s.dir, identityFile)); err == nil {
		return identity.Identity{}, ErrIdentityExists
	}
	kp, err := GenerateKeyPair()
	if err != nil {
		return identity.Identity{}, err
	}
	var reg [4]byte
	if _, err := rand.Read(reg[:]); err != nil {
		return identity.Identity{}, err
	}
	s.self = storedIdentity{
		Profile:      profile,
		Device:       device,
		Registration: int(binary.BigEndian.Uint32(reg[:]) & 0x3fff),
		Keys:         kp,
	}
	s.loaded = true
	if err := s.saveIdentityLocked(); err != nil {
		return identity.Identity{}, err
	}
	return s.identityLocked(), nil
}

// Load reads the identity and trust table from disk.
func (s *Store) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	blob, err := os.ReadFile(filepath.Join(s.dir, identityFile))
	if errors.Is(err, os.ErrNotExist) {
		return ErrNoIdentity
	}
	if err != nil {
		return err
	}
	raw, err := decryptAtRest(s.passphrase, blob)
	if err != nil {
		return fmt.Errorf("decrypting identity: %w", err)
	}
	if err := json.Unmarshal(raw, &s.self); err != nil {
		return err
	}
	s.loaded = true

	s.trusted = make(map[string]trustRecord)
	return readJSON(filepath.Join(s.dir, trustFile), &s.trusted)
}

// Identity returns the stored identity's public form.
func (s *Store) Identity() identity.Identity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.identityLocked()
}

// KeyPair returns the long-term keys.
func (s *Store) KeyPair() KeyPair {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.self.Keys
}

// SetDevice records the server-assigned device id. Assigning twice is an
// error; the caller should treat it as fatal.
func (s *Store) SetDevice(device int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.loaded {
		return ErrNoIdentity
	}
	if s.self.Device != 0 {
		return ErrDeviceAssigned
	}
	s.self.Device = device
	return s.saveIdentityLocked()
}

// Bundle returns a freshly signed pre-key bundle for our identity.
func (s *Store) Bundle() (PreKeyBundle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.loaded {
		return PreKeyBundle{}, ErrNoIdentity
	}
	return NewBundle(s.identityLocked(), s.self.Keys)
}

// IsTrusted reports whether the remote principal was trusted before and
// still presents the key we recorded. A changed key is untrusted; there
// is no silent key rotation.
func (s *Store) IsTrusted(remote identity.Identity) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.trusted[remote.Key()]
	if !ok {
		return false
	}
	return rec.Identity.SameKey(remote)
}

// Trust verifies the bundle and records the derived session secret for
// the remote principal. Re-trusting an already-trusted identity with a
// new bundle re-establishes the secret.
func (s *Store) Trust(remote identity.Identity, bundle PreKeyBundle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.loaded {
		return ErrNoIdentity
	}
	secret, err := DeriveSecret(s.self.Keys, bundle)
	if err != nil {
		return err
	}
	s.trusted[remote.Key()] = trustRecord{Identity: remote, Secret: secret, At: time.Now().Unix()}
	return writeJSON(filepath.Join(s.dir, trustFile), s.trusted, 0o600)
}

// Gateway returns the encryption facade backed by this store's sessions.
func (s *Store) Gateway() Gateway { return newGateway(s) }

func (s *Store) sessionSecret(remote identity.Identity) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.trusted[remote.Key()]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), rec.Secret...), true
}

func (s *Store) identityLocked() identity.Identity {
	return identity.Identity{
		Profile:      s.self.Profile,
		Device:       s.self.Device,
		PublicKey:    s.self.Keys.XPub.Slice(),
		Registration: s.self.Registration,
	}
}

func (s *Store) saveIdentityLocked() error {
	raw, err := json.Marshal(s.self)
	if err != nil {
		return err
	}
	blob, err := encryptAtRest(s.passphrase, raw)
	if err != nil {
		return err
	}
	return writeFile(filepath.Join(s.dir, identityFile), blob, 0o600)
}

// ---------- at-rest envelope ----------

// scrypt parameters for the passphrase-derived key.
func scryptParams() (N, r, p int) { return 1 << 15, 8, 1 }

type atRestEnvelope struct {
	Salt  []byte `json:"salt"`
	Nonce []byte `json:"nonce"`
	CT    []byte `json:"ct"`
}

func encryptAtRest(passphrase string, plaintext []byte) ([]byte, error) {
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	N, r, p := scryptParams()
	key, err := scrypt.Key([]byte(passphrase), salt, N, r, p, chacha20poly1305.KeySize)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	ct := aead.Seal(nil, nonce, plaintext, salt)
	return json.Marshal(atRestEnvelope{Salt: salt, Nonce: nonce, CT: ct})
}

func decryptAtRest(passphrase string, blob []byte) ([]byte, error) {
	var env atRestEnvelope
	if err := json.Unmarshal(blob, &env); err != nil {
		return nil, err
	}
	N, r, p := scryptParams()
	key, err := scrypt.Key([]byte(passphrase), env.Salt, N, r, p, chacha20poly1305.KeySize)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	return aead.Open(nil, env.Nonce, env.CT, env.Salt)
}

// ---------- file helpers ----------

// readJSON best-effort reads path into out; a missing file is not an error.
func readJSON(path string, out any) error {
	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	return json.Unmarshal(b, out)
}

// writeJSON writes JSON via a temp file then rename.
func writeJSON(path string, v any, mode os.FileMode) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return writeFile(path, b, mode)
}

// writeFile writes bytes via a temp file, then atomically replaces the target.
func writeFile(path string, b []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	base := filepath.Base(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	f, err := os.CreateTemp(dir, base+".tmp-*")
	if err != nil {
		return err
	}
	tmp := f.Name()

	defer func() { _ = os.Remove(tmp) }()

	if _, err := f.Write(b); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Chmod(mode); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}

	return os.Rename(tmp, path)
}
