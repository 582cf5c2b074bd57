package server

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/orsondmc/coordshare/internal/api/group"
	"github.com/orsondmc/coordshare/internal/identity"
)

// Conn is the transport handle the registry tracks. Only the registry
// and the dispatcher ever hold one; everything else addresses peers by
// identity.
type Conn interface {
	Send(data []byte) error
	Close() error
}

// ErrNotConnected is returned when sending to an identity with no live
// session.
var ErrNotConnected = errors.New("server: identity not connected")

type session struct {
	conn       Conn
	identity   identity.Identity
	player     group.Player
	identified bool
}

// Registry is the single source of truth for who is online and on which
// connection. Inserts and removals are atomic with respect to the
// identity lookups used during fan-out: a lookup never observes a
// half-registered session.
type Registry struct {
	mu         sync.RWMutex
	sessions   map[Conn]*session
	byIdentity map[string]*session
	byProfile  map[uuid.UUID]*session
	tokens     map[string]Conn
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		sessions:   make(map[Conn]*session),
		byIdentity: make(map[string]*session),
		byProfile:  make(map[uuid.UUID]*session),
		tokens:     make(map[string]Conn),
	}
}

// Connect tracks a new, unidentified connection.
func (r *Registry) Connect(conn Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[conn] = &session{conn: conn}
}

// Identify promotes the connection to established, binding the
// negotiated identity and the verified player in one step.
func (r *Registry) Identify(conn Conn, id identity.Identity, player group.Player) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[conn]
	if !ok {
		s = &session{conn: conn}
		r.sessions[conn] = s
	}
	s.identity = id
	s.player = player
	s.identified = true
	r.byIdentity[id.Key()] = s
	r.byProfile[id.Profile] = s
}

// Drop removes every trace of the connection and reports what was bound
// to it so the caller can run offline transitions.
func (r *Registry) Drop(conn Conn) (identity.Identity, group.Player, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[conn]
	if !ok {
		return identity.Identity{}, group.Player{}, false
	}
	delete(r.sessions, conn)
	for token, c := range r.tokens {
		if c == conn {
			delete(r.tokens, token)
		}
	}
	if !s.identified {
		return identity.Identity{}, group.Player{}, false
	}
	// A reconnect can identify on a new connection before the stale
	// socket's close arrives. The index entries then belong to the new
	// session; dropping the stale one must not unbind them, and it is
	// not an offline transition.
	if cur := r.byIdentity[s.identity.Key()]; cur != s {
		return identity.Identity{}, group.Player{}, false
	}
	delete(r.byIdentity, s.identity.Key())
	if cur := r.byProfile[s.identity.Profile]; cur == s {
		delete(r.byProfile, s.identity.Profile)
	}
	return s.identity, s.player, true
}

// IsIdentified reports whether the connection finished the handshake.
func (r *Registry) IsIdentified(conn Conn) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[conn]
	return ok && s.identified
}

// Identity returns the identity bound to the connection.
func (r *Registry) Identity(conn Conn) (identity.Identity, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[conn]
	if !ok || !s.identified {
		return identity.Identity{}, false
	}
	return s.identity, true
}

// FindConnection resolves an identity to its live connection.
func (r *Registry) FindConnection(id identity.Identity) (Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byIdentity[id.Key()]
	if !ok {
		return nil, false
	}
	return s.conn, true
}

// FindPlayer returns the player bound to the identity's session.
func (r *Registry) FindPlayer(id identity.Identity) (group.Player, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byIdentity[id.Key()]
	if !ok {
		return group.Player{}, false
	}
	return s.player, true
}

// FindIdentity returns the identity currently online for the profile.
func (r *Registry) FindIdentity(profile uuid.UUID) (identity.Identity, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byProfile[profile]
	if !ok {
		return identity.Identity{}, false
	}
	return s.identity, true
}

// FindPlayers resolves the profiles that currently have sessions.
// Offline profiles are simply absent from the result.
func (r *Registry) FindPlayers(profiles []uuid.UUID) []group.Player {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]group.Player, 0, len(profiles))
	for _, p := range profiles {
		if s, ok := r.byProfile[p]; ok {
			out = append(out, s.player)
		}
	}
	return out
}

// CreateDeviceToken mints a one-time registration token bound to the
// connection, for the out-of-band device verification flow.
func (r *Registry) CreateDeviceToken(conn Conn) (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	token := hex.EncodeToString(buf)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tokens[token] = conn
	return token, nil
}

// RedeemDeviceToken consumes the token. The returned connection is
// where DeviceRegistered must be pushed. Device id assignment lives in
// the profile store so it survives restarts.
func (r *Registry) RedeemDeviceToken(token string) (Conn, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn, ok := r.tokens[token]
	if !ok {
		return nil, false
	}
	delete(r.tokens, token)
	return conn, true
}
