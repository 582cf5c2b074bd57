package server

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"github.com/orsondmc/coordshare/internal/api/group"
	"github.com/orsondmc/coordshare/internal/cipher"
	"github.com/orsondmc/coordshare/internal/identity"
	"github.com/orsondmc/coordshare/internal/platform"
	"github.com/orsondmc/coordshare/internal/profile"
	"github.com/orsondmc/coordshare/internal/protocol"
)

// SendFunc delivers a fan-out batch; the dispatcher resolves each unit
// against the registry and encrypts it per recipient.
type SendFunc func(*protocol.Batch)

// Handler extends the protocol with message kinds the dispatcher does
// not own. Handlers are consulted in order and the first one to claim a
// message wins. They are also notified when sessions start and stop.
type Handler interface {
	Handle(req protocol.Message, send SendFunc) bool
	OnSessionStarted(id identity.Identity, player group.Player, send SendFunc)
	OnSessionStopping(id identity.Identity, player group.Player, send SendFunc)
}

// Dispatcher is the per-connection protocol state machine. It owns the
// handshake sequence; everything after session establishment is routed
// through the handler list.
type Dispatcher struct {
	keys     *cipher.Store
	codec    *protocol.Codec
	registry *Registry
	profiles profile.Store
	verifier platform.SessionVerifier
	handlers []Handler
	baseURL  string
	log      zerolog.Logger
}

// NewDispatcher wires the state machine.
func NewDispatcher(keys *cipher.Store, registry *Registry, profiles profile.Store, verifier platform.SessionVerifier, baseURL string, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		keys:     keys,
		codec:    protocol.NewCodec(keys),
		registry: registry,
		profiles: profiles,
		verifier: verifier,
		baseURL:  baseURL,
		log:      log.With().Str("component", "dispatcher").Logger(),
	}
}

// AddHandler appends a handler; order decides claim priority.
func (d *Dispatcher) AddHandler(h Handler) {
	d.handlers = append(d.handlers, h)
}

// HandleConnect tracks a fresh, unidentified connection.
func (d *Dispatcher) HandleConnect(conn Conn) {
	d.log.Info().Msg("new connection")
	d.registry.Connect(conn)
}

// HandleClose tears the connection down. Teardown is unconditional: the
// registry entry goes away and the player-offline transition runs so no
// stale presence survives the socket.
func (d *Dispatcher) HandleClose(conn Conn, reason string) {
	d.stopSession(conn, reason)
}

// HandleMessage processes one inbound frame. Events for one connection
// arrive strictly ordered; different connections run concurrently.
func (d *Dispatcher) HandleMessage(ctx context.Context, conn Conn, raw []byte) {
	msg, sender, _, err := d.codec.Decode(raw)
	if err != nil {
		switch {
		case errors.Is(err, cipher.ErrInvalidCiphertext):
			// Fatal for this message only; the session stays up.
			d.log.Warn().Err(err).Stringer("sender", sender).Msg("dropping undecryptable message")
		case errors.Is(err, cipher.ErrUnknownSession):
			// Recoverable by re-running the pre-key exchange.
			d.log.Warn().Err(err).Stringer("sender", sender).Msg("no session for sender")
		default:
			d.log.Error().Err(err).Msg("unreadable packet")
			d.stopSession(conn, "unreadable packet")
		}
		return
	}

	self := d.keys.Identity()
	switch req := msg.(type) {
	case *protocol.KeepAlive:
		// Answered in plaintext in any state, no side effects.
		d.sendPlain(conn, &protocol.KeepAliveAck{ServerIdentity: self})

	case *protocol.Identify:
		d.handleIdentify(conn, req, self)

	case *protocol.SendPreKeys:
		if err := d.keys.Trust(req.Identity, req.Bundle); err != nil {
			d.log.Error().Err(err).Stringer("identity", req.Identity).Msg("trusting pre-key bundle")
			d.stopSession(conn, "invalid pre-key bundle")
			return
		}
		bundle, err := d.keys.Bundle()
		if err != nil {
			d.log.Error().Err(err).Msg("building server bundle")
			return
		}
		d.sendPlain(conn, &protocol.PreKeysExchanged{ServerIdentity: self, Bundle: bundle})

	case *protocol.StartSession:
		// Informational only; nothing is committed.
		challenge := d.keys.KeyPair().EdPub
		d.sendPlain(conn, &protocol.SessionChallenge{ServerIdentity: self, Challenge: challenge.Slice()})

	case *protocol.FinishSession:
		d.handleFinishSession(ctx, conn, req, self)

	case *protocol.CheckTrust:
		if d.keys.IsTrusted(req.Identity) {
			d.sendPlain(conn, &protocol.IsTrusted{ServerIdentity: self})
		} else {
			// Force the client back through device registration.
			d.sendPlain(conn, &protocol.IsUntrusted{ServerIdentity: self})
			d.stopSession(conn, "identity is not trusted")
		}

	default:
		if !d.registry.IsIdentified(conn) {
			d.log.Debug().Str("type", string(msg.MessageType())).Msg("rejected before session established")
			return
		}
		send := SendFunc(d.SendBatch)
		for _, h := range d.handlers {
			if h.Handle(msg, send) {
				return
			}
		}
		d.log.Debug().Str("type", string(msg.MessageType())).Msg("no handler claimed message")
	}
}

func (d *Dispatcher) handleIdentify(conn Conn, req *protocol.Identify, self identity.Identity) {
	if req.Identity.IsZero() {
		token, err := d.registry.CreateDeviceToken(conn)
		if err != nil {
			d.log.Error().Err(err).Msg("minting device token")
			return
		}
		d.log.Info().Msg("signaling client to register device")
		d.sendPlain(conn, &protocol.RegisterDevice{
			ServerIdentity: self,
			URL:            d.baseURL + "/device/verify?token=" + token,
			Token:          token,
		})
		return
	}
	p, found, err := d.profiles.Get(req.Identity.Profile)
	if err != nil {
		d.log.Error().Err(err).Msg("resolving profile")
		return
	}
	if !found {
		// Profile deleted or forged; the client must re-register.
		d.log.Warn().Stringer("identity", req.Identity).Msg("identify with unresolvable profile")
		d.sendPlain(conn, &protocol.IsUntrusted{ServerIdentity: self})
		d.stopSession(conn, "profile not found")
		return
	}
	d.sendPlain(conn, &protocol.IdentifyOK{ServerIdentity: self, Profile: p.ID, Name: p.Name})
}

func (d *Dispatcher) handleFinishSession(ctx context.Context, conn Conn, req *protocol.FinishSession, self identity.Identity) {
	if !d.verifier.Verify(ctx, req.Session.Name, req.Session.ID) {
		d.sendPlain(conn, &protocol.VerificationFailed{ServerIdentity: self, Session: req.Session})
		d.stopSession(conn, "platform session invalid")
		return
	}
	player := req.Session.Player(req.Identity.Profile)
	d.registry.Identify(conn, req.Identity, player)
	d.sendPlain(conn, &protocol.SessionEstablished{ServerIdentity: self})

	send := SendFunc(d.SendBatch)
	for _, h := range d.handlers {
		h.OnSessionStarted(req.Identity, player, send)
	}
}

// SendBatch resolves each unit to the recipient's live connection,
// seals it independently, and writes it. Units for offline recipients
// and writes to closed connections are dropped without error.
func (d *Dispatcher) SendBatch(batch *protocol.Batch) {
	for _, unit := range batch.Units() {
		conn, ok := d.registry.FindConnection(unit.Recipient)
		if !ok {
			continue
		}
		data, err := d.codec.EncodeEncrypted(unit.Recipient, unit.Message)
		if err != nil {
			d.log.Error().Err(err).Stringer("recipient", unit.Recipient).Msg("encoding fan-out unit")
			continue
		}
		if err := conn.Send(data); err != nil {
			d.log.Debug().Err(err).Stringer("recipient", unit.Recipient).Msg("send to closed connection")
		}
	}
}

// sendPlain frames without encryption, used for handshake traffic.
func (d *Dispatcher) sendPlain(conn Conn, msg protocol.Message) {
	data, err := d.codec.EncodePlain(msg)
	if err != nil {
		d.log.Error().Err(err).Str("type", string(msg.MessageType())).Msg("encoding response")
		return
	}
	if err := conn.Send(data); err != nil {
		d.log.Debug().Err(err).Msg("send to closed connection")
	}
}

func (d *Dispatcher) stopSession(conn Conn, reason string) {
	id, player, identified := d.registry.Drop(conn)
	if identified {
		d.log.Info().Stringer("identity", id).Str("reason", reason).Msg("session stopped")
		send := SendFunc(d.SendBatch)
		for _, h := range d.handlers {
			h.OnSessionStopping(id, player, send)
		}
	} else {
		d.log.Info().Str("reason", reason).Msg("connection closed")
	}
	_ = conn.Close()
}
