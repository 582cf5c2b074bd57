package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/orsondmc/coordshare/internal/api/group"
	"github.com/orsondmc/coordshare/internal/cipher"
	"github.com/orsondmc/coordshare/internal/identity"
	"github.com/orsondmc/coordshare/internal/protocol"
)

const keepAliveInterval = 10 * time.Second

// ErrVerificationFailed reports that the relay rejected the platform
// credential. The connection is gone when it is returned.
var ErrVerificationFailed = errors.New("client: platform verification failed")

// Events carries the callbacks the client invokes from its read loop.
// Nil callbacks are skipped. Callbacks must not block.
type Events struct {
	// OnRegisterDevice fires when the relay wants this installation
	// registered out of band before it will talk to us.
	OnRegisterDevice func(url, token string)
	// OnDeviceRegistered fires once registration completes and the
	// device id is stored.
	OnDeviceRegistered func(profile uuid.UUID, device int)
	// OnEstablished fires when the session is fully negotiated.
	OnEstablished func()
	// OnGroupMessage receives every group push after establishment.
	OnGroupMessage func(msg protocol.Message)
	// OnDisconnect fires when the connection drops, with the cause.
	OnDisconnect func(err error)
}

// Client drives the handshake against a relay and exposes the group
// operations once the session is established.
type Client struct {
	keys    *cipher.Store
	codec   *protocol.Codec
	session protocol.PlatformSession
	events  Events
	log     zerolog.Logger

	mu          sync.Mutex
	ws          *websocket.Conn
	server      identity.Identity
	established bool

	done chan struct{}
}

// New builds a client around an unlocked key store and the platform
// credential it will present.
func New(keys *cipher.Store, session protocol.PlatformSession, events Events, log zerolog.Logger) *Client {
	return &Client{
		keys:    keys,
		codec:   protocol.NewCodec(keys),
		session: session,
		events:  events,
		log:     log.With().Str("component", "client").Logger(),
		done:    make(chan struct{}),
	}
}

// Connect dials the relay and starts the handshake. It returns once the
// socket is up; session establishment is reported via OnEstablished.
func (c *Client) Connect(ctx context.Context, url string) error {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("dial relay: %w", err)
	}
	c.mu.Lock()
	c.ws = ws
	c.mu.Unlock()

	go c.readLoop()
	go c.keepAliveLoop()

	// An unregistered installation identifies with a zero identity,
	// which asks the relay to begin device registration.
	id := c.keys.Identity()
	if id.Device == 0 {
		id = identity.Identity{}
	}
	return c.sendPlain(&protocol.Identify{Identity: id})
}

// Close tears the connection down.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.done:
		return nil
	default:
	}
	close(c.done)
	if c.ws != nil {
		return c.ws.Close()
	}
	return nil
}

// Established reports whether the session handshake has completed.
func (c *Client) Established() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.established
}

// ServerIdentity returns the relay's identity once learned.
func (c *Client) ServerIdentity() identity.Identity {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.server
}

func (c *Client) readLoop() {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			c.disconnect(err)
			return
		}
		msg, _, _, err := c.codec.Decode(data)
		if err != nil {
			// Undecryptable pushes are dropped; the session survives.
			c.log.Warn().Err(err).Msg("dropping unreadable message")
			continue
		}
		if err := c.handle(msg); err != nil {
			c.disconnect(err)
			return
		}
	}
}

func (c *Client) handle(msg protocol.Message) error {
	switch resp := msg.(type) {
	case *protocol.KeepAliveAck:
		return nil

	case *protocol.RegisterDevice:
		c.rememberServer(resp.ServerIdentity)
		c.log.Info().Str("url", resp.URL).Msg("device registration required")
		if c.events.OnRegisterDevice != nil {
			c.events.OnRegisterDevice(resp.URL, resp.Token)
		}
		return nil

	case *protocol.DeviceRegistered:
		if err := c.keys.SetDevice(resp.Device); err != nil {
			return fmt.Errorf("assigning device id: %w", err)
		}
		if c.events.OnDeviceRegistered != nil {
			c.events.OnDeviceRegistered(resp.Profile, resp.Device)
		}
		// Restart the handshake now that we have a full identity.
		return c.sendPlain(&protocol.Identify{Identity: c.keys.Identity()})

	case *protocol.IdentifyOK:
		c.rememberServer(resp.ServerIdentity)
		bundle, err := c.keys.Bundle()
		if err != nil {
			return fmt.Errorf("building pre-key bundle: %w", err)
		}
		return c.sendPlain(&protocol.SendPreKeys{Identity: c.keys.Identity(), Bundle: bundle})

	case *protocol.PreKeysExchanged:
		c.rememberServer(resp.ServerIdentity)
		if err := c.keys.Trust(resp.ServerIdentity, resp.Bundle); err != nil {
			return fmt.Errorf("trusting relay bundle: %w", err)
		}
		return c.sendPlain(&protocol.CheckTrust{Identity: c.keys.Identity()})

	case *protocol.IsTrusted:
		return c.sendPlain(&protocol.StartSession{Identity: c.keys.Identity()})

	case *protocol.IsUntrusted:
		return errors.New("client: relay does not trust this identity")

	case *protocol.SessionChallenge:
		return c.sendPlain(&protocol.FinishSession{Identity: c.keys.Identity(), Session: c.session})

	case *protocol.SessionEstablished:
		c.mu.Lock()
		c.established = true
		c.mu.Unlock()
		c.log.Info().Msg("session established")
		if c.events.OnEstablished != nil {
			c.events.OnEstablished()
		}
		return nil

	case *protocol.VerificationFailed:
		return ErrVerificationFailed

	default:
		if c.events.OnGroupMessage != nil {
			c.events.OnGroupMessage(msg)
		}
		return nil
	}
}

// ---------- group operations ----------

func (c *Client) CreateGroup(name string, players []uuid.UUID) (uuid.UUID, error) {
	id := uuid.New()
	return id, c.sendEncrypted(&protocol.CreateGroup{
		Identity: c.keys.Identity(),
		GroupID:  id,
		Name:     name,
		Type:     group.UserCreated,
		Players:  players,
	})
}

func (c *Client) DeleteGroup(groupID uuid.UUID) error {
	return c.sendEncrypted(&protocol.DeleteGroup{Identity: c.keys.Identity(), GroupID: groupID})
}

func (c *Client) Invite(groupID uuid.UUID, players []uuid.UUID) error {
	return c.sendEncrypted(&protocol.Invite{Identity: c.keys.Identity(), GroupID: groupID, Players: players})
}

// Accept answers an invitation, carrying this member's per-group keys.
func (c *Client) Accept(groupID uuid.UUID, keys []byte) error {
	return c.sendEncrypted(&protocol.JoinGroup{
		Identity: c.keys.Identity(),
		GroupID:  groupID,
		State:    group.StateAccepted,
		Keys:     keys,
	})
}

func (c *Client) Decline(groupID uuid.UUID) error {
	return c.sendEncrypted(&protocol.JoinGroup{
		Identity: c.keys.Identity(),
		GroupID:  groupID,
		State:    group.StateDeclined,
	})
}

func (c *Client) Leave(groupID uuid.UUID) error {
	return c.sendEncrypted(&protocol.LeaveGroup{Identity: c.keys.Identity(), GroupID: groupID})
}

func (c *Client) EjectMember(groupID, player uuid.UUID) error {
	return c.sendEncrypted(&protocol.EjectMember{Identity: c.keys.Identity(), GroupID: groupID, Player: player})
}

func (c *Client) TransferOwnership(groupID, profile uuid.UUID) error {
	return c.sendEncrypted(&protocol.TransferOwnership{Identity: c.keys.Identity(), GroupID: groupID, Profile: profile})
}

// SendMessage relays an opaque, already end-to-end-encrypted payload to
// the group.
func (c *Client) SendMessage(groupID uuid.UUID, payload []byte) error {
	return c.sendEncrypted(&protocol.SendMessage{Identity: c.keys.Identity(), GroupID: groupID, Message: payload})
}

func (c *Client) AcknowledgeJoin(groupID uuid.UUID, recipient identity.Identity, keys []byte) error {
	return c.sendEncrypted(&protocol.AcknowledgeJoin{
		Identity:  c.keys.Identity(),
		GroupID:   groupID,
		Recipient: recipient,
		Keys:      keys,
	})
}

func (c *Client) UpdatePosition(x, y, z float64) error {
	return c.sendEncrypted(&protocol.UpdatePosition{Identity: c.keys.Identity(), X: x, Y: y, Z: z})
}

// ---------- plumbing ----------

func (c *Client) keepAliveLoop() {
	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.sendPlain(&protocol.KeepAlive{Identity: c.keys.Identity()}); err != nil {
				return
			}
		}
	}
}

func (c *Client) sendPlain(msg protocol.Message) error {
	data, err := c.codec.EncodePlain(msg)
	if err != nil {
		return err
	}
	return c.write(data)
}

func (c *Client) sendEncrypted(msg protocol.Message) error {
	c.mu.Lock()
	server := c.server
	established := c.established
	c.mu.Unlock()
	if !established {
		return errors.New("client: session not established")
	}
	data, err := c.codec.EncodeEncrypted(server, msg)
	if err != nil {
		return err
	}
	return c.write(data)
}

func (c *Client) write(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ws == nil {
		return errors.New("client: not connected")
	}
	return c.ws.WriteMessage(websocket.BinaryMessage, data)
}

func (c *Client) rememberServer(id identity.Identity) {
	c.mu.Lock()
	c.server = id
	c.mu.Unlock()
}

func (c *Client) disconnect(err error) {
	c.mu.Lock()
	c.established = false
	c.mu.Unlock()
	if c.events.OnDisconnect != nil {
		c.events.OnDisconnect(err)
	}
	_ = c.Close()
}
