package protocol

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/orsondmc/coordshare/internal/cipher"
	"github.com/orsondmc/coordshare/internal/identity"
)

// packetVersion guards against framing changes.
const packetVersion = 1

// Framing modes. Handshake traffic is plaintext; once a connection is
// established every payload is encrypted per recipient.
const (
	modePlain  = 0
	modeCipher = 1
)

var (
	// ErrUnknownType is returned for message kinds outside the union.
	ErrUnknownType = errors.New("protocol: unknown message type")
	// ErrBadPacket is returned for malformed framing.
	ErrBadPacket = errors.New("protocol: malformed packet")
)

// packet is the outermost wire frame. Identity names the sender, whose
// session opens the payload on the receiving side; Data is the envelope
// bytes, raw or sealed depending on Mode.
type packet struct {
	Version  int               `cbor:"v"`
	Mode     int               `cbor:"mode"`
	Identity identity.Identity `cbor:"identity,omitempty"`
	Data     []byte            `cbor:"data"`
}

// envelope pairs a message kind with its encoded body.
type envelope struct {
	Type Type            `cbor:"type"`
	Body cbor.RawMessage `cbor:"body"`
}

// Keyring provides the local identity stamped on outbound frames and
// the gateway that seals and opens encrypted payloads. The codec reads
// it per call so an identity assigned mid-handshake is picked up.
type Keyring interface {
	Identity() identity.Identity
	Gateway() cipher.Gateway
}

// Codec frames messages for the wire.
type Codec struct {
	keys Keyring
}

// NewCodec returns a codec framing on behalf of keys.
func NewCodec(keys Keyring) *Codec { return &Codec{keys: keys} }

// EncodePlain frames msg without encryption.
func (c *Codec) EncodePlain(msg Message) ([]byte, error) {
	data, err := encodeEnvelope(msg)
	if err != nil {
		return nil, err
	}
	return cbor.Marshal(packet{Version: packetVersion, Mode: modePlain, Identity: c.keys.Identity(), Data: data})
}

// EncodeEncrypted frames msg sealed for the recipient. Each call seals
// independently, so a fan-out of one logical event produces one
// ciphertext per recipient.
func (c *Codec) EncodeEncrypted(recipient identity.Identity, msg Message) ([]byte, error) {
	data, err := encodeEnvelope(msg)
	if err != nil {
		return nil, err
	}
	sealed, err := c.keys.Gateway().EncryptFor(recipient, data)
	if err != nil {
		return nil, err
	}
	return cbor.Marshal(packet{Version: packetVersion, Mode: modeCipher, Identity: c.keys.Identity(), Data: sealed})
}

// Decode unwraps a wire frame. For encrypted packets the identity on the
// frame names the sender whose session opens the payload. It returns the
// message, the frame identity, and whether the frame was encrypted.
func (c *Codec) Decode(raw []byte) (Message, identity.Identity, bool, error) {
	var p packet
	if err := cbor.Unmarshal(raw, &p); err != nil {
		return nil, identity.Identity{}, false, fmt.Errorf("%w: %v", ErrBadPacket, err)
	}
	if p.Version != packetVersion {
		return nil, identity.Identity{}, false, fmt.Errorf("%w: version %d", ErrBadPacket, p.Version)
	}
	switch p.Mode {
	case modePlain:
		msg, err := decodeEnvelope(p.Data)
		return msg, p.Identity, false, err
	case modeCipher:
		data, err := c.keys.Gateway().Decrypt(p.Identity, p.Data)
		if err != nil {
			return nil, p.Identity, true, err
		}
		msg, err := decodeEnvelope(data)
		return msg, p.Identity, true, err
	default:
		return nil, identity.Identity{}, false, fmt.Errorf("%w: mode %d", ErrBadPacket, p.Mode)
	}
}

func encodeEnvelope(msg Message) ([]byte, error) {
	body, err := cbor.Marshal(msg)
	if err != nil {
		return nil, err
	}
	return cbor.Marshal(envelope{Type: msg.MessageType(), Body: body})
}

func decodeEnvelope(data []byte) (Message, error) {
	var env envelope
	if err := cbor.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPacket, err)
	}
	msg, ok := newMessage(env.Type)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
	if err := cbor.Unmarshal(env.Body, msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPacket, err)
	}
	return msg, nil
}
