package protocol

import (
	"github.com/google/uuid"

	"github.com/orsondmc/coordshare/internal/api/group"
	"github.com/orsondmc/coordshare/internal/cipher"
	"github.com/orsondmc/coordshare/internal/identity"
)

// Type names a wire message kind. The set is closed: the dispatcher
// matches it exhaustively and unknown kinds are rejected at decode time.
type Type string

const (
	// Requests (client to server).
	TypeKeepAlive         Type = "keepalive"
	TypeIdentify          Type = "identify"
	TypeSendPreKeys       Type = "send_prekeys"
	TypeStartSession      Type = "start_session"
	TypeFinishSession     Type = "finish_session"
	TypeCheckTrust        Type = "check_trust"
	TypeCreateGroup       Type = "group.create"
	TypeDeleteGroup       Type = "group.delete"
	TypeJoinGroup         Type = "group.join"
	TypeLeaveGroup        Type = "group.leave"
	TypeInvite            Type = "group.invite"
	TypeEjectMember       Type = "group.eject"
	TypeTransferOwnership Type = "group.transfer"
	TypeSendMessage       Type = "group.message"
	TypeAcknowledgeJoin   Type = "group.ack_join"
	TypeUpdatePosition    Type = "position.update"

	// Responses (server to client).
	TypeKeepAliveAck         Type = "keepalive_ack"
	TypeRegisterDevice       Type = "register_device"
	TypeDeviceRegistered     Type = "device_registered"
	TypeIdentifyOK           Type = "identify_ok"
	TypePreKeysExchanged     Type = "prekeys_exchanged"
	TypeSessionChallenge     Type = "session_challenge"
	TypeSessionEstablished   Type = "session_established"
	TypeVerificationFailed   Type = "verification_failed"
	TypeIsTrusted            Type = "is_trusted"
	TypeIsUntrusted          Type = "is_untrusted"
	TypeGroupCreated         Type = "group.created"
	TypeGroupInvite          Type = "group.invited"
	TypeGroupJoined          Type = "group.joined"
	TypeGroupLeft            Type = "group.left"
	TypeGroupMemberUpdated   Type = "group.member_updated"
	TypeGroupMessage         Type = "group.message_relayed"
	TypeGroupJoinAcknowledge Type = "group.join_acknowledged"
)

// Message is a single wire message. Concrete types form a closed union
// over the Type constants above.
type Message interface {
	MessageType() Type
}

// MemberStatus describes a presence transition broadcast to a group.
type MemberStatus string

const (
	StatusOnline  MemberStatus = "online"
	StatusOffline MemberStatus = "offline"
)

// PlatformSession is the platform credential a client presents to prove
// it owns the in-game player it claims.
type PlatformSession struct {
	ID     uuid.UUID `cbor:"id"`
	Name   string    `cbor:"name"`
	Server string    `cbor:"server"`
	Entity int32     `cbor:"entity"`
	Token  string    `cbor:"token,omitempty"`
}

// Player converts the credential into the player it asserts.
func (p PlatformSession) Player(profile uuid.UUID) group.Player {
	return group.Player{
		Profile: profile,
		Game:    group.GamePlayer{ID: p.ID, Server: p.Server, Entity: p.Entity},
	}
}

// ---------- handshake ----------

// KeepAlive is answered in plaintext in any state, with no side effects.
type KeepAlive struct {
	Identity identity.Identity `cbor:"identity,omitempty"`
}

type KeepAliveAck struct {
	ServerIdentity identity.Identity `cbor:"identity"`
}

// Identify opens the handshake. A zero Identity asks the server to begin
// device registration instead.
type Identify struct {
	Identity identity.Identity `cbor:"identity,omitempty"`
}

// RegisterDevice tells an unidentified client to complete registration
// out of band at URL; Token is one-time and bound to this connection.
type RegisterDevice struct {
	ServerIdentity identity.Identity `cbor:"identity"`
	URL            string            `cbor:"url"`
	Token          string            `cbor:"token"`
}

// DeviceRegistered is pushed once the out-of-band verification completes
// and carries the device id assigned to this installation.
type DeviceRegistered struct {
	ServerIdentity identity.Identity `cbor:"identity"`
	Profile        uuid.UUID         `cbor:"profile"`
	Device         int               `cbor:"device"`
}

// IdentifyOK confirms the identity resolved to a known profile.
type IdentifyOK struct {
	ServerIdentity identity.Identity `cbor:"identity"`
	Profile        uuid.UUID         `cbor:"profile"`
	Name           string            `cbor:"name"`
}

// SendPreKeys presents the client's pre-key bundle; the server trusts it
// and answers with its own, enabling encryption in both directions.
type SendPreKeys struct {
	Identity identity.Identity   `cbor:"identity"`
	Bundle   cipher.PreKeyBundle `cbor:"bundle"`
}

type PreKeysExchanged struct {
	ServerIdentity identity.Identity   `cbor:"identity"`
	Bundle         cipher.PreKeyBundle `cbor:"bundle"`
}

// StartSession asks for the platform challenge material. Nothing is
// committed server-side.
type StartSession struct {
	Identity identity.Identity `cbor:"identity"`
}

type SessionChallenge struct {
	ServerIdentity identity.Identity `cbor:"identity"`
	Challenge      []byte            `cbor:"challenge"`
}

// FinishSession presents the platform credential; on success the
// connection is promoted to established and registered for routing.
type FinishSession struct {
	Identity identity.Identity `cbor:"identity"`
	Session  PlatformSession   `cbor:"session"`
}

type SessionEstablished struct {
	ServerIdentity identity.Identity `cbor:"identity"`
}

// VerificationFailed reports a rejected platform credential; the server
// terminates the connection after sending it.
type VerificationFailed struct {
	ServerIdentity identity.Identity `cbor:"identity"`
	Session        PlatformSession   `cbor:"session"`
}

// CheckTrust asks whether the presented identity is currently trusted.
type CheckTrust struct {
	Identity identity.Identity `cbor:"identity"`
}

type IsTrusted struct {
	ServerIdentity identity.Identity `cbor:"identity"`
}

// IsUntrusted also signals the client to restart device registration;
// the server terminates the connection after sending it.
type IsUntrusted struct {
	ServerIdentity identity.Identity `cbor:"identity"`
}

// ---------- groups ----------

type CreateGroup struct {
	Identity identity.Identity `cbor:"identity"`
	GroupID  uuid.UUID         `cbor:"group"`
	Name     string            `cbor:"name,omitempty"`
	Type     group.Type        `cbor:"type"`
	Players  []uuid.UUID       `cbor:"players"`
}

type GroupCreated struct {
	ServerIdentity identity.Identity `cbor:"identity"`
	Group          group.Group       `cbor:"group"`
}

type DeleteGroup struct {
	Identity identity.Identity `cbor:"identity"`
	GroupID  uuid.UUID         `cbor:"group"`
}

// JoinGroup moves the caller's own membership to State, carrying the
// caller's per-group key material for other members.
type JoinGroup struct {
	Identity identity.Identity     `cbor:"identity"`
	GroupID  uuid.UUID             `cbor:"group"`
	State    group.MembershipState `cbor:"state"`
	Keys     []byte                `cbor:"keys,omitempty"`
}

type GroupJoined struct {
	ServerIdentity identity.Identity `cbor:"identity"`
	GroupID        uuid.UUID         `cbor:"group"`
	Sender         identity.Identity `cbor:"sender"`
	Player         group.Player      `cbor:"player"`
	Keys           []byte            `cbor:"keys,omitempty"`
}

type LeaveGroup struct {
	Identity identity.Identity `cbor:"identity"`
	GroupID  uuid.UUID         `cbor:"group"`
}

// GroupLeft announces a departure. Sender is the identity that left; for
// an ejection it names the ejected member, distinguishing "left" from
// "was removed". A zero Sender means the group itself went away.
type GroupLeft struct {
	ServerIdentity identity.Identity `cbor:"identity"`
	GroupID        uuid.UUID         `cbor:"group"`
	Sender         identity.Identity `cbor:"sender,omitempty"`
	Player         group.Player      `cbor:"player,omitempty"`
}

type Invite struct {
	Identity identity.Identity `cbor:"identity"`
	GroupID  uuid.UUID         `cbor:"group"`
	Players  []uuid.UUID       `cbor:"players"`
}

type GroupInvite struct {
	ServerIdentity identity.Identity `cbor:"identity"`
	GroupID        uuid.UUID         `cbor:"group"`
	Type           group.Type        `cbor:"type"`
	Sender         group.Player      `cbor:"sender,omitempty"`
	Members        []group.Player    `cbor:"members"`
}

// EjectMember removes the in-game player from the group. Owner only.
type EjectMember struct {
	Identity identity.Identity `cbor:"identity"`
	GroupID  uuid.UUID         `cbor:"group"`
	Player   uuid.UUID         `cbor:"player"`
}

type TransferOwnership struct {
	Identity identity.Identity `cbor:"identity"`
	GroupID  uuid.UUID         `cbor:"group"`
	Profile  uuid.UUID         `cbor:"profile"`
}

type GroupMemberUpdated struct {
	ServerIdentity identity.Identity    `cbor:"identity"`
	GroupID        uuid.UUID            `cbor:"group"`
	Player         group.Player         `cbor:"player"`
	Status         MemberStatus         `cbor:"status,omitempty"`
	Role           group.MembershipRole `cbor:"role,omitempty"`
}

// SendMessage relays an opaque payload to every accepted member except
// the sender. The server never interprets Message.
type SendMessage struct {
	Identity identity.Identity `cbor:"identity"`
	GroupID  uuid.UUID         `cbor:"group"`
	Message  []byte            `cbor:"message"`
}

type GroupMessage struct {
	ServerIdentity identity.Identity `cbor:"identity"`
	Sender         identity.Identity `cbor:"sender"`
	GroupID        uuid.UUID         `cbor:"group"`
	Player         group.Player      `cbor:"player"`
	Message        []byte            `cbor:"message"`
}

// AcknowledgeJoin answers a GroupJoined with the acknowledging member's
// per-group keys, addressed back to the identity that joined.
type AcknowledgeJoin struct {
	Identity  identity.Identity `cbor:"identity"`
	GroupID   uuid.UUID         `cbor:"group"`
	Recipient identity.Identity `cbor:"recipient"`
	Keys      []byte            `cbor:"keys,omitempty"`
}

type GroupJoinAcknowledged struct {
	ServerIdentity identity.Identity `cbor:"identity"`
	Sender         identity.Identity `cbor:"sender"`
	Player         group.Player      `cbor:"player"`
	Group          group.Group       `cbor:"group"`
	Keys           []byte            `cbor:"keys,omitempty"`
}

// UpdatePosition reports the sender's world coordinates. The server
// only ever clusters positions; they are never relayed to other
// clients or persisted.
type UpdatePosition struct {
	Identity identity.Identity `cbor:"identity"`
	X        float64           `cbor:"x"`
	Y        float64           `cbor:"y"`
	Z        float64           `cbor:"z"`
}

// ---------- union plumbing ----------

func (KeepAlive) MessageType() Type         { return TypeKeepAlive }
func (Identify) MessageType() Type          { return TypeIdentify }
func (SendPreKeys) MessageType() Type       { return TypeSendPreKeys }
func (StartSession) MessageType() Type      { return TypeStartSession }
func (FinishSession) MessageType() Type     { return TypeFinishSession }
func (CheckTrust) MessageType() Type        { return TypeCheckTrust }
func (CreateGroup) MessageType() Type       { return TypeCreateGroup }
func (DeleteGroup) MessageType() Type       { return TypeDeleteGroup }
func (JoinGroup) MessageType() Type         { return TypeJoinGroup }
func (LeaveGroup) MessageType() Type        { return TypeLeaveGroup }
func (Invite) MessageType() Type            { return TypeInvite }
func (EjectMember) MessageType() Type       { return TypeEjectMember }
func (TransferOwnership) MessageType() Type { return TypeTransferOwnership }
func (SendMessage) MessageType() Type       { return TypeSendMessage }
func (AcknowledgeJoin) MessageType() Type   { return TypeAcknowledgeJoin }
func (UpdatePosition) MessageType() Type    { return TypeUpdatePosition }

func (KeepAliveAck) MessageType() Type          { return TypeKeepAliveAck }
func (RegisterDevice) MessageType() Type        { return TypeRegisterDevice }
func (DeviceRegistered) MessageType() Type      { return TypeDeviceRegistered }
func (IdentifyOK) MessageType() Type            { return TypeIdentifyOK }
func (PreKeysExchanged) MessageType() Type      { return TypePreKeysExchanged }
func (SessionChallenge) MessageType() Type      { return TypeSessionChallenge }
func (SessionEstablished) MessageType() Type    { return TypeSessionEstablished }
func (VerificationFailed) MessageType() Type    { return TypeVerificationFailed }
func (IsTrusted) MessageType() Type             { return TypeIsTrusted }
func (IsUntrusted) MessageType() Type           { return TypeIsUntrusted }
func (GroupCreated) MessageType() Type          { return TypeGroupCreated }
func (GroupInvite) MessageType() Type           { return TypeGroupInvite }
func (GroupJoined) MessageType() Type           { return TypeGroupJoined }
func (GroupLeft) MessageType() Type             { return TypeGroupLeft }
func (GroupMemberUpdated) MessageType() Type    { return TypeGroupMemberUpdated }
func (GroupMessage) MessageType() Type          { return TypeGroupMessage }
func (GroupJoinAcknowledged) MessageType() Type { return TypeGroupJoinAcknowledge }

// newMessage returns a zero value of the concrete type for decoding.
func newMessage(t Type) (Message, bool) {
	switch t {
	case TypeKeepAlive:
		return &KeepAlive{}, true
	case TypeIdentify:
		return &Identify{}, true
	case TypeSendPreKeys:
		return &SendPreKeys{}, true
	case TypeStartSession:
		return &StartSession{}, true
	case TypeFinishSession:
		return &FinishSession{}, true
	case TypeCheckTrust:
		return &CheckTrust{}, true
	case TypeCreateGroup:
		return &CreateGroup{}, true
	case TypeDeleteGroup:
		return &DeleteGroup{}, true
	case TypeJoinGroup:
		return &JoinGroup{}, true
	case TypeLeaveGroup:
		return &LeaveGroup{}, true
	case TypeInvite:
		return &Invite{}, true
	case TypeEjectMember:
		return &EjectMember{}, true
	case TypeTransferOwnership:
		return &TransferOwnership{}, true
	case TypeSendMessage:
		return &SendMessage{}, true
	case TypeAcknowledgeJoin:
		return &AcknowledgeJoin{}, true
	case TypeUpdatePosition:
		return &UpdatePosition{}, true
	case TypeKeepAliveAck:
		return &KeepAliveAck{}, true
	case TypeRegisterDevice:
		return &RegisterDevice{}, true
	case TypeDeviceRegistered:
		return &DeviceRegistered{}, true
	case TypeIdentifyOK:
		return &IdentifyOK{}, true
	case TypePreKeysExchanged:
		return &PreKeysExchanged{}, true
	case TypeSessionChallenge:
		return &SessionChallenge{}, true
	case TypeSessionEstablished:
		return &SessionEstablished{}, true
	case TypeVerificationFailed:
		return &VerificationFailed{}, true
	case TypeIsTrusted:
		return &IsTrusted{}, true
	case TypeIsUntrusted:
		return &IsUntrusted{}, true
	case TypeGroupCreated:
		return &GroupCreated{}, true
	case TypeGroupInvite:
		return &GroupInvite{}, true
	case TypeGroupJoined:
		return &GroupJoined{}, true
	case TypeGroupLeft:
		return &GroupLeft{}, true
	case TypeGroupMemberUpdated:
		return &GroupMemberUpdated{}, true
	case TypeGroupMessage:
		return &GroupMessage{}, true
	case TypeGroupJoinAcknowledge:
		return &GroupJoinAcknowledged{}, true
	default:
		return nil, false
	}
}
