package group

import (
	"github.com/google/uuid"
)

// Type distinguishes groups created by players from groups the server
// synthesizes out of spatial adjacency.
type Type string

const (
	// UserCreated groups are created and managed explicitly by players.
	UserCreated Type = "user_created"
	// Proximity groups are synthesized from players standing near each
	// other; membership churns as players move in and out of range.
	Proximity Type = "proximity"
)

// MembershipRole is the role a member holds within a group.
type MembershipRole string

const (
	RoleOwner  MembershipRole = "owner"
	RoleMember MembershipRole = "member"
)

// MembershipState tracks where a member is in the invite lifecycle.
type MembershipState string

const (
	StatePending  MembershipState = "pending"
	StateAccepted MembershipState = "accepted"
	StateDeclined MembershipState = "declined"
)

// GamePlayer is the in-game identity of a player: the entity the game
// engine knows about, scoped to the server/world it is playing on.
type GamePlayer struct {
	ID     uuid.UUID `cbor:"id" json:"id"`
	Server string    `cbor:"server" json:"server"`
	Entity int32     `cbor:"entity" json:"entity"`
}

// Player ties a long-lived profile to its current in-game identity.
// The zero GamePlayer means the player is not currently in a world.
type Player struct {
	Profile uuid.UUID  `cbor:"profile" json:"profile"`
	Game    GamePlayer `cbor:"game" json:"game"`
}

// Member is a player's membership row within a single group.
// LastPayload carries the member's last opaque application payload
// (for example an encrypted location); nil means nothing shared.
type Member struct {
	Player      Player          `cbor:"player" json:"player"`
	Role        MembershipRole  `cbor:"role" json:"role"`
	State       MembershipState `cbor:"state" json:"state"`
	LastPayload []byte          `cbor:"lastPayload,omitempty" json:"lastPayload,omitempty"`
}

// Group is the membership aggregate. It is treated as a value: every
// mutation returns a fresh Group with a rebuilt member map, and the
// store persists whole aggregates only.
type Group struct {
	ID      uuid.UUID            `cbor:"id" json:"id"`
	Name    string               `cbor:"name,omitempty" json:"name,omitempty"`
	Type    Type                 `cbor:"type" json:"type"`
	Server  string               `cbor:"server" json:"server"`
	Members map[uuid.UUID]Member `cbor:"members" json:"members"`
}

// New creates a user-visible group with the owner accepted and every
// invited player pending.
func New(id uuid.UUID, name string, typ Type, owner Player, invited []Player) Group {
	members := make(map[uuid.UUID]Member, len(invited)+1)
	members[owner.Profile] = Member{Player: owner, Role: RoleOwner, State: StateAccepted}
	for _, p := range invited {
		if p.Profile == owner.Profile {
			continue
		}
		members[p.Profile] = Member{Player: p, Role: RoleMember, State: StatePending}
	}
	return Group{ID: id, Name: name, Type: typ, Server: owner.Game.Server, Members: members}
}

// NewProximity creates an empty server-synthesized group on the given server.
func NewProximity(id uuid.UUID, server string) Group {
	return Group{ID: id, Type: Proximity, Server: server, Members: map[uuid.UUID]Member{}}
}

// Member returns the membership row for the given profile.
func (g Group) Member(profile uuid.UUID) (Member, bool) {
	m, ok := g.Members[profile]
	return m, ok
}

// Role returns the role held by profile, or false if it is not a member.
func (g Group) Role(profile uuid.UUID) (MembershipRole, bool) {
	m, ok := g.Members[profile]
	if !ok {
		return "", false
	}
	return m.Role, true
}

// ContainsPlayer reports whether the profile has a membership row.
func (g Group) ContainsPlayer(profile uuid.UUID) bool {
	_, ok := g.Members[profile]
	return ok
}

// PlayerList returns the players of every membership row.
func (g Group) PlayerList() []Player {
	out := make([]Player, 0, len(g.Members))
	for _, m := range g.Members {
		out = append(out, m.Player)
	}
	return out
}

// AddMembers adds every player that is not already a member and returns
// the new aggregate along with the rows actually added. Present members
// are left untouched, which makes repeated invites idempotent.
func (g Group) AddMembers(players []Player, role MembershipRole, state MembershipState) (Group, []Member) {
	members := cloneMembers(g.Members)
	var added []Member
	for _, p := range players {
		if _, ok := members[p.Profile]; ok {
			continue
		}
		m := Member{Player: p, Role: role, State: state}
		members[p.Profile] = m
		added = append(added, m)
	}
	g.Members = members
	return g, added
}

// UpdateMembershipState moves the member to the new state. A declined
// member is removed from the aggregate rather than retained.
func (g Group) UpdateMembershipState(profile uuid.UUID, state MembershipState) Group {
	m, ok := g.Members[profile]
	if !ok {
		return g
	}
	members := cloneMembers(g.Members)
	if state == StateDeclined {
		delete(members, profile)
	} else {
		m.State = state
		members[profile] = m
	}
	g.Members = members
	return g
}

// UpdateMemberRole changes the role of an existing member.
func (g Group) UpdateMemberRole(profile uuid.UUID, role MembershipRole) Group {
	m, ok := g.Members[profile]
	if !ok {
		return g
	}
	members := cloneMembers(g.Members)
	m.Role = role
	members[profile] = m
	g.Members = members
	return g
}

// RemoveMember drops the profile's membership row.
func (g Group) RemoveMember(profile uuid.UUID) Group {
	if _, ok := g.Members[profile]; !ok {
		return g
	}
	members := cloneMembers(g.Members)
	delete(members, profile)
	g.Members = members
	return g
}

// UpdatePlayer refreshes the member's player record, used when a player
// comes online with a new in-game identity.
func (g Group) UpdatePlayer(p Player) Group {
	m, ok := g.Members[p.Profile]
	if !ok {
		return g
	}
	members := cloneMembers(g.Members)
	m.Player = p
	members[p.Profile] = m
	g.Members = members
	return g
}

// UpdateMemberPayload replaces the member's last shared payload.
// A nil payload clears it.
func (g Group) UpdateMemberPayload(profile uuid.UUID, payload []byte) Group {
	m, ok := g.Members[profile]
	if !ok {
		return g
	}
	members := cloneMembers(g.Members)
	if payload == nil {
		m.LastPayload = nil
	} else {
		m.LastPayload = append([]byte(nil), payload...)
	}
	members[profile] = m
	g.Members = members
	return g
}

func cloneMembers(in map[uuid.UUID]Member) map[uuid.UUID]Member {
	out := make(map[uuid.UUID]Member, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
