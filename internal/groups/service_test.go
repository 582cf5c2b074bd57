package groups_test

import (
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orsondmc/coordshare/internal/api/group"
	"github.com/orsondmc/coordshare/internal/groups"
	"github.com/orsondmc/coordshare/internal/identity"
	"github.com/orsondmc/coordshare/internal/protocol"
)

// fakeSessions is an in-memory stand-in for the live session registry.
type fakeSessions struct {
	online map[uuid.UUID]fakeSession
}

type fakeSession struct {
	identity identity.Identity
	player   group.Player
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{online: make(map[uuid.UUID]fakeSession)}
}

func (f *fakeSessions) connect(profile uuid.UUID) (identity.Identity, group.Player) {
	id := identity.Identity{Profile: profile, Device: 1}
	p := group.Player{
		Profile: profile,
		Game:    group.GamePlayer{ID: uuid.New(), Server: "mc.example.com", Entity: int32(len(f.online) + 1)},
	}
	f.online[profile] = fakeSession{identity: id, player: p}
	return id, p
}

func (f *fakeSessions) disconnect(profile uuid.UUID) {
	delete(f.online, profile)
}

func (f *fakeSessions) FindPlayer(id identity.Identity) (group.Player, bool) {
	s, ok := f.online[id.Profile]
	if !ok || !s.identity.Equal(id) {
		return group.Player{}, false
	}
	return s.player, true
}

func (f *fakeSessions) FindIdentity(profile uuid.UUID) (identity.Identity, bool) {
	s, ok := f.online[profile]
	if !ok {
		return identity.Identity{}, false
	}
	return s.identity, true
}

func (f *fakeSessions) FindPlayers(profiles []uuid.UUID) []group.Player {
	out := make([]group.Player, 0, len(profiles))
	for _, p := range profiles {
		if s, ok := f.online[p]; ok {
			out = append(out, s.player)
		}
	}
	return out
}

var _ groups.SessionLookup = (*fakeSessions)(nil)

type fixture struct {
	service  *groups.Service
	store    *groups.MemoryStore
	sessions *fakeSessions
	server   identity.Identity
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := groups.NewMemoryStore()
	sessions := newFakeSessions()
	server := identity.Identity{Profile: uuid.New(), Device: 1}
	return &fixture{
		service:  groups.NewService(store, server, sessions, zerolog.Nop()),
		store:    store,
		sessions: sessions,
		server:   server,
	}
}

// messagesTo collects the payloads addressed to the given identity.
func messagesTo(batch *protocol.Batch, id identity.Identity) []protocol.Message {
	var out []protocol.Message
	for _, u := range batch.Units() {
		if u.Recipient.Equal(id) {
			out = append(out, u.Message)
		}
	}
	return out
}

func (f *fixture) createGroup(t *testing.T, owner identity.Identity, invited ...uuid.UUID) uuid.UUID {
	t.Helper()
	id := uuid.New()
	_, err := f.service.CreateGroup(&protocol.CreateGroup{
		Identity: owner,
		GroupID:  id,
		Name:     "hunting party",
		Type:     group.UserCreated,
		Players:  invited,
	})
	require.NoError(t, err)
	return id
}

func TestCreateGroupSingleOwner(t *testing.T) {
	f := newFixture(t)
	ownerID, owner := f.sessions.connect(uuid.New())

	groupID := uuid.New()
	batch, err := f.service.CreateGroup(&protocol.CreateGroup{
		Identity: ownerID,
		GroupID:  groupID,
		Type:     group.UserCreated,
	})
	require.NoError(t, err)
	require.Equal(t, 1, batch.Len())

	created, ok := batch.Units()[0].Message.(*protocol.GroupCreated)
	require.True(t, ok)
	assert.True(t, batch.Units()[0].Recipient.Equal(ownerID))

	m, ok := created.Group.Member(owner.Profile)
	require.True(t, ok)
	assert.Equal(t, group.RoleOwner, m.Role)
	assert.Equal(t, group.StateAccepted, m.State)

	g, found, err := f.store.FindGroup(groupID)
	require.NoError(t, err)
	require.True(t, found)
	assert.Len(t, g.Members, 1)
}

func TestCreateGroupInvitesOnlineOnly(t *testing.T) {
	f := newFixture(t)
	ownerID, _ := f.sessions.connect(uuid.New())
	inviteeID, _ := f.sessions.connect(uuid.New())
	offline := uuid.New()

	groupID := uuid.New()
	batch, err := f.service.CreateGroup(&protocol.CreateGroup{
		Identity: ownerID,
		GroupID:  groupID,
		Type:     group.UserCreated,
		Players:  []uuid.UUID{inviteeID.Profile, offline},
	})
	require.NoError(t, err)

	require.Len(t, messagesTo(batch, inviteeID), 1)
	invite, ok := messagesTo(batch, inviteeID)[0].(*protocol.GroupInvite)
	require.True(t, ok)
	assert.Equal(t, groupID, invite.GroupID)
	assert.Len(t, invite.Members, 2)

	g, _, err := f.store.FindGroup(groupID)
	require.NoError(t, err)
	assert.False(t, g.ContainsPlayer(offline))

	m, ok := g.Member(inviteeID.Profile)
	require.True(t, ok)
	assert.Equal(t, group.StatePending, m.State)
}

func TestCreateGroupProximityReserved(t *testing.T) {
	f := newFixture(t)
	ownerID, _ := f.sessions.connect(uuid.New())

	_, err := f.service.CreateGroup(&protocol.CreateGroup{
		Identity: ownerID,
		GroupID:  uuid.New(),
		Type:     group.Proximity,
	})
	require.ErrorIs(t, err, groups.ErrProximityReserved)
}

func TestCreateGroupDuplicateID(t *testing.T) {
	f := newFixture(t)
	ownerID, _ := f.sessions.connect(uuid.New())
	groupID := f.createGroup(t, ownerID)

	_, err := f.service.CreateGroup(&protocol.CreateGroup{
		Identity: ownerID,
		GroupID:  groupID,
		Type:     group.UserCreated,
	})
	require.ErrorIs(t, err, groups.ErrGroupExists)
}

func TestAcceptNotifiesAcceptedMembers(t *testing.T) {
	f := newFixture(t)
	ownerID, _ := f.sessions.connect(uuid.New())
	inviteeID, _ := f.sessions.connect(uuid.New())
	groupID := f.createGroup(t, ownerID, inviteeID.Profile)

	batch, err := f.service.AcceptMembership(&protocol.JoinGroup{
		Identity: inviteeID,
		GroupID:  groupID,
		State:    group.StateAccepted,
		Keys:     []byte("invitee keys"),
	})
	require.NoError(t, err)

	// The joiner and the owner each learn about the join.
	require.Len(t, messagesTo(batch, inviteeID), 1)
	require.Len(t, messagesTo(batch, ownerID), 1)
	joined, ok := messagesTo(batch, ownerID)[0].(*protocol.GroupJoined)
	require.True(t, ok)
	assert.True(t, joined.Sender.Equal(inviteeID))
	assert.Equal(t, []byte("invitee keys"), joined.Keys)

	g, _, err := f.store.FindGroup(groupID)
	require.NoError(t, err)
	m, _ := g.Member(inviteeID.Profile)
	assert.Equal(t, group.StateAccepted, m.State)
	assert.Equal(t, group.RoleMember, m.Role)
}

func TestDeclineRemovesMembershipSilently(t *testing.T) {
	f := newFixture(t)
	ownerID, _ := f.sessions.connect(uuid.New())
	inviteeID, _ := f.sessions.connect(uuid.New())
	groupID := f.createGroup(t, ownerID, inviteeID.Profile)

	batch, err := f.service.AcceptMembership(&protocol.JoinGroup{
		Identity: inviteeID,
		GroupID:  groupID,
		State:    group.StateDeclined,
	})
	require.NoError(t, err)
	assert.Equal(t, 0, batch.Len())

	g, found, err := f.store.FindGroup(groupID)
	require.NoError(t, err)
	require.True(t, found)
	assert.False(t, g.ContainsPlayer(inviteeID.Profile))
}

func TestJoinWithoutInviteIsNoOp(t *testing.T) {
	f := newFixture(t)
	ownerID, _ := f.sessions.connect(uuid.New())
	strangerID, _ := f.sessions.connect(uuid.New())
	groupID := f.createGroup(t, ownerID)

	batch, err := f.service.AcceptMembership(&protocol.JoinGroup{
		Identity: strangerID,
		GroupID:  groupID,
		State:    group.StateAccepted,
	})
	require.NoError(t, err)
	assert.Equal(t, 0, batch.Len())

	g, _, err := f.store.FindGroup(groupID)
	require.NoError(t, err)
	assert.False(t, g.ContainsPlayer(strangerID.Profile))
}

func TestLeaveOwnerLeavesGroupOwnerless(t *testing.T) {
	f := newFixture(t)
	ownerID, _ := f.sessions.connect(uuid.New())
	memberID, _ := f.sessions.connect(uuid.New())
	groupID := f.createGroup(t, ownerID, memberID.Profile)
	_, err := f.service.AcceptMembership(&protocol.JoinGroup{
		Identity: memberID, GroupID: groupID, State: group.StateAccepted,
	})
	require.NoError(t, err)

	batch, err := f.service.LeaveGroup(&protocol.LeaveGroup{Identity: ownerID, GroupID: groupID})
	require.NoError(t, err)

	// Everyone, including the leaver, hears about the departure.
	require.Len(t, messagesTo(batch, ownerID), 1)
	require.Len(t, messagesTo(batch, memberID), 1)

	g, found, err := f.store.FindGroup(groupID)
	require.NoError(t, err)
	require.True(t, found)
	assert.False(t, g.ContainsPlayer(ownerID.Profile))
	for _, m := range g.Members {
		assert.NotEqual(t, group.RoleOwner, m.Role)
	}
}

func TestLeaveLastMemberReapsGroup(t *testing.T) {
	f := newFixture(t)
	ownerID, _ := f.sessions.connect(uuid.New())
	groupID := f.createGroup(t, ownerID)

	_, err := f.service.LeaveGroup(&protocol.LeaveGroup{Identity: ownerID, GroupID: groupID})
	require.NoError(t, err)

	_, found, err := f.store.FindGroup(groupID)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestDeleteGroupOwnerOnly(t *testing.T) {
	f := newFixture(t)
	ownerID, _ := f.sessions.connect(uuid.New())
	memberID, _ := f.sessions.connect(uuid.New())
	groupID := f.createGroup(t, ownerID, memberID.Profile)

	batch, err := f.service.DeleteGroup(&protocol.DeleteGroup{Identity: memberID, GroupID: groupID})
	require.NoError(t, err)
	assert.Equal(t, 0, batch.Len())
	_, found, _ := f.store.FindGroup(groupID)
	assert.True(t, found)

	batch, err = f.service.DeleteGroup(&protocol.DeleteGroup{Identity: ownerID, GroupID: groupID})
	require.NoError(t, err)
	assert.Equal(t, 2, batch.Len())
	_, found, _ = f.store.FindGroup(groupID)
	assert.False(t, found)
}

func TestEjectMember(t *testing.T) {
	f := newFixture(t)
	ownerID, _ := f.sessions.connect(uuid.New())
	memberID, member := f.sessions.connect(uuid.New())
	groupID := f.createGroup(t, ownerID, memberID.Profile)
	_, err := f.service.AcceptMembership(&protocol.JoinGroup{
		Identity: memberID, GroupID: groupID, State: group.StateAccepted,
	})
	require.NoError(t, err)

	// A non-owner cannot eject.
	batch, err := f.service.EjectMember(&protocol.EjectMember{
		Identity: memberID, GroupID: groupID, Player: member.Game.ID,
	})
	require.NoError(t, err)
	assert.Equal(t, 0, batch.Len())

	batch, err = f.service.EjectMember(&protocol.EjectMember{
		Identity: ownerID, GroupID: groupID, Player: member.Game.ID,
	})
	require.NoError(t, err)
	require.Len(t, messagesTo(batch, memberID), 1)

	// The notification names the ejected member, not the owner.
	left, ok := messagesTo(batch, memberID)[0].(*protocol.GroupLeft)
	require.True(t, ok)
	assert.True(t, left.Sender.Equal(memberID))

	g, _, err := f.store.FindGroup(groupID)
	require.NoError(t, err)
	assert.False(t, g.ContainsPlayer(memberID.Profile))
}

func TestEjectOfflineMemberIsNoOp(t *testing.T) {
	f := newFixture(t)
	ownerID, _ := f.sessions.connect(uuid.New())
	memberID, member := f.sessions.connect(uuid.New())
	groupID := f.createGroup(t, ownerID, memberID.Profile)
	f.sessions.disconnect(memberID.Profile)

	batch, err := f.service.EjectMember(&protocol.EjectMember{
		Identity: ownerID, GroupID: groupID, Player: member.Game.ID,
	})
	require.NoError(t, err)
	assert.Equal(t, 0, batch.Len())
	g, _, err := f.store.FindGroup(groupID)
	require.NoError(t, err)
	assert.True(t, g.ContainsPlayer(memberID.Profile))
}

func TestTransferOwnership(t *testing.T) {
	f := newFixture(t)
	ownerID, _ := f.sessions.connect(uuid.New())
	memberID, _ := f.sessions.connect(uuid.New())
	groupID := f.createGroup(t, ownerID, memberID.Profile)
	_, err := f.service.AcceptMembership(&protocol.JoinGroup{
		Identity: memberID, GroupID: groupID, State: group.StateAccepted,
	})
	require.NoError(t, err)

	batch, err := f.service.TransferOwnership(&protocol.TransferOwnership{
		Identity: ownerID, GroupID: groupID, Profile: memberID.Profile,
	})
	require.NoError(t, err)
	// Both role changes are broadcast to both members.
	assert.Len(t, messagesTo(batch, ownerID), 2)
	assert.Len(t, messagesTo(batch, memberID), 2)

	g, _, err := f.store.FindGroup(groupID)
	require.NoError(t, err)
	newOwner, _ := g.Member(memberID.Profile)
	oldOwner, _ := g.Member(ownerID.Profile)
	assert.Equal(t, group.RoleOwner, newOwner.Role)
	assert.Equal(t, group.RoleMember, oldOwner.Role)
}

func TestTransferToPendingMemberIsNoOp(t *testing.T) {
	f := newFixture(t)
	ownerID, _ := f.sessions.connect(uuid.New())
	memberID, _ := f.sessions.connect(uuid.New())
	groupID := f.createGroup(t, ownerID, memberID.Profile)

	batch, err := f.service.TransferOwnership(&protocol.TransferOwnership{
		Identity: ownerID, GroupID: groupID, Profile: memberID.Profile,
	})
	require.NoError(t, err)
	assert.Equal(t, 0, batch.Len())

	g, _, err := f.store.FindGroup(groupID)
	require.NoError(t, err)
	owner, _ := g.Member(ownerID.Profile)
	assert.Equal(t, group.RoleOwner, owner.Role)
}

func TestSendMessageReachesAcceptedMembersOnly(t *testing.T) {
	f := newFixture(t)
	ownerID, _ := f.sessions.connect(uuid.New())
	acceptedID, _ := f.sessions.connect(uuid.New())
	pendingID, _ := f.sessions.connect(uuid.New())
	groupID := f.createGroup(t, ownerID, acceptedID.Profile, pendingID.Profile)
	_, err := f.service.AcceptMembership(&protocol.JoinGroup{
		Identity: acceptedID, GroupID: groupID, State: group.StateAccepted,
	})
	require.NoError(t, err)

	payload := []byte("opaque ciphertext")
	batch, err := f.service.CreateMessages(&protocol.SendMessage{
		Identity: ownerID, GroupID: groupID, Message: payload,
	})
	require.NoError(t, err)

	assert.Len(t, messagesTo(batch, acceptedID), 1)
	assert.Empty(t, messagesTo(batch, ownerID))
	assert.Empty(t, messagesTo(batch, pendingID))

	// The sender's payload is retained for late joiners.
	g, _, err := f.store.FindGroup(groupID)
	require.NoError(t, err)
	m, _ := g.Member(ownerID.Profile)
	assert.Equal(t, payload, m.LastPayload)
}

func TestMessageFromNonMemberIsNoOp(t *testing.T) {
	f := newFixture(t)
	ownerID, _ := f.sessions.connect(uuid.New())
	strangerID, _ := f.sessions.connect(uuid.New())
	groupID := f.createGroup(t, ownerID)

	batch, err := f.service.CreateMessages(&protocol.SendMessage{
		Identity: strangerID, GroupID: groupID, Message: []byte("x"),
	})
	require.NoError(t, err)
	assert.Equal(t, 0, batch.Len())
}

func TestAcknowledgeJoinAddressedToJoiner(t *testing.T) {
	f := newFixture(t)
	ownerID, _ := f.sessions.connect(uuid.New())
	memberID, _ := f.sessions.connect(uuid.New())
	groupID := f.createGroup(t, ownerID, memberID.Profile)

	batch, err := f.service.AcknowledgeJoin(&protocol.AcknowledgeJoin{
		Identity:  ownerID,
		GroupID:   groupID,
		Recipient: memberID,
		Keys:      []byte("owner keys"),
	})
	require.NoError(t, err)
	require.Equal(t, 1, batch.Len())
	assert.True(t, batch.Units()[0].Recipient.Equal(memberID))
	ack, ok := batch.Units()[0].Message.(*protocol.GroupJoinAcknowledged)
	require.True(t, ok)
	assert.True(t, ack.Sender.Equal(ownerID))
	assert.Equal(t, []byte("owner keys"), ack.Keys)
}

func TestOfflineTransitionClearsPayload(t *testing.T) {
	f := newFixture(t)
	ownerID, owner := f.sessions.connect(uuid.New())
	memberID, _ := f.sessions.connect(uuid.New())
	groupID := f.createGroup(t, ownerID, memberID.Profile)
	_, err := f.service.AcceptMembership(&protocol.JoinGroup{
		Identity: memberID, GroupID: groupID, State: group.StateAccepted,
	})
	require.NoError(t, err)
	_, err = f.service.CreateMessages(&protocol.SendMessage{
		Identity: ownerID, GroupID: groupID, Message: []byte("last known"),
	})
	require.NoError(t, err)

	f.sessions.disconnect(ownerID.Profile)
	batch, err := f.service.PlayerIsOffline(owner)
	require.NoError(t, err)
	require.Len(t, messagesTo(batch, memberID), 1)
	updated, ok := messagesTo(batch, memberID)[0].(*protocol.GroupMemberUpdated)
	require.True(t, ok)
	assert.Equal(t, protocol.StatusOffline, updated.Status)

	g, _, err := f.store.FindGroup(groupID)
	require.NoError(t, err)
	m, _ := g.Member(ownerID.Profile)
	assert.Nil(t, m.LastPayload)
}

func TestOnlineTransitionRefreshesPlayer(t *testing.T) {
	f := newFixture(t)
	ownerID, _ := f.sessions.connect(uuid.New())
	memberID, _ := f.sessions.connect(uuid.New())
	groupID := f.createGroup(t, ownerID, memberID.Profile)
	_, err := f.service.AcceptMembership(&protocol.JoinGroup{
		Identity: memberID, GroupID: groupID, State: group.StateAccepted,
	})
	require.NoError(t, err)

	// The member reconnects with a fresh in-game identity.
	f.sessions.disconnect(memberID.Profile)
	newID, newPlayer := f.sessions.connect(memberID.Profile)

	batch, err := f.service.PlayerIsOnline(newID, newPlayer)
	require.NoError(t, err)

	require.Len(t, messagesTo(batch, newID), 1)
	_, ok := messagesTo(batch, newID)[0].(*protocol.GroupJoined)
	require.True(t, ok)
	require.Len(t, messagesTo(batch, ownerID), 1)
	updated, ok := messagesTo(batch, ownerID)[0].(*protocol.GroupMemberUpdated)
	require.True(t, ok)
	assert.Equal(t, protocol.StatusOnline, updated.Status)

	g, _, err := f.store.FindGroup(groupID)
	require.NoError(t, err)
	m, _ := g.Member(memberID.Profile)
	assert.Equal(t, newPlayer.Game.ID, m.Player.Game.ID)
}

func TestReconcileProximity(t *testing.T) {
	f := newFixture(t)
	aID, a := f.sessions.connect(uuid.New())
	bID, b := f.sessions.connect(uuid.New())

	clusterID := uuid.New()
	batch, err := f.service.ReconcileProximity(groups.ProximityResult{
		Add: map[uuid.UUID]groups.ProximityCluster{
			clusterID: {Server: "mc.example.com", Players: []group.Player{a, b}},
		},
	})
	require.NoError(t, err)

	require.Len(t, messagesTo(batch, aID), 1)
	require.Len(t, messagesTo(batch, bID), 1)
	invite, ok := messagesTo(batch, aID)[0].(*protocol.GroupInvite)
	require.True(t, ok)
	assert.Equal(t, group.Proximity, invite.Type)
	assert.True(t, invite.Sender.Profile == uuid.Nil)

	g, found, err := f.store.FindGroup(clusterID)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, group.Proximity, g.Type)
	for _, m := range g.Members {
		assert.Equal(t, group.StatePending, m.State)
		assert.Equal(t, group.RoleMember, m.Role)
	}

	batch, err = f.service.ReconcileProximity(groups.ProximityResult{
		Remove: map[uuid.UUID]groups.ProximityCluster{
			clusterID: {Server: "mc.example.com", Players: []group.Player{a, b}},
		},
	})
	require.NoError(t, err)
	require.Len(t, messagesTo(batch, aID), 1)
	_, ok = messagesTo(batch, aID)[0].(*protocol.GroupLeft)
	require.True(t, ok)

	_, found, err = f.store.FindGroup(clusterID)
	require.NoError(t, err)
	assert.False(t, found)
}
