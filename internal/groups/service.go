package groups

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/orsondmc/coordshare/internal/api/group"
	"github.com/orsondmc/coordshare/internal/identity"
	"github.com/orsondmc/coordshare/internal/protocol"
)

var (
	// ErrGroupExists is returned when creating a group whose id is taken.
	ErrGroupExists = errors.New("groups: group already exists")
	// ErrProximityReserved is returned when a client tries to create a
	// proximity group directly; those are server-synthesized only.
	ErrProximityReserved = errors.New("groups: proximity groups cannot be created by clients")
	// ErrNoSession is returned when the caller has no registered player.
	ErrNoSession = errors.New("groups: no session for identity")
)

// SessionLookup resolves identities and players against the live session
// registry. Lookups that miss mean "not currently connected".
type SessionLookup interface {
	FindPlayer(id identity.Identity) (group.Player, bool)
	FindIdentity(profile uuid.UUID) (identity.Identity, bool)
	FindPlayers(profiles []uuid.UUID) []group.Player
}

// Service owns group membership state and produces response fan-outs.
// It performs no I/O of its own: every operation returns a Batch the
// transport resolves into per-recipient encrypted sends.
//
// Permission failures (not a member, not the owner, group missing) are
// deliberate silent no-ops: the caller only observes the absence of a
// broadcast, so membership details never leak to unauthorized peers.
type Service struct {
	store    Store
	self     identity.Identity
	sessions SessionLookup
	log      zerolog.Logger
}

// NewService wires the coordinator.
func NewService(store Store, self identity.Identity, sessions SessionLookup, log zerolog.Logger) *Service {
	return &Service{
		store:    store,
		self:     self,
		sessions: sessions,
		log:      log.With().Str("component", "groups").Logger(),
	}
}

// FindGroup looks up a single aggregate.
func (s *Service) FindGroup(id uuid.UUID) (group.Group, bool, error) {
	return s.store.FindGroup(id)
}

// CreateGroup creates a user group owned by the caller and invites the
// requested players that are currently online.
func (s *Service) CreateGroup(req *protocol.CreateGroup) (*protocol.Batch, error) {
	if req.Type == group.Proximity {
		return nil, ErrProximityReserved
	}
	if _, exists, err := s.store.FindGroup(req.GroupID); err != nil {
		return nil, err
	} else if exists {
		return nil, fmt.Errorf("%w: %s", ErrGroupExists, req.GroupID)
	}
	owner, ok := s.sessions.FindPlayer(req.Identity)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoSession, req.Identity)
	}
	invited := s.sessions.FindPlayers(req.Players)

	g := group.New(req.GroupID, req.Name, req.Type, owner, invited)
	batch := protocol.NewBatch()
	batch.Concat(s.membershipInvites(owner, g, nil))
	batch.Add(req.Identity, &protocol.GroupCreated{ServerIdentity: s.self, Group: g})
	if err := s.store.Upsert(g); err != nil {
		return nil, err
	}
	return batch, nil
}

// DeleteGroup removes a whole group. Owner only; otherwise a silent no-op.
func (s *Service) DeleteGroup(req *protocol.DeleteGroup) (*protocol.Batch, error) {
	g, ok, err := s.store.FindGroup(req.GroupID)
	if err != nil || !ok {
		return protocol.NewBatch(), err
	}
	if !s.isOwner(g, req.Identity) {
		s.log.Debug().Str("group", g.ID.String()).Stringer("identity", req.Identity).Msg("delete refused: not owner")
		return protocol.NewBatch(), nil
	}
	batch := s.memberMessages(g, everyone, func(_ identity.Identity, _ group.Member) protocol.Message {
		return &protocol.GroupLeft{ServerIdentity: s.self, GroupID: g.ID}
	})
	if err := s.store.Delete(g.ID); err != nil {
		return nil, err
	}
	return batch, nil
}

// Invite adds players to the group as pending members and notifies only
// the newly added ones. Non-owners are silently ignored.
func (s *Service) Invite(req *protocol.Invite) (*protocol.Batch, error) {
	g, ok, err := s.store.FindGroup(req.GroupID)
	if err != nil || !ok {
		return protocol.NewBatch(), err
	}
	sender, ok := s.sessions.FindPlayer(req.Identity)
	if !ok {
		return protocol.NewBatch(), nil
	}
	if role, member := g.Role(sender.Profile); !member || role != group.RoleOwner {
		s.log.Debug().Str("group", g.ID.String()).Stringer("identity", req.Identity).Msg("invite refused: not owner")
		return protocol.NewBatch(), nil
	}
	players := s.sessions.FindPlayers(req.Players)
	staged, added := g.AddMembers(players, group.RoleMember, group.StatePending)
	g, ok, err = s.store.AddMembers(g.ID, players, group.RoleMember, group.StatePending)
	if err != nil || !ok {
		return protocol.NewBatch(), err
	}
	batch := s.membershipInvites(sender, staged, added)
	s.reapIfEmpty(g)
	return batch, nil
}

// AcceptMembership moves the caller's own membership row to the
// requested state. Accepting fans a join notification to every other
// accepted member; declining removes the row.
func (s *Service) AcceptMembership(req *protocol.JoinGroup) (*protocol.Batch, error) {
	sender, ok := s.sessions.FindPlayer(req.Identity)
	if !ok {
		return protocol.NewBatch(), nil
	}
	g, ok, err := s.store.FindGroup(req.GroupID)
	if err != nil || !ok {
		return protocol.NewBatch(), err
	}
	role, member := g.Role(sender.Profile)
	if !member {
		s.log.Debug().Str("group", g.ID.String()).Stringer("identity", req.Identity).Msg("join refused: not invited")
		return protocol.NewBatch(), nil
	}
	g, ok, err = s.store.UpdateMember(g.ID, sender.Profile, role, req.State)
	if err != nil || !ok {
		return protocol.NewBatch(), err
	}

	batch := protocol.NewBatch()
	if req.State == group.StateAccepted {
		batch.Add(req.Identity, &protocol.GroupJoined{
			ServerIdentity: s.self,
			GroupID:        g.ID,
			Sender:         req.Identity,
			Player:         sender,
			Keys:           req.Keys,
		})
		batch.Concat(s.memberMessages(g, acceptedExcept(sender.Profile), func(_ identity.Identity, _ group.Member) protocol.Message {
			return &protocol.GroupJoined{
				ServerIdentity: s.self,
				GroupID:        g.ID,
				Sender:         req.Identity,
				Player:         sender,
				Keys:           req.Keys,
			}
		}))
	}
	s.reapIfEmpty(g)
	return batch, nil
}

// LeaveGroup removes the caller unconditionally, even an owner; the
// group is left ownerless in that case rather than auto-transferring.
func (s *Service) LeaveGroup(req *protocol.LeaveGroup) (*protocol.Batch, error) {
	sender, ok := s.sessions.FindPlayer(req.Identity)
	if !ok {
		return protocol.NewBatch(), nil
	}
	g, ok, err := s.store.FindGroup(req.GroupID)
	if err != nil || !ok {
		return protocol.NewBatch(), err
	}
	if !g.ContainsPlayer(sender.Profile) {
		return protocol.NewBatch(), nil
	}
	batch := s.memberMessages(g, everyone, func(_ identity.Identity, _ group.Member) protocol.Message {
		return &protocol.GroupLeft{ServerIdentity: s.self, GroupID: g.ID, Sender: req.Identity, Player: sender}
	})
	g, ok, err = s.store.RemoveMember(g.ID, sender.Profile)
	if err != nil || !ok {
		return protocol.NewBatch(), err
	}
	s.reapIfEmpty(g)
	return batch, nil
}

// EjectMember removes the targeted in-game player. Requires the caller
// to own the group and the target to be a member with a live session;
// anything else is a silent no-op. The leave notification carries the
// target's own identity, distinguishing ejection from leaving.
func (s *Service) EjectMember(req *protocol.EjectMember) (*protocol.Batch, error) {
	g, ok, err := s.store.FindGroup(req.GroupID)
	if err != nil || !ok {
		return protocol.NewBatch(), err
	}
	if !s.isOwner(g, req.Identity) {
		s.log.Debug().Str("group", g.ID.String()).Stringer("identity", req.Identity).Msg("eject refused: not owner")
		return protocol.NewBatch(), nil
	}
	var target group.Member
	var found bool
	for _, m := range g.Members {
		if m.Player.Game.ID == req.Player {
			target, found = m, true
			break
		}
	}
	if !found {
		return protocol.NewBatch(), nil
	}
	targetIdentity, online := s.sessions.FindIdentity(target.Player.Profile)
	if !online {
		return protocol.NewBatch(), nil
	}
	batch := s.memberMessages(g, everyone, func(_ identity.Identity, _ group.Member) protocol.Message {
		return &protocol.GroupLeft{ServerIdentity: s.self, GroupID: g.ID, Sender: targetIdentity, Player: target.Player}
	})
	g, ok, err = s.store.RemoveMember(g.ID, target.Player.Profile)
	if err != nil || !ok {
		return protocol.NewBatch(), err
	}
	s.reapIfEmpty(g)
	return batch, nil
}

// TransferOwnership atomically flips the owner role to an accepted
// member and notifies the group of both role changes.
func (s *Service) TransferOwnership(req *protocol.TransferOwnership) (*protocol.Batch, error) {
	g, ok, err := s.store.FindGroup(req.GroupID)
	if err != nil || !ok {
		return protocol.NewBatch(), err
	}
	owner, ok := s.sessions.FindPlayer(req.Identity)
	if !ok {
		return protocol.NewBatch(), nil
	}
	if role, member := g.Role(owner.Profile); !member || role != group.RoleOwner {
		s.log.Debug().Str("group", g.ID.String()).Stringer("identity", req.Identity).Msg("transfer refused: not owner")
		return protocol.NewBatch(), nil
	}
	newOwner, ok := g.Member(req.Profile)
	if !ok || newOwner.State != group.StateAccepted {
		s.log.Debug().Str("group", g.ID.String()).Str("profile", req.Profile.String()).Msg("transfer refused: target not an accepted member")
		return protocol.NewBatch(), nil
	}

	batch := protocol.NewBatch()
	g, ok, err = s.store.UpdateMember(g.ID, req.Profile, group.RoleOwner, group.StateAccepted)
	if err != nil || !ok {
		return protocol.NewBatch(), err
	}
	batch.Concat(s.memberMessages(g, everyone, func(_ identity.Identity, _ group.Member) protocol.Message {
		return &protocol.GroupMemberUpdated{ServerIdentity: s.self, GroupID: g.ID, Player: newOwner.Player, Role: group.RoleOwner}
	}))
	g, ok, err = s.store.UpdateMember(g.ID, owner.Profile, group.RoleMember, group.StateAccepted)
	if err != nil || !ok {
		return protocol.NewBatch(), err
	}
	batch.Concat(s.memberMessages(g, everyone, func(_ identity.Identity, _ group.Member) protocol.Message {
		return &protocol.GroupMemberUpdated{ServerIdentity: s.self, GroupID: g.ID, Player: owner, Role: group.RoleMember}
	}))
	return batch, nil
}

// CreateMessages relays an opaque payload to every accepted member
// except the sender, and records it as the sender's last payload.
func (s *Service) CreateMessages(req *protocol.SendMessage) (*protocol.Batch, error) {
	g, ok, err := s.store.FindGroup(req.GroupID)
	if err != nil || !ok {
		return protocol.NewBatch(), err
	}
	sender, ok := s.sessions.FindPlayer(req.Identity)
	if !ok {
		return protocol.NewBatch(), nil
	}
	if !g.ContainsPlayer(sender.Profile) {
		s.log.Debug().Str("group", g.ID.String()).Stringer("identity", req.Identity).Msg("message refused: not a member")
		return protocol.NewBatch(), nil
	}
	batch := s.memberMessages(g, acceptedExcept(sender.Profile), func(_ identity.Identity, m group.Member) protocol.Message {
		return &protocol.GroupMessage{
			ServerIdentity: s.self,
			Sender:         req.Identity,
			GroupID:        g.ID,
			Player:         m.Player,
			Message:        req.Message,
		}
	})
	if _, _, err := s.store.UpdateMemberPayload(g.ID, sender.Profile, req.Message); err != nil {
		return nil, err
	}
	return batch, nil
}

// AcknowledgeJoin relays a member's per-group keys back to the identity
// that just joined.
func (s *Service) AcknowledgeJoin(req *protocol.AcknowledgeJoin) (*protocol.Batch, error) {
	g, ok, err := s.store.FindGroup(req.GroupID)
	if err != nil || !ok {
		return protocol.NewBatch(), err
	}
	player, ok := s.sessions.FindPlayer(req.Identity)
	if !ok || !g.ContainsPlayer(player.Profile) {
		return protocol.NewBatch(), nil
	}
	return protocol.One(req.Recipient, &protocol.GroupJoinAcknowledged{
		ServerIdentity: s.self,
		Sender:         req.Identity,
		Player:         player,
		Group:          g,
		Keys:           req.Keys,
	}), nil
}

// PlayerIsOnline refreshes the player's record in every group containing
// it, tells the player about those groups, and tells accepted members
// the player came online.
func (s *Service) PlayerIsOnline(id identity.Identity, p group.Player) (*protocol.Batch, error) {
	batch := protocol.NewBatch()
	containing, err := s.store.FindGroupsContaining(p.Profile)
	if err != nil {
		return nil, err
	}
	for _, g := range containing {
		g, ok, err := s.store.UpdatePlayer(g.ID, p)
		if err != nil || !ok {
			return nil, err
		}
		batch.Add(id, &protocol.GroupJoined{ServerIdentity: s.self, GroupID: g.ID, Sender: id, Player: p})
		batch.Concat(s.memberMessages(g, acceptedExcept(p.Profile), func(_ identity.Identity, _ group.Member) protocol.Message {
			return &protocol.GroupMemberUpdated{ServerIdentity: s.self, GroupID: g.ID, Player: p, Status: protocol.StatusOnline}
		}))
	}
	return batch, nil
}

// PlayerIsOffline clears the player's last payload in every containing
// group and broadcasts the offline transition, so presence state never
// outlives the session.
func (s *Service) PlayerIsOffline(p group.Player) (*protocol.Batch, error) {
	batch := protocol.NewBatch()
	containing, err := s.store.FindGroupsContaining(p.Profile)
	if err != nil {
		return nil, err
	}
	for _, g := range containing {
		g, ok, err := s.store.UpdateMemberPayload(g.ID, p.Profile, nil)
		if err != nil || !ok {
			return nil, err
		}
		batch.Concat(s.memberMessages(g, acceptedExcept(p.Profile), func(_ identity.Identity, _ group.Member) protocol.Message {
			return &protocol.GroupMemberUpdated{ServerIdentity: s.self, GroupID: g.ID, Player: p, Status: protocol.StatusOffline}
		}))
	}
	return batch, nil
}

// ReconcileProximity applies a freshly computed spatial clustering:
// groups appear for new clusters and dissolve for broken ones. Unlike
// user groups, nothing here is driven by explicit user action.
func (s *Service) ReconcileProximity(result ProximityResult) (*protocol.Batch, error) {
	batch := protocol.NewBatch()
	for id, cluster := range result.Add {
		g := group.NewProximity(id, cluster.Server)
		staged, added := g.AddMembers(cluster.Players, group.RoleMember, group.StatePending)
		if err := s.store.Upsert(staged); err != nil {
			return nil, err
		}
		batch.Concat(s.membershipInvites(group.Player{}, staged, added))
	}
	for id, cluster := range result.Remove {
		g, ok, err := s.store.FindGroup(id)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		for _, p := range cluster.Players {
			if memberIdentity, online := s.sessions.FindIdentity(p.Profile); online {
				batch.Add(memberIdentity, &protocol.GroupLeft{ServerIdentity: s.self, GroupID: g.ID, Player: p})
			}
		}
		if err := s.store.Delete(g.ID); err != nil {
			return nil, err
		}
	}
	return batch, nil
}

// ---------- helpers ----------

func (s *Service) isOwner(g group.Group, id identity.Identity) bool {
	player, ok := s.sessions.FindPlayer(id)
	if !ok {
		return false
	}
	role, member := g.Role(player.Profile)
	return member && role == group.RoleOwner
}

// membershipInvites addresses a GroupInvite to every pending member of
// members (or of the whole group when members is nil) that is online.
func (s *Service) membershipInvites(sender group.Player, g group.Group, members []group.Member) *protocol.Batch {
	list := members
	if list == nil {
		list = make([]group.Member, 0, len(g.Members))
		for _, m := range g.Members {
			list = append(list, m)
		}
	}
	batch := protocol.NewBatch()
	roster := g.PlayerList()
	for _, m := range list {
		if m.State != group.StatePending {
			continue
		}
		memberIdentity, online := s.sessions.FindIdentity(m.Player.Profile)
		if !online {
			continue
		}
		batch.Add(memberIdentity, &protocol.GroupInvite{
			ServerIdentity: s.self,
			GroupID:        g.ID,
			Type:           g.Type,
			Sender:         sender,
			Members:        roster,
		})
	}
	return batch
}

// memberMessages builds one addressed message per member passing the
// filter that currently has a live session. Offline members are skipped,
// not errors: delivery is presence-gated.
func (s *Service) memberMessages(g group.Group, filter func(group.Member) bool, create func(identity.Identity, group.Member) protocol.Message) *protocol.Batch {
	batch := protocol.NewBatch()
	for _, m := range g.Members {
		if !filter(m) {
			continue
		}
		memberIdentity, online := s.sessions.FindIdentity(m.Player.Profile)
		if !online {
			continue
		}
		batch.Add(memberIdentity, create(memberIdentity, m))
	}
	return batch
}

// reapIfEmpty deletes a group the moment its last member is gone.
func (s *Service) reapIfEmpty(g group.Group) {
	if len(g.Members) != 0 {
		return
	}
	if err := s.store.Delete(g.ID); err != nil {
		s.log.Error().Err(err).Str("group", g.ID.String()).Msg("deleting empty group")
		return
	}
	s.log.Info().Str("group", g.ID.String()).Msg("removed empty group")
}

func everyone(group.Member) bool { return true }

// acceptedExcept matches accepted members other than the given profile.
func acceptedExcept(profile uuid.UUID) func(group.Member) bool {
	return func(m group.Member) bool {
		return m.State == group.StateAccepted && m.Player.Profile != profile
	}
}
