package server

import (
	"github.com/rs/zerolog"

	"github.com/orsondmc/coordshare/internal/api/group"
	"github.com/orsondmc/coordshare/internal/groups"
	"github.com/orsondmc/coordshare/internal/identity"
	"github.com/orsondmc/coordshare/internal/protocol"
)

// GroupsHandler routes group requests to the coordination service and
// fans out whatever batch each operation yields.
type GroupsHandler struct {
	service  *groups.Service
	tracker  *groups.ProximityTracker
	sessions groups.SessionLookup
	log      zerolog.Logger
}

// NewGroupsHandler wires the handler. tracker may be nil to disable
// server-synthesized proximity groups.
func NewGroupsHandler(service *groups.Service, tracker *groups.ProximityTracker, sessions groups.SessionLookup, log zerolog.Logger) *GroupsHandler {
	return &GroupsHandler{
		service:  service,
		tracker:  tracker,
		sessions: sessions,
		log:      log.With().Str("component", "groups").Logger(),
	}
}

func (h *GroupsHandler) Handle(req protocol.Message, send SendFunc) bool {
	var (
		batch *protocol.Batch
		err   error
	)
	switch msg := req.(type) {
	case *protocol.CreateGroup:
		batch, err = h.service.CreateGroup(msg)
	case *protocol.DeleteGroup:
		batch, err = h.service.DeleteGroup(msg)
	case *protocol.Invite:
		batch, err = h.service.Invite(msg)
	case *protocol.JoinGroup:
		batch, err = h.service.AcceptMembership(msg)
	case *protocol.LeaveGroup:
		batch, err = h.service.LeaveGroup(msg)
	case *protocol.EjectMember:
		batch, err = h.service.EjectMember(msg)
	case *protocol.TransferOwnership:
		batch, err = h.service.TransferOwnership(msg)
	case *protocol.SendMessage:
		batch, err = h.service.CreateMessages(msg)
	case *protocol.AcknowledgeJoin:
		batch, err = h.service.AcknowledgeJoin(msg)
	case *protocol.UpdatePosition:
		if player, ok := h.sessions.FindPlayer(msg.Identity); ok {
			h.UpdatePosition(player, msg.X, msg.Y, msg.Z, send)
		}
		return true
	default:
		return false
	}
	if err != nil {
		h.log.Error().Err(err).Str("type", string(req.MessageType())).Msg("group operation failed")
		return true
	}
	send(batch)
	return true
}

// OnSessionStarted marks the player online in every group containing it.
func (h *GroupsHandler) OnSessionStarted(id identity.Identity, player group.Player, send SendFunc) {
	batch, err := h.service.PlayerIsOnline(id, player)
	if err != nil {
		h.log.Error().Err(err).Stringer("identity", id).Msg("player-online transition failed")
		return
	}
	send(batch)
}

// OnSessionStopping marks the player offline and dissolves any proximity
// clusters that depended on its position.
func (h *GroupsHandler) OnSessionStopping(id identity.Identity, player group.Player, send SendFunc) {
	batch, err := h.service.PlayerIsOffline(player)
	if err != nil {
		h.log.Error().Err(err).Stringer("identity", id).Msg("player-offline transition failed")
		return
	}
	send(batch)

	if h.tracker == nil {
		return
	}
	if result := h.tracker.Remove(player); !result.Empty() {
		h.reconcile(result, send)
	}
}

// UpdatePosition feeds a position sample into the proximity tracker and
// reconciles any cluster changes it caused.
func (h *GroupsHandler) UpdatePosition(player group.Player, x, y, z float64, send SendFunc) {
	if h.tracker == nil {
		return
	}
	if result := h.tracker.Update(player, x, y, z); !result.Empty() {
		h.reconcile(result, send)
	}
}

func (h *GroupsHandler) reconcile(result groups.ProximityResult, send SendFunc) {
	batch, err := h.service.ReconcileProximity(result)
	if err != nil {
		h.log.Error().Err(err).Msg("reconciling proximity clusters")
		return
	}
	send(batch)
}

var _ Handler = (*GroupsHandler)(nil)
