package groups

import (
	"github.com/google/uuid"

	"github.com/orsondmc/coordshare/internal/api/group"
)

// Store is the persistence collaborator for group aggregates. Every
// mutation is a read-modify-write of the whole aggregate and returns the
// reloaded group, so callers never act on a stale in-memory copy. The
// boolean is false when the group does not exist.
type Store interface {
	FindGroup(id uuid.UUID) (group.Group, bool, error)
	FindGroupsContaining(profile uuid.UUID) ([]group.Group, error)
	Upsert(g group.Group) error
	Delete(id uuid.UUID) error

	AddMembers(id uuid.UUID, players []group.Player, role group.MembershipRole, state group.MembershipState) (group.Group, bool, error)
	UpdateMember(id uuid.UUID, profile uuid.UUID, role group.MembershipRole, state group.MembershipState) (group.Group, bool, error)
	RemoveMember(id uuid.UUID, profile uuid.UUID) (group.Group, bool, error)
	UpdatePlayer(id uuid.UUID, p group.Player) (group.Group, bool, error)
	UpdateMemberPayload(id uuid.UUID, profile uuid.UUID, payload []byte) (group.Group, bool, error)
}
