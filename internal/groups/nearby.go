package groups

import (
	"math"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/orsondmc/coordshare/internal/api/group"
)

// ProximityCluster is a set of players standing near each other on one
// server.
type ProximityCluster struct {
	Server  string
	Players []group.Player
}

// ProximityResult is the diff between two spatial computations: clusters
// that formed and clusters that broke apart, keyed by the proximity
// group id assigned to each.
type ProximityResult struct {
	Add    map[uuid.UUID]ProximityCluster
	Remove map[uuid.UUID]ProximityCluster
}

// Empty reports whether the result carries no changes.
func (r ProximityResult) Empty() bool {
	return len(r.Add) == 0 && len(r.Remove) == 0
}

type trackedPlayer struct {
	player  group.Player
	x, y, z float64
}

type clusterEntry struct {
	id      uuid.UUID
	cluster ProximityCluster
}

// ProximityTracker ingests position updates and recomputes adjacency
// clusters per server. Two players belong to the same cluster when a
// chain of pairwise distances within the radius connects them. The
// caller feeds each non-empty result into Service.ReconcileProximity.
type ProximityTracker struct {
	radius float64

	mu        sync.Mutex
	positions map[string]map[uuid.UUID]trackedPlayer
	clusters  map[string]map[string]clusterEntry
}

// NewProximityTracker tracks adjacency within radius world units.
func NewProximityTracker(radius float64) *ProximityTracker {
	return &ProximityTracker{
		radius:    radius,
		positions: make(map[string]map[uuid.UUID]trackedPlayer),
		clusters:  make(map[string]map[string]clusterEntry),
	}
}

// Update records the player's position and returns the cluster changes
// it caused.
func (t *ProximityTracker) Update(p group.Player, x, y, z float64) ProximityResult {
	t.mu.Lock()
	defer t.mu.Unlock()
	server := p.Game.Server
	if t.positions[server] == nil {
		t.positions[server] = make(map[uuid.UUID]trackedPlayer)
	}
	t.positions[server][p.Profile] = trackedPlayer{player: p, x: x, y: y, z: z}
	return t.recompute(server)
}

// Remove forgets the player, dissolving any cluster that depended on it.
func (t *ProximityTracker) Remove(p group.Player) ProximityResult {
	t.mu.Lock()
	defer t.mu.Unlock()
	server := p.Game.Server
	delete(t.positions[server], p.Profile)
	return t.recompute(server)
}

func (t *ProximityTracker) recompute(server string) ProximityResult {
	players := t.positions[server]
	next := make(map[string]clusterEntry)

	// Connected components over the "within radius" relation.
	profiles := make([]uuid.UUID, 0, len(players))
	for id := range players {
		profiles = append(profiles, id)
	}
	sort.Slice(profiles, func(i, j int) bool {
		return strings.Compare(profiles[i].String(), profiles[j].String()) < 0
	})
	parent := make(map[uuid.UUID]uuid.UUID, len(profiles))
	for _, id := range profiles {
		parent[id] = id
	}
	var find func(uuid.UUID) uuid.UUID
	find = func(id uuid.UUID) uuid.UUID {
		if parent[id] != id {
			parent[id] = find(parent[id])
		}
		return parent[id]
	}
	for i := 0; i < len(profiles); i++ {
		for j := i + 1; j < len(profiles); j++ {
			a, b := players[profiles[i]], players[profiles[j]]
			if distance(a, b) <= t.radius {
				parent[find(profiles[i])] = find(profiles[j])
			}
		}
	}

	components := make(map[uuid.UUID][]group.Player)
	for _, id := range profiles {
		root := find(id)
		components[root] = append(components[root], players[id].player)
	}
	for _, member := range components {
		if len(member) < 2 {
			continue
		}
		key := clusterKey(member)
		entry, known := t.clusters[server][key]
		if !known {
			entry = clusterEntry{id: uuid.New(), cluster: ProximityCluster{Server: server, Players: member}}
		}
		next[key] = entry
	}

	result := ProximityResult{
		Add:    make(map[uuid.UUID]ProximityCluster),
		Remove: make(map[uuid.UUID]ProximityCluster),
	}
	for key, entry := range next {
		if _, existed := t.clusters[server][key]; !existed {
			result.Add[entry.id] = entry.cluster
		}
	}
	for key, entry := range t.clusters[server] {
		if _, still := next[key]; !still {
			result.Remove[entry.id] = entry.cluster
		}
	}
	t.clusters[server] = next
	return result
}

func distance(a, b trackedPlayer) float64 {
	dx, dy, dz := a.x-b.x, a.y-b.y, a.z-b.z
	return math.Sqrt(dx*dx + dy*dy + dz*dz)
}

// clusterKey is stable for a given member set regardless of order.
func clusterKey(members []group.Player) string {
	ids := make([]string, 0, len(members))
	for _, p := range members {
		ids = append(ids, p.Profile.String())
	}
	sort.Strings(ids)
	return strings.Join(ids, ",")
}
