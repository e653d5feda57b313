package selector

import (
	"hash/fnv"
	"sort"
	"strconv"

	"github.com/marrekt/agentfabric/internal/cluster"
	"github.com/marrekt/agentfabric/internal/health"
)

// hashRing is an immutable consistent-hash ring: V virtual positions per
// physical node, looked up by the first position >= hash(key).
type hashRing struct {
	positions []uint64
	owners    []cluster.NodeID // owners[i] owns positions[i]
}

func hashKey(s string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(s))
	return h.Sum64()
}

func buildRing(nodeIDs []cluster.NodeID, virtualPerNode int) *hashRing {
	r := &hashRing{}
	for _, id := range nodeIDs {
		for v := 0; v < virtualPerNode; v++ {
			pos := hashKey(string(id) + "#" + strconv.Itoa(v))
			r.positions = append(r.positions, pos)
			r.owners = append(r.owners, id)
		}
	}
	idx := make([]int, len(r.positions))
	for i := range idx {
		idx[i] = i
	}
	sort.Slice(idx, func(i, j int) bool { return r.positions[idx[i]] < r.positions[idx[j]] })

	sortedPos := make([]uint64, len(idx))
	sortedOwners := make([]cluster.NodeID, len(idx))
	for i, p := range idx {
		sortedPos[i] = r.positions[p]
		sortedOwners[i] = r.owners[p]
	}
	r.positions = sortedPos
	r.owners = sortedOwners
	return r
}

// owner returns the node owning the first virtual position >= hash, or
// the first position if hash is past the ring's maximum (wraps around).
func (r *hashRing) owner(hash uint64) cluster.NodeID {
	if len(r.positions) == 0 {
		return ""
	}
	i := sort.Search(len(r.positions), func(i int) bool { return r.positions[i] >= hash })
	if i == len(r.positions) {
		i = 0
	}
	return r.owners[i]
}

// ringNodeKeys returns a stable identity for the healthy-node set so the
// cached ring can be rebuilt exactly when membership changes, not on
// every call.
func ringNodeKeys(nodes []health.Snapshot) string {
	ids := make([]string, len(nodes))
	for i, n := range nodes {
		ids[i] = string(n.Node.ID)
	}
	sort.Strings(ids)
	out := ""
	for _, id := range ids {
		out += id + ","
	}
	return out
}

// pickConsistentHash maps key onto a ring built from every known node
// (all, not just healthy, so an unhealthy hit is reachable) and falls
// back to round-robin over the healthy set if the owning node is
// unhealthy, per spec.md §4.6 #5 and DESIGN.md's Open Question #1 (never
// walks the ring looking for the next healthy node, to bound worst-case
// latency).
func (s *Selector) pickConsistentHash(all, healthy []health.Snapshot, key string) (cluster.NodeID, bool) {
	ids := make([]cluster.NodeID, len(all))
	healthySet := make(map[cluster.NodeID]bool, len(healthy))
	for i, n := range all {
		ids[i] = n.Node.ID
	}
	for _, n := range healthy {
		healthySet[n.Node.ID] = true
	}

	ringKey := ringNodeKeys(all)

	s.ringMu.RLock()
	ring := s.ring
	cached := s.ringKeys
	s.ringMu.RUnlock()

	if ring == nil || cached != ringKey {
		ring = buildRing(ids, s.cfg.VirtualNodesPerNode)
		s.ringMu.Lock()
		s.ring = ring
		s.ringKeys = ringKey
		s.ringMu.Unlock()
	}

	owner := ring.owner(hashKey(key))
	if owner == "" {
		return "", false
	}
	if !healthySet[owner] {
		if len(healthy) == 0 {
			return "", false
		}
		if s.cfg.StrictRingWalk {
			return s.walkRingForHealthy(ring, hashKey(key), healthySet)
		}
		return s.pickRoundRobin(healthy), true
	}
	return owner, true
}

// walkRingForHealthy is the stricter alternative policy (see DESIGN.md
// Open Question #1): walk forward past unhealthy owners instead of
// falling back to round-robin.
func (s *Selector) walkRingForHealthy(ring *hashRing, hash uint64, healthy map[cluster.NodeID]bool) (cluster.NodeID, bool) {
	if len(ring.positions) == 0 {
		return "", false
	}
	start := sort.Search(len(ring.positions), func(i int) bool { return ring.positions[i] >= hash })
	for i := 0; i < len(ring.positions); i++ {
		idx := (start + i) % len(ring.positions)
		if healthy[ring.owners[idx]] {
			return ring.owners[idx], true
		}
	}
	return "", false
}
