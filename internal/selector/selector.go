// Package selector implements the Load-Balanced Selector (C6): five
// pluggable node-selection algorithms consulted by callers routing
// messages to remote cluster nodes.
package selector

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/marrekt/agentfabric/internal/cluster"
	"github.com/marrekt/agentfabric/internal/health"
)

// Algorithm names one of the five selection strategies.
type Algorithm string

const (
	RoundRobin     Algorithm = "round_robin"
	LeastLoaded    Algorithm = "least_loaded"
	Latency        Algorithm = "latency"
	Adaptive       Algorithm = "adaptive"
	ConsistentHash Algorithm = "consistent_hash"
)

// HealthSource is the subset of health.Monitor the selector depends on,
// narrowed to an interface so tests can inject a fake without spinning
// up a real Monitor.
type HealthSource interface {
	Snapshot() map[cluster.NodeID]health.Snapshot
}

// Config configures the ring density for consistent hashing and whether
// an unhealthy first ring hit walks forward or falls back to
// round-robin (see DESIGN.md Open Question #1).
type Config struct {
	VirtualNodesPerNode int
	StrictRingWalk      bool
}

// DefaultConfig matches spec.md §8's "V=100" consistent-hash scenario.
func DefaultConfig() Config {
	return Config{VirtualNodesPerNode: 100, StrictRingWalk: false}
}

// Selector picks a node per one of five algorithms, all reading through
// a HealthSource so selection always reflects current health/load.
type Selector struct {
	cfg    Config
	health HealthSource

	rrCounter atomic.Uint64

	ringMu   sync.RWMutex
	ring     *hashRing
	ringKeys string // comma-joined node ids (healthy or not) the ring was built from, to detect staleness
}

// New builds a Selector reading node state from src.
func New(cfg Config, src HealthSource) *Selector {
	if cfg.VirtualNodesPerNode <= 0 {
		cfg.VirtualNodesPerNode = DefaultConfig().VirtualNodesPerNode
	}
	return &Selector{cfg: cfg, health: src}
}

func healthyNodes(snap map[cluster.NodeID]health.Snapshot) []health.Snapshot {
	out := make([]health.Snapshot, 0, len(snap))
	for _, s := range snap {
		if s.Healthy {
			out = append(out, s)
		}
	}
	return out
}

// Pick selects a node using alg. key is only consulted by ConsistentHash.
// Returns ErrNoHealthyNode (via ok=false) when no node is healthy.
func (s *Selector) Pick(alg Algorithm, key string) (cluster.NodeID, bool) {
	full := s.health.Snapshot()
	nodes := healthyNodes(full)

	if alg == ConsistentHash {
		// The ring is built over every known node, healthy or not, so a
		// key can legitimately hash onto an unhealthy owner and trigger
		// the documented fallback; restricting the ring to only healthy
		// nodes would make that edge case unreachable.
		if len(full) == 0 {
			return "", false
		}
		return s.pickConsistentHash(full, nodes, key)
	}

	if len(nodes) == 0 {
		return "", false
	}

	switch alg {
	case LeastLoaded:
		return s.pickLeastLoaded(nodes), true
	case Latency:
		return s.pickLatency(nodes), true
	case Adaptive:
		return s.pickAdaptive(nodes), true
	default:
		return s.pickRoundRobin(nodes), true
	}
}

// pickRoundRobin advances a shared atomic counter mod the healthy count.
// Node order is stabilized by sorting on ID so consecutive calls observe
// a consistent cycle even though Snapshot returns a map.
func (s *Selector) pickRoundRobin(nodes []health.Snapshot) cluster.NodeID {
	sortByID(nodes)
	idx := s.rrCounter.Add(1) - 1
	return nodes[int(idx%uint64(len(nodes)))].Node.ID
}

// pickLeastLoaded returns the argmin of the weighted load factor.
func (s *Selector) pickLeastLoaded(nodes []health.Snapshot) cluster.NodeID {
	best := nodes[0]
	bestLoad := best.LoadFactor()
	for _, n := range nodes[1:] {
		if l := n.LoadFactor(); l < bestLoad {
			best, bestLoad = n, l
		}
	}
	return best.Node.ID
}

// pickLatency returns the argmin of average response time among nodes
// that have served at least one request; nodes with zero requests are
// skipped since they have no latency signal yet, falling back to
// round-robin if every healthy node is request-less.
func (s *Selector) pickLatency(nodes []health.Snapshot) cluster.NodeID {
	var best *health.Snapshot
	for i := range nodes {
		n := &nodes[i]
		if n.TotalRequests == 0 {
			continue
		}
		if best == nil || n.AvgLatencyNs < best.AvgLatencyNs {
			best = n
		}
	}
	if best == nil {
		return s.pickRoundRobin(nodes)
	}
	return best.Node.ID
}

// pickAdaptive returns the argmax of a blended availability/latency/load
// score per spec.md §4.6 #4.
func (s *Selector) pickAdaptive(nodes []health.Snapshot) cluster.NodeID {
	best := nodes[0]
	bestScore := adaptiveScore(best)
	for _, n := range nodes[1:] {
		if sc := adaptiveScore(n); sc > bestScore {
			best, bestScore = n, sc
		}
	}
	return best.Node.ID
}

func adaptiveScore(n health.Snapshot) float64 {
	avgLatencyMs := n.AvgLatencyNs / 1e6
	latencyScore := 1 / (1 + avgLatencyMs)
	loadScore := 1 - n.LoadFactor()
	return 0.3*n.AvailabilityScore + 0.4*latencyScore + 0.3*loadScore
}

func sortByID(nodes []health.Snapshot) {
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].Node.ID < nodes[j].Node.ID })
}
