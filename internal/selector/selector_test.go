package selector

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/marrekt/agentfabric/internal/cluster"
	"github.com/marrekt/agentfabric/internal/health"
)

type fakeHealth struct {
	snap map[cluster.NodeID]health.Snapshot
}

func (f *fakeHealth) Snapshot() map[cluster.NodeID]health.Snapshot { return f.snap }

func node(id string, healthy bool) health.Snapshot {
	return health.Snapshot{Node: cluster.NodeInfo{ID: cluster.NodeID(id)}, Healthy: healthy, AvailabilityScore: 1}
}

func TestPickReturnsFalseWhenNoHealthyNodes(t *testing.T) {
	s := New(DefaultConfig(), &fakeHealth{snap: map[cluster.NodeID]health.Snapshot{
		"a": node("a", false),
	}})
	_, ok := s.Pick(RoundRobin, "")
	require.False(t, ok)
}

func TestRoundRobinDistributesEvenly(t *testing.T) {
	snap := map[cluster.NodeID]health.Snapshot{
		"a": node("a", true), "b": node("b", true), "c": node("c", true),
	}
	s := New(DefaultConfig(), &fakeHealth{snap: snap})

	counts := map[cluster.NodeID]int{}
	const total = 300
	for i := 0; i < total; i++ {
		id, ok := s.Pick(RoundRobin, "")
		require.True(t, ok)
		counts[id]++
	}
	for _, c := range counts {
		require.Equal(t, total/3, c)
	}
}

func TestLeastLoadedPicksLowestLoad(t *testing.T) {
	a := node("a", true)
	a.CPUPct, a.MemPct, a.NetPct = 0.9, 0.9, 0.9
	b := node("b", true)
	b.CPUPct, b.MemPct, b.NetPct = 0.1, 0.1, 0.1

	s := New(DefaultConfig(), &fakeHealth{snap: map[cluster.NodeID]health.Snapshot{"a": a, "b": b}})
	id, ok := s.Pick(LeastLoaded, "")
	require.True(t, ok)
	require.Equal(t, cluster.NodeID("b"), id)
}

func TestLatencyPicksLowestAverageAmongSampledNodes(t *testing.T) {
	a := node("a", true)
	a.TotalRequests, a.AvgLatencyNs = 10, 500
	b := node("b", true)
	b.TotalRequests, b.AvgLatencyNs = 10, 50

	s := New(DefaultConfig(), &fakeHealth{snap: map[cluster.NodeID]health.Snapshot{"a": a, "b": b}})
	id, ok := s.Pick(Latency, "")
	require.True(t, ok)
	require.Equal(t, cluster.NodeID("b"), id)
}

func TestAdaptivePrefersLessLoadedNode(t *testing.T) {
	a := node("a", true)
	a.CPUPct, a.MemPct, a.NetPct = 0.9, 0.9, 0.9
	a.AvailabilityScore = 1
	b := node("b", true)
	b.CPUPct, b.MemPct, b.NetPct = 0.1, 0.1, 0.1
	b.AvailabilityScore = 1

	s := New(DefaultConfig(), &fakeHealth{snap: map[cluster.NodeID]health.Snapshot{"a": a, "b": b}})

	bCount := 0
	for i := 0; i < 1000; i++ {
		id, ok := s.Pick(Adaptive, "")
		require.True(t, ok)
		if id == "b" {
			bCount++
		}
	}
	require.GreaterOrEqual(t, bCount, 700)
}

func TestConsistentHashStableForSameKey(t *testing.T) {
	snap := map[cluster.NodeID]health.Snapshot{
		"a": node("a", true), "b": node("b", true), "c": node("c", true), "d": node("d", true),
	}
	s := New(DefaultConfig(), &fakeHealth{snap: snap})

	first, ok := s.Pick(ConsistentHash, "agent-42")
	require.True(t, ok)
	for i := 0; i < 20; i++ {
		id, ok := s.Pick(ConsistentHash, "agent-42")
		require.True(t, ok)
		require.Equal(t, first, id)
	}
}

func TestConsistentHashLowRelocationOnNodeRemoval(t *testing.T) {
	snap := map[cluster.NodeID]health.Snapshot{
		"a": node("a", true), "b": node("b", true), "c": node("c", true), "d": node("d", true),
	}
	s := New(DefaultConfig(), &fakeHealth{snap: snap})

	const keys = 1000
	before := make(map[int]cluster.NodeID, keys)
	for i := 0; i < keys; i++ {
		id, _ := s.Pick(ConsistentHash, fmt.Sprintf("key-%d", i))
		before[i] = id
	}

	snap2 := map[cluster.NodeID]health.Snapshot{
		"a": node("a", true), "b": node("b", true), "c": node("c", true),
	}
	s2 := New(DefaultConfig(), &fakeHealth{snap: snap2})

	moved := 0
	for i := 0; i < keys; i++ {
		id, _ := s2.Pick(ConsistentHash, fmt.Sprintf("key-%d", i))
		if id != before[i] {
			moved++
		}
	}
	require.Less(t, moved, keys*30/100)
}

func TestConsistentHashFallsBackToRoundRobinOnUnhealthyOwner(t *testing.T) {
	// With a unhealthy and b the only healthy node, a key owned by a falls
	// back rather than returning the unhealthy owner, and a key owned by b
	// maps to b directly; either way the pick is b.
	snap := map[cluster.NodeID]health.Snapshot{
		"a": node("a", false),
		"b": node("b", true),
	}
	s := New(DefaultConfig(), &fakeHealth{snap: snap})
	id, ok := s.Pick(ConsistentHash, "whatever")
	require.True(t, ok)
	require.Equal(t, cluster.NodeID("b"), id)
}
