package health

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/marrekt/agentfabric/internal/cluster"
)

func testNode(id string) cluster.NodeInfo {
	return cluster.NodeInfo{ID: cluster.NodeID(id), Endpoint: id + ":9000"}
}

func TestReportUpdatesAvailabilityEMA(t *testing.T) {
	m := New(DefaultConfig(), nil)
	m.Register(testNode("n1"))

	m.Report("n1", true, 1000, time.Now())
	snap := m.Record("n1").Snapshot()
	require.InDelta(t, 0.95*1.0+0.05, snap.AvailabilityScore, 1e-9)

	m.Report("n1", false, 0, time.Now())
	snap = m.Record("n1").Snapshot()
	require.InDelta(t, 0.95*(0.95*1.0+0.05), snap.AvailabilityScore, 1e-9)
}

func TestHealthTransitionHysteresis(t *testing.T) {
	var mu sync.Mutex
	var transitions []bool
	m := New(Config{FailThreshold: 3, RecoverThreshold: 2, HeartbeatInterval: time.Second}, func(id cluster.NodeID, healthy bool) {
		mu.Lock()
		transitions = append(transitions, healthy)
		mu.Unlock()
	})
	m.Register(testNode("n1"))

	for i := 0; i < 3; i++ {
		m.Report("n1", false, 0, time.Now())
	}
	require.Eventually(t, func() bool {
		return !m.Record("n1").Snapshot().Healthy
	}, time.Second, time.Millisecond)

	// One success isn't enough to recover (R_THRESH = 2).
	m.Report("n1", true, 100, time.Now())
	require.False(t, m.Record("n1").Snapshot().Healthy)

	m.Report("n1", true, 100, time.Now())
	require.Eventually(t, func() bool {
		return m.Record("n1").Snapshot().Healthy
	}, time.Second, time.Millisecond)
}

func TestProbeStaleSynthesizesFailure(t *testing.T) {
	m := New(Config{FailThreshold: 1, RecoverThreshold: 1, HeartbeatInterval: 10 * time.Millisecond}, nil)
	m.Register(testNode("n1"))

	// Force the heartbeat far into the past.
	m.Record("n1").Heartbeat(time.Now().Add(-time.Hour))
	m.ProbeStale(time.Now())

	snap := m.Record("n1").Snapshot()
	require.False(t, snap.Healthy)
	require.Equal(t, uint64(1), snap.FailedRequests)
}

func TestHealthyCount(t *testing.T) {
	m := New(DefaultConfig(), nil)
	m.Register(testNode("n1"))
	m.Register(testNode("n2"))
	require.Equal(t, 2, m.HealthyCount())

	for i := 0; i < int(DefaultConfig().FailThreshold); i++ {
		m.Report("n1", false, 0, time.Now())
	}
	require.Equal(t, 1, m.HealthyCount())
}

func TestSnapshotLoadFactor(t *testing.T) {
	m := New(DefaultConfig(), nil)
	m.Register(testNode("n1"))
	m.Record("n1").SetGauges(0.5, 0.2, 0.1, 10)
	m.Record("n1").SetQueueDepth(50)

	snap := m.Record("n1").Snapshot()
	want := 0.4*0.5 + 0.3*0.2 + 0.2*0.1 + 0.1*0.5
	require.InDelta(t, want, snap.LoadFactor(), 1e-9)
}
