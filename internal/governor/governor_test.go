package governor

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFlowWindowDecreasesUnderCongestion(t *testing.T) {
	g := New(Config{MaxFlowWindow: 1000, MinBatchSize: 1, MaxBatchSize: 100, WindowSamples: 4}, 100)
	start := g.FlowWindow()
	g.Report("n1", 95) // 95% of available bandwidth used -> congested
	require.Less(t, g.FlowWindow(), start)
}

func TestFlowWindowNeverGoesBelowFloor(t *testing.T) {
	g := New(Config{MaxFlowWindow: 1000, MinBatchSize: 1, MaxBatchSize: 100, WindowSamples: 4}, 100)
	for i := 0; i < 200; i++ {
		g.Report("n1", 99)
	}
	require.GreaterOrEqual(t, g.FlowWindow(), 1000*0.25)
}

func TestFlowWindowIncreasesWhenUncongested(t *testing.T) {
	g := New(Config{MaxFlowWindow: 1000, MinBatchSize: 1, MaxBatchSize: 100, WindowSamples: 4}, 100)
	g.Report("n1", 95)
	reduced := g.FlowWindow()
	g.Report("n1", 10)
	require.Greater(t, g.FlowWindow(), reduced)
}

func TestBatchSizeBoundedByConfig(t *testing.T) {
	g := New(Config{MaxFlowWindow: 1000, MinBatchSize: 2, MaxBatchSize: 10, WindowSamples: 4}, 100)
	for i := 0; i < 200; i++ {
		g.Report("n1", 99)
	}
	require.GreaterOrEqual(t, g.BatchSize("n1"), 2)

	for i := 0; i < 200; i++ {
		g.Report("n1", 1)
	}
	require.LessOrEqual(t, g.BatchSize("n1"), 10)
}

func TestEstimatedBandwidthIsMovingAverage(t *testing.T) {
	g := New(Config{MaxFlowWindow: 1000, MinBatchSize: 1, MaxBatchSize: 100, WindowSamples: 2}, 1000)
	g.Report("n1", 10)
	g.Report("n1", 20)
	require.InDelta(t, 15, g.EstimatedBandwidth("n1"), 1e-9)
}

func TestNodesTrackedIndependently(t *testing.T) {
	g := New(DefaultConfig(), 1000)
	g.Report("n1", 900)
	g.Report("n2", 10)
	require.NotEqual(t, g.BatchSize("n1"), 0)
	require.Greater(t, g.EstimatedBandwidth("n2"), 0.0)
}
