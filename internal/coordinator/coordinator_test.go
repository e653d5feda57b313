package coordinator

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/marrekt/agentfabric/internal/cluster"
)

func collectEvents(c *Coordinator) (*[]cluster.Event, func(cluster.Event)) {
	var mu sync.Mutex
	events := []cluster.Event{}
	return &events, func(e cluster.Event) {
		mu.Lock()
		events = append(events, e)
		mu.Unlock()
	}
}

func TestInitialStateIsFollower(t *testing.T) {
	c := New(DefaultConfig("n1", 1), nil)
	require.Equal(t, Follower, c.State())
}

func TestElectionTimeoutPromotesToCandidateThenLeader(t *testing.T) {
	c := New(Config{NodeID: "n1", QuorumSize: 1, ElectionTimeout: time.Millisecond, ProbationWindow: time.Second}, nil)
	time.Sleep(5 * time.Millisecond)
	c.CheckElectionTimeout(time.Now())
	require.Equal(t, Candidate, c.State())

	c.ReceiveVote("n1", c.Term(), 3) // self-vote already counted; need majority of 3 -> 2
	require.Equal(t, Candidate, c.State())
	c.ReceiveVote("n2", c.Term(), 3)
	require.Equal(t, Leader, c.State())
}

func TestHeartbeatFromHigherTermStepsDownLeader(t *testing.T) {
	c := New(Config{NodeID: "n1", QuorumSize: 1, ElectionTimeout: time.Millisecond}, nil)
	c.CheckElectionTimeout(time.Now().Add(time.Hour))
	c.ReceiveVote("n1", c.Term(), 1)
	require.Equal(t, Leader, c.State())

	c.Heartbeat("n2", c.Term()+1, time.Now())
	require.Equal(t, Follower, c.State())
	require.Equal(t, cluster.NodeID("n2"), c.Snapshot().LeaderID)
}

func TestPartitionDetectedAndRecovered(t *testing.T) {
	events, cb := collectEvents(nil)
	c := New(DefaultConfig("n1", 3), cb)

	c.OnHealthChange("n2", false, 2, time.Now())
	require.Eventually(t, func() bool { return c.Snapshot().PartitionState }, time.Second, time.Millisecond)

	c.OnHealthChange("n2", true, 3, time.Now())
	require.Eventually(t, func() bool { return !c.Snapshot().PartitionState }, time.Second, time.Millisecond)

	require.Eventually(t, func() bool {
		return len(*events) >= 2
	}, time.Second, time.Millisecond)
}

func TestSingleNodeQuorumOneNeverPartitions(t *testing.T) {
	c := New(DefaultConfig("n1", 1), nil)
	c.OnHealthChange("n1", true, 1, time.Now())
	require.False(t, c.Snapshot().PartitionState)
}

func TestLeaderUnhealthyTriggersElection(t *testing.T) {
	c := New(Config{NodeID: "n1", QuorumSize: 1, ElectionTimeout: time.Hour}, nil)
	c.CheckElectionTimeout(time.Now().Add(2 * time.Hour))
	c.ReceiveVote("n1", c.Term(), 1)
	require.Equal(t, Leader, c.State())

	c.mu.Lock()
	c.leaderID = "n1"
	c.mu.Unlock()

	c.OnHealthChange("n1", false, 5, time.Now())
	require.Equal(t, Candidate, c.State())
}

func TestProbationRampsLinearly(t *testing.T) {
	c := New(Config{NodeID: "n1", QuorumSize: 1, ElectionTimeout: time.Hour, ProbationWindow: 100 * time.Millisecond}, nil)
	start := time.Now()
	c.OnHealthChange("n2", true, 1, start)

	in, share := c.InProbation("n2", start.Add(50*time.Millisecond))
	require.True(t, in)
	require.InDelta(t, 0.5, share, 0.1)

	in, share = c.InProbation("n2", start.Add(200*time.Millisecond))
	require.False(t, in)
	require.Equal(t, 1.0, share)
}
