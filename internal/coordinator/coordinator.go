// Package coordinator implements the Cluster Coordinator (C7): a
// Follower/Candidate/Leader state machine per node, quorum and
// split-brain detection, and a probation-windowed recovering set for
// nodes that just came back healthy.
package coordinator

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/marrekt/agentfabric/internal/cluster"
	"github.com/marrekt/agentfabric/internal/logging"
)

// State is one node's position in the leader-election state machine.
type State int

const (
	Follower State = iota
	Candidate
	Leader
)

func (s State) String() string {
	switch s {
	case Follower:
		return "follower"
	case Candidate:
		return "candidate"
	case Leader:
		return "leader"
	default:
		return "unknown"
	}
}

// Snapshot is the immutable cluster view published after every state
// change; Selectors and other readers load it through an atomic pointer
// swap so lookups never block on the coordinator's internal lock.
type Snapshot struct {
	LeaderID       cluster.NodeID
	Term           uint64
	State          State
	QuorumSize     int
	HealthyCount   int
	PartitionState bool
	Recovering     map[cluster.NodeID]time.Time
}

// Config tunes election timing and probation.
type Config struct {
	NodeID           cluster.NodeID
	QuorumSize       int
	ElectionTimeout  time.Duration
	HeartbeatPeriod  time.Duration
	ProbationWindow  time.Duration
	Logger           *logging.Logger
}

func DefaultConfig(self cluster.NodeID, quorum int) Config {
	return Config{
		NodeID:          self,
		QuorumSize:      quorum,
		ElectionTimeout: 500 * time.Millisecond,
		HeartbeatPeriod: 100 * time.Millisecond,
		ProbationWindow: 2 * time.Second,
	}
}

// EventFunc receives every cluster event the coordinator raises.
type EventFunc func(cluster.Event)

// Coordinator is the single writer of cluster-wide leadership and
// partition state; every other field is read through Snapshot via an
// atomic.Pointer so readers are wait-free.
type Coordinator struct {
	cfg Config
	log *logging.Logger
	onEvent EventFunc

	mu         sync.Mutex // guards the fields below; the coordinator loop is the sole writer
	state      State
	term       uint64
	leaderID   cluster.NodeID
	votes      map[cluster.NodeID]bool
	recovering map[cluster.NodeID]time.Time
	partitioned bool

	lastLeaderHeartbeat atomic.Int64 // unix nano

	snapshot atomic.Pointer[Snapshot]
}

// New builds a Coordinator starting as a Follower with no leader known.
func New(cfg Config, onEvent EventFunc) *Coordinator {
	if cfg.QuorumSize <= 0 {
		cfg.QuorumSize = 1
	}
	if cfg.ElectionTimeout <= 0 {
		cfg.ElectionTimeout = DefaultConfig(cfg.NodeID, cfg.QuorumSize).ElectionTimeout
	}
	if cfg.ProbationWindow <= 0 {
		cfg.ProbationWindow = DefaultConfig(cfg.NodeID, cfg.QuorumSize).ProbationWindow
	}
	log := cfg.Logger
	if log == nil {
		log = logging.Default()
	}
	c := &Coordinator{
		cfg:        cfg,
		log:        log,
		onEvent:    onEvent,
		state:      Follower,
		votes:      make(map[cluster.NodeID]bool),
		recovering: make(map[cluster.NodeID]time.Time),
	}
	c.lastLeaderHeartbeat.Store(time.Now().UnixNano())
	c.publish()
	return c
}

// Snapshot returns the current cluster view, wait-free.
func (c *Coordinator) Snapshot() *Snapshot {
	return c.snapshot.Load()
}

func (c *Coordinator) publish() {
	recCopy := make(map[cluster.NodeID]time.Time, len(c.recovering))
	for k, v := range c.recovering {
		recCopy[k] = v
	}
	c.snapshot.Store(&Snapshot{
		LeaderID:       c.leaderID,
		Term:           c.term,
		State:          c.state,
		QuorumSize:     c.cfg.QuorumSize,
		HealthyCount:   c.snapshotHealthyCount(),
		PartitionState: c.partitioned,
		Recovering:     recCopy,
	})
}

// snapshotHealthyCount reuses the last value published (callers update
// it explicitly via OnHealthChange, which holds the lock already).
func (c *Coordinator) snapshotHealthyCount() int {
	if s := c.snapshot.Load(); s != nil {
		return s.HealthyCount
	}
	return 0
}

func (c *Coordinator) emit(kind cluster.EventKind, node cluster.NodeID) {
	if c.onEvent != nil {
		go c.onEvent(cluster.Event{Kind: kind, Node: node})
	}
}

// OnHealthChange recomputes healthy_count and quorum/partition state on
// every health transition, and manages the recovering set's probation
// window per spec.md §4.7.
func (c *Coordinator) OnHealthChange(node cluster.NodeID, healthy bool, healthyCount int, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	wasPartitioned := c.partitioned
	c.partitioned = healthyCount < c.cfg.QuorumSize

	if healthy {
		if _, already := c.recovering[node]; !already {
			c.recovering[node] = now
		}
	} else {
		delete(c.recovering, node)
	}
	c.expireProbationLocked(now)

	if c.leaderID == node && !healthy {
		c.log.Warn("leader reported unhealthy, triggering election", "node", string(node))
		c.becomeCandidateLocked(now)
	}

	snap := &Snapshot{
		LeaderID: c.leaderID, Term: c.term, State: c.state,
		QuorumSize: c.cfg.QuorumSize, HealthyCount: healthyCount,
		PartitionState: c.partitioned, Recovering: cloneRecovering(c.recovering),
	}
	c.snapshot.Store(snap)

	if c.partitioned && !wasPartitioned {
		c.emit(cluster.EventPartitionDetected, c.cfg.NodeID)
	} else if !c.partitioned && wasPartitioned {
		c.emit(cluster.EventPartitionRecovered, c.cfg.NodeID)
	}
}

func cloneRecovering(m map[cluster.NodeID]time.Time) map[cluster.NodeID]time.Time {
	out := make(map[cluster.NodeID]time.Time, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func (c *Coordinator) expireProbationLocked(now time.Time) {
	for id, start := range c.recovering {
		if now.Sub(start) > c.cfg.ProbationWindow {
			delete(c.recovering, id)
		}
	}
}

// InProbation reports whether node is still ramping traffic after
// recovering from unhealthy, and the fair-share fraction it should
// currently receive (linear ramp from 0 to 1 across the probation
// window).
func (c *Coordinator) InProbation(node cluster.NodeID, now time.Time) (inProbation bool, fairShare float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	start, ok := c.recovering[node]
	if !ok {
		return false, 1.0
	}
	elapsed := now.Sub(start)
	if elapsed >= c.cfg.ProbationWindow {
		return false, 1.0
	}
	frac := float64(elapsed) / float64(c.cfg.ProbationWindow)
	if frac < 0 {
		frac = 0
	}
	return true, frac
}

// Heartbeat records that a heartbeat was heard from the current leader,
// resetting the election timeout.
func (c *Coordinator) Heartbeat(leader cluster.NodeID, term uint64, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if term < c.term {
		return // stale heartbeat from a deposed leader
	}
	if term > c.term {
		c.term = term
		c.stepDownLocked()
	}
	c.leaderID = leader
	c.lastLeaderHeartbeat.Store(now.UnixNano())
	c.publish()
}

func (c *Coordinator) stepDownLocked() {
	wasLeader := c.state == Leader
	c.state = Follower
	c.votes = make(map[cluster.NodeID]bool)
	if wasLeader {
		c.emit(cluster.EventBecameFollower, c.cfg.NodeID)
	}
}

// CheckElectionTimeout is called periodically by the host; if no
// heartbeat has been heard from the leader within ElectionTimeout, it
// starts a new election.
func (c *Coordinator) CheckElectionTimeout(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == Leader {
		return
	}
	last := time.Unix(0, c.lastLeaderHeartbeat.Load())
	if now.Sub(last) > c.cfg.ElectionTimeout {
		c.becomeCandidateLocked(now)
	}
}

func (c *Coordinator) becomeCandidateLocked(now time.Time) {
	if c.partitioned {
		// refuse to start an election while below quorum: spec.md §4.7
		// says operations requiring majority are refused during a
		// partition.
		return
	}
	c.state = Candidate
	c.term++
	c.votes = map[cluster.NodeID]bool{c.cfg.NodeID: true}
	c.leaderID = ""
	c.lastLeaderHeartbeat.Store(now.UnixNano())
	c.publish()
}

// ReceiveVote records a vote granted by voter for the current term. Once
// votes constitute a majority of QuorumSize's surrounding cluster size,
// the node becomes Leader.
func (c *Coordinator) ReceiveVote(voter cluster.NodeID, term uint64, clusterSize int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Candidate || term != c.term {
		return
	}
	c.votes[voter] = true
	if len(c.votes) > clusterSize/2 {
		c.state = Leader
		c.leaderID = c.cfg.NodeID
		c.publish()
		c.emit(cluster.EventBecameLeader, c.cfg.NodeID)
	}
}

// ReceiveHigherTerm steps any state down to Follower on hearing a higher
// term, per spec.md §4.7's "On hearing a higher term: any state ->
// Follower."
func (c *Coordinator) ReceiveHigherTerm(term uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if term <= c.term {
		return
	}
	c.term = term
	c.stepDownLocked()
	c.publish()
}

// State returns the coordinator's current state machine position.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Term returns the current term.
func (c *Coordinator) Term() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.term
}
