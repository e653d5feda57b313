// Package health implements the Node Health Monitor: per-node EMA
// availability scoring, hysteresis-gated healthy/unhealthy transitions,
// and staleness synthesis for nodes that have stopped heartbeating.
package health

import (
	"math"
	"sync/atomic"
	"time"

	"github.com/marrekt/agentfabric/internal/cluster"
)

// emaAlpha is the exponential-moving-average retention factor for the
// availability score: s ← 0.95*s + 0.05 on success, s ← 0.95*s on failure.
const emaAlpha = 0.95

// atomicFloat64 packs/unpacks a float64 through an atomic.Uint64, since the
// record's shared-resource policy is "single writer per field via
// atomics; no lock" and Go has no atomic.Float64 in this module's target
// Go version.
type atomicFloat64 struct{ bits atomic.Uint64 }

func (f *atomicFloat64) load() float64 {
	return math.Float64frombits(f.bits.Load())
}

func (f *atomicFloat64) store(v float64) {
	f.bits.Store(math.Float64bits(v))
}

// Record is one node's health state, sized and field-partitioned so every
// field has exactly one writer updating it via atomics, per spec's
// shared-resource policy for Node Health Records.
type Record struct {
	Node cluster.NodeInfo

	totalRequests      atomic.Uint64
	successfulRequests atomic.Uint64
	failedRequests     atomic.Uint64
	totalResponseNs    atomic.Uint64
	activeConnections  atomic.Int64
	queueDepth         atomic.Int64

	cpuPct     atomicFloat64
	memPct     atomicFloat64
	netPct     atomicFloat64
	messagesPerSec atomicFloat64

	availability atomicFloat64

	consecutiveFailures atomic.Int32
	consecutiveSuccesses atomic.Int32

	healthy atomic.Bool

	estimatedBandwidth atomicFloat64

	lastHeartbeatUnixNano atomic.Int64
}

// NewRecord creates a Record for node in the initial healthy state (no
// observations yet, consecutive_failures = 0 satisfies the healthy
// predicate per spec.md §3).
func NewRecord(node cluster.NodeInfo, now time.Time) *Record {
	r := &Record{Node: node}
	r.availability.store(1.0)
	r.healthy.Store(true)
	r.lastHeartbeatUnixNano.Store(now.UnixNano())
	return r
}

// Snapshot is an immutable point-in-time copy of a Record, safe to read
// without racing the writer.
type Snapshot struct {
	Node                 cluster.NodeInfo
	TotalRequests        uint64
	SuccessfulRequests   uint64
	FailedRequests       uint64
	AvgLatencyNs         float64
	ActiveConnections    int64
	QueueDepth           int64
	CPUPct               float64
	MemPct               float64
	NetPct               float64
	MessagesPerSec       float64
	AvailabilityScore    float64
	ConsecutiveFailures  int32
	ConsecutiveSuccesses int32
	Healthy              bool
	EstimatedBandwidth   float64
	LastHeartbeat        time.Time
}

// LoadFactor computes the weighted load used by the least-loaded and
// adaptive selector algorithms: 0.4*cpu + 0.3*mem + 0.2*net + 0.1*queue,
// queue depth normalized against an arbitrary saturation point of 100
// in-flight items so it contributes on a comparable [0,1] scale.
func (s Snapshot) LoadFactor() float64 {
	queueNorm := float64(s.QueueDepth) / 100
	if queueNorm > 1 {
		queueNorm = 1
	}
	return 0.4*s.CPUPct + 0.3*s.MemPct + 0.2*s.NetPct + 0.1*queueNorm
}

// Snapshot copies out a consistent-enough view of the record. Because
// every field is independently atomic there is no global lock, so a
// concurrent writer may interleave between fields; callers needing
// load-balancing decisions, not exact point-in-time consistency, accept
// this per spec's shared-resource policy.
func (r *Record) Snapshot() Snapshot {
	total := r.totalRequests.Load()
	var avgLatency float64
	if total > 0 {
		avgLatency = float64(r.totalResponseNs.Load()) / float64(total)
	}
	return Snapshot{
		Node:                 r.Node,
		TotalRequests:        total,
		SuccessfulRequests:   r.successfulRequests.Load(),
		FailedRequests:       r.failedRequests.Load(),
		AvgLatencyNs:         avgLatency,
		ActiveConnections:    r.activeConnections.Load(),
		QueueDepth:           r.queueDepth.Load(),
		CPUPct:               r.cpuPct.load(),
		MemPct:               r.memPct.load(),
		NetPct:               r.netPct.load(),
		MessagesPerSec:       r.messagesPerSec.load(),
		AvailabilityScore:    r.availability.load(),
		ConsecutiveFailures:  r.consecutiveFailures.Load(),
		ConsecutiveSuccesses: r.consecutiveSuccesses.Load(),
		Healthy:              r.healthy.Load(),
		EstimatedBandwidth:   r.estimatedBandwidth.load(),
		LastHeartbeat:        time.Unix(0, r.lastHeartbeatUnixNano.Load()),
	}
}

// SetGauges updates the sampled resource gauges; called by the host on
// each sample tick, independent of request outcomes.
func (r *Record) SetGauges(cpuPct, memPct, netPct, messagesPerSec float64) {
	r.cpuPct.store(cpuPct)
	r.memPct.store(memPct)
	r.netPct.store(netPct)
	r.messagesPerSec.store(messagesPerSec)
}

// SetQueueDepth updates the queue-depth gauge consulted by the
// least-loaded selector.
func (r *Record) SetQueueDepth(depth int64) {
	r.queueDepth.Store(depth)
}

// SetActiveConnections updates the active-connection gauge.
func (r *Record) SetActiveConnections(n int64) {
	r.activeConnections.Store(n)
}

// SetEstimatedBandwidth updates the moving-average bandwidth estimate,
// computed by the caller (the Bandwidth Governor) over its own sample
// window.
func (r *Record) SetEstimatedBandwidth(bps float64) {
	r.estimatedBandwidth.store(bps)
}

// Heartbeat records that the node was heard from at now, for staleness
// detection.
func (r *Record) Heartbeat(now time.Time) {
	r.lastHeartbeatUnixNano.Store(now.UnixNano())
}
