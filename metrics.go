package fabric

import (
	"sync/atomic"
	"time"

	"github.com/marrekt/agentfabric/internal/envelope"
)

// LatencyBuckets defines the send latency histogram buckets in
// nanoseconds (Fabric.Send measures from its start to the transport
// enqueue), spanning the fabric's own
// latency targets: 50ns for CRITICAL up through a journal's ~10µs and
// whatever BATCH's deferred-consumption delay turns out to be.
var LatencyBuckets = []uint64{
	100,           // 100ns
	1_000,         // 1us
	10_000,        // 10us
	100_000,       // 100us
	1_000_000,     // 1ms
	10_000_000,    // 10ms
	100_000_000,   // 100ms
	1_000_000_000, // 1s
}

const numLatencyBuckets = 8

// Metrics tracks fabric-wide operational counters, one set of
// per-priority send/drop counts plus a shared send latency histogram.
type Metrics struct {
	Sent    [envelope.NumPriorities]atomic.Uint64
	Dropped [envelope.NumPriorities]atomic.Uint64

	TransportUnavailable atomic.Uint64
	TasksCompleted        atomic.Uint64
	TasksFailed           atomic.Uint64
	CircuitBreakerTrips   atomic.Uint64

	TotalLatencyNs atomic.Uint64
	OpCount        atomic.Uint64
	LatencyBuckets [numLatencyBuckets]atomic.Uint64

	StartTime atomic.Int64
	StopTime  atomic.Int64
}

// NewMetrics creates a metrics instance with StartTime stamped to now.
// now is passed in by the caller rather than read from time.Now()
// here, so tests can control elapsed-time calculations.
func NewMetrics(now time.Time) *Metrics {
	m := &Metrics{}
	m.StartTime.Store(now.UnixNano())
	return m
}

// RecordSend records a successful enqueue onto priority's transport.
func (m *Metrics) RecordSend(p envelope.Priority, latencyNs uint64) {
	m.Sent[priorityIndex(p)].Add(1)
	m.recordLatency(latencyNs)
}

// RecordDrop records a Send that returned Full/Unavailable for priority.
func (m *Metrics) RecordDrop(p envelope.Priority) {
	m.Dropped[priorityIndex(p)].Add(1)
}

// RecordTransportUnavailable records a Selector.Send that found every
// candidate transport saturated.
func (m *Metrics) RecordTransportUnavailable() {
	m.TransportUnavailable.Add(1)
}

// RecordTaskCompleted and RecordTaskFailed mirror dispatch.Metrics so the
// fabric-wide snapshot can report dispatcher health alongside transport
// health without callers reading two separate metrics objects.
func (m *Metrics) RecordTaskCompleted() { m.TasksCompleted.Add(1) }
func (m *Metrics) RecordTaskFailed()    { m.TasksFailed.Add(1) }
func (m *Metrics) RecordCircuitBreakerTrip() { m.CircuitBreakerTrips.Add(1) }

func (m *Metrics) recordLatency(latencyNs uint64) {
	m.TotalLatencyNs.Add(latencyNs)
	m.OpCount.Add(1)
	for i, bucket := range LatencyBuckets {
		if latencyNs <= bucket {
			m.LatencyBuckets[i].Add(1)
		}
	}
}

// Stop stamps StopTime so Snapshot reports a fixed uptime instead of one
// that keeps growing after shutdown.
func (m *Metrics) Stop(now time.Time) {
	m.StopTime.Store(now.UnixNano())
}

func priorityIndex(p envelope.Priority) int { return int(p) }

// Snapshot is a point-in-time, race-free copy of Metrics for callers
// that want to log or export a consistent view.
type Snapshot struct {
	Sent    [envelope.NumPriorities]uint64
	Dropped [envelope.NumPriorities]uint64

	TransportUnavailable uint64
	TasksCompleted       uint64
	TasksFailed          uint64
	CircuitBreakerTrips  uint64

	AvgLatencyNs uint64
	UptimeNs     uint64

	LatencyP50Ns  uint64
	LatencyP99Ns  uint64
	LatencyP999Ns uint64

	LatencyHistogram [numLatencyBuckets]uint64

	TotalSent    uint64
	TotalDropped uint64
	DropRate     float64 // percentage
}

// Snapshot copies out every counter and derives the percentile/rate
// fields, following the teacher's Metrics.Snapshot calculation shape.
func (m *Metrics) Snapshot(now time.Time) Snapshot {
	var snap Snapshot
	for i := range m.Sent {
		snap.Sent[i] = m.Sent[i].Load()
		snap.Dropped[i] = m.Dropped[i].Load()
		snap.TotalSent += snap.Sent[i]
		snap.TotalDropped += snap.Dropped[i]
	}
	snap.TransportUnavailable = m.TransportUnavailable.Load()
	snap.TasksCompleted = m.TasksCompleted.Load()
	snap.TasksFailed = m.TasksFailed.Load()
	snap.CircuitBreakerTrips = m.CircuitBreakerTrips.Load()

	opCount := m.OpCount.Load()
	totalLatency := m.TotalLatencyNs.Load()
	if opCount > 0 {
		snap.AvgLatencyNs = totalLatency / opCount
	}

	start := m.StartTime.Load()
	stop := m.StopTime.Load()
	if stop > 0 {
		snap.UptimeNs = uint64(stop - start)
	} else {
		snap.UptimeNs = uint64(now.UnixNano() - start)
	}

	for i := 0; i < numLatencyBuckets; i++ {
		snap.LatencyHistogram[i] = m.LatencyBuckets[i].Load()
	}
	if opCount > 0 {
		snap.LatencyP50Ns = m.percentile(0.50)
		snap.LatencyP99Ns = m.percentile(0.99)
		snap.LatencyP999Ns = m.percentile(0.999)
	}

	total := snap.TotalSent + snap.TotalDropped
	if total > 0 {
		snap.DropRate = float64(snap.TotalDropped) / float64(total) * 100.0
	}
	return snap
}

// percentile linearly interpolates within the histogram bucket
// straddling the target percentile, same approach as the teacher's
// calculatePercentile.
func (m *Metrics) percentile(p float64) uint64 {
	total := m.OpCount.Load()
	if total == 0 {
		return 0
	}
	target := uint64(float64(total) * p)

	prevBucketNs := uint64(0)
	prevCount := uint64(0)
	for i, bucketNs := range LatencyBuckets {
		count := m.LatencyBuckets[i].Load()
		if count >= target {
			if count == prevCount {
				return bucketNs
			}
			fraction := float64(target-prevCount) / float64(count-prevCount)
			return prevBucketNs + uint64(fraction*float64(bucketNs-prevBucketNs))
		}
		prevBucketNs = bucketNs
		prevCount = count
	}
	return LatencyBuckets[numLatencyBuckets-1]
}

// Observer allows pluggable metrics collection, mirroring the teacher's
// Observer/NoOpObserver split so a caller that doesn't want metrics
// overhead can supply NoOpObserver instead of disabling instrumentation
// throughout the codebase with conditionals.
type Observer interface {
	ObserveSend(priority envelope.Priority, latencyNs uint64, dropped bool)
	ObserveTaskOutcome(failed bool)
}

// NoOpObserver discards every observation.
type NoOpObserver struct{}

func (NoOpObserver) ObserveSend(envelope.Priority, uint64, bool) {}
func (NoOpObserver) ObserveTaskOutcome(bool)                     {}

// MetricsObserver implements Observer by recording into a Metrics.
type MetricsObserver struct {
	metrics *Metrics
}

func NewMetricsObserver(m *Metrics) *MetricsObserver {
	return &MetricsObserver{metrics: m}
}

func (o *MetricsObserver) ObserveSend(p envelope.Priority, latencyNs uint64, dropped bool) {
	if dropped {
		o.metrics.RecordDrop(p)
		return
	}
	o.metrics.RecordSend(p, latencyNs)
}

func (o *MetricsObserver) ObserveTaskOutcome(failed bool) {
	if failed {
		o.metrics.RecordTaskFailed()
		return
	}
	o.metrics.RecordTaskCompleted()
}

var _ Observer = (*MetricsObserver)(nil)
var _ Observer = NoOpObserver{}
