// Package ring implements the fabric's priority ring buffer: six
// independent lanes, one per envelope.Priority class, each a fixed-size
// lock-free byte arena. Higher-priority lanes are drained first; within a
// fairness window a bounded number of lower-priority messages are still
// guaranteed forward progress so a sustained flood of critical traffic
// cannot starve background work indefinitely.
package ring

import (
	"github.com/marrekt/agentfabric/internal/envelope"
	"github.com/marrekt/agentfabric/internal/logging"
)

// Config sizes each lane of a Ring. Sizes must be a power of two; a zero
// entry falls back to DefaultLaneSize.
type Config struct {
	LaneSizes     [envelope.NumPriorities]uint64
	MultiProducer bool
	Logger        *logging.Logger

	// FairnessQuantum bounds how many messages are drained from one lane
	// before the drain loop moves on to check the next, so a sustained
	// flood of high-priority traffic cannot fully starve lower lanes.
	FairnessQuantum int
}

// DefaultLaneSize is used for any priority whose Config.LaneSizes entry is
// left zero.
const DefaultLaneSize = 1 << 20 // 1 MiB

// DefaultFairnessQuantum is the number of messages drained from a single
// lane before the drain loop reconsiders lane order.
const DefaultFairnessQuantum = 64

// Ring is the full six-lane priority buffer for one direction of traffic
// (for example, one per dispatcher worker, or one per remote peer link).
type Ring struct {
	lanes           [envelope.NumPriorities]*Lane
	fairnessQuantum int
}

// New builds a Ring with one lane per priority class.
func New(cfg Config) *Ring {
	r := &Ring{fairnessQuantum: cfg.FairnessQuantum}
	if r.fairnessQuantum <= 0 {
		r.fairnessQuantum = DefaultFairnessQuantum
	}
	for p := 0; p < envelope.NumPriorities; p++ {
		size := cfg.LaneSizes[p]
		if size == 0 {
			size = DefaultLaneSize
		}
		r.lanes[p] = NewLane(LaneConfig{
			Priority:      envelope.Priority(p),
			Size:          size,
			MultiProducer: cfg.MultiProducer,
			Logger:        cfg.Logger,
		})
	}
	return r
}

// Lane returns the lane for the given priority, or nil if p is out of
// range. Exposed for callers (dispatch, transport) that need direct
// access to a single lane's Write/Read/Pending/Degraded methods.
func (r *Ring) Lane(p envelope.Priority) *Lane {
	if !p.Valid() {
		return nil
	}
	return r.lanes[p]
}

// Write enqueues payload onto the lane matching p.
func (r *Ring) Write(p envelope.Priority, payload []byte) error {
	l := r.Lane(p)
	if l == nil {
		return ErrBadPriority
	}
	return l.Write(payload)
}

// Next drains the single highest-priority message currently available
// across all lanes, in strict priority order with no fairness
// accounting — CRITICAL is always checked before HIGH, HIGH before
// NORMAL, and so on, so a sustained stream of CRITICAL traffic can
// starve every lower lane. The fairness quantum (a bounded number of
// messages per lane before moving on) only applies to Drain's
// multi-message batches, not to single calls here.
//
// Next returns the priority the message came from, the number of bytes
// written into dest, and ErrEmpty if every lane is currently empty.
func (r *Ring) Next(dest []byte) (envelope.Priority, int, error) {
	for p := 0; p < envelope.NumPriorities; p++ {
		lane := r.lanes[p]
		if lane.Degraded() {
			lane.Resync()
		}
		if lane.Pending() == 0 {
			continue
		}
		n, err := lane.Read(dest)
		if err == ErrEmpty {
			continue
		}
		return envelope.Priority(p), n, err
	}
	return 0, 0, ErrEmpty
}

// Drain makes one pass over the lanes in priority order, calling fn for
// up to r.fairnessQuantum messages per lane and moving to the next lane
// as soon as one reports empty. It is the batch counterpart to Next,
// used by the fabric's ring pump to pull a bounded burst per tick rather
// than one message at a time.
func (r *Ring) Drain(dest []byte, fn func(p envelope.Priority, n int)) (total int) {
	for p := 0; p < envelope.NumPriorities; p++ {
		lane := r.lanes[p]
		if lane.Degraded() {
			lane.Resync()
		}
		drained := 0
		for drained < r.fairnessQuantum {
			n, err := lane.Read(dest)
			if err != nil {
				break
			}
			fn(envelope.Priority(p), n)
			drained++
			total++
		}
	}
	return total
}

// Pending sums the approximate unread byte count across every lane.
func (r *Ring) Pending() uint64 {
	var sum uint64
	for _, l := range r.lanes {
		sum += l.Pending()
	}
	return sum
}
