package transport

import (
	"github.com/marrekt/agentfabric/internal/envelope"
	"github.com/marrekt/agentfabric/internal/ring"
)

// RingTransport carries CRITICAL-priority envelopes over the shared
// lock-free ring buffer (C2), per spec.md §4.3's ~50ns target: "Drop on
// overflow; caller retries." It is also the degrade-to target HIGH falls
// back to when no async submission queue is available.
type RingTransport struct {
	r        *ring.Ring
	priority envelope.Priority
}

// NewRingTransport binds a transport to a single lane of r. Multiple
// RingTransports (one per degraded priority) may share the same *ring.Ring.
func NewRingTransport(r *ring.Ring, priority envelope.Priority) *RingTransport {
	return &RingTransport{r: r, priority: priority}
}

// Send writes payload onto the bound lane. A full lane maps to
// ErrUnavailable rather than the lane's own ErrFull, since from the
// Selector's point of view every transport failure looks the same: the
// caller must decide whether to drop, retry, or spill.
func (t *RingTransport) Send(payload []byte) error {
	if err := t.r.Write(t.priority, payload); err != nil {
		return ErrUnavailable
	}
	return nil
}

func (t *RingTransport) Close() error { return nil }

func (t *RingTransport) Name() string { return "ring:" + t.priority.String() }
