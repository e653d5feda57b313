// Package transport implements the Transport Selector (C3): one
// concrete transport per envelope.Priority, matching spec.md §4.3's
// priority -> transport table. Each transport satisfies the same
// minimal Send/Close contract so the Selector can route an envelope
// without knowing which backing mechanism carries it.
package transport

import (
	"errors"

	"github.com/marrekt/agentfabric/internal/envelope"
)

// ErrUnavailable is returned by Send when the chosen transport (and any
// fallback) is saturated. Per spec.md §4.3, the Selector never blocks;
// the caller decides whether to drop, retry, or spill.
var ErrUnavailable = errors.New("transport: saturated, no candidate transport available")

// Transport carries already-encoded envelope bytes to wherever priority
// dictates they should go next: a ring lane, a kernel queue, a socket, a
// journal file, or a pinned memory region.
type Transport interface {
	// Send submits payload (a fully encoded envelope, header + body).
	// It must never block; returns ErrUnavailable when saturated.
	Send(payload []byte) error

	// Close releases any OS resources the transport holds.
	Close() error

	// Name identifies the transport for logging and metrics.
	Name() string
}

// priorityIndex mirrors envelope.Priority's numeric ordering so the
// Selector can index a fixed-size transport table the same way ring.Ring
// indexes lanes.
func priorityIndex(p envelope.Priority) int { return int(p) }
