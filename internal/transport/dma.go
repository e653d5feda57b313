package transport

import (
	"fmt"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/marrekt/agentfabric/internal/logging"
)

// DMATransport carries BATCH-priority envelopes into a pinned
// (mlocked) anonymous memory region, per spec.md §4.3: "Pinned DMA
// region | — | Deferred; consumed by accelerator." Real DMA requires a
// physical device behind the mapping; here the region is the userspace
// staging area an accelerator driver would be handed a physical address
// for. Slots are fixed-size and claimed round-robin; Send never blocks,
// so a full ring of unconsumed slots reports ErrUnavailable rather than
// overwriting data the accelerator hasn't drained yet.
type DMATransport struct {
	region   []byte
	slotSize int
	slots    int

	writeIdx atomic.Uint64
	readIdx  atomic.Uint64

	log *logging.Logger
}

// DefaultDMASlotSize and DefaultDMASlots size the region when Config
// leaves them zero: 64 KiB slots, 256 of them (16 MiB total), a generous
// batch staging area relative to the ring's 1 MiB-per-lane default.
const (
	DefaultDMASlotSize = 64 << 10
	DefaultDMASlots    = 256
)

// NewDMATransport mlocks an anonymous mapping sized slotSize*slots so the
// kernel never pages it out from under an accelerator holding its
// physical address. If mlock fails (commonly: insufficient RLIMIT_MEMLOCK
// outside a container with elevated privileges), the mapping is kept
// unlocked and a warning is logged rather than failing construction —
// batch traffic degrades to merely-unpinned memory instead of being
// unavailable entirely.
func NewDMATransport(slotSize, slots int, log *logging.Logger) (*DMATransport, error) {
	if log == nil {
		log = logging.Default()
	}
	if slotSize <= 0 {
		slotSize = DefaultDMASlotSize
	}
	if slots <= 0 {
		slots = DefaultDMASlots
	}

	region, err := unix.Mmap(-1, 0, slotSize*slots, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("transport: dma region mmap: %w", err)
	}
	if err := unix.Mlock(region); err != nil {
		log.Warn("dma region could not be pinned, continuing unpinned", "err", err.Error())
	}

	return &DMATransport{region: region, slotSize: slotSize, slots: slots, log: log}, nil
}

// Send copies payload into the next slot in the ring. A payload larger
// than one slot, or a ring with no slot consumed since it last wrapped,
// is ErrUnavailable.
func (t *DMATransport) Send(payload []byte) error {
	if len(payload) > t.slotSize {
		return ErrUnavailable
	}
	w := t.writeIdx.Load()
	r := t.readIdx.Load()
	if w-r >= uint64(t.slots) {
		return ErrUnavailable
	}

	slot := int(w % uint64(t.slots))
	start := slot * t.slotSize
	copy(t.region[start:start+t.slotSize], payload)
	// Zero any tail left from a shorter previous occupant so a consumer
	// reading the full slot width doesn't see stale bytes.
	for i := len(payload); i < t.slotSize; i++ {
		t.region[start+i] = 0
	}
	t.writeIdx.Add(1)
	return nil
}

// ConsumeNext hands the accelerator-facing reader the next unconsumed
// slot's bytes (sized slotSize; trailing zero padding included) and
// advances the read cursor. Returns false if nothing is pending.
func (t *DMATransport) ConsumeNext() ([]byte, bool) {
	r := t.readIdx.Load()
	w := t.writeIdx.Load()
	if r >= w {
		return nil, false
	}
	slot := int(r % uint64(t.slots))
	start := slot * t.slotSize
	out := make([]byte, t.slotSize)
	copy(out, t.region[start:start+t.slotSize])
	t.readIdx.Add(1)
	return out, true
}

// Pending returns the number of slots written but not yet consumed.
func (t *DMATransport) Pending() uint64 {
	return t.writeIdx.Load() - t.readIdx.Load()
}

func (t *DMATransport) Close() error {
	return unix.Munmap(t.region)
}

func (t *DMATransport) Name() string { return "dma" }
