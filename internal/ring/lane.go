package ring

import (
	"encoding/binary"
	"sync/atomic"

	"github.com/marrekt/agentfabric/internal/envelope"
	"github.com/marrekt/agentfabric/internal/logging"
)

const lengthPrefixSize = 4

// Lane is one priority class's independent FIFO channel: a power-of-two
// byte arena addressed by pos&mask, with disjoint producer and consumer
// cursors so the two sides never false-share a cache line.
//
// The default contract is single-producer/single-consumer. Setting
// MultiProducer on construction switches the write path to a CAS-based
// reservation scheme so multiple goroutines may publish into the same
// lane concurrently; there remains exactly one consumer.
type Lane struct {
	buf          []byte
	mask         uint64
	size         uint64
	maxPayload   uint64
	multiProducer bool

	producer producerCursor
	consumer consumerCursor

	// committed tracks, in the multi-producer case, how far writes have
	// actually landed in buf (as opposed to merely been reserved). The
	// consumer must never read past committed.
	committed atomic.Uint64

	degraded atomic.Bool
	logger   *logging.Logger

	priority envelope.Priority

	droppedFull    atomic.Uint64
	droppedCorrupt atomic.Uint64
}

// LaneConfig configures a single lane.
type LaneConfig struct {
	Priority      envelope.Priority
	Size          uint64 // must be a power of two
	MultiProducer bool
	Logger        *logging.Logger
}

// NewLane allocates a lane of the given size. Size must be a power of two;
// NewLane panics otherwise since this is a one-time construction-time
// programmer error, not a runtime condition callers should branch on.
func NewLane(cfg LaneConfig) *Lane {
	if cfg.Size == 0 || cfg.Size&(cfg.Size-1) != 0 {
		panic("ring: lane size must be a power of two")
	}
	l := &Lane{
		buf:           make([]byte, cfg.Size),
		mask:          cfg.Size - 1,
		size:          cfg.Size,
		maxPayload:    cfg.Size / 4,
		multiProducer: cfg.MultiProducer,
		logger:        cfg.Logger,
		priority:      cfg.Priority,
	}
	return l
}

// Degraded reports whether the lane has desynced after a corrupt length
// prefix and is being skipped by the consumer until the producer sequence
// visibly advances again.
func (l *Lane) Degraded() bool { return l.degraded.Load() }

// DroppedFull returns the number of writes rejected because the lane had
// no free space.
func (l *Lane) DroppedFull() uint64 { return l.droppedFull.Load() }

// DroppedCorrupt returns the number of reads that hit a corrupt length
// prefix and forced the lane into degraded mode.
func (l *Lane) DroppedCorrupt() uint64 { return l.droppedCorrupt.Load() }

// Write publishes payload into the lane. It never blocks: it either
// succeeds, reports ErrFull because the lane has no room right now, or
// ErrTooLarge because payload alone exceeds one quarter of the lane size.
func (l *Lane) Write(payload []byte) error {
	if uint64(len(payload)) > l.maxPayload {
		return ErrTooLarge
	}
	total := uint64(lengthPrefixSize + len(payload))

	if l.multiProducer {
		return l.writeMPSC(payload, total)
	}
	return l.writeSPSC(payload, total)
}

func (l *Lane) writeSPSC(payload []byte, total uint64) error {
	writePos := l.producer.writePos.Load()
	cachedRead := l.producer.cachedReadPos.Load()

	if l.size-(writePos-cachedRead) < total {
		// Refresh our view of the consumer's position before giving up.
		cachedRead = l.consumer.readPos.Load()
		l.producer.cachedReadPos.Store(cachedRead)
		if l.size-(writePos-cachedRead) < total {
			l.droppedFull.Add(1)
			return ErrFull
		}
	}

	l.writeAt(writePos, payload, total)

	// Release: publishing writePos makes the bytes just written visible
	// to the consumer's acquire load below.
	l.producer.writePos.Store(writePos + total)
	return nil
}

// writeMPSC reserves a region via CAS, writes into it, then spins until
// prior reservations have committed before advancing the visible commit
// cursor. This keeps the consumer from ever observing a gap: it only
// reads up to `committed`, which only advances past fully-written data.
func (l *Lane) writeMPSC(payload []byte, total uint64) error {
	var reserved uint64
	for {
		writePos := l.producer.writePos.Load()
		cachedRead := l.producer.cachedReadPos.Load()
		if l.size-(writePos-cachedRead) < total {
			cachedRead = l.consumer.readPos.Load()
			l.producer.cachedReadPos.Store(cachedRead)
			if l.size-(writePos-cachedRead) < total {
				l.droppedFull.Add(1)
				return ErrFull
			}
		}
		if l.producer.writePos.CompareAndSwap(writePos, writePos+total) {
			reserved = writePos
			break
		}
	}

	l.writeAt(reserved, payload, total)

	// Wait for our turn to publish: the commit cursor must reach the
	// start of our reservation before we can advance it past our end.
	for l.committed.Load() != reserved {
		// busy-wait; reservations complete in bounded time and in the
		// steady state there is no contention chain longer than the
		// number of concurrent producers.
	}
	l.committed.Store(reserved + total)
	return nil
}

func (l *Lane) writeAt(pos uint64, payload []byte, total uint64) {
	var prefix [lengthPrefixSize]byte
	binary.LittleEndian.PutUint32(prefix[:], uint32(len(payload)))
	l.copyIn(pos, prefix[:])
	l.copyIn(pos+lengthPrefixSize, payload)
	_ = total
}

func (l *Lane) copyIn(pos uint64, data []byte) {
	start := pos & l.mask
	n := copy(l.buf[start:], data)
	if n < len(data) {
		copy(l.buf, data[n:])
	}
}

func (l *Lane) copyOut(pos uint64, dest []byte) {
	start := pos & l.mask
	n := copy(dest, l.buf[start:])
	if n < len(dest) {
		copy(dest[n:], l.buf[:len(dest)-n])
	}
}

// publishedWritePos returns the point up to which the consumer may safely
// read: the commit cursor for multi-producer lanes, the write cursor
// otherwise.
func (l *Lane) publishedWritePos() uint64 {
	if l.multiProducer {
		return l.committed.Load()
	}
	return l.producer.writePos.Load()
}

// Read pops the oldest unread message into dest, returning the number of
// bytes written. dest must be large enough for the message or Read returns
// ErrTooLarge without consuming it. Returns ErrEmpty if no message is
// pending, ErrCorrupt (and marks the lane degraded) if the length prefix is
// unreadable.
func (l *Lane) Read(dest []byte) (int, error) {
	readPos := l.consumer.readPos.Load()
	cachedWrite := l.consumer.cachedWritePos.Load()

	if readPos == cachedWrite {
		// Acquire: refresh our view of the producer's published position.
		cachedWrite = l.publishedWritePos()
		l.consumer.cachedWritePos.Store(cachedWrite)
		if readPos == cachedWrite {
			return 0, ErrEmpty
		}
	}

	if cachedWrite-readPos < lengthPrefixSize {
		return 0, ErrEmpty
	}

	var prefix [lengthPrefixSize]byte
	l.copyOut(readPos, prefix[:])
	msgLen := binary.LittleEndian.Uint32(prefix[:])

	if uint64(msgLen) > l.maxPayload || uint64(lengthPrefixSize)+uint64(msgLen) > cachedWrite-readPos {
		l.markDegraded()
		return 0, ErrCorrupt
	}
	if uint64(len(dest)) < uint64(msgLen) {
		return 0, ErrTooLarge
	}

	l.copyOut(readPos+lengthPrefixSize, dest[:msgLen])

	l.consumer.readPos.Store(readPos + lengthPrefixSize + uint64(msgLen))
	return int(msgLen), nil
}

func (l *Lane) markDegraded() {
	if l.degraded.CompareAndSwap(false, true) {
		l.droppedCorrupt.Add(1)
		if l.logger != nil {
			l.logger.Warn("lane degraded: corrupt length prefix", "priority", l.priority.String())
		}
	}
}

// Resync re-synchronizes a degraded lane once the producer sequence has
// visibly advanced past the point of corruption, skipping forward to the
// producer's current published position. Called by the consumer loop when
// it notices Degraded() and decides enough time (or enough producer
// progress) has passed to try again.
func (l *Lane) Resync() {
	writePos := l.publishedWritePos()
	l.consumer.readPos.Store(writePos)
	l.consumer.cachedWritePos.Store(writePos)
	l.degraded.Store(false)
	if l.logger != nil {
		l.logger.Info("lane resynced", "priority", l.priority.String())
	}
}

// Pending reports an approximate count of unread bytes in the lane. This
// is a point-in-time snapshot useful for queue-depth gauges, not a
// linearizable measurement.
func (l *Lane) Pending() uint64 {
	return l.publishedWritePos() - l.consumer.readPos.Load()
}
