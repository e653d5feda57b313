package transport

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/marrekt/agentfabric/internal/logging"
)

// JournalTransport carries LOW-priority envelopes to a memory-mapped,
// append-only file, per spec.md §4.3's ~10µs target: "Append-only;
// durable until ring wraps" and §6's external interface ("file
// /tmp/<namespace>.queue, truncated to configured size on open").
// Writes are length-prefixed the same way ring lanes are, so a reader
// can resync after a crash mid-write, and the write cursor wraps back to
// offset 0 once it would overrun the file, overwriting the oldest
// entries (the journal is a ring, not an unbounded log).
type JournalTransport struct {
	file *os.File
	data []byte // mmap'd region, len(data) == size
	size uint64
	log  *logging.Logger

	writeCursor atomic.Uint64

	mu     sync.Mutex
	closed bool
}

const journalLengthPrefix = 4

// NewJournalTransport opens (creating if necessary) /tmp/<namespace>.queue,
// truncates it to sizeBytes, and maps it MAP_SHARED so writes are visible
// to any other process mapping the same file.
func NewJournalTransport(namespace string, sizeBytes uint64, log *logging.Logger) (*JournalTransport, error) {
	if log == nil {
		log = logging.Default()
	}
	if sizeBytes == 0 {
		sizeBytes = 16 << 20 // 16 MiB default
	}
	path := fmt.Sprintf("/tmp/%s.queue", namespace)

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("transport: open journal %s: %w", path, err)
	}
	if err := f.Truncate(int64(sizeBytes)); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("transport: truncate journal: %w", err)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(sizeBytes), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("transport: mmap journal: %w", err)
	}

	return &JournalTransport{file: f, data: data, size: sizeBytes, log: log}, nil
}

// Send appends a length-prefixed record, wrapping the cursor back to 0
// when payload would overrun the mapped region. Oversized payloads (more
// than half the journal) are rejected as ErrUnavailable since they could
// never leave room for a reader to resync.
func (t *JournalTransport) Send(payload []byte) error {
	needed := uint64(journalLengthPrefix + len(payload))
	if needed*2 > t.size {
		return ErrUnavailable
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrUnavailable
	}

	cursor := t.writeCursor.Load()
	if cursor+needed > t.size {
		cursor = 0
	}

	binary.LittleEndian.PutUint32(t.data[cursor:], uint32(len(payload)))
	copy(t.data[cursor+journalLengthPrefix:], payload)
	t.writeCursor.Store(cursor + needed)
	return nil
}

// ReadAt decodes one record starting at offset, returning the payload
// and the offset of the next record. Used by a journal reader replaying
// entries after a restart.
func (t *JournalTransport) ReadAt(offset uint64) (payload []byte, next uint64, err error) {
	if offset+journalLengthPrefix > t.size {
		return nil, 0, fmt.Errorf("transport: journal offset out of range")
	}
	n := binary.LittleEndian.Uint32(t.data[offset:])
	if n == 0 || offset+uint64(journalLengthPrefix)+uint64(n) > t.size {
		return nil, 0, fmt.Errorf("transport: journal record corrupt at offset %d", offset)
	}
	payload = make([]byte, n)
	copy(payload, t.data[offset+journalLengthPrefix:])
	return payload, offset + uint64(journalLengthPrefix) + uint64(n), nil
}

func (t *JournalTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	if err := unix.Munmap(t.data); err != nil {
		t.log.Warn("journal munmap failed", "err", err.Error())
	}
	return t.file.Close()
}

func (t *JournalTransport) Name() string { return "journal" }
