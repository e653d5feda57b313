// Package asyncq implements the HIGH-priority leg of the Transport
// Selector (C3): an async submission-queue transport backed by
// io_uring where available. Submission is fire-and-forget from the
// caller's perspective; a background goroutine drains completions and
// frees the associated buffer.
package asyncq

import (
	"errors"
	"sync"

	"github.com/marrekt/agentfabric/internal/logging"
)

// ErrUnsupported is returned by New on a platform (or kernel) without
// io_uring, signaling the Selector to degrade HIGH traffic to the shared
// ring, per spec.md §4.3: "On platforms lacking async submission queues,
// HIGH transparently degrades to the shared ring with a warning."
var ErrUnsupported = errors.New("asyncq: io_uring not supported on this platform")

// ErrQueueFull is returned by Submit when every submission slot is
// currently in flight.
var ErrQueueFull = errors.New("asyncq: submission queue full")

// Config sizes the underlying ring.
type Config struct {
	Entries uint32
}

func DefaultConfig() Config {
	return Config{Entries: 256}
}

// Queue is the minimal async submission-queue contract the Selector
// depends on; queue_linux.go provides the io_uring-backed
// implementation, queue_other.go the degrade path for every other
// GOOS.
type Queue interface {
	// Submit enqueues payload for an asynchronous write and returns
	// immediately. ErrQueueFull if every in-flight slot is occupied.
	Submit(payload []byte) error

	// Close stops the completion-draining goroutine and releases the
	// ring.
	Close() error
}

// New constructs the platform-appropriate Queue, or ErrUnsupported.
func New(cfg Config, log *logging.Logger) (Queue, error) {
	if cfg.Entries == 0 {
		cfg = DefaultConfig()
	}
	if log == nil {
		log = logging.Default()
	}
	return newPlatformQueue(cfg, log)
}

// pendingSet tracks in-flight submissions by user-data token so the
// completion-drain loop can free their buffers once the kernel reports
// them done. Shared by queue_linux.go; kept here so it is exercised by
// platform-independent tests.
type pendingSet struct {
	mu    sync.Mutex
	slots map[uint64][]byte
	next  uint64
}

func newPendingSet() *pendingSet {
	return &pendingSet{slots: make(map[uint64][]byte)}
}

func (p *pendingSet) add(buf []byte) uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	token := p.next
	p.next++
	p.slots[token] = buf
	return token
}

func (p *pendingSet) remove(token uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.slots, token)
}

func (p *pendingSet) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.slots)
}
