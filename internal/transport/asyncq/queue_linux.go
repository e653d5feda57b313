//go:build linux

package asyncq

import (
	"fmt"
	"os"
	"sync"
	"unsafe"

	"github.com/pawelgaczynski/giouring"

	"github.com/marrekt/agentfabric/internal/logging"
)

// ringQueue submits each payload as an async write against an internal
// pipe, mirroring the teacher's uring.Ring wrapper around iceber/iouring-go:
// one SQE per submission, a background WaitCQE loop reclaiming buffers.
// The pipe has no reader beyond /dev/null-equivalent draining; what
// matters for HIGH-priority traffic is that the write is accepted by the
// kernel asynchronously rather than the destination, which in a full
// deployment would be a peer-facing fd handed in by the host.
type ringQueue struct {
	ring    *giouring.Ring
	writeFd int
	readFd  int

	pending *pendingSet

	mu        sync.Mutex
	closed    bool
	drainDone chan struct{}

	log *logging.Logger
}

func newPlatformQueue(cfg Config, log *logging.Logger) (Queue, error) {
	ring, err := giouring.CreateRing(cfg.Entries)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupported, err)
	}

	r, w, err := os.Pipe()
	if err != nil {
		ring.QueueExit()
		return nil, fmt.Errorf("asyncq: pipe: %w", err)
	}

	q := &ringQueue{
		ring:      ring,
		writeFd:   int(w.Fd()),
		readFd:    int(r.Fd()),
		pending:   newPendingSet(),
		drainDone: make(chan struct{}),
		log:       log,
	}
	go q.drainCompletions()
	return q, nil
}

func (q *ringQueue) Submit(payload []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueFull
	}

	sqe := q.ring.GetSQE()
	if sqe == nil {
		return ErrQueueFull
	}

	buf := append([]byte(nil), payload...)
	token := q.pending.add(buf)

	var addr unsafe.Pointer
	if len(buf) > 0 {
		addr = unsafe.Pointer(&buf[0])
	}
	sqe.PrepareWrite(q.writeFd, addr, uint32(len(buf)), 0)
	sqe.UserData = token

	if _, err := q.ring.SubmitAndWait(0); err != nil {
		q.pending.remove(token)
		q.log.Warn("asyncq submit failed", "err", err.Error())
		return ErrQueueFull
	}
	return nil
}

// drainCompletions reclaims buffers for completed submissions. It runs
// for the queue's lifetime, unblocking at Close via the ring's exit.
func (q *ringQueue) drainCompletions() {
	defer close(q.drainDone)
	for {
		cqe, err := q.ring.WaitCQE()
		if err != nil {
			return
		}
		q.pending.remove(cqe.UserData)
		q.ring.CQESeen(cqe)

		q.mu.Lock()
		closed := q.closed
		q.mu.Unlock()
		if closed && q.pending.len() == 0 {
			return
		}
	}
}

func (q *ringQueue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	q.mu.Unlock()

	q.ring.QueueExit()
	_ = os.NewFile(uintptr(q.writeFd), "asyncq-write").Close()
	_ = os.NewFile(uintptr(q.readFd), "asyncq-read").Close()
	return nil
}
