package dispatch

import (
	"runtime"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/marrekt/agentfabric/internal/logging"
)

// Class distinguishes performance-core workers (eligible for the
// latency-sensitive priorities) from efficiency-core workers.
type Class int

const (
	PClass Class = iota
	EClass
)

func (c Class) String() string {
	if c == PClass {
		return "P"
	}
	return "E"
}

// panicBudget is the number of repeated panics for the same correlation
// id, per spec.md §4.4, that trips the circuit breaker callback.
const panicBudget = 3

type worker struct {
	id      int
	class   Class
	cpu     int
	hasCPU  bool
	deque   *Deque
	log     *logging.Logger

	disp *Dispatcher

	panicCounts sync.Map // correlationID uint32 -> *atomic.Int32

	wakeup chan struct{}
}

func newWorker(id int, class Class, cpu int, hasCPU bool, d *Dispatcher) *worker {
	return &worker{
		id:     id,
		class:  class,
		cpu:    cpu,
		hasCPU: hasCPU,
		deque:  NewDeque(256),
		log:    d.log.With("worker", id, "class", class.String()),
		disp:   d,
		wakeup: make(chan struct{}, 1),
	}
}

func (w *worker) wake() {
	select {
	case w.wakeup <- struct{}{}:
	default:
	}
}

// run is the worker's outer loop: pin affinity, then pop-or-steal until
// shutdown. Pinning is attempted best-effort per the teacher's ioLoop
// idiom (continue without affinity rather than abort on failure).
func (w *worker) run() {
	defer w.disp.wg.Done()

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if w.hasCPU {
		var mask unix.CPUSet
		mask.Set(w.cpu)
		if err := unix.SchedSetaffinity(0, &mask); err != nil {
			w.log.Warn("core affinity assignment failed, continuing unpinned", "cpu", w.cpu, "err", err.Error())
		}
	}

	failedSteals := 0
	for {
		if !w.disp.running.Load() {
			if !w.disp.forceAbort.Load() {
				w.drainRemaining()
			}
			return
		}

		item := w.deque.PopBottom()
		if item == nil {
			item = w.steal()
		}
		if item == nil {
			failedSteals++
			if failedSteals >= w.disp.cfg.MaxFailedSteals {
				w.park()
				failedSteals = 0
			}
			continue
		}
		failedSteals = 0
		w.execute(item)
	}
}

// drainRemaining runs every item left in this worker's own deque (a
// graceful, non-force-abort shutdown drains rather than discards) and
// reports whether the worker is now done.
func (w *worker) drainRemaining() bool {
	for {
		item := w.deque.PopBottom()
		if item == nil {
			return true
		}
		w.execute(item)
	}
}

// steal attempts a steal from every sibling worker in randomized order,
// as spec.md §4.4 requires ("Stealing is attempted in a randomized order
// across all workers"). The order is drawn from the dispatcher's
// RandSource (spec.md §6 random_u64()) via a Fisher-Yates shuffle, so
// tests can inject a deterministic source instead of the package-level
// generator. An E-class worker skips P-class victims, so CRITICAL/HIGH
// work never runs on an E-class worker.
func (w *worker) steal() *Item {
	siblings := w.disp.allWorkers()
	order := shuffledIndices(len(siblings), w.disp.cfg.RandSource)
	for _, idx := range order {
		victim := siblings[idx]
		if victim == w || (w.class == EClass && victim.class == PClass) {
			continue
		}
		if it := victim.deque.Steal(); it != nil {
			return it
		}
	}
	return nil
}

// shuffledIndices returns a Fisher-Yates permutation of [0,n) drawn from
// src, mirroring math/rand/v2.Perm but over a caller-supplied source.
func shuffledIndices(n int, src func() uint64) []int {
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	for i := n - 1; i > 0; i-- {
		j := int(src() % uint64(i+1))
		order[i], order[j] = order[j], order[i]
	}
	return order
}

func (w *worker) park() {
	select {
	case <-w.wakeup:
	case <-w.disp.stopCh:
	}
}

// execute runs item with panic isolation: a recovered panic increments
// tasks_failed and, if the same correlation id has now panicked more
// than panicBudget times, fires the dispatcher's circuit breaker
// callback.
func (w *worker) execute(item *Item) {
	defer func() {
		if r := recover(); r != nil {
			w.disp.metrics.TasksFailed.Add(1)
			count := w.recordPanic(item.CorrelationID)
			w.log.Error("task panicked", "correlation_id", item.CorrelationID, "panic", r, "count", count)
			if count > panicBudget && w.disp.onCircuitBreak != nil {
				w.disp.onCircuitBreak(item.CorrelationID, count)
			}
		}
	}()
	item.Run()
	w.disp.metrics.TasksCompleted.Add(1)
}

func (w *worker) recordPanic(correlationID uint32) int32 {
	v, _ := w.panicCounts.LoadOrStore(correlationID, new(atomic.Int32))
	counter := v.(*atomic.Int32)
	return counter.Add(1)
}
