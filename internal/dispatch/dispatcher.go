// Package dispatch implements the Work-Stealing Dispatcher (C4):
// P-class/E-class worker pools built on Chase-Lev deques, with
// randomized steal order, panic isolation, and a repeated-panic circuit
// breaker, grounded on the teacher's internal/queue/runner.go ioLoop for
// the CPU-pinning idiom.
package dispatch

import (
	"hash/fnv"
	"math/rand/v2"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/marrekt/agentfabric/internal/logging"
)

// PriorityClass reports which worker class a message priority is
// eligible for. CRITICAL/HIGH run on P-class only; everything else runs
// on E-class, per spec.md §4.4.
type PriorityClass int

const (
	ClassCritical PriorityClass = iota // P-class only, index 0/1 in spec's priority scale
	ClassEfficiency
)

// Metrics holds the dispatcher's atomic counters.
type Metrics struct {
	TasksCompleted atomic.Uint64
	TasksFailed    atomic.Uint64
}

// Config configures pool sizes and CPU assignment.
type Config struct {
	PCores []int // CPU indices eligible for P-class pinning
	ECores []int // CPU indices eligible for E-class pinning

	// MaxFailedSteals is K in spec.md §4.4's "after K failed steals, the
	// worker yields."
	MaxFailedSteals int

	// RandSource supplies the steal order's randomness, per spec.md §6's
	// host-injectable random_u64(). Defaults to a math/rand/v2 ChaCha8
	// source seeded from the runtime when left nil, so tests can inject
	// a deterministic sequence instead.
	RandSource func() uint64
}

func DefaultConfig() Config {
	return Config{MaxFailedSteals: 32}
}

func defaultRandSource() func() uint64 {
	r := rand.NewChaCha8(randSeed())
	return r.Uint64
}

// randSeed draws a fresh 32-byte ChaCha8 seed from the runtime's own CSPRNG
// (math/rand/v2's top-level functions are themselves seeded this way).
func randSeed() [32]byte {
	var seed [32]byte
	for i := range seed {
		seed[i] = byte(rand.Uint64())
	}
	return seed
}

// pClassSpillThreshold is the deque depth past which Submit looks for a
// less-loaded sibling in the same class instead of piling onto the
// hashed target.
const pClassSpillThreshold = 64

// CircuitBreakerFunc is invoked when a correlation id has panicked more
// than panicBudget times.
type CircuitBreakerFunc func(correlationID uint32, panicCount int32)

// Dispatcher owns the P-class and E-class worker pools.
type Dispatcher struct {
	cfg Config
	log *logging.Logger

	pWorkers []*worker
	eWorkers []*worker

	running    atomic.Bool
	forceAbort atomic.Bool
	stopCh     chan struct{}
	wg         sync.WaitGroup

	metrics Metrics

	onCircuitBreak CircuitBreakerFunc
}

// New builds a Dispatcher with one P-class worker per entry in
// cfg.PCores and one E-class worker per entry in cfg.ECores. If either
// list is empty, two unpinned workers of that class are created so the
// dispatcher still functions on a host with no affinity information.
func New(cfg Config, log *logging.Logger, onCircuitBreak CircuitBreakerFunc) *Dispatcher {
	if cfg.MaxFailedSteals <= 0 {
		cfg.MaxFailedSteals = DefaultConfig().MaxFailedSteals
	}
	if cfg.RandSource == nil {
		cfg.RandSource = defaultRandSource()
	}
	if log == nil {
		log = logging.Default()
	}
	d := &Dispatcher{
		cfg:            cfg,
		log:            log,
		stopCh:         make(chan struct{}),
		onCircuitBreak: onCircuitBreak,
	}

	pCores := cfg.PCores
	if len(pCores) == 0 {
		pCores = []int{0, 0}
	}
	for i, cpu := range pCores {
		d.pWorkers = append(d.pWorkers, newWorker(i, PClass, cpu, len(cfg.PCores) > 0, d))
	}

	eCores := cfg.ECores
	if len(eCores) == 0 {
		eCores = []int{0, 0}
	}
	for i, cpu := range eCores {
		d.eWorkers = append(d.eWorkers, newWorker(i, EClass, cpu, len(cfg.ECores) > 0, d))
	}

	return d
}

// Start launches every worker goroutine.
func (d *Dispatcher) Start() {
	d.running.Store(true)
	for _, w := range d.allWorkers() {
		d.wg.Add(1)
		go w.run()
	}
}

// Stop clears the running flag and posts the wake channel to every
// worker. If force is true, workers discard pending items instead of
// draining them.
func (d *Dispatcher) Stop(force bool) {
	d.forceAbort.Store(force)
	d.running.Store(false)
	close(d.stopCh)
	for _, w := range d.allWorkers() {
		w.wake()
	}
	d.wg.Wait()
}

func (d *Dispatcher) allWorkers() []*worker {
	all := make([]*worker, 0, len(d.pWorkers)+len(d.eWorkers))
	all = append(all, d.pWorkers...)
	all = append(all, d.eWorkers...)
	return all
}

// Metrics returns the dispatcher's counters.
func (d *Dispatcher) Metrics() *Metrics { return &d.metrics }

// Submit assigns item to worker[priority_class][hash(correlation_id) mod
// class_size], per spec.md §4.4's scheduling decision. CRITICAL/HIGH
// (ClassCritical) never touch E-class workers.
func (d *Dispatcher) Submit(class PriorityClass, item *Item) {
	pool := d.eWorkers
	if class == ClassCritical {
		pool = d.pWorkers
	}
	if len(pool) == 0 {
		pool = d.pWorkers // degrade: no E-class configured, everything runs on P
	}

	idx := hashCorrelation(item.CorrelationID) % uint32(len(pool))
	target := pool[idx]

	if target.deque.Len() > pClassSpillThreshold {
		target = d.spillWithinClass(pool, idx)
	}

	target.deque.PushBottom(item)
	target.wake()
}

// spillWithinClass finds the least-loaded sibling in the same class when
// the hashed target is saturated. CRITICAL work never spills to
// E-class, per spec.md §4.4.
func (d *Dispatcher) spillWithinClass(pool []*worker, avoid uint32) *worker {
	best := pool[avoid]
	bestLen := best.deque.Len()
	for i, w := range pool {
		if uint32(i) == avoid {
			continue
		}
		if l := w.deque.Len(); l < bestLen {
			best, bestLen = w, l
		}
	}
	return best
}

func hashCorrelation(id uint32) uint32 {
	h := fnv.New32a()
	h.Write([]byte(strconv.FormatUint(uint64(id), 10)))
	return h.Sum32()
}
