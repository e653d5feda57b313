// Package governor implements the Bandwidth Governor (C9): a
// congestion-adaptive flow window and per-node batch-size tuner, grounded
// on the teacher's metrics.go sliding-bucket latency histogram pattern
// adapted from latency samples to byte-throughput samples.
package governor

import (
	"sync"

	"github.com/marrekt/agentfabric/internal/cluster"
)

const (
	decreaseFactor        = 0.9
	increaseFactor        = 1.05
	minFlowWindowFraction = 0.25
)

// Config bounds the flow window and per-node batch size.
type Config struct {
	MaxFlowWindow float64
	MinBatchSize  int
	MaxBatchSize  int
	WindowSamples int // sliding window length for throughput sampling

	// CongestionThreshold is the used/available ratio past which the
	// flow window and batch size shrink instead of grow, per spec.md
	// §4.9. Zero falls back to 0.85.
	CongestionThreshold float64
}

func DefaultConfig() Config {
	return Config{
		MaxFlowWindow:       1 << 20,
		MinBatchSize:        1,
		MaxBatchSize:        256,
		WindowSamples:       16,
		CongestionThreshold: 0.85,
	}
}

// window is a fixed-length ring of recent byte-throughput samples for one
// node, used to compute a moving average for Record.EstimatedBandwidth.
type window struct {
	samples []float64
	pos     int
	filled  bool
}

func newWindow(n int) *window {
	return &window{samples: make([]float64, n)}
}

func (w *window) add(v float64) {
	w.samples[w.pos] = v
	w.pos = (w.pos + 1) % len(w.samples)
	if w.pos == 0 {
		w.filled = true
	}
}

func (w *window) average() float64 {
	n := len(w.samples)
	if !w.filled {
		n = w.pos
	}
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		sum += w.samples[i]
	}
	return sum / float64(n)
}

type nodeState struct {
	mu        sync.Mutex
	throughput *window
	batchSize int
}

// Governor tracks available/used bandwidth globally and tunes a shared
// flow window plus a per-node batch size in response to congestion.
type Governor struct {
	cfg Config

	mu          sync.Mutex
	flowWindow  float64
	available   float64

	nodesMu sync.RWMutex
	nodes   map[cluster.NodeID]*nodeState
}

// New builds a Governor with the flow window starting at its configured
// maximum and the given total available bandwidth (bytes/sec).
func New(cfg Config, availableBandwidth float64) *Governor {
	if cfg.MaxFlowWindow <= 0 {
		cfg = DefaultConfig()
	}
	if cfg.CongestionThreshold <= 0 {
		cfg.CongestionThreshold = DefaultConfig().CongestionThreshold
	}
	return &Governor{
		cfg:        cfg,
		flowWindow: cfg.MaxFlowWindow,
		available:  availableBandwidth,
		nodes:      make(map[cluster.NodeID]*nodeState),
	}
}

func (g *Governor) nodeStateFor(id cluster.NodeID) *nodeState {
	g.nodesMu.RLock()
	ns, ok := g.nodes[id]
	g.nodesMu.RUnlock()
	if ok {
		return ns
	}

	g.nodesMu.Lock()
	defer g.nodesMu.Unlock()
	if ns, ok = g.nodes[id]; ok {
		return ns
	}
	ns = &nodeState{throughput: newWindow(g.cfg.WindowSamples), batchSize: g.cfg.MaxBatchSize}
	g.nodes[id] = ns
	return ns
}

// Report records `used` bytes/sec of observed throughput for node and
// re-evaluates the shared flow window and that node's batch size against
// the current congestion level.
func (g *Governor) Report(node cluster.NodeID, used float64) {
	ns := g.nodeStateFor(node)
	ns.mu.Lock()
	ns.throughput.add(used)
	ns.mu.Unlock()

	g.mu.Lock()
	defer g.mu.Unlock()

	congestion := g.congestionLocked(used)
	if congestion > g.cfg.CongestionThreshold {
		g.flowWindow = maxf(g.flowWindow*decreaseFactor, g.cfg.MaxFlowWindow*minFlowWindowFraction)
	} else {
		g.flowWindow = minf(g.flowWindow*increaseFactor, g.cfg.MaxFlowWindow)
	}

	ns.mu.Lock()
	defer ns.mu.Unlock()
	if congestion > g.cfg.CongestionThreshold {
		ns.batchSize = int(maxf(float64(ns.batchSize)*decreaseFactor, float64(g.cfg.MinBatchSize)))
	} else {
		ns.batchSize = int(minf(float64(ns.batchSize)*increaseFactor, float64(g.cfg.MaxBatchSize)))
	}
	if ns.batchSize < g.cfg.MinBatchSize {
		ns.batchSize = g.cfg.MinBatchSize
	}
}

func (g *Governor) congestionLocked(used float64) float64 {
	if g.available <= 0 {
		return 1
	}
	c := used / g.available
	if c > 1 {
		c = 1
	}
	if c < 0 {
		c = 0
	}
	return c
}

// FlowWindow returns the current shared flow window size in bytes.
func (g *Governor) FlowWindow() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.flowWindow
}

// BatchSize returns node's current tuned batch size.
func (g *Governor) BatchSize(node cluster.NodeID) int {
	ns := g.nodeStateFor(node)
	ns.mu.Lock()
	defer ns.mu.Unlock()
	return ns.batchSize
}

// EstimatedBandwidth returns node's moving-average observed throughput,
// for Record.SetEstimatedBandwidth.
func (g *Governor) EstimatedBandwidth(node cluster.NodeID) float64 {
	ns := g.nodeStateFor(node)
	ns.mu.Lock()
	defer ns.mu.Unlock()
	return ns.throughput.average()
}

func maxf(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

func minf(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
