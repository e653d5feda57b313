// Package pool implements the Connection Pool (C8): a fixed-size,
// per-node array of reusable connection handles with idle-timeout
// eviction, grounded on the teacher's internal/queue/pool.go buffer-pool
// pattern generalized from byte buffers to arbitrary closeable handles.
package pool

import (
	"sync"
	"time"

	"github.com/marrekt/agentfabric/internal/cluster"
	"github.com/marrekt/agentfabric/internal/logging"
)

// Handle is anything the pool can check out, check in, and eventually
// close once idle too long.
type Handle interface {
	Close() error
}

type slot struct {
	handle   Handle
	idleSince time.Time
}

// nodePool is one node's fixed-size array of idle handles, guarded by a
// single mutex per spec's "one mutex per node's pool array" policy.
type nodePool struct {
	mu    sync.Mutex
	slots []slot
	max   int
}

// Pool is the fabric-wide Connection Pool: one nodePool per registered
// node, created lazily on first Acquire/Release.
type Pool struct {
	cfg Config
	log *logging.Logger

	mu    sync.RWMutex
	nodes map[cluster.NodeID]*nodePool
}

// Config bounds pool size and idle lifetime.
type Config struct {
	MaxPerNode     int
	IdleTimeout    time.Duration
	Logger         *logging.Logger
}

func DefaultConfig() Config {
	return Config{MaxPerNode: 8, IdleTimeout: 30 * time.Second}
}

func New(cfg Config) *Pool {
	if cfg.MaxPerNode <= 0 {
		cfg.MaxPerNode = DefaultConfig().MaxPerNode
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultConfig().IdleTimeout
	}
	log := cfg.Logger
	if log == nil {
		log = logging.Default()
	}
	return &Pool{cfg: cfg, log: log, nodes: make(map[cluster.NodeID]*nodePool)}
}

func (p *Pool) nodePoolFor(id cluster.NodeID) *nodePool {
	p.mu.RLock()
	np, ok := p.nodes[id]
	p.mu.RUnlock()
	if ok {
		return np
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if np, ok = p.nodes[id]; ok {
		return np
	}
	np = &nodePool{max: p.cfg.MaxPerNode}
	p.nodes[id] = np
	return np
}

// Acquire pops a live handle for node, or reports Exhausted if none are
// idle (the caller creates a fresh connection itself in that case).
func (p *Pool) Acquire(node cluster.NodeID) (Handle, bool) {
	np := p.nodePoolFor(node)
	np.mu.Lock()
	defer np.mu.Unlock()
	if len(np.slots) == 0 {
		return nil, false
	}
	last := len(np.slots) - 1
	h := np.slots[last].handle
	np.slots = np.slots[:last]
	return h, true
}

// Release pushes handle back for reuse, or closes it if the node's array
// is already at capacity.
func (p *Pool) Release(node cluster.NodeID, h Handle) {
	np := p.nodePoolFor(node)
	np.mu.Lock()
	if len(np.slots) < np.max {
		np.slots = append(np.slots, slot{handle: h, idleSince: time.Now()})
		np.mu.Unlock()
		return
	}
	np.mu.Unlock()
	if err := h.Close(); err != nil {
		p.log.Warn("closing overflow connection failed", "node", string(node), "err", err.Error())
	}
}

// EvictIdle closes and drops every handle that has been idle longer than
// the configured IdleTimeout, across every node. Called by the host on a
// periodic probe tick.
func (p *Pool) EvictIdle(now time.Time) int {
	p.mu.RLock()
	pools := make([]*nodePool, 0, len(p.nodes))
	for _, np := range p.nodes {
		pools = append(pools, np)
	}
	p.mu.RUnlock()

	evicted := 0
	for _, np := range pools {
		np.mu.Lock()
		kept := np.slots[:0]
		for _, s := range np.slots {
			if now.Sub(s.idleSince) > p.cfg.IdleTimeout {
				if err := s.handle.Close(); err != nil {
					p.log.Warn("closing idle connection failed", "err", err.Error())
				}
				evicted++
				continue
			}
			kept = append(kept, s)
		}
		np.slots = kept
		np.mu.Unlock()
	}
	return evicted
}

// Size returns the number of idle handles currently pooled for node.
func (p *Pool) Size(node cluster.NodeID) int {
	np := p.nodePoolFor(node)
	np.mu.Lock()
	defer np.mu.Unlock()
	return len(np.slots)
}
