// Package fabric implements a hybrid intra-host agent message fabric: a
// lock-free, priority-tiered transport plane, a work-stealing dispatcher
// partitioned across performance/efficiency CPU cores, and a cluster
// coordination layer (health monitoring, load-balanced remote selection,
// quorum-based leader election) for agents spread across nodes.
package fabric

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/marrekt/agentfabric/internal/cluster"
	"github.com/marrekt/agentfabric/internal/coordinator"
	"github.com/marrekt/agentfabric/internal/dispatch"
	"github.com/marrekt/agentfabric/internal/envelope"
	"github.com/marrekt/agentfabric/internal/governor"
	"github.com/marrekt/agentfabric/internal/health"
	"github.com/marrekt/agentfabric/internal/logging"
	"github.com/marrekt/agentfabric/internal/pool"
	"github.com/marrekt/agentfabric/internal/ring"
	"github.com/marrekt/agentfabric/internal/selector"
	"github.com/marrekt/agentfabric/internal/transport"
)

// OnMessageFunc is invoked on a dispatcher worker for each delivered
// message, per spec.md §6.
type OnMessageFunc func(sourceNode cluster.NodeID, msgType uint8, payload []byte)

// OnClusterEventFunc is invoked for coordinator and health lifecycle
// events (NodeJoined, NodeLeft, BecameLeader, ..., PartitionDetected).
type OnClusterEventFunc func(kind cluster.EventKind, node cluster.NodeID)

// OnPerformanceAlertFunc fires when a tracked metric crosses a
// configured threshold (e.g. drop rate, congestion).
type OnPerformanceAlertFunc func(kind string, current, threshold float64)

// Fabric is the top-level handle wiring every component together: the
// priority ring buffer and transport selector (C2/C3), the work-stealing
// dispatcher (C4), and the cluster layer (health, load-balanced
// selection, coordination, connection pooling, bandwidth governance;
// C5-C9). Construct with New, register callbacks, then Start.
type Fabric struct {
	cfg    Config
	selfID cluster.NodeID
	log    *logging.Logger

	metrics  *Metrics
	observer Observer

	ring       *ring.Ring
	transports *transport.Selector
	dispatcher *dispatch.Dispatcher
	health     *health.Monitor
	lb         *selector.Selector
	coord      *coordinator.Coordinator
	pool       *pool.Pool
	governor   *governor.Governor
	maxFlowWindow float64

	msgSeq atomic.Uint32

	mu                 sync.RWMutex
	onMessage          OnMessageFunc
	onClusterEvent     OnClusterEventFunc
	onPerformanceAlert OnPerformanceAlertFunc

	running atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New validates cfg, applying defaults for anything left zero, and
// constructs every component without starting any background loop.
// selfID identifies this process in cluster events and coordinator
// voting.
func New(cfg Config, selfID cluster.NodeID, log *logging.Logger) (*Fabric, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = logging.Default()
	}

	f := &Fabric{
		cfg:     cfg,
		selfID:  selfID,
		log:     log,
		metrics: NewMetrics(time.Now()),
	}
	f.observer = NewMetricsObserver(f.metrics)

	f.ring = ring.New(cfg.ringConfig())

	var err error
	f.transports, err = transport.New(transport.Config{
		Namespace:    cfg.Namespace,
		Ring:         f.ring,
		JournalBytes: cfg.JournalBytes,
		Logger:       log,
	})
	if err != nil {
		return nil, fmt.Errorf("fabric: transport selector: %w", err)
	}

	f.dispatcher = dispatch.New(cfg.dispatchConfig(), log, f.onCircuitBreak)

	f.health = health.New(cfg.healthConfig(), f.onHealthTransition)

	f.lb = selector.New(selector.DefaultConfig(), f.health)

	coordCfg := coordinator.DefaultConfig(selfID, cfg.QuorumSize)
	coordCfg.Logger = log
	f.coord = coordinator.New(coordCfg, f.onCoordinatorEvent)

	poolCfg := cfg.poolConfig()
	poolCfg.Logger = log
	f.pool = pool.New(poolCfg)

	govCfg := cfg.governorConfig()
	f.maxFlowWindow = govCfg.MaxFlowWindow
	f.governor = governor.New(govCfg, govCfg.MaxFlowWindow)

	return f, nil
}

// OnMessage registers the callback invoked for each delivered message.
func (f *Fabric) OnMessage(fn OnMessageFunc) { f.mu.Lock(); f.onMessage = fn; f.mu.Unlock() }

// OnClusterEvent registers the callback invoked for cluster lifecycle
// events.
func (f *Fabric) OnClusterEvent(fn OnClusterEventFunc) {
	f.mu.Lock()
	f.onClusterEvent = fn
	f.mu.Unlock()
}

// OnPerformanceAlert registers the callback invoked when a tracked
// metric crosses its configured threshold.
func (f *Fabric) OnPerformanceAlert(fn OnPerformanceAlertFunc) {
	f.mu.Lock()
	f.onPerformanceAlert = fn
	f.mu.Unlock()
}

// RegisterNode adds a cluster peer to the health monitor so it becomes
// eligible for load-balanced selection.
func (f *Fabric) RegisterNode(info cluster.NodeInfo) {
	f.health.Register(info)
	f.fireClusterEvent(cluster.EventNodeJoined, info.ID)
}

// UnregisterNode removes a peer, e.g. on a clean NodeLeft.
func (f *Fabric) UnregisterNode(id cluster.NodeID) {
	f.health.Unregister(id)
	f.fireClusterEvent(cluster.EventNodeLeft, id)
}

// Start launches the dispatcher, the health monitor's probe loop, the
// single ring-drain pump that decodes envelopes and submits delivery
// work to the dispatcher, and the pool idle-eviction loop.
func (f *Fabric) Start(ctx context.Context) {
	if !f.running.CompareAndSwap(false, true) {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	f.cancel = cancel

	f.dispatcher.Start()

	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		f.health.Start(ctx)
	}()

	f.wg.Add(1)
	go f.pumpRing(ctx)

	f.wg.Add(1)
	go f.pumpPoolEviction(ctx)
}

// Stop drains in-flight work (force=false) and blocks until every
// background goroutine exits.
func (f *Fabric) Stop() {
	if !f.running.CompareAndSwap(true, false) {
		return
	}
	if f.cancel != nil {
		f.cancel()
	}
	f.health.Stop()
	f.dispatcher.Stop(false)
	f.wg.Wait()
	f.metrics.Stop(time.Now())
	_ = f.transports.Close()
}

// Send builds and routes one envelope. priority selects the transport
// (spec.md §4.3): CRITICAL enqueues onto the shared ring for local
// dispatch, HIGH onto the async submission queue (or the shared ring
// where io_uring is unsupported), NORMAL onto the datagram socket, LOW
// onto the journal, and BATCH/BACKGROUND onto the DMA slot ring. Returns ErrUnavailable if every candidate transport for
// priority is saturated — the caller decides whether to drop, retry, or
// spill, per spec.md §4.3.
func (f *Fabric) Send(priority envelope.Priority, targetNode uint16, msgType uint8, payload []byte, correlationID uint32) error {
	start := time.Now()
	env := envelope.Envelope{
		MessageID:     f.msgSeq.Add(1),
		Timestamp:     uint64(start.UnixNano()),
		SourceID:      uint16(0), // local node; remote routing resolves the numeric id out of band
		TargetID:      targetNode,
		MessageType:   msgType,
		Priority:      priority,
		CorrelationID: correlationID,
		Payload:       payload,
	}

	encoded, err := envelope.Encode(env, int(f.cfg.RingBytes/4))
	if err != nil {
		return wrapSendError("fabric.Send.encode", int8(priority), targetNode, err)
	}

	sendErr := f.transports.Send(priority, encoded)
	latency := uint64(time.Since(start).Nanoseconds())
	if sendErr != nil {
		f.observer.ObserveSend(priority, latency, true)
		f.metrics.RecordTransportUnavailable()
		return wrapSendError("fabric.Send.transport", int8(priority), targetNode, sendErr)
	}
	f.observer.ObserveSend(priority, latency, false)

	nodeID := cluster.NodeID(fmt.Sprintf("%d", targetNode))
	f.governor.Report(nodeID, float64(len(encoded)))
	if window := f.governor.FlowWindow(); window <= f.maxFlowWindow*f.cfg.FlowWindowMin {
		f.fireAlert("flow_window_congested", window, f.maxFlowWindow*f.cfg.FlowWindowMin)
	}
	return nil
}

// PickRemote selects a healthy remote node for outbound traffic using
// alg, consulting the Load-Balanced Selector (C6). key is only
// meaningful for ConsistentHash. Returns a *Error with CodeNoHealthyNode
// when no candidate is available.
func (f *Fabric) PickRemote(alg selector.Algorithm, key string) (cluster.NodeID, error) {
	node, ok := f.lb.Pick(alg, key)
	if !ok {
		return "", NewError("fabric.PickRemote", CodeNoHealthyNode, "no healthy node available")
	}
	return node, nil
}

// Metrics returns a point-in-time snapshot of fabric-wide counters.
func (f *Fabric) Metrics() Snapshot { return f.metrics.Snapshot(time.Now()) }

// pumpRing drains the shared ring (CRITICAL/HIGH's local transport) and
// submits each decoded envelope to the dispatcher as a delivery task,
// implementing spec.md §3's "Dispatcher's workers drain lanes in
// priority order" via the dispatcher's own priority class split:
// CRITICAL/HIGH land on P-class, everything else on E-class.
func (f *Fabric) pumpRing(ctx context.Context) {
	defer f.wg.Done()
	dest := make([]byte, f.cfg.RingBytes/4+envelope.HeaderSize)

	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.ring.Drain(dest, func(p envelope.Priority, n int) {
				f.deliver(p, append([]byte(nil), dest[:n]...))
			})
		}
	}
}

// pumpPoolEviction closes Connection Pool handles idle past
// IdleTimeoutMs on every heartbeat tick, per spec.md §4.8's "idle
// handles exceeding IDLE_TIMEOUT_MS are closed during the next probe
// tick" — sharing the health monitor's own probe cadence since the
// fabric has no separate probe-thread concept.
func (f *Fabric) pumpPoolEviction(ctx context.Context) {
	defer f.wg.Done()
	ticker := time.NewTicker(millisDuration(f.cfg.HeartbeatMs))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if evicted := f.pool.EvictIdle(time.Now()); evicted > 0 {
				f.log.Debug("evicted idle pooled connections", "count", evicted)
			}
		}
	}
}

// WithRemoteConnection runs fn with a pooled handle to node, dialing a
// fresh one via Config.DialRemote on a pool miss (spec.md §4.8's
// acquire/Exhausted/release cycle). The handle is released back to the
// pool on success; on failure from fn it is closed instead, since a
// failing handle isn't assumed reusable.
func (f *Fabric) WithRemoteConnection(node cluster.NodeID, fn func(pool.Handle) error) error {
	h, ok := f.pool.Acquire(node)
	if !ok {
		if f.cfg.DialRemote == nil {
			return NewError("fabric.WithRemoteConnection", CodeExhausted, "pool exhausted and no DialRemote configured")
		}
		dialed, err := f.cfg.DialRemote(node)
		if err != nil {
			return WrapError("fabric.WithRemoteConnection.dial", CodeExhausted, err)
		}
		h = dialed
	}

	if err := fn(h); err != nil {
		_ = h.Close()
		return err
	}
	f.pool.Release(node, h)
	return nil
}

func (f *Fabric) deliver(priority envelope.Priority, raw []byte) {
	env, err := envelope.Decode(raw, int(f.cfg.RingBytes/4))
	if err != nil {
		wrapped := wrapSendError("fabric.deliver.decode", int8(priority), 0, err)
		f.log.Warn("dropping undecodable envelope", "err", wrapped.Error())
		return
	}

	class := dispatch.ClassEfficiency
	if priority == envelope.PriorityCritical || priority == envelope.PriorityHigh {
		class = dispatch.ClassCritical
	}

	f.dispatcher.Submit(class, &dispatch.Item{
		CorrelationID: env.CorrelationID,
		Priority:      int8(priority),
		SubmittedAt:   int64(env.Timestamp),
		Run: func() {
			failed := true
			defer func() { f.observer.ObserveTaskOutcome(failed) }()
			f.mu.RLock()
			cb := f.onMessage
			f.mu.RUnlock()
			if cb != nil {
				cb(cluster.NodeID(fmt.Sprintf("%d", env.SourceID)), env.MessageType, env.Payload)
			}
			failed = false
		},
	})
}

func (f *Fabric) onCircuitBreak(correlationID uint32, panicCount int32) {
	f.metrics.RecordCircuitBreakerTrip()
	f.fireAlert("circuit_breaker", float64(panicCount), 3)
}

// onHealthTransition only forwards to the coordinator, which is the sole
// arbiter of PartitionDetected/PartitionRecovered: those events are
// quorum-gated (healthy_count < quorum_size), not raised per individual
// node transition.
func (f *Fabric) onHealthTransition(node cluster.NodeID, healthy bool) {
	f.coord.OnHealthChange(node, healthy, f.health.HealthyCount(), time.Now())
}

func (f *Fabric) onCoordinatorEvent(ev cluster.Event) {
	f.fireClusterEvent(ev.Kind, ev.Node)
}

func (f *Fabric) fireClusterEvent(kind cluster.EventKind, node cluster.NodeID) {
	f.mu.RLock()
	cb := f.onClusterEvent
	f.mu.RUnlock()
	if cb != nil {
		cb(kind, node)
	}
}

func (f *Fabric) fireAlert(kind string, current, threshold float64) {
	f.mu.RLock()
	cb := f.onPerformanceAlert
	f.mu.RUnlock()
	if cb != nil {
		cb(kind, current, threshold)
	}
}
