package transport

import (
	"github.com/marrekt/agentfabric/internal/envelope"
	"github.com/marrekt/agentfabric/internal/logging"
	"github.com/marrekt/agentfabric/internal/ring"
	"github.com/marrekt/agentfabric/internal/transport/asyncq"
)

// Config builds the five priority-indexed transports a Selector needs.
// Namespace and sizes are taken from the fabric's top-level Config in
// config.go.
type Config struct {
	Namespace    string
	Ring         *ring.Ring // shared with the ring buffer component (C2)
	AsyncQueue   asyncq.Config
	JournalBytes uint64
	DMASlotSize  int
	DMASlots     int
	Logger       *logging.Logger
}

// Selector routes each envelope to exactly one transport based on
// priority, per spec.md §4.3. BACKGROUND shares BATCH's transport: the
// spec's table only enumerates CRITICAL through BATCH, and §4.4 groups
// BACKGROUND with BATCH/LOW/NORMAL on E-class workers, so BACKGROUND
// traffic is deferred the same way BATCH is.
type Selector struct {
	transports [envelope.NumPriorities]Transport
	log        *logging.Logger
}

// New builds every transport and wires HIGH to the async submission
// queue when available, degrading to the shared ring (with a logged
// warning) when the platform doesn't support io_uring.
func New(cfg Config) (*Selector, error) {
	log := cfg.Logger
	if log == nil {
		log = logging.Default()
	}
	if cfg.Ring == nil {
		cfg.Ring = ring.New(ring.Config{Logger: log})
	}

	s := &Selector{log: log}
	s.transports[envelope.PriorityCritical] = NewRingTransport(cfg.Ring, envelope.PriorityCritical)

	q, err := asyncq.New(cfg.AsyncQueue, log)
	if err != nil {
		log.Warn("async submission queue unsupported, HIGH traffic degraded to shared ring", "err", err.Error())
		s.transports[envelope.PriorityHigh] = NewRingTransport(cfg.Ring, envelope.PriorityHigh)
	} else {
		s.transports[envelope.PriorityHigh] = NewAsyncQueueTransport(q)
	}

	dgram, err := NewDatagramTransport(cfg.Namespace, log)
	if err != nil {
		return nil, err
	}
	s.transports[envelope.PriorityNormal] = dgram

	journal, err := NewJournalTransport(cfg.Namespace, cfg.JournalBytes, log)
	if err != nil {
		return nil, err
	}
	s.transports[envelope.PriorityLow] = journal

	dma, err := NewDMATransport(cfg.DMASlotSize, cfg.DMASlots, log)
	if err != nil {
		return nil, err
	}
	s.transports[envelope.PriorityBatch] = dma
	s.transports[envelope.PriorityBackground] = dma

	return s, nil
}

// Send routes payload to the transport bound to priority. Returns
// ErrUnavailable (without blocking) if that transport is saturated.
func (s *Selector) Send(priority envelope.Priority, payload []byte) error {
	if !priority.Valid() {
		return ErrUnavailable
	}
	t := s.transports[priorityIndex(priority)]
	if t == nil {
		return ErrUnavailable
	}
	return t.Send(payload)
}

// Transport exposes the concrete transport bound to a priority, for
// callers (dispatch, metrics) that need more than Send offers — e.g.
// draining the DMA ring or reading back journal entries.
func (s *Selector) Transport(priority envelope.Priority) Transport {
	if !priority.Valid() {
		return nil
	}
	return s.transports[priorityIndex(priority)]
}

// Close releases every transport's OS resources. BATCH and BACKGROUND
// share one *DMATransport, so it is only closed once.
func (s *Selector) Close() error {
	closed := make(map[Transport]bool)
	var firstErr error
	for _, t := range s.transports {
		if t == nil || closed[t] {
			continue
		}
		closed[t] = true
		if err := t.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
