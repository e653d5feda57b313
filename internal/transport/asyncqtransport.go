package transport

import (
	"github.com/marrekt/agentfabric/internal/transport/asyncq"
)

// AsyncQueueTransport adapts an asyncq.Queue to the Transport interface
// for HIGH-priority envelopes.
type AsyncQueueTransport struct {
	q asyncq.Queue
}

func NewAsyncQueueTransport(q asyncq.Queue) *AsyncQueueTransport {
	return &AsyncQueueTransport{q: q}
}

func (t *AsyncQueueTransport) Send(payload []byte) error {
	if err := t.q.Submit(payload); err != nil {
		return ErrUnavailable
	}
	return nil
}

func (t *AsyncQueueTransport) Close() error { return t.q.Close() }

func (t *AsyncQueueTransport) Name() string { return "asyncq" }
