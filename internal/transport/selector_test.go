package transport

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/marrekt/agentfabric/internal/envelope"
)

func newTestSelector(t *testing.T) *Selector {
	t.Helper()
	s, err := New(Config{Namespace: uniqueNamespace(t), JournalBytes: 4096, DMASlotSize: 64, DMASlots: 4})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSelectorRoutesCriticalToRing(t *testing.T) {
	s := newTestSelector(t)
	require.IsType(t, &RingTransport{}, s.Transport(envelope.PriorityCritical))
	require.NoError(t, s.Send(envelope.PriorityCritical, []byte("x")))
}

func TestSelectorRoutesNormalToDatagram(t *testing.T) {
	s := newTestSelector(t)
	require.IsType(t, &DatagramTransport{}, s.Transport(envelope.PriorityNormal))
}

func TestSelectorRoutesLowToJournal(t *testing.T) {
	s := newTestSelector(t)
	require.IsType(t, &JournalTransport{}, s.Transport(envelope.PriorityLow))
	require.NoError(t, s.Send(envelope.PriorityLow, []byte("x")))
}

func TestSelectorBatchAndBackgroundShareDMATransport(t *testing.T) {
	s := newTestSelector(t)
	require.Same(t, s.Transport(envelope.PriorityBatch), s.Transport(envelope.PriorityBackground))
}

func TestSelectorSendRejectsInvalidPriority(t *testing.T) {
	s := newTestSelector(t)
	err := s.Send(envelope.Priority(200), []byte("x"))
	require.ErrorIs(t, err, ErrUnavailable)
}

func TestSelectorHighDegradesToRingWhenAsyncQueueUnsupported(t *testing.T) {
	s := newTestSelector(t)
	// On a host without io_uring, HIGH falls back to a RingTransport; on
	// one with it, HIGH is an AsyncQueueTransport. Either way Send must
	// succeed for a small payload.
	if _, async := s.Transport(envelope.PriorityHigh).(*AsyncQueueTransport); !async {
		require.IsType(t, &RingTransport{}, s.Transport(envelope.PriorityHigh))
	}
	require.NoError(t, s.Send(envelope.PriorityHigh, []byte("x")))
}
