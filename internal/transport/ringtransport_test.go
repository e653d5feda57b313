package transport

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/marrekt/agentfabric/internal/envelope"
	"github.com/marrekt/agentfabric/internal/ring"
)

func TestRingTransportSendAndReadBack(t *testing.T) {
	r := ring.New(ring.Config{})
	tr := NewRingTransport(r, envelope.PriorityCritical)

	require.NoError(t, tr.Send([]byte("hello")))

	dest := make([]byte, 64)
	_, n, err := r.Next(dest)
	require.NoError(t, err)
	require.Equal(t, "hello", string(dest[:n]))
}

func TestRingTransportReportsUnavailableWhenLaneFull(t *testing.T) {
	r := ring.New(ring.Config{LaneSizes: [envelope.NumPriorities]uint64{envelope.PriorityCritical: 64}})
	tr := NewRingTransport(r, envelope.PriorityCritical)

	payload := make([]byte, 8)
	var err error
	for i := 0; i < 100; i++ {
		if err = tr.Send(payload); err != nil {
			break
		}
	}
	require.ErrorIs(t, err, ErrUnavailable)
}
