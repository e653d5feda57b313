package transport

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDMATransportSendAndConsumeRoundTrip(t *testing.T) {
	d, err := NewDMATransport(16, 4, nil)
	require.NoError(t, err)
	defer d.Close()

	require.NoError(t, d.Send([]byte("abcd")))
	require.Equal(t, uint64(1), d.Pending())

	slot, ok := d.ConsumeNext()
	require.True(t, ok)
	require.Equal(t, "abcd", string(slot[:4]))
	require.Equal(t, uint64(0), d.Pending())
}

func TestDMATransportRejectsOversizedPayload(t *testing.T) {
	d, err := NewDMATransport(8, 4, nil)
	require.NoError(t, err)
	defer d.Close()

	err = d.Send(make([]byte, 9))
	require.ErrorIs(t, err, ErrUnavailable)
}

func TestDMATransportReportsUnavailableWhenRingFull(t *testing.T) {
	d, err := NewDMATransport(8, 2, nil)
	require.NoError(t, err)
	defer d.Close()

	require.NoError(t, d.Send([]byte("a")))
	require.NoError(t, d.Send([]byte("b")))
	err = d.Send([]byte("c"))
	require.ErrorIs(t, err, ErrUnavailable)
}

func TestDMATransportConsumeNextFalseWhenEmpty(t *testing.T) {
	d, err := NewDMATransport(8, 2, nil)
	require.NoError(t, err)
	defer d.Close()

	_, ok := d.ConsumeNext()
	require.False(t, ok)
}
