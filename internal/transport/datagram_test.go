package transport

import (
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func uniqueNamespace(t *testing.T) string {
	t.Helper()
	return fmt.Sprintf("fabrictest-%s-%d", t.Name(), rand.Int63())
}

func TestDatagramTransportRoundTripsBetweenTwoSockets(t *testing.T) {
	nsA := uniqueNamespace(t)
	nsB := uniqueNamespace(t)

	a, err := NewDatagramTransport(nsA, nil)
	require.NoError(t, err)
	defer a.Close()

	b, err := NewDatagramTransport(nsB, nil)
	require.NoError(t, err)
	defer b.Close()

	require.NoError(t, a.SendTo(b.path, []byte("ping")))

	var (
		n   int
		buf = make([]byte, 64)
	)
	require.Eventually(t, func() bool {
		var recvErr error
		n, recvErr = b.Recv(buf)
		return recvErr == nil
	}, time.Second, time.Millisecond)
	require.Equal(t, "ping", string(buf[:n]))
}

func TestDatagramTransportRecvUnavailableWhenEmpty(t *testing.T) {
	a, err := NewDatagramTransport(uniqueNamespace(t), nil)
	require.NoError(t, err)
	defer a.Close()

	_, err = a.Recv(make([]byte, 16))
	require.ErrorIs(t, err, ErrUnavailable)
}

func TestDatagramTransportSendFailsAfterClose(t *testing.T) {
	a, err := NewDatagramTransport(uniqueNamespace(t), nil)
	require.NoError(t, err)
	require.NoError(t, a.Close())

	err = a.Send([]byte("x"))
	require.ErrorIs(t, err, ErrUnavailable)
}
