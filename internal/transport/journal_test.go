package transport

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestJournalTransportAppendAndReadBack(t *testing.T) {
	j, err := NewJournalTransport(uniqueNamespace(t), 4096, nil)
	require.NoError(t, err)
	defer j.Close()

	require.NoError(t, j.Send([]byte("first")))
	require.NoError(t, j.Send([]byte("second")))

	payload, next, err := j.ReadAt(0)
	require.NoError(t, err)
	require.Equal(t, "first", string(payload))

	payload, _, err = j.ReadAt(next)
	require.NoError(t, err)
	require.Equal(t, "second", string(payload))
}

func TestJournalTransportWrapsWhenFull(t *testing.T) {
	j, err := NewJournalTransport(uniqueNamespace(t), 64, nil)
	require.NoError(t, err)
	defer j.Close()

	// Each record below costs 4 (prefix) + 20 = 24 bytes; three records
	// overrun 64 bytes, forcing the cursor to wrap back to offset 0.
	payload := make([]byte, 20)
	require.NoError(t, j.Send(payload))
	require.NoError(t, j.Send(payload))
	require.NoError(t, j.Send(payload))

	require.Equal(t, uint64(24), j.writeCursor.Load())
}

func TestJournalTransportRejectsOversizedPayload(t *testing.T) {
	j, err := NewJournalTransport(uniqueNamespace(t), 64, nil)
	require.NoError(t, err)
	defer j.Close()

	err = j.Send(make([]byte, 100))
	require.ErrorIs(t, err, ErrUnavailable)
}
