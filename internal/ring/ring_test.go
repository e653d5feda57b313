package ring

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/marrekt/agentfabric/internal/envelope"
)

func newTestLane(t *testing.T, size uint64, mp bool) *Lane {
	t.Helper()
	return NewLane(LaneConfig{Priority: envelope.PriorityNormal, Size: size, MultiProducer: mp})
}

func TestLaneFIFOOrder(t *testing.T) {
	l := newTestLane(t, 1024, false)
	msgs := [][]byte{[]byte("a"), []byte("bb"), []byte("ccc")}
	for _, m := range msgs {
		require.NoError(t, l.Write(m))
	}

	dest := make([]byte, 1024)
	for _, want := range msgs {
		n, err := l.Read(dest)
		require.NoError(t, err)
		require.Equal(t, want, dest[:n])
	}
	_, err := l.Read(dest)
	require.ErrorIs(t, err, ErrEmpty)
}

func TestLaneBoundaryExactQuarterAccepted(t *testing.T) {
	l := newTestLane(t, 1024, false)
	payload := make([]byte, 256) // exactly 1024/4
	require.NoError(t, l.Write(payload))
}

func TestLaneBoundaryOneByteOverRejected(t *testing.T) {
	l := newTestLane(t, 1024, false)
	payload := make([]byte, 257)
	err := l.Write(payload)
	require.ErrorIs(t, err, ErrTooLarge)
}

func TestLaneReportsFullWhenOutOfSpace(t *testing.T) {
	l := newTestLane(t, 64, false)
	payload := make([]byte, 16)
	var err error
	for i := 0; i < 10; i++ {
		if err = l.Write(payload); err != nil {
			break
		}
	}
	require.ErrorIs(t, err, ErrFull)
	require.Equal(t, uint64(1), l.DroppedFull())
}

func TestLaneWraparoundPreservesContent(t *testing.T) {
	l := newTestLane(t, 64, false)
	dest := make([]byte, 64)

	// Repeatedly write-then-read small messages so the cursor wraps past
	// the end of the underlying buffer multiple times.
	for i := 0; i < 50; i++ {
		payload := []byte{byte(i), byte(i + 1), byte(i + 2)}
		require.NoError(t, l.Write(payload))
		n, err := l.Read(dest)
		require.NoError(t, err)
		require.Equal(t, payload, dest[:n])
	}
}

func TestLaneCorruptLengthPrefixDegradesAndResyncs(t *testing.T) {
	l := newTestLane(t, 128, false)
	require.NoError(t, l.Write([]byte("hello")))

	// Corrupt the length prefix in place to something impossible.
	l.buf[0] = 0xFF
	l.buf[1] = 0xFF
	l.buf[2] = 0xFF
	l.buf[3] = 0x7F

	dest := make([]byte, 128)
	_, err := l.Read(dest)
	require.ErrorIs(t, err, ErrCorrupt)
	require.True(t, l.Degraded())
	require.Equal(t, uint64(1), l.DroppedCorrupt())

	l.Resync()
	require.False(t, l.Degraded())
	_, err = l.Read(dest)
	require.ErrorIs(t, err, ErrEmpty)
}

func TestLaneMultiProducerPreservesAllMessages(t *testing.T) {
	l := newTestLane(t, 1<<16, true)
	const producers = 8
	const perProducer = 200

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				payload := []byte{byte(id), byte(i), byte(i >> 8)}
				for l.Write(payload) == ErrFull {
					// lane sized generously enough that this shouldn't spin long
				}
			}
		}(p)
	}
	wg.Wait()

	dest := make([]byte, 1024)
	count := 0
	for {
		_, err := l.Read(dest)
		if err == ErrEmpty {
			break
		}
		require.NoError(t, err)
		count++
	}
	require.Equal(t, producers*perProducer, count)
}

func TestRingDrainsInPriorityOrder(t *testing.T) {
	r := New(Config{})
	require.NoError(t, r.Write(envelope.PriorityLow, []byte("low")))
	require.NoError(t, r.Write(envelope.PriorityCritical, []byte("critical")))
	require.NoError(t, r.Write(envelope.PriorityNormal, []byte("normal")))

	dest := make([]byte, 256)

	p, n, err := r.Next(dest)
	require.NoError(t, err)
	require.Equal(t, envelope.PriorityCritical, p)
	require.Equal(t, "critical", string(dest[:n]))

	p, n, err = r.Next(dest)
	require.NoError(t, err)
	require.Equal(t, envelope.PriorityNormal, p)
	require.Equal(t, "normal", string(dest[:n]))

	p, n, err = r.Next(dest)
	require.NoError(t, err)
	require.Equal(t, envelope.PriorityLow, p)
	require.Equal(t, "low", string(dest[:n]))

	_, _, err = r.Next(dest)
	require.ErrorIs(t, err, ErrEmpty)
}

func TestRingWriteBadPriority(t *testing.T) {
	r := New(Config{})
	err := r.Write(envelope.Priority(200), []byte("x"))
	require.ErrorIs(t, err, ErrBadPriority)
}

func TestRingDrainRespectsFairnessQuantum(t *testing.T) {
	r := New(Config{FairnessQuantum: 2})
	for i := 0; i < 5; i++ {
		require.NoError(t, r.Write(envelope.PriorityCritical, []byte("c")))
	}
	require.NoError(t, r.Write(envelope.PriorityLow, []byte("l")))

	dest := make([]byte, 64)
	var order []envelope.Priority
	r.Drain(dest, func(p envelope.Priority, n int) {
		order = append(order, p)
	})

	// One Drain pass pulls at most FairnessQuantum messages per lane, so
	// only 2 of the 5 queued criticals come out before the loop moves on
	// to the low lane; the remaining 3 criticals wait for the caller's
	// next Drain call.
	require.Len(t, order, 3)
	require.Equal(t, envelope.PriorityCritical, order[0])
	require.Equal(t, envelope.PriorityCritical, order[1])
	require.Equal(t, envelope.PriorityLow, order[2])
}

func TestRingPendingReflectsUnreadBytes(t *testing.T) {
	r := New(Config{})
	require.Equal(t, uint64(0), r.Pending())
	require.NoError(t, r.Write(envelope.PriorityNormal, []byte("hello")))
	require.Greater(t, r.Pending(), uint64(0))
}
