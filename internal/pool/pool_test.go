package pool

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/marrekt/agentfabric/internal/cluster"
)

type fakeHandle struct {
	closed bool
}

func (f *fakeHandle) Close() error {
	f.closed = true
	return nil
}

func TestAcquireExhaustedWhenEmpty(t *testing.T) {
	p := New(DefaultConfig())
	_, ok := p.Acquire("n1")
	require.False(t, ok)
}

func TestReleaseThenAcquireRoundTrips(t *testing.T) {
	p := New(DefaultConfig())
	h := &fakeHandle{}
	p.Release("n1", h)
	require.Equal(t, 1, p.Size("n1"))

	got, ok := p.Acquire("n1")
	require.True(t, ok)
	require.Same(t, h, got)
	require.Equal(t, 0, p.Size("n1"))
}

func TestReleaseClosesOverflowHandle(t *testing.T) {
	p := New(Config{MaxPerNode: 1})
	first := &fakeHandle{}
	second := &fakeHandle{}
	p.Release("n1", first)
	p.Release("n1", second)

	require.Equal(t, 1, p.Size("n1"))
	require.True(t, second.closed)
	require.False(t, first.closed)
}

func TestEvictIdleClosesExpiredHandles(t *testing.T) {
	p := New(Config{MaxPerNode: 4, IdleTimeout: time.Millisecond})
	h := &fakeHandle{}
	p.Release("n1", h)

	time.Sleep(5 * time.Millisecond)
	evicted := p.EvictIdle(time.Now())
	require.Equal(t, 1, evicted)
	require.True(t, h.closed)
	require.Equal(t, 0, p.Size("n1"))
}

func TestPoolsAreIndependentPerNode(t *testing.T) {
	p := New(DefaultConfig())
	p.Release("n1", &fakeHandle{})
	require.Equal(t, 1, p.Size("n1"))
	require.Equal(t, 0, p.Size(cluster.NodeID("n2")))
}
