package dispatch

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDequePushPopLIFOForOwner(t *testing.T) {
	d := NewDeque(8)
	items := []*Item{{CorrelationID: 1}, {CorrelationID: 2}, {CorrelationID: 3}}
	for _, it := range items {
		d.PushBottom(it)
	}
	require.Equal(t, uint32(3), d.PopBottom().CorrelationID)
	require.Equal(t, uint32(2), d.PopBottom().CorrelationID)
	require.Equal(t, uint32(1), d.PopBottom().CorrelationID)
	require.Nil(t, d.PopBottom())
}

func TestDequeStealFIFOForThief(t *testing.T) {
	d := NewDeque(8)
	d.PushBottom(&Item{CorrelationID: 1})
	d.PushBottom(&Item{CorrelationID: 2})
	d.PushBottom(&Item{CorrelationID: 3})

	require.Equal(t, uint32(1), d.Steal().CorrelationID)
	require.Equal(t, uint32(2), d.Steal().CorrelationID)
}

func TestDequeGrowsPastInitialCapacity(t *testing.T) {
	d := NewDeque(2)
	for i := 0; i < 20; i++ {
		d.PushBottom(&Item{CorrelationID: uint32(i)})
	}
	require.Equal(t, int64(20), d.Len())
	count := 0
	for d.PopBottom() != nil {
		count++
	}
	require.Equal(t, 20, count)
}

func TestDequeConcurrentStealersSeeEachItemOnce(t *testing.T) {
	d := NewDeque(1024)
	const n = 500
	for i := 0; i < n; i++ {
		d.PushBottom(&Item{CorrelationID: uint32(i)})
	}

	var seen atomic.Int64
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				it := d.Steal()
				if it == nil {
					if d.Len() <= 0 {
						return
					}
					continue
				}
				seen.Add(1)
			}
		}()
	}
	wg.Wait()
	require.Equal(t, int64(n), seen.Load())
}
