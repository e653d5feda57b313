package dispatch

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSubmitAndExecuteRunsEveryItem(t *testing.T) {
	d := New(DefaultConfig(), nil, nil)
	d.Start()
	defer d.Stop(false)

	const n = 200
	var count atomic.Int64
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		i := i
		d.Submit(ClassEfficiency, &Item{
			CorrelationID: uint32(i),
			Run: func() {
				count.Add(1)
				wg.Done()
			},
		})
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for all items to execute")
	}
	require.Equal(t, int64(n), count.Load())
}

func TestCriticalWorkNeverRunsOnEClassWhenPoolsDistinct(t *testing.T) {
	cfg := Config{PCores: []int{0}, ECores: []int{1}}
	d := New(cfg, nil, nil)

	ran := make(chan struct{}, 1)
	d.Submit(ClassCritical, &Item{
		CorrelationID: 1,
		Run:           func() { ran <- struct{}{} },
	})
	// Submit queues the item on the only P-class worker, and the E-class
	// worker finds nothing it may steal.
	require.Equal(t, int64(1), d.pWorkers[0].deque.Len())
	require.Equal(t, int64(0), d.eWorkers[0].deque.Len())
	require.Nil(t, d.eWorkers[0].steal())

	d.Start()
	defer d.Stop(false)
	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("critical item never ran")
	}
}

func TestPanicIsolationIncrementsTasksFailed(t *testing.T) {
	d := New(DefaultConfig(), nil, nil)
	d.Start()
	defer d.Stop(false)

	done := make(chan struct{})
	d.Submit(ClassEfficiency, &Item{
		CorrelationID: 99,
		Run: func() {
			defer close(done)
			panic("boom")
		},
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("panicking task never ran")
	}

	require.Eventually(t, func() bool {
		return d.Metrics().TasksFailed.Load() == 1
	}, time.Second, time.Millisecond)
}

func TestCircuitBreakerFiresAfterRepeatedPanics(t *testing.T) {
	var tripped atomic.Bool
	d := New(DefaultConfig(), nil, func(correlationID uint32, count int32) {
		tripped.Store(true)
	})
	d.Start()
	defer d.Stop(false)

	for i := 0; i < panicBudget+1; i++ {
		done := make(chan struct{})
		d.Submit(ClassEfficiency, &Item{
			CorrelationID: 7,
			Run: func() {
				defer close(done)
				panic("again")
			},
		})
		<-done
	}

	require.Eventually(t, func() bool { return tripped.Load() }, time.Second, time.Millisecond)
}

func TestStopForceDiscardsPending(t *testing.T) {
	d := New(DefaultConfig(), nil, nil)
	// Don't start: push items directly, then force-stop without ever
	// running so we can assert none execute.
	var ran atomic.Bool
	d.pWorkers[0].deque.PushBottom(&Item{Run: func() { ran.Store(true) }})
	d.running.Store(true)
	d.Stop(true)
	require.False(t, ran.Load())
}
