package task

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolBoundedConcurrency(t *testing.T) {
	const size = 2

	var (
		running atomic.Int32
		peak    atomic.Int32
		done    sync.WaitGroup
	)
	release := make(chan struct{})

	pool := NewPool(size, 10, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.Start(ctx)

	// Submit one more job than the pool can run at once.
	for i := 0; i < size+1; i++ {
		done.Add(1)
		err := pool.Submit(Job{TaskID: "t", Run: func() {
			defer done.Done()
			now := running.Add(1)
			for {
				old := peak.Load()
				if now <= old || peak.CompareAndSwap(old, now) {
					break
				}
			}
			<-release
			running.Add(-1)
		}})
		require.NoError(t, err)
	}

	// Let the workers pick up what they can.
	assert.Eventually(t, func() bool { return running.Load() == size }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(size), running.Load(), "exactly N jobs run concurrently, the rest stay queued")

	close(release)
	done.Wait()
	assert.Equal(t, int32(size), peak.Load())
}

func TestPoolFIFOOrder(t *testing.T) {
	pool := NewPool(1, 10, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		mu    sync.Mutex
		order []int
		done  sync.WaitGroup
	)
	for i := 0; i < 5; i++ {
		i := i
		done.Add(1)
		require.NoError(t, pool.Submit(Job{Run: func() {
			defer done.Done()
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		}}))
	}

	pool.Start(ctx)
	done.Wait()
	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestPoolSubmitAfterClose(t *testing.T) {
	pool := NewPool(1, 1, nil)
	pool.Close()
	err := pool.Submit(Job{Run: func() {}})
	assert.ErrorIs(t, err, ErrQueueClosed)
}

func TestPoolQueueFull(t *testing.T) {
	pool := NewPool(1, 1, nil)
	// Workers never started, so the single buffer slot fills up.
	require.NoError(t, pool.Submit(Job{Run: func() {}}))
	err := pool.Submit(Job{Run: func() {}})
	assert.ErrorIs(t, err, ErrQueueFull)
}

func TestPoolRecoversPanics(t *testing.T) {
	var (
		panickedID atomic.Value
		ran        = make(chan struct{})
	)
	pool := NewPool(1, 10, func(taskID string, cause any) {
		panickedID.Store(taskID)
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.Start(ctx)

	require.NoError(t, pool.Submit(Job{TaskID: "boom", Run: func() { panic("kaboom") }}))
	require.NoError(t, pool.Submit(Job{TaskID: "next", Run: func() { close(ran) }}))

	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("job queued behind a panicking job never ran")
	}
	assert.Equal(t, "boom", panickedID.Load())
}

func TestPoolWait(t *testing.T) {
	pool := NewPool(1, 1, nil)
	ctx, cancel := context.WithCancel(context.Background())
	pool.Start(ctx)

	cancel()
	waitCtx, waitCancel := context.WithTimeout(context.Background(), time.Second)
	defer waitCancel()
	assert.NoError(t, pool.Wait(waitCtx))
}
