package workers

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
)

func TestPool_RunsAllJobs(t *testing.T) {
	pool := NewPool(context.Background(), 3, arbor.NewLogger())
	pool.Start()

	var ran atomic.Int32
	for i := 0; i < 20; i++ {
		require.NoError(t, pool.Submit(func(ctx context.Context) error {
			ran.Add(1)
			return nil
		}))
	}

	assert.Empty(t, pool.Wait())
	assert.Equal(t, int32(20), ran.Load())
}

func TestPool_BoundsConcurrency(t *testing.T) {
	pool := NewPool(context.Background(), 2, arbor.NewLogger())
	pool.Start()

	var active, peak atomic.Int32
	for i := 0; i < 8; i++ {
		require.NoError(t, pool.Submit(func(ctx context.Context) error {
			n := active.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			active.Add(-1)
			return nil
		}))
	}

	pool.Wait()
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestPool_CollectsErrorsAndPanics(t *testing.T) {
	pool := NewPool(context.Background(), 1, arbor.NewLogger())
	pool.Start()

	boom := errors.New("boom")
	require.NoError(t, pool.Submit(func(ctx context.Context) error { return boom }))
	require.NoError(t, pool.Submit(func(ctx context.Context) error { panic("kaput") }))

	errs := pool.Wait()
	require.Len(t, errs, 2)
	assert.ErrorIs(t, errs[0], boom)
	assert.Contains(t, errs[1].Error(), "kaput")
}

func TestPool_CancelledParentRejectsSubmit(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	pool := NewPool(ctx, 1, arbor.NewLogger())
	pool.Start()
	cancel()

	// Fill the buffer until Submit observes cancellation
	var err error
	for i := 0; i < 10 && err == nil; i++ {
		err = pool.Submit(func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		})
	}
	assert.Error(t, err)
	pool.Wait()
}

func TestPool_WaitTwice(t *testing.T) {
	pool := NewPool(context.Background(), 1, arbor.NewLogger())
	pool.Start()
	pool.Wait()
	assert.NotPanics(t, func() { pool.Wait() })
}

func TestPool_ShutdownAbandonsQueuedJobs(t *testing.T) {
	pool := NewPool(context.Background(), 1, arbor.NewLogger())
	pool.Start()

	started := make(chan struct{})
	var ran atomic.Int32
	require.NoError(t, pool.Submit(func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return nil
	}))
	<-started
	require.NoError(t, pool.Submit(func(ctx context.Context) error {
		ran.Add(1)
		return nil
	}))

	pool.Shutdown()
	assert.Zero(t, ran.Load())
}
