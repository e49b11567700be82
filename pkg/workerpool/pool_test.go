package workerpool

import (
	"context"
	"log/slog"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPool(workers, queue int) *Pool {
	return New("test", workers, queue, slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError})))
}

func TestPool_RunsTasks(t *testing.T) {
	pool := newTestPool(2, 4)
	pool.Start()
	defer pool.Stop()

	var count atomic.Int32

	done := make(chan struct{}, 4)

	for range 4 {
		require.NoError(t, pool.TrySubmit(func(context.Context) {
			count.Add(1)
			done <- struct{}{}
		}))
	}

	for range 4 {
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("task did not run")
		}
	}

	assert.Equal(t, int32(4), count.Load())
}

func TestPool_TrySubmitRejectsWhenFull(t *testing.T) {
	pool := newTestPool(1, 1)
	pool.Start()
	defer pool.Stop()

	release := make(chan struct{})
	running := make(chan struct{})

	require.NoError(t, pool.TrySubmit(func(context.Context) {
		close(running)
		<-release
	}))
	<-running

	assert.Equal(t, 1, pool.Active())
	assert.Equal(t, 1, pool.Available())

	require.NoError(t, pool.TrySubmit(func(context.Context) {}))
	assert.Equal(t, 1, pool.Queued())
	assert.Equal(t, 0, pool.Available())

	assert.ErrorIs(t, pool.TrySubmit(func(context.Context) {}), ErrPoolFull)

	close(release)
}

func TestPool_SubmitHonoursContext(t *testing.T) {
	pool := newTestPool(1, 0)

	ctx, cancel := context.WithTimeout(t.Context(), 50*time.Millisecond)
	defer cancel()

	// Not started: the only slot stays taken.
	require.NoError(t, pool.Submit(ctx, func(context.Context) {}))
	assert.Equal(t, 0, pool.Available())

	err := pool.Submit(ctx, func(context.Context) {})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	pool.Stop()
	assert.ErrorIs(t, pool.Submit(t.Context(), func(context.Context) {}), ErrPoolStopped)
	assert.ErrorIs(t, pool.TrySubmit(func(context.Context) {}), ErrPoolStopped)
}

func TestPool_StopCancelsRunningTasks(t *testing.T) {
	pool := newTestPool(1, 0)
	pool.Start()

	cancelled := make(chan struct{})
	running := make(chan struct{})

	require.NoError(t, pool.Submit(t.Context(), func(ctx context.Context) {
		close(running)
		<-ctx.Done()
		close(cancelled)
	}))
	<-running

	pool.Stop()

	select {
	case <-cancelled:
	default:
		t.Fatal("running task was not cancelled")
	}
}

func TestPool_RecoversFromPanic(t *testing.T) {
	pool := newTestPool(1, 1)
	pool.Start()
	defer pool.Stop()

	require.NoError(t, pool.Submit(t.Context(), func(context.Context) { panic("boom") }))

	done := make(chan struct{})
	require.NoError(t, pool.Submit(t.Context(), func(context.Context) { close(done) }))

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("pool did not survive a panicking task")
	}
}
