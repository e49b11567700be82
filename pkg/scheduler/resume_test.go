package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type countingResumer struct {
	calls atomic.Int32
	err   error
}

func (r *countingResumer) ResumeDue(context.Context) (int, error) {
	r.calls.Add(1)

	return 1, r.err
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestResumeScheduler_PollsUntilStopped(t *testing.T) {
	resumer := &countingResumer{}
	scheduler := NewResumeScheduler(resumer, 5*time.Millisecond, testLogger())

	scheduler.Start(t.Context())
	scheduler.Start(t.Context())

	assert.Eventually(t, func() bool { return resumer.calls.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)

	scheduler.Stop()
	calls := resumer.calls.Load()

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, calls, resumer.calls.Load())

	scheduler.Stop()
}

func TestResumeScheduler_KeepsPollingAfterErrors(t *testing.T) {
	resumer := &countingResumer{err: errors.New("store unavailable")}
	scheduler := NewResumeScheduler(resumer, 5*time.Millisecond, testLogger())

	scheduler.Start(t.Context())
	defer scheduler.Stop()

	assert.Eventually(t, func() bool { return resumer.calls.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)
}

func TestResumeScheduler_StopsWithContext(t *testing.T) {
	resumer := &countingResumer{}
	scheduler := NewResumeScheduler(resumer, 5*time.Millisecond, testLogger())

	ctx, cancel := context.WithCancel(t.Context())
	scheduler.Start(ctx)
	cancel()

	scheduler.Stop()
	calls := resumer.calls.Load()

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, calls, resumer.calls.Load())
}

func TestNewResumeScheduler_DefaultInterval(t *testing.T) {
	scheduler := NewResumeScheduler(&countingResumer{}, 0, testLogger())

	assert.Equal(t, DefaultResumeInterval, scheduler.interval)
}
