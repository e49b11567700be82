// Package scheduler runs the periodic background jobs: reactivating deferred flow steps and
// revalidating application tokens.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const DefaultResumeInterval = time.Minute

// Resumer reactivates scheduled steps whose resume time has elapsed.
type Resumer interface {
	ResumeDue(ctx context.Context) (int, error)
}

// ResumeScheduler polls for due scheduled steps on a fixed period.
type ResumeScheduler struct {
	resumer  Resumer
	interval time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	ticker  *time.Ticker
	done    chan struct{}
	stopped chan struct{}
	started bool
}

func NewResumeScheduler(resumer Resumer, interval time.Duration, logger *slog.Logger) *ResumeScheduler {
	if interval <= 0 {
		interval = DefaultResumeInterval
	}

	return &ResumeScheduler{
		resumer:  resumer,
		interval: interval,
		logger:   logger.With("module", "resume_scheduler"),
	}
}

func (s *ResumeScheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return
	}

	s.ticker = time.NewTicker(s.interval)
	s.done = make(chan struct{})
	s.stopped = make(chan struct{})
	s.started = true

	go s.poll(ctx, s.ticker, s.done, s.stopped)

	s.logger.Info("Resume scheduler started", "interval", s.interval)
}

// Stop ends polling and waits for an in-progress tick to return.
func (s *ResumeScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return
	}

	s.ticker.Stop()
	close(s.done)
	<-s.stopped

	s.started = false
	s.logger.Info("Resume scheduler stopped")
}

func (s *ResumeScheduler) poll(ctx context.Context, ticker *time.Ticker, done, stopped chan struct{}) {
	defer close(stopped)

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs one scan. Failures are logged and retried on the next tick.
func (s *ResumeScheduler) Tick(ctx context.Context) {
	resumed, err := s.resumer.ResumeDue(ctx)
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to resume scheduled steps", "error", err)

		return
	}

	if resumed > 0 {
		s.logger.InfoContext(ctx, "Resumed scheduled steps", "count", resumed)
	}
}
