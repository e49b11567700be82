// Package workerpool provides a bounded pool of goroutines fed by a bounded queue.
package workerpool

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
)

var (
	ErrPoolFull    = errors.New("worker pool queue is full")
	ErrPoolStopped = errors.New("worker pool is stopped")
)

// Task runs on a pool worker. The context is cancelled when the pool stops.
type Task func(ctx context.Context)

type Pool struct {
	name    string
	logger  *slog.Logger
	workers int
	// slots bounds accepted tasks (running plus queued); a slot is freed when its task returns.
	slots  chan struct{}
	tasks  chan Task
	active atomic.Int32

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	started bool
	stopped bool
}

// New creates a pool with the given number of workers and queue capacity. Start must be called
// before tasks run.
func New(name string, workers, queueCapacity int, logger *slog.Logger) *Pool {
	ctx, cancel := context.WithCancel(context.Background())

	workers = max(workers, 1)
	limit := workers + max(queueCapacity, 0)

	return &Pool{
		name:    name,
		logger:  logger.With("module", "workerpool", "pool", name),
		workers: workers,
		slots:   make(chan struct{}, limit),
		tasks:   make(chan Task, limit),
		ctx:     ctx,
		cancel:  cancel,
	}
}

func (p *Pool) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started || p.stopped {
		return
	}

	p.started = true

	for range p.workers {
		p.wg.Add(1)

		go p.run()
	}

	p.logger.Info("Worker pool started", "workers", p.workers, "queue_capacity", p.QueueCapacity())
}

func (p *Pool) run() {
	defer p.wg.Done()

	for {
		select {
		case <-p.ctx.Done():
			return
		case task := <-p.tasks:
			p.execute(task)
		}
	}
}

func (p *Pool) execute(task Task) {
	p.active.Add(1)
	defer p.active.Add(-1)
	defer func() { <-p.slots }()

	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("Task panicked", "panic", r)
		}
	}()

	task(p.ctx)
}

// TrySubmit enqueues task without blocking and returns ErrPoolFull when no slot is free.
func (p *Pool) TrySubmit(task Task) error {
	if p.ctx.Err() != nil {
		return ErrPoolStopped
	}

	select {
	case p.slots <- struct{}{}:
		p.tasks <- task

		return nil
	default:
		return ErrPoolFull
	}
}

// Submit enqueues task, waiting for a free slot until ctx is done or the pool stops.
func (p *Pool) Submit(ctx context.Context, task Task) error {
	if p.ctx.Err() != nil {
		return ErrPoolStopped
	}

	select {
	case p.slots <- struct{}{}:
		p.tasks <- task

		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.ctx.Done():
		return ErrPoolStopped
	}
}

// Workers is the maximum number of concurrently running tasks.
func (p *Pool) Workers() int { return p.workers }

// Active is the number of tasks currently running.
func (p *Pool) Active() int { return int(p.active.Load()) }

// Queued is the number of tasks waiting for a worker.
func (p *Pool) Queued() int { return len(p.tasks) }

func (p *Pool) QueueCapacity() int { return cap(p.slots) - p.workers }

// Available is the number of tasks that can still be accepted: idle workers plus free queue slots.
func (p *Pool) Available() int {
	return cap(p.slots) - len(p.slots)
}

// Stop cancels running tasks, drops queued ones and waits for the workers to exit.
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()

		return
	}

	p.stopped = true
	p.mu.Unlock()

	p.cancel()
	p.wg.Wait()

	p.logger.Info("Worker pool stopped", "dropped", len(p.tasks))
}
