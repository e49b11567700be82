// Package orchestrator sequences flow executions: admission control, step execution against the CI
// provider, deferral and resumption of scheduled steps, replay from a failed step and cancellation.
package orchestrator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/dukex/orkestra/pkg/ci"
	"github.com/dukex/orkestra/pkg/eventbus"
	"github.com/dukex/orkestra/pkg/models"
	"github.com/dukex/orkestra/pkg/otelhelper"
	"github.com/dukex/orkestra/pkg/persistence"
	"github.com/dukex/orkestra/pkg/timer"
	"github.com/dukex/orkestra/pkg/workerpool"
	"go.opentelemetry.io/otel/trace"
)

const (
	DefaultFlowWorkers       = 10
	DefaultFlowQueueCapacity = 50
	DefaultPollWorkers       = 20
	DefaultPollQueueCapacity = 100
	DefaultPollInterval      = 15 * time.Second
)

type Config struct {
	FlowWorkers       int
	FlowQueueCapacity int
	PollWorkers       int
	PollQueueCapacity int
	PollInterval      time.Duration
}

// CredentialResolver returns an application with the decrypted project credentials used to reach it.
type CredentialResolver interface {
	Resolve(ctx context.Context, applicationID int64) (*models.Application, ci.Project, error)
}

// Recorder receives orchestration measurements.
type Recorder interface {
	Accepted()
	Rejected(reason string)
	FlowFinished(status models.ExecutionStatus)
	StepFinished(status models.ExecutionStatus, duration time.Duration)
	StepResumed()
}

type nopRecorder struct{}

func (nopRecorder) Accepted() {}
func (nopRecorder) Rejected(string) {}
func (nopRecorder) FlowFinished(models.ExecutionStatus) {}
func (nopRecorder) StepFinished(models.ExecutionStatus, time.Duration) {}
func (nopRecorder) StepResumed() {}

type Option func(*Orchestrator)

func WithEventPublisher(publisher eventbus.EventPublisher) Option {
	return func(o *Orchestrator) {
		o.publisher = publisher
	}
}

func WithRecorder(recorder Recorder) Option {
	return func(o *Orchestrator) {
		o.metrics = recorder
	}
}

func WithTracer(tracer trace.Tracer) Option {
	return func(o *Orchestrator) {
		o.tracer = tracer
	}
}

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		o.now = now
	}
}

type Orchestrator struct {
	persistence persistence.Persistence
	provider    ci.Provider
	credentials CredentialResolver
	calculator  *timer.Calculator
	publisher   eventbus.EventPublisher
	metrics     Recorder
	tracer      trace.Tracer
	logger      *slog.Logger
	now         func() time.Time

	flowPool     *workerpool.Pool
	pollPool     *workerpool.Pool
	pollInterval time.Duration

	// admission serializes capacity checks; reserved counts slots granted but not yet dispatched.
	admission sync.Mutex
	reserved  int

	runsMu sync.Mutex
	runs   map[string]context.CancelFunc
}

func New(
	store persistence.Persistence,
	provider ci.Provider,
	resolver CredentialResolver,
	calculator *timer.Calculator,
	config Config,
	logger *slog.Logger,
	options ...Option,
) *Orchestrator {
	logger = logger.With("module", "orchestrator")

	if config.PollInterval <= 0 {
		config.PollInterval = DefaultPollInterval
	}

	o := &Orchestrator{
		persistence:  store,
		provider:     provider,
		credentials:  resolver,
		calculator:   calculator,
		metrics:      nopRecorder{},
		tracer:       otelhelper.NoopTracer(),
		logger:       logger,
		now:          time.Now,
		flowPool:     workerpool.New("flows", orDefault(config.FlowWorkers, DefaultFlowWorkers), orDefault(config.FlowQueueCapacity, DefaultFlowQueueCapacity), logger),
		pollPool:     workerpool.New("polls", orDefault(config.PollWorkers, DefaultPollWorkers), orDefault(config.PollQueueCapacity, DefaultPollQueueCapacity), logger),
		pollInterval: config.PollInterval,
		runs:         make(map[string]context.CancelFunc),
	}

	for _, option := range options {
		option(o)
	}

	return o
}

func orDefault(value, fallback int) int {
	if value <= 0 {
		return fallback
	}

	return value
}

// Start launches the worker pools.
func (o *Orchestrator) Start() {
	o.flowPool.Start()
	o.pollPool.Start()
}

// Stop cancels in-flight orchestration. Records of interrupted executions keep their last persisted
// status.
func (o *Orchestrator) Stop() {
	o.flowPool.Stop()
	o.pollPool.Stop()
}

// FlowPool exposes the flow execution pool for instrumentation.
func (o *Orchestrator) FlowPool() *workerpool.Pool {
	return o.flowPool
}

func (o *Orchestrator) PollPool() *workerpool.Pool {
	return o.pollPool
}

func (o *Orchestrator) track(executionID string, cancel context.CancelFunc) {
	o.runsMu.Lock()
	defer o.runsMu.Unlock()

	o.runs[executionID] = cancel
}

func (o *Orchestrator) untrack(executionID string) {
	o.runsMu.Lock()
	defer o.runsMu.Unlock()

	delete(o.runs, executionID)
}

// interrupt cancels the in-flight run of an execution, if any.
func (o *Orchestrator) interrupt(executionID string) bool {
	o.runsMu.Lock()
	defer o.runsMu.Unlock()

	cancel, ok := o.runs[executionID]
	if ok {
		cancel()
	}

	return ok
}

// Wait blocks until no orchestration is running or ctx is done.
func (o *Orchestrator) Wait(ctx context.Context, executionIDs ...string) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		done := true

		for _, id := range executionIDs {
			execution, err := o.persistence.FlowExecutions().GetByID(ctx, id)
			if err != nil {
				return err
			}

			if !execution.Status.IsTerminal() {
				done = false

				break
			}
		}

		if done {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (o *Orchestrator) publish(ctx context.Context, executionID string, event eventbus.Event) {
	if o.publisher == nil {
		return
	}

	if err := o.publisher.Publish(ctx, executionID, event); err != nil {
		o.logger.WarnContext(ctx, "Failed to publish event", "event_type", event.GetType(), "flow_execution_id", executionID, "error", err)
	}
}
