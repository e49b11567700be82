package orchestrator

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dukex/orkestra/pkg/ci"
	"github.com/dukex/orkestra/pkg/credentials"
	"github.com/dukex/orkestra/pkg/mocks"
	"github.com/dukex/orkestra/pkg/models"
	"github.com/dukex/orkestra/pkg/persistence"
	"github.com/dukex/orkestra/pkg/persistence/file"
	"github.com/dukex/orkestra/pkg/timer"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var testProject = ci.Project{ID: "42", Token: "glpat-secret"}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.now = c.now.Add(d)
}

type harness struct {
	store        *file.Persistence
	provider     *mocks.MockProvider
	orchestrator *Orchestrator
	application  *models.Application
	clock        *testClock
}

func testConfig() Config {
	return Config{
		FlowWorkers:       4,
		FlowQueueCapacity: 4,
		PollWorkers:       4,
		PollQueueCapacity: 4,
		PollInterval:      10 * time.Millisecond,
	}
}

func newHarness(t *testing.T, config Config) *harness {
	t.Helper()

	return newHarnessWith(t, config, nil)
}

// newHarnessWith routes the orchestrator's flow execution writes through executions when it is not nil.
// The harness itself keeps reading the underlying store.
func newHarnessWith(t *testing.T, config Config, executions *hookedExecutions, options ...Option) *harness {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	store := file.NewPersistence(t.TempDir())

	cipher, err := credentials.NewCipher("test-key")
	require.NoError(t, err)

	token, err := cipher.Encrypt(testProject.Token)
	require.NoError(t, err)

	application := &models.Application{Name: "checkout", GitlabProjectID: testProject.ID, PersonalAccessToken: token}
	require.NoError(t, store.Applications().Save(t.Context(), application))

	clock := &testClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
	provider := &mocks.MockProvider{}

	var backend persistence.Persistence = store
	if executions != nil {
		executions.FlowExecutionRepository = store.FlowExecutions()
		backend = &hookedStore{Persistence: store, executions: executions}
	}

	o := New(
		backend,
		provider,
		credentials.NewResolver(store.Applications(), cipher),
		timer.NewCalculator(logger, timer.WithClock(clock.Now), timer.WithLocation(time.UTC)),
		config,
		logger,
		append([]Option{WithClock(clock.Now)}, options...)...,
	)
	o.Start()
	t.Cleanup(o.Stop)

	return &harness{store: store, provider: provider, orchestrator: o, application: application, clock: clock}
}

func (h *harness) step(t *testing.T, stage string, configure ...func(*models.FlowStep)) *models.FlowStep {
	t.Helper()

	step := &models.FlowStep{
		ApplicationID: h.application.ID,
		Branch:        "main",
		TestTag:       "@" + stage,
		TestStage:     stage,
	}

	for _, c := range configure {
		c(step)
	}

	require.NoError(t, h.store.FlowSteps().Save(t.Context(), step))

	return step
}

func (h *harness) flow(t *testing.T, steps ...*models.FlowStep) *models.Flow {
	t.Helper()

	flow := &models.Flow{Name: "checkout flow"}
	for _, step := range steps {
		flow.FlowStepIDs = append(flow.FlowStepIDs, step.ID)
	}

	require.NoError(t, h.store.Flows().Save(t.Context(), flow))

	return flow
}

func (h *harness) testData(t *testing.T, variables map[string]string) *models.TestData {
	t.Helper()

	data := &models.TestData{ApplicationID: h.application.ID, Variables: variables}
	require.NoError(t, h.store.TestData().Save(t.Context(), data))

	return data
}

// pipeline expects a trigger for stage returning id, and a terminal status for it.
func (h *harness) pipeline(stage string, id int64, status string) *mock.Call {
	h.provider.On("PipelineStatus", mock.Anything, testProject, id).Return(ci.NewPipelineStatus(status), nil)

	return h.provider.On("TriggerPipeline", mock.Anything, mock.MatchedBy(func(request ci.TriggerRequest) bool {
		return request.Stage == stage
	})).Return(&ci.Pipeline{ID: id, WebURL: "https://ci.example/p/" + stage}, nil)
}

func (h *harness) noJobs(id int64) {
	h.provider.On("PipelineJobs", mock.Anything, testProject, id).Return([]ci.Job{}, nil)
}

func (h *harness) waitFor(t *testing.T, executionID string, status models.ExecutionStatus) *models.FlowExecution {
	t.Helper()

	var execution *models.FlowExecution

	require.Eventually(t, func() bool {
		var err error

		execution, err = h.store.FlowExecutions().GetByID(t.Context(), executionID)

		return err == nil && execution.Status == status
	}, 5*time.Second, 10*time.Millisecond, "execution never reached %s", status)

	return execution
}

func (h *harness) records(t *testing.T, executionID string) []*models.PipelineExecution {
	t.Helper()

	records, err := h.store.PipelineExecutions().GetByFlowExecution(t.Context(), executionID)
	require.NoError(t, err)

	return records
}

type hookedStore struct {
	persistence.Persistence
	executions *hookedExecutions
}

func (s *hookedStore) FlowExecutions() persistence.FlowExecutionRepository { return s.executions }

// hookedExecutions lets a test step into flow execution writes and serve one outdated read.
type hookedExecutions struct {
	persistence.FlowExecutionRepository
	beforeSaveActive func(execution *models.FlowExecution)
	stale            atomic.Pointer[models.FlowExecution]
}

func (e *hookedExecutions) SaveActive(ctx context.Context, execution *models.FlowExecution) (bool, error) {
	if e.beforeSaveActive != nil {
		e.beforeSaveActive(execution)
	}

	return e.FlowExecutionRepository.SaveActive(ctx, execution)
}

func (e *hookedExecutions) GetByID(ctx context.Context, id string) (*models.FlowExecution, error) {
	if stale := e.stale.Swap(nil); stale != nil && stale.ID == id {
		return stale, nil
	}

	return e.FlowExecutionRepository.GetByID(ctx, id)
}

type countingRecorder struct {
	nopRecorder

	mu       sync.Mutex
	finished map[models.ExecutionStatus]int
}

func newCountingRecorder() *countingRecorder {
	return &countingRecorder{finished: map[models.ExecutionStatus]int{}}
}

func (r *countingRecorder) FlowFinished(status models.ExecutionStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.finished[status]++
}

func (r *countingRecorder) flowsFinished(status models.ExecutionStatus) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.finished[status]
}
