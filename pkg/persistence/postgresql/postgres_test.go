package postgresql_test

import (
	"context"
	"database/sql"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/dukex/orkestra/pkg/models"
	"github.com/dukex/orkestra/pkg/persistence"
	"github.com/dukex/orkestra/pkg/persistence/postgresql"
	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

var postgresContainer *postgres.PostgresContainer

func dropDb(ctx context.Context, t *testing.T, databaseURL string) {
	t.Helper()

	db, err := sql.Open("postgres", databaseURL)
	require.NoError(t, err)

	// Children first, parents last
	for _, table := range []string{
		"pipeline_executions", "flow_executions", "flow_groups", "flows", "flow_steps", "test_data",
		"applications", "schema_migrations",
	} {
		_, err = db.ExecContext(ctx, "DROP TABLE IF EXISTS "+table+" CASCADE")
		require.NoError(t, err)
	}

	err = db.Close()
	require.NoError(t, err)
}

func setupTestDB(t *testing.T) (*postgresql.Persistence, context.Context, string) {
	t.Helper()
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Second)

	if postgresContainer == nil || !postgresContainer.IsRunning() {
		var err error

		postgresContainer, err = postgres.Run(ctx,
			"postgres:16-alpine",
			postgres.WithDatabase("orkestra_test"),
			postgres.WithUsername("orkestra"),
			postgres.WithPassword("orkestra"),
			postgres.BasicWaitStrategies(),
		)
		require.NoError(t, err)
	}

	databaseURL, err := postgresContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	dropDb(ctx, t, databaseURL)

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

	persistence, err := postgresql.NewPersistence(ctx, logger, databaseURL)
	require.NoError(t, err)

	t.Cleanup(func() {
		dropDb(ctx, t, databaseURL)

		err = persistence.Close(ctx)
		require.NoError(t, err)

		cancel()
	})

	return persistence, ctx, databaseURL
}

func TestNewPersistence_Migrations(t *testing.T) {
	p, ctx, databaseURL := setupTestDB(t)

	require.NoError(t, p.HealthCheck(ctx))

	db, err := sql.Open("postgres", databaseURL)
	require.NoError(t, err)

	defer func() {
		err := db.Close()
		require.NoError(t, err)
	}()

	for _, table := range []string{"applications", "flow_steps", "flows", "flow_groups", "flow_executions", "pipeline_executions"} {
		var exists bool

		err = db.QueryRowContext(ctx, `SELECT EXISTS (SELECT FROM information_schema.tables WHERE table_name = $1)`, table).
			Scan(&exists)
		require.NoError(t, err)
		assert.True(t, exists, table)
	}

	var version int

	err = db.QueryRowContext(ctx, "SELECT MAX(version) FROM schema_migrations").Scan(&version)
	require.NoError(t, err)
	assert.Equal(t, 2, version)
}

func TestDefinitions_SaveAndGet(t *testing.T) {
	p, ctx, _ := setupTestDB(t)

	application := &models.Application{Name: "checkout", GitlabProjectID: "10", PersonalAccessToken: "sealed"}
	require.NoError(t, p.Applications().Save(ctx, application))
	assert.NotZero(t, application.ID)

	testData := &models.TestData{ApplicationID: application.ID, Variables: map[string]string{"USER": "alice"}}
	require.NoError(t, p.TestData().Save(ctx, testData))

	scheduler, err := models.NewInvokeScheduler("scheduled", &models.Timer{Hours: "9", Minutes: "0"})
	require.NoError(t, err)

	step := &models.FlowStep{
		ApplicationID:   application.ID,
		Branch:          "main",
		TestStage:       "test",
		TestDataIDs:     []int64{testData.ID},
		InvokeScheduler: scheduler,
	}
	require.NoError(t, p.FlowSteps().Save(ctx, step))

	plain := &models.FlowStep{ApplicationID: application.ID, Branch: "main"}
	require.NoError(t, p.FlowSteps().Save(ctx, plain))

	flow := &models.Flow{Name: "purchase", FlowStepIDs: []int64{step.ID, plain.ID}}
	require.NoError(t, p.Flows().Save(ctx, flow))

	loadedStep, err := p.FlowSteps().GetByID(ctx, step.ID)
	require.NoError(t, err)
	assert.Equal(t, models.Scheduled{Hours: "9", Minutes: "0"}, loadedStep.InvokeScheduler)
	assert.Equal(t, []int64{testData.ID}, loadedStep.TestDataIDs)

	loadedPlain, err := p.FlowSteps().GetByID(ctx, plain.ID)
	require.NoError(t, err)
	assert.Nil(t, loadedPlain.InvokeScheduler)

	loadedFlow, err := p.Flows().GetByID(ctx, flow.ID)
	require.NoError(t, err)
	assert.Equal(t, flow.FlowStepIDs, loadedFlow.FlowStepIDs)

	found, err := p.TestData().GetByIDs(ctx, []int64{testData.ID, 999})
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "alice", found[0].Variables["USER"])

	_, err = p.Flows().GetByID(ctx, 999)
	assert.ErrorIs(t, err, persistence.ErrFlowNotFound)
}

func TestDefinitions_ExplicitIDsAdvanceSequence(t *testing.T) {
	p, ctx, _ := setupTestDB(t)

	require.NoError(t, p.Flows().Save(ctx, &models.Flow{ID: 10, Name: "seeded"}))

	next := &models.Flow{Name: "created"}
	require.NoError(t, p.Flows().Save(ctx, next))
	assert.Equal(t, int64(11), next.ID)
}

func TestFlowGroupRepository_Advance(t *testing.T) {
	p, ctx, _ := setupTestDB(t)

	group := &models.FlowGroup{Name: "nightly", FlowIDs: []int64{1, 2}, CurrentIteration: models.MaxGroupIteration - 5}
	require.NoError(t, p.FlowGroups().Save(ctx, group))

	var wg sync.WaitGroup

	for range 6 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			_, err := p.FlowGroups().Advance(ctx, group.ID)
			assert.NoError(t, err)
		}()
	}

	wg.Wait()

	loaded, err := p.FlowGroups().GetByID(ctx, group.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, loaded.CurrentIteration)
	assert.Equal(t, 1, loaded.Revolutions)

	_, err = p.FlowGroups().Advance(ctx, 999)
	assert.ErrorIs(t, err, persistence.ErrFlowGroupNotFound)
}

func TestExecutions_Lifecycle(t *testing.T) {
	p, ctx, _ := setupTestDB(t)

	groupID := int64(3)
	iteration := 7

	execution := &models.FlowExecution{
		ID:               uuid.New().String(),
		FlowID:           1,
		StartTime:        time.Now().UTC(),
		RuntimeVariables: map[string]string{},
		Status:           models.StatusRunning,
		FlowGroupID:      &groupID,
		Iteration:        &iteration,
	}
	require.NoError(t, p.FlowExecutions().Save(ctx, execution))

	past := time.Now().UTC().Add(-time.Minute)
	future := time.Now().UTC().Add(time.Hour)

	first := &models.PipelineExecution{
		FlowID: 1, FlowExecutionID: execution.ID, FlowStepID: 1, Status: models.StatusPassed,
		RuntimeTestData: map[string]string{"TOKEN": "x"},
	}
	due := &models.PipelineExecution{
		FlowID: 1, FlowExecutionID: execution.ID, FlowStepID: 2, Status: models.StatusScheduled, ResumeTime: &past,
	}
	later := &models.PipelineExecution{
		FlowID: 1, FlowExecutionID: execution.ID, FlowStepID: 3, Status: models.StatusScheduled, ResumeTime: &future,
	}

	for _, record := range []*models.PipelineExecution{first, due, later} {
		require.NoError(t, p.PipelineExecutions().Save(ctx, record))
	}

	records, err := p.PipelineExecutions().GetByFlowExecution(ctx, execution.ID)
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, "x", records[0].RuntimeTestData["TOKEN"])

	scheduled, err := p.PipelineExecutions().DueScheduled(ctx, time.Now().UTC())
	require.NoError(t, err)
	require.Len(t, scheduled, 1)
	assert.Equal(t, due.ID, scheduled[0].ID)

	claimed, err := p.PipelineExecutions().ClaimScheduled(ctx, due.ID, time.Now().UTC())
	require.NoError(t, err)
	assert.True(t, claimed)

	claimed, err = p.PipelineExecutions().ClaimScheduled(ctx, due.ID, time.Now().UTC())
	require.NoError(t, err)
	assert.False(t, claimed)

	_, err = p.PipelineExecutions().ClaimScheduled(ctx, 999, time.Now().UTC())
	assert.ErrorIs(t, err, persistence.ErrPipelineExecutionNotFound)

	activated, err := p.PipelineExecutions().GetByFlowExecutionAndStep(ctx, execution.ID, 2)
	require.NoError(t, err)
	assert.Equal(t, models.StatusInProgress, activated.Status)
	assert.Nil(t, activated.ResumeTime)
	assert.NotNil(t, activated.StartTime)

	execution.Finish(models.StatusPassed, map[string]string{"TOKEN": "x"}, time.Now().UTC())
	require.NoError(t, p.FlowExecutions().Save(ctx, execution))

	loaded, err := p.FlowExecutions().GetByID(ctx, execution.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPassed, loaded.Status)
	assert.NotNil(t, loaded.EndTime)
	assert.Equal(t, groupID, *loaded.FlowGroupID)
	assert.Equal(t, iteration, *loaded.Iteration)
	assert.Nil(t, loaded.Revolutions)
	assert.Equal(t, "x", loaded.RuntimeVariables["TOKEN"])

	_, err = p.FlowExecutions().GetByID(ctx, uuid.New().String())
	assert.ErrorIs(t, err, persistence.ErrFlowExecutionNotFound)
}

func TestExecutions_SaveActiveKeepsTerminalStatus(t *testing.T) {
	p, ctx, _ := setupTestDB(t)

	execution := &models.FlowExecution{
		ID:               uuid.New().String(),
		FlowID:           1,
		StartTime:        time.Now().UTC(),
		RuntimeVariables: map[string]string{},
		Status:           models.StatusRunning,
	}
	require.NoError(t, p.FlowExecutions().Save(ctx, execution))

	record := &models.PipelineExecution{
		FlowID: 1, FlowExecutionID: execution.ID, FlowStepID: 1, Status: models.StatusRunning,
	}
	require.NoError(t, p.PipelineExecutions().Save(ctx, record))

	cancelled := *execution
	cancelled.Finish(models.StatusCancelled, map[string]string{}, time.Now().UTC())

	saved, err := p.FlowExecutions().SaveActive(ctx, &cancelled)
	require.NoError(t, err)
	assert.True(t, saved)

	execution.Finish(models.StatusPassed, map[string]string{"TOKEN": "x"}, time.Now().UTC())

	saved, err = p.FlowExecutions().SaveActive(ctx, execution)
	require.NoError(t, err)
	assert.False(t, saved)

	loaded, err := p.FlowExecutions().GetByID(ctx, execution.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, loaded.Status)
	assert.Empty(t, loaded.RuntimeVariables)

	_, err = p.FlowExecutions().SaveActive(ctx, &models.FlowExecution{ID: uuid.New().String(), Status: models.StatusFailed})
	assert.ErrorIs(t, err, persistence.ErrFlowExecutionNotFound)

	pipelineID := int64(55)
	record.PipelineID = &pipelineID
	record.Status = models.StatusFailed

	saved, err = p.PipelineExecutions().SaveActive(ctx, record)
	require.NoError(t, err)
	assert.True(t, saved)

	record.Status = models.StatusCancelled

	saved, err = p.PipelineExecutions().SaveActive(ctx, record)
	require.NoError(t, err)
	assert.False(t, saved)

	stored, err := p.PipelineExecutions().GetByID(ctx, record.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, stored.Status)
	assert.Equal(t, pipelineID, *stored.PipelineID)

	_, err = p.PipelineExecutions().SaveActive(ctx, &models.PipelineExecution{ID: 999, Status: models.StatusFailed})
	assert.ErrorIs(t, err, persistence.ErrPipelineExecutionNotFound)
}
