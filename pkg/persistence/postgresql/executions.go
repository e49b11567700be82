package postgresql

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/orkestra/pkg/models"
	"github.com/dukex/orkestra/pkg/persistence"
)

// FlowExecutionRepository handles flow execution database operations.
type FlowExecutionRepository struct {
	db *sql.DB
}

func (r *FlowExecutionRepository) Save(ctx context.Context, execution *models.FlowExecution) error {
	if execution.CreatedAt.IsZero() {
		execution.CreatedAt = time.Now().UTC()
	}

	variables, err := marshalVariables(execution.RuntimeVariables)
	if err != nil {
		return persistence.NewRecordError("Save", "flow_execution", execution.ID, err)
	}

	query := `
		INSERT INTO flow_executions (
			id, flow_id, start_time, end_time, runtime_variables, status, is_replay,
			original_flow_execution_id, category, flow_group_id, iteration, revolutions, created_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (id) DO UPDATE SET
			end_time = EXCLUDED.end_time,
			runtime_variables = EXCLUDED.runtime_variables,
			status = EXCLUDED.status
	`

	_, err = r.db.ExecContext(ctx, query,
		execution.ID,
		execution.FlowID,
		execution.StartTime,
		execution.EndTime,
		variables,
		execution.Status,
		execution.IsReplay,
		execution.OriginalFlowExecutionID,
		execution.Category,
		execution.FlowGroupID,
		execution.Iteration,
		execution.Revolutions,
		execution.CreatedAt,
	)
	if err != nil {
		return persistence.NewRecordError("Save", "flow_execution", execution.ID, err)
	}

	return nil
}

func (r *FlowExecutionRepository) SaveActive(ctx context.Context, execution *models.FlowExecution) (bool, error) {
	variables, err := marshalVariables(execution.RuntimeVariables)
	if err != nil {
		return false, persistence.NewRecordError("SaveActive", "flow_execution", execution.ID, err)
	}

	result, err := r.db.ExecContext(ctx, `
		UPDATE flow_executions SET end_time = $2, runtime_variables = $3, status = $4
		WHERE id::text = $1 AND status NOT IN ($5, $6, $7)`,
		execution.ID, execution.EndTime, variables, execution.Status,
		models.StatusPassed, models.StatusFailed, models.StatusCancelled)
	if err != nil {
		return false, persistence.NewRecordError("SaveActive", "flow_execution", execution.ID, err)
	}

	return applied(ctx, r.db, result, "SaveActive", "flow_execution", execution.ID,
		`SELECT EXISTS(SELECT 1 FROM flow_executions WHERE id::text = $1)`, persistence.ErrFlowExecutionNotFound)
}

func (r *FlowExecutionRepository) GetByID(ctx context.Context, id string) (*models.FlowExecution, error) {
	query := `
		SELECT id, flow_id, start_time, end_time, runtime_variables, status, is_replay,
			original_flow_execution_id, category, flow_group_id, iteration, revolutions, created_at
		FROM flow_executions
		WHERE id::text = $1
	`

	var (
		execution models.FlowExecution
		variables []byte
	)

	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&execution.ID,
		&execution.FlowID,
		&execution.StartTime,
		&execution.EndTime,
		&variables,
		&execution.Status,
		&execution.IsReplay,
		&execution.OriginalFlowExecutionID,
		&execution.Category,
		&execution.FlowGroupID,
		&execution.Iteration,
		&execution.Revolutions,
		&execution.CreatedAt,
	)
	if err != nil {
		return nil, notFound(err, "GetByID", "flow_execution", id, persistence.ErrFlowExecutionNotFound)
	}

	execution.RuntimeVariables, err = unmarshalVariables(variables)
	if err != nil {
		return nil, persistence.NewRecordError("GetByID", "flow_execution", id, err)
	}

	return &execution, nil
}

// PipelineExecutionRepository handles pipeline execution database operations.
type PipelineExecutionRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

const pipelineExecutionColumns = `id, flow_id, flow_execution_id, flow_step_id, pipeline_id, pipeline_url, job_id,
	job_url, start_time, end_time, configured_test_data, runtime_test_data, status, is_replay, resume_time,
	created_at`

func (r *PipelineExecutionRepository) Save(ctx context.Context, execution *models.PipelineExecution) error {
	if execution.CreatedAt.IsZero() {
		execution.CreatedAt = time.Now().UTC()
	}

	configured, err := marshalVariables(execution.ConfiguredTestData)
	if err != nil {
		return persistence.NewRecordError("Save", "pipeline_execution", execution.ID, err)
	}

	runtime, err := marshalVariables(execution.RuntimeTestData)
	if err != nil {
		return persistence.NewRecordError("Save", "pipeline_execution", execution.ID, err)
	}

	err = save(ctx, r.db, "pipeline_executions", &execution.ID,
		`INSERT INTO pipeline_executions (flow_id, flow_execution_id, flow_step_id, pipeline_id, pipeline_url,
			job_id, job_url, start_time, end_time, configured_test_data, runtime_test_data, status, is_replay,
			resume_time, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15) RETURNING id`,
		`INSERT INTO pipeline_executions (id, flow_id, flow_execution_id, flow_step_id, pipeline_id, pipeline_url,
			job_id, job_url, start_time, end_time, configured_test_data, runtime_test_data, status, is_replay,
			resume_time, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (id) DO UPDATE SET
			pipeline_id = EXCLUDED.pipeline_id,
			pipeline_url = EXCLUDED.pipeline_url,
			job_id = EXCLUDED.job_id,
			job_url = EXCLUDED.job_url,
			start_time = EXCLUDED.start_time,
			end_time = EXCLUDED.end_time,
			configured_test_data = EXCLUDED.configured_test_data,
			runtime_test_data = EXCLUDED.runtime_test_data,
			status = EXCLUDED.status,
			is_replay = EXCLUDED.is_replay,
			resume_time = EXCLUDED.resume_time`,
		execution.FlowID,
		execution.FlowExecutionID,
		execution.FlowStepID,
		execution.PipelineID,
		execution.PipelineURL,
		execution.JobID,
		execution.JobURL,
		execution.StartTime,
		execution.EndTime,
		configured,
		runtime,
		execution.Status,
		execution.IsReplay,
		execution.ResumeTime,
		execution.CreatedAt,
	)
	if err != nil {
		return persistence.NewRecordError("Save", "pipeline_execution", execution.ID, err)
	}

	return nil
}

func (r *PipelineExecutionRepository) SaveActive(ctx context.Context, execution *models.PipelineExecution) (bool, error) {
	configured, err := marshalVariables(execution.ConfiguredTestData)
	if err != nil {
		return false, persistence.NewRecordError("SaveActive", "pipeline_execution", execution.ID, err)
	}

	runtime, err := marshalVariables(execution.RuntimeTestData)
	if err != nil {
		return false, persistence.NewRecordError("SaveActive", "pipeline_execution", execution.ID, err)
	}

	result, err := r.db.ExecContext(ctx, `
		UPDATE pipeline_executions SET pipeline_id = $2, pipeline_url = $3, job_id = $4, job_url = $5,
			start_time = $6, end_time = $7, configured_test_data = $8, runtime_test_data = $9, status = $10,
			resume_time = $11
		WHERE id = $1 AND status NOT IN ($12, $13, $14)`,
		execution.ID,
		execution.PipelineID,
		execution.PipelineURL,
		execution.JobID,
		execution.JobURL,
		execution.StartTime,
		execution.EndTime,
		configured,
		runtime,
		execution.Status,
		execution.ResumeTime,
		models.StatusPassed, models.StatusFailed, models.StatusCancelled,
	)
	if err != nil {
		return false, persistence.NewRecordError("SaveActive", "pipeline_execution", execution.ID, err)
	}

	return applied(ctx, r.db, result, "SaveActive", "pipeline_execution", execution.ID,
		`SELECT EXISTS(SELECT 1 FROM pipeline_executions WHERE id = $1)`, persistence.ErrPipelineExecutionNotFound)
}

func (r *PipelineExecutionRepository) GetByID(ctx context.Context, id int64) (*models.PipelineExecution, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+pipelineExecutionColumns+` FROM pipeline_executions WHERE id = $1`, id)

	execution, err := scanPipelineExecution(row)
	if err != nil {
		return nil, notFound(err, "GetByID", "pipeline_execution", id, persistence.ErrPipelineExecutionNotFound)
	}

	return execution, nil
}

func (r *PipelineExecutionRepository) GetByFlowExecution(
	ctx context.Context,
	flowExecutionID string,
) ([]*models.PipelineExecution, error) {
	return r.query(ctx, "GetByFlowExecution", flowExecutionID,
		`SELECT `+pipelineExecutionColumns+` FROM pipeline_executions
		WHERE flow_execution_id::text = $1 ORDER BY id`, flowExecutionID)
}

func (r *PipelineExecutionRepository) GetByFlowExecutionAndStep(
	ctx context.Context,
	flowExecutionID string,
	flowStepID int64,
) (*models.PipelineExecution, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+pipelineExecutionColumns+` FROM pipeline_executions
		WHERE flow_execution_id::text = $1 AND flow_step_id = $2 ORDER BY id DESC LIMIT 1`, flowExecutionID, flowStepID)

	execution, err := scanPipelineExecution(row)
	if err != nil {
		return nil, notFound(err, "GetByFlowExecutionAndStep", "pipeline_execution", flowExecutionID,
			persistence.ErrPipelineExecutionNotFound)
	}

	return execution, nil
}

func (r *PipelineExecutionRepository) DueScheduled(ctx context.Context, now time.Time) ([]*models.PipelineExecution, error) {
	return r.query(ctx, "DueScheduled", "*",
		`SELECT `+pipelineExecutionColumns+` FROM pipeline_executions
		WHERE status = $1 AND resume_time IS NOT NULL AND resume_time <= $2 ORDER BY resume_time, id`,
		models.StatusScheduled, now)
}

func (r *PipelineExecutionRepository) ClaimScheduled(ctx context.Context, id int64, startTime time.Time) (bool, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE pipeline_executions SET status = $2, resume_time = NULL, start_time = $3
		WHERE id = $1 AND status = $4`,
		id, models.StatusInProgress, startTime, models.StatusScheduled)
	if err != nil {
		return false, persistence.NewRecordError("ClaimScheduled", "pipeline_execution", id, err)
	}

	return applied(ctx, r.db, result, "ClaimScheduled", "pipeline_execution", id,
		`SELECT EXISTS(SELECT 1 FROM pipeline_executions WHERE id = $1)`, persistence.ErrPipelineExecutionNotFound)
}

// applied reports whether a conditional update touched its row. A row that was skipped only because it no
// longer matched the condition yields false, a missing row yields missing.
func applied(
	ctx context.Context,
	db *sql.DB,
	result sql.Result,
	op, entity string,
	id any,
	existsQuery string,
	missing error,
) (bool, error) {
	affected, err := result.RowsAffected()
	if err != nil {
		return false, persistence.NewRecordError(op, entity, id, err)
	}

	if affected > 0 {
		return true, nil
	}

	var exists bool

	if err := db.QueryRowContext(ctx, existsQuery, id).Scan(&exists); err != nil {
		return false, persistence.NewRecordError(op, entity, id, err)
	}

	if !exists {
		return false, persistence.NewRecordError(op, entity, id, missing)
	}

	return false, nil
}

func (r *PipelineExecutionRepository) query(
	ctx context.Context,
	op, target, query string,
	args ...any,
) ([]*models.PipelineExecution, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, persistence.NewRecordError(op, "pipeline_execution", target, err)
	}

	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			r.logger.ErrorContext(ctx, "failed to close rows", "error", closeErr)
		}
	}()

	executions := make([]*models.PipelineExecution, 0)

	for rows.Next() {
		execution, err := scanPipelineExecution(rows)
		if err != nil {
			return nil, persistence.NewRecordError(op, "pipeline_execution", target, fmt.Errorf("scan: %w", err))
		}

		executions = append(executions, execution)
	}

	if err := rows.Err(); err != nil {
		return nil, persistence.NewRecordError(op, "pipeline_execution", target, err)
	}

	return executions, nil
}

func scanPipelineExecution(row scanner) (*models.PipelineExecution, error) {
	var (
		execution  models.PipelineExecution
		configured []byte
		runtime    []byte
	)

	err := row.Scan(
		&execution.ID,
		&execution.FlowID,
		&execution.FlowExecutionID,
		&execution.FlowStepID,
		&execution.PipelineID,
		&execution.PipelineURL,
		&execution.JobID,
		&execution.JobURL,
		&execution.StartTime,
		&execution.EndTime,
		&configured,
		&runtime,
		&execution.Status,
		&execution.IsReplay,
		&execution.ResumeTime,
		&execution.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	execution.ConfiguredTestData, err = unmarshalVariables(configured)
	if err != nil {
		return nil, err
	}

	execution.RuntimeTestData, err = unmarshalVariables(runtime)
	if err != nil {
		return nil, err
	}

	return &execution, nil
}
