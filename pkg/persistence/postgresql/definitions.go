package postgresql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/orkestra/pkg/models"
	"github.com/dukex/orkestra/pkg/persistence"
	"github.com/lib/pq"
)

// save inserts a record, letting the sequence assign the id when it is zero, or upserts it by id.
// insert must end with "RETURNING id"; upsert must take the id as $1.
func save(
	ctx context.Context,
	db *sql.DB,
	table string,
	id *int64,
	insert, upsert string,
	args ...any,
) error {
	if *id == 0 {
		if err := db.QueryRowContext(ctx, insert, args...).Scan(id); err != nil {
			return fmt.Errorf("failed to insert into %s: %w", table, err)
		}

		return nil
	}

	if _, err := db.ExecContext(ctx, upsert, append([]any{*id}, args...)...); err != nil {
		return fmt.Errorf("failed to upsert into %s: %w", table, err)
	}

	return syncSequence(ctx, db, table)
}

func touch(createdAt, updatedAt *time.Time) {
	now := time.Now().UTC()
	if createdAt.IsZero() {
		*createdAt = now
	}

	*updatedAt = now
}

func notFound(err error, op, entity string, id any, sentinel error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return persistence.NewRecordError(op, entity, id, sentinel)
	}

	return persistence.NewRecordError(op, entity, id, err)
}

// ApplicationRepository handles application-related database operations.
type ApplicationRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

const applicationColumns = `id, application_name, description, gitlab_project_id, personal_access_token,
	token_status, token_validated_at, created_at, updated_at`

func (r *ApplicationRepository) Save(ctx context.Context, application *models.Application) error {
	touch(&application.CreatedAt, &application.UpdatedAt)

	if application.TokenStatus == "" {
		application.TokenStatus = models.TokenStatusActive
	}

	err := save(ctx, r.db, "applications", &application.ID,
		`INSERT INTO applications (application_name, description, gitlab_project_id, personal_access_token,
			token_status, token_validated_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8) RETURNING id`,
		`INSERT INTO applications (id, application_name, description, gitlab_project_id, personal_access_token,
			token_status, token_validated_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			application_name = EXCLUDED.application_name,
			description = EXCLUDED.description,
			gitlab_project_id = EXCLUDED.gitlab_project_id,
			personal_access_token = EXCLUDED.personal_access_token,
			token_status = EXCLUDED.token_status,
			token_validated_at = EXCLUDED.token_validated_at,
			updated_at = EXCLUDED.updated_at`,
		application.Name,
		application.Description,
		application.GitlabProjectID,
		application.PersonalAccessToken,
		application.TokenStatus,
		application.TokenValidatedAt,
		application.CreatedAt,
		application.UpdatedAt,
	)
	if err != nil {
		return persistence.NewRecordError("Save", "application", application.ID, err)
	}

	return nil
}

func (r *ApplicationRepository) GetByID(ctx context.Context, id int64) (*models.Application, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+applicationColumns+` FROM applications WHERE id = $1`, id)

	application, err := scanApplication(row)
	if err != nil {
		return nil, notFound(err, "GetByID", "application", id, persistence.ErrApplicationNotFound)
	}

	return application, nil
}

func (r *ApplicationRepository) GetAll(ctx context.Context) ([]*models.Application, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+applicationColumns+` FROM applications ORDER BY id`)
	if err != nil {
		return nil, persistence.NewRecordError("GetAll", "application", "*", err)
	}

	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			r.logger.ErrorContext(ctx, "failed to close rows", "error", closeErr)
		}
	}()

	var applications []*models.Application

	for rows.Next() {
		application, err := scanApplication(rows)
		if err != nil {
			return nil, persistence.NewRecordError("GetAll", "application", "*", err)
		}

		applications = append(applications, application)
	}

	if err := rows.Err(); err != nil {
		return nil, persistence.NewRecordError("GetAll", "application", "*", err)
	}

	return applications, nil
}

func scanApplication(row scanner) (*models.Application, error) {
	var application models.Application

	err := row.Scan(
		&application.ID,
		&application.Name,
		&application.Description,
		&application.GitlabProjectID,
		&application.PersonalAccessToken,
		&application.TokenStatus,
		&application.TokenValidatedAt,
		&application.CreatedAt,
		&application.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	return &application, nil
}

// TestDataRepository handles test data database operations.
type TestDataRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

const testDataColumns = `id, application_id, category, description, variables, created_at, updated_at`

func (r *TestDataRepository) Save(ctx context.Context, testData *models.TestData) error {
	touch(&testData.CreatedAt, &testData.UpdatedAt)

	variables, err := marshalVariables(testData.Variables)
	if err != nil {
		return persistence.NewRecordError("Save", "test_data", testData.ID, err)
	}

	err = save(ctx, r.db, "test_data", &testData.ID,
		`INSERT INTO test_data (application_id, category, description, variables, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`,
		`INSERT INTO test_data (id, application_id, category, description, variables, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			application_id = EXCLUDED.application_id,
			category = EXCLUDED.category,
			description = EXCLUDED.description,
			variables = EXCLUDED.variables,
			updated_at = EXCLUDED.updated_at`,
		testData.ApplicationID,
		testData.Category,
		testData.Description,
		variables,
		testData.CreatedAt,
		testData.UpdatedAt,
	)
	if err != nil {
		return persistence.NewRecordError("Save", "test_data", testData.ID, err)
	}

	return nil
}

func (r *TestDataRepository) GetByID(ctx context.Context, id int64) (*models.TestData, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+testDataColumns+` FROM test_data WHERE id = $1`, id)

	testData, err := scanTestData(row)
	if err != nil {
		return nil, notFound(err, "GetByID", "test_data", id, persistence.ErrTestDataNotFound)
	}

	return testData, nil
}

func (r *TestDataRepository) GetByIDs(ctx context.Context, ids []int64) ([]*models.TestData, error) {
	if len(ids) == 0 {
		return []*models.TestData{}, nil
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT `+testDataColumns+` FROM test_data WHERE id = ANY($1) ORDER BY id`, pq.Array(ids))
	if err != nil {
		return nil, persistence.NewRecordError("GetByIDs", "test_data", ids, err)
	}

	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			r.logger.ErrorContext(ctx, "failed to close rows", "error", closeErr)
		}
	}()

	found := make([]*models.TestData, 0, len(ids))

	for rows.Next() {
		testData, err := scanTestData(rows)
		if err != nil {
			return nil, persistence.NewRecordError("GetByIDs", "test_data", ids, err)
		}

		found = append(found, testData)
	}

	if err := rows.Err(); err != nil {
		return nil, persistence.NewRecordError("GetByIDs", "test_data", ids, err)
	}

	return found, nil
}

func scanTestData(row scanner) (*models.TestData, error) {
	var (
		testData  models.TestData
		variables []byte
	)

	err := row.Scan(
		&testData.ID,
		&testData.ApplicationID,
		&testData.Category,
		&testData.Description,
		&variables,
		&testData.CreatedAt,
		&testData.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	testData.Variables, err = unmarshalVariables(variables)
	if err != nil {
		return nil, err
	}

	return &testData, nil
}

// FlowStepRepository handles flow step database operations.
type FlowStepRepository struct {
	db *sql.DB
}

func (r *FlowStepRepository) Save(ctx context.Context, step *models.FlowStep) error {
	touch(&step.CreatedAt, &step.UpdatedAt)

	var scheduler any // untyped nil stores NULL

	if step.InvokeScheduler != nil {
		data, err := models.MarshalInvokeScheduler(step.InvokeScheduler)
		if err != nil {
			return persistence.NewRecordError("Save", "flow_step", step.ID, err)
		}

		scheduler = data
	}

	err := save(ctx, r.db, "flow_steps", &step.ID,
		`INSERT INTO flow_steps (application_id, branch, test_tag, test_stage, description, squash_step_ids,
			test_data_ids, invoke_scheduler, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10) RETURNING id`,
		`INSERT INTO flow_steps (id, application_id, branch, test_tag, test_stage, description, squash_step_ids,
			test_data_ids, invoke_scheduler, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			application_id = EXCLUDED.application_id,
			branch = EXCLUDED.branch,
			test_tag = EXCLUDED.test_tag,
			test_stage = EXCLUDED.test_stage,
			description = EXCLUDED.description,
			squash_step_ids = EXCLUDED.squash_step_ids,
			test_data_ids = EXCLUDED.test_data_ids,
			invoke_scheduler = EXCLUDED.invoke_scheduler,
			updated_at = EXCLUDED.updated_at`,
		step.ApplicationID,
		step.Branch,
		step.TestTag,
		step.TestStage,
		step.Description,
		pq.Array(nonNil(step.SquashStepIDs)),
		pq.Array(nonNil(step.TestDataIDs)),
		scheduler,
		step.CreatedAt,
		step.UpdatedAt,
	)
	if err != nil {
		return persistence.NewRecordError("Save", "flow_step", step.ID, err)
	}

	return nil
}

func (r *FlowStepRepository) GetByID(ctx context.Context, id int64) (*models.FlowStep, error) {
	var (
		step      models.FlowStep
		scheduler []byte
	)

	err := r.db.QueryRowContext(ctx, `
		SELECT id, application_id, branch, test_tag, test_stage, description, squash_step_ids,
			test_data_ids, invoke_scheduler, created_at, updated_at
		FROM flow_steps WHERE id = $1`, id).Scan(
		&step.ID,
		&step.ApplicationID,
		&step.Branch,
		&step.TestTag,
		&step.TestStage,
		&step.Description,
		pq.Array(&step.SquashStepIDs),
		pq.Array(&step.TestDataIDs),
		&scheduler,
		&step.CreatedAt,
		&step.UpdatedAt,
	)
	if err != nil {
		return nil, notFound(err, "GetByID", "flow_step", id, persistence.ErrFlowStepNotFound)
	}

	step.InvokeScheduler, err = models.UnmarshalInvokeScheduler(scheduler)
	if err != nil {
		return nil, persistence.NewRecordError("GetByID", "flow_step", id, err)
	}

	return &step, nil
}

// FlowRepository handles flow database operations.
type FlowRepository struct {
	db *sql.DB
}

func (r *FlowRepository) Save(ctx context.Context, flow *models.Flow) error {
	touch(&flow.CreatedAt, &flow.UpdatedAt)

	err := save(ctx, r.db, "flows", &flow.ID,
		`INSERT INTO flows (name, flow_step_ids, created_at, updated_at) VALUES ($1, $2, $3, $4) RETURNING id`,
		`INSERT INTO flows (id, name, flow_step_ids, created_at, updated_at) VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			flow_step_ids = EXCLUDED.flow_step_ids,
			updated_at = EXCLUDED.updated_at`,
		flow.Name,
		pq.Array(nonNil(flow.FlowStepIDs)),
		flow.CreatedAt,
		flow.UpdatedAt,
	)
	if err != nil {
		return persistence.NewRecordError("Save", "flow", flow.ID, err)
	}

	return nil
}

func (r *FlowRepository) GetByID(ctx context.Context, id int64) (*models.Flow, error) {
	var flow models.Flow

	err := r.db.QueryRowContext(ctx,
		`SELECT id, name, flow_step_ids, created_at, updated_at FROM flows WHERE id = $1`, id).Scan(
		&flow.ID,
		&flow.Name,
		pq.Array(&flow.FlowStepIDs),
		&flow.CreatedAt,
		&flow.UpdatedAt,
	)
	if err != nil {
		return nil, notFound(err, "GetByID", "flow", id, persistence.ErrFlowNotFound)
	}

	return &flow, nil
}

// FlowGroupRepository handles flow group database operations.
type FlowGroupRepository struct {
	db *sql.DB
}

const flowGroupColumns = `id, name, flow_ids, current_iteration, revolutions, created_at, updated_at`

func (r *FlowGroupRepository) Save(ctx context.Context, group *models.FlowGroup) error {
	touch(&group.CreatedAt, &group.UpdatedAt)

	err := save(ctx, r.db, "flow_groups", &group.ID,
		`INSERT INTO flow_groups (name, flow_ids, current_iteration, revolutions, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`,
		`INSERT INTO flow_groups (id, name, flow_ids, current_iteration, revolutions, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			flow_ids = EXCLUDED.flow_ids,
			current_iteration = EXCLUDED.current_iteration,
			revolutions = EXCLUDED.revolutions,
			updated_at = EXCLUDED.updated_at`,
		group.Name,
		pq.Array(nonNil(group.FlowIDs)),
		group.CurrentIteration,
		group.Revolutions,
		group.CreatedAt,
		group.UpdatedAt,
	)
	if err != nil {
		return persistence.NewRecordError("Save", "flow_group", group.ID, err)
	}

	return nil
}

func (r *FlowGroupRepository) GetByID(ctx context.Context, id int64) (*models.FlowGroup, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+flowGroupColumns+` FROM flow_groups WHERE id = $1`, id)

	group, err := scanFlowGroup(row)
	if err != nil {
		return nil, notFound(err, "GetByID", "flow_group", id, persistence.ErrFlowGroupNotFound)
	}

	return group, nil
}

// Advance increments and wraps the iteration in a single statement; every SET expression reads the
// pre-update row.
func (r *FlowGroupRepository) Advance(ctx context.Context, id int64) (*models.FlowGroup, error) {
	row := r.db.QueryRowContext(ctx, `
		UPDATE flow_groups SET
			current_iteration = CASE WHEN current_iteration >= $2 THEN 1 ELSE current_iteration + 1 END,
			revolutions = CASE WHEN current_iteration >= $2 THEN revolutions + 1 ELSE revolutions END,
			updated_at = $3
		WHERE id = $1
		RETURNING `+flowGroupColumns, id, models.MaxGroupIteration, time.Now().UTC())

	group, err := scanFlowGroup(row)
	if err != nil {
		return nil, notFound(err, "Advance", "flow_group", id, persistence.ErrFlowGroupNotFound)
	}

	return group, nil
}

func scanFlowGroup(row scanner) (*models.FlowGroup, error) {
	var group models.FlowGroup

	err := row.Scan(
		&group.ID,
		&group.Name,
		pq.Array(&group.FlowIDs),
		&group.CurrentIteration,
		&group.Revolutions,
		&group.CreatedAt,
		&group.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	return &group, nil
}

func nonNil(ids []int64) []int64 {
	if ids == nil {
		return []int64{}
	}

	return ids
}
