// Package persistence provides the storage abstraction for flow definitions and execution records.
package persistence

import (
	"context"
	"time"

	"github.com/dukex/orkestra/pkg/models"
)

type Persistence interface {
	Applications() ApplicationRepository
	TestData() TestDataRepository
	FlowSteps() FlowStepRepository
	Flows() FlowRepository
	FlowGroups() FlowGroupRepository
	FlowExecutions() FlowExecutionRepository
	PipelineExecutions() PipelineExecutionRepository

	HealthCheck(ctx context.Context) error
	Close(ctx context.Context) error
}

// Definition repositories assign an id on Save when the record's id is zero.

type ApplicationRepository interface {
	Save(ctx context.Context, application *models.Application) error
	GetByID(ctx context.Context, id int64) (*models.Application, error)
	GetAll(ctx context.Context) ([]*models.Application, error)
}

type TestDataRepository interface {
	Save(ctx context.Context, testData *models.TestData) error
	GetByID(ctx context.Context, id int64) (*models.TestData, error)
	// GetByIDs skips ids that do not exist.
	GetByIDs(ctx context.Context, ids []int64) ([]*models.TestData, error)
}

type FlowStepRepository interface {
	Save(ctx context.Context, step *models.FlowStep) error
	GetByID(ctx context.Context, id int64) (*models.FlowStep, error)
}

type FlowRepository interface {
	Save(ctx context.Context, flow *models.Flow) error
	GetByID(ctx context.Context, id int64) (*models.Flow, error)
}

type FlowGroupRepository interface {
	Save(ctx context.Context, group *models.FlowGroup) error
	GetByID(ctx context.Context, id int64) (*models.FlowGroup, error)
	// Advance atomically moves the group to its next iteration and returns the updated group.
	Advance(ctx context.Context, id int64) (*models.FlowGroup, error)
}

type FlowExecutionRepository interface {
	Save(ctx context.Context, execution *models.FlowExecution) error
	// SaveActive updates an existing execution only while the stored one is not terminal. It reports false,
	// without writing, when another writer already finished the execution.
	SaveActive(ctx context.Context, execution *models.FlowExecution) (bool, error)
	GetByID(ctx context.Context, id string) (*models.FlowExecution, error)
}

type PipelineExecutionRepository interface {
	Save(ctx context.Context, execution *models.PipelineExecution) error
	// SaveActive updates an existing record only while the stored one is not terminal.
	SaveActive(ctx context.Context, execution *models.PipelineExecution) (bool, error)
	GetByID(ctx context.Context, id int64) (*models.PipelineExecution, error)
	// GetByFlowExecution returns the records of one flow execution in creation order.
	GetByFlowExecution(ctx context.Context, flowExecutionID string) ([]*models.PipelineExecution, error)
	// GetByFlowExecutionAndStep returns the latest record for the pair.
	GetByFlowExecutionAndStep(ctx context.Context, flowExecutionID string, flowStepID int64) (*models.PipelineExecution, error)
	// DueScheduled returns SCHEDULED records whose resume time is at or before now.
	DueScheduled(ctx context.Context, now time.Time) ([]*models.PipelineExecution, error)
	// ClaimScheduled flips a SCHEDULED record to IN_PROGRESS, clearing its resume time and setting its
	// start time. It reports false when the record was no longer SCHEDULED.
	ClaimScheduled(ctx context.Context, id int64, startTime time.Time) (bool, error)
}
