package file

import (
	"cmp"
	"context"
	"slices"
	"time"

	"github.com/dukex/orkestra/pkg/models"
	"github.com/dukex/orkestra/pkg/persistence"
)

type FlowExecutionRepository struct {
	records *collection[models.FlowExecution]
}

func (r *FlowExecutionRepository) Save(_ context.Context, execution *models.FlowExecution) error {
	r.records.mu.Lock()
	defer r.records.mu.Unlock()

	if execution.CreatedAt.IsZero() {
		execution.CreatedAt = time.Now().UTC()
	}

	if err := r.records.write(execution.ID, execution); err != nil {
		return persistence.NewRecordError("Save", "flow_execution", execution.ID, err)
	}

	return nil
}

func (r *FlowExecutionRepository) SaveActive(_ context.Context, execution *models.FlowExecution) (bool, error) {
	r.records.mu.Lock()
	defer r.records.mu.Unlock()

	stored, err := r.records.read(execution.ID)
	if err != nil {
		return false, persistence.NewRecordError("SaveActive", "flow_execution", execution.ID, err)
	}

	if stored == nil {
		return false, persistence.NewRecordError("SaveActive", "flow_execution", execution.ID,
			persistence.ErrFlowExecutionNotFound)
	}

	if stored.Status.IsTerminal() {
		return false, nil
	}

	if err := r.records.write(execution.ID, execution); err != nil {
		return false, persistence.NewRecordError("SaveActive", "flow_execution", execution.ID, err)
	}

	return true, nil
}

func (r *FlowExecutionRepository) GetByID(_ context.Context, id string) (*models.FlowExecution, error) {
	r.records.mu.Lock()
	defer r.records.mu.Unlock()

	if err := validateID(id); err != nil {
		return nil, persistence.NewRecordError("GetByID", "flow_execution", id, persistence.ErrFlowExecutionNotFound)
	}

	execution, err := r.records.read(id)
	if err != nil {
		return nil, persistence.NewRecordError("GetByID", "flow_execution", id, err)
	}

	if execution == nil {
		return nil, persistence.NewRecordError("GetByID", "flow_execution", id, persistence.ErrFlowExecutionNotFound)
	}

	return execution, nil
}

type PipelineExecutionRepository struct {
	records *collection[models.PipelineExecution]
}

func (r *PipelineExecutionRepository) Save(_ context.Context, execution *models.PipelineExecution) error {
	r.records.mu.Lock()
	defer r.records.mu.Unlock()

	if execution.ID == 0 {
		next, err := r.records.nextID()
		if err != nil {
			return persistence.NewRecordError("Save", "pipeline_execution", 0, err)
		}

		execution.ID = next
	}

	if execution.CreatedAt.IsZero() {
		execution.CreatedAt = time.Now().UTC()
	}

	if err := r.records.write(key(execution.ID), execution); err != nil {
		return persistence.NewRecordError("Save", "pipeline_execution", execution.ID, err)
	}

	return nil
}

func (r *PipelineExecutionRepository) SaveActive(_ context.Context, execution *models.PipelineExecution) (bool, error) {
	r.records.mu.Lock()
	defer r.records.mu.Unlock()

	stored, err := r.records.read(key(execution.ID))
	if err != nil {
		return false, persistence.NewRecordError("SaveActive", "pipeline_execution", execution.ID, err)
	}

	if stored == nil {
		return false, persistence.NewRecordError("SaveActive", "pipeline_execution", execution.ID,
			persistence.ErrPipelineExecutionNotFound)
	}

	if stored.Status.IsTerminal() {
		return false, nil
	}

	if err := r.records.write(key(execution.ID), execution); err != nil {
		return false, persistence.NewRecordError("SaveActive", "pipeline_execution", execution.ID, err)
	}

	return true, nil
}

func (r *PipelineExecutionRepository) GetByID(_ context.Context, id int64) (*models.PipelineExecution, error) {
	return getByID(r.records, "pipeline_execution", id, persistence.ErrPipelineExecutionNotFound)
}

func (r *PipelineExecutionRepository) GetByFlowExecution(_ context.Context, flowExecutionID string) ([]*models.PipelineExecution, error) {
	r.records.mu.Lock()
	defer r.records.mu.Unlock()

	return r.filter("GetByFlowExecution", flowExecutionID, func(execution *models.PipelineExecution) bool {
		return execution.FlowExecutionID == flowExecutionID
	})
}

func (r *PipelineExecutionRepository) GetByFlowExecutionAndStep(
	_ context.Context,
	flowExecutionID string,
	flowStepID int64,
) (*models.PipelineExecution, error) {
	r.records.mu.Lock()
	defer r.records.mu.Unlock()

	matches, err := r.filter("GetByFlowExecutionAndStep", flowExecutionID, func(execution *models.PipelineExecution) bool {
		return execution.FlowExecutionID == flowExecutionID && execution.FlowStepID == flowStepID
	})
	if err != nil {
		return nil, err
	}

	if len(matches) == 0 {
		return nil, persistence.NewRecordError("GetByFlowExecutionAndStep", "pipeline_execution", flowExecutionID,
			persistence.ErrPipelineExecutionNotFound)
	}

	return matches[len(matches)-1], nil
}

func (r *PipelineExecutionRepository) DueScheduled(_ context.Context, now time.Time) ([]*models.PipelineExecution, error) {
	r.records.mu.Lock()
	defer r.records.mu.Unlock()

	return r.filter("DueScheduled", "*", func(execution *models.PipelineExecution) bool {
		return execution.IsDue(now)
	})
}

func (r *PipelineExecutionRepository) ClaimScheduled(_ context.Context, id int64, startTime time.Time) (bool, error) {
	r.records.mu.Lock()
	defer r.records.mu.Unlock()

	execution, err := r.records.read(key(id))
	if err != nil {
		return false, persistence.NewRecordError("ClaimScheduled", "pipeline_execution", id, err)
	}

	if execution == nil {
		return false, persistence.NewRecordError("ClaimScheduled", "pipeline_execution", id,
			persistence.ErrPipelineExecutionNotFound)
	}

	if execution.Status != models.StatusScheduled {
		return false, nil
	}

	execution.Status = models.StatusInProgress
	execution.ResumeTime = nil
	execution.StartTime = &startTime

	if err := r.records.write(key(id), execution); err != nil {
		return false, persistence.NewRecordError("ClaimScheduled", "pipeline_execution", id, err)
	}

	return true, nil
}

// filter must be called with mu held. Results are ordered by id.
func (r *PipelineExecutionRepository) filter(
	op, target string,
	match func(*models.PipelineExecution) bool,
) ([]*models.PipelineExecution, error) {
	all, err := r.records.all()
	if err != nil {
		return nil, persistence.NewRecordError(op, "pipeline_execution", target, err)
	}

	matches := make([]*models.PipelineExecution, 0)

	for _, execution := range all {
		if match(execution) {
			matches = append(matches, execution)
		}
	}

	slices.SortFunc(matches, func(a, b *models.PipelineExecution) int {
		return cmp.Compare(a.ID, b.ID)
	})

	return matches, nil
}
