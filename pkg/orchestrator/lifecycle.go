package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"

	"github.com/dukex/orkestra/pkg/events"
	"github.com/dukex/orkestra/pkg/models"
	"github.com/dukex/orkestra/pkg/otelhelper"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
)

var ErrFlowHasNoSteps = errors.New("flow has no steps")

// start creates the execution with a record per step, triggers the first step synchronously and
// hands the rest of the run to the flow pool. It consumes one reserved slot.
func (o *Orchestrator) start(ctx context.Context, flow *models.Flow, ec ExecutionContext) (*AdmittedExecution, error) {
	if len(flow.FlowStepIDs) == 0 {
		o.release()

		return nil, fmt.Errorf("%w: flow %d", ErrFlowHasNoSteps, flow.ID)
	}

	first, err := o.persistence.FlowSteps().GetByID(ctx, flow.FlowStepIDs[0])
	if err != nil {
		o.release()

		return nil, err
	}

	now := o.now()
	execution := &models.FlowExecution{
		ID:               uuid.NewString(),
		FlowID:           flow.ID,
		StartTime:        now,
		RuntimeVariables: map[string]string{},
		Status:           models.StatusRunning,
		Category:         ec.Category,
		FlowGroupID:      ec.FlowGroupID,
		Iteration:        ec.Iteration,
		Revolutions:      ec.Revolutions,
		CreatedAt:        now,
	}

	records, err := o.create(ctx, execution, flow, func(stepID int64) *models.PipelineExecution {
		return o.placeholder(execution, stepID)
	})
	if err != nil {
		o.release()

		return nil, err
	}

	r := o.newRun(execution, flow, nil, now)
	r.logger.InfoContext(ctx, "Execution created", "steps", len(flow.FlowStepIDs), "category", ec.Category)

	o.publish(ctx, execution.ID, events.FlowExecutionStarted{
		BaseEvent: events.NewBaseEvent(events.FlowExecutionStartedEvent, execution.ID, flow.ID),
		Category:  ec.Category,
		Steps:     len(flow.FlowStepIDs),
	})

	// A deferred first step is paused by the run like any other step.
	if first.InvokeScheduler == nil {
		if err := o.triggerStep(ctx, r, first, records[0]); err != nil {
			o.release()
			o.finish(ctx, r, models.StatusFailed, err.Error())

			return nil, err
		}
	}

	snapshot := *execution
	admitted := &AdmittedExecution{
		FlowExecution: &snapshot,
		PipelineID:    records[0].PipelineID,
		PipelineURL:   records[0].PipelineURL,
	}

	if err := o.dispatch(execution.ID, func(ctx context.Context) { o.drive(ctx, r, 0) }); err != nil {
		o.finish(ctx, r, models.StatusFailed, err.Error())

		return nil, err
	}

	return admitted, nil
}

// create persists the execution followed by one record per flow step, in flow order.
func (o *Orchestrator) create(
	ctx context.Context,
	execution *models.FlowExecution,
	flow *models.Flow,
	record func(stepID int64) *models.PipelineExecution,
) ([]*models.PipelineExecution, error) {
	if err := o.persistence.FlowExecutions().Save(ctx, execution); err != nil {
		return nil, err
	}

	records := make([]*models.PipelineExecution, 0, len(flow.FlowStepIDs))

	for _, stepID := range flow.FlowStepIDs {
		r := record(stepID)
		if err := o.persistence.PipelineExecutions().Save(ctx, r); err != nil {
			return nil, err
		}

		records = append(records, r)
	}

	return records, nil
}

// ResumeDue reactivates scheduled steps whose resume time has elapsed and continues their
// executions on the flow pool. Steps beyond the available capacity wait for a later call.
func (o *Orchestrator) ResumeDue(ctx context.Context) (int, error) {
	now := o.now()

	due, err := o.persistence.PipelineExecutions().DueScheduled(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("failed to query scheduled steps: %w", err)
	}

	resumed := 0

	for i, record := range due {
		if o.reserve(1) == 0 {
			o.logger.WarnContext(ctx, "No execution capacity, deferring scheduled steps", "remaining", len(due)-i)

			break
		}

		claimed, err := o.persistence.PipelineExecutions().ClaimScheduled(ctx, record.ID, now)
		if err != nil || !claimed {
			o.release()

			if err != nil {
				o.logger.ErrorContext(ctx, "Failed to claim scheduled step", "pipeline_execution_id", record.ID, "error", err)
			}

			continue
		}

		o.metrics.StepResumed()

		executionID, stepID := record.FlowExecutionID, record.FlowStepID

		if err := o.dispatch(executionID, func(ctx context.Context) { o.resume(ctx, executionID, stepID) }); err != nil {
			o.logger.ErrorContext(ctx, "Failed to dispatch resumed step", "flow_execution_id", executionID, "error", err)
			o.resumeFailed(ctx, executionID, stepID, err)

			continue
		}

		resumed++
	}

	return resumed, nil
}

// resume continues an execution from a step the scheduler just reactivated.
func (o *Orchestrator) resume(ctx context.Context, executionID string, stepID int64) {
	ctx, span := otelhelper.StartSpan(ctx, o.tracer, "orchestrator.resume",
		attribute.String(otelhelper.FlowExecutionIDKey, executionID),
		attribute.Int64(otelhelper.FlowStepIDKey, stepID))
	defer span.End()

	execution, err := o.persistence.FlowExecutions().GetByID(ctx, executionID)
	if err != nil {
		otelhelper.SetError(span, err)
		o.resumeFailed(ctx, executionID, stepID, err)

		return
	}

	if execution.Status.IsTerminal() {
		o.logger.InfoContext(ctx, "Skipping resume of finished execution", "flow_execution_id", executionID, "status", execution.Status)
		o.cancelRecord(ctx, executionID, stepID)

		return
	}

	flow, err := o.persistence.Flows().GetByID(ctx, execution.FlowID)
	if err != nil {
		otelhelper.SetError(span, err)
		o.resumeFailed(ctx, executionID, stepID, err)

		return
	}

	index := flow.StepIndex(stepID)
	if index < 0 {
		err := fmt.Errorf("%w: step %d, flow %d", ErrStepNotInFlow, stepID, flow.ID)
		otelhelper.SetError(span, err)
		o.resumeFailed(ctx, executionID, stepID, err)

		return
	}

	r := o.newRun(execution, flow, execution.RuntimeVariables, o.now())
	r.logger.InfoContext(ctx, "Resuming execution", "flow_step_id", stepID)

	o.publish(ctx, executionID, events.FlowExecutionResumed{
		BaseEvent:  events.NewBaseEvent(events.FlowExecutionResumedEvent, executionID, execution.FlowID),
		FlowStepID: stepID,
	})

	o.drive(ctx, r, index)
}

// resumeFailed marks the reactivated step and its execution failed.
func (o *Orchestrator) resumeFailed(ctx context.Context, executionID string, stepID int64, cause error) {
	logger := o.logger.With("flow_execution_id", executionID, "flow_step_id", stepID)
	logger.ErrorContext(ctx, "Failed to resume execution", "error", cause)

	ended := o.now()

	record, err := o.persistence.PipelineExecutions().GetByFlowExecutionAndStep(ctx, executionID, stepID)
	if err == nil && !record.Status.IsTerminal() {
		record.Status = models.StatusFailed
		record.EndTime = &ended

		if _, err := o.persistence.PipelineExecutions().SaveActive(ctx, record); err != nil {
			logger.ErrorContext(ctx, "Failed to record step failure", "error", err)
		}
	}

	execution, err := o.persistence.FlowExecutions().GetByID(ctx, executionID)
	if err != nil || execution.Status.IsTerminal() {
		return
	}

	execution.Finish(models.StatusFailed, execution.RuntimeVariables, ended)

	saved, err := o.persistence.FlowExecutions().SaveActive(ctx, execution)
	if err != nil {
		logger.ErrorContext(ctx, "Failed to record execution failure", "error", err)

		return
	}

	if !saved {
		logger.InfoContext(ctx, "Execution already finished elsewhere")

		return
	}

	o.metrics.FlowFinished(models.StatusFailed)
	o.publish(ctx, executionID, events.FlowExecutionFinished{
		BaseEvent: events.NewBaseEvent(events.FlowExecutionFinishedEvent, executionID, execution.FlowID),
		Status:    models.StatusFailed,
		Error:     cause.Error(),
		Duration:  ended.Sub(execution.StartTime),
	})
}

func (o *Orchestrator) cancelRecord(ctx context.Context, executionID string, stepID int64) {
	record, err := o.persistence.PipelineExecutions().GetByFlowExecutionAndStep(ctx, executionID, stepID)
	if err != nil || record.Status.IsTerminal() {
		return
	}

	ended := o.now()
	record.Status = models.StatusCancelled
	record.EndTime = &ended
	record.ResumeTime = nil

	if _, err := o.persistence.PipelineExecutions().SaveActive(ctx, record); err != nil {
		o.logger.ErrorContext(ctx, "Failed to cancel step", "flow_execution_id", executionID, "flow_step_id", stepID, "error", err)
	}
}

// Replay creates a new execution of a failed one that carries every step before failedStepID over
// unchanged and re-executes from failedStepID onward.
func (o *Orchestrator) Replay(ctx context.Context, originalID string, failedStepID int64) (*models.FlowExecution, error) {
	ctx, span := otelhelper.StartSpan(ctx, o.tracer, "orchestrator.replay",
		attribute.String(otelhelper.FlowExecutionIDKey, originalID),
		attribute.Int64(otelhelper.FlowStepIDKey, failedStepID),
		attribute.Bool(otelhelper.ReplayKey, true))
	defer span.End()

	original, err := o.persistence.FlowExecutions().GetByID(ctx, originalID)
	if err != nil {
		return nil, err
	}

	if original.Status != models.StatusFailed {
		return nil, newServiceError("replay_flow", "conflict",
			fmt.Errorf("%w: execution %s is %s", ErrExecutionNotFailed, originalID, original.Status))
	}

	flow, err := o.persistence.Flows().GetByID(ctx, original.FlowID)
	if err != nil {
		return nil, err
	}

	index := flow.StepIndex(failedStepID)
	if index < 0 {
		return nil, newServiceError("replay_flow", "validation_error",
			fmt.Errorf("%w: step %d, flow %d", ErrStepNotInFlow, failedStepID, flow.ID))
	}

	previous, err := o.persistence.PipelineExecutions().GetByFlowExecution(ctx, originalID)
	if err != nil {
		return nil, err
	}

	latest := make(map[int64]*models.PipelineExecution, len(previous))
	for _, record := range previous {
		latest[record.FlowStepID] = record
	}

	accumulated := map[string]string{}

	for _, stepID := range flow.FlowStepIDs[:index] {
		record := latest[stepID]
		if record == nil || record.Status != models.StatusPassed {
			return nil, newServiceError("replay_flow", "validation_error",
				fmt.Errorf("%w: step %d", ErrStepNotCarryable, stepID))
		}

		maps.Copy(accumulated, record.RuntimeTestData)
	}

	if o.reserve(1) == 0 {
		return nil, newServiceError("replay_flow", "capacity_exhausted", ErrCapacityExhausted)
	}

	now := o.now()
	execution := &models.FlowExecution{
		ID:                      uuid.NewString(),
		FlowID:                  flow.ID,
		StartTime:               now,
		RuntimeVariables:        maps.Clone(accumulated),
		Status:                  models.StatusRunning,
		IsReplay:                true,
		OriginalFlowExecutionID: &original.ID,
		Category:                original.Category,
		FlowGroupID:             original.FlowGroupID,
		Iteration:               original.Iteration,
		Revolutions:             original.Revolutions,
		CreatedAt:               now,
	}

	carried := flow.FlowStepIDs[:index]

	_, err = o.create(ctx, execution, flow, func(stepID int64) *models.PipelineExecution {
		if slices.Contains(carried, stepID) {
			record := *latest[stepID]
			record.ID = 0
			record.FlowExecutionID = execution.ID
			record.IsReplay = false
			record.ResumeTime = nil
			record.CreatedAt = now

			return &record
		}

		record := o.placeholder(execution, stepID)
		record.RuntimeTestData = maps.Clone(accumulated)

		return record
	})
	if err != nil {
		o.release()
		otelhelper.SetError(span, err)

		return nil, err
	}

	r := o.newRun(execution, flow, accumulated, now)
	r.logger.InfoContext(ctx, "Replay created",
		"original_flow_execution_id", originalID,
		"flow_step_id", failedStepID,
		"carried_steps", index)

	o.publish(ctx, execution.ID, events.FlowExecutionStarted{
		BaseEvent: events.NewBaseEvent(events.FlowExecutionStartedEvent, execution.ID, flow.ID),
		IsReplay:  true,
		Category:  execution.Category,
		Steps:     len(flow.FlowStepIDs),
	})

	snapshot := *execution

	if err := o.dispatch(execution.ID, func(ctx context.Context) { o.drive(ctx, r, index) }); err != nil {
		o.finish(ctx, r, models.StatusFailed, err.Error())

		return nil, err
	}

	return &snapshot, nil
}

// Cancel stops a running or paused execution. Its pending and in-flight step records become
// CANCELLED; an in-flight run stops at its next poll tick or step boundary.
func (o *Orchestrator) Cancel(ctx context.Context, executionID string) (*models.FlowExecution, error) {
	execution, err := o.persistence.FlowExecutions().GetByID(ctx, executionID)
	if err != nil {
		return nil, err
	}

	if execution.Status.IsTerminal() {
		return nil, newServiceError("cancel_flow_execution", "conflict",
			fmt.Errorf("%w: execution %s is %s", ErrExecutionFinished, executionID, execution.Status))
	}

	ended := o.now()
	execution.Finish(models.StatusCancelled, execution.RuntimeVariables, ended)

	saved, err := o.persistence.FlowExecutions().SaveActive(ctx, execution)
	if err != nil {
		return nil, err
	}

	if !saved {
		return nil, newServiceError("cancel_flow_execution", "conflict",
			fmt.Errorf("%w: execution %s finished before it could be cancelled", ErrExecutionFinished, executionID))
	}

	interrupted := o.interrupt(executionID)

	records, err := o.persistence.PipelineExecutions().GetByFlowExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}

	for _, record := range records {
		if record.Status.IsTerminal() {
			continue
		}

		record.Status = models.StatusCancelled
		record.ResumeTime = nil
		record.EndTime = &ended

		if _, err := o.persistence.PipelineExecutions().SaveActive(ctx, record); err != nil {
			o.logger.ErrorContext(ctx, "Failed to cancel step", "flow_execution_id", executionID,
				"flow_step_id", record.FlowStepID, "error", err)
		}
	}

	o.logger.InfoContext(ctx, "Execution cancelled", "flow_execution_id", executionID, "interrupted", interrupted)

	o.metrics.FlowFinished(models.StatusCancelled)
	o.publish(ctx, executionID, events.FlowExecutionFinished{
		BaseEvent: events.NewBaseEvent(events.FlowExecutionFinishedEvent, executionID, execution.FlowID),
		Status:    models.StatusCancelled,
		Duration:  ended.Sub(execution.StartTime),
	})

	return execution, nil
}

// ExecutionDetails is an execution with its step records in flow order.
type ExecutionDetails struct {
	*models.FlowExecution

	PipelineExecutions []*models.PipelineExecution `json:"pipeline_executions"`
}

func (o *Orchestrator) GetExecution(ctx context.Context, executionID string) (*ExecutionDetails, error) {
	execution, err := o.persistence.FlowExecutions().GetByID(ctx, executionID)
	if err != nil {
		return nil, err
	}

	records, err := o.persistence.PipelineExecutions().GetByFlowExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}

	if flow, err := o.persistence.Flows().GetByID(ctx, execution.FlowID); err == nil {
		slices.SortStableFunc(records, func(a, b *models.PipelineExecution) int {
			return flow.StepIndex(a.FlowStepID) - flow.StepIndex(b.FlowStepID)
		})
	}

	return &ExecutionDetails{FlowExecution: execution, PipelineExecutions: records}, nil
}
