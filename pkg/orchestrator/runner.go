package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"github.com/dukex/orkestra/pkg/envfile"
	"github.com/dukex/orkestra/pkg/events"
	"github.com/dukex/orkestra/pkg/log"
	"github.com/dukex/orkestra/pkg/models"
	"github.com/dukex/orkestra/pkg/persistence"
)

var (
	errPaused    = errors.New("execution paused")
	errCancelled = errors.New("execution cancelled")
)

// StepFailedError ends a flow execution whose step did not pass.
type StepFailedError struct {
	FlowStepID int64
}

func (e *StepFailedError) Error() string {
	return fmt.Sprintf("step %d failed", e.FlowStepID)
}

// run is the state carried across the steps of one execution on one worker.
type run struct {
	execution   *models.FlowExecution
	flow        *models.Flow
	accumulated map[string]string
	previousEnd time.Time
	logger      *slog.Logger
}

func (o *Orchestrator) newRun(execution *models.FlowExecution, flow *models.Flow, accumulated map[string]string, previousEnd time.Time) *run {
	if accumulated == nil {
		accumulated = map[string]string{}
	}

	return &run{
		execution:   execution,
		flow:        flow,
		accumulated: maps.Clone(accumulated),
		previousEnd: previousEnd,
		logger:      log.WithExecution(o.logger, execution.ID).With("flow_id", flow.ID),
	}
}

// drive runs the steps from index start and settles the execution.
func (o *Orchestrator) drive(ctx context.Context, r *run, start int) {
	err := o.runSteps(ctx, r, start)

	var failed *StepFailedError

	switch {
	case err == nil:
		o.finish(ctx, r, models.StatusPassed, "")
	case errors.Is(err, errPaused):
		r.logger.InfoContext(ctx, "Execution paused")
	case errors.Is(err, errCancelled):
		r.logger.InfoContext(ctx, "Execution cancelled")
	case ctx.Err() != nil:
		r.logger.InfoContext(ctx, "Execution interrupted", "error", err)
	case errors.As(err, &failed):
		o.finish(ctx, r, models.StatusFailed, err.Error())
	default:
		r.logger.ErrorContext(ctx, "Execution aborted", "error", err)
		o.finish(ctx, r, models.StatusFailed, err.Error())
	}
}

func (o *Orchestrator) runSteps(ctx context.Context, r *run, start int) error {
	for index := start; index < len(r.flow.FlowStepIDs); index++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		if err := o.checkCancelled(ctx, r); err != nil {
			return err
		}

		stepID := r.flow.FlowStepIDs[index]

		record, err := o.stepRecord(ctx, r, stepID)
		if err != nil {
			return err
		}

		step, err := o.persistence.FlowSteps().GetByID(ctx, stepID)
		if err == nil {
			err = o.runStep(ctx, r, step, record)
		}

		if err != nil {
			if isUnexpected(ctx, err) {
				o.abortStep(ctx, r, record, err)
			}

			return err
		}
	}

	return nil
}

func isUnexpected(ctx context.Context, err error) bool {
	var failed *StepFailedError

	return ctx.Err() == nil &&
		!errors.Is(err, errPaused) &&
		!errors.Is(err, errCancelled) &&
		!errors.As(err, &failed)
}

func (o *Orchestrator) runStep(ctx context.Context, r *run, step *models.FlowStep, record *models.PipelineExecution) error {
	switch record.Status {
	case models.StatusPassed:
		return o.settle(r, record)
	case models.StatusFailed:
		return &StepFailedError{FlowStepID: step.ID}
	case models.StatusCancelled:
		return errCancelled
	case models.StatusRunning:
		if err := o.awaitStep(ctx, r, step, record); err != nil {
			return err
		}
	case models.StatusInProgress:
		if err := o.executeStep(ctx, r, step, record); err != nil {
			return err
		}
	default:
		if record.ResumeTime != nil {
			return errPaused
		}

		if step.InvokeScheduler != nil {
			resume, err := o.calculator.ResumeTime(r.previousEnd, step.InvokeScheduler)
			if err == nil {
				return o.pause(ctx, r, record, resume)
			}

			r.logger.WarnContext(ctx, "Invalid schedule, executing step immediately", "flow_step_id", step.ID, "error", err)
		}

		if err := o.executeStep(ctx, r, step, record); err != nil {
			return err
		}
	}

	return o.settle(r, record)
}

// settle folds a finished step into the run.
func (o *Orchestrator) settle(r *run, record *models.PipelineExecution) error {
	if record.Status != models.StatusPassed {
		return &StepFailedError{FlowStepID: record.FlowStepID}
	}

	r.accumulated = envfile.Merge(r.accumulated, record.RuntimeTestData)

	if record.EndTime != nil {
		r.previousEnd = *record.EndTime
	}

	return nil
}

// stepRecord returns the execution's record for a step, creating a placeholder when none exists.
func (o *Orchestrator) stepRecord(ctx context.Context, r *run, stepID int64) (*models.PipelineExecution, error) {
	record, err := o.persistence.PipelineExecutions().GetByFlowExecutionAndStep(ctx, r.execution.ID, stepID)
	if err == nil {
		return record, nil
	}

	if !persistence.IsNotFound(err) {
		return nil, err
	}

	record = o.placeholder(r.execution, stepID)
	if err := o.persistence.PipelineExecutions().Save(ctx, record); err != nil {
		return nil, err
	}

	return record, nil
}

func (o *Orchestrator) placeholder(execution *models.FlowExecution, stepID int64) *models.PipelineExecution {
	return &models.PipelineExecution{
		FlowID:             execution.FlowID,
		FlowExecutionID:    execution.ID,
		FlowStepID:         stepID,
		ConfiguredTestData: map[string]string{},
		RuntimeTestData:    map[string]string{},
		Status:             models.StatusScheduled,
		IsReplay:           execution.IsReplay,
	}
}

// pause defers the step to resume and persists the accumulated variables for the resumed run.
func (o *Orchestrator) pause(ctx context.Context, r *run, record *models.PipelineExecution, resume time.Time) error {
	if err := o.saveExecution(ctx, r, func(execution *models.FlowExecution) {
		execution.RuntimeVariables = maps.Clone(r.accumulated)
	}); err != nil {
		return err
	}

	record.Status = models.StatusScheduled
	record.ResumeTime = &resume

	if err := o.saveRecord(ctx, record); err != nil {
		return err
	}

	r.logger.InfoContext(ctx, "Step scheduled", "flow_step_id", record.FlowStepID, "resume_time", resume)

	o.publish(ctx, r.execution.ID, events.FlowExecutionPaused{
		BaseEvent:  events.NewBaseEvent(events.FlowExecutionPausedEvent, r.execution.ID, r.execution.FlowID),
		FlowStepID: record.FlowStepID,
		ResumeTime: resume,
	})

	return errPaused
}

// saveExecution applies update to the execution and persists it unless it was finished elsewhere,
// in which case errCancelled is returned.
func (o *Orchestrator) saveExecution(ctx context.Context, r *run, update func(*models.FlowExecution)) error {
	update(r.execution)

	saved, err := o.persistence.FlowExecutions().SaveActive(ctx, r.execution)
	if err != nil {
		return err
	}

	if !saved {
		return errCancelled
	}

	return nil
}

// saveRecord persists a step record unless it already reached a terminal status elsewhere.
func (o *Orchestrator) saveRecord(ctx context.Context, record *models.PipelineExecution) error {
	saved, err := o.persistence.PipelineExecutions().SaveActive(ctx, record)
	if err != nil {
		return err
	}

	if !saved {
		return errCancelled
	}

	return nil
}

func (o *Orchestrator) checkCancelled(ctx context.Context, r *run) error {
	stored, err := o.persistence.FlowExecutions().GetByID(ctx, r.execution.ID)
	if err != nil {
		return err
	}

	if stored.Status == models.StatusCancelled {
		return errCancelled
	}

	return nil
}

// abortStep marks a step that hit an unexpected error as failed.
func (o *Orchestrator) abortStep(ctx context.Context, r *run, record *models.PipelineExecution, cause error) {
	if record.Status.IsTerminal() {
		return
	}

	if err := o.failStep(ctx, r, record, cause); err != nil && !errors.Is(err, errCancelled) {
		r.logger.ErrorContext(ctx, "Failed to record step failure", "flow_step_id", record.FlowStepID, "error", err)
	}
}

func (o *Orchestrator) finish(ctx context.Context, r *run, status models.ExecutionStatus, message string) {
	ended := o.now()

	err := o.saveExecution(ctx, r, func(execution *models.FlowExecution) {
		execution.Finish(status, r.accumulated, ended)
	})
	if errors.Is(err, errCancelled) {
		r.logger.InfoContext(ctx, "Execution already finished elsewhere", "status", status)

		return
	}

	if err != nil {
		r.logger.ErrorContext(ctx, "Failed to record execution outcome", "status", status, "error", err)

		return
	}

	o.metrics.FlowFinished(status)

	r.logger.InfoContext(ctx, "Execution finished", "status", status, "error", message)

	o.publish(ctx, r.execution.ID, events.FlowExecutionFinished{
		BaseEvent: events.NewBaseEvent(events.FlowExecutionFinishedEvent, r.execution.ID, r.execution.FlowID),
		Status:    status,
		Error:     message,
		Duration:  ended.Sub(r.execution.StartTime),
	})
}
