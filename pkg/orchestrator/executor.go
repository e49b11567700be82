package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/dukex/orkestra/pkg/ci"
	"github.com/dukex/orkestra/pkg/envfile"
	"github.com/dukex/orkestra/pkg/events"
	"github.com/dukex/orkestra/pkg/models"
	"github.com/dukex/orkestra/pkg/otelhelper"
	"go.opentelemetry.io/otel/attribute"
)

// Variables injected into every pipeline trigger.
const (
	VariableExecutionUUID = "EXECUTION_UUID"
	VariableAppName       = "APP_NAME"
	VariableTestTag       = "testTag"
)

var ErrNoPipeline = errors.New("step has no pipeline to wait for")

// executeStep triggers the step's pipeline and waits for it to finish. Pipeline failures are recorded
// on the record; the returned error is reserved for interruptions and storage failures.
func (o *Orchestrator) executeStep(ctx context.Context, r *run, step *models.FlowStep, record *models.PipelineExecution) error {
	if err := o.triggerStep(ctx, r, step, record); err != nil {
		return err
	}

	if record.Status != models.StatusRunning {
		return nil
	}

	return o.awaitStep(ctx, r, step, record)
}

// triggerStep resolves the step inputs, marks the record RUNNING and starts its pipeline. On a
// trigger failure the record is marked FAILED.
func (o *Orchestrator) triggerStep(ctx context.Context, r *run, step *models.FlowStep, record *models.PipelineExecution) error {
	ctx, span := otelhelper.StartSpan(ctx, o.tracer, "orchestrator.trigger_step",
		attribute.String(otelhelper.FlowExecutionIDKey, r.execution.ID),
		attribute.Int64(otelhelper.FlowStepIDKey, step.ID),
		attribute.Int64(otelhelper.ApplicationIDKey, step.ApplicationID))
	defer span.End()

	testData, err := o.persistence.TestData().GetByIDs(ctx, step.TestDataIDs)
	if err != nil {
		return fmt.Errorf("failed to load test data of step %d: %w", step.ID, err)
	}

	inputs := envfile.Merge(models.MergeTestData(testData), r.accumulated)

	started := o.now()
	record.ConfiguredTestData = inputs
	record.Status = models.StatusRunning
	record.StartTime = &started
	record.ResumeTime = nil

	if err := o.saveRecord(ctx, record); err != nil {
		return err
	}

	application, project, err := o.credentials.Resolve(ctx, step.ApplicationID)
	if err != nil {
		otelhelper.SetError(span, err)

		return o.failStep(ctx, r, record, fmt.Errorf("failed to resolve credentials: %w", err))
	}

	variables := maps.Clone(inputs)
	variables[VariableExecutionUUID] = r.execution.ID
	variables[VariableAppName] = application.Name

	if step.TestTag != "" {
		variables[VariableTestTag] = step.TestTag
	}

	pipeline, err := o.provider.TriggerPipeline(ctx, ci.TriggerRequest{
		Project:   project,
		Ref:       step.Branch,
		Stage:     step.TestStage,
		Variables: variables,
	})
	if err != nil {
		otelhelper.SetError(span, err)

		return o.failStep(ctx, r, record, fmt.Errorf("failed to trigger pipeline: %w", err))
	}

	pipelineID := pipeline.ID
	record.PipelineID = &pipelineID
	record.PipelineURL = pipeline.WebURL

	if err := o.saveRecord(ctx, record); err != nil {
		return err
	}

	span.SetAttributes(attribute.Int64(otelhelper.PipelineIDKey, pipeline.ID))

	r.logger.InfoContext(ctx, "Pipeline triggered",
		"flow_step_id", step.ID,
		"pipeline_id", pipeline.ID,
		"pipeline_url", pipeline.WebURL)

	o.publish(ctx, r.execution.ID, events.StepStarted{
		BaseEvent:   events.NewBaseEvent(events.StepStartedEvent, r.execution.ID, r.execution.FlowID),
		FlowStepID:  step.ID,
		PipelineID:  pipeline.ID,
		PipelineURL: pipeline.WebURL,
	})

	return nil
}

// awaitStep polls a running pipeline until it is terminal and records the outcome, harvesting the
// step's output artifact on success.
func (o *Orchestrator) awaitStep(ctx context.Context, r *run, step *models.FlowStep, record *models.PipelineExecution) error {
	if record.PipelineID == nil {
		return o.failStep(ctx, r, record, ErrNoPipeline)
	}

	_, project, err := o.credentials.Resolve(ctx, step.ApplicationID)
	if err != nil {
		return o.failStep(ctx, r, record, fmt.Errorf("failed to resolve credentials: %w", err))
	}

	status, err := o.poll(ctx, project, *record.PipelineID)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		return o.failStep(ctx, r, record, fmt.Errorf("failed to poll pipeline %d: %w", *record.PipelineID, err))
	}

	ended := o.now()
	record.EndTime = &ended
	record.RuntimeTestData = maps.Clone(record.ConfiguredTestData)

	if status.Successful {
		record.Status = models.StatusPassed
		record.RuntimeTestData = o.harvest(ctx, r, project, step, record)
	} else {
		record.Status = models.StatusFailed
	}

	if err := o.saveRecord(ctx, record); err != nil {
		return err
	}

	o.stepFinished(ctx, r, record, "pipeline finished with status "+status.Status)

	return nil
}

type pollResult struct {
	status ci.PipelineStatus
	err    error
}

// poll waits on the polling pool for the pipeline to reach a terminal status.
func (o *Orchestrator) poll(ctx context.Context, project ci.Project, pipelineID int64) (ci.PipelineStatus, error) {
	result := make(chan pollResult, 1)

	err := o.pollPool.Submit(ctx, func(poolCtx context.Context) {
		pollCtx, cancel := context.WithCancel(ctx)
		defer cancel()

		stop := context.AfterFunc(poolCtx, cancel)
		defer stop()

		status, err := o.pollUntilDone(pollCtx, project, pipelineID)
		result <- pollResult{status: status, err: err}
	})
	if err != nil {
		return ci.PipelineStatus{}, err
	}

	select {
	case <-ctx.Done():
		return ci.PipelineStatus{}, ctx.Err()
	case res := <-result:
		return res.status, res.err
	}
}

func (o *Orchestrator) pollUntilDone(ctx context.Context, project ci.Project, pipelineID int64) (ci.PipelineStatus, error) {
	ticker := time.NewTicker(o.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ci.PipelineStatus{}, ctx.Err()
		case <-ticker.C:
		}

		status, err := o.provider.PipelineStatus(ctx, project, pipelineID)
		if err != nil {
			return ci.PipelineStatus{}, err
		}

		if status.Completed {
			return status, nil
		}

		o.logger.DebugContext(ctx, "Pipeline still running", "pipeline_id", pipelineID, "status", status.Status)
	}
}

// harvest returns the configured data overlaid with the variables published by the step's job.
// Missing jobs or artifacts leave the configured data unchanged.
func (o *Orchestrator) harvest(ctx context.Context, r *run, project ci.Project, step *models.FlowStep, record *models.PipelineExecution) map[string]string {
	configured := maps.Clone(record.ConfiguredTestData)
	logger := r.logger.With("flow_step_id", step.ID, "pipeline_id", *record.PipelineID)

	jobs, err := o.provider.PipelineJobs(ctx, project, *record.PipelineID)
	if err != nil {
		logger.WarnContext(ctx, "Failed to list pipeline jobs", "error", err)

		return configured
	}

	job, err := ci.FindJob(jobs, step.TestStage)
	if err != nil {
		logger.WarnContext(ctx, "No job to harvest variables from", "stage", step.TestStage, "error", err)

		return configured
	}

	record.JobID = &job.ID
	record.JobURL = job.WebURL

	content, err := o.provider.DownloadArtifact(ctx, project, job.ID, ci.ArtifactPath)
	if err != nil {
		if errors.Is(err, ci.ErrArtifactNotFound) {
			logger.InfoContext(ctx, "Job published no output artifact", "job_id", job.ID)
		} else {
			logger.WarnContext(ctx, "Failed to download output artifact", "job_id", job.ID, "error", err)
		}

		return configured
	}

	harvested, err := envfile.Parse(content)
	if err != nil {
		logger.WarnContext(ctx, "Failed to parse output artifact", "job_id", job.ID, "error", err)

		return configured
	}

	logger.InfoContext(ctx, "Harvested step variables", "job_id", job.ID, "count", len(harvested))

	return envfile.Merge(configured, harvested)
}

// failStep records a pipeline-level failure of the step.
func (o *Orchestrator) failStep(ctx context.Context, r *run, record *models.PipelineExecution, cause error) error {
	ended := o.now()
	record.Status = models.StatusFailed
	record.EndTime = &ended
	record.ResumeTime = nil

	if record.RuntimeTestData == nil {
		record.RuntimeTestData = maps.Clone(record.ConfiguredTestData)
	}

	if err := o.saveRecord(ctx, record); err != nil {
		return err
	}

	r.logger.WarnContext(ctx, "Step failed", "flow_step_id", record.FlowStepID, "error", cause)
	o.stepFinished(ctx, r, record, cause.Error())

	return nil
}

func (o *Orchestrator) stepFinished(ctx context.Context, r *run, record *models.PipelineExecution, detail string) {
	var duration time.Duration
	if record.StartTime != nil && record.EndTime != nil {
		duration = record.EndTime.Sub(*record.StartTime)
	}

	o.metrics.StepFinished(record.Status, duration)

	event := events.StepFinished{
		BaseEvent:  events.NewBaseEvent(events.StepFinishedEvent, r.execution.ID, r.execution.FlowID),
		FlowStepID: record.FlowStepID,
		Status:     record.Status,
		JobURL:     record.JobURL,
	}

	if record.Status == models.StatusFailed {
		event.Error = detail
	}

	r.logger.InfoContext(ctx, "Step finished",
		"flow_step_id", record.FlowStepID,
		"status", record.Status,
		"duration", duration)

	o.publish(ctx, r.execution.ID, event)
}
