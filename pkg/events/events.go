// Package events defines the lifecycle notifications emitted while flow executions run.
package events

import (
	"time"

	"github.com/dukex/orkestra/pkg/models"
	"github.com/google/uuid"
)

type EventType string

// Topic carries every execution lifecycle event.
const Topic = "orkestra.executions"

const EventMetadataKey = "key"
const EventTypeMetadataKey = "event_type"

const (
	FlowExecutionStartedEvent  EventType = "flow.execution.started"
	FlowExecutionPausedEvent   EventType = "flow.execution.paused"
	FlowExecutionResumedEvent  EventType = "flow.execution.resumed"
	FlowExecutionFinishedEvent EventType = "flow.execution.finished"

	StepStartedEvent  EventType = "step.started"
	StepFinishedEvent EventType = "step.finished"
)

type BaseEvent struct {
	ID              string    `json:"id"`
	Type            EventType `json:"type"`
	Timestamp       time.Time `json:"timestamp"`
	FlowExecutionID string    `json:"flow_execution_id"`
	FlowID          int64     `json:"flow_id"`
}

func NewBaseEvent(eventType EventType, flowExecutionID string, flowID int64) BaseEvent {
	return BaseEvent{
		ID:              uuid.New().String(),
		Type:            eventType,
		Timestamp:       time.Now().UTC(),
		FlowExecutionID: flowExecutionID,
		FlowID:          flowID,
	}
}

// Execution returns the flow execution the event belongs to.
func (b BaseEvent) Execution() string {
	return b.FlowExecutionID
}

type FlowExecutionStarted struct {
	BaseEvent

	IsReplay bool   `json:"is_replay"`
	Category string `json:"category,omitempty"`
	Steps    int    `json:"steps"`
}

func (FlowExecutionStarted) GetType() EventType { return FlowExecutionStartedEvent }

type FlowExecutionPaused struct {
	BaseEvent

	FlowStepID int64     `json:"flow_step_id"`
	ResumeTime time.Time `json:"resume_time"`
}

func (FlowExecutionPaused) GetType() EventType { return FlowExecutionPausedEvent }

type FlowExecutionResumed struct {
	BaseEvent

	FlowStepID int64 `json:"flow_step_id"`
}

func (FlowExecutionResumed) GetType() EventType { return FlowExecutionResumedEvent }

type FlowExecutionFinished struct {
	BaseEvent

	Status   models.ExecutionStatus `json:"status"`
	Error    string                 `json:"error,omitempty"`
	Duration time.Duration          `json:"duration"`
}

func (FlowExecutionFinished) GetType() EventType { return FlowExecutionFinishedEvent }

type StepStarted struct {
	BaseEvent

	FlowStepID  int64  `json:"flow_step_id"`
	PipelineID  int64  `json:"pipeline_id"`
	PipelineURL string `json:"pipeline_url"`
}

func (StepStarted) GetType() EventType { return StepStartedEvent }

type StepFinished struct {
	BaseEvent

	FlowStepID int64                  `json:"flow_step_id"`
	Status     models.ExecutionStatus `json:"status"`
	JobURL     string                 `json:"job_url,omitempty"`
	Error      string                 `json:"error,omitempty"`
}

func (StepFinished) GetType() EventType { return StepFinishedEvent }
