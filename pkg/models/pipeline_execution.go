package models

import "time"

// PipelineExecution is one step's run record within a FlowExecution.
type PipelineExecution struct {
	ID                 int64             `json:"id"`
	FlowID             int64             `json:"flow_id"`
	FlowExecutionID    string            `json:"flow_execution_id"`
	FlowStepID         int64             `json:"flow_step_id"`
	PipelineID         *int64            `json:"pipeline_id,omitempty"`
	PipelineURL        string            `json:"pipeline_url,omitempty"`
	JobID              *int64            `json:"job_id,omitempty"`
	JobURL             string            `json:"job_url,omitempty"`
	StartTime          *time.Time        `json:"start_time,omitempty"`
	EndTime            *time.Time        `json:"end_time,omitempty"`
	ConfiguredTestData map[string]string `json:"configured_test_data"`
	RuntimeTestData    map[string]string `json:"runtime_test_data"`
	Status             ExecutionStatus   `json:"status"`
	IsReplay           bool              `json:"is_replay"`
	ResumeTime         *time.Time        `json:"resume_time,omitempty"`
	CreatedAt          time.Time         `json:"created_at"`
}

// IsDue reports whether a scheduled record's resume time has elapsed.
func (p *PipelineExecution) IsDue(now time.Time) bool {
	return p.Status == StatusScheduled && p.ResumeTime != nil && !p.ResumeTime.After(now)
}
