package models

import (
	"maps"
	"time"
)

// FlowExecution is one run of a Flow.
type FlowExecution struct {
	ID                      string            `json:"id"`
	FlowID                  int64             `json:"flow_id"`
	StartTime               time.Time         `json:"start_time"`
	EndTime                 *time.Time        `json:"end_time,omitempty"`
	RuntimeVariables        map[string]string `json:"runtime_variables"`
	Status                  ExecutionStatus   `json:"status"`
	IsReplay                bool              `json:"is_replay"`
	OriginalFlowExecutionID *string           `json:"original_flow_execution_id,omitempty"`
	Category                string            `json:"category,omitempty"`
	FlowGroupID             *int64            `json:"flow_group_id,omitempty"`
	Iteration               *int              `json:"iteration,omitempty"`
	Revolutions             *int              `json:"revolutions,omitempty"`
	CreatedAt               time.Time         `json:"created_at"`
}

// Finish moves the execution to a terminal status and snapshots the accumulated variables.
func (e *FlowExecution) Finish(status ExecutionStatus, variables map[string]string, at time.Time) {
	e.Status = status
	e.EndTime = &at
	e.RuntimeVariables = maps.Clone(variables)

	if e.RuntimeVariables == nil {
		e.RuntimeVariables = map[string]string{}
	}
}
