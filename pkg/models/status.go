// Package models defines the domain records of flow orchestration: definitions (applications, test
// data, steps, flows, groups) and the execution records derived from them.
package models

// ExecutionStatus is shared by flow executions and pipeline executions.
type ExecutionStatus string

const (
	StatusPending    ExecutionStatus = "PENDING"
	StatusRunning    ExecutionStatus = "RUNNING"
	StatusPassed     ExecutionStatus = "PASSED"
	StatusFailed     ExecutionStatus = "FAILED"
	StatusCancelled  ExecutionStatus = "CANCELLED"
	StatusScheduled  ExecutionStatus = "SCHEDULED"   // waiting for a resume time
	StatusInProgress ExecutionStatus = "IN_PROGRESS" // reactivated, pipeline not yet triggered
)

// IsTerminal reports whether no further transition is allowed.
func (s ExecutionStatus) IsTerminal() bool {
	return s == StatusPassed || s == StatusFailed || s == StatusCancelled
}

func (s ExecutionStatus) String() string {
	return string(s)
}
