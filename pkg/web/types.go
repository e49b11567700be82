package web

import "time"

// ExecuteFlowsRequest is the query of POST /flows/execute.
type ExecuteFlowsRequest struct {
	FlowIDs  string `query:"flowIds"  validate:"required"`
	Category string `query:"category" validate:"omitempty,max=100"`
}

type CheckResult struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

type HealthResponse struct {
	Status    string                 `json:"status"`
	Message   string                 `json:"message"`
	Checkers  map[string]CheckResult `json:"checkers"`
	Timestamp time.Time              `json:"timestamp"`
}
