package orchestrator

import (
	"errors"
	"fmt"

	"github.com/dukex/orkestra/pkg/persistence"
)

// Validation errors (400).
var (
	ErrNoFlowIDs        = errors.New("at least one flow id is required")
	ErrInvalidFlowID    = errors.New("flow ids must be positive integers")
	ErrStepNotInFlow    = errors.New("step does not belong to the flow")
	ErrStepNotCarryable = errors.New("step before the replay point did not pass")
	ErrEmptyFlowGroup   = errors.New("flow group has no flows")
)

// Conflict errors (409).
var (
	ErrExecutionNotFailed = errors.New("only failed executions can be replayed")
	ErrExecutionFinished  = errors.New("execution already finished")
)

// ErrCapacityExhausted means the execution pool cannot take another flow (503).
var ErrCapacityExhausted = errors.New("execution capacity exhausted")

// Rejection reasons reported per flow by admission.
const (
	ReasonCapacity     = "thread_pool_capacity"
	ReasonFlowNotFound = "flow_not_found"
	ReasonStartFailed  = "start_failed"
)

// ServiceError adds an operation and an API error code to an underlying error.
type ServiceError struct {
	Op      string
	Code    string
	Message string
	Err     error
}

func (e *ServiceError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}

	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *ServiceError) Unwrap() error {
	return e.Err
}

func (e *ServiceError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

func newServiceError(op, code string, err error) *ServiceError {
	return &ServiceError{Op: op, Code: code, Message: err.Error(), Err: err}
}

func IsValidationError(err error) bool {
	return errors.Is(err, ErrNoFlowIDs) ||
		errors.Is(err, ErrInvalidFlowID) ||
		errors.Is(err, ErrStepNotInFlow) ||
		errors.Is(err, ErrStepNotCarryable) ||
		errors.Is(err, ErrEmptyFlowGroup)
}

func IsConflictError(err error) bool {
	return errors.Is(err, ErrExecutionNotFailed) ||
		errors.Is(err, ErrExecutionFinished)
}

func IsCapacityError(err error) bool {
	return errors.Is(err, ErrCapacityExhausted)
}

func IsNotFound(err error) bool {
	return persistence.IsNotFound(err)
}
