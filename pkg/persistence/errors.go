package persistence

import (
	"errors"
	"fmt"
)

var (
	ErrApplicationNotFound       = errors.New("application not found")
	ErrTestDataNotFound          = errors.New("test data not found")
	ErrFlowStepNotFound          = errors.New("flow step not found")
	ErrFlowNotFound              = errors.New("flow not found")
	ErrFlowGroupNotFound         = errors.New("flow group not found")
	ErrFlowExecutionNotFound     = errors.New("flow execution not found")
	ErrPipelineExecutionNotFound = errors.New("pipeline execution not found")

	// ErrInvalidID indicates an identifier that cannot be used as a storage key.
	ErrInvalidID = errors.New("invalid identifier")
)

var notFoundErrors = []error{
	ErrApplicationNotFound,
	ErrTestDataNotFound,
	ErrFlowStepNotFound,
	ErrFlowNotFound,
	ErrFlowGroupNotFound,
	ErrFlowExecutionNotFound,
	ErrPipelineExecutionNotFound,
}

// RecordError wraps a storage failure with the operation and record it concerned.
type RecordError struct {
	Op     string // e.g. "GetByID", "Save"
	Entity string // e.g. "flow", "pipeline_execution"
	ID     string
	Err    error
}

func (e *RecordError) Error() string {
	return fmt.Sprintf("%s operation failed for %s %s: %v", e.Op, e.Entity, e.ID, e.Err)
}

func (e *RecordError) Unwrap() error {
	return e.Err
}

func (e *RecordError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

func NewRecordError(op, entity string, id any, err error) *RecordError {
	return &RecordError{
		Op:     op,
		Entity: entity,
		ID:     fmt.Sprint(id),
		Err:    err,
	}
}

// IsNotFound reports whether err means a record of any kind does not exist.
func IsNotFound(err error) bool {
	for _, target := range notFoundErrors {
		if errors.Is(err, target) {
			return true
		}
	}

	return false
}

func IsFlowNotFound(err error) bool {
	return errors.Is(err, ErrFlowNotFound)
}

func IsFlowExecutionNotFound(err error) bool {
	return errors.Is(err, ErrFlowExecutionNotFound)
}
