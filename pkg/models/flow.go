package models

import (
	"encoding/json"
	"fmt"
	"slices"
	"time"
)

// Flow is an ordered template of steps.
type Flow struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	FlowStepIDs []int64   `json:"flow_step_ids" validate:"required,min=1"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// StepIndex returns the position of stepID in the flow or -1.
func (f *Flow) StepIndex(stepID int64) int {
	return slices.Index(f.FlowStepIDs, stepID)
}

// FlowStep is one step's configuration: which application pipeline to run, on which branch, with
// which inputs, and an optional deferral.
type FlowStep struct {
	ID              int64           `json:"id"`
	ApplicationID   int64           `json:"application_id" validate:"required"`
	Branch          string          `json:"branch"         validate:"required"`
	TestTag         string          `json:"test_tag"`
	TestStage       string          `json:"test_stage"`
	Description     string          `json:"description"`
	SquashStepIDs   []int64         `json:"squash_step_ids,omitempty"`
	TestDataIDs     []int64         `json:"test_data_ids"`
	InvokeScheduler InvokeScheduler `json:"-"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

type flowStepAlias FlowStep

type flowStepJSON struct {
	*flowStepAlias

	InvokeScheduler json.RawMessage `json:"invoke_scheduler,omitempty"`
}

func (s FlowStep) MarshalJSON() ([]byte, error) {
	alias := flowStepAlias(s)
	out := flowStepJSON{flowStepAlias: &alias}

	if s.InvokeScheduler != nil {
		data, err := MarshalInvokeScheduler(s.InvokeScheduler)
		if err != nil {
			return nil, err
		}

		out.InvokeScheduler = data
	}

	return json.Marshal(out)
}

func (s *FlowStep) UnmarshalJSON(data []byte) error {
	in := flowStepJSON{flowStepAlias: (*flowStepAlias)(s)}
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}

	scheduler, err := UnmarshalInvokeScheduler(in.InvokeScheduler)
	if err != nil {
		return fmt.Errorf("flow step %d: %w", s.ID, err)
	}

	s.InvokeScheduler = scheduler

	return nil
}
