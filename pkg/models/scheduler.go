package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
)

type SchedulerType string

const (
	SchedulerTypeDelayed   SchedulerType = "delayed"
	SchedulerTypeScheduled SchedulerType = "scheduled"
)

var (
	ErrPartialScheduler     = errors.New("invoke scheduler requires both type and timer")
	ErrUnknownSchedulerType = errors.New("invoke scheduler type must be 'scheduled' or 'delayed'")
	ErrEmptyTimer           = errors.New("timer requires at least one of minutes, hours or days")
	ErrInvalidTimerField    = errors.New("invalid timer field")
)

var (
	offsetPattern = regexp.MustCompile(`^\+\d+$`)
	clockPattern  = regexp.MustCompile(`^\d+$`)
)

// Timer holds the raw minutes/hours/days components of a deferral. Empty means absent.
type Timer struct {
	Minutes string `json:"minutes,omitempty" yaml:"minutes,omitempty"`
	Hours   string `json:"hours,omitempty"   yaml:"hours,omitempty"`
	Days    string `json:"days,omitempty"    yaml:"days,omitempty"`
}

func (t Timer) IsEmpty() bool {
	return t.Minutes == "" && t.Hours == "" && t.Days == ""
}

// InvokeScheduler is the deferral attached to a flow step. It is either Delayed or Scheduled.
type InvokeScheduler interface {
	Type() SchedulerType
	Timer() Timer
	Validate() error

	invokeScheduler()
}

// Delayed offsets the previous step's completion time by "+N" days, hours and minutes.
type Delayed struct {
	Minutes string
	Hours   string
	Days    string
}

func (Delayed) Type() SchedulerType { return SchedulerTypeDelayed }

func (d Delayed) Timer() Timer {
	return Timer{Minutes: d.Minutes, Hours: d.Hours, Days: d.Days}
}

func (d Delayed) Validate() error {
	timer := d.Timer()
	if timer.IsEmpty() {
		return ErrEmptyTimer
	}

	fields := [][2]string{{"minutes", d.Minutes}, {"hours", d.Hours}, {"days", d.Days}}
	for _, field := range fields {
		if field[1] != "" && !offsetPattern.MatchString(field[1]) {
			return fmt.Errorf("%w: %s must look like +N for delayed type, got %q", ErrInvalidTimerField, field[0], field[1])
		}
	}

	return nil
}

func (Delayed) invokeScheduler() {}

// Scheduled targets a wall-clock hour and minute, optionally a number of days from now.
type Scheduled struct {
	Minutes string
	Hours   string
	Days    string
}

func (Scheduled) Type() SchedulerType { return SchedulerTypeScheduled }

func (s Scheduled) Timer() Timer {
	return Timer{Minutes: s.Minutes, Hours: s.Hours, Days: s.Days}
}

func (s Scheduled) Validate() error {
	timer := s.Timer()
	if timer.IsEmpty() {
		return ErrEmptyTimer
	}

	if err := validateClockField("minutes", s.Minutes, 59); err != nil {
		return err
	}

	if err := validateClockField("hours", s.Hours, 23); err != nil {
		return err
	}

	if s.Days != "" && !clockPattern.MatchString(s.Days) {
		return fmt.Errorf("%w: days must be a plain number for scheduled type, got %q", ErrInvalidTimerField, s.Days)
	}

	return nil
}

func (Scheduled) invokeScheduler() {}

func validateClockField(name, value string, upper int) error {
	if value == "" {
		return nil
	}

	if !clockPattern.MatchString(value) {
		return fmt.Errorf("%w: %s must be a plain number for scheduled type, got %q", ErrInvalidTimerField, name, value)
	}

	parsed, err := strconv.Atoi(value)
	if err != nil || parsed < 0 || parsed > upper {
		return fmt.Errorf("%w: %s must be between 0 and %d, got %q", ErrInvalidTimerField, name, upper, value)
	}

	return nil
}

// NewInvokeScheduler builds and validates the variant named by schedulerType. Both arguments empty
// means no scheduler and returns nil without error.
//
//nolint:ireturn
func NewInvokeScheduler(schedulerType string, timer *Timer) (InvokeScheduler, error) {
	scheduler, err := buildInvokeScheduler(schedulerType, timer)
	if err != nil || scheduler == nil {
		return scheduler, err
	}

	if err := scheduler.Validate(); err != nil {
		return nil, err
	}

	return scheduler, nil
}

//nolint:ireturn
func buildInvokeScheduler(schedulerType string, timer *Timer) (InvokeScheduler, error) {
	if schedulerType == "" && timer == nil {
		return nil, nil //nolint:nilnil
	}

	if schedulerType == "" || timer == nil {
		return nil, ErrPartialScheduler
	}

	var scheduler InvokeScheduler

	switch SchedulerType(schedulerType) {
	case SchedulerTypeDelayed:
		scheduler = Delayed{Minutes: timer.Minutes, Hours: timer.Hours, Days: timer.Days}
	case SchedulerTypeScheduled:
		scheduler = Scheduled{Minutes: timer.Minutes, Hours: timer.Hours, Days: timer.Days}
	default:
		return nil, fmt.Errorf("%w, got %q", ErrUnknownSchedulerType, schedulerType)
	}

	return scheduler, nil
}

// invokeSchedulerJSON is the wire form {"type": ..., "timer": {...}}.
type invokeSchedulerJSON struct {
	Type  string `json:"type,omitempty"`
	Timer *Timer `json:"timer,omitempty"`
}

// MarshalInvokeScheduler encodes a scheduler in its wire form. A nil scheduler encodes as null.
func MarshalInvokeScheduler(scheduler InvokeScheduler) ([]byte, error) {
	if scheduler == nil {
		return []byte("null"), nil
	}

	timer := scheduler.Timer()

	return json.Marshal(invokeSchedulerJSON{Type: string(scheduler.Type()), Timer: &timer})
}

// UnmarshalInvokeScheduler decodes the wire form. Timer values are kept as stored; malformed values
// surface later when the resume time is computed.
//
//nolint:ireturn
func UnmarshalInvokeScheduler(data []byte) (InvokeScheduler, error) {
	if len(data) == 0 || string(data) == "null" {
		return nil, nil //nolint:nilnil
	}

	var raw invokeSchedulerJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to decode invoke scheduler: %w", err)
	}

	return buildInvokeScheduler(raw.Type, raw.Timer)
}
