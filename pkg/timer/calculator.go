// Package timer computes when a deferred flow step should resume.
package timer

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/dukex/orkestra/pkg/models"
)

var ErrInvalidSchedule = errors.New("invalid schedule")

// Calculator maps an invoke scheduler and a reference time to an absolute resume time.
type Calculator struct {
	logger   *slog.Logger
	now      func() time.Time
	location *time.Location
}

type Option func(*Calculator)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Calculator) {
		c.now = now
	}
}

// WithLocation sets the zone used for wall-clock targets of scheduled timers.
func WithLocation(location *time.Location) Option {
	return func(c *Calculator) {
		if location != nil {
			c.location = location
		}
	}
}

func NewCalculator(logger *slog.Logger, options ...Option) *Calculator {
	calculator := &Calculator{
		logger:   logger,
		now:      time.Now,
		location: time.Local,
	}

	for _, option := range options {
		option(calculator)
	}

	return calculator
}

// ResumeTime returns the instant a step carrying scheduler should run. previousEnd is the completion
// time of the preceding step and is only used by delayed timers. ErrInvalidSchedule is returned when
// a scheduled timer cannot be interpreted.
func (c *Calculator) ResumeTime(previousEnd time.Time, scheduler models.InvokeScheduler) (time.Time, error) {
	switch s := scheduler.(type) {
	case models.Delayed:
		return c.delayed(previousEnd, s), nil
	case models.Scheduled:
		return c.scheduled(s)
	case nil:
		return time.Time{}, fmt.Errorf("%w: no scheduler", ErrInvalidSchedule)
	default:
		return time.Time{}, fmt.Errorf("%w: unsupported scheduler %T", ErrInvalidSchedule, scheduler)
	}
}

func (c *Calculator) delayed(previousEnd time.Time, delayed models.Delayed) time.Time {
	resume := previousEnd

	if days, ok := c.offset("days", delayed.Days); ok {
		resume = resume.AddDate(0, 0, days)
	}

	if hours, ok := c.offset("hours", delayed.Hours); ok {
		resume = resume.Add(time.Duration(hours) * time.Hour)
	}

	if minutes, ok := c.offset("minutes", delayed.Minutes); ok {
		resume = resume.Add(time.Duration(minutes) * time.Minute)
	}

	return resume
}

// offset parses a "+N" field. Missing or malformed fields are skipped.
func (c *Calculator) offset(field, value string) (int, bool) {
	if value == "" {
		return 0, false
	}

	if !strings.HasPrefix(value, "+") {
		c.logger.Warn("Ignoring delayed timer field without '+' prefix", "field", field, "value", value)

		return 0, false
	}

	parsed, err := strconv.Atoi(strings.TrimPrefix(value, "+"))
	if err != nil || parsed < 0 {
		c.logger.Warn("Ignoring unparseable delayed timer field", "field", field, "value", value)

		return 0, false
	}

	return parsed, true
}

func (c *Calculator) scheduled(scheduled models.Scheduled) (time.Time, error) {
	now := c.now().In(c.location)
	day := now

	daysGiven := scheduled.Days != ""
	if daysGiven {
		days, err := strconv.Atoi(scheduled.Days)
		if err != nil || days < 0 {
			return time.Time{}, fmt.Errorf("%w: days %q", ErrInvalidSchedule, scheduled.Days)
		}

		day = day.AddDate(0, 0, days)
	}

	hour, err := clockValue("hours", scheduled.Hours, 23)
	if err != nil {
		return time.Time{}, err
	}

	minute, err := clockValue("minutes", scheduled.Minutes, 59)
	if err != nil {
		return time.Time{}, err
	}

	resume := time.Date(day.Year(), day.Month(), day.Day(), hour, minute, 0, 0, c.location)

	if resume.Before(now) && !daysGiven {
		resume = resume.AddDate(0, 0, 1)
	}

	return resume, nil
}

func clockValue(field, value string, upper int) (int, error) {
	if value == "" {
		return 0, nil
	}

	parsed, err := strconv.Atoi(value)
	if err != nil || parsed < 0 || parsed > upper {
		return 0, fmt.Errorf("%w: %s %q", ErrInvalidSchedule, field, value)
	}

	return parsed, nil
}
