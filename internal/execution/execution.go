// Package execution validates scheduled project executions and expands their
// recurrence rules into concrete run times.
package execution

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/robfig/cron/v3"
	"github.com/samber/lo"

	"github.com/fruitsalade/assetsync/internal/backend"
)

const (
	MaxDurationMinutes     = 24 * 60
	DefaultDurationMinutes = 60

	maxRuns = 1000
)

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// ValidateRepeat checks that the fields used by the rule's type are in range.
func ValidateRepeat(r backend.ExecutionRepeat) error {
	hourly := r.Type == backend.RepeatHourly
	daily := r.Type == backend.RepeatDaily
	monthlyDate := r.Type == backend.RepeatMonthlyDate
	monthlyWeekday := r.Type == backend.RepeatMonthlyWeekday

	return validation.ValidateStruct(&r,
		validation.Field(&r.Type, validation.Required, validation.In(
			backend.RepeatHourly, backend.RepeatDaily, backend.RepeatMonthlyDate, backend.RepeatMonthlyWeekday)),
		validation.Field(&r.Minute, validation.Min(0), validation.Max(59)),
		validation.Field(&r.Hour, validation.When(!hourly, validation.Min(0), validation.Max(23))),
		validation.Field(&r.StartHour, validation.When(hourly, validation.Min(0), validation.Max(23))),
		validation.Field(&r.EndHour, validation.When(hourly,
			validation.Min(0), validation.Max(23),
			validation.By(func(any) error {
				if r.StartHour > r.EndHour {
					return errors.New("must not be before the start hour")
				}
				return nil
			}))),
		validation.Field(&r.DaysOfWeek, validation.When(daily,
			validation.Required, validation.Each(validation.Min(0), validation.Max(6)))),
		validation.Field(&r.Date, validation.When(monthlyDate, validation.Required, validation.Min(1), validation.Max(31))),
		validation.Field(&r.WeekNumber, validation.When(monthlyWeekday, validation.Min(0), validation.Max(4))),
		validation.Field(&r.DayOfWeek, validation.When(monthlyWeekday, validation.Min(0), validation.Max(6))),
	)
}

var parallelModes = []any{backend.ParallelRestart, backend.ParallelIgnore, backend.ParallelParallel}

func validTimeZone(v any) error {
	name, _ := v.(string)
	if name == "" {
		return nil
	}
	if _, err := time.LoadLocation(name); err != nil {
		return errors.New("unknown time zone")
	}
	return nil
}

// ValidateCreate checks a new execution before it is sent.
func ValidateCreate(req backend.CreateProjectExecutionRequest) error {
	err := validation.ValidateStruct(&req,
		validation.Field(&req.ProjectID, validation.Required),
		validation.Field(&req.TimeZone, validation.By(validTimeZone)),
		validation.Field(&req.MaxDurationMinutes, validation.Required, validation.Min(1), validation.Max(MaxDurationMinutes)),
		validation.Field(&req.ParallelMode, validation.Required, validation.In(parallelModes...)),
	)
	if err != nil {
		return fmt.Errorf("invalid project execution: %w", err)
	}
	if err := ValidateRepeat(req.Repeat); err != nil {
		return fmt.Errorf("invalid project execution repeat: %w", err)
	}
	return nil
}

// ValidateUpdate checks the fields an update sets.
func ValidateUpdate(req backend.UpdateProjectExecutionRequest) error {
	if req.MaxDurationMinutes != nil {
		if err := validation.Validate(*req.MaxDurationMinutes, validation.Required, validation.Min(1), validation.Max(MaxDurationMinutes)); err != nil {
			return fmt.Errorf("invalid project execution: maxDurationMinutes: %w", err)
		}
	}
	if req.ParallelMode != nil {
		if err := validation.Validate(*req.ParallelMode, validation.In(parallelModes...)); err != nil {
			return fmt.Errorf("invalid project execution: parallelMode: %w", err)
		}
	}
	if req.Repeat != nil {
		if err := ValidateRepeat(*req.Repeat); err != nil {
			return fmt.Errorf("invalid project execution repeat: %w", err)
		}
	}
	return nil
}

// Schedule is a compiled recurrence rule.
type Schedule struct {
	spec   cron.Schedule
	loc    *time.Location
	repeat backend.ExecutionRepeat
}

// NewSchedule compiles repeat in the named time zone ("" means UTC).
func NewSchedule(repeat backend.ExecutionRepeat, timeZone string) (*Schedule, error) {
	if err := ValidateRepeat(repeat); err != nil {
		return nil, err
	}
	loc := time.UTC
	if timeZone != "" {
		var err error
		if loc, err = time.LoadLocation(timeZone); err != nil {
			return nil, fmt.Errorf("load time zone %q: %w", timeZone, err)
		}
	}
	spec, err := parser.Parse(cronSpec(repeat))
	if err != nil {
		return nil, fmt.Errorf("compile schedule: %w", err)
	}
	return &Schedule{spec: spec, loc: loc, repeat: repeat}, nil
}

func cronSpec(r backend.ExecutionRepeat) string {
	switch r.Type {
	case backend.RepeatHourly:
		return fmt.Sprintf("%d %d-%d * * *", r.Minute, r.StartHour, r.EndHour)
	case backend.RepeatDaily:
		days := lo.Map(lo.Uniq(r.DaysOfWeek), func(d int, _ int) string { return strconv.Itoa(d) })
		return fmt.Sprintf("%d %d * * %s", r.Minute, r.Hour, strings.Join(days, ","))
	case backend.RepeatMonthlyDate:
		if r.Date > 28 {
			// Filtered in matches so short months run on their last day.
			return fmt.Sprintf("%d %d 28-31 * *", r.Minute, r.Hour)
		}
		return fmt.Sprintf("%d %d %d * *", r.Minute, r.Hour, r.Date)
	default:
		return fmt.Sprintf("%d %d * * %d", r.Minute, r.Hour, r.DayOfWeek)
	}
}

// matches applies the constraints cron cannot express.
func (s *Schedule) matches(t time.Time) bool {
	switch s.repeat.Type {
	case backend.RepeatMonthlyDate:
		if s.repeat.Date <= 28 {
			return true
		}
		last := time.Date(t.Year(), t.Month()+1, 0, 0, 0, 0, 0, t.Location()).Day()
		return t.Day() == min(s.repeat.Date, last)
	case backend.RepeatMonthlyWeekday:
		first := 1 + s.repeat.WeekNumber*7
		return t.Day() >= first && t.Day() < first+7
	default:
		return true
	}
}

// Next returns the first run strictly after t.
func (s *Schedule) Next(t time.Time) time.Time {
	next := t.In(s.loc)
	for i := 0; i < maxRuns; i++ {
		next = s.spec.Next(next)
		if next.IsZero() || s.matches(next) {
			return next
		}
	}
	return time.Time{}
}

type runsOptions struct {
	includeHourly bool
}

// RunsOption configures RunsBetween.
type RunsOption func(*runsOptions)

// IncludeHourly expands hourly schedules too. They are left out by default
// because they would flood a calendar view.
func IncludeHourly() RunsOption {
	return func(o *runsOptions) { o.includeHourly = true }
}

// Next returns the first run of pe strictly after t.
func Next(pe backend.ProjectExecution, t time.Time) (time.Time, error) {
	s, err := NewSchedule(pe.Repeat, pe.TimeZone)
	if err != nil {
		return time.Time{}, err
	}
	return s.Next(t), nil
}

// RunsBetween lists the runs of pe in [from, to).
func RunsBetween(pe backend.ProjectExecution, from, to time.Time, opts ...RunsOption) ([]time.Time, error) {
	var o runsOptions
	for _, opt := range opts {
		opt(&o)
	}
	if pe.Repeat.Type == backend.RepeatHourly && !o.includeHourly {
		return []time.Time{}, nil
	}

	s, err := NewSchedule(pe.Repeat, pe.TimeZone)
	if err != nil {
		return nil, err
	}
	runs := []time.Time{}
	// Next is exclusive, so step back to include a run exactly at from.
	for t := s.Next(from.Add(-time.Nanosecond)); !t.IsZero() && t.Before(to); t = s.Next(t) {
		runs = append(runs, t)
		if len(runs) == maxRuns {
			break
		}
	}
	return runs, nil
}
