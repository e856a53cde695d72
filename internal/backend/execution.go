package backend

import "github.com/fruitsalade/assetsync/internal/assetid"

// RepeatType selects the recurrence rule of a project execution.
type RepeatType string

const (
	RepeatHourly         RepeatType = "hourly"
	RepeatDaily          RepeatType = "daily"
	RepeatMonthlyDate    RepeatType = "monthly-date"
	RepeatMonthlyWeekday RepeatType = "monthly-weekday"
)

// ParallelMode decides what happens when a run is due while one is active.
type ParallelMode string

const (
	ParallelRestart  ParallelMode = "restart"
	ParallelIgnore   ParallelMode = "ignore"
	ParallelParallel ParallelMode = "parallel"
)

// ExecutionRepeat is the recurrence rule. Which fields apply depends on Type:
// hourly uses Minute/StartHour/EndHour, daily uses Minute/Hour/DaysOfWeek,
// monthly-date uses Minute/Hour/Date and monthly-weekday uses
// Minute/Hour/WeekNumber/DayOfWeek.
type ExecutionRepeat struct {
	Type       RepeatType `json:"type"`
	Minute     int        `json:"minute"`
	Hour       int        `json:"hour,omitempty"`
	StartHour  int        `json:"startHour,omitempty"`
	EndHour    int        `json:"endHour,omitempty"`
	DaysOfWeek []int      `json:"daysOfWeek,omitempty"`
	Date       int        `json:"date,omitempty"`
	WeekNumber int        `json:"weekNumber,omitempty"`
	DayOfWeek  int        `json:"dayOfWeek,omitempty"`
}

// ProjectExecution is a scheduled unattended run of a remote project.
type ProjectExecution struct {
	ID                 string          `json:"projectExecutionId"`
	ProjectID          assetid.ID      `json:"projectId"`
	Repeat             ExecutionRepeat `json:"repeat"`
	TimeZone           string          `json:"timeZone,omitempty"`
	MaxDurationMinutes int             `json:"maxDurationMinutes"`
	ParallelMode       ParallelMode    `json:"parallelMode"`
	Enabled            bool            `json:"enabled"`
}

type CreateProjectExecutionRequest struct {
	ProjectID          assetid.ID      `json:"projectId"`
	Repeat             ExecutionRepeat `json:"repeat"`
	TimeZone           string          `json:"timeZone,omitempty"`
	MaxDurationMinutes int             `json:"maxDurationMinutes"`
	ParallelMode       ParallelMode    `json:"parallelMode"`
}

// UpdateProjectExecutionRequest changes the listed fields; nil fields stay.
type UpdateProjectExecutionRequest struct {
	Enabled            *bool            `json:"enabled,omitempty"`
	Repeat             *ExecutionRepeat `json:"repeat,omitempty"`
	MaxDurationMinutes *int             `json:"maxDurationMinutes,omitempty"`
	ParallelMode       *ParallelMode    `json:"parallelMode,omitempty"`
}
