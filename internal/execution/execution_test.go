package execution

import (
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/fruitsalade/assetsync/internal/backend"
)

func validCreate() backend.CreateProjectExecutionRequest {
	return backend.CreateProjectExecutionRequest{
		ProjectID:          "project-1",
		Repeat:             backend.ExecutionRepeat{Type: backend.RepeatDaily, Minute: 30, Hour: 9, DaysOfWeek: []int{1, 3}},
		MaxDurationMinutes: DefaultDurationMinutes,
		ParallelMode:       backend.ParallelIgnore,
	}
}

func TestValidateCreate(t *testing.T) {
	if err := ValidateCreate(validCreate()); err != nil {
		t.Fatalf("valid request rejected: %v", err)
	}

	tests := []struct {
		name   string
		modify func(*backend.CreateProjectExecutionRequest)
	}{
		{"missing project", func(r *backend.CreateProjectExecutionRequest) { r.ProjectID = "" }},
		{"minute out of range", func(r *backend.CreateProjectExecutionRequest) { r.Repeat.Minute = 60 }},
		{"no days", func(r *backend.CreateProjectExecutionRequest) { r.Repeat.DaysOfWeek = nil }},
		{"bad day", func(r *backend.CreateProjectExecutionRequest) { r.Repeat.DaysOfWeek = []int{7} }},
		{"duration too long", func(r *backend.CreateProjectExecutionRequest) { r.MaxDurationMinutes = MaxDurationMinutes + 1 }},
		{"bad parallel mode", func(r *backend.CreateProjectExecutionRequest) { r.ParallelMode = "queue" }},
		{"bad time zone", func(r *backend.CreateProjectExecutionRequest) { r.TimeZone = "Mars/Olympus" }},
		{"hourly window inverted", func(r *backend.CreateProjectExecutionRequest) {
			r.Repeat = backend.ExecutionRepeat{Type: backend.RepeatHourly, StartHour: 18, EndHour: 9}
		}},
		{"date zero", func(r *backend.CreateProjectExecutionRequest) {
			r.Repeat = backend.ExecutionRepeat{Type: backend.RepeatMonthlyDate, Hour: 1}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := validCreate()
			tt.modify(&req)
			if err := ValidateCreate(req); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestValidateUpdateChecksSetFieldsOnly(t *testing.T) {
	if err := ValidateUpdate(backend.UpdateProjectExecutionRequest{}); err != nil {
		t.Fatalf("empty update rejected: %v", err)
	}
	zero := 0
	if err := ValidateUpdate(backend.UpdateProjectExecutionRequest{MaxDurationMinutes: &zero}); err == nil {
		t.Error("expected duration error")
	}
	mode := backend.ParallelMode("never")
	if err := ValidateUpdate(backend.UpdateProjectExecutionRequest{ParallelMode: &mode}); err == nil {
		t.Error("expected parallel mode error")
	}
}

func date(y int, m time.Month, d, h, min int) time.Time {
	return time.Date(y, m, d, h, min, 0, 0, time.UTC)
}

func TestNextDaily(t *testing.T) {
	pe := backend.ProjectExecution{Repeat: backend.ExecutionRepeat{Type: backend.RepeatDaily, Minute: 15, Hour: 8, DaysOfWeek: []int{1, 5}}}
	// 2026-10-14 is a Wednesday.
	got, err := Next(pe, date(2026, 10, 14, 12, 0))
	if err != nil {
		t.Fatal(err)
	}
	if want := date(2026, 10, 16, 8, 15); !got.Equal(want) {
		t.Errorf("Next = %v, want %v", got, want)
	}
}

func TestNextMonthlyDateClampsToMonthEnd(t *testing.T) {
	pe := backend.ProjectExecution{Repeat: backend.ExecutionRepeat{Type: backend.RepeatMonthlyDate, Minute: 0, Hour: 6, Date: 31}}
	got, err := Next(pe, date(2026, 10, 31, 7, 0))
	if err != nil {
		t.Fatal(err)
	}
	if want := date(2026, 11, 30, 6, 0); !got.Equal(want) {
		t.Errorf("Next = %v, want %v", got, want)
	}
}

func TestNextMonthlyWeekday(t *testing.T) {
	// Second Tuesday of the month.
	pe := backend.ProjectExecution{Repeat: backend.ExecutionRepeat{Type: backend.RepeatMonthlyWeekday, Minute: 0, Hour: 10, WeekNumber: 1, DayOfWeek: 2}}
	got, err := Next(pe, date(2026, 10, 1, 0, 0))
	if err != nil {
		t.Fatal(err)
	}
	if want := date(2026, 10, 13, 10, 0); !got.Equal(want) {
		t.Errorf("Next = %v, want %v", got, want)
	}
}

func TestNextUsesTimeZone(t *testing.T) {
	pe := backend.ProjectExecution{
		TimeZone: "Europe/Warsaw",
		Repeat:   backend.ExecutionRepeat{Type: backend.RepeatDaily, Minute: 0, Hour: 9, DaysOfWeek: []int{0, 1, 2, 3, 4, 5, 6}},
	}
	got, err := Next(pe, date(2026, 7, 1, 0, 0))
	if err != nil {
		t.Fatal(err)
	}
	// Warsaw is UTC+2 in summer.
	if want := date(2026, 7, 1, 7, 0); !got.Equal(want) {
		t.Errorf("Next = %v, want %v", got.UTC(), want)
	}
}

func TestRunsBetween(t *testing.T) {
	daily := backend.ProjectExecution{Repeat: backend.ExecutionRepeat{Type: backend.RepeatDaily, Minute: 0, Hour: 0, DaysOfWeek: []int{0, 1, 2, 3, 4, 5, 6}}}
	runs, err := RunsBetween(daily, date(2026, 10, 1, 0, 0), date(2026, 10, 8, 0, 0))
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 7 {
		t.Fatalf("expected 7 runs, got %d: %v", len(runs), runs)
	}
	if !runs[0].Equal(date(2026, 10, 1, 0, 0)) {
		t.Errorf("range start should be inclusive, first run %v", runs[0])
	}

	hourly := backend.ProjectExecution{Repeat: backend.ExecutionRepeat{Type: backend.RepeatHourly, Minute: 0, StartHour: 9, EndHour: 17}}
	runs, _ = RunsBetween(hourly, date(2026, 10, 1, 0, 0), date(2026, 10, 2, 0, 0))
	if len(runs) != 0 {
		t.Errorf("hourly runs should be omitted by default, got %d", len(runs))
	}
	runs, _ = RunsBetween(hourly, date(2026, 10, 1, 0, 0), date(2026, 10, 2, 0, 0), IncludeHourly())
	if len(runs) != 9 {
		t.Errorf("expected 9 hourly runs, got %d", len(runs))
	}
}
