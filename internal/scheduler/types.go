// Package scheduler runs persisted jobs at future instants: one-shot,
// fixed interval, or calendar recurrences that step by months or years.
package scheduler

import (
	"time"

	"github.com/financiia/marill/internal/recurrence"
)

// Task is the definition of a scheduled action.
type Task struct {
	ID        string    `json:"id"`       // caller key or UUIDv7
	Name      string    `json:"name"`     // Human-readable label
	Schedule  Schedule  `json:"schedule"` // When to run
	Payload   Payload   `json:"payload"`  // What to do
	Enabled   bool      `json:"enabled"`
	CreatedAt time.Time `json:"created_at"`
	CreatedBy string    `json:"created_by"` // User ID
	UpdatedAt time.Time `json:"updated_at"`
}

// Schedule defines when a task should run.
type Schedule struct {
	Kind      ScheduleKind         `json:"kind"`
	At        *time.Time           `json:"at,omitempty"`         // For "at" kind
	Every     *Duration            `json:"every,omitempty"`      // For "every" kind
	Anchor    *time.Time           `json:"anchor,omitempty"`     // First run for "every" and "calendar"
	Frequency recurrence.Frequency `json:"frequency,omitempty"`  // For "calendar" kind
	NotBefore *time.Time           `json:"not_before,omitempty"` // Occurrences before this are skipped
}

// ScheduleKind identifies the schedule type.
type ScheduleKind string

const (
	ScheduleAt       ScheduleKind = "at"       // One-shot at specific time
	ScheduleEvery    ScheduleKind = "every"    // Fixed interval
	ScheduleCalendar ScheduleKind = "calendar" // Calendar recurrence (monthly, yearly)
)

// Duration wraps time.Duration for JSON serialization.
type Duration struct {
	time.Duration
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(`"` + d.String() + `"`), nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(b []byte) error {
	s := string(b)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	d.Duration = dur
	return nil
}

// Payload defines what action to take when a task fires.
type Payload struct {
	Kind   PayloadKind    `json:"kind"`
	Target string         `json:"target,omitempty"` // Record the payload acts on
	Data   map[string]any `json:"data,omitempty"`   // Kind-specific data
}

// PayloadKind identifies the payload type.
type PayloadKind string

// PayloadRecurringCharge fires a recurring charge; Target is its id.
const PayloadRecurringCharge PayloadKind = "recurring_charge"

// Execution represents a single run of a task.
type Execution struct {
	ID          string          `json:"id"`           // UUIDv7
	TaskID      string          `json:"task_id"`      // FK to Task
	ScheduledAt time.Time       `json:"scheduled_at"` // When it was supposed to run
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	Status      ExecutionStatus `json:"status"`
	Result      string          `json:"result,omitempty"` // Output or error
}

// ExecutionStatus indicates the state of an execution.
type ExecutionStatus string

const (
	StatusPending   ExecutionStatus = "pending"
	StatusRunning   ExecutionStatus = "running"
	StatusCompleted ExecutionStatus = "completed"
	StatusFailed    ExecutionStatus = "failed"
	StatusSkipped   ExecutionStatus = "skipped" // Missed window, chose not to catch up
)

// NextRun calculates the first execution time strictly after 'after'.
func (t *Task) NextRun(after time.Time) (time.Time, bool) {
	switch t.Schedule.Kind {
	case ScheduleAt:
		if t.Schedule.At != nil && t.Schedule.At.After(after) {
			return *t.Schedule.At, true
		}
		return time.Time{}, false // One-shot already passed

	case ScheduleEvery:
		if t.Schedule.Every == nil || t.Schedule.Every.Duration <= 0 {
			return time.Time{}, false
		}
		interval := t.Schedule.Every.Duration
		base := t.CreatedAt
		if t.Schedule.Anchor != nil {
			base = *t.Schedule.Anchor
		}
		if base.IsZero() {
			base = after
		}
		after = t.Schedule.bound(after)
		elapsed := after.Sub(base)
		if elapsed < 0 {
			return base, true
		}
		intervals := int64(elapsed/interval) + 1
		return base.Add(time.Duration(intervals) * interval), true

	case ScheduleCalendar:
		if t.Schedule.Anchor == nil || t.Schedule.Frequency == "" {
			return time.Time{}, false
		}
		anchor := *t.Schedule.Anchor
		after = t.Schedule.bound(after)
		if anchor.After(after) {
			return anchor, true
		}
		return recurrence.After(anchor, t.Schedule.Frequency, after), true

	default:
		return time.Time{}, false
	}
}

// bound moves after so that the next occurrence is no earlier than
// NotBefore.
func (s Schedule) bound(after time.Time) time.Time {
	if s.NotBefore == nil {
		return after
	}
	if nb := s.NotBefore.Add(-time.Nanosecond); nb.After(after) {
		return nb
	}
	return after
}
