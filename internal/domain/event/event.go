// Package event defines the LogEvent domain entity streamed to run observers.
package event

import "time"

// Level is the severity of a log event.
type Level string

const (
	LevelInfo    Level = "info"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// Outcome is carried by the terminal event of a run.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
	OutcomeCancelled Outcome = "cancelled"
)

// LogEvent is one observable occurrence during a run. It is immutable once
// published. Seq is assigned by the event stream and orders events within a run.
type LogEvent struct {
	ID              string    `json:"id"`
	ProjectID       string    `json:"project_id"`
	RunID           int64     `json:"run_id"`
	Seq             uint64    `json:"seq"`
	Level           Level     `json:"level"`
	Message         string    `json:"message"`
	Timestamp       time.Time `json:"timestamp"`
	Step            string    `json:"step,omitempty"`
	ProgressCurrent *int      `json:"progress_current,omitempty"`
	ProgressTotal   *int      `json:"progress_total,omitempty"`
	CurrentItem     string    `json:"current_item,omitempty"`
	Final           bool      `json:"final,omitempty"`
	Outcome         Outcome   `json:"outcome,omitempty"`
}

// WithProgress returns a copy of e carrying the given progress fields.
func (e LogEvent) WithProgress(step string, current, total int, item string) LogEvent {
	e.Step = step
	e.ProgressCurrent = &current
	e.ProgressTotal = &total
	e.CurrentItem = item
	return e
}
