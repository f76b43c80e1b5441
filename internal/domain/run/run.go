// Package run defines the Run domain entity: one execution attempt of a
// subset of the glossary pipeline for a project.
package run

import "time"

// Status represents the current state of a run.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Active reports whether the status counts against the one-run-per-project limit.
func (s Status) Active() bool {
	return s == StatusPending || s == StatusRunning
}

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Scope selects which pipeline stages a run executes.
type Scope string

const (
	ScopeFull         Scope = "full"
	ScopeExtractOnly  Scope = "extract_only"
	ScopeGenerateOnly Scope = "generate_only"
	ScopeReviewOnly   Scope = "review_only"
	ScopeRefineOnly   Scope = "refine_only"
)

// Progress is the cumulative unit accounting of a run. Completed never
// exceeds Total and never decreases within a run.
type Progress struct {
	Step      string `json:"current_step,omitempty"`
	Completed int    `json:"completed_units"`
	Total     int    `json:"total_units"`
}

// BeginStage switches to step and adds the stage's unit count to the total.
func (p *Progress) BeginStage(step string, units int) {
	p.Step = step
	if units > 0 {
		p.Total += units
	}
}

// Advance marks n more units as done, clamped to Total.
func (p *Progress) Advance(n int) {
	if n <= 0 {
		return
	}
	p.Completed = min(p.Completed+n, p.Total)
}

// FinishStage tops Completed up to Total once a stage has run all its units.
func (p *Progress) FinishStage() {
	p.Completed = max(p.Completed, p.Total)
}

// Run represents a single execution attempt for a project.
// ID is assigned by the run manager and increases monotonically per project.
type Run struct {
	ID         int64      `json:"id"`
	ProjectID  string     `json:"project_id"`
	Scope      Scope      `json:"scope"`
	Status     Status     `json:"status"`
	Progress   Progress   `json:"progress"`
	Error      string     `json:"error,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// StartRequest holds the fields needed to start a new run.
type StartRequest struct {
	Scope Scope `json:"scope"`
}
