package run

import (
	"fmt"
	"time"

	"github.com/Strob0t/glossforge/internal/domain"
)

// validScopes enumerates all valid run scopes.
var validScopes = map[Scope]bool{
	ScopeFull:         true,
	ScopeExtractOnly:  true,
	ScopeGenerateOnly: true,
	ScopeReviewOnly:   true,
	ScopeRefineOnly:   true,
}

// transitions lists the allowed successor states for each status.
var transitions = map[Status][]Status{
	StatusPending: {StatusRunning, StatusFailed, StatusCancelled},
	StatusRunning: {StatusCompleted, StatusFailed, StatusCancelled},
}

// ParseScope converts a raw scope string. An empty string selects ScopeFull.
func ParseScope(s string) (Scope, error) {
	if s == "" {
		return ScopeFull, nil
	}
	sc := Scope(s)
	if !validScopes[sc] {
		return "", fmt.Errorf("invalid scope %q: %w", s, domain.ErrValidation)
	}
	return sc, nil
}

// Validate checks that a StartRequest carries a known scope, defaulting it to full.
func (r *StartRequest) Validate() error {
	sc, err := ParseScope(string(r.Scope))
	if err != nil {
		return err
	}
	r.Scope = sc
	return nil
}

// Validate checks that a Run has all required fields and consistent progress.
func (r *Run) Validate() error {
	if r.ProjectID == "" {
		return fmt.Errorf("project_id is required: %w", domain.ErrValidation)
	}
	if !validScopes[r.Scope] {
		return fmt.Errorf("invalid scope %q: %w", r.Scope, domain.ErrValidation)
	}
	switch r.Status {
	case StatusPending, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled:
	default:
		return fmt.Errorf("invalid status %q: %w", r.Status, domain.ErrValidation)
	}
	if r.Progress.Completed < 0 || r.Progress.Total < 0 {
		return fmt.Errorf("progress must be non-negative: %w", domain.ErrValidation)
	}
	if r.Progress.Completed > r.Progress.Total {
		return fmt.Errorf("completed_units %d exceeds total_units %d: %w",
			r.Progress.Completed, r.Progress.Total, domain.ErrValidation)
	}
	return nil
}

// CanTransition reports whether the state machine allows from -> to.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Transition moves the run to status to, stamping started/finished times.
// Error is only kept on Failed runs.
func (r *Run) Transition(to Status, at time.Time, errMsg string) error {
	if !CanTransition(r.Status, to) {
		return fmt.Errorf("run %d: transition %s -> %s: %w", r.ID, r.Status, to, domain.ErrConflict)
	}
	r.Status = to
	if to == StatusRunning && r.StartedAt == nil {
		r.StartedAt = &at
	}
	if to.Terminal() {
		r.FinishedAt = &at
	}
	if to == StatusFailed {
		r.Error = errMsg
	} else {
		r.Error = ""
	}
	return nil
}
