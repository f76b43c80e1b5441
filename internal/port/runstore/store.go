// Package runstore defines the port for durable run and event history.
package runstore

import (
	"context"

	"github.com/Strob0t/glossforge/internal/domain/event"
	"github.com/Strob0t/glossforge/internal/domain/run"
)

// Store persists runs and their log events.
type Store interface {
	// SaveRun upserts the run keyed by (project, id).
	SaveRun(ctx context.Context, r *run.Run) error

	// GetRun returns a run or domain.ErrNotFound.
	GetRun(ctx context.Context, projectID string, runID int64) (*run.Run, error)

	// ListRuns returns the most recent runs of a project, newest first.
	ListRuns(ctx context.Context, projectID string, limit int) ([]run.Run, error)

	// LastRunID returns the highest run id used for a project, or 0.
	LastRunID(ctx context.Context, projectID string) (int64, error)

	// MarkInterrupted fails every pending or running run with the given
	// message and returns how many were updated.
	MarkInterrupted(ctx context.Context, message string) (int, error)

	// AppendEvent stores one log event.
	AppendEvent(ctx context.Context, ev *event.LogEvent) error

	// LoadEvents returns up to limit of the newest events of a run in
	// ascending sequence order.
	LoadEvents(ctx context.Context, projectID string, runID int64, limit int) ([]event.LogEvent, error)
}
