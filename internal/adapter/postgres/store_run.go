package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Strob0t/glossforge/internal/domain/event"
	"github.com/Strob0t/glossforge/internal/domain/run"
)

// RunStore implements runstore.Store using PostgreSQL. Events are append-only.
type RunStore struct {
	pool *pgxpool.Pool
}

// NewRunStore creates a new RunStore backed by the given connection pool.
func NewRunStore(pool *pgxpool.Pool) *RunStore {
	return &RunStore{pool: pool}
}

// --- Runs ---

const runColumns = `id, project_id, scope, status, current_step, completed_units, total_units, error, created_at, started_at, finished_at`

func scanRun(row scannable) (run.Run, error) {
	var r run.Run
	err := row.Scan(
		&r.ID, &r.ProjectID, &r.Scope, &r.Status,
		&r.Progress.Step, &r.Progress.Completed, &r.Progress.Total,
		&r.Error, &r.CreatedAt, &r.StartedAt, &r.FinishedAt,
	)
	return r, err
}

// SaveRun upserts the run keyed by (project, id).
func (s *RunStore) SaveRun(ctx context.Context, r *run.Run) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO runs (project_id, id, scope, status, current_step, completed_units, total_units, error, created_at, started_at, finished_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 ON CONFLICT (project_id, id) DO UPDATE SET
		   status = EXCLUDED.status,
		   current_step = EXCLUDED.current_step,
		   completed_units = EXCLUDED.completed_units,
		   total_units = EXCLUDED.total_units,
		   error = EXCLUDED.error,
		   started_at = EXCLUDED.started_at,
		   finished_at = EXCLUDED.finished_at`,
		r.ProjectID, r.ID, string(r.Scope), string(r.Status),
		r.Progress.Step, r.Progress.Completed, r.Progress.Total,
		r.Error, r.CreatedAt, nullTime(r.StartedAt), nullTime(r.FinishedAt))
	if err != nil {
		return fmt.Errorf("save run %s/%d: %w", r.ProjectID, r.ID, err)
	}
	return nil
}

// GetRun returns one run or domain.ErrNotFound.
func (s *RunStore) GetRun(ctx context.Context, projectID string, runID int64) (*run.Run, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+runColumns+` FROM runs WHERE project_id = $1 AND id = $2`, projectID, runID)
	r, err := scanRun(row)
	if err != nil {
		return nil, notFoundWrap(err, "get run %s/%d", projectID, runID)
	}
	return &r, nil
}

// ListRuns returns the most recent runs of a project, newest first.
func (s *RunStore) ListRuns(ctx context.Context, projectID string, limit int) ([]run.Run, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+runColumns+` FROM runs WHERE project_id = $1 ORDER BY id DESC LIMIT $2`, projectID, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs %s: %w", projectID, err)
	}
	defer rows.Close()

	var runs []run.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, r)
	}
	return orEmpty(runs), rows.Err()
}

// LastRunID returns the highest run id used for a project, or 0.
func (s *RunStore) LastRunID(ctx context.Context, projectID string) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(MAX(id), 0) FROM runs WHERE project_id = $1`, projectID).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("last run id %s: %w", projectID, err)
	}
	return id, nil
}

// MarkInterrupted fails every pending or running run with message.
func (s *RunStore) MarkInterrupted(ctx context.Context, message string) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE runs SET status = $1, error = $2, finished_at = now()
		 WHERE status IN ($3, $4)`,
		string(run.StatusFailed), message, string(run.StatusPending), string(run.StatusRunning))
	if err != nil {
		return 0, fmt.Errorf("mark interrupted runs: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// --- Events ---

// AppendEvent stores one log event.
func (s *RunStore) AppendEvent(ctx context.Context, ev *event.LogEvent) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO run_events (id, project_id, run_id, seq, level, message, step, progress_current, progress_total, current_item, final, outcome, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		ev.ID, ev.ProjectID, ev.RunID, int64(ev.Seq), string(ev.Level), ev.Message, ev.Step,
		ev.ProgressCurrent, ev.ProgressTotal, ev.CurrentItem, ev.Final, string(ev.Outcome), ev.Timestamp)
	if err != nil {
		return fmt.Errorf("append event %s/%d#%d: %w", ev.ProjectID, ev.RunID, ev.Seq, err)
	}
	return nil
}

// LoadEvents returns up to limit of the newest events of a run in
// ascending sequence order.
func (s *RunStore) LoadEvents(ctx context.Context, projectID string, runID int64, limit int) ([]event.LogEvent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, project_id, run_id, seq, level, message, step, progress_current, progress_total, current_item, final, outcome, created_at
		 FROM (
		   SELECT * FROM run_events WHERE project_id = $1 AND run_id = $2 ORDER BY seq DESC LIMIT $3
		 ) newest
		 ORDER BY seq ASC`, projectID, runID, limit)
	if err != nil {
		return nil, fmt.Errorf("load events %s/%d: %w", projectID, runID, err)
	}
	defer rows.Close()

	var events []event.LogEvent
	for rows.Next() {
		var (
			ev  event.LogEvent
			seq int64
		)
		if err := rows.Scan(
			&ev.ID, &ev.ProjectID, &ev.RunID, &seq, &ev.Level, &ev.Message, &ev.Step,
			&ev.ProgressCurrent, &ev.ProgressTotal, &ev.CurrentItem, &ev.Final, &ev.Outcome, &ev.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.Seq = uint64(seq) //nolint:gosec // seq is never negative
		events = append(events, ev)
	}
	return events, rows.Err()
}
