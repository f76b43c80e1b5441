package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"

	gfotel "github.com/Strob0t/glossforge/internal/adapter/otel"
	"github.com/Strob0t/glossforge/internal/config"
	"github.com/Strob0t/glossforge/internal/domain"
	"github.com/Strob0t/glossforge/internal/domain/event"
	"github.com/Strob0t/glossforge/internal/domain/run"
	"github.com/Strob0t/glossforge/internal/logger"
	"github.com/Strob0t/glossforge/internal/port/broadcast"
	"github.com/Strob0t/glossforge/internal/port/messagequeue"
	"github.com/Strob0t/glossforge/internal/port/runstore"
)

// InterruptedMessage is the error recorded on runs a previous process left
// unfinished.
const InterruptedMessage = "interrupted by restart"

// ErrShuttingDown is returned by Start once Shutdown has begun.
var ErrShuttingDown = errors.New("run service shutting down")

// RunService owns the run lifecycle: it allows at most one active run per
// project, executes runs in the background and routes their events.
type RunService struct {
	mu       sync.Mutex
	projects map[string]*projectRuns
	closed   bool
	unsubs   []func()
	wg       sync.WaitGroup

	exec    *Executor
	stream  *EventStream
	history int

	store   runstore.Store
	hub     broadcast.Broadcaster
	queue   messagequeue.Queue
	metrics *gfotel.Metrics
	now     func() time.Time
}

// projectRuns is the registry entry of one project.
type projectRuns struct {
	seedMu sync.Mutex // serializes the store lookup; seeded is guarded by it
	seeded bool
	lastID int64
	recent []*activeRun // oldest first, bounded by the history limit
}

// activeRun is the live state of one run. id and project never change;
// everything in run is guarded by mu.
type activeRun struct {
	id      int64
	project string

	mu  sync.RWMutex
	run run.Run

	cancelOnce sync.Once
	cancel     chan struct{}
	done       chan struct{}
}

func (a *activeRun) snapshot() run.Run {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.run
}

func (a *activeRun) status() run.Status {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.run.Status
}

func (a *activeRun) setProgress(p run.Progress) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.run.Progress = p
}

// requestCancel closes the cancel channel once and reports whether this
// call did it.
func (a *activeRun) requestCancel() bool {
	first := false
	a.cancelOnce.Do(func() {
		close(a.cancel)
		first = true
	})
	return first
}

func (a *activeRun) cancelRequested() bool {
	select {
	case <-a.cancel:
		return true
	default:
		return false
	}
}

// NewRunService creates a RunService executing runs with exec and routing
// their events through stream.
func NewRunService(exec *Executor, stream *EventStream, cfg config.Runs) *RunService {
	history := cfg.HistoryLimit
	if history < 1 {
		history = 50
	}
	return &RunService{
		projects: make(map[string]*projectRuns),
		exec:     exec,
		stream:   stream,
		history:  history,
		hub:      broadcast.Nop{},
		now:      time.Now,
	}
}

// SetStore enables durable run and event history.
func (s *RunService) SetStore(st runstore.Store) {
	s.store = st
}

// SetBroadcaster sets the WebSocket hub receiving run updates.
func (s *RunService) SetBroadcaster(b broadcast.Broadcaster) {
	if b != nil {
		s.hub = b
	}
}

// SetQueue sets the message queue used for run notifications and remote
// cancellation.
func (s *RunService) SetQueue(q messagequeue.Queue) {
	s.queue = q
}

// SetMetrics attaches metric instruments.
func (s *RunService) SetMetrics(m *gfotel.Metrics) {
	s.metrics = m
}

// Start creates a pending run for the project and executes it in the
// background. It fails with domain.ErrAlreadyRunning while another run of
// the project is pending or running.
func (s *RunService) Start(ctx context.Context, projectID string, req run.StartRequest) (*run.Run, error) {
	if projectID == "" {
		return nil, fmt.Errorf("project id is required: %w", domain.ErrValidation)
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	pr, err := s.seed(ctx, projectID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrShuttingDown
	}
	if cur := pr.activeLocked(); cur != nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("project %s has run %d: %w", projectID, cur.id, domain.ErrAlreadyRunning)
	}

	pr.lastID++
	ar := &activeRun{
		id:      pr.lastID,
		project: projectID,
		run: run.Run{
			ID:        pr.lastID,
			ProjectID: projectID,
			Scope:     req.Scope,
			Status:    run.StatusPending,
			CreatedAt: s.now().UTC(),
		},
		cancel: make(chan struct{}),
		done:   make(chan struct{}),
	}
	pr.recent = append(pr.recent, ar)
	if len(pr.recent) > s.history {
		pr.recent = slices.Clone(pr.recent[len(pr.recent)-s.history:])
	}
	s.wg.Add(1)
	s.mu.Unlock()

	s.stream.Open(projectID, ar.id)

	r := ar.snapshot()
	s.announce(ctx, &r)
	if s.metrics != nil {
		s.metrics.RunsStarted.Add(ctx, 1, metric.WithAttributes(attribute.String("scope", string(r.Scope))))
	}
	slog.InfoContext(ctx, "run started", "project_id", projectID, "run_id", r.ID, "scope", r.Scope)

	go s.execute(context.WithoutCancel(ctx), ar)
	return &r, nil
}

// Cancel asks the active run to stop. It returns without waiting for the
// executor; the run ends Cancelled at its next checkpoint.
func (s *RunService) Cancel(ctx context.Context, projectID string, runID int64) error {
	s.mu.Lock()
	var ar *activeRun
	if pr, ok := s.projects[projectID]; ok {
		ar = pr.activeLocked()
	}
	s.mu.Unlock()

	if ar == nil || ar.id != runID {
		return fmt.Errorf("active run %d of project %s: %w", runID, projectID, domain.ErrNotFound)
	}
	if ar.requestCancel() {
		slog.InfoContext(ctx, "run cancellation requested", "project_id", projectID, "run_id", runID)
	}
	return nil
}

// Current returns the project's pending or running run, or nil.
func (s *RunService) Current(_ context.Context, projectID string) (*run.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pr, ok := s.projects[projectID]
	if !ok {
		return nil, nil
	}
	ar := pr.activeLocked()
	if ar == nil {
		return nil, nil
	}
	r := ar.snapshot()
	return &r, nil
}

// Get returns one run of the project, live state first, then history.
func (s *RunService) Get(ctx context.Context, projectID string, runID int64) (*run.Run, error) {
	if ar := s.lookup(projectID, runID); ar != nil {
		r := ar.snapshot()
		return &r, nil
	}
	if s.store != nil {
		r, err := s.store.GetRun(ctx, projectID, runID)
		if err != nil {
			return nil, fmt.Errorf("get run %d: %w", runID, err)
		}
		return r, nil
	}
	return nil, fmt.Errorf("run %d of project %s: %w", runID, projectID, domain.ErrNotFound)
}

// List returns up to limit recent runs of the project, newest first.
func (s *RunService) List(ctx context.Context, projectID string, limit int) ([]run.Run, error) {
	if limit <= 0 || limit > s.history {
		limit = s.history
	}

	s.mu.Lock()
	var live []run.Run
	if pr, ok := s.projects[projectID]; ok {
		for i := len(pr.recent) - 1; i >= 0; i-- {
			live = append(live, pr.recent[i].snapshot())
		}
	}
	s.mu.Unlock()

	if s.store == nil {
		if len(live) > limit {
			live = live[:limit]
		}
		return live, nil
	}

	stored, err := s.store.ListRuns(ctx, projectID, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	byID := make(map[int64]run.Run, len(live))
	for _, r := range live {
		byID[r.ID] = r
	}
	for i := range stored {
		if r, ok := byID[stored[i].ID]; ok {
			stored[i] = r
			delete(byID, r.ID)
		}
	}
	// Live runs whose first save failed are still listed.
	for _, r := range byID {
		stored = append(stored, r)
	}
	slices.SortFunc(stored, func(a, b run.Run) int {
		switch {
		case a.ID > b.ID:
			return -1
		case a.ID < b.ID:
			return 1
		}
		return 0
	})
	if len(stored) > limit {
		stored = stored[:limit]
	}
	return stored, nil
}

// Recover fails runs a previous process left pending or running.
func (s *RunService) Recover(ctx context.Context) error {
	if s.store == nil {
		return nil
	}
	n, err := s.store.MarkInterrupted(ctx, InterruptedMessage)
	if err != nil {
		return fmt.Errorf("recover interrupted runs: %w", err)
	}
	if n > 0 {
		slog.WarnContext(ctx, "marked interrupted runs as failed", "count", n)
	}
	return nil
}

// ListenForCancels subscribes to remote cancellation requests.
func (s *RunService) ListenForCancels(ctx context.Context) error {
	if s.queue == nil {
		return nil
	}
	unsub, err := s.queue.Subscribe(ctx, messagequeue.SubjectRunCancel, s.handleCancelMessage)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", messagequeue.SubjectRunCancel, err)
	}
	s.mu.Lock()
	s.unsubs = append(s.unsubs, unsub)
	s.mu.Unlock()
	return nil
}

func (s *RunService) handleCancelMessage(ctx context.Context, subject string, data []byte) error {
	if err := messagequeue.Validate(subject, data); err != nil {
		slog.WarnContext(ctx, "invalid cancel request", "error", err)
		return nil
	}
	var p messagequeue.RunCancelPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("unmarshal cancel request: %w", err)
	}
	if err := s.Cancel(ctx, p.ProjectID, p.RunID); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			slog.DebugContext(ctx, "cancel request for inactive run", "project_id", p.ProjectID, "run_id", p.RunID)
			return nil
		}
		return err
	}
	return nil
}

// Shutdown cancels every active run and waits for their executors until
// ctx ends. Start fails afterwards.
func (s *RunService) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	var active []*activeRun
	for _, pr := range s.projects {
		if ar := pr.activeLocked(); ar != nil {
			active = append(active, ar)
		}
	}
	unsubs := s.unsubs
	s.unsubs = nil
	s.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}
	for _, ar := range active {
		ar.requestCancel()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for %d runs: %w", len(active), ctx.Err())
	}
}

// Wait blocks until the run's executor has returned or ctx ends.
func (s *RunService) Wait(ctx context.Context, projectID string, runID int64) error {
	ar := s.lookup(projectID, runID)
	if ar == nil {
		return nil
	}
	select {
	case <-ar.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// seed returns the registry entry of a project, loading its id counter
// from the run store on first use. The lookup runs outside s.mu so a slow
// store only holds up starts of the same project.
func (s *RunService) seed(ctx context.Context, projectID string) (*projectRuns, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrShuttingDown
	}
	pr, ok := s.projects[projectID]
	if !ok {
		pr = &projectRuns{}
		s.projects[projectID] = pr
	}
	s.mu.Unlock()

	pr.seedMu.Lock()
	defer pr.seedMu.Unlock()
	if pr.seeded || s.store == nil {
		return pr, nil
	}
	last, err := s.store.LastRunID(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("last run id: %w", err)
	}
	s.mu.Lock()
	pr.lastID = max(pr.lastID, last)
	s.mu.Unlock()
	pr.seeded = true
	return pr, nil
}

// activeLocked returns the newest run if it is pending or running.
func (pr *projectRuns) activeLocked() *activeRun {
	if len(pr.recent) == 0 {
		return nil
	}
	ar := pr.recent[len(pr.recent)-1]
	if !ar.status().Active() {
		return nil
	}
	return ar
}

func (s *RunService) lookup(projectID string, runID int64) *activeRun {
	s.mu.Lock()
	defer s.mu.Unlock()
	pr, ok := s.projects[projectID]
	if !ok {
		return nil
	}
	for _, ar := range pr.recent {
		if ar.id == runID {
			return ar
		}
	}
	return nil
}

// execute drives one run to a terminal status.
func (s *RunService) execute(ctx context.Context, ar *activeRun) {
	defer s.wg.Done()
	defer close(ar.done)

	r := ar.snapshot()
	ctx = logger.WithRun(ctx, ar.project, ar.id)
	ctx = WithInterrupt(ctx, ar.cancel)
	ctx, span := gfotel.StartRunSpan(ctx, ar.project, ar.id, string(r.Scope))
	defer span.End()

	defer func() {
		if p := recover(); p != nil {
			slog.ErrorContext(ctx, "run executor panicked", "panic", p)
			s.abort(ctx, ar, fmt.Sprintf("internal error: %v", p))
		}
	}()

	hooks := RunHooks{
		Emit:      func(ev event.LogEvent) { s.publish(ctx, ar, ev) },
		Progress:  ar.setProgress,
		Started:   func() { s.transition(ctx, ar, run.StatusRunning, "") },
		Cancelled: ar.cancelRequested,
		Finished:  func(o Outcome) { s.finish(ctx, ar, o) },
	}
	out := s.exec.Execute(ctx, &r, hooks)
	if out.Status == run.StatusFailed && out.Err != nil {
		span.SetStatus(codes.Error, out.Err.Error())
	}
	if ar.status().Active() {
		s.abort(ctx, ar, "executor returned without a terminal status")
	}
}

// abort fails a run whose executor did not finish normally and completes
// its event stream.
func (s *RunService) abort(ctx context.Context, ar *activeRun, msg string) {
	if !ar.status().Active() {
		return
	}
	s.finish(ctx, ar, Outcome{Status: run.StatusFailed, Err: errors.New(msg)})
	s.publish(ctx, ar, event.LogEvent{
		Level:   event.LevelError,
		Message: "Run failed: " + msg,
		Final:   true,
		Outcome: event.OutcomeFailed,
	})
}

func (s *RunService) finish(ctx context.Context, ar *activeRun, o Outcome) {
	errMsg := ""
	if o.Status == run.StatusFailed && o.Err != nil {
		errMsg = o.Err.Error()
	}
	r, ok := s.transition(ctx, ar, o.Status, errMsg)
	if !ok {
		return
	}

	attrs := metric.WithAttributes(attribute.String("scope", string(r.Scope)), attribute.String("status", string(r.Status)))
	if s.metrics != nil {
		switch r.Status {
		case run.StatusCompleted:
			s.metrics.RunsCompleted.Add(ctx, 1, attrs)
		case run.StatusFailed:
			s.metrics.RunsFailed.Add(ctx, 1, attrs)
		case run.StatusCancelled:
			s.metrics.RunsCancelled.Add(ctx, 1, attrs)
		}
		if r.StartedAt != nil && r.FinishedAt != nil {
			s.metrics.RunDuration.Record(ctx, r.FinishedAt.Sub(*r.StartedAt).Seconds(), attrs)
		}
	}

	switch r.Status {
	case run.StatusFailed:
		slog.ErrorContext(ctx, "run failed", "error", r.Error)
	case run.StatusCancelled:
		slog.InfoContext(ctx, "run cancelled", "completed_units", r.Progress.Completed, "total_units", r.Progress.Total)
	default:
		slog.InfoContext(ctx, "run completed", "total_units", r.Progress.Total)
	}
}

// transition applies a status change and announces it.
func (s *RunService) transition(ctx context.Context, ar *activeRun, to run.Status, errMsg string) (run.Run, bool) {
	ar.mu.Lock()
	err := ar.run.Transition(to, s.now().UTC(), errMsg)
	r := ar.run
	ar.mu.Unlock()
	if err != nil {
		slog.ErrorContext(ctx, "invalid run transition", "error", err)
		return r, false
	}
	s.announce(ctx, &r)
	return r, true
}

// announce persists a run state and notifies listeners. Failures are
// logged; they never affect the run.
func (s *RunService) announce(ctx context.Context, r *run.Run) {
	if s.store != nil {
		if err := s.store.SaveRun(ctx, r); err != nil {
			slog.ErrorContext(ctx, "failed to persist run", "run_id", r.ID, "status", r.Status, "error", err)
		}
	}

	s.hub.BroadcastEvent(ctx, broadcast.EventRunStatus, r)

	if s.queue != nil {
		payload := messagequeue.RunStatusPayload{
			ProjectID: r.ProjectID,
			RunID:     r.ID,
			Scope:     string(r.Scope),
			Status:    string(r.Status),
			Step:      r.Progress.Step,
			Completed: r.Progress.Completed,
			Total:     r.Progress.Total,
			Error:     r.Error,
			At:        s.now().UTC(),
		}
		if err := s.publishJSON(ctx, messagequeue.SubjectRunStatus, payload); err != nil {
			slog.WarnContext(ctx, "failed to publish run status", "run_id", r.ID, "error", err)
		}
	}
}

// publish routes one executor event to the stream, the history store and
// listeners.
func (s *RunService) publish(ctx context.Context, ar *activeRun, ev event.LogEvent) {
	published, err := s.stream.Publish(ctx, ar.project, ar.id, ev)
	if err != nil {
		slog.WarnContext(ctx, "event dropped", "message", ev.Message, "error", err)
		return
	}

	if s.store != nil {
		if err := s.store.AppendEvent(ctx, &published); err != nil {
			slog.WarnContext(ctx, "failed to persist run event", "seq", published.Seq, "error", err)
		}
	}

	s.hub.BroadcastEvent(ctx, broadcast.EventRunLog, published)

	if published.Final && s.queue != nil {
		payload := messagequeue.RunEventPayload{
			ProjectID: published.ProjectID,
			RunID:     published.RunID,
			Seq:       published.Seq,
			Level:     string(published.Level),
			Message:   published.Message,
			Outcome:   string(published.Outcome),
		}
		if err := s.publishJSON(ctx, messagequeue.SubjectRunEvents, payload); err != nil {
			slog.WarnContext(ctx, "failed to publish run event", "error", err)
		}
	}
}

func (s *RunService) publishJSON(ctx context.Context, subject string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	return s.queue.Publish(ctx, subject, data)
}
