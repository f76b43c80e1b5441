package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"

	gfotel "github.com/Strob0t/glossforge/internal/adapter/otel"
	"github.com/Strob0t/glossforge/internal/domain"
	"github.com/Strob0t/glossforge/internal/domain/event"
	"github.com/Strob0t/glossforge/internal/domain/glossary"
	"github.com/Strob0t/glossforge/internal/domain/pipeline"
	"github.com/Strob0t/glossforge/internal/domain/run"
	glossaryport "github.com/Strob0t/glossforge/internal/port/glossary"
)

// Stage is one pipeline step. Run reads the snapshot, calls the model through
// sc.LLM and returns what should be persisted. Long stages report each unit
// through sc.Advance and stop dispatching new units once sc.Cancelled
// reports true, returning the output of the units already finished.
type Stage interface {
	Name() pipeline.Stage
	Units(snap *glossary.Snapshot) int
	Run(ctx context.Context, snap *glossary.Snapshot, sc *StageContext) (*glossary.Output, error)
}

// StageContext is what the executor hands to a running stage.
type StageContext struct {
	LLM     Completer
	Workers int

	cancelled func() bool
	advance   func(item string)
	logf      func(level event.Level, msg string)
}

// Cancelled reports whether the run has been asked to stop.
func (sc *StageContext) Cancelled() bool {
	return sc.cancelled != nil && sc.cancelled()
}

// Advance records one finished unit of work.
func (sc *StageContext) Advance(item string) {
	if sc.advance != nil {
		sc.advance(item)
	}
}

// Log emits a free-form log event for the run.
func (sc *StageContext) Log(level event.Level, format string, args ...any) {
	if sc.logf != nil {
		sc.logf(level, fmt.Sprintf(format, args...))
	}
}

// Outcome is the terminal result of an execution.
type Outcome struct {
	Status run.Status
	Err    error
}

// RunHooks connect an execution to its owning run. Emit and Progress may be
// called from stage workers but never concurrently with each other.
type RunHooks struct {
	// Emit publishes a log event.
	Emit func(ev event.LogEvent)
	// Progress stores an updated progress snapshot on the run.
	Progress func(p run.Progress)
	// Started is called right before the first stage begins.
	Started func()
	// Cancelled reports whether cancellation was requested.
	Cancelled func() bool
	// Finished receives the outcome before the terminal event is emitted.
	Finished func(o Outcome)
}

// Executor sequences the stages selected by a run scope.
type Executor struct {
	stages  map[pipeline.Stage]Stage
	store   glossaryport.Store
	llm     Completer
	workers int
	metrics *gfotel.Metrics
}

// NewExecutor creates an Executor over the given stage implementations.
func NewExecutor(store glossaryport.Store, llm Completer, workers int, stages ...Stage) *Executor {
	m := make(map[pipeline.Stage]Stage, len(stages))
	for _, s := range stages {
		m[s.Name()] = s
	}
	if workers < 1 {
		workers = 1
	}
	return &Executor{stages: m, store: store, llm: llm, workers: workers}
}

// SetMetrics attaches metric instruments.
func (e *Executor) SetMetrics(m *gfotel.Metrics) {
	e.metrics = m
}

// Execute runs the stages of r.Scope in order and returns the terminal
// outcome. It emits exactly one Final event. Cancellation is checked before
// and after every stage; a stage error observed while cancelled counts as
// cancellation, not failure.
func (e *Executor) Execute(ctx context.Context, r *run.Run, hooks RunHooks) Outcome {
	tracker := &progressTracker{hooks: hooks, project: r.ProjectID}
	cancelled := func() bool { return hooks.Cancelled != nil && hooks.Cancelled() }

	finish := func(o Outcome, msg string) Outcome {
		level := event.LevelInfo
		outcome := event.OutcomeCompleted
		switch o.Status {
		case run.StatusFailed:
			level, outcome = event.LevelError, event.OutcomeFailed
		case run.StatusCancelled:
			level, outcome = event.LevelWarning, event.OutcomeCancelled
		}
		if hooks.Finished != nil {
			hooks.Finished(o)
		}
		tracker.emitFinal(level, msg, outcome)
		return o
	}

	stages, err := pipeline.StagesFor(r.Scope)
	if err != nil {
		return finish(Outcome{Status: run.StatusFailed, Err: err}, "Run failed: "+err.Error())
	}
	for _, name := range stages {
		if _, ok := e.stages[name]; !ok {
			err := fmt.Errorf("stage %q not registered", name)
			return finish(Outcome{Status: run.StatusFailed, Err: err}, "Run failed: "+err.Error())
		}
	}

	if hooks.Started != nil {
		hooks.Started()
	}
	tracker.emit(event.LevelInfo, fmt.Sprintf("Run started with scope %s", r.Scope), "")

	for i, name := range stages {
		if cancelled() {
			return finish(Outcome{Status: run.StatusCancelled, Err: domain.ErrCancelled},
				fmt.Sprintf("Run cancelled before stage %s", name))
		}

		if err := e.runStage(ctx, e.stages[name], i+1, len(stages), tracker, cancelled); err != nil {
			if cancelled() || errors.Is(err, domain.ErrCancelled) {
				return finish(Outcome{Status: run.StatusCancelled, Err: domain.ErrCancelled},
					fmt.Sprintf("Run cancelled during stage %s", name))
			}
			tracker.emit(event.LevelError, fmt.Sprintf("Stage %s failed: %v", name, err), "")
			return finish(Outcome{Status: run.StatusFailed, Err: fmt.Errorf("stage %s: %w", name, err)},
				fmt.Sprintf("Run failed in stage %s", name))
		}

		if cancelled() {
			return finish(Outcome{Status: run.StatusCancelled, Err: domain.ErrCancelled},
				fmt.Sprintf("Run cancelled after stage %s", name))
		}
	}

	return finish(Outcome{Status: run.StatusCompleted}, "Run completed")
}

func (e *Executor) runStage(ctx context.Context, st Stage, index, count int, tracker *progressTracker, cancelled func() bool) (err error) {
	name := st.Name()
	started := time.Now()

	snap, err := e.store.Snapshot(ctx, tracker.project)
	if err != nil {
		return fmt.Errorf("read snapshot: %w", err)
	}

	units := st.Units(snap)
	tracker.begin(string(name), units)

	ctx, span := gfotel.StartStageSpan(ctx, string(name), units)
	defer func() {
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		if e.metrics != nil {
			e.metrics.StageDuration.Record(ctx, time.Since(started).Seconds(), metric.WithAttributes(
				attribute.String("stage", string(name)),
				attribute.Bool("failed", err != nil),
			))
		}
	}()

	tracker.emit(event.LevelInfo, fmt.Sprintf("Stage %d/%d: %s (%d units)", index, count, name, units), "")
	slog.InfoContext(ctx, "stage started", "stage", name, "units", units)

	sc := &StageContext{
		LLM:       e.llm,
		Workers:   e.workers,
		cancelled: cancelled,
		advance:   tracker.advance,
		logf:      func(level event.Level, msg string) { tracker.emit(level, msg, "") },
	}

	out, stageErr := st.Run(ctx, snap, sc)

	// Output of finished units is persisted even when the stage stopped early.
	if !out.Empty() {
		if out.Stage == "" {
			out.Stage = string(name)
		}
		if err := out.Validate(); err != nil {
			return errors.Join(stageErr, fmt.Errorf("stage output: %w", err))
		}
		if err := e.store.Apply(ctx, tracker.project, out); err != nil {
			return errors.Join(stageErr, fmt.Errorf("persist stage output: %w", err))
		}
	}
	if stageErr != nil {
		return stageErr
	}
	if cancelled() {
		return nil
	}

	tracker.finish()
	tracker.emit(event.LevelInfo, fmt.Sprintf("Stage %s finished in %s", name, time.Since(started).Round(time.Millisecond)), "")
	slog.InfoContext(ctx, "stage finished", "stage", name, "duration", time.Since(started))
	return nil
}

// progressTracker owns the cumulative progress of one execution. Stages may
// advance it from several workers at once; hooks run under the tracker lock
// so emitted events carry non-decreasing progress.
type progressTracker struct {
	mu      sync.Mutex
	p       run.Progress
	hooks   RunHooks
	project string
}

func (t *progressTracker) begin(step string, units int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.p.BeginStage(step, units)
	t.publishProgress()
}

func (t *progressTracker) advance(item string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.p.Advance(1)
	t.publishProgress()
	t.hooks.Emit(t.eventLocked(event.LevelInfo, fmt.Sprintf("%s: %s", t.p.Step, item), item))
}

func (t *progressTracker) finish() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.p.FinishStage()
	t.publishProgress()
}

func (t *progressTracker) emit(level event.Level, msg, item string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.hooks.Emit(t.eventLocked(level, msg, item))
}

func (t *progressTracker) emitFinal(level event.Level, msg string, outcome event.Outcome) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ev := t.eventLocked(level, msg, "")
	ev.Final = true
	ev.Outcome = outcome
	t.hooks.Emit(ev)
}

// publishProgress must be called with t.mu held.
func (t *progressTracker) publishProgress() {
	if t.hooks.Progress != nil {
		t.hooks.Progress(t.p)
	}
}

// eventLocked must be called with t.mu held.
func (t *progressTracker) eventLocked(level event.Level, msg, item string) event.LogEvent {
	ev := event.LogEvent{Level: level, Message: msg}
	if t.p.Step != "" {
		ev = ev.WithProgress(t.p.Step, t.p.Completed, t.p.Total, item)
	}
	return ev
}
