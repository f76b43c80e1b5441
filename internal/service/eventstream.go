package service

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	gfotel "github.com/Strob0t/glossforge/internal/adapter/otel"
	"github.com/Strob0t/glossforge/internal/domain"
	"github.com/Strob0t/glossforge/internal/domain/event"
)

// ErrStreamDone is returned by Subscription.Next once the run's terminal
// event has been delivered or the subscription was closed.
var ErrStreamDone = errors.New("event stream done")

// ErrStreamClosed is returned when publishing to a run that already
// published its terminal event.
var ErrStreamClosed = errors.New("event stream closed")

// HistoryLoader returns persisted events of a run whose buffer is gone.
type HistoryLoader func(ctx context.Context, projectID string, runID int64, limit int) ([]event.LogEvent, error)

type streamKey struct {
	project string
	run     int64
}

// EventStream fans out log events per run to any number of subscribers.
// Each run keeps a bounded ring of its most recent events; publishing never
// blocks on slow subscribers, which skip ahead past evicted events.
type EventStream struct {
	mu        sync.Mutex
	buffers   map[streamKey]*runBuffer
	size      int
	retention time.Duration
	history   HistoryLoader
	metrics   *gfotel.Metrics
}

// NewEventStream creates an EventStream keeping up to size events per run
// and dropping finished runs retention after their terminal event.
// A retention of zero keeps finished runs until Close.
func NewEventStream(size int, retention time.Duration) *EventStream {
	if size < 1 {
		size = 1
	}
	return &EventStream{
		buffers:   make(map[streamKey]*runBuffer),
		size:      size,
		retention: retention,
	}
}

// SetHistoryLoader sets the fallback used by Subscribe for runs without a
// live buffer.
func (s *EventStream) SetHistoryLoader(h HistoryLoader) {
	s.history = h
}

// SetMetrics attaches metric instruments.
func (s *EventStream) SetMetrics(m *gfotel.Metrics) {
	s.metrics = m
}

// Open creates an empty buffer for a run, replacing any finished one.
func (s *EventStream) Open(projectID string, runID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := streamKey{projectID, runID}
	if old, ok := s.buffers[key]; ok {
		old.stopExpiry()
	}
	s.buffers[key] = newRunBuffer(s.size)
}

// Publish appends ev to the run's buffer and wakes its subscribers. Seq, ID
// and Timestamp are filled in. An event with Final set completes the stream.
func (s *EventStream) Publish(ctx context.Context, projectID string, runID int64, ev event.LogEvent) (event.LogEvent, error) {
	key := streamKey{projectID, runID}

	s.mu.Lock()
	buf, ok := s.buffers[key]
	if !ok {
		buf = newRunBuffer(s.size)
		s.buffers[key] = buf
	}
	s.mu.Unlock()

	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	ev.ProjectID = projectID
	ev.RunID = runID

	ev, evicted, err := buf.append(ev)
	if err != nil {
		return ev, fmt.Errorf("publish to run %d: %w", runID, err)
	}
	if evicted && s.metrics != nil {
		s.metrics.EventsDropped.Add(ctx, 1)
	}
	if ev.Final && s.retention > 0 {
		buf.scheduleExpiry(s.retention, func() { s.drop(key, buf) })
	}
	return ev, nil
}

// Subscribe returns a subscription that first yields the retained events of
// the run, then live events until the terminal event. For runs without a
// live buffer the persisted history is replayed as a completed stream.
func (s *EventStream) Subscribe(ctx context.Context, projectID string, runID int64) (*Subscription, error) {
	key := streamKey{projectID, runID}

	s.mu.Lock()
	buf, ok := s.buffers[key]
	s.mu.Unlock()
	if ok {
		return buf.subscribe(), nil
	}

	if s.history == nil {
		return nil, fmt.Errorf("event stream for run %d: %w", runID, domain.ErrNotFound)
	}
	events, err := s.history(ctx, projectID, runID, s.size)
	if err != nil {
		return nil, fmt.Errorf("load event history for run %d: %w", runID, err)
	}
	if len(events) == 0 {
		return nil, fmt.Errorf("event stream for run %d: %w", runID, domain.ErrNotFound)
	}

	replay := newRunBuffer(s.size)
	for _, ev := range events {
		replay.restore(ev)
	}
	replay.finish()
	return replay.subscribe(), nil
}

// Retained returns a copy of the events currently buffered for a run.
func (s *EventStream) Retained(projectID string, runID int64) []event.LogEvent {
	s.mu.Lock()
	buf, ok := s.buffers[streamKey{projectID, runID}]
	s.mu.Unlock()
	if !ok {
		return nil
	}
	return buf.snapshot()
}

// Close drops every buffer and ends all subscriptions.
func (s *EventStream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, buf := range s.buffers {
		buf.stopExpiry()
		buf.finish()
		delete(s.buffers, key)
	}
}

func (s *EventStream) drop(key streamKey, buf *runBuffer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.buffers[key] == buf {
		delete(s.buffers, key)
		slog.Debug("event buffer expired", "project_id", key.project, "run_id", key.run)
	}
}

// runBuffer is a fixed-size ring of one run's events, indexed by insertion
// position. signal is closed and replaced on every change so waiters never
// miss a wakeup.
type runBuffer struct {
	mu      sync.Mutex
	ring    []event.LogEvent
	count   int
	head    uint64 // position of the next insert
	nextSeq uint64 // seq of the next published event; seqs start at 1
	done    bool
	signal  chan struct{}
	expiry  *time.Timer
}

func newRunBuffer(size int) *runBuffer {
	return &runBuffer{
		ring:    make([]event.LogEvent, size),
		nextSeq: 1,
		signal:  make(chan struct{}),
	}
}

func (b *runBuffer) append(ev event.LogEvent) (event.LogEvent, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.done {
		return ev, false, ErrStreamClosed
	}
	ev.Seq = b.nextSeq
	b.nextSeq++
	evicted := b.put(ev)
	if ev.Final {
		b.done = true
	}
	b.wake()
	return ev, evicted, nil
}

// restore inserts a persisted event under its stored seq. Events without
// one are numbered after the highest seq seen.
func (b *runBuffer) restore(ev event.LogEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ev.Seq == 0 {
		ev.Seq = b.nextSeq
	}
	b.nextSeq = max(b.nextSeq, ev.Seq+1)
	b.put(ev)
}

// put must be called with b.mu held.
func (b *runBuffer) put(ev event.LogEvent) bool {
	b.ring[int(b.head%uint64(len(b.ring)))] = ev
	b.head++
	if b.count < len(b.ring) {
		b.count++
		return false
	}
	return true
}

func (b *runBuffer) finish() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.done {
		b.done = true
		b.wake()
	}
}

// wake must be called with b.mu held.
func (b *runBuffer) wake() {
	close(b.signal)
	b.signal = make(chan struct{})
}

// oldest returns the position of the oldest retained event. It must be
// called with b.mu held.
func (b *runBuffer) oldest() uint64 {
	return b.head - uint64(b.count)
}

func (b *runBuffer) snapshot() []event.LogEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]event.LogEvent, 0, b.count)
	for pos := b.oldest(); pos < b.head; pos++ {
		out = append(out, b.ring[int(pos%uint64(len(b.ring)))])
	}
	return out
}

func (b *runBuffer) subscribe() *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	return &Subscription{buf: b, cursor: b.oldest(), closed: make(chan struct{})}
}

func (b *runBuffer) scheduleExpiry(after time.Duration, fn func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.expiry == nil {
		b.expiry = time.AfterFunc(after, fn)
	}
}

func (b *runBuffer) stopExpiry() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.expiry != nil {
		b.expiry.Stop()
	}
}

// Subscription is one observer's cursor into a run's events.
type Subscription struct {
	buf       *runBuffer
	cursor    uint64 // buffer position of the next event
	closeOnce sync.Once
	closed    chan struct{}
}

// Next blocks until the next event is available. It returns ErrStreamDone
// after the terminal event or once Close was called, and ctx.Err() if ctx
// ends first. Events evicted before they were read are skipped.
func (sub *Subscription) Next(ctx context.Context) (event.LogEvent, error) {
	for {
		select {
		case <-sub.closed:
			return event.LogEvent{}, ErrStreamDone
		default:
		}

		b := sub.buf
		b.mu.Lock()
		if oldest := b.oldest(); sub.cursor < oldest {
			sub.cursor = oldest
		}
		if sub.cursor < b.head {
			ev := b.ring[int(sub.cursor%uint64(len(b.ring)))]
			sub.cursor++
			b.mu.Unlock()
			return ev, nil
		}
		if b.done {
			b.mu.Unlock()
			return event.LogEvent{}, ErrStreamDone
		}
		wait := b.signal
		b.mu.Unlock()

		select {
		case <-wait:
		case <-sub.closed:
			return event.LogEvent{}, ErrStreamDone
		case <-ctx.Done():
			return event.LogEvent{}, ctx.Err()
		}
	}
}

// All yields events until the stream completes, the subscription closes or
// ctx ends.
func (sub *Subscription) All(ctx context.Context) iter.Seq[event.LogEvent] {
	return func(yield func(event.LogEvent) bool) {
		for {
			ev, err := sub.Next(ctx)
			if err != nil || !yield(ev) {
				return
			}
		}
	}
}

// Close detaches the subscriber. No event is returned by Next afterwards.
func (sub *Subscription) Close() {
	sub.closeOnce.Do(func() { close(sub.closed) })
}
