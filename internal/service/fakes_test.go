package service_test

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/Strob0t/glossforge/internal/config"
	"github.com/Strob0t/glossforge/internal/domain"
	"github.com/Strob0t/glossforge/internal/domain/event"
	"github.com/Strob0t/glossforge/internal/domain/glossary"
	"github.com/Strob0t/glossforge/internal/domain/run"
	"github.com/Strob0t/glossforge/internal/port/llm"
	"github.com/Strob0t/glossforge/internal/port/messagequeue"
	"github.com/Strob0t/glossforge/internal/service"
)

// --- Glossary store ---

type memGlossary struct {
	mu      sync.Mutex
	snaps   map[string]*glossary.Snapshot
	applied []glossary.Output
}

func newMemGlossary(projectID string, docs ...glossary.Document) *memGlossary {
	return &memGlossary{snaps: map[string]*glossary.Snapshot{
		projectID: {ProjectID: projectID, Documents: docs},
	}}
}

func (m *memGlossary) addProject(projectID string, docs ...glossary.Document) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snaps[projectID] = &glossary.Snapshot{ProjectID: projectID, Documents: slices.Clone(docs)}
}

func (m *memGlossary) Snapshot(_ context.Context, projectID string) (*glossary.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.snaps[projectID]
	if !ok {
		return nil, fmt.Errorf("project %s: %w", projectID, domain.ErrNotFound)
	}
	return &glossary.Snapshot{
		ProjectID: s.ProjectID,
		Documents: slices.Clone(s.Documents),
		Terms:     slices.Clone(s.Terms),
		Issues:    slices.Clone(s.Issues),
	}, nil
}

func (m *memGlossary) Apply(_ context.Context, projectID string, out *glossary.Output) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.snaps[projectID]
	if !ok {
		return fmt.Errorf("project %s: %w", projectID, domain.ErrNotFound)
	}
	s.Apply(out)
	m.applied = append(m.applied, *out)
	return nil
}

func (m *memGlossary) terms(projectID string) []glossary.Term {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.snaps[projectID].Terms)
}

func (m *memGlossary) issues(projectID string) []glossary.Issue {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.snaps[projectID].Issues)
}

// --- Run store ---

type memRunStore struct {
	mu          sync.Mutex
	runs        map[string]map[int64]run.Run
	events      []event.LogEvent
	interrupted int
	lastIDs     map[string]int64
}

func newMemRunStore() *memRunStore {
	return &memRunStore{runs: make(map[string]map[int64]run.Run), lastIDs: make(map[string]int64)}
}

func (m *memRunStore) SaveRun(_ context.Context, r *run.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.runs[r.ProjectID] == nil {
		m.runs[r.ProjectID] = make(map[int64]run.Run)
	}
	m.runs[r.ProjectID][r.ID] = *r
	return nil
}

func (m *memRunStore) GetRun(_ context.Context, projectID string, runID int64) (*run.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[projectID][runID]
	if !ok {
		return nil, fmt.Errorf("run %d: %w", runID, domain.ErrNotFound)
	}
	return &r, nil
}

func (m *memRunStore) ListRuns(_ context.Context, projectID string, limit int) ([]run.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []run.Run
	for _, r := range m.runs[projectID] {
		out = append(out, r)
	}
	slices.SortFunc(out, func(a, b run.Run) int { return int(b.ID - a.ID) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memRunStore) LastRunID(_ context.Context, projectID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	last := m.lastIDs[projectID]
	for id := range m.runs[projectID] {
		last = max(last, id)
	}
	return last, nil
}

func (m *memRunStore) MarkInterrupted(_ context.Context, message string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, runs := range m.runs {
		for id, r := range runs {
			if r.Status.Active() {
				if err := r.Transition(run.StatusFailed, time.Now(), message); err != nil {
					return n, err
				}
				runs[id] = r
				n++
			}
		}
	}
	m.interrupted += n
	return n, nil
}

func (m *memRunStore) AppendEvent(_ context.Context, ev *event.LogEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, *ev)
	return nil
}

func (m *memRunStore) LoadEvents(_ context.Context, projectID string, runID int64, limit int) ([]event.LogEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []event.LogEvent
	for _, ev := range m.events {
		if ev.ProjectID == projectID && ev.RunID == runID {
			out = append(out, ev)
		}
	}
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (m *memRunStore) eventCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.events)
}

// --- Queue ---

type fakeQueue struct {
	mu        sync.Mutex
	published map[string][][]byte
	handlers  map[string]messagequeue.Handler
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{published: make(map[string][][]byte), handlers: make(map[string]messagequeue.Handler)}
}

func (q *fakeQueue) Publish(_ context.Context, subject string, data []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.published[subject] = append(q.published[subject], data)
	return nil
}

func (q *fakeQueue) Subscribe(_ context.Context, subject string, h messagequeue.Handler) (func(), error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[subject] = h
	return func() {
		q.mu.Lock()
		defer q.mu.Unlock()
		delete(q.handlers, subject)
	}, nil
}

func (q *fakeQueue) Drain() error      { return nil }
func (q *fakeQueue) Close() error      { return nil }
func (q *fakeQueue) IsConnected() bool { return true }

func (q *fakeQueue) handler(subject string) messagequeue.Handler {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.handlers[subject]
}

func (q *fakeQueue) statuses() []messagequeue.RunStatusPayload {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []messagequeue.RunStatusPayload
	for _, data := range q.published[messagequeue.SubjectRunStatus] {
		var p messagequeue.RunStatusPayload
		if err := json.Unmarshal(data, &p); err == nil {
			out = append(out, p)
		}
	}
	return out
}

// --- Broadcaster ---

type recordingHub struct {
	mu     sync.Mutex
	counts map[string]int
}

func (h *recordingHub) BroadcastEvent(_ context.Context, eventType string, _ any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.counts == nil {
		h.counts = make(map[string]int)
	}
	h.counts[eventType]++
}

func (h *recordingHub) count(eventType string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.counts[eventType]
}

// --- Language model ---

var docNamePattern = regexp.MustCompile(`Document "([^"]+)"`)

// glossaryBackend answers each stage prompt with a canned JSON reply.
// When gate is set every call waits for it (or ctx) before answering.
type glossaryBackend struct {
	mu       sync.Mutex
	extract  map[string][]string // document name -> terms
	issueFor map[string]bool     // terms the reviewer flags
	fail     error
	gate     chan struct{}
	onCall   func(n int)
	calls    int
}

func (b *glossaryBackend) Name() string { return "fake" }

func (b *glossaryBackend) Ping(context.Context) error { return nil }

func (b *glossaryBackend) Chat(ctx context.Context, req llm.Request) (*llm.Response, error) {
	b.mu.Lock()
	b.calls++
	n := b.calls
	gate, onCall, fail := b.gate, b.onCall, b.fail
	b.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if onCall != nil {
		onCall(n)
	}
	if fail != nil {
		return nil, fail
	}

	prompt := req.Messages[len(req.Messages)-1].Content
	var reply any
	switch {
	case strings.HasPrefix(prompt, "Identify"):
		name := ""
		if m := docNamePattern.FindStringSubmatch(prompt); m != nil {
			name = m[1]
		}
		var terms []map[string]any
		for _, t := range b.extract[name] {
			terms = append(terms, map[string]any{"text": t, "score": 0.8})
		}
		if terms == nil {
			terms = []map[string]any{}
		}
		reply = map[string]any{"terms": terms}
	case strings.HasPrefix(prompt, "Write a concise"):
		reply = map[string]string{"definition": "A provisional definition."}
	case strings.HasPrefix(prompt, "Review"):
		issues := []map[string]string{}
		for term := range b.issueFor {
			if strings.Contains(prompt, "Term: "+term+"\n") {
				issues = append(issues, map[string]string{"kind": "ambiguous", "severity": "medium", "message": "too vague"})
			}
		}
		reply = map[string]any{"issues": issues}
	case strings.HasPrefix(prompt, "Improve"):
		reply = map[string]string{"refined_definition": "A refined definition."}
	default:
		return nil, fmt.Errorf("unexpected prompt %q", prompt)
	}

	data, err := json.Marshal(reply)
	if err != nil {
		return nil, err
	}
	// Wrap in prose and a fence like a chatty model would.
	return &llm.Response{Content: "Here you go:\n```json\n" + string(data) + "\n```"}, nil
}

func (b *glossaryBackend) callCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

func fastLLMConfig() config.LLM {
	return config.LLM{
		Provider:     "fake",
		Model:        "fake-model",
		Timeout:      5 * time.Second,
		MaxRetries:   3,
		ParseRetries: 3,
		BaseBackoff:  time.Millisecond,
		MaxBackoff:   time.Millisecond,
	}
}

const testProject = "proj-1"

// twoDocFixture is two documents yielding three distinct terms.
func twoDocFixture() (*memGlossary, *glossaryBackend) {
	store := newMemGlossary(testProject,
		glossary.Document{ID: "d1", Name: "intro.md", Content: "Alpha and beta are core ideas."},
		glossary.Document{ID: "d2", Name: "details.md", Content: "Gamma extends alpha."},
	)
	backend := &glossaryBackend{
		extract: map[string][]string{
			"intro.md":   {"alpha", "beta"},
			"details.md": {"gamma", "Alpha"},
		},
		issueFor: map[string]bool{"beta": true},
	}
	return store, backend
}

func newTestExecutor(store *memGlossary, backend llm.Backend, workers int) *service.Executor {
	gw := service.NewGateway(backend, fastLLMConfig())
	return service.NewExecutor(store, gw, workers, service.DefaultStages()...)
}
