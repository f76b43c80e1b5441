package http_test

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	gfhttp "github.com/Strob0t/glossforge/internal/adapter/http"
	"github.com/Strob0t/glossforge/internal/config"
	"github.com/Strob0t/glossforge/internal/domain"
	"github.com/Strob0t/glossforge/internal/domain/glossary"
	"github.com/Strob0t/glossforge/internal/domain/pipeline"
	"github.com/Strob0t/glossforge/internal/domain/run"
	"github.com/Strob0t/glossforge/internal/service"
)

// --- Mocks ---

// memGlossary is an in-memory glossary store.
type memGlossary struct {
	mu    sync.Mutex
	snaps map[string]*glossary.Snapshot
	err   error
}

func newMemGlossary() *memGlossary {
	return &memGlossary{snaps: make(map[string]*glossary.Snapshot)}
}

func (m *memGlossary) snapLocked(projectID string) *glossary.Snapshot {
	s, ok := m.snaps[projectID]
	if !ok {
		s = &glossary.Snapshot{ProjectID: projectID}
		m.snaps[projectID] = s
	}
	return s
}

func (m *memGlossary) Snapshot(_ context.Context, projectID string) (*glossary.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	s := *m.snapLocked(projectID)
	return &s, nil
}

func (m *memGlossary) Apply(_ context.Context, projectID string, out *glossary.Output) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapLocked(projectID).Apply(out)
	return nil
}

func (m *memGlossary) PutDocument(_ context.Context, projectID, name, content string) (*glossary.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if strings.TrimSpace(name) == "" {
		return nil, fmt.Errorf("name is required: %w", domain.ErrValidation)
	}
	s := m.snapLocked(projectID)
	doc := glossary.Document{ID: fmt.Sprintf("doc-%d", len(s.Documents)+1), Name: name, Content: content}
	s.Documents = append(s.Documents, doc)
	return &doc, nil
}

// gateStage reports one unit and then waits for its gate to open or for
// cancellation.
type gateStage struct {
	name pipeline.Stage
	gate <-chan struct{}
	err  error
}

func (g *gateStage) Name() pipeline.Stage { return g.name }

func (g *gateStage) Units(_ *glossary.Snapshot) int { return 1 }

func (g *gateStage) Run(ctx context.Context, _ *glossary.Snapshot, sc *service.StageContext) (*glossary.Output, error) {
	tick := time.NewTicker(2 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-g.gate:
			sc.Advance(string(g.name))
			return &glossary.Output{Stage: string(g.name)}, g.err
		case <-tick.C:
			if sc.Cancelled() {
				return &glossary.Output{Stage: string(g.name)}, nil
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

type fakeHealth struct{ healthy bool }

func (f fakeHealth) Health(context.Context) service.HealthStatus {
	hs := service.HealthStatus{Provider: "fake", Model: "m", Healthy: f.healthy}
	if !f.healthy {
		hs.Error = "connection refused"
	}
	return hs
}

// --- Harness ---

type harness struct {
	router chi.Router
	runs   *service.RunService
	stream *service.EventStream
	store  *memGlossary
	gate   chan struct{}
	once   sync.Once
}

func newHarness(t *testing.T, stageErr error) *harness {
	t.Helper()
	h := &harness{gate: make(chan struct{}), store: newMemGlossary()}

	var stages []service.Stage
	for _, name := range pipeline.Order {
		stages = append(stages, &gateStage{name: name, gate: h.gate, err: stageErr})
	}
	exec := service.NewExecutor(h.store, nil, 1, stages...)
	h.stream = service.NewEventStream(100, 0)
	h.runs = service.NewRunService(exec, h.stream, config.Runs{StageWorkers: 1, HistoryLimit: 10})

	h.router = chi.NewRouter()
	h.router.Use(gfhttp.RequestID)
	gfhttp.MountRoutes(h.router, &gfhttp.Handlers{
		Runs:      h.runs,
		Events:    h.stream,
		LLM:       fakeHealth{healthy: true},
		Glossary:  h.store,
		Keepalive: 20 * time.Millisecond,
	}, nil)

	t.Cleanup(func() {
		h.release()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.runs.Shutdown(ctx)
	})
	return h
}

func (h *harness) release() { h.once.Do(func() { close(h.gate) }) }

func (h *harness) do(method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, http.NoBody)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)
	return rec
}

func (h *harness) wait(t *testing.T, project string, runID int64) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.runs.Wait(ctx, project, runID); err != nil {
		t.Fatalf("wait for run %d: %v", runID, err)
	}
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v (body %q)", err, rec.Body.String())
	}
	return v
}

// --- Tests ---

func TestHealth(t *testing.T) {
	h := newHarness(t, nil)

	rec := h.do(http.MethodGet, "/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("expected a generated request id header")
	}
}

func TestLLMHealth(t *testing.T) {
	tests := []struct {
		name    string
		healthy bool
		want    int
	}{
		{"healthy", true, http.StatusOK},
		{"unreachable", false, http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := chi.NewRouter()
			gfhttp.MountRoutes(r, &gfhttp.Handlers{LLM: fakeHealth{healthy: tt.healthy}}, nil)
			rec := httptest.NewRecorder()
			r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/llm/health", http.NoBody))
			if rec.Code != tt.want {
				t.Fatalf("expected %d, got %d", tt.want, rec.Code)
			}
			hs := decode[service.HealthStatus](t, rec)
			if hs.Provider != "fake" || hs.Healthy != tt.healthy {
				t.Errorf("unexpected health %+v", hs)
			}
		})
	}
}

func TestStartRun(t *testing.T) {
	h := newHarness(t, nil)

	rec := h.do(http.MethodPost, "/api/v1/projects/p1/runs", `{"scope":"extract_only"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	got := decode[run.Run](t, rec)
	if got.ID != 1 || got.ProjectID != "p1" || got.Scope != run.ScopeExtractOnly || got.Status != run.StatusPending {
		t.Errorf("unexpected run %+v", got)
	}
}

func TestStartRunDefaultsToFullScope(t *testing.T) {
	h := newHarness(t, nil)

	rec := h.do(http.MethodPost, "/api/v1/projects/p1/runs", "")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	if got := decode[run.Run](t, rec); got.Scope != run.ScopeFull {
		t.Errorf("scope = %q, want full", got.Scope)
	}
}

func TestStartRunErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
		want int
	}{
		{"bad scope", `{"scope":"everything"}`, http.StatusBadRequest},
		{"malformed body", `{"scope":`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, nil)
			rec := h.do(http.MethodPost, "/api/v1/projects/p1/runs", tt.body)
			if rec.Code != tt.want {
				t.Fatalf("expected %d, got %d: %s", tt.want, rec.Code, rec.Body.String())
			}
		})
	}
}

func TestStartRunConflict(t *testing.T) {
	h := newHarness(t, nil)

	if rec := h.do(http.MethodPost, "/api/v1/projects/p1/runs", `{"scope":"full"}`); rec.Code != http.StatusAccepted {
		t.Fatalf("first start: expected 202, got %d", rec.Code)
	}
	rec := h.do(http.MethodPost, "/api/v1/projects/p1/runs", `{"scope":"full"}`)
	if rec.Code != http.StatusConflict {
		t.Fatalf("second start: expected 409, got %d", rec.Code)
	}

	// Another project is independent.
	if rec := h.do(http.MethodPost, "/api/v1/projects/p2/runs", `{"scope":"full"}`); rec.Code != http.StatusAccepted {
		t.Fatalf("other project: expected 202, got %d", rec.Code)
	}
}

func TestCurrentRun(t *testing.T) {
	h := newHarness(t, nil)

	if rec := h.do(http.MethodGet, "/api/v1/projects/p1/runs/current", ""); rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204 without a run, got %d", rec.Code)
	}

	h.do(http.MethodPost, "/api/v1/projects/p1/runs", `{"scope":"full"}`)
	rec := h.do(http.MethodGet, "/api/v1/projects/p1/runs/current", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with an active run, got %d", rec.Code)
	}
	if got := decode[run.Run](t, rec); got.ID != 1 || !got.Status.Active() {
		t.Errorf("unexpected current run %+v", got)
	}

	h.release()
	h.wait(t, "p1", 1)
	if rec := h.do(http.MethodGet, "/api/v1/projects/p1/runs/current", ""); rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204 after completion, got %d", rec.Code)
	}
}

func TestGetAndListRuns(t *testing.T) {
	h := newHarness(t, nil)
	h.release()

	for i := int64(1); i <= 2; i++ {
		h.do(http.MethodPost, "/api/v1/projects/p1/runs", `{"scope":"review_only"}`)
		h.wait(t, "p1", i)
	}

	rec := h.do(http.MethodGet, "/api/v1/projects/p1/runs/2", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("get: expected 200, got %d", rec.Code)
	}
	got := decode[run.Run](t, rec)
	if got.Status != run.StatusCompleted || got.Progress.Completed != got.Progress.Total {
		t.Errorf("unexpected finished run %+v", got)
	}

	rec = h.do(http.MethodGet, "/api/v1/projects/p1/runs", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("list: expected 200, got %d", rec.Code)
	}
	runs := decode[[]run.Run](t, rec)
	if len(runs) != 2 || runs[0].ID != 2 || runs[1].ID != 1 {
		t.Errorf("expected runs 2,1, got %+v", runs)
	}

	if rec := h.do(http.MethodGet, "/api/v1/projects/p1/runs?limit=1", ""); len(decode[[]run.Run](t, rec)) != 1 {
		t.Error("limit=1 should return one run")
	}
	if rec := h.do(http.MethodGet, "/api/v1/projects/empty/runs", ""); rec.Body.String() != "[]\n" {
		t.Errorf("expected empty JSON array, got %q", rec.Body.String())
	}
}

func TestGetRunErrors(t *testing.T) {
	h := newHarness(t, nil)

	if rec := h.do(http.MethodGet, "/api/v1/projects/p1/runs/9", ""); rec.Code != http.StatusNotFound {
		t.Errorf("unknown run: expected 404, got %d", rec.Code)
	}
	if rec := h.do(http.MethodGet, "/api/v1/projects/p1/runs/abc", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("bad id: expected 400, got %d", rec.Code)
	}
}

func TestCancelRun(t *testing.T) {
	h := newHarness(t, nil)

	h.do(http.MethodPost, "/api/v1/projects/p1/runs", `{"scope":"full"}`)

	if rec := h.do(http.MethodPost, "/api/v1/projects/p1/runs/2/cancel", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("wrong run id: expected 404, got %d", rec.Code)
	}
	if rec := h.do(http.MethodPost, "/api/v1/projects/p1/runs/1/cancel", ""); rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}

	h.wait(t, "p1", 1)
	got := decode[run.Run](t, h.do(http.MethodGet, "/api/v1/projects/p1/runs/1", ""))
	if got.Status != run.StatusCancelled {
		t.Errorf("status = %s, want cancelled", got.Status)
	}

	if rec := h.do(http.MethodPost, "/api/v1/projects/p1/runs/1/cancel", ""); rec.Code != http.StatusNotFound {
		t.Errorf("finished run: expected 404, got %d", rec.Code)
	}
}

func TestFailedRunReportsError(t *testing.T) {
	h := newHarness(t, errors.New("backend exploded"))
	h.release()

	h.do(http.MethodPost, "/api/v1/projects/p1/runs", `{"scope":"extract_only"}`)
	h.wait(t, "p1", 1)

	got := decode[run.Run](t, h.do(http.MethodGet, "/api/v1/projects/p1/runs/1", ""))
	if got.Status != run.StatusFailed || !strings.Contains(got.Error, "backend exploded") {
		t.Errorf("unexpected failed run %+v", got)
	}
}

func TestDocumentsAndGlossary(t *testing.T) {
	h := newHarness(t, nil)

	rec := h.do(http.MethodPut, "/api/v1/projects/p1/documents/intro.md", `{"content":"Alpha is the first letter."}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("put document: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if doc := decode[glossary.Document](t, rec); doc.Name != "intro.md" || doc.ID == "" {
		t.Errorf("unexpected document %+v", doc)
	}

	_ = h.store.Apply(context.Background(), "p1", &glossary.Output{
		Terms: []glossary.Term{{Text: "Alpha", Definition: "The first letter.", Status: glossary.TermDefined}},
	})

	rec = h.do(http.MethodGet, "/api/v1/projects/p1/glossary", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("glossary: expected 200, got %d", rec.Code)
	}
	snap := decode[glossary.Snapshot](t, rec)
	if len(snap.Terms) != 1 || snap.Terms[0].Text != "Alpha" {
		t.Errorf("unexpected terms %+v", snap.Terms)
	}
	if len(snap.Documents) != 1 || snap.Documents[0].Content != "" {
		t.Errorf("documents should be listed without content, got %+v", snap.Documents)
	}
}

// --- SSE ---

type sseFrame struct {
	event string
	id    string
	data  string
}

// readFrames parses an SSE body into frames. Comment lines become frames
// with event "comment".
func readFrames(t *testing.T, sc *bufio.Scanner, stop func(sseFrame) bool) []sseFrame {
	t.Helper()
	var (
		frames []sseFrame
		cur    sseFrame
	)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case line == "":
			if cur != (sseFrame{}) {
				frames = append(frames, cur)
				if stop != nil && stop(cur) {
					return frames
				}
			}
			cur = sseFrame{}
		case strings.HasPrefix(line, ":"):
			cur.event = "comment"
			cur.data = strings.TrimSpace(strings.TrimPrefix(line, ":"))
		case strings.HasPrefix(line, "event: "):
			cur.event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "id: "):
			cur.id = strings.TrimPrefix(line, "id: ")
		case strings.HasPrefix(line, "data: "):
			cur.data = strings.TrimPrefix(line, "data: ")
		}
	}
	return frames
}

func TestStreamEventsCompletedRun(t *testing.T) {
	h := newHarness(t, nil)
	h.release()

	h.do(http.MethodPost, "/api/v1/projects/p1/runs", `{"scope":"extract_only"}`)
	h.wait(t, "p1", 1)

	rec := h.do(http.MethodGet, "/api/v1/projects/p1/runs/1/events", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("content type = %q", ct)
	}

	frames := readFrames(t, bufio.NewScanner(rec.Body), nil)
	if len(frames) < 2 {
		t.Fatalf("expected log frames and a complete frame, got %+v", frames)
	}
	last := frames[len(frames)-1]
	if last.event != "complete" || !strings.Contains(last.data, `"outcome":"completed"`) {
		t.Errorf("unexpected last frame %+v", last)
	}
	for _, f := range frames[:len(frames)-1] {
		if f.event != "log" || f.id == "" {
			t.Errorf("expected log frame with id, got %+v", f)
		}
	}

	// Resuming after the first event skips it.
	req := httptest.NewRequest(http.MethodGet, "/api/v1/projects/p1/runs/1/events", http.NoBody)
	req.Header.Set("Last-Event-ID", frames[0].id)
	resumed := httptest.NewRecorder()
	h.router.ServeHTTP(resumed, req)
	if got := readFrames(t, bufio.NewScanner(resumed.Body), nil); len(got) != len(frames)-1 {
		t.Errorf("resume should skip one frame: got %d, want %d", len(got), len(frames)-1)
	}
}

func TestStreamEventsUnknownRun(t *testing.T) {
	h := newHarness(t, nil)

	if rec := h.do(http.MethodGet, "/api/v1/projects/p1/runs/7/events", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestStreamEventsLiveWithKeepalive(t *testing.T) {
	h := newHarness(t, nil)
	srv := httptest.NewServer(h.router)
	defer srv.Close()

	h.do(http.MethodPost, "/api/v1/projects/p1/runs", `{"scope":"extract_only"}`)

	resp, err := http.Get(srv.URL + "/api/v1/projects/p1/runs/1/events")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	sc := bufio.NewScanner(resp.Body)
	frames := readFrames(t, sc, func(f sseFrame) bool { return f.event == "comment" })
	if len(frames) == 0 {
		t.Fatal("stream ended without frames")
	}
	if last := frames[len(frames)-1]; last.data != "keepalive" {
		t.Fatalf("expected a keepalive comment while idle, got %+v", last)
	}

	h.release()
	frames = readFrames(t, sc, func(f sseFrame) bool { return f.event == "complete" })
	if len(frames) == 0 || frames[len(frames)-1].event != "complete" {
		t.Fatalf("stream did not complete: %+v", frames)
	}
}
