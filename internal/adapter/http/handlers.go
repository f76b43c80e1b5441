package http

import (
	"context"
	"net/http"
	"time"

	"github.com/Strob0t/glossforge/internal/domain/glossary"
	"github.com/Strob0t/glossforge/internal/domain/run"
	glossaryport "github.com/Strob0t/glossforge/internal/port/glossary"
	"github.com/Strob0t/glossforge/internal/service"
)

// GlossaryStore is what the API needs from the collaborator store.
type GlossaryStore interface {
	glossaryport.Reader
	glossaryport.Documents
}

// HealthChecker probes the language-model backend.
type HealthChecker interface {
	Health(ctx context.Context) service.HealthStatus
}

// Handlers holds the HTTP handler dependencies.
type Handlers struct {
	Runs      *service.RunService
	Events    *service.EventStream
	LLM       HealthChecker
	Glossary  GlossaryStore
	Limiter   *Limiter      // guards mutating routes; nil disables
	Keepalive time.Duration // SSE keepalive interval
}

// ---------------------------------------------------------------------------
// Runs
// ---------------------------------------------------------------------------

// StartRun handles POST /api/v1/projects/{project}/runs.
func (h *Handlers) StartRun(w http.ResponseWriter, r *http.Request) {
	var req run.StartRequest
	if r.ContentLength != 0 {
		var ok bool
		if req, ok = readJSON[run.StartRequest](w, r); !ok {
			return
		}
	}
	started, err := h.Runs.Start(r.Context(), urlParam(r, "project"), req)
	if err != nil {
		writeDomainError(w, err, "project not found")
		return
	}
	writeJSON(w, http.StatusAccepted, started)
}

// ListRuns handles GET /api/v1/projects/{project}/runs.
func (h *Handlers) ListRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := h.Runs.List(r.Context(), urlParam(r, "project"), queryInt(r, "limit", 0))
	if err != nil {
		writeDomainError(w, err, "project not found")
		return
	}
	if runs == nil {
		runs = []run.Run{}
	}
	writeJSON(w, http.StatusOK, runs)
}

// CurrentRun handles GET /api/v1/projects/{project}/runs/current.
func (h *Handlers) CurrentRun(w http.ResponseWriter, r *http.Request) {
	current, err := h.Runs.Current(r.Context(), urlParam(r, "project"))
	if err != nil {
		writeDomainError(w, err, "project not found")
		return
	}
	if current == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, current)
}

// GetRun handles GET /api/v1/projects/{project}/runs/{run}.
func (h *Handlers) GetRun(w http.ResponseWriter, r *http.Request) {
	runID, ok := runIDParam(w, r)
	if !ok {
		return
	}
	got, err := h.Runs.Get(r.Context(), urlParam(r, "project"), runID)
	if err != nil {
		writeDomainError(w, err, "run not found")
		return
	}
	writeJSON(w, http.StatusOK, got)
}

// CancelRun handles POST /api/v1/projects/{project}/runs/{run}/cancel.
func (h *Handlers) CancelRun(w http.ResponseWriter, r *http.Request) {
	runID, ok := runIDParam(w, r)
	if !ok {
		return
	}
	if err := h.Runs.Cancel(r.Context(), urlParam(r, "project"), runID); err != nil {
		writeDomainError(w, err, "no active run with this id")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancelling"})
}

// ---------------------------------------------------------------------------
// Glossary
// ---------------------------------------------------------------------------

type putDocumentRequest struct {
	Content string `json:"content"`
}

// PutDocument handles PUT /api/v1/projects/{project}/documents/{name}.
func (h *Handlers) PutDocument(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[putDocumentRequest](w, r)
	if !ok {
		return
	}
	doc, err := h.Glossary.PutDocument(r.Context(), urlParam(r, "project"), urlParam(r, "name"), req.Content)
	if err != nil {
		writeDomainError(w, err, "project not found")
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

// GetGlossary handles GET /api/v1/projects/{project}/glossary.
func (h *Handlers) GetGlossary(w http.ResponseWriter, r *http.Request) {
	snap, err := h.Glossary.Snapshot(r.Context(), urlParam(r, "project"))
	if err != nil {
		writeDomainError(w, err, "project not found")
		return
	}
	// Documents are listed by name only.
	docs := make([]glossary.Document, len(snap.Documents))
	for i, d := range snap.Documents {
		docs[i] = glossary.Document{ID: d.ID, Name: d.Name}
	}
	snap.Documents = docs
	writeJSON(w, http.StatusOK, snap)
}

// ---------------------------------------------------------------------------
// Health
// ---------------------------------------------------------------------------

// LLMHealth handles GET /api/v1/llm/health.
func (h *Handlers) LLMHealth(w http.ResponseWriter, r *http.Request) {
	hs := h.LLM.Health(r.Context())
	status := http.StatusOK
	if !hs.Healthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, hs)
}
