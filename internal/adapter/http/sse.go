package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/Strob0t/glossforge/internal/domain/event"
	"github.com/Strob0t/glossforge/internal/service"
)

const defaultKeepalive = 15 * time.Second

// completeFrame is the payload of the closing "complete" frame.
type completeFrame struct {
	ProjectID string        `json:"project_id"`
	RunID     int64         `json:"run_id"`
	Outcome   event.Outcome `json:"outcome,omitempty"`
}

// StreamEvents handles GET /api/v1/projects/{project}/runs/{run}/events.
//
// Every LogEvent is sent as an "event: log" frame with its sequence number
// as id. Idle periods produce ": keepalive" comments. After the terminal
// event a single "event: complete" frame is sent and the response ends.
// Clients resume with Last-Event-ID (or ?after=) and skip what they saw.
func (h *Handlers) StreamEvents(w http.ResponseWriter, r *http.Request) {
	runID, ok := runIDParam(w, r)
	if !ok {
		return
	}
	projectID := urlParam(r, "project")

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	sub, err := h.Events.Subscribe(r.Context(), projectID, runID)
	if err != nil {
		writeDomainError(w, err, "run not found")
		return
	}
	defer sub.Close()

	after := lastEventID(r)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	keepalive := h.Keepalive
	if keepalive <= 0 {
		keepalive = defaultKeepalive
	}

	ctx := r.Context()
	done := completeFrame{ProjectID: projectID, RunID: runID}
	for {
		waitCtx, cancel := context.WithTimeout(ctx, keepalive)
		ev, err := sub.Next(waitCtx)
		cancel()

		switch {
		case err == nil:
		case errors.Is(err, service.ErrStreamDone):
			if writeFrame(w, "complete", "", done) != nil {
				return
			}
			flusher.Flush()
			return
		case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
			continue
		default:
			return
		}

		if ev.Final {
			done.Outcome = ev.Outcome
		}
		if ev.Seq <= after {
			continue
		}
		if err := writeFrame(w, "log", strconv.FormatUint(ev.Seq, 10), ev); err != nil {
			slog.DebugContext(ctx, "sse write failed", "run_id", runID, "error", err)
			return
		}
		flusher.Flush()
	}
}

// writeFrame writes one SSE frame with a JSON data line.
func writeFrame(w http.ResponseWriter, name, id string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if id != "" {
		if _, err := fmt.Fprintf(w, "id: %s\n", id); err != nil {
			return err
		}
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, data)
	return err
}

// lastEventID returns the sequence number the client already has, from the
// Last-Event-ID header or the "after" query parameter.
func lastEventID(r *http.Request) uint64 {
	v := r.Header.Get("Last-Event-ID")
	if v == "" {
		v = r.URL.Query().Get("after")
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0
	}
	return n
}
