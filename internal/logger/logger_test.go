package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/Strob0t/glossforge/internal/config"
)

func TestNew(t *testing.T) {
	l, closer := New(config.Logging{Level: "debug", Service: "test-svc"})
	defer closer.Close()
	if l == nil {
		t.Fatal("expected non-nil logger")
	}
}

func TestNewAsync(t *testing.T) {
	l, closer := New(config.Logging{Level: "debug", Service: "test-svc", Async: true})
	if l == nil {
		t.Fatal("expected non-nil logger")
	}
	closer.Close()
	closer.Close() // idempotent
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"debug", "DEBUG"},
		{"INFO", "INFO"},
		{"warn", "WARN"},
		{"warning", "WARN"},
		{"error", "ERROR"},
		{"unknown", "INFO"},
		{"", "INFO"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := parseLevel(tt.input).String(); got != tt.want {
				t.Errorf("parseLevel(%q) = %s, want %s", tt.input, got, tt.want)
			}
		})
	}
}

func TestRequestIDContext(t *testing.T) {
	ctx := context.Background()
	if got := RequestID(ctx); got != "" {
		t.Errorf("expected empty request ID, got %q", got)
	}
	ctx = WithRequestID(ctx, "req-123")
	if got := RequestID(ctx); got != "req-123" {
		t.Errorf("expected req-123, got %q", got)
	}
}

func TestRunContext(t *testing.T) {
	if _, _, ok := RunFromContext(context.Background()); ok {
		t.Fatal("expected no run on empty context")
	}
	ctx := WithRun(context.Background(), "acme", 7)
	project, run, ok := RunFromContext(ctx)
	if !ok || project != "acme" || run != 7 {
		t.Errorf("got (%q, %d, %v), want (acme, 7, true)", project, run, ok)
	}
}

func TestContextHandlerAddsAttrs(t *testing.T) {
	var buf bytes.Buffer
	l := slog.New(NewContextHandler(slog.NewJSONHandler(&buf, nil)))

	ctx := WithRun(WithRequestID(context.Background(), "req-9"), "acme", 3)
	l.InfoContext(ctx, "stage started", "stage", "extract")

	var got map[string]any
	if err := json.Unmarshal(buf.Bytes(), &got); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if got["request_id"] != "req-9" {
		t.Errorf("request_id = %v", got["request_id"])
	}
	if got["project_id"] != "acme" {
		t.Errorf("project_id = %v", got["project_id"])
	}
	if got["run_id"] != float64(3) {
		t.Errorf("run_id = %v", got["run_id"])
	}
	if got["stage"] != "extract" {
		t.Errorf("stage = %v", got["stage"])
	}
}

func TestContextHandlerWithoutContextValues(t *testing.T) {
	var buf bytes.Buffer
	l := slog.New(NewContextHandler(slog.NewJSONHandler(&buf, nil))).With("service", "x")
	l.Info("plain")

	var got map[string]any
	if err := json.Unmarshal(buf.Bytes(), &got); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if _, ok := got["request_id"]; ok {
		t.Error("unexpected request_id")
	}
	if _, ok := got["run_id"]; ok {
		t.Error("unexpected run_id")
	}
	if got["service"] != "x" {
		t.Errorf("service = %v", got["service"])
	}
}
