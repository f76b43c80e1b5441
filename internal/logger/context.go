package logger

import "context"

type contextKey int

const (
	requestIDKey contextKey = iota
	runScopeKey
)

type runScope struct {
	projectID string
	runID     int64
}

// WithRequestID returns a new context with the given request ID stored.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// RequestID extracts the request ID from the context.
// Returns an empty string if no request ID is set.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// WithRun tags the context with the project and run being executed so every
// record logged with it carries both identifiers.
func WithRun(ctx context.Context, projectID string, runID int64) context.Context {
	return context.WithValue(ctx, runScopeKey, runScope{projectID: projectID, runID: runID})
}

// RunFromContext returns the project and run identifiers set by WithRun.
func RunFromContext(ctx context.Context) (projectID string, runID int64, ok bool) {
	rs, ok := runScopeFrom(ctx)
	return rs.projectID, rs.runID, ok
}

func runScopeFrom(ctx context.Context) (runScope, bool) {
	rs, ok := ctx.Value(runScopeKey).(runScope)
	return rs, ok
}
