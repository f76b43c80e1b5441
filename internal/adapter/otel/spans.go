package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "glossforge"

// StartRunSpan starts a span covering one pipeline run.
func StartRunSpan(ctx context.Context, projectID string, runID int64, scope string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "run",
		trace.WithAttributes(
			attribute.String("project.id", projectID),
			attribute.Int64("run.id", runID),
			attribute.String("run.scope", scope),
		),
	)
}

// StartStageSpan starts a span for one stage within a run.
func StartStageSpan(ctx context.Context, stage string, units int) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "stage",
		trace.WithAttributes(
			attribute.String("stage.name", stage),
			attribute.Int("stage.units", units),
		),
	)
}

// StartGatewaySpan starts a span for one gateway call, covering all retries.
func StartGatewaySpan(ctx context.Context, provider, model string, structured bool) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "llm.complete",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("llm.provider", provider),
			attribute.String("llm.model", model),
			attribute.Bool("llm.structured", structured),
		),
	)
}
