package otel

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "glossforge"

// Metrics holds all glossforge metric instruments.
type Metrics struct {
	RunsStarted    metric.Int64Counter
	RunsCompleted  metric.Int64Counter
	RunsFailed     metric.Int64Counter
	RunsCancelled  metric.Int64Counter
	RunDuration    metric.Float64Histogram
	StageDuration  metric.Float64Histogram
	GatewayCalls   metric.Int64Counter
	GatewayRetries metric.Int64Counter
	ParseFailures  metric.Int64Counter
	CacheHits      metric.Int64Counter
	EventsDropped  metric.Int64Counter
}

// NewMetrics creates all metric instruments on the global meter provider.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter(meterName)
	m := &Metrics{}
	var err error

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.RunsStarted, "glossforge.runs.started", "Number of runs started"},
		{&m.RunsCompleted, "glossforge.runs.completed", "Number of runs completed"},
		{&m.RunsFailed, "glossforge.runs.failed", "Number of runs failed"},
		{&m.RunsCancelled, "glossforge.runs.cancelled", "Number of runs cancelled"},
		{&m.GatewayCalls, "glossforge.llm.attempts", "Backend requests issued by the gateway"},
		{&m.GatewayRetries, "glossforge.llm.retries", "Gateway transport retries"},
		{&m.ParseFailures, "glossforge.llm.parse_failures", "Responses that yielded no schema-valid value"},
		{&m.CacheHits, "glossforge.llm.cache_hits", "Completions served from cache"},
		{&m.EventsDropped, "glossforge.stream.evicted", "Log events evicted from full run buffers"},
	}
	for _, c := range counters {
		*c.dst, err = meter.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return nil, err
		}
	}

	m.RunDuration, err = meter.Float64Histogram("glossforge.run.duration_seconds",
		metric.WithDescription("Run duration in seconds"))
	if err != nil {
		return nil, err
	}

	m.StageDuration, err = meter.Float64Histogram("glossforge.stage.duration_seconds",
		metric.WithDescription("Stage duration in seconds"))
	if err != nil {
		return nil, err
	}

	return m, nil
}
