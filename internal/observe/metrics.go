// Package observe provides application-wide observability primitives for
// Hibiki: OpenTelemetry metrics, tracing helpers, and trace-enriched logging.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is registered by [InitProvider] so metrics can be scraped
// from the standard /metrics endpoint. Tests should use [NewMetrics] with a
// private meter provider rather than [DefaultMetrics] to avoid cross-test
// pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Hibiki metrics.
const meterName = "github.com/hibikichat/hibiki"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel instruments
// handle their own synchronisation. Every Record* helper is nil-safe so
// callers never need to guard an optional Metrics with a nil check.
type Metrics struct {
	// TurnDuration tracks full pipeline run latency, from retrieval through
	// the terminal state.
	TurnDuration metric.Float64Histogram

	// StageDuration tracks per-stage latency, attributed with
	// stage=retrieve|plan|generate.
	StageDuration metric.Float64Histogram

	// Turns counts completed pipeline runs, attributed with status=done|failed.
	Turns metric.Int64Counter

	// ProviderRequests counts completion and embedding provider calls,
	// attributed with provider and status.
	ProviderRequests metric.Int64Counter

	// ProviderBreakerTransitions counts completion-provider circuit breaker
	// state changes, attributed with provider, from, and to.
	ProviderBreakerTransitions metric.Int64Counter

	// MemoryWrites counts stored-turn writes, attributed with status=ok|failed.
	MemoryWrites metric.Int64Counter

	// MemorySearchFallbacks counts retrievals that degraded to the no-memory
	// sentinel because the store was unreachable.
	MemorySearchFallbacks metric.Int64Counter

	// ActiveSessions tracks the number of live user sessions.
	ActiveSessions metric.Int64UpDownCounter

	// HTTPRequestDuration tracks HTTP handler latency, attributed with
	// method and path.
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets sizes histogram boundaries (seconds) for model-call
// latencies: sub-second store reads up to multi-second completions.
var latencyBuckets = []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}

// NewMetrics creates all metric instruments from the given provider.
func NewMetrics(provider metric.MeterProvider) (*Metrics, error) {
	meter := provider.Meter(meterName)

	var (
		m   Metrics
		err error
	)

	if m.TurnDuration, err = meter.Float64Histogram(
		"hibiki.turn.duration",
		metric.WithDescription("Full pipeline run latency"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	if m.StageDuration, err = meter.Float64Histogram(
		"hibiki.stage.duration",
		metric.WithDescription("Per-stage pipeline latency"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	if m.Turns, err = meter.Int64Counter(
		"hibiki.turns",
		metric.WithDescription("Completed pipeline runs by status"),
	); err != nil {
		return nil, err
	}

	if m.ProviderRequests, err = meter.Int64Counter(
		"hibiki.provider.requests",
		metric.WithDescription("Provider API calls by provider and status"),
	); err != nil {
		return nil, err
	}

	if m.ProviderBreakerTransitions, err = meter.Int64Counter(
		"hibiki.provider.breaker.transitions",
		metric.WithDescription("Completion-provider circuit breaker state changes"),
	); err != nil {
		return nil, err
	}

	if m.MemoryWrites, err = meter.Int64Counter(
		"hibiki.memory.writes",
		metric.WithDescription("Stored-turn writes by status"),
	); err != nil {
		return nil, err
	}

	if m.MemorySearchFallbacks, err = meter.Int64Counter(
		"hibiki.memory.search_fallbacks",
		metric.WithDescription("Retrievals degraded to the no-memory sentinel by store failure"),
	); err != nil {
		return nil, err
	}

	if m.ActiveSessions, err = meter.Int64UpDownCounter(
		"hibiki.sessions.active",
		metric.WithDescription("Live user sessions"),
	); err != nil {
		return nil, err
	}

	if m.HTTPRequestDuration, err = meter.Float64Histogram(
		"hibiki.http.request.duration",
		metric.WithDescription("HTTP handler latency"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	return &m, nil
}

var (
	defaultMetricsOnce sync.Once
	defaultMetrics     *Metrics
)

// DefaultMetrics returns the process-wide Metrics instance backed by the
// global OTel meter provider. Instruments are created on first use, so call
// this after [InitProvider] has registered the global provider.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		m, err := NewMetrics(otel.GetMeterProvider())
		if err != nil {
			// Instrument creation only fails on invalid names, which is a
			// programming error. Fall back to a nil-safe zero value.
			m = &Metrics{}
		}
		defaultMetrics = m
	})
	return defaultMetrics
}

// RecordStage records one stage latency observation.
func (m *Metrics) RecordStage(ctx context.Context, stage string, seconds float64) {
	if m == nil || m.StageDuration == nil {
		return
	}
	m.StageDuration.Record(ctx, seconds, metric.WithAttributes(attribute.String("stage", stage)))
}

// RecordTurn records one full-run latency observation and counts the turn
// under its terminal status.
func (m *Metrics) RecordTurn(ctx context.Context, status string, seconds float64) {
	if m == nil || m.TurnDuration == nil || m.Turns == nil {
		return
	}
	m.TurnDuration.Record(ctx, seconds)
	m.Turns.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordProviderRequest counts one provider API call.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, status string) {
	if m == nil || m.ProviderRequests == nil {
		return
	}
	m.ProviderRequests.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("status", status),
	))
}

// RecordBreakerTransition counts one circuit breaker state change.
func (m *Metrics) RecordBreakerTransition(ctx context.Context, provider, from, to string) {
	if m == nil || m.ProviderBreakerTransitions == nil {
		return
	}
	m.ProviderBreakerTransitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("from", from),
		attribute.String("to", to),
	))
}

// RecordMemoryWrite counts one stored-turn write.
func (m *Metrics) RecordMemoryWrite(ctx context.Context, status string) {
	if m == nil || m.MemoryWrites == nil {
		return
	}
	m.MemoryWrites.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordSearchFallback counts one sentinel degradation.
func (m *Metrics) RecordSearchFallback(ctx context.Context) {
	if m == nil || m.MemorySearchFallbacks == nil {
		return
	}
	m.MemorySearchFallbacks.Add(ctx, 1)
}

// SessionOpened increments the live-session gauge.
func (m *Metrics) SessionOpened(ctx context.Context) {
	if m == nil || m.ActiveSessions == nil {
		return
	}
	m.ActiveSessions.Add(ctx, 1)
}

// SessionClosed decrements the live-session gauge.
func (m *Metrics) SessionClosed(ctx context.Context) {
	if m == nil || m.ActiveSessions == nil {
		return
	}
	m.ActiveSessions.Add(ctx, -1)
}
