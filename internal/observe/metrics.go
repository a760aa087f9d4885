// Package observe provides application-wide observability primitives for
// EchoForge: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Latency histograms ---

	// TurnDuration tracks end-to-end turn latency. Attributes: tier.
	TurnDuration metric.Float64Histogram

	// StageDuration tracks per-stage latency. Attributes: stage.
	StageDuration metric.Float64Histogram

	// HTTPRequestDuration tracks HTTP request processing time. Attributes:
	// method, route.
	HTTPRequestDuration metric.Float64Histogram

	// --- Counters ---

	// Turns counts completed turns. Attributes: character, tier.
	Turns metric.Int64Counter

	// Fallbacks counts turns served by a degraded tier. Attributes: tier, reason.
	Fallbacks metric.Int64Counter

	// Summaries counts written conversation summaries. Attributes: kind, status.
	Summaries metric.Int64Counter

	// RetrievalSearches counts knowledge searches. Attributes: outcome.
	RetrievalSearches metric.Int64Counter

	// Triggers counts accepted triggers. Attributes: direction, trigger.
	Triggers metric.Int64Counter

	// ProviderRequests counts provider API calls. Attributes: provider, kind, status.
	ProviderRequests metric.Int64Counter

	// ProviderErrors counts provider errors. Attributes: provider, kind.
	ProviderErrors metric.Int64Counter

	// --- Gauges ---

	// Pipelines tracks the number of cached per-character pipelines.
	Pipelines metric.Int64UpDownCounter
}

// latencyBuckets are the histogram boundaries in seconds. A full turn that
// calls the model several times routinely takes multiple seconds.
var latencyBuckets = []float64{
	0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

// instruments creates instruments on one meter and collects the errors, so
// [NewMetrics] reports every failed instrument at once.
type instruments struct {
	meter metric.Meter
	errs  []error
}

func (b *instruments) histogram(name, desc string, buckets ...float64) metric.Float64Histogram {
	opts := []metric.Float64HistogramOption{metric.WithDescription(desc), metric.WithUnit("s")}
	if len(buckets) > 0 {
		opts = append(opts, metric.WithExplicitBucketBoundaries(buckets...))
	}
	h, err := b.meter.Float64Histogram(name, opts...)
	b.record(name, err)
	return h
}

func (b *instruments) counter(name, desc string) metric.Int64Counter {
	c, err := b.meter.Int64Counter(name, metric.WithDescription(desc))
	b.record(name, err)
	return c
}

func (b *instruments) gauge(name, desc string) metric.Int64UpDownCounter {
	g, err := b.meter.Int64UpDownCounter(name, metric.WithDescription(desc))
	b.record(name, err)
	return g
}

func (b *instruments) record(name string, err error) {
	if err != nil {
		b.errs = append(b.errs, fmt.Errorf("observe: instrument %s: %w", name, err))
	}
}

// NewMetrics creates the EchoForge instruments on mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	b := &instruments{meter: mp.Meter(scope)}
	m := &Metrics{
		TurnDuration:        b.histogram("echoforge.turn.duration", "End-to-end latency of one dialogue turn.", latencyBuckets...),
		StageDuration:       b.histogram("echoforge.stage.duration", "Latency of a single pipeline stage.", latencyBuckets...),
		HTTPRequestDuration: b.histogram("echoforge.http.request.duration", "HTTP request latency by method and route."),

		Turns:             b.counter("echoforge.turns", "Dialogue turns by character and tier."),
		Fallbacks:         b.counter("echoforge.fallbacks", "Turns served by a degraded tier, by tier and reason."),
		Summaries:         b.counter("echoforge.summaries", "Conversation summaries written, by trigger kind and status."),
		RetrievalSearches: b.counter("echoforge.retrieval.searches", "Knowledge searches by outcome."),
		Triggers:          b.counter("echoforge.triggers", "Accepted triggers by direction and trigger name."),
		ProviderRequests:  b.counter("echoforge.provider.requests", "Provider calls by provider, kind and status."),
		ProviderErrors:    b.counter("echoforge.provider.errors", "Failed provider calls by provider and kind."),

		Pipelines: b.gauge("echoforge.pipelines", "Cached per-character turn pipelines."),
	}
	if err := errors.Join(b.errs...); err != nil {
		return nil, err
	}
	return m, nil
}

var defaultMetrics = sync.OnceValue(func() *Metrics {
	m, err := NewMetrics(otel.GetMeterProvider())
	if err != nil {
		panic(err)
	}
	return m
})

// DefaultMetrics returns the process-wide [Metrics] on the global meter
// provider. Install the provider with [InitProvider] before the first call;
// tests should build their own with [NewMetrics].
func DefaultMetrics() *Metrics { return defaultMetrics() }

// RecordTurn records a completed turn: its latency, the turn counter and,
// for degraded tiers, the fallback counter.
func (m *Metrics) RecordTurn(ctx context.Context, character, tier, fallbackReason string, d time.Duration) {
	tierAttr := attribute.String("tier", tier)
	m.TurnDuration.Record(ctx, d.Seconds(), metric.WithAttributes(tierAttr))
	m.Turns.Add(ctx, 1, metric.WithAttributes(attribute.String("character", character), tierAttr))
	if fallbackReason != "" {
		m.Fallbacks.Add(ctx, 1, metric.WithAttributes(tierAttr, attribute.String("reason", fallbackReason)))
	}
}

// RecordStage records the latency of one pipeline stage.
func (m *Metrics) RecordStage(ctx context.Context, stage string, d time.Duration) {
	m.StageDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("stage", stage)))
}

// RecordSummary records a summary write attempt.
func (m *Metrics) RecordSummary(ctx context.Context, kind, status string) {
	m.Summaries.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind), attribute.String("status", status)))
}

// RecordRetrieval records a knowledge search with its outcome ("hit",
// "miss", "retry" or "error").
func (m *Metrics) RecordRetrieval(ctx context.Context, outcome string) {
	m.RetrievalSearches.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordTrigger records an accepted trigger. direction is "input" or "output".
func (m *Metrics) RecordTrigger(ctx context.Context, direction, trigger string) {
	m.Triggers.Add(ctx, 1, metric.WithAttributes(attribute.String("direction", direction), attribute.String("trigger", trigger)))
}

// Provider call statuses for [Metrics.RecordProviderCall].
const (
	ProviderOK      = "ok"
	ProviderError   = "error"
	ProviderSkipped = "skipped"
)

// RecordProviderCall counts one call to a provider. An [ProviderError]
// status also counts towards the error counter.
func (m *Metrics) RecordProviderCall(ctx context.Context, provider, kind, status string) {
	attrs := []attribute.KeyValue{attribute.String("provider", provider), attribute.String("kind", kind)}
	if status == ProviderError {
		m.ProviderErrors.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
	m.ProviderRequests.Add(ctx, 1, metric.WithAttributes(append(attrs, attribute.String("status", status))...))
}

// RecordPipelines adjusts the cached pipeline gauge by delta.
func (m *Metrics) RecordPipelines(ctx context.Context, delta int) {
	m.Pipelines.Add(ctx, int64(delta))
}
