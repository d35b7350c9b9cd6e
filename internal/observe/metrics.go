// Package observe provides application-wide observability primitives for
// Cadence: OpenTelemetry metrics, distributed tracing, and provider setup.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Cadence metrics.
const meterName = "github.com/closerlabs/cadence"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// TierDuration tracks suggestion generation latency. Use with attribute:
	//   attribute.String("tier", "1"|"2"|"3")
	TierDuration metric.Float64Histogram

	// --- Counters ---

	// Suggestions counts emitted suggestions. Use with attributes:
	//   attribute.String("tier", ...), attribute.String("category", ...)
	Suggestions metric.Int64Counter

	// SegmentsIngested counts normalized transcript segments. Use with
	// attribute: attribute.String("final", "true"|"false")
	SegmentsIngested metric.Int64Counter

	// GenerationTimeouts counts tier generations abandoned at their budget
	// deadline. Use with attribute: attribute.String("tier", ...)
	GenerationTimeouts metric.Int64Counter

	// GenerationErrors counts generation-service failures. Use with
	// attribute: attribute.String("tier", ...)
	GenerationErrors metric.Int64Counter

	// StaleDiscards counts tier results discarded by the staleness guard.
	StaleDiscards metric.Int64Counter

	// BreakerTrips counts circuit breaker open transitions. Use with
	// attribute: attribute.String("name", ...)
	BreakerTrips metric.Int64Counter

	// DroppedDeliveries counts suggestions dropped from full subscriber
	// channels.
	DroppedDeliveries metric.Int64Counter

	// --- Gauges ---

	// ActiveCalls tracks the number of live coached calls.
	ActiveCalls metric.Int64UpDownCounter

	// ActiveSubscribers tracks the number of connected delivery subscribers.
	ActiveSubscribers metric.Int64UpDownCounter
}

// latencyBuckets defines histogram bucket boundaries (in seconds) spanning the
// inline tier (sub-100ms) through the strategic tier budget (2s).
var latencyBuckets = []float64{
	0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 0.8, 1, 2, 5,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.TierDuration, err = m.Float64Histogram("cadence.tier.duration",
		metric.WithDescription("Latency of suggestion generation by tier."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	if met.Suggestions, err = m.Int64Counter("cadence.suggestions",
		metric.WithDescription("Total suggestions emitted by tier and category."),
	); err != nil {
		return nil, err
	}
	if met.SegmentsIngested, err = m.Int64Counter("cadence.segments.ingested",
		metric.WithDescription("Total normalized transcript segments by finality."),
	); err != nil {
		return nil, err
	}
	if met.GenerationTimeouts, err = m.Int64Counter("cadence.generation.timeouts",
		metric.WithDescription("Total tier generations abandoned at their budget deadline."),
	); err != nil {
		return nil, err
	}
	if met.GenerationErrors, err = m.Int64Counter("cadence.generation.errors",
		metric.WithDescription("Total generation-service failures by tier."),
	); err != nil {
		return nil, err
	}
	if met.StaleDiscards, err = m.Int64Counter("cadence.generation.stale_discards",
		metric.WithDescription("Total tier results discarded as stale."),
	); err != nil {
		return nil, err
	}
	if met.BreakerTrips, err = m.Int64Counter("cadence.breaker.trips",
		metric.WithDescription("Total circuit breaker open transitions by breaker name."),
	); err != nil {
		return nil, err
	}
	if met.DroppedDeliveries, err = m.Int64Counter("cadence.delivery.dropped",
		metric.WithDescription("Total suggestions dropped from full subscriber channels."),
	); err != nil {
		return nil, err
	}

	if met.ActiveCalls, err = m.Int64UpDownCounter("cadence.active_calls",
		metric.WithDescription("Number of live coached calls."),
	); err != nil {
		return nil, err
	}
	if met.ActiveSubscribers, err = m.Int64UpDownCounter("cadence.active_subscribers",
		metric.WithDescription("Number of connected delivery subscribers."),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// RecordTierDuration records one generation latency observation for a tier.
func (m *Metrics) RecordTierDuration(ctx context.Context, tier string, seconds float64) {
	m.TierDuration.Record(ctx, seconds,
		metric.WithAttributes(attribute.String("tier", tier)),
	)
}

// RecordSuggestion records one emitted suggestion.
func (m *Metrics) RecordSuggestion(ctx context.Context, tier, category string) {
	m.Suggestions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("tier", tier),
			attribute.String("category", category),
		),
	)
}
