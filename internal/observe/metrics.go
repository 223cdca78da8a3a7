// Package observe provides application-wide observability primitives for
// Wardline: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
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
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Wardline metrics.
const meterName = "github.com/greenview-ai/wardline"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// RetrievalDuration tracks the grounded-answer round trip: vector search
	// plus completion.
	RetrievalDuration metric.Float64Histogram

	// --- Counters ---

	// ClientFrames counts audio frames crossing the client socket. Use with
	// attribute: attribute.String("direction", "in"|"out").
	ClientFrames metric.Int64Counter

	// FramesDropped counts client audio frames discarded instead of
	// forwarded. Use with attribute: attribute.String("reason", ...).
	FramesDropped metric.Int64Counter

	// ProviderEvents counts events delivered by the upstream speech link. Use
	// with attribute: attribute.String("type", ...).
	ProviderEvents metric.Int64Counter

	// RAGTurns counts retrieval turns by outcome. Use with attribute:
	//   attribute.String("outcome", "answered"|"fallback"|"aborted")
	RAGTurns metric.Int64Counter

	// AudioResponses counts fully reassembled synthesized responses forwarded
	// to clients.
	AudioResponses metric.Int64Counter

	// --- Gauges ---

	// ActiveConnections tracks the number of live client connections.
	ActiveConnections metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for retrieval round trips inside a realtime conversation.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.RetrievalDuration, err = m.Float64Histogram("wardline.retrieval.duration",
		metric.WithDescription("Latency of the retrieval and completion round trip."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	if met.ClientFrames, err = m.Int64Counter("wardline.client.frames",
		metric.WithDescription("Total audio frames crossing client sockets by direction."),
	); err != nil {
		return nil, err
	}
	if met.FramesDropped, err = m.Int64Counter("wardline.client.frames_dropped",
		metric.WithDescription("Total client audio frames dropped instead of forwarded, by reason."),
	); err != nil {
		return nil, err
	}
	if met.ProviderEvents, err = m.Int64Counter("wardline.provider.events",
		metric.WithDescription("Total upstream provider events by type."),
	); err != nil {
		return nil, err
	}
	if met.RAGTurns, err = m.Int64Counter("wardline.rag.turns",
		metric.WithDescription("Total retrieval turns by outcome."),
	); err != nil {
		return nil, err
	}
	if met.AudioResponses, err = m.Int64Counter("wardline.audio.responses",
		metric.WithDescription("Total reassembled synthesized responses forwarded to clients."),
	); err != nil {
		return nil, err
	}

	if met.ActiveConnections, err = m.Int64UpDownCounter("wardline.active_connections",
		metric.WithDescription("Number of live client connections."),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("wardline.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
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

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordClientFrame records one audio frame crossing a client socket.
func (m *Metrics) RecordClientFrame(ctx context.Context, direction string) {
	m.ClientFrames.Add(ctx, 1,
		metric.WithAttributes(Attr("direction", direction)),
	)
}

// RecordFrameDropped records a discarded client frame with its reason.
func (m *Metrics) RecordFrameDropped(ctx context.Context, reason string) {
	m.FramesDropped.Add(ctx, 1,
		metric.WithAttributes(Attr("reason", reason)),
	)
}

// RecordProviderEvent records one upstream provider event by type.
func (m *Metrics) RecordProviderEvent(ctx context.Context, eventType string) {
	m.ProviderEvents.Add(ctx, 1,
		metric.WithAttributes(Attr("type", eventType)),
	)
}

// RecordRAGTurn records a completed retrieval turn and its round-trip time.
func (m *Metrics) RecordRAGTurn(ctx context.Context, outcome string, elapsed time.Duration) {
	m.RAGTurns.Add(ctx, 1,
		metric.WithAttributes(Attr("outcome", outcome)),
	)
	m.RetrievalDuration.Record(ctx, elapsed.Seconds(),
		metric.WithAttributes(Attr("outcome", outcome)),
	)
}

// RecordAudioResponse records one reassembled response forwarded to a client.
func (m *Metrics) RecordAudioResponse(ctx context.Context) {
	m.AudioResponses.Add(ctx, 1)
}
