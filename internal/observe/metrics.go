// Package observe provides application-wide observability primitives for
// voxrelay: OpenTelemetry metrics, distributed tracing, structured logging,
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

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// scopeName is the instrumentation scope for voxrelay metrics and spans.
const scopeName = "github.com/MrWong99/voxrelay"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Latency histograms ---

	// ResponseDuration tracks the time between requesting a response and the
	// remote peer finishing it.
	ResponseDuration metric.Float64Histogram

	// SessionDuration tracks how long relay sessions stay open.
	SessionDuration metric.Float64Histogram

	// --- Outbound audio counters ---

	// FramesSent counts audio appends sent to the remote peer. Use with
	// attribute.Bool("partial", ...) to separate flushed remainders.
	FramesSent metric.Int64Counter

	// AudioBytesSent counts raw PCM bytes sent to the remote peer.
	AudioBytesSent metric.Int64Counter

	// Commits counts input_audio_buffer commits. Use with
	// attribute.String("reason", "interval"|"stop").
	Commits metric.Int64Counter

	// ResponseRequests counts response.create requests.
	ResponseRequests metric.Int64Counter

	// --- Inbound counters ---

	// RemoteEvents counts normalised remote events by type. Use with
	// attribute.String("type", ...).
	RemoteEvents metric.Int64Counter

	// TranslatedAudioBytes counts PCM bytes delivered to clients.
	TranslatedAudioBytes metric.Int64Counter

	// --- Error counters ---

	// RemoteErrors counts remote error events. Use with
	// attribute.Bool("fatal", ...).
	RemoteErrors metric.Int64Counter

	// ClientErrors counts client protocol errors. Use with
	// attribute.String("kind", ...).
	ClientErrors metric.Int64Counter

	// ParseErrors counts remote events dropped because they could not be decoded.
	ParseErrors metric.Int64Counter

	// ResponseOverlaps counts response-created events rejected because a
	// response was already in progress.
	ResponseOverlaps metric.Int64Counter

	// BreakerTransitions counts circuit breaker state changes. Use with
	// attribute.String("provider", ...) and attribute.String("state", ...).
	BreakerTransitions metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live relay sessions.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("route", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for translation round trips.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2, 3, 5, 10, 20,
}

// sessionBuckets covers sessions from a few seconds up to an hour.
var sessionBuckets = []float64{
	1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(scopeName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.ResponseDuration, err = m.Float64Histogram("voxrelay.response.duration",
		metric.WithDescription("Latency from response request to response completion."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SessionDuration, err = m.Float64Histogram("voxrelay.session.duration",
		metric.WithDescription("Lifetime of relay sessions."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(sessionBuckets...),
	); err != nil {
		return nil, err
	}

	// Outbound counters.
	if met.FramesSent, err = m.Int64Counter("voxrelay.audio.frames_sent",
		metric.WithDescription("Audio frames appended to the remote input buffer."),
	); err != nil {
		return nil, err
	}
	if met.AudioBytesSent, err = m.Int64Counter("voxrelay.audio.bytes_sent",
		metric.WithDescription("Raw PCM bytes sent to the remote peer."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if met.Commits, err = m.Int64Counter("voxrelay.audio.commits",
		metric.WithDescription("Input audio buffer commits by reason."),
	); err != nil {
		return nil, err
	}
	if met.ResponseRequests, err = m.Int64Counter("voxrelay.response.requests",
		metric.WithDescription("Response generation requests sent to the remote peer."),
	); err != nil {
		return nil, err
	}

	// Inbound counters.
	if met.RemoteEvents, err = m.Int64Counter("voxrelay.remote.events",
		metric.WithDescription("Remote events received by type."),
	); err != nil {
		return nil, err
	}
	if met.TranslatedAudioBytes, err = m.Int64Counter("voxrelay.audio.translated_bytes",
		metric.WithDescription("Translated PCM bytes delivered to clients."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.RemoteErrors, err = m.Int64Counter("voxrelay.remote.errors",
		metric.WithDescription("Error events reported by the remote peer."),
	); err != nil {
		return nil, err
	}
	if met.ClientErrors, err = m.Int64Counter("voxrelay.client.errors",
		metric.WithDescription("Client protocol errors by kind."),
	); err != nil {
		return nil, err
	}
	if met.ParseErrors, err = m.Int64Counter("voxrelay.remote.parse_errors",
		metric.WithDescription("Malformed remote events that were dropped."),
	); err != nil {
		return nil, err
	}
	if met.ResponseOverlaps, err = m.Int64Counter("voxrelay.response.overlaps",
		metric.WithDescription("Response-created events rejected while another response was in progress."),
	); err != nil {
		return nil, err
	}

	if met.BreakerTransitions, err = m.Int64Counter("voxrelay.remote.breaker_transitions",
		metric.WithDescription("Circuit breaker state changes per remote provider."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("voxrelay.active_sessions",
		metric.WithDescription("Number of live relay sessions."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("voxrelay.http.request.duration",
		metric.WithDescription("HTTP request latency by method and route."),
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

// RecordFrameSent records one audio append of n bytes.
func (m *Metrics) RecordFrameSent(ctx context.Context, n int, partial bool) {
	attrs := metric.WithAttributes(attribute.Bool("partial", partial))
	m.FramesSent.Add(ctx, 1, attrs)
	m.AudioBytesSent.Add(ctx, int64(n), attrs)
}

// RecordCommit records an input buffer commit with the given reason.
func (m *Metrics) RecordCommit(ctx context.Context, reason string) {
	m.Commits.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordRemoteEvent records a received remote event by type name.
func (m *Metrics) RecordRemoteEvent(ctx context.Context, eventType string) {
	m.RemoteEvents.Add(ctx, 1, metric.WithAttributes(attribute.String("type", eventType)))
}

// RecordRemoteError records a remote error event.
func (m *Metrics) RecordRemoteError(ctx context.Context, fatal bool) {
	m.RemoteErrors.Add(ctx, 1, metric.WithAttributes(attribute.Bool("fatal", fatal)))
}

// RecordClientError records a client protocol error of the given kind.
func (m *Metrics) RecordClientError(ctx context.Context, kind string) {
	m.ClientErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordBreakerTransition records a circuit breaker entering state.
func (m *Metrics) RecordBreakerTransition(ctx context.Context, provider, state string) {
	m.BreakerTransitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("state", state),
	))
}
