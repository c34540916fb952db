// Package observe provides observability primitives for Sitevox:
// OpenTelemetry metrics, tracing, and HTTP middleware tying them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API and exposed via
// a Prometheus exporter bridge (see [InitProvider]) on the standard /metrics
// endpoint. A package-level default [Metrics] instance ([DefaultMetrics]) is
// provided for convenience; tests should use [NewMetrics] with a custom
// [metric.MeterProvider] to avoid cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Sitevox metrics.
const meterName = "github.com/strandworks/sitevox"

// Metrics holds all OpenTelemetry metric instruments for the daemon.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// ConnectDuration tracks time from session start request to a ready
	// duplex session (credential fetch, dial and handshake combined).
	ConnectDuration metric.Float64Histogram

	// ToolDispatchDuration tracks tool handler execution latency.
	ToolDispatchDuration metric.Float64Histogram

	// --- Counters ---

	// SessionsStarted counts voice sessions that reached the listening
	// state. Use with attribute.String("status", "ok"|"error").
	SessionsStarted metric.Int64Counter

	// SessionErrors counts session failures. Use with
	// attribute.String("stage", ...): "credential", "connect", "transport",
	// "capture".
	SessionErrors metric.Int64Counter

	// FramesSent counts uplink audio chunks delivered to the model.
	FramesSent metric.Int64Counter

	// FramesReceived counts downlink audio payloads received from the model.
	FramesReceived metric.Int64Counter

	// FramesDropped counts audio chunks discarded under backpressure. Use
	// with attribute.String("stage", "uplink"|"downlink").
	FramesDropped metric.Int64Counter

	// ToolDispatches counts tool invocations. Use with attributes:
	//   attribute.String("tool", ...), attribute.String("status", ...)
	ToolDispatches metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live duplex sessions (0 or 1 per
	// daemon, but kept as a counter for fleet-level aggregation).
	ActiveSessions metric.Int64UpDownCounter

	// PlaybackQueueDepth tracks the number of chunks waiting in the
	// playback queue.
	PlaybackQueueDepth metric.Int64UpDownCounter

	// ConnectedPanels tracks the number of attached field panels.
	ConnectedPanels metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with
	// attributes: attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) sized for
// interactive voice latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.ConnectDuration, err = m.Float64Histogram("sitevox.connect.duration",
		metric.WithDescription("Time from session start to a ready duplex session."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ToolDispatchDuration, err = m.Float64Histogram("sitevox.tool_dispatch.duration",
		metric.WithDescription("Latency of tool handler execution."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.SessionsStarted, err = m.Int64Counter("sitevox.sessions.started",
		metric.WithDescription("Total voice session start attempts by status."),
	); err != nil {
		return nil, err
	}
	if met.SessionErrors, err = m.Int64Counter("sitevox.session.errors",
		metric.WithDescription("Total session failures by stage."),
	); err != nil {
		return nil, err
	}
	if met.FramesSent, err = m.Int64Counter("sitevox.frames.sent",
		metric.WithDescription("Uplink audio chunks delivered to the model."),
	); err != nil {
		return nil, err
	}
	if met.FramesReceived, err = m.Int64Counter("sitevox.frames.received",
		metric.WithDescription("Downlink audio payloads received from the model."),
	); err != nil {
		return nil, err
	}
	if met.FramesDropped, err = m.Int64Counter("sitevox.frames.dropped",
		metric.WithDescription("Audio chunks discarded under backpressure by stage."),
	); err != nil {
		return nil, err
	}
	if met.ToolDispatches, err = m.Int64Counter("sitevox.tool.dispatches",
		metric.WithDescription("Total tool invocations by tool name and status."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("sitevox.active_sessions",
		metric.WithDescription("Number of live duplex sessions."),
	); err != nil {
		return nil, err
	}
	if met.PlaybackQueueDepth, err = m.Int64UpDownCounter("sitevox.playback.queue_depth",
		metric.WithDescription("Chunks waiting in the playback queue."),
	); err != nil {
		return nil, err
	}
	if met.ConnectedPanels, err = m.Int64UpDownCounter("sitevox.connected_panels",
		metric.WithDescription("Number of attached field panels."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("sitevox.http.request.duration",
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

// RecordToolDispatch records one tool invocation with its outcome and
// duration in seconds.
func (m *Metrics) RecordToolDispatch(ctx context.Context, tool, status string, seconds float64) {
	attrs := metric.WithAttributes(
		attribute.String("tool", tool),
		attribute.String("status", status),
	)
	m.ToolDispatches.Add(ctx, 1, attrs)
	m.ToolDispatchDuration.Record(ctx, seconds, attrs)
}

// RecordSessionError records one session failure at the given stage.
func (m *Metrics) RecordSessionError(ctx context.Context, stage string) {
	m.SessionErrors.Add(ctx, 1,
		metric.WithAttributes(attribute.String("stage", stage)),
	)
}

// RecordFrameDrop records n discarded audio chunks at the given stage.
func (m *Metrics) RecordFrameDrop(ctx context.Context, stage string, n int64) {
	m.FramesDropped.Add(ctx, n,
		metric.WithAttributes(attribute.String("stage", stage)),
	)
}

// RecordSessionStart records one session start attempt by status.
func (m *Metrics) RecordSessionStart(ctx context.Context, status string) {
	m.SessionsStarted.Add(ctx, 1,
		metric.WithAttributes(attribute.String("status", status)),
	)
}

// RecordConnect records one connect attempt's duration by outcome.
func (m *Metrics) RecordConnect(ctx context.Context, status string, seconds float64) {
	m.ConnectDuration.Record(ctx, seconds,
		metric.WithAttributes(attribute.String("status", status)),
	)
}
