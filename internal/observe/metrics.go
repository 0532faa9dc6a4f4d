// Package observe provides application-wide observability primitives for
// audiocap: OpenTelemetry metrics, distributed tracing, structured logging,
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
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all audiocap metrics.
const meterName = "github.com/MrWong99/audiocap"

// Start attempt outcomes recorded on [Metrics.StartAttempts].
const (
	StartOK     = "ok"
	StartDenied = "denied"
	StartError  = "error"
)

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Capture ---

	// Frames counts frames handed to the output boundary. Use with attribute:
	//   attribute.String("source", "hardware"|"estimate")
	Frames metric.Int64Counter

	// Bytes counts PCM bytes read from the device.
	Bytes metric.Int64Counter

	// PTSClamps counts frames whose PTS went backwards and was corrected.
	PTSClamps metric.Int64Counter

	// TimestampFallbacks counts frames timestamped without a device clock.
	TimestampFallbacks metric.Int64Counter

	// ReadErrors counts device read failures.
	ReadErrors metric.Int64Counter

	// --- Startup ---

	// StartAttempts counts capture start attempts. Use with attribute:
	//   attribute.String("status", StartOK|StartDenied|StartError)
	StartAttempts metric.Int64Counter

	// StartDuration tracks how long Open took, retries included.
	StartDuration metric.Float64Histogram

	// --- Gauges ---

	// ActiveSessions tracks the number of open capture sessions.
	ActiveSessions metric.Int64UpDownCounter

	// SinkClients tracks the number of connected stream clients.
	SinkClients metric.Int64UpDownCounter

	// SinkDropped counts packets dropped for slow stream clients.
	SinkDropped metric.Int64Counter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// startBuckets defines histogram bucket boundaries (in seconds) for capture
// startup, which is dominated by the retry delay.
var startBuckets = []float64{
	0.005, 0.01, 0.05, 0.1, 0.2, 0.3, 0.5, 1, 2.5, 5,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Capture counters.
	if met.Frames, err = m.Int64Counter("audiocap.frames",
		metric.WithDescription("Captured frames by timestamp source."),
	); err != nil {
		return nil, err
	}
	if met.Bytes, err = m.Int64Counter("audiocap.bytes",
		metric.WithDescription("PCM bytes read from the capture device."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if met.PTSClamps, err = m.Int64Counter("audiocap.pts.clamps",
		metric.WithDescription("Frames whose PTS was clamped to keep the stream monotonic."),
	); err != nil {
		return nil, err
	}
	if met.TimestampFallbacks, err = m.Int64Counter("audiocap.timestamp.fallbacks",
		metric.WithDescription("Frames timestamped by extrapolation because the device reported no time."),
	); err != nil {
		return nil, err
	}
	if met.ReadErrors, err = m.Int64Counter("audiocap.read.errors",
		metric.WithDescription("Capture device read failures."),
	); err != nil {
		return nil, err
	}

	// Startup.
	if met.StartAttempts, err = m.Int64Counter("audiocap.start.attempts",
		metric.WithDescription("Capture start attempts by outcome."),
	); err != nil {
		return nil, err
	}
	if met.StartDuration, err = m.Float64Histogram("audiocap.start.duration",
		metric.WithDescription("Time to open a capture session, including retries."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(startBuckets...),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("audiocap.sessions.active",
		metric.WithDescription("Number of open capture sessions."),
	); err != nil {
		return nil, err
	}
	if met.SinkClients, err = m.Int64UpDownCounter("audiocap.sink.clients",
		metric.WithDescription("Number of connected stream clients."),
	); err != nil {
		return nil, err
	}
	if met.SinkDropped, err = m.Int64Counter("audiocap.sink.dropped",
		metric.WithDescription("Packets dropped because a stream client fell behind."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("audiocap.http.request.duration",
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

// RecordFrame records one captured frame of n bytes timestamped from source.
func (m *Metrics) RecordFrame(ctx context.Context, n int, source string) {
	m.Frames.Add(ctx, 1, metric.WithAttributes(attribute.String("source", source)))
	m.Bytes.Add(ctx, int64(n))
}

// RecordStartAttempt records the outcome of one capture start attempt.
func (m *Metrics) RecordStartAttempt(ctx context.Context, status string) {
	m.StartAttempts.Add(ctx, 1,
		metric.WithAttributes(attribute.String("status", status)),
	)
}
