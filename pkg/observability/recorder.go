package observability

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

var (
	globalMetrics Metrics
	metricsMu     sync.RWMutex
)

// Metrics records pfs measurements. Implementations must be safe for
// concurrent use and tolerate being called before initialization.
type Metrics interface {
	RecordRPC(ctx context.Context, connector, method string, duration time.Duration, err error)
	RecordQueueWait(ctx context.Context, connector string, wait time.Duration)
	RecordQueueRejection(ctx context.Context, connector, reason string)
	RecordHTTPRequest(ctx context.Context, method, path string, statusCode int, duration time.Duration, respSize int64)
	RecordSessionOpened(ctx context.Context, connector, origin string)

	// Handler serves the scrape endpoint.
	Handler() http.Handler
}

// PrometheusMetrics implements Metrics on OpenTelemetry instruments backed
// by the Prometheus exporter. The zero value is a valid no-op recorder.
type PrometheusMetrics struct {
	meterProvider *sdkmetric.MeterProvider

	rpcDuration     metric.Float64Histogram
	rpcTotal        metric.Int64Counter
	rpcErrors       metric.Int64Counter
	queueWait       metric.Float64Histogram
	queueRejections metric.Int64Counter
	httpDuration    metric.Float64Histogram
	httpRequests    metric.Int64Counter
	sessionsOpened  metric.Int64Counter
}

func (m *PrometheusMetrics) RecordRPC(ctx context.Context, connector, method string, duration time.Duration, err error) {
	if m == nil || m.rpcDuration == nil || m.rpcTotal == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("connector", connector),
		attribute.String("method", method),
	}

	m.rpcDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	m.rpcTotal.Add(ctx, 1, metric.WithAttributes(attrs...))

	if err != nil && m.rpcErrors != nil {
		m.rpcErrors.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

func (m *PrometheusMetrics) RecordQueueWait(ctx context.Context, connector string, wait time.Duration) {
	if m == nil || m.queueWait == nil {
		return
	}

	m.queueWait.Record(ctx, wait.Seconds(), metric.WithAttributes(
		attribute.String("connector", connector),
	))
}

func (m *PrometheusMetrics) RecordQueueRejection(ctx context.Context, connector, reason string) {
	if m == nil || m.queueRejections == nil {
		return
	}

	m.queueRejections.Add(ctx, 1, metric.WithAttributes(
		attribute.String("connector", connector),
		attribute.String("reason", reason),
	))
}

func (m *PrometheusMetrics) RecordHTTPRequest(ctx context.Context, method, path string, statusCode int, duration time.Duration, respSize int64) {
	if m == nil || m.httpDuration == nil || m.httpRequests == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("method", method),
		attribute.String("path", path),
		attribute.Int("status", statusCode),
	}

	m.httpDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	m.httpRequests.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (m *PrometheusMetrics) RecordSessionOpened(ctx context.Context, connector, origin string) {
	if m == nil || m.sessionsOpened == nil {
		return
	}

	m.sessionsOpened.Add(ctx, 1, metric.WithAttributes(
		attribute.String("connector", connector),
		attribute.String("origin", origin),
	))
}

// Handler serves the default Prometheus registry, which the otel exporter
// registers its collector with.
func (m *PrometheusMetrics) Handler() http.Handler {
	if m == nil || m.meterProvider == nil {
		return NoopMetrics{}.Handler()
	}
	return promhttp.Handler()
}

// Shutdown flushes and stops the meter provider.
func (m *PrometheusMetrics) Shutdown(ctx context.Context) error {
	if m == nil || m.meterProvider == nil {
		return nil
	}
	return m.meterProvider.Shutdown(ctx)
}

// SetGlobalMetrics installs the process-wide recorder.
func SetGlobalMetrics(m Metrics) {
	metricsMu.Lock()
	defer metricsMu.Unlock()
	globalMetrics = m
}

// GetGlobalMetrics returns the process-wide recorder, never nil.
func GetGlobalMetrics() Metrics {
	metricsMu.RLock()
	defer metricsMu.RUnlock()
	if globalMetrics == nil {
		return NoopMetrics{}
	}
	return globalMetrics
}
