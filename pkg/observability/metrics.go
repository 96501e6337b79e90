package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// InitMetrics builds the meter provider with a Prometheus reader and
// creates the pfs instrument set. Disabled metrics yield an empty
// PrometheusMetrics whose Record* methods are no-ops.
func InitMetrics(ctx context.Context, cfg MetricsConfig) (*PrometheusMetrics, error) {
	if !cfg.Enabled {
		return &PrometheusMetrics{}, nil
	}

	promExporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(promExporter),
	)

	meter := meterProvider.Meter("pfs")

	rpcDuration, err := meter.Float64Histogram(
		"pfs_rpc_duration_seconds",
		metric.WithDescription("Upstream RPC duration in seconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create rpc duration histogram: %w", err)
	}

	rpcTotal, err := meter.Int64Counter(
		"pfs_rpc_total",
		metric.WithDescription("Total upstream RPCs"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create rpc counter: %w", err)
	}

	rpcErrors, err := meter.Int64Counter(
		"pfs_rpc_errors_total",
		metric.WithDescription("Total upstream RPC errors"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create rpc errors counter: %w", err)
	}

	queueWait, err := meter.Float64Histogram(
		"pfs_queue_wait_seconds",
		metric.WithDescription("Time spent waiting in per-connector queues"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create queue wait histogram: %w", err)
	}

	queueRejections, err := meter.Int64Counter(
		"pfs_queue_rejections_total",
		metric.WithDescription("Dispatches rejected by full queues or deadlines"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create queue rejections counter: %w", err)
	}

	httpDuration, err := meter.Float64Histogram(
		"pfs_http_request_duration_seconds",
		metric.WithDescription("Gateway HTTP request duration in seconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create http duration histogram: %w", err)
	}

	httpRequests, err := meter.Int64Counter(
		"pfs_http_requests_total",
		metric.WithDescription("Total gateway HTTP requests"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create http requests counter: %w", err)
	}

	sessionsOpened, err := meter.Int64Counter(
		"pfs_sessions_opened_total",
		metric.WithDescription("Total recorded upstream sessions"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create sessions counter: %w", err)
	}

	return &PrometheusMetrics{
		meterProvider:   meterProvider,
		rpcDuration:     rpcDuration,
		rpcTotal:        rpcTotal,
		rpcErrors:       rpcErrors,
		queueWait:       queueWait,
		queueRejections: queueRejections,
		httpDuration:    httpDuration,
		httpRequests:    httpRequests,
		sessionsOpened:  sessionsOpened,
	}, nil
}
