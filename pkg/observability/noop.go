package observability

import (
	"context"
	"net/http"
	"time"
)

// NoopManager returns a Manager that records nothing.
func NoopManager() *Manager {
	return &Manager{}
}

// NoopMetrics is a metrics implementation that does nothing.
type NoopMetrics struct{}

func (NoopMetrics) RecordRPC(_ context.Context, _, _ string, _ time.Duration, _ error)          {}
func (NoopMetrics) RecordQueueWait(_ context.Context, _ string, _ time.Duration)                {}
func (NoopMetrics) RecordQueueRejection(_ context.Context, _, _ string)                         {}
func (NoopMetrics) RecordHTTPRequest(_ context.Context, _, _ string, _ int, _ time.Duration, _ int64) {
}
func (NoopMetrics) RecordSessionOpened(_ context.Context, _, _ string) {}

// Handler returns a handler that reports metrics as unavailable.
func (NoopMetrics) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("metrics not enabled"))
	})
}

var _ Metrics = NoopMetrics{}
