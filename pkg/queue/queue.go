// Package queue serializes work per connector. Each connector gets one
// worker and a bounded FIFO; connectors run concurrently with each other
// but never with themselves. Admission is immediate: a full queue rejects
// rather than blocks.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Admission errors.
var (
	ErrQueueFull = errors.New("queue_full: connector queue is at capacity")
	ErrTimeout   = errors.New("timeout: request deadline expired")
	ErrShutdown  = errors.New("queue manager is shut down")
)

// Handler is one unit of work. It must honor ctx: when the caller's
// deadline fires or the caller walks away, ctx is cancelled and the
// handler is expected to release its transport.
type Handler func(ctx context.Context) (any, error)

// Result carries the handler's value together with queue timing.
type Result struct {
	Value             any
	QueueWaitMs       int64
	UpstreamLatencyMs int64
}

// Manager owns one FIFO per connector.
type Manager struct {
	depth   int
	timeout time.Duration
	logger  *slog.Logger

	mu     sync.Mutex
	queues map[string]chan *job
	closed bool
	wg     sync.WaitGroup
}

type job struct {
	ctx      context.Context
	cancel   context.CancelFunc
	handler  Handler
	enqueued time.Time
	done     chan jobResult
}

type jobResult struct {
	value   any
	latency time.Duration
	err     error
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the manager logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// New builds a manager with the given per-connector queue depth and
// per-request timeout. A zero timeout leaves deadlines to the caller's
// context alone.
func New(depth int, timeout time.Duration, opts ...Option) *Manager {
	if depth <= 0 {
		depth = 1
	}
	m := &Manager{
		depth:   depth,
		timeout: timeout,
		logger:  slog.Default(),
		queues:  make(map[string]chan *job),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Enqueue submits work for a connector and waits for the outcome. A full
// queue fails immediately with ErrQueueFull. When the deadline expires
// while queued or in flight, the handler's context is cancelled and the
// caller gets ErrTimeout.
func (m *Manager) Enqueue(ctx context.Context, connectorID string, handler Handler) (*Result, error) {
	queue, err := m.queueFor(connectorID)
	if err != nil {
		return nil, err
	}

	if m.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.timeout)
		defer cancel()
	}
	jobCtx, jobCancel := context.WithCancel(ctx)

	j := &job{
		ctx:      jobCtx,
		cancel:   jobCancel,
		handler:  handler,
		enqueued: time.Now(),
		done:     make(chan jobResult, 1),
	}

	select {
	case queue <- j:
	default:
		jobCancel()
		return nil, fmt.Errorf("connector %s: %w", connectorID, ErrQueueFull)
	}

	select {
	case res := <-j.done:
		jobCancel()
		if res.err != nil {
			return nil, res.err
		}
		wait := time.Since(j.enqueued) - res.latency
		if wait < 0 {
			wait = 0
		}
		return &Result{
			Value:             res.value,
			QueueWaitMs:       wait.Milliseconds(),
			UpstreamLatencyMs: res.latency.Milliseconds(),
		}, nil
	case <-ctx.Done():
		// Cancel the in-flight (or still queued) handler and report why
		// the caller stopped waiting.
		jobCancel()
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("connector %s: %w", connectorID, ErrTimeout)
		}
		return nil, ctx.Err()
	}
}

// queueFor returns the connector's queue, spawning its worker on first
// use.
func (m *Manager) queueFor(connectorID string) (chan *job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrShutdown
	}
	if q, ok := m.queues[connectorID]; ok {
		return q, nil
	}

	q := make(chan *job, m.depth)
	m.queues[connectorID] = q
	m.wg.Add(1)
	go m.worker(connectorID, q)
	return q, nil
}

// worker drains one connector's queue with a concurrency of 1.
func (m *Manager) worker(connectorID string, queue chan *job) {
	defer m.wg.Done()

	for j := range queue {
		if j.ctx.Err() != nil {
			// Expired while queued; the enqueuer already went away.
			j.done <- jobResult{err: j.ctx.Err()}
			j.cancel()
			continue
		}

		started := time.Now()
		value, err := j.handler(j.ctx)
		j.done <- jobResult{value: value, latency: time.Since(started), err: err}
		j.cancel()
	}

	m.logger.Debug("queue worker stopped", "connector", connectorID)
}

// Shutdown stops intake, cancels queued work, and waits for workers to
// drain. Safe to call once; Enqueue after Shutdown fails with
// ErrShutdown.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	for _, q := range m.queues {
		close(q)
	}
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
