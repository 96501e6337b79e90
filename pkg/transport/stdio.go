// Package transport spawns upstream stdio processes and frames JSON-RPC
// over line-delimited JSON. One Stdio owns one child process for its whole
// lifetime; closing the transport always reaps the child.
package transport

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/proofshell/pfs/pkg/jsonrpc"
)

const (
	// DefaultMaxLineBytes bounds a single stdout line. Lines over the
	// bound fail the connection rather than exhaust memory.
	DefaultMaxLineBytes = 16 << 20

	// DefaultStartupGrace is how long Connect watches for an immediate
	// child exit before declaring the transport up.
	DefaultStartupGrace = 50 * time.Millisecond
)

// Frame is one framed JSON-RPC object crossing the transport, surfaced to
// the observer for event recording. Outbound frames travel client to
// server; inbound frames the other way.
type Frame struct {
	Outbound bool
	Raw      []byte
	Msg      *jsonrpc.Message
	Time     time.Time
}

// FrameFunc observes frames. It runs on the transport's goroutines and
// must not block.
type FrameFunc func(Frame)

// Config describes the child process behind a stdio transport.
type Config struct {
	Command string
	Args    []string
	Env     map[string]string
	Cwd     string
}

// Stdio is a JSON-RPC client over a child process's stdin/stdout. Stderr
// is drained and logged. Safe for concurrent use.
type Stdio struct {
	cfg          Config
	maxLineBytes int
	startupGrace time.Duration
	onFrame      FrameFunc
	logger       *slog.Logger

	mu     sync.Mutex
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	closed bool

	writeMu sync.Mutex

	reqMu   sync.Mutex
	pending map[int64]chan *jsonrpc.Message

	nextID int64

	done     chan struct{}
	doneOnce sync.Once
	exitErr  error
}

// Option configures a Stdio transport.
type Option func(*Stdio)

// WithMaxLineBytes overrides the stdout line bound.
func WithMaxLineBytes(n int) Option {
	return func(t *Stdio) {
		if n > 0 {
			t.maxLineBytes = n
		}
	}
}

// WithFrameFunc installs an observer for every framed object read or
// written.
func WithFrameFunc(fn FrameFunc) Option {
	return func(t *Stdio) { t.onFrame = fn }
}

// WithLogger sets the logger for stderr lines and transport diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(t *Stdio) { t.logger = l }
}

// WithStartupGrace overrides how long Connect watches for an immediate
// child exit.
func WithStartupGrace(d time.Duration) Option {
	return func(t *Stdio) {
		if d > 0 {
			t.startupGrace = d
		}
	}
}

// New builds a transport for the given child process description. The
// child is not spawned until Connect.
func New(cfg Config, opts ...Option) *Stdio {
	t := &Stdio{
		cfg:          cfg,
		maxLineBytes: DefaultMaxLineBytes,
		startupGrace: DefaultStartupGrace,
		logger:       slog.Default(),
		pending:      make(map[int64]chan *jsonrpc.Message),
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Connect spawns the child and wires stdin/stdout as the JSON-RPC channel.
// It fails when the child cannot start or exits within the startup grace.
func (t *Stdio) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return ErrTransportClosed
	}
	if t.cmd != nil {
		return fmt.Errorf("transport already connected")
	}

	cmd := exec.Command(t.cfg.Command, t.cfg.Args...)
	cmd.Env = mergeEnv(os.Environ(), t.cfg.Env)
	if t.cfg.Cwd != "" {
		cmd.Dir = t.cfg.Cwd
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("spawn %s: %w", t.cfg.Command, err)
	}

	t.cmd = cmd
	t.stdin = stdin

	go t.readStdout(stdout)
	go t.drainStderr(stderr)
	go t.monitor(cmd)

	select {
	case <-t.done:
		return fmt.Errorf("child exited during startup: %w", t.exitError())
	case <-ctx.Done():
		t.closeLocked()
		return ctx.Err()
	case <-time.After(t.startupGrace):
	}

	return nil
}

// PID returns the child process id, or 0 before Connect.
func (t *Stdio) PID() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cmd == nil || t.cmd.Process == nil {
		return 0
	}
	return t.cmd.Process.Pid
}

// Done is closed when the channel dies, whether by Close or child exit.
func (t *Stdio) Done() <-chan struct{} {
	return t.done
}

// Err reports why the channel died. Nil while alive and after a clean
// Close.
func (t *Stdio) Err() error {
	select {
	case <-t.done:
		return t.exitError()
	default:
		return nil
	}
}

// SendRequest writes one request frame and awaits the correlated response.
// Ids are assigned from a monotonically increasing counter. The deadline is
// the sooner of ctx and timeout; expiry yields ErrTimeout, channel death
// ErrTransportClosed.
func (t *Stdio) SendRequest(ctx context.Context, method string, params any, timeout time.Duration) (*jsonrpc.Message, error) {
	id := atomic.AddInt64(&t.nextID, 1)

	req, err := jsonrpc.NewRequest(jsonrpc.NumberID(id), method, params)
	if err != nil {
		return nil, err
	}

	ch := make(chan *jsonrpc.Message, 1)
	t.reqMu.Lock()
	t.pending[id] = ch
	t.reqMu.Unlock()
	defer func() {
		t.reqMu.Lock()
		delete(t.pending, id)
		t.reqMu.Unlock()
	}()

	if err := t.writeFrame(req); err != nil {
		return nil, err
	}

	var timer <-chan time.Time
	if timeout > 0 {
		tm := time.NewTimer(timeout)
		defer tm.Stop()
		timer = tm.C
	}

	select {
	case resp := <-ch:
		if resp == nil {
			return nil, ErrTransportClosed
		}
		return resp, nil
	case <-timer:
		return nil, fmt.Errorf("%s: %w", method, ErrTimeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.done:
		return nil, ErrTransportClosed
	}
}

// SendNotification writes one notification frame. Fire-and-forget.
func (t *Stdio) SendNotification(ctx context.Context, method string, params any) error {
	ntf, err := jsonrpc.NewNotification(method, params)
	if err != nil {
		return err
	}
	return t.writeFrame(ntf)
}

// Close terminates the child and releases all pending waiters with
// ErrTransportClosed. Idempotent; safe to call during startup.
func (t *Stdio) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closeLocked()
	return nil
}

func (t *Stdio) closeLocked() {
	if t.closed {
		return
	}
	t.closed = true

	if t.stdin != nil {
		_ = t.stdin.Close()
	}
	if t.cmd != nil && t.cmd.Process != nil {
		_ = t.cmd.Process.Kill()
	}
	t.fail(nil)
}

// fail marks the channel dead and wakes every pending waiter.
func (t *Stdio) fail(err error) {
	t.doneOnce.Do(func() {
		t.exitErr = err
		close(t.done)
	})

	t.reqMu.Lock()
	for id, ch := range t.pending {
		close(ch)
		delete(t.pending, id)
	}
	t.reqMu.Unlock()
}

func (t *Stdio) exitError() error {
	if t.exitErr != nil {
		return t.exitErr
	}
	return ErrTransportClosed
}

func (t *Stdio) writeFrame(msg *jsonrpc.Message) error {
	select {
	case <-t.done:
		return ErrTransportClosed
	default:
	}

	t.mu.Lock()
	stdin := t.stdin
	t.mu.Unlock()
	if stdin == nil {
		return ErrNotConnected
	}

	data, err := msg.Encode()
	if err != nil {
		return err
	}

	t.writeMu.Lock()
	_, err = stdin.Write(append(data, '\n'))
	t.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("write frame: %w", ErrTransportClosed)
	}

	t.observe(Frame{Outbound: true, Raw: data, Msg: msg, Time: time.Now()})
	return nil
}

func (t *Stdio) readStdout(stdout io.ReadCloser) {
	defer stdout.Close()

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), t.maxLineBytes)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		raw := append([]byte(nil), line...)

		msg, err := jsonrpc.Parse(raw)
		if err != nil {
			t.logger.Warn("dropping non-JSON stdout line", "command", t.cfg.Command, "error", err)
			continue
		}

		t.observe(Frame{Outbound: false, Raw: raw, Msg: msg, Time: time.Now()})

		if msg.Kind() == jsonrpc.KindResponse {
			t.dispatch(msg)
		}
	}

	if err := scanner.Err(); err != nil {
		if err == bufio.ErrTooLong {
			err = ErrLineTooLong
		}
		t.fail(err)
		return
	}
	// EOF: the monitor goroutine reports the exit status.
}

func (t *Stdio) dispatch(msg *jsonrpc.Message) {
	id, err := strconv.ParseInt(string(msg.ID), 10, 64)
	if err != nil {
		t.logger.Warn("response with non-numeric id", "id", msg.IDString())
		return
	}

	t.reqMu.Lock()
	ch, ok := t.pending[id]
	if ok {
		delete(t.pending, id)
	}
	t.reqMu.Unlock()

	if !ok {
		t.logger.Warn("response for unknown request id", "id", id)
		return
	}
	ch <- msg
}

func (t *Stdio) drainStderr(stderr io.ReadCloser) {
	defer stderr.Close()
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		if line := scanner.Text(); line != "" {
			t.logger.Debug("upstream stderr", "command", t.cfg.Command, "line", line)
		}
	}
}

// monitor reaps the child. Wait also closes the pipes, so it runs exactly
// once per spawn.
func (t *Stdio) monitor(cmd *exec.Cmd) {
	err := cmd.Wait()

	t.mu.Lock()
	clean := t.closed
	t.mu.Unlock()

	if clean || err == nil {
		t.fail(nil)
		return
	}
	t.fail(fmt.Errorf("child exited: %w", err))
}

func (t *Stdio) observe(f Frame) {
	if t.onFrame != nil {
		t.onFrame(f)
	}
}

func mergeEnv(base []string, extra map[string]string) []string {
	if len(extra) == 0 {
		return base
	}
	merged := append([]string(nil), base...)
	for k, v := range extra {
		merged = append(merged, k+"="+v)
	}
	return merged
}
