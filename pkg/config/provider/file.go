package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const (
	watchDebounce   = 100 * time.Millisecond
	rewatchInterval = 500 * time.Millisecond
	rewatchDeadline = 5 * time.Second
)

// FileProvider reads config from a local file. Watch follows the
// parent directory rather than the file itself, so editors that
// replace the file via rename keep the watch alive.
type FileProvider struct {
	path string

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	closed  bool
}

// NewFileProvider resolves path to an absolute one and wraps it.
func NewFileProvider(path string) (*FileProvider, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}
	return &FileProvider{path: abs}, nil
}

func (p *FileProvider) Type() Type { return TypeFile }

// Load reads the file.
func (p *FileProvider) Load(_ context.Context) ([]byte, error) {
	data, err := os.ReadFile(p.path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", p.path, err)
	}
	return data, nil
}

// Watch signals on the returned channel whenever the file changes.
// Bursts of writes coalesce into one signal; a deleted file is
// re-watched for a few seconds in case it comes back.
func (p *FileProvider) Watch(ctx context.Context) (<-chan struct{}, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, errors.New("provider closed")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	dir := filepath.Dir(p.path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}
	p.watcher = watcher

	ch := make(chan struct{}, 1)
	go p.watchLoop(ctx, watcher, ch)
	return ch, nil
}

// watchLoop is the single goroutine that owns ch. Debounce and the
// post-delete retry both run inside the loop so nothing else sends on
// the channel it eventually closes.
func (p *FileProvider) watchLoop(ctx context.Context, watcher *fsnotify.Watcher, ch chan struct{}) {
	defer close(ch)
	defer watcher.Close()

	debounce := newStoppedTimer()
	defer debounce.Stop()

	var retryC <-chan time.Time
	var retry *time.Ticker
	var retryUntil time.Time
	stopRetry := func() {
		if retry != nil {
			retry.Stop()
			retry, retryC = nil, nil
		}
	}
	defer stopRetry()

	for {
		select {
		case <-ctx.Done():
			return

		case <-debounce.C:
			signal(ch)

		case <-retryC:
			if _, err := os.Stat(p.path); err == nil {
				if watcher.Add(filepath.Dir(p.path)) == nil {
					slog.Info("config file restored", "path", p.path)
					stopRetry()
					signal(ch)
				}
				continue
			}
			if time.Now().After(retryUntil) {
				slog.Warn("config file did not come back", "path", p.path)
				stopRetry()
			}

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != filepath.Base(p.path) {
				continue
			}
			switch {
			case event.Has(fsnotify.Write), event.Has(fsnotify.Create):
				resetTimer(debounce, watchDebounce)
			case event.Has(fsnotify.Remove):
				slog.Warn("config file removed", "path", p.path)
				if retry == nil {
					retry = time.NewTicker(rewatchInterval)
					retryC = retry.C
					retryUntil = time.Now().Add(rewatchDeadline)
				}
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			slog.Error("config watcher error", "error", err)
		}
	}
}

// Close stops watching.
func (p *FileProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.closed = true
	if p.watcher != nil {
		err := p.watcher.Close()
		p.watcher = nil
		return err
	}
	return nil
}

func signal(ch chan<- struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

func newStoppedTimer() *time.Timer {
	t := time.NewTimer(time.Hour)
	if !t.Stop() {
		<-t.C
	}
	return t
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}

var _ Provider = (*FileProvider)(nil)
