package proxy

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// LogRing is an append-only JSONL log bounded to maxLines. It implements
// slog.Handler, so the proxy logger fans records out to stderr and to the
// ring at the same time. When the file grows past the bound it is
// compacted down to the newest maxLines via temp+rename.
//
// Handlers derived via WithAttrs carry their own attribute set but point
// at the same backing file state, so the lock and line counter stay
// shared across them.
type LogRing struct {
	attrs []slog.Attr
	file  *ringFile
}

// ringFile is the state common to a ring and all handlers derived from it.
type ringFile struct {
	path     string
	maxLines int
	minLevel slog.Level

	mu    sync.Mutex
	lines int
}

// NewLogRing opens (or creates) the ring at path. Existing lines count
// toward the bound.
func NewLogRing(path string, maxLines int, minLevel slog.Level) (*LogRing, error) {
	if maxLines <= 0 {
		maxLines = 2000
	}
	f := &ringFile{path: path, maxLines: maxLines, minLevel: minLevel}

	lines, err := countLines(path)
	if err != nil {
		return nil, err
	}
	f.lines = lines
	return &LogRing{file: f}, nil
}

// Len returns the current number of buffered lines.
func (r *LogRing) Len() int {
	r.file.mu.Lock()
	defer r.file.mu.Unlock()
	return r.file.lines
}

// Tail returns up to n newest entries as raw JSON lines, oldest first.
// n <= 0 returns everything.
func (r *LogRing) Tail(n int) ([]string, error) {
	r.file.mu.Lock()
	defer r.file.mu.Unlock()

	lines, err := readLines(r.file.path)
	if err != nil {
		return nil, err
	}
	if n > 0 && len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines, nil
}

func (r *LogRing) Enabled(_ context.Context, level slog.Level) bool {
	return level >= r.file.minLevel
}

func (r *LogRing) Handle(_ context.Context, record slog.Record) error {
	entry := map[string]any{
		"ts":    record.Time.UTC().Format(time.RFC3339Nano),
		"level": record.Level.String(),
		"msg":   record.Message,
	}
	for _, a := range r.attrs {
		entry[a.Key] = a.Value.String()
	}
	record.Attrs(func(a slog.Attr) bool {
		entry[a.Key] = a.Value.String()
		return true
	})

	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return r.file.append(data)
}

func (r *LogRing) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := append(append([]slog.Attr(nil), r.attrs...), attrs...)
	return &LogRing{attrs: merged, file: r.file}
}

func (r *LogRing) WithGroup(string) slog.Handler {
	return r
}

func (f *ringFile) append(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	out, err := os.OpenFile(f.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	_, werr := out.Write(append(data, '\n'))
	cerr := out.Close()
	if werr != nil {
		return werr
	}
	if cerr != nil {
		return cerr
	}

	f.lines++
	if f.lines > f.maxLines {
		return f.compactLocked()
	}
	return nil
}

// compactLocked rewrites the file keeping the newest maxLines.
func (f *ringFile) compactLocked() error {
	lines, err := readLines(f.path)
	if err != nil {
		return err
	}
	if len(lines) > f.maxLines {
		lines = lines[len(lines)-f.maxLines:]
	}

	tmp, err := os.CreateTemp(filepath.Dir(f.path), ".proxy-logs-*")
	if err != nil {
		return fmt.Errorf("create temp log: %w", err)
	}
	tmpName := tmp.Name()

	w := bufio.NewWriter(tmp)
	for _, line := range lines {
		fmt.Fprintln(w, line)
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, f.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename log: %w", err)
	}

	f.lines = len(lines)
	return nil
}

func countLines(path string) (int, error) {
	lines, err := readLines(path)
	if err != nil {
		return 0, err
	}
	return len(lines), nil
}

func readLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 4<<20)
	for scanner.Scan() {
		if len(scanner.Bytes()) > 0 {
			lines = append(lines, scanner.Text())
		}
	}
	return lines, scanner.Err()
}
