package proxy

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogRingAppendsJSONL(t *testing.T) {
	path := filepath.Join(t.TempDir(), "proxy-logs.jsonl")
	ring, err := NewLogRing(path, 100, slog.LevelInfo)
	require.NoError(t, err)

	log := slog.New(ring)
	log.Info("client initialized", "client", "inspector")
	log.Debug("dropped below level")
	log.Warn("connector listing failed", "connector", "broken")

	assert.Equal(t, 2, ring.Len())

	lines, err := ring.Tail(0)
	require.NoError(t, err)
	require.Len(t, lines, 2)

	var entry map[string]string
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &entry))
	assert.Equal(t, "WARN", entry["level"])
	assert.Equal(t, "connector listing failed", entry["msg"])
	assert.Equal(t, "broken", entry["connector"])
	assert.NotEmpty(t, entry["ts"])
}

func TestLogRingCompactsPastBound(t *testing.T) {
	path := filepath.Join(t.TempDir(), "proxy-logs.jsonl")
	ring, err := NewLogRing(path, 10, slog.LevelInfo)
	require.NoError(t, err)

	log := slog.New(ring)
	for i := 0; i < 25; i++ {
		log.Info(fmt.Sprintf("line %d", i))
	}

	assert.LessOrEqual(t, ring.Len(), 10)

	lines, err := ring.Tail(0)
	require.NoError(t, err)
	require.NotEmpty(t, lines)

	// The newest entry always survives compaction.
	var last map[string]string
	require.NoError(t, json.Unmarshal([]byte(lines[len(lines)-1]), &last))
	assert.Equal(t, "line 24", last["msg"])
}

func TestLogRingDerivedHandlerSharesCounter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "proxy-logs.jsonl")
	ring, err := NewLogRing(path, 100, slog.LevelInfo)
	require.NoError(t, err)

	derived := slog.New(ring).With("connector", "echo")
	derived.Info("one")
	derived.Info("two")
	derived.Info("three")

	// Records through a With-derived handler count against the parent.
	assert.Equal(t, 3, ring.Len())

	lines, err := ring.Tail(1)
	require.NoError(t, err)
	require.Len(t, lines, 1)

	var entry map[string]string
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "three", entry["msg"])
	assert.Equal(t, "echo", entry["connector"])
}

func TestLogRingDerivedHandlerCompacts(t *testing.T) {
	path := filepath.Join(t.TempDir(), "proxy-logs.jsonl")
	ring, err := NewLogRing(path, 5, slog.LevelInfo)
	require.NoError(t, err)

	parent := slog.New(ring)
	derived := parent.With("session", "s1")
	for i := 0; i < 10; i++ {
		if i%2 == 0 {
			parent.Info(fmt.Sprintf("line %d", i))
		} else {
			derived.Info(fmt.Sprintf("line %d", i))
		}
	}

	// Interleaved parent and derived writes respect the same bound.
	assert.LessOrEqual(t, ring.Len(), 5)

	lines, err := ring.Tail(0)
	require.NoError(t, err)
	require.NotEmpty(t, lines)
	assert.Contains(t, lines[len(lines)-1], "line 9")
}

func TestLogRingReopensExistingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "proxy-logs.jsonl")

	first, err := NewLogRing(path, 100, slog.LevelInfo)
	require.NoError(t, err)
	slog.New(first).Info("before restart")

	second, err := NewLogRing(path, 100, slog.LevelInfo)
	require.NoError(t, err)
	assert.Equal(t, 1, second.Len())

	slog.New(second).Info("after restart")
	lines, err := second.Tail(1)
	require.NoError(t, err)
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], "after restart")
}

func TestLogRingTailBound(t *testing.T) {
	path := filepath.Join(t.TempDir(), "proxy-logs.jsonl")
	ring, err := NewLogRing(path, 100, slog.LevelInfo)
	require.NoError(t, err)

	log := slog.New(ring)
	log.Info("one")
	log.Info("two")
	log.Info("three")

	lines, err := ring.Tail(2)
	require.NoError(t, err)
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "two")
	assert.Contains(t, lines[1], "three")
}
