package proxy

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "proxy-runtime-state.json")

	now := time.Now().UTC().Truncate(time.Second)
	st := &State{
		State:     StateRunning,
		PID:       os.Getpid(),
		StartedAt: now.Add(-time.Minute),
		Heartbeat: now,
		Connectors: []ConnectorSummary{
			{ID: "echo", Name: "Echo tools", Enabled: true, Tools: 11},
		},
		Clients: map[string]*ClientStats{
			"inspector": {Name: "inspector", Sessions: 2, ConnectedAt: now},
		},
		LogBufferSize: 40,
	}
	require.NoError(t, WriteState(path, st))

	got, err := ReadState(path)
	require.NoError(t, err)
	assert.Equal(t, StateSchemaVersion, got.SchemaVersion)
	assert.Equal(t, StateRunning, got.State)
	assert.Equal(t, os.Getpid(), got.PID)
	require.Len(t, got.Connectors, 1)
	assert.Equal(t, 11, got.Connectors[0].Tools)
	assert.Equal(t, 2, got.Clients["inspector"].Sessions)
	assert.Equal(t, 40, got.LogBufferSize)

	// No leftover temp files from the atomic write.
	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestReadStateMissing(t *testing.T) {
	_, err := ReadState(filepath.Join(t.TempDir(), "proxy-runtime-state.json"))
	assert.ErrorIs(t, err, ErrNoState)
}

func TestAlive(t *testing.T) {
	now := time.Now()
	live := &State{State: StateRunning, PID: os.Getpid(), Heartbeat: now}
	assert.True(t, live.Alive(now))

	stale := &State{State: StateRunning, PID: os.Getpid(), Heartbeat: now.Add(-StalenessBound - time.Second)}
	assert.False(t, stale.Alive(now))

	stopped := &State{State: StateStopped, PID: os.Getpid(), Heartbeat: now}
	assert.False(t, stopped.Alive(now))

	noProcess := &State{State: StateRunning, PID: -1, Heartbeat: now}
	assert.False(t, noProcess.Alive(now))
}
