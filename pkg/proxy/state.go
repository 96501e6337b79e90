package proxy

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"
)

const (
	// StateSchemaVersion is bumped when the state file shape changes.
	StateSchemaVersion = 1

	// HeartbeatInterval is how often a running proxy refreshes the state
	// file.
	HeartbeatInterval = 5 * time.Second

	// StalenessBound is the heartbeat age past which a RUNNING state is
	// considered dead.
	StalenessBound = 30 * time.Second

	StateRunning = "RUNNING"
	StateStopped = "STOPPED"
)

// ErrNoState reports a missing state file.
var ErrNoState = errors.New("no runtime state file")

// ConnectorSummary is one connector's entry in the runtime state.
type ConnectorSummary struct {
	ID      string `json:"id"`
	Name    string `json:"name,omitempty"`
	Enabled bool   `json:"enabled"`
	Tools   int    `json:"tools,omitempty"`
}

// ClientStats tracks one initialized client.
type ClientStats struct {
	Name            string    `json:"name"`
	ProtocolVersion string    `json:"protocol_version,omitempty"`
	Sessions        int       `json:"sessions"`
	ConnectedAt     time.Time `json:"connected_at"`
}

// State is the proxy runtime state document.
type State struct {
	SchemaVersion int                     `json:"schema_version"`
	State         string                  `json:"state"`
	PID           int                     `json:"pid"`
	StartedAt     time.Time               `json:"started_at"`
	Heartbeat     time.Time               `json:"heartbeat"`
	Connectors    []ConnectorSummary      `json:"connectors,omitempty"`
	Clients       map[string]*ClientStats `json:"clients,omitempty"`
	LogBufferSize int                     `json:"log_buffer_size,omitempty"`
}

// WriteState persists the state atomically: a temp file in the same
// directory is renamed over the target, so readers never see a torn
// document.
func WriteState(path string, st *State) error {
	st.SchemaVersion = StateSchemaVersion

	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".proxy-state-*")
	if err != nil {
		return fmt.Errorf("create temp state: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp state: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename state: %w", err)
	}
	return nil
}

// ReadState loads the state file.
func ReadState(path string) (*State, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, ErrNoState
	}
	if err != nil {
		return nil, fmt.Errorf("read state: %w", err)
	}

	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("decode state: %w", err)
	}
	return &st, nil
}

// Alive reports whether the state describes a live proxy: RUNNING, the
// pid still exists, and the heartbeat is within the staleness bound.
func (st *State) Alive(now time.Time) bool {
	if st.State != StateRunning {
		return false
	}
	if now.Sub(st.Heartbeat) > StalenessBound {
		return false
	}
	return pidExists(st.PID)
}

// pidExists probes the process with signal 0.
func pidExists(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	return err == nil || errors.Is(err, syscall.EPERM)
}
