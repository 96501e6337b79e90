package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// Well-known file names inside the config directory.
const (
	ConfigFileName       = "config.yaml"
	EventsDBFileName     = "events.db"
	ProofsDBFileName     = "proofs.db"
	RuntimeStateFileName = "proxy-runtime-state.json"
	ProxyLogFileName     = "proxy-logs.jsonl"
)

// EnvHome overrides the default config directory when set.
const EnvHome = "PFS_HOME"

// DefaultDir resolves the config directory: $PFS_HOME when set, ~/.pfs
// otherwise.
func DefaultDir() (string, error) {
	if dir := os.Getenv(EnvHome); dir != "" {
		return dir, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to resolve home directory: %w", err)
	}
	return filepath.Join(home, ".pfs"), nil
}

// Paths locates the well-known files of one config directory.
type Paths struct {
	Dir string
}

// NewPaths builds Paths for a directory, creating it when missing.
func NewPaths(dir string) (Paths, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return Paths{}, fmt.Errorf("failed to create config dir %s: %w", dir, err)
	}
	return Paths{Dir: dir}, nil
}

func (p Paths) ConfigFile() string   { return filepath.Join(p.Dir, ConfigFileName) }
func (p Paths) EventsDB() string     { return filepath.Join(p.Dir, EventsDBFileName) }
func (p Paths) ProofsDB() string     { return filepath.Join(p.Dir, ProofsDBFileName) }
func (p Paths) RuntimeState() string { return filepath.Join(p.Dir, RuntimeStateFileName) }
func (p Paths) ProxyLog() string     { return filepath.Join(p.Dir, ProxyLogFileName) }
