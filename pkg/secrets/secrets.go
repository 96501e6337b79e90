// Package secrets resolves secret references in connector environment
// maps before a child process is spawned. A value is either a literal,
// passed through untouched, or a reference in one of the recognized
// syntaxes:
//
//	env:NAME              process environment variable
//	file:PATH             file contents, trailing newline trimmed
//	dotenv:KEY            key from <configDir>/.env
//	secret://backend/key  registered in-process backend
//	dpapi:...             Windows DPAPI blob (unsupported elsewhere)
//
// Resolution is all-or-nothing: any failing reference aborts the spawn
// and no partially resolved environment escapes.
package secrets

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"

	"github.com/joho/godotenv"
)

// Backend answers secret://<name>/<key> lookups.
type Backend interface {
	Lookup(key string) (string, error)
}

var (
	backendsMu sync.RWMutex
	backends   = map[string]Backend{}
)

// RegisterBackend installs a named backend for secret:// references.
// Registering a name twice replaces the earlier backend.
func RegisterBackend(name string, b Backend) {
	backendsMu.Lock()
	defer backendsMu.Unlock()
	backends[name] = b
}

func lookupBackend(name string) (Backend, bool) {
	backendsMu.RLock()
	defer backendsMu.RUnlock()
	b, ok := backends[name]
	return b, ok
}

// ResolveError reports every key that failed to resolve, so an operator
// can fix all of them in one pass.
type ResolveError struct {
	ConnectorID string
	Failures    map[string]error
}

func (e *ResolveError) Error() string {
	keys := make([]string, 0, len(e.Failures))
	for k := range e.Failures {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	fmt.Fprintf(&b, "failed to resolve %d secret reference(s) for connector %s:", len(e.Failures), e.ConnectorID)
	for _, k := range keys {
		fmt.Fprintf(&b, "\n  %s: %v", k, e.Failures[k])
	}
	return b.String()
}

// ResolveEnv resolves every reference in env. It returns the resolved
// environment and the number of values that were secret references (the
// session's secret_ref_count). Literal values are copied through.
func ResolveEnv(env map[string]string, connectorID, configDir string) (map[string]string, int, error) {
	if len(env) == 0 {
		return map[string]string{}, 0, nil
	}

	resolved := make(map[string]string, len(env))
	failures := map[string]error{}
	refs := 0

	var dotenvVals map[string]string
	var dotenvErr error
	dotenvLoaded := false
	loadDotenv := func() (map[string]string, error) {
		if !dotenvLoaded {
			dotenvLoaded = true
			dotenvVals, dotenvErr = godotenv.Read(filepath.Join(configDir, ".env"))
		}
		return dotenvVals, dotenvErr
	}

	for key, value := range env {
		val, isRef, err := resolveValue(value, loadDotenv)
		if err != nil {
			failures[key] = err
			continue
		}
		if isRef {
			refs++
		}
		resolved[key] = val
	}

	if len(failures) > 0 {
		return nil, 0, &ResolveError{ConnectorID: connectorID, Failures: failures}
	}
	return resolved, refs, nil
}

func resolveValue(value string, loadDotenv func() (map[string]string, error)) (string, bool, error) {
	switch {
	case strings.HasPrefix(value, "env:"):
		name := strings.TrimPrefix(value, "env:")
		v, ok := os.LookupEnv(name)
		if !ok {
			return "", true, fmt.Errorf("environment variable %s is not set", name)
		}
		return v, true, nil

	case strings.HasPrefix(value, "file:"):
		path := strings.TrimPrefix(value, "file:")
		data, err := os.ReadFile(path)
		if err != nil {
			return "", true, fmt.Errorf("read %s: %w", path, err)
		}
		return strings.TrimRight(string(data), "\r\n"), true, nil

	case strings.HasPrefix(value, "dotenv:"):
		key := strings.TrimPrefix(value, "dotenv:")
		vals, err := loadDotenv()
		if err != nil {
			return "", true, fmt.Errorf("load .env: %w", err)
		}
		v, ok := vals[key]
		if !ok {
			return "", true, fmt.Errorf("key %s not found in .env", key)
		}
		return v, true, nil

	case strings.HasPrefix(value, "secret://"):
		rest := strings.TrimPrefix(value, "secret://")
		name, key, ok := strings.Cut(rest, "/")
		if !ok || name == "" || key == "" {
			return "", true, fmt.Errorf("malformed secret reference %q (want secret://backend/key)", value)
		}
		b, found := lookupBackend(name)
		if !found {
			return "", true, fmt.Errorf("unknown secret backend %q", name)
		}
		v, err := b.Lookup(key)
		if err != nil {
			return "", true, fmt.Errorf("backend %s: %w", name, err)
		}
		return v, true, nil

	case strings.HasPrefix(value, "dpapi:"):
		if runtime.GOOS != "windows" {
			return "", true, fmt.Errorf("dpapi references are not supported on %s", runtime.GOOS)
		}
		return "", true, fmt.Errorf("dpapi decryption is not available in this build")

	default:
		return value, false, nil
	}
}
