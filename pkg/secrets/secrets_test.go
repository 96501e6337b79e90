package secrets

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mapBackend map[string]string

func (m mapBackend) Lookup(key string) (string, error) {
	v, ok := m[key]
	if !ok {
		return "", fmt.Errorf("key %s not found", key)
	}
	return v, nil
}

func TestLiteralsPassThrough(t *testing.T) {
	env, refs, err := ResolveEnv(map[string]string{
		"PORT": "8080",
		"MODE": "fast",
	}, "echo", t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, 0, refs)
	assert.Equal(t, "8080", env["PORT"])
	assert.Equal(t, "fast", env["MODE"])
}

func TestEnvReference(t *testing.T) {
	t.Setenv("PFS_TEST_TOKEN", "tok-123")

	env, refs, err := ResolveEnv(map[string]string{
		"TOKEN": "env:PFS_TEST_TOKEN",
	}, "echo", t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, 1, refs)
	assert.Equal(t, "tok-123", env["TOKEN"])
}

func TestFileReferenceTrimsTrailingNewline(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secret.txt")
	require.NoError(t, os.WriteFile(path, []byte("s3cret\n"), 0o600))

	env, refs, err := ResolveEnv(map[string]string{
		"KEY": "file:" + path,
	}, "echo", t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, 1, refs)
	assert.Equal(t, "s3cret", env["KEY"])
}

func TestDotenvReference(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("API_KEY=from-dotenv\n"), 0o600))

	env, refs, err := ResolveEnv(map[string]string{
		"A": "dotenv:API_KEY",
	}, "echo", dir)
	require.NoError(t, err)
	assert.Equal(t, 1, refs)
	assert.Equal(t, "from-dotenv", env["A"])
}

func TestBackendReference(t *testing.T) {
	RegisterBackend("vault-test", mapBackend{"db/password": "hunter2"})

	env, refs, err := ResolveEnv(map[string]string{
		"DB_PASSWORD": "secret://vault-test/db/password",
	}, "echo", t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, 1, refs)
	assert.Equal(t, "hunter2", env["DB_PASSWORD"])
}

func TestUnknownBackend(t *testing.T) {
	_, _, err := ResolveEnv(map[string]string{
		"X": "secret://nope/key",
	}, "echo", t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown secret backend")
}

func TestDpapiUnsupportedOffWindows(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("dpapi is only rejected off Windows")
	}
	_, _, err := ResolveEnv(map[string]string{
		"X": "dpapi:AQAAANCMnd8=",
	}, "echo", t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), runtime.GOOS)
}

func TestAllFailuresReportedTogether(t *testing.T) {
	_, _, err := ResolveEnv(map[string]string{
		"A":     "env:PFS_DEFINITELY_UNSET_1",
		"B":     "env:PFS_DEFINITELY_UNSET_2",
		"OK":    "literal",
		"ALSOK": "literal2",
	}, "echo", t.TempDir())
	require.Error(t, err)

	var re *ResolveError
	require.True(t, errors.As(err, &re))
	assert.Equal(t, "echo", re.ConnectorID)
	assert.Len(t, re.Failures, 2)
	assert.Contains(t, re.Failures, "A")
	assert.Contains(t, re.Failures, "B")
}

func TestNothingPartialOnFailure(t *testing.T) {
	env, refs, err := ResolveEnv(map[string]string{
		"GOOD": "literal",
		"BAD":  "env:PFS_DEFINITELY_UNSET_3",
	}, "echo", t.TempDir())
	require.Error(t, err)
	assert.Nil(t, env)
	assert.Equal(t, 0, refs)
}
