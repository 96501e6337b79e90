package registry

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/proofshell/pfs/pkg/config"
	"github.com/proofshell/pfs/pkg/store"
)

func testStore(t *testing.T) *store.Store {
	t.Helper()
	pool := store.NewPool()
	t.Cleanup(func() { _ = pool.Close() })

	s, err := store.Open(pool, filepath.Join(t.TempDir(), "events.db"))
	require.NoError(t, err)
	return s
}

func TestSyncCreatesTargets(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	cfg := &config.Config{
		Version: 1,
		Connectors: []*config.ConnectorConfig{{
			ID: "echo",
			Transport: config.TransportConfig{
				Type:    config.TransportStdio,
				Command: "./echo-server",
				Args:    []string{"--fast"},
				Env:     map[string]string{"KEY": "value"},
			},
		}},
		Agents: []*config.AgentConfig{{
			ID:         "planner",
			URL:        "https://planner.example.com/a2a",
			TTLSeconds: 3600,
		}},
	}
	require.NoError(t, Sync(ctx, s, cfg))

	conn, err := s.GetTarget(ctx, "echo")
	require.NoError(t, err)
	assert.Equal(t, store.TargetConnector, conn.Type)
	assert.Equal(t, store.ProtocolMCP, conn.Protocol)
	assert.True(t, conn.Enabled)
	assert.Equal(t, "./echo-server", conn.Config["command"])

	agent, err := s.GetTarget(ctx, "planner")
	require.NoError(t, err)
	assert.Equal(t, store.TargetAgent, agent.Type)
	assert.Equal(t, store.ProtocolA2A, agent.Protocol)
	assert.Equal(t, "https://planner.example.com/a2a", agent.Config["url"])
}

func TestSyncKeepsManualDisable(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	cfg := &config.Config{
		Version: 1,
		Connectors: []*config.ConnectorConfig{{
			ID:        "echo",
			Transport: config.TransportConfig{Type: config.TransportStdio, Command: "./echo"},
		}},
	}
	require.NoError(t, Sync(ctx, s, cfg))
	require.NoError(t, s.SetTargetEnabled(ctx, "echo", false))

	// Re-sync with the same document; the manual disable sticks.
	require.NoError(t, Sync(ctx, s, cfg))

	got, err := s.GetTarget(ctx, "echo")
	require.NoError(t, err)
	assert.False(t, got.Enabled)
}
