// Package registry keeps the targets table in step with the configuration
// document. Config import is how targets are born: every connector becomes
// a type=connector/protocol=mcp row and every agent a type=agent/
// protocol=a2a row, with the transport or URL settings carried in the
// opaque config column.
package registry

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/proofshell/pfs/pkg/config"
	"github.com/proofshell/pfs/pkg/store"
)

// Sync upserts one target per configured connector and agent. Manually
// toggled enabled flags survive a re-sync; everything else follows the
// document. Targets no longer present in config are left alone (removal
// is an explicit operation).
func Sync(ctx context.Context, s *store.Store, cfg *config.Config) error {
	for _, conn := range cfg.Connectors {
		if conn == nil {
			continue
		}
		t := &store.Target{
			ID:       conn.ID,
			Type:     store.TargetConnector,
			Protocol: store.ProtocolMCP,
			Name:     conn.Name,
			Enabled:  conn.IsEnabled(),
			Config:   connectorConfig(conn),
		}
		if err := s.SyncTarget(ctx, t, true); err != nil {
			return fmt.Errorf("sync connector %s: %w", conn.ID, err)
		}
	}

	for _, agent := range cfg.Agents {
		if agent == nil {
			continue
		}
		t := &store.Target{
			ID:       agent.ID,
			Type:     store.TargetAgent,
			Protocol: store.ProtocolA2A,
			Name:     agent.Name,
			Enabled:  agent.IsEnabled(),
			Config:   agentConfig(agent),
		}
		if err := s.SyncTarget(ctx, t, true); err != nil {
			return fmt.Errorf("sync agent %s: %w", agent.ID, err)
		}
	}

	slog.Debug("Synced targets from config",
		"connectors", len(cfg.Connectors), "agents", len(cfg.Agents))
	return nil
}

func connectorConfig(conn *config.ConnectorConfig) map[string]any {
	cfg := map[string]any{
		"type":    string(conn.Transport.Type),
		"command": conn.Transport.Command,
	}
	if len(conn.Transport.Args) > 0 {
		cfg["args"] = conn.Transport.Args
	}
	if len(conn.Transport.Env) > 0 {
		cfg["env"] = conn.Transport.Env
	}
	if conn.Transport.Cwd != "" {
		cfg["cwd"] = conn.Transport.Cwd
	}
	if conn.Transport.URL != "" {
		cfg["url"] = conn.Transport.URL
	}
	return cfg
}

func agentConfig(agent *config.AgentConfig) map[string]any {
	cfg := map[string]any{}
	if agent.URL != "" {
		cfg["url"] = agent.URL
	}
	if agent.TTLSeconds > 0 {
		cfg["ttl_seconds"] = agent.TTLSeconds
	}
	return cfg
}
