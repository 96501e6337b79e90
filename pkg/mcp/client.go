package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mitchellh/mapstructure"

	"github.com/proofshell/pfs/pkg/jsonrpc"
	"github.com/proofshell/pfs/pkg/secrets"
	"github.com/proofshell/pfs/pkg/store"
	"github.com/proofshell/pfs/pkg/transport"
)

// DefaultRequestTimeout bounds one upstream request inside a session.
const DefaultRequestTimeout = 30 * time.Second

// ToolClient performs one-shot MCP operations: each call spawns the
// connector, runs the initialize handshake, issues the request, and tears
// the session down again. Every frame is recorded to the event store.
type ToolClient struct {
	store      *store.Store
	configDir  string
	logger     *slog.Logger
	timeout    time.Duration
	clientInfo mcp.Implementation
	actor      *store.Actor
}

// ToolClientOption configures a ToolClient.
type ToolClientOption func(*ToolClient)

// WithLogger sets the client logger.
func WithLogger(l *slog.Logger) ToolClientOption {
	return func(c *ToolClient) { c.logger = l }
}

// WithRequestTimeout overrides the per-request deadline.
func WithRequestTimeout(d time.Duration) ToolClientOption {
	return func(c *ToolClient) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithActor attributes opened sessions to an actor.
func WithActor(a *store.Actor) ToolClientOption {
	return func(c *ToolClient) { c.actor = a }
}

// NewToolClient builds a client recording into s. configDir locates the
// .env file consulted by secret resolution.
func NewToolClient(s *store.Store, configDir string, opts ...ToolClientOption) *ToolClient {
	c := &ToolClient{
		store:      s,
		configDir:  configDir,
		logger:     slog.Default(),
		timeout:    DefaultRequestTimeout,
		clientInfo: mcp.Implementation{Name: "pfs", Version: "1"},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// stdioSettings is the decoded shape of a connector target's config.
type stdioSettings struct {
	Type    string            `mapstructure:"type"`
	Command string            `mapstructure:"command"`
	Args    []string          `mapstructure:"args"`
	Env     map[string]string `mapstructure:"env"`
	Cwd     string            `mapstructure:"cwd"`
}

// ToolResult is the content half of a tools/call response.
type ToolResult struct {
	Content []ContentBlock `json:"content"`
	IsError bool           `json:"isError,omitempty"`
}

// ContentBlock is one tools/call content item. Only text blocks are
// interpreted; other types keep their raw fields.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// ListTools opens a session against the connector and returns its tool
// catalog.
func (c *ToolClient) ListTools(ctx context.Context, target *store.Target) ([]mcp.Tool, error) {
	raw, err := c.Do(ctx, target, "tools/list", struct{}{})
	if err != nil {
		return nil, err
	}

	var result struct {
		Tools []mcp.Tool `json:"tools"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("connector %s: decode tools/list: %w", target.ID, err)
	}
	return result.Tools, nil
}

// CallTool invokes one tool by its upstream (non-namespaced) name.
func (c *ToolClient) CallTool(ctx context.Context, target *store.Target, name string, args map[string]any) (*ToolResult, error) {
	params := map[string]any{"name": name}
	if args != nil {
		params["arguments"] = args
	}

	raw, err := c.Do(ctx, target, "tools/call", params)
	if err != nil {
		return nil, err
	}

	var result ToolResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("connector %s: decode tools/call: %w", target.ID, err)
	}
	return &result, nil
}

// ListResources returns the connector's resource catalog.
func (c *ToolClient) ListResources(ctx context.Context, target *store.Target) (json.RawMessage, error) {
	return c.Do(ctx, target, "resources/list", struct{}{})
}

// ReadResource reads one resource by URI.
func (c *ToolClient) ReadResource(ctx context.Context, target *store.Target, uri string) (json.RawMessage, error) {
	return c.Do(ctx, target, "resources/read", map[string]any{"uri": uri})
}

// Do runs one arbitrary method through a fresh session:
// connect → initialize → notifications/initialized → method → close.
// The session is closed and its exit reason recorded on every return
// path, including panics.
func (c *ToolClient) Do(ctx context.Context, target *store.Target, method string, params any) (result json.RawMessage, err error) {
	if target.Type != store.TargetConnector {
		return nil, fmt.Errorf("target %s is not a connector", target.ID)
	}
	if !target.Enabled {
		return nil, fmt.Errorf("connector %s is disabled", target.ID)
	}

	var settings stdioSettings
	if decErr := decodeStdio(target.Config, &settings); decErr != nil {
		return nil, fmt.Errorf("connector %s: %w", target.ID, decErr)
	}
	if settings.Type != "" && settings.Type != "stdio" {
		return nil, fmt.Errorf("connector %s: transport %q is not implemented", target.ID, settings.Type)
	}
	if settings.Command == "" {
		return nil, fmt.Errorf("connector %s: no command configured", target.ID)
	}

	env, refCount, err := secrets.ResolveEnv(settings.Env, target.ID, c.configDir)
	if err != nil {
		return nil, err
	}

	sess, err := c.store.CreateSession(ctx, target.ID, target.ID, c.actor)
	if err != nil {
		return nil, err
	}
	if refCount > 0 {
		if err := c.store.AddSecretRefs(ctx, sess.SessionID, refCount); err != nil {
			c.logger.Warn("failed to count secret refs", "session", sess.SessionID, "error", err)
		}
	}

	rec := newRecorder(c.store, sess.SessionID, c.logger)
	t := transport.New(transport.Config{
		Command: settings.Command,
		Args:    settings.Args,
		Env:     env,
		Cwd:     settings.Cwd,
	}, transport.WithFrameFunc(rec.observe), transport.WithLogger(c.logger))

	// Close on every path; the exit reason mirrors how we got out.
	reason := store.ExitError
	defer func() {
		_ = t.Close()
		endCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if endErr := c.store.EndSession(endCtx, sess.SessionID, reason); endErr != nil {
			c.logger.Warn("failed to end session", "session", sess.SessionID, "error", endErr)
		}
	}()

	if err := t.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connector %s: %w", target.ID, err)
	}

	if err := c.initialize(ctx, t); err != nil {
		return nil, fmt.Errorf("connector %s: %w", target.ID, err)
	}

	resp, err := t.SendRequest(ctx, method, params, c.timeout)
	if err != nil {
		if ctx.Err() != nil {
			reason = store.ExitKilled
		}
		return nil, fmt.Errorf("connector %s: %s: %w", target.ID, method, err)
	}
	if resp.Error != nil {
		reason = store.ExitNormal
		return nil, fmt.Errorf("connector %s: %w", target.ID, resp.Error)
	}

	reason = store.ExitNormal
	return resp.Result, nil
}

// initialize runs the MCP handshake on a fresh connection.
func (c *ToolClient) initialize(ctx context.Context, t *transport.Stdio) error {
	params := map[string]any{
		"protocolVersion": ProtocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo":      c.clientInfo,
	}

	resp, err := t.SendRequest(ctx, "initialize", params, c.timeout)
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	if resp.Error != nil {
		return fmt.Errorf("initialize: %w", resp.Error)
	}

	if err := t.SendNotification(ctx, "notifications/initialized", nil); err != nil {
		return fmt.Errorf("notifications/initialized: %w", err)
	}
	return nil
}

// Text concatenates the text blocks of a result.
func (r *ToolResult) Text() string {
	out := ""
	for _, block := range r.Content {
		if block.Type == "text" {
			out += block.Text
		}
	}
	return out
}

func decodeStdio(cfg map[string]any, out *stdioSettings) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return fmt.Errorf("build decoder: %w", err)
	}
	if err := decoder.Decode(cfg); err != nil {
		return fmt.Errorf("decode connector config: %w", err)
	}
	return nil
}

// UpstreamError recovers the JSON-RPC error behind err, if any.
func UpstreamError(err error) (*jsonrpc.Error, bool) {
	var rpcErr *jsonrpc.Error
	if errors.As(err, &rpcErr) {
		return rpcErr, true
	}
	return nil, false
}
