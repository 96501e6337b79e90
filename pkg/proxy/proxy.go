package proxy

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	mcptypes "github.com/mark3labs/mcp-go/mcp"
	"golang.org/x/sync/errgroup"

	"github.com/proofshell/pfs/pkg/jsonrpc"
	"github.com/proofshell/pfs/pkg/mcp"
	"github.com/proofshell/pfs/pkg/store"
)

// Error codes carried in error.data.code on the local proxy surface.
const (
	ErrCodeMethodNotFound    = "MCP_ERROR.METHOD_NOT_FOUND"
	ErrCodeInvalidParams     = "MCP_ERROR.INVALID_PARAMS"
	ErrCodeInvalidToolName   = "MCP_ERROR.INVALID_TOOL_NAME"
	ErrCodeUnknownConnector  = "MCP_ERROR.UNKNOWN_CONNECTOR"
	ErrCodeConnectorDisabled = "MCP_ERROR.CONNECTOR_DISABLED"
	ErrCodeUpstream          = "MCP_ERROR.UPSTREAM"
	ErrCodeResourceNotFound  = "MCP_ERROR.RESOURCE_NOT_FOUND"
)

// uiTokenTTL bounds a ui/initialize session token.
const uiTokenTTL = 10 * time.Minute

// Upstream performs MCP operations against one connector. Satisfied by
// mcp.ToolClient.
type Upstream interface {
	ListTools(ctx context.Context, target *store.Target) ([]mcptypes.Tool, error)
	CallTool(ctx context.Context, target *store.Target, name string, args map[string]any) (*mcp.ToolResult, error)
	ListResources(ctx context.Context, target *store.Target) (json.RawMessage, error)
	ReadResource(ctx context.Context, target *store.Target, uri string) (json.RawMessage, error)
}

// Proxy is the aggregating JSON-RPC endpoint over stdio.
type Proxy struct {
	store    *store.Store
	upstream Upstream
	logger   *slog.Logger
	version  string

	statePath string
	logRing   *LogRing

	mu        sync.Mutex
	startedAt time.Time
	clients   map[string]*ClientStats
	uiTokens  map[string]time.Time
	toolCount map[string]int
}

// Option configures a Proxy.
type Option func(*Proxy)

// WithLogger sets the proxy logger. It must write to stderr or the log
// ring; stdout carries protocol frames only.
func WithLogger(l *slog.Logger) Option {
	return func(p *Proxy) { p.logger = l }
}

// WithStatePath enables runtime state writes at path.
func WithStatePath(path string) Option {
	return func(p *Proxy) { p.statePath = path }
}

// WithLogRing reports the ring's size in runtime state.
func WithLogRing(r *LogRing) Option {
	return func(p *Proxy) { p.logRing = r }
}

// WithVersion sets the serverInfo version string.
func WithVersion(v string) Option {
	return func(p *Proxy) { p.version = v }
}

// New builds a proxy over the store's connector registry.
func New(s *store.Store, upstream Upstream, opts ...Option) *Proxy {
	p := &Proxy{
		store:     s,
		upstream:  upstream,
		logger:    slog.Default(),
		version:   "dev",
		clients:   make(map[string]*ClientStats),
		uiTokens:  make(map[string]time.Time),
		toolCount: make(map[string]int),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Serve reads line-delimited JSON-RPC requests from r and writes responses
// to w until r is exhausted or ctx is cancelled. Runtime state is written
// on start, refreshed every heartbeat interval, and marked STOPPED on the
// way out.
func (p *Proxy) Serve(ctx context.Context, r io.Reader, w io.Writer) error {
	p.mu.Lock()
	p.startedAt = time.Now().UTC()
	p.mu.Unlock()

	p.writeState(StateRunning)
	stopHeartbeat := p.startHeartbeat(ctx)
	defer func() {
		stopHeartbeat()
		p.writeState(StateStopped)
	}()

	var writeMu sync.Mutex
	respond := func(msg *jsonrpc.Message) {
		data, err := msg.Encode()
		if err != nil {
			p.logger.Error("failed to encode response", "error", err)
			return
		}
		writeMu.Lock()
		defer writeMu.Unlock()
		fmt.Fprintf(w, "%s\n", data)
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 16<<20)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := scanner.Bytes()
		if len(strings.TrimSpace(string(line))) == 0 {
			continue
		}

		msg, err := jsonrpc.Parse(line)
		if err != nil {
			respond(jsonrpc.NewErrorResponse(nil,
				jsonrpc.NewError(jsonrpc.CodeParseError, "Parse error", nil)))
			continue
		}

		switch msg.Kind() {
		case jsonrpc.KindRequest:
			respond(p.handle(ctx, msg))
		case jsonrpc.KindNotification:
			// notifications/initialized and cancellations need no answer
		default:
			respond(jsonrpc.NewErrorResponse(msg.ID,
				jsonrpc.NewError(jsonrpc.CodeInvalidRequest, "Invalid Request", nil)))
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read stdin: %w", err)
	}
	return nil
}

func (p *Proxy) handle(ctx context.Context, msg *jsonrpc.Message) *jsonrpc.Message {
	switch msg.Method {
	case "initialize":
		return p.handleInitialize(msg)
	case "ping":
		return p.result(msg, map[string]any{})
	case "tools/list":
		return p.handleToolsList(ctx, msg)
	case "tools/call":
		return p.handleToolsCall(ctx, msg)
	case "resources/list":
		return p.handleResourcesList(ctx, msg)
	case "resources/read":
		return p.handleResourcesRead(ctx, msg)
	case "ui/initialize":
		return p.handleUIInitialize(msg)
	default:
		return p.errorResponse(msg, jsonrpc.CodeMethodNotFound,
			fmt.Sprintf("Method not found: %s", msg.Method), ErrCodeMethodNotFound)
	}
}

func (p *Proxy) handleInitialize(msg *jsonrpc.Message) *jsonrpc.Message {
	var params struct {
		ProtocolVersion string `json:"protocolVersion"`
		ClientInfo      struct {
			Name    string `json:"name"`
			Version string `json:"version"`
		} `json:"clientInfo"`
	}
	_ = json.Unmarshal(msg.Params, &params)

	name := params.ClientInfo.Name
	if name == "" {
		name = "unknown"
	}

	p.mu.Lock()
	client, ok := p.clients[name]
	if !ok {
		client = &ClientStats{Name: name, ConnectedAt: time.Now().UTC()}
		p.clients[name] = client
	}
	client.ProtocolVersion = params.ProtocolVersion
	client.Sessions++
	p.mu.Unlock()

	p.logger.Info("client initialized", "client", name, "protocol_version", params.ProtocolVersion)

	return p.result(msg, map[string]any{
		"protocolVersion": mcp.ProtocolVersion,
		"capabilities": map[string]any{
			"tools":     map[string]any{},
			"resources": map[string]any{},
		},
		"serverInfo": map[string]any{"name": "pfs-proxy", "version": p.version},
	})
}

// handleToolsList aggregates the catalogs of every enabled connector.
// A failing connector is logged and omitted; the call itself succeeds.
func (p *Proxy) handleToolsList(ctx context.Context, msg *jsonrpc.Message) *jsonrpc.Message {
	targets, err := p.connectors(ctx)
	if err != nil {
		return p.errorResponse(msg, jsonrpc.CodeInternalError, err.Error(), ErrCodeUpstream)
	}

	var mu sync.Mutex
	tools := make([]mcptypes.Tool, 0)

	g, gctx := errgroup.WithContext(ctx)
	for _, target := range targets {
		target := target
		g.Go(func() error {
			upstream, err := p.upstream.ListTools(gctx, target)
			if err != nil {
				p.logger.Warn("connector listing failed", "connector", target.ID, "error", err)
				p.setToolCount(target.ID, 0)
				return nil
			}
			p.setToolCount(target.ID, len(upstream))

			mu.Lock()
			for _, tool := range upstream {
				tool.Name = JoinName(target.ID, tool.Name)
				tools = append(tools, tool)
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(tools, func(i, j int) bool { return tools[i].Name < tools[j].Name })
	return p.result(msg, map[string]any{"tools": tools})
}

func (p *Proxy) handleToolsCall(ctx context.Context, msg *jsonrpc.Message) *jsonrpc.Message {
	var params struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	}
	if err := json.Unmarshal(msg.Params, &params); err != nil || params.Name == "" {
		return p.errorResponse(msg, jsonrpc.CodeInvalidParams, "Invalid params", ErrCodeInvalidParams)
	}

	connectorID, tool, err := ParseName(params.Name)
	if err != nil {
		return p.errorResponse(msg, jsonrpc.CodeInvalidParams, err.Error(), ErrCodeInvalidToolName)
	}

	target, err := p.store.GetTarget(ctx, connectorID)
	if err != nil || target.Type != store.TargetConnector {
		return p.errorResponse(msg, jsonrpc.CodeInvalidParams,
			fmt.Sprintf("Unknown connector: %s", connectorID), ErrCodeUnknownConnector)
	}
	if !target.Enabled {
		return p.errorResponse(msg, jsonrpc.CodeInvalidParams,
			fmt.Sprintf("Connector is disabled: %s", connectorID), ErrCodeConnectorDisabled)
	}

	args := p.stripBridge(params.Arguments, msg.IDString())

	result, err := p.upstream.CallTool(ctx, target, tool, args)
	if err != nil {
		if rpcErr, ok := mcp.UpstreamError(err); ok {
			return p.errorResponse(msg, rpcErr.Code, rpcErr.Message, ErrCodeUpstream)
		}
		return p.errorResponse(msg, jsonrpc.CodeInternalError, err.Error(), ErrCodeUpstream)
	}

	p.logger.Info("tool call completed",
		"connector", connectorID, "tool", tool, "rpc_id", msg.IDString(), "is_error", result.IsError)
	return p.result(msg, result)
}

func (p *Proxy) handleResourcesList(ctx context.Context, msg *jsonrpc.Message) *jsonrpc.Message {
	targets, err := p.connectors(ctx)
	if err != nil {
		return p.errorResponse(msg, jsonrpc.CodeInternalError, err.Error(), ErrCodeUpstream)
	}

	var mu sync.Mutex
	resources := make([]map[string]any, 0)

	g, gctx := errgroup.WithContext(ctx)
	for _, target := range targets {
		target := target
		g.Go(func() error {
			raw, err := p.upstream.ListResources(gctx, target)
			if err != nil {
				p.logger.Warn("connector resource listing failed", "connector", target.ID, "error", err)
				return nil
			}
			var result struct {
				Resources []map[string]any `json:"resources"`
			}
			if err := json.Unmarshal(raw, &result); err != nil {
				p.logger.Warn("connector resource listing undecodable", "connector", target.ID, "error", err)
				return nil
			}

			mu.Lock()
			for _, res := range result.Resources {
				if name, ok := res["name"].(string); ok && name != "" {
					res["name"] = JoinName(target.ID, name)
				}
				res["connector"] = target.ID
				resources = append(resources, res)
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(resources, func(i, j int) bool {
		ni, _ := resources[i]["name"].(string)
		nj, _ := resources[j]["name"].(string)
		return ni < nj
	})
	return p.result(msg, map[string]any{"resources": resources})
}

func (p *Proxy) handleResourcesRead(ctx context.Context, msg *jsonrpc.Message) *jsonrpc.Message {
	var params struct {
		URI       string `json:"uri"`
		Connector string `json:"connector"`
	}
	if err := json.Unmarshal(msg.Params, &params); err != nil || params.URI == "" {
		return p.errorResponse(msg, jsonrpc.CodeInvalidParams, "Invalid params", ErrCodeInvalidParams)
	}

	var targets []*store.Target
	if params.Connector != "" {
		target, err := p.store.GetTarget(ctx, params.Connector)
		if err != nil || target.Type != store.TargetConnector {
			return p.errorResponse(msg, jsonrpc.CodeInvalidParams,
				fmt.Sprintf("Unknown connector: %s", params.Connector), ErrCodeUnknownConnector)
		}
		if !target.Enabled {
			return p.errorResponse(msg, jsonrpc.CodeInvalidParams,
				fmt.Sprintf("Connector is disabled: %s", params.Connector), ErrCodeConnectorDisabled)
		}
		targets = []*store.Target{target}
	} else {
		var err error
		targets, err = p.connectors(ctx)
		if err != nil {
			return p.errorResponse(msg, jsonrpc.CodeInternalError, err.Error(), ErrCodeUpstream)
		}
	}

	for _, target := range targets {
		raw, err := p.upstream.ReadResource(ctx, target, params.URI)
		if err != nil {
			continue
		}
		return p.rawResult(msg, raw)
	}
	return p.errorResponse(msg, jsonrpc.CodeInvalidParams,
		fmt.Sprintf("Resource not found: %s", params.URI), ErrCodeResourceNotFound)
}

// handleUIInitialize mints a short-lived session token for UI-originated
// calls. The token travels back in a _bridge envelope, which the proxy
// strips (audit-only) before forwarding upstream.
func (p *Proxy) handleUIInitialize(msg *jsonrpc.Message) *jsonrpc.Message {
	token := uuid.NewString()
	expires := time.Now().UTC().Add(uiTokenTTL)

	p.mu.Lock()
	for t, exp := range p.uiTokens {
		if time.Now().After(exp) {
			delete(p.uiTokens, t)
		}
	}
	p.uiTokens[token] = expires
	p.mu.Unlock()

	p.logger.Info("ui session opened", "expires_at", expires.Format(time.RFC3339))
	return p.result(msg, map[string]any{
		"sessionToken": token,
		"expiresAt":    expires.Format(time.RFC3339),
	})
}

// stripBridge removes the _bridge envelope from tool arguments and logs
// the carried session token for the audit trail.
func (p *Proxy) stripBridge(args map[string]any, rpcID string) map[string]any {
	if args == nil {
		return nil
	}
	bridge, ok := args["_bridge"]
	if !ok {
		return args
	}

	token := ""
	if env, ok := bridge.(map[string]any); ok {
		token, _ = env["sessionToken"].(string)
	}

	p.mu.Lock()
	_, known := p.uiTokens[token]
	p.mu.Unlock()
	p.logger.Info("stripped ui bridge envelope", "rpc_id", rpcID, "token_known", known)

	clean := make(map[string]any, len(args)-1)
	for k, v := range args {
		if k != "_bridge" {
			clean[k] = v
		}
	}
	return clean
}

func (p *Proxy) connectors(ctx context.Context) ([]*store.Target, error) {
	targets, err := p.store.ListTargets(ctx, store.TargetFilter{
		Type:        store.TargetConnector,
		EnabledOnly: true,
	})
	if err != nil {
		return nil, fmt.Errorf("list connectors: %w", err)
	}
	return targets, nil
}

func (p *Proxy) setToolCount(connectorID string, n int) {
	p.mu.Lock()
	p.toolCount[connectorID] = n
	p.mu.Unlock()
}

func (p *Proxy) result(msg *jsonrpc.Message, result any) *jsonrpc.Message {
	resp, err := jsonrpc.NewResponse(msg.ID, result)
	if err != nil {
		return p.errorResponse(msg, jsonrpc.CodeInternalError, err.Error(), ErrCodeUpstream)
	}
	return resp
}

func (p *Proxy) rawResult(msg *jsonrpc.Message, raw json.RawMessage) *jsonrpc.Message {
	return &jsonrpc.Message{JSONRPC: jsonrpc.Version, ID: msg.ID, Result: raw}
}

func (p *Proxy) errorResponse(msg *jsonrpc.Message, code int, message, dataCode string) *jsonrpc.Message {
	return jsonrpc.NewErrorResponse(msg.ID,
		jsonrpc.NewError(code, message, map[string]string{"code": dataCode}))
}

// startHeartbeat refreshes the state file until ctx ends or the returned
// stop function runs.
func (p *Proxy) startHeartbeat(ctx context.Context) func() {
	if p.statePath == "" {
		return func() {}
	}

	done := make(chan struct{})
	var once sync.Once
	stop := func() { once.Do(func() { close(done) }) }

	go func() {
		ticker := time.NewTicker(HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				p.writeState(StateRunning)
			case <-ctx.Done():
				return
			case <-done:
				return
			}
		}
	}()
	return stop
}

// writeState snapshots the proxy into the runtime state file.
func (p *Proxy) writeState(state string) {
	if p.statePath == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var summaries []ConnectorSummary
	if targets, err := p.store.ListTargets(ctx, store.TargetFilter{Type: store.TargetConnector}); err == nil {
		for _, t := range targets {
			p.mu.Lock()
			tools := p.toolCount[t.ID]
			p.mu.Unlock()
			summaries = append(summaries, ConnectorSummary{
				ID: t.ID, Name: t.Name, Enabled: t.Enabled, Tools: tools,
			})
		}
	}

	p.mu.Lock()
	clients := make(map[string]*ClientStats, len(p.clients))
	for name, c := range p.clients {
		copied := *c
		clients[name] = &copied
	}
	startedAt := p.startedAt
	p.mu.Unlock()

	logLines := 0
	if p.logRing != nil {
		logLines = p.logRing.Len()
	}

	st := &State{
		State:         state,
		PID:           os.Getpid(),
		StartedAt:     startedAt,
		Heartbeat:     time.Now().UTC(),
		Connectors:    summaries,
		Clients:       clients,
		LogBufferSize: logLines,
	}
	if err := WriteState(p.statePath, st); err != nil {
		p.logger.Warn("failed to write runtime state", "error", err)
	}
}
