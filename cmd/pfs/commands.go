package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"golang.org/x/term"

	pfs "github.com/proofshell/pfs"
	"github.com/proofshell/pfs/pkg/a2a"
	"github.com/proofshell/pfs/pkg/config"
	"github.com/proofshell/pfs/pkg/gateway"
	"github.com/proofshell/pfs/pkg/logger"
	"github.com/proofshell/pfs/pkg/mcp"
	"github.com/proofshell/pfs/pkg/proxy"
	"github.com/proofshell/pfs/pkg/refs"
	"github.com/proofshell/pfs/pkg/registry"
	"github.com/proofshell/pfs/pkg/retention"
	"github.com/proofshell/pfs/pkg/store"
)

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	fmt.Println(pfs.GetVersion().String())
	return nil
}

// ViewCmd shows recorded events, newest first, or one session's timeline
// when a reference is given.
type ViewCmd struct {
	Ref string `arg:"" optional:"" help:"Session prefix, @last, @rpc:<id>, or @ref:<name>."`

	Errors    bool          `help:"Only events whose RPC failed."`
	Method    string        `help:"Filter by RPC method (substring)."`
	Connector string        `help:"Filter by connector id."`
	Since     time.Duration `help:"Only events newer than this age (e.g. 1h)."`
	Limit     int           `help:"Maximum events to show." default:"50"`
}

func (c *ViewCmd) Run(cli *CLI) error {
	ctx, cancel := signalContext()
	defer cancel()

	a, err := openApp(ctx, cli)
	if err != nil {
		return err
	}
	defer a.Close()

	filter := store.EventFilter{
		ErrorsOnly:  c.Errors,
		MethodLike:  c.Method,
		ConnectorID: c.Connector,
		Limit:       c.Limit,
	}
	if c.Since > 0 {
		filter.Since = time.Now().Add(-c.Since)
	}

	if c.Ref != "" {
		resolved, err := refs.New(a.store).Resolve(ctx, c.Ref, refs.Context{})
		if err != nil {
			return err
		}
		switch resolved.Kind {
		case refs.KindSession, refs.KindRPC, refs.KindToolCall, refs.KindContext:
			filter.SessionID = resolved.SessionID
		case refs.KindConnector:
			filter.ConnectorID = resolved.ConnectorID
		default:
			return fmt.Errorf("reference %s resolves to a %s, not something viewable", c.Ref, resolved.Kind)
		}
	}

	events, err := a.store.RecentEvents(ctx, filter)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tSESSION\tSEQ\tDIR\tKIND\tSUMMARY")
	for _, ev := range events {
		dir := "->"
		if ev.Direction == store.ServerToClient {
			dir = "<-"
		}
		fmt.Fprintf(w, "%s\t%.8s\t%d\t%s\t%s\t%s\n",
			ev.TS.Local().Format("15:04:05"), ev.SessionID, ev.Seq, dir, ev.Kind, ev.Summary)
	}
	return w.Flush()
}

// LogCmd shows the proxy runtime state and log tail.
type LogCmd struct {
	Lines int `short:"n" help:"Log lines to show." default:"50"`
}

func (c *LogCmd) Run(cli *CLI) error {
	ctx, cancel := signalContext()
	defer cancel()

	a, err := openApp(ctx, cli)
	if err != nil {
		return err
	}
	defer a.Close()

	st, err := proxy.ReadState(a.paths.RuntimeState())
	switch {
	case err == proxy.ErrNoState:
		fmt.Println("proxy: never started")
	case err != nil:
		return err
	case st.Alive(time.Now()):
		fmt.Printf("proxy: running (pid %d, %d connectors, up since %s)\n",
			st.PID, len(st.Connectors), st.StartedAt.Local().Format(time.RFC3339))
	default:
		fmt.Printf("proxy: not running (last state %s, heartbeat %s)\n",
			st.State, st.Heartbeat.Local().Format(time.RFC3339))
	}

	ring, err := proxy.NewLogRing(a.paths.ProxyLog(), a.cfg.Proxy.LogMaxLines, slog.LevelDebug)
	if err != nil {
		return err
	}
	lines, err := ring.Tail(c.Lines)
	if err != nil {
		return err
	}
	for _, line := range lines {
		fmt.Println(line)
	}
	return nil
}

// ToolCmd groups tool operations.
type ToolCmd struct {
	Ls   ToolLsCmd   `cmd:"" help:"List a connector's tools."`
	Show ToolShowCmd `cmd:"" help:"Show one tool's schema."`
	Call ToolCallCmd `cmd:"" help:"Call a tool."`
}

// connectorTarget resolves a connector id for tool operations.
func connectorTarget(a *app, id string) (*store.Target, error) {
	target, err := a.store.GetTarget(a.ctx, id)
	if err != nil {
		return nil, err
	}
	if target.Type != store.TargetConnector {
		return nil, fmt.Errorf("%s is a %s, not a connector", id, target.Type)
	}
	return target, nil
}

type ToolLsCmd struct {
	Connector string `arg:"" help:"Connector id."`
}

func (c *ToolLsCmd) Run(cli *CLI) error {
	ctx, cancel := signalContext()
	defer cancel()

	a, err := openApp(ctx, cli)
	if err != nil {
		return err
	}
	defer a.Close()

	target, err := connectorTarget(a, c.Connector)
	if err != nil {
		return err
	}

	tools, err := mcp.NewToolClient(a.store, a.paths.Dir).ListTools(ctx, target)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TOOL\tDESCRIPTION")
	for _, tool := range tools {
		fmt.Fprintf(w, "%s\t%s\n", tool.Name, tool.Description)
	}
	return w.Flush()
}

type ToolShowCmd struct {
	Connector string `arg:"" help:"Connector id."`
	Tool      string `arg:"" help:"Tool name."`
}

func (c *ToolShowCmd) Run(cli *CLI) error {
	ctx, cancel := signalContext()
	defer cancel()

	a, err := openApp(ctx, cli)
	if err != nil {
		return err
	}
	defer a.Close()

	target, err := connectorTarget(a, c.Connector)
	if err != nil {
		return err
	}

	tools, err := mcp.NewToolClient(a.store, a.paths.Dir).ListTools(ctx, target)
	if err != nil {
		return err
	}
	for _, tool := range tools {
		if tool.Name != c.Tool {
			continue
		}
		fmt.Printf("%s: %s\n", tool.Name, tool.Description)
		schema, err := json.MarshalIndent(tool.InputSchema, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(schema))
		return nil
	}
	return fmt.Errorf("connector %s has no tool %q", c.Connector, c.Tool)
}

type ToolCallCmd struct {
	Connector string `arg:"" help:"Connector id."`
	Tool      string `arg:"" help:"Tool name."`
	Args      string `help:"Tool arguments as a JSON object." default:"{}"`
}

func (c *ToolCallCmd) Run(cli *CLI) error {
	ctx, cancel := signalContext()
	defer cancel()

	a, err := openApp(ctx, cli)
	if err != nil {
		return err
	}
	defer a.Close()

	target, err := connectorTarget(a, c.Connector)
	if err != nil {
		return err
	}

	var args map[string]any
	if err := json.Unmarshal([]byte(c.Args), &args); err != nil {
		return fmt.Errorf("--args must be a JSON object: %w", err)
	}

	result, err := mcp.NewToolClient(a.store, a.paths.Dir).CallTool(ctx, target, c.Tool, args)
	if err != nil {
		return err
	}

	var texts []string
	for _, block := range result.Content {
		if block.Text != "" {
			texts = append(texts, block.Text)
		}
	}
	out := strings.Join(texts, "\n")
	if result.IsError {
		return fmt.Errorf("tool failed: %s", out)
	}
	fmt.Println(out)
	return nil
}

// SendCmd sends one message to an A2A agent and prints the resulting task.
type SendCmd struct {
	Agent    string `arg:"" help:"Agent id (prefix accepted)."`
	Text     string `arg:"" help:"Message text."`
	Blocking bool   `help:"Ask the agent to block until the task settles."`
}

func (c *SendCmd) Run(cli *CLI) error {
	ctx, cancel := signalContext()
	defer cancel()

	a, err := openApp(ctx, cli)
	if err != nil {
		return err
	}
	defer a.Close()

	client, err := a2a.NewCardCache(a.store).CreateClient(ctx, c.Agent)
	if err != nil {
		return err
	}

	task, err := client.SendMessage(ctx, a2a.TextMessage(c.Text),
		&a2a.SendConfiguration{Blocking: c.Blocking})
	if err != nil {
		return err
	}

	out, err := json.MarshalIndent(task, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

// TargetsCmd groups target registry operations.
type TargetsCmd struct {
	Ls      TargetsLsCmd      `cmd:"" help:"List registered targets."`
	Enable  TargetsEnableCmd  `cmd:"" help:"Enable a target."`
	Disable TargetsDisableCmd `cmd:"" help:"Disable a target."`
	Rm      TargetsRmCmd      `cmd:"" help:"Remove a target."`
}

type TargetsLsCmd struct{}

func (c *TargetsLsCmd) Run(cli *CLI) error {
	ctx, cancel := signalContext()
	defer cancel()

	a, err := openApp(ctx, cli)
	if err != nil {
		return err
	}
	defer a.Close()

	targets, err := a.store.ListTargets(ctx, store.TargetFilter{})
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTYPE\tPROTOCOL\tENABLED\tNAME")
	for _, t := range targets {
		fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%s\n", t.ID, t.Type, t.Protocol, t.Enabled, t.Name)
	}
	return w.Flush()
}

type TargetsEnableCmd struct {
	ID string `arg:"" help:"Target id."`
}

func (c *TargetsEnableCmd) Run(cli *CLI) error {
	return setTargetEnabled(cli, c.ID, true)
}

type TargetsDisableCmd struct {
	ID string `arg:"" help:"Target id."`
}

func (c *TargetsDisableCmd) Run(cli *CLI) error {
	return setTargetEnabled(cli, c.ID, false)
}

func setTargetEnabled(cli *CLI, id string, enabled bool) error {
	ctx, cancel := signalContext()
	defer cancel()

	a, err := openApp(ctx, cli)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.store.SetTargetEnabled(ctx, id, enabled); err != nil {
		return err
	}
	state := "disabled"
	if enabled {
		state = "enabled"
	}
	fmt.Printf("%s %s\n", id, state)
	return nil
}

type TargetsRmCmd struct {
	ID string `arg:"" help:"Target id."`
}

func (c *TargetsRmCmd) Run(cli *CLI) error {
	ctx, cancel := signalContext()
	defer cancel()

	a, err := openApp(ctx, cli)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.store.DeleteTarget(ctx, c.ID); err != nil {
		return err
	}
	fmt.Printf("%s removed\n", c.ID)
	return nil
}

// ImportCmd registers connectors from a definition file: Claude-Desktop
// style mcpServers maps, a single connector object, or an array of them.
type ImportCmd struct {
	File string `arg:"" help:"Definition file." type:"path"`
}

func (c *ImportCmd) Run(cli *CLI) error {
	ctx, cancel := signalContext()
	defer cancel()

	a, err := openApp(ctx, cli)
	if err != nil {
		return err
	}
	defer a.Close()

	data, err := os.ReadFile(c.File)
	if err != nil {
		return err
	}
	connectors, err := config.ParseImport(data)
	if err != nil {
		return err
	}

	if err := registry.Sync(ctx, a.store, &config.Config{Connectors: connectors}); err != nil {
		return err
	}
	fmt.Printf("imported %d connectors\n", len(connectors))
	return nil
}

// PruneCmd enforces the configured retention policy.
type PruneCmd struct{}

func (c *PruneCmd) Run(cli *CLI) error {
	ctx, cancel := signalContext()
	defer cancel()

	a, err := openApp(ctx, cli)
	if err != nil {
		return err
	}
	defer a.Close()

	report, err := retention.New(a.store, a.cfg, logger.GetLogger()).Run(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("sessions deleted: %d\n", report.SessionsDeleted)
	fmt.Printf("payloads cleared: %d\n", report.PayloadsCleared)
	fmt.Printf("vacuumed: %t\n", report.Vacuumed)
	return nil
}

// TokenCmd groups gateway token helpers.
type TokenCmd struct {
	Hash TokenHashCmd `cmd:"" help:"Hash a bearer token for config.yaml."`
}

type TokenHashCmd struct{}

func (c *TokenHashCmd) Run() error {
	var token string
	if term.IsTerminal(int(os.Stdin.Fd())) {
		fmt.Fprint(os.Stderr, "Token: ")
		raw, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return err
		}
		token = string(raw)
	} else {
		if _, err := fmt.Fscanln(os.Stdin, &token); err != nil {
			return err
		}
	}

	token = strings.TrimSpace(token)
	if token == "" {
		return fmt.Errorf("empty token")
	}
	fmt.Println(gateway.HashToken(token))
	return nil
}
