// Command pfs is the CLI for the pfs control plane.
//
// Usage:
//
//	pfs serve                  # aggregating MCP proxy on stdio
//	pfs gateway                # HTTP gateway
//	pfs view --errors          # recent recorded events
//	pfs tool call echo add --args '{"a":1,"b":2}'
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"

	"github.com/proofshell/pfs/pkg/config"
	"github.com/proofshell/pfs/pkg/logger"
	"github.com/proofshell/pfs/pkg/store"
)

// CLI defines the command-line interface.
type CLI struct {
	Version VersionCmd `cmd:"" help:"Show version information."`
	Serve   ServeCmd   `cmd:"" help:"Run the aggregating MCP proxy on stdio."`
	Gateway GatewayCmd `cmd:"" help:"Run the HTTP gateway."`
	View    ViewCmd    `cmd:"" help:"Show recorded events."`
	Log     LogCmd     `cmd:"" help:"Show proxy status and log tail."`
	Tool    ToolCmd    `cmd:"" help:"List, inspect, and call connector tools."`
	Send    SendCmd    `cmd:"" help:"Send a message to an A2A agent."`
	Targets TargetsCmd `cmd:"" help:"Manage registered targets."`
	Import  ImportCmd  `cmd:"" help:"Import connector definitions."`
	Prune   PruneCmd   `cmd:"" help:"Enforce the retention policy."`
	Token   TokenCmd   `cmd:"" help:"Gateway token helpers."`

	ConfigDir string `name:"config-dir" help:"Config directory (default: $PFS_HOME or ~/.pfs)." type:"path"`
	LogLevel  string `help:"Log level (debug, info, warn, error)." default:"info"`
	LogFormat string `help:"Log format (simple, verbose, json)." default:"simple"`
}

// app bundles what most commands need: the resolved config directory, the
// loaded (or defaulted) config document, and the open event store.
type app struct {
	ctx   context.Context
	paths config.Paths
	cfg   *config.Config
	pool  *store.Pool
	store *store.Store

	loader *config.Loader
}

func (a *app) Close() {
	if a.loader != nil {
		_ = a.loader.Close()
	}
	if a.pool != nil {
		_ = a.pool.Close()
	}
}

// openApp resolves the config directory, loads config.yaml when present,
// and opens the event store.
func openApp(ctx context.Context, cli *CLI) (*app, error) {
	dir := cli.ConfigDir
	if dir == "" {
		var err error
		dir, err = config.DefaultDir()
		if err != nil {
			return nil, err
		}
	}

	paths, err := config.NewPaths(dir)
	if err != nil {
		return nil, err
	}
	_ = config.LoadDotEnv(dir)

	a := &app{ctx: ctx, paths: paths}

	if _, err := os.Stat(paths.ConfigFile()); err == nil {
		cfg, loader, err := config.LoadConfigFile(ctx, paths.ConfigFile())
		if err != nil {
			return nil, err
		}
		a.cfg = cfg
		a.loader = loader
	} else {
		a.cfg = &config.Config{}
		a.cfg.SetDefaults()
	}

	a.pool = store.NewPool()
	a.store, err = store.Open(a.pool, paths.EventsDB())
	if err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

// signalContext cancels on SIGINT/SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()
	return ctx, cancel
}

func main() {
	cli := CLI{}
	ctx := kong.Parse(&cli,
		kong.Name("pfs"),
		kong.Description("pfs - observability and control plane for MCP/A2A endpoints"),
		kong.UsageOnError(),
	)

	level, err := logger.ParseLevel(cli.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logger.Init(level, os.Stderr, cli.LogFormat)

	err = ctx.Run(&cli)
	ctx.FatalIfErrorf(err)
}
