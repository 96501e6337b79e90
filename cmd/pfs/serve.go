package main

import (
	"fmt"
	"log/slog"
	"os"

	pfs "github.com/proofshell/pfs"
	"github.com/proofshell/pfs/pkg/config"
	"github.com/proofshell/pfs/pkg/config/provider"
	"github.com/proofshell/pfs/pkg/gateway"
	"github.com/proofshell/pfs/pkg/logger"
	"github.com/proofshell/pfs/pkg/mcp"
	"github.com/proofshell/pfs/pkg/observability"
	"github.com/proofshell/pfs/pkg/proxy"
	"github.com/proofshell/pfs/pkg/registry"
)

// ServeCmd runs the aggregating MCP proxy on stdio. Stdout carries
// JSON-RPC only; logs go to stderr and the proxy log ring.
type ServeCmd struct {
	Watch bool `help:"Watch config.yaml and re-sync connectors on change."`
}

func (c *ServeCmd) Run(cli *CLI) error {
	ctx, cancel := signalContext()
	defer cancel()

	a, err := openApp(ctx, cli)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := registry.Sync(ctx, a.store, a.cfg); err != nil {
		return err
	}

	level, err := logger.ParseLevel(cli.LogLevel)
	if err != nil {
		return err
	}
	ring, err := proxy.NewLogRing(a.paths.ProxyLog(), a.cfg.Proxy.LogMaxLines, level)
	if err != nil {
		return err
	}
	handler := logger.NewMultiHandler(logger.NewStdioHandler(os.Stderr, level), ring)
	logger.InitWithHandler(handler, level)
	log := slog.New(handler)

	if c.Watch {
		go c.watchConfig(a, log)
	}

	upstream := mcp.NewToolClient(a.store, a.paths.Dir, mcp.WithLogger(log))
	p := proxy.New(a.store, upstream,
		proxy.WithLogger(log),
		proxy.WithStatePath(a.paths.RuntimeState()),
		proxy.WithLogRing(ring),
		proxy.WithVersion(pfs.Version),
	)
	return p.Serve(ctx, os.Stdin, os.Stdout)
}

// watchConfig re-syncs the target registry whenever config.yaml changes.
func (c *ServeCmd) watchConfig(a *app, log *slog.Logger) {
	p, err := provider.NewFileProvider(a.paths.ConfigFile())
	if err != nil {
		log.Warn("config watch unavailable", "error", err)
		return
	}
	loader := config.NewLoader(p, config.WithOnChange(func(cfg *config.Config) {
		if err := registry.Sync(a.ctx, a.store, cfg); err != nil {
			log.Warn("connector re-sync failed", "error", err)
		}
	}))
	defer loader.Close()

	if err := loader.Watch(a.ctx); err != nil && a.ctx.Err() == nil {
		log.Warn("config watch stopped", "error", err)
	}
}

// GatewayCmd runs the HTTP gateway.
type GatewayCmd struct {
	Host string `help:"Listen host (overrides config)."`
	Port int    `help:"Listen port (overrides config)."`
}

func (c *GatewayCmd) Run(cli *CLI) error {
	ctx, cancel := signalContext()
	defer cancel()

	a, err := openApp(ctx, cli)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := registry.Sync(ctx, a.store, a.cfg); err != nil {
		return err
	}

	if c.Host != "" {
		a.cfg.Gateway.Host = c.Host
	}
	if c.Port != 0 {
		a.cfg.Gateway.Port = c.Port
	}

	opts := []gateway.Option{gateway.WithLogger(slog.Default())}
	if a.cfg.Observability != nil {
		mgr := observability.NewManager(*a.cfg.Observability)
		if err := mgr.Initialize(ctx); err != nil {
			return fmt.Errorf("initialize observability: %w", err)
		}
		defer func() { _ = mgr.Shutdown(a.ctx) }()
		opts = append(opts, gateway.WithMetrics(mgr.GetMetrics()))
	}

	invoker := mcp.NewToolClient(a.store, a.paths.Dir,
		mcp.WithRequestTimeout(a.cfg.Gateway.Limits.Timeout()))

	srv, err := gateway.New(a.cfg, a.store, invoker, opts...)
	if err != nil {
		return err
	}

	fmt.Printf("pfs gateway ready on http://%s\n", a.cfg.Gateway.Addr())
	fmt.Printf("  health:  http://%s/health\n", a.cfg.Gateway.Addr())
	fmt.Printf("  events:  http://%s/events/stream\n", a.cfg.Gateway.Addr())
	if a.cfg.Observability != nil && a.cfg.Observability.Metrics.Enabled {
		fmt.Printf("  metrics: http://%s/metrics\n", a.cfg.Gateway.Addr())
	}
	fmt.Println("Press Ctrl+C to stop")

	return srv.ListenAndServe(ctx)
}
