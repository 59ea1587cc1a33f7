// Command sandboxd runs the sandbox lifecycle orchestrator and its HTTP API.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"

	"github.com/nstogner/sandboxd/pkg/catalog"
	"github.com/nstogner/sandboxd/pkg/config"
	"github.com/nstogner/sandboxd/pkg/orchestrator"
	"github.com/nstogner/sandboxd/pkg/probe"
	"github.com/nstogner/sandboxd/pkg/sandbox/docker"
	"github.com/nstogner/sandboxd/pkg/server"
	"github.com/nstogner/sandboxd/pkg/store"
	"github.com/nstogner/sandboxd/pkg/store/sqlite"
)

var version = "dev"

type CLI struct {
	Config   string `short:"c" help:"Config file (defaults to $SANDBOXD_CONFIG or $XDG_CONFIG_HOME/sandboxd/config.yaml)" type:"path"`
	Addr     string `help:"Listen address (overrides config)"`
	LogLevel string `help:"Log level (debug|info|warn|error)"`

	Version kong.VersionFlag `help:"Print version"`
}

func main() {
	var cli CLI
	kong.Parse(&cli,
		kong.Name("sandboxd"),
		kong.Description("Sandbox lifecycle orchestrator"),
		kong.Vars{"version": version},
	)
	if err := run(cli); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cli CLI) error {
	cfg, cfgPath, err := config.Load(cli.Config)
	if err != nil {
		return err
	}
	if cli.Addr != "" {
		cfg.Addr = cli.Addr
	}
	if cli.LogLevel != "" {
		cfg.LogLevel = cli.LogLevel
	}

	logger, err := newLogger(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)
	logger.Info("Loaded config", "path", cfgPath, "maxInstances", cfg.MaxInstances)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize store.
	st, err := openStore(cfg.DB)
	if err != nil {
		return fmt.Errorf("initializing store: %w", err)
	}
	defer st.Close()

	// Initialize catalog.
	cat, err := openCatalog(cfg.Catalog)
	if err != nil {
		return fmt.Errorf("loading catalog: %w", err)
	}

	// Initialize runtime.
	rt, err := docker.New(docker.WithHostIP(cfg.HostIP), docker.WithLogger(logger.With("component", "docker")))
	if err != nil {
		return fmt.Errorf("initializing docker runtime: %w", err)
	}
	defer rt.Close()
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	if err := rt.Ping(pingCtx); err != nil {
		logger.Warn("Docker daemon not reachable, acquires will fail until it is", "error", err)
	}
	cancel()

	prober := probe.New(cfg.ProbePolicy(), probe.WithLogger(logger.With("component", "probe")))
	orch := orchestrator.New(rt, cat, prober, cfg.Policy(),
		orchestrator.WithStore(st),
		orchestrator.WithLogger(logger.With("component", "orchestrator")),
	)

	srv := server.New(orch, cat, orch.Metrics(), logger.With("component", "server"))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return ignoreCanceled(orch.RunHeartbeat(gctx))
	})
	g.Go(func() error {
		return ignoreCanceled(orch.RunReaper(gctx))
	})
	g.Go(func() error {
		if err := srv.Start(cfg.Addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.CleanupTimeout+10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("Server shutdown failed", "error", err)
		}
		if err := orch.Shutdown(shutdownCtx); err != nil {
			logger.Error("Orchestrator shutdown incomplete", "error", err)
		}
		return nil
	})
	return g.Wait()
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func newLogger(rawLevel, format string) (*slog.Logger, error) {
	levelName := strings.TrimSpace(strings.ToLower(rawLevel))
	if levelName == "" {
		levelName = "info"
	}
	level, err := log.ParseLevel(levelName)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", rawLevel, err)
	}
	formatter := log.TextFormatter
	if strings.EqualFold(format, "json") {
		formatter = log.JSONFormatter
	}
	handler := log.NewWithOptions(os.Stderr, log.Options{
		Level:           level,
		Formatter:       formatter,
		ReportTimestamp: true,
	})
	return slog.New(handler), nil
}

func openStore(path string) (store.Store, error) {
	if path == "" || path == "memory" {
		return store.NewMemory(), nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	return sqlite.New(path)
}

func openCatalog(path string) (catalog.Catalog, error) {
	if path == "" {
		return catalog.NewStatic(catalog.Defaults()...)
	}
	return catalog.LoadFile(path)
}
