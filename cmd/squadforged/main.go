// Command squadforged is the orchestrator's single long-running process:
// it opens the repository, wires the Squad Runtime, Session Orchestrator,
// Board Engine and External Node Registry together, and serves the API
// surface until signalled to stop.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"

	"github.com/antigravity-dev/squadforge/internal/api"
	"github.com/antigravity-dev/squadforge/internal/board"
	"github.com/antigravity-dev/squadforge/internal/config"
	"github.com/antigravity-dev/squadforge/internal/eventbus"
	"github.com/antigravity-dev/squadforge/internal/health"
	"github.com/antigravity-dev/squadforge/internal/ingest"
	"github.com/antigravity-dev/squadforge/internal/nodes"
	"github.com/antigravity-dev/squadforge/internal/session"
	"github.com/antigravity-dev/squadforge/internal/squadrun"
	"github.com/antigravity-dev/squadforge/internal/store"
)

func configureLogger(logLevel string, useDev bool) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(strings.TrimSpace(logLevel)) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: level}
	if useDev {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

func main() {
	configPath := flag.String("config", "squadforge.toml", "path to config file")
	dev := flag.Bool("dev", false, "use text log format (default is JSON)")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)
	logger.Info("squadforged starting", "config", *configPath)

	cfgManager, err := config.LoadManager(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	cfg := cfgManager.Get()

	logger = configureLogger(cfg.General.LogLevel, *dev)
	slog.SetDefault(logger)

	lockFile, err := health.AcquireFlock(cfg.General.LockFile)
	if err != nil {
		logger.Error("failed to acquire single-instance lock", "path", cfg.General.LockFile, "error", err)
		os.Exit(1)
	}
	defer health.ReleaseFlock(lockFile)

	st, err := store.Open(cfg.General.StateDB)
	if err != nil {
		logger.Error("failed to open store", "path", cfg.General.StateDB, "error", err)
		os.Exit(1)
	}
	defer st.Close()

	bus := eventbus.New(logger.With("component", "eventbus"))

	dispatcher, err := squadrun.NewDockerDispatcher(cfg.Backend)
	if err != nil {
		logger.Error("failed to construct backend dispatcher", "error", err)
		os.Exit(1)
	}

	squads := squadrun.New(st, bus, dispatcher, cfg.Squads, logger.With("component", "squadrun"))

	ing := ingest.New(st, bus, logger.With("component", "ingest"))
	sessions := session.New(st, ing, logger.With("component", "session"))

	tc, err := client.Dial(client.Options{HostPort: cfg.General.TemporalHostPort})
	if err != nil {
		logger.Error("failed to dial temporal", "host_port", cfg.General.TemporalHostPort, "error", err)
		os.Exit(1)
	}
	defer tc.Close()

	repoByProject := func(projectID string) (string, string) {
		proj, err := st.GetProject(projectID)
		if err != nil || proj == nil {
			return "", ""
		}
		return proj.Path, proj.Path + "/.squads/worktrees"
	}
	boardEngine := board.New(st, bus, tc, repoByProject)

	_, boardWorker, err := board.StartWorker(cfg.General.TemporalHostPort, st, sessions)
	if err != nil {
		logger.Error("failed to start board worker", "error", err)
		os.Exit(1)
	}
	defer boardWorker.Stop()
	go func() {
		if err := boardWorker.Run(worker.InterruptCh()); err != nil {
			logger.Error("board worker exited", "error", err)
		}
	}()

	nodeRegistry := nodes.New(st, bus, logger.With("component", "nodes"))

	apiServer := api.NewServer(cfg.API, api.Deps{
		Store:    st,
		Bus:      bus,
		Squads:   squads,
		Sessions: sessions,
		Board:    boardEngine,
		Nodes:    nodeRegistry,
		MCP:      cfg.MCP,
		DataDir:  cfg.General.DataDir,
	}, logger.With("component", "api"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go squads.RunHealthLoop(ctx)
	go nodeRegistry.RunScanLoop(ctx)
	go nodeRegistry.RunProbeLoop(ctx)
	for _, baseURL := range cfg.Nodes.ManualBaseURLs {
		baseURL := baseURL
		go func() {
			if _, err := nodeRegistry.Probe(ctx, baseURL, "config"); err != nil {
				logger.Warn("configured external node unreachable at startup", "base_url", baseURL, "error", err)
			}
		}()
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- apiServer.Start(ctx)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	apiExited := false
	select {
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		apiExited = true
		if err != nil {
			logger.Error("api server exited", "error", err)
		}
	}

	cancel()
	squads.Shutdown()

	if !apiExited {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		select {
		case <-shutdownCtx.Done():
			fmt.Fprintln(os.Stderr, "squadforged: shutdown timed out")
		case err := <-errCh:
			if err != nil {
				logger.Error("api server shutdown error", "error", err)
			}
		}
	}
}
