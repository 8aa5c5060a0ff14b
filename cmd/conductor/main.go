// Conductor orchestrator server — discovers A2A agents, routes workflow
// tasks to them, and serves the HTTP API and dashboard.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/testmesh/conductor/pkg/a2a"
	"github.com/testmesh/conductor/pkg/api"
	"github.com/testmesh/conductor/pkg/config"
	"github.com/testmesh/conductor/pkg/dashboard"
	"github.com/testmesh/conductor/pkg/discovery"
	"github.com/testmesh/conductor/pkg/dispatch"
	"github.com/testmesh/conductor/pkg/history"
	"github.com/testmesh/conductor/pkg/memlog"
	"github.com/testmesh/conductor/pkg/metrics"
	"github.com/testmesh/conductor/pkg/recovery"
	"github.com/testmesh/conductor/pkg/registry"
	"github.com/testmesh/conductor/pkg/router"
	"github.com/testmesh/conductor/pkg/scheduler"
	"github.com/testmesh/conductor/pkg/testmgmt"
	"github.com/testmesh/conductor/pkg/version"
	"github.com/testmesh/conductor/pkg/workflow"
)

func main() {
	envFile := flag.String("env-file", ".env", "Path to an optional .env file")
	flag.Parse()

	// Load .env before config reads the environment
	if err := godotenv.Load(*envFile); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", *envFile, "error", err)
	} else {
		slog.Info("Loaded environment", "path", *envFile)
	}

	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	// 2. Set up logging: every record goes to stdout and into the ring
	// buffer served at /dashboard/logs
	logBuf := memlog.NewBuffer(cfg.History.LogCapacity)
	handler := memlog.NewHandler(slog.NewTextHandler(os.Stdout, nil), logBuf)
	log := slog.New(handler)
	slog.SetDefault(log)

	log.Info("Starting conductor",
		"version", version.Full(),
		"addr", cfg.Server.Addr(),
		"discovery_hosts", cfg.Discovery.Hosts,
		"discovery_ports", cfg.Discovery.Ports.String())

	if cfg.Dashboard.Password == "admin" {
		log.Warn("Dashboard is using the default credentials; set DASHBOARD_USERNAME and DASHBOARD_PASSWORD")
	}

	ctx := context.Background()

	// 3. Core state: registry, histories, metrics
	reg := registry.New()
	tasks := history.NewTaskHistory(cfg.History.TaskCapacity)
	errs := history.NewErrorHistory(cfg.History.ErrorCapacity)
	met := metrics.New()

	// 4. Agent protocol client, shared by discovery, dispatch and recovery
	client := a2a.NewClient(a2a.WithUserAgent(version.Full()))

	// 5. Router: LLM oracle with keyword fallback, or keyword-only when no
	// API key is configured
	var oracle router.Oracle = router.NewKeywordOracle()
	if cfg.Router.AnthropicAPIKey != "" {
		oracle = router.NewChainOracle(log,
			router.NewAnthropicOracle(cfg.Router.AnthropicAPIKey, cfg.Router.Model),
			router.NewKeywordOracle())
	} else {
		log.Warn("ANTHROPIC_API_KEY is unset; routing falls back to keyword matching")
	}
	rtr := router.New(reg, oracle, log)

	// 6. Recovery queue and loop
	recQueue := recovery.NewQueue(log)
	recoverer := recovery.New(cfg.Recovery, recQueue, reg, client, met, log)

	// 7. Dispatcher and the bulk-execution scheduler on top of it
	disp := dispatch.New(cfg.Dispatch, reg, rtr, client, tasks, errs, recQueue, met, log)
	sched := scheduler.New(cfg.Scheduler, reg, disp, met, log)

	// 8. Workflows
	adapter := testmgmt.NewClient(cfg.TestMgmt, log)
	wf := workflow.New(cfg.TestMgmt, disp, rtr, sched, adapter, reg, errs, log)

	// 9. Discovery: the first scan runs synchronously so the registry is
	// populated before the first workflow request can arrive
	disc := discovery.New(cfg.Discovery, reg, client, met, log)
	disc.RunOnce(ctx)
	disc.Start(ctx)
	recoverer.Start(ctx)

	// 10. HTTP server
	dash := dashboard.New(reg, tasks, errs, logBuf)
	srv := api.NewServer(cfg.Server, cfg.Dashboard, wf, dash, reg, met, map[string]api.Loop{
		"discovery": disc,
		"recovery":  recoverer,
	}, log)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil {
			errCh <- err
		}
	}()

	log.Info("Conductor started", "agents", reg.Count())

	// 11. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		log.Info("Shutdown signal received", "signal", sig.String())
	case err := <-errCh:
		log.Error("Server error triggered shutdown", "error", err)
	}

	// 12. Graceful shutdown: stop the scan and recovery loops first, then
	// drain in-flight HTTP requests
	disc.Stop()
	recoverer.Stop()

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", "error", err)
	}

	log.Info("Shutdown complete")
}
