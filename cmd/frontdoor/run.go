package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"cloudlunacy/frontdoor/pkg/agents"
	"cloudlunacy/frontdoor/pkg/certs"
	"cloudlunacy/frontdoor/pkg/config"
	"cloudlunacy/frontdoor/pkg/dynamic"
	"cloudlunacy/frontdoor/pkg/events"
	"cloudlunacy/frontdoor/pkg/locking"
	"cloudlunacy/frontdoor/pkg/optimizer"
	"cloudlunacy/frontdoor/pkg/orchestrator"
	"cloudlunacy/frontdoor/pkg/probe"
	"cloudlunacy/frontdoor/pkg/proxy"
	"cloudlunacy/frontdoor/pkg/server"
	"cloudlunacy/frontdoor/pkg/telemetry/logging"
	"cloudlunacy/frontdoor/pkg/telemetry/metrics"
)

// Exit codes for the run command.
const (
	exitInitFailure     = 1
	exitConfigUnusable  = 2
	exitProxyUnreachable = 3
)

var runFlags struct {
	listenAddress string
	logLevel      string
	dryRun        bool
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the front door control plane",
	Long: `Start the front door: the public API server, the certificate monitor,
the proxy lifecycle manager, the load optimizer, and the dynamic
configuration watcher.

Examples:
  # Start with default config
  frontdoor run

  # Start with custom config
  frontdoor run --config /etc/frontdoor/config.yaml

  # Validate config and environment without starting
  frontdoor run --dry-run`,
	RunE: runServer,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVarP(&runFlags.listenAddress, "listen", "l", "", "override listen address")
	runCmd.Flags().StringVar(&runFlags.logLevel, "log-level", "", "override log level (debug, info, warn, error)")
	runCmd.Flags().BoolVar(&runFlags.dryRun, "dry-run", false, "validate config without starting")
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfigWithEnvOverrides(cfgFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitConfigUnusable)
	}

	if runFlags.listenAddress != "" {
		cfg.Server.ListenAddress = runFlags.listenAddress
	}
	if runFlags.logLevel != "" {
		cfg.Telemetry.Logging.Level = runFlags.logLevel
	}
	if verbose {
		cfg.Telemetry.Logging.Level = "debug"
	}

	if _, err := logging.Setup(&cfg.Telemetry.Logging); err != nil {
		return err
	}

	paths, err := config.ResolvePaths(&cfg.Paths)
	if err != nil {
		slog.Error("environment unusable", "error", err)
		os.Exit(exitConfigUnusable)
	}

	if runFlags.dryRun {
		fmt.Println("✓ Configuration valid")
		fmt.Printf("✓ Base directory: %s\n", paths.Base)
		return nil
	}

	slog.Info("starting front door",
		"version", Version,
		"base", paths.Base,
		"app_domain", cfg.Domains.App,
		"mongo_domain", cfg.Domains.Mongo,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Shared infrastructure.
	locks, err := locking.NewManager(filepath.Join(paths.Base, "locks"))
	if err != nil {
		slog.Error("cannot initialize lock manager", "error", err)
		os.Exit(exitInitFailure)
	}
	bus := events.NewBus()
	collector := metrics.NewCollector(&cfg.Telemetry.Metrics, nil)

	// Persistence.
	store := dynamic.NewStore(paths, locks, cfg.Domains.Mongo)
	registry, err := agents.Open(filepath.Join(paths.Base, "agents.db"))
	if err != nil {
		slog.Error("cannot open agent registry", "error", err)
		os.Exit(exitInitFailure)
	}
	defer registry.Close()

	// Certificates.
	authority := certs.NewAuthority(paths.CertsDir)
	certMgr := certs.NewManager(authority, paths, locks, bus, &cfg.Certificates, collector)
	if err := certMgr.BootstrapCA(); err != nil {
		slog.Error("CA bootstrap failed", "error", err)
		os.Exit(exitInitFailure)
	}

	// Proxy integration.
	admin := proxy.NewAdminClient(cfg.Proxy.AdminURL, cfg.Proxy.ReloadTimeout)
	runtime, err := proxy.NewDockerRuntime(cfg.Proxy.DockerSocket)
	if err != nil {
		slog.Error("cannot connect to container runtime", "error", err)
		os.Exit(exitInitFailure)
	}
	defer runtime.Close()

	lifecycle := proxy.NewLifecycle(admin, runtime, cfg.Proxy.ContainerName, &cfg.Proxy, &cfg.Recovery, bus, collector)

	// Initial probe: an unhealthy proxy does not stop startup; it hands the
	// proxy to the escalator. If recovery ends up exhausted, the process
	// reports it with its own exit code at shutdown (see below).
	if err := lifecycle.Probe(ctx); err != nil {
		slog.Warn("proxy unhealthy at startup, escalating", "error", err)
		lifecycle.TriggerRecovery("unhealthy at startup")
	}

	// Orchestration.
	prober := probe.NewProber()
	orch := orchestrator.New(cfg, locks, store, registry, certMgr, prober, admin, bus, collector)

	// Make sure the merged document exists and is valid before the proxy
	// reads it.
	if _, err := store.Rebuild(ctx); err != nil {
		slog.Error("initial document rebuild failed", "error", err)
		os.Exit(exitInitFailure)
	}
	if err := certMgr.SyncToProxy(ctx); err != nil {
		slog.Warn("initial certificate sync failed", "error", err)
	}

	// Background loops.
	monitor := certs.NewMonitor(certs.MonitorConfig{
		Schedule:     cfg.Monitor.Schedule,
		WarningDays:  cfg.Monitor.WarningDays,
		CriticalDays: cfg.Monitor.CriticalDays,
		CertsDir:     paths.CertsDir,
		Metrics:      collector,
	}, bus)
	if err := monitor.Start(ctx); err != nil {
		slog.Error("cannot start certificate monitor", "error", err)
		os.Exit(exitInitFailure)
	}
	defer monitor.Stop()

	go lifecycle.Run(ctx)

	if cfg.Optimizer.Enabled {
		statePath := cfg.Optimizer.StatePath
		if !filepath.IsAbs(statePath) {
			statePath = filepath.Join(paths.Base, statePath)
		}
		if err := os.MkdirAll(filepath.Dir(statePath), 0o755); err != nil {
			slog.Error("cannot create optimizer state directory", "error", err)
			os.Exit(exitInitFailure)
		}
		state, err := optimizer.OpenState(statePath)
		if err != nil {
			slog.Error("cannot open optimizer state", "error", err)
			os.Exit(exitInitFailure)
		}
		defer state.Close()

		opt, err := optimizer.New(admin, state, cfg.Optimizer, bus, collector)
		if err != nil {
			slog.Error("cannot create optimizer", "error", err)
			os.Exit(exitInitFailure)
		}
		go opt.Run(ctx)
	}

	watcher := dynamic.NewWatcher(store)
	go func() {
		if err := watcher.Watch(ctx, func() { orch.RepairDocument(ctx) }); err != nil {
			slog.Error("dynamic config watcher stopped", "error", err)
		}
	}()

	// Event log pump: background subsystem events land in the structured log.
	go pumpEvents(ctx, bus)

	// API server (blocks until shutdown).
	handlers := &server.Handlers{Orch: orch, Lifecycle: lifecycle, Monitor: monitor}
	srv := server.NewServer(&cfg.Server, &cfg.Telemetry.Metrics, handlers, collector.Handler())
	if err := srv.Start(ctx); err != nil {
		slog.Error("api server failed", "error", err)
		os.Exit(exitInitFailure)
	}

	// If the proxy never recovered, report it in the exit code.
	if snap := lifecycle.Snapshot(); !snap.AutoRecovery {
		slog.Error("shutting down with proxy recovery exhausted")
		os.Exit(exitProxyUnreachable)
	}

	slog.Info("front door stopped")
	return nil
}

// pumpEvents mirrors bus events into the structured log.
func pumpEvents(ctx context.Context, bus *events.Bus) {
	ch, cancel := bus.Subscribe()
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			slog.Info("event",
				"type", string(evt.Type),
				"agent_id", evt.AgentID,
				"message", evt.Message,
			)
		}
	}
}
