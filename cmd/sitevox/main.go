// Command sitevox is the voice copilot daemon for field installation crews.
// It serves the panel WebSocket, drives the live voice session and exposes
// health and metrics endpoints.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/strandworks/sitevox/internal/config"
	"github.com/strandworks/sitevox/internal/copilot"
	"github.com/strandworks/sitevox/internal/health"
	"github.com/strandworks/sitevox/internal/observe"
	"github.com/strandworks/sitevox/internal/recap"
	"github.com/strandworks/sitevox/internal/resilience"
	"github.com/strandworks/sitevox/internal/tools"
	"github.com/strandworks/sitevox/internal/transcript"
	transcriptpg "github.com/strandworks/sitevox/internal/transcript/postgres"
	"github.com/strandworks/sitevox/internal/workspace"
	"github.com/strandworks/sitevox/pkg/audio/bridge"
	"github.com/strandworks/sitevox/pkg/live"
	"github.com/strandworks/sitevox/pkg/live/gemini"
	"github.com/strandworks/sitevox/pkg/provider/llm/anyllm"
)

const version = "1.0.0"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	project := flag.String("project", "", "customer project recorded in the job log")
	panelID := flag.String("panel", defaultPanelID(), "panel identifier recorded in the job log")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "sitevox: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "sitevox: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(slogLevel(cfg.LogLevel))
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	slog.Info("sitevox starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Observability ─────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "sitevox",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(flushCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics := observe.DefaultMetrics()

	// ── Config watcher: hot-reload the log level ──────────────────────────────
	watcher, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
		d := config.Diff(old, new)
		if d.LogLevelChanged {
			level.Set(slogLevel(d.NewLogLevel))
			slog.Info("log level changed", "level", d.NewLogLevel)
		}
		if d.CopilotChanged || d.RecapChanged {
			slog.Info("session settings changed; they apply on the next restart")
		}
		if d.RestartRequired {
			slog.Warn("config changes require a restart to take effect")
		}
	})
	if err != nil {
		slog.Error("failed to start config watcher", "err", err)
		return 1
	}
	defer watcher.Stop()

	// ── Job log store ─────────────────────────────────────────────────────────
	var (
		store      transcript.Store
		storePing  func(context.Context) error
		storeClose func()
	)
	if cfg.Transcript.DSN != "" {
		pg, err := transcriptpg.NewStore(ctx, cfg.Transcript.DSN)
		if err != nil {
			slog.Error("failed to open transcript store", "err", err)
			return 1
		}
		store = pg
		storePing = pg.Ping
		storeClose = pg.Close
		slog.Info("job log store ready", "backend", "postgres")
	} else {
		store = transcript.NewMemStore()
		storePing = func(context.Context) error { return nil }
		slog.Info("job log store ready", "backend", "memory")
	}
	if storeClose != nil {
		defer storeClose()
	}

	// ── Live provider ─────────────────────────────────────────────────────────
	creds := resilience.GuardCredentials(
		&live.TokenEndpoint{URL: cfg.Credentials.Endpoint},
		logger.With("component", "credentials"),
	)
	provider := gemini.New(creds,
		gemini.WithModel(cfg.Copilot.Model),
		gemini.WithLogger(logger.With("component", "gemini")),
	)

	// ── Tool registry and workspaces ──────────────────────────────────────────
	registry := tools.NewRegistry()
	nav := workspace.NewNavigation(logger.With("component", "navigation"))
	nav.Mount(registry)
	meas := workspace.NewMeasurement(logger.With("component", "measurement"))
	meas.Mount(registry)

	// ── External MCP tool servers ─────────────────────────────────────────────
	if len(cfg.MCPServers) > 0 {
		mcpBridge := tools.NewMCPBridge(logger.With("component", "mcp"))
		defer func() {
			if err := mcpBridge.Close(); err != nil {
				slog.Warn("mcp bridge close error", "err", err)
			}
		}()

		var mg errgroup.Group
		for _, srv := range cfg.MCPServers {
			mg.Go(func() error {
				n, err := mcpBridge.Import(ctx, registry, srv)
				if err != nil {
					return fmt.Errorf("mcp server %q: %w", srv.Name, err)
				}
				slog.Info("mcp server connected", "name", srv.Name, "tools", n)
				return nil
			})
		}
		if err := mg.Wait(); err != nil {
			slog.Error("failed to connect mcp servers", "err", err)
			return 1
		}
	}

	// ── Recap summariser ──────────────────────────────────────────────────────
	managerOpts := []copilot.Option{
		copilot.WithLogger(logger.With("component", "copilot")),
		copilot.WithMetrics(metrics),
	}
	if cfg.Recap.Enabled {
		// API keys stay out of the config file; any-llm reads the
		// provider-specific environment variables itself.
		llmProvider, err := anyllm.New(cfg.Recap.Provider, cfg.Recap.Model)
		if err != nil {
			slog.Error("failed to create recap provider", "err", err)
			return 1
		}
		managerOpts = append(managerOpts, copilot.WithRecap(recap.NewLLMSummariser(llmProvider)))
		slog.Info("recap enabled", "provider", cfg.Recap.Provider, "model", cfg.Recap.Model)
	}

	// ── Panel bridge and session manager ──────────────────────────────────────
	// The bridge is the manager's audio device, and the panel's start/stop
	// buttons drive the manager, so the two reference each other.
	var manager *copilot.Manager
	panelBridge := bridge.New(
		bridge.WithLogger(logger.With("component", "bridge")),
		bridge.WithCodec(cfg.Panel.Codec),
		bridge.WithSessionControl(
			func(ctx context.Context) error { return manager.Start(ctx) },
			func() { manager.Stop() },
		),
		bridge.WithConnectionListener(func(connected bool) {
			delta := int64(1)
			if !connected {
				delta = -1
			}
			metrics.ConnectedPanels.Add(context.Background(), delta)
		}),
	)
	managerOpts = append(managerOpts, copilot.WithStateListener(func(st copilot.State) {
		panelBridge.BroadcastState(st.String())
	}))
	manager = copilot.NewManager(provider, panelBridge, registry, store, copilot.Config{
		Model:        cfg.Copilot.Model,
		Voice:        cfg.Copilot.Voice,
		SeedContext:  cfg.Copilot.SeedContext,
		Project:      *project,
		Panel:        *panelID,
		ChunkSamples: cfg.Copilot.ChunkSamples,
		SendBuffer:   cfg.Copilot.SendBuffer,
		ToolTimeout:  cfg.Copilot.ToolTimeout.Std(),
	}, managerOpts...)

	// ── HTTP server ───────────────────────────────────────────────────────────
	mux := http.NewServeMux()
	mux.Handle("/panel/ws", panelBridge)

	healthHandler := health.New(
		health.Checker{Name: "transcript", Check: storePing},
		health.Checker{Name: "credentials", Check: func(ctx context.Context) error {
			_, err := creds.Token(ctx)
			return err
		}},
	)
	healthHandler.Register(mux)

	if cfg.Metrics.Enabled {
		mux.Handle("GET /metrics", promhttp.Handler())
	}

	srv := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           observe.Middleware(metrics)(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	printStartupSummary(cfg, *project, *panelID)
	slog.Info("server ready, press Ctrl+C to shut down")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutdown signal received, stopping…")

		// Stop the running session first so the panel gets its final state
		// update before the socket goes away.
		manager.Stop()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// defaultPanelID derives a panel identifier from the host when none is given.
func defaultPanelID() string {
	host, err := os.Hostname()
	if err != nil {
		return "panel"
	}
	return host
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config, project, panelID string) {
	fmt.Println("╔═══════════════════════════════════════════╗")
	fmt.Println("║          sitevox  startup summary         ║")
	fmt.Println("╠═══════════════════════════════════════════╣")
	printRow("Model", cfg.Copilot.Model)
	printRow("Voice", orPlaceholder(cfg.Copilot.Voice, "(model default)"))
	printRow("Panel codec", cfg.Panel.Codec)
	printRow("Project", orPlaceholder(project, "(not set)"))
	printRow("Panel ID", panelID)
	printRow("Job log", jobLogBackend(cfg))
	printRow("Recap", onOff(cfg.Recap.Enabled))
	printRow("Metrics", onOff(cfg.Metrics.Enabled))
	printRow("MCP servers", fmt.Sprintf("%d", len(cfg.MCPServers)))
	printRow("Listen addr", cfg.Server.ListenAddr)
	fmt.Println("╚═══════════════════════════════════════════╝")
}

func printRow(label, value string) {
	if len(value) > 25 {
		value = value[:22] + "…"
	}
	fmt.Printf("║  %-13s : %-25s ║\n", label, value)
}

func orPlaceholder(s, placeholder string) string {
	if s == "" {
		return placeholder
	}
	return s
}

func onOff(b bool) string {
	if b {
		return "enabled"
	}
	return "disabled"
}

func jobLogBackend(cfg *config.Config) string {
	if cfg.Transcript.DSN != "" {
		return "postgres"
	}
	return "memory"
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
