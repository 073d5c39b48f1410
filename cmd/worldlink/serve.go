package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/basket/worldlink/internal/audit"
	"github.com/basket/worldlink/internal/bus"
	"github.com/basket/worldlink/internal/channel"
	"github.com/basket/worldlink/internal/config"
	"github.com/basket/worldlink/internal/engine"
	"github.com/basket/worldlink/internal/gateway"
	wotel "github.com/basket/worldlink/internal/otel"
	"github.com/basket/worldlink/internal/session"
	"github.com/basket/worldlink/internal/telemetry"
	"github.com/basket/worldlink/internal/tools"
	"github.com/spf13/cobra"
)

const (
	shutdownTimeout  = 5 * time.Second
	limiterEvictTick = time.Minute
	limiterMaxIdle   = 10 * time.Minute
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	var quiet bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the WebSocket gateway",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			return serve(ctx, cfg, quiet)
		},
	}
	cmd.Flags().BoolVar(&quiet, "quiet", false, "log to the log file only")
	return cmd
}

// serve wires every component from cfg and blocks until ctx is cancelled or
// the listener fails.
func serve(ctx context.Context, cfg config.Config, quiet bool) error {
	level := new(slog.LevelVar)
	level.Set(telemetry.ParseLevel(cfg.LogLevel))
	logger, logCloser, err := telemetry.NewLogger(cfg.HomeDir, level, quiet)
	if err != nil {
		return fmt.Errorf("open log: %w", err)
	}
	defer logCloser.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "home", cfg.HomeDir, "config_fingerprint", cfg.Fingerprint())

	provider, err := wotel.Init(ctx, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = provider.Shutdown(sctx)
	}()
	metrics, err := wotel.NewMetrics(provider.Meter)
	if err != nil {
		return fmt.Errorf("create metrics: %w", err)
	}

	eventBus := bus.New()

	registry, err := buildRegistry(cfg)
	if err != nil {
		return err
	}
	dispatcher := tools.NewDispatcher(registry, tools.Options{
		Timeout: cfg.ToolTimeout(),
		Logger:  logger,
		Bus:     eventBus,
		Tracer:  provider.Tracer,
		Metrics: metrics,
	})
	controller := engine.NewController(dispatcher, engine.ControllerConfig{
		MaxSteps: cfg.MaxSteps,
		Logger:   logger,
		Bus:      eventBus,
		Tracer:   provider.Tracer,
		Metrics:  metrics,
	})
	channels := channel.NewManager(logger, cfg.ViolationBudget)
	sessions := session.NewRegistry(channels, controller, engine.NewFactory(cfg.Brain.Command, cfg.Brain.Args), session.Config{
		Workspace:   cfg.Workspace,
		GraceWindow: cfg.GraceWindow(),
		Backend:     cfg.Backend,
		Logger:      logger,
		Bus:         eventBus,
		Metrics:     metrics,
	})
	if err := sessions.Start(ctx); err != nil {
		return fmt.Errorf("start session reaper: %w", err)
	}
	defer sessions.Close()
	logger.Info("startup phase", "phase", "sessions_ready", "tools", len(registry.Names()), "backend", cfg.Backend)

	var recorder *audit.Recorder
	if cfg.Audit.Enabled {
		recorder, err = audit.Open(cfg.HomeDir, cfg.Audit.SQLitePath, logger)
		if err != nil {
			return fmt.Errorf("open audit log: %w", err)
		}
		defer recorder.Close()
		go recorder.Run(ctx, eventBus)
	}

	gw := gateway.New(gateway.Config{
		Sessions:          sessions,
		Channels:          channels,
		Tools:             registry,
		Audit:             recorder,
		AllowOrigins:      cfg.AllowOrigins,
		ConfigFingerprint: cfg.Fingerprint(),
		CORS:              cfg.CORS,
		RateLimit:         cfg.RateLimit,
		Logger:            logger,
	})
	gw.RateLimiter().StartEviction(ctx, limiterEvictTick, limiterMaxIdle)

	watcher := config.NewWatcher(cfg.HomeDir, logger, func(next config.Config) {
		level.Set(telemetry.ParseLevel(next.LogLevel))
		dispatcher.SetTimeout(next.ToolTimeout())
		sessions.Reconfigure(next.GraceWindow())
		if next.BindAddr != cfg.BindAddr || next.Backend != cfg.Backend {
			logger.Warn("config change needs a restart to take effect", "bind_addr", next.BindAddr, "backend", next.Backend)
		}
	})
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher disabled", "error", err)
	}

	server := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           gw.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	ln, err := (&net.ListenConfig{}).Listen(ctx, "tcp", cfg.BindAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.BindAddr, err)
	}
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("gateway listening", "addr", ln.Addr().String(), "ws", gateway.PathWS)
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case runErr = <-serverErr:
		logger.Error("gateway server error", "error", runErr)
	}

	// Stop intake first; hijacked WebSocket connections are closed when the
	// deferred sessions.Close releases every session.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	logger.Info("shutdown complete")
	return runErr
}
