package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jkaninda/kimbia/internal/config"
	"github.com/jkaninda/kimbia/internal/ratelimit"
	"github.com/jkaninda/kimbia/internal/scheduler"
	"github.com/jkaninda/kimbia/internal/server"
)

var (
	serveConfigPath string
	servePort       string
	serveVerbose    bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API server and cron scheduler",
	Long: `Start Kimbia in server mode. Exposes the run API with live WebSocket
streaming, run history queries, health probes, and Prometheus metrics,
and fires any cron jobs defined in the config.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveConfigPath, "config", config.DefaultConfigPath(), "path to config file")
	serveCmd.Flags().StringVar(&servePort, "port", "", "override HTTP listen address (e.g. :8080)")
	serveCmd.Flags().BoolVarP(&serveVerbose, "verbose", "v", false, "debug logging")
}

func runServe(_ *cobra.Command, _ []string) error {
	logger := newLogger(serveVerbose)

	cfg, err := loadConfig(serveConfigPath)
	if err != nil {
		return err
	}

	// Apply CLI overrides.
	if servePort != "" {
		if cfg.Server == nil {
			cfg.Server = &config.ServerConfig{Enabled: true}
		}
		cfg.Server.Addr = servePort
	}

	serverEnabled := cfg.Server != nil && cfg.Server.Enabled
	schedulerEnabled := cfg.Scheduler != nil && cfg.Scheduler.Enabled
	if !serverEnabled && !schedulerEnabled {
		return fmt.Errorf("nothing to serve: enable the server or the scheduler in config")
	}

	logger.Info("starting in serve mode", slog.String("config", serveConfigPath))

	sc, err := initShared(cfg, logger, "api", true)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	// Signal-aware context.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Cron scheduler.
	if schedulerEnabled {
		var schedMetrics *scheduler.Metrics
		if sc.Obs != nil && sc.Obs.Metrics != nil {
			schedMetrics = scheduler.NewMetrics(sc.Obs.Metrics.Registry)
		}

		sched := scheduler.New(
			sc.ExecutorFor("scheduler"),
			sc.Store,
			schedMetrics,
			logger,
			cfg.Scheduler,
			cfg.Engine,
		)
		cancelScheduler, err := sched.Start(ctx)
		if err != nil {
			return fmt.Errorf("starting scheduler: %w", err)
		}
		defer cancelScheduler()

		logger.Info("cron scheduler started", slog.Int("jobs", len(cfg.Scheduler.Jobs)))
	}

	if !serverEnabled {
		// Scheduler-only mode: block until a signal arrives.
		<-ctx.Done()
		logger.Info("shutdown signal received")
		return nil
	}

	srv := buildServer(cfg, sc)

	errs := make(chan error, 1)
	go func() {
		errs <- srv.Start(ctx)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errs:
		if err != nil {
			logger.Error("server exited with error", slog.String("error", err.Error()))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Stop(shutdownCtx)
}

// buildServer assembles the HTTP server from config and shared components.
func buildServer(cfg *config.Config, sc *SharedComponents) *server.Server {
	var limiter *ratelimit.Limiter
	if cfg.Server.RateLimit != nil && cfg.Server.RateLimit.Enabled {
		limiter = ratelimit.NewLimiter(ratelimit.Config{
			RequestsPerMinute: cfg.Server.RateLimit.RequestsPerMinute,
			Burst:             cfg.Server.RateLimit.Burst,
		})
	}

	srvCfg := server.Config{
		ListenAddr: cfg.Server.ListenAddr(),
		APIToken:   cfg.Server.APIToken,
	}
	if sc.Obs != nil {
		srvCfg.Metrics = sc.Obs.Metrics
		srvCfg.HealthChecker = sc.Obs.Health
		if sc.Obs.Metrics != nil {
			srvCfg.MetricsRegistry = sc.Obs.Metrics.Registry
		}
		if sc.Obs.Tracer != nil {
			srvCfg.Tracer = sc.Obs.Tracer.Tracer()
		}
		if cfg.Observability != nil && cfg.Observability.Metrics != nil {
			srvCfg.MetricsPath = cfg.Observability.Metrics.Path
		}
	}

	return server.New(srvCfg, sc.Executor, sc.Store, limiter, cfg.Engine, sc.Logger)
}
