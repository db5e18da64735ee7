package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"time"

	goutils "github.com/jkaninda/go-utils"

	"github.com/jkaninda/kimbia/internal/config"
	"github.com/jkaninda/kimbia/internal/engine"
	"github.com/jkaninda/kimbia/internal/history"
	"github.com/jkaninda/kimbia/internal/history/gormstore"
	"github.com/jkaninda/kimbia/internal/observability"
	"github.com/jkaninda/kimbia/internal/workspace"
)

// SharedComponents holds the initialized subsystems every mode requires.
// Built once by initShared, torn down by Cleanup.
type SharedComponents struct {
	Config    *config.Config
	Logger    *slog.Logger
	Workspace *workspace.Workspace
	Store     history.Store // nil when history is disabled.
	Obs       *observability.Observability

	// Executor is the engine, wrapped with instrumentation when metrics
	// are enabled. The source label distinguishes the entry point.
	Executor engine.Executor

	engine *engine.Engine

	cleanups []func()
}

// ExecutorFor returns an executor tagged with a different source label,
// sharing the same underlying engine. Serve mode uses this to separate
// API runs from scheduler runs in the metrics.
func (sc *SharedComponents) ExecutorFor(source string) engine.Executor {
	if sc.Obs != nil && sc.Obs.Metrics != nil {
		return observability.NewInstrumentedExecutor(
			sc.engine, source, sc.Obs.Metrics, sc.Obs.TracerOrNil(), sc.Obs.Anomaly,
		)
	}
	return sc.engine
}

// Cleanup runs all deferred cleanup functions in reverse order.
func (sc *SharedComponents) Cleanup() {
	for i := len(sc.cleanups) - 1; i >= 0; i-- {
		sc.cleanups[i]()
	}
}

func (sc *SharedComponents) addCleanup(fn func()) {
	sc.cleanups = append(sc.cleanups, fn)
}

// initShared performs the common initialization shared by every mode.
// The source tags runs from this process ("cli", "api", "mcp").
// Callers must call sc.Cleanup() when done.
func initShared(cfg *config.Config, logger *slog.Logger, source string, withStore bool) (*SharedComponents, error) {
	sc := &SharedComponents{
		Config: cfg,
		Logger: logger,
	}

	// Workspace.
	ws, err := initWorkspace(cfg)
	if err != nil {
		return nil, fmt.Errorf("initializing workspace: %w", err)
	}
	sc.Workspace = ws
	logger.Debug("workspace initialized", slog.String("root", ws.Root))

	// Ensure data directory exists.
	dataDir := cfg.ResolvedDataDir()
	if err := os.MkdirAll(dataDir, 0750); err != nil {
		return nil, fmt.Errorf("creating data directory %s: %w", dataDir, err)
	}

	// Observability.
	obs, err := observability.New(cfg.Observability, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing observability: %w", err)
	}
	sc.Obs = obs
	sc.addCleanup(func() {
		if obs != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			obs.Shutdown(shutdownCtx)
		}
	})

	// Run history store.
	if withStore {
		store, err := initStore(cfg, logger)
		if err != nil {
			sc.Cleanup()
			return nil, fmt.Errorf("initializing history store: %w", err)
		}
		sc.Store = store
		sc.addCleanup(func() {
			if err := store.Close(); err != nil {
				logger.Error("closing history store", slog.String("error", err.Error()))
			}
		})

		if err := store.Migrate(context.Background()); err != nil {
			sc.Cleanup()
			return nil, fmt.Errorf("running migrations: %w", err)
		}

		if obs != nil && obs.Health != nil && cfg.Observability != nil &&
			cfg.Observability.Health != nil && cfg.Observability.Health.IncludeDB {
			obs.Health.AddCheck("database", store.Ping)
		}
	}

	// Engine, instrumented when metrics are on.
	eng := engine.New(engine.Config{
		PollInterval: cfg.Engine.PollInterval(),
		ChunkSize:    cfg.Engine.ChunkSizeBytes,
		EnvPolicy:    engine.EnvPolicy(cfg.Engine.EnvPolicy),
		RelayFailure: engine.RelayFailurePolicy(cfg.Engine.RelayFailure),
	}, logger)

	sc.engine = eng
	sc.Executor = eng
	if obs != nil && obs.Metrics != nil {
		sc.Executor = observability.NewInstrumentedExecutor(
			eng, source, obs.Metrics, obs.TracerOrNil(), obs.Anomaly,
		)
	}

	return sc, nil
}

// initWorkspace creates the workspace, resolving the root from config or defaults.
func initWorkspace(cfg *config.Config) (*workspace.Workspace, error) {
	if cfg.Workspace == "" {
		return workspace.Default()
	}
	return workspace.New(cfg.Workspace)
}

// initStore opens the history backend configured in cfg, defaulting to a
// SQLite database under the data directory.
func initStore(cfg *config.Config, logger *slog.Logger) (*gormstore.Store, error) {
	storeCfg := gormstore.Config{
		Driver: cfg.StorageDriverName(),
		SQLite: gormstore.SQLiteConfig{Path: cfg.DatabasePath()},
	}
	if cfg.Storage != nil {
		if cfg.Storage.SQLite != nil {
			if cfg.Storage.SQLite.Path != "" {
				storeCfg.SQLite.Path = cfg.Storage.SQLite.Path
			}
			storeCfg.SQLite.JournalMode = cfg.Storage.SQLite.JournalMode
		}
		if cfg.Storage.Postgres != nil {
			storeCfg.Postgres = gormstore.PostgresConfig{
				DSN:             cfg.Storage.Postgres.DSN,
				MaxOpenConns:    cfg.Storage.Postgres.MaxOpenConns,
				MaxIdleConns:    cfg.Storage.Postgres.MaxIdleConns,
				ConnMaxLifetime: time.Duration(cfg.Storage.Postgres.ConnMaxLifetimeS) * time.Second,
			}
		}
	}
	return gormstore.Open(storeCfg, logger)
}

// loadConfig resolves and loads the config file. A missing file at the
// default location is not an error; explicit paths must exist.
func loadConfig(flagPath string) (*config.Config, error) {
	path := goutils.Env("KIMBIA_CONFIG", flagPath)
	cfg, err := config.Load(path)
	if err != nil && errors.Is(err, fs.ErrNotExist) && path == config.DefaultConfigPath() {
		return config.Default(), nil
	}
	return cfg, err
}

// newLogger builds the process-wide structured logger. Verbose drops the
// level to debug; JSON output goes to stderr so command relays own stdout.
func newLogger(verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
}
