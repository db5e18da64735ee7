// Package gormstore implements history.Store via GORM with two backends:
// SQLite (default, zero-config, pure Go through glebarez/sqlite) and
// PostgreSQL (for shared deployments).
//
// SQLite opens with WAL mode so concurrent readers never block the writer;
// PostgreSQL gets a bounded connection pool.
package gormstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/jkaninda/kimbia/internal/history"
)

// Config selects and tunes the backend.
type Config struct {
	Driver   string // "sqlite" (default) or "postgres".
	SQLite   SQLiteConfig
	Postgres PostgresConfig
}

// SQLiteConfig holds SQLite-specific settings.
type SQLiteConfig struct {
	Path        string // Database file path. Required for the sqlite driver.
	JournalMode string // "wal" by default.
}

// PostgresConfig holds PostgreSQL-specific settings.
type PostgresConfig struct {
	DSN             string
	MaxOpenConns    int           // Default: 25
	MaxIdleConns    int           // Default: 5
	ConnMaxLifetime time.Duration // Default: 30 min
}

func (c PostgresConfig) maxOpen() int {
	if c.MaxOpenConns > 0 {
		return c.MaxOpenConns
	}
	return 25
}

func (c PostgresConfig) maxIdle() int {
	if c.MaxIdleConns > 0 {
		return c.MaxIdleConns
	}
	return 5
}

func (c PostgresConfig) maxLifetime() time.Duration {
	if c.ConnMaxLifetime > 0 {
		return c.ConnMaxLifetime
	}
	return 30 * time.Minute
}

// Store implements history.Store on a GORM connection.
type Store struct {
	db     *gorm.DB
	logger *slog.Logger
}

// Open connects to the configured backend.
func Open(cfg Config, slogger *slog.Logger) (*Store, error) {
	gormLogger := logger.New(
		slogAdapter{slogger},
		logger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
		},
	)
	gormCfg := &gorm.Config{
		Logger:  gormLogger,
		NowFunc: func() time.Time { return time.Now().UTC() },
	}

	var db *gorm.DB
	var err error
	switch cfg.Driver {
	case "", "sqlite":
		db, err = openSQLite(cfg.SQLite, gormCfg, slogger)
	case "postgres":
		db, err = openPostgres(cfg.Postgres, gormCfg, slogger)
	default:
		return nil, fmt.Errorf("unsupported history driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}

	return &Store{db: db, logger: slogger}, nil
}

func openSQLite(cfg SQLiteConfig, gormCfg *gorm.Config, slogger *slog.Logger) (*gorm.DB, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}

	// Ensure parent directory exists.
	dir := filepath.Dir(cfg.Path)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("creating database directory %s: %w", dir, err)
	}

	journalMode := cfg.JournalMode
	if journalMode == "" {
		journalMode = "wal"
	}

	// Build DSN with pragmas.
	dsn := fmt.Sprintf("%s?_pragma=journal_mode(%s)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)", cfg.Path, journalMode)

	db, err := gorm.Open(sqlite.Open(dsn), gormCfg)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database: %w", err)
	}

	slogger.Info("sqlite history store opened",
		slog.String("path", cfg.Path),
		slog.String("journal_mode", journalMode),
	)
	return db, nil
}

func openPostgres(cfg PostgresConfig, gormCfg *gorm.Config, slogger *slog.Logger) (*gorm.DB, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("postgres dsn is required")
	}

	gormCfg.PrepareStmt = true
	db, err := gorm.Open(postgres.Open(cfg.DSN), gormCfg)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("getting underlying sql.DB: %w", err)
	}
	sqlDB.SetMaxOpenConns(cfg.maxOpen())
	sqlDB.SetMaxIdleConns(cfg.maxIdle())
	sqlDB.SetConnMaxLifetime(cfg.maxLifetime())

	slogger.Info("postgres history store connected",
		slog.Int("max_open_conns", cfg.maxOpen()),
		slog.Int("max_idle_conns", cfg.maxIdle()),
	)
	return db, nil
}

// Migrate runs GORM AutoMigrate to create/update the runs table.
func (s *Store) Migrate(_ context.Context) error {
	return s.db.AutoMigrate(&runModel{})
}

// Record inserts a finished run. A zero ID is assigned.
func (s *Store) Record(ctx context.Context, run *history.Run) error {
	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}
	model, err := toModel(run)
	if err != nil {
		return err
	}
	if err := s.db.WithContext(ctx).Create(model).Error; err != nil {
		return fmt.Errorf("recording run: %w", err)
	}
	return nil
}

// Get returns one run by ID, or history.ErrNotFound.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (*history.Run, error) {
	var model runModel
	err := s.db.WithContext(ctx).First(&model, "id = ?", id.String()).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, history.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading run %s: %w", id, err)
	}
	return fromModel(&model)
}

// List returns runs matching the filter, most recent first.
func (s *Store) List(ctx context.Context, f history.Filter) ([]*history.Run, error) {
	q := s.db.WithContext(ctx).Model(&runModel{}).Order("started_at DESC")
	if f.Source != "" {
		q = q.Where("source = ?", string(f.Source))
	}
	if f.Status != "" {
		q = q.Where("status = ?", string(f.Status))
	}
	if f.JobName != "" {
		q = q.Where("job_name = ?", f.JobName)
	}
	if !f.Since.IsZero() {
		q = q.Where("started_at >= ?", f.Since)
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}

	var models []runModel
	if err := q.Find(&models).Error; err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}

	runs := make([]*history.Run, 0, len(models))
	for i := range models {
		run, err := fromModel(&models[i])
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, nil
}

// Ping checks the database connection for health/readiness probes.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close releases the database connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// slogAdapter wraps *slog.Logger for GORM's logger.Writer interface.
type slogAdapter struct {
	logger *slog.Logger
}

func (s slogAdapter) Printf(format string, args ...any) {
	s.logger.Info(fmt.Sprintf(format, args...))
}

// compile-time interface check
var _ history.Store = (*Store)(nil)
