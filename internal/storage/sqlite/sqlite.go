// Package sqlite implements the storage.Store interface using SQLite via GORM.
// Uses modernc.org/sqlite (pure Go, no CGO) through the glebarez/sqlite GORM driver.
//
// Differences from the PostgreSQL backend:
//   - WAL mode enabled by default for concurrent reads
//   - JSONB columns are stored as TEXT
//   - a single open connection serializes writers
package sqlite

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/jkaninda/repocheck/internal/pipeline"
	"github.com/jkaninda/repocheck/internal/storage"
	pgstore "github.com/jkaninda/repocheck/internal/storage/postgres"
)

// Config holds SQLite-specific configuration.
type Config struct {
	Path        string // Database file path.
	JournalMode string // WAL mode by default.
}

// Store implements storage.Store backed by SQLite.
// The repository is shared with the PostgreSQL backend since both operate on the
// same GORM models; GORM's SQLite dialect handles the SQL differences.
type Store struct {
	db     *gorm.DB
	logger *slog.Logger
	path   string
	runs   *pgstore.RunRepository
}

// Open creates a SQLite-backed Store and migrates its schema.
func Open(cfg Config, slogger *slog.Logger) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}

	dir := filepath.Dir(cfg.Path)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("creating database directory %s: %w", dir, err)
	}

	journalMode := cfg.JournalMode
	if journalMode == "" {
		journalMode = "wal"
	}

	dsn := fmt.Sprintf("%s?_pragma=journal_mode(%s)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)", cfg.Path, journalMode)

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:  pgstore.NewGormLogger(slogger),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("getting underlying sql.DB: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	s := &Store{
		db:     db,
		logger: slogger,
		path:   cfg.Path,
		runs:   pgstore.NewRunRepository(db),
	}
	if err := s.Migrate(context.Background()); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("migrating sqlite database: %w", err)
	}

	slogger.Info("sqlite store opened", slog.String("path", cfg.Path), slog.String("journal_mode", journalMode))
	return s, nil
}

// Migrate runs GORM AutoMigrate with the same models as the PostgreSQL backend.
func (s *Store) Migrate(ctx context.Context) error {
	return pgstore.AutoMigrate(s.db.WithContext(ctx))
}

func (s *Store) SaveReport(ctx context.Context, r *pipeline.Report) error {
	return s.runs.Save(ctx, r)
}

func (s *Store) Run(ctx context.Context, runID string) (*pipeline.Report, error) {
	return s.runs.Get(ctx, runID)
}

func (s *Store) ListByKey(ctx context.Context, key string, limit int) ([]*pipeline.Report, error) {
	return s.runs.ListByKey(ctx, key, limit)
}

func (s *Store) Latest(ctx context.Context, key string) (*pipeline.Report, error) {
	return s.runs.Latest(ctx, key)
}

func (s *Store) Keys(ctx context.Context, repoURL string) ([]storage.KeySummary, error) {
	return s.runs.Keys(ctx, repoURL)
}

func (s *Store) Prune(ctx context.Context, before time.Time) (int64, error) {
	return s.runs.Prune(ctx, before)
}

// Ping checks the database file is reachable.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Driver returns "sqlite".
func (s *Store) Driver() string {
	return storage.DriverSQLite
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// compile-time interface check
var _ storage.Store = (*Store)(nil)
