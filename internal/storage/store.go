// Package storage defines the Store interface that persists verification reports.
// Two backends are provided: SQLite (default, zero-config) and PostgreSQL.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/jkaninda/repocheck/internal/pipeline"
)

// ErrNotFound is returned when a run or key has no stored report.
var ErrNotFound = errors.New("report not found")

// Store is the persistence interface for verification history.
// Both SQLite and PostgreSQL backends implement it.
type Store interface {
	// SaveReport persists a finished report and its step records.
	SaveReport(ctx context.Context, r *pipeline.Report) error

	// Run returns the report with the given run ID.
	Run(ctx context.Context, runID string) (*pipeline.Report, error)

	// ListByKey returns reports for a sandbox key, newest first.
	// Limit defaults to 20.
	ListByKey(ctx context.Context, key string, limit int) ([]*pipeline.Report, error)

	// Latest returns the newest report for a sandbox key.
	Latest(ctx context.Context, key string) (*pipeline.Report, error)

	// Keys summarizes every sandbox key with stored history.
	// A non-empty repoURL filters to that repository.
	Keys(ctx context.Context, repoURL string) ([]KeySummary, error)

	// Prune deletes reports finished before the cutoff and returns how many were removed.
	Prune(ctx context.Context, before time.Time) (int64, error)

	// Lifecycle.
	Ping(ctx context.Context) error
	Close() error

	// Driver returns the storage driver name ("sqlite" or "postgres").
	Driver() string
}

// KeySummary describes the stored history of one sandbox key.
type KeySummary struct {
	Key       string    `json:"key"`
	RepoURL   string    `json:"repo_url"`
	Runs      int64     `json:"runs"`
	LastRunID string    `json:"last_run_id"`
	LastOK    bool      `json:"last_ok"`
	LastRunAt time.Time `json:"last_run_at"`
}

// Config holds storage configuration for driver selection.
type Config struct {
	Driver   string         `json:"driver" yaml:"driver"` // "sqlite" (default) or "postgres"
	SQLite   SQLiteConfig   `json:"sqlite" yaml:"sqlite"`
	Postgres PostgresConfig `json:"postgres" yaml:"postgres"`
}

// SQLiteConfig holds SQLite-specific settings.
type SQLiteConfig struct {
	Path        string `json:"path,omitempty" yaml:"path,omitempty"` // Default: <data_dir>/repocheck.db
	JournalMode string `json:"journal_mode" yaml:"journal_mode"`     // "wal" (default), "delete", "truncate", etc.
}

// PostgresConfig holds PostgreSQL-specific settings.
type PostgresConfig struct {
	DSN              string `json:"dsn" yaml:"dsn"`
	MaxOpenConns     int    `json:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns     int    `json:"max_idle_conns" yaml:"max_idle_conns"`
	ConnMaxLifetimeS int    `json:"conn_max_lifetime_s" yaml:"conn_max_lifetime_s"`
}

// DefaultDriver is the default storage driver.
const DefaultDriver = "sqlite"

// DriverSQLite is the SQLite driver name.
const DriverSQLite = "sqlite"

// DriverPostgres is the PostgreSQL driver name.
const DriverPostgres = "postgres"

// DefaultListLimit bounds ListByKey when the caller passes no limit.
const DefaultListLimit = 20
