package postgres

import (
	"context"
	"time"

	"github.com/jkaninda/repocheck/internal/pipeline"
	"github.com/jkaninda/repocheck/internal/storage"
)

// Store implements storage.Store backed by PostgreSQL.
type Store struct {
	pgDB *DB
	runs *RunRepository
}

// NewStore wraps an existing DB as a Store.
func NewStore(pgDB *DB) *Store {
	return &Store{
		pgDB: pgDB,
		runs: NewRunRepository(pgDB.GormDB()),
	}
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

func (s *Store) Ping(ctx context.Context) error {
	return s.pgDB.Ping(ctx)
}

func (s *Store) Close() error {
	return s.pgDB.Close()
}

func (s *Store) Driver() string {
	return storage.DriverPostgres
}

// DB returns the wrapped connection for direct access when needed.
func (s *Store) DB() *DB {
	return s.pgDB
}

// compile-time interface check
var _ storage.Store = (*Store)(nil)
