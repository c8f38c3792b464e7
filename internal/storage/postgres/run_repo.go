package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/jkaninda/repocheck/internal/pipeline"
	"github.com/jkaninda/repocheck/internal/storage"
)

// RunRepository persists verification reports with GORM.
// Append-only apart from Prune: reports are never updated in place.
type RunRepository struct {
	db *gorm.DB
}

// NewRunRepository creates a RunRepository.
func NewRunRepository(db *gorm.DB) *RunRepository {
	return &RunRepository{db: db}
}

// Save inserts a report and its steps in one transaction.
func (r *RunRepository) Save(ctx context.Context, rep *pipeline.Report) error {
	if rep == nil || rep.RunID == "" {
		return fmt.Errorf("saving report: run id is required")
	}
	model := toRunModel(rep)
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Create(&model).Error
	})
	if err != nil {
		return fmt.Errorf("saving report %s: %w", rep.RunID, err)
	}
	return nil
}

// Get returns one report by run ID.
func (r *RunRepository) Get(ctx context.Context, runID string) (*pipeline.Report, error) {
	var m RunModel
	err := r.db.WithContext(ctx).
		Preload("Steps", orderedSteps).
		Where("id = ?", runID).
		First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading run %s: %w", runID, err)
	}
	return toReportDomain(&m), nil
}

// ListByKey returns reports for a sandbox key, newest first.
func (r *RunRepository) ListByKey(ctx context.Context, key string, limit int) ([]*pipeline.Report, error) {
	if limit <= 0 {
		limit = storage.DefaultListLimit
	}
	var models []RunModel
	err := r.db.WithContext(ctx).
		Preload("Steps", orderedSteps).
		Where("sandbox_key = ?", key).
		Order("started_at DESC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, fmt.Errorf("listing runs for %s: %w", key, err)
	}
	reports := make([]*pipeline.Report, len(models))
	for i := range models {
		reports[i] = toReportDomain(&models[i])
	}
	return reports, nil
}

// Latest returns the newest report for a sandbox key.
func (r *RunRepository) Latest(ctx context.Context, key string) (*pipeline.Report, error) {
	reports, err := r.ListByKey(ctx, key, 1)
	if err != nil {
		return nil, err
	}
	if len(reports) == 0 {
		return nil, storage.ErrNotFound
	}
	return reports[0], nil
}

// Keys aggregates run history per sandbox key, most recently run first.
func (r *RunRepository) Keys(ctx context.Context, repoURL string) ([]storage.KeySummary, error) {
	q := r.db.WithContext(ctx).
		Model(&RunModel{}).
		Select("id", "sandbox_key", "repo_url", "ok", "started_at").
		Order("started_at DESC")
	if repoURL != "" {
		q = q.Where("repo_url = ?", repoURL)
	}

	var rows []RunModel
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("listing keys: %w", err)
	}

	index := make(map[string]int)
	var out []storage.KeySummary
	for _, row := range rows {
		if i, ok := index[row.SandboxKey]; ok {
			out[i].Runs++
			continue
		}
		index[row.SandboxKey] = len(out)
		out = append(out, storage.KeySummary{
			Key:       row.SandboxKey,
			RepoURL:   row.RepoURL,
			Runs:      1,
			LastRunID: row.ID,
			LastOK:    row.OK,
			LastRunAt: row.StartedAt,
		})
	}
	return out, nil
}

// Prune deletes reports that finished before the cutoff.
func (r *RunRepository) Prune(ctx context.Context, before time.Time) (int64, error) {
	var removed int64
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var ids []string
		if err := tx.Model(&RunModel{}).
			Where("finished_at < ?", before.UTC()).
			Pluck("id", &ids).Error; err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}
		if err := tx.Where("run_id IN ?", ids).Delete(&StepModel{}).Error; err != nil {
			return err
		}
		res := tx.Where("id IN ?", ids).Delete(&RunModel{})
		removed = res.RowsAffected
		return res.Error
	})
	if err != nil {
		return 0, fmt.Errorf("pruning runs: %w", err)
	}
	return removed, nil
}

func orderedSteps(db *gorm.DB) *gorm.DB {
	return db.Order("seq ASC")
}
