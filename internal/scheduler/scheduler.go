// Package scheduler re-verifies a fixed list of repositories on a cron
// schedule. A batch fans out over the repositories with bounded concurrency;
// runs on one sandbox key still serialize inside the orchestrator.
//
// Scheduled runs are ordinary verifications: they are persisted, notified and
// recorded exactly like runs triggered from the CLI or the HTTP API.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/jkaninda/repocheck/internal/config"
	"github.com/jkaninda/repocheck/internal/pipeline"
	"github.com/jkaninda/repocheck/internal/verify"
)

// Verifier runs one verification.
type Verifier interface {
	Verify(ctx context.Context, req verify.Request, observer pipeline.Observer) *pipeline.Report
}

// Pruner deletes history older than a cutoff.
type Pruner interface {
	Prune(ctx context.Context, before time.Time) (int64, error)
}

// BatchRecorder counts finished batches, e.g. for metrics.
type BatchRecorder interface {
	RecordBatch(err error)
}

// BatchResult summarizes one scheduled batch.
type BatchResult struct {
	Reports []*pipeline.Report
	Passed  int
	Failed  int
	Pruned  int64
}

// Scheduler fires batches of verifications on a cron schedule.
type Scheduler struct {
	verifier Verifier
	pruner   Pruner
	recorder BatchRecorder
	logger   *slog.Logger
	config   *config.SchedulerConfig
	schedule cron.Schedule
	now      func() time.Time

	mu   sync.Mutex
	cron *cron.Cron
}

// New creates a Scheduler. The cron expression is validated here.
func New(cfg *config.SchedulerConfig, v Verifier, logger *slog.Logger) (*Scheduler, error) {
	if cfg == nil {
		return nil, fmt.Errorf("scheduler config is required")
	}
	if v == nil {
		return nil, fmt.Errorf("scheduler verifier is required")
	}
	schedule, err := cron.ParseStandard(cfg.Cron)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", cfg.Cron, err)
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Scheduler{
		verifier: v,
		logger:   logger,
		config:   cfg,
		schedule: schedule,
		now:      time.Now,
	}, nil
}

// WithPruner enables retention pruning after each batch.
func (s *Scheduler) WithPruner(p Pruner) *Scheduler {
	s.pruner = p
	return s
}

// WithRecorder records batch outcomes.
func (s *Scheduler) WithRecorder(r BatchRecorder) *Scheduler {
	s.recorder = r
	return s
}

// Next returns the first fire time after from.
func (s *Scheduler) Next(from time.Time) time.Time {
	return s.schedule.Next(from)
}

// Start begins firing batches in the background. The returned function stops
// the schedule and waits for a running batch to finish.
func (s *Scheduler) Start(ctx context.Context) func() {
	ctx, cancel := context.WithCancel(ctx)
	logger := cronLogger{logger: s.logger}

	c := cron.New(
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	c.Schedule(s.schedule, cron.FuncJob(func() {
		if _, err := s.RunBatch(ctx); err != nil {
			s.logger.WarnContext(ctx, "scheduled batch finished with failures", slog.String("error", err.Error()))
		}
	}))

	s.mu.Lock()
	s.cron = c
	s.mu.Unlock()

	c.Start()
	s.logger.InfoContext(ctx, "verification scheduler started",
		slog.String("cron", s.config.Cron),
		slog.Int("repositories", len(s.config.Repositories)),
		slog.Int("max_concurrent", s.maxConcurrent()),
		slog.Time("next_run", s.Next(s.now())),
	)

	return func() {
		cancel()
		<-c.Stop().Done()
		s.logger.Info("verification scheduler stopped")
	}
}

// RunBatch verifies every configured repository once. It returns an error
// when at least one run failed or the context ended early; the reports are
// returned either way.
func (s *Scheduler) RunBatch(ctx context.Context) (*BatchResult, error) {
	start := s.now()
	repos := s.config.Repositories
	res := &BatchResult{Reports: make([]*pipeline.Report, len(repos))}

	s.logger.InfoContext(ctx, "scheduled batch started", slog.Int("repositories", len(repos)))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.maxConcurrent())
	for i, repo := range repos {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			res.Reports[i] = s.verifier.Verify(gctx, verify.Request{
				RepoURL:    repo.URL,
				Ref:        repo.Ref,
				SandboxKey: repo.SandboxKey,
				Timeouts:   repo.Timeouts,
			}, nil)
			return nil
		})
	}
	err := g.Wait()

	var done []*pipeline.Report
	for _, r := range res.Reports {
		if r == nil {
			continue
		}
		done = append(done, r)
		if r.OK {
			res.Passed++
		} else {
			res.Failed++
		}
	}
	res.Reports = done

	if err == nil && res.Failed > 0 {
		err = fmt.Errorf("%d of %d repositories failed verification", res.Failed, len(repos))
	}
	if err == nil && len(done) < len(repos) {
		err = fmt.Errorf("batch interrupted after %d of %d repositories", len(done), len(repos))
	}

	if s.pruner != nil && s.config.RetentionDays > 0 {
		cutoff := s.now().AddDate(0, 0, -s.config.RetentionDays)
		n, perr := s.pruner.Prune(context.WithoutCancel(ctx), cutoff)
		if perr != nil {
			s.logger.ErrorContext(ctx, "failed to prune verification history", slog.String("error", perr.Error()))
		} else {
			res.Pruned = n
		}
	}

	if s.recorder != nil {
		s.recorder.RecordBatch(err)
	}
	s.logger.InfoContext(ctx, "scheduled batch finished",
		slog.Int("passed", res.Passed),
		slog.Int("failed", res.Failed),
		slog.Int64("pruned", res.Pruned),
		slog.Duration("duration", s.now().Sub(start)),
	)
	return res, err
}

func (s *Scheduler) maxConcurrent() int {
	if s.config.MaxConcurrent <= 0 {
		return 1
	}
	return s.config.MaxConcurrent
}

// cronLogger adapts slog to the cron.Logger interface.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: "+msg, append(keysAndValues, slog.String("error", err.Error()))...)
}
