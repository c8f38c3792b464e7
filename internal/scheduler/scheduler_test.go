package scheduler

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jkaninda/repocheck/internal/config"
	"github.com/jkaninda/repocheck/internal/pipeline"
	"github.com/jkaninda/repocheck/internal/verify"
)

type fakeVerifier struct {
	delay   time.Duration
	failing map[string]bool

	active    atomic.Int32
	maxActive atomic.Int32
	calls     atomic.Int32
}

func (f *fakeVerifier) Verify(ctx context.Context, req verify.Request, _ pipeline.Observer) *pipeline.Report {
	f.calls.Add(1)
	n := f.active.Add(1)
	defer f.active.Add(-1)
	for {
		m := f.maxActive.Load()
		if n <= m || f.maxActive.CompareAndSwap(m, n) {
			break
		}
	}
	select {
	case <-time.After(f.delay):
	case <-ctx.Done():
	}
	return &pipeline.Report{RepoURL: req.RepoURL, Ref: req.Ref, OK: !f.failing[req.RepoURL]}
}

type fakePruner struct {
	mu     sync.Mutex
	before time.Time
	err    error
}

func (p *fakePruner) Prune(_ context.Context, before time.Time) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.before = before
	return 3, p.err
}

type fakeRecorder struct {
	errs []error
}

func (r *fakeRecorder) RecordBatch(err error) { r.errs = append(r.errs, err) }

func repos(urls ...string) []config.RepositoryConfig {
	out := make([]config.RepositoryConfig, len(urls))
	for i, u := range urls {
		out[i] = config.RepositoryConfig{URL: u, Ref: "main"}
	}
	return out
}

func TestNew_InvalidCron(t *testing.T) {
	_, err := New(&config.SchedulerConfig{Cron: "every day"}, &fakeVerifier{}, nil)
	if err == nil || !strings.Contains(err.Error(), "invalid cron expression") {
		t.Fatalf("error = %v", err)
	}
}

func TestNew_RequiresVerifier(t *testing.T) {
	if _, err := New(&config.SchedulerConfig{Cron: "0 3 * * 1"}, nil, nil); err == nil {
		t.Fatal("expected error without verifier")
	}
}

func TestRunBatch_AllPass(t *testing.T) {
	v := &fakeVerifier{}
	rec := &fakeRecorder{}
	s, err := New(&config.SchedulerConfig{
		Cron:          "0 3 * * 1",
		MaxConcurrent: 2,
		Repositories:  repos("https://a", "https://b", "https://c"),
	}, v, nil)
	if err != nil {
		t.Fatal(err)
	}
	s.WithRecorder(rec)

	res, err := s.RunBatch(context.Background())
	if err != nil {
		t.Fatalf("RunBatch: %v", err)
	}
	if res.Passed != 3 || res.Failed != 0 || len(res.Reports) != 3 {
		t.Errorf("result = %+v", res)
	}
	if res.Reports[0].RepoURL != "https://a" || res.Reports[2].RepoURL != "https://c" {
		t.Error("reports should keep repository order")
	}
	if len(rec.errs) != 1 || rec.errs[0] != nil {
		t.Errorf("recorded = %v", rec.errs)
	}
}

func TestRunBatch_ConcurrencyLimit(t *testing.T) {
	v := &fakeVerifier{delay: 30 * time.Millisecond}
	s, _ := New(&config.SchedulerConfig{
		Cron:          "0 3 * * 1",
		MaxConcurrent: 2,
		Repositories:  repos("1", "2", "3", "4", "5", "6"),
	}, v, nil)

	if _, err := s.RunBatch(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := v.maxActive.Load(); got > 2 {
		t.Errorf("max concurrent verifications = %d, want <= 2", got)
	}
	if v.calls.Load() != 6 {
		t.Errorf("calls = %d, want 6", v.calls.Load())
	}
}

func TestRunBatch_FailureReported(t *testing.T) {
	v := &fakeVerifier{failing: map[string]bool{"https://b": true}}
	rec := &fakeRecorder{}
	s, _ := New(&config.SchedulerConfig{Cron: "0 3 * * 1", Repositories: repos("https://a", "https://b")}, v, nil)
	s.WithRecorder(rec)

	res, err := s.RunBatch(context.Background())
	if err == nil || !strings.Contains(err.Error(), "1 of 2") {
		t.Fatalf("error = %v", err)
	}
	if res.Passed != 1 || res.Failed != 1 {
		t.Errorf("result = %+v", res)
	}
	if len(rec.errs) != 1 || rec.errs[0] == nil {
		t.Errorf("recorded = %v", rec.errs)
	}
}

func TestRunBatch_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s, _ := New(&config.SchedulerConfig{Cron: "0 3 * * 1", Repositories: repos("a", "b")}, &fakeVerifier{}, nil)

	res, err := s.RunBatch(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled", err)
	}
	if len(res.Reports) != 0 {
		t.Errorf("reports = %d, want 0", len(res.Reports))
	}
}

func TestRunBatch_Prunes(t *testing.T) {
	now := time.Date(2026, 3, 10, 3, 0, 0, 0, time.UTC)
	p := &fakePruner{}
	s, _ := New(&config.SchedulerConfig{Cron: "0 3 * * 1", RetentionDays: 30, Repositories: repos("a")}, &fakeVerifier{}, nil)
	s.WithPruner(p)
	s.now = func() time.Time { return now }

	res, err := s.RunBatch(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.Pruned != 3 {
		t.Errorf("pruned = %d, want 3", res.Pruned)
	}
	if want := now.AddDate(0, 0, -30); !p.before.Equal(want) {
		t.Errorf("cutoff = %v, want %v", p.before, want)
	}
}

func TestRunBatch_NoRetentionSkipsPrune(t *testing.T) {
	p := &fakePruner{}
	s, _ := New(&config.SchedulerConfig{Cron: "0 3 * * 1", Repositories: repos("a")}, &fakeVerifier{}, nil)
	s.WithPruner(p)
	if _, err := s.RunBatch(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !p.before.IsZero() {
		t.Error("prune should not run without retention_days")
	}
}

func TestNext(t *testing.T) {
	s, _ := New(&config.SchedulerConfig{Cron: "0 3 * * 1"}, &fakeVerifier{}, nil)
	from := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC) // Tuesday
	want := time.Date(2026, 3, 16, 3, 0, 0, 0, time.UTC)
	if got := s.Next(from); !got.Equal(want) {
		t.Errorf("Next = %v, want %v", got, want)
	}
}

func TestStart_FiresBatches(t *testing.T) {
	v := &fakeVerifier{}
	s, err := New(&config.SchedulerConfig{Cron: "@every 1s", Repositories: repos("a")}, v, nil)
	if err != nil {
		t.Fatal(err)
	}
	stop := s.Start(context.Background())
	deadline := time.Now().Add(5 * time.Second)
	for v.calls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
	stop()
	if v.calls.Load() == 0 {
		t.Fatal("scheduler never fired")
	}
}
