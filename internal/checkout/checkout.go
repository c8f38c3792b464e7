// Package checkout brings a cached git working copy to a clean state at a
// requested reference: clone if absent, fetch if present, checkout with one
// origin/<ref> fallback, hard reset, then clean.
package checkout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jkaninda/repocheck/internal/pipeline"
	"github.com/jkaninda/repocheck/internal/sandbox"
	"github.com/jkaninda/repocheck/internal/workspace"
)

// State is the working-copy state detected at the start of a sync.
type State string

const (
	StateNew      State = "NEW"
	StateExisting State = "EXISTING"
)

// Step names recorded in the log.
const (
	StepClone          = "clone"
	StepFetch          = "fetch"
	StepCheckout       = "checkout"
	StepCheckoutOrigin = "checkout_origin"
	StepReset          = "reset"
	StepClean          = "clean"
)

// Untracked paths kept across runs by `git clean` so dependency caches survive.
var cleanExcludes = []string{".venv", "vendor/bundle", ".bundle"}

// gitEnv disables interactive credential prompts and pins message locale.
var gitEnv = map[string]string{
	"GIT_TERMINAL_PROMPT": "0",
	"LC_ALL":              "C",
}

// Manager runs git through an executor.
type Manager struct {
	exec   sandbox.Executor
	git    string
	logger *slog.Logger
}

// New creates a checkout manager. gitBinary defaults to "git".
func New(exec sandbox.Executor, gitBinary string, logger *slog.Logger) *Manager {
	if gitBinary == "" {
		gitBinary = "git"
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Manager{exec: exec, git: gitBinary, logger: logger}
}

// ValidateRef rejects refs that git could read as options or that are malformed.
func ValidateRef(ref string) error {
	switch {
	case ref == "":
		return errors.New("ref must not be empty")
	case strings.HasPrefix(ref, "-"):
		return fmt.Errorf("ref %q must not start with '-'", ref)
	case strings.ContainsAny(ref, " \t\n\r\x00"):
		return fmt.Errorf("ref %q must not contain whitespace", ref)
	case strings.Contains(ref, ".."):
		return fmt.Errorf("ref %q must not contain '..'", ref)
	}
	return nil
}

// DetectState reports NEW when repoDir has no .git entry.
func DetectState(repoDir string) State {
	if _, err := os.Stat(filepath.Join(repoDir, ".git")); err == nil {
		return StateExisting
	}
	return StateNew
}

// Sync runs the checkout state machine, appending one record per sub-step.
// It returns false as soon as a sub-step fails.
func (m *Manager) Sync(ctx context.Context, wd workspace.Workdir, repoURL, ref string, t pipeline.Timeouts, log *pipeline.StepLog) bool {
	state := DetectState(wd.RepoDir)
	m.logger.InfoContext(ctx, "syncing working copy",
		slog.String("repo_dir", wd.RepoDir),
		slog.String("state", string(state)),
		slog.String("ref", ref),
	)

	if state == StateNew {
		if !log.Append(m.clone(ctx, wd, repoURL, t.Clone)) {
			return false
		}
	} else {
		rec := m.run(ctx, StepFetch, wd.RepoDir, t.Fetch, "fetch", "--all", "--prune")
		if !log.Append(rec.WithMeta(map[string]any{"state": string(state)})) {
			return false
		}
	}

	checkedOut := ref
	rec := m.run(ctx, StepCheckout, wd.RepoDir, t.Checkout, "checkout", "--force", ref)
	if !rec.OK {
		rec = rec.WithMeta(map[string]any{"fallback": StepCheckoutOrigin})
	}
	if !log.Append(rec) {
		checkedOut = "origin/" + ref
		fallback := m.run(ctx, StepCheckoutOrigin, wd.RepoDir, t.Checkout, "checkout", "--force", checkedOut)
		if !log.Append(fallback) {
			return false
		}
	}

	target := m.resetTarget(ctx, wd.RepoDir, ref, checkedOut, t.Reset)
	reset := m.run(ctx, StepReset, wd.RepoDir, t.Reset, "reset", "--hard", target)
	if !log.Append(reset.WithMeta(map[string]any{"target": target})) {
		return false
	}

	args := []string{"clean", "-fd"}
	for _, ex := range cleanExcludes {
		args = append(args, "-e", ex)
	}
	return log.Append(m.run(ctx, StepClean, wd.RepoDir, t.Reset, args...))
}

func (m *Manager) clone(ctx context.Context, wd workspace.Workdir, repoURL string, timeout time.Duration) pipeline.StepRecord {
	meta := map[string]any{"state": string(StateNew)}

	// A leftover directory without .git cannot be cloned into; drop it.
	if _, err := os.Stat(wd.RepoDir); err == nil {
		if err := os.RemoveAll(wd.RepoDir); err != nil {
			return pipeline.Fail(StepClone, pipeline.FailureCheckout,
				fmt.Errorf("removing stale non-git directory %s: %w", wd.RepoDir, err)).WithMeta(meta)
		}
		meta["wiped_stale_dir"] = true
		m.logger.WarnContext(ctx, "removed stale non-git working directory", slog.String("repo_dir", wd.RepoDir))
	}

	rec := m.run(ctx, StepClone, wd.RunRoot, timeout, "clone", "--", repoURL, wd.RepoDir)
	return rec.WithMeta(meta)
}

// resetTarget prefers the remote-tracking branch so fetched upstream commits
// are picked up; tags and SHAs reset to themselves.
func (m *Manager) resetTarget(ctx context.Context, repoDir, ref, checkedOut string, timeout time.Duration) string {
	if strings.HasPrefix(checkedOut, "origin/") {
		return checkedOut
	}
	cmd := []string{m.git, "rev-parse", "--verify", "--quiet", "refs/remotes/origin/" + ref}
	res := m.exec.Execute(ctx, sandbox.Request{Command: cmd, Dir: repoDir, Env: gitEnv, Timeout: timeout})
	if res.OK {
		return "origin/" + ref
	}
	return ref
}

func (m *Manager) run(ctx context.Context, name, dir string, timeout time.Duration, args ...string) pipeline.StepRecord {
	cmd := append([]string{m.git}, args...)
	res := m.exec.Execute(ctx, sandbox.Request{
		Command: cmd,
		Dir:     dir,
		Env:     gitEnv,
		Timeout: timeout,
	})
	if !res.OK {
		m.logger.WarnContext(ctx, "git step failed",
			slog.String("step", name),
			slog.Int("exit_code", res.ExitCode),
		)
	}
	return pipeline.FromResult(name, pipeline.FailureCheckout, cmd, res)
}
