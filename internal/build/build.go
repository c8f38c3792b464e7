// Package build runs the install/build/test plan selected by the detected
// project type. Every phase is one step record; the first failure halts.
package build

import (
	"context"
	"log/slog"
	"time"

	"github.com/jkaninda/repocheck/internal/detect"
	"github.com/jkaninda/repocheck/internal/pipeline"
	"github.com/jkaninda/repocheck/internal/sandbox"
)

// Plan runs the phases for one project type.
type Plan func(ctx context.Context, r *Runner, repoDir string, t pipeline.Timeouts, log *pipeline.StepLog) bool

// Tools names the external programs the plans rely on.
type Tools struct {
	Python string // Default: python3
	Bundle string // Default: bundle
	Git    string // Default: git
	Shell  string // Default: sh
}

func (t Tools) withDefaults() Tools {
	if t.Python == "" {
		t.Python = "python3"
	}
	if t.Bundle == "" {
		t.Bundle = "bundle"
	}
	if t.Git == "" {
		t.Git = "git"
	}
	if t.Shell == "" {
		t.Shell = "sh"
	}
	return t
}

// Runner dispatches to a Plan per project type.
type Runner struct {
	exec   sandbox.Executor
	tools  Tools
	plans  map[detect.ProjectType]Plan
	logger *slog.Logger
}

// New creates a Runner with the python, jekyll and unknown plans registered.
func New(exec sandbox.Executor, tools Tools, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Runner{
		exec:  exec,
		tools: tools.withDefaults(),
		plans: map[detect.ProjectType]Plan{
			detect.Python:  pythonPlan,
			detect.Jekyll:  jekyllPlan,
			detect.Unknown: unknownPlan,
		},
		logger: logger,
	}
}

// Register adds or replaces the plan for a project type.
func (r *Runner) Register(typ detect.ProjectType, plan Plan) {
	r.plans[typ] = plan
}

// Run executes the plan for typ. Types without a plan fall back to the
// unknown plan.
func (r *Runner) Run(ctx context.Context, typ detect.ProjectType, repoDir string, t pipeline.Timeouts, log *pipeline.StepLog) bool {
	plan, ok := r.plans[typ]
	if !ok {
		plan = r.plans[detect.Unknown]
	}
	r.logger.InfoContext(ctx, "running build plan",
		slog.String("project_type", string(typ)),
		slog.String("repo_dir", repoDir),
	)
	return plan(ctx, r, repoDir, t, log)
}

// command is one external step of a plan.
type command struct {
	name    string
	phase   pipeline.FailureKind
	argv    []string
	dir     string
	env     map[string]string
	timeout time.Duration
	meta    map[string]any
}

// exec1 runs c and returns its record without appending it.
func (r *Runner) exec1(ctx context.Context, c command) pipeline.StepRecord {
	res := r.exec.Execute(ctx, sandbox.Request{
		Command: c.argv,
		Dir:     c.dir,
		Env:     c.env,
		Timeout: c.timeout,
	})
	rec := pipeline.FromResult(c.name, c.phase, c.argv, res)
	if len(c.meta) > 0 {
		rec = rec.WithMeta(c.meta)
	}
	if !rec.OK {
		r.logger.WarnContext(ctx, "build step failed",
			slog.String("step", c.name),
			slog.Int("exit_code", rec.ExitCode),
		)
	}
	return rec
}

// run executes c, appends its record and reports success.
func (r *Runner) run(ctx context.Context, log *pipeline.StepLog, c command) bool {
	return log.Append(r.exec1(ctx, c))
}
