// Package verify sequences a verification run: resolve the sandbox key, take
// the per-key lock, sync the working copy, apply the overlay, detect the
// project type and run its build plan. The first failing step ends the run.
// Verify never returns an error: every outcome is a Report.
package verify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/repocheck/internal/build"
	"github.com/jkaninda/repocheck/internal/checkout"
	"github.com/jkaninda/repocheck/internal/detect"
	"github.com/jkaninda/repocheck/internal/overlay"
	"github.com/jkaninda/repocheck/internal/pipeline"
	"github.com/jkaninda/repocheck/internal/sandbox"
	"github.com/jkaninda/repocheck/internal/sandboxkey"
	"github.com/jkaninda/repocheck/internal/workspace"
)

// StepDetect is the record appended after classification.
const StepDetect = "detect"

// DefaultRef is used when a request names no ref.
const DefaultRef = "main"

// Config holds the explicit roots and defaults of an Orchestrator.
type Config struct {
	VerifyRoot  string
	SandboxRoot string
	DefaultRef  string            // Default: main
	Timeouts    pipeline.Timeouts // zero fields fall back to pipeline.DefaultTimeouts
	LockTimeout time.Duration     // 0 = wait as long as the caller's context allows
	Tools       build.Tools
}

// Request is one verification invocation.
type Request struct {
	RepoURL    string         `json:"repo_url"`
	Ref        string         `json:"ref,omitempty"`
	SandboxKey string         `json:"sandbox_key,omitempty"`
	Timeouts   map[string]int `json:"timeouts,omitempty"` // seconds per phase
}

// ReportSaver persists finished reports.
type ReportSaver interface {
	SaveReport(ctx context.Context, r *pipeline.Report) error
}

// Notifier relays finished reports to humans.
type Notifier interface {
	NotifyReport(ctx context.Context, r *pipeline.Report) error
}

// Recorder receives run and step outcomes, e.g. for metrics.
type Recorder interface {
	RecordStep(step pipeline.StepRecord)
	RecordRun(r *pipeline.Report)
}

// Orchestrator runs verifications. It is safe for concurrent use; runs on the
// same sandbox key are serialized.
type Orchestrator struct {
	layout   *workspace.Layout
	locker   *workspace.Locker
	checkout *checkout.Manager
	overlay  *overlay.Applier
	detector *detect.Detector
	builder  *build.Runner

	defaultRef  string
	timeouts    pipeline.Timeouts
	lockTimeout time.Duration

	saver    ReportSaver
	notifier Notifier
	recorder Recorder
	tracer   trace.Tracer
	logger   *slog.Logger
}

// Option configures optional collaborators.
type Option func(*Orchestrator)

// WithStore persists every report.
func WithStore(s ReportSaver) Option { return func(o *Orchestrator) { o.saver = s } }

// WithNotifier relays every report.
func WithNotifier(n Notifier) Option { return func(o *Orchestrator) { o.notifier = n } }

// WithRecorder records run and step outcomes.
func WithRecorder(r Recorder) Option { return func(o *Orchestrator) { o.recorder = r } }

// WithTracer sets the tracer used for run spans.
func WithTracer(t trace.Tracer) Option { return func(o *Orchestrator) { o.tracer = t } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(o *Orchestrator) { o.logger = l } }

// WithDetector replaces the default detection rules.
func WithDetector(d *detect.Detector) Option { return func(o *Orchestrator) { o.detector = d } }

// New creates an Orchestrator. All external processes go through exec.
func New(cfg Config, exec sandbox.Executor, opts ...Option) (*Orchestrator, error) {
	if exec == nil {
		return nil, errors.New("verify: executor is required")
	}
	layout, err := workspace.New(cfg.VerifyRoot, cfg.SandboxRoot)
	if err != nil {
		return nil, err
	}

	o := &Orchestrator{
		layout:      layout,
		locker:      workspace.NewLocker(layout),
		defaultRef:  cfg.DefaultRef,
		timeouts:    pipeline.DefaultTimeouts().Merge(cfg.Timeouts),
		lockTimeout: cfg.LockTimeout,
		tracer:      otel.Tracer("github.com/jkaninda/repocheck/internal/verify"),
		logger:      slog.New(slog.DiscardHandler),
	}
	if o.defaultRef == "" {
		o.defaultRef = DefaultRef
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.detector == nil {
		o.detector = detect.New(nil)
	}
	o.checkout = checkout.New(exec, cfg.Tools.Git, o.logger)
	o.overlay = overlay.New(exec, cfg.Tools.Git, o.logger)
	o.builder = build.New(exec, cfg.Tools, o.logger)
	return o, nil
}

// Layout exposes the directory layout (for listing keys and paths).
func (o *Orchestrator) Layout() *workspace.Layout { return o.layout }

// Builder exposes the build runner so callers can register extra plans.
func (o *Orchestrator) Builder() *build.Runner { return o.builder }

// Verify runs one verification. observer, when non-nil, sees every step as it
// is recorded.
func (o *Orchestrator) Verify(ctx context.Context, req Request, observer pipeline.Observer) (report *pipeline.Report) {
	report = &pipeline.Report{
		RunID:     uuid.NewString(),
		RepoURL:   strings.TrimSpace(req.RepoURL),
		Ref:       strings.TrimSpace(req.Ref),
		Steps:     []pipeline.StepRecord{},
		StartedAt: time.Now().UTC(),
	}
	if report.Ref == "" {
		report.Ref = o.defaultRef
	}

	ctx, span := o.tracer.Start(ctx, "verify.run", trace.WithAttributes(
		attribute.String("run_id", report.RunID),
		attribute.String("repo_url", report.RepoURL),
		attribute.String("ref", report.Ref),
	))
	defer span.End()

	log := pipeline.NewStepLog(func(s pipeline.StepRecord) {
		span.AddEvent("step", trace.WithAttributes(
			attribute.String("name", s.Name),
			attribute.Bool("ok", s.OK),
			attribute.Bool("skipped", s.Skipped),
			attribute.Int("exit_code", s.ExitCode),
		))
		if o.recorder != nil {
			o.recorder.RecordStep(s)
		}
		if observer != nil {
			observer(s)
		}
	})

	defer func() {
		if p := recover(); p != nil {
			o.logger.ErrorContext(ctx, "verification panicked", slog.Any("panic", p))
			o.finish(report, log, &pipeline.Failure{
				Kind:    pipeline.FailureInternal,
				Message: fmt.Sprintf("internal error: %v", p),
			})
		}
		if !report.OK {
			span.SetStatus(codes.Error, report.Error)
		}
		span.SetAttributes(
			attribute.String("sandbox_key", report.Key),
			attribute.String("project_type", report.ProjectType),
			attribute.Bool("ok", report.OK),
		)
		o.publish(ctx, report)
	}()

	failure := o.run(ctx, req, report, log)
	o.finish(report, log, failure)
	return report
}

// run executes the pipeline and returns a failure for problems that happen
// before any step is recorded. Step failures are read back from the log.
func (o *Orchestrator) run(ctx context.Context, req Request, report *pipeline.Report, log *pipeline.StepLog) *pipeline.Failure {
	if err := validate(report.RepoURL, report.Ref); err != nil {
		return &pipeline.Failure{Kind: pipeline.FailureInput, Message: err.Error()}
	}
	overrides, err := pipeline.ParseOverrides(req.Timeouts)
	if err != nil {
		return &pipeline.Failure{Kind: pipeline.FailureInput, Message: err.Error()}
	}
	timeouts := o.timeouts.Merge(overrides)

	key := sandboxkey.Resolve(report.RepoURL, req.SandboxKey)
	report.Key = key

	wd, err := o.layout.Workdir(key)
	if err != nil {
		return &pipeline.Failure{Kind: pipeline.FailureInternal, Message: err.Error()}
	}
	report.RepoDir = wd.RepoDir
	ov, err := o.layout.Overlay(key)
	if err != nil {
		return &pipeline.Failure{Kind: pipeline.FailureInternal, Message: err.Error()}
	}

	lockCtx := ctx
	if o.lockTimeout > 0 {
		var cancel context.CancelFunc
		lockCtx, cancel = context.WithTimeout(ctx, o.lockTimeout)
		defer cancel()
	}
	unlock, err := o.locker.Lock(lockCtx, key)
	if err != nil {
		return &pipeline.Failure{Kind: pipeline.FailureLocked, Message: err.Error()}
	}
	defer unlock()

	o.logger.InfoContext(ctx, "verification started",
		slog.String("run_id", report.RunID),
		slog.String("repo_url", report.RepoURL),
		slog.String("ref", report.Ref),
		slog.String("sandbox_key", key),
	)

	if !o.checkout.Sync(ctx, wd, report.RepoURL, report.Ref, timeouts, log) {
		return nil
	}
	if !o.overlay.Apply(ctx, ov, wd.RepoDir, timeouts.Patch, log) {
		return nil
	}

	start := time.Now()
	det := o.detector.Detect(wd.RepoDir)
	report.ProjectType = string(det.Type)
	log.Append(pipeline.StepRecord{
		Name:       StepDetect,
		OK:         true,
		DurationMs: time.Since(start).Milliseconds(),
		Phase:      pipeline.FailureBuild,
		Metadata: map[string]any{
			"project_type": string(det.Type),
			"rule":         det.Rule,
		},
	})

	o.builder.Run(ctx, det.Type, wd.RepoDir, timeouts, log)
	return nil
}

// finish fills in the terminal fields of the report.
func (o *Orchestrator) finish(report *pipeline.Report, log *pipeline.StepLog, failure *pipeline.Failure) {
	report.Steps = log.Steps()
	if failure == nil {
		if step, failed := log.Halted(); failed {
			failure = pipeline.FailureFromStep(step)
		}
	}
	report.OK = failure == nil
	report.Failure = failure
	report.Error = ""
	if failure != nil {
		report.Error = failure.Message
	}
	report.FinishedAt = time.Now().UTC()
	report.DurationMs = report.FinishedAt.Sub(report.StartedAt).Milliseconds()
}

// publish hands the report to the optional collaborators. Their failures are
// logged and never change the outcome.
func (o *Orchestrator) publish(ctx context.Context, report *pipeline.Report) {
	level := slog.LevelInfo
	if !report.OK {
		level = slog.LevelWarn
	}
	attrs := []any{
		slog.String("run_id", report.RunID),
		slog.String("sandbox_key", report.Key),
		slog.Bool("ok", report.OK),
		slog.Int("steps", len(report.Steps)),
		slog.Int64("duration_ms", report.DurationMs),
	}
	if report.Failure != nil {
		attrs = append(attrs,
			slog.String("failure_kind", string(report.Failure.Kind)),
			slog.String("failed_step", report.Failure.Step),
		)
	}
	o.logger.Log(ctx, level, "verification finished", attrs...)

	if o.recorder != nil {
		o.recorder.RecordRun(report)
	}
	// Persist and notify even if the caller gave up waiting.
	bg := context.WithoutCancel(ctx)
	if o.saver != nil {
		if err := o.saver.SaveReport(bg, report); err != nil {
			o.logger.ErrorContext(ctx, "failed to save report",
				slog.String("run_id", report.RunID),
				slog.String("error", err.Error()),
			)
		}
	}
	if o.notifier != nil {
		if err := o.notifier.NotifyReport(bg, report); err != nil {
			o.logger.WarnContext(ctx, "failed to send report notification",
				slog.String("run_id", report.RunID),
				slog.String("error", err.Error()),
			)
		}
	}
}

func validate(repoURL, ref string) error {
	switch {
	case repoURL == "":
		return errors.New("repo_url is required")
	case strings.HasPrefix(repoURL, "-"):
		return fmt.Errorf("repo_url %q must not start with '-'", repoURL)
	case strings.ContainsAny(repoURL, " \t\n\r\x00"):
		return fmt.Errorf("repo_url %q must not contain whitespace", repoURL)
	}
	return checkout.ValidateRef(ref)
}
