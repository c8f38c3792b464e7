// Package repo exposes verification operations as tools: run a verification,
// resolve a sandbox key, and read stored history.
package repo

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jkaninda/repocheck/internal/pipeline"
	"github.com/jkaninda/repocheck/internal/sandboxkey"
	"github.com/jkaninda/repocheck/internal/storage"
	"github.com/jkaninda/repocheck/internal/tools"
	"github.com/jkaninda/repocheck/internal/verify"
	"github.com/jkaninda/repocheck/internal/workspace"
)

// Verifier runs one verification.
type Verifier interface {
	Verify(ctx context.Context, req verify.Request, observer pipeline.Observer) *pipeline.Report
}

// --- repo_verify ---

// VerifyTool runs a full verification and returns the report as JSON.
type VerifyTool struct {
	verifier Verifier
	logger   *slog.Logger
}

// NewVerifyTool creates the repo_verify tool.
func NewVerifyTool(v Verifier, logger *slog.Logger) *VerifyTool {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &VerifyTool{verifier: v, logger: logger}
}

func (t *VerifyTool) Name() string { return "repo_verify" }
func (t *VerifyTool) Description() string {
	return "Check out a git repository into its sandbox working copy, apply the sandbox overlay, " +
		"detect the project type, run its build and tests, and return the verification report"
}
func (t *VerifyTool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"repo_url":    map[string]any{"type": "string", "description": "Git remote URL to verify"},
			"ref":         map[string]any{"type": "string", "description": "Branch, tag or commit to check out (default: main)"},
			"sandbox_key": map[string]any{"type": "string", "description": "Explicit sandbox key; derived from repo_url when omitted"},
			"timeouts": map[string]any{
				"type":                 "object",
				"description":          "Per-phase timeout overrides in seconds (clone, fetch, checkout, reset, clean, patch, install, build)",
				"additionalProperties": map[string]any{"type": "integer"},
			},
		},
		"required": []string{"repo_url"},
	}
}

func (t *VerifyTool) Validate(params map[string]any) error {
	if _, err := tools.RequireString(params, "repo_url"); err != nil {
		return err
	}
	for _, k := range []string{"ref", "sandbox_key"} {
		if _, err := tools.OptionalString(params, k); err != nil {
			return err
		}
	}
	_, err := parseTimeouts(params["timeouts"])
	return err
}

func (t *VerifyTool) Execute(ctx context.Context, params map[string]any) (*tools.Result, error) {
	repoURL, _ := tools.RequireString(params, "repo_url")
	ref, _ := tools.OptionalString(params, "ref")
	key, _ := tools.OptionalString(params, "sandbox_key")
	timeouts, _ := parseTimeouts(params["timeouts"])

	t.logger.InfoContext(ctx, "repo_verify executing",
		slog.String("repo_url", repoURL),
		slog.String("ref", ref),
	)

	report := t.verifier.Verify(ctx, verify.Request{
		RepoURL:    repoURL,
		Ref:        ref,
		SandboxKey: key,
		Timeouts:   timeouts,
	}, nil)

	out, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encoding report: %w", err)
	}
	meta := map[string]any{
		"run_id":       report.RunID,
		"sandbox_key":  report.Key,
		"project_type": report.ProjectType,
		"duration_ms":  report.DurationMs,
	}
	if report.Failure != nil {
		meta["failure_kind"] = string(report.Failure.Kind)
	}
	return &tools.Result{
		Output:   tools.TruncateOutput(string(out), tools.MaxOutputBytes),
		Success:  report.OK,
		Metadata: meta,
	}, nil
}

// parseTimeouts converts a JSON object of phase→seconds.
func parseTimeouts(v any) (map[string]int, error) {
	if v == nil {
		return nil, nil
	}
	raw, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("parameter timeouts must be an object, got %T", v)
	}
	out := make(map[string]int, len(raw))
	for phase := range raw {
		secs, err := tools.OptionalInt(raw, phase, 0)
		if err != nil {
			return nil, fmt.Errorf("timeouts.%s: %w", phase, err)
		}
		out[phase] = secs
	}
	// Unknown phases and non-positive values are rejected up front.
	if _, err := pipeline.ParseOverrides(out); err != nil {
		return nil, err
	}
	return out, nil
}

// --- sandbox_key ---

// KeyTool resolves the sandbox key for a repository without touching it.
type KeyTool struct {
	layout *workspace.Layout // nil = key only, no paths
}

// NewKeyTool creates the sandbox_key tool.
func NewKeyTool(layout *workspace.Layout) *KeyTool {
	return &KeyTool{layout: layout}
}

// KeyInfo is the sandbox_key output.
type KeyInfo struct {
	Key        string `json:"key"`
	OverlayDir string `json:"overlay_dir,omitempty"`
	PatchFile  string `json:"patch_file,omitempty"`
}

func (t *KeyTool) Name() string { return "sandbox_key" }
func (t *KeyTool) Description() string {
	return "Resolve the sandbox key for a repository URL and the overlay paths that belong to it"
}
func (t *KeyTool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"repo_url":    map[string]any{"type": "string", "description": "Git remote URL"},
			"sandbox_key": map[string]any{"type": "string", "description": "Explicit key override; sanitized before use"},
		},
		"required": []string{"repo_url"},
	}
}

func (t *KeyTool) Validate(params map[string]any) error {
	if _, err := tools.RequireString(params, "repo_url"); err != nil {
		return err
	}
	_, err := tools.OptionalString(params, "sandbox_key")
	return err
}

func (t *KeyTool) Execute(_ context.Context, params map[string]any) (*tools.Result, error) {
	repoURL, _ := tools.RequireString(params, "repo_url")
	override, _ := tools.OptionalString(params, "sandbox_key")

	info := KeyInfo{Key: sandboxkey.Resolve(repoURL, override)}
	if t.layout != nil {
		ov, err := t.layout.Overlay(info.Key)
		if err != nil {
			return nil, err
		}
		info.OverlayDir = ov.OverlayDir
		info.PatchFile = ov.PatchFile
	}
	out, _ := json.MarshalIndent(info, "", "  ")
	return &tools.Result{
		Output:   string(out),
		Success:  true,
		Metadata: map[string]any{"sandbox_key": info.Key},
	}, nil
}

// --- verify_history ---

// History is the read side of the report store.
type History interface {
	ListByKey(ctx context.Context, key string, limit int) ([]*pipeline.Report, error)
}

// HistoryTool lists recent reports for a sandbox key.
type HistoryTool struct {
	history History
}

// NewHistoryTool creates the verify_history tool.
func NewHistoryTool(h History) *HistoryTool {
	return &HistoryTool{history: h}
}

// RunSummary is one verify_history entry.
type RunSummary struct {
	RunID       string            `json:"run_id"`
	OK          bool              `json:"ok"`
	Ref         string            `json:"ref"`
	ProjectType string            `json:"project_type,omitempty"`
	Failure     *pipeline.Failure `json:"failure,omitempty"`
	StartedAt   time.Time         `json:"started_at"`
	DurationMs  int64             `json:"duration_ms"`
}

func (t *HistoryTool) Name() string { return "verify_history" }
func (t *HistoryTool) Description() string {
	return "List recent verification runs for a sandbox key (or the key derived from a repository URL), newest first"
}
func (t *HistoryTool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"repo_url":    map[string]any{"type": "string", "description": "Git remote URL; used to derive the key"},
			"sandbox_key": map[string]any{"type": "string", "description": "Sandbox key; takes precedence over repo_url"},
			"limit":       map[string]any{"type": "integer", "description": "Maximum runs to return (default 20)"},
		},
	}
}

func (t *HistoryTool) Validate(params map[string]any) error {
	repoURL, err := tools.OptionalString(params, "repo_url")
	if err != nil {
		return err
	}
	key, err := tools.OptionalString(params, "sandbox_key")
	if err != nil {
		return err
	}
	if repoURL == "" && key == "" {
		return fmt.Errorf("one of repo_url or sandbox_key is required")
	}
	limit, err := tools.OptionalInt(params, "limit", storage.DefaultListLimit)
	if err != nil {
		return err
	}
	if limit < 1 {
		return fmt.Errorf("parameter limit must be positive")
	}
	return nil
}

func (t *HistoryTool) Execute(ctx context.Context, params map[string]any) (*tools.Result, error) {
	repoURL, _ := tools.OptionalString(params, "repo_url")
	override, _ := tools.OptionalString(params, "sandbox_key")
	limit, _ := tools.OptionalInt(params, "limit", storage.DefaultListLimit)
	key := sandboxkey.Resolve(repoURL, override)

	reports, err := t.history.ListByKey(ctx, key, limit)
	if err != nil {
		return nil, fmt.Errorf("listing history for %s: %w", key, err)
	}
	runs := make([]RunSummary, len(reports))
	for i, r := range reports {
		runs[i] = RunSummary{
			RunID:       r.RunID,
			OK:          r.OK,
			Ref:         r.Ref,
			ProjectType: r.ProjectType,
			Failure:     r.Failure,
			StartedAt:   r.StartedAt,
			DurationMs:  r.DurationMs,
		}
	}
	out, _ := json.MarshalIndent(runs, "", "  ")
	return &tools.Result{
		Output:   string(out),
		Success:  true,
		Metadata: map[string]any{"sandbox_key": key, "runs": len(runs)},
	}, nil
}
