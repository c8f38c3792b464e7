// Package git implements a read-only git tool over sandbox working copies.
//
// Security:
//   - Only read-only subcommands allowed (log, diff, status, show, branch)
//   - All write/remote-write subcommands blocked
//   - Runs through the sandbox executor in the key's working copy only
//   - Git credential prompts disabled
package git

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/jkaninda/repocheck/internal/sandbox"
	"github.com/jkaninda/repocheck/internal/sandboxkey"
	"github.com/jkaninda/repocheck/internal/tools"
	"github.com/jkaninda/repocheck/internal/workspace"
)

const defaultTimeout = 30 * time.Second

// Allowed read-only subcommands. Anything not in this set is blocked.
var allowedSubcommands = map[string]bool{
	"log":    true,
	"diff":   true,
	"status": true,
	"show":   true,
	"branch": true,
}

// Explicitly blocked subcommands for clear error messages.
var blockedSubcommands = map[string]bool{
	"push":     true,
	"commit":   true,
	"merge":    true,
	"rebase":   true,
	"reset":    true,
	"checkout": true,
	"fetch":    true,
	"pull":     true,
	"remote":   true,
	"init":     true,
	"clone":    true,
	"tag":      true,
	"stash":    true,
	"clean":    true,
	"apply":    true,
}

// Options that can write files or run programs even under read-only subcommands.
var blockedArgPrefixes = []string{"--output", "--ext-diff", "--textconv", "-o"}

// Tool runs read-only git operations in a sandbox key's working copy.
type Tool struct {
	exec    sandbox.Executor
	layout  *workspace.Layout
	gitPath string
	logger  *slog.Logger
}

// NewTool creates the repo_git tool. An empty gitPath means "git".
func NewTool(exec sandbox.Executor, layout *workspace.Layout, gitPath string, logger *slog.Logger) *Tool {
	if gitPath == "" {
		gitPath = "git"
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Tool{exec: exec, layout: layout, gitPath: gitPath, logger: logger}
}

func (t *Tool) Name() string { return "repo_git" }
func (t *Tool) Description() string {
	return "Run read-only git commands (log, diff, status, show, branch) in the working copy of a sandbox key"
}
func (t *Tool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"sandbox_key": map[string]any{"type": "string", "description": "Sandbox key whose working copy to inspect"},
			"subcommand":  map[string]any{"type": "string", "enum": []string{"log", "diff", "status", "show", "branch"}, "description": "The git subcommand to run"},
			"args":        map[string]any{"type": "array", "items": map[string]any{"type": "string"}, "description": "Additional arguments for the git subcommand"},
		},
		"required": []string{"sandbox_key", "subcommand"},
	}
}

func (t *Tool) Validate(params map[string]any) error {
	subcmd, err := tools.RequireString(params, "subcommand")
	if err != nil {
		return err
	}
	if blockedSubcommands[subcmd] {
		return fmt.Errorf("git subcommand %q is blocked (write/remote operation)", subcmd)
	}
	if !allowedSubcommands[subcmd] {
		return fmt.Errorf("git subcommand %q is not allowed; permitted: log, diff, status, show, branch", subcmd)
	}

	key, err := tools.RequireString(params, "sandbox_key")
	if err != nil {
		return err
	}
	if !sandboxkey.Valid(key) {
		return fmt.Errorf("invalid sandbox key %q", key)
	}

	args, err := extraArgs(params)
	if err != nil {
		return err
	}
	for _, a := range args {
		for _, p := range blockedArgPrefixes {
			if strings.HasPrefix(a, p) {
				return fmt.Errorf("git argument %q is not allowed", a)
			}
		}
	}
	return nil
}

// Execute runs a read-only git subcommand in the key's working copy.
func (t *Tool) Execute(ctx context.Context, params map[string]any) (*tools.Result, error) {
	subcmd, _ := tools.RequireString(params, "subcommand")
	key, _ := tools.RequireString(params, "sandbox_key")
	args, _ := extraArgs(params)

	keys, err := t.layout.Keys()
	if err != nil {
		return nil, err
	}
	if !slices.Contains(keys, key) {
		return nil, fmt.Errorf("no working copy for sandbox key %q", key)
	}
	wd, err := t.layout.Workdir(key)
	if err != nil {
		return nil, err
	}

	cmd := append([]string{t.gitPath, "--no-pager", subcmd}, args...)
	t.logger.InfoContext(ctx, "repo_git executing",
		slog.String("subcommand", subcmd),
		slog.String("sandbox_key", key),
	)

	result := t.exec.Execute(ctx, sandbox.Request{
		Command: cmd,
		Dir:     wd.RepoDir,
		Env:     map[string]string{"GIT_TERMINAL_PROMPT": "0"},
		Timeout: defaultTimeout,
	})

	output := result.Stdout
	if result.Stderr != "" {
		if output != "" {
			output += "\n"
		}
		output += result.Stderr
	}

	return &tools.Result{
		Output:  tools.TruncateOutput(output, tools.MaxOutputBytes),
		Success: result.OK,
		Metadata: map[string]any{
			"subcommand": subcmd,
			"exit_code":  result.ExitCode,
			"duration":   result.Duration.String(),
		},
	}, nil
}

func extraArgs(params map[string]any) ([]string, error) {
	raw, ok := params["args"]
	if !ok || raw == nil {
		return nil, nil
	}
	list, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("parameter args must be an array of strings")
	}
	out := make([]string, 0, len(list))
	for _, a := range list {
		s, ok := a.(string)
		if !ok {
			return nil, fmt.Errorf("parameter args must be an array of strings")
		}
		out = append(out, s)
	}
	return out, nil
}
