package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"
)

const (
	// DefaultMaxOutputChars caps the retained tail of stdout/stderr.
	DefaultMaxOutputChars = 12000

	defaultTimeout = 120 * time.Second
	waitDelay      = 2 * time.Second
)

// ProcessConfig configures the process executor.
type ProcessConfig struct {
	// AllowedRoots are the directories commands may run in (or below).
	// Empty disables confinement.
	AllowedRoots   []string
	DefaultTimeout time.Duration
	DefaultLimits  ResourceLimits
	MaxOutputChars int
}

// ProcessExecutor runs commands as local OS processes.
//
// Guarantees:
//   - argv is passed to the OS verbatim (no shell, unless limits are set, in
//     which case the argv is still passed as positional parameters)
//   - the child runs in its own process group, killed as a whole on timeout
//   - output is bounded in memory and tail-truncated
type ProcessExecutor struct {
	roots          []string
	defaultTimeout time.Duration
	defaultLimits  ResourceLimits
	maxChars       int
	logger         *slog.Logger
}

// NewProcessExecutor creates a process executor.
func NewProcessExecutor(cfg ProcessConfig, logger *slog.Logger) *ProcessExecutor {
	timeout := cfg.DefaultTimeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	maxChars := cfg.MaxOutputChars
	if maxChars <= 0 {
		maxChars = DefaultMaxOutputChars
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	roots := make([]string, 0, len(cfg.AllowedRoots))
	for _, r := range cfg.AllowedRoots {
		if r == "" {
			continue
		}
		roots = append(roots, r)
	}

	return &ProcessExecutor{
		roots:          roots,
		defaultTimeout: timeout,
		defaultLimits:  cfg.DefaultLimits,
		maxChars:       maxChars,
		logger:         logger,
	}
}

// Execute runs req and never returns an error.
func (e *ProcessExecutor) Execute(ctx context.Context, req Request) Result {
	if len(req.Command) == 0 || req.Command[0] == "" {
		return usageResult("empty command")
	}

	dir, err := e.resolveDir(req.Dir)
	if err != nil {
		return usageResult(err.Error())
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = e.defaultTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	limits := e.resolveLimits(req.Limits)
	name, args := wrapWithLimits(req.Command, limits)

	cmd := exec.CommandContext(runCtx, name, args...)
	cmd.Dir = dir
	cmd.Env = mergeEnv(os.Environ(), req.Env)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		// Negative PID = the whole process group.
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	// Grandchildren may inherit the pipes; don't wait on them forever.
	cmd.WaitDelay = waitDelay

	stdout := newTailBuffer(e.maxChars)
	stderr := newTailBuffer(e.maxChars)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	e.logger.DebugContext(ctx, "executing command",
		slog.Any("command", req.Command),
		slog.String("dir", dir),
		slog.Duration("timeout", timeout),
	)

	start := time.Now()
	runErr := cmd.Run()
	duration := time.Since(start)

	res := Result{
		OK:       runErr == nil,
		Duration: duration,
		Class:    ClassOK,
	}

	switch {
	case runErr == nil:
	case errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
		res.ExitCode = ExitTimeout
		res.Class = ClassTimeout
	case ctx.Err() != nil:
		res.ExitCode = exitCodeOf(runErr, -1)
		res.Class = ClassCanceled
	case errors.Is(runErr, exec.ErrNotFound):
		res.ExitCode = ExitNotFound
		res.Class = ClassNotFound
	default:
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			res.Class = ClassExit
			// The ulimit wrapper reports a missing program the way a shell does.
			if limits.enabled() && res.ExitCode == ExitNotFound {
				res.Class = ClassNotFound
			}
		} else {
			res.ExitCode = -1
			res.Class = ClassStartError
		}
	}

	res.Stdout = stdout.String()
	res.Stderr = stderr.String()
	switch res.Class {
	case ClassTimeout:
		res.Stderr = appendLine(res.Stderr, fmt.Sprintf("%s command exceeded %s", TimeoutMarker, timeout))
	case ClassCanceled:
		res.Stderr = appendLine(res.Stderr, "[canceled] "+ctx.Err().Error())
	case ClassNotFound:
		if runErr != nil && !limits.enabled() {
			res.Stderr = appendLine(res.Stderr, fmt.Sprintf("executable not found: %s", req.Command[0]))
		}
	case ClassStartError:
		res.Stderr = appendLine(res.Stderr, fmt.Sprintf("failed to start: %v", runErr))
	}

	level := slog.LevelInfo
	if !res.OK {
		level = slog.LevelWarn
	}
	e.logger.Log(ctx, level, "command completed",
		slog.String("program", req.Command[0]),
		slog.String("class", string(res.Class)),
		slog.Int("exit_code", res.ExitCode),
		slog.Duration("duration", duration),
		slog.Int("stdout_truncated", stdout.Dropped()),
		slog.Int("stderr_truncated", stderr.Dropped()),
	)
	return res
}

// resolveDir makes dir absolute and checks it is inside an allowed root.
func (e *ProcessExecutor) resolveDir(dir string) (string, error) {
	if dir == "" {
		if len(e.roots) == 0 {
			return "", nil
		}
		return canonical(e.roots[0]), nil
	}
	abs := canonical(dir)
	if len(e.roots) == 0 {
		return abs, nil
	}
	// Roots may be created after the executor, so resolve them per call.
	for _, root := range e.roots {
		if within(canonical(root), abs) {
			return abs, nil
		}
	}
	return "", fmt.Errorf("working directory %q is outside the allowed roots", dir)
}

// resolveLimits merges request-level overrides with executor defaults.
func (e *ProcessExecutor) resolveLimits(req ResourceLimits) ResourceLimits {
	limits := e.defaultLimits
	if req.MaxCPUSeconds > 0 {
		limits.MaxCPUSeconds = req.MaxCPUSeconds
	}
	if req.MaxMemoryMB > 0 {
		limits.MaxMemoryMB = req.MaxMemoryMB
	}
	return limits
}

func (l ResourceLimits) enabled() bool {
	return l.MaxCPUSeconds > 0 || l.MaxMemoryMB > 0
}

// wrapWithLimits returns the program and arguments to start. Without limits the
// argv is used as-is. With limits it becomes:
//
//	sh -c 'ulimit -v KB 2>/dev/null; ulimit -t SEC 2>/dev/null; exec "$@"' _ argv...
//
// The argv is never interpolated into the script.
func wrapWithLimits(argv []string, limits ResourceLimits) (string, []string) {
	if !limits.enabled() {
		return argv[0], argv[1:]
	}
	var script strings.Builder
	if limits.MaxMemoryMB > 0 {
		fmt.Fprintf(&script, "ulimit -v %d 2>/dev/null; ", limits.MaxMemoryMB*1024)
	}
	if limits.MaxCPUSeconds > 0 {
		fmt.Fprintf(&script, "ulimit -t %d 2>/dev/null; ", limits.MaxCPUSeconds)
	}
	script.WriteString(`exec "$@"`)

	args := make([]string, 0, 3+len(argv))
	args = append(args, "-c", script.String(), "_") // "_" is $0
	args = append(args, argv...)
	return "/bin/sh", args
}

// mergeEnv overlays extra on base. Later keys win; output order is stable.
func mergeEnv(base []string, extra map[string]string) []string {
	if len(extra) == 0 {
		return base
	}
	env := make([]string, 0, len(base)+len(extra))
	for _, kv := range base {
		k, _, _ := strings.Cut(kv, "=")
		if _, ok := extra[k]; ok {
			continue
		}
		env = append(env, kv)
	}
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+extra[k])
	}
	return env
}

func canonical(p string) string {
	abs, err := filepath.Abs(p)
	if err != nil {
		abs = filepath.Clean(p)
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		return resolved
	}
	return abs
}

func within(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

func exitCodeOf(err error, fallback int) int {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() >= 0 {
		return exitErr.ExitCode()
	}
	return fallback
}

func usageResult(msg string) Result {
	return Result{
		ExitCode: ExitUsage,
		Stderr:   "usage error: " + msg,
		Class:    ClassUsage,
	}
}

func appendLine(s, line string) string {
	if s == "" || strings.HasSuffix(s, "\n") {
		return s + line
	}
	return s + "\n" + line
}
