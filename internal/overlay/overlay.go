// Package overlay copies a caller-supplied file tree over the working copy and
// applies an optional unified diff on top. The overlay always wins: files are
// overwritten, never merged.
package overlay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/jkaninda/repocheck/internal/pipeline"
	"github.com/jkaninda/repocheck/internal/sandbox"
	"github.com/jkaninda/repocheck/internal/workspace"
)

// Step names recorded in the log.
const (
	StepOverlay = "overlay"
	StepPatch   = "patch"
)

// Applier copies overlays and applies patches.
type Applier struct {
	exec   sandbox.Executor
	git    string
	logger *slog.Logger
}

// New creates an Applier. gitBinary defaults to "git".
func New(exec sandbox.Executor, gitBinary string, logger *slog.Logger) *Applier {
	if gitBinary == "" {
		gitBinary = "git"
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Applier{exec: exec, git: gitBinary, logger: logger}
}

// Apply records an overlay step and a patch step. It returns false when
// either fails.
func (a *Applier) Apply(ctx context.Context, ov workspace.Overlay, repoDir string, patchTimeout time.Duration, log *pipeline.StepLog) bool {
	start := time.Now()
	stats, err := CopyTree(ov.OverlayDir, repoDir)
	rec := pipeline.StepRecord{
		Name:       StepOverlay,
		OK:         err == nil,
		DurationMs: time.Since(start).Milliseconds(),
		Phase:      pipeline.FailureOverlay,
		Metadata: map[string]any{
			"overlay_dir":   ov.OverlayDir,
			"files_copied":  stats.Copied,
			"files_skipped": stats.Skipped,
		},
	}
	if err != nil {
		rec.ExitCode = -1
		rec.StderrTail = err.Error()
	}
	a.logger.InfoContext(ctx, "overlay applied",
		slog.String("overlay_dir", ov.OverlayDir),
		slog.Int("files_copied", stats.Copied),
		slog.Bool("ok", err == nil),
	)
	if !log.Append(rec) {
		return false
	}

	return log.Append(a.applyPatch(ctx, ov.PatchFile, repoDir, patchTimeout))
}

// CopyStats summarizes a CopyTree call.
type CopyStats struct {
	Copied  int
	Skipped int // symlinks, .git entries and other non-regular files
}

// CopyTree copies every regular file under src to the same relative path
// under dst. A missing src is not an error.
func CopyTree(src, dst string) (CopyStats, error) {
	var stats CopyStats
	info, err := os.Stat(src)
	if errors.Is(err, fs.ErrNotExist) {
		return stats, nil
	}
	if err != nil {
		return stats, fmt.Errorf("reading overlay dir: %w", err)
	}
	if !info.IsDir() {
		return stats, fmt.Errorf("overlay path %s is not a directory", src)
	}

	err = filepath.WalkDir(src, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		if d.Name() == ".git" {
			stats.Skipped++
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		if !d.Type().IsRegular() {
			stats.Skipped++
			return nil
		}
		if err := copyFile(path, filepath.Join(dst, rel)); err != nil {
			return fmt.Errorf("copying %s: %w", rel, err)
		}
		stats.Copied++
		return nil
	})
	return stats, err
}

func copyFile(src, dst string) error {
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}

	// Never write through a symlink in the working copy.
	if fi, err := os.Lstat(dst); err == nil {
		switch {
		case fi.Mode()&os.ModeSymlink != 0:
			if err := os.Remove(dst); err != nil {
				return err
			}
		case fi.IsDir():
			return fmt.Errorf("destination %s is a directory", dst)
		}
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	perm := info.Mode().Perm()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	// O_CREATE ignores perm for files that already existed.
	return os.Chmod(dst, perm)
}
