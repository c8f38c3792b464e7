package overlay

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/sourcegraph/go-diff/diff"

	"github.com/jkaninda/repocheck/internal/pipeline"
	"github.com/jkaninda/repocheck/internal/sandbox"
)

// PatchStats describes a parsed unified diff.
type PatchStats struct {
	Files   []string
	Hunks   int
	Added   int
	Deleted int
}

// ParsePatch parses a unified diff and summarizes it. An empty diff or one
// without any file sections is an error.
func ParsePatch(data []byte) (PatchStats, error) {
	var stats PatchStats
	if len(bytes.TrimSpace(data)) == 0 {
		return stats, errors.New("patch file is empty")
	}
	fileDiffs, err := diff.NewMultiFileDiffReader(bytes.NewReader(data)).ReadAllFiles()
	if err != nil {
		return stats, fmt.Errorf("parsing patch: %w", err)
	}
	if len(fileDiffs) == 0 {
		return stats, errors.New("patch contains no file diffs")
	}

	for _, fd := range fileDiffs {
		if fd.OrigName == "" && fd.NewName == "" {
			continue
		}
		name := fd.NewName
		if name == "" || name == "/dev/null" {
			name = fd.OrigName
		}
		stats.Files = append(stats.Files, stripPrefix(name))
		stats.Hunks += len(fd.Hunks)
		for _, hunk := range fd.Hunks {
			for _, line := range strings.Split(string(hunk.Body), "\n") {
				switch {
				case strings.HasPrefix(line, "+"):
					stats.Added++
				case strings.HasPrefix(line, "-"):
					stats.Deleted++
				}
			}
		}
	}
	if len(stats.Files) == 0 {
		return stats, errors.New("patch contains no file diffs")
	}
	return stats, nil
}

// stripPrefix drops git's a/ and b/ path prefixes.
func stripPrefix(name string) string {
	for _, p := range []string{"a/", "b/"} {
		if rest, ok := strings.CutPrefix(name, p); ok {
			return rest
		}
	}
	return name
}

func (a *Applier) applyPatch(ctx context.Context, patchFile, repoDir string, timeout time.Duration) pipeline.StepRecord {
	data, err := os.ReadFile(patchFile)
	if errors.Is(err, fs.ErrNotExist) {
		return pipeline.Skip(StepPatch, pipeline.FailureOverlay, "no patch file")
	}
	if err != nil {
		return pipeline.Fail(StepPatch, pipeline.FailureOverlay, fmt.Errorf("reading patch file: %w", err))
	}

	stats, err := ParsePatch(data)
	if err != nil {
		a.logger.WarnContext(ctx, "rejecting malformed patch",
			slog.String("patch_file", patchFile),
			slog.String("error", err.Error()),
		)
		return pipeline.Fail(StepPatch, pipeline.FailureOverlay, err).
			WithMeta(map[string]any{"patch_file": patchFile})
	}

	meta := map[string]any{
		"patch_file": patchFile,
		"files":      stats.Files,
		"hunks":      stats.Hunks,
		"added":      stats.Added,
		"deleted":    stats.Deleted,
	}
	cmd, res := a.gitApply(ctx, patchFile, repoDir, timeout)
	if res.Class == sandbox.ClassExit {
		// --ignore-whitespace does not cover context lines on every git
		// version. Retry once without requiring context to match; removed
		// lines must still match exactly.
		a.logger.WarnContext(ctx, "patch did not apply, retrying with reduced context",
			slog.String("patch_file", patchFile),
			slog.String("stderr", res.Stderr),
		)
		retryCmd, retryRes := a.gitApply(ctx, patchFile, repoDir, timeout, "-C0")
		if retryRes.OK {
			meta["retry"] = "reduced_context"
			meta["context_lines"] = 0
			meta["first_stderr"] = res.Stderr
			cmd, res = retryCmd, retryRes
		}
	}
	return pipeline.FromResult(StepPatch, pipeline.FailureOverlay, cmd, res).WithMeta(meta)
}

func (a *Applier) gitApply(ctx context.Context, patchFile, repoDir string, timeout time.Duration, extra ...string) ([]string, sandbox.Result) {
	cmd := []string{a.git, "apply", "--ignore-whitespace", "--whitespace=nowarn"}
	cmd = append(cmd, extra...)
	cmd = append(cmd, patchFile)
	res := a.exec.Execute(ctx, sandbox.Request{
		Command: cmd,
		Dir:     repoDir,
		Env:     map[string]string{"GIT_TERMINAL_PROMPT": "0"},
		Timeout: timeout,
	})
	return cmd, res
}
