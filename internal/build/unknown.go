package build

import (
	"context"
	"errors"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"

	"github.com/jkaninda/repocheck/internal/pipeline"
)

// maxShellSmokeFiles bounds the number of `sh -n` invocations.
const maxShellSmokeFiles = 50

// skipDirs are never scanned for sources.
var skipDirs = map[string]bool{
	".git":         true,
	".venv":        true,
	"node_modules": true,
	"vendor":       true,
	"_site":        true,
}

// unknownPlan records working-tree status and, when scripting sources are
// present, runs a best-effort syntax check without installing anything.
// A failing check still fails the run.
func unknownPlan(ctx context.Context, r *Runner, repoDir string, t pipeline.Timeouts, log *pipeline.StepLog) bool {
	status := r.exec1(ctx, command{
		name:    "git_status",
		phase:   pipeline.FailureBuild,
		argv:    []string{r.tools.Git, "status", "--porcelain"},
		dir:     repoDir,
		env:     map[string]string{"GIT_TERMINAL_PROMPT": "0"},
		timeout: t.Smoke,
	})
	status = status.WithMeta(map[string]any{"changed_paths": countLines(status.StdoutTail)})
	if !log.Append(status) {
		return false
	}

	sources, err := scanSources(repoDir)
	if err != nil {
		return log.Append(pipeline.Fail("smoke_compile", pipeline.FailureBuild, err))
	}
	if len(sources[".py"]) == 0 && len(sources[".sh"]) == 0 {
		log.Append(pipeline.Skip("smoke_compile", pipeline.FailureBuild, "no recognizable scripting sources"))
		return true
	}

	if n := len(sources[".py"]); n > 0 {
		c := command{
			name:    "smoke_compile",
			phase:   pipeline.FailureBuild,
			argv:    []string{r.tools.Python, "-m", "compileall", "-q", "-x", compileExclude, "."},
			dir:     repoDir,
			timeout: t.Smoke,
			meta:    map[string]any{"language": "python", "files": n, "best_effort": true},
		}
		if !r.run(ctx, log, c) {
			return false
		}
	}

	if scripts := sources[".sh"]; len(scripts) > 0 {
		checked := scripts
		if len(checked) > maxShellSmokeFiles {
			checked = checked[:maxShellSmokeFiles]
		}
		for _, s := range checked {
			rec := r.exec1(ctx, command{
				name:    "smoke_shell",
				phase:   pipeline.FailureBuild,
				argv:    []string{r.tools.Shell, "-n", s},
				dir:     repoDir,
				timeout: t.Smoke,
			})
			if !rec.OK {
				return log.Append(rec.WithMeta(map[string]any{"file": s, "best_effort": true}))
			}
		}
		log.Append(pipeline.StepRecord{
			Name:  "smoke_shell",
			OK:    true,
			Phase: pipeline.FailureBuild,
			Metadata: map[string]any{
				"language":    "sh",
				"files":       len(scripts),
				"checked":     len(checked),
				"best_effort": true,
			},
		})
	}
	return true
}

// scanSources collects repo-relative paths of recognizable scripting sources
// keyed by extension.
func scanSources(repoDir string) (map[string][]string, error) {
	found := map[string][]string{}
	err := filepath.WalkDir(repoDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrPermission) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			if path != repoDir && skipDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		ext := filepath.Ext(d.Name())
		if ext != ".py" && ext != ".sh" {
			return nil
		}
		rel, err := filepath.Rel(repoDir, path)
		if err != nil {
			return err
		}
		found[ext] = append(found[ext], rel)
		return nil
	})
	for _, v := range found {
		sort.Strings(v)
	}
	return found, err
}

func countLines(s string) int {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}
	return strings.Count(s, "\n") + 1
}
