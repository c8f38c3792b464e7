package build

import (
	"context"
	"maps"
	"os"
	"path/filepath"

	"github.com/jkaninda/repocheck/internal/pipeline"
)

const (
	venvDirName = ".venv"

	// pytestNoTests is pytest's exit code when collection finds nothing.
	pytestNoTests = 5

	// compileExclude keeps byte-compilation out of the venv and git metadata.
	compileExclude = `[/\\]\.(venv|git)([/\\]|$)`
)

var pythonEnv = map[string]string{
	"PIP_DISABLE_PIP_VERSION_CHECK": "1",
	"PIP_NO_INPUT":                  "1",
	"PYTHONUNBUFFERED":              "1",
}

// pythonPlan: isolated venv, packaging tools upgrade, dependency install
// (requirements.txt preferred over an editable install), byte-compile smoke
// check, then pytest when a test suite is present.
func pythonPlan(ctx context.Context, r *Runner, repoDir string, t pipeline.Timeouts, log *pipeline.StepLog) bool {
	venv := filepath.Join(repoDir, venvDirName)
	py := filepath.Join(venv, "bin", "python")
	env := withEnv(pythonEnv, map[string]string{"VIRTUAL_ENV": venv})

	steps := []command{
		{name: "python_venv", phase: pipeline.FailureInstall, argv: []string{r.tools.Python, "-m", "venv", venv}, timeout: t.Install},
		{name: "pip_upgrade", phase: pipeline.FailureInstall, argv: []string{py, "-m", "pip", "install", "--upgrade", "pip", "setuptools", "wheel"}, timeout: t.Install},
	}
	for _, c := range steps {
		c.dir, c.env = repoDir, env
		if !r.run(ctx, log, c) {
			return false
		}
	}

	install, ok := pipInstallCommand(repoDir, py)
	if !ok {
		log.Append(pipeline.Skip("pip_install", pipeline.FailureInstall, "no requirements.txt, pyproject.toml or setup.py"))
	} else {
		install.dir, install.env, install.timeout = repoDir, env, t.Install
		if !r.run(ctx, log, install) {
			return false
		}
	}

	compile := command{
		name:    "compileall",
		phase:   pipeline.FailureBuild,
		argv:    []string{py, "-m", "compileall", "-q", "-x", compileExclude, "."},
		dir:     repoDir,
		env:     env,
		timeout: t.Smoke,
	}
	if !r.run(ctx, log, compile) {
		return false
	}

	suite := detectTests(repoDir)
	if suite == "" {
		log.Append(pipeline.Skip("tests", pipeline.FailureBuild, "no tests"))
		return true
	}

	deps := command{
		name:    "test_deps",
		phase:   pipeline.FailureInstall,
		argv:    []string{py, "-m", "pip", "install", "pytest"},
		dir:     repoDir,
		env:     env,
		timeout: t.Install,
	}
	if !r.run(ctx, log, deps) {
		return false
	}

	rec := r.exec1(ctx, command{
		name:    "tests",
		phase:   pipeline.FailureBuild,
		argv:    []string{py, "-m", "pytest", "-q"},
		dir:     repoDir,
		env:     env,
		timeout: t.Test,
		meta:    map[string]any{"detected_by": suite},
	})
	if !rec.OK && rec.ExitCode == pytestNoTests {
		rec.OK = true
		rec = rec.WithMeta(map[string]any{"note": "no tests collected"})
	}
	return log.Append(rec)
}

// pipInstallCommand prefers a pinned requirements manifest over an editable
// install of the package descriptor.
func pipInstallCommand(repoDir, py string) (command, bool) {
	if fileExists(filepath.Join(repoDir, "requirements.txt")) {
		return command{
			name:  "pip_install",
			phase: pipeline.FailureInstall,
			argv:  []string{py, "-m", "pip", "install", "-r", "requirements.txt"},
			meta:  map[string]any{"source": "requirements.txt"},
		}, true
	}
	for _, descriptor := range []string{"pyproject.toml", "setup.py"} {
		if fileExists(filepath.Join(repoDir, descriptor)) {
			return command{
				name:  "pip_install",
				phase: pipeline.FailureInstall,
				argv:  []string{py, "-m", "pip", "install", "-e", "."},
				meta:  map[string]any{"source": descriptor},
			}, true
		}
	}
	return command{}, false
}

// detectTests returns what identified a test suite, or "" when there is none:
// a tests/ or test/ directory, or root-level test_*.py / *_test.py files.
func detectTests(repoDir string) string {
	for _, d := range []string{"tests", "test"} {
		if info, err := os.Stat(filepath.Join(repoDir, d)); err == nil && info.IsDir() {
			return d + "/"
		}
	}
	for _, pattern := range []string{"test_*.py", "*_test.py"} {
		if matches, _ := filepath.Glob(filepath.Join(repoDir, pattern)); len(matches) > 0 {
			return pattern
		}
	}
	return ""
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func withEnv(base map[string]string, extra map[string]string) map[string]string {
	out := make(map[string]string, len(base)+len(extra))
	maps.Copy(out, base)
	maps.Copy(out, extra)
	return out
}
