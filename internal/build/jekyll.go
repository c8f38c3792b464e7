package build

import (
	"context"
	"path/filepath"
	"strings"
	"time"

	"github.com/jkaninda/repocheck/internal/pipeline"
)

const siteDir = "_site"

// indexDocument must exist after a successful site build.
const indexDocument = "index.html"

// stylesheetCandidates are the common primary stylesheet locations of Jekyll
// themes. Any one satisfies the assertion.
var stylesheetCandidates = []string{
	"assets/css/style.css",
	"assets/main.css",
	"css/main.css",
	"css/style.css",
}

// jekyllPlan: vendored bundle install, production site build, then an
// assertion that the index document and a stylesheet were generated.
func jekyllPlan(ctx context.Context, r *Runner, repoDir string, t pipeline.Timeouts, log *pipeline.StepLog) bool {
	env := map[string]string{"JEKYLL_ENV": "production"}
	steps := []command{
		{name: "bundle_config", phase: pipeline.FailureInstall, argv: []string{r.tools.Bundle, "config", "set", "--local", "path", "vendor/bundle"}, timeout: t.Install},
		{name: "bundle_install", phase: pipeline.FailureInstall, argv: []string{r.tools.Bundle, "install"}, timeout: t.Install},
		{name: "jekyll_build", phase: pipeline.FailureBuild, argv: []string{r.tools.Bundle, "exec", "jekyll", "build"}, timeout: t.Build},
	}
	for _, c := range steps {
		c.dir, c.env = repoDir, env
		if !r.run(ctx, log, c) {
			return false
		}
	}
	return log.Append(AssertSiteArtifacts(repoDir))
}

// AssertSiteArtifacts checks the built site under repoDir/_site. Missing
// artifacts are listed by path relative to the repository.
func AssertSiteArtifacts(repoDir string) pipeline.StepRecord {
	start := time.Now()
	site := filepath.Join(repoDir, siteDir)

	var missing []string
	checked := []string{filepath.Join(siteDir, indexDocument)}
	if !fileExists(filepath.Join(site, indexDocument)) {
		missing = append(missing, filepath.Join(siteDir, indexDocument))
	}

	stylesheet := ""
	for _, c := range stylesheetCandidates {
		checked = append(checked, filepath.Join(siteDir, c))
		if fileExists(filepath.Join(site, c)) {
			stylesheet = filepath.Join(siteDir, c)
			break
		}
	}
	if stylesheet == "" {
		missing = append(missing, filepath.Join(siteDir, stylesheetCandidates[0]))
	}

	rec := pipeline.StepRecord{
		Name:       "assert_artifacts",
		OK:         len(missing) == 0,
		DurationMs: time.Since(start).Milliseconds(),
		Phase:      pipeline.FailureAssertion,
		Metadata: map[string]any{
			"missing": missingOrEmpty(missing),
			"checked": checked,
		},
	}
	if stylesheet != "" {
		rec.Metadata["stylesheet"] = stylesheet
	}
	if !rec.OK {
		rec.ExitCode = 1
		rec.StderrTail = "missing build artifacts: " + strings.Join(missing, ", ")
	}
	return rec
}

func missingOrEmpty(m []string) []string {
	if m == nil {
		return []string{}
	}
	return m
}
