package verify

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jkaninda/repocheck/internal/pipeline"
	"github.com/jkaninda/repocheck/internal/sandbox"
	"github.com/jkaninda/repocheck/internal/sandbox/sandboxtest"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func writeFiles(t *testing.T, dir string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		p := filepath.Join(dir, name)
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
}

// cloneInto makes the fake "git clone" materialize a repository with files.
func cloneInto(t *testing.T, files map[string]string) func(sandbox.Request) sandbox.Result {
	return func(req sandbox.Request) sandbox.Result {
		repoDir := req.Command[len(req.Command)-1]
		writeFiles(t, repoDir, map[string]string{".git/HEAD": "ref: refs/heads/main\n"})
		writeFiles(t, repoDir, files)
		return sandboxtest.OK("")
	}
}

type fixture struct {
	cfg  Config
	fake *sandboxtest.Fake
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	tmp := t.TempDir()
	return &fixture{
		cfg: Config{
			VerifyRoot:  filepath.Join(tmp, "verify"),
			SandboxRoot: filepath.Join(tmp, "sandbox"),
		},
		fake: sandboxtest.New(),
	}
}

func (f *fixture) orchestrator(t *testing.T, opts ...Option) *Orchestrator {
	t.Helper()
	opts = append([]Option{WithLogger(testLogger())}, opts...)
	o, err := New(f.cfg, f.fake, opts...)
	if err != nil {
		t.Fatal(err)
	}
	return o
}

func stepNames(r *pipeline.Report) string {
	var out []string
	for _, s := range r.Steps {
		out = append(out, s.Name)
	}
	return strings.Join(out, ",")
}

const repoURL = "https://github.com/acme/widget.git"

func TestVerify_InputErrors(t *testing.T) {
	f := newFixture(t)
	o := f.orchestrator(t)

	tests := []struct {
		name string
		req  Request
	}{
		{"empty url", Request{}},
		{"blank url", Request{RepoURL: "   "}},
		{"option-like url", Request{RepoURL: "--upload-pack=touch /tmp/x"}},
		{"option-like ref", Request{RepoURL: repoURL, Ref: "-b"}},
		{"bad timeout phase", Request{RepoURL: repoURL, Timeouts: map[string]int{"deploy": 5}}},
		{"zero timeout", Request{RepoURL: repoURL, Timeouts: map[string]int{"build": 0}}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			r := o.Verify(context.Background(), tc.req, nil)
			if r.OK {
				t.Fatal("expected failure")
			}
			if len(r.Steps) != 0 {
				t.Errorf("input errors must not record steps, got %s", stepNames(r))
			}
			if r.Failure == nil || r.Failure.Kind != pipeline.FailureInput {
				t.Errorf("Failure = %+v, want input", r.Failure)
			}
			if r.Error == "" || r.RunID == "" {
				t.Errorf("report = %+v", r)
			}
		})
	}
	if len(f.fake.Calls()) != 0 {
		t.Errorf("no command should run for input errors, got %v", f.fake.Commands())
	}
}

func TestVerify_CloneFailureIsOnlyStep(t *testing.T) {
	f := newFixture(t)
	f.fake.On("git clone", sandboxtest.Exit(128, "fatal: repository 'https://github.com/acme/widget.git/' not found"))
	o := f.orchestrator(t)

	r := o.Verify(context.Background(), Request{RepoURL: repoURL}, nil)
	if r.OK {
		t.Fatal("expected failure")
	}
	if stepNames(r) != "clone" {
		t.Errorf("steps = %s, want clone only", stepNames(r))
	}
	if r.Failure.Kind != pipeline.FailureCheckout || r.Failure.Step != "clone" {
		t.Errorf("Failure = %+v", r.Failure)
	}
	if !strings.Contains(r.Error, "not found") {
		t.Errorf("Error = %q", r.Error)
	}
	if r.Key != "acme_widget" || r.Ref != "main" {
		t.Errorf("Key = %q, Ref = %q", r.Key, r.Ref)
	}
	if want := filepath.Join(o.Layout().VerifyRoot, "acme_widget", "repo"); r.RepoDir != want {
		t.Errorf("RepoDir = %q, want %q", r.RepoDir, want)
	}
}

func TestVerify_CheckoutFallbackStillPasses(t *testing.T) {
	f := newFixture(t)
	f.fake.OnFunc("git clone", cloneInto(t, map[string]string{"README.md": "# widget\n"}))
	f.fake.On("git checkout --force feature", sandboxtest.Exit(1, "error: pathspec 'feature' did not match"))
	f.fake.On("git checkout --force origin/feature", sandboxtest.OK(""))
	o := f.orchestrator(t)

	r := o.Verify(context.Background(), Request{RepoURL: repoURL, Ref: "feature"}, nil)
	if !r.OK || r.Failure != nil || r.Error != "" {
		t.Fatalf("expected success after origin fallback: ok=%v failure=%+v steps=%s", r.OK, r.Failure, stepNames(r))
	}
	if got := stepNames(r); !strings.HasPrefix(got, "clone,checkout,checkout_origin,reset,clean,overlay,patch,detect") {
		t.Errorf("steps = %s", got)
	}
	if r.Steps[1].OK || r.Steps[1].Metadata["fallback"] != "checkout_origin" {
		t.Errorf("primary checkout = %+v", r.Steps[1])
	}
}

func TestVerify_PythonSuccess(t *testing.T) {
	f := newFixture(t)
	f.fake.OnFunc("git clone", cloneInto(t, map[string]string{"requirements.txt": "requests\n", "app.py": "print(1)\n"}))
	o := f.orchestrator(t)

	var observed []string
	r := o.Verify(context.Background(), Request{RepoURL: repoURL, Ref: "develop"}, func(s pipeline.StepRecord) {
		observed = append(observed, s.Name)
	})
	if !r.OK {
		t.Fatalf("expected success: %+v", r)
	}
	want := "clone,checkout,reset,clean,overlay,patch,detect,python_venv,pip_upgrade,pip_install,compileall,tests"
	if got := stepNames(r); got != want {
		t.Errorf("steps = %s\nwant    %s", got, want)
	}
	if strings.Join(observed, ",") != want {
		t.Errorf("observer saw %v", observed)
	}
	if r.ProjectType != "python" || r.Failure != nil || r.Error != "" {
		t.Errorf("report = %+v", r)
	}
	if r.FinishedAt.Before(r.StartedAt) {
		t.Error("FinishedAt before StartedAt")
	}
	last := r.Steps[len(r.Steps)-1]
	if !last.Skipped {
		t.Errorf("tests step = %+v, want skipped", last)
	}
}

func TestVerify_OverlayAppliedBeforeDetection(t *testing.T) {
	f := newFixture(t)
	f.fake.OnFunc("git clone", cloneInto(t, map[string]string{"README.md": "# widget\n"}))
	writeFiles(t, filepath.Join(f.cfg.SandboxRoot, "acme_widget", "overlay"), map[string]string{
		"requirements.txt": "flask\n",
	})
	o := f.orchestrator(t)

	r := o.Verify(context.Background(), Request{RepoURL: repoURL}, nil)
	if !r.OK {
		t.Fatalf("expected success: %+v", r)
	}
	if r.ProjectType != "python" {
		t.Errorf("ProjectType = %q, overlay was not applied before detection", r.ProjectType)
	}
}

func TestVerify_SandboxKeyOverride(t *testing.T) {
	f := newFixture(t)
	f.fake.OnFunc("git clone", cloneInto(t, nil))
	writeFiles(t, filepath.Join(f.cfg.SandboxRoot, "custom", "overlay"), map[string]string{"x.sh": "echo x\n"})
	o := f.orchestrator(t)

	r := o.Verify(context.Background(), Request{RepoURL: repoURL, SandboxKey: "custom"}, nil)
	if r.Key != "custom" {
		t.Errorf("Key = %q", r.Key)
	}
	if r.Steps[4].Name != "overlay" || r.Steps[4].Metadata["files_copied"] != 1 {
		t.Errorf("overlay step = %+v", r.Steps[4])
	}
}

func TestVerify_MalformedPatchStopsRun(t *testing.T) {
	f := newFixture(t)
	f.fake.OnFunc("git clone", cloneInto(t, map[string]string{"requirements.txt": "x\n"}))
	writeFiles(t, filepath.Join(f.cfg.SandboxRoot, "acme_widget"), map[string]string{"patch.diff": "garbage\n"})
	o := f.orchestrator(t)

	r := o.Verify(context.Background(), Request{RepoURL: repoURL}, nil)
	if r.OK {
		t.Fatal("expected failure")
	}
	if got := stepNames(r); got != "clone,checkout,reset,clean,overlay,patch" {
		t.Errorf("steps = %s", got)
	}
	if r.Failure.Kind != pipeline.FailureOverlay || r.Failure.Step != "patch" {
		t.Errorf("Failure = %+v", r.Failure)
	}
}

func TestVerify_FailureKinds(t *testing.T) {
	tests := []struct {
		name  string
		files map[string]string
		fail  string
		code  int
		kind  pipeline.FailureKind
		step  string
	}{
		{"install", map[string]string{"requirements.txt": "nope\n"}, "python3 -m venv", 1, pipeline.FailureInstall, "python_venv"},
		{"build", map[string]string{"Gemfile": "gem 'jekyll'\n"}, "bundle exec jekyll build", 1, pipeline.FailureBuild, "jekyll_build"},
		{"assertion", map[string]string{"Gemfile": "gem 'jekyll'\n"}, "", 0, pipeline.FailureAssertion, "assert_artifacts"},
		{"checkout", nil, "git reset", 128, pipeline.FailureCheckout, "reset"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			f.fake.OnFunc("git clone", cloneInto(t, tc.files))
			if tc.fail != "" {
				f.fake.On(tc.fail, sandboxtest.Exit(tc.code, "boom"))
			}
			r := f.orchestrator(t).Verify(context.Background(), Request{RepoURL: repoURL}, nil)
			if r.OK {
				t.Fatal("expected failure")
			}
			if r.Failure.Kind != tc.kind || r.Failure.Step != tc.step {
				t.Errorf("Failure = %+v, want %s at %s", r.Failure, tc.kind, tc.step)
			}
			last := r.Steps[len(r.Steps)-1]
			if last.Name != tc.step || last.OK {
				t.Errorf("last step = %+v, fail-fast violated", last)
			}
		})
	}
}

func TestVerify_LockedKey(t *testing.T) {
	f := newFixture(t)
	f.cfg.LockTimeout = 50 * time.Millisecond
	o := f.orchestrator(t)

	unlock, err := o.locker.TryLock("acme_widget")
	if err != nil {
		t.Fatal(err)
	}
	defer unlock()

	r := o.Verify(context.Background(), Request{RepoURL: repoURL}, nil)
	if r.OK || r.Failure == nil || r.Failure.Kind != pipeline.FailureLocked {
		t.Fatalf("report = %+v, want locked failure", r)
	}
	if len(r.Steps) != 0 {
		t.Errorf("steps = %s", stepNames(r))
	}
}

type recordingCollaborators struct {
	mu       sync.Mutex
	saved    []*pipeline.Report
	notified []*pipeline.Report
	steps    []string
	runs     int
	saveErr  error
}

func (c *recordingCollaborators) SaveReport(_ context.Context, r *pipeline.Report) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.saved = append(c.saved, r)
	return c.saveErr
}

func (c *recordingCollaborators) NotifyReport(_ context.Context, r *pipeline.Report) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notified = append(c.notified, r)
	return nil
}

func (c *recordingCollaborators) RecordStep(s pipeline.StepRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.steps = append(c.steps, s.Name)
}

func (c *recordingCollaborators) RecordRun(*pipeline.Report) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.runs++
}

func TestVerify_Collaborators(t *testing.T) {
	f := newFixture(t)
	f.fake.OnFunc("git clone", cloneInto(t, nil))
	c := &recordingCollaborators{saveErr: errors.New("database is down")}
	o := f.orchestrator(t, WithStore(c), WithNotifier(c), WithRecorder(c))

	r := o.Verify(context.Background(), Request{RepoURL: repoURL}, nil)
	if !r.OK {
		t.Fatalf("a store error must not fail the run: %+v", r)
	}
	if len(c.saved) != 1 || c.saved[0].RunID != r.RunID {
		t.Errorf("saved = %v", c.saved)
	}
	if len(c.notified) != 1 || c.runs != 1 {
		t.Errorf("notified = %d, runs = %d", len(c.notified), c.runs)
	}
	if strings.Join(c.steps, ",") != stepNames(r) {
		t.Errorf("recorded steps %v, report steps %s", c.steps, stepNames(r))
	}
}

type panickingRecorder struct{}

func (panickingRecorder) RecordStep(pipeline.StepRecord) { panic("recorder exploded") }
func (panickingRecorder) RecordRun(*pipeline.Report)     {}

func TestVerify_PanicBecomesInternalFailure(t *testing.T) {
	f := newFixture(t)
	f.fake.OnFunc("git clone", cloneInto(t, nil))
	o := f.orchestrator(t, WithRecorder(panickingRecorder{}))

	r := o.Verify(context.Background(), Request{RepoURL: repoURL}, nil)
	if r.OK || r.Failure == nil || r.Failure.Kind != pipeline.FailureInternal {
		t.Fatalf("report = %+v, want internal failure", r)
	}
	// The key must have been released.
	unlock, err := o.locker.TryLock("acme_widget")
	if err != nil {
		t.Fatalf("lock not released after panic: %v", err)
	}
	unlock()
}

func TestVerify_TimeoutOverridesReachExecutor(t *testing.T) {
	f := newFixture(t)
	f.fake.On("git clone", sandboxtest.Exit(1, "nope"))
	o := f.orchestrator(t)

	o.Verify(context.Background(), Request{RepoURL: repoURL, Timeouts: map[string]int{"clone": 7}}, nil)
	calls := f.fake.Calls()
	if len(calls) != 1 || calls[0].Timeout != 7*time.Second {
		t.Errorf("clone timeout = %v", calls)
	}
}

// End-to-end against a real local repository: unknown project type, run twice.
func TestVerify_RealGitIdempotent(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}
	origin := filepath.Join(t.TempDir(), "origin")
	writeFiles(t, origin, map[string]string{"README.md": "hello\n"})
	for _, args := range [][]string{
		{"init", "-q"},
		{"symbolic-ref", "HEAD", "refs/heads/main"},
		{"add", "."},
		{"-c", "user.email=t@example.com", "-c", "user.name=t", "-c", "commit.gpgsign=false", "commit", "-q", "-m", "init"},
	} {
		cmd := exec.Command("git", args...)
		cmd.Dir = origin
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("git %v: %v\n%s", args, err, out)
		}
	}

	f := newFixture(t)
	ex := sandbox.NewProcessExecutor(sandbox.ProcessConfig{
		AllowedRoots:   []string{f.cfg.VerifyRoot},
		DefaultTimeout: time.Minute,
	}, testLogger())
	o, err := New(f.cfg, ex, WithLogger(testLogger()))
	if err != nil {
		t.Fatal(err)
	}

	first := o.Verify(context.Background(), Request{RepoURL: origin, SandboxKey: "local"}, nil)
	second := o.Verify(context.Background(), Request{RepoURL: origin, SandboxKey: "local"}, nil)
	for i, r := range []*pipeline.Report{first, second} {
		if !r.OK {
			t.Fatalf("run %d failed: %+v", i+1, r)
		}
	}
	if got := stepNames(first); got != "clone,checkout,reset,clean,overlay,patch,detect,git_status,smoke_compile" {
		t.Errorf("first run steps = %s", got)
	}
	if got := stepNames(second); got != "fetch,checkout,reset,clean,overlay,patch,detect,git_status,smoke_compile" {
		t.Errorf("second run steps = %s", got)
	}
}
