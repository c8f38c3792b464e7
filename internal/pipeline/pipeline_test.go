package pipeline

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jkaninda/repocheck/internal/sandbox"
)

func TestStepLog_AppendOnly(t *testing.T) {
	log := NewStepLog(nil)
	log.Append(StepRecord{Name: "clone", OK: true, Metadata: map[string]any{"state": "new"}})

	steps := log.Steps()
	steps[0].Name = "tampered"
	steps[0].Metadata["state"] = "tampered"

	again := log.Steps()
	if again[0].Name != "clone" {
		t.Errorf("Name = %q, log was mutated through returned slice", again[0].Name)
	}
	if again[0].Metadata["state"] != "new" {
		t.Errorf("Metadata mutated through returned map: %v", again[0].Metadata)
	}
}

func TestStepLog_AppendCopiesInput(t *testing.T) {
	log := NewStepLog(nil)
	meta := map[string]any{"files_copied": 1}
	cmd := []string{"git", "status"}
	log.Append(StepRecord{Name: "overlay", OK: true, Command: cmd, Metadata: meta})

	meta["files_copied"] = 99
	cmd[1] = "push"

	s := log.Steps()[0]
	if s.Metadata["files_copied"] != 1 || s.Command[1] != "status" {
		t.Errorf("record changed after append: %+v", s)
	}
}

func TestStepLog_ObserverAndFailure(t *testing.T) {
	var seen []string
	log := NewStepLog(func(r StepRecord) { seen = append(seen, r.Name) })

	if !log.Append(StepRecord{Name: "a", OK: true}) {
		t.Error("Append should report ok")
	}
	if log.Append(StepRecord{Name: "b", OK: false, Phase: FailureBuild}) {
		t.Error("Append should report failure")
	}
	log.Append(StepRecord{Name: "c", OK: false})

	if strings.Join(seen, ",") != "a,b,c" {
		t.Errorf("observer saw %v", seen)
	}
	f, ok := log.Halted()
	if !ok || f.Name != "c" {
		t.Errorf("Halted = %+v, %v", f, ok)
	}
	if log.Len() != 3 {
		t.Errorf("Len = %d", log.Len())
	}
}

func TestStepLog_RecoveredFailureDoesNotHalt(t *testing.T) {
	log := NewStepLog(nil)
	if _, ok := log.Halted(); ok {
		t.Error("empty log should not be halted")
	}
	log.Append(StepRecord{Name: "checkout", OK: false, Phase: FailureCheckout})
	log.Append(StepRecord{Name: "checkout_origin", OK: true})
	log.Append(StepRecord{Name: "reset", OK: true})
	if f, ok := log.Halted(); ok {
		t.Errorf("Halted = %+v, want none after a recovered failure", f)
	}
}

func TestFromResult(t *testing.T) {
	rec := FromResult("clone", FailureCheckout, []string{"git", "clone"}, sandbox.Result{
		ExitCode: 128,
		Stderr:   "fatal: repository not found",
		Duration: 1500 * time.Millisecond,
		Class:    sandbox.ClassExit,
	})
	if rec.OK || rec.ExitCode != 128 || rec.DurationMs != 1500 || rec.Phase != FailureCheckout {
		t.Errorf("unexpected record %+v", rec)
	}
	if rec.Metadata["class"] != "exit" {
		t.Errorf("class metadata = %v", rec.Metadata["class"])
	}
}

func TestSkipAndFail(t *testing.T) {
	s := Skip("tests", FailureBuild, "no tests")
	if !s.OK || !s.Skipped || s.Metadata["reason"] != "no tests" {
		t.Errorf("Skip = %+v", s)
	}
	f := Fail("overlay", FailureOverlay, errors.New("permission denied"))
	if f.OK || f.ExitCode != -1 || f.StderrTail != "permission denied" {
		t.Errorf("Fail = %+v", f)
	}
}

func TestFailureFromStep(t *testing.T) {
	f := FailureFromStep(StepRecord{
		Name:       "pip_install",
		ExitCode:   1,
		StderrTail: "Collecting foo\nERROR: No matching distribution found for foo",
		Phase:      FailureInstall,
	})
	if f.Kind != FailureInstall || f.Step != "pip_install" {
		t.Errorf("Failure = %+v", f)
	}
	if !strings.HasSuffix(f.Message, "No matching distribution found for foo") {
		t.Errorf("Message = %q", f.Message)
	}
}

func TestSummary(t *testing.T) {
	r := &Report{
		OK:      false,
		RepoURL: "https://github.com/a/b",
		Ref:     "main",
		Key:     "a_b",
		Steps: []StepRecord{
			{Name: "clone", OK: true},
			{Name: "tests", OK: true, Skipped: true},
			{Name: "jekyll_build", OK: false, ExitCode: 1},
		},
		Failure: &Failure{Kind: FailureBuild, Message: "boom"},
	}
	got := r.Summary()
	for _, want := range []string{"FAIL https://github.com/a/b@main", "[ok] clone", "[skip] tests", "[FAIL] jekyll_build (exit 1)", "build error: boom"} {
		if !strings.Contains(got, want) {
			t.Errorf("Summary missing %q:\n%s", want, got)
		}
	}
}

func TestTimeouts(t *testing.T) {
	over, err := ParseOverrides(map[string]int{"install": 30, "clone": 5})
	if err != nil {
		t.Fatal(err)
	}
	merged := DefaultTimeouts().Merge(over)
	if merged.Install != 30*time.Second || merged.Clone != 5*time.Second {
		t.Errorf("merged = %+v", merged)
	}
	if merged.Build != DefaultTimeouts().Build {
		t.Errorf("Build should keep default, got %s", merged.Build)
	}

	if _, err := ParseOverrides(map[string]int{"deploy": 10}); err == nil {
		t.Error("expected error for unknown phase")
	}
	if _, err := ParseOverrides(map[string]int{"build": 0}); err == nil {
		t.Error("expected error for zero timeout")
	}
}
