package main

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/jkaninda/repocheck/internal/pipeline"
	"github.com/jkaninda/repocheck/internal/storage"
)

func TestParseTimeoutFlags(t *testing.T) {
	got, err := parseTimeoutFlags([]string{"install=1800", " build = 60 "})
	if err != nil {
		t.Fatalf("parseTimeoutFlags: %v", err)
	}
	if got["install"] != 1800 || got["build"] != 60 || len(got) != 2 {
		t.Errorf("got %v", got)
	}

	if got, err := parseTimeoutFlags(nil); err != nil || got != nil {
		t.Errorf("nil flags = %v, %v", got, err)
	}
	for _, bad := range []string{"install", "install=abc", "install=10s"} {
		if _, err := parseTimeoutFlags([]string{bad}); err == nil {
			t.Errorf("parseTimeoutFlags(%q) should fail", bad)
		}
	}
}

func TestNewLogger(t *testing.T) {
	for _, format := range []string{"json", "text", "JSON", ""} {
		if _, err := newLogger(format, "debug"); err != nil {
			t.Errorf("newLogger(%q): %v", format, err)
		}
	}
	if _, err := newLogger("xml", "info"); err == nil {
		t.Error("expected error for unknown format")
	}
	if _, err := newLogger("json", "loud"); err == nil {
		t.Error("expected error for unknown level")
	}
}

func TestExitCode(t *testing.T) {
	if code, ok := exitCode(fmt.Errorf("wrapped: %w", &exitError{code: 1})); !ok || code != 1 {
		t.Errorf("exitCode = %d, %v", code, ok)
	}
	if _, ok := exitCode(errors.New("boom")); ok {
		t.Error("plain error should not carry an exit code")
	}
}

func TestStepLine(t *testing.T) {
	tests := []struct {
		rec  pipeline.StepRecord
		want string
	}{
		{pipeline.StepRecord{Name: "clone", OK: true, DurationMs: 1500}, "[ok  ] clone"},
		{pipeline.StepRecord{Name: "patch", OK: true, Skipped: true}, "[skip] patch"},
		{pipeline.StepRecord{Name: "build", ExitCode: 2}, "exit=2"},
	}
	for _, tt := range tests {
		if got := stepLine(tt.rec); !strings.Contains(got, tt.want) {
			t.Errorf("stepLine(%s) = %q, want substring %q", tt.rec.Name, got, tt.want)
		}
	}
}

func TestPrintReport(t *testing.T) {
	r := &pipeline.Report{RunID: "r1", OK: true, Key: "acme_widget", RepoURL: "https://github.com/acme/widget", Ref: "main"}

	var text bytes.Buffer
	if err := printReport(&text, r, false); err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(text.String(), "PASS https://github.com/acme/widget@main") {
		t.Errorf("summary = %q", text.String())
	}

	var js bytes.Buffer
	if err := printReport(&js, r, true); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(js.String(), `"run_id": "r1"`) {
		t.Errorf("json = %s", js.String())
	}
}

func TestTables(t *testing.T) {
	started := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	var buf bytes.Buffer
	err := writeRunTable(&buf, []*pipeline.Report{
		{RunID: "r1", OK: true, Ref: "main", ProjectType: "python", StartedAt: started},
		{RunID: "r2", Ref: "main", StartedAt: started, Failure: &pipeline.Failure{Kind: pipeline.FailureBuild, Step: "jekyll_build"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	for _, want := range []string{"RUN ID", "r1", "PASS", "python", "r2", "FAIL", "build (jekyll_build)"} {
		if !strings.Contains(out, want) {
			t.Errorf("run table missing %q:\n%s", want, out)
		}
	}

	buf.Reset()
	if err := writeKeyTable(&buf, []storage.KeySummary{{Key: "acme_widget", RepoURL: "https://github.com/acme/widget", Runs: 3, LastOK: true, LastRunAt: started}}); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "acme_widget") || !strings.Contains(buf.String(), "3") {
		t.Errorf("key table:\n%s", buf.String())
	}
}

func TestCommandTree(t *testing.T) {
	want := []string{"verify", "key", "history", "serve", "mcp", "watch", "version"}
	for _, name := range want {
		cmd, _, err := rootCmd.Find([]string{name})
		if err != nil || cmd.Name() != name {
			t.Errorf("command %q not registered", name)
		}
	}
	for _, name := range []string{"list", "latest", "show", "keys", "prune"} {
		if cmd, _, err := rootCmd.Find([]string{"history", name}); err != nil || cmd.Name() != name {
			t.Errorf("history %q not registered", name)
		}
	}
}
