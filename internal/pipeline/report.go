package pipeline

import (
	"fmt"
	"strings"
	"time"
)

// Failure is the tagged reason a run did not pass.
type Failure struct {
	Kind    FailureKind `json:"kind"`
	Step    string      `json:"step,omitempty"`
	Message string      `json:"message"`
}

// Report is the terminal value of one verification run.
type Report struct {
	RunID       string       `json:"run_id"`
	OK          bool         `json:"ok"`
	Key         string       `json:"key"`
	RepoURL     string       `json:"repo_url"`
	Ref         string       `json:"ref"`
	RepoDir     string       `json:"repo_dir"`
	ProjectType string       `json:"project_type,omitempty"`
	Steps       []StepRecord `json:"steps"`
	Error       string       `json:"error,omitempty"`
	Failure     *Failure     `json:"failure,omitempty"`
	StartedAt   time.Time    `json:"started_at"`
	FinishedAt  time.Time    `json:"finished_at"`
	DurationMs  int64        `json:"duration_ms"`
}

// FailureFromStep describes a failed step. The kind comes from the step's phase.
func FailureFromStep(s StepRecord) *Failure {
	kind := s.Phase
	if kind == "" {
		kind = FailureInternal
	}
	msg := fmt.Sprintf("step %q failed with exit code %d", s.Name, s.ExitCode)
	if line := lastLine(s.StderrTail); line != "" {
		msg += ": " + line
	}
	return &Failure{Kind: kind, Step: s.Name, Message: msg}
}

// Summary renders a short human-readable digest of the report.
func (r *Report) Summary() string {
	var b strings.Builder
	status := "PASS"
	if !r.OK {
		status = "FAIL"
	}
	fmt.Fprintf(&b, "%s %s@%s (key %s", status, r.RepoURL, r.Ref, r.Key)
	if r.ProjectType != "" {
		fmt.Fprintf(&b, ", %s", r.ProjectType)
	}
	fmt.Fprintf(&b, ", %s)\n", time.Duration(r.DurationMs)*time.Millisecond)
	for _, s := range r.Steps {
		mark := "ok"
		switch {
		case s.Skipped:
			mark = "skip"
		case !s.OK:
			mark = "FAIL"
		}
		fmt.Fprintf(&b, "  [%s] %s", mark, s.Name)
		if !s.OK {
			fmt.Fprintf(&b, " (exit %d)", s.ExitCode)
		}
		b.WriteByte('\n')
	}
	if r.Failure != nil {
		fmt.Fprintf(&b, "%s error: %s\n", r.Failure.Kind, r.Failure.Message)
	}
	return b.String()
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	const maxLen = 300
	if len(s) > maxLen {
		s = s[len(s)-maxLen:]
	}
	return strings.TrimSpace(s)
}
