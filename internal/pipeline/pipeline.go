// Package pipeline holds the shared vocabulary of a verification run: step
// records, the append-only step log, the final report and per-phase timeouts.
package pipeline

import (
	"maps"
	"sync"

	"github.com/jkaninda/repocheck/internal/sandbox"
)

// FailureKind classifies why a run failed.
type FailureKind string

const (
	FailureInput     FailureKind = "input"
	FailureLocked    FailureKind = "locked"
	FailureCheckout  FailureKind = "checkout"
	FailureOverlay   FailureKind = "overlay"
	FailureInstall   FailureKind = "install"
	FailureBuild     FailureKind = "build"
	FailureAssertion FailureKind = "assertion"
	FailureInternal  FailureKind = "internal"
)

// StepRecord is one entry in the audit trail of a run.
type StepRecord struct {
	Name       string         `json:"name"`
	OK         bool           `json:"ok"`
	Skipped    bool           `json:"skipped,omitempty"`
	ExitCode   int            `json:"exit_code"`
	StdoutTail string         `json:"stdout_tail,omitempty"`
	StderrTail string         `json:"stderr_tail,omitempty"`
	DurationMs int64          `json:"duration_ms"`
	Command    []string       `json:"command,omitempty"`
	Phase      FailureKind    `json:"phase"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// FromResult builds a record for a command that went through the executor.
func FromResult(name string, phase FailureKind, command []string, res sandbox.Result) StepRecord {
	rec := StepRecord{
		Name:       name,
		OK:         res.OK,
		ExitCode:   res.ExitCode,
		StdoutTail: res.Stdout,
		StderrTail: res.Stderr,
		DurationMs: res.DurationMs(),
		Command:    append([]string(nil), command...),
		Phase:      phase,
	}
	if res.Class != sandbox.ClassOK {
		rec.Metadata = map[string]any{"class": string(res.Class)}
	}
	return rec
}

// Skip builds an explicit "skipped" record. Skipped steps are successful.
func Skip(name string, phase FailureKind, reason string) StepRecord {
	return StepRecord{
		Name:     name,
		OK:       true,
		Skipped:  true,
		Phase:    phase,
		Metadata: map[string]any{"reason": reason},
	}
}

// Fail builds a failed record for an in-process step (no command ran).
func Fail(name string, phase FailureKind, err error) StepRecord {
	return StepRecord{
		Name:       name,
		ExitCode:   -1,
		StderrTail: err.Error(),
		Phase:      phase,
	}
}

// WithMeta returns a copy of r with the given metadata merged in.
func (r StepRecord) WithMeta(kv map[string]any) StepRecord {
	m := make(map[string]any, len(r.Metadata)+len(kv))
	maps.Copy(m, r.Metadata)
	maps.Copy(m, kv)
	r.Metadata = m
	return r
}

func (r StepRecord) clone() StepRecord {
	r.Command = append([]string(nil), r.Command...)
	if r.Metadata != nil {
		r.Metadata = maps.Clone(r.Metadata)
	}
	return r
}

// Observer is notified of every record as it is appended.
type Observer func(StepRecord)

// StepLog is the ordered, append-only audit trail of one run. Records are
// copied on the way in and on the way out, so nothing outside the log can
// rewrite history.
type StepLog struct {
	mu       sync.Mutex
	steps    []StepRecord
	observer Observer
}

// NewStepLog creates an empty log. observer may be nil.
func NewStepLog(observer Observer) *StepLog {
	return &StepLog{observer: observer}
}

// Append records a step and returns whether it succeeded.
func (l *StepLog) Append(rec StepRecord) bool {
	rec = rec.clone()
	l.mu.Lock()
	l.steps = append(l.steps, rec)
	obs := l.observer
	l.mu.Unlock()

	if obs != nil {
		obs(rec.clone())
	}
	return rec.OK
}

// Steps returns a copy of all records in order.
func (l *StepLog) Steps() []StepRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]StepRecord, len(l.steps))
	for i, s := range l.steps {
		out[i] = s.clone()
	}
	return out
}

// Len returns the number of records.
func (l *StepLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.steps)
}

// Halted returns the record that stopped the run: the last one, when it
// failed. Earlier failures were recovered from (e.g. a checkout fallback).
func (l *StepLog) Halted() (StepRecord, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if n := len(l.steps); n > 0 && !l.steps[n-1].OK {
		return l.steps[n-1].clone(), true
	}
	return StepRecord{}, false
}
