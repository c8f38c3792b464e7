package postgres

import (
	"encoding/json"

	"github.com/jkaninda/repocheck/internal/pipeline"
)

// --- Report ---

func toRunModel(r *pipeline.Report) RunModel {
	m := RunModel{
		ID:          r.RunID,
		SandboxKey:  r.Key,
		RepoURL:     r.RepoURL,
		Ref:         r.Ref,
		RepoDir:     r.RepoDir,
		ProjectType: r.ProjectType,
		OK:          r.OK,
		Error:       r.Error,
		StartedAt:   r.StartedAt.UTC(),
		FinishedAt:  r.FinishedAt.UTC(),
		DurationMs:  r.DurationMs,
		Steps:       make([]StepModel, len(r.Steps)),
	}
	if r.Failure != nil {
		m.FailureKind = string(r.Failure.Kind)
		m.FailureStep = r.Failure.Step
		m.FailureMessage = r.Failure.Message
	}
	for i, s := range r.Steps {
		m.Steps[i] = toStepModel(r.RunID, i, s)
	}
	return m
}

func toReportDomain(m *RunModel) *pipeline.Report {
	r := &pipeline.Report{
		RunID:       m.ID,
		OK:          m.OK,
		Key:         m.SandboxKey,
		RepoURL:     m.RepoURL,
		Ref:         m.Ref,
		RepoDir:     m.RepoDir,
		ProjectType: m.ProjectType,
		Error:       m.Error,
		StartedAt:   m.StartedAt,
		FinishedAt:  m.FinishedAt,
		DurationMs:  m.DurationMs,
		Steps:       make([]pipeline.StepRecord, 0, len(m.Steps)),
	}
	if m.FailureKind != "" {
		r.Failure = &pipeline.Failure{
			Kind:    pipeline.FailureKind(m.FailureKind),
			Step:    m.FailureStep,
			Message: m.FailureMessage,
		}
	}
	for i := range m.Steps {
		r.Steps = append(r.Steps, toStepDomain(&m.Steps[i]))
	}
	return r
}

// --- Step ---

func toStepModel(runID string, seq int, s pipeline.StepRecord) StepModel {
	cmd, _ := json.Marshal(s.Command)
	if s.Command == nil {
		cmd = []byte("[]")
	}
	meta, _ := json.Marshal(s.Metadata)
	if s.Metadata == nil {
		meta = []byte("{}")
	}
	return StepModel{
		RunID:      runID,
		Seq:        seq,
		Name:       s.Name,
		Phase:      string(s.Phase),
		OK:         s.OK,
		Skipped:    s.Skipped,
		ExitCode:   s.ExitCode,
		Command:    JSONB(cmd),
		StdoutTail: s.StdoutTail,
		StderrTail: s.StderrTail,
		DurationMs: s.DurationMs,
		Metadata:   JSONB(meta),
	}
}

func toStepDomain(m *StepModel) pipeline.StepRecord {
	s := pipeline.StepRecord{
		Name:       m.Name,
		OK:         m.OK,
		Skipped:    m.Skipped,
		ExitCode:   m.ExitCode,
		StdoutTail: m.StdoutTail,
		StderrTail: m.StderrTail,
		DurationMs: m.DurationMs,
		Phase:      pipeline.FailureKind(m.Phase),
	}
	if len(m.Command) > 0 {
		_ = json.Unmarshal(m.Command, &s.Command)
		if len(s.Command) == 0 {
			s.Command = nil
		}
	}
	if len(m.Metadata) > 0 {
		_ = json.Unmarshal(m.Metadata, &s.Metadata)
		if len(s.Metadata) == 0 {
			s.Metadata = nil
		}
	}
	return s
}
