// Package sandbox runs external commands on behalf of the verification pipeline.
// Every git, python and bundler invocation goes through an Executor: argv only,
// no shell interpretation, a working directory confined to an allowed root, and
// a per-call timeout that kills the whole process group.
package sandbox

import (
	"context"
	"time"
)

// Executor runs a single command and reports what happened.
// Implementations never return an error: every failure mode is folded into the Result.
type Executor interface {
	Execute(ctx context.Context, req Request) Result
}

// Request defines what to run and under what constraints.
type Request struct {
	// Command is the program and its arguments (e.g. ["git", "fetch", "--all"]).
	Command []string

	// Dir is the working directory. It must resolve inside one of the executor's
	// allowed roots. Empty = first allowed root.
	Dir string

	// Env is merged on top of the inherited process environment.
	Env map[string]string

	// Timeout overrides the executor default. Zero = use default.
	Timeout time.Duration

	// Limits overrides resource limits. Zero values = use executor defaults.
	Limits ResourceLimits
}

// ResourceLimits constrains the child process. Zero means unlimited.
type ResourceLimits struct {
	MaxCPUSeconds int // CPU time limit (ulimit -t).
	MaxMemoryMB   int // Virtual memory limit in MB (ulimit -v).
}

// Class is a coarse classification of how a command ended.
type Class string

const (
	ClassOK         Class = "ok"
	ClassExit       Class = "exit"        // ran, exited non-zero
	ClassTimeout    Class = "timeout"     // killed after the request timeout
	ClassCanceled   Class = "canceled"    // caller context canceled
	ClassNotFound   Class = "not_found"   // executable not on PATH
	ClassUsage      Class = "usage"       // rejected before start (bad argv, dir outside root)
	ClassStartError Class = "start_error" // could not be started for another reason
)

const (
	// ExitTimeout is the exit code reported for a command killed on timeout.
	ExitTimeout = 124
	// ExitNotFound is the exit code reported when the executable cannot be found.
	ExitNotFound = 127
	// ExitUsage is the exit code reported when a request is rejected before start.
	ExitUsage = -1

	// TimeoutMarker is appended to stderr of a timed-out command.
	TimeoutMarker = "[timeout]"
)

// Result captures the outcome of a command.
type Result struct {
	OK       bool
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
	Class    Class
}

// DurationMs returns the wall-clock duration in milliseconds.
func (r Result) DurationMs() int64 {
	return r.Duration.Milliseconds()
}
