// Package sandboxtest provides a scripted sandbox.Executor for tests.
package sandboxtest

import (
	"context"
	"strings"
	"sync"

	"github.com/jkaninda/repocheck/internal/sandbox"
)

// Fake records every request and answers from prefix rules. A request that
// matches no rule succeeds with empty output.
type Fake struct {
	mu    sync.Mutex
	rules []rule
	calls []sandbox.Request
}

type rule struct {
	prefix string
	fn     func(sandbox.Request) sandbox.Result
}

// New returns an empty Fake.
func New() *Fake {
	return &Fake{}
}

// On answers commands whose space-joined argv starts with prefix.
// Rules are checked in the order they were added.
func (f *Fake) On(prefix string, res sandbox.Result) *Fake {
	return f.OnFunc(prefix, func(sandbox.Request) sandbox.Result { return res })
}

// OnFunc is like On but computes the result, e.g. to create files as a side effect.
func (f *Fake) OnFunc(prefix string, fn func(sandbox.Request) sandbox.Result) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rules = append(f.rules, rule{prefix: prefix, fn: fn})
	return f
}

// Execute implements sandbox.Executor.
func (f *Fake) Execute(_ context.Context, req sandbox.Request) sandbox.Result {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	rules := append([]rule(nil), f.rules...)
	f.mu.Unlock()

	line := strings.Join(req.Command, " ")
	for _, r := range rules {
		if strings.HasPrefix(line, r.prefix) {
			return r.fn(req)
		}
	}
	return OK("")
}

// Calls returns the recorded requests.
func (f *Fake) Calls() []sandbox.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sandbox.Request(nil), f.calls...)
}

// Commands returns the recorded argv of every call, space-joined.
func (f *Fake) Commands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	for i, c := range f.calls {
		out[i] = strings.Join(c.Command, " ")
	}
	return out
}

// OK is a successful result with the given stdout.
func OK(stdout string) sandbox.Result {
	return sandbox.Result{OK: true, Stdout: stdout, Class: sandbox.ClassOK}
}

// Exit is a failed result with the given exit code and stderr.
func Exit(code int, stderr string) sandbox.Result {
	return sandbox.Result{ExitCode: code, Stderr: stderr, Class: sandbox.ClassExit}
}
