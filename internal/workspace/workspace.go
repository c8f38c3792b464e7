// Package workspace maps sandbox keys onto the two directory roots used by a
// verification run:
//
//	<verifyRoot>/<key>/repo            managed git working copy (pipeline-owned)
//	<sandboxRoot>/<key>/overlay/**     caller-supplied file overlay (read-only)
//	<sandboxRoot>/<key>/patch.diff     caller-supplied unified diff (read-only)
//
// The roots are independent and passed in explicitly; nothing here relies on
// the process working directory.
package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

const (
	repoDirName     = "repo"
	overlayDirName  = "overlay"
	patchFileName   = "patch.diff"
	lockFileSuffix  = ".lock"
	defaultDirPerms = 0o750
)

// Workdir is the pipeline-owned location of one key's working copy.
type Workdir struct {
	RunRoot string // <verifyRoot>/<key>
	RepoDir string // <verifyRoot>/<key>/repo
}

// Overlay is the caller-owned location of one key's proposed changes.
type Overlay struct {
	OverlayDir string // <sandboxRoot>/<key>/overlay
	PatchFile  string // <sandboxRoot>/<key>/patch.diff
}

// Layout resolves per-key paths under the two roots.
type Layout struct {
	VerifyRoot  string
	SandboxRoot string

	mu      sync.Mutex
	created map[string]bool // tracks which directories have been ensured
}

// New creates a Layout. Both roots are made absolute (with ~ expanded); only
// the verification root is created, the sandbox root belongs to the caller.
func New(verifyRoot, sandboxRoot string) (*Layout, error) {
	if verifyRoot == "" || sandboxRoot == "" {
		return nil, fmt.Errorf("workspace: both verify and sandbox roots are required")
	}
	vr, err := resolvePath(verifyRoot)
	if err != nil {
		return nil, fmt.Errorf("resolving verify root %q: %w", verifyRoot, err)
	}
	sr, err := resolvePath(sandboxRoot)
	if err != nil {
		return nil, fmt.Errorf("resolving sandbox root %q: %w", sandboxRoot, err)
	}

	l := &Layout{
		VerifyRoot:  vr,
		SandboxRoot: sr,
		created:     make(map[string]bool),
	}
	if err := l.ensureDir(vr); err != nil {
		return nil, fmt.Errorf("creating verify root: %w", err)
	}
	return l, nil
}

// Workdir returns the working-copy paths for key and creates the run root.
// The repo directory itself is left for git clone to create.
func (l *Layout) Workdir(key string) (Workdir, error) {
	if err := checkKey(key); err != nil {
		return Workdir{}, err
	}
	runRoot := filepath.Join(l.VerifyRoot, key)
	if err := l.ensureDir(runRoot); err != nil {
		return Workdir{}, err
	}
	return Workdir{
		RunRoot: runRoot,
		RepoDir: filepath.Join(runRoot, repoDirName),
	}, nil
}

// Overlay returns the overlay paths for key. Nothing is created.
func (l *Layout) Overlay(key string) (Overlay, error) {
	if err := checkKey(key); err != nil {
		return Overlay{}, err
	}
	base := filepath.Join(l.SandboxRoot, key)
	return Overlay{
		OverlayDir: filepath.Join(base, overlayDirName),
		PatchFile:  filepath.Join(base, patchFileName),
	}, nil
}

// LockPath returns <verifyRoot>/<key>.lock.
func (l *Layout) LockPath(key string) string {
	return filepath.Join(l.VerifyRoot, key+lockFileSuffix)
}

// Keys lists the keys that have a working copy under the verification root.
func (l *Layout) Keys() ([]string, error) {
	entries, err := os.ReadDir(l.VerifyRoot)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading verify root: %w", err)
	}
	var keys []string
	for _, e := range entries {
		if e.IsDir() && checkKey(e.Name()) == nil {
			keys = append(keys, e.Name())
		}
	}
	return keys, nil
}

// Remove deletes the working copy for key. The overlay is never touched.
func (l *Layout) Remove(key string) error {
	if err := checkKey(key); err != nil {
		return err
	}
	runRoot := filepath.Join(l.VerifyRoot, key)
	if err := os.RemoveAll(runRoot); err != nil {
		return fmt.Errorf("removing %s: %w", runRoot, err)
	}
	l.mu.Lock()
	delete(l.created, runRoot)
	l.mu.Unlock()
	return nil
}

// ensureDir creates a directory if it doesn't already exist.
// Uses a cache to avoid redundant stat/mkdir calls.
func (l *Layout) ensureDir(path string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.created[path] {
		if _, err := os.Stat(path); err == nil {
			return nil
		}
	}
	if err := os.MkdirAll(path, defaultDirPerms); err != nil {
		return fmt.Errorf("creating directory %s: %w", path, err)
	}
	l.created[path] = true
	return nil
}

// checkKey rejects anything that could escape the roots.
func checkKey(key string) error {
	if key == "" || key == "." || key == ".." || strings.ContainsAny(key, `/\`) {
		return fmt.Errorf("workspace: invalid sandbox key %q", key)
	}
	return nil
}

// resolvePath expands ~ to the user home directory and returns an absolute path.
func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}
