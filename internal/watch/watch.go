// Package watch re-runs a verification whenever the sandbox overlay of its key
// changes. Bursts of filesystem events collapse into one run after a quiet
// period; events that arrive during a run trigger one more run afterwards.
package watch

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/jkaninda/repocheck/internal/pipeline"
	"github.com/jkaninda/repocheck/internal/verify"
	"github.com/jkaninda/repocheck/internal/workspace"
)

// DefaultDebounce is the quiet period used when none is configured.
const DefaultDebounce = 1500 * time.Millisecond

// Verifier runs one verification.
type Verifier interface {
	Verify(ctx context.Context, req verify.Request, observer pipeline.Observer) *pipeline.Report
}

// Watcher watches one key's overlay directory and patch file.
type Watcher struct {
	verifier   Verifier
	req        verify.Request
	overlay    workspace.Overlay
	debounce   time.Duration
	runOnStart bool
	onReport   func(*pipeline.Report)
	logger     *slog.Logger

	ready     chan struct{} // closed once watches are in place
	readyOnce sync.Once

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithDebounce sets the quiet period before a run.
func WithDebounce(d time.Duration) Option { return func(w *Watcher) { w.debounce = d } }

// WithRunOnStart runs one verification before waiting for changes.
func WithRunOnStart() Option { return func(w *Watcher) { w.runOnStart = true } }

// WithReportHandler is called with every finished report.
func WithReportHandler(fn func(*pipeline.Report)) Option {
	return func(w *Watcher) { w.onReport = fn }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(w *Watcher) { w.logger = l } }

// New creates a Watcher that verifies req whenever ov changes.
func New(v Verifier, req verify.Request, ov workspace.Overlay, opts ...Option) *Watcher {
	w := &Watcher{
		verifier: v,
		req:      req,
		overlay:  ov,
		debounce: DefaultDebounce,
		logger:   slog.New(slog.DiscardHandler),
		ready:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.debounce <= 0 {
		w.debounce = DefaultDebounce
	}
	return w
}

// Start watches until ctx is canceled or Stop is called. The sandbox
// directory of the key does not have to exist yet: the nearest existing
// ancestor is watched until it appears. Start never creates directories.
func (w *Watcher) Start(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer fw.Close()

	if _, err := w.attach(fw); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	w.mu.Lock()
	w.cancel = cancel
	w.done = make(chan struct{})
	done := w.done
	w.mu.Unlock()
	defer close(done)
	defer cancel()

	w.logger.InfoContext(ctx, "watching overlay",
		slog.String("overlay_dir", w.overlay.OverlayDir),
		slog.String("patch_file", w.overlay.PatchFile),
		slog.Duration("debounce", w.debounce),
	)
	w.readyOnce.Do(func() { close(w.ready) })

	events := make(chan string)
	go func() {
		defer close(events)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-fw.Events:
				if !ok {
					return
				}
				name := ev.Name
				if ev.Op&fsnotify.Create != 0 {
					switch {
					case w.onPath(name):
						// A missing parent of the sandbox dir appeared.
						present, err := w.attach(fw)
						if err != nil {
							w.logger.WarnContext(ctx, "watch add failed", slog.String("error", err.Error()))
						}
						if !present {
							continue
						}
						name = w.overlay.PatchFile
					case w.inOverlay(name):
						// New directories inside the overlay must be watched too.
						if info, err := os.Stat(name); err == nil && info.IsDir() {
							if err := w.addTree(fw, name); err != nil {
								w.logger.WarnContext(ctx, "watch add failed", slog.String("error", err.Error()))
							}
						}
					}
				}
				if ev.Op == fsnotify.Chmod || !w.relevant(name) {
					continue
				}
				select {
				case events <- name:
				case <-ctx.Done():
					return
				}
			case err, ok := <-fw.Errors:
				if !ok {
					return
				}
				w.logger.WarnContext(ctx, "watcher error", slog.String("error", err.Error()))
			}
		}
	}()

	w.loop(ctx, events)
	return nil
}

// Stop ends a running Start and waits for it to return.
func (w *Watcher) Stop(ctx context.Context) error {
	w.mu.Lock()
	cancel, done := w.cancel, w.done
	w.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// loop debounces change notifications into verification runs.
func (w *Watcher) loop(ctx context.Context, events <-chan string) {
	if w.runOnStart {
		w.run(ctx, "start")
	}

	timer := time.NewTimer(w.debounce)
	if !timer.Stop() {
		<-timer.C
	}
	pending := ""

	for {
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case path, ok := <-events:
			if !ok {
				return
			}
			pending = path
			timer.Reset(w.debounce)
		case <-timer.C:
			w.run(ctx, pending)
			pending = ""
		}
	}
}

func (w *Watcher) run(ctx context.Context, trigger string) {
	w.logger.InfoContext(ctx, "overlay changed, verifying", slog.String("trigger", trigger))
	report := w.verifier.Verify(ctx, w.req, nil)
	if w.onReport != nil {
		w.onReport(report)
	}
}

// relevant reports whether path is the patch file or inside the overlay tree.
func (w *Watcher) relevant(path string) bool {
	return filepath.Clean(path) == filepath.Clean(w.overlay.PatchFile) || w.inOverlay(path)
}

// onPath reports whether path is the sandbox dir or one of its ancestors.
func (w *Watcher) onPath(path string) bool {
	base := filepath.Clean(filepath.Dir(w.overlay.PatchFile))
	path = filepath.Clean(path)
	return path == base || strings.HasPrefix(base, path+string(filepath.Separator))
}

// attach watches the sandbox dir and the overlay tree when the sandbox dir
// exists, otherwise its nearest existing ancestor. present reports whether
// the patch file or overlay dir already exists.
func (w *Watcher) attach(fw *fsnotify.Watcher) (present bool, err error) {
	base := filepath.Dir(w.overlay.PatchFile)
	dir := base
	for {
		info, err := os.Stat(dir)
		if err == nil && info.IsDir() {
			break
		}
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return false, fmt.Errorf("checking %s: %w", dir, err)
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return false, fmt.Errorf("no existing parent for %s", base)
		}
		dir = parent
	}
	if err := fw.Add(dir); err != nil {
		return false, fmt.Errorf("watching %s: %w", dir, err)
	}
	if dir != base {
		return false, nil
	}
	if err := w.addTree(fw, w.overlay.OverlayDir); err != nil {
		return false, err
	}
	for _, p := range []string{w.overlay.PatchFile, w.overlay.OverlayDir} {
		if _, err := os.Stat(p); err == nil {
			present = true
		}
	}
	return present, nil
}

func (w *Watcher) inOverlay(path string) bool {
	dir := filepath.Clean(w.overlay.OverlayDir)
	path = filepath.Clean(path)
	return path == dir || strings.HasPrefix(path, dir+string(filepath.Separator))
}

// addTree watches root and every directory below it. A missing root is fine:
// its creation is seen through the parent.
func (w *Watcher) addTree(fw *fsnotify.Watcher, root string) error {
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if err := fw.Add(path); err != nil {
				return fmt.Errorf("watching %s: %w", path, err)
			}
		}
		return nil
	})
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}
