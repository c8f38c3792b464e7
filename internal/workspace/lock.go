package workspace

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// ErrLocked is returned by TryLock when another holder owns the key.
var ErrLocked = errors.New("sandbox key is locked by another run")

const lockPollInterval = 100 * time.Millisecond

// Locker serializes runs per sandbox key. Within a process a per-key channel
// semaphore orders callers; across processes an advisory flock(2) on
// <verifyRoot>/<key>.lock does the same. Different keys never contend.
type Locker struct {
	layout *Layout

	mu   sync.Mutex
	sems map[string]chan struct{}
}

// NewLocker creates a Locker for the given layout.
func NewLocker(layout *Layout) *Locker {
	return &Locker{
		layout: layout,
		sems:   make(map[string]chan struct{}),
	}
}

// Lock blocks until key is held or ctx is done. The returned func releases it.
func (lk *Locker) Lock(ctx context.Context, key string) (func(), error) {
	return lk.acquire(ctx, key, true)
}

// TryLock acquires key without waiting, returning ErrLocked if it is held.
func (lk *Locker) TryLock(key string) (func(), error) {
	return lk.acquire(context.Background(), key, false)
}

func (lk *Locker) acquire(ctx context.Context, key string, wait bool) (func(), error) {
	if err := checkKey(key); err != nil {
		return nil, err
	}
	sem := lk.semaphore(key)

	if wait {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			return nil, fmt.Errorf("waiting for lock on %q: %w", key, ctx.Err())
		}
	} else {
		select {
		case sem <- struct{}{}:
		default:
			return nil, ErrLocked
		}
	}

	f, err := lk.flock(ctx, key, wait)
	if err != nil {
		<-sem
		return nil, err
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
			_ = f.Close()
			<-sem
		})
	}, nil
}

func (lk *Locker) semaphore(key string) chan struct{} {
	lk.mu.Lock()
	defer lk.mu.Unlock()
	sem, ok := lk.sems[key]
	if !ok {
		sem = make(chan struct{}, 1)
		lk.sems[key] = sem
	}
	return sem
}

// flock takes the cross-process lock, polling with LOCK_NB so ctx is honored.
func (lk *Locker) flock(ctx context.Context, key string, wait bool) (*os.File, error) {
	path := lk.layout.LockPath(key)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o640)
	if err != nil {
		return nil, fmt.Errorf("opening lock file: %w", err)
	}

	ticker := time.NewTicker(lockPollInterval)
	defer ticker.Stop()
	for {
		err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			return f, nil
		}
		if !errors.Is(err, unix.EWOULDBLOCK) {
			_ = f.Close()
			return nil, fmt.Errorf("locking %s: %w", path, err)
		}
		if !wait {
			_ = f.Close()
			return nil, ErrLocked
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			_ = f.Close()
			return nil, fmt.Errorf("waiting for lock on %q: %w", key, ctx.Err())
		}
	}
}
