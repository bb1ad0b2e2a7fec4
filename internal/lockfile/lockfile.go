// Package lockfile implements the daemon's singleton gate: an exclusive,
// heartbeat-refreshed advisory lock that refuses to let a second daemon
// instance run against the same config directory (spec.md §4.1).
package lockfile

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/gofrs/flock"
)

// StaleAfter is the staleness window: a lock whose file has not been
// touched in this long is assumed to belong to a daemon that crashed
// without releasing it.
const StaleAfter = 60 * time.Second

// HeartbeatInterval is how often Gate.Heartbeat touches the lock file's
// mtime to prove liveness.
const HeartbeatInterval = 15 * time.Second

// ErrAlreadyLocked is returned by Acquire when another live daemon holds
// the lock.
var ErrAlreadyLocked = errors.New("lockfile: already locked by another daemon")

// lockRegistry tracks every Gate acquired by this process, the same
// tracked-lock-registry shape stacklok-toolhive's pkg/lockfile tests
// exercise (lockRegistry keyed by path, protected by one mutex).
type lockRegistry struct {
	mu    sync.RWMutex
	locks map[string]*flock.Flock
}

func (r *lockRegistry) register(path string, l *flock.Flock) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.locks[path] = l
}

func (r *lockRegistry) unregister(path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.locks, path)
}

var globalRegistry = &lockRegistry{locks: make(map[string]*flock.Flock)}

// Gate is the acquired singleton lock for one daemon instance.
type Gate struct {
	path string
	lock *flock.Flock

	cancelHeartbeat context.CancelFunc
}

// Acquire attempts to take the exclusive lock at path, under a
// staleness-aware retry: if the existing lock file's mtime is older than
// StaleAfter, it is treated as abandoned and removed before retrying once.
//
// Per spec.md §4.1, every acquisition failure (already-locked or any
// filesystem/permission error) is fatal and conservative — the caller
// should exit non-zero rather than run a second instance.
func Acquire(path string) (*Gate, error) {
	if err := os.MkdirAll(parentDir(path), 0o755); err != nil {
		return nil, fmt.Errorf("lockfile: create lock directory: %w", err)
	}

	l := flock.New(path)
	ok, err := l.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lockfile: acquire %s: %w", path, err)
	}

	if !ok {
		if !isStale(path) {
			return nil, ErrAlreadyLocked
		}
		// The previous holder never released cleanly and has gone quiet
		// past the staleness window; reclaim the file and retry once.
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("lockfile: remove stale lock %s: %w", path, err)
		}
		l = flock.New(path)
		ok, err = l.TryLock()
		if err != nil {
			return nil, fmt.Errorf("lockfile: acquire %s after stale reclaim: %w", path, err)
		}
		if !ok {
			return nil, ErrAlreadyLocked
		}
	}

	globalRegistry.register(path, l)
	return &Gate{path: path, lock: l}, nil
}

// isStale reports whether the lock file at path has not been touched
// within StaleAfter. A missing file is never stale (there is nothing to
// reclaim — TryLock already told us it's held).
func isStale(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return time.Since(info.ModTime()) > StaleAfter
}

func parentDir(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[:i]
		}
	}
	return "."
}

// Heartbeat starts a background goroutine that touches the lock file's
// mtime every HeartbeatInterval, proving liveness to any other process
// checking staleness. Stops when ctx is canceled or Release is called.
func (g *Gate) Heartbeat(ctx context.Context) {
	hbCtx, cancel := context.WithCancel(ctx)
	g.cancelHeartbeat = cancel

	go func() {
		ticker := time.NewTicker(HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				now := time.Now()
				if err := os.Chtimes(g.path, now, now); err != nil {
					// Best-effort: a missed heartbeat tick is not fatal,
					// the next tick will try again.
					continue
				}
			case <-hbCtx.Done():
				return
			}
		}
	}()
}

// Release unlocks the gate, removes the lock file, and stops the
// heartbeat goroutine if running.
func (g *Gate) Release() error {
	if g.cancelHeartbeat != nil {
		g.cancelHeartbeat()
	}
	globalRegistry.unregister(g.path)

	if err := g.lock.Unlock(); err != nil {
		return fmt.Errorf("lockfile: unlock %s: %w", g.path, err)
	}
	if err := os.Remove(g.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("lockfile: remove %s: %w", g.path, err)
	}
	return nil
}
