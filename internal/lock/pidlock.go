// Package lock guards a cache directory against concurrent dispatch runs.
// Two dispatchers writing artifacts under the same root would interleave
// partial cache files; the CLI takes this lock before processing.
package lock

import (
	"fmt"
	"os"
	"path/filepath"
	"syscall"
)

// CacheLock is a single-run lock implemented via a PID file + flock(2).
// Keep the lock alive by keeping the file descriptor open.
type CacheLock struct {
	path string
	f    *os.File
}

// Acquire takes an exclusive non-blocking lock on the cache root's lock
// file, writes the current PID into it, and returns a handle that must be
// released.
func Acquire(cacheRoot string) (*CacheLock, error) {
	if cacheRoot == "" {
		return nil, fmt.Errorf("cache root is empty")
	}
	if err := os.MkdirAll(cacheRoot, 0o755); err != nil {
		return nil, fmt.Errorf("create cache root: %w", err)
	}
	lockPath := filepath.Join(cacheRoot, ".quarry.lock")

	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("cache root %s is in use by another run: %w", cacheRoot, err)
	}

	if err := writePID(f); err != nil {
		_ = syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
		_ = f.Close()
		return nil, err
	}

	return &CacheLock{path: lockPath, f: f}, nil
}

func writePID(f *os.File) error {
	if err := f.Truncate(0); err != nil {
		return fmt.Errorf("truncate lock file: %w", err)
	}
	if _, err := f.Seek(0, 0); err != nil {
		return fmt.Errorf("seek lock file: %w", err)
	}
	if _, err := fmt.Fprintf(f, "%d\n", os.Getpid()); err != nil {
		return fmt.Errorf("write pid: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync lock file: %w", err)
	}
	return nil
}

// Path returns the lock file path.
func (l *CacheLock) Path() string { return l.path }

// Release unlocks and closes the lock file. Safe to call more than once.
func (l *CacheLock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	_ = syscall.Flock(int(l.f.Fd()), syscall.LOCK_UN)
	err := l.f.Close()
	l.f = nil
	return err
}
