// Package cache manages the on-disk layout of the conversion cache: one
// directory per job key under a caller-supplied root. The dispatcher owns no
// other persistent state; everything under the root is a worker-written
// artifact (plus the optional run ledger).
package cache

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Manager hands out per-job output directories under a cache root.
type Manager struct {
	root string
	now  func() time.Time
}

// NewManager creates a manager rooted at root.
func NewManager(root string) (*Manager, error) {
	trimmed := strings.TrimSpace(root)
	if trimmed == "" {
		return nil, fmt.Errorf("cache root is empty")
	}

	return &Manager{
		root: filepath.Clean(trimmed),
		now:  time.Now,
	}, nil
}

// Root returns the cache root directory.
func (m *Manager) Root() string { return m.root }

// JobDir creates (if needed) and returns the output directory for jobKey.
func (m *Manager) JobDir(jobKey string) (string, error) {
	if err := validateKey(jobKey); err != nil {
		return "", err
	}

	path := filepath.Join(m.root, jobKey)
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", fmt.Errorf("create cache directory for job %q: %w", jobKey, err)
	}
	return path, nil
}

// CleanupReport summarizes a Cleanup pass.
type CleanupReport struct {
	DeletedDirs int
}

// Cleanup removes job directories whose modification time is older than
// olderThan. Non-directory entries (the ledger database, lock file) are left
// alone.
func (m *Manager) Cleanup(olderThan time.Duration) (CleanupReport, error) {
	if olderThan <= 0 {
		return CleanupReport{}, fmt.Errorf("olderThan must be positive")
	}

	entries, err := os.ReadDir(m.root)
	if os.IsNotExist(err) {
		return CleanupReport{}, nil
	}
	if err != nil {
		return CleanupReport{}, fmt.Errorf("read cache root: %w", err)
	}

	cutoff := m.now().Add(-olderThan)
	report := CleanupReport{}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			return report, fmt.Errorf("read cache entry info %q: %w", entry.Name(), err)
		}
		if info.ModTime().After(cutoff) {
			continue
		}

		path := filepath.Join(m.root, entry.Name())
		if err := os.RemoveAll(path); err != nil {
			return report, fmt.Errorf("remove cache directory %q: %w", entry.Name(), err)
		}
		report.DeletedDirs++
	}

	return report, nil
}

func validateKey(jobKey string) error {
	trimmed := strings.TrimSpace(jobKey)
	if trimmed == "" {
		return fmt.Errorf("job key is empty")
	}
	if trimmed == "." || trimmed == ".." {
		return fmt.Errorf("job key %q is invalid", jobKey)
	}
	if strings.Contains(trimmed, "/") || strings.Contains(trimmed, `\`) {
		return fmt.Errorf("job key %q must not contain path separators", jobKey)
	}
	if filepath.Clean(trimmed) != trimmed {
		return fmt.Errorf("job key %q is invalid", jobKey)
	}
	return nil
}
