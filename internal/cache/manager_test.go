package cache

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestNewManagerRejectsEmptyRoot(t *testing.T) {
	t.Parallel()

	if _, err := NewManager(""); err == nil {
		t.Fatal("NewManager accepted an empty root")
	}
	if _, err := NewManager("   "); err == nil {
		t.Fatal("NewManager accepted a blank root")
	}
}

func TestJobDirCreatesDirectory(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	m, err := NewManager(root)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	dir, err := m.JobDir("abc123def456")
	if err != nil {
		t.Fatalf("JobDir: %v", err)
	}
	if dir != filepath.Join(root, "abc123def456") {
		t.Fatalf("JobDir = %s", dir)
	}

	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		t.Fatalf("job dir not created: %v", err)
	}

	// Idempotent.
	again, err := m.JobDir("abc123def456")
	if err != nil || again != dir {
		t.Fatalf("second JobDir = %s, %v", again, err)
	}
}

func TestJobDirRejectsUnsafeKeys(t *testing.T) {
	t.Parallel()

	m, err := NewManager(t.TempDir())
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	for _, key := range []string{"", " ", ".", "..", "a/b", `a\b`, "../escape", "./x"} {
		if _, err := m.JobDir(key); err == nil {
			t.Errorf("JobDir(%q) accepted an unsafe key", key)
		}
	}
}

func TestCleanupRemovesOnlyStaleDirs(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	m, err := NewManager(root)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	staleDir := filepath.Join(root, "stale")
	freshDir := filepath.Join(root, "fresh")
	for _, d := range []string{staleDir, freshDir} {
		if err := os.Mkdir(d, 0o755); err != nil {
			t.Fatalf("mkdir %s: %v", d, err)
		}
	}
	// A plain file (like the ledger db) must survive regardless of age.
	ledgerFile := filepath.Join(root, "ledger.db")
	if err := os.WriteFile(ledgerFile, []byte("db"), 0o644); err != nil {
		t.Fatalf("write ledger file: %v", err)
	}

	old := time.Now().Add(-48 * time.Hour)
	if err := os.Chtimes(staleDir, old, old); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
	if err := os.Chtimes(ledgerFile, old, old); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	report, err := m.Cleanup(24 * time.Hour)
	if err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if report.DeletedDirs != 1 {
		t.Fatalf("DeletedDirs = %d, want 1", report.DeletedDirs)
	}

	if _, err := os.Stat(staleDir); !os.IsNotExist(err) {
		t.Fatal("stale dir survived cleanup")
	}
	if _, err := os.Stat(freshDir); err != nil {
		t.Fatal("fresh dir was deleted")
	}
	if _, err := os.Stat(ledgerFile); err != nil {
		t.Fatal("non-directory entry was deleted")
	}
}

func TestCleanupRejectsNonPositiveRetention(t *testing.T) {
	t.Parallel()

	m, err := NewManager(t.TempDir())
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	if _, err := m.Cleanup(0); err == nil {
		t.Fatal("Cleanup accepted zero retention")
	}
}

func TestCleanupMissingRootIsNoop(t *testing.T) {
	t.Parallel()

	m, err := NewManager(filepath.Join(t.TempDir(), "never-created"))
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	report, err := m.Cleanup(time.Hour)
	if err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if report.DeletedDirs != 0 {
		t.Fatalf("DeletedDirs = %d, want 0", report.DeletedDirs)
	}
}
