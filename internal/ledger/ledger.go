// Package ledger keeps an optional SQLite journal of dispatch runs inside
// the cache directory. It is write-only diagnostics: the dispatcher never
// reads it back, so no queue state survives a restart.
package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/quarrylab/quarry/internal/log"
	"github.com/quarrylab/quarry/internal/task"
)

const writeTimeout = 5 * time.Second

// Ledger records one run and the terminal transition of every task in it.
// It implements task.Observer.
type Ledger struct {
	db     *sql.DB
	runID  string
	logger *slog.Logger
}

// Open opens (and creates if needed) the ledger database at path and
// ensures required tables exist.
func Open(ctx context.Context, path string) (*Ledger, error) {
	if path == "" {
		return nil, fmt.Errorf("ledger path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create ledger directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}

	pctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if _, err := db.ExecContext(pctx, "PRAGMA busy_timeout = 5000;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy_timeout: %w", err)
	}
	if err := bootstrap(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Ledger{
		db:     db,
		logger: log.WithComponent("ledger"),
	}, nil
}

func bootstrap(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS runs (
  id          TEXT PRIMARY KEY,
  mode        TEXT NOT NULL,
  started_at  TEXT NOT NULL,
  finished_at TEXT
);`,
		`CREATE TABLE IF NOT EXISTS task_log (
  id          TEXT PRIMARY KEY,
  run_id      TEXT NOT NULL,
  job_key     TEXT NOT NULL,
  input_path  TEXT NOT NULL,
  status      TEXT NOT NULL,
  worker_id   INTEGER NOT NULL,
  attempt     INTEGER NOT NULL,
  error       TEXT,
  artifacts   INTEGER NOT NULL DEFAULT 0,
  duration_ms INTEGER NOT NULL DEFAULT 0,
  finished_at TEXT NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS task_log_run_id_idx ON task_log(run_id);`,
		`CREATE INDEX IF NOT EXISTS task_log_job_key_idx ON task_log(job_key);`,
	}

	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap ledger: %w", err)
		}
	}
	return nil
}

// BeginRun opens a new run row. mode is "workers" or "local".
func (l *Ledger) BeginRun(ctx context.Context, mode string) error {
	l.runID = uuid.NewString()
	now := time.Now().UTC().Format(time.RFC3339Nano)

	_, err := l.db.ExecContext(ctx, `
INSERT INTO runs(id, mode, started_at) VALUES(?, ?, ?);
`, l.runID, mode, now)
	if err != nil {
		return fmt.Errorf("begin run: %w", err)
	}
	return nil
}

// FinishRun stamps the current run as finished.
func (l *Ledger) FinishRun(ctx context.Context) error {
	if l.runID == "" {
		return fmt.Errorf("no run in progress")
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)

	_, err := l.db.ExecContext(ctx, `
UPDATE runs SET finished_at = ? WHERE id = ?;
`, now, l.runID)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	return nil
}

// TaskFinished appends a row for a terminal task transition. Journal
// failures are logged, never propagated: diagnostics must not fail a run.
func (l *Ledger) TaskFinished(info task.Info) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	var errText any
	if info.Err != nil {
		errText = info.Err.Error()
	}

	finishedAt := info.FinishedAt
	if finishedAt.IsZero() {
		finishedAt = time.Now()
	}

	_, err := l.db.ExecContext(ctx, `
INSERT INTO task_log(
  id, run_id, job_key, input_path, status, worker_id, attempt, error, artifacts, duration_ms, finished_at
)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
`,
		uuid.NewString(), l.runID, info.Job.Key, info.Job.InputPath, string(info.State),
		info.WorkerID, info.Attempt, errText, len(info.Artifacts),
		info.Duration().Milliseconds(), finishedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		l.logger.Error("failed to journal task", "job_key", info.Job.Key, "error", err)
	}
}

// Close releases the database handle.
func (l *Ledger) Close() error {
	return l.db.Close()
}
