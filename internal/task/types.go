package task

import (
	"encoding/hex"
	"path/filepath"
	"time"

	"github.com/zeebo/blake3"

	"github.com/quarrylab/quarry/internal/protocol"
)

// State is the lifecycle state of a Task.
type State string

const (
	StatePending   State = "pending"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// Terminal reports whether s is a terminal state.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Job is a caller-submitted unit of work: one source file to translate into
// cache artifacts. Hints carry format-specific parameters the dispatcher
// never interprets.
type Job struct {
	Key       string
	InputPath string
	OutputDir string
	Hints     map[string]string
}

// KeyFor derives the stable job key for a source file path. The path is
// cleaned first so equivalent spellings of the same file collapse to one key.
// Keys double as cache directory names, so they must stay path-safe.
func KeyFor(inputPath string) string {
	sum := blake3.Sum256([]byte(filepath.Clean(inputPath)))
	return hex.EncodeToString(sum[:16])
}

// Info is a read-only snapshot of one task, safe to hold outside the pool's
// lock.
type Info struct {
	ID         int
	Job        Job
	State      State
	WorkerID   int
	Attempt    int
	Artifacts  []protocol.Artifact
	Err        error
	StartedAt  time.Time
	FinishedAt time.Time
}

// Duration returns the wall time from first claim to terminal transition,
// or zero if the task never ran or has not finished.
func (i Info) Duration() time.Duration {
	if i.StartedAt.IsZero() || i.FinishedAt.IsZero() {
		return 0
	}
	return i.FinishedAt.Sub(i.StartedAt)
}

// Observer is notified after every terminal transition. It is invoked
// outside the pool's lock, so implementations may block (e.g. on a journal
// write) without stalling claims.
type Observer interface {
	TaskFinished(info Info)
}
