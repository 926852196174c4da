// Package worker manages one external worker process per Handle: spawning,
// the stdio protocol channel, per-task timeouts, crash detection with
// respawn, and graceful termination. A handle owns its process and pipes
// exclusively; no other component touches them.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/quarrylab/quarry/internal/log"
	"github.com/quarrylab/quarry/internal/protocol"
	"github.com/quarrylab/quarry/internal/task"
)

// maxStderrBytes caps the amount of stderr captured from a worker process.
const maxStderrBytes = 64 * 1024

// ErrCancelled is the terminal error attached to tasks that were in flight
// or pending when the run was cancelled.
var ErrCancelled = errors.New("dispatch cancelled")

// Config carries the settings a handle needs to run its process.
type Config struct {
	Bin         string
	Args        []string
	WorkDir     string
	TaskTimeout time.Duration
	GracePeriod time.Duration
}

// decoded is one message (or transport error) from the reader goroutine.
type decoded struct {
	resp *protocol.Response
	err  error
}

// Handle is the dispatcher-side proxy for one worker process.
type Handle struct {
	id     int
	cfg    Config
	logger *slog.Logger

	cmd       *exec.Cmd
	stdin     io.WriteCloser
	stderr    *capBuffer
	responses chan decoded
	waitErr   chan error

	mu       sync.Mutex
	lastSeen time.Time
}

// NewHandle creates a handle for worker id. Spawn must be called before Run.
func NewHandle(id int, cfg Config) *Handle {
	return &Handle{
		id:     id,
		cfg:    cfg,
		logger: log.WithWorker(id),
	}
}

// ID returns the worker id.
func (h *Handle) ID() int { return h.id }

// LastSeen returns the time of the most recent response from the process.
func (h *Handle) LastSeen() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastSeen
}

// Spawn starts the worker process and wires up its protocol channel. On any
// failure the handle's side of the channel is closed and the handle must not
// be reused without a successful respawn.
func (h *Handle) Spawn() error {
	cmd := exec.Command(h.cfg.Bin, h.cfg.Args...)
	cmd.Dir = h.cfg.WorkDir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		_ = stdin.Close()
		return fmt.Errorf("create stdout pipe: %w", err)
	}

	stderr := newCapBuffer(maxStderrBytes)
	cmd.Stderr = stderr

	h.logger.Debug("spawning worker", "bin", h.cfg.Bin)

	if err := cmd.Start(); err != nil {
		_ = stdin.Close()
		return fmt.Errorf("start worker process: %w", err)
	}

	h.cmd = cmd
	h.stdin = stdin
	h.stderr = stderr
	// Room for one in-flight response plus the reader's terminal error, so
	// a late reply after a timeout never wedges the old reader goroutine.
	h.responses = make(chan decoded, 2)
	h.waitErr = make(chan error, 1)

	responses := h.responses
	go func() {
		dec := json.NewDecoder(stdout)
		for {
			resp, err := protocol.DecodeResponse(dec)
			if err != nil {
				responses <- decoded{err: err}
				return
			}
			h.mu.Lock()
			h.lastSeen = time.Now()
			h.mu.Unlock()
			responses <- decoded{resp: resp}
		}
	}()

	waitErr := h.waitErr
	go func() {
		waitErr <- cmd.Wait()
	}()

	return nil
}

// Run is the claim/execute loop. It exits when no task is pending, when ctx
// is cancelled, or when the handle is permanently retired after a respawn
// failure. Terminate always runs on the way out, on every path including a
// panic inside the loop.
func (h *Handle) Run(ctx context.Context, pool *task.Pool) {
	defer h.Terminate()

	for {
		if ctx.Err() != nil {
			return
		}

		taskID, ok := pool.ClaimNext(h.id)
		if !ok {
			h.logger.Debug("no pending tasks, worker loop exiting")
			return
		}

		job, err := pool.Job(taskID)
		if err != nil {
			h.logger.Error("claimed unknown task", "task_id", taskID, "error", err)
			return
		}
		jobLogger := h.logger.With("job_key", job.Key)

		artifacts, execErr := h.execute(ctx, job)
		switch {
		case execErr == nil:
			if err := pool.MarkCompleted(taskID, artifacts); err != nil {
				jobLogger.Error("completion rejected by pool", "error", err)
			}

		case errors.Is(execErr, ErrCancelled):
			if err := pool.MarkFailed(taskID, execErr, false); err != nil {
				jobLogger.Error("failure rejected by pool", "error", err)
			}
			return

		case errors.As(execErr, new(*contentError)):
			// The worker parsed the file and could not translate it.
			// Deterministic, so never retried.
			jobLogger.Warn("worker reported translation error", "error", execErr)
			if err := pool.MarkFailed(taskID, execErr, false); err != nil {
				jobLogger.Error("failure rejected by pool", "error", err)
			}

		default:
			// Transport fault: timeout, broken pipe, process death. The
			// task goes back to the queue and the process is replaced,
			// since the stream can no longer be trusted.
			jobLogger.Warn("transport failure, requeueing task", "error", execErr)
			if err := pool.MarkFailed(taskID, execErr, true); err != nil {
				jobLogger.Error("failure rejected by pool", "error", err)
			}
			if err := h.respawn(); err != nil {
				h.logger.Error("respawn failed, retiring worker", "error", err)
				return
			}
		}
	}
}

// execute sends one request and waits for its response, the task timeout, or
// cancellation, whichever comes first.
func (h *Handle) execute(ctx context.Context, job task.Job) ([]protocol.Artifact, error) {
	req := &protocol.Request{
		Protocol:   protocol.Version,
		JobKey:     job.Key,
		InputPath:  job.InputPath,
		OutputDir:  job.OutputDir,
		Hints:      job.Hints,
		DeadlineAt: time.Now().Add(h.cfg.TaskTimeout).UTC(),
	}

	if err := protocol.EncodeRequest(h.stdin, req); err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}

	timer := time.NewTimer(h.cfg.TaskTimeout)
	defer timer.Stop()

	select {
	case msg := <-h.responses:
		if msg.err != nil {
			if errors.Is(msg.err, io.EOF) {
				return nil, fmt.Errorf("worker exited mid-task: %s", h.exitDetail())
			}
			return nil, fmt.Errorf("read response: %w", msg.err)
		}
		return h.handleResponse(job, msg.resp)

	case <-timer.C:
		return nil, fmt.Errorf("no response within %s", h.cfg.TaskTimeout)

	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", ErrCancelled, context.Cause(ctx))
	}
}

func (h *Handle) handleResponse(job task.Job, resp *protocol.Response) ([]protocol.Artifact, error) {
	if resp.JobKey != job.Key {
		return nil, fmt.Errorf("response for job %q while %q in flight", resp.JobKey, job.Key)
	}

	for _, entry := range resp.Logs {
		h.logger.Info("worker log", "job_key", job.Key, "level", entry.Level, "message", entry.Message)
	}

	if resp.Status == "error" {
		return nil, &contentError{msg: resp.Error}
	}
	return resp.Artifacts, nil
}

// respawn replaces a dead or distrusted process with a fresh one.
func (h *Handle) respawn() error {
	h.Terminate()
	return h.Spawn()
}

// Terminate shuts the worker process down: close stdin so a healthy worker
// exits on channel closure, escalate to SIGTERM, then SIGKILL after the
// grace period. Idempotent; always releases the process and pipes.
func (h *Handle) Terminate() {
	if h.cmd == nil {
		return
	}
	cmd := h.cmd
	waitErr := h.waitErr
	h.cmd = nil

	if h.stdin != nil {
		_ = h.stdin.Close()
		h.stdin = nil
	}

	select {
	case <-waitErr:
		return
	case <-time.After(100 * time.Millisecond):
	}

	if cmd.Process != nil {
		if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
			h.logger.Debug("failed to send SIGTERM", "error", err)
		}
	}

	grace := time.NewTimer(h.cfg.GracePeriod)
	defer grace.Stop()

	select {
	case <-waitErr:
	case <-grace.C:
		h.logger.Warn("worker did not exit after SIGTERM, sending SIGKILL")
		if cmd.Process != nil {
			if err := cmd.Process.Kill(); err != nil {
				h.logger.Error("failed to send SIGKILL", "error", err)
			}
		}
		<-waitErr
	}
}

// exitDetail summarizes the dead process for error messages.
func (h *Handle) exitDetail() string {
	select {
	case err := <-h.waitErr:
		// Put it back for Terminate.
		h.waitErr <- err

		detail := "exit status 0"
		if err != nil {
			detail = err.Error()
		}
		if tail := h.stderr.String(); tail != "" {
			detail += ", stderr: " + tail
		}
		return detail
	case <-time.After(time.Second):
		return "process still running"
	}
}

// contentError wraps a worker-reported translation failure.
type contentError struct {
	msg string
}

func (e *contentError) Error() string {
	return "worker translation failed: " + e.msg
}

// capBuffer is an io.Writer that keeps at most cap bytes and drops the rest.
type capBuffer struct {
	mu  sync.Mutex
	buf []byte
	max int
}

func newCapBuffer(max int) *capBuffer {
	return &capBuffer{max: max}
}

func (b *capBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if room := b.max - len(b.buf); room > 0 {
		if len(p) > room {
			b.buf = append(b.buf, p[:room]...)
		} else {
			b.buf = append(b.buf, p...)
		}
	}
	return len(p), nil
}

func (b *capBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}
