package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/quarrylab/quarry/internal/cache"
	"github.com/quarrylab/quarry/internal/config"
	"github.com/quarrylab/quarry/internal/convert"
	"github.com/quarrylab/quarry/internal/log"
	"github.com/quarrylab/quarry/internal/protocol"
	"github.com/quarrylab/quarry/internal/result"
	"github.com/quarrylab/quarry/internal/task"
	"github.com/quarrylab/quarry/internal/worker"
)

// Phase is the dispatcher's lifecycle phase.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseRunning
	PhaseDrained
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseRunning:
		return "running"
	case PhaseDrained:
		return "drained"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

var (
	// ErrNoExecutor terminally fails tasks left over when every worker
	// handle has died and no fallback applies.
	ErrNoExecutor = errors.New("no executor available")

	// ErrDrained rejects AddTask and Process calls after a run finished.
	ErrDrained = errors.New("dispatcher already drained")

	// ErrAlreadyRunning rejects a second concurrent Process call.
	ErrAlreadyRunning = errors.New("dispatch already in progress")
)

// JobRequest is a caller-submitted conversion job.
type JobRequest struct {
	InputPath string
	// OutputDir overrides the default per-job cache directory. Optional.
	OutputDir string
	// Hints are format-specific parameters passed through to the
	// translator, opaque to the dispatcher.
	Hints map[string]string
}

// Dispatcher owns the task pool and the worker handles for one dispatch run.
// It is created Idle, runs exactly one Process call, and ends Drained.
type Dispatcher struct {
	cfg        *config.Config
	translator convert.Translator
	cache      *cache.Manager
	pool       *task.Pool
	results    *result.Map
	logger     *slog.Logger

	mu        sync.Mutex
	phase     Phase
	cancelRun context.CancelCauseFunc
}

// Option configures a Dispatcher.
type Option func(*options)

type options struct {
	observer task.Observer
}

// WithObserver registers an observer (e.g. the run ledger) for every
// terminal task transition.
func WithObserver(o task.Observer) Option {
	return func(op *options) { op.observer = o }
}

// New creates an Idle dispatcher. translator is used verbatim on the local
// fallback path; worker processes are expected to embed the same one.
func New(cfg *config.Config, translator convert.Translator, opts ...Option) (*Dispatcher, error) {
	if translator == nil {
		return nil, fmt.Errorf("translator is nil")
	}

	var op options
	for _, o := range opts {
		o(&op)
	}

	cm, err := cache.NewManager(cfg.Cache.Dir)
	if err != nil {
		return nil, err
	}

	results := result.NewMap()
	var poolOpts []task.Option
	if op.observer != nil {
		poolOpts = append(poolOpts, task.WithObserver(op.observer))
	}

	return &Dispatcher{
		cfg:        cfg,
		translator: translator,
		cache:      cm,
		pool:       task.NewPool(cfg.Dispatch.RetryLimit, results, poolOpts...),
		results:    results,
		logger:     log.WithComponent("dispatch"),
	}, nil
}

// AddTask enqueues a conversion job and returns its job key. Valid while
// Idle or Running. A missing or unreadable input file fails the job
// immediately with an input-validation error instead of queueing it; the
// key is still returned so the caller can look the failure up.
func (d *Dispatcher) AddTask(req JobRequest) (string, error) {
	d.mu.Lock()
	phase := d.phase
	d.mu.Unlock()
	if phase == PhaseDrained {
		return "", ErrDrained
	}

	absPath, err := filepath.Abs(req.InputPath)
	if err != nil {
		return "", fmt.Errorf("resolve input path %q: %w", req.InputPath, err)
	}
	key := task.KeyFor(absPath)

	job := task.Job{
		Key:       key,
		InputPath: absPath,
		OutputDir: req.OutputDir,
		Hints:     req.Hints,
	}

	if err := checkReadable(absPath); err != nil {
		d.logger.Warn("rejecting job with unreadable input", "job_key", key, "input", absPath, "error", err)
		d.pool.AddRejected(job, fmt.Errorf("input validation: %w", err))
		return key, nil
	}

	if job.OutputDir == "" {
		dir, err := d.cache.JobDir(key)
		if err != nil {
			d.pool.AddRejected(job, fmt.Errorf("input validation: %w", err))
			return key, nil
		}
		job.OutputDir = dir
	}

	if d.pool.Add(job) {
		d.logger.Debug("job enqueued", "job_key", key, "input", absPath)
	}
	return key, nil
}

// Process runs every task to a terminal state and returns. useWorkers
// selects the parallel path; the local fallback runs when it is false, when
// no workers are configured, or when not a single worker could be spawned.
// Per-job failures never fail the run; Process errors only on misuse.
func (d *Dispatcher) Process(ctx context.Context, useWorkers bool) error {
	d.mu.Lock()
	switch d.phase {
	case PhaseRunning:
		d.mu.Unlock()
		return ErrAlreadyRunning
	case PhaseDrained:
		d.mu.Unlock()
		return ErrDrained
	}
	runCtx, cancel := context.WithCancelCause(ctx)
	d.phase = PhaseRunning
	d.cancelRun = cancel
	d.mu.Unlock()

	defer func() {
		cancel(nil)
		d.mu.Lock()
		d.phase = PhaseDrained
		d.cancelRun = nil
		d.mu.Unlock()
	}()

	workers := d.cfg.Dispatch.Workers
	if d.cfg.Dispatch.ForceLocal {
		workers = 0
	}

	if useWorkers && workers > 0 {
		d.runWorkers(runCtx, workers)
	} else {
		d.runLocal(runCtx)
	}

	// Belt and braces: the run paths above guarantee a drained pool, and
	// the barrier makes that explicit before results are handed out.
	_ = d.pool.Wait(context.Background())

	pending, running, completed, failed := d.pool.Counts()
	d.logger.Info("dispatch drained",
		"pending", pending, "running", running, "completed", completed, "failed", failed)
	return nil
}

// Cancel stops the run: handles stop claiming, every Pending task fails with
// a cancellation error immediately, and in-flight tasks fail once their IPC
// call returns or times out. Safe to call at any time.
func (d *Dispatcher) Cancel() {
	d.mu.Lock()
	cancel := d.cancelRun
	d.mu.Unlock()

	if cancel != nil {
		cancel(worker.ErrCancelled)
	}
	if n := d.pool.FailAllPending(worker.ErrCancelled); n > 0 {
		d.logger.Info("cancelled pending tasks", "count", n)
	}
}

// IsDrained reports whether the run is complete, without blocking.
func (d *Dispatcher) IsDrained() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.phase == PhaseDrained
}

// Snapshot returns the job-key -> artifacts mapping. Complete once Process
// has returned.
func (d *Dispatcher) Snapshot() map[string][]protocol.Artifact {
	return d.results.Snapshot()
}

// Results exposes the result map for incremental reads.
func (d *Dispatcher) Results() *result.Map { return d.results }

// TaskInfo returns the state snapshot of the task owning jobKey.
func (d *Dispatcher) TaskInfo(jobKey string) (task.Info, bool) {
	return d.pool.Info(jobKey)
}

// FailedTasks returns every terminally failed task.
func (d *Dispatcher) FailedTasks() []task.Info {
	return d.pool.FailedTasks()
}

// runWorkers drives the parallel path: one goroutine per spawned handle.
func (d *Dispatcher) runWorkers(ctx context.Context, workers int) {
	wcfg := worker.Config{
		Bin:         d.cfg.Dispatch.WorkerBin,
		Args:        d.cfg.Dispatch.WorkerArgs,
		WorkDir:     d.cache.Root(),
		TaskTimeout: d.cfg.Dispatch.TaskTimeout,
		GracePeriod: d.cfg.Dispatch.GracePeriod,
	}

	handles := make([]*worker.Handle, 0, workers)
	for i := 0; i < workers; i++ {
		h := worker.NewHandle(i, wcfg)
		if err := h.Spawn(); err != nil {
			d.logger.Error("worker spawn failed", "worker_id", i, "error", err)
			continue
		}
		handles = append(handles, h)
	}

	if len(handles) == 0 {
		d.logger.Warn("no worker could be spawned, falling back to local execution")
		d.runLocal(ctx)
		return
	}

	d.logger.Info("worker pool started", "workers", len(handles))

	var g errgroup.Group
	for _, h := range handles {
		h := h
		g.Go(func() error {
			h.Run(ctx, d.pool)
			return nil
		})
	}
	_ = g.Wait()

	// Every handle has exited. Anything still outstanding is a Pending
	// task nobody is left to claim: fail it rather than hang.
	if d.pool.Outstanding() > 0 {
		cause := error(ErrNoExecutor)
		if c := context.Cause(ctx); c != nil {
			cause = c
		}
		n := d.pool.FailAllPending(cause)
		d.logger.Error("executors exhausted with tasks outstanding", "failed", n)
	}
}

// runLocal is the single-threaded fallback: the same claim/execute/complete
// loop, run in-process through the same translator a worker would use. Local
// failures are terminal; there is no transport to retry around and the
// translation is deterministic.
func (d *Dispatcher) runLocal(ctx context.Context) {
	d.logger.Info("running local fallback path")

	for {
		taskID, ok := d.pool.ClaimNext(task.NoWorker)
		if !ok {
			return
		}

		job, err := d.pool.Job(taskID)
		if err != nil {
			d.logger.Error("claimed unknown task", "task_id", taskID, "error", err)
			return
		}

		if ctx.Err() != nil {
			d.failTask(taskID, job.Key, fmt.Errorf("%w: %v", worker.ErrCancelled, context.Cause(ctx)))
			continue
		}

		artifacts, err := d.translateLocal(ctx, job)
		if err != nil {
			d.failTask(taskID, job.Key, err)
			continue
		}
		if err := d.pool.MarkCompleted(taskID, artifacts); err != nil {
			d.logger.Error("completion rejected by pool", "job_key", job.Key, "error", err)
		}
	}
}

func (d *Dispatcher) translateLocal(ctx context.Context, job task.Job) ([]protocol.Artifact, error) {
	tctx, cancel := context.WithTimeout(ctx, d.cfg.Dispatch.TaskTimeout)
	defer cancel()

	req := &protocol.Request{
		Protocol:   protocol.Version,
		JobKey:     job.Key,
		InputPath:  job.InputPath,
		OutputDir:  job.OutputDir,
		Hints:      job.Hints,
		DeadlineAt: time.Now().Add(d.cfg.Dispatch.TaskTimeout).UTC(),
	}
	return d.translator.Translate(tctx, req)
}

func (d *Dispatcher) failTask(taskID int, jobKey string, cause error) {
	if err := d.pool.MarkFailed(taskID, cause, false); err != nil {
		d.logger.Error("failure rejected by pool", "job_key", jobKey, "error", err)
	}
}

// checkReadable verifies the input exists and is a readable regular file.
func checkReadable(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if info.IsDir() {
		return fmt.Errorf("%s is a directory", path)
	}
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	return f.Close()
}
