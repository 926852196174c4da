// Package task owns the ordered set of conversion tasks and serializes every
// state transition behind a single mutex. The pool is the only structure
// mutated by multiple goroutines during a run; worker handles hold task IDs,
// never the tasks themselves.
package task

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/quarrylab/quarry/internal/log"
	"github.com/quarrylab/quarry/internal/protocol"
	"github.com/quarrylab/quarry/internal/result"
)

// NoWorker is the WorkerID of a task that has never been claimed, or was
// executed on the local fallback path.
const NoWorker = -1

type task struct {
	id         int
	job        Job
	state      State
	workerID   int
	attempt    int
	artifacts  []protocol.Artifact
	err        error
	startedAt  time.Time
	finishedAt time.Time
}

// Pool is a thread-safe FIFO collection of tasks. Claims are strict
// insertion order; retried tasks re-enter at the queue head so they run
// promptly. Every mutating operation is O(1) amortized and holds the mutex
// only for the transition itself, never across worker IPC.
type Pool struct {
	mu          sync.Mutex
	cond        *sync.Cond
	tasks       []*task
	byKey       map[string]*task
	queue       []*task // pending tasks, claim from the front
	outstanding int     // pending + running
	retryLimit  int

	results  *result.Map
	observer Observer
	logger   *slog.Logger
}

// Option configures a Pool.
type Option func(*Pool)

// WithObserver registers an observer for terminal transitions.
func WithObserver(o Observer) Option {
	return func(p *Pool) { p.observer = o }
}

// NewPool creates an empty pool. retryLimit is the number of additional
// attempts a task may receive after its first; a task that keeps hitting
// retryable failures runs retryLimit+1 times before it is failed for good.
func NewPool(retryLimit int, results *result.Map, opts ...Option) *Pool {
	if retryLimit < 0 {
		retryLimit = 0
	}
	p := &Pool{
		byKey:      make(map[string]*task),
		retryLimit: retryLimit,
		results:    results,
		logger:     log.WithComponent("pool"),
	}
	p.cond = sync.NewCond(&p.mu)
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Add inserts a new Pending task for job. Re-adding an existing key is a
// no-op; Add reports whether the job was inserted.
func (p *Pool) Add(job Job) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.byKey[job.Key]; exists {
		return false
	}

	t := &task{
		id:       len(p.tasks),
		job:      job,
		state:    StatePending,
		workerID: NoWorker,
		attempt:  1,
	}
	p.tasks = append(p.tasks, t)
	p.byKey[job.Key] = t
	p.queue = append(p.queue, t)
	p.outstanding++
	return true
}

// AddRejected records a job that failed validation before it could be
// queued. The task is born terminal and is never claimable. Idempotent by
// key, like Add.
func (p *Pool) AddRejected(job Job, cause error) bool {
	p.mu.Lock()

	if _, exists := p.byKey[job.Key]; exists {
		p.mu.Unlock()
		return false
	}

	t := &task{
		id:       len(p.tasks),
		job:      job,
		state:    StateFailed,
		workerID: NoWorker,
		attempt:  1,
		err:      cause,
	}
	t.finishedAt = time.Now()
	p.tasks = append(p.tasks, t)
	p.byKey[job.Key] = t
	info := snapshot(t)
	p.mu.Unlock()

	p.notify(info)
	return true
}

// ClaimNext atomically selects the lowest-index Pending task, marks it
// Running on behalf of workerID, and returns its id. ok is false when
// nothing is pending.
func (p *Pool) ClaimNext(workerID int) (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.queue) == 0 {
		return 0, false
	}

	t := p.queue[0]
	p.queue = p.queue[1:]
	t.state = StateRunning
	t.workerID = workerID
	if t.startedAt.IsZero() {
		t.startedAt = time.Now()
	}
	return t.id, true
}

// Job returns the job bound to taskID. It is the only task data a worker
// handle needs while executing.
func (p *Pool) Job(taskID int) (Job, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	t, err := p.taskLocked(taskID)
	if err != nil {
		return Job{}, err
	}
	return t.job, nil
}

// MarkCompleted transitions taskID Running -> Completed and stores its
// artifacts in the result map. A transition from any other state is a
// protocol violation: it is rejected with an error and the pool is left
// untouched.
func (p *Pool) MarkCompleted(taskID int, artifacts []protocol.Artifact) error {
	p.mu.Lock()

	t, err := p.taskLocked(taskID)
	if err != nil {
		p.mu.Unlock()
		return err
	}
	if t.state != StateRunning {
		p.mu.Unlock()
		return fmt.Errorf("task %d: completion reported in state %q", taskID, t.state)
	}

	t.state = StateCompleted
	t.artifacts = append([]protocol.Artifact(nil), artifacts...)
	t.finishedAt = time.Now()
	p.results.Put(t.job.Key, t.artifacts)
	p.outstanding--
	info := snapshot(t)
	p.cond.Broadcast()
	p.mu.Unlock()

	p.notify(info)
	return nil
}

// MarkFailed reports a failed attempt for taskID. Retryable failures
// (transport faults) send the task back to the head of the queue with an
// incremented attempt count while attempts remain; everything else, and a
// retryable failure past the limit, is terminal.
func (p *Pool) MarkFailed(taskID int, cause error, retryable bool) error {
	p.mu.Lock()

	t, err := p.taskLocked(taskID)
	if err != nil {
		p.mu.Unlock()
		return err
	}
	if t.state != StateRunning {
		p.mu.Unlock()
		return fmt.Errorf("task %d: failure reported in state %q", taskID, t.state)
	}

	if retryable && t.attempt <= p.retryLimit {
		t.attempt++
		t.state = StatePending
		t.workerID = NoWorker
		p.queue = append([]*task{t}, p.queue...)
		p.logger.Warn("task requeued after retryable failure",
			"job_key", t.job.Key, "attempt", t.attempt, "error", cause)
		p.cond.Broadcast()
		p.mu.Unlock()
		return nil
	}

	t.state = StateFailed
	t.err = cause
	t.finishedAt = time.Now()
	p.outstanding--
	info := snapshot(t)
	p.cond.Broadcast()
	p.mu.Unlock()

	p.notify(info)
	return nil
}

// FailAllPending terminally fails every Pending task with cause. Running
// tasks are untouched; their handles report them. Returns the number of
// tasks failed.
func (p *Pool) FailAllPending(cause error) int {
	p.mu.Lock()

	infos := make([]Info, 0, len(p.queue))
	for _, t := range p.queue {
		t.state = StateFailed
		t.err = cause
		t.finishedAt = time.Now()
		p.outstanding--
		infos = append(infos, snapshot(t))
	}
	p.queue = nil
	if len(infos) > 0 {
		p.cond.Broadcast()
	}
	p.mu.Unlock()

	for _, info := range infos {
		p.notify(info)
	}
	return len(infos)
}

// Outstanding returns the number of Pending plus Running tasks.
func (p *Pool) Outstanding() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.outstanding
}

// Wait blocks until no task is Pending or Running, or ctx is done. It is
// signaled by every terminal transition rather than polling.
func (p *Pool) Wait(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		p.mu.Lock()
		p.cond.Broadcast()
		p.mu.Unlock()
	})
	defer stop()

	p.mu.Lock()
	defer p.mu.Unlock()
	for p.outstanding > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		p.cond.Wait()
	}
	return nil
}

// Info returns a snapshot of the task owning jobKey.
func (p *Pool) Info(jobKey string) (Info, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	t, ok := p.byKey[jobKey]
	if !ok {
		return Info{}, false
	}
	return snapshot(t), true
}

// FailedTasks returns snapshots of every terminally failed task, in
// insertion order.
func (p *Pool) FailedTasks() []Info {
	p.mu.Lock()
	defer p.mu.Unlock()

	var out []Info
	for _, t := range p.tasks {
		if t.state == StateFailed {
			out = append(out, snapshot(t))
		}
	}
	return out
}

// Counts returns the number of tasks in each state.
func (p *Pool) Counts() (pending, running, completed, failed int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, t := range p.tasks {
		switch t.state {
		case StatePending:
			pending++
		case StateRunning:
			running++
		case StateCompleted:
			completed++
		case StateFailed:
			failed++
		}
	}
	return
}

// Len returns the total number of tasks ever added, including rejected ones.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.tasks)
}

func (p *Pool) taskLocked(taskID int) (*task, error) {
	if taskID < 0 || taskID >= len(p.tasks) {
		return nil, fmt.Errorf("unknown task id %d", taskID)
	}
	return p.tasks[taskID], nil
}

func (p *Pool) notify(info Info) {
	if p.observer == nil {
		return
	}
	p.observer.TaskFinished(info)
}

func snapshot(t *task) Info {
	return Info{
		ID:         t.id,
		Job:        t.job,
		State:      t.state,
		WorkerID:   t.workerID,
		Attempt:    t.attempt,
		Artifacts:  append([]protocol.Artifact(nil), t.artifacts...),
		Err:        t.err,
		StartedAt:  t.startedAt,
		FinishedAt: t.finishedAt,
	}
}
