package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarrylab/quarry/internal/result"
	"github.com/quarrylab/quarry/internal/task"
)

// writeScript drops a fake worker script into a temp dir. The scripts speak
// the real protocol: one JSON request per line on stdin, one JSON response
// per line on stdout.
func writeScript(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake workers are bash scripts")
	}
	path := filepath.Join(t.TempDir(), "fake-worker.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/bash\n"+body), 0o755))
	return path
}

const echoWorker = `while IFS= read -r line; do
  key=$(printf '%s' "$line" | sed -n 's/.*"job_key":"\([^"]*\)".*/\1/p')
  printf '{"job_key":"%s","status":"ok","artifacts":[{"category":"geometry","path":"/cache/%s/geometry.bin"}]}\n' "$key" "$key"
done
`

func newTestPool(t *testing.T, retryLimit, jobs int) (*task.Pool, *result.Map, []task.Job) {
	t.Helper()
	results := result.NewMap()
	pool := task.NewPool(retryLimit, results)
	added := make([]task.Job, 0, jobs)
	for i := 0; i < jobs; i++ {
		job := task.Job{
			Key:       fmt.Sprintf("job%02d", i),
			InputPath: fmt.Sprintf("/src/%02d.step", i),
			OutputDir: fmt.Sprintf("/cache/job%02d", i),
		}
		require.True(t, pool.Add(job))
		added = append(added, job)
	}
	return pool, results, added
}

func testConfig(bin string) Config {
	return Config{
		Bin:         bin,
		TaskTimeout: 5 * time.Second,
		GracePeriod: 200 * time.Millisecond,
	}
}

func TestSpawnFailsForMissingBinary(t *testing.T) {
	h := NewHandle(0, testConfig("/nonexistent/worker-binary"))
	require.Error(t, h.Spawn())
}

func TestRunCompletesTasks(t *testing.T) {
	script := writeScript(t, echoWorker)
	pool, results, jobs := newTestPool(t, 0, 3)

	h := NewHandle(7, testConfig(script))
	require.NoError(t, h.Spawn())
	h.Run(context.Background(), pool)

	require.Equal(t, 0, pool.Outstanding())
	for _, job := range jobs {
		info, ok := pool.Info(job.Key)
		require.True(t, ok)
		assert.Equal(t, task.StateCompleted, info.State, "job %s", job.Key)
		assert.Equal(t, 7, info.WorkerID)
		assert.Equal(t, 1, info.Attempt)

		artifacts, ok := results.Get(job.Key)
		require.True(t, ok)
		require.Len(t, artifacts, 1)
		assert.Contains(t, artifacts[0].Path, job.Key)
	}
	assert.False(t, h.LastSeen().IsZero())
}

func TestRunWorkerErrorIsPermanent(t *testing.T) {
	script := writeScript(t, `while IFS= read -r line; do
  key=$(printf '%s' "$line" | sed -n 's/.*"job_key":"\([^"]*\)".*/\1/p')
  printf '{"job_key":"%s","status":"error","error":"unparseable geometry"}\n' "$key"
done
`)
	// Generous retry budget to prove content errors never use it.
	pool, _, jobs := newTestPool(t, 3, 1)

	h := NewHandle(0, testConfig(script))
	require.NoError(t, h.Spawn())
	h.Run(context.Background(), pool)

	info, ok := pool.Info(jobs[0].Key)
	require.True(t, ok)
	assert.Equal(t, task.StateFailed, info.State)
	assert.Equal(t, 1, info.Attempt)
	require.Error(t, info.Err)
	assert.Contains(t, info.Err.Error(), "unparseable geometry")
}

func TestRunTimeoutRetriesUntilExhausted(t *testing.T) {
	// Reads the request and then never answers.
	script := writeScript(t, `read -r line
exec sleep 30
`)
	pool, _, jobs := newTestPool(t, 1, 1)

	cfg := testConfig(script)
	cfg.TaskTimeout = 200 * time.Millisecond
	cfg.GracePeriod = 100 * time.Millisecond

	h := NewHandle(0, cfg)
	require.NoError(t, h.Spawn())
	h.Run(context.Background(), pool)

	info, ok := pool.Info(jobs[0].Key)
	require.True(t, ok)
	assert.Equal(t, task.StateFailed, info.State)
	assert.Equal(t, 2, info.Attempt, "retry limit 1 means exactly two attempts")
	require.Error(t, info.Err)
	assert.Contains(t, info.Err.Error(), "no response within")
}

func TestRunRespawnsAfterCrash(t *testing.T) {
	// The first process crashes mid-task; its replacement behaves.
	marker := filepath.Join(t.TempDir(), "crashed-once")
	script := writeScript(t, fmt.Sprintf(`if [ ! -f %q ]; then
  touch %q
  read -r line
  exit 1
fi
%s`, marker, marker, echoWorker))

	pool, results, jobs := newTestPool(t, 1, 1)

	h := NewHandle(0, testConfig(script))
	require.NoError(t, h.Spawn())
	h.Run(context.Background(), pool)

	info, ok := pool.Info(jobs[0].Key)
	require.True(t, ok)
	assert.Equal(t, task.StateCompleted, info.State)
	assert.Equal(t, 2, info.Attempt)
	_, ok = results.Get(jobs[0].Key)
	assert.True(t, ok)
}

func TestRunMismatchedJobKeyIsTransportError(t *testing.T) {
	script := writeScript(t, `while IFS= read -r line; do
  printf '{"job_key":"somebody-else","status":"ok"}\n'
done
`)
	pool, _, jobs := newTestPool(t, 0, 1)

	h := NewHandle(0, testConfig(script))
	require.NoError(t, h.Spawn())
	h.Run(context.Background(), pool)

	info, ok := pool.Info(jobs[0].Key)
	require.True(t, ok)
	assert.Equal(t, task.StateFailed, info.State)
	require.Error(t, info.Err)
	assert.Contains(t, info.Err.Error(), "in flight")
}

func TestRunCancellation(t *testing.T) {
	script := writeScript(t, `read -r line
exec sleep 30
`)
	pool, _, jobs := newTestPool(t, 0, 2)

	cfg := testConfig(script)
	cfg.GracePeriod = 100 * time.Millisecond

	h := NewHandle(0, cfg)
	require.NoError(t, h.Spawn())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(150 * time.Millisecond)
		cancel()
	}()

	done := make(chan struct{})
	go func() {
		h.Run(ctx, pool)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}

	// The in-flight task fails with the cancellation error; the loop exits
	// without touching the second task.
	info, ok := pool.Info(jobs[0].Key)
	require.True(t, ok)
	assert.Equal(t, task.StateFailed, info.State)
	assert.ErrorIs(t, info.Err, ErrCancelled)

	info, ok = pool.Info(jobs[1].Key)
	require.True(t, ok)
	assert.Equal(t, task.StatePending, info.State)
}

func TestTerminateIsIdempotent(t *testing.T) {
	script := writeScript(t, echoWorker)

	h := NewHandle(0, testConfig(script))
	require.NoError(t, h.Spawn())
	h.Terminate()
	h.Terminate()
}

func TestCapBuffer(t *testing.T) {
	b := newCapBuffer(8)

	n, err := b.Write([]byte("0123456789"))
	require.NoError(t, err)
	assert.Equal(t, 10, n, "writes always report full length")
	assert.Equal(t, "01234567", b.String())

	// Full buffer drops everything.
	_, err = b.Write([]byte("more"))
	require.NoError(t, err)
	assert.Equal(t, "01234567", b.String())
}

func TestRunRetiresWhenRespawnFails(t *testing.T) {
	// The script removes itself before dying, so the respawn cannot
	// succeed and the handle must retire instead of spinning.
	dir := t.TempDir()
	path := filepath.Join(dir, "fake-worker.sh")
	script := fmt.Sprintf("#!/bin/bash\nrm -- %q\nread -r line\nexit 1\n", path)
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))

	pool, _, jobs := newTestPool(t, 0, 2)

	h := NewHandle(0, testConfig(path))
	require.NoError(t, h.Spawn())

	done := make(chan struct{})
	go func() {
		h.Run(context.Background(), pool)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not retire after respawn failure")
	}

	info, ok := pool.Info(jobs[0].Key)
	require.True(t, ok)
	assert.Equal(t, task.StateFailed, info.State)
	assert.False(t, errors.Is(info.Err, ErrCancelled))

	// The second task is stranded Pending; failing it is the dispatcher's
	// job, not the handle's.
	info, ok = pool.Info(jobs[1].Key)
	require.True(t, ok)
	assert.Equal(t, task.StatePending, info.State)
}
