// Package result holds the output of a dispatch run: the mapping from job
// key to the cache artifacts that job produced. It is written by the task
// pool on completion and read by the caller once the run has drained.
package result

import (
	"sync"

	"github.com/quarrylab/quarry/internal/protocol"
)

// Map is a concurrent job-key -> artifact-list map. Writes happen only on
// task completion; reads are expected after the dispatcher's completion
// barrier, but are safe at any time.
type Map struct {
	mu sync.RWMutex
	m  map[string][]protocol.Artifact
}

// NewMap creates an empty result map.
func NewMap() *Map {
	return &Map{m: make(map[string][]protocol.Artifact)}
}

// Put records the artifacts produced for jobKey, replacing any previous
// entry. The artifact order reported by the worker is preserved.
func (r *Map) Put(jobKey string, artifacts []protocol.Artifact) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.m[jobKey] = append([]protocol.Artifact(nil), artifacts...)
}

// Get returns the artifacts for jobKey and whether the job completed.
func (r *Map) Get(jobKey string) ([]protocol.Artifact, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	artifacts, ok := r.m[jobKey]
	if !ok {
		return nil, false
	}
	return append([]protocol.Artifact(nil), artifacts...), true
}

// Snapshot returns a copy of the full mapping for bulk consumption.
func (r *Map) Snapshot() map[string][]protocol.Artifact {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string][]protocol.Artifact, len(r.m))
	for k, v := range r.m {
		out[k] = append([]protocol.Artifact(nil), v...)
	}
	return out
}

// Len returns the number of completed jobs recorded.
func (r *Map) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.m)
}
