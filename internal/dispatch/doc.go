// Package dispatch orchestrates a conversion run: it owns the task pool and
// the worker handles, selects between the parallel worker pool and the
// single-threaded local fallback, and blocks the caller until every task has
// reached a terminal state.
//
// The two execution modes produce identical observable results. Workers are
// a throughput optimization; both paths run the same Translator against the
// same per-job cache directories, and the Result Map is fully populated
// either way once Process returns.
//
// Locking discipline: the pool's mutex guards only O(1) state transitions.
// No lock is ever held across a worker IPC round-trip, so one hung worker
// cannot starve bookkeeping for the others.
package dispatch
