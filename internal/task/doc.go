// Package task is the generation task orchestration core. It owns the
// GenerationTask lifecycle (queued, processing, completed, failed,
// cancelled), routes tasks to per-type queues, executes provider submissions
// with bounded retries, reconciles asynchronous provider jobs by polling,
// applies cancellation, and emits exactly one notification per terminal
// transition.
//
// Every state change is a compare-and-set against the Store conditioned on
// the task's current status. A writer that loses the race observes
// ErrStaleTransition and abandons its update.
package task
