// Package runner keeps a pool of isolated worker processes consuming one
// queue.
//
// The Supervisor re-executes the current binary once per concurrency slot.
// Each child runs a single Listener (see RunWorker); when it claims a task it
// records the task as started, runs the TaskFunc, records the outcome and
// exits. The Supervisor notices the exit on its next tick and spawns a
// replacement, so a crashing or leaking task can only ever take down its own
// process.
package runner
