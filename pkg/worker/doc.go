// Package worker provides the Worker that executes queued lifecycle jobs.
//
// This package includes:
//   - Worker: dequeues due jobs, runs them under the job timeout, and settles
//     them as completed, retrying, or failed
//   - WorkerOption: queue, concurrency and polling configuration
//   - A stale lock reaper for jobs abandoned by crashed workers
//   - A scheduler for recurring jobs such as the reconciliation sweep
package worker
