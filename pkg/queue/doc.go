// Package queue provides the durable job queue that lifecycle operations are
// submitted to.
//
// This package includes:
//   - Queue: handler registration, enqueueing, and recurring schedules
//   - Option: per-job settings, usually derived from a retry policy
//   - Hook registration for job lifecycle transitions
//   - Signal subscription for monitoring
package queue
