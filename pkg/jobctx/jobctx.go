// Package jobctx gives job handlers access to the attempt they are running.
package jobctx

import (
	"context"

	"github.com/jdziat/vapp-jobs/pkg/core"
)

type contextKey struct{}

// Info describes the running attempt.
type Info struct {
	Job      *core.Job
	WorkerID string
}

// With returns a context carrying the running job. Workers call it before
// invoking a handler.
func With(ctx context.Context, job *core.Job, workerID string) context.Context {
	return context.WithValue(ctx, contextKey{}, &Info{Job: job, WorkerID: workerID})
}

func info(ctx context.Context) *Info {
	if in, ok := ctx.Value(contextKey{}).(*Info); ok {
		return in
	}
	return nil
}

// JobFromContext returns the current Job from context, or nil if not in a job handler.
func JobFromContext(ctx context.Context) *core.Job {
	in := info(ctx)
	if in == nil {
		return nil
	}
	return in.Job
}

// JobIDFromContext returns the current job ID, or "" outside a job handler.
func JobIDFromContext(ctx context.Context) string {
	job := JobFromContext(ctx)
	if job == nil {
		return ""
	}
	return job.ID
}

// WorkerIDFromContext returns the id of the worker running the job.
func WorkerIDFromContext(ctx context.Context) string {
	in := info(ctx)
	if in == nil {
		return ""
	}
	return in.WorkerID
}

// Attempt returns the 1-based attempt number, or 0 outside a job handler.
func Attempt(ctx context.Context) int {
	job := JobFromContext(ctx)
	if job == nil {
		return 0
	}
	return job.Attempt
}

// IsFinalAttempt reports whether a failure of the running attempt is terminal.
func IsFinalAttempt(ctx context.Context) bool {
	job := JobFromContext(ctx)
	return job != nil && job.RetriesLeft() == 0
}
