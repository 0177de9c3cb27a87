package core

import (
	"context"
	"time"
)

// Starter is the interface for starting workers.
type Starter interface {
	Start(ctx context.Context) error
}

// JobStore is the worker-side job store.
type JobStore interface {
	Enqueue(ctx context.Context, job *Job) error
	EnqueueUnique(ctx context.Context, job *Job, uniqueKey string) error
	Dequeue(ctx context.Context, queues []string, workerID string) (*Job, error)
	Complete(ctx context.Context, jobID string, workerID string) error
	Fail(ctx context.Context, jobID string, workerID string, errMsg string, retryAt *time.Time) error

	// Locking
	Heartbeat(ctx context.Context, jobID string, workerID string) error
	ReleaseStaleLocks(ctx context.Context, staleDuration time.Duration) (int64, error)

	// Queries
	GetJob(ctx context.Context, jobID string) (*Job, error)
	GetJobs(ctx context.Context, jobIDs []string) ([]*Job, error)
	GetJobsByStatus(ctx context.Context, status JobStatus, limit int) ([]*Job, error)
	QueueStats(ctx context.Context) ([]QueueStats, error)

	// Retention
	PurgeFinishedJobs(ctx context.Context, before time.Time) (int64, error)
}

// EventStore persists the operation audit log.
type EventStore interface {
	CreateEvent(ctx context.Context, e *Event) error
	SaveEvent(ctx context.Context, e *Event) error
	// FindStartEvent returns the Start event for an operation request, or
	// ErrNotFound.
	FindStartEvent(ctx context.Context, functionName, resourceID string, created time.Time) (*Event, error)
	ListEvents(ctx context.Context, f EventFilter) ([]*Event, error)
	// FailedEventsWithoutMessage returns Failed events whose message is empty.
	FailedEventsWithoutMessage(ctx context.Context) ([]*Event, error)
	// BackfillMessages sets Message on the given event ids in one transaction.
	BackfillMessages(ctx context.Context, messages map[uint]string) (int64, error)
}

// PolicyStore persists retry policy rows.
type PolicyStore interface {
	// GetPolicy returns the policy named name, or ErrNotFound.
	GetPolicy(ctx context.Context, name string) (*RetryPolicy, error)
	PutPolicy(ctx context.Context, p *RetryPolicy) error
	ListPolicies(ctx context.Context) ([]RetryPolicy, error)
	DeletePolicy(ctx context.Context, name string) error
}

// QuotaStore persists data center quota rows.
type QuotaStore interface {
	// GetDataCenter returns the data center row, or ErrNotFound.
	GetDataCenter(ctx context.Context, id string) (*DataCenter, error)
	PutDataCenter(ctx context.Context, dc *DataCenter) error
}

// UserStore resolves principals to internal user records.
type UserStore interface {
	EnsureUser(ctx context.Context, username string) (*User, error)
}
