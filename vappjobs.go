// Package vappjobs coordinates lifecycle operations on vApps and VMs: it
// keeps two requests from mutating the same resource at once, runs the
// provider work on a durable worker pool with per-operation retry policies,
// and records every operation in an audit event log.
//
// This is the main package users should import. It re-exports the public
// types of the pkg/ packages and provides Service, which owns and wires every
// component.
//
// Basic usage:
//
//	cfg, _ := config.Load("vappjobs.yaml")
//	svc, _ := vappjobs.Open(ctx, cfg, vappjobs.WithDialer(dial))
//	defer svc.Close()
//	svc.Migrate(ctx)
//
//	// Request an operation; the job runs on a worker.
//	d, _ := svc.RequestOperation(ctx, vappjobs.Request{
//	    Operation:  vappjobs.OpStartVApp,
//	    ResourceID: "vapp-42",
//	    User:       "jdoe",
//	})
//
//	// Run the worker pool in this process.
//	svc.NewWorker().Start(ctx)
package vappjobs

import (
	"time"

	"github.com/jdziat/vapp-jobs/pkg/core"
	"github.com/jdziat/vapp-jobs/pkg/dispatch"
	"github.com/jdziat/vapp-jobs/pkg/lifecycle"
	"github.com/jdziat/vapp-jobs/pkg/provider"
	"github.com/jdziat/vapp-jobs/pkg/queue"
	"github.com/jdziat/vapp-jobs/pkg/schedule"
	"github.com/jdziat/vapp-jobs/pkg/security"
	"github.com/jdziat/vapp-jobs/pkg/worker"
)

// Type aliases
type (
	// Job is one submitted unit of work in the worker-side job store.
	Job = core.Job

	// JobStatus represents the current state of a job.
	JobStatus = core.JobStatus

	// Event is the durable audit record of one stage of one operation.
	Event = core.Event

	// EventFilter narrows an event log query.
	EventFilter = core.EventFilter

	// RetryPolicy is the named configuration consulted when a job is submitted.
	RetryPolicy = core.RetryPolicy

	// DataCenter holds the quota limits of an organization data center.
	DataCenter = core.DataCenter

	// Operation is the closed set of lifecycle operations.
	Operation = core.Operation

	// Payload is the input snapshot carried by a job.
	Payload = core.Payload

	// PowerState is the provider-reported power state of a resource.
	PowerState = core.PowerState

	// Rejection is a user-visible precondition failure.
	Rejection = core.Rejection

	// Request asks for one lifecycle operation.
	Request = lifecycle.Request

	// Decision is the synchronous answer to a Request.
	Decision = lifecycle.Decision

	// BusyStatus is the busy registry entry of a resource.
	BusyStatus = lifecycle.BusyStatus

	// Outcome is the terminal result of a submitted job.
	Outcome = dispatch.Outcome

	// Dialer opens a provider session.
	Dialer = provider.Dialer

	// ProviderAPI is the contract expected from the virtualization provider.
	ProviderAPI = provider.API

	// Queue manages job registration, enqueueing, and hooks.
	Queue = queue.Queue

	// Worker processes jobs from the queue.
	Worker = worker.Worker

	// WorkerOption configures a Worker.
	WorkerOption = worker.WorkerOption

	// Schedule determines when a recurring job runs next.
	Schedule = schedule.Schedule
)

// Operations
const (
	OpStartVApp               = core.OpStartVApp
	OpStopVApp                = core.OpStopVApp
	OpPowerOffVApp            = core.OpPowerOffVApp
	OpDeleteVApp              = core.OpDeleteVApp
	OpPowerOffAndDeleteVApp   = core.OpPowerOffAndDeleteVApp
	OpRecomposeVApp           = core.OpRecomposeVApp
	OpRenameVApp              = core.OpRenameVApp
	OpRenameVAppTemplate      = core.OpRenameVAppTemplate
	OpAddVAppToCatalog        = core.OpAddVAppToCatalog
	OpStopAndAddVAppToCatalog = core.OpStopAndAddVAppToCatalog
	OpCreateVAppFromTemplate  = core.OpCreateVAppFromTemplate
	OpPowerOnVM               = core.OpPowerOnVM
	OpPowerOffVM              = core.OpPowerOffVM
	OpRebootVM                = core.OpRebootVM
	OpShutdownVM              = core.OpShutdownVM
	OpDeleteVM                = core.OpDeleteVM
)

// Status constants
const (
	StatusPending   = core.StatusPending
	StatusRunning   = core.StatusRunning
	StatusCompleted = core.StatusCompleted
	StatusFailed    = core.StatusFailed
)

// Event outcomes
const (
	OutcomeCompleted = core.OutcomeCompleted
	OutcomeFailed    = core.OutcomeFailed
)

// Power states
const (
	PoweredOn           = core.PoweredOn
	PoweredOff          = core.PoweredOff
	Suspended           = core.Suspended
	Mixed               = core.Mixed
	PartiallyPoweredOff = core.PartiallyPoweredOff
)

// Security limits
const (
	MaxRetries          = security.MaxRetries
	MaxConcurrency      = security.MaxConcurrency
	MaxResourceIDLength = security.MaxResourceIDLength
)

// Error variables
var (
	ErrUnknownOperation    = core.ErrUnknownOperation
	ErrInvalidResourceID   = core.ErrInvalidResourceID
	ErrRegistryUnavailable = core.ErrRegistryUnavailable
	ErrProviderUnavailable = core.ErrProviderUnavailable
	ErrNotFound            = core.ErrNotFound
)

// ParseOperation maps an external operation name to its Operation.
func ParseOperation(name string) (Operation, error) {
	return core.ParseOperation(name)
}

// DefaultRetryPolicy returns the fallback policy used when no row exists.
func DefaultRetryPolicy(name string) RetryPolicy {
	return core.DefaultRetryPolicy(name)
}

// AsRejection extracts a Rejection from err.
func AsRejection(err error) (*Rejection, bool) {
	return core.AsRejection(err)
}

// NoRetry wraps an error to indicate it should not be retried.
func NoRetry(err error) error {
	return core.NoRetry(err)
}

// RetryAfter wraps an error to indicate it should be retried after a delay.
func RetryAfter(d time.Duration, err error) error {
	return core.RetryAfter(d, err)
}

// Every creates a schedule that runs at fixed intervals.
func Every(d time.Duration) Schedule {
	return schedule.Every(d)
}

// Cron creates a schedule from a cron expression.
func Cron(expr string) Schedule {
	return schedule.Cron(expr)
}
