package provider

import (
	"context"
	"errors"
	"io"
	"net"
	"syscall"

	"github.com/jdziat/vapp-jobs/pkg/core"
)

// PowerOp is a power transition submitted to the provider.
type PowerOp string

const (
	PowerOn  PowerOp = "powerOn"
	PowerOff PowerOp = "powerOff" // undeploy with a hard power off
	Shutdown PowerOp = "shutdown" // guest shutdown, needs guest tools
	Reset    PowerOp = "reset"
)

// TaskHandle identifies a provider-side task.
type TaskHandle string

// TaskStatus is the provider status of a task.
type TaskStatus string

const (
	TaskQueued   TaskStatus = "queued"
	TaskRunning  TaskStatus = "running"
	TaskSuccess  TaskStatus = "success"
	TaskError    TaskStatus = "error"
	TaskAborted  TaskStatus = "aborted"
	TaskCanceled TaskStatus = "canceled"
)

// Terminal reports whether s is a final status.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskSuccess, TaskError, TaskAborted, TaskCanceled:
		return true
	}
	return false
}

// Resources is an amount of CPU and memory.
type Resources struct {
	CPUs     int
	MemoryMB int
}

// MemoryGB returns the memory in whole gigabytes, rounded up.
func (r Resources) MemoryGB() int {
	return (r.MemoryMB + 1023) / 1024
}

// Add returns the sum of r and o.
func (r Resources) Add(o Resources) Resources {
	return Resources{CPUs: r.CPUs + o.CPUs, MemoryMB: r.MemoryMB + o.MemoryMB}
}

// API is the provider surface the core calls. Methods that start work on the
// provider return a TaskHandle to poll with TaskStatus.
type API interface {
	// PowerState returns the derived power state of a vApp or VM.
	PowerState(ctx context.Context, id string) (core.PowerState, error)
	// Resolve looks up a vApp or VM. It returns core.ErrNotFound when the
	// provider has no such resource.
	Resolve(ctx context.Context, id string) (*core.Resource, error)
	ChildVMs(ctx context.Context, vappID string) ([]string, error)
	GuestToolsInstalled(ctx context.Context, vmID string) (bool, error)
	// RecentTask returns the most recent task for id, or nil.
	RecentTask(ctx context.Context, id string) (*core.Task, error)

	SubmitPowerOperation(ctx context.Context, id string, op PowerOp) (TaskHandle, error)
	TaskStatus(ctx context.Context, h TaskHandle) (TaskStatus, string, error)

	// CountVApps counts the vApps of a data center by power state.
	CountVApps(ctx context.Context, vdcID string) (running, stopped int, err error)
	// RunningResources sums the CPU and memory allocated to the powered on
	// vApps of a data center.
	RunningResources(ctx context.Context, vdcID string) (Resources, error)
	TemplateResources(ctx context.Context, template string) (Resources, error)
	// VAppExists reports whether a vApp named name exists in the data center.
	VAppExists(ctx context.Context, vdcID, name string) (bool, error)

	Delete(ctx context.Context, id string) (TaskHandle, error)
	Recompose(ctx context.Context, vappID, templateID string, vms []string) (TaskHandle, error)
	Rename(ctx context.Context, id, name string) (TaskHandle, error)
	Capture(ctx context.Context, vappID, catalog, templateName string) (TaskHandle, error)
	// Instantiate creates a powered off vApp from a catalog template and
	// returns the id the vApp will have.
	Instantiate(ctx context.Context, vdcID, catalog, template, name string) (string, TaskHandle, error)
}

// Provider errors
var (
	// ErrUnauthorized is returned by an API whose session was rejected.
	// Conn re-dials once when it sees it.
	ErrUnauthorized = errors.New("provider: session unauthorized")
	// ErrTransient marks a failure worth retrying on the same session.
	ErrTransient = errors.New("provider: transient failure")
)

// IsTransient reports whether err is a connection-class failure that Conn
// retries.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, ErrTransient) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
