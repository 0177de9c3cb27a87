package provider

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jdziat/vapp-jobs/pkg/core"
)

// Task polling defaults.
const (
	DefaultTaskTimeout = 500 * time.Second
	DefaultTaskPoll    = 2 * time.Second
)

// TaskFailure is returned by Await for a task that ended without success.
type TaskFailure struct {
	Handle TaskHandle
	Status TaskStatus
	Detail string
}

func (e *TaskFailure) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("provider: task %s ended %s", e.Handle, e.Status)
	}
	return fmt.Sprintf("provider: task %s ended %s: %s", e.Handle, e.Status, e.Detail)
}

// WaitForTask polls h every poll until it reaches a terminal status or
// timeout elapses.
func WaitForTask(ctx context.Context, api API, h TaskHandle, timeout, poll time.Duration) (TaskStatus, string, error) {
	if timeout <= 0 {
		timeout = DefaultTaskTimeout
	}
	if poll <= 0 {
		poll = DefaultTaskPoll
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		status, detail, err := api.TaskStatus(ctx, h)
		if err != nil {
			return "", "", fmt.Errorf("provider: poll task %s: %w", h, err)
		}
		if status.Terminal() {
			return status, detail, nil
		}
		select {
		case <-ctx.Done():
			return status, "", fmt.Errorf("provider: task %s still %s: %w", h, status, ctx.Err())
		case <-ticker.C:
		}
	}
}

// Await waits for h and returns a *TaskFailure unless it succeeded.
func Await(ctx context.Context, api API, h TaskHandle, timeout, poll time.Duration) error {
	status, detail, err := WaitForTask(ctx, api, h, timeout, poll)
	if err != nil {
		return err
	}
	if status != TaskSuccess {
		return &TaskFailure{Handle: h, Status: status, Detail: detail}
	}
	return nil
}

// NoRunningTasks is the summary of a resource with no running task.
const NoRunningTasks = "No running tasks"

// TaskSummary shortens the operation text of a running task for display.
func TaskSummary(t *core.Task) string {
	if t == nil || !strings.Contains(t.Status, string(TaskRunning)) {
		return NoRunningTasks
	}
	verb, _, _ := strings.Cut(t.Operation, " ")
	op := strings.ToLower(t.Operation)
	first := strings.ToLower(verb)

	switch {
	case strings.Contains(op, "purging"):
		return "Cleaning up.."
	case strings.Contains(op, "capturing virtual"):
		return "Copying.."
	case strings.Contains(op, "powering off"), first == "stopping":
		return "Powering Off VM.."
	case strings.Contains(op, "resetting"):
		return "Resetting VM.."
	case first == "starting":
		return "Powering On VM.."
	}
	return verb + ".."
}
