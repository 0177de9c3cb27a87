package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jdziat/vapp-jobs/pkg/core"
	"github.com/jdziat/vapp-jobs/pkg/internal/handler"
	"github.com/jdziat/vapp-jobs/pkg/schedule"
	"github.com/jdziat/vapp-jobs/pkg/security"
)

// HandlerFunc runs one job attempt against its JSON-encoded arguments.
type HandlerFunc = handler.Func

// Queue manages job registration, enqueueing, and lifecycle hooks.
type Queue struct {
	store         core.JobStore
	handlers      map[string]HandlerFunc
	scheduledJobs map[string]*ScheduledJob
	mu            sync.RWMutex

	// Hooks
	onStart    []func(context.Context, *core.Job)
	onComplete []func(context.Context, *core.Job)
	onFail     []func(context.Context, *core.Job, error)
	onRetry    []func(context.Context, *core.Job, int, error)

	signalSubs []chan core.Signal
}

// ScheduledJob holds configuration for a recurring job.
type ScheduledJob struct {
	Name     string
	Schedule schedule.Schedule
	Args     any
	Options  []Option
}

// New creates a new Queue backed by the given job store.
func New(s core.JobStore) *Queue {
	return &Queue{
		store:         s,
		handlers:      make(map[string]HandlerFunc),
		scheduledJobs: make(map[string]*ScheduledJob),
	}
}

// Handle registers a typed handler. Arguments are decoded from JSON into T
// before each attempt.
// Job type names must be alphanumeric (starting with a letter), max 255 chars.
func Handle[T any](q *Queue, name string, fn func(ctx context.Context, args T) error) {
	h, err := handler.Typed(fn)
	if err != nil {
		panic(fmt.Sprintf("vappjobs: handler for %q: %v", name, err))
	}
	q.Register(name, h)
}

// Register registers a raw handler.
func (q *Queue) Register(name string, h HandlerFunc) {
	if err := security.ValidateJobTypeName(name); err != nil {
		panic(fmt.Sprintf("vappjobs: invalid handler name %q: %v", name, err))
	}
	if h == nil {
		panic(fmt.Sprintf("vappjobs: handler for %q is nil", name))
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[name] = h
}

// HasHandler checks if a handler is registered.
func (q *Queue) HasHandler(name string) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	_, ok := q.handlers[name]
	return ok
}

// Handler returns a handler by name.
func (q *Queue) Handler(name string) (HandlerFunc, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	h, ok := q.handlers[name]
	return h, ok
}

// Enqueue adds a job to the queue and returns its id.
func (q *Queue) Enqueue(ctx context.Context, name string, args any, opts ...Option) (string, error) {
	if !q.HasHandler(name) {
		return "", fmt.Errorf("vappjobs: no handler registered for %q", name)
	}

	options := NewOptions()
	for _, opt := range opts {
		opt.Apply(options)
	}

	if err := security.ValidateQueueName(options.Queue); err != nil {
		return "", err
	}

	argsBytes, err := json.Marshal(args)
	if err != nil {
		return "", fmt.Errorf("vappjobs: failed to marshal args: %w", err)
	}
	if len(argsBytes) > security.MaxJobArgsSize {
		return "", core.ErrJobArgsTooLarge
	}

	job := &core.Job{
		ID:            uuid.New().String(),
		Type:          name,
		Args:          argsBytes,
		Queue:         options.Queue,
		Priority:      options.Priority,
		MaxRetries:    security.ClampRetries(options.MaxRetries),
		RetryInterval: int(options.RetryInterval / time.Second),
		Timeout:       int(options.Timeout / time.Second),
		Status:        core.StatusPending,
	}

	if options.Delay > 0 {
		runAt := time.Now().Add(options.Delay)
		job.RunAt = &runAt
	}
	if options.RunAt != nil {
		job.RunAt = options.RunAt
	}

	if options.UniqueKey != "" {
		if err := security.ValidateUniqueKey(options.UniqueKey); err != nil {
			return "", err
		}
		if err := q.store.EnqueueUnique(ctx, job, options.UniqueKey); err != nil {
			if errors.Is(err, core.ErrDuplicateJob) {
				return "", err
			}
			return "", fmt.Errorf("vappjobs: failed to enqueue: %w", err)
		}
		return job.ID, nil
	}

	if err := q.store.Enqueue(ctx, job); err != nil {
		return "", fmt.Errorf("vappjobs: failed to enqueue: %w", err)
	}
	return job.ID, nil
}

// Schedule registers a recurring job. The worker scheduler enqueues name with
// args each time sched comes due.
func (q *Queue) Schedule(name string, sched schedule.Schedule, args any, opts ...Option) {
	q.mu.Lock()
	q.scheduledJobs[name] = &ScheduledJob{
		Name:     name,
		Schedule: sched,
		Args:     args,
		Options:  opts,
	}
	q.mu.Unlock()
}

// ScheduledJobs returns the registered recurring jobs sorted by name.
func (q *Queue) ScheduledJobs() []*ScheduledJob {
	q.mu.RLock()
	out := make([]*ScheduledJob, 0, len(q.scheduledJobs))
	for _, sj := range q.scheduledJobs {
		out = append(out, sj)
	}
	q.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Store returns the underlying job store.
func (q *Queue) Store() core.JobStore {
	return q.store
}

// OnJobStart registers a callback for when a job attempt starts.
func (q *Queue) OnJobStart(fn func(context.Context, *core.Job)) {
	q.mu.Lock()
	q.onStart = append(q.onStart, fn)
	q.mu.Unlock()
}

// OnJobComplete registers a callback for when a job completes successfully.
func (q *Queue) OnJobComplete(fn func(context.Context, *core.Job)) {
	q.mu.Lock()
	q.onComplete = append(q.onComplete, fn)
	q.mu.Unlock()
}

// OnJobFail registers a callback for when a job fails permanently.
func (q *Queue) OnJobFail(fn func(context.Context, *core.Job, error)) {
	q.mu.Lock()
	q.onFail = append(q.onFail, fn)
	q.mu.Unlock()
}

// OnRetry registers a callback for when a failed attempt is rescheduled.
func (q *Queue) OnRetry(fn func(context.Context, *core.Job, int, error)) {
	q.mu.Lock()
	q.onRetry = append(q.onRetry, fn)
	q.mu.Unlock()
}

// Signals returns a channel for receiving queue signals.
// The caller must call Unsubscribe when done to prevent resource leaks.
func (q *Queue) Signals() <-chan core.Signal {
	ch := make(chan core.Signal, 100)
	q.mu.Lock()
	q.signalSubs = append(q.signalSubs, ch)
	q.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscriber channel created by Signals().
// The channel is not closed.
func (q *Queue) Unsubscribe(ch <-chan core.Signal) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, sub := range q.signalSubs {
		if sub == ch {
			q.signalSubs = append(q.signalSubs[:i], q.signalSubs[i+1:]...)
			return
		}
	}
}

// Emit sends a signal to all subscribers, dropping it for full channels.
func (q *Queue) Emit(s core.Signal) {
	q.mu.RLock()
	subs := make([]chan core.Signal, len(q.signalSubs))
	copy(subs, q.signalSubs)
	q.mu.RUnlock()

	for _, ch := range subs {
		select {
		case ch <- s:
		default:
		}
	}
}

// CallStartHooks calls all registered start hooks.
func (q *Queue) CallStartHooks(ctx context.Context, job *core.Job) {
	q.mu.RLock()
	hooks := make([]func(context.Context, *core.Job), len(q.onStart))
	copy(hooks, q.onStart)
	q.mu.RUnlock()

	for _, fn := range hooks {
		fn(ctx, job)
	}
}

// CallCompleteHooks calls all registered complete hooks.
func (q *Queue) CallCompleteHooks(ctx context.Context, job *core.Job) {
	q.mu.RLock()
	hooks := make([]func(context.Context, *core.Job), len(q.onComplete))
	copy(hooks, q.onComplete)
	q.mu.RUnlock()

	for _, fn := range hooks {
		fn(ctx, job)
	}
}

// CallFailHooks calls all registered fail hooks.
func (q *Queue) CallFailHooks(ctx context.Context, job *core.Job, err error) {
	q.mu.RLock()
	hooks := make([]func(context.Context, *core.Job, error), len(q.onFail))
	copy(hooks, q.onFail)
	q.mu.RUnlock()

	for _, fn := range hooks {
		fn(ctx, job, err)
	}
}

// CallRetryHooks calls all registered retry hooks.
func (q *Queue) CallRetryHooks(ctx context.Context, job *core.Job, attempt int, err error) {
	q.mu.RLock()
	hooks := make([]func(context.Context, *core.Job, int, error), len(q.onRetry))
	copy(hooks, q.onRetry)
	q.mu.RUnlock()

	for _, fn := range hooks {
		fn(ctx, job, attempt, err)
	}
}
