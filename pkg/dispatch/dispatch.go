package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jdziat/vapp-jobs/pkg/core"
	"github.com/jdziat/vapp-jobs/pkg/queue"
)

// PolicyResolver returns the retry policy for an operation.
type PolicyResolver interface {
	Resolve(ctx context.Context, name string) core.RetryPolicy
}

// Releaser frees a busy entry.
type Releaser interface {
	Release(ctx context.Context, id string) error
}

// Observer is notified of settlement. It is used for metrics.
type Observer interface {
	JobRetrying(op core.Operation)
	JobSettled(op core.Operation, outcome core.Outcome)
}

// HandlerFunc executes one attempt of an operation.
type HandlerFunc func(ctx context.Context, p core.Payload) error

// Outcome is the terminal result of a submitted job.
type Outcome struct {
	JobID           string
	Operation       core.Operation
	ResourceID      string
	Succeeded       bool
	RetriesConsumed int
	Err             error
}

// Dispatcher submits operations and settles their jobs.
type Dispatcher struct {
	queue    *queue.Queue
	policies PolicyResolver
	events   core.EventStore
	busy     Releaser
	observer Observer
	logger   *slog.Logger
	poll     time.Duration
	now      func() time.Time

	mu      sync.Mutex
	waiters map[string][]chan Outcome
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) {
		if l != nil {
			d.logger = l
		}
	}
}

// WithObserver registers a settlement observer.
func WithObserver(o Observer) Option {
	return func(d *Dispatcher) { d.observer = o }
}

// WithAwaitPoll sets how often Await checks the job store for jobs settled
// by another process.
func WithAwaitPoll(p time.Duration) Option {
	return func(d *Dispatcher) {
		if p > 0 {
			d.poll = p
		}
	}
}

// New creates a Dispatcher and installs its settlement hooks on q.
func New(q *queue.Queue, policies PolicyResolver, events core.EventStore, busy Releaser, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		queue:    q,
		policies: policies,
		events:   events,
		busy:     busy,
		logger:   slog.Default(),
		poll:     time.Second,
		now:      time.Now,
		waiters:  make(map[string][]chan Outcome),
	}
	for _, opt := range opts {
		opt(d)
	}

	q.OnJobComplete(func(ctx context.Context, job *core.Job) {
		d.settle(ctx, job, nil)
	})
	q.OnJobFail(func(ctx context.Context, job *core.Job, err error) {
		if err == nil {
			err = errors.New(job.LastError)
		}
		d.settle(ctx, job, err)
	})
	q.OnRetry(d.retrying)
	return d
}

// Handle registers the handler that executes op.
func (d *Dispatcher) Handle(op core.Operation, h HandlerFunc) {
	queue.Handle(d.queue, op.Spec().Name, func(ctx context.Context, p core.Payload) error {
		return h(ctx, p)
	})
}

// Missing returns the operations that have no registered handler.
func (d *Dispatcher) Missing() []core.Operation {
	var missing []core.Operation
	for _, op := range core.Operations() {
		if !d.queue.HasHandler(op.Spec().Name) {
			missing = append(missing, op)
		}
	}
	return missing
}

// Submit enqueues p under the retry policy of its operation and returns the
// job id.
func (d *Dispatcher) Submit(ctx context.Context, p core.Payload) (string, error) {
	if !p.Operation.Valid() {
		return "", fmt.Errorf("%w: %d", core.ErrUnknownOperation, int(p.Operation))
	}
	spec := p.Operation.Spec()
	pol := d.policies.Resolve(ctx, spec.Policy)

	jobID, err := d.queue.Enqueue(ctx, spec.Name, p, queue.FromPolicy(pol))
	if err != nil {
		return "", fmt.Errorf("dispatch: submit %s for %s: %w", spec.Name, p.ResourceID, err)
	}
	d.logger.Info("operation submitted",
		"job_id", jobID, "operation", spec.Name, "resource_id", p.ResourceID,
		"queue", pol.Queue, "max_retries", pol.MaxRetries)
	return jobID, nil
}

// payloadOf decodes the operation payload of job. Jobs that are not
// lifecycle operations, such as the reconciliation sweep, return
// core.ErrUnknownOperation.
func payloadOf(job *core.Job) (core.Payload, error) {
	op, err := core.ParseOperation(job.Type)
	if err != nil {
		return core.Payload{}, err
	}
	var p core.Payload
	if err := json.Unmarshal(job.Args, &p); err != nil {
		return core.Payload{}, fmt.Errorf("dispatch: decode payload of job %s: %w", job.ID, err)
	}
	p.Operation = op
	return p, nil
}

func (d *Dispatcher) retrying(ctx context.Context, job *core.Job, attempt int, jobErr error) {
	p, err := payloadOf(job)
	if err != nil {
		return
	}
	d.logger.Info("job failed, retrying",
		"job_id", job.ID, "operation", job.Type, "resource_id", p.ResourceID,
		"attempt", attempt, "retries_left", job.RetriesLeft(), "error", jobErr)
	if d.observer != nil {
		d.observer.JobRetrying(p.Operation)
	}
}

// settle records the terminal outcome of job. The busy entry is released
// even when the event writes fail.
func (d *Dispatcher) settle(ctx context.Context, job *core.Job, jobErr error) {
	p, err := payloadOf(job)
	if err != nil {
		if !errors.Is(err, core.ErrUnknownOperation) {
			d.logger.Error("cannot settle job", "job_id", job.ID, "error", err)
		}
		return
	}
	spec := p.Operation.Spec()

	outcome := core.OutcomeCompleted
	if jobErr != nil {
		outcome = core.OutcomeFailed
	}
	log := d.logger.With("job_id", job.ID, "operation", spec.Name, "resource_id", p.ResourceID)

	defer func() {
		if err := d.busy.Release(ctx, p.BusyID()); err != nil {
			log.Error("failed to release busy entry", "error", err)
		}
		if d.observer != nil {
			d.observer.JobSettled(p.Operation, outcome)
		}
		d.notify(Outcome{
			JobID:           job.ID,
			Operation:       p.Operation,
			ResourceID:      p.ResourceID,
			Succeeded:       jobErr == nil,
			RetriesConsumed: job.RetriesConsumed(),
			Err:             jobErr,
		})
	}()

	if err := d.stampStart(ctx, spec, p, job.ID); err != nil {
		log.Warn("failed to stamp job id on start event", "error", err)
	}
	if jobErr == nil && spec.SkipEndEvent {
		log.Info("operation completed")
		return
	}
	if err := d.writeEnd(ctx, spec, p, job, outcome); err != nil {
		log.Error("failed to write end event", "outcome", outcome, "error", err)
		return
	}
	if jobErr != nil {
		log.Warn("operation failed", "retries", job.RetriesConsumed(), "error", jobErr)
	} else {
		log.Info("operation completed", "retries", job.RetriesConsumed())
	}
}

func (d *Dispatcher) stampStart(ctx context.Context, spec core.OperationSpec, p core.Payload, jobID string) error {
	start, err := d.events.FindStartEvent(ctx, spec.Name, p.ResourceID, p.Created)
	if err != nil {
		return err
	}
	if start.JobID == jobID {
		return nil
	}
	start.JobID = jobID
	return d.events.SaveEvent(ctx, start)
}

// writeEnd appends the End event unless one already exists for the job.
func (d *Dispatcher) writeEnd(ctx context.Context, spec core.OperationSpec, p core.Payload, job *core.Job, outcome core.Outcome) error {
	existing, err := d.events.ListEvents(ctx, core.EventFilter{JobID: job.ID, Stage: core.StageEnd, Limit: 1})
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		return nil
	}
	return d.events.CreateEvent(ctx, &core.Event{
		UserID:             p.UserID,
		FunctionName:       spec.Name,
		IsAPI:              p.IsAPI,
		FunctionParameters: p.Snapshot(),
		ObjectType:         p.ObjectType,
		JobID:              job.ID,
		ResourceID:         p.ResourceID,
		Created:            p.Created,
		Retries:            job.RetriesConsumed(),
		EventStage:         core.StageEnd,
		Outcome:            outcome,
		RequestHost:        p.RequestHost,
	})
}

func (d *Dispatcher) notify(o Outcome) {
	d.mu.Lock()
	waiters := d.waiters[o.JobID]
	delete(d.waiters, o.JobID)
	d.mu.Unlock()

	for _, ch := range waiters {
		ch <- o
	}
}

// Await blocks until jobID settles or ctx is done. A job settled by another
// process is detected by polling the job store; once the store reports a
// terminal status, local settlement gets one more poll interval to finish.
func (d *Dispatcher) Await(ctx context.Context, jobID string) (Outcome, error) {
	ch := make(chan Outcome, 1)
	d.mu.Lock()
	d.waiters[jobID] = append(d.waiters[jobID], ch)
	d.mu.Unlock()
	defer d.cancelWait(jobID, ch)

	ticker := time.NewTicker(d.poll)
	defer ticker.Stop()

	var stored *Outcome
	for {
		select {
		case o := <-ch:
			return o, nil
		case <-ctx.Done():
			return Outcome{}, ctx.Err()
		case <-ticker.C:
		}
		if stored != nil {
			return *stored, nil
		}
		o, done, err := d.storedOutcome(ctx, jobID)
		if err != nil {
			return Outcome{}, err
		}
		if done {
			stored = &o
		}
	}
}

func (d *Dispatcher) cancelWait(jobID string, ch chan Outcome) {
	d.mu.Lock()
	defer d.mu.Unlock()
	waiters := d.waiters[jobID]
	for i, w := range waiters {
		if w == ch {
			waiters = append(waiters[:i], waiters[i+1:]...)
			break
		}
	}
	if len(waiters) == 0 {
		delete(d.waiters, jobID)
	} else {
		d.waiters[jobID] = waiters
	}
}

func (d *Dispatcher) storedOutcome(ctx context.Context, jobID string) (Outcome, bool, error) {
	job, err := d.queue.Store().GetJob(ctx, jobID)
	if err != nil {
		return Outcome{}, false, err
	}
	if job == nil {
		return Outcome{}, false, fmt.Errorf("%w: job %s", core.ErrNotFound, jobID)
	}
	o := Outcome{JobID: job.ID, RetriesConsumed: job.RetriesConsumed()}
	if p, err := payloadOf(job); err == nil {
		o.Operation = p.Operation
		o.ResourceID = p.ResourceID
	}
	switch job.Status {
	case core.StatusCompleted:
		o.Succeeded = true
		return o, true, nil
	case core.StatusFailed:
		o.Err = errors.New(job.LastError)
		return o, true, nil
	}
	return Outcome{}, false, nil
}
