package dispatch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jdziat/vapp-jobs/pkg/busy"
	"github.com/jdziat/vapp-jobs/pkg/core"
	"github.com/jdziat/vapp-jobs/pkg/policy"
	"github.com/jdziat/vapp-jobs/pkg/queue"
	"github.com/jdziat/vapp-jobs/pkg/storage"
	"github.com/jdziat/vapp-jobs/pkg/worker"
)

type testEnv struct {
	store    *storage.GormStorage
	queue    *queue.Queue
	busy     *busy.Registry
	policies *fastPolicies
	events   core.EventStore
	observer *recordingObserver
	d        *Dispatcher
}

type recordingObserver struct {
	mu       sync.Mutex
	retries  int
	outcomes []core.Outcome
}

func (r *recordingObserver) JobRetrying(core.Operation) {
	r.mu.Lock()
	r.retries++
	r.mu.Unlock()
}

func (r *recordingObserver) JobSettled(_ core.Operation, o core.Outcome) {
	r.mu.Lock()
	r.outcomes = append(r.outcomes, o)
	r.mu.Unlock()
}

// fastPolicies serves zero-interval policies so retries run immediately,
// falling back to the real registry.
type fastPolicies struct {
	*policy.Registry
	mu        sync.Mutex
	overrides map[string]core.RetryPolicy
}

func (f *fastPolicies) Resolve(ctx context.Context, name string) core.RetryPolicy {
	f.mu.Lock()
	p, ok := f.overrides[name]
	f.mu.Unlock()
	if ok {
		return p
	}
	return f.Registry.Resolve(ctx, name)
}

// failingEvents makes CreateEvent fail.
type failingEvents struct {
	core.EventStore
}

func (failingEvents) CreateEvent(context.Context, *core.Event) error {
	return errors.New("events table locked")
}

func newEnv(t *testing.T, events func(core.EventStore) core.EventStore) *testEnv {
	t.Helper()
	db, err := storage.Open(storage.DriverSQLite, ":memory:")
	require.NoError(t, err)
	s := storage.NewGormStorage(db)
	require.NoError(t, s.Migrate(context.Background()))

	e := &testEnv{
		store:    s,
		queue:    queue.New(s),
		busy:     busy.New(busy.NewMemoryStore(1 << 20)),
		policies: &fastPolicies{Registry: policy.New(s), overrides: map[string]core.RetryPolicy{}},
		events:   s,
		observer: &recordingObserver{},
	}
	if events != nil {
		e.events = events(s)
	}
	e.d = New(e.queue, e.policies, e.events, e.busy,
		WithObserver(e.observer), WithAwaitPoll(10*time.Millisecond))
	return e
}

func (e *testEnv) startWorker(t *testing.T) {
	t.Helper()
	w := worker.NewWorker(e.queue,
		worker.WorkerQueue(core.QueueHigh, worker.Concurrency(2)),
		worker.WorkerQueue(core.QueueDefault, worker.Concurrency(2)),
		worker.WorkerQueue(core.QueueLow, worker.Concurrency(1)),
		worker.PollInterval(10*time.Millisecond),
		worker.DisableRetry(),
	)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Start(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

// begin does what the orchestrator does before submitting: claim the
// resource and write the Start event.
func (e *testEnv) begin(t *testing.T, op core.Operation, resourceID string) core.Payload {
	t.Helper()
	ctx := context.Background()
	spec := op.Spec()
	uid := uint(7)
	p := core.Payload{
		Operation:   op,
		ResourceID:  resourceID,
		ObjectType:  spec.Object,
		UserID:      &uid,
		RequestHost: "portal.local",
		Created:     storage.EventTime(time.Now()),
	}

	ok, err := e.busy.Claim(ctx, resourceID, spec.Busy)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, e.store.CreateEvent(ctx, &core.Event{
		UserID:             p.UserID,
		FunctionName:       spec.Name,
		FunctionParameters: p.Snapshot(),
		ObjectType:         spec.Object,
		ResourceID:         resourceID,
		Created:            p.Created,
		EventStage:         core.StageStart,
		RequestHost:        p.RequestHost,
	}))
	return p
}

func (e *testEnv) put(t *testing.T, name string, retries int) {
	t.Helper()
	e.policies.mu.Lock()
	e.policies.overrides[name] = core.RetryPolicy{
		Name: name, Queue: core.QueueDefault, MaxRetries: retries, RetryInterval: 0, JobTimeout: 60,
	}
	e.policies.mu.Unlock()
}

func (e *testEnv) await(t *testing.T, jobID string) Outcome {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	o, err := e.d.Await(ctx, jobID)
	require.NoError(t, err)
	return o
}

func (e *testEnv) eventsFor(t *testing.T, resourceID string) (start *core.Event, ends []*core.Event) {
	t.Helper()
	all, err := e.store.ListEvents(context.Background(), core.EventFilter{ResourceID: resourceID})
	require.NoError(t, err)
	for _, ev := range all {
		if ev.EventStage == core.StageStart {
			start = ev
		} else {
			ends = append(ends, ev)
		}
	}
	return start, ends
}

func (e *testEnv) isBusy(t *testing.T, id string) bool {
	t.Helper()
	b, err := e.busy.IsBusy(context.Background(), id)
	require.NoError(t, err)
	return b
}

func TestDispatch_SuccessFirstAttempt(t *testing.T) {
	e := newEnv(t, nil)
	e.d.Handle(core.OpStartVApp, func(ctx context.Context, p core.Payload) error { return nil })
	e.startWorker(t)

	p := e.begin(t, core.OpStartVApp, "vapp-42")
	jobID, err := e.d.Submit(context.Background(), p)
	require.NoError(t, err)

	o := e.await(t, jobID)
	assert.True(t, o.Succeeded)
	assert.Equal(t, 0, o.RetriesConsumed)
	assert.Equal(t, "vapp-42", o.ResourceID)
	assert.Equal(t, core.OpStartVApp, o.Operation)

	start, ends := e.eventsFor(t, "vapp-42")
	require.NotNil(t, start)
	assert.Equal(t, jobID, start.JobID)
	assert.Equal(t, core.OutcomeNone, start.Outcome)

	require.Len(t, ends, 1)
	end := ends[0]
	assert.Equal(t, core.StageEnd, end.EventStage)
	assert.Equal(t, core.OutcomeCompleted, end.Outcome)
	assert.Equal(t, jobID, end.JobID)
	assert.Equal(t, 0, end.Retries)
	assert.Equal(t, "start_vapp", end.FunctionName)
	assert.Equal(t, start.Created, end.Created)
	require.NotNil(t, end.UserID)
	assert.Equal(t, uint(7), *end.UserID)

	assert.False(t, e.isBusy(t, "vapp-42"))
	assert.Equal(t, []core.Outcome{core.OutcomeCompleted}, e.observer.outcomes)
}

func TestDispatch_IntermediateFailuresKeepBusy(t *testing.T) {
	e := newEnv(t, nil)
	e.put(t, "power_on_vm", 3)

	var attempts atomic.Int32
	var busyDuringAttempts atomic.Int32
	e.d.Handle(core.OpPowerOnVM, func(ctx context.Context, p core.Payload) error {
		if b, _ := e.busy.IsBusy(ctx, p.ResourceID); b {
			busyDuringAttempts.Add(1)
		}
		if attempts.Add(1) < 3 {
			return errors.New("task still running")
		}
		return nil
	})
	e.startWorker(t)

	p := e.begin(t, core.OpPowerOnVM, "vm-1")
	jobID, err := e.d.Submit(context.Background(), p)
	require.NoError(t, err)

	o := e.await(t, jobID)
	assert.True(t, o.Succeeded)
	assert.Equal(t, 2, o.RetriesConsumed)
	assert.Equal(t, int32(3), busyDuringAttempts.Load())

	_, ends := e.eventsFor(t, "vm-1")
	require.Len(t, ends, 1)
	assert.Equal(t, core.OutcomeCompleted, ends[0].Outcome)
	assert.Equal(t, 2, ends[0].Retries)
	assert.False(t, e.isBusy(t, "vm-1"))

	e.observer.mu.Lock()
	defer e.observer.mu.Unlock()
	assert.Equal(t, 2, e.observer.retries)
}

func TestDispatch_ExhaustedFailure(t *testing.T) {
	e := newEnv(t, nil)
	e.put(t, "delete_vapp", 2)
	e.d.Handle(core.OpDeleteVApp, func(ctx context.Context, p core.Payload) error {
		return errors.New("entity is busy")
	})
	e.startWorker(t)

	p := e.begin(t, core.OpDeleteVApp, "vapp-7")
	jobID, err := e.d.Submit(context.Background(), p)
	require.NoError(t, err)

	o := e.await(t, jobID)
	assert.False(t, o.Succeeded)
	assert.ErrorContains(t, o.Err, "entity is busy")
	assert.Equal(t, 2, o.RetriesConsumed)

	start, ends := e.eventsFor(t, "vapp-7")
	assert.Equal(t, jobID, start.JobID)
	require.Len(t, ends, 1)
	assert.Equal(t, core.OutcomeFailed, ends[0].Outcome)
	assert.Empty(t, ends[0].Message)
	assert.Equal(t, 2, ends[0].Retries)
	assert.False(t, e.isBusy(t, "vapp-7"))

	job, err := e.store.GetJob(context.Background(), jobID)
	require.NoError(t, err)
	assert.Equal(t, "entity is busy", job.LastError)
}

func TestDispatch_TemplateRenameSkipsEndEventOnSuccess(t *testing.T) {
	e := newEnv(t, nil)
	e.d.Handle(core.OpRenameVAppTemplate, func(ctx context.Context, p core.Payload) error { return nil })
	e.startWorker(t)

	p := e.begin(t, core.OpRenameVAppTemplate, "vappTemplate-1")
	jobID, err := e.d.Submit(context.Background(), p)
	require.NoError(t, err)

	o := e.await(t, jobID)
	assert.True(t, o.Succeeded)

	start, ends := e.eventsFor(t, "vappTemplate-1")
	assert.Equal(t, jobID, start.JobID)
	assert.Empty(t, ends)
	assert.False(t, e.isBusy(t, "vappTemplate-1"))
}

func TestDispatch_TemplateRenameFailureWritesEndEvent(t *testing.T) {
	e := newEnv(t, nil)
	e.put(t, "rename_vapp", 0)
	e.d.Handle(core.OpRenameVAppTemplate, func(ctx context.Context, p core.Payload) error {
		return errors.New("duplicate name")
	})
	e.startWorker(t)

	p := e.begin(t, core.OpRenameVAppTemplate, "vappTemplate-2")
	jobID, err := e.d.Submit(context.Background(), p)
	require.NoError(t, err)

	o := e.await(t, jobID)
	assert.False(t, o.Succeeded)

	_, ends := e.eventsFor(t, "vappTemplate-2")
	require.Len(t, ends, 1)
	assert.Equal(t, core.OutcomeFailed, ends[0].Outcome)
}

func TestDispatch_ReleasesWhenEndEventWriteFails(t *testing.T) {
	e := newEnv(t, func(s core.EventStore) core.EventStore { return failingEvents{s} })
	e.d.Handle(core.OpShutdownVM, func(ctx context.Context, p core.Payload) error { return nil })
	e.startWorker(t)

	p := e.begin(t, core.OpShutdownVM, "vm-9")
	jobID, err := e.d.Submit(context.Background(), p)
	require.NoError(t, err)

	o := e.await(t, jobID)
	assert.True(t, o.Succeeded)
	assert.False(t, e.isBusy(t, "vm-9"))

	start, ends := e.eventsFor(t, "vm-9")
	assert.Equal(t, jobID, start.JobID)
	assert.Empty(t, ends)
}

func TestDispatch_SubmitUsesPolicy(t *testing.T) {
	e := newEnv(t, nil)
	require.NoError(t, e.policies.Put(context.Background(), core.RetryPolicy{
		Name: "add_to_catalog_vapp", Queue: core.QueueLow, MaxRetries: 1, RetryInterval: 45, JobTimeout: 7200,
	}))
	e.d.Handle(core.OpStopAndAddVAppToCatalog, func(ctx context.Context, p core.Payload) error { return nil })

	jobID, err := e.d.Submit(context.Background(), core.Payload{
		Operation: core.OpStopAndAddVAppToCatalog, ResourceID: "vapp-3", ObjectType: core.ObjectVApp,
	})
	require.NoError(t, err)

	job, err := e.store.GetJob(context.Background(), jobID)
	require.NoError(t, err)
	assert.Equal(t, "stop_and_add_to_catalog_vapp", job.Type)
	assert.Equal(t, "low", job.Queue)
	assert.Equal(t, 1, job.MaxRetries)
	assert.Equal(t, 45, job.RetryInterval)
	assert.Equal(t, 7200, job.Timeout)
}

func TestDispatch_SubmitDefaultPolicy(t *testing.T) {
	e := newEnv(t, nil)
	e.d.Handle(core.OpRebootVM, func(ctx context.Context, p core.Payload) error { return nil })

	jobID, err := e.d.Submit(context.Background(), core.Payload{Operation: core.OpRebootVM, ResourceID: "vm-2"})
	require.NoError(t, err)

	job, err := e.store.GetJob(context.Background(), jobID)
	require.NoError(t, err)
	assert.Equal(t, "default", job.Queue)
	assert.Equal(t, 3, job.MaxRetries)
	assert.Equal(t, 30, job.RetryInterval)
	assert.Equal(t, 1800, job.Timeout)
}

func TestDispatch_SubmitRejectsInvalidOperation(t *testing.T) {
	e := newEnv(t, nil)

	_, err := e.d.Submit(context.Background(), core.Payload{ResourceID: "vm-2"})
	assert.ErrorIs(t, err, core.ErrUnknownOperation)

	_, err = e.d.Submit(context.Background(), core.Payload{Operation: core.OpRebootVM, ResourceID: "vm-2"})
	assert.ErrorContains(t, err, "no handler registered")
}

func TestDispatch_Missing(t *testing.T) {
	e := newEnv(t, nil)
	assert.Len(t, e.d.Missing(), len(core.Operations()))

	for _, op := range core.Operations() {
		e.d.Handle(op, func(ctx context.Context, p core.Payload) error { return nil })
	}
	assert.Empty(t, e.d.Missing())
}

func TestDispatch_IgnoresNonOperationJobs(t *testing.T) {
	e := newEnv(t, nil)
	queue.Handle(e.queue, "reconcile_sweep", func(ctx context.Context, _ struct{}) error { return nil })
	e.startWorker(t)

	ok, err := e.busy.Claim(context.Background(), "reconcile_sweep", "x")
	require.NoError(t, err)
	require.True(t, ok)

	jobID, err := e.queue.Enqueue(context.Background(), "reconcile_sweep", struct{}{})
	require.NoError(t, err)

	o := e.await(t, jobID)
	assert.True(t, o.Succeeded)
	assert.True(t, e.isBusy(t, "reconcile_sweep"))
	assert.Empty(t, e.observer.outcomes)
}

func TestDispatch_AwaitStoredOutcome(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()

	job := &core.Job{ID: "remote-1", Type: "delete_vm", Queue: core.QueueDefault, MaxRetries: 0,
		Args: []byte(`{"operation":"delete_vm","resource_id":"vm-5","object_type":"vm","is_api":false,"created":"2024-01-01T00:00:00Z"}`)}
	require.NoError(t, e.store.Enqueue(ctx, job))
	_, err := e.store.Dequeue(ctx, []string{core.QueueDefault}, "remote-worker")
	require.NoError(t, err)
	require.NoError(t, e.store.Fail(ctx, "remote-1", "remote-worker", "vm locked", nil))

	o := e.await(t, "remote-1")
	assert.False(t, o.Succeeded)
	assert.Equal(t, "vm-5", o.ResourceID)
	assert.Equal(t, core.OpDeleteVM, o.Operation)
	assert.EqualError(t, o.Err, "vm locked")
}

func TestDispatch_AwaitUnknownJob(t *testing.T) {
	e := newEnv(t, nil)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := e.d.Await(ctx, "nope")
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestDispatch_AwaitContextDone(t *testing.T) {
	e := newEnv(t, nil)
	e.d.Handle(core.OpRebootVM, func(ctx context.Context, p core.Payload) error { return nil })
	jobID, err := e.d.Submit(context.Background(), core.Payload{Operation: core.OpRebootVM, ResourceID: "vm-2"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = e.d.Await(ctx, jobID)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	e.d.mu.Lock()
	defer e.d.mu.Unlock()
	assert.Empty(t, e.d.waiters)
}
