package queue

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jdziat/vapp-jobs/pkg/core"
)

// mockStore implements core.JobStore for testing
type mockStore struct {
	mu         sync.Mutex
	jobs       map[string]*core.Job
	uniqueKeys map[string]string
	enqueueErr error
}

func newMockStore() *mockStore {
	return &mockStore{
		jobs:       make(map[string]*core.Job),
		uniqueKeys: make(map[string]string),
	}
}

func (m *mockStore) Enqueue(ctx context.Context, job *core.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.enqueueErr != nil {
		return m.enqueueErr
	}
	m.jobs[job.ID] = job
	return nil
}

func (m *mockStore) EnqueueUnique(ctx context.Context, job *core.Job, uniqueKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.uniqueKeys[uniqueKey]; ok {
		return core.ErrDuplicateJob
	}
	job.UniqueKey = uniqueKey
	m.uniqueKeys[uniqueKey] = job.ID
	m.jobs[job.ID] = job
	return nil
}

func (m *mockStore) Dequeue(ctx context.Context, queues []string, workerID string) (*core.Job, error) {
	return nil, nil
}

func (m *mockStore) Complete(ctx context.Context, jobID, workerID string) error { return nil }

func (m *mockStore) Fail(ctx context.Context, jobID, workerID, errMsg string, retryAt *time.Time) error {
	return nil
}

func (m *mockStore) Heartbeat(ctx context.Context, jobID, workerID string) error { return nil }

func (m *mockStore) ReleaseStaleLocks(ctx context.Context, staleDuration time.Duration) (int64, error) {
	return 0, nil
}

func (m *mockStore) GetJob(ctx context.Context, jobID string) (*core.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.jobs[jobID], nil
}

func (m *mockStore) GetJobs(ctx context.Context, jobIDs []string) ([]*core.Job, error) {
	return nil, nil
}

func (m *mockStore) GetJobsByStatus(ctx context.Context, status core.JobStatus, limit int) ([]*core.Job, error) {
	return nil, nil
}

func (m *mockStore) QueueStats(ctx context.Context) ([]core.QueueStats, error) { return nil, nil }

func (m *mockStore) PurgeFinishedJobs(ctx context.Context, before time.Time) (int64, error) {
	return 0, nil
}

type powerArgs struct {
	ResourceID string `json:"resource_id"`
}

func noop(ctx context.Context, args powerArgs) error { return nil }

func TestNew_CreatesQueue(t *testing.T) {
	store := newMockStore()
	q := New(store)

	require.NotNil(t, q)
	assert.Equal(t, store, q.Store())
	assert.Empty(t, q.ScheduledJobs())
}

func TestHandle_RegistersTypedHandler(t *testing.T) {
	q := New(newMockStore())

	var got powerArgs
	Handle(q, "power_on_vm", func(ctx context.Context, args powerArgs) error {
		got = args
		return nil
	})

	h, ok := q.Handler("power_on_vm")
	require.True(t, ok)
	require.NoError(t, h(context.Background(), []byte(`{"resource_id":"vm-1"}`)))
	assert.Equal(t, "vm-1", got.ResourceID)
}

func TestHandle_NilFunction_Panics(t *testing.T) {
	q := New(newMockStore())

	assert.Panics(t, func() {
		Handle[powerArgs](q, "power_on_vm", nil)
	})
}

func TestQueue_Register_InvalidName_Panics(t *testing.T) {
	q := New(newMockStore())

	assert.Panics(t, func() { Handle(q, "", noop) })
	assert.Panics(t, func() { Handle(q, "1starts-with-digit", noop) })
}

func TestQueue_Handler_ReturnsFalseForUnknown(t *testing.T) {
	q := New(newMockStore())

	_, ok := q.Handler("missing")
	assert.False(t, ok)
	assert.False(t, q.HasHandler("missing"))
}

func TestQueue_Enqueue_UnregisteredHandler(t *testing.T) {
	q := New(newMockStore())

	_, err := q.Enqueue(context.Background(), "unknown-job", powerArgs{})
	assert.ErrorContains(t, err, "no handler registered")
}

func TestQueue_Enqueue_Defaults(t *testing.T) {
	store := newMockStore()
	q := New(store)
	Handle(q, "start_vapp", noop)

	jobID, err := q.Enqueue(context.Background(), "start_vapp", powerArgs{ResourceID: "vapp-1"})
	require.NoError(t, err)
	assert.NotEmpty(t, jobID)

	job, err := store.GetJob(context.Background(), jobID)
	require.NoError(t, err)
	assert.Equal(t, "start_vapp", job.Type)
	assert.Equal(t, "default", job.Queue)
	assert.Equal(t, core.StatusPending, job.Status)
	assert.Equal(t, 3, job.MaxRetries)
	assert.Equal(t, 30, job.RetryInterval)
	assert.Equal(t, 1800, job.Timeout)
	assert.JSONEq(t, `{"resource_id":"vapp-1"}`, string(job.Args))
	assert.Nil(t, job.RunAt)
}

func TestQueue_Enqueue_FromPolicy(t *testing.T) {
	store := newMockStore()
	q := New(store)
	Handle(q, "delete_vapp", noop)

	jobID, err := q.Enqueue(context.Background(), "delete_vapp", powerArgs{},
		FromPolicy(core.RetryPolicy{Queue: core.QueueLow, MaxRetries: 0, RetryInterval: 5, JobTimeout: 120}),
		Priority(7),
	)
	require.NoError(t, err)

	job, _ := store.GetJob(context.Background(), jobID)
	assert.Equal(t, "low", job.Queue)
	assert.Equal(t, 0, job.MaxRetries)
	assert.Equal(t, 5, job.RetryInterval)
	assert.Equal(t, 120, job.Timeout)
	assert.Equal(t, 7, job.Priority)
}

func TestQueue_Enqueue_DelayAndAt(t *testing.T) {
	store := newMockStore()
	q := New(store)
	Handle(q, "reboot_vm", noop)

	before := time.Now()
	id, err := q.Enqueue(context.Background(), "reboot_vm", powerArgs{}, Delay(time.Minute))
	require.NoError(t, err)
	job, _ := store.GetJob(context.Background(), id)
	require.NotNil(t, job.RunAt)
	assert.True(t, job.RunAt.After(before.Add(59*time.Second)))

	at := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	id, err = q.Enqueue(context.Background(), "reboot_vm", powerArgs{}, Delay(time.Minute), At(at))
	require.NoError(t, err)
	job, _ = store.GetJob(context.Background(), id)
	assert.Equal(t, at, *job.RunAt)
}

func TestQueue_Enqueue_InvalidQueueName(t *testing.T) {
	q := New(newMockStore())
	Handle(q, "reboot_vm", noop)

	_, err := q.Enqueue(context.Background(), "reboot_vm", powerArgs{}, QueueOpt("bad queue!"))
	assert.ErrorIs(t, err, core.ErrInvalidQueueName)
}

func TestQueue_Enqueue_ArgsTooLarge(t *testing.T) {
	q := New(newMockStore())
	Handle(q, "reboot_vm", noop)

	big := powerArgs{ResourceID: strings.Repeat("x", 300<<10)}
	_, err := q.Enqueue(context.Background(), "reboot_vm", big)
	assert.ErrorIs(t, err, core.ErrJobArgsTooLarge)
}

func TestQueue_Enqueue_Unmarshalable(t *testing.T) {
	q := New(newMockStore())
	Handle(q, "reboot_vm", noop)

	_, err := q.Enqueue(context.Background(), "reboot_vm", make(chan int))
	assert.ErrorContains(t, err, "failed to marshal args")
}

func TestQueue_Enqueue_Unique(t *testing.T) {
	q := New(newMockStore())
	Handle(q, "sweep", noop)

	_, err := q.Enqueue(context.Background(), "sweep", powerArgs{}, Unique("daily-sweep"))
	require.NoError(t, err)

	_, err = q.Enqueue(context.Background(), "sweep", powerArgs{}, Unique("daily-sweep"))
	assert.ErrorIs(t, err, core.ErrDuplicateJob)

	_, err = q.Enqueue(context.Background(), "sweep", powerArgs{}, Unique(strings.Repeat("k", 300)))
	assert.ErrorIs(t, err, core.ErrUniqueKeyTooLong)
}

func TestQueue_Enqueue_StoreError(t *testing.T) {
	store := newMockStore()
	store.enqueueErr = errors.New("database is locked")
	q := New(store)
	Handle(q, "reboot_vm", noop)

	_, err := q.Enqueue(context.Background(), "reboot_vm", powerArgs{})
	assert.ErrorContains(t, err, "failed to enqueue: database is locked")
}

type mockSchedule struct{}

func (m *mockSchedule) Next(last time.Time) time.Time { return last.Add(time.Hour) }

func TestQueue_Schedule(t *testing.T) {
	q := New(newMockStore())

	q.Schedule("sweep", &mockSchedule{}, nil, QueueOpt(core.QueueLow))
	q.Schedule("purge", &mockSchedule{}, powerArgs{ResourceID: "x"})

	scheduled := q.ScheduledJobs()
	require.Len(t, scheduled, 2)
	assert.Equal(t, "purge", scheduled[0].Name)
	assert.Equal(t, "sweep", scheduled[1].Name)
	assert.Len(t, scheduled[1].Options, 1)
}

func TestQueue_Signals(t *testing.T) {
	q := New(newMockStore())

	ch := q.Signals()
	require.NotNil(t, ch)

	sig := &core.JobStarted{Job: &core.Job{ID: "test"}}
	q.Emit(sig)

	select {
	case received := <-ch:
		assert.Equal(t, sig, received)
	default:
		t.Fatal("expected to receive signal")
	}
}

func TestQueue_Emit_DropsWhenFull(t *testing.T) {
	q := New(newMockStore())

	ch := q.Signals()
	for i := 0; i < 100; i++ {
		q.Emit(&core.JobStarted{Job: &core.Job{ID: "test"}})
	}

	// Must not block
	q.Emit(&core.JobStarted{Job: &core.Job{ID: "dropped"}})

	assert.Len(t, ch, 100)
}

func TestQueue_Unsubscribe_StopsDelivery(t *testing.T) {
	q := New(newMockStore())

	ch := q.Signals()
	q.Emit(&core.JobStarted{Job: &core.Job{ID: "before"}})
	select {
	case s := <-ch:
		assert.Equal(t, "before", s.(*core.JobStarted).Job.ID)
	default:
		t.Fatal("expected signal before unsubscribe")
	}

	q.Unsubscribe(ch)

	q.Emit(&core.JobStarted{Job: &core.Job{ID: "after"}})
	select {
	case <-ch:
		t.Fatal("should not receive signals after unsubscribe")
	default:
	}
}

func TestQueue_Unsubscribe_UnknownChannel_IsNoop(t *testing.T) {
	q := New(newMockStore())

	foreign := make(chan core.Signal, 1)
	q.Unsubscribe(foreign)
}

func TestQueue_Unsubscribe_ConcurrentWithEmit(t *testing.T) {
	q := New(newMockStore())

	channels := make([]<-chan core.Signal, 10)
	for i := range channels {
		channels[i] = q.Signals()
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 100; i++ {
			q.Emit(&core.JobStarted{Job: &core.Job{ID: "concurrent"}})
		}
	}()

	for _, ch := range channels {
		q.Unsubscribe(ch)
	}
	<-done
}

func TestQueue_Hooks(t *testing.T) {
	q := New(newMockStore())

	var startCalled, completeCalled, failCalled bool
	var retryAttempt int

	q.OnJobStart(func(ctx context.Context, job *core.Job) { startCalled = true })
	q.OnJobComplete(func(ctx context.Context, job *core.Job) { completeCalled = true })
	q.OnJobFail(func(ctx context.Context, job *core.Job, err error) { failCalled = true })
	q.OnRetry(func(ctx context.Context, job *core.Job, attempt int, err error) { retryAttempt = attempt })

	job := &core.Job{ID: "test"}
	ctx := context.Background()

	q.CallStartHooks(ctx, job)
	assert.True(t, startCalled)

	q.CallCompleteHooks(ctx, job)
	assert.True(t, completeCalled)

	q.CallFailHooks(ctx, job, nil)
	assert.True(t, failCalled)

	q.CallRetryHooks(ctx, job, 2, nil)
	assert.Equal(t, 2, retryAttempt)
}

func TestQueue_Hooks_RunInRegistrationOrder(t *testing.T) {
	q := New(newMockStore())

	var order []int
	q.OnJobComplete(func(ctx context.Context, job *core.Job) { order = append(order, 1) })
	q.OnJobComplete(func(ctx context.Context, job *core.Job) { order = append(order, 2) })

	q.CallCompleteHooks(context.Background(), &core.Job{ID: "x"})
	assert.Equal(t, []int{1, 2}, order)
}
