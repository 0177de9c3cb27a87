package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jdziat/vapp-jobs/pkg/core"
	"github.com/jdziat/vapp-jobs/pkg/jobctx"
	"github.com/jdziat/vapp-jobs/pkg/queue"
	"github.com/jdziat/vapp-jobs/pkg/schedule"
	"github.com/jdziat/vapp-jobs/pkg/storage"
)

type vmArgs struct {
	ResourceID string `json:"resource_id"`
}

func newTestQueue(t *testing.T) (*queue.Queue, *storage.GormStorage) {
	t.Helper()
	db, err := storage.Open(storage.DriverSQLite, ":memory:")
	require.NoError(t, err)
	s := storage.NewGormStorage(db)
	require.NoError(t, s.Migrate(context.Background()))
	return queue.New(s), s
}

// startWorker runs w until the test ends.
func startWorker(t *testing.T, w *Worker) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Start(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("worker did not stop")
		}
	})
}

func fastWorker(q *queue.Queue, opts ...WorkerOption) *Worker {
	base := []WorkerOption{
		WorkerQueue(core.QueueDefault, Concurrency(2)),
		PollInterval(10 * time.Millisecond),
		DisableRetry(),
	}
	return NewWorker(q, append(base, opts...)...)
}

func TestNewWorker_Defaults(t *testing.T) {
	q, _ := newTestQueue(t)
	w := NewWorker(q)

	assert.Equal(t, map[string]int{"default": 10}, w.config.Queues)
	assert.Equal(t, 100*time.Millisecond, w.config.PollInterval)
	assert.Equal(t, time.Minute, w.config.StaleLockAfter)
	assert.Equal(t, 2*time.Minute, w.config.HeartbeatInterval)
	assert.NotEmpty(t, w.ID())
	require.NotNil(t, w.config.StorageRetry)
	require.NotNil(t, w.config.DequeueRetry)
	assert.Equal(t, 3, w.config.DequeueRetry.MaxAttempts)
}

func TestWorkerQueue_ConcurrencyAppliesToThatQueue(t *testing.T) {
	config := WorkerConfig{}
	WorkerQueue(core.QueueHigh, Concurrency(4)).ApplyWorker(&config)
	WorkerQueue(core.QueueLow).ApplyWorker(&config)

	assert.Equal(t, 4, config.Queues["high"])
	assert.Equal(t, 10, config.Queues["low"])
}

func TestConcurrency_TopLevelAndClamped(t *testing.T) {
	config := WorkerConfig{Queues: map[string]int{"default": 1, "high": 1}}

	Concurrency(5).ApplyWorker(&config)
	assert.Equal(t, 5, config.Queues["default"])
	assert.Equal(t, 5, config.Queues["high"])

	Concurrency(5000).ApplyWorker(&config)
	assert.Equal(t, 256, config.Queues["default"])

	Concurrency(0).ApplyWorker(&config)
	assert.Equal(t, 1, config.Queues["default"])
}

func TestOptions_IgnoreInvalidValues(t *testing.T) {
	config := WorkerConfig{PollInterval: time.Second, WorkerID: "w1", HeartbeatInterval: time.Minute}

	PollInterval(0).ApplyWorker(&config)
	WorkerID("").ApplyWorker(&config)
	HeartbeatInterval(-1).ApplyWorker(&config)
	StaleLockAfter(-time.Second).ApplyWorker(&config)
	WithScheduler(true).ApplyWorker(&config)

	assert.Equal(t, time.Second, config.PollInterval)
	assert.Equal(t, "w1", config.WorkerID)
	assert.Equal(t, time.Minute, config.HeartbeatInterval)
	assert.Zero(t, config.StaleLockAfter)
	assert.True(t, config.EnableScheduler)
}

func TestOrderQueues(t *testing.T) {
	got := orderQueues(map[string]int{"low": 1, "maintenance": 1, "high": 1, "default": 1, "archive": 1})
	assert.Equal(t, []string{"high", "default", "low", "archive", "maintenance"}, got)
}

func TestBackoff(t *testing.T) {
	tests := []struct {
		attempt  int
		interval int
		want     time.Duration
	}{
		{attempt: 0, interval: 30, want: 30 * time.Second},
		{attempt: 1, interval: 30, want: 30 * time.Second},
		{attempt: 2, interval: 30, want: 60 * time.Second},
		{attempt: 3, interval: 30, want: 120 * time.Second},
		{attempt: 4, interval: 30, want: 240 * time.Second},
		{attempt: 5, interval: 30, want: 300 * time.Second},
		{attempt: 20, interval: 30, want: 300 * time.Second},
		{attempt: 3, interval: 0, want: 0},
	}
	for _, tt := range tests {
		job := &core.Job{Attempt: tt.attempt, RetryInterval: tt.interval}
		assert.Equal(t, tt.want, Backoff(job), "attempt %d", tt.attempt)
	}
}

func TestWorker_CompletesJob(t *testing.T) {
	q, s := newTestQueue(t)

	var gotID, gotWorker string
	queue.Handle(q, "power_on_vm", func(ctx context.Context, args vmArgs) error {
		gotID = jobctx.JobIDFromContext(ctx)
		gotWorker = jobctx.WorkerIDFromContext(ctx)
		return nil
	})

	completed := make(chan *core.Job, 1)
	q.OnJobComplete(func(ctx context.Context, job *core.Job) { completed <- job })
	q.OnJobFail(func(ctx context.Context, job *core.Job, err error) {
		t.Errorf("unexpected failure: %v", err)
	})

	w := fastWorker(q)
	startWorker(t, w)

	jobID, err := q.Enqueue(context.Background(), "power_on_vm", vmArgs{ResourceID: "vm-1"})
	require.NoError(t, err)

	select {
	case job := <-completed:
		assert.Equal(t, jobID, job.ID)
	case <-time.After(5 * time.Second):
		t.Fatal("job did not complete")
	}

	assert.Equal(t, jobID, gotID)
	assert.Equal(t, w.ID(), gotWorker)

	job, err := s.GetJob(context.Background(), jobID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusCompleted, job.Status)
	assert.Equal(t, 1, job.Attempt)
}

func TestWorker_RetriesThenFails(t *testing.T) {
	q, s := newTestQueue(t)

	var attempts atomic.Int32
	queue.Handle(q, "reboot_vm", func(ctx context.Context, args vmArgs) error {
		attempts.Add(1)
		return errors.New("provider busy")
	})

	var retries atomic.Int32
	q.OnRetry(func(ctx context.Context, job *core.Job, attempt int, err error) { retries.Add(1) })
	failed := make(chan *core.Job, 1)
	q.OnJobFail(func(ctx context.Context, job *core.Job, err error) { failed <- job })
	q.OnJobComplete(func(ctx context.Context, job *core.Job) { t.Error("unexpected completion") })

	startWorker(t, fastWorker(q))

	jobID, err := q.Enqueue(context.Background(), "reboot_vm", vmArgs{ResourceID: "vm-1"},
		queue.Retries(2), queue.RetryInterval(0))
	require.NoError(t, err)

	select {
	case job := <-failed:
		assert.Equal(t, jobID, job.ID)
		assert.True(t, job.Exhausted())
	case <-time.After(5 * time.Second):
		t.Fatal("job did not fail")
	}

	assert.Equal(t, int32(3), attempts.Load())
	assert.Equal(t, int32(2), retries.Load())

	job, err := s.GetJob(context.Background(), jobID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusFailed, job.Status)
	assert.Equal(t, "provider busy", job.LastError)
	assert.Equal(t, 0, job.RetriesLeft())
}

func TestWorker_SucceedsAfterRetry(t *testing.T) {
	q, _ := newTestQueue(t)

	queue.Handle(q, "start_vapp", func(ctx context.Context, args vmArgs) error {
		if jobctx.Attempt(ctx) < 2 {
			return errors.New("transient")
		}
		return nil
	})

	completed := make(chan *core.Job, 1)
	q.OnJobComplete(func(ctx context.Context, job *core.Job) { completed <- job })

	startWorker(t, fastWorker(q))

	_, err := q.Enqueue(context.Background(), "start_vapp", vmArgs{}, queue.Retries(3), queue.RetryInterval(0))
	require.NoError(t, err)

	select {
	case job := <-completed:
		assert.Equal(t, 2, job.Attempt)
		assert.Equal(t, 1, job.RetriesConsumed())
	case <-time.After(5 * time.Second):
		t.Fatal("job did not complete")
	}
}

func TestWorker_NoRetryFailsImmediately(t *testing.T) {
	q, _ := newTestQueue(t)

	queue.Handle(q, "delete_vm", func(ctx context.Context, args vmArgs) error {
		return core.NoRetry(errors.New("vm not found"))
	})

	q.OnRetry(func(ctx context.Context, job *core.Job, attempt int, err error) { t.Error("unexpected retry") })
	failed := make(chan error, 1)
	q.OnJobFail(func(ctx context.Context, job *core.Job, err error) { failed <- err })

	startWorker(t, fastWorker(q))

	_, err := q.Enqueue(context.Background(), "delete_vm", vmArgs{}, queue.Retries(5))
	require.NoError(t, err)

	select {
	case err := <-failed:
		assert.ErrorContains(t, err, "vm not found")
	case <-time.After(5 * time.Second):
		t.Fatal("job did not fail")
	}
}

func TestWorker_AttemptTimeout(t *testing.T) {
	q, s := newTestQueue(t)

	queue.Handle(q, "shutdown_vm", func(ctx context.Context, args vmArgs) error {
		<-ctx.Done()
		return ctx.Err()
	})

	failed := make(chan error, 1)
	q.OnJobFail(func(ctx context.Context, job *core.Job, err error) { failed <- err })

	startWorker(t, fastWorker(q))

	jobID, err := q.Enqueue(context.Background(), "shutdown_vm", vmArgs{},
		queue.Retries(0), queue.Timeout(time.Second))
	require.NoError(t, err)

	select {
	case err := <-failed:
		assert.ErrorContains(t, err, "job timed out after 1s")
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	case <-time.After(5 * time.Second):
		t.Fatal("job did not time out")
	}

	job, err := s.GetJob(context.Background(), jobID)
	require.NoError(t, err)
	assert.Contains(t, job.LastError, "timed out")
}

func TestWorker_PanicBecomesFailure(t *testing.T) {
	q, _ := newTestQueue(t)

	queue.Handle(q, "rename_vapp", func(ctx context.Context, args vmArgs) error {
		panic("boom")
	})

	failed := make(chan error, 1)
	q.OnJobFail(func(ctx context.Context, job *core.Job, err error) { failed <- err })

	startWorker(t, fastWorker(q))

	_, err := q.Enqueue(context.Background(), "rename_vapp", vmArgs{}, queue.Retries(0))
	require.NoError(t, err)

	select {
	case err := <-failed:
		assert.ErrorContains(t, err, "panic: boom")
	case <-time.After(5 * time.Second):
		t.Fatal("job did not fail")
	}
}

func TestWorker_MissingHandlerFailsJob(t *testing.T) {
	q, s := newTestQueue(t)

	failed := make(chan *core.Job, 1)
	q.OnJobFail(func(ctx context.Context, job *core.Job, err error) { failed <- job })

	job := &core.Job{ID: "orphan", Type: "retired_operation", Queue: core.QueueDefault, MaxRetries: 3}
	require.NoError(t, s.Enqueue(context.Background(), job))

	startWorker(t, fastWorker(q))

	select {
	case got := <-failed:
		assert.Equal(t, "orphan", got.ID)
	case <-time.After(5 * time.Second):
		t.Fatal("job did not fail")
	}

	stored, err := s.GetJob(context.Background(), "orphan")
	require.NoError(t, err)
	assert.Equal(t, core.StatusFailed, stored.Status)
	assert.Contains(t, stored.LastError, "no handler for retired_operation")
}

func TestWorker_Signals(t *testing.T) {
	q, _ := newTestQueue(t)
	queue.Handle(q, "power_off_vm", func(ctx context.Context, args vmArgs) error { return nil })

	signals := q.Signals()
	defer q.Unsubscribe(signals)

	startWorker(t, fastWorker(q))

	_, err := q.Enqueue(context.Background(), "power_off_vm", vmArgs{})
	require.NoError(t, err)

	var sawStart, sawComplete bool
	deadline := time.After(5 * time.Second)
	for !sawComplete {
		select {
		case sig := <-signals:
			switch sig.(type) {
			case *core.JobStarted:
				sawStart = true
			case *core.JobCompleted:
				sawComplete = true
			}
		case <-deadline:
			t.Fatal("no completion signal")
		}
	}
	assert.True(t, sawStart)
}

func TestWorker_DequeuesHighQueueFirst(t *testing.T) {
	q, _ := newTestQueue(t)

	order := make(chan string, 2)
	queue.Handle(q, "start_vapp", func(ctx context.Context, args vmArgs) error {
		order <- args.ResourceID
		return nil
	})

	ctx := context.Background()
	_, err := q.Enqueue(ctx, "start_vapp", vmArgs{ResourceID: "low"}, queue.QueueOpt(core.QueueLow))
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, "start_vapp", vmArgs{ResourceID: "high"}, queue.QueueOpt(core.QueueHigh))
	require.NoError(t, err)

	w := NewWorker(q,
		WorkerQueue(core.QueueLow, Concurrency(1)),
		WorkerQueue(core.QueueHigh, Concurrency(1)),
		PollInterval(10*time.Millisecond),
	)
	// Single processor so jobs run in dequeue order.
	w.config.Queues = map[string]int{core.QueueLow: 1}
	startWorker(t, w)

	for _, want := range []string{"high", "low"} {
		select {
		case got := <-order:
			assert.Equal(t, want, got)
		case <-time.After(5 * time.Second):
			t.Fatal("job did not run")
		}
	}
}

func TestWorker_ReapStaleLocks(t *testing.T) {
	q, s := newTestQueue(t)
	ctx := context.Background()

	job := &core.Job{ID: "stale", Type: "delete_vapp", Queue: core.QueueDefault, MaxRetries: 3}
	require.NoError(t, s.Enqueue(ctx, job))
	got, err := s.Dequeue(ctx, []string{core.QueueDefault}, "crashed-worker")
	require.NoError(t, err)
	require.NotNil(t, got)

	past := time.Now().Add(-time.Hour)
	require.NoError(t, s.DB().Model(&core.Job{}).Where("id = ?", "stale").Update("locked_until", past).Error)

	w := NewWorker(q, StaleLockAfter(time.Minute))
	assert.Equal(t, int64(1), w.reapStaleLocks(ctx))
	assert.Equal(t, int64(0), w.reapStaleLocks(ctx))

	stored, err := s.GetJob(ctx, "stale")
	require.NoError(t, err)
	assert.Equal(t, core.StatusPending, stored.Status)
	assert.Empty(t, stored.LockedBy)
}

func TestWorker_RunDueSchedules(t *testing.T) {
	q, s := newTestQueue(t)
	ctx := context.Background()

	queue.Handle(q, "reconcile_sweep", func(ctx context.Context, args struct{}) error { return nil })
	q.Schedule("reconcile_sweep", schedule.Every(time.Minute), struct{}{}, queue.QueueOpt(core.QueueLow))

	w := NewWorker(q)
	other := NewWorker(q)
	start := time.Now()

	lastRun := map[string]time.Time{}
	otherRun := map[string]time.Time{}

	// First sighting anchors the schedule.
	w.runDueSchedules(ctx, lastRun, start)
	other.runDueSchedules(ctx, otherRun, start)
	pending, err := s.GetJobsByStatus(ctx, core.StatusPending, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)

	// Not yet due.
	w.runDueSchedules(ctx, lastRun, start.Add(30*time.Second))
	pending, _ = s.GetJobsByStatus(ctx, core.StatusPending, 10)
	assert.Empty(t, pending)

	// Due on both workers, enqueued once.
	due := start.Add(61 * time.Second)
	w.runDueSchedules(ctx, lastRun, due)
	other.runDueSchedules(ctx, otherRun, due)
	pending, _ = s.GetJobsByStatus(ctx, core.StatusPending, 10)
	require.Len(t, pending, 1)
	assert.Equal(t, "reconcile_sweep", pending[0].Type)
	assert.Equal(t, "low", pending[0].Queue)
	assert.Equal(t, due, lastRun["reconcile_sweep"])
	assert.Equal(t, due, otherRun["reconcile_sweep"])
}
