package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jdziat/vapp-jobs/pkg/core"
	"github.com/jdziat/vapp-jobs/pkg/internal/handler"
	"github.com/jdziat/vapp-jobs/pkg/jobctx"
	"github.com/jdziat/vapp-jobs/pkg/queue"
)

// Worker processes jobs from the queue.
type Worker struct {
	queue  *queue.Queue
	config WorkerConfig
	logger *slog.Logger
	queues []string
	wg     sync.WaitGroup
}

var _ core.Starter = (*Worker)(nil)

// NewWorker creates a new worker for the given queue.
func NewWorker(q *queue.Queue, opts ...WorkerOption) *Worker {
	config := WorkerConfig{
		PollInterval:      100 * time.Millisecond,
		WorkerID:          uuid.New().String(),
		StaleLockAfter:    time.Minute,
		HeartbeatInterval: 2 * time.Minute,
	}

	for _, opt := range opts {
		opt.ApplyWorker(&config)
	}

	if len(config.Queues) == 0 {
		config.Queues = map[string]int{core.QueueDefault: defaultConcurrency}
	}
	if config.StorageRetry == nil {
		cfg := DefaultRetryConfig()
		config.StorageRetry = &cfg
	}
	if config.DequeueRetry == nil {
		cfg := dequeueRetryConfig()
		config.DequeueRetry = &cfg
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Worker{
		queue:  q,
		config: config,
		logger: logger.With("worker_id", config.WorkerID),
		queues: orderQueues(config.Queues),
	}
}

// ID returns the id this worker locks jobs with.
func (w *Worker) ID() string {
	return w.config.WorkerID
}

// orderQueues returns the configured queue names with the queue classes
// first, highest class first, followed by any other queues by name.
func orderQueues(queues map[string]int) []string {
	rank := map[string]int{core.QueueHigh: 0, core.QueueDefault: 1, core.QueueLow: 2}
	names := make([]string, 0, len(queues))
	for name := range queues {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		ri, iok := rank[names[i]]
		rj, jok := rank[names[j]]
		switch {
		case iok && jok:
			return ri < rj
		case iok != jok:
			return iok
		default:
			return names[i] < names[j]
		}
	})
	return names
}

// Start begins processing jobs. Blocks until context is cancelled.
func (w *Worker) Start(ctx context.Context) error {
	totalConcurrency := 0
	for _, c := range w.config.Queues {
		totalConcurrency += c
	}

	jobsChan := make(chan *core.Job, totalConcurrency)

	if w.config.EnableScheduler {
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			w.runScheduler(ctx)
		}()
	}
	if w.config.StaleLockAfter > 0 {
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			w.runReaper(ctx)
		}()
	}

	for i := 0; i < totalConcurrency; i++ {
		w.wg.Add(1)
		go w.processLoop(ctx, jobsChan)
	}

	w.logger.Info("worker started", "queues", w.queues, "concurrency", totalConcurrency)

	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			close(jobsChan)
			w.wg.Wait()
			w.logger.Info("worker stopped")
			return ctx.Err()
		case <-ticker.C:
			w.poll(ctx, jobsChan, totalConcurrency)
		}
	}
}

// poll hands up to limit due jobs to the processors.
func (w *Worker) poll(ctx context.Context, jobs chan<- *core.Job, limit int) {
	for i := 0; i < limit; i++ {
		job, err := w.dequeueWithRetry(ctx)
		if err != nil {
			if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
				w.logger.Error("failed to dequeue after retries", "error", err)
			}
			return
		}
		if job == nil {
			return
		}
		select {
		case jobs <- job:
		case <-ctx.Done():
			return
		}
	}
}

// dequeueWithRetry takes the next due job, trying queues in priority order.
func (w *Worker) dequeueWithRetry(ctx context.Context) (*core.Job, error) {
	for _, name := range w.queues {
		var job *core.Job
		err := retryWithBackoff(ctx, *w.config.DequeueRetry, func() error {
			var dequeueErr error
			job, dequeueErr = w.queue.Store().Dequeue(ctx, []string{name}, w.config.WorkerID)
			return dequeueErr
		})
		if err != nil {
			return nil, err
		}
		if job != nil {
			return job, nil
		}
	}
	return nil, nil
}

func (w *Worker) processLoop(ctx context.Context, jobs <-chan *core.Job) {
	defer w.wg.Done()

	for job := range jobs {
		w.processJob(ctx, job)
	}
}

func (w *Worker) processJob(ctx context.Context, job *core.Job) {
	startTime := time.Now()
	// Settlement must land even when the worker is shutting down.
	settleCtx := context.WithoutCancel(ctx)
	log := w.logger.With("job_id", job.ID, "type", job.Type, "attempt", job.Attempt)

	h, ok := w.queue.Handler(job.Type)
	if !ok {
		log.Error("no handler for job")
		w.fail(settleCtx, job, core.NoRetry(fmt.Errorf("no handler for %s", job.Type)))
		return
	}

	w.queue.CallStartHooks(ctx, job)
	w.queue.Emit(&core.JobStarted{Job: job, Timestamp: startTime})

	heartbeatCtx, cancelHeartbeat := context.WithCancel(ctx)
	defer cancelHeartbeat()
	go w.runHeartbeat(heartbeatCtx, job)

	err := w.executeHandler(ctx, job, h)
	cancelHeartbeat()

	if err != nil {
		if ctx.Err() != nil {
			w.requeue(settleCtx, job, err)
			return
		}
		w.handleError(settleCtx, job, err)
		return
	}

	if err := w.completeWithRetry(settleCtx, job.ID); err != nil {
		log.Error("failed to complete job after retries", "error", err)
		return
	}
	w.queue.CallCompleteHooks(settleCtx, job)
	w.queue.Emit(&core.JobCompleted{Job: job, Duration: time.Since(startTime), Timestamp: time.Now()})
}

// executeHandler runs one attempt bounded by the job timeout.
func (w *Worker) executeHandler(ctx context.Context, job *core.Job, h queue.HandlerFunc) error {
	attemptCtx := ctx
	cancel := context.CancelFunc(func() {})
	timeout := job.TimeoutDuration()
	if timeout > 0 {
		attemptCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	err := handler.Safe(jobctx.With(attemptCtx, job, w.config.WorkerID), h, job.Args)
	if err != nil && ctx.Err() == nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("job timed out after %s: %w", timeout, err)
	}
	return err
}

func (w *Worker) handleError(ctx context.Context, job *core.Job, err error) {
	var noRetry *core.NoRetryError
	if errors.As(err, &noRetry) || job.Exhausted() {
		w.fail(ctx, job, err)
		return
	}

	delay := Backoff(job)
	var retryAfter *core.RetryAfterError
	if errors.As(err, &retryAfter) {
		delay = retryAfter.Delay
	}

	retryAt := time.Now().Add(delay)
	if ferr := w.failWithRetry(ctx, job.ID, err.Error(), &retryAt); ferr != nil {
		w.logger.Error("failed to reschedule job after retries", "job_id", job.ID, "error", ferr)
		return
	}
	w.queue.CallRetryHooks(ctx, job, job.Attempt, err)
	w.queue.Emit(&core.JobRetrying{Job: job, Attempt: job.Attempt, Error: err, NextRunAt: retryAt, Timestamp: time.Now()})
}

// fail settles a job as permanently failed. Hooks fire only once the store
// has accepted the transition, so a job reclaimed by another worker is not
// settled twice.
func (w *Worker) fail(ctx context.Context, job *core.Job, err error) {
	if ferr := w.failWithRetry(ctx, job.ID, err.Error(), nil); ferr != nil {
		w.logger.Error("failed to mark job as failed after retries", "job_id", job.ID, "error", ferr)
		return
	}
	w.queue.CallFailHooks(ctx, job, err)
	w.queue.Emit(&core.JobFailed{Job: job, Error: err, Timestamp: time.Now()})
}

// requeue returns a job interrupted by shutdown to pending without settling it.
func (w *Worker) requeue(ctx context.Context, job *core.Job, err error) {
	now := time.Now()
	if ferr := w.failWithRetry(ctx, job.ID, err.Error(), &now); ferr != nil {
		w.logger.Warn("failed to requeue interrupted job", "job_id", job.ID, "error", ferr)
		return
	}
	w.logger.Info("requeued job interrupted by shutdown", "job_id", job.ID)
}

// Backoff returns the delay before the next attempt of job:
// interval × 2^(attempt−1), capped at 10 × interval.
func Backoff(job *core.Job) time.Duration {
	interval := time.Duration(job.RetryInterval) * time.Second
	shift := job.Attempt - 1
	if shift < 0 {
		shift = 0
	}
	if shift > 4 {
		shift = 4
	}
	backoff := interval << shift
	if limit := 10 * interval; backoff > limit {
		backoff = limit
	}
	return backoff
}

// completeWithRetry marks a job complete with retry on transient failures.
func (w *Worker) completeWithRetry(ctx context.Context, jobID string) error {
	return retryWithBackoff(ctx, *w.config.StorageRetry, func() error {
		return w.queue.Store().Complete(ctx, jobID, w.config.WorkerID)
	})
}

// failWithRetry records a failed attempt with retry on transient failures.
// A nil retryAt marks the job failed.
func (w *Worker) failWithRetry(ctx context.Context, jobID string, errMsg string, retryAt *time.Time) error {
	return retryWithBackoff(ctx, *w.config.StorageRetry, func() error {
		return w.queue.Store().Fail(ctx, jobID, w.config.WorkerID, errMsg, retryAt)
	})
}

// runHeartbeat periodically extends the job lock during execution.
func (w *Worker) runHeartbeat(ctx context.Context, job *core.Job) {
	ticker := time.NewTicker(w.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := retryWithBackoff(ctx, *w.config.StorageRetry, func() error {
				return w.queue.Store().Heartbeat(ctx, job.ID, w.config.WorkerID)
			})
			if err != nil {
				if errors.Is(err, context.Canceled) {
					return
				}
				w.logger.Warn("heartbeat failed after retries", "job_id", job.ID, "error", err)
			} else {
				w.logger.Debug("heartbeat sent", "job_id", job.ID)
			}
		}
	}
}

// runReaper returns jobs abandoned by crashed workers to pending.
func (w *Worker) runReaper(ctx context.Context) {
	interval := w.config.StaleLockAfter / 2
	if interval < w.config.PollInterval {
		interval = w.config.PollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.reapStaleLocks(ctx)
		}
	}
}

func (w *Worker) reapStaleLocks(ctx context.Context) int64 {
	n, err := w.queue.Store().ReleaseStaleLocks(ctx, w.config.StaleLockAfter)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			w.logger.Warn("failed to release stale locks", "error", err)
		}
		return 0
	}
	if n > 0 {
		w.logger.Info("released stale job locks", "count", n)
	}
	return n
}

func (w *Worker) runScheduler(ctx context.Context) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	lastRun := make(map[string]time.Time)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.runDueSchedules(ctx, lastRun, time.Now())
		}
	}
}

// runDueSchedules enqueues every scheduled job whose next run is at or before
// now. A job seen for the first time is anchored at now, so a restart does not
// fire it immediately.
func (w *Worker) runDueSchedules(ctx context.Context, lastRun map[string]time.Time, now time.Time) {
	for _, sj := range w.queue.ScheduledJobs() {
		last, seen := lastRun[sj.Name]
		if !seen {
			lastRun[sj.Name] = now
			continue
		}
		nextRun := sj.Schedule.Next(last)
		if now.Before(nextRun) {
			continue
		}

		// Workers sharing a store enqueue a given run once.
		key := fmt.Sprintf("schedule:%s:%d", sj.Name, nextRun.Unix())
		opts := append(append([]queue.Option{}, sj.Options...), queue.Unique(key))
		_, err := w.queue.Enqueue(ctx, sj.Name, sj.Args, opts...)
		switch {
		case err == nil:
			w.logger.Info("enqueued scheduled job", "name", sj.Name, "due", nextRun)
		case errors.Is(err, core.ErrDuplicateJob):
		default:
			w.logger.Error("failed to enqueue scheduled job", "name", sj.Name, "error", err)
			continue
		}
		lastRun[sj.Name] = now
	}
}
