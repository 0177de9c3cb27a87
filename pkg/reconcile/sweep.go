package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jdziat/vapp-jobs/pkg/core"
	"github.com/jdziat/vapp-jobs/pkg/queue"
	"github.com/jdziat/vapp-jobs/pkg/schedule"
)

// JobName is the job type of the scheduled sweep.
const JobName = "reconcile_sweep"

// Defaults for the scheduled sweep.
const (
	DefaultCron      = "0 3 * * *"
	DefaultRetention = 365 * 24 * time.Hour
)

// Sweeper reconciles Failed events with the job store.
type Sweeper struct {
	events    core.EventStore
	jobs      core.JobStore
	retention time.Duration
	logger    *slog.Logger
	observe   func(backfilled int)
	now       func() time.Time
}

// Option configures a Sweeper.
type Option func(*Sweeper)

// WithRetention sets how long finished jobs are kept. Zero disables purging.
func WithRetention(d time.Duration) Option {
	return func(s *Sweeper) {
		if d >= 0 {
			s.retention = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Sweeper) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithObserver is called after each Run with the number of events updated.
func WithObserver(fn func(backfilled int)) Option {
	return func(s *Sweeper) { s.observe = fn }
}

// New creates a Sweeper.
func New(events core.EventStore, jobs core.JobStore, opts ...Option) *Sweeper {
	s := &Sweeper{
		events:    events,
		jobs:      jobs,
		retention: DefaultRetention,
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run copies the last error of each failed job into its Failed event and
// returns the number of events updated. Events whose job is gone or has no
// recorded error are skipped. Running it twice updates nothing the second time.
func (s *Sweeper) Run(ctx context.Context) (int, error) {
	pending, err := s.events.FailedEventsWithoutMessage(ctx)
	if err != nil {
		return 0, fmt.Errorf("reconcile: list failed events: %w", err)
	}
	if len(pending) == 0 {
		s.report(0)
		return 0, nil
	}

	ids := make([]string, 0, len(pending))
	seen := make(map[string]bool, len(pending))
	for _, e := range pending {
		if e.JobID != "" && !seen[e.JobID] {
			seen[e.JobID] = true
			ids = append(ids, e.JobID)
		}
	}

	jobs, err := s.jobs.GetJobs(ctx, ids)
	if err != nil {
		return 0, fmt.Errorf("reconcile: fetch jobs: %w", err)
	}
	lastError := make(map[string]string, len(jobs))
	for _, j := range jobs {
		if j != nil && j.LastError != "" {
			lastError[j.ID] = j.LastError
		}
	}

	messages := make(map[uint]string)
	for _, e := range pending {
		if msg, ok := lastError[e.JobID]; ok {
			messages[e.ID] = msg
		}
	}

	updated, err := s.events.BackfillMessages(ctx, messages)
	if err != nil {
		return 0, fmt.Errorf("reconcile: backfill messages: %w", err)
	}
	s.logger.Info("reconciliation sweep finished",
		"failed_events", len(pending), "backfilled", updated, "skipped", len(pending)-int(updated))
	s.report(int(updated))
	return int(updated), nil
}

func (s *Sweeper) report(n int) {
	if s.observe != nil {
		s.observe(n)
	}
}

// Purge deletes finished jobs older than the retention window.
func (s *Sweeper) Purge(ctx context.Context) (int64, error) {
	if s.retention == 0 {
		return 0, nil
	}
	n, err := s.jobs.PurgeFinishedJobs(ctx, s.now().Add(-s.retention))
	if err != nil {
		return 0, fmt.Errorf("reconcile: purge jobs: %w", err)
	}
	if n > 0 {
		s.logger.Info("purged finished jobs", "count", n, "retention", s.retention)
	}
	return n, nil
}

// Sweep runs Run followed by Purge. Backfilling goes first so that events
// pick up their messages before the jobs holding them expire.
func (s *Sweeper) Sweep(ctx context.Context) error {
	if _, err := s.Run(ctx); err != nil {
		return err
	}
	_, err := s.Purge(ctx)
	return err
}

// Register installs the sweep job on q and schedules it with sched.
func (s *Sweeper) Register(q *queue.Queue, sched schedule.Schedule) {
	queue.Handle(q, JobName, func(ctx context.Context, _ struct{}) error {
		return s.Sweep(ctx)
	})
	q.Schedule(JobName, sched, struct{}{},
		queue.QueueOpt(core.QueueLow),
		queue.Retries(1),
		queue.Timeout(time.Hour),
	)
}
