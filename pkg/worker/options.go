package worker

import (
	"log/slog"
	"time"

	"github.com/jdziat/vapp-jobs/pkg/security"
)

// WorkerOption configures a Worker.
type WorkerOption interface {
	ApplyWorker(*WorkerConfig)
}

type workerOptionFunc func(*WorkerConfig)

func (f workerOptionFunc) ApplyWorker(c *WorkerConfig) { f(c) }

// WorkerConfig holds worker configuration.
type WorkerConfig struct {
	Queues          map[string]int // queue name -> concurrency
	PollInterval    time.Duration
	WorkerID        string
	EnableScheduler bool
	// StaleLockAfter is how long past its lock expiry a running job must be
	// before the reaper returns it to pending. Zero disables the reaper.
	StaleLockAfter time.Duration
	// HeartbeatInterval is how often a running job's lock is extended.
	HeartbeatInterval time.Duration
	StorageRetry      *RetryConfig
	DequeueRetry      *RetryConfig
	Logger            *slog.Logger
}

// defaultConcurrency is used by WorkerQueue when no Concurrency is given.
const defaultConcurrency = 10

// Concurrency sets the concurrency for a queue.
// Inside WorkerQueue it applies to that queue; at top level it applies to
// every queue configured so far.
// Values are clamped to [1, MaxConcurrency].
func Concurrency(n int) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		clamped := security.ClampConcurrency(n)
		for k := range c.Queues {
			c.Queues[k] = clamped
		}
	})
}

// WorkerQueue adds a queue to process with optional concurrency.
func WorkerQueue(name string, opts ...WorkerOption) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		sub := WorkerConfig{Queues: map[string]int{name: defaultConcurrency}}
		for _, opt := range opts {
			opt.ApplyWorker(&sub)
		}
		if c.Queues == nil {
			c.Queues = make(map[string]int)
		}
		c.Queues[name] = sub.Queues[name]
	})
}

// WithScheduler enables the recurring job scheduler in the worker.
func WithScheduler(enabled bool) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		c.EnableScheduler = enabled
	})
}

// PollInterval sets how often the worker polls for due jobs.
func PollInterval(d time.Duration) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		if d > 0 {
			c.PollInterval = d
		}
	})
}

// WorkerID overrides the generated worker id used for job locks.
func WorkerID(id string) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		if id != "" {
			c.WorkerID = id
		}
	})
}

// StaleLockAfter configures the stale lock reaper. Zero disables it.
func StaleLockAfter(d time.Duration) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		if d < 0 {
			d = 0
		}
		c.StaleLockAfter = d
	})
}

// HeartbeatInterval sets how often running job locks are extended.
func HeartbeatInterval(d time.Duration) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		if d > 0 {
			c.HeartbeatInterval = d
		}
	})
}

// WithLogger sets the worker logger.
func WithLogger(l *slog.Logger) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		c.Logger = l
	})
}

// WithStorageRetry sets the retry policy for complete, fail and heartbeat.
func WithStorageRetry(cfg RetryConfig) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		c.StorageRetry = &cfg
	})
}

// WithDequeueRetry sets the retry policy for dequeue.
func WithDequeueRetry(cfg RetryConfig) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		c.DequeueRetry = &cfg
	})
}

// DisableRetry makes every store call single-shot.
func DisableRetry() WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		single := RetryConfig{MaxAttempts: 1}
		c.StorageRetry = &single
		dq := single
		c.DequeueRetry = &dq
	})
}
