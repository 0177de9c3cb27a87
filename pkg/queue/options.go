package queue

import (
	"time"

	"github.com/jdziat/vapp-jobs/pkg/core"
	"github.com/jdziat/vapp-jobs/pkg/security"
)

// Options holds configuration for job enqueueing.
type Options struct {
	Queue         string
	Priority      int
	MaxRetries    int
	RetryInterval time.Duration
	Timeout       time.Duration
	Delay         time.Duration
	RunAt         *time.Time
	UniqueKey     string
}

// NewOptions creates Options matching the default retry policy.
func NewOptions() *Options {
	return &Options{
		Queue:         core.QueueDefault,
		MaxRetries:    core.DefaultMaxRetries,
		RetryInterval: core.DefaultRetryInterval * time.Second,
		Timeout:       core.DefaultJobTimeout * time.Second,
	}
}

// Option modifies Options.
type Option interface {
	Apply(*Options)
}

type optionFunc func(*Options)

func (f optionFunc) Apply(o *Options) { f(o) }

// QueueOpt sets the queue name.
func QueueOpt(name string) Option {
	return optionFunc(func(o *Options) {
		o.Queue = name
	})
}

// Priority sets the job priority (higher = runs first).
func Priority(p int) Option {
	return optionFunc(func(o *Options) {
		o.Priority = p
	})
}

// Retries sets the maximum retry count.
// Values are clamped to [0, security.MaxRetries].
func Retries(n int) Option {
	return optionFunc(func(o *Options) {
		o.MaxRetries = security.ClampRetries(n)
	})
}

// RetryInterval sets the base spacing between attempts.
func RetryInterval(d time.Duration) Option {
	return optionFunc(func(o *Options) {
		if d < 0 {
			d = 0
		}
		o.RetryInterval = d
	})
}

// Timeout bounds each attempt. Zero disables the bound.
func Timeout(d time.Duration) Option {
	return optionFunc(func(o *Options) {
		if d < 0 {
			d = 0
		}
		o.Timeout = d
	})
}

// Delay schedules the job to run after a duration.
func Delay(d time.Duration) Option {
	return optionFunc(func(o *Options) {
		o.Delay = d
	})
}

// At schedules the job to run at a specific time.
func At(t time.Time) Option {
	return optionFunc(func(o *Options) {
		o.RunAt = &t
	})
}

// Unique ensures only one pending or running job with this key exists.
func Unique(key string) Option {
	return optionFunc(func(o *Options) {
		o.UniqueKey = key
	})
}

// FromPolicy applies a resolved retry policy: its queue class, retry count,
// retry interval and job timeout.
func FromPolicy(p core.RetryPolicy) Option {
	return optionFunc(func(o *Options) {
		if p.Queue != "" {
			o.Queue = p.Queue
		}
		o.MaxRetries = security.ClampRetries(p.MaxRetries)
		o.RetryInterval = p.Interval()
		o.Timeout = p.Timeout()
	})
}
