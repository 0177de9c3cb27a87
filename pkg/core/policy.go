package core

import "time"

// Queue classes a retry policy can route a job to.
const (
	QueueHigh    = "high"
	QueueDefault = "default"
	QueueLow     = "low"
)

// Default retry policy values used whenever no row exists for an operation.
const (
	DefaultMaxRetries    = 3
	DefaultRetryInterval = 30   // seconds
	DefaultJobTimeout    = 1800 // seconds
)

// RetryPolicy is the named configuration consulted when a job is submitted.
type RetryPolicy struct {
	ID            uint   `gorm:"primaryKey"`
	Name          string `gorm:"uniqueIndex;size:100;not null"`
	Queue         string `gorm:"size:100;not null;default:'default'"`
	MaxRetries    int    `gorm:"not null"`
	RetryInterval int    `gorm:"not null;default:30"`
	JobTimeout    int    `gorm:"not null;default:1800"`
}

// TableName pins the retry policy table name.
func (RetryPolicy) TableName() string { return "retry_policies" }

// DefaultRetryPolicy returns the hard-coded fallback policy for name.
func DefaultRetryPolicy(name string) RetryPolicy {
	return RetryPolicy{
		Name:          name,
		Queue:         QueueDefault,
		MaxRetries:    DefaultMaxRetries,
		RetryInterval: DefaultRetryInterval,
		JobTimeout:    DefaultJobTimeout,
	}
}

// Interval returns the base retry spacing.
func (p RetryPolicy) Interval() time.Duration {
	return time.Duration(p.RetryInterval) * time.Second
}

// Timeout returns the per-attempt job timeout.
func (p RetryPolicy) Timeout() time.Duration {
	return time.Duration(p.JobTimeout) * time.Second
}

// IsQueueClass reports whether q is one of the known queue classes.
func IsQueueClass(q string) bool {
	switch q {
	case QueueHigh, QueueDefault, QueueLow:
		return true
	}
	return false
}
