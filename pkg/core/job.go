package core

import (
	"time"
)

// JobStatus represents the current state of a job.
type JobStatus string

const (
	StatusPending   JobStatus = "pending"
	StatusRunning   JobStatus = "running"
	StatusCompleted JobStatus = "completed"
	StatusFailed    JobStatus = "failed"
)

// Job represents one submitted unit of work in the worker-side job store.
type Job struct {
	ID            string     `gorm:"primaryKey;size:36"`
	Type          string     `gorm:"index;size:255;not null"`
	Args          []byte     `gorm:"type:bytes"`
	Queue         string     `gorm:"index;size:255;default:'default'"`
	Priority      int        `gorm:"index;default:0"`
	Status        JobStatus  `gorm:"index;size:20;default:'pending'"`
	Attempt       int        `gorm:"default:0"`
	MaxRetries    int        `gorm:"not null"`
	RetryInterval int        `gorm:"not null"` // seconds
	Timeout       int        `gorm:"not null"` // seconds
	LastError     string     `gorm:"type:text"`
	RunAt         *time.Time `gorm:"index"`
	StartedAt     *time.Time
	CompletedAt   *time.Time `gorm:"index"`
	CreatedAt     time.Time  `gorm:"autoCreateTime"`
	UpdatedAt     time.Time  `gorm:"autoUpdateTime"`
	LockedBy      string     `gorm:"size:255"`
	LockedUntil   *time.Time `gorm:"index"`
	UniqueKey     string     `gorm:"index;size:255"`
}

// RetriesLeft reports how many re-attempts remain after the current attempt.
func (j *Job) RetriesLeft() int {
	attempt := j.Attempt
	if attempt < 1 {
		attempt = 1
	}
	left := j.MaxRetries - (attempt - 1)
	if left < 0 {
		return 0
	}
	return left
}

// RetriesConsumed is MaxRetries minus RetriesLeft.
func (j *Job) RetriesConsumed() int {
	return j.MaxRetries - j.RetriesLeft()
}

// Exhausted reports whether the current attempt was the last one allowed.
func (j *Job) Exhausted() bool {
	return j.Attempt > j.MaxRetries
}

// TimeoutDuration returns the per-attempt timeout, zero when unset.
func (j *Job) TimeoutDuration() time.Duration {
	return time.Duration(j.Timeout) * time.Second
}

// QueueStats counts jobs by status for one queue.
type QueueStats struct {
	Queue     string `json:"queue"`
	Pending   int64  `json:"pending"`
	Running   int64  `json:"running"`
	Completed int64  `json:"completed"`
	Failed    int64  `json:"failed"`
}
