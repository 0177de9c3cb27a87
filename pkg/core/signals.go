package core

import "time"

// Signal is a transient notification published by the queue while jobs run.
// Signals are not persisted; the Event table is the durable record.
type Signal interface {
	signalMarker()
}

// JobStarted is emitted when a worker picks up a job attempt.
type JobStarted struct {
	Job       *Job
	Timestamp time.Time
}

func (*JobStarted) signalMarker() {}

// JobCompleted is emitted when a job completes successfully.
type JobCompleted struct {
	Job       *Job
	Duration  time.Duration
	Timestamp time.Time
}

func (*JobCompleted) signalMarker() {}

// JobFailed is emitted when a job fails permanently.
type JobFailed struct {
	Job       *Job
	Error     error
	Timestamp time.Time
}

func (*JobFailed) signalMarker() {}

// JobRetrying is emitted when a failed attempt is rescheduled.
type JobRetrying struct {
	Job       *Job
	Attempt   int
	Error     error
	NextRunAt time.Time
	Timestamp time.Time
}

func (*JobRetrying) signalMarker() {}
