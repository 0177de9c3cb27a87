package core

import (
	"errors"
	"fmt"
	"time"
)

// Validation errors
var (
	ErrInvalidJobTypeName = errors.New("vappjobs: invalid job type name (must be alphanumeric, start with letter)")
	ErrJobTypeNameTooLong = errors.New("vappjobs: job type name too long")
	ErrInvalidQueueName   = errors.New("vappjobs: invalid queue name")
	ErrQueueNameTooLong   = errors.New("vappjobs: queue name too long")
	ErrJobArgsTooLarge    = errors.New("vappjobs: job arguments exceed size limit")
	ErrUniqueKeyTooLong   = errors.New("vappjobs: unique key exceeds maximum length")
	ErrInvalidResourceID  = errors.New("vappjobs: invalid resource id")
	ErrUnknownOperation   = errors.New("vappjobs: unknown operation")
)

// Job store errors
var (
	ErrJobNotOwned  = errors.New("vappjobs: job not owned by this worker")
	ErrDuplicateJob = errors.New("vappjobs: duplicate job with same unique key")
	ErrNotFound     = errors.New("vappjobs: record not found")
)

// Collaborator errors
var (
	// ErrRegistryUnavailable is returned when the busy registry store cannot
	// be reached. Callers must treat it as "busy".
	ErrRegistryUnavailable = errors.New("vappjobs: busy registry unavailable")
	// ErrProviderUnavailable is returned when provider calls keep failing
	// after the connection has been retried.
	ErrProviderUnavailable = errors.New("vappjobs: provider unavailable")
)

// NoRetryError indicates an error that should not be retried.
type NoRetryError struct {
	Err error
}

func (e *NoRetryError) Error() string {
	return fmt.Sprintf("no retry: %v", e.Err)
}

func (e *NoRetryError) Unwrap() error {
	return e.Err
}

// NoRetry wraps an error to indicate it should not be retried.
func NoRetry(err error) error {
	return &NoRetryError{Err: err}
}

// RetryAfterError indicates an error that should be retried after a delay.
type RetryAfterError struct {
	Err   error
	Delay time.Duration
}

func (e *RetryAfterError) Error() string {
	return fmt.Sprintf("retry after %v: %v", e.Delay, e.Err)
}

func (e *RetryAfterError) Unwrap() error {
	return e.Err
}

// RetryAfter wraps an error to indicate it should be retried after a delay.
func RetryAfter(d time.Duration, err error) error {
	return &RetryAfterError{Err: err, Delay: d}
}
