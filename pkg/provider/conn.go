package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jdziat/vapp-jobs/pkg/core"
)

// Dialer opens a provider session.
type Dialer func(ctx context.Context) (API, error)

// Conn is the process-wide provider connection. It is safe for concurrent
// use; re-dialing swaps the session under a lock that calls never hold.
type Conn struct {
	dial    Dialer
	retries int
	pause   time.Duration
	logger  *slog.Logger

	mu      sync.RWMutex
	api     API
	version uint64
}

// ConnOption configures a Conn.
type ConnOption func(*Conn)

// WithRetries sets how many times a transient failure is retried.
func WithRetries(n int) ConnOption {
	return func(c *Conn) {
		if n >= 0 {
			c.retries = n
		}
	}
}

// WithRetryPause sets the pause between retries.
func WithRetryPause(d time.Duration) ConnOption {
	return func(c *Conn) {
		if d >= 0 {
			c.pause = d
		}
	}
}

// WithConnLogger sets the logger.
func WithConnLogger(l *slog.Logger) ConnOption {
	return func(c *Conn) {
		if l != nil {
			c.logger = l
		}
	}
}

// Dial opens the first session and returns the connection handle.
func Dial(ctx context.Context, d Dialer, opts ...ConnOption) (*Conn, error) {
	c := &Conn{
		dial:    d,
		retries: 3,
		pause:   time.Second,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	api, err := d(ctx)
	if err != nil {
		return nil, fmt.Errorf("provider: dial: %w", err)
	}
	c.api = api
	return c, nil
}

func (c *Conn) session() (API, uint64) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.api, c.version
}

// redial replaces the session unless another caller already replaced the
// one that failed.
func (c *Conn) redial(ctx context.Context, failed uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.version != failed {
		return nil
	}
	api, err := c.dial(ctx)
	if err != nil {
		return err
	}
	c.api = api
	c.version++
	c.logger.InfoContext(ctx, "provider session re-established")
	return nil
}

// Do calls fn with the current session. An ErrUnauthorized result re-dials
// and calls fn once more. Transient failures are retried with a pause; once
// the retries are spent the error wraps core.ErrProviderUnavailable. Other
// errors are returned unchanged.
func (c *Conn) Do(ctx context.Context, fn func(API) error) error {
	reauthed := false
	var lastErr error

	for attempt := 0; attempt <= c.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.pause):
			}
		}

		api, version := c.session()
		err := fn(api)
		if err == nil {
			return nil
		}

		if errors.Is(err, ErrUnauthorized) {
			if reauthed {
				return fmt.Errorf("%w: %w", core.ErrProviderUnavailable, err)
			}
			reauthed = true
			if derr := c.redial(ctx, version); derr != nil {
				c.logger.ErrorContext(ctx, "provider re-dial failed", "error", derr)
				return fmt.Errorf("%w: re-dial: %w", core.ErrProviderUnavailable, derr)
			}
			// The re-authenticated call does not consume a retry.
			attempt--
			continue
		}

		if !IsTransient(err) {
			return err
		}
		lastErr = err
		c.logger.WarnContext(ctx, "provider call failed, retrying", "attempt", attempt+1, "error", err)
	}
	return fmt.Errorf("%w: %w", core.ErrProviderUnavailable, lastErr)
}

// ChildVMs lists the VMs of a vApp through Do. It lets a Conn serve as the
// busy registry's child lister.
func (c *Conn) ChildVMs(ctx context.Context, vappID string) ([]string, error) {
	var vms []string
	err := c.Do(ctx, func(api API) error {
		var err error
		vms, err = api.ChildVMs(ctx, vappID)
		return err
	})
	return vms, err
}
