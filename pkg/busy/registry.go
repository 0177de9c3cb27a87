package busy

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jdziat/vapp-jobs/pkg/core"
)

// DefaultTTL bounds how long an unreleased entry survives a crashed worker.
const DefaultTTL = time.Hour

// Store is the key/value backend of a Registry.
type Store interface {
	// SetIfAbsent stores value under key unless the key exists. It reports
	// whether the value was stored.
	SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Get(ctx context.Context, key string) (string, bool, error)
	// ExistsAny reports whether at least one of keys is present.
	ExistsAny(ctx context.Context, keys ...string) (bool, error)
	Delete(ctx context.Context, key string) error
}

// ChildLister lists the VM ids that belong to a vApp.
type ChildLister interface {
	ChildVMs(ctx context.Context, vappID string) ([]string, error)
}

// Registry is the busy registry.
type Registry struct {
	store    Store
	children ChildLister
	ttl      time.Duration
	logger   *slog.Logger
	onError  func(op string, err error)
}

// Option configures a Registry.
type Option func(*Registry)

// WithTTL overrides the entry TTL.
func WithTTL(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.ttl = d
		}
	}
}

// WithChildLister sets the source of vApp children for IsAnyBusy.
func WithChildLister(c ChildLister) Option {
	return func(r *Registry) { r.children = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithErrorHook registers a function called on every store error.
func WithErrorHook(fn func(op string, err error)) Option {
	return func(r *Registry) { r.onError = fn }
}

// New creates a Registry over store.
func New(store Store, opts ...Option) *Registry {
	r := &Registry{
		store:  store,
		ttl:    DefaultTTL,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// TTL returns the entry expiry.
func (r *Registry) TTL() time.Duration { return r.ttl }

// Claim marks id busy unless it already is. It returns false, leaving the
// existing entry untouched, when id was already claimed.
func (r *Registry) Claim(ctx context.Context, id, description string) (bool, error) {
	ok, err := r.store.SetIfAbsent(ctx, id, normalize(description), r.ttl)
	if err != nil {
		return false, r.fail(ctx, "claim", id, err)
	}
	if !ok {
		r.logger.DebugContext(ctx, "busy claim already held", "resource_id", id)
	}
	return ok, nil
}

// Mark sets the entry for id unconditionally. The last writer wins.
func (r *Registry) Mark(ctx context.Context, id, description string) error {
	if err := r.store.Set(ctx, id, normalize(description), r.ttl); err != nil {
		return r.fail(ctx, "mark", id, err)
	}
	return nil
}

// IsBusy reports whether an entry exists for id.
func (r *Registry) IsBusy(ctx context.Context, id string) (bool, error) {
	busy, err := r.store.ExistsAny(ctx, id)
	if err != nil {
		return false, r.fail(ctx, "is_busy", id, err)
	}
	return busy, nil
}

// Describe returns the description stored for id.
func (r *Registry) Describe(ctx context.Context, id string) (string, bool, error) {
	desc, ok, err := r.store.Get(ctx, id)
	if err != nil {
		return "", false, r.fail(ctx, "describe", id, err)
	}
	return desc, ok, nil
}

// Release removes the entry for id. Releasing an absent entry is not an error.
func (r *Registry) Release(ctx context.Context, id string) error {
	if err := r.store.Delete(ctx, id); err != nil {
		return r.fail(ctx, "release", id, err)
	}
	return nil
}

// IsAnyBusy reports whether the vApp or any VM it owns is busy. The check
// is one-directional: VM operations use IsBusy and ignore the parent.
func (r *Registry) IsAnyBusy(ctx context.Context, vappID string) (bool, error) {
	keys := []string{vappID}
	if r.children != nil {
		vms, err := r.children.ChildVMs(ctx, vappID)
		if err != nil {
			return false, fmt.Errorf("busy: list vms of %q: %w", vappID, err)
		}
		keys = append(keys, vms...)
	}
	busy, err := r.store.ExistsAny(ctx, keys...)
	if err != nil {
		return false, r.fail(ctx, "is_any_busy", vappID, err)
	}
	return busy, nil
}

func (r *Registry) fail(ctx context.Context, op, id string, err error) error {
	r.logger.ErrorContext(ctx, "busy registry error", "op", op, "resource_id", id, "error", err)
	if r.onError != nil {
		r.onError(op, err)
	}
	return fmt.Errorf("%w: %s %q: %w", core.ErrRegistryUnavailable, op, id, err)
}

func normalize(description string) string {
	if description == "" {
		return "busy"
	}
	return description
}
