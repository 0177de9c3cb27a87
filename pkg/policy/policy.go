// Package policy resolves the retry policy consulted when a job is submitted.
package policy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/coocood/freecache"

	"github.com/jdziat/vapp-jobs/pkg/core"
	"github.com/jdziat/vapp-jobs/pkg/security"
)

// DefaultCacheTTL is how long a resolved policy is reused before the store
// is consulted again.
const DefaultCacheTTL = 30 * time.Second

// cacheBytes is the freecache arena. Policies are a few dozen small rows.
const cacheBytes = 512 * 1024

// Registry resolves retry policies by operation name with a hard-coded
// fallback. It is safe for concurrent use.
type Registry struct {
	store  core.PolicyStore
	ttl    time.Duration
	logger *slog.Logger
	now    func() time.Time
	cache  *freecache.Cache
}

// clock feeds the registry's time source to freecache expiry.
type clock struct{ r *Registry }

func (c clock) Now() uint32 { return uint32(c.r.now().Unix()) }

// Option configures a Registry.
type Option func(*Registry)

// WithCacheTTL sets the cache lifetime. Zero disables caching.
func WithCacheTTL(d time.Duration) Option {
	return func(r *Registry) { r.ttl = d }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

// New creates a Registry. A nil store always yields the default policy.
func New(store core.PolicyStore, opts ...Option) *Registry {
	r := &Registry{
		store:  store,
		ttl:    DefaultCacheTTL,
		logger: slog.Default(),
		now:    time.Now,
	}
	r.cache = freecache.NewCacheCustomTimer(cacheBytes, clock{r})
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns the policy for name. It never fails: a missing row, a
// store error or a store that has not been migrated yet all produce
// core.DefaultRetryPolicy(name).
func (r *Registry) Resolve(ctx context.Context, name string) core.RetryPolicy {
	if p, ok := r.lookup(name); ok {
		return p
	}

	p := core.DefaultRetryPolicy(name)
	if r.store != nil {
		row, err := r.store.GetPolicy(ctx, name)
		switch {
		case err == nil:
			p = sanitize(*row)
		case errors.Is(err, core.ErrNotFound):
		default:
			r.logger.DebugContext(ctx, "retry policy lookup failed, using default",
				"policy", name, "error", err)
			// Not cached, so a transient store error is retried next time.
			return p
		}
	}

	r.remember(name, p)
	return p
}

// Put validates and stores a policy, then drops it from the cache.
func (r *Registry) Put(ctx context.Context, p core.RetryPolicy) error {
	if err := Validate(p); err != nil {
		return err
	}
	if r.store == nil {
		return errors.New("policy: no store configured")
	}
	if err := r.store.PutPolicy(ctx, &p); err != nil {
		return fmt.Errorf("policy: put %q: %w", p.Name, err)
	}
	r.forget(p.Name)
	return nil
}

// List returns every configured policy row.
func (r *Registry) List(ctx context.Context) ([]core.RetryPolicy, error) {
	if r.store == nil {
		return nil, nil
	}
	return r.store.ListPolicies(ctx)
}

// Delete removes a configured policy so the default applies again.
func (r *Registry) Delete(ctx context.Context, name string) error {
	if r.store == nil {
		return nil
	}
	if err := r.store.DeletePolicy(ctx, name); err != nil {
		return fmt.Errorf("policy: delete %q: %w", name, err)
	}
	r.forget(name)
	return nil
}

// Validate checks a policy before it is stored.
func Validate(p core.RetryPolicy) error {
	if err := security.ValidateJobTypeName(p.Name); err != nil {
		return fmt.Errorf("policy: name %q: %w", p.Name, err)
	}
	if !core.IsQueueClass(p.Queue) {
		return fmt.Errorf("policy: queue %q must be one of high, default, low", p.Queue)
	}
	if p.MaxRetries < 0 || p.MaxRetries > security.MaxRetries {
		return fmt.Errorf("policy: max_retries %d out of range [0, %d]", p.MaxRetries, security.MaxRetries)
	}
	if p.RetryInterval < 1 {
		return fmt.Errorf("policy: retry_interval must be positive")
	}
	if p.JobTimeout < 1 {
		return fmt.Errorf("policy: job_timeout must be positive")
	}
	return nil
}

// sanitize repairs rows written around Validate (for example by hand in SQL).
func sanitize(p core.RetryPolicy) core.RetryPolicy {
	def := core.DefaultRetryPolicy(p.Name)
	if !core.IsQueueClass(p.Queue) {
		p.Queue = def.Queue
	}
	p.MaxRetries = security.ClampRetries(p.MaxRetries)
	if p.RetryInterval < 1 {
		p.RetryInterval = def.RetryInterval
	}
	if p.JobTimeout < 1 {
		p.JobTimeout = def.JobTimeout
	}
	return p
}

func expireSeconds(ttl time.Duration) int {
	s := int(ttl / time.Second)
	if s < 1 {
		return 1
	}
	return s
}

func (r *Registry) lookup(name string) (core.RetryPolicy, bool) {
	if r.ttl <= 0 {
		return core.RetryPolicy{}, false
	}
	data, err := r.cache.Get([]byte(name))
	if err != nil {
		return core.RetryPolicy{}, false
	}
	var p core.RetryPolicy
	if err := json.Unmarshal(data, &p); err != nil {
		r.forget(name)
		return core.RetryPolicy{}, false
	}
	return p, true
}

func (r *Registry) remember(name string, p core.RetryPolicy) {
	if r.ttl <= 0 {
		return
	}
	data, err := json.Marshal(p)
	if err != nil {
		return
	}
	if err := r.cache.Set([]byte(name), data, expireSeconds(r.ttl)); err != nil {
		r.logger.Debug("retry policy not cached", "policy", name, "error", err)
	}
}

func (r *Registry) forget(name string) {
	r.cache.Del([]byte(name))
}
