package vappjobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"golang.org/x/sync/errgroup"

	"github.com/jdziat/vapp-jobs/internal/api"
	"github.com/jdziat/vapp-jobs/internal/config"
	"github.com/jdziat/vapp-jobs/internal/metrics"
	"github.com/jdziat/vapp-jobs/pkg/busy"
	"github.com/jdziat/vapp-jobs/pkg/dispatch"
	"github.com/jdziat/vapp-jobs/pkg/lifecycle"
	"github.com/jdziat/vapp-jobs/pkg/policy"
	"github.com/jdziat/vapp-jobs/pkg/provider"
	"github.com/jdziat/vapp-jobs/pkg/queue"
	"github.com/jdziat/vapp-jobs/pkg/quota"
	"github.com/jdziat/vapp-jobs/pkg/reconcile"
	"github.com/jdziat/vapp-jobs/pkg/schedule"
	"github.com/jdziat/vapp-jobs/pkg/storage"
	"github.com/jdziat/vapp-jobs/pkg/worker"
)

// Service owns every component of the core. The web process and the worker
// process both build one from the same configuration; the shared state
// between them is the database and the busy registry backend.
type Service struct {
	cfg    config.Config
	logger *slog.Logger

	Store        *storage.GormStorage
	Provider     *provider.Conn
	Busy         *busy.Registry
	Policies     *policy.Registry
	Queue        *queue.Queue
	Dispatcher   *dispatch.Dispatcher
	Handlers     *lifecycle.Handlers
	Orchestrator *lifecycle.Orchestrator
	Sweeper      *reconcile.Sweeper
	Metrics      *metrics.Metrics

	closers []func() error
}

// Option configures Open.
type Option func(*openOptions)

type openOptions struct {
	dialer    provider.Dialer
	busyStore busy.Store
	logger    *slog.Logger
}

// WithDialer sets how provider sessions are opened. It is required; the
// binary resolves it from the configured provider driver.
func WithDialer(d provider.Dialer) Option {
	return func(o *openOptions) { o.dialer = d }
}

// WithBusyStore overrides the configured busy registry backend.
func WithBusyStore(s busy.Store) Option {
	return func(o *openOptions) { o.busyStore = s }
}

// WithLogger sets the logger shared by every component.
func WithLogger(l *slog.Logger) Option {
	return func(o *openOptions) { o.logger = l }
}

// Open connects to the database, the busy registry backend and the provider
// and wires the components. It does not migrate the database; call Migrate.
func Open(ctx context.Context, cfg config.Config, opts ...Option) (svc *Service, err error) {
	o := openOptions{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}

	s := &Service{cfg: cfg, logger: o.logger, Metrics: metrics.New()}
	defer func() {
		if err != nil {
			_ = s.Close()
		}
	}()

	db, err := storage.Open(cfg.Database.Driver, cfg.Database.DSN,
		storage.MaxOpenConns(cfg.Database.MaxOpenConns),
		storage.MaxIdleConns(cfg.Database.MaxIdleConns),
		storage.ConnMaxLifetime(cfg.Database.ConnMaxLifetime),
	)
	if err != nil {
		return nil, err
	}
	s.closers = append(s.closers, func() error {
		sqlDB, err := db.DB()
		if err != nil {
			return err
		}
		return sqlDB.Close()
	})
	s.Store = storage.NewGormStorage(db)

	if o.dialer == nil {
		return nil, errors.New("vappjobs: no provider dialer; pass WithDialer")
	}
	s.Provider, err = provider.Dial(ctx, o.dialer,
		provider.WithRetries(cfg.Provider.Retries),
		provider.WithRetryPause(cfg.Provider.RetryPause),
		provider.WithConnLogger(o.logger),
	)
	if err != nil {
		return nil, err
	}

	store := o.busyStore
	if store == nil {
		store, err = s.openBusyStore(ctx)
		if err != nil {
			return nil, err
		}
	}
	s.Busy = busy.New(store,
		busy.WithTTL(cfg.Busy.TTL),
		busy.WithChildLister(s.Provider),
		busy.WithLogger(o.logger),
		busy.WithErrorHook(s.Metrics.BusyRegistryError),
	)

	s.Policies = policy.New(s.Store, policy.WithLogger(o.logger))
	s.Queue = queue.New(s.Store)
	s.Dispatcher = dispatch.New(s.Queue, s.Policies, s.Store, s.Busy,
		dispatch.WithLogger(o.logger),
		dispatch.WithObserver(s.Metrics),
	)
	s.Handlers = lifecycle.RegisterHandlers(s.Dispatcher, s.Provider,
		lifecycle.WithTaskPolling(cfg.Provider.TaskTimeout, cfg.Provider.TaskPoll),
		lifecycle.WithHandlerLogger(o.logger),
	)
	if missing := s.Dispatcher.Missing(); len(missing) > 0 {
		return nil, fmt.Errorf("vappjobs: no handler for operations %v", missing)
	}

	s.Orchestrator = lifecycle.New(s.Provider, s.Busy, s.Store, s.Dispatcher,
		lifecycle.WithQuota(quota.New(s.Store, s.Provider)),
		lifecycle.WithUsers(s.Store),
		lifecycle.WithObserver(s.Metrics),
		lifecycle.WithLogger(o.logger),
	)

	sched, err := schedule.ParseCron(cfg.Sweep.Cron)
	if err != nil {
		return nil, err
	}
	s.Sweeper = reconcile.New(s.Store, s.Store,
		reconcile.WithRetention(cfg.Sweep.Retention()),
		reconcile.WithLogger(o.logger),
		reconcile.WithObserver(s.Metrics.SweepBackfilled),
	)
	s.Sweeper.Register(s.Queue, sched)

	return s, nil
}

func (s *Service) openBusyStore(ctx context.Context) (busy.Store, error) {
	bc := s.cfg.Busy
	switch bc.Backend {
	case "redis":
		rc, err := busy.DialRedis(ctx, busy.RedisOptions{
			Addr:     bc.Redis.Addr,
			Password: bc.Redis.Password,
			DB:       bc.Redis.DB,
			PoolSize: bc.Redis.PoolSize,
		})
		if err != nil {
			return nil, err
		}
		rs := busy.NewRedisStore(rc, bc.KeyPrefix)
		s.closers = append(s.closers, rs.Close)
		return rs, nil
	case "memory", "":
		s.logger.Warn("busy registry is process local; run the API and workers in one process")
		return busy.NewMemoryStore(bc.MemoryBytes), nil
	default:
		return nil, fmt.Errorf("vappjobs: unsupported busy backend %q", bc.Backend)
	}
}

// Config returns the configuration the service was opened with.
func (s *Service) Config() config.Config {
	return s.cfg
}

// Migrate creates or updates the database tables.
func (s *Service) Migrate(ctx context.Context) error {
	return s.Store.Migrate(ctx)
}

// RequestOperation is the single entry point of lifecycle endpoints.
func (s *Service) RequestOperation(ctx context.Context, req Request) (Decision, error) {
	return s.Orchestrator.RequestOperation(ctx, req)
}

// RequestNamedOperation is RequestOperation for callers holding an external
// operation name.
func (s *Service) RequestNamedOperation(ctx context.Context, name, resourceID, user string, params map[string]string) (Decision, error) {
	op, err := ParseOperation(name)
	if err != nil {
		return Decision{}, err
	}
	return s.RequestOperation(ctx, Request{
		Operation:  op,
		ResourceID: resourceID,
		User:       user,
		Params:     params,
	})
}

// IsBusy reports whether the resource is claimed.
func (s *Service) IsBusy(ctx context.Context, id string) (bool, error) {
	return s.Busy.IsBusy(ctx, id)
}

// IsVAppOrAnyVMBusy reports whether the vApp or any VM it owns is claimed.
func (s *Service) IsVAppOrAnyVMBusy(ctx context.Context, vappID string) (bool, error) {
	return s.Orchestrator.VAppOrAnyVMBusy(ctx, vappID)
}

// RecentTaskSummary returns UI progress text for the resource, such as
// "Powering Off VM.." or "No running tasks".
func (s *Service) RecentTaskSummary(ctx context.Context, id string) (string, error) {
	return s.Orchestrator.TaskSummary(ctx, id)
}

// Await blocks until the job settles or ctx is done.
func (s *Service) Await(ctx context.Context, jobID string) (Outcome, error) {
	return s.Dispatcher.Await(ctx, jobID)
}

// Sweep runs the reconciliation sweep once and returns the number of events
// backfilled.
func (s *Service) Sweep(ctx context.Context) (int, error) {
	return s.Sweeper.Run(ctx)
}

// NewWorker creates a worker for the configured queues. The scheduler that
// enqueues the daily sweep is enabled unless opts disable it.
func (s *Service) NewWorker(opts ...WorkerOption) *Worker {
	base := []worker.WorkerOption{
		worker.PollInterval(s.cfg.Worker.PollInterval),
		worker.StaleLockAfter(s.cfg.Worker.StaleLockAfter),
		worker.WithScheduler(true),
		worker.WithLogger(s.logger),
	}
	for name, n := range s.cfg.Worker.Queues {
		base = append(base, worker.WorkerQueue(name, worker.Concurrency(n)))
	}
	return worker.NewWorker(s.Queue, append(base, opts...)...)
}

// APIServer builds the HTTP API over the service.
func (s *Service) APIServer() *api.Server {
	return api.NewServer(s.Orchestrator, s.Store,
		api.WithSweeper(s.Sweeper),
		api.WithQueueStats(s.Store),
		api.WithMetrics(s.Metrics.Handler()),
		api.WithLogger(s.logger),
	)
}

// Serve runs the HTTP API, and the worker pool when withWorker is set, until
// ctx is done or one of them fails.
func (s *Service) Serve(ctx context.Context, withWorker bool) error {
	g, ctx := errgroup.WithContext(ctx)

	srv := &http.Server{
		Addr:         s.cfg.HTTP.Addr,
		Handler:      s.APIServer().Handler(),
		ReadTimeout:  s.cfg.HTTP.ReadTimeout,
		WriteTimeout: s.cfg.HTTP.WriteTimeout,
	}
	g.Go(func() error {
		s.logger.Info("api listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.HTTP.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		s.Metrics.Watch(ctx, s.Queue, 0)
		return nil
	})
	if withWorker {
		g.Go(func() error {
			return ignoreCanceled(s.NewWorker().Start(ctx))
		})
	}
	return g.Wait()
}

// RunWorker runs the worker pool until ctx is done.
func (s *Service) RunWorker(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.Metrics.Watch(ctx, s.Queue, 0)
		return nil
	})
	g.Go(func() error {
		return ignoreCanceled(s.NewWorker().Start(ctx))
	})
	return g.Wait()
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Close releases the database and busy registry connections.
func (s *Service) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}
