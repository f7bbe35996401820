// Package bootstrap builds the admission service components from a
// config.Config.
package bootstrap

import (
	"context"
	"database/sql"
	"strings"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"

	admission "github.com/goliatone/go-admission"
	"github.com/goliatone/go-admission/config"
	"github.com/goliatone/go-admission/dispatch"
	"github.com/goliatone/go-admission/lock"
	"github.com/goliatone/go-admission/metrics"
	"github.com/goliatone/go-admission/policy"
	"github.com/goliatone/go-admission/queue"
	"github.com/goliatone/go-admission/scheduler"
	"github.com/goliatone/go-admission/store"
)

// Service holds every built component. Close releases them in reverse build
// order.
type Service struct {
	Config    config.Config
	Logger    admission.Logger
	Store     store.RunStore
	Queue     queue.Queue
	Locks     lock.Service
	Transport dispatch.Transport
	Registry  *policy.Registry
	Policies  []policy.Policy
	Metrics   *metrics.Prometheus
	Scheduler *scheduler.Scheduler

	closers []func() error
}

type options struct {
	registry  *policy.Registry
	transport dispatch.Transport
	promReg   *prometheus.Registry
}

type Option func(*options)

// WithRegistry resolves policies against reg instead of the built-in types.
func WithRegistry(reg *policy.Registry) Option {
	return func(o *options) { o.registry = reg }
}

// WithTransport skips building the configured transport.
func WithTransport(t dispatch.Transport) Option {
	return func(o *options) { o.transport = t }
}

// WithPrometheusRegistry registers collectors on reg.
func WithPrometheusRegistry(reg *prometheus.Registry) Option {
	return func(o *options) { o.promReg = reg }
}

// Build opens backends and wires the scheduler. On error anything already
// opened is closed.
func Build(ctx context.Context, cfg config.Config, logger admission.Logger, opts ...Option) (svc *Service, err error) {
	o := options{}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	if o.registry == nil {
		o.registry = policy.DefaultRegistry()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	svc = &Service{
		Config:   cfg,
		Logger:   admission.NormalizeLogger(logger),
		Registry: o.registry,
	}
	defer func() {
		if err != nil {
			svc.Close()
			svc = nil
		}
	}()

	if svc.Policies, err = LoadPolicies(cfg.Policies, o.registry); err != nil {
		return svc, err
	}

	var rdb redis.UniversalClient
	if cfg.Redis.Enabled() {
		rdb = redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    []string{cfg.Redis.Addr},
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		svc.onClose(rdb.Close)
	}

	var db *sql.DB
	if svc.Store, db, err = svc.buildStore(ctx); err != nil {
		return svc, err
	}
	if svc.Queue, err = svc.buildQueue(rdb, db); err != nil {
		return svc, err
	}

	svc.Locks = lock.New(rdb,
		lock.WithLogger(svc.Logger),
		lock.WithPrefix(cfg.Lock.Prefix),
		lock.WithTTL(cfg.Lock.TTL),
		lock.WithAcquireTimeout(cfg.Lock.AcquireTimeout),
	)

	if svc.Transport, err = svc.buildTransport(o.transport); err != nil {
		return svc, err
	}
	if pub, ok := svc.Transport.(store.Publisher); ok {
		svc.Store = store.WithPublisher(svc.Store, pub, svc.Logger)
	}

	svc.Metrics = metrics.New(o.promReg)

	s := cfg.Scheduler
	svc.Scheduler, err = scheduler.New(svc.Store, svc.Queue, svc.Transport,
		scheduler.WithWorkerID(s.WorkerID),
		scheduler.WithLogger(svc.Logger),
		scheduler.WithMetrics(svc.Metrics),
		scheduler.WithLocks(svc.Locks),
		scheduler.WithPolicies(o.registry, svc.Policies...),
		scheduler.WithRedelay(s.Redelay),
		scheduler.WithPollInterval(s.PollInterval),
		scheduler.WithMaxIdleBackoff(s.MaxIdleBackoff),
		scheduler.WithBatchSize(s.BatchSize),
		scheduler.WithRecoveryWindow(s.RecoveryWindow),
		scheduler.WithCompletionDedupeTTL(s.CompletionDedupeTTL),
	)
	if err != nil {
		return svc, err
	}

	svc.Logger.Info("admission service built: store=%s queue=%s transport=%s policies=%d distributed_locks=%t",
		cfg.Store.Kind, cfg.Queue.Kind, cfg.Transport.Kind, len(svc.Policies), svc.Locks.Distributed())
	return svc, nil
}

// LoadPolicies resolves the file definitions followed by the inline ones.
func LoadPolicies(cfg config.PoliciesConfig, reg *policy.Registry) ([]policy.Policy, error) {
	if reg == nil {
		reg = policy.DefaultRegistry()
	}
	var out []policy.Policy
	if path := strings.TrimSpace(cfg.File); path != "" {
		fromFile, err := policy.LoadFile(path, reg)
		if err != nil {
			return nil, err
		}
		out = append(out, fromFile...)
	}
	inline, err := reg.ResolveAll(cfg.Definitions)
	if err != nil {
		return nil, err
	}
	return append(out, inline...), nil
}

func (s *Service) buildStore(ctx context.Context) (store.RunStore, *sql.DB, error) {
	cfg := s.Config.Store
	switch cfg.Kind {
	case config.KindSQLite:
		db, err := store.OpenSQLite(ctx, cfg.SQLite)
		if err != nil {
			return nil, nil, err
		}
		s.onClose(db.Close)
		return store.NewSQLiteStore(db, cfg.Table), db, nil
	case config.KindPostgres:
		pool, err := store.OpenPostgres(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, nil, err
		}
		s.onClose(func() error {
			pool.Close()
			return nil
		})
		return store.NewPostgresStore(pool, cfg.Table), nil, nil
	default:
		return store.NewMemoryStore(), nil, nil
	}
}

func (s *Service) buildQueue(rdb redis.UniversalClient, db *sql.DB) (queue.Queue, error) {
	cfg := s.Config.Queue
	switch cfg.Kind {
	case config.KindSQLite:
		if db == nil {
			return nil, admission.NewError(admission.ErrInvalidConfig, "sqlite queue requires the sqlite store", nil, nil)
		}
		return queue.NewSQLiteQueue(db, cfg.Table), nil
	case config.KindRedis:
		if rdb == nil {
			return nil, admission.NewError(admission.ErrInvalidConfig, "redis queue requires redis.addr", nil, nil)
		}
		return queue.NewRedisQueue(rdb, cfg.Prefix), nil
	default:
		return queue.NewMemoryQueue(), nil
	}
}

func (s *Service) buildTransport(given dispatch.Transport) (dispatch.Transport, error) {
	if given != nil {
		return given, nil
	}
	switch s.Config.Transport.Kind {
	case config.KindMQTT:
		t, err := dispatch.DialMQTT(s.Config.Transport.MQTT, s.Logger)
		if err != nil {
			return nil, err
		}
		s.onClose(t.Close)
		return t, nil
	default:
		t := dispatch.NewMemoryTransport()
		s.onClose(t.Close)
		return t, nil
	}
}

func (s *Service) onClose(fn func() error) {
	s.closers = append(s.closers, fn)
}

// Close releases backends. Errors are logged; the first one is returned.
func (s *Service) Close() error {
	if s == nil {
		return nil
	}
	var first error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			s.Logger.Warn("close failed: %v", err)
			if first == nil {
				first = err
			}
		}
	}
	s.closers = nil
	return first
}
