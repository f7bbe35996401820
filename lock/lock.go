package lock

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"

	admission "github.com/goliatone/go-admission"
)

// Lock is a held named lock. Release must be called exactly once.
type Lock interface {
	Name() string
	Release(ctx context.Context) error
}

// Service hands out named, mutually exclusive, non re-entrant locks.
type Service interface {
	Acquire(ctx context.Context, name string) (Lock, error)
	// Distributed reports whether exclusion holds across processes.
	Distributed() bool
}

// With acquires name, runs fn and releases the lock on every exit path,
// panics included.
func With(ctx context.Context, svc Service, name string, fn func(ctx context.Context) error) (err error) {
	held, err := svc.Acquire(ctx, name)
	if err != nil {
		return err
	}
	defer func() {
		// release on a fresh context so that a canceled caller still frees the lock
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if rerr := held.Release(releaseCtx); rerr != nil && err == nil {
			err = rerr
		}
	}()
	return fn(ctx)
}

type options struct {
	logger         admission.Logger
	prefix         string
	ttl            time.Duration
	acquireTimeout time.Duration
}

type Option func(*options)

func WithLogger(logger admission.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithPrefix namespaces Redis lock keys.
func WithPrefix(prefix string) Option {
	return func(o *options) {
		if prefix != "" {
			o.prefix = prefix
		}
	}
}

// WithTTL bounds how long a Redis lock survives a crashed holder.
func WithTTL(ttl time.Duration) Option {
	return func(o *options) {
		if ttl > 0 {
			o.ttl = ttl
		}
	}
}

// WithAcquireTimeout bounds how long Acquire waits. Zero waits until the
// context is done.
func WithAcquireTimeout(d time.Duration) Option {
	return func(o *options) {
		o.acquireTimeout = d
	}
}

func buildOptions(opts []Option) options {
	o := options{
		prefix: "admission:lock:",
		ttl:    30 * time.Second,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	o.logger = admission.NormalizeLogger(o.logger)
	return o
}

// New returns a Redis backed service when client is set. Without a client
// it falls back to process-local locks and logs a warning: admission limits
// then only hold within this process.
func New(client redis.UniversalClient, opts ...Option) Service {
	o := buildOptions(opts)
	if client == nil {
		o.logger.Warn("lock service not configured, using process-local locks; concurrency limits hold within this process only")
		return NewLocalService(opts...)
	}
	return NewRedisService(client, opts...)
}

func unavailable(name string, err error) error {
	return admission.NewError(admission.ErrLockUnavailable, "could not acquire lock "+name, err, map[string]any{
		"lock": name,
	})
}

func notHeld(name string) error {
	return admission.NewError(admission.ErrLockNotHeld, "lock "+name+" is not held", nil, map[string]any{
		"lock": name,
	})
}
