package lock

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	admission "github.com/goliatone/go-admission"
	"github.com/goliatone/go-admission/retry"
)

// RedisService implements Service with SET NX PX and a token checked
// release. When Redis cannot be reached it degrades to process-local locks.
type RedisService struct {
	client   redis.UniversalClient
	opts     options
	fallback *LocalService
	backoff  retry.Strategy
	degraded atomic.Bool
}

func NewRedisService(client redis.UniversalClient, opts ...Option) *RedisService {
	return &RedisService{
		client:   client,
		opts:     buildOptions(opts),
		fallback: NewLocalService(opts...),
		backoff: retry.JitterStrategy{
			Base: retry.ExponentialBackoffStrategy{
				Base:   2 * time.Millisecond,
				Factor: 2,
				Max:    100 * time.Millisecond,
			},
			Fraction: 0.5,
		},
	}
}

// Distributed is false while the service is degraded to local locks.
func (s *RedisService) Distributed() bool { return !s.degraded.Load() }

var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

func (s *RedisService) Acquire(ctx context.Context, name string) (Lock, error) {
	if s.opts.acquireTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.acquireTimeout)
		defer cancel()
	}
	key := s.opts.prefix + name
	token := uuid.NewString()

	for attempt := 0; ; attempt++ {
		ok, err := s.client.SetNX(ctx, key, token, s.opts.ttl).Result()
		if err != nil {
			if ctx.Err() != nil {
				return nil, unavailable(name, ctx.Err())
			}
			if !s.degraded.Swap(true) {
				s.opts.logger.Warn("lock service unreachable, degrading to process-local locks: %v", err)
			}
			return s.fallback.Acquire(ctx, name)
		}
		if s.degraded.Swap(false) {
			s.opts.logger.Info("lock service reachable again")
		}
		if ok {
			return &redisLock{name: name, key: key, token: token, client: s.client}, nil
		}
		if err := retry.Sleep(ctx, s.backoff.SleepDuration(attempt, nil)); err != nil {
			return nil, unavailable(name, err)
		}
	}
}

type redisLock struct {
	name     string
	key      string
	token    string
	client   redis.UniversalClient
	released atomic.Bool
}

func (l *redisLock) Name() string { return l.name }

func (l *redisLock) Release(ctx context.Context) error {
	if !l.released.CompareAndSwap(false, true) {
		return notHeld(l.name)
	}
	n, err := releaseScript.Run(ctx, l.client, []string{l.key}, l.token).Int()
	if err != nil {
		return admission.NewError(admission.ErrLockUnavailable, "release lock "+l.name, err, map[string]any{"lock": l.name})
	}
	if n == 0 {
		// the ttl expired and someone else may hold it now
		return notHeld(l.name)
	}
	return nil
}
