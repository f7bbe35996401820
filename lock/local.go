package lock

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/EagleChen/mapmutex"

	"github.com/goliatone/go-admission/retry"
)

// LocalService provides per-name exclusion inside one process.
type LocalService struct {
	mu             *mapmutex.Mutex
	acquireTimeout time.Duration
}

func NewLocalService(opts ...Option) *LocalService {
	o := buildOptions(opts)
	return &LocalService{
		// retries, max delay (ns), base delay (ns), factor, jitter
		mu:             mapmutex.NewCustomizedMapMutex(64, float64(10*time.Millisecond), float64(50*time.Microsecond), 1.5, 0.2),
		acquireTimeout: o.acquireTimeout,
	}
}

func (s *LocalService) Distributed() bool { return false }

func (s *LocalService) Acquire(ctx context.Context, name string) (Lock, error) {
	if s.acquireTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.acquireTimeout)
		defer cancel()
	}
	for {
		if s.mu.TryLock(name) {
			return &localLock{name: name, mu: s.mu}, nil
		}
		if err := retry.Sleep(ctx, time.Millisecond); err != nil {
			return nil, unavailable(name, err)
		}
	}
}

type localLock struct {
	name     string
	mu       *mapmutex.Mutex
	released atomic.Bool
}

func (l *localLock) Name() string { return l.name }

func (l *localLock) Release(context.Context) error {
	if !l.released.CompareAndSwap(false, true) {
		return notHeld(l.name)
	}
	l.mu.Unlock(l.name)
	return nil
}
