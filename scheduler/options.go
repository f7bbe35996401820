package scheduler

import (
	"strings"
	"time"

	admission "github.com/goliatone/go-admission"
	"github.com/goliatone/go-admission/lock"
	"github.com/goliatone/go-admission/policy"
)

const (
	DefaultRedelay             = 2500 * time.Millisecond
	DefaultPollInterval        = 100 * time.Millisecond
	DefaultMaxIdleBackoff      = 2 * time.Second
	DefaultBatchSize           = 10
	DefaultRecoveryWindow      = time.Minute
	DefaultCompletionDedupeTTL = 10 * time.Minute
	DefaultRecoverySchedule    = "@every 30s"
)

// Option customizes a Scheduler.
type Option func(*Scheduler)

// WithWorkerID sets the identity written into dispatch claims.
func WithWorkerID(workerID string) Option {
	return func(s *Scheduler) {
		if id := strings.TrimSpace(workerID); id != "" {
			s.workerID = id
		}
	}
}

func WithLogger(logger admission.Logger) Option {
	return func(s *Scheduler) {
		s.logger = admission.NormalizeLogger(logger)
	}
}

// WithMetrics records loop, completion and recovery events.
func WithMetrics(metrics Metrics) Option {
	return func(s *Scheduler) {
		if metrics != nil {
			s.metrics = metrics
		}
	}
}

// WithLocks sets the Lock Service handed to policies.
func WithLocks(locks lock.Service) Option {
	return func(s *Scheduler) {
		s.locks = locks
	}
}

// WithPolicies installs the policies applied around every run. A nil
// registry means policy.DefaultRegistry.
func WithPolicies(registry *policy.Registry, policies ...policy.Policy) Option {
	return func(s *Scheduler) {
		s.registry = registry
		s.policies = append(s.policies, policies...)
	}
}

// WithRedelay sets how long a delayed run waits before it is looked at again.
func WithRedelay(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.redelay = d
		}
	}
}

// WithPollInterval and WithMaxIdleBackoff bound the idle backoff of Run.
func WithPollInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.pollInterval = d
		}
	}
}

func WithMaxIdleBackoff(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.maxIdleBackoff = d
		}
	}
}

// WithBatchSize caps how many entries one RunOnce pops.
func WithBatchSize(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.batchSize = n
		}
	}
}

// WithRecoveryWindow sets how long a run may sit in delayed before the
// recovery sweep puts it back on the queue.
func WithRecoveryWindow(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.recoveryWindow = d
		}
	}
}

func WithCompletionDedupeTTL(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.dedupeTTL = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// WithStatusHook receives runtime status updates.
func WithStatusHook(hook func(RuntimeStatus)) Option {
	return func(s *Scheduler) {
		s.statusHook = hook
	}
}
