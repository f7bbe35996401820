package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"

	admission "github.com/goliatone/go-admission"
	"github.com/goliatone/go-admission/dispatch"
	"github.com/goliatone/go-admission/lock"
	"github.com/goliatone/go-admission/policy"
	"github.com/goliatone/go-admission/queue"
	"github.com/goliatone/go-admission/store"
)

// placementContextKey keeps the priority and affinity a run was requested
// with, so that requeues and retries land where the original request did.
const placementContextKey = "placement"

// RequestOptions place a new run on the Execution Queue.
type RequestOptions struct {
	Delay    time.Duration
	Priority int
	Affinity string
}

// Scheduler pops runs from the Execution Queue, applies admission policies
// and dispatches scheduled runs to the transport.
type Scheduler struct {
	store     store.RunStore
	queue     queue.Queue
	transport dispatch.Transport
	locks     lock.Service
	registry  *policy.Registry
	policies  []policy.Policy
	set       *policy.Set

	workerID       string
	redelay        time.Duration
	pollInterval   time.Duration
	maxIdleBackoff time.Duration
	batchSize      int
	recoveryWindow time.Duration
	dedupeTTL      time.Duration

	logger  admission.Logger
	metrics Metrics
	now     func() time.Time
	seen    *gocache.Cache

	statusHook func(RuntimeStatus)
	stateMu    sync.RWMutex
	status     RuntimeStatus

	runMu     sync.Mutex
	runCancel context.CancelFunc
	runDone   chan struct{}
	running   bool
}

// New wires a scheduler over its collaborators and builds the policy set.
func New(runs store.RunStore, q queue.Queue, transport dispatch.Transport, opts ...Option) (*Scheduler, error) {
	s := &Scheduler{
		store:          runs,
		queue:          q,
		transport:      transport,
		workerID:       "scheduler-" + uuid.NewString()[:8],
		redelay:        DefaultRedelay,
		pollInterval:   DefaultPollInterval,
		maxIdleBackoff: DefaultMaxIdleBackoff,
		batchSize:      DefaultBatchSize,
		recoveryWindow: DefaultRecoveryWindow,
		dedupeTTL:      DefaultCompletionDedupeTTL,
		logger:         admission.NormalizeLogger(nil),
		metrics:        noopMetrics{},
		now:            func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	if err := s.validate(); err != nil {
		return nil, err
	}
	if s.locks == nil {
		s.locks = lock.New(nil, lock.WithLogger(s.logger))
	}
	if s.registry == nil {
		s.registry = policy.DefaultRegistry()
	}
	s.seen = gocache.New(s.dedupeTTL, 2*s.dedupeTTL)
	s.status = RuntimeStatus{WorkerID: s.workerID, State: StateIdle}

	set, err := s.registry.BuildSet(s.policies, policy.Deps{
		Store:     s.store,
		Locks:     s.locks,
		Requester: s,
		Logger:    s.logger,
		Now:       s.now,
	}, s.onPolicyFailure)
	if err != nil {
		return nil, err
	}
	s.set = set
	return s, nil
}

func (s *Scheduler) validate() error {
	missing := ""
	switch {
	case s.store == nil:
		missing = "run store"
	case s.queue == nil:
		missing = "execution queue"
	case s.transport == nil:
		missing = "dispatch transport"
	}
	if missing != "" {
		return admission.NewError(admission.ErrInvalidConfig, "scheduler requires a "+missing, nil, nil)
	}
	return nil
}

func (s *Scheduler) WorkerID() string { return s.workerID }

// Policies lists the enabled policies in force.
func (s *Scheduler) Policies() []policy.Policy { return s.set.Policies() }

func (s *Scheduler) onPolicyFailure(name string, hook policy.Hook, _ error) {
	s.metrics.RecordPolicyFailure(name, hook)
}

// Request creates run as requested and places it on the Execution Queue.
// Store-assigned fields of run are ignored and the run starts once opts.Delay
// has elapsed.
func (s *Scheduler) Request(ctx context.Context, run *admission.Run, opts RequestOptions) (*admission.Run, error) {
	if run == nil {
		return nil, admission.NewError(admission.ErrInvalidRun, "run is nil", nil, nil)
	}
	next := run.Clone()
	next.Status = admission.StatusRequested
	next.Revision = 0
	next.EndTimestamp = nil
	next.Result = nil
	next.StartTimestamp = s.now().Add(opts.Delay)
	delete(next.Context, admission.DispatchContextKey)
	if opts.Priority != 0 || opts.Affinity != "" {
		setPlacement(next, opts.Priority, opts.Affinity)
	}

	created, err := s.store.Create(ctx, next)
	if err != nil {
		return nil, err
	}
	if _, err := s.queue.Enqueue(ctx, created, opts.Delay, opts.Priority, opts.Affinity); err != nil {
		return created, err
	}
	s.logger.Debug("run %s for %s requested, delay %s", created.ID, created.ActionRef, opts.Delay)
	return created, nil
}

// Submit implements policy.Requester. Placement is inherited from the run.
func (s *Scheduler) Submit(ctx context.Context, run *admission.Run, delay time.Duration) (*admission.Run, error) {
	priority, affinity := placementOf(run)
	return s.Request(ctx, run, RequestOptions{Delay: delay, Priority: priority, Affinity: affinity})
}

// Requeue implements policy.Requester: run is enqueued for immediate
// evaluation, replacing any pending entry.
func (s *Scheduler) Requeue(ctx context.Context, run *admission.Run) error {
	priority, affinity := placementOf(run)
	_, err := s.queue.Enqueue(ctx, run, 0, priority, affinity)
	return err
}

// Cancel stops a run. Runs not yet handed to a runner are canceled at once
// and leave the queue; dispatched runs move to canceling and the runner is
// asked to stop. Runs already completed are returned unchanged.
func (s *Scheduler) Cancel(ctx context.Context, runID string) (*admission.Run, error) {
	var dispatched bool
	run, err := store.Mutate(ctx, s.store, runID, true, func(run *admission.Run) (bool, error) {
		dispatched = false
		_, claimed := dispatch.MarkerOf(run)
		switch run.Status {
		case admission.StatusRequested, admission.StatusDelayed:
		case admission.StatusScheduled:
			if claimed {
				dispatched = true
			}
		case admission.StatusRunning, admission.StatusPausing, admission.StatusPaused, admission.StatusResuming:
			dispatched = true
		default:
			return false, nil
		}
		if dispatched {
			run.Status = admission.StatusCanceling
			return true, nil
		}
		end := s.now()
		run.Status = admission.StatusCanceled
		run.EndTimestamp = &end
		return true, nil
	})
	if err != nil {
		return nil, err
	}

	logger := admission.RunLogger(s.logger, run)
	switch run.Status {
	case admission.StatusCanceled:
		if _, err := s.queue.Remove(ctx, run.ID); err != nil {
			logger.Warn("remove queue entry of canceled run failed: %v", err)
		}
		logger.Info("run canceled before dispatch")
	case admission.StatusCanceling:
		if dispatched {
			if err := s.transport.Cancel(ctx, run); err != nil {
				return run, err
			}
			logger.Info("cancel requested from runner")
		}
	}
	return run, nil
}

func setPlacement(run *admission.Run, priority int, affinity string) {
	if run.Context == nil {
		run.Context = map[string]any{}
	}
	entry := map[string]any{"priority": priority}
	if affinity != "" {
		entry["affinity"] = affinity
	}
	run.Context[placementContextKey] = entry
}

func placementOf(run *admission.Run) (int, string) {
	if run == nil {
		return 0, ""
	}
	raw, ok := run.Context[placementContextKey].(map[string]any)
	if !ok {
		return 0, ""
	}
	priority, _ := admission.IntValue(raw["priority"])
	affinity, _ := raw["affinity"].(string)
	return priority, affinity
}
