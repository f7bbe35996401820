package scheduler

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	admission "github.com/goliatone/go-admission"
	"github.com/goliatone/go-admission/retry"
)

// RuntimeState tracks the lifecycle of the background loop.
type RuntimeState string

const (
	StateIdle     RuntimeState = "idle"
	StateRunning  RuntimeState = "running"
	StateStopping RuntimeState = "stopping"
	StateStopped  RuntimeState = "stopped"
)

// RuntimeStatus captures the latest runtime state and cycle figures.
type RuntimeStatus struct {
	WorkerID            string        `json:"worker_id"`
	State               RuntimeState  `json:"state"`
	LastRunAt           time.Time     `json:"last_run_at"`
	LastSuccessAt       time.Time     `json:"last_success_at"`
	LastError           string        `json:"last_error,omitempty"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	LastProcessed       int           `json:"last_processed"`
	LastLag             time.Duration `json:"last_lag"`
}

// Health reports health derived from runtime status.
type Health struct {
	Healthy bool          `json:"healthy"`
	Reason  string        `json:"reason,omitempty"`
	Status  RuntimeStatus `json:"status"`
}

var (
	errAlreadyRunning = admission.NewError(admission.ErrInvalidConfig, "scheduler already running", nil, nil)
)

// Run drives RunOnce until ctx is done or Stop is called, and consumes the
// transport completions alongside. The loop spins while entries are found
// and backs off exponentially while the queue is idle.
func (s *Scheduler) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	s.runMu.Lock()
	if s.running {
		s.runMu.Unlock()
		return errAlreadyRunning
	}
	runCtx, cancel := context.WithCancel(ctx)
	runDone := make(chan struct{})
	s.runCancel = cancel
	s.runDone = runDone
	s.running = true
	s.runMu.Unlock()

	s.setRuntimeState(StateRunning)
	logger := admission.WithFields(s.logger.WithContext(runCtx), map[string]any{"worker_id": s.workerID})
	logger.Info("scheduler loop started")

	defer func() {
		cancel()
		s.runMu.Lock()
		s.running = false
		s.runCancel = nil
		s.runDone = nil
		close(runDone)
		s.runMu.Unlock()
		s.setRuntimeState(StateStopped)
		logger.Info("scheduler loop stopped")
	}()

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		return s.loop(gctx, logger)
	})
	g.Go(func() error {
		return s.consumeCompletions(gctx, logger)
	})
	return g.Wait()
}

func (s *Scheduler) loop(ctx context.Context, logger admission.Logger) error {
	idle := retry.ExponentialBackoffStrategy{Base: s.pollInterval, Factor: 2, Max: s.maxIdleBackoff}
	idleRounds := 0
	for {
		report, err := s.RunOnce(ctx)
		if err != nil {
			logger.Warn("scheduler cycle failed: %v", err)
		}
		if report.Processed > 0 && err == nil {
			idleRounds = 0
			continue
		}
		if serr := retry.Sleep(ctx, idle.SleepDuration(idleRounds, nil)); serr != nil {
			return nil
		}
		idleRounds++
	}
}

func (s *Scheduler) consumeCompletions(ctx context.Context, logger admission.Logger) error {
	completions := s.transport.Completions()
	for {
		select {
		case <-ctx.Done():
			return nil
		case c := <-completions:
			if err := s.HandleCompletion(ctx, c); err != nil {
				logger.Warn("completion of run %s not applied: %v", c.RunID, err)
			}
		}
	}
}

// Stop cancels a running loop and waits for it to return or ctx to end.
func (s *Scheduler) Stop(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	s.runMu.Lock()
	cancel := s.runCancel
	done := s.runDone
	running := s.running
	s.runMu.Unlock()

	if !running || cancel == nil || done == nil {
		s.setRuntimeState(StateStopped)
		return nil
	}

	s.setRuntimeState(StateStopping)
	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Status returns a copy of the latest runtime status.
func (s *Scheduler) Status() RuntimeStatus {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.status
}

// Health is unhealthy after a failed cycle, or once a loop that ran has
// stopped.
func (s *Scheduler) Health(_ context.Context) Health {
	status := s.Status()
	health := Health{Healthy: true, Status: status}
	if status.ConsecutiveFailures > 0 {
		health.Healthy = false
		health.Reason = "scheduler cycle failures detected"
	} else if status.State == StateStopped && !status.LastRunAt.IsZero() {
		health.Healthy = false
		health.Reason = "scheduler stopped"
	}
	return health
}

func (s *Scheduler) recordCycle(report CycleReport, cycleErr error) {
	now := s.now()
	s.stateMu.Lock()
	status := s.status
	status.LastRunAt = now
	status.LastProcessed = report.Processed
	status.LastLag = report.Lag
	if cycleErr == nil {
		status.LastSuccessAt = now
		status.LastError = ""
		status.ConsecutiveFailures = 0
	} else {
		status.LastError = cycleErr.Error()
		status.ConsecutiveFailures++
	}
	s.status = status
	s.stateMu.Unlock()

	if s.statusHook != nil {
		s.statusHook(status)
	}
}

func (s *Scheduler) setRuntimeState(state RuntimeState) {
	s.stateMu.Lock()
	status := s.status
	status.State = state
	s.status = status
	s.stateMu.Unlock()
	if s.statusHook != nil {
		s.statusHook(status)
	}
}
