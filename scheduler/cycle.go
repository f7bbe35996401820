package scheduler

import (
	"context"
	"time"

	apperrors "github.com/goliatone/go-errors"

	admission "github.com/goliatone/go-admission"
	"github.com/goliatone/go-admission/dispatch"
	"github.com/goliatone/go-admission/queue"
	"github.com/goliatone/go-admission/store"
)

// Outcome classifies what one loop iteration did with a queue entry.
type Outcome string

const (
	OutcomeDispatched   Outcome = "dispatched"
	OutcomeDelayed      Outcome = "delayed"
	OutcomeRequeued     Outcome = "requeued"
	OutcomeCanceled     Outcome = "canceled"
	OutcomeDropped      Outcome = "dropped"
	OutcomeClaimLost    Outcome = "claim_lost"
	OutcomeSubmitFailed Outcome = "submit_failed"
)

// EntryResult captures what happened to one popped entry.
type EntryResult struct {
	RunID      string
	ActionRef  string
	Outcome    Outcome
	Status     admission.Status
	Error      string
	OccurredAt time.Time
}

// CycleReport summarizes one RunOnce call.
type CycleReport struct {
	WorkerID   string
	Processed  int
	Lag        time.Duration
	StartedAt  time.Time
	FinishedAt time.Time
	Outcomes   []EntryResult
}

// RunOnce pops up to the batch size of eligible entries and takes each
// through admission and dispatch. Entries are never lost on a failure: they
// are put back with the re-delay backoff.
func (s *Scheduler) RunOnce(ctx context.Context) (CycleReport, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	report := CycleReport{WorkerID: s.workerID, StartedAt: s.now()}
	errs := apperrors.NewCollector(apperrors.WithMaxErrors(s.batchSize + 1))

	for report.Processed < s.batchSize {
		if ctx.Err() != nil {
			break
		}
		entry, err := s.queue.PopNext(ctx)
		if err != nil {
			errs.Add(err)
			break
		}
		if entry == nil {
			break
		}
		report.Processed++
		if lag := s.now().Sub(entry.StartTimestamp); lag > report.Lag {
			report.Lag = lag
		}

		result, err := s.process(ctx, entry)
		if err != nil {
			result.Error = err.Error()
			errs.Add(err)
		}
		result.OccurredAt = s.now()
		report.Outcomes = append(report.Outcomes, result)
		s.metrics.RecordOutcome(result.Outcome)
	}

	if report.Processed > 0 {
		s.metrics.RecordDispatchLag(report.Lag)
	}
	if depth, err := s.queue.Len(ctx); err == nil {
		s.metrics.RecordQueueDepth(depth)
	}
	report.FinishedAt = s.now()

	cycleErr := collected(errs)
	s.recordCycle(report, cycleErr)
	return report, cycleErr
}

func (s *Scheduler) process(ctx context.Context, entry *queue.Entry) (EntryResult, error) {
	result := EntryResult{RunID: entry.ID}
	if entry.LiveAction != nil {
		result.ActionRef = entry.LiveAction.ActionRef
	}
	logger := admission.WithFields(s.logger, map[string]any{"run_id": entry.ID})

	run, err := s.store.Get(ctx, entry.ID)
	if err != nil {
		if admission.IsNotFound(err) {
			logger.Warn("dropping queue entry for unknown run")
			result.Outcome = OutcomeDropped
			return result, nil
		}
		return s.putBack(ctx, entry, result, OutcomeRequeued, err)
	}
	result.ActionRef = run.ActionRef
	result.Status = run.Status
	chain := s.set.Chain(run.ActionRef)

	if run.Status == admission.StatusDelayed {
		if !chain.Readmittable(ctx, run) {
			return s.putBack(ctx, entry, result, OutcomeDelayed, nil)
		}
		run, err = store.UpdateStatusWithRetry(ctx, s.store, run.ID, admission.StatusRequested, true, isStatus(admission.StatusDelayed))
		if err != nil {
			return s.putBack(ctx, entry, result, OutcomeRequeued, err)
		}
		logger.Debug("delayed run readmitted")
	}

	if run.Status == admission.StatusRequested {
		_, failures := chain.Before(ctx, run)
		// policies write through the store; the record is the authority
		run, err = s.store.Get(ctx, run.ID)
		if err != nil {
			return s.putBack(ctx, entry, result, OutcomeRequeued, err)
		}
		if run.Status == admission.StatusRequested {
			if failures > 0 {
				logger.Warn("%d policies failed, run stays requested", failures)
				return s.putBack(ctx, entry, result, OutcomeRequeued, nil)
			}
			run, err = store.UpdateStatusWithRetry(ctx, s.store, run.ID, admission.StatusScheduled, false, isStatus(admission.StatusRequested))
			if err != nil {
				return s.putBack(ctx, entry, result, OutcomeRequeued, err)
			}
		}
	}
	result.Status = run.Status

	switch {
	case run.Status == admission.StatusScheduled:
		if _, claimed := dispatch.MarkerOf(run); claimed {
			result.Outcome = OutcomeDropped
			return result, nil
		}
		return s.dispatch(ctx, entry, run, result)
	case run.Status == admission.StatusDelayed:
		return s.putBack(ctx, entry, result, OutcomeDelayed, nil)
	case run.Status.IsCancelState():
		result.Outcome = OutcomeCanceled
		return result, nil
	default:
		logger.Debug("dropping queue entry, run is %s", run.Status)
		result.Outcome = OutcomeDropped
		return result, nil
	}
}

// dispatch claims run with a revision-checked write and submits it. A lost
// claim means another loop owns the run.
func (s *Scheduler) dispatch(ctx context.Context, entry *queue.Entry, run *admission.Run, result EntryResult) (EntryResult, error) {
	affinity := entry.Affinity
	if affinity == "" {
		_, affinity = placementOf(run)
	}
	marker := dispatch.Marker{DispatchedBy: s.workerID, DispatchedAt: s.now(), Affinity: affinity}

	var claimed bool
	run, err := store.Mutate(ctx, s.store, run.ID, true, func(r *admission.Run) (bool, error) {
		claimed = false
		if r.Status != admission.StatusScheduled {
			return false, nil
		}
		if _, taken := dispatch.MarkerOf(r); taken {
			return false, nil
		}
		dispatch.SetMarker(r, marker)
		claimed = true
		return true, nil
	})
	if err != nil {
		return s.putBack(ctx, entry, result, OutcomeRequeued, err)
	}
	result.Status = run.Status
	if !claimed {
		result.Outcome = OutcomeClaimLost
		return result, nil
	}

	if err := s.transport.Submit(ctx, run); err != nil {
		s.releaseClaim(ctx, run.ID)
		return s.putBack(ctx, entry, result, OutcomeSubmitFailed, err)
	}
	s.logger.Info("run %s for %s dispatched", run.ID, run.ActionRef)
	result.Outcome = OutcomeDispatched
	return result, nil
}

// releaseClaim drops our own claim so that the run can be dispatched again.
func (s *Scheduler) releaseClaim(ctx context.Context, runID string) {
	_, err := store.Mutate(ctx, s.store, runID, false, func(r *admission.Run) (bool, error) {
		marker, ok := dispatch.MarkerOf(r)
		if !ok || marker.DispatchedBy != s.workerID || r.Status != admission.StatusScheduled {
			return false, nil
		}
		delete(r.Context, admission.DispatchContextKey)
		return true, nil
	})
	if err != nil {
		s.logger.Error("release dispatch claim of run %s failed: %v", runID, err)
	}
}

// putBack re-enqueues entry after the re-delay backoff, keeping its priority
// and affinity.
func (s *Scheduler) putBack(ctx context.Context, entry *queue.Entry, result EntryResult, outcome Outcome, cause error) (EntryResult, error) {
	result.Outcome = outcome
	run := entry.LiveAction
	if run == nil {
		run = &admission.Run{ID: entry.ID}
	}
	if _, err := s.queue.Enqueue(ctx, run, s.redelay, entry.Priority, entry.Affinity); err != nil {
		s.logger.Error("re-enqueue of run %s failed: %v", entry.ID, err)
		if cause == nil {
			return result, err
		}
	}
	return result, cause
}

func isStatus(status admission.Status) func(*admission.Run) bool {
	return func(run *admission.Run) bool { return run.Status == status }
}
