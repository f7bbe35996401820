package scheduler

import (
	"context"
	"time"

	apperrors "github.com/goliatone/go-errors"

	admission "github.com/goliatone/go-admission"
	"github.com/goliatone/go-admission/cron"
	"github.com/goliatone/go-admission/dispatch"
	"github.com/goliatone/go-admission/store"
)

// RecoveryReport summarizes one recovery sweep. Promoted lists delayed runs
// moved back to requested, Requeued lists runs that had lost their queue
// entry.
type RecoveryReport struct {
	Cutoff   time.Time `json:"cutoff"`
	Scanned  int       `json:"scanned"`
	Promoted []string  `json:"promoted"`
	Requeued []string  `json:"requeued"`
	Failed   int       `json:"failed"`
}

// Recover runs both sweeps with a single cutoff.
func (s *Scheduler) Recover(ctx context.Context) (RecoveryReport, error) {
	cutoff := s.now().Add(-s.recoveryWindow)
	errs := apperrors.NewCollector(apperrors.WithMaxErrors(2))

	report, err := s.recoverDelayed(ctx, cutoff)
	if err != nil {
		errs.Add(err)
	}
	orphans, err := s.recoverOrphans(ctx, cutoff)
	if err != nil {
		errs.Add(err)
	}
	report.Scanned += orphans.Scanned
	report.Requeued = orphans.Requeued
	report.Failed += orphans.Failed
	s.metrics.RecordRecovery(len(report.Promoted) + len(report.Requeued))
	return report, collected(errs)
}

// RecoverDelayedExecutions puts runs that have been delayed for longer than
// the recovery window back on the queue as requested. Runs inside the window
// are left alone, and a run already promoted is not promoted twice.
func (s *Scheduler) RecoverDelayedExecutions(ctx context.Context) (RecoveryReport, error) {
	report, err := s.recoverDelayed(ctx, s.now().Add(-s.recoveryWindow))
	s.metrics.RecordRecovery(len(report.Promoted))
	return report, err
}

// RecoverOrphanedRuns re-enqueues requested runs, and scheduled runs nobody
// has claimed, that have not changed within the recovery window and have no
// pending queue entry. That is the state a worker leaves behind when it dies
// between popping an entry and acting on it.
func (s *Scheduler) RecoverOrphanedRuns(ctx context.Context) (RecoveryReport, error) {
	report, err := s.recoverOrphans(ctx, s.now().Add(-s.recoveryWindow))
	s.metrics.RecordRecovery(len(report.Requeued))
	return report, err
}

func (s *Scheduler) recoverDelayed(ctx context.Context, cutoff time.Time) (RecoveryReport, error) {
	report := RecoveryReport{Cutoff: cutoff}

	stuck, err := s.store.Query(ctx, admission.Filter{
		Statuses:      []admission.Status{admission.StatusDelayed},
		StartedBefore: &cutoff,
	}, admission.OrderStartAsc, 0)
	if err != nil {
		return report, err
	}
	report.Scanned = len(stuck)

	errs := apperrors.NewCollector(apperrors.WithMaxErrors(len(stuck) + 1))
	for _, candidate := range stuck {
		var promoted bool
		run, err := store.UpdateStatusWithRetry(ctx, s.store, candidate.ID, admission.StatusRequested, true, func(r *admission.Run) bool {
			promoted = r.Status == admission.StatusDelayed && r.StartTimestamp.Before(cutoff)
			return promoted
		})
		if err != nil {
			report.Failed++
			errs.Add(err)
			continue
		}
		if !promoted {
			continue
		}
		if err := s.Requeue(ctx, run); err != nil {
			report.Failed++
			errs.Add(err)
			continue
		}
		report.Promoted = append(report.Promoted, run.ID)
		s.logger.Info("recovered delayed run %s for %s", run.ID, run.ActionRef)
	}
	return report, collected(errs)
}

func (s *Scheduler) recoverOrphans(ctx context.Context, cutoff time.Time) (RecoveryReport, error) {
	report := RecoveryReport{Cutoff: cutoff}

	candidates, err := s.store.Query(ctx, admission.Filter{
		Statuses: []admission.Status{admission.StatusRequested, admission.StatusScheduled},
	}, admission.OrderStartAsc, 0)
	if err != nil {
		return report, err
	}

	errs := apperrors.NewCollector(apperrors.WithMaxErrors(len(candidates) + 1))
	for _, run := range candidates {
		if !run.UpdatedAt.Before(cutoff) {
			continue
		}
		if _, claimed := dispatch.MarkerOf(run); claimed {
			continue
		}
		report.Scanned++
		pending, err := s.queue.Contains(ctx, run.ID)
		if err != nil {
			report.Failed++
			errs.Add(err)
			continue
		}
		if pending {
			continue
		}
		if err := s.Requeue(ctx, run); err != nil {
			report.Failed++
			errs.Add(err)
			continue
		}
		report.Requeued = append(report.Requeued, run.ID)
		s.logger.Warn("run %s for %s was %s without a queue entry, requeued", run.ID, run.ActionRef, run.Status)
	}
	return report, collected(errs)
}

func collected(errs *apperrors.ErrorCollector) error {
	if !errs.HasErrors() {
		return nil
	}
	if list := errs.Errors(); len(list) == 1 {
		return list[0]
	}
	return errs.Merge()
}

// ScheduleRecovery registers the recovery sweep on c. An empty expression
// means DefaultRecoverySchedule.
func (s *Scheduler) ScheduleRecovery(c *cron.Scheduler, expression string) (cron.Handle, error) {
	if expression == "" {
		expression = DefaultRecoverySchedule
	}
	return c.ScheduleCron(cron.JobConfig{
		Name:       "recover-delayed-executions",
		Expression: expression,
		Timeout:    s.recoveryWindow,
	}, func(ctx context.Context) error {
		_, err := s.Recover(ctx)
		return err
	})
}
