package scheduler

import (
	"context"
	"strings"

	admission "github.com/goliatone/go-admission"
	"github.com/goliatone/go-admission/dispatch"
	"github.com/goliatone/go-admission/store"
)

// HandleCompletion records the final status a runner reported and runs the
// after-hooks of the run's policies. A completion seen again within the
// de-duplication window is ignored, as is one for a run that is already
// completed.
func (s *Scheduler) HandleCompletion(ctx context.Context, c dispatch.Completion) error {
	if strings.TrimSpace(c.RunID) == "" || !c.Status.IsCompleted() {
		return admission.NewError(admission.ErrInvalidRun, "completion needs a run id and a completed status", nil, map[string]any{
			"run_id": c.RunID,
			"status": string(c.Status),
		})
	}

	key := c.RunID + "/" + string(c.Status)
	if err := s.seen.Add(key, struct{}{}, 0); err != nil {
		s.metrics.RecordCompletion(c.Status, true)
		s.logger.Debug("duplicate completion %s ignored", key)
		return nil
	}

	end := c.At
	if end.IsZero() {
		end = s.now()
	}
	end = end.UTC()

	var applied bool
	run, err := store.Mutate(ctx, s.store, c.RunID, true, func(run *admission.Run) (bool, error) {
		applied = false
		if run.Status.IsCompleted() {
			return false, nil
		}
		run.Status = c.Status
		if c.Result != nil {
			run.Result = admission.CloneMap(c.Result)
		}
		run.EndTimestamp = &end
		applied = true
		return true, nil
	})
	if err != nil {
		// let a redelivery try again
		s.seen.Delete(key)
		return err
	}
	s.metrics.RecordCompletion(c.Status, !applied)
	if !applied {
		s.logger.Debug("run %s already %s, completion %s ignored", run.ID, run.Status, c.Status)
		return nil
	}

	s.logger.Info("run %s for %s completed as %s", run.ID, run.ActionRef, run.Status)
	s.set.Chain(run.ActionRef).After(ctx, run)
	return nil
}
