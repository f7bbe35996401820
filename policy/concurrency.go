package policy

import (
	"context"
	"fmt"

	admission "github.com/goliatone/go-admission"
	"github.com/goliatone/go-admission/lock"
	"github.com/goliatone/go-admission/store"
)

// concurrency caps scheduled and running runs of one action.
type concurrency struct {
	base
	params ConcurrencyParams
}

func newConcurrency(p Policy, deps Deps) (Applicator, error) {
	params, ok := p.Params.(ConcurrencyParams)
	if !ok {
		return nil, paramsMismatch(p)
	}
	return &concurrency{base: base{policy: p, deps: deps}, params: params}, nil
}

func (c *concurrency) lockName(run *admission.Run) string {
	return string(c.policy.Type) + ":" + run.ActionRef
}

func (c *concurrency) filter(run *admission.Run) admission.Filter {
	return admission.Filter{ActionRef: run.ActionRef, Statuses: admission.ActiveStatuses}
}

func (c *concurrency) ApplyBefore(ctx context.Context, run *admission.Run) (*admission.Run, error) {
	return c.admit(ctx, run, c.lockName(run), c.filter(run), c.params.Threshold, c.params.Action)
}

func (c *concurrency) HasCapacity(ctx context.Context, run *admission.Run) (bool, error) {
	return c.hasCapacity(ctx, c.filter(run), c.params.Threshold)
}

// admit is the read-count-then-write-status step shared by the ceiling
// policies. The whole step runs under lockName.
func (b base) admit(ctx context.Context, run *admission.Run, lockName string, filter admission.Filter, threshold int, overflow OverflowAction) (*admission.Run, error) {
	if run == nil || run.Status != admission.StatusRequested {
		return run, nil
	}
	logger := b.logger(run)
	if threshold == 0 {
		logger.Info("threshold is 0, rejecting run %s", run.ID)
		return b.reject(ctx, run, "concurrency threshold is 0")
	}

	var result *admission.Run
	err := lock.With(ctx, b.deps.Locks, lockName, func(ctx context.Context) error {
		count, err := b.deps.Store.Count(ctx, filter)
		if err != nil {
			return err
		}

		if count >= threshold && overflow == OverflowCancel {
			logger.Info("%d of %d slots in use, canceling run %s", count, threshold, run.ID)
			result, err = b.reject(ctx, run, fmt.Sprintf("concurrency threshold %d reached", threshold))
			return err
		}

		target := admission.StatusScheduled
		if count >= threshold {
			target = admission.StatusDelayed
		}
		logger.Debug("%d of %d slots in use, run %s is %s", count, threshold, run.ID, target)

		result, err = store.UpdateStatusWithRetry(ctx, b.deps.Store, run.ID, target, false, stillRequested)
		return err
	})
	if err != nil {
		return run, err
	}
	return result, nil
}

// reject cancels a requested run outright. Cancellation is published.
func (b base) reject(ctx context.Context, run *admission.Run, reason string) (*admission.Run, error) {
	return store.Mutate(ctx, b.deps.Store, run.ID, true, func(next *admission.Run) (bool, error) {
		if !stillRequested(next) {
			return false, nil
		}
		end := b.deps.Now().UTC()
		next.Status = admission.StatusCanceled
		next.EndTimestamp = &end
		if next.Result == nil {
			next.Result = map[string]any{}
		}
		next.Result["reason"] = reason
		next.Result["policy"] = b.policy.Name
		return true, nil
	})
}

func (b base) hasCapacity(ctx context.Context, filter admission.Filter, threshold int) (bool, error) {
	count, err := b.deps.Store.Count(ctx, filter)
	if err != nil {
		return false, err
	}
	return count < threshold, nil
}

func stillRequested(run *admission.Run) bool {
	return run.Status == admission.StatusRequested
}

func paramsMismatch(p Policy) error {
	return admission.NewError(admission.ErrInvalidPolicy,
		fmt.Sprintf("policy %s has parameters of type %T", p.Name, p.Params), nil, map[string]any{
			"policy_type": string(p.Type),
		})
}
