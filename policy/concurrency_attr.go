package policy

import (
	"context"
	"strings"

	admission "github.com/goliatone/go-admission"
	"github.com/goliatone/go-admission/lock"
	"github.com/goliatone/go-admission/store"
)

// concurrencyByAttr caps active runs per partition, a partition being the
// action plus the values of the configured attributes.
type concurrencyByAttr struct {
	base
	params ConcurrencyByAttrParams
}

func newConcurrencyByAttr(p Policy, deps Deps) (Applicator, error) {
	params, ok := p.Params.(ConcurrencyByAttrParams)
	if !ok {
		return nil, paramsMismatch(p)
	}
	return &concurrencyByAttr{base: base{policy: p, deps: deps}, params: params}, nil
}

// partition returns the subset of run parameters named by the policy
// attributes. Missing attributes partition as nil.
func (c *concurrencyByAttr) partition(run *admission.Run) map[string]any {
	out := make(map[string]any, len(c.params.Attributes))
	for _, attr := range c.params.Attributes {
		out[attr] = run.Parameters[attr]
	}
	return out
}

func (c *concurrencyByAttr) filter(run *admission.Run, statuses []admission.Status) admission.Filter {
	return admission.Filter{
		ActionRef:  run.ActionRef,
		Statuses:   statuses,
		Parameters: c.partition(run),
	}
}

// LockName is the partition key: policy type, action and sorted
// attribute=value pairs.
func (c *concurrencyByAttr) LockName(run *admission.Run) string {
	part := c.partition(run)
	pairs := make([]string, 0, len(part))
	for _, key := range admission.SortedKeys(part) {
		pairs = append(pairs, key+"="+admission.CanonicalParam(part[key]))
	}
	return string(c.policy.Type) + ":" + run.ActionRef + ":" + strings.Join(pairs, ",")
}

func (c *concurrencyByAttr) ApplyBefore(ctx context.Context, run *admission.Run) (*admission.Run, error) {
	if run == nil {
		return nil, nil
	}
	return c.admit(ctx, run, c.LockName(run), c.filter(run, admission.ActiveStatuses), c.params.Threshold, c.params.Action)
}

// ApplyAfter releases the oldest delayed run of the partition once run has
// completed.
func (c *concurrencyByAttr) ApplyAfter(ctx context.Context, run *admission.Run) (*admission.Run, error) {
	if run == nil || !run.Status.IsCompleted() {
		return run, nil
	}
	logger := c.logger(run)
	err := lock.With(ctx, c.deps.Locks, c.LockName(run), func(ctx context.Context) error {
		waiting, err := c.deps.Store.Query(ctx, c.filter(run, []admission.Status{admission.StatusDelayed}), admission.OrderStartAsc, 1)
		if err != nil {
			return err
		}
		if len(waiting) == 0 {
			return nil
		}
		next, err := store.UpdateStatusWithRetry(ctx, c.deps.Store, waiting[0].ID, admission.StatusRequested, true, func(r *admission.Run) bool {
			return r.Status == admission.StatusDelayed
		})
		if err != nil {
			return err
		}
		if next.Status != admission.StatusRequested {
			return nil
		}
		logger.Debug("run %s completed, released delayed run %s", run.ID, next.ID)
		if c.deps.Requester == nil {
			return nil
		}
		return c.deps.Requester.Requeue(ctx, next)
	})
	return run, err
}

// HasCapacity readmits only the oldest delayed run of the partition, and only
// while the slots are not already taken by active runs or by a waiter that a
// completion released to requested.
func (c *concurrencyByAttr) HasCapacity(ctx context.Context, run *admission.Run) (bool, error) {
	if run == nil {
		return false, nil
	}
	oldest, err := c.deps.Store.Query(ctx, c.filter(run, []admission.Status{admission.StatusDelayed}), admission.OrderStartAsc, 1)
	if err != nil {
		return false, err
	}
	if len(oldest) == 0 || oldest[0].ID != run.ID {
		return false, nil
	}
	return c.hasCapacity(ctx, c.filter(run, readmitCountStatuses), c.params.Threshold)
}

// readmitCountStatuses are the statuses holding or about to hold a partition
// slot.
var readmitCountStatuses = []admission.Status{
	admission.StatusRequested,
	admission.StatusScheduled,
	admission.StatusRunning,
}
