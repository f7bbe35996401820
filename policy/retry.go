package policy

import (
	"context"
	"time"

	admission "github.com/goliatone/go-admission"
)

const retryStateKey = "retry"

// contextKeysDropped are run context keys that describe one attempt and are
// not carried into a retry.
var contextKeysDropped = []string{admission.DispatchContextKey}

type retryPolicy struct {
	base
	params RetryParams
}

func newRetry(p Policy, deps Deps) (Applicator, error) {
	params, ok := p.Params.(RetryParams)
	if !ok {
		return nil, paramsMismatch(p)
	}
	return &retryPolicy{base: base{policy: p, deps: deps}, params: params}, nil
}

// RetryCount reads context.policies.retry.retry_count, defaulting to 0.
func RetryCount(run *admission.Run) int {
	state := run.PolicyState(retryStateKey)
	if state == nil {
		return 0
	}
	n, _ := admission.IntValue(state["retry_count"])
	return n
}

func (p *retryPolicy) matches(status admission.Status) bool {
	switch status {
	case admission.StatusFailed:
		return p.params.RetryOn == RetryOnFailure
	case admission.StatusTimedOut:
		return p.params.RetryOn == RetryOnTimeout
	}
	return false
}

// ApplyAfter submits a new run cloned from a failed or timed out one. The
// delay rides on the queue entry of the new run.
func (p *retryPolicy) ApplyAfter(ctx context.Context, run *admission.Run) (*admission.Run, error) {
	if run == nil || (run.Status != admission.StatusFailed && run.Status != admission.StatusTimedOut) {
		return run, nil
	}
	logger := p.logger(run)

	count := RetryCount(run)
	if count+1 > p.params.MaxRetryCount {
		logger.Debug("run %s reached max retries (%d), not retrying", run.ID, p.params.MaxRetryCount)
		return run, nil
	}
	if !p.matches(run.Status) {
		return run, nil
	}
	if p.deps.Requester == nil {
		return run, admission.NewError(admission.ErrInvalidPolicy, "retry policy has no requester", nil, map[string]any{
			"policy": p.policy.Name,
		})
	}

	retried := &admission.Run{
		ActionRef:  run.ActionRef,
		Parameters: admission.CloneMap(run.Parameters),
		Context:    admission.CloneMap(run.Context),
	}
	for _, key := range contextKeysDropped {
		delete(retried.Context, key)
	}
	retried.SetPolicyState(retryStateKey, map[string]any{
		"applied_policy": p.policy.Name,
		"retry_count":    count + 1,
		"retried_run_id": run.ID,
	})

	delay := time.Duration(p.params.Delay) * time.Second
	created, err := p.deps.Requester.Submit(ctx, retried, delay)
	if err != nil {
		return run, err
	}
	logger.Info("run %s %s, retry %d of %d submitted as run %s (delay %s)",
		run.ID, run.Status, count+1, p.params.MaxRetryCount, created.ID, delay)
	return run, nil
}
