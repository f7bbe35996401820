package policy

import (
	"context"

	admission "github.com/goliatone/go-admission"
)

// Hook names the chain stage an applicator failed in.
type Hook string

const (
	HookBefore Hook = "before"
	HookAfter  Hook = "after"
)

// FailureFunc observes an isolated policy failure.
type FailureFunc func(policy string, hook Hook, err error)

// Chain runs the applicators attached to one action in configuration order.
// A failing or panicking applicator is logged and skipped: the run keeps the
// value it had before that applicator and the rest of the chain still runs.
type Chain struct {
	actionRef   string
	applicators []Applicator
	logger      admission.Logger
	onFailure   FailureFunc
}

func NewChain(actionRef string, logger admission.Logger, onFailure FailureFunc, applicators ...Applicator) *Chain {
	return &Chain{
		actionRef:   actionRef,
		applicators: applicators,
		logger:      admission.NormalizeLogger(logger),
		onFailure:   onFailure,
	}
}

func (c *Chain) ActionRef() string { return c.actionRef }

func (c *Chain) Len() int {
	if c == nil {
		return 0
	}
	return len(c.applicators)
}

// Before runs every ApplyBefore. The returned count is the number of
// applicators that failed.
func (c *Chain) Before(ctx context.Context, run *admission.Run) (*admission.Run, int) {
	return c.apply(ctx, HookBefore, run)
}

// After runs every ApplyAfter. The returned count is the number of
// applicators that failed.
func (c *Chain) After(ctx context.Context, run *admission.Run) (*admission.Run, int) {
	return c.apply(ctx, HookAfter, run)
}

func (c *Chain) apply(ctx context.Context, hook Hook, run *admission.Run) (*admission.Run, int) {
	if c == nil {
		return run, 0
	}
	failures := 0
	current := run
	for _, app := range c.applicators {
		next, err := c.invoke(ctx, hook, app, current)
		if err != nil {
			failures++
			c.fail(app, hook, current, err)
			continue
		}
		if next != nil {
			current = next
		}
	}
	return current, failures
}

func (c *Chain) invoke(ctx context.Context, hook Hook, app Applicator, run *admission.Run) (next *admission.Run, err error) {
	defer admission.CapturePanic(app.Name()+"."+string(hook), &err)
	// applicators get their own copy so a failure cannot leak partial edits
	in := run.Clone()
	if hook == HookBefore {
		return app.ApplyBefore(ctx, in)
	}
	return app.ApplyAfter(ctx, in)
}

func (c *Chain) fail(app Applicator, hook Hook, run *admission.Run, err error) {
	logger := admission.WithFields(c.logger, map[string]any{
		"policy":      app.Name(),
		"policy_type": string(app.Type()),
		"hook":        string(hook),
		"run_id":      run.ID,
	})
	if pe, ok := err.(*admission.PanicError); ok {
		logger.Error("policy %s panicked in apply %s: %v\n%s", app.Name(), hook, pe.Value, pe.Stack)
	} else {
		logger.Error("policy %s failed in apply %s: %v", app.Name(), hook, err)
	}
	if c.onFailure != nil {
		c.onFailure(app.Name(), hook, err)
	}
}

// Readmittable reports whether every Readmitter in the chain has capacity for
// run. Errors count as no capacity.
func (c *Chain) Readmittable(ctx context.Context, run *admission.Run) bool {
	if c == nil {
		return true
	}
	for _, app := range c.applicators {
		gate, ok := app.(Readmitter)
		if !ok {
			continue
		}
		ok, err := c.hasCapacity(ctx, gate, run)
		if err != nil {
			c.logger.Warn("policy %s capacity check for run %s failed: %v", app.Name(), run.ID, err)
			return false
		}
		if !ok {
			return false
		}
	}
	return true
}

func (c *Chain) hasCapacity(ctx context.Context, gate Readmitter, run *admission.Run) (ok bool, err error) {
	defer admission.CapturePanic("has capacity", &err)
	return gate.HasCapacity(ctx, run)
}

// Set maps action refs to their chains. It is immutable once built.
type Set struct {
	chains   map[string]*Chain
	policies []Policy
}

// BuildSet turns every enabled policy into an applicator and groups them per
// resource in configuration order.
func (r *Registry) BuildSet(policies []Policy, deps Deps, onFailure FailureFunc) (*Set, error) {
	deps = deps.normalized()
	grouped := make(map[string][]Applicator)
	order := make([]string, 0)
	kept := make([]Policy, 0, len(policies))
	for _, p := range policies {
		if !p.Enabled {
			deps.Logger.Debug("policy %s is disabled, skipping", p.Name)
			continue
		}
		app, err := r.Build(p, deps)
		if err != nil {
			return nil, err
		}
		if _, seen := grouped[p.ResourceRef]; !seen {
			order = append(order, p.ResourceRef)
		}
		grouped[p.ResourceRef] = append(grouped[p.ResourceRef], app)
		kept = append(kept, p)
	}

	set := &Set{chains: make(map[string]*Chain, len(grouped)), policies: kept}
	for _, ref := range order {
		set.chains[ref] = NewChain(ref, deps.Logger, onFailure, grouped[ref]...)
	}
	return set, nil
}

// Chain returns the chain for actionRef, or nil when no policy applies.
func (s *Set) Chain(actionRef string) *Chain {
	if s == nil {
		return nil
	}
	return s.chains[actionRef]
}

// Policies lists the enabled policies the set was built from.
func (s *Set) Policies() []Policy {
	if s == nil {
		return nil
	}
	out := make([]Policy, len(s.policies))
	copy(out, s.policies)
	return out
}
