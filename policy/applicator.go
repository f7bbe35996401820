package policy

import (
	"context"
	"time"

	admission "github.com/goliatone/go-admission"
	"github.com/goliatone/go-admission/lock"
	"github.com/goliatone/go-admission/store"
)

// Applicator is one policy bound to an action. ApplyBefore decides admission
// for a requested run; ApplyAfter reacts to a completed run. Both return the
// run as it should be seen by the next applicator in the chain.
type Applicator interface {
	Name() string
	Type() Type
	ApplyBefore(ctx context.Context, run *admission.Run) (*admission.Run, error)
	ApplyAfter(ctx context.Context, run *admission.Run) (*admission.Run, error)
}

// Readmitter is implemented by applicators that gate delayed runs. The
// scheduler promotes a delayed run back to requested only when every
// readmitter in its chain reports capacity.
type Readmitter interface {
	HasCapacity(ctx context.Context, run *admission.Run) (bool, error)
}

// Requester puts runs on the Execution Queue on behalf of a policy.
type Requester interface {
	// Submit creates run as requested and enqueues it after delay.
	Submit(ctx context.Context, run *admission.Run, delay time.Duration) (*admission.Run, error)
	// Requeue enqueues an existing run for immediate evaluation.
	Requeue(ctx context.Context, run *admission.Run) error
}

// Deps are the collaborators handed to every applicator builder.
type Deps struct {
	Store     store.RunStore
	Locks     lock.Service
	Requester Requester
	Logger    admission.Logger
	Now       func() time.Time
}

func (d Deps) normalized() Deps {
	d.Logger = admission.NormalizeLogger(d.Logger)
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Locks == nil {
		d.Locks = lock.New(nil, lock.WithLogger(d.Logger))
	}
	return d
}

// Build constructs the applicator for p.
func (r *Registry) Build(p Policy, deps Deps) (Applicator, error) {
	desc, ok := r.Lookup(p.Type)
	if !ok {
		return nil, admission.NewError(admission.ErrUnknownPolicyType, "unknown policy type "+string(p.Type), nil, map[string]any{
			"policy": p.Name,
		})
	}
	if deps.Store == nil {
		return nil, admission.NewError(admission.ErrInvalidPolicy, "policy "+p.Name+" requires a run store", nil, nil)
	}
	return desc.Build(p, deps.normalized())
}

// base carries what every built-in applicator shares.
type base struct {
	policy Policy
	deps   Deps
}

func (b base) Name() string { return b.policy.Name }
func (b base) Type() Type   { return b.policy.Type }

func (b base) logger(run *admission.Run) admission.Logger {
	return admission.WithFields(admission.RunLogger(b.deps.Logger, run), map[string]any{
		"policy":      b.policy.Name,
		"policy_type": string(b.policy.Type),
	})
}

func (b base) ApplyBefore(_ context.Context, run *admission.Run) (*admission.Run, error) {
	return run, nil
}

func (b base) ApplyAfter(_ context.Context, run *admission.Run) (*admission.Run, error) {
	return run, nil
}
