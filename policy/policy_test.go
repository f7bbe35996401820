package policy

import (
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	apperrors "github.com/goliatone/go-errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	admission "github.com/goliatone/go-admission"
	"github.com/goliatone/go-admission/lock"
	"github.com/goliatone/go-admission/store"
)

type fakeRequester struct {
	mu        sync.Mutex
	store     store.RunStore
	submitted []*admission.Run
	delays    []time.Duration
	requeued  []string
}

func (f *fakeRequester) Submit(ctx context.Context, run *admission.Run, delay time.Duration) (*admission.Run, error) {
	created, err := f.store.Create(ctx, run)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitted = append(f.submitted, created)
	f.delays = append(f.delays, delay)
	return created, nil
}

func (f *fakeRequester) Requeue(_ context.Context, run *admission.Run) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requeued = append(f.requeued, run.ID)
	return nil
}

func newTestDeps() (Deps, *store.MemoryStore, *fakeRequester) {
	s := store.NewMemoryStore()
	req := &fakeRequester{store: s}
	return Deps{
		Store:     s,
		Locks:     lock.NewLocalService(),
		Requester: req,
		Logger:    admission.NewFmtLogger(io.Discard),
	}, s, req
}

func createRun(t *testing.T, s store.RunStore, actionRef string, params map[string]any, start time.Time) *admission.Run {
	t.Helper()
	run, err := s.Create(context.Background(), &admission.Run{
		ActionRef:      actionRef,
		Parameters:     params,
		StartTimestamp: start,
	})
	require.NoError(t, err)
	return run
}

func setStatus(t *testing.T, s store.RunStore, id string, status admission.Status) *admission.Run {
	t.Helper()
	current, err := s.Get(context.Background(), id)
	require.NoError(t, err)
	updated, err := s.UpdateStatus(context.Background(), id, status, current.Revision, false)
	require.NoError(t, err)
	return updated
}

func build(t *testing.T, def Definition, deps Deps) Applicator {
	t.Helper()
	reg := DefaultRegistry()
	p, err := reg.Resolve(def)
	require.NoError(t, err)
	app, err := reg.Build(p, deps)
	require.NoError(t, err)
	return app
}

func TestResolveAppliesDefaults(t *testing.T) {
	reg := DefaultRegistry()

	p, err := reg.Resolve(Definition{
		ResourceRef: "core.http",
		PolicyType:  "action.retry",
	})
	require.NoError(t, err)
	assert.Equal(t, "core.http.action.retry", p.Name)
	assert.True(t, p.Enabled)
	assert.Equal(t, RetryParams{RetryOn: RetryOnFailure, MaxRetryCount: 2, Delay: 0}, p.Params)

	p, err = reg.Resolve(Definition{
		Name:        "limit",
		ResourceRef: "core.http",
		PolicyType:  "action.concurrency",
		Parameters:  map[string]any{"threshold": float64(3)},
	})
	require.NoError(t, err)
	assert.Equal(t, ConcurrencyParams{Threshold: 3, Action: OverflowDelay}, p.Params)
}

func TestResolveSortsAttributes(t *testing.T) {
	p, err := DefaultRegistry().Resolve(Definition{
		ResourceRef: "wolfpack.action-1",
		PolicyType:  "action.concurrency.attr",
		Parameters: map[string]any{
			"threshold":  1,
			"attributes": []any{"zone", "actionstr"},
			"action":     "cancel",
		},
	})
	require.NoError(t, err)
	assert.Equal(t, ConcurrencyByAttrParams{
		Threshold:  1,
		Attributes: []string{"actionstr", "zone"},
		Action:     OverflowCancel,
	}, p.Params)
}

func TestResolveRejectsUnknownType(t *testing.T) {
	_, err := DefaultRegistry().Resolve(Definition{
		ResourceRef: "core.local",
		PolicyType:  "action.throttle",
	})
	require.Error(t, err)
	assert.True(t, admission.HasCode(err, admission.ErrCodeUnknownPolicyType))
}

func TestResolveRejectsInvalidParameters(t *testing.T) {
	cases := map[string]Definition{
		"missing threshold": {ResourceRef: "a", PolicyType: "action.concurrency"},
		"negative threshold": {ResourceRef: "a", PolicyType: "action.concurrency",
			Parameters: map[string]any{"threshold": -1}},
		"bad enum": {ResourceRef: "a", PolicyType: "action.retry",
			Parameters: map[string]any{"retry_on": "success"}},
		"unknown parameter": {ResourceRef: "a", PolicyType: "action.retry",
			Parameters: map[string]any{"backoff": 2}},
		"wrong type": {ResourceRef: "a", PolicyType: "action.retry",
			Parameters: map[string]any{"delay": "soon"}},
		"empty attributes": {ResourceRef: "a", PolicyType: "action.concurrency.attr",
			Parameters: map[string]any{"threshold": 1, "attributes": []any{}}},
		"missing resource": {PolicyType: "action.retry"},
	}
	for name, def := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := DefaultRegistry().Resolve(def)
			require.Error(t, err)
			assert.True(t, admission.HasCode(err, admission.ErrCodeInvalidPolicy), err.Error())
		})
	}
}

func TestResolveReportsFieldErrors(t *testing.T) {
	_, err := DefaultRegistry().Resolve(Definition{
		ResourceRef: "a",
		PolicyType:  "action.retry",
		Parameters:  map[string]any{"retry_on": "never", "max_retry_count": -2},
	})
	require.Error(t, err)

	fields, ok := apperrors.GetValidationErrors(err)
	require.True(t, ok)
	names := make([]string, 0, len(fields))
	for _, f := range fields {
		names = append(names, f.Field)
	}
	assert.ElementsMatch(t, []string{"retry_on", "max_retry_count"}, names)
}

func TestResolveAllCollectsEveryFailure(t *testing.T) {
	_, err := DefaultRegistry().ResolveAll([]Definition{
		{ResourceRef: "a", PolicyType: "action.nope"},
		{ResourceRef: "b", PolicyType: "action.retry"},
		{ResourceRef: "c", PolicyType: "action.concurrency"},
	})
	require.Error(t, err)
	assert.True(t, admission.HasCode(err, admission.ErrCodeInvalidPolicy))
	assert.Contains(t, err.Error(), "2 policy definitions are invalid")
}

func TestRegistryRejectsDuplicateType(t *testing.T) {
	reg := DefaultRegistry()
	desc, ok := reg.Lookup(TypeRetry)
	require.True(t, ok)
	assert.Error(t, reg.Register(desc))
	assert.Error(t, reg.Register(TypeDescriptor{Name: "x"}))
	assert.Equal(t, []Type{TypeConcurrency, TypeConcurrencyByAttr, TypeRetry}, reg.Types())
}

const policyDoc = `
policies:
  - name: wolfpack.limit
    resource_ref: wolfpack.action-1
    policy_type: action.concurrency
    parameters:
      threshold: 2
  - resource_ref: wolfpack.action-1
    policy_type: action.retry
    parameters:
      retry_on: timeout
      max_retry_count: 1
      delay: 5
  - resource_ref: wolfpack.action-2
    policy_type: action.concurrency.attr
    enabled: false
    parameters:
      threshold: 1
      attributes: [actionstr]
`

func TestLoad(t *testing.T) {
	policies, err := Load(strings.NewReader(policyDoc), nil)
	require.NoError(t, err)
	require.Len(t, policies, 3)

	assert.Equal(t, "wolfpack.limit", policies[0].Name)
	assert.Equal(t, ConcurrencyParams{Threshold: 2, Action: OverflowDelay}, policies[0].Params)
	assert.Equal(t, RetryParams{RetryOn: RetryOnTimeout, MaxRetryCount: 1, Delay: 5}, policies[1].Params)
	assert.False(t, policies[2].Enabled)
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	_, err := Load(strings.NewReader("policies:\n  - resource_ref: a\n    policy_type: action.retry\n    params: {}\n"), nil)
	require.Error(t, err)
	assert.True(t, admission.HasCode(err, admission.ErrCodeInvalidConfig))
}

func TestLoadEmptyDocument(t *testing.T) {
	policies, err := Load(strings.NewReader(""), nil)
	require.NoError(t, err)
	assert.Empty(t, policies)
}

func TestLoadFileMissing(t *testing.T) {
	_, err := LoadFile(t.TempDir()+"/missing.yaml", nil)
	require.Error(t, err)
	assert.True(t, admission.HasCode(err, admission.ErrCodeInvalidConfig))
}

func TestBuildSetGroupsByResourceAndSkipsDisabled(t *testing.T) {
	deps, _, _ := newTestDeps()
	reg := DefaultRegistry()
	policies, err := Load(strings.NewReader(policyDoc), reg)
	require.NoError(t, err)

	set, err := reg.BuildSet(policies, deps, nil)
	require.NoError(t, err)

	chain := set.Chain("wolfpack.action-1")
	require.NotNil(t, chain)
	assert.Equal(t, 2, chain.Len())
	assert.Nil(t, set.Chain("wolfpack.action-2"))
	assert.Len(t, set.Policies(), 2)
}

func TestBuildRequiresStore(t *testing.T) {
	reg := DefaultRegistry()
	p, err := reg.Resolve(Definition{ResourceRef: "a", PolicyType: "action.retry"})
	require.NoError(t, err)
	_, err = reg.Build(p, Deps{})
	assert.Error(t, err)
}
