package scheduler

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	admission "github.com/goliatone/go-admission"
	"github.com/goliatone/go-admission/dispatch"
	"github.com/goliatone/go-admission/lock"
	"github.com/goliatone/go-admission/policy"
	"github.com/goliatone/go-admission/queue"
	"github.com/goliatone/go-admission/store"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingMetrics struct {
	noopMetrics
	mu         sync.Mutex
	outcomes   map[Outcome]int
	duplicates int
	failures   []string
	recovered  int
}

func (m *recordingMetrics) RecordOutcome(o Outcome) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.outcomes == nil {
		m.outcomes = map[Outcome]int{}
	}
	m.outcomes[o]++
}

func (m *recordingMetrics) RecordCompletion(_ admission.Status, duplicate bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if duplicate {
		m.duplicates++
	}
}

func (m *recordingMetrics) RecordPolicyFailure(name string, hook policy.Hook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures = append(m.failures, name+":"+string(hook))
}

func (m *recordingMetrics) RecordRecovery(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recovered += n
}

type harness struct {
	t         *testing.T
	clock     *testClock
	runs      *store.MemoryStore
	queue     *queue.MemoryQueue
	transport *dispatch.MemoryTransport
	metrics   *recordingMetrics
	sched     *Scheduler
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		t:         t,
		clock:     newTestClock(),
		transport: dispatch.NewMemoryTransport(),
		metrics:   &recordingMetrics{},
	}
	h.runs = store.NewMemoryStore(store.WithMemoryClock(h.clock.Now))
	h.queue = queue.NewMemoryQueue(queue.WithMemoryClock(h.clock.Now))
	h.sched = h.newScheduler("test-worker", h.queue, opts...)
	return h
}

func (h *harness) newScheduler(workerID string, q queue.Queue, opts ...Option) *Scheduler {
	h.t.Helper()
	base := []Option{
		WithWorkerID(workerID),
		WithClock(h.clock.Now),
		WithLogger(admission.NewFmtLogger(io.Discard)),
		WithLocks(lock.NewLocalService()),
		WithMetrics(h.metrics),
	}
	s, err := New(h.runs, q, h.transport, append(base, opts...)...)
	require.NoError(h.t, err)
	return s
}

func withDefinitions(t *testing.T, defs ...policy.Definition) Option {
	t.Helper()
	policies, err := policy.DefaultRegistry().ResolveAll(defs)
	require.NoError(t, err)
	return WithPolicies(nil, policies...)
}

func (h *harness) request(actionRef string, params map[string]any) *admission.Run {
	h.t.Helper()
	run, err := h.sched.Request(context.Background(), &admission.Run{ActionRef: actionRef, Parameters: params}, RequestOptions{})
	require.NoError(h.t, err)
	// distinct start timestamps keep FIFO release deterministic
	h.clock.Advance(time.Millisecond)
	return run
}

func (h *harness) runOnce() CycleReport {
	h.t.Helper()
	report, err := h.sched.RunOnce(context.Background())
	require.NoError(h.t, err)
	return report
}

func (h *harness) get(id string) *admission.Run {
	h.t.Helper()
	run, err := h.runs.Get(context.Background(), id)
	require.NoError(h.t, err)
	return run
}

func (h *harness) complete(id string, status admission.Status) {
	h.t.Helper()
	require.NoError(h.t, h.sched.HandleCompletion(context.Background(), dispatch.Completion{RunID: id, Status: status}))
}

func (h *harness) queueLen() int {
	h.t.Helper()
	n, err := h.queue.Len(context.Background())
	require.NoError(h.t, err)
	return n
}

func (h *harness) runsFor(actionRef string) []*admission.Run {
	h.t.Helper()
	runs, err := h.runs.Query(context.Background(), admission.Filter{ActionRef: actionRef}, admission.OrderStartAsc, 0)
	require.NoError(h.t, err)
	return runs
}

func outcomes(report CycleReport) []Outcome {
	out := make([]Outcome, 0, len(report.Outcomes))
	for _, r := range report.Outcomes {
		out = append(out, r.Outcome)
	}
	return out
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(nil, queue.NewMemoryQueue(), dispatch.NewMemoryTransport())
	require.Error(t, err)
	assert.True(t, admission.HasCode(err, admission.ErrCodeInvalidConfig))

	_, err = New(store.NewMemoryStore(), queue.NewMemoryQueue(), nil)
	require.Error(t, err)
}

func TestRequestCreatesRequestedRunAndEnqueues(t *testing.T) {
	h := newHarness(t)
	run, err := h.sched.Request(context.Background(), &admission.Run{
		ActionRef: "core.local",
		Status:    admission.StatusSucceeded,
		Context:   map[string]any{admission.DispatchContextKey: map[string]any{"dispatched_by": "stale"}},
	}, RequestOptions{Priority: 3, Affinity: "gpu"})
	require.NoError(t, err)

	assert.Equal(t, admission.StatusRequested, run.Status)
	assert.NotEmpty(t, run.ID)
	assert.NotContains(t, run.Context, admission.DispatchContextKey)
	priority, affinity := placementOf(run)
	assert.Equal(t, 3, priority)
	assert.Equal(t, "gpu", affinity)

	entry, err := h.queue.PopNext(context.Background())
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, run.ID, entry.ID)
	assert.Equal(t, 3, entry.Priority)
	assert.Equal(t, "gpu", entry.Affinity)
}

func TestRequestWithDelayStartsLater(t *testing.T) {
	h := newHarness(t)
	requestedAt := h.clock.Now()
	run, err := h.sched.Request(context.Background(), &admission.Run{ActionRef: "core.local"}, RequestOptions{Delay: 30 * time.Second})
	require.NoError(t, err)

	assert.True(t, requestedAt.Add(30*time.Second).Equal(h.get(run.ID).StartTimestamp))
	assert.Zero(t, h.runOnce().Processed)

	h.clock.Advance(30 * time.Second)
	assert.Equal(t, []Outcome{OutcomeDispatched}, outcomes(h.runOnce()))
}

func TestRunOnceDispatchesWithoutPolicies(t *testing.T) {
	h := newHarness(t)
	run := h.request("core.local", nil)

	report := h.runOnce()
	assert.Equal(t, 1, report.Processed)
	assert.Equal(t, []Outcome{OutcomeDispatched}, outcomes(report))

	stored := h.get(run.ID)
	assert.Equal(t, admission.StatusScheduled, stored.Status)
	marker, ok := dispatch.MarkerOf(stored)
	require.True(t, ok)
	assert.Equal(t, "test-worker", marker.DispatchedBy)

	submitted := h.transport.Submitted()
	require.Len(t, submitted, 1)
	assert.Equal(t, run.ID, submitted[0].ID)
	assert.Zero(t, h.queueLen())

	// an empty queue is a successful, empty cycle
	report = h.runOnce()
	assert.Zero(t, report.Processed)
	assert.True(t, h.sched.Health(context.Background()).Healthy)
}

func TestRunOnceDispatchCarriesAffinity(t *testing.T) {
	h := newHarness(t)
	run, err := h.sched.Request(context.Background(), &admission.Run{ActionRef: "core.local"}, RequestOptions{Affinity: "edge"})
	require.NoError(t, err)

	h.runOnce()
	marker, ok := dispatch.MarkerOf(h.get(run.ID))
	require.True(t, ok)
	assert.Equal(t, "edge", marker.Affinity)
}

func TestConcurrencyCeilingThroughLoop(t *testing.T) {
	h := newHarness(t, withDefinitions(t, policy.Definition{
		ResourceRef: "core.http",
		PolicyType:  string(policy.TypeConcurrency),
		Parameters:  map[string]any{"threshold": 2},
	}))

	runs := []*admission.Run{
		h.request("core.http", nil),
		h.request("core.http", nil),
		h.request("core.http", nil),
	}

	report := h.runOnce()
	assert.ElementsMatch(t, []Outcome{OutcomeDispatched, OutcomeDispatched, OutcomeDelayed}, outcomes(report))
	assert.Equal(t, admission.StatusScheduled, h.get(runs[0].ID).Status)
	assert.Equal(t, admission.StatusScheduled, h.get(runs[1].ID).Status)
	assert.Equal(t, admission.StatusDelayed, h.get(runs[2].ID).Status)
	assert.Len(t, h.transport.Submitted(), 2)
	assert.Equal(t, 1, h.queueLen())

	// re-delayed entry is not eligible before the backoff
	assert.Zero(t, h.runOnce().Processed)

	// still at the ceiling once eligible again
	h.clock.Advance(DefaultRedelay)
	assert.Equal(t, []Outcome{OutcomeDelayed}, outcomes(h.runOnce()))
	assert.Equal(t, admission.StatusDelayed, h.get(runs[2].ID).Status)

	h.complete(runs[0].ID, admission.StatusSucceeded)
	h.clock.Advance(DefaultRedelay)
	assert.Equal(t, []Outcome{OutcomeDispatched}, outcomes(h.runOnce()))
	assert.Equal(t, admission.StatusScheduled, h.get(runs[2].ID).Status)
	assert.Len(t, h.transport.Submitted(), 3)
}

func TestThresholdZeroCancelsThroughLoop(t *testing.T) {
	h := newHarness(t, withDefinitions(t, policy.Definition{
		ResourceRef: "core.http",
		PolicyType:  string(policy.TypeConcurrency),
		Parameters:  map[string]any{"threshold": 0},
	}))
	run := h.request("core.http", nil)

	assert.Equal(t, []Outcome{OutcomeCanceled}, outcomes(h.runOnce()))
	stored := h.get(run.ID)
	assert.Equal(t, admission.StatusCanceled, stored.Status)
	assert.NotNil(t, stored.EndTimestamp)
	assert.Empty(t, h.transport.Submitted())
	assert.Zero(t, h.queueLen())
}

func TestPartitionReleaseThroughLoop(t *testing.T) {
	h := newHarness(t, withDefinitions(t, policy.Definition{
		ResourceRef: "linux.ssh",
		PolicyType:  string(policy.TypeConcurrencyByAttr),
		Parameters:  map[string]any{"threshold": 1, "attributes": []any{"host"}},
	}))
	first := h.request("linux.ssh", map[string]any{"host": "a"})
	second := h.request("linux.ssh", map[string]any{"host": "a"})
	other := h.request("linux.ssh", map[string]any{"host": "b"})

	h.runOnce()
	assert.Equal(t, admission.StatusScheduled, h.get(first.ID).Status)
	assert.Equal(t, admission.StatusDelayed, h.get(second.ID).Status)
	assert.Equal(t, admission.StatusScheduled, h.get(other.ID).Status)

	// the waiter stays delayed while the first run is active
	h.clock.Advance(DefaultRedelay)
	h.runOnce()
	assert.Equal(t, admission.StatusDelayed, h.get(second.ID).Status)

	h.complete(first.ID, admission.StatusSucceeded)
	assert.Equal(t, admission.StatusRequested, h.get(second.ID).Status)

	// released runs are requeued for immediate evaluation
	assert.Equal(t, []Outcome{OutcomeDispatched}, outcomes(h.runOnce()))
	assert.Equal(t, admission.StatusScheduled, h.get(second.ID).Status)
}

func TestPartitionReleaseIsFIFOWithSeveralWaiters(t *testing.T) {
	h := newHarness(t, withDefinitions(t, policy.Definition{
		ResourceRef: "linux.ssh",
		PolicyType:  string(policy.TypeConcurrencyByAttr),
		Parameters:  map[string]any{"threshold": 1, "attributes": []any{"host"}},
	}))
	a := h.request("linux.ssh", map[string]any{"host": "a"})
	b := h.request("linux.ssh", map[string]any{"host": "a"})
	c := h.request("linux.ssh", map[string]any{"host": "a"})

	h.runOnce()
	require.Equal(t, admission.StatusScheduled, h.get(a.ID).Status)
	require.Equal(t, admission.StatusDelayed, h.get(b.ID).Status)
	require.Equal(t, admission.StatusDelayed, h.get(c.ID).Status)

	// both waiting entries become eligible before the release
	h.clock.Advance(DefaultRedelay + 100*time.Millisecond)
	h.complete(a.ID, admission.StatusSucceeded)
	require.Equal(t, admission.StatusRequested, h.get(b.ID).Status)

	h.runOnce()
	assert.Equal(t, admission.StatusScheduled, h.get(b.ID).Status)
	assert.Equal(t, admission.StatusDelayed, h.get(c.ID).Status)

	h.complete(b.ID, admission.StatusSucceeded)
	assert.Equal(t, admission.StatusRequested, h.get(c.ID).Status)
	h.runOnce()
	assert.Equal(t, admission.StatusScheduled, h.get(c.ID).Status)

	submitted := h.transport.Submitted()
	require.Len(t, submitted, 3)
	assert.Equal(t, []string{a.ID, b.ID, c.ID}, []string{submitted[0].ID, submitted[1].ID, submitted[2].ID})
}

func TestDispatchAtMostOnceAcrossLoops(t *testing.T) {
	h := newHarness(t)
	otherQueue := queue.NewMemoryQueue(queue.WithMemoryClock(h.clock.Now))
	other := h.newScheduler("other-worker", otherQueue)

	const n = 25
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		run := h.request("core.local", nil)
		ids = append(ids, run.ID)
		// the same run reaches both loops
		_, err := otherQueue.Enqueue(context.Background(), run, 0, 0, "")
		require.NoError(t, err)
	}

	var wg sync.WaitGroup
	for _, s := range []*Scheduler{h.sched, other} {
		wg.Add(1)
		go func(s *Scheduler) {
			defer wg.Done()
			for {
				report, err := s.RunOnce(context.Background())
				assert.NoError(t, err)
				if report.Processed == 0 {
					return
				}
			}
		}(s)
	}
	wg.Wait()

	counts := map[string]int{}
	for _, run := range h.transport.Submitted() {
		counts[run.ID]++
	}
	require.Len(t, counts, n)
	for _, id := range ids {
		assert.Equal(t, 1, counts[id], "run %s", id)
	}
}

func TestSubmitFailureReleasesClaimAndRetries(t *testing.T) {
	h := newHarness(t)
	var calls atomic.Int32
	h.transport = dispatch.NewMemoryTransport(dispatch.WithSubmitHook(func(*admission.Run) error {
		if calls.Add(1) == 1 {
			return errors.New("runner unreachable")
		}
		return nil
	}))
	h.sched = h.newScheduler("test-worker", h.queue)
	run := h.request("core.local", nil)

	report, err := h.sched.RunOnce(context.Background())
	require.Error(t, err)
	assert.True(t, admission.HasCode(err, admission.ErrCodeTransportSubmit))
	assert.Equal(t, []Outcome{OutcomeSubmitFailed}, outcomes(report))
	assert.Equal(t, 1, h.sched.Status().ConsecutiveFailures)
	assert.False(t, h.sched.Health(context.Background()).Healthy)

	stored := h.get(run.ID)
	assert.Equal(t, admission.StatusScheduled, stored.Status)
	_, claimed := dispatch.MarkerOf(stored)
	assert.False(t, claimed)
	assert.Equal(t, 1, h.queueLen())

	h.clock.Advance(DefaultRedelay)
	assert.Equal(t, []Outcome{OutcomeDispatched}, outcomes(h.runOnce()))
	assert.Len(t, h.transport.Submitted(), 1)
	assert.Zero(t, h.sched.Status().ConsecutiveFailures)
}

func TestRunOnceDropsStaleEntries(t *testing.T) {
	h := newHarness(t)
	_, err := h.queue.Enqueue(context.Background(), &admission.Run{ID: "ghost", ActionRef: "core.local"}, 0, 0, "")
	require.NoError(t, err)
	done := h.request("core.local", nil)
	_, err = store.UpdateStatusWithRetry(context.Background(), h.runs, done.ID, admission.StatusSucceeded, false, nil)
	require.NoError(t, err)

	assert.Equal(t, []Outcome{OutcomeDropped, OutcomeDropped}, outcomes(h.runOnce()))
	assert.Empty(t, h.transport.Submitted())
}

type failingApplicator struct {
	name string
}

func (f failingApplicator) Name() string      { return f.name }
func (f failingApplicator) Type() policy.Type { return "test.failing" }
func (f failingApplicator) ApplyBefore(context.Context, *admission.Run) (*admission.Run, error) {
	panic("broken policy")
}
func (f failingApplicator) ApplyAfter(_ context.Context, run *admission.Run) (*admission.Run, error) {
	return run, nil
}

func TestPolicyFailureKeepsRunRequested(t *testing.T) {
	reg := policy.DefaultRegistry()
	require.NoError(t, reg.Register(policy.TypeDescriptor{
		Name:       "test.failing",
		Parameters: map[string]policy.ParamSchema{},
		Decode: func(map[string]any) (policy.Params, error) {
			return policy.ConcurrencyParams{}, nil
		},
		Build: func(p policy.Policy, _ policy.Deps) (policy.Applicator, error) {
			return failingApplicator{name: p.Name}, nil
		},
	}))
	broken, err := reg.Resolve(policy.Definition{ResourceRef: "core.local", PolicyType: "test.failing"})
	require.NoError(t, err)

	h := newHarness(t, WithPolicies(reg, broken))
	run := h.request("core.local", nil)

	assert.Equal(t, []Outcome{OutcomeRequeued}, outcomes(h.runOnce()))
	assert.Equal(t, admission.StatusRequested, h.get(run.ID).Status)
	assert.Equal(t, 1, h.queueLen())
	assert.Equal(t, []string{"core.local.test.failing:before"}, h.metrics.failures)
	assert.Empty(t, h.transport.Submitted())
}
