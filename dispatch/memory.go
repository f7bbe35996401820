package dispatch

import (
	"context"
	"sync"
	"time"

	admission "github.com/goliatone/go-admission"
)

// MemoryTransport keeps submitted runs in memory. Completions are injected
// with Complete. It backs tests and single-process deployments where runners
// live in the same binary.
type MemoryTransport struct {
	mu        sync.Mutex
	submitted []*admission.Run
	canceled  []string
	onSubmit  func(run *admission.Run) error

	completions chan Completion
	closeOnce   sync.Once
	closed      chan struct{}
	now         func() time.Time
}

type MemoryOption func(*MemoryTransport)

// WithSubmitHook runs fn for every submission; a non-nil error fails Submit.
func WithSubmitHook(fn func(run *admission.Run) error) MemoryOption {
	return func(t *MemoryTransport) {
		t.onSubmit = fn
	}
}

// WithBuffer sizes the completion channel.
func WithBuffer(size int) MemoryOption {
	return func(t *MemoryTransport) {
		if size >= 0 {
			t.completions = make(chan Completion, size)
		}
	}
}

func NewMemoryTransport(opts ...MemoryOption) *MemoryTransport {
	t := &MemoryTransport{
		completions: make(chan Completion, 256),
		closed:      make(chan struct{}),
		now:         time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(t)
		}
	}
	return t
}

func (t *MemoryTransport) Submit(_ context.Context, run *admission.Run) error {
	if run == nil {
		return submitError(run, nil)
	}
	select {
	case <-t.closed:
		return submitError(run, errTransportClosed)
	default:
	}
	if t.onSubmit != nil {
		if err := t.onSubmit(run.Clone()); err != nil {
			return submitError(run, err)
		}
	}
	t.mu.Lock()
	t.submitted = append(t.submitted, run.Clone())
	t.mu.Unlock()
	return nil
}

func (t *MemoryTransport) Cancel(_ context.Context, run *admission.Run) error {
	t.mu.Lock()
	t.canceled = append(t.canceled, run.ID)
	t.mu.Unlock()
	return nil
}

// Complete reports a final status for runID as a runner would.
func (t *MemoryTransport) Complete(ctx context.Context, runID string, status admission.Status, result map[string]any) error {
	c := Completion{RunID: runID, Status: status, Result: admission.CloneMap(result), At: t.now().UTC()}
	select {
	case <-t.closed:
		return errTransportClosed
	default:
	}
	select {
	case <-t.closed:
		return errTransportClosed
	case <-ctx.Done():
		return ctx.Err()
	case t.completions <- c:
		return nil
	}
}

func (t *MemoryTransport) Completions() <-chan Completion {
	return t.completions
}

// Submitted returns copies of every submitted run in submission order.
func (t *MemoryTransport) Submitted() []*admission.Run {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*admission.Run, len(t.submitted))
	for i, run := range t.submitted {
		out[i] = run.Clone()
	}
	return out
}

// Canceled returns the ids of runs a cancel was requested for.
func (t *MemoryTransport) Canceled() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.canceled...)
}

func (t *MemoryTransport) Close() error {
	t.closeOnce.Do(func() {
		close(t.closed)
	})
	return nil
}
