package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	admission "github.com/goliatone/go-admission"
)

// MemoryStore is a process-local RunStore.
type MemoryStore struct {
	mu   sync.RWMutex
	runs map[string]*admission.Run
	now  func() time.Time
}

type MemoryOption func(*MemoryStore)

// WithMemoryClock overrides the clock used for timestamps.
func WithMemoryClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) {
		if now != nil {
			s.now = now
		}
	}
}

func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		runs: make(map[string]*admission.Run),
		now:  time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

func (s *MemoryStore) Get(_ context.Context, id string) (*admission.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[strings.TrimSpace(id)]
	if !ok {
		return nil, notFound(id)
	}
	return run.Clone(), nil
}

func (s *MemoryStore) Count(_ context.Context, filter admission.Filter) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, run := range s.runs {
		if filter.Matches(run) {
			count++
		}
	}
	return count, nil
}

func (s *MemoryStore) Query(_ context.Context, filter admission.Filter, order admission.Order, limit int) ([]*admission.Run, error) {
	s.mu.RLock()
	out := make([]*admission.Run, 0)
	for _, run := range s.runs {
		if filter.Matches(run) {
			out = append(out, run.Clone())
		}
	}
	s.mu.RUnlock()

	SortRuns(out, order)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) UpdateStatus(_ context.Context, id string, status admission.Status, expectedRevision int64, _ bool) (*admission.Run, error) {
	if !status.Valid() {
		return nil, admission.NewError(admission.ErrInvalidRun, "invalid status", nil, map[string]any{"status": string(status)})
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.runs[id]
	if !ok {
		return nil, notFound(id)
	}
	if current.Revision != expectedRevision {
		return nil, conflict(id, expectedRevision, current.Revision)
	}
	next := current.Clone()
	next.Status = status
	next.Revision++
	next.UpdatedAt = s.now().UTC()
	s.runs[id] = next
	return next.Clone(), nil
}

func (s *MemoryStore) Update(_ context.Context, run *admission.Run, _ bool) (*admission.Run, error) {
	if err := run.Validate(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.runs[run.ID]
	if !ok {
		return nil, notFound(run.ID)
	}
	if current.Revision != run.Revision {
		return nil, conflict(run.ID, run.Revision, current.Revision)
	}
	next := run.Clone()
	next.CreatedAt = current.CreatedAt
	next.Revision = current.Revision + 1
	next.UpdatedAt = s.now().UTC()
	s.runs[run.ID] = next
	return next.Clone(), nil
}

func (s *MemoryStore) Create(_ context.Context, run *admission.Run) (*admission.Run, error) {
	if err := run.Validate(); err != nil {
		return nil, err
	}
	next := prepareCreate(run, s.now())

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.runs[next.ID]; exists {
		return nil, conflict(next.ID, 0, s.runs[next.ID].Revision)
	}
	s.runs[next.ID] = next
	return next.Clone(), nil
}

func prepareCreate(run *admission.Run, now time.Time) *admission.Run {
	next := run.Clone()
	now = now.UTC()
	if strings.TrimSpace(next.ID) == "" {
		next.ID = uuid.NewString()
	}
	if next.Status == "" {
		next.Status = admission.StatusRequested
	}
	if next.StartTimestamp.IsZero() {
		next.StartTimestamp = now
	}
	next.StartTimestamp = next.StartTimestamp.UTC()
	next.Revision = 1
	next.CreatedAt = now
	next.UpdatedAt = now
	return next
}

// SortRuns orders runs by start timestamp, breaking ties by creation time
// and id so that results are deterministic.
func SortRuns(runs []*admission.Run, order admission.Order) {
	desc := order == admission.OrderStartDesc
	sort.SliceStable(runs, func(i, j int) bool {
		a, b := runs[i], runs[j]
		if !a.StartTimestamp.Equal(b.StartTimestamp) {
			if desc {
				return a.StartTimestamp.After(b.StartTimestamp)
			}
			return a.StartTimestamp.Before(b.StartTimestamp)
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}
