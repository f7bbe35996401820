package store

import (
	"context"
	"time"

	admission "github.com/goliatone/go-admission"
	"github.com/goliatone/go-admission/retry"
)

// RunStore persists run records with per-record optimistic concurrency.
// Every write is checked against the caller's expected revision and fails
// with admission.ErrWriteConflict when the stored record moved on.
type RunStore interface {
	Get(ctx context.Context, id string) (*admission.Run, error)
	Count(ctx context.Context, filter admission.Filter) (int, error)
	Query(ctx context.Context, filter admission.Filter, order admission.Order, limit int) ([]*admission.Run, error)
	UpdateStatus(ctx context.Context, id string, status admission.Status, expectedRevision int64, publish bool) (*admission.Run, error)
	Update(ctx context.Context, run *admission.Run, publish bool) (*admission.Run, error)
	Create(ctx context.Context, run *admission.Run) (*admission.Run, error)
}

// Publisher receives status changes written with publish=true.
type Publisher interface {
	PublishStatus(ctx context.Context, run *admission.Run) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, run *admission.Run) error

func (f PublisherFunc) PublishStatus(ctx context.Context, run *admission.Run) error {
	return f(ctx, run)
}

// PublishingStore forwards published writes to a Publisher after they commit.
// Publish failures are logged, never returned: the write already landed.
type PublishingStore struct {
	RunStore
	publisher Publisher
	logger    admission.Logger
}

// WithPublisher decorates s so that published writes reach p.
func WithPublisher(s RunStore, p Publisher, logger admission.Logger) RunStore {
	if p == nil {
		return s
	}
	return &PublishingStore{RunStore: s, publisher: p, logger: admission.NormalizeLogger(logger)}
}

func (s *PublishingStore) UpdateStatus(ctx context.Context, id string, status admission.Status, expectedRevision int64, publish bool) (*admission.Run, error) {
	run, err := s.RunStore.UpdateStatus(ctx, id, status, expectedRevision, publish)
	if err == nil && publish {
		s.publish(ctx, run)
	}
	return run, err
}

func (s *PublishingStore) Update(ctx context.Context, run *admission.Run, publish bool) (*admission.Run, error) {
	updated, err := s.RunStore.Update(ctx, run, publish)
	if err == nil && publish {
		s.publish(ctx, updated)
	}
	return updated, err
}

func (s *PublishingStore) Create(ctx context.Context, run *admission.Run) (*admission.Run, error) {
	created, err := s.RunStore.Create(ctx, run)
	if err == nil {
		s.publish(ctx, created)
	}
	return created, err
}

func (s *PublishingStore) publish(ctx context.Context, run *admission.Run) {
	if err := s.publisher.PublishStatus(ctx, run.Clone()); err != nil {
		s.logger.Warn("publish status for run %s failed: %v", run.ID, err)
	}
}

// ConflictRetries bounds how many times Mutate re-reads after a conflict.
var ConflictRetries = 10

// Mutate reads the run, lets fn change a copy and writes it back. On a write
// conflict the record is read again and fn re-applied. When fn returns false
// nothing is written and the fresh record is returned.
func Mutate(ctx context.Context, s RunStore, id string, publish bool, fn func(run *admission.Run) (bool, error)) (*admission.Run, error) {
	var result *admission.Run
	err := conflictRetrier("run update").Run(ctx, func(ctx context.Context) error {
		current, err := s.Get(ctx, id)
		if err != nil {
			return err
		}
		next := current.Clone()
		write, err := fn(next)
		if err != nil {
			return err
		}
		if !write {
			result = current
			return nil
		}
		updated, err := s.Update(ctx, next, publish)
		if err != nil {
			return err
		}
		result = updated
		return nil
	})
	return result, err
}

// UpdateStatusWithRetry moves the run to status through UpdateStatus,
// re-reading on conflict. The guard sees the fresh record on every attempt;
// when it returns false, or the status already matches, nothing is written
// and the fresh record is returned.
func UpdateStatusWithRetry(ctx context.Context, s RunStore, id string, status admission.Status, publish bool, guard func(*admission.Run) bool) (*admission.Run, error) {
	var result *admission.Run
	err := conflictRetrier("run status update").Run(ctx, func(ctx context.Context) error {
		current, err := s.Get(ctx, id)
		if err != nil {
			return err
		}
		if (guard != nil && !guard(current)) || current.Status == status {
			result = current
			return nil
		}
		updated, err := s.UpdateStatus(ctx, id, status, current.Revision, publish)
		if err != nil {
			return err
		}
		result = updated
		return nil
	})
	return result, err
}

func conflictRetrier(name string) *retry.Handler {
	return retry.NewHandler(
		retry.WithName(name),
		retry.WithMaxRetries(ConflictRetries),
		retry.WithShouldRetry(admission.IsWriteConflict),
		retry.WithStrategy(retry.JitterStrategy{
			Base: retry.ExponentialBackoffStrategy{
				Base:   2 * time.Millisecond,
				Factor: 2,
				Max:    100 * time.Millisecond,
			},
			Fraction: 0.5,
		}),
	)
}

func notFound(id string) error {
	return admission.NewError(admission.ErrRunNotFound, "", nil, map[string]any{"run_id": id})
}

func conflict(id string, expected, actual int64) error {
	return admission.NewError(admission.ErrWriteConflict, "", nil, map[string]any{
		"run_id":            id,
		"expected_revision": expected,
		"actual_revision":   actual,
	})
}

func storageError(op string, err error) error {
	return admission.NewError(admission.ErrStoreStorage, "run store "+op+" failed", err, map[string]any{
		"operation": op,
	})
}
