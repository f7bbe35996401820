package queue

import (
	"context"
	"time"

	admission "github.com/goliatone/go-admission"
)

// Entry is a deferred run awaiting eligibility. The entry id is the run id: a
// run has at most one pending entry.
type Entry struct {
	ID             string         `json:"id"`
	Seq            int64          `json:"seq"`
	Delay          time.Duration  `json:"delay"`
	Priority       int            `json:"priority"`
	Affinity       string         `json:"affinity,omitempty"`
	LiveAction     *admission.Run `json:"liveaction"`
	StartTimestamp time.Time      `json:"start_timestamp"`
	EnqueuedAt     time.Time      `json:"enqueued_at"`
}

// Eligible reports whether the entry may be claimed at now.
func (e *Entry) Eligible(now time.Time) bool {
	return !now.Before(e.StartTimestamp)
}

// Queue is the Execution Queue. PopNext returns nil, nil when nothing is
// eligible.
type Queue interface {
	Enqueue(ctx context.Context, run *admission.Run, delay time.Duration, priority int, affinity string) (string, error)
	PopNext(ctx context.Context) (*Entry, error)
	Remove(ctx context.Context, runID string) (bool, error)
	Contains(ctx context.Context, runID string) (bool, error)
	Len(ctx context.Context) (int, error)
}

// Less orders entries by start timestamp, then priority (lower first), then
// enqueue sequence.
func Less(a, b *Entry) bool {
	if !a.StartTimestamp.Equal(b.StartTimestamp) {
		return a.StartTimestamp.Before(b.StartTimestamp)
	}
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	return a.Seq < b.Seq
}

func newEntry(run *admission.Run, delay time.Duration, priority int, affinity string, now time.Time) (*Entry, error) {
	if run == nil || run.ID == "" {
		return nil, admission.NewError(admission.ErrInvalidRun, "queued run requires an id", nil, nil)
	}
	if delay < 0 {
		delay = 0
	}
	now = now.UTC()
	return &Entry{
		ID:             run.ID,
		Delay:          delay,
		Priority:       priority,
		Affinity:       affinity,
		LiveAction:     run.Clone(),
		StartTimestamp: now.Add(delay),
		EnqueuedAt:     now,
	}, nil
}

func storageError(op string, err error) error {
	return admission.NewError(admission.ErrQueueStorage, "execution queue "+op+" failed", err, map[string]any{
		"operation": op,
	})
}
