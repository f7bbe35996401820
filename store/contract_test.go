package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	admission "github.com/goliatone/go-admission"
)

// runStoreContract exercises behavior every RunStore implementation shares.
func runStoreContract(t *testing.T, newStore func(t *testing.T) RunStore) {
	t.Helper()

	t.Run("create assigns identity and revision", func(t *testing.T) {
		s := newStore(t)
		created, err := s.Create(context.Background(), &admission.Run{
			ActionRef:  "core.local",
			Parameters: map[string]any{"cmd": "echo"},
		})
		require.NoError(t, err)
		assert.NotEmpty(t, created.ID)
		assert.Equal(t, admission.StatusRequested, created.Status)
		assert.Equal(t, int64(1), created.Revision)
		assert.False(t, created.StartTimestamp.IsZero())

		loaded, err := s.Get(context.Background(), created.ID)
		require.NoError(t, err)
		assert.Equal(t, "echo", loaded.Parameters["cmd"])
	})

	t.Run("create rejects invalid runs and duplicates", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Create(context.Background(), &admission.Run{})
		assert.True(t, admission.HasCode(err, admission.ErrCodeInvalidRun))

		_, err = s.Create(context.Background(), &admission.Run{ID: "dup", ActionRef: "a"})
		require.NoError(t, err)
		_, err = s.Create(context.Background(), &admission.Run{ID: "dup", ActionRef: "a"})
		assert.True(t, admission.IsWriteConflict(err))
	})

	t.Run("get missing run", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Get(context.Background(), "nope")
		assert.True(t, admission.IsNotFound(err))
	})

	t.Run("update status is revision checked", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		run, err := s.Create(ctx, &admission.Run{ActionRef: "core.local"})
		require.NoError(t, err)

		updated, err := s.UpdateStatus(ctx, run.ID, admission.StatusScheduled, run.Revision, false)
		require.NoError(t, err)
		assert.Equal(t, admission.StatusScheduled, updated.Status)
		assert.Equal(t, run.Revision+1, updated.Revision)

		_, err = s.UpdateStatus(ctx, run.ID, admission.StatusDelayed, run.Revision, false)
		require.Error(t, err)
		assert.True(t, admission.IsWriteConflict(err))

		_, err = s.UpdateStatus(ctx, "missing", admission.StatusDelayed, 1, false)
		assert.True(t, admission.IsNotFound(err))
	})

	t.Run("update writes the full record", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		run, err := s.Create(ctx, &admission.Run{ActionRef: "core.local"})
		require.NoError(t, err)

		end := time.Now().UTC().Truncate(time.Microsecond)
		run.Status = admission.StatusFailed
		run.Result = map[string]any{"exit_code": float64(1)}
		run.EndTimestamp = &end
		run.SetPolicyState("retry", map[string]any{"retry_count": float64(1)})

		updated, err := s.Update(ctx, run, true)
		require.NoError(t, err)
		assert.Equal(t, admission.StatusFailed, updated.Status)
		assert.Equal(t, float64(1), updated.Result["exit_code"])
		require.NotNil(t, updated.EndTimestamp)
		assert.True(t, end.Equal(*updated.EndTimestamp))
		assert.Equal(t, float64(1), updated.PolicyState("retry")["retry_count"])

		_, err = s.Update(ctx, run, false)
		assert.True(t, admission.IsWriteConflict(err), "stale revision must be rejected")
	})

	t.Run("count and query filter and order", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		base := time.Now().UTC().Add(-time.Hour).Truncate(time.Millisecond)

		seed := []*admission.Run{
			{ID: "r3", ActionRef: "a", Status: admission.StatusDelayed, StartTimestamp: base.Add(3 * time.Second), Parameters: map[string]any{"host": "x"}},
			{ID: "r1", ActionRef: "a", Status: admission.StatusDelayed, StartTimestamp: base.Add(1 * time.Second), Parameters: map[string]any{"host": "x"}},
			{ID: "r2", ActionRef: "a", Status: admission.StatusDelayed, StartTimestamp: base.Add(2 * time.Second), Parameters: map[string]any{"host": "y"}},
			{ID: "r4", ActionRef: "a", Status: admission.StatusRunning, StartTimestamp: base, Parameters: map[string]any{"host": "x"}},
			{ID: "r5", ActionRef: "b", Status: admission.StatusScheduled, StartTimestamp: base},
		}
		for _, run := range seed {
			_, err := s.Create(ctx, run)
			require.NoError(t, err)
		}

		count, err := s.Count(ctx, admission.Filter{ActionRef: "a", Statuses: admission.ActiveStatuses})
		require.NoError(t, err)
		assert.Equal(t, 1, count)

		count, err = s.Count(ctx, admission.Filter{ActionRef: "a", Parameters: map[string]any{"host": "x"}})
		require.NoError(t, err)
		assert.Equal(t, 3, count)

		delayed, err := s.Query(ctx, admission.Filter{ActionRef: "a", Statuses: []admission.Status{admission.StatusDelayed}}, admission.OrderStartAsc, 0)
		require.NoError(t, err)
		require.Len(t, delayed, 3)
		assert.Equal(t, []string{"r1", "r2", "r3"}, runIDs(delayed))

		oldest, err := s.Query(ctx, admission.Filter{
			ActionRef:  "a",
			Statuses:   []admission.Status{admission.StatusDelayed},
			Parameters: map[string]any{"host": "x"},
		}, admission.OrderStartAsc, 1)
		require.NoError(t, err)
		assert.Equal(t, []string{"r1"}, runIDs(oldest))

		newest, err := s.Query(ctx, admission.Filter{ActionRef: "a"}, admission.OrderStartDesc, 2)
		require.NoError(t, err)
		assert.Equal(t, []string{"r3", "r2"}, runIDs(newest))

		cutoff := base.Add(1500 * time.Millisecond)
		stale, err := s.Query(ctx, admission.Filter{Statuses: []admission.Status{admission.StatusDelayed}, StartedBefore: &cutoff}, admission.OrderStartAsc, 0)
		require.NoError(t, err)
		assert.Equal(t, []string{"r1"}, runIDs(stale))
	})

	t.Run("concurrent writers on one revision: exactly one wins", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		run, err := s.Create(ctx, &admission.Run{ActionRef: "core.local"})
		require.NoError(t, err)

		const writers = 8
		var wg sync.WaitGroup
		var mu sync.Mutex
		wins, conflicts := 0, 0
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := s.UpdateStatus(ctx, run.ID, admission.StatusScheduled, run.Revision, false)
				mu.Lock()
				defer mu.Unlock()
				if err == nil {
					wins++
				} else if admission.IsWriteConflict(err) {
					conflicts++
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, 1, wins)
		assert.Equal(t, writers-1, conflicts)
	})
}

func runIDs(runs []*admission.Run) []string {
	out := make([]string, len(runs))
	for i, run := range runs {
		out[i] = run.ID
	}
	return out
}
