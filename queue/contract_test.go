package queue

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	admission "github.com/goliatone/go-admission"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
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

func testRun(id string) *admission.Run {
	return &admission.Run{ID: id, ActionRef: "core.local", Status: admission.StatusRequested}
}

func popAll(t *testing.T, q Queue) []string {
	t.Helper()
	var ids []string
	for {
		entry, err := q.PopNext(context.Background())
		require.NoError(t, err)
		if entry == nil {
			return ids
		}
		ids = append(ids, entry.ID)
	}
}

// queueContract exercises behavior shared by every Queue implementation.
func queueContract(t *testing.T, newQueue func(t *testing.T, clock *testClock) Queue) {
	t.Helper()
	ctx := context.Background()

	t.Run("pops by start timestamp", func(t *testing.T) {
		clock := newTestClock()
		q := newQueue(t, clock)
		for _, spec := range []struct {
			id    string
			delay time.Duration
		}{{"100ms", 100 * time.Millisecond}, {"5000ms", 5000 * time.Millisecond}, {"1000ms", 1000 * time.Millisecond}} {
			_, err := q.Enqueue(ctx, testRun(spec.id), spec.delay, 0, "")
			require.NoError(t, err)
		}
		clock.Advance(6 * time.Second)
		assert.Equal(t, []string{"100ms", "1000ms", "5000ms"}, popAll(t, q))
	})

	t.Run("ties break by priority then sequence", func(t *testing.T) {
		clock := newTestClock()
		q := newQueue(t, clock)
		_, err := q.Enqueue(ctx, testRun("low-first"), 0, 5, "")
		require.NoError(t, err)
		_, err = q.Enqueue(ctx, testRun("urgent"), 0, 1, "")
		require.NoError(t, err)
		_, err = q.Enqueue(ctx, testRun("low-second"), 0, 5, "")
		require.NoError(t, err)
		_, err = q.Enqueue(ctx, testRun("negative"), 0, -3, "")
		require.NoError(t, err)

		assert.Equal(t, []string{"negative", "urgent", "low-first", "low-second"}, popAll(t, q))
	})

	t.Run("entries are not eligible before their start", func(t *testing.T) {
		clock := newTestClock()
		q := newQueue(t, clock)
		_, err := q.Enqueue(ctx, testRun("later"), time.Second, 0, "shard-a")
		require.NoError(t, err)

		entry, err := q.PopNext(ctx)
		require.NoError(t, err)
		assert.Nil(t, entry)

		clock.Advance(time.Second)
		entry, err = q.PopNext(ctx)
		require.NoError(t, err)
		require.NotNil(t, entry)
		assert.Equal(t, "later", entry.ID)
		assert.Equal(t, "shard-a", entry.Affinity)
		assert.Equal(t, time.Second, entry.Delay)
		assert.True(t, entry.StartTimestamp.Equal(entry.EnqueuedAt.Add(time.Second)))
		require.NotNil(t, entry.LiveAction)
		assert.Equal(t, "core.local", entry.LiveAction.ActionRef)
	})

	t.Run("re-enqueue replaces the pending entry", func(t *testing.T) {
		clock := newTestClock()
		q := newQueue(t, clock)
		_, err := q.Enqueue(ctx, testRun("r1"), 0, 0, "")
		require.NoError(t, err)
		_, err = q.Enqueue(ctx, testRun("r1"), time.Minute, 0, "")
		require.NoError(t, err)

		n, err := q.Len(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		entry, err := q.PopNext(ctx)
		require.NoError(t, err)
		assert.Nil(t, entry, "replacement carries the new delay")
	})

	t.Run("remove", func(t *testing.T) {
		clock := newTestClock()
		q := newQueue(t, clock)
		_, err := q.Enqueue(ctx, testRun("r1"), 0, 0, "")
		require.NoError(t, err)
		_, err = q.Enqueue(ctx, testRun("r2"), 0, 0, "")
		require.NoError(t, err)

		pending, err := q.Contains(ctx, "r1")
		require.NoError(t, err)
		assert.True(t, pending)

		removed, err := q.Remove(ctx, "r1")
		require.NoError(t, err)
		assert.True(t, removed)
		removed, err = q.Remove(ctx, "r1")
		require.NoError(t, err)
		assert.False(t, removed)

		pending, err = q.Contains(ctx, "r1")
		require.NoError(t, err)
		assert.False(t, pending)

		assert.Equal(t, []string{"r2"}, popAll(t, q))
	})

	t.Run("enqueue requires a run id", func(t *testing.T) {
		q := newQueue(t, newTestClock())
		_, err := q.Enqueue(ctx, &admission.Run{ActionRef: "a"}, 0, 0, "")
		assert.True(t, admission.HasCode(err, admission.ErrCodeInvalidRun))
	})

	t.Run("concurrent consumers never share an entry", func(t *testing.T) {
		clock := newTestClock()
		q := newQueue(t, clock)
		const total = 60
		for i := 0; i < total; i++ {
			_, err := q.Enqueue(ctx, testRun(fmt.Sprintf("r%02d", i)), time.Duration(i)*time.Millisecond, 0, "")
			require.NoError(t, err)
		}
		clock.Advance(time.Second)

		var (
			wg   sync.WaitGroup
			mu   sync.Mutex
			seen = map[string]int{}
		)
		for w := 0; w < 6; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for {
					entry, err := q.PopNext(ctx)
					if err != nil || entry == nil {
						return
					}
					mu.Lock()
					seen[entry.ID]++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		assert.Len(t, seen, total)
		for id, n := range seen {
			assert.Equal(t, 1, n, id)
		}
	})
}
