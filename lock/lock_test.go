package lock

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	admission "github.com/goliatone/go-admission"
)

func TestNewWithoutClientFallsBackToLocalWithWarning(t *testing.T) {
	buf := &bytes.Buffer{}
	svc := New(nil, WithLogger(admission.NewFmtLogger(buf)))

	_, ok := svc.(*LocalService)
	assert.True(t, ok)
	assert.False(t, svc.Distributed())
	assert.Contains(t, buf.String(), "WARN")
	assert.Contains(t, buf.String(), "process-local")
}

// exclusionContract checks that With serializes critical sections per name.
func exclusionContract(t *testing.T, svc Service) {
	t.Helper()
	ctx := context.Background()

	var inside, maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := With(ctx, svc, "action.concurrency:core.local", func(context.Context) error {
				n := atomic.AddInt32(&inside, 1)
				for {
					m := atomic.LoadInt32(&maxInside)
					if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
						break
					}
				}
				time.Sleep(2 * time.Millisecond)
				atomic.AddInt32(&inside, -1)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxInside)
}

func TestLocalServiceExclusion(t *testing.T) {
	exclusionContract(t, NewLocalService())
}

func TestLocalServiceIndependentNames(t *testing.T) {
	svc := NewLocalService()
	ctx := context.Background()

	a, err := svc.Acquire(ctx, "a")
	require.NoError(t, err)
	b, err := svc.Acquire(ctx, "b")
	require.NoError(t, err)

	require.NoError(t, a.Release(ctx))
	require.NoError(t, b.Release(ctx))
}

func TestLocalServiceAcquireHonorsTimeout(t *testing.T) {
	svc := NewLocalService(WithAcquireTimeout(30 * time.Millisecond))
	ctx := context.Background()

	held, err := svc.Acquire(ctx, "busy")
	require.NoError(t, err)
	defer held.Release(ctx)

	_, err = svc.Acquire(ctx, "busy")
	require.Error(t, err)
	assert.True(t, admission.HasCode(err, admission.ErrCodeLockUnavailable))
}

func TestReleaseTwiceFails(t *testing.T) {
	svc := NewLocalService()
	ctx := context.Background()
	held, err := svc.Acquire(ctx, "x")
	require.NoError(t, err)
	require.NoError(t, held.Release(ctx))

	err = held.Release(ctx)
	assert.True(t, admission.HasCode(err, admission.ErrCodeLockNotHeld))
}

func TestWithReleasesOnErrorAndPanic(t *testing.T) {
	svc := NewLocalService(WithAcquireTimeout(time.Second))
	ctx := context.Background()
	boom := errors.New("boom")

	err := With(ctx, svc, "k", func(context.Context) error { return boom })
	assert.ErrorIs(t, err, boom)

	func() {
		defer func() { _ = recover() }()
		_ = With(ctx, svc, "k", func(context.Context) error { panic("kaboom") })
	}()

	err = With(ctx, svc, "k", func(context.Context) error { return nil })
	assert.NoError(t, err, "lock must be free after error and panic")
}
