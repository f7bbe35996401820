package cron

import (
	"context"
	"errors"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	admission "github.com/goliatone/go-admission"
)

func quiet() Option {
	return WithLogger(admission.NewFmtLogger(io.Discard))
}

func waitDone(t *testing.T, h Handle, within time.Duration) {
	t.Helper()
	select {
	case <-h.Done():
	case <-time.After(within):
		t.Fatalf("job %s not done after %s", h.Name(), within)
	}
}

func TestScheduleAfterRunsOnce(t *testing.T) {
	s := NewScheduler(quiet())
	var count atomic.Int32

	h, err := s.ScheduleAfter(20*time.Millisecond, JobConfig{Name: "startup-recovery"}, func(context.Context) error {
		count.Add(1)
		return nil
	})
	require.NoError(t, err)
	waitDone(t, h, time.Second)

	assert.Equal(t, int32(1), count.Load())
	assert.Equal(t, StatusCompleted, h.Status())
	assert.Equal(t, "startup-recovery", h.Name())
	assert.Equal(t, 1, h.Runs())
	assert.False(t, h.LastRun().IsZero())
	require.Eventually(t, func() bool { return len(s.Handles()) == 0 }, time.Second, 5*time.Millisecond)
}

func TestCancelBeforeDelayElapses(t *testing.T) {
	s := NewScheduler(quiet())
	var count atomic.Int32

	h, err := s.ScheduleAfter(200*time.Millisecond, JobConfig{}, func(context.Context) error {
		count.Add(1)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "job-1", h.Name())

	h.Cancel()
	waitDone(t, h, time.Second)
	time.Sleep(250 * time.Millisecond)

	assert.Zero(t, count.Load())
	assert.Equal(t, StatusCanceled, h.Status())
	assert.Empty(t, s.Handles())
}

func TestScheduleAfterRetries(t *testing.T) {
	var reported atomic.Int32
	s := NewScheduler(quiet(), WithErrorHandler(func(error) { reported.Add(1) }))
	var attempts atomic.Int32

	h, err := s.ScheduleAfter(0, JobConfig{Name: "flaky", MaxRetries: 1, RetryDelay: 10 * time.Millisecond}, func(context.Context) error {
		if attempts.Add(1) == 1 {
			return errors.New("store unavailable")
		}
		return nil
	})
	require.NoError(t, err)
	waitDone(t, h, 2*time.Second)

	assert.Equal(t, int32(2), attempts.Load())
	assert.Equal(t, StatusCompleted, h.Status())
	assert.Zero(t, reported.Load())
}

func TestPanicIsReportedAsFailure(t *testing.T) {
	errs := make(chan error, 1)
	s := NewScheduler(quiet(), WithErrorHandler(func(err error) { errs <- err }))

	h, err := s.ScheduleAfter(0, JobConfig{Name: "boom"}, func(context.Context) error {
		panic("boom")
	})
	require.NoError(t, err)

	select {
	case err := <-errs:
		var pe *admission.PanicError
		assert.True(t, errors.As(err, &pe), "got %T", err)
	case <-time.After(time.Second):
		t.Fatal("panic not reported")
	}
	waitDone(t, h, time.Second)
	assert.Equal(t, StatusFailed, h.Status())
	assert.Error(t, h.Err())
}

func TestRecurringJobSurvivesFailure(t *testing.T) {
	h := newHandle(nil, 7, "sweep", false)

	require.True(t, h.begin(time.Now()))
	h.finish(errors.New("query failed"))
	assert.Equal(t, StatusFailed, h.Status())
	assert.Error(t, h.Err())

	// still scheduled, so the next tick runs and clears the error
	require.True(t, h.begin(time.Now()))
	h.finish(nil)
	assert.Equal(t, StatusIdle, h.Status())
	assert.NoError(t, h.Err())
	assert.Equal(t, 2, h.Runs())

	h.Cancel()
	assert.False(t, h.begin(time.Now()))
	assert.Equal(t, StatusCanceled, h.Status())
}

func TestScheduleCronRunsAndCancels(t *testing.T) {
	s := NewScheduler(quiet())
	var count atomic.Int32

	h, err := s.ScheduleCron(JobConfig{Name: "sweep", Expression: "@every 1s"}, func(context.Context) error {
		count.Add(1)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, StatusScheduled, h.Status())
	require.Len(t, s.Handles(), 1)

	require.NoError(t, s.Start(context.Background()))
	defer s.Stop(context.Background())

	require.Eventually(t, func() bool { return count.Load() > 0 }, 2500*time.Millisecond, 20*time.Millisecond)
	assert.NotEqual(t, StatusFailed, h.Status())

	h.Cancel()
	waitDone(t, h, time.Second)
	assert.Equal(t, StatusCanceled, h.Status())
	assert.Empty(t, s.Handles())
}

func TestStopMarksJobsStopped(t *testing.T) {
	s := NewScheduler(quiet())
	h, err := s.ScheduleCron(JobConfig{Expression: "@every 5s"}, func(context.Context) error { return nil })
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))

	require.NoError(t, s.Stop(context.Background()))
	waitDone(t, h, time.Second)
	assert.Equal(t, StatusStopped, h.Status())
}

func TestStopCancelsRunningJob(t *testing.T) {
	var reported atomic.Int32
	s := NewScheduler(quiet(), WithErrorHandler(func(error) { reported.Add(1) }))
	started := make(chan struct{})
	observed := make(chan error, 1)

	_, err := s.ScheduleAfter(0, JobConfig{}, func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		observed <- ctx.Err()
		return ctx.Err()
	})
	require.NoError(t, err)

	<-started
	require.NoError(t, s.Stop(context.Background()))
	select {
	case err := <-observed:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("job context not canceled")
	}
	assert.Zero(t, reported.Load(), "shutdown is not a job failure")
}

func TestScheduleCronValidation(t *testing.T) {
	s := NewScheduler(quiet())
	job := func(context.Context) error { return nil }

	_, err := s.ScheduleCron(JobConfig{}, job)
	assert.True(t, admission.HasCode(err, admission.ErrCodeInvalidConfig))

	_, err = s.ScheduleCron(JobConfig{Expression: "@every 1s"}, nil)
	assert.True(t, admission.HasCode(err, admission.ErrCodeInvalidConfig))

	_, err = s.ScheduleCron(JobConfig{Expression: "not a cron"}, job)
	assert.True(t, admission.HasCode(err, admission.ErrCodeInvalidConfig))

	_, err = s.ScheduleCron(JobConfig{Expression: "*/5 * * * * *"}, job)
	assert.Error(t, err, "seconds field needs WithSeconds")
	_, err = NewScheduler(quiet(), WithSeconds()).ScheduleCron(JobConfig{Expression: "*/5 * * * * *"}, job)
	assert.NoError(t, err)

	assert.Empty(t, s.Handles())
}

func TestWithKeyValues(t *testing.T) {
	assert.Equal(t, "run entry=1", withKeyValues("run", []any{"entry", 1, "dangling"}))
	assert.Equal(t, "run", withKeyValues("run", nil))
}
