package schedule

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chunkseal/internal/logging"
)

func TestEveryValidation(t *testing.T) {
	s := New(logging.Discard())
	noop := func(context.Context) error { return nil }

	assert.ErrorIs(t, s.Every("zero", 0, noop), ErrInvalidInterval)
	require.NoError(t, s.Every("a", time.Second, noop))
	assert.ErrorIs(t, s.Every("a", time.Second, noop), ErrDuplicateTask)

	require.NoError(t, s.Start(context.Background()))
	defer s.Stop(context.Background())

	assert.ErrorIs(t, s.Every("b", time.Second, noop), ErrAlreadyStarted)
	assert.ErrorIs(t, s.Start(context.Background()), ErrAlreadyStarted)
}

func TestTasksRunPeriodically(t *testing.T) {
	s := New(logging.Discard())

	var runs atomic.Int32
	require.NoError(t, s.Every("tick", 5*time.Millisecond, func(context.Context) error {
		runs.Add(1)
		return nil
	}))
	require.NoError(t, s.Start(context.Background()))

	assert.Eventually(t, func() bool { return runs.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, s.Stop(context.Background()))
	assert.False(t, s.Running())

	after := runs.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, after, runs.Load(), "no runs after Stop returns")
}

func TestFailuresAndPanicsAreCounted(t *testing.T) {
	s := New(logging.Discard())

	require.NoError(t, s.Every("fail", time.Hour, func(context.Context) error {
		return errors.New("sweep failed")
	}))
	require.NoError(t, s.Every("panic", time.Hour, func(context.Context) error {
		panic("boom")
	}))

	assert.EqualError(t, s.RunNow(context.Background(), "fail"), "sweep failed")
	assert.NotPanics(t, func() { s.RunNow(context.Background(), "panic") })
	assert.Error(t, s.RunNow(context.Background(), "missing"))

	stats := s.Stats()
	require.Len(t, stats, 2)
	assert.Equal(t, "fail", stats[0].Name)
	assert.Equal(t, uint64(1), stats[0].Runs)
	assert.Equal(t, uint64(1), stats[0].Failures)
	assert.Equal(t, "sweep failed", stats[0].LastError)
	assert.Equal(t, uint64(1), stats[1].Failures)
}

func TestStopWaitsForRunningTask(t *testing.T) {
	s := New(logging.Discard())

	started := make(chan struct{})
	var finished atomic.Bool
	require.NoError(t, s.Every("slow", time.Millisecond, func(ctx context.Context) error {
		select {
		case started <- struct{}{}:
		default:
		}
		<-ctx.Done()
		time.Sleep(10 * time.Millisecond)
		finished.Store(true)
		return ctx.Err()
	}))
	require.NoError(t, s.Start(context.Background()))
	<-started

	require.NoError(t, s.Stop(context.Background()))
	assert.True(t, finished.Load())
	assert.Equal(t, uint64(0), s.Stats()[0].Failures, "cancellation is not a failure")
}

func TestStopIdle(t *testing.T) {
	assert.NoError(t, New(nil).Stop(context.Background()))
}
