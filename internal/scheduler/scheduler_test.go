package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/geoblock/internal/clock"
	"grimm.is/geoblock/internal/logging"
)

func testScheduler(t *testing.T) (*Scheduler, *clock.MockClock) {
	t.Helper()
	clk := clock.NewMockClock(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))
	return New(logging.Discard()).WithClock(clk), clk
}

func TestScheduler_Add(t *testing.T) {
	s, clk := testScheduler(t)
	noop := func(context.Context) error { return nil }

	require.NoError(t, s.Add(&Task{ID: "a", Name: "A", Schedule: Every(time.Hour), Func: noop}))
	assert.Error(t, s.Add(&Task{ID: "a", Name: "A", Schedule: Every(time.Hour), Func: noop}), "duplicate")
	assert.Error(t, s.Add(&Task{Schedule: Every(time.Hour), Func: noop}), "missing ID")
	assert.Error(t, s.Add(&Task{ID: "b", Func: noop}), "missing schedule")
	assert.Error(t, s.Add(&Task{ID: "c", Schedule: Every(time.Hour)}), "missing func")

	st := s.Status()
	require.Len(t, st, 1)
	assert.Equal(t, clk.Now().Add(time.Hour), st[0].NextRun)
}

func TestScheduler_RunDue(t *testing.T) {
	s, clk := testScheduler(t)
	var runs atomic.Int32
	require.NoError(t, s.Add(&Task{ID: "a", Name: "A", Schedule: Every(time.Hour), Func: func(context.Context) error {
		runs.Add(1)
		return nil
	}}))

	ctx := context.Background()
	s.runDue(ctx, clk.Now())
	s.Wait()
	assert.Equal(t, int32(0), runs.Load(), "not due yet")

	clk.Advance(time.Hour)
	s.runDue(ctx, clk.Now())
	s.Wait()
	assert.Equal(t, int32(1), runs.Load())

	st := s.Status()[0]
	assert.Equal(t, int64(1), st.RunCount)
	assert.Equal(t, clk.Now().Add(time.Hour), st.NextRun)
	assert.False(t, st.Running)
}

func TestScheduler_NoOverlap(t *testing.T) {
	s, clk := testScheduler(t)
	release := make(chan struct{})
	var runs atomic.Int32
	require.NoError(t, s.Add(&Task{ID: "slow", Name: "Slow", Schedule: Every(time.Minute), Func: func(context.Context) error {
		runs.Add(1)
		<-release
		return nil
	}}))

	ctx := context.Background()
	require.NoError(t, s.RunNow(ctx, "slow"))
	assert.Error(t, s.RunNow(ctx, "slow"), "already running")

	clk.Advance(time.Hour)
	s.runDue(ctx, clk.Now())
	close(release)
	s.Wait()
	assert.Equal(t, int32(1), runs.Load())
}

func TestScheduler_Errors(t *testing.T) {
	s, _ := testScheduler(t)
	fail := errors.New("feed down")
	require.NoError(t, s.Add(&Task{ID: "bad", Name: "Bad", Schedule: Every(time.Hour), Func: func(context.Context) error { return fail }}))
	require.NoError(t, s.Add(&Task{ID: "skip", Name: "Skip", Schedule: Every(time.Hour), Func: func(context.Context) error { return ErrSkipped }}))

	ctx := context.Background()
	require.NoError(t, s.RunNow(ctx, "bad"))
	require.NoError(t, s.RunNow(ctx, "skip"))
	s.Wait()

	st := s.Status()
	require.Len(t, st, 2)
	assert.Equal(t, "feed down", st[0].LastError)
	assert.Equal(t, int64(1), st[0].ErrorCount)
	assert.Empty(t, st[1].LastError)
	assert.Equal(t, int64(0), st[1].ErrorCount)

	assert.Error(t, s.RunNow(ctx, "missing"))
}

func TestScheduler_TaskTimeout(t *testing.T) {
	s, _ := testScheduler(t)
	require.NoError(t, s.Add(&Task{ID: "t", Name: "T", Schedule: Every(time.Hour), Timeout: 10 * time.Millisecond,
		Func: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		}}))
	require.NoError(t, s.RunNow(context.Background(), "t"))
	s.Wait()
	assert.Contains(t, s.Status()[0].LastError, "deadline exceeded")
}

func TestScheduler_RunStopsOnCancel(t *testing.T) {
	s, _ := testScheduler(t)
	started := make(chan struct{})
	require.NoError(t, s.Add(&Task{ID: "boot", Name: "Boot", Schedule: Every(time.Hour), RunOnStart: true,
		Func: func(ctx context.Context) error {
			close(started)
			<-ctx.Done()
			return nil
		}}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() { done <- s.Run(ctx) }()

	<-started
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
