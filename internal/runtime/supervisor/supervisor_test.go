package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitStop(t *testing.T, s *Supervisor) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return s.Stop(ctx)
}

func TestGoPublishesFirstError(t *testing.T) {
	s := NewSupervisor(context.Background())
	s.Go("a", func(context.Context) error { return errors.New("boom") })

	require.Eventually(t, func() bool { return s.Err() != nil }, time.Second, 5*time.Millisecond)
	assert.EqualError(t, s.Err(), "a: boom")
	assert.NoError(t, s.Context().Err())
	assert.Error(t, waitStop(t, s))
}

func TestCancelOnError(t *testing.T) {
	s := NewSupervisor(context.Background(), WithCancelOnError(true))
	s.Go("a", func(context.Context) error { return errors.New("boom") })
	select {
	case <-s.Context().Done():
	case <-time.After(time.Second):
		t.Fatal("context not cancelled")
	}
}

func TestPanicIsRecovered(t *testing.T) {
	s := NewSupervisor(context.Background())
	s.Go0("p", func(context.Context) { panic("oops") })
	require.Eventually(t, func() bool { return s.Err() != nil }, time.Second, 5*time.Millisecond)

	snap := s.Snapshot()
	require.Len(t, snap.Tasks, 1)
	assert.Equal(t, uint64(1), snap.Tasks[0].Panics)
	assert.Contains(t, snap.FirstError, "oops")
	_ = waitStop(t, s)
}

func TestGoRestartRestartsUntilSuccess(t *testing.T) {
	s := NewSupervisor(context.Background())
	var runs atomic.Int32
	done := make(chan struct{})
	s.GoRestart("loop", func(context.Context) error {
		if runs.Add(1) < 3 {
			return errors.New("transient")
		}
		close(done)
		return nil
	}, WithRestartBackoff(time.Millisecond, 2*time.Millisecond), WithPublishFirstError(true))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("loop never succeeded")
	}
	assert.Error(t, waitStop(t, s))
	assert.EqualValues(t, 3, runs.Load())
	assert.Equal(t, uint64(2), s.Snapshot().Tasks[0].Restarts)
}

func TestGoRestartGivesUp(t *testing.T) {
	s := NewSupervisor(context.Background())
	var runs atomic.Int32
	s.GoRestart("loop", func(context.Context) error {
		runs.Add(1)
		return errors.New("always")
	}, WithRestartBackoff(time.Millisecond, time.Millisecond), WithMaxRestarts(2), WithFatalOnFinalError(true))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := s.Wait(ctx)
	assert.EqualError(t, err, "loop: always")
	assert.EqualValues(t, 3, runs.Load())
}

func TestStopIsCleanForLoops(t *testing.T) {
	s := NewSupervisor(context.Background())
	s.GoRestart0("loop", func(ctx context.Context) { <-ctx.Done() })
	assert.NoError(t, waitStop(t, s))
	assert.Zero(t, s.Snapshot().Active)
}

func TestRegistryHealth(t *testing.T) {
	r := NewRegistry()
	good := NewSupervisor(context.Background())
	bad := NewSupervisor(context.Background())
	r.Set("scheduler", good)
	r.Set("dispatcher", bad)

	assert.True(t, r.Health().OK)
	bad.Go("x", func(context.Context) error { return errors.New("down") })
	require.Eventually(t, func() bool { return !r.Health().OK }, time.Second, 5*time.Millisecond)

	h := r.Health()
	assert.Len(t, h.Components, 2)
	assert.Equal(t, "x: down", h.Components["dispatcher"].FirstError)

	r.Delete("dispatcher")
	assert.True(t, r.Health().OK)

	var cur *Supervisor
	r.Track("http", func() *Supervisor { return cur })
	assert.NotContains(t, r.Health().Components, "http")
	cur = good
	assert.Contains(t, r.Health().Components, "http")
	_ = waitStop(t, good)
	_ = waitStop(t, bad)
}
