package scheduler

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/livecoder/fishbowl/internal/runner"
)

type fakeClock struct{ beatDuration float64 }

func (f *fakeClock) ShiftedTime() float64              { return 0 }
func (f *fakeClock) BeatDuration() float64              { return f.beatDuration }
func (f *fakeClock) GetBeatTime(n int, sync bool) float64 { return f.beatDuration * float64(n) }

func discardLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(noopWriter{})
	return l
}

type noopWriter struct{}

func (noopWriter) Write(p []byte) (int, error) { return len(p), nil }

func newIdleRunner(name string) *runner.Runner {
	clock := &fakeClock{beatDuration: 10} // long period: invocation is irrelevant to these tests
	return runner.New(name, clock, nil)
}

func TestStartRunner_IdempotentForSameInstance(t *testing.T) {
	s := New(discardLogger())
	r := newIdleRunner("a")
	r.Push(func(ctx runner.RoutineContext) (float64, bool) { return 0, true }, nil, nil)

	require.NoError(t, s.StartRunner(r))
	require.NoError(t, s.StartRunner(r)) // idempotent, not an error

	got, ok := s.GetRunner("a")
	assert.True(t, ok)
	assert.Same(t, r, got)

	require.NoError(t, s.StopRunner(r))
}

func TestStartRunner_NameCollisionWithDifferentInstance(t *testing.T) {
	s := New(discardLogger())
	r1 := newIdleRunner("a")
	r2 := newIdleRunner("a")
	r1.Push(func(ctx runner.RoutineContext) (float64, bool) { return 0, true }, nil, nil)
	r2.Push(func(ctx runner.RoutineContext) (float64, bool) { return 0, true }, nil, nil)

	require.NoError(t, s.StartRunner(r1))
	err := s.StartRunner(r2)
	assert.ErrorIs(t, err, ErrNameCollision)

	require.NoError(t, s.StopRunner(r1))
}

func TestStopRunner_NoOpAfterFirstStop(t *testing.T) {
	s := New(discardLogger())
	r := newIdleRunner("a")
	r.Push(func(ctx runner.RoutineContext) (float64, bool) { return 0, true }, nil, nil)
	require.NoError(t, s.StartRunner(r))

	require.NoError(t, s.StopRunner(r))
	require.NoError(t, s.StopRunner(r)) // no-op, not an error

	_, ok := s.GetRunner("a")
	assert.False(t, ok)
}

func TestForeignRunner_RejectedByOtherScheduler(t *testing.T) {
	s1 := New(discardLogger())
	s2 := New(discardLogger())

	r := newIdleRunner("a")
	r.Push(func(ctx runner.RoutineContext) (float64, bool) { return 0, true }, nil, nil)
	require.NoError(t, s1.StartRunner(r))

	err := s2.StartRunner(r)
	assert.ErrorIs(t, err, ErrForeignRunner)

	err = s2.StopRunner(r)
	assert.ErrorIs(t, err, ErrForeignRunner)

	require.NoError(t, s1.StopRunner(r))
}

func TestOnTempoUpdate_ReloadsAllRunners(t *testing.T) {
	s := New(discardLogger())
	r1 := newIdleRunner("a")
	r2 := newIdleRunner("b")
	r1.Push(func(ctx runner.RoutineContext) (float64, bool) { return 0, true }, nil, nil)
	r2.Push(func(ctx runner.RoutineContext) (float64, bool) { return 0, true }, nil, nil)
	require.NoError(t, s.StartRunner(r1))
	require.NoError(t, s.StartRunner(r2))
	defer s.StopRunner(r1)
	defer s.StopRunner(r2)

	// OnTempoUpdate must not panic or deadlock when fanning out to every
	// started runner; reload/correction are internal to *runner.Runner and
	// are exercised directly in its own package tests.
	assert.NotPanics(t, func() { s.OnTempoUpdate(60, 120) })

	names := s.Names()
	assert.ElementsMatch(t, []string{"a", "b"}, names)
}

func TestReset_ClearsAllRunners(t *testing.T) {
	s := New(discardLogger())
	r := newIdleRunner("a")
	r.Push(func(ctx runner.RoutineContext) (float64, bool) { return 0, true }, nil, nil)
	require.NoError(t, s.StartRunner(r))

	s.Reset()

	_, ok := s.GetRunner("a")
	assert.False(t, ok)
}
