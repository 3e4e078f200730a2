package clock

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/livecoder/fishbowl/internal/bowltime"
)

// fakeSource is a manually-advanced Source, grounded on the teacher's
// fakeClock (ezchuang-GoPomodoro/internal/core/engine_test.go): tests
// control time explicitly instead of racing the real OS clock.
type fakeSource struct {
	mu  sync.Mutex
	now float64
}

func (f *fakeSource) Now() float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeSource) set(t float64) {
	f.mu.Lock()
	f.now = t
	f.mu.Unlock()
}

func newTestClock(t *testing.T, tempo float64, beatsPerBar, ppq uint32) (*Clock, *fakeSource) {
	t.Helper()
	fs := &fakeSource{}
	c, err := New(tempo, beatsPerBar, ppq, bowltime.New(0), WithSource(fs))
	require.NoError(t, err)
	return c, fs
}

func TestNew_RejectsInvalidParameters(t *testing.T) {
	_, err := New(0, 4, 24, bowltime.New(0))
	assert.ErrorIs(t, err, ErrInvalidTempo)

	_, err = New(120, 0, 24, bowltime.New(0))
	assert.ErrorIs(t, err, ErrInvalidBeatsPerBar)

	_, err = New(120, 4, 0, bowltime.New(0))
	assert.ErrorIs(t, err, ErrInvalidPulsesPerQuarter)
}

func TestBeatBarPhase_Invariants(t *testing.T) {
	c, _ := newTestClock(t, 120, 4, 24)

	require.NoError(t, c.Start())
	defer c.Stop()

	bd := c.BeatDuration()
	assert.InDelta(t, 0.5, bd, 1e-9) // 60/120

	phase := c.Phase()
	assert.GreaterOrEqual(t, phase, 0.0)
	assert.Less(t, phase, bd)

	beat := c.Beat()
	bar := c.Bar()
	assert.GreaterOrEqual(t, beat, 0.0)
	assert.GreaterOrEqual(t, bar, 0.0)
}

// TestPauseResume_FreezesTime drives the background task with a real
// ticker (unavoidable: Clock does not abstract the ticker itself, only
// the Source), so it uses short real sleeps to let at least one pulse
// land, mirroring the teacher's own use of time.Sleep in
// TestPauseResume_FreezesRemaining (ezchuang-GoPomodoro).
func TestPauseResume_FreezesTime(t *testing.T) {
	c, fs := newTestClock(t, 60, 4, 24) // pulse interval clamps to 20ms
	require.NoError(t, c.Start())

	fs.set(2.0)
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, c.Pause())
	frozen := c.Time()
	assert.InDelta(t, 2.0, frozen, 0.05)

	fs.set(10.0)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, frozen, c.Time(), "time must not advance while paused")

	require.NoError(t, c.Resume())
	fs.set(11.0)
	time.Sleep(50 * time.Millisecond)
	assert.Greater(t, c.Time(), frozen, "time must resume advancing")

	require.NoError(t, c.Stop())
}

func TestSetTempo_InvokesHandlerOnlyOnChange(t *testing.T) {
	var calls int
	var gotOld, gotNew float64
	fs := &fakeSource{}
	c, err := New(60, 4, 24, bowltime.New(0), WithSource(fs), WithTempoChangeHandler(func(old, new float64) {
		calls++
		gotOld, gotNew = old, new
	}))
	require.NoError(t, err)

	require.NoError(t, c.SetTempo(60)) // no change
	assert.Equal(t, 0, calls)

	require.NoError(t, c.SetTempo(120))
	assert.Equal(t, 1, calls)
	assert.Equal(t, 60.0, gotOld)
	assert.Equal(t, 120.0, gotNew)
}

// TestGetBeatTime_TempoChangeScenario reproduces the literal scenario
// (spec.md §8 #4): tempo steps from 60 to 120 at shifted_time=3.4s; the
// next single-beat boundary must land at 3.5s (0.1s away), the musical
// grid point, not at a naive period-based extrapolation. The clock is
// deliberately left un-started so shifted_time is pinned to the Time's
// Origin rather than raced against the background ticker.
func TestGetBeatTime_TempoChangeScenario(t *testing.T) {
	c, err := New(60, 4, 24, bowltime.New(3.4))
	require.NoError(t, err)

	require.NoError(t, c.SetTempo(120))

	// beat_duration is now 0.5s; the next grid boundary after 3.4s is 3.5s.
	wait := c.GetBeatTime(1, true)
	assert.InDelta(t, 0.1, wait, 1e-9)
}

func TestGetBarTime_IsBeatsPerBarMultiple(t *testing.T) {
	c, err := New(120, 4, 24, bowltime.New(0))
	require.NoError(t, err)

	assert.Equal(t, c.GetBeatTime(4, false), c.GetBarTime(1, false))
}
