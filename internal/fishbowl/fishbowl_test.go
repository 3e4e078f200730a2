package fishbowl

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/livecoder/fishbowl/internal/runner"
)

func newTestBowl(t *testing.T) *FishBowl {
	t.Helper()
	b, err := New(120, 4, 24)
	require.NoError(t, err)
	return b
}

func TestLifecycle_ValidTransitions(t *testing.T) {
	b := newTestBowl(t)
	assert.Equal(t, Stopped, b.State())

	require.NoError(t, b.Start())
	assert.Equal(t, Running, b.State())

	require.NoError(t, b.Pause())
	assert.Equal(t, Paused, b.State())

	require.NoError(t, b.Resume())
	assert.Equal(t, Running, b.State())

	require.NoError(t, b.Stop())
	assert.Equal(t, Stopped, b.State())
}

func TestLifecycle_InvalidTransitionsAreNoOps(t *testing.T) {
	b := newTestBowl(t)

	// Pause/Resume from Stopped are no-ops: state must not change.
	require.NoError(t, b.Pause())
	assert.Equal(t, Stopped, b.State())

	require.NoError(t, b.Resume())
	assert.Equal(t, Stopped, b.State())

	require.NoError(t, b.Start())
	// Starting twice is a no-op, not an error.
	require.NoError(t, b.Start())
	assert.Equal(t, Running, b.State())

	require.NoError(t, b.Stop())
	// Stopping twice is a no-op, not an error.
	require.NoError(t, b.Stop())
	assert.Equal(t, Stopped, b.State())
}

// recordingHandler counts Hook calls per event and can be made to panic on
// its first Hook call, for the isolation scenario (spec.md §8 #6).
type recordingHandler struct {
	mu        sync.Mutex
	events    []string
	panicOnce bool
	panicked  bool
}

func (h *recordingHandler) Setup(b *FishBowl) error {
	b.Register(EventTempoUpdate, h)
	return nil
}

func (h *recordingHandler) Teardown() error { return nil }

func (h *recordingHandler) Hook(event string, args ...any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.panicOnce && !h.panicked {
		h.panicked = true
		panic("boom")
	}
	h.events = append(h.events, event)
}

func (h *recordingHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.events)
}

func TestDispatch_HandlerPanicIsolatedFromOthers(t *testing.T) {
	b := newTestBowl(t)

	first := &recordingHandler{panicOnce: true}
	second := &recordingHandler{}
	require.NoError(t, b.AddHandler(first))
	require.NoError(t, b.AddHandler(second))

	require.NoError(t, b.Start())
	defer b.Stop()

	require.NoError(t, b.Clock().SetTempo(140))

	deadline := time.Now().Add(time.Second)
	for second.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	assert.Equal(t, 1, second.count(), "second handler must still receive the event exactly once")
	assert.True(t, first.panicked, "first handler should have panicked")
}

func TestOnTempoUpdate_ReloadsSchedulerRunners(t *testing.T) {
	b := newTestBowl(t)
	require.NoError(t, b.Start())
	defer b.Stop()

	var invocations int32
	_, err := b.Schedule("probe", func(ctx runner.RoutineContext) (float64, bool) {
		atomic.AddInt32(&invocations, 1)
		return 0.05, true
	}, nil, map[string]any{"p": 0.05})
	require.NoError(t, err)

	deadline := time.Now().Add(500 * time.Millisecond)
	for atomic.LoadInt32(&invocations) == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	require.Greater(t, atomic.LoadInt32(&invocations), int32(0), "probe runner must have fired at least once before the tempo change")

	// A tempo change must not panic or deadlock the scheduler's runner
	// reload fan-out, and the probe must keep firing afterwards.
	before := atomic.LoadInt32(&invocations)
	require.NoError(t, b.Clock().SetTempo(240))

	deadline = time.Now().Add(500 * time.Millisecond)
	for atomic.LoadInt32(&invocations) <= before && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	assert.Greater(t, atomic.LoadInt32(&invocations), before, "probe runner must keep firing after a tempo change")
}

func TestAddHandler_SetupCanRegisterImmediately(t *testing.T) {
	b := newTestBowl(t)
	h := &recordingHandler{}
	require.NoError(t, b.AddHandler(h))

	require.NoError(t, b.Start())
	defer b.Stop()

	require.NoError(t, b.Clock().SetTempo(100))

	deadline := time.Now().Add(time.Second)
	for h.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	assert.Equal(t, 1, h.count())
}
