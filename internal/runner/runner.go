// Package runner implements the cooperative per-routine scheduler ("runner"):
// a state machine that sleeps until musical deadlines, executes the
// routine, and reschedules based on the routine's own returned period,
// while tolerating hot-swap of the routine body mid-flight. See
// SPEC_FULL.md §4.2.
package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrNoState is returned by operations that require a state on the stack
// when the stack is empty.
var ErrNoState = errors.New("runner: no state pushed")

// RoutineContext is what the Runner threads through to a RoutineFunc on
// each invocation. The Runner does not interpret Args/Kwargs; only Period
// (the "p" keyword) has semantics at this layer.
type RoutineContext struct {
	Args   []any
	Kwargs map[string]any
	Period float64
}

// RoutineFunc is the routine contract (§6): a callable accepting
// caller-supplied args/kwargs and returning either nothing (ok=false,
// period unchanged) or a numeric next period. A returned period of 0 with
// ok=true means "reuse the previous period" (§9 Open Question).
type RoutineFunc func(ctx RoutineContext) (nextPeriod float64, ok bool)

// RunnerState is a tuple (func, positional args, named args). Runners keep
// an ordered stack of these; the top is the current body.
type RunnerState struct {
	Func   RoutineFunc
	Args   []any
	Kwargs map[string]any
}

// Clock is the subset of internal/clock.Clock the Runner needs to compute
// deadlines: current shifted musical time, beat-quantised durations, and
// the beat duration used as the error-fallback period.
type Clock interface {
	ShiftedTime() float64
	GetBeatTime(n int, sync bool) float64
	BeatDuration() float64
}

// Runner drives one named routine forward in musical time, surviving
// hot-swaps and scheduler-wide tempo corrections. It is safe for
// concurrent use.
type Runner struct {
	name  string
	clock Clock

	mu               sync.Mutex
	states           []RunnerState
	intervalShift    float64
	deferredDeadline *float64
	allowCorrection  bool
	owner            any

	swimCh   chan struct{}
	reloadCh chan struct{}

	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *logrus.Logger
}

// New constructs a Runner bound to the given Clock. name is the Runner's
// stable identity; two Runners with the same name may not coexist in one
// Scheduler (enforced by the Scheduler, not the Runner).
func New(name string, clock Clock, logger *logrus.Logger) *Runner {
	if logger == nil {
		logger = logrus.New()
	}
	return &Runner{
		name:     name,
		clock:    clock,
		swimCh:   make(chan struct{}, 1),
		reloadCh: make(chan struct{}, 1),
		logger:   logger,
	}
}

// Name returns the Runner's stable identity.
func (r *Runner) Name() string { return r.name }

// Owner returns the opaque identity (a *scheduler.Scheduler, compared by
// pointer) of whichever Scheduler last claimed this Runner, or nil if none
// ever has. Mirrors the `runner.scheduler` attribute the Scheduler sets on
// start_runner in the original implementation.
func (r *Runner) Owner() any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.owner
}

// SetOwner records owner as the Scheduler responsible for this Runner.
// Called by Scheduler.StartRunner once it accepts ownership; never cleared
// by StopRunner; so a later StartRunner on a different Scheduler can still
// tell it would be stealing a live Runner (see Owner's use in
// Scheduler.StartRunner/StopRunner).
func (r *Runner) SetOwner(owner any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.owner = owner
}

// Push pushes a new state on top of the stack. If the Runner is already
// running, the background loop picks it up on its next iteration without
// spawning a new task.
func (r *Runner) Push(fn RoutineFunc, args []any, kwargs map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, RunnerState{Func: fn, Args: args, Kwargs: kwargs})
}

// PushDeferred is like Push, but the next invocation is delayed until
// absolute clock time >= deadline (in the same units as Clock.ShiftedTime).
func (r *Runner) PushDeferred(deadline float64, fn RoutineFunc, args []any, kwargs map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, RunnerState{Func: fn, Args: args, Kwargs: kwargs})
	d := deadline
	r.deferredDeadline = &d
}

// UpdateState replaces the args/kwargs of the top state in place.
func (r *Runner) UpdateState(args []any, kwargs map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.states) == 0 {
		return ErrNoState
	}
	top := &r.states[len(r.states)-1]
	top.Args = args
	top.Kwargs = kwargs
	return nil
}

// Reload signals the loop to reread the top state before the next
// invocation, interrupting any in-progress sleep so the recomputed
// deadline (e.g. after a tempo correction) takes effect immediately.
func (r *Runner) Reload() {
	select {
	case r.reloadCh <- struct{}{}:
	default:
	}
}

// Swim wakes the loop immediately if it is sleeping, causing the top
// state to be invoked right away instead of waiting for its deadline.
func (r *Runner) Swim() {
	select {
	case r.swimCh <- struct{}{}:
	default:
	}
}

// AllowIntervalCorrection arms a one-shot flag so the next deadline is
// quantised afresh to the musical grid (the next single beat boundary),
// consumed by the loop on its next deadline computation that is not
// governed by a pending deferred deadline.
func (r *Runner) AllowIntervalCorrection() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.allowCorrection = true
}

// ShiftInterval applies a one-shot temporal correction to the next
// deadline only; it is consumed (reset to 0) the next time the loop
// computes a deadline that is not governed by a pending deferred deadline.
// If an interval correction is armed for that same deadline, the shift is
// consumed without being applied.
func (r *Runner) ShiftInterval(seconds float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.intervalShift = seconds
}

// ResetStates clears the state stack.
func (r *Runner) ResetStates() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = nil
	r.deferredDeadline = nil
}

// StateCount returns the number of states currently on the stack
// (push-pop cardinality invariant, §8).
func (r *Runner) StateCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.states)
}

// Start spawns the background sleep loop if not already running.
func (r *Runner) Start() error {
	r.mu.Lock()
	if r.cancel != nil {
		r.mu.Unlock()
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.wg.Add(1)
	r.mu.Unlock()

	go r.loop(ctx)
	return nil
}

// Stop cancels the background loop and waits for it to exit. Partial
// execution of an in-flight routine body is not interrupted; cancellation
// is honoured only at the next suspension point.
func (r *Runner) Stop() error {
	r.mu.Lock()
	cancel := r.cancel
	r.cancel = nil
	r.mu.Unlock()
	if cancel != nil {
		cancel()
		r.wg.Wait()
	}
	return nil
}

// IsRunning reports whether the background loop is active.
func (r *Runner) IsRunning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancel != nil
}

func durationFromSeconds(s float64) time.Duration {
	if s < 0 {
		s = 0
	}
	return time.Duration(s * float64(time.Second))
}

// loop is the single cooperative task driving this Runner (§4.2, §5). The
// state stack is always read at the top of the loop, never cached across a
// sleep, so a hot-swapped body takes effect on the very next invocation.
func (r *Runner) loop(ctx context.Context) {
	defer r.wg.Done()

	var lastPeriod float64

	for {
		r.mu.Lock()
		if len(r.states) == 0 {
			r.mu.Unlock()
			return
		}
		top := r.states[len(r.states)-1]
		deferred := r.deferredDeadline
		r.deferredDeadline = nil

		// interval_shift/allow_correction are only defined as consumed
		// in the non-deferred ("Else") branch below; a deferred
		// deadline takes priority for this iteration and must leave
		// them armed for the next one.
		var shift float64
		var correction bool
		if deferred == nil {
			shift = r.intervalShift
			r.intervalShift = 0
			correction = r.allowCorrection
			r.allowCorrection = false
		}
		r.mu.Unlock()

		if lastPeriod <= 0 {
			lastPeriod = initialPeriod(top, r.clock)
		}

		now := r.clock.ShiftedTime()
		var wait time.Duration
		switch {
		case deferred != nil:
			wait = durationFromSeconds(*deferred - now)
		case correction:
			wait = durationFromSeconds(r.clock.GetBeatTime(1, true))
		default:
			wait = durationFromSeconds(lastPeriod + shift)
		}

		timer := time.NewTimer(wait)
		woke := true
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		case <-r.swimCh:
			timer.Stop()
		case <-r.reloadCh:
			timer.Stop()
			woke = false
		}
		if !woke {
			continue
		}

		// Re-read the top after the sleep: a body pushed while the loop
		// was sleeping is the one invoked now.
		r.mu.Lock()
		if len(r.states) == 0 {
			r.mu.Unlock()
			return
		}
		top = r.states[len(r.states)-1]
		r.mu.Unlock()

		period, ok, err := r.invoke(top, lastPeriod)
		if err != nil {
			r.logger.WithFields(logrus.Fields{"runner": r.name, "error": err}).
				Error("routine failed; keeping runner alive")
			if lastPeriod <= 0 {
				lastPeriod = r.clock.BeatDuration()
			}
			continue
		}
		if ok && period != 0 {
			lastPeriod = period
		}
	}
}

func initialPeriod(state RunnerState, clock Clock) float64 {
	if state.Kwargs != nil {
		if p, ok := state.Kwargs["p"]; ok {
			if f, ok := p.(float64); ok && f > 0 {
				return f
			}
		}
	}
	return clock.BeatDuration()
}

// invoke calls the routine, isolating panics as errors per §7 (the core
// never crashes on a user-routine panic, only isolates it).
func (r *Runner) invoke(state RunnerState, period float64) (next float64, ok bool, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("runner %q: routine panicked: %v", r.name, p)
		}
	}()
	next, ok = state.Func(RoutineContext{Args: state.Args, Kwargs: state.Kwargs, Period: period})
	return
}
