// Package fishbowl implements the FishBowl: the process-wide coordination
// object that binds the clock, scheduler, and output handlers, broadcasts
// lifecycle events, and owns the shared musical time. See SPEC_FULL.md
// §4.4.
package fishbowl

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/livecoder/fishbowl/internal/bowltime"
	"github.com/livecoder/fishbowl/internal/clock"
	"github.com/livecoder/fishbowl/internal/runner"
	"github.com/livecoder/fishbowl/internal/scheduler"
)

// State is the FishBowl's lifecycle state.
type State int

const (
	Stopped State = iota
	Running
	Paused
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Running:
		return "running"
	case Paused:
		return "paused"
	default:
		return "unknown"
	}
}

// Event names dispatched by the core.
const (
	EventStart       = "start"
	EventPause       = "pause"
	EventResume      = "resume"
	EventStop        = "stop"
	EventTempoUpdate = "tempo_update"
)

// ErrUnknownRoutine is returned by Schedule if name is empty.
var ErrUnknownRoutine = errors.New("fishbowl: routine name must not be empty")

// Handler is the capability set any bowl subscriber implements (§6, §9):
// setup/teardown lifecycle plus a per-event hook. Setup may call
// Register(event) for any events the handler wishes to observe.
type Handler interface {
	Setup(b *FishBowl) error
	Teardown() error
	Hook(event string, args ...any)
}

// FishBowl is the lifecycle hub and event router.
type FishBowl struct {
	id uuid.UUID

	mu            sync.RWMutex
	time          *bowltime.Time
	clock         *clock.Clock
	scheduler     *scheduler.Scheduler
	handlers      []Handler
	subscriptions map[string][]Handler
	state         State

	logger *logrus.Logger
}

// Option configures a FishBowl at construction time.
type Option func(*FishBowl)

// WithLogger overrides the structured logger (defaults to a discard logger).
func WithLogger(l *logrus.Logger) Option {
	return func(b *FishBowl) { b.logger = l }
}

// New constructs a FishBowl with its own Time, Clock, and Scheduler.
func New(tempo float64, beatsPerBar, pulsesPerQuarter uint32, opts ...Option) (*FishBowl, error) {
	b := &FishBowl{
		id:            uuid.New(),
		time:          &bowltime.Time{},
		subscriptions: make(map[string][]Handler),
		logger:        discardLogger(),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.scheduler = scheduler.New(b.logger)

	c, err := clock.New(tempo, beatsPerBar, pulsesPerQuarter, b.time,
		clock.WithLogger(b.logger),
		clock.WithTempoChangeHandler(b.onTempoUpdate),
		clock.WithFatalHandler(b.onClockFatal),
	)
	if err != nil {
		return nil, err
	}
	b.clock = c
	return b, nil
}

func discardLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(noopWriter{})
	return l
}

type noopWriter struct{}

func (noopWriter) Write(p []byte) (int, error) { return len(p), nil }

// ID returns the bowl's instance identifier. The bowl stamps it into its
// own log lines (handler panics, clock failure); log lines written by the
// clock, runners and scheduler do not carry it.
func (b *FishBowl) ID() uuid.UUID { return b.id }

// Clock returns the bowl's Clock.
func (b *FishBowl) Clock() *clock.Clock { return b.clock }

// Scheduler returns the bowl's Scheduler.
func (b *FishBowl) Scheduler() *scheduler.Scheduler { return b.scheduler }

// State returns the current lifecycle state.
func (b *FishBowl) State() State {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

// NewRunner constructs a Runner bound to this bowl's Clock, ready to be
// passed to Scheduler().StartRunner.
func (b *FishBowl) NewRunner(name string) *runner.Runner {
	return runner.New(name, b.clock, b.logger)
}

// Schedule is the sugar named in §2: create-or-reuse a Runner bound to
// name, push fn as its initial body, and start it. If the scheduler's
// deferred-start flag (Scheduler.SetDeferred) is set, the first invocation
// is held back to the next beat boundary; otherwise it fires one period
// after the runner starts.
func (b *FishBowl) Schedule(name string, fn runner.RoutineFunc, args []any, kwargs map[string]any) (*runner.Runner, error) {
	if name == "" {
		return nil, ErrUnknownRoutine
	}
	r, ok := b.scheduler.GetRunner(name)
	if !ok {
		r = b.NewRunner(name)
	}
	if b.scheduler.Deferred() {
		deadline := b.clock.ShiftedTime() + b.clock.GetBeatTime(1, true)
		r.PushDeferred(deadline, fn, args, kwargs)
	} else {
		r.Push(fn, args, kwargs)
	}
	if err := b.scheduler.StartRunner(r); err != nil {
		return nil, fmt.Errorf("scheduling %q: %w", name, err)
	}
	return r, nil
}

// AddHandler attaches h: h.Setup(b) is called, which may Register for any
// events it wishes to observe.
func (b *FishBowl) AddHandler(h Handler) error {
	b.mu.Lock()
	b.handlers = append(b.handlers, h)
	b.mu.Unlock()
	return h.Setup(b)
}

// RemoveHandler detaches h: h.Teardown() is called and all of its
// subscriptions are dropped.
func (b *FishBowl) RemoveHandler(h Handler) error {
	err := h.Teardown()

	b.mu.Lock()
	defer b.mu.Unlock()
	for i, hh := range b.handlers {
		if hh == h {
			b.handlers = append(b.handlers[:i], b.handlers[i+1:]...)
			break
		}
	}
	for event, hs := range b.subscriptions {
		filtered := hs[:0:0]
		for _, hh := range hs {
			if hh != h {
				filtered = append(filtered, hh)
			}
		}
		b.subscriptions[event] = filtered
	}
	return err
}

// Register subscribes h to event. Call from within Handler.Setup.
func (b *FishBowl) Register(event string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscriptions[event] = append(b.subscriptions[event], h)
}

// dispatch delivers event to every handler subscribed to it, in
// registration order. A panic or error inside one handler's Hook is
// isolated and does not prevent later handlers from receiving the event
// (§4.4, §7, §8 scenario 6).
func (b *FishBowl) dispatch(event string, args ...any) {
	b.mu.RLock()
	hs := append([]Handler(nil), b.subscriptions[event]...)
	b.mu.RUnlock()

	for _, h := range hs {
		b.safeHook(h, event, args...)
	}
}

func (b *FishBowl) safeHook(h Handler, event string, args ...any) {
	defer func() {
		if p := recover(); p != nil {
			b.logger.WithFields(logrus.Fields{"bowl": b.id, "event": event, "panic": p}).
				Error("handler panicked; isolating")
		}
	}()
	h.Hook(event, args...)
}

// onTempoUpdate is wired into the Clock at construction. The Scheduler is
// a core-owned component, not a generic external Handler, so it is
// notified directly (guaranteeing runner reload even if a later
// externally-registered handler panics) before the event fans out to
// registered handlers.
func (b *FishBowl) onTempoUpdate(old, new float64) {
	b.scheduler.OnTempoUpdate(old, new)
	b.dispatch(EventTempoUpdate, old, new)
}

// onClockFatal is wired into the Clock at construction (§7: a clock source
// error is fatal for the clock; the bowl transitions to Stopped and emits
// stop).
func (b *FishBowl) onClockFatal(err error) {
	b.logger.WithFields(logrus.Fields{"bowl": b.id, "error": err}).Error("clock source failed; stopping bowl")
	b.mu.Lock()
	b.state = Stopped
	b.mu.Unlock()
	b.dispatch(EventStop)
}

// Start transitions Stopped -> Running and dispatches "start". Any other
// transition is a no-op.
func (b *FishBowl) Start() error {
	b.mu.Lock()
	if b.state != Stopped {
		b.mu.Unlock()
		return nil
	}
	b.state = Running
	b.mu.Unlock()

	if err := b.clock.Start(); err != nil {
		return err
	}
	b.dispatch(EventStart)
	return nil
}

// Pause transitions Running -> Paused and dispatches "pause". Any other
// transition is a no-op.
func (b *FishBowl) Pause() error {
	b.mu.Lock()
	if b.state != Running {
		b.mu.Unlock()
		return nil
	}
	b.state = Paused
	b.mu.Unlock()

	if err := b.clock.Pause(); err != nil {
		return err
	}
	b.dispatch(EventPause)
	return nil
}

// Resume transitions Paused -> Running and dispatches "resume". Any other
// transition is a no-op.
func (b *FishBowl) Resume() error {
	b.mu.Lock()
	if b.state != Paused {
		b.mu.Unlock()
		return nil
	}
	b.state = Running
	b.mu.Unlock()

	if err := b.clock.Resume(); err != nil {
		return err
	}
	b.dispatch(EventResume)
	return nil
}

// Stop transitions {Running,Paused} -> Stopped and dispatches "stop". Any
// other transition (already Stopped) is a no-op.
func (b *FishBowl) Stop() error {
	b.mu.Lock()
	if b.state == Stopped {
		b.mu.Unlock()
		return nil
	}
	b.state = Stopped
	b.mu.Unlock()

	err := b.clock.Stop()
	b.dispatch(EventStop)
	return err
}
