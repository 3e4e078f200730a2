// Package clock implements the musical clock: a monotonic, tempo-aware
// time source that exposes beat, bar, and phase, and supports pause/resume
// with time shift. See SPEC_FULL.md §4.1.
package clock

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/livecoder/fishbowl/internal/bowltime"
)

var (
	// ErrInvalidTempo is returned when a tempo <= 0 is supplied.
	ErrInvalidTempo = errors.New("clock: tempo must be > 0")
	// ErrInvalidBeatsPerBar is returned when beats_per_bar < 1 is supplied.
	ErrInvalidBeatsPerBar = errors.New("clock: beats_per_bar must be >= 1")
	// ErrInvalidPulsesPerQuarter is returned when pulses_per_quarter < 1.
	ErrInvalidPulsesPerQuarter = errors.New("clock: pulses_per_quarter must be >= 1")
)

const (
	minPulseInterval = time.Millisecond
	maxPulseInterval = 20 * time.Millisecond
)

// Source abstracts the monotonic time source the Clock advances against,
// mirroring the teacher's injectable Clock test seam (internal/core.Clock
// in ezchuang-GoPomodoro) so tests can supply a fake instead of the OS
// clock.
type Source interface {
	// Now returns monotonically increasing seconds since some fixed,
	// arbitrary epoch captured when the Source was created.
	Now() float64
}

type realSource struct{ start time.Time }

// NewRealSource returns a Source backed by the OS monotonic clock.
func NewRealSource() Source {
	return &realSource{start: time.Now()}
}

func (r *realSource) Now() float64 {
	return time.Since(r.start).Seconds()
}

// reading is an internally-consistent snapshot of all derived clock values,
// computed under a single lock acquisition to avoid tearing between e.g.
// beat and phase.
type reading struct {
	time         float64
	shiftedTime  float64
	beatDuration float64
	beat         float64
	bar          float64
	phase        float64
}

// Clock owns a tempo, beats-per-bar, and a background task that advances
// internal_time. It is safe for concurrent use.
type Clock struct {
	mu sync.RWMutex

	tempo            float64
	beatsPerBar      uint32
	pulsesPerQuarter uint32

	time *bowltime.Time

	internalOrigin *float64
	internalTime   *float64
	timeIsOrigin   bool

	source Source
	logger *logrus.Logger

	onTempoChange func(old, new float64)
	onFatal       func(error)

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures a Clock at construction time.
type Option func(*Clock)

// WithSource overrides the monotonic time source (for tests).
func WithSource(s Source) Option {
	return func(c *Clock) { c.source = s }
}

// WithLogger overrides the structured logger (defaults to a discard logger).
func WithLogger(l *logrus.Logger) Option {
	return func(c *Clock) { c.logger = l }
}

// WithTempoChangeHandler registers the callback invoked with (old, new)
// whenever SetTempo changes the tempo. FishBowl uses this to dispatch the
// tempo_update event without clock importing fishbowl.
func WithTempoChangeHandler(fn func(old, new float64)) Option {
	return func(c *Clock) { c.onTempoChange = fn }
}

// WithFatalHandler registers the callback invoked if the background run()
// task's Source panics. A clock source error is fatal for the clock (§7);
// FishBowl uses this to transition the bowl to Stopped and dispatch "stop".
func WithFatalHandler(fn func(error)) Option {
	return func(c *Clock) { c.onFatal = fn }
}

// New constructs a Clock bound to the given shared Time. t must not be nil;
// FishBowl owns the Time and shares a pointer with its Clock.
func New(tempo float64, beatsPerBar, pulsesPerQuarter uint32, t *bowltime.Time, opts ...Option) (*Clock, error) {
	if tempo <= 0 {
		return nil, ErrInvalidTempo
	}
	if beatsPerBar < 1 {
		return nil, ErrInvalidBeatsPerBar
	}
	if pulsesPerQuarter < 1 {
		return nil, ErrInvalidPulsesPerQuarter
	}
	c := &Clock{
		tempo:            tempo,
		beatsPerBar:      beatsPerBar,
		pulsesPerQuarter: pulsesPerQuarter,
		time:             t,
		source:           NewRealSource(),
		logger:           discardLogger(),
		timeIsOrigin:     true,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func discardLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(discardWriter{})
	return l
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

// Start spawns the background run() task if not already running, anchors
// internal_origin to the current internal_time, and clears time_is_origin.
func (c *Clock) Start() error {
	return c.startOrResume()
}

// Resume has the same effect as Start: spawn run() if not already running.
func (c *Clock) Resume() error {
	return c.startOrResume()
}

func (c *Clock) startOrResume() error {
	c.mu.Lock()
	// Re-anchor and unfreeze unconditionally: Pause() leaves the background
	// task running (only Stop() cancels it), so Resume() after Pause() must
	// still clear time_is_origin even though c.cancel is already non-nil.
	now := c.source.Now()
	if c.internalTime == nil {
		c.internalTime = &now
	}
	origin := *c.internalTime
	c.internalOrigin = &origin
	c.timeIsOrigin = false

	if c.cancel != nil {
		// background task already running: idempotent beyond re-anchoring
		c.mu.Unlock()
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	interval := c.pulseIntervalLocked()
	c.wg.Add(1)
	c.mu.Unlock()

	go c.run(ctx, interval)
	return nil
}

func (c *Clock) pulseIntervalLocked() time.Duration {
	beatDuration := 60 / c.tempo
	iv := time.Duration(beatDuration / float64(c.pulsesPerQuarter) * float64(time.Second))
	if iv < minPulseInterval {
		return minPulseInterval
	}
	if iv > maxPulseInterval {
		return maxPulseInterval
	}
	return iv
}

// run is the background time source (§4.1). internal_time increases
// strictly in real time; gaps <= one pulse are acceptable.
func (c *Clock) run(ctx context.Context, interval time.Duration) {
	defer c.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t, fatal := c.readSource()
			if fatal != nil {
				c.logger.WithError(fatal).Error("clock source failed; stopping background task")
				c.mu.Lock()
				c.cancel = nil
				c.mu.Unlock()
				if c.onFatal != nil {
					c.onFatal(fatal)
				}
				return
			}
			c.mu.Lock()
			c.internalTime = &t
			c.mu.Unlock()
		}
	}
}

// readSource isolates a panicking Source, per §7's "clock source error is
// fatal for the clock" — the panic itself must not crash the process.
func (c *Clock) readSource() (t float64, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("clock: source panicked: %v", p)
		}
	}()
	t = c.source.Now()
	return
}

// Pause latches origin <- time and freezes subsequent time reads. It does
// not cancel the background task; Stop does.
func (c *Clock) Pause() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.timeIsOrigin {
		return nil
	}
	c.time.Origin = c.timeUnlocked()
	c.timeIsOrigin = true
	return nil
}

// Stop freezes time like Pause, then cancels the background run() task.
func (c *Clock) Stop() error {
	c.mu.Lock()
	c.time.Origin = c.timeUnlocked()
	c.timeIsOrigin = true
	cancel := c.cancel
	c.cancel = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
		c.wg.Wait()
	}

	c.mu.Lock()
	c.internalOrigin = nil
	c.internalTime = nil
	c.mu.Unlock()
	return nil
}

// IsRunning reports whether the background run() task is active.
func (c *Clock) IsRunning() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cancel != nil
}

// timeUnlocked must be called with c.mu held (read or write).
func (c *Clock) timeUnlocked() float64 {
	if c.timeIsOrigin || c.internalOrigin == nil || c.internalTime == nil {
		return c.time.Origin
	}
	return *c.internalTime - *c.internalOrigin + c.time.Origin
}

func (c *Clock) snapshot() reading {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t := c.timeUnlocked()
	st := t + c.time.Shift
	bd := 60 / c.tempo
	beat := math.Floor(st / bd)
	bar := math.Floor(beat / float64(c.beatsPerBar))
	phase := math.Mod(st, bd)
	if phase < 0 {
		phase += bd
	}
	if phase >= bd {
		phase -= bd
	}
	return reading{time: t, shiftedTime: st, beatDuration: bd, beat: beat, bar: bar, phase: phase}
}

// Time returns the current musical time in seconds, frozen at the latched
// origin while paused or stopped.
func (c *Clock) Time() float64 { return c.snapshot().time }

// ShiftedTime returns Time() + Shift.
func (c *Clock) ShiftedTime() float64 { return c.snapshot().shiftedTime }

// BeatDuration returns 60/tempo seconds.
func (c *Clock) BeatDuration() float64 { return c.snapshot().beatDuration }

// Beat returns floor(shifted_time / beat_duration).
func (c *Clock) Beat() float64 { return c.snapshot().beat }

// Bar returns floor(beat / beats_per_bar).
func (c *Clock) Bar() float64 { return c.snapshot().bar }

// Phase returns shifted_time mod beat_duration, clamped into
// [0, beat_duration).
func (c *Clock) Phase() float64 { return c.snapshot().phase }

// Tempo returns the current tempo in beats per minute.
func (c *Clock) Tempo() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tempo
}

// BeatsPerBar returns the current beats-per-bar.
func (c *Clock) BeatsPerBar() uint32 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.beatsPerBar
}

// SetTempo assigns a new tempo and, iff it differs from the old one,
// invokes the tempo-change handler registered via WithTempoChangeHandler.
func (c *Clock) SetTempo(tempo float64) error {
	if tempo <= 0 {
		return ErrInvalidTempo
	}
	c.mu.Lock()
	old := c.tempo
	c.tempo = tempo
	c.mu.Unlock()

	if old != tempo {
		c.logger.WithFields(logrus.Fields{"old_tempo": old, "new_tempo": tempo}).Info("tempo changed")
		if c.onTempoChange != nil {
			c.onTempoChange(old, tempo)
		}
	}
	return nil
}

// SetBeatsPerBar assigns a new beats-per-bar.
func (c *Clock) SetBeatsPerBar(n uint32) error {
	if n < 1 {
		return ErrInvalidBeatsPerBar
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.beatsPerBar = n
	return nil
}

// GetBeatTime returns seconds until n beats elapse. If sync is true, the
// result quantises to the next grid point. If n <= 0, returns 0.
func (c *Clock) GetBeatTime(n int, sync bool) float64 {
	if n <= 0 {
		return 0
	}
	r := c.snapshot()
	interval := r.beatDuration * float64(n)
	if !sync {
		return interval
	}
	rem := math.Mod(r.shiftedTime, interval)
	if rem < 0 {
		rem += interval
	}
	return interval - rem
}

// GetBarTime is GetBeatTime(n * beats_per_bar, sync).
func (c *Clock) GetBarTime(n int, sync bool) float64 {
	c.mu.RLock()
	bpb := int(c.beatsPerBar)
	c.mu.RUnlock()
	return c.GetBeatTime(n*bpb, sync)
}
