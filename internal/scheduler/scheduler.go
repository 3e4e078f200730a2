// Package scheduler implements the Scheduler: ownership of the
// name->Runner mapping and propagation of tempo changes to every Runner.
// See SPEC_FULL.md §4.3.
package scheduler

import (
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/livecoder/fishbowl/internal/runner"
)

var (
	// ErrForeignRunner is returned when a Runner already belongs to a
	// different Scheduler instance.
	ErrForeignRunner = errors.New("scheduler: runner belongs to a different scheduler")
	// ErrNameCollision is returned when a different Runner instance
	// already occupies the requested name.
	ErrNameCollision = errors.New("scheduler: a different runner is already registered under this name")
)

// Scheduler owns the mapping from routine name to Runner and exposes
// start/stop/reset. It is safe for concurrent use.
type Scheduler struct {
	mu       sync.RWMutex
	runners  map[string]*runner.Runner
	deferred bool
	logger   *logrus.Logger
}

// New constructs an empty Scheduler.
func New(logger *logrus.Logger) *Scheduler {
	if logger == nil {
		logger = logrus.New()
	}
	return &Scheduler{
		runners: make(map[string]*runner.Runner),
		logger:  logger,
	}
}

// SetDeferred toggles the global flag selecting immediate vs. quantised
// start for newly pushed routines. It is read by callers that construct
// Runners (the FishBowl), not by the Scheduler itself.
func (s *Scheduler) SetDeferred(d bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deferred = d
}

// Deferred reports the current deferred-start flag.
func (s *Scheduler) Deferred() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.deferred
}

// StartRunner registers r under r.Name() and starts it. It rejects r if it
// is currently running under a different Scheduler instance, or if a
// different Runner instance already occupies the name. Starting the same
// instance twice is a no-op. Ownership is tracked on the Runner itself
// (Runner.Owner/SetOwner), not in a per-Scheduler map, so the check works
// across distinct Scheduler instances — mirroring the `runner.scheduler`
// attribute check in the original implementation.
func (s *Scheduler) StartRunner(r *runner.Runner) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if owner := r.Owner(); r.IsRunning() && owner != nil && owner != s {
		return fmt.Errorf("starting runner %q: %w", r.Name(), ErrForeignRunner)
	}

	if existing, ok := s.runners[r.Name()]; ok {
		if existing != r {
			return fmt.Errorf("starting runner %q: %w", r.Name(), ErrNameCollision)
		}
		// Same instance: idempotent.
		return r.Start()
	}

	s.runners[r.Name()] = r
	r.SetOwner(s)
	return r.Start()
}

// StopRunner stops r and removes it from the map iff the map entry under
// r.Name() is r itself (guards against ABA where a newer Runner replaced
// it). Calling StopRunner twice is a no-op after the first.
func (s *Scheduler) StopRunner(r *runner.Runner) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if owner := r.Owner(); r.IsRunning() && owner != nil && owner != s {
		return fmt.Errorf("stopping runner %q: %w", r.Name(), ErrForeignRunner)
	}

	if err := r.Stop(); err != nil {
		return err
	}

	if existing, ok := s.runners[r.Name()]; ok && existing == r {
		delete(s.runners, r.Name())
	}
	return nil
}

// GetRunner returns the Runner registered under name, if any.
func (s *Scheduler) GetRunner(name string) (*runner.Runner, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.runners[name]
	return r, ok
}

// Reset stops and removes all runners.
func (s *Scheduler) Reset() {
	s.mu.Lock()
	runners := make([]*runner.Runner, 0, len(s.runners))
	for _, r := range s.runners {
		runners = append(runners, r)
	}
	s.runners = make(map[string]*runner.Runner)
	s.mu.Unlock()

	for _, r := range runners {
		if err := r.Stop(); err != nil {
			s.logger.WithFields(logrus.Fields{"runner": r.Name(), "error": err}).
				Warn("error stopping runner during reset")
		}
	}
}

// OnTempoUpdate is invoked by the FishBowl whenever the clock's tempo
// changes: every runner is told to reload its top state and re-quantise
// its next deadline to the musical grid.
func (s *Scheduler) OnTempoUpdate(old, new float64) {
	s.mu.RLock()
	runners := make([]*runner.Runner, 0, len(s.runners))
	for _, r := range s.runners {
		runners = append(runners, r)
	}
	s.mu.RUnlock()

	s.logger.WithFields(logrus.Fields{"old_tempo": old, "new_tempo": new, "runner_count": len(runners)}).
		Debug("propagating tempo update to runners")

	for _, r := range runners {
		r.AllowIntervalCorrection()
		r.Reload()
	}
}

// Names returns the names of all currently registered runners.
func (s *Scheduler) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.runners))
	for name := range s.runners {
		names = append(names, name)
	}
	return names
}
