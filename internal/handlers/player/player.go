// Package player stands in for the full pattern-language player named in
// SPEC_FULL.md §4.5 (Non-goals: no pattern DSL is implemented here). It
// supplies a RoutineFunc that cycles through a fixed list of values,
// logging each "note" it would emit, and always returns a falsy period
// (0, true) so the Runner reuses whatever period it was last given —
// exercising that rule (spec.md §4.2 step 2) without a real pattern
// evaluator behind it.
package player

import (
	"github.com/sirupsen/logrus"

	"github.com/livecoder/fishbowl/internal/runner"
)

// New returns a RoutineFunc that, on each invocation, logs the next value
// from pattern (wrapping around) and signals "reuse the previous period"
// by returning ok=true with period 0.
func New(logger *logrus.Logger, name string, pattern []any) runner.RoutineFunc {
	if logger == nil {
		logger = logrus.New()
	}
	i := 0
	return func(ctx runner.RoutineContext) (float64, bool) {
		if len(pattern) == 0 {
			return 0, true
		}
		value := pattern[i%len(pattern)]
		i++
		logger.WithFields(logrus.Fields{
			"player": name,
			"value":  value,
			"period": ctx.Period,
		}).Info("player: would emit note")
		return 0, true
	}
}
