// Package midi is a placeholder output adapter: it subscribes to
// tempo_update and logs that a MIDI clock message would be dispatched.
// Real MIDI wire encoding is out of scope (spec.md Non-goals).
package midi

import (
	"github.com/sirupsen/logrus"

	"github.com/livecoder/fishbowl/internal/fishbowl"
)

// Handler logs tempo changes as if forwarding MIDI clock/song-tempo
// messages to an external sequencer.
type Handler struct {
	logger *logrus.Logger
}

// New constructs a Handler that logs via logger (or a fresh default
// logger if nil).
func New(logger *logrus.Logger) *Handler {
	if logger == nil {
		logger = logrus.New()
	}
	return &Handler{logger: logger}
}

func (h *Handler) Setup(b *fishbowl.FishBowl) error {
	b.Register(fishbowl.EventTempoUpdate, h)
	return nil
}

func (h *Handler) Teardown() error { return nil }

func (h *Handler) Hook(event string, args ...any) {
	if event != fishbowl.EventTempoUpdate || len(args) != 2 {
		return
	}
	old, _ := args[0].(float64)
	tempo, _ := args[1].(float64)
	h.logger.WithFields(logrus.Fields{"old_tempo": old, "new_tempo": tempo}).
		Info("midi: would dispatch clock tempo message")
}
