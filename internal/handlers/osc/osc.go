// Package osc is a placeholder output adapter: it subscribes to
// tempo_update and logs that an OSC control bundle would be dispatched.
// Real OSC wire encoding is out of scope (spec.md Non-goals).
package osc

import (
	"github.com/sirupsen/logrus"

	"github.com/livecoder/fishbowl/internal/fishbowl"
)

// Handler logs tempo changes as if forwarding /tempo OSC messages to an
// external synth or visual engine.
type Handler struct {
	logger  *logrus.Logger
	address string
}

// New constructs a Handler that logs via logger (or a fresh default
// logger if nil), tagging log lines with the target address.
func New(logger *logrus.Logger, address string) *Handler {
	if logger == nil {
		logger = logrus.New()
	}
	return &Handler{logger: logger, address: address}
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
	h.logger.WithFields(logrus.Fields{
		"address":   h.address,
		"old_tempo": old,
		"new_tempo": tempo,
	}).Info("osc: would dispatch /tempo bundle")
}
