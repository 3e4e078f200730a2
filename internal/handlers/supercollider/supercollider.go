// Package supercollider is a placeholder output adapter: it subscribes
// to tempo_update and logs that a SuperCollider server control message
// would be dispatched. Real scsynth wire encoding is out of scope
// (spec.md Non-goals).
package supercollider

import (
	"github.com/sirupsen/logrus"

	"github.com/livecoder/fishbowl/internal/fishbowl"
)

// Handler logs tempo changes as if forwarding a /n_set tempo control
// message to a running scsynth server.
type Handler struct {
	logger *logrus.Logger
	nodeID int32
}

// New constructs a Handler that logs via logger (or a fresh default
// logger if nil), tagging log lines with the target synth node ID.
func New(logger *logrus.Logger, nodeID int32) *Handler {
	if logger == nil {
		logger = logrus.New()
	}
	return &Handler{logger: logger, nodeID: nodeID}
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
		"node_id":   h.nodeID,
		"old_tempo": old,
		"new_tempo": tempo,
	}).Info("supercollider: would dispatch /n_set tempo control")
}
