// Package notify implements a FishBowl Handler that sends a desktop
// notification on every lifecycle transition, grounded verbatim on the
// teacher's internal/notify.Notifier (ezchuang-GoPomodoro).
package notify

import (
	"fmt"

	"github.com/gen2brain/beeep"

	"github.com/livecoder/fishbowl/internal/fishbowl"
)

// Notifier abstracts the desktop-notification backend for testability.
type Notifier interface {
	Notify(title, body string) error
}

type beeepNotifier struct{}

func (beeepNotifier) Notify(title, body string) error {
	return beeep.Notify(title, body, "")
}

// Handler subscribes to the four bowl lifecycle events and forwards each
// one as a desktop notification.
type Handler struct {
	notifier Notifier
}

// New returns a Handler backed by beeep.
func New() *Handler {
	return &Handler{notifier: beeepNotifier{}}
}

// NewWithNotifier returns a Handler backed by a caller-supplied Notifier,
// so callers can avoid touching the real desktop notification system.
func NewWithNotifier(n Notifier) *Handler {
	return &Handler{notifier: n}
}

func (h *Handler) Setup(b *fishbowl.FishBowl) error {
	b.Register(fishbowl.EventStart, h)
	b.Register(fishbowl.EventPause, h)
	b.Register(fishbowl.EventResume, h)
	b.Register(fishbowl.EventStop, h)
	return nil
}

func (h *Handler) Teardown() error { return nil }

func (h *Handler) Hook(event string, _ ...any) {
	_ = h.notifier.Notify("FishBowl", fmt.Sprintf("bowl %s", event))
}
