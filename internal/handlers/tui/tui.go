// Package tui implements a terminal dashboard Handler rendering bowl/clock
// state, grounded on the teacher's internal/ui.Model (ezchuang-GoPomodoro),
// re-targeted from Pomodoro work/break phases to clock beat/bar/phase and
// the live runner list.
package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/livecoder/fishbowl/internal/fishbowl"
)

// Handler adapts a bubbletea program to the fishbowl.Handler contract:
// lifecycle events are forwarded into the running program as messages.
type Handler struct {
	bowl    *fishbowl.FishBowl
	model   *model
	program *tea.Program
}

// New constructs a Handler bound to bowl. Call Run to start the program;
// Run blocks until the user quits.
func New(bowl *fishbowl.FishBowl) *Handler {
	return &Handler{
		bowl: bowl,
		model: &model{
			bowl:     bowl,
			progress: progress.New(progress.WithDefaultGradient()),
		},
	}
}

func (h *Handler) Setup(b *fishbowl.FishBowl) error {
	b.Register(fishbowl.EventStart, h)
	b.Register(fishbowl.EventPause, h)
	b.Register(fishbowl.EventResume, h)
	b.Register(fishbowl.EventStop, h)
	b.Register(fishbowl.EventTempoUpdate, h)
	return nil
}

func (h *Handler) Teardown() error {
	if h.program != nil {
		h.program.Quit()
	}
	return nil
}

func (h *Handler) Hook(event string, _ ...any) {
	if h.program != nil {
		h.program.Send(bowlEventMsg{event: event})
	}
}

// Run starts the bubbletea program and blocks until the user quits.
func (h *Handler) Run() error {
	h.program = tea.NewProgram(h.model, tea.WithAltScreen())
	_, err := h.program.Run()
	return err
}

type model struct {
	bowl *fishbowl.FishBowl

	width  int
	height int

	progress progress.Model
}

type tickMsg time.Time
type bowlEventMsg struct{ event string }

func tickCmd() tea.Cmd {
	return tea.Tick(time.Second/4, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m *model) Init() tea.Cmd {
	return tea.Batch(tickCmd(), tea.EnterAltScreen)
}

func (m *model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "esc", "ctrl+c":
			return m, tea.Quit
		}
	case tickMsg:
		return m, tickCmd()
	case bowlEventMsg:
		// state is read live from the bowl on every View(); the event
		// only forces an earlier repaint than the next tick would.
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
	}
	return m, nil
}

func (m *model) View() string {
	c := m.bowl.Clock()
	names := m.bowl.Scheduler().Names()

	title := lipgloss.NewStyle().Bold(true).Underline(true).Render("FishBowl")
	state := lipgloss.NewStyle().Bold(true).Render(m.bowl.State().String())

	info := fmt.Sprintf("Tempo: %.1f bpm\nBeat: %.0f   Bar: %.0f\nPhase: %.3fs / %.3fs\nRunners: %s",
		c.Tempo(), c.Beat(), c.Bar(), c.Phase(), c.BeatDuration(), strings.Join(names, ", "))

	var ratio float64
	if bd := c.BeatDuration(); bd > 0 {
		ratio = c.Phase() / bd
	}
	bar := m.progress.ViewAs(ratio)

	help := lipgloss.NewStyle().Faint(true).Render("[q] quit")

	box := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		Padding(1, 2).
		Width(maxInt(32, m.width-4)).
		Render(fmt.Sprintf("%s\n\nState: %s\n%s\n%s\n\n%s", title, state, info, bar, help))

	return lipgloss.Place(m.width, m.height, lipgloss.Center, lipgloss.Center, box)
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
