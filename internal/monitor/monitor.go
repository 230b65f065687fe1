// Package monitor implements `mitosis monitor`: a bubbletea dashboard
// over a core.Context, polling the shadow-process registry the way the
// teacher's servers screen polls server discovery.
package monitor

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/kestrelfork/mitosis/internal/core"
)

const pollInterval = time.Second

var (
	colorPrimary = lipgloss.Color("63")
	colorDim     = lipgloss.Color("243")
)

type keyMap struct {
	Quit key.Binding
	Help key.Binding
}

func (k keyMap) ShortHelp() []key.Binding { return []key.Binding{k.Help, k.Quit} }

func (k keyMap) FullHelp() [][]key.Binding {
	return [][]key.Binding{{k.Help, k.Quit}}
}

// snapshotMsg carries one poll of the registry's published keys.
type snapshotMsg struct {
	keys []uint64
}

type tickMsg struct{}

// Model is the bubbletea dashboard's state: the live registry keys plus
// the usual help/size bookkeeping the teacher's screens keep.
type Model struct {
	ctx  *core.Context
	keys keyMap
	help help.Model

	published     []uint64
	width, height int
}

// New builds a dashboard Model bound to ctx.
func New(ctx *core.Context) Model {
	return Model{
		ctx: ctx,
		keys: keyMap{
			Quit: key.NewBinding(key.WithKeys("q", "ctrl+c"), key.WithHelp("q", "quit")),
			Help: key.NewBinding(key.WithKeys("?"), key.WithHelp("?", "more")),
		},
		help: help.New(),
	}
}

// Init kicks off the first poll and the periodic tick.
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.poll(), tick())
}

func (m Model) poll() tea.Cmd {
	ctx := m.ctx
	return func() tea.Msg {
		return snapshotMsg{keys: ctx.Registry.Keys()}
	}
}

func tick() tea.Cmd {
	return tea.Tick(pollInterval, func(_ time.Time) tea.Msg { return tickMsg{} })
}

// Update handles bubbletea messages, matching the teacher's
// window-size/loaded/tick/key switch shape.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.help.Width = msg.Width
		return m, nil

	case snapshotMsg:
		m.published = msg.keys
		return m, nil

	case tickMsg:
		return m, tea.Batch(m.poll(), tick())

	case tea.KeyMsg:
		switch {
		case key.Matches(msg, m.keys.Quit):
			return m, tea.Quit
		case key.Matches(msg, m.keys.Help):
			m.help.ShowAll = !m.help.ShowAll
		}
	}
	return m, nil
}

// View renders the currently-published keys.
func (m Model) View() string {
	var b strings.Builder
	b.WriteString("  mitosis — prepared processes\n\n")

	if len(m.published) == 0 {
		b.WriteString(lipgloss.NewStyle().Foreground(colorDim).Render("  none prepared"))
		b.WriteString("\n")
	} else {
		for _, k := range m.published {
			b.WriteString(lipgloss.NewStyle().Foreground(colorPrimary).Render(fmt.Sprintf("  key %d", k)))
			b.WriteString("\n")
		}
	}

	b.WriteString("\n")
	b.WriteString(m.help.View(m.keys))
	return b.String()
}

// Run starts the dashboard program, blocking until the user quits.
func Run(ctx *core.Context) error {
	_, err := tea.NewProgram(New(ctx)).Run()
	return err
}
