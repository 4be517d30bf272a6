package tui

import (
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/capmesh/capmesh/internal/coordination"
)

const defaultRefreshInterval = 1 * time.Second

// StatusProvider supplies the snapshot the live view renders. The hub
// satisfies it directly.
type StatusProvider interface {
	GetStatus() coordination.Status
}

type tickMsg time.Time

// Model is the live status view. It polls the provider on a fixed
// interval rather than subscribing to the bus so a noisy mesh cannot
// overwhelm the terminal.
type Model struct {
	provider StatusProvider
	interval time.Duration
	status   coordination.Status
	width    int
	height   int
}

// NewModel builds the live view around a status provider. A
// non-positive interval falls back to one second.
func NewModel(provider StatusProvider, interval time.Duration) Model {
	if interval <= 0 {
		interval = defaultRefreshInterval
	}
	return Model{
		provider: provider,
		interval: interval,
		status:   provider.GetStatus(),
	}
}

func (m Model) tick() tea.Cmd {
	return tea.Tick(m.interval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m Model) Init() tea.Cmd {
	return m.tick()
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		}
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
	case tickMsg:
		m.status = m.provider.GetStatus()
		return m, m.tick()
	}
	return m, nil
}

func (m Model) View() string {
	body := RenderStatus(m.status)
	return panelStyle.Render(body) + "\n" + helpStyle.Render("q: quit")
}

// Run drives the live view until the user quits.
func Run(provider StatusProvider, interval time.Duration) error {
	p := tea.NewProgram(NewModel(provider, interval), tea.WithAltScreen())
	_, err := p.Run()
	return err
}
