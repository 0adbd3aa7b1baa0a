// Package monitor is a terminal view of a live session: connection state,
// signal quality and a sparkline per channel preview.
package monitor

import (
	"context"
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/e7canasta/orion-biosense/modules/biosession"
	"github.com/e7canasta/orion-biosense/modules/broadcast"
)

// Source is the broadcast surface the monitor renders.
// *streampublisher.Publisher implements it.
type Source interface {
	State() broadcast.Observable[biosession.ConnectionState]
	Quality() broadcast.Observable[biosession.SignalQuality]
	Preview(ch biosession.Channel) broadcast.Observable[[]float64]
}

// Actions are the session controls bound to keys. Nil actions are
// disabled.
type Actions struct {
	Connect    func()
	Disconnect func()
}

type stateMsg biosession.ConnectionState

type qualityMsg biosession.SignalQuality

type previewMsg struct {
	channel biosession.Channel
	samples []float64
}

// actionDoneMsg reports that a key-bound action returned.
type actionDoneMsg struct{}

const (
	eventBuffer  = 256
	defaultWidth = 80
	labelWidth   = 6
	rangeWidth   = 22
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	labelStyle = lipgloss.NewStyle().Width(labelWidth).Bold(true)
	dimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	sparkStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))

	stateColors = map[biosession.ConnectionState]lipgloss.Color{
		biosession.Disconnected: "8",
		biosession.Connecting:   "11",
		biosession.Connected:    "10",
		biosession.Error:        "9",
	}
	qualityColors = map[biosession.SignalQuality]lipgloss.Color{
		biosession.Poor:      "9",
		biosession.Fair:      "11",
		biosession.Good:      "10",
		biosession.Excellent: "14",
	}
)

// Model is the bubbletea model.
type Model struct {
	actions Actions
	events  chan tea.Msg
	unsubs  []func()

	state    biosession.ConnectionState
	quality  biosession.SignalQuality
	previews [biosession.NumChannels][]float64
	width    int
	busy     bool
}

// New subscribes to src. Call Close when the program ends.
func New(src Source, actions Actions) *Model {
	m := &Model{
		actions: actions,
		events:  make(chan tea.Msg, eventBuffer),
		width:   defaultWidth,
	}

	// Sends are non-blocking: a stalled terminal drops preview frames, and
	// the next frame replaces them anyway.
	send := func(msg tea.Msg) {
		select {
		case m.events <- msg:
		default:
		}
	}

	m.unsubs = append(m.unsubs,
		src.State().Subscribe(func(s biosession.ConnectionState) { send(stateMsg(s)) }),
		src.Quality().Subscribe(func(q biosession.SignalQuality) { send(qualityMsg(q)) }),
	)
	for _, ch := range biosession.AllChannels {
		m.unsubs = append(m.unsubs, src.Preview(ch).Subscribe(func(samples []float64) {
			send(previewMsg{channel: ch, samples: samples})
		}))
	}
	return m
}

// Close ends the subscriptions.
func (m *Model) Close() {
	for _, unsub := range m.unsubs {
		unsub()
	}
	m.unsubs = nil
}

// Init implements tea.Model.
func (m *Model) Init() tea.Cmd {
	return m.listen()
}

func (m *Model) listen() tea.Cmd {
	return func() tea.Msg {
		return <-m.events
	}
}

// Update implements tea.Model.
func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m, m.handleKey(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		return m, nil

	case stateMsg:
		m.state = biosession.ConnectionState(msg)
		return m, m.listen()

	case qualityMsg:
		m.quality = biosession.SignalQuality(msg)
		return m, m.listen()

	case previewMsg:
		m.previews[msg.channel] = msg.samples
		return m, m.listen()

	case actionDoneMsg:
		m.busy = false
		return m, nil
	}
	return m, nil
}

func (m *Model) handleKey(msg tea.KeyMsg) tea.Cmd {
	switch msg.String() {
	case "q", "ctrl+c", "esc":
		return tea.Quit
	case "c":
		return m.run(m.actions.Connect)
	case "d":
		return m.run(m.actions.Disconnect)
	}
	return nil
}

// run executes a blocking action off the update loop, one at a time.
func (m *Model) run(action func()) tea.Cmd {
	if action == nil || m.busy {
		return nil
	}
	m.busy = true
	return func() tea.Msg {
		action()
		return actionDoneMsg{}
	}
}

// View implements tea.Model.
func (m *Model) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("biosense monitor"))
	b.WriteString("\n\n")

	state := lipgloss.NewStyle().Foreground(stateColors[m.state]).Render(m.state.String())
	quality := lipgloss.NewStyle().Foreground(qualityColors[m.quality]).Render(m.quality.String())
	fmt.Fprintf(&b, "State: %s   Quality: %s\n\n", state, quality)

	sparkWidth := max(m.width-labelWidth-rangeWidth-2, 8)
	for _, ch := range biosession.AllChannels {
		samples := m.previews[ch]
		b.WriteString(labelStyle.Render(ch.String()))
		if len(samples) == 0 {
			b.WriteString(dimStyle.Render("no data"))
			b.WriteString("\n")
			continue
		}
		lo, hi := bounds(samples)
		b.WriteString(sparkStyle.Render(Sparkline(samples, sparkWidth)))
		b.WriteString(dimStyle.Render(fmt.Sprintf("  %8.2f..%-8.2f", lo, hi)))
		b.WriteString("\n")
	}

	b.WriteString("\n")
	b.WriteString(dimStyle.Render(m.help()))
	b.WriteString("\n")
	return b.String()
}

func (m *Model) help() string {
	keys := []string{}
	if m.actions.Connect != nil {
		keys = append(keys, "c connect")
	}
	if m.actions.Disconnect != nil {
		keys = append(keys, "d disconnect")
	}
	keys = append(keys, "q quit")
	if m.busy {
		keys = append(keys, "(working...)")
	}
	return strings.Join(keys, " · ")
}

// Run shows the monitor until the user quits or ctx is cancelled.
func Run(ctx context.Context, src Source, actions Actions) error {
	m := New(src, actions)
	defer m.Close()

	p := tea.NewProgram(m, tea.WithAltScreen(), tea.WithContext(ctx))
	if _, err := p.Run(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("monitor: %w", err)
	}
	return nil
}
