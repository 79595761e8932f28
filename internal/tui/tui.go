// Package tui is a terminal front end for the composer.
package tui

import (
	"context"
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/loqalabs/fingerspell/internal/composer"
	"github.com/loqalabs/fingerspell/internal/speech"
)

var (
	titleStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FFFDF5")).
			Background(lipgloss.Color("#25A065")).
			Padding(0, 1)
	textStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("252"))
	selectionStyle = lipgloss.NewStyle().Reverse(true)
	caretStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("208")).Bold(true)
	ackStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true)
	dimStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	onStyle        = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	offStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	speakingStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("4")).Bold(true)
	helpStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("239"))
	panelStyle     = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("238")).
			Padding(0, 1)
)

type eventMsg composer.Event

type closedMsg struct{}

type model struct {
	composer *composer.Controller
	events   <-chan composer.Event
	snap     composer.Snapshot
	width    int
}

func newModel(c *composer.Controller, events <-chan composer.Event) model {
	return model{composer: c, events: events, snap: c.Snapshot()}
}

func waitForEvent(events <-chan composer.Event) tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-events
		if !ok {
			return closedMsg{}
		}
		return eventMsg(ev)
	}
}

func (m model) Init() tea.Cmd {
	return waitForEvent(m.events)
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
	case eventMsg:
		if msg.Snapshot.Version >= m.snap.Version {
			m.snap = msg.Snapshot
		}
		return m, waitForEvent(m.events)
	case closedMsg:
		return m, tea.Quit
	case tea.KeyMsg:
		return m.handleKey(msg)
	}
	return m, nil
}

func (m model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	t := m.snap.Transcript
	switch msg.String() {
	case "ctrl+c", "esc":
		return m, tea.Quit
	case "backspace":
		m.snap = m.composer.DeleteAtCaret()
	case "delete":
		m.snap = m.composer.DeleteSelection()
	case "ctrl+l":
		m.snap = m.composer.Clear()
	case "ctrl+s":
		m.snap, _ = m.composer.Speak()
	case "ctrl+x":
		m.snap = m.composer.CancelSpeech()
	case "ctrl+t":
		m.snap = m.composer.ToggleIngestion()
	case "left":
		pos := t.CaretStart
		if t.Collapsed() {
			pos--
		}
		m.snap = m.composer.Select(pos, pos)
	case "right":
		pos := t.CaretEnd
		if t.Collapsed() {
			pos++
		}
		m.snap = m.composer.Select(pos, pos)
	case "shift+left":
		m.snap = m.composer.Select(t.CaretStart-1, t.CaretEnd)
	case "shift+right":
		m.snap = m.composer.Select(t.CaretStart, t.CaretEnd+1)
	case "home", "ctrl+a":
		m.snap = m.composer.Select(0, 0)
	case "end", "ctrl+e":
		m.snap = m.composer.Select(t.Len(), t.Len())
	case " ":
		m.snap = m.composer.InsertSpace()
	default:
		if msg.Type == tea.KeyRunes && !msg.Alt {
			m.snap = m.composer.Insert(string(msg.Runes))
		}
	}
	return m, nil
}

func (m model) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("fingerspell"))
	b.WriteString("  ")
	b.WriteString(m.statusLine())
	b.WriteString("\n\n")

	panel := panelStyle
	if m.width > 4 {
		panel = panel.Width(m.width - 4)
	}
	b.WriteString(panel.Render(renderTranscript(m.snap)))
	b.WriteString("\n")
	b.WriteString(helpStyle.Render("type to insert • backspace delete • ←/→ caret • ctrl+s speak • ctrl+x stop • ctrl+t ingestion • ctrl+l clear • esc quit"))
	b.WriteString("\n")
	return b.String()
}

func (m model) statusLine() string {
	parts := make([]string, 0, 3)
	if m.snap.IngestionEnabled {
		parts = append(parts, onStyle.Render("● ingesting"))
	} else {
		parts = append(parts, offStyle.Render("○ paused"))
	}
	if m.snap.Speech.State == speech.Speaking {
		parts = append(parts, speakingStyle.Render("♪ speaking"))
	} else {
		parts = append(parts, dimStyle.Render("idle"))
	}
	if a := m.snap.Acknowledgement; a != nil {
		parts = append(parts, ackStyle.Render(fmt.Sprintf("✓ %s", a.Symbol)))
	}
	return strings.Join(parts, dimStyle.Render("  │  "))
}

func renderTranscript(snap composer.Snapshot) string {
	t := snap.Transcript
	runes := []rune(t.Text)
	if len(runes) == 0 {
		return caretStyle.Render("▏") + dimStyle.Render("waiting for symbols…")
	}
	var b strings.Builder
	b.WriteString(textStyle.Render(string(runes[:t.CaretStart])))
	if t.Collapsed() {
		b.WriteString(caretStyle.Render("▏"))
	} else {
		b.WriteString(selectionStyle.Render(string(runes[t.CaretStart:t.CaretEnd])))
	}
	b.WriteString(textStyle.Render(string(runes[t.CaretEnd:])))
	return b.String()
}

// Run blocks until the user quits or ctx is cancelled.
func Run(ctx context.Context, c *composer.Controller) error {
	events, unsubscribe := c.Subscribe()
	defer unsubscribe()

	p := tea.NewProgram(newModel(c, events), tea.WithAltScreen(), tea.WithContext(ctx))
	if _, err := p.Run(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("run terminal ui: %w", err)
	}
	return nil
}
