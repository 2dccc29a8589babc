package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/reflow/wordwrap"
	"github.com/ym-dskr/talk-system/core/presentation"
	"github.com/ym-dskr/talk-system/core/state"
)

const (
	assistantName = "Kikai-kun"
	defaultWidth  = 60
)

type (
	stateMsg         state.State
	captionMsg       presentation.Caption
	updatesClosedMsg struct{}
	pageTickMsg      time.Time
)

var (
	badgeStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1).Foreground(lipgloss.Color("231"))

	stateColors = map[state.State]lipgloss.Color{
		state.Idle:       lipgloss.Color("240"),
		state.Listening:  lipgloss.Color("34"),
		state.Processing: lipgloss.Color("33"),
		state.Speaking:   lipgloss.Color("205"),
		state.Error:      lipgloss.Color("196"),
	}

	userStyle      = lipgloss.NewStyle().Padding(0, 1).Foreground(lipgloss.Color("117"))
	assistantStyle = lipgloss.NewStyle().Padding(0, 1).Foreground(lipgloss.Color("218"))
	helpStyle      = lipgloss.NewStyle().Faint(true)
)

// Model is the bubbletea model behind Presenter.
type Model struct {
	state   state.State
	spinner spinner.Model

	user           string
	assistant      string
	assistantFinal bool

	width        int
	pageLines    int
	pageInterval time.Duration
	page         int

	waitForUpdate tea.Cmd
	onQuit        func()
}

func newModel(waitForUpdate tea.Cmd, onQuit func(), pageLines int, pageInterval time.Duration) Model {
	return Model{
		state:         state.Idle,
		spinner:       spinner.New(spinner.WithSpinner(spinner.Dot)),
		width:         defaultWidth,
		pageLines:     pageLines,
		pageInterval:  pageInterval,
		waitForUpdate: waitForUpdate,
		onQuit:        onQuit,
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.waitForUpdate, m.nextPage())
}

func (m Model) nextPage() tea.Cmd {
	return tea.Tick(m.pageInterval, func(t time.Time) tea.Msg { return pageTickMsg(t) })
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			if m.onQuit != nil {
				m.onQuit()
			}
			return m, tea.Quit
		}
		return m, nil

	case tea.WindowSizeMsg:
		m.width = max(msg.Width, 20)
		return m, nil

	case stateMsg:
		m.state = state.State(msg)
		return m, m.waitForUpdate

	case captionMsg:
		m.applyCaption(presentation.Caption(msg))
		return m, m.waitForUpdate

	case updatesClosedMsg:
		return m, tea.Quit

	case pageTickMsg:
		m.page++
		return m, m.nextPage()

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}

	return m, nil
}

func (m *Model) applyCaption(caption presentation.Caption) {
	switch caption.Speaker {
	case presentation.User:
		if caption.Mode == presentation.Append {
			m.user += caption.Text
		} else {
			m.user = caption.Text
		}

	case presentation.Assistant:
		switch {
		case caption.Mode == presentation.Replace:
			m.assistant = caption.Text
			m.assistantFinal = true
		case m.assistantFinal:
			m.assistant = caption.Text
			m.assistantFinal = false
		default:
			m.assistant += caption.Text
		}
	}
	m.page = 0
}

func (m Model) View() string {
	var b strings.Builder

	b.WriteString(m.badge())
	if m.state == state.Processing {
		b.WriteString(" " + m.spinner.View())
	}
	b.WriteString("\n\n")

	if m.user != "" {
		b.WriteString(userStyle.Render(m.paged("You: "+m.user, false)))
		b.WriteString("\n\n")
	}
	if m.assistant != "" {
		// While speaking, follow the newest text.
		b.WriteString(assistantStyle.Render(m.paged(assistantName+": "+m.assistant, m.state == state.Speaking)))
		b.WriteString("\n\n")
	}

	b.WriteString(helpStyle.Render("q: quit"))
	return b.String()
}

func (m Model) badge() string {
	color, ok := stateColors[m.state]
	if !ok {
		color = stateColors[state.Error]
	}
	return badgeStyle.Background(color).Render(strings.ToUpper(m.state.String()))
}

// paged wraps text to the terminal width and shows one page of it. Long
// captions rotate through their pages on every page tick.
func (m Model) paged(text string, latest bool) string {
	lines := strings.Split(wordwrap.String(text, m.width-2), "\n")
	if m.pageLines <= 0 || len(lines) <= m.pageLines {
		return strings.Join(lines, "\n")
	}

	pages := (len(lines) + m.pageLines - 1) / m.pageLines
	page := m.page % pages
	if latest {
		page = pages - 1
	}

	start := page * m.pageLines
	end := min(start+m.pageLines, len(lines))
	return strings.Join(lines[start:end], "\n") + fmt.Sprintf(" (%d/%d)", page+1, pages)
}
