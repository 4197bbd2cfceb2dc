package tui

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// View names accepted by Run.
const (
	ViewStatus = "status"
	ViewQueues = "queues"
)

// DefaultInterval is the refresh period when Run is given zero.
const DefaultInterval = time.Second

// Source fetches the payload a view renders: *pipeline.Status for
// ViewStatus, []queue.Depth for ViewQueues.
type Source func(ctx context.Context) (any, error)

// IsTUISupported reports whether a command view has a TUI.
func IsTUISupported(view string) bool {
	switch view {
	case ViewStatus, ViewQueues:
		return true
	}
	return false
}

// SupportedTUIViews returns the views Run accepts.
func SupportedTUIViews() []string {
	return []string{ViewStatus, ViewQueues}
}

type keyMap struct {
	Quit    key.Binding
	Refresh key.Binding
}

var keys = keyMap{
	Quit: key.NewBinding(
		key.WithKeys("q", "ctrl+c", "esc"),
		key.WithHelp("q", "quit"),
	),
	Refresh: key.NewBinding(
		key.WithKeys("r"),
		key.WithHelp("r", "refresh"),
	),
}

type fetchedMsg struct {
	data any
	err  error
}

type tickMsg struct{}

// Model polls a Source and renders the latest payload.
type Model struct {
	ctx      context.Context
	view     string
	source   Source
	interval time.Duration
	spinner  spinner.Model

	data     any
	err      error
	updated  time.Time
	quitting bool
}

// NewModel creates a model for view. It does not fetch until Init runs.
func NewModel(ctx context.Context, view string, src Source, interval time.Duration) Model {
	if interval <= 0 {
		interval = DefaultInterval
	}
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(warningColor)
	return Model{ctx: ctx, view: view, source: src, interval: interval, spinner: sp}
}

func (m Model) fetch() tea.Msg {
	data, err := m.source(m.ctx)
	return fetchedMsg{data: data, err: err}
}

func (m Model) tick() tea.Cmd {
	return tea.Tick(m.interval, func(time.Time) tea.Msg { return tickMsg{} })
}

// Init implements tea.Model.
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.fetch, m.spinner.Tick)
}

// Update implements tea.Model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch {
		case key.Matches(msg, keys.Quit):
			m.quitting = true
			return m, tea.Quit
		case key.Matches(msg, keys.Refresh):
			return m, m.fetch
		}

	case fetchedMsg:
		m.err = msg.err
		if msg.err == nil {
			m.data = msg.data
			m.updated = time.Now()
		}
		return m, m.tick()

	case tickMsg:
		return m, m.fetch

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

// View implements tea.Model.
func (m Model) View() string {
	if m.quitting {
		return ""
	}

	var content string
	switch {
	case m.data == nil && m.err == nil:
		content = m.spinner.View() + " loading"
	case m.view == ViewStatus:
		content = m.renderStatus()
	case m.view == ViewQueues:
		content = m.renderQueues()
	default:
		content = fmt.Sprintf("unknown view: %s", m.view)
	}

	if m.err != nil {
		content += "\n" + ErrorStyle.Render("refresh failed: "+m.err.Error())
	}
	help := fmt.Sprintf("q quit · r refresh · every %s", m.interval)
	if !m.updated.IsZero() {
		help += " · updated " + m.updated.Format("15:04:05")
	}
	return content + "\n" + HelpStyle.Render(help)
}

// Run starts a full-screen view that refreshes every interval until the
// user quits or ctx is canceled.
func Run(ctx context.Context, view string, src Source, interval time.Duration) error {
	if !IsTUISupported(view) {
		return fmt.Errorf("TUI mode is not supported for %s", view)
	}
	p := tea.NewProgram(NewModel(ctx, view, src, interval), tea.WithAltScreen(), tea.WithContext(ctx))
	_, err := p.Run()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func fmtInt(v int64) string {
	return strconv.FormatInt(v, 10)
}
