// Package tui renders a live terminal view of one workflow session.
package tui

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/songzhibin97/seoflow/types"
	"github.com/songzhibin97/seoflow/workflow"
)

const (
	defaultPollInterval = time.Second
	maxBarWidth         = 60
)

var (
	titleStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#5B8DEF"))
	doneStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("#4CAF50")).Bold(true)
	activeStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#5B8DEF")).Bold(true)
	waitingStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#F7B801")).Bold(true)
	failedStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF6B6B")).Bold(true)
	pendingStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#999999"))
	detailStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#A0AEC0"))
	approvalBoxed = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("#F7B801")).Padding(0, 1)
)

// StatusFunc fetches the current snapshot of the watched session.
type StatusFunc func(ctx context.Context) (workflow.StatusView, error)

type statusMsg struct {
	view workflow.StatusView
	err  error
}

type pollMsg struct{}

// Model is the bubbletea model behind Watch.
type Model struct {
	ctx      context.Context
	id       string
	fetch    StatusFunc
	interval time.Duration

	spinner spinner.Model
	bar     progress.Model

	view   workflow.StatusView
	loaded bool
	err    error
	done   bool
}

// NewModel builds a watcher for session id. interval <= 0 polls every second.
func NewModel(ctx context.Context, id string, fetch StatusFunc, interval time.Duration) Model {
	if interval <= 0 {
		interval = defaultPollInterval
	}
	return Model{
		ctx:      ctx,
		id:       id,
		fetch:    fetch,
		interval: interval,
		spinner:  spinner.New(spinner.WithSpinner(spinner.Dot), spinner.WithStyle(activeStyle)),
		bar:      progress.New(progress.WithDefaultGradient(), progress.WithWidth(40)),
	}
}

// Status returns the last snapshot received.
func (m Model) Status() workflow.StatusView { return m.view }

// Err returns the error that ended the watch, if any.
func (m Model) Err() error { return m.err }

func (m Model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.fetchStatus())
}

func (m Model) fetchStatus() tea.Cmd {
	return func() tea.Msg {
		view, err := m.fetch(m.ctx)
		return statusMsg{view: view, err: err}
	}
}

func (m Model) schedulePoll() tea.Cmd {
	return tea.Tick(m.interval, func(time.Time) tea.Msg { return pollMsg{} })
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case statusMsg:
		if msg.err != nil {
			m.err = msg.err
			if errors.Is(msg.err, workflow.ErrNotFound) || errors.Is(msg.err, context.Canceled) {
				m.done = true
				return m, tea.Quit
			}
			return m, m.schedulePoll()
		}
		m.err = nil
		m.view = msg.view
		m.loaded = true
		if m.view.Status.Terminal() {
			m.done = true
			return m, tea.Quit
		}
		return m, m.schedulePoll()
	case pollMsg:
		if m.done {
			return m, nil
		}
		return m, m.fetchStatus()
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	case tea.WindowSizeMsg:
		m.bar.Width = min(msg.Width-4, maxBarWidth)
		return m, nil
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "esc", "ctrl+c":
			m.done = true
			return m, tea.Quit
		}
	}
	return m, nil
}

func (m Model) View() string {
	if !m.loaded {
		if m.err != nil {
			return failedStyle.Render(fmt.Sprintf("error: %v", m.err)) + "\n"
		}
		return fmt.Sprintf("%s loading %s\n", m.spinner.View(), m.id)
	}

	var b strings.Builder
	v := m.view
	fmt.Fprintf(&b, "%s  %s\n", titleStyle.Render(v.Keyword), detailStyle.Render(fmt.Sprintf("%s · %s", v.SessionID, v.Mode)))
	fmt.Fprintf(&b, "%s %3d%%  %s\n\n", m.bar.ViewAs(float64(v.Progress)/100), v.Progress, statusLabel(v.Status))

	for _, stage := range types.Stages() {
		fmt.Fprintf(&b, "  %s %s\n", m.stageMark(stage), stage)
	}

	if pa := v.PendingApproval; pa != nil {
		b.WriteString("\n")
		b.WriteString(approvalBoxed.Render(approvalText(pa, v.SessionID)))
		b.WriteString("\n")
	}
	if v.Error != nil {
		fmt.Fprintf(&b, "\n%s\n", failedStyle.Render(fmt.Sprintf("%s failed (%s): %s", v.Error.Stage, v.Error.Kind, v.Error.Message)))
	}
	if m.err != nil {
		fmt.Fprintf(&b, "\n%s\n", detailStyle.Render(fmt.Sprintf("poll error: %v", m.err)))
	}
	if !m.done {
		b.WriteString(detailStyle.Render("\nq to quit"))
		b.WriteString("\n")
	}
	return b.String()
}

func (m Model) stageMark(stage types.Stage) string {
	v := m.view
	switch {
	case v.StepResults.Has(stage):
		return doneStyle.Render("✓")
	case stage != v.CurrentStep:
		return pendingStyle.Render("·")
	}
	switch v.Status {
	case types.StatusRunning, types.StatusPending:
		return m.spinner.View()
	case types.StatusWaitingApproval:
		return waitingStyle.Render("?")
	case types.StatusFailed:
		return failedStyle.Render("✗")
	case types.StatusCancelled:
		return pendingStyle.Render("-")
	default:
		return pendingStyle.Render("·")
	}
}

func statusLabel(s types.Status) string {
	switch s {
	case types.StatusCompleted:
		return doneStyle.Render(string(s))
	case types.StatusWaitingApproval:
		return waitingStyle.Render(string(s))
	case types.StatusFailed, types.StatusCancelled:
		return failedStyle.Render(string(s))
	default:
		return activeStyle.Render(string(s))
	}
}

func approvalText(pa *types.PendingApproval, id string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "approval required for %s", pa.Stage)
	if pa.Message != "" {
		fmt.Fprintf(&b, ": %s", pa.Message)
	}
	if plan, ok := pa.ProposedData.(*types.PlanningResult); ok {
		for _, h := range plan.Headings {
			fmt.Fprintf(&b, "\n  %s %s", h.Level, h.Text)
		}
	}
	fmt.Fprintf(&b, "\nrun: seoflow approve %s", id)
	return b.String()
}

// Watch runs the interactive view until the session is terminal, the user
// quits or ctx ends. It returns the last snapshot seen.
func Watch(ctx context.Context, id string, fetch StatusFunc, interval time.Duration, in io.Reader, out io.Writer) (workflow.StatusView, error) {
	model := NewModel(ctx, id, fetch, interval)
	p := tea.NewProgram(model, tea.WithContext(ctx), tea.WithInput(in), tea.WithOutput(out))
	final, err := p.Run()
	if fm, ok := final.(Model); ok {
		if err == nil && fm.err != nil && !fm.loaded {
			err = fm.err
		}
		return fm.view, err
	}
	return workflow.StatusView{}, err
}
