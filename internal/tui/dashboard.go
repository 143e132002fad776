// Package tui renders a live dashboard of a benchmark run.
package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/mattjoyce/repobench/internal/events"
	"github.com/mattjoyce/repobench/internal/status"
)

const maxLogLines = 8

type eventMsg events.Event
type streamClosedMsg struct{}
type tickMsg time.Time

// Model is the bubbletea model for the run dashboard.
type Model struct {
	board  *status.Board
	events <-chan events.Event
	// cancelRun aborts the benchmark when the user quits early.
	cancelRun func()

	width  int
	height int

	theme    Theme
	jobTable table.Model
	bar      progress.Model
	spin     spinner.Model

	log      []string
	started  time.Time
	now      time.Time
	finished bool
	failed   int
}

// New builds a dashboard. board must already be attached to the hub that
// feeds ch.
func New(board *status.Board, ch <-chan events.Event, cancelRun func()) Model {
	t := table.New(
		table.WithColumns(columns(100)),
		table.WithFocused(true),
		table.WithHeight(10),
	)
	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("240")).
		BorderBottom(true).
		Bold(false)
	s.Selected = s.Selected.
		Foreground(lipgloss.Color("229")).
		Background(lipgloss.Color("57")).
		Bold(false)
	t.SetStyles(s)

	sp := spinner.New()
	sp.Spinner = spinner.MiniDot

	now := time.Now()
	return Model{
		board:     board,
		events:    ch,
		cancelRun: cancelRun,
		theme:     NewDefaultTheme(),
		jobTable:  t,
		bar:       progress.New(progress.WithDefaultGradient()),
		spin:      sp,
		started:   now,
		now:       now,
	}
}

func columns(width int) []table.Column {
	repo := width - 2 - 4 - 14 - 16 - 26 - 10 - 14
	if repo < 20 {
		repo = 20
	}
	return []table.Column{
		{Title: "ST", Width: 2},
		{Title: "#", Width: 4},
		{Title: "Command", Width: 14},
		{Title: "Repository", Width: repo},
		{Title: "Stage", Width: 16},
		{Title: "Clone", Width: 26},
		{Title: "Time", Width: 10},
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		receiveNextEvent(m.events),
		m.spin.Tick,
		tick(),
	)
}

func tick() tea.Cmd {
	return tea.Tick(250*time.Millisecond, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func receiveNextEvent(ch <-chan events.Event) tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-ch
		if !ok {
			return streamClosedMsg{}
		}
		return eventMsg(ev)
	}
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			if !m.finished && m.cancelRun != nil {
				m.cancelRun()
			}
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.jobTable.SetColumns(columns(m.width - 6))
		m.jobTable.SetWidth(m.width - 6)
		m.jobTable.SetHeight(max(5, m.height-maxLogLines-12))
		m.bar.Width = max(10, m.width-30)

	case eventMsg:
		m.handleEvent(events.Event(msg))
		m.refreshRows()
		if m.finished {
			return m, tea.Quit
		}
		return m, receiveNextEvent(m.events)

	case streamClosedMsg:
		m.finished = true
		m.refreshRows()
		return m, tea.Quit

	case tickMsg:
		m.now = time.Time(msg)
		m.refreshRows()
		return m, tick()

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spin, cmd = m.spin.Update(msg)
		return m, cmd
	}

	var cmd tea.Cmd
	m.jobTable, cmd = m.jobTable.Update(msg)
	return m, cmd
}

func (m *Model) handleEvent(ev events.Event) {
	switch p := ev.Payload.(type) {
	case events.JobOutput:
		m.appendLog(fmt.Sprintf("[%s] %s", shortID(p.JobID), p.Line))
	case events.JobCompleted:
		if !p.Succeeded {
			m.appendLog(fmt.Sprintf("[%s] failed in %s: %s", shortID(p.JobID), p.Stage, p.Error))
		}
	case events.RunCompleted:
		m.finished = true
		m.failed = p.Failed
	}
}

func (m *Model) appendLog(line string) {
	m.log = append(m.log, line)
	if len(m.log) > maxLogLines {
		m.log = m.log[len(m.log)-maxLogLines:]
	}
}

func (m *Model) refreshRows() {
	jobs := m.board.Jobs()
	rows := make([]table.Row, 0, len(jobs))
	for _, j := range jobs {
		rows = append(rows, m.jobToRow(j))
	}
	m.jobTable.SetRows(rows)
}

func (m Model) jobToRow(j status.Job) table.Row {
	sym := m.theme.Pending.Render("○")
	stage := j.State
	switch {
	case j.Done && j.Succeeded:
		sym = m.theme.Succeeded.Render("●")
		stage = "done"
	case j.Done:
		sym = m.theme.Failed.Render("∅")
		stage = "failed: " + j.Stage
	case j.State == "workspace_ready":
		sym = m.theme.Cloning.Render(m.spin.View())
	case j.State != "" && j.State != "spawned" && j.State != "created":
		sym = m.theme.Running.Render(m.spin.View())
	}

	elapsed := "-"
	switch {
	case j.Done && j.Succeeded:
		elapsed = (time.Duration(j.DurationMS) * time.Millisecond).String()
	case !j.Done && !j.StartedAt.IsZero():
		elapsed = m.now.Sub(j.StartedAt).Round(time.Second).String()
	}

	return table.Row{
		sym,
		fmt.Sprintf("%d", j.Index),
		j.Label,
		j.RepositoryURL,
		stage,
		cloneProgress(j),
		elapsed,
	}
}

func cloneProgress(j status.Job) string {
	if j.Phase == "" || j.Total == 0 {
		return "-"
	}
	pct := float64(j.Current) * 100 / float64(j.Total)
	out := fmt.Sprintf("%s %3.0f%%", strings.ReplaceAll(j.Phase, "_", " "), pct)
	if j.Bytes > 0 {
		out += " " + humanize.IBytes(j.Bytes)
	}
	return out
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func (m Model) View() string {
	if m.width == 0 {
		return "Initializing..."
	}
	inner := m.width - 4

	sum := m.board.Summary()
	done := sum.Succeeded + sum.Failed
	ratio := 0.0
	if sum.Jobs > 0 {
		ratio = float64(done) / float64(sum.Jobs)
	}
	header := m.theme.Panel.Width(inner).Render(lipgloss.JoinVertical(lipgloss.Left,
		fmt.Sprintf("Jobs: %d  Running: %d  %s  %s  Elapsed: %s",
			sum.Jobs,
			sum.Running,
			m.theme.Succeeded.Render(fmt.Sprintf("OK: %d", sum.Succeeded)),
			m.theme.Failed.Render(fmt.Sprintf("Failed: %d", sum.Failed)),
			m.now.Sub(m.started).Round(time.Second),
		),
		m.bar.ViewAs(ratio),
	))

	jobsView := m.theme.Panel.Width(inner).Render(lipgloss.JoinVertical(lipgloss.Left,
		m.theme.Heading.Render("Jobs"),
		m.jobTable.View(),
	))

	logLines := "  No output yet..."
	if len(m.log) > 0 {
		logLines = lipgloss.NewStyle().Padding(0, 1).Render(strings.Join(m.log, "\n"))
	}
	logView := m.theme.Panel.Width(inner).Render(lipgloss.JoinVertical(lipgloss.Left,
		m.theme.Heading.Render("Output"),
		logLines,
	))

	help := m.theme.Help.Render(" [q] Quit (cancels the run) • [↑/↓] Scroll")
	if m.finished {
		help = m.theme.Help.Render(" Run complete")
	}

	return lipgloss.NewStyle().Margin(1, 2).Render(
		lipgloss.JoinVertical(lipgloss.Left, header, jobsView, logView, help),
	)
}
