// Package tui is a terminal monitor for a running backpost server: health in
// the header, live queue entries in a table.
package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/backpost/internal/api"
	"github.com/mattjoyce/backpost/internal/queue"
)

// --- Styles ---

var (
	docStyle = lipgloss.NewStyle().Margin(1, 2)

	borderStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#874BFD"))

	statusOK      = lipgloss.NewStyle().Foreground(lipgloss.Color("#00FF00"))
	statusRunning = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFFF00"))
	statusFailed  = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF0000"))
	statusQueued  = lipgloss.NewStyle().Foreground(lipgloss.Color("#888888"))

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Padding(0, 1)
)

const queueLimit = 200

type Model struct {
	source   Source
	interval time.Duration
	now      func() time.Time

	width  int
	height int

	health   api.HealthzResponse
	entries  []queue.Entry
	lastErr  error
	polledAt time.Time

	jobTable table.Model
}

type snapshotMsg struct {
	health  api.HealthzResponse
	entries []queue.Entry
	err     error
}

type tickMsg time.Time

func NewMonitor(source Source, interval time.Duration) *Model {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	t := table.New(
		table.WithColumns([]table.Column{
			{Title: "ST", Width: 2},
			{Title: "Job", Width: 8},
			{Title: "Project", Width: 8},
			{Title: "Network", Width: 16},
			{Title: "Status", Width: 10},
			{Title: "Age", Width: 10},
		}),
		table.WithFocused(true),
		table.WithHeight(15),
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

	return &Model{
		source:   source,
		interval: interval,
		now:      time.Now,
		jobTable: t,
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(m.poll(), tea.EnterAltScreen)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "r":
			return m, m.poll()
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.jobTable.SetWidth(m.width - 6)
		if h := m.height - 12; h > 3 {
			m.jobTable.SetHeight(h)
		}

	case snapshotMsg:
		m.polledAt = m.now()
		m.lastErr = msg.err
		if msg.err == nil {
			m.health = msg.health
			m.entries = msg.entries
			m.jobTable.SetRows(m.rows())
		}
		return m, tea.Tick(m.interval, func(t time.Time) tea.Msg { return tickMsg(t) })

	case tickMsg:
		return m, m.poll()
	}

	m.jobTable, cmd = m.jobTable.Update(msg)
	return m, cmd
}

func (m Model) rows() []table.Row {
	rows := make([]table.Row, 0, len(m.entries))
	for _, e := range m.entries {
		id := e.JobUUID
		if len(id) > 8 {
			id = id[:8]
		}
		network := e.Network
		if network == "" {
			network = "-"
		}
		rows = append(rows, table.Row{
			statusSymbol(e.Status),
			id,
			fmt.Sprint(e.ProjectID),
			network,
			string(e.Status),
			m.now().Sub(e.UpdatedAt).Round(time.Second).String(),
		})
	}
	return rows
}

func statusSymbol(st queue.Status) string {
	switch st {
	case queue.StatusQueued:
		return statusQueued.Render("○")
	case queue.StatusRunning:
		return statusRunning.Render("◉")
	case queue.StatusSuccess:
		return statusOK.Render("●")
	case queue.StatusPartial:
		return statusRunning.Render("◑")
	default:
		return statusFailed.Render("∅")
	}
}

// --- View ---

func (m Model) View() string {
	if m.width == 0 {
		return "Initializing..."
	}

	jobs := borderStyle.Width(m.width - 4).Render(
		lipgloss.JoinVertical(lipgloss.Left,
			titleStyle.Render(fmt.Sprintf("Queue (%d)", len(m.entries))),
			m.jobTable.View(),
		),
	)

	help := lipgloss.NewStyle().Foreground(lipgloss.Color("241")).Render(" [q] Quit • [r] Refresh • [↑/↓] Scroll")

	return docStyle.Render(
		lipgloss.JoinVertical(lipgloss.Left,
			m.renderHeader(),
			jobs,
			help,
		),
	)
}

func (m Model) renderHeader() string {
	status := statusOK.Render("OK")
	switch {
	case m.lastErr != nil:
		status = statusFailed.Render("UNREACHABLE")
	case m.health.Status != "ok" && m.health.Status != "":
		status = statusFailed.Render("DEGRADED")
	}

	queued := 0
	for _, e := range m.entries {
		if e.Status == queue.StatusQueued {
			queued++
		}
	}

	items := []string{
		fmt.Sprintf("Server: %s", status),
		fmt.Sprintf("Uptime: %s", time.Duration(m.health.UptimeSeconds)*time.Second),
		fmt.Sprintf("Running: %d", m.health.RunningJobs),
		fmt.Sprintf("Queued: %d", queued),
	}
	cols := make([]string, len(items))
	for i, it := range items {
		cols[i] = lipgloss.NewStyle().Width((m.width - 4) / len(items)).Render(it)
	}

	header := lipgloss.JoinHorizontal(lipgloss.Top, cols...)
	if m.lastErr != nil {
		header = lipgloss.JoinVertical(lipgloss.Left, header, statusFailed.Render(truncate(m.lastErr.Error(), m.width-8)))
	}
	return borderStyle.Width(m.width - 4).Render(header)
}

func truncate(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	return strings.TrimSpace(s[:n]) + "…"
}

// --- Commands ---

func (m Model) poll() tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		h, err := m.source.Health(ctx)
		if err != nil {
			return snapshotMsg{err: err}
		}
		q, err := m.source.Queue(ctx, queueLimit)
		if err != nil {
			return snapshotMsg{err: err}
		}
		return snapshotMsg{health: h, entries: q.Entries}
	}
}

// Run starts the monitor in the terminal and blocks until the user quits.
func Run(source Source, interval time.Duration) error {
	_, err := tea.NewProgram(*NewMonitor(source, interval)).Run()
	return err
}
