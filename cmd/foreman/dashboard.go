package main

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"foreman/pkg/protocol"
	"foreman/pkg/store"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// tickMsg is sent by Bubble Tea on every refresh interval.
type tickMsg time.Time

// snapshotMsg carries the result of one fetch.
type snapshotMsg struct {
	snap snapshot
	err  error
}

// snapshot is everything the dashboard renders for one refresh.
type snapshot struct {
	Projects []protocol.Project
	Counts   map[protocol.ProjectStatus]int
	Health   map[string][]protocol.HealthRecord // keyed by session
	Events   []protocol.Event
	Daemon   DaemonStatusValue
	PID      int
	TakenAt  time.Time
}

// dashSource produces snapshots. The store-backed implementation is used at
// runtime; tests provide a canned one.
type dashSource interface {
	Snapshot(ctx context.Context) (snapshot, error)
}

// dashStore is the slice of the store the dashboard reads.
type dashStore interface {
	ListProjects(ctx context.Context, f store.ListFilter) ([]protocol.Project, error)
	CountByStatus(ctx context.Context) (map[protocol.ProjectStatus]int, error)
	LatestHealth(ctx context.Context, session string) ([]protocol.HealthRecord, error)
	RecentEvents(ctx context.Context, limit int) ([]protocol.Event, error)
}

type storeSource struct {
	store   dashStore
	pidPath string
	events  int
}

func (s storeSource) Snapshot(ctx context.Context) (snapshot, error) {
	snap := snapshot{Health: map[string][]protocol.HealthRecord{}, TakenAt: time.Now()}
	var err error
	if snap.Projects, err = s.store.ListProjects(ctx, store.ListFilter{}); err != nil {
		return snap, err
	}
	if snap.Counts, err = s.store.CountByStatus(ctx); err != nil {
		return snap, err
	}
	for _, p := range snap.Projects {
		if p.Status != protocol.StatusProcessing || p.SessionName == "" {
			continue
		}
		records, err := s.store.LatestHealth(ctx, p.SessionName)
		if err != nil {
			return snap, err
		}
		snap.Health[p.SessionName] = records
	}
	if snap.Events, err = s.store.RecentEvents(ctx, s.events); err != nil {
		return snap, err
	}
	snap.Daemon, snap.PID, err = DaemonStatus(s.pidPath)
	if err != nil {
		return snap, err
	}
	return snap, nil
}

type dashKeys struct {
	Quit    key.Binding
	Refresh key.Binding
	Events  key.Binding
}

var keys = dashKeys{
	Quit:    key.NewBinding(key.WithKeys("q", "ctrl+c"), key.WithHelp("q", "quit")),
	Refresh: key.NewBinding(key.WithKeys("r"), key.WithHelp("r", "refresh")),
	Events:  key.NewBinding(key.WithKeys("e"), key.WithHelp("e", "toggle events")),
}

// dashModel is the read-only dashboard.
type dashModel struct {
	src        dashSource
	interval   time.Duration
	theme      Theme
	table      table.Model
	snap       snapshot
	err        error
	loaded     bool
	showEvents bool
	width      int
	height     int
}

var dashColumns = []table.Column{
	{Title: "ID", Width: 5},
	{Title: "Status", Width: 18},
	{Title: "Pri", Width: 4},
	{Title: "Retry", Width: 5},
	{Title: "Session", Width: 22},
	{Title: "Spec", Width: 40},
}

func newDashModel(src dashSource, interval time.Duration) dashModel {
	theme := DefaultTheme()
	t := table.New(
		table.WithColumns(dashColumns),
		table.WithFocused(true),
		table.WithHeight(10),
	)
	styles := table.DefaultStyles()
	styles.Header = styles.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(theme.Muted).
		BorderBottom(true).
		Bold(true).
		Foreground(theme.Primary)
	styles.Selected = styles.Selected.Foreground(lipgloss.Color("0")).Background(theme.Secondary)
	t.SetStyles(styles)

	return dashModel{src: src, interval: interval, theme: theme, table: t, showEvents: true}
}

func (m dashModel) fetchCmd() tea.Cmd {
	src := m.src
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		snap, err := src.Snapshot(ctx)
		return snapshotMsg{snap: snap, err: err}
	}
}

func (m dashModel) tickCmd() tea.Cmd {
	return tea.Tick(m.interval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// Init implements tea.Model.
func (m dashModel) Init() tea.Cmd {
	return tea.Batch(m.fetchCmd(), m.tickCmd())
}

// Update implements tea.Model.
func (m dashModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch {
		case key.Matches(msg, keys.Quit):
			return m, tea.Quit
		case key.Matches(msg, keys.Refresh):
			return m, m.fetchCmd()
		case key.Matches(msg, keys.Events):
			m.showEvents = !m.showEvents
			return m, nil
		}
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.table.SetHeight(max(3, msg.Height/2-4))
		return m, nil
	case tickMsg:
		return m, tea.Batch(m.fetchCmd(), m.tickCmd())
	case snapshotMsg:
		m.err = msg.err
		if msg.err == nil {
			m.snap = msg.snap
			m.loaded = true
			m.table.SetRows(projectRows(msg.snap.Projects))
		}
		return m, nil
	}

	var cmd tea.Cmd
	m.table, cmd = m.table.Update(msg)
	return m, cmd
}

func projectRows(projects []protocol.Project) []table.Row {
	rows := make([]table.Row, 0, len(projects))
	for _, p := range projects {
		rows = append(rows, table.Row{
			strconv.FormatInt(p.ID, 10),
			string(p.Status),
			strconv.Itoa(p.Priority),
			strconv.Itoa(p.RetryCount),
			dash(p.SessionName),
			p.SpecPath,
		})
	}
	return rows
}

// selected returns the project under the table cursor.
func (m dashModel) selected() *protocol.Project {
	i := m.table.Cursor()
	if i < 0 || i >= len(m.snap.Projects) {
		return nil
	}
	return &m.snap.Projects[i]
}

// View implements tea.Model.
func (m dashModel) View() string {
	var sb strings.Builder
	sb.WriteString(m.renderStatusBar())
	sb.WriteString("\n\n")
	if m.err != nil {
		sb.WriteString(lipgloss.NewStyle().Foreground(m.theme.Error).Render("error: " + m.err.Error()))
		sb.WriteString("\n\n")
	}
	if !m.loaded {
		sb.WriteString(lipgloss.NewStyle().Foreground(m.theme.Muted).Render("loading..."))
		sb.WriteString("\n")
		return sb.String()
	}
	if len(m.snap.Projects) == 0 {
		sb.WriteString(lipgloss.NewStyle().Foreground(m.theme.Muted).Render("queue is empty"))
		sb.WriteString("\n")
	} else {
		sb.WriteString(m.table.View())
		sb.WriteString("\n\n")
		sb.WriteString(m.renderHealth())
	}
	if m.showEvents {
		sb.WriteString("\n")
		sb.WriteString(m.renderEvents())
	}
	sb.WriteString("\n")
	sb.WriteString(lipgloss.NewStyle().Foreground(m.theme.Muted).Render("↑/↓ select • r refresh • e events • q quit"))
	return sb.String()
}

func (m dashModel) renderStatusBar() string {
	title := lipgloss.NewStyle().Bold(true).Foreground(m.theme.Primary).Render("foreman")

	var daemon string
	switch m.snap.Daemon {
	case StatusRunning:
		daemon = lipgloss.NewStyle().Foreground(m.theme.Success).Render(fmt.Sprintf("daemon running (PID %d)", m.snap.PID))
	case StatusStale:
		daemon = lipgloss.NewStyle().Foreground(m.theme.Warning).Render("daemon stale")
	default:
		daemon = lipgloss.NewStyle().Foreground(m.theme.Error).Render("daemon offline")
	}

	statuses := []protocol.ProjectStatus{
		protocol.StatusQueued, protocol.StatusProcessing, protocol.StatusCreditPaused,
		protocol.StatusCompleted, protocol.StatusFailed, protocol.StatusPermanentlyFailed,
	}
	parts := make([]string, 0, len(statuses))
	for _, s := range statuses {
		label := fmt.Sprintf("%s %d", s, m.snap.Counts[s])
		parts = append(parts, lipgloss.NewStyle().Foreground(m.theme.StatusColor(s)).Render(label))
	}
	return title + "  " + daemon + "  " + strings.Join(parts, "  ")
}

func (m dashModel) renderHealth() string {
	heading := lipgloss.NewStyle().Bold(true).Foreground(m.theme.Primary)
	muted := lipgloss.NewStyle().Foreground(m.theme.Muted)

	p := m.selected()
	if p == nil || p.SessionName == "" {
		return heading.Render("Health") + "\n" + muted.Render("no session") + "\n"
	}
	records := m.snap.Health[p.SessionName]
	var sb strings.Builder
	sb.WriteString(heading.Render("Health " + p.SessionName))
	sb.WriteString("\n")
	if len(records) == 0 {
		sb.WriteString(muted.Render("no health checks yet"))
		sb.WriteString("\n")
		return sb.String()
	}
	records = slices.Clone(records)
	slices.SortFunc(records, func(a, b protocol.HealthRecord) int { return strings.Compare(a.AgentRole, b.AgentRole) })
	for _, r := range records {
		state := lipgloss.NewStyle().Foreground(m.theme.Success).Render("ok")
		switch {
		case !r.WorkerPresent:
			state = lipgloss.NewStyle().Foreground(m.theme.Error).Render("no worker")
		case r.Stuck:
			state = lipgloss.NewStyle().Foreground(m.theme.Warning).Render("stuck " + r.StuckDuration.Round(time.Minute).String())
		}
		fmt.Fprintf(&sb, "  %-16s %-12s %s", r.AgentRole, dash(r.PaneCommand), state)
		if r.RecoveryAttempts > 0 {
			fmt.Fprintf(&sb, "  recoveries=%d", r.RecoveryAttempts)
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

func (m dashModel) renderEvents() string {
	heading := lipgloss.NewStyle().Bold(true).Foreground(m.theme.Primary).Render("Recent events")
	muted := lipgloss.NewStyle().Foreground(m.theme.Muted)
	if len(m.snap.Events) == 0 {
		return heading + "\n" + muted.Render("none") + "\n"
	}
	var sb strings.Builder
	sb.WriteString(heading)
	sb.WriteString("\n")
	for _, e := range m.snap.Events {
		subject := e.SessionName
		if e.AgentRole != "" {
			subject += "/" + e.AgentRole
		}
		fmt.Fprintf(&sb, "  %s %-22s %s\n", muted.Render(e.CreatedAt), e.Type, dash(subject))
	}
	return sb.String()
}
