package main

import (
	"fmt"
	"time"

	"loom/pkg/protocol"
	"loom/pkg/transport"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// tickMsg is sent on every refresh interval.
type tickMsg time.Time

// tasksMsg carries fetched tasks. nil means the coordinator is offline.
type tasksMsg []*protocol.Task

// agentsMsg carries fetched agent snapshots.
type agentsMsg []protocol.AgentSnapshot

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	statusStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("229"))
)

func tickCmd() tea.Cmd {
	return tea.Tick(2*time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func fetchTasksCmd(client *transport.Client) tea.Cmd {
	return func() tea.Msg {
		tasks, err := client.Tasks()
		if err != nil {
			return tasksMsg(nil)
		}
		if tasks == nil {
			tasks = []*protocol.Task{}
		}
		return tasksMsg(tasks)
	}
}

func fetchAgentsCmd(client *transport.Client) tea.Cmd {
	return func() tea.Msg {
		agents, _ := client.Agents()
		return agentsMsg(agents)
	}
}

// dashModel is the Bubble Tea model for the loom dashboard.
type dashModel struct {
	client *transport.Client

	online bool
	tasks  []*protocol.Task
	agents []protocol.AgentSnapshot
	table  table.Model

	width  int
	height int
}

func newDashModel(client *transport.Client) dashModel {
	t := table.New(
		table.WithColumns(taskColumns(80)),
		table.WithFocused(true),
		table.WithHeight(12),
	)
	styles := table.DefaultStyles()
	styles.Header = headerStyle
	t.SetStyles(styles)
	return dashModel{client: client, table: t}
}

func taskColumns(width int) []table.Column {
	desc := width - 54
	if desc < 16 {
		desc = 16
	}
	return []table.Column{
		{Title: "ID", Width: 10},
		{Title: "STATUS", Width: 11},
		{Title: "PRI", Width: 3},
		{Title: "AGENT", Width: 16},
		{Title: "DESCRIPTION", Width: desc},
	}
}

// Init implements tea.Model.
func (m dashModel) Init() tea.Cmd {
	return tea.Batch(fetchTasksCmd(m.client), fetchAgentsCmd(m.client), tickCmd())
}

// Update implements tea.Model.
func (m dashModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.table.SetColumns(taskColumns(m.width))
		if m.height > 10 {
			m.table.SetHeight(m.height - 8)
		}

	case tasksMsg:
		m.online = msg != nil
		m.tasks = msg
		rows := make([]table.Row, 0, len(m.tasks))
		for _, t := range m.tasks {
			agent := t.AgentID
			if agent == "" {
				agent = "-"
			}
			rows = append(rows, table.Row{
				shortID(t.ID), string(t.Status), fmt.Sprintf("%d", t.Priority), agent, t.Description,
			})
		}
		m.table.SetRows(rows)

	case agentsMsg:
		m.agents = msg

	case tickMsg:
		return m, tea.Batch(fetchTasksCmd(m.client), fetchAgentsCmd(m.client), tickCmd())
	}

	var cmd tea.Cmd
	m.table, cmd = m.table.Update(msg)
	return m, cmd
}

// View implements tea.Model.
func (m dashModel) View() string {
	header := titleStyle.Render("loom") + "  " + m.statusLine()
	return header + "\n\n" + m.table.View() + "\n" + statusStyle.Render("q: quit")
}

func (m dashModel) statusLine() string {
	if !m.online {
		return statusStyle.Render("coordinator offline")
	}
	idle, busy := 0, 0
	for _, a := range m.agents {
		if a.State == protocol.AgentIdle {
			idle++
		} else {
			busy++
		}
	}
	queued := 0
	for _, t := range m.tasks {
		if t.Status == protocol.TaskQueued {
			queued++
		}
	}
	return statusStyle.Render(fmt.Sprintf("%d agents (%d idle, %d busy)  %d queued",
		len(m.agents), idle, busy, queued))
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
