package main

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

type view int

const (
	clusterView view = iota
	locksView
	detailView
	viewCount
)

var viewNames = []string{"Cluster", "Locks", "Detail"}

type keyMap struct {
	Tab      key.Binding
	ShiftTab key.Binding
	Elect    key.Binding
	Refresh  key.Binding
	Quit     key.Binding
	Up       key.Binding
	Down     key.Binding
}

var keys = keyMap{
	Tab: key.NewBinding(
		key.WithKeys("tab"),
		key.WithHelp("tab", "next view"),
	),
	ShiftTab: key.NewBinding(
		key.WithKeys("shift+tab"),
		key.WithHelp("shift+tab", "prev view"),
	),
	Elect: key.NewBinding(
		key.WithKeys("e"),
		key.WithHelp("e", "elect on selected node"),
	),
	Refresh: key.NewBinding(
		key.WithKeys("r"),
		key.WithHelp("r", "refresh"),
	),
	Quit: key.NewBinding(
		key.WithKeys("q", "ctrl+c"),
		key.WithHelp("q", "quit"),
	),
	Up: key.NewBinding(
		key.WithKeys("up", "k"),
		key.WithHelp("↑/k", "up"),
	),
	Down: key.NewBinding(
		key.WithKeys("down", "j"),
		key.WithHelp("↓/j", "down"),
	),
}

func (k keyMap) ShortHelp() []key.Binding {
	return []key.Binding{k.Tab, k.Elect, k.Refresh, k.Quit}
}

func (k keyMap) FullHelp() [][]key.Binding {
	return [][]key.Binding{
		{k.Tab, k.ShiftTab},
		{k.Up, k.Down, k.Elect, k.Refresh},
		{k.Quit},
	}
}

type model struct {
	client      *client
	interval    time.Duration
	currentView view
	nodeTable   table.Model
	lockTable   table.Model
	help        help.Model
	keys        keyMap
	width       int
	height      int
	polls       []poll
	lastPoll    time.Time
	message     string
	messageErr  bool
}

type tickMsg time.Time

type pollMsg []poll

type electMsg struct {
	endpoint string
	err      error
}

func tickCmd(d time.Duration) tea.Cmd {
	return tea.Tick(d, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m model) pollCmd() tea.Cmd {
	c := m.client
	return func() tea.Msg {
		return pollMsg(c.pollAll(context.Background()))
	}
}

func (m model) electCmd(endpoint string) tea.Cmd {
	c := m.client
	return func() tea.Msg {
		return electMsg{endpoint: endpoint, err: c.elect(context.Background(), endpoint)}
	}
}

func newTable(columns []table.Column) table.Model {
	t := table.New(
		table.WithColumns(columns),
		table.WithFocused(true),
		table.WithHeight(10),
	)

	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("#00FFFF")).
		BorderBottom(true).
		Bold(true)
	s.Selected = s.Selected.
		Foreground(lipgloss.Color("#FFFFFF")).
		Background(lipgloss.Color("#FF00FF")).
		Bold(false)
	t.SetStyles(s)
	return t
}

func initialModel(c *client, interval time.Duration) model {
	return model{
		client:   c,
		interval: interval,
		nodeTable: newTable([]table.Column{
			{Title: "Node", Width: 12},
			{Title: "State", Width: 9},
			{Title: "Token", Width: 7},
			{Title: "Witness", Width: 8},
			{Title: "Only", Width: 5},
			{Title: "Missed", Width: 7},
			{Title: "View", Width: 5},
			{Title: "Coordinator", Width: 12},
			{Title: "Latency", Width: 9},
		}),
		lockTable: newTable([]table.Column{
			{Title: "Node", Width: 12},
			{Title: "Held", Width: 6},
			{Title: "Holds for others", Width: 50},
		}),
		help: help.New(),
		keys: keys,
	}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(m.pollCmd(), tickCmd(m.interval))
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.help.Width = msg.Width

	case tickMsg:
		return m, tea.Batch(m.pollCmd(), tickCmd(m.interval))

	case pollMsg:
		m.polls = msg
		m.lastPoll = time.Now()
		m.nodeTable.SetRows(nodeRows(m.polls))
		m.lockTable.SetRows(lockRows(m.polls))
		return m, nil

	case electMsg:
		if msg.err != nil {
			m.message = fmt.Sprintf("Election on %s failed: %v", msg.endpoint, msg.err)
			m.messageErr = true
		} else {
			m.message = fmt.Sprintf("Election on %s completed", msg.endpoint)
			m.messageErr = false
		}
		return m, m.pollCmd()

	case tea.KeyMsg:
		switch {
		case key.Matches(msg, m.keys.Quit):
			return m, tea.Quit

		case key.Matches(msg, m.keys.Tab):
			m.currentView = (m.currentView + 1) % viewCount

		case key.Matches(msg, m.keys.ShiftTab):
			m.currentView = (m.currentView + viewCount - 1) % viewCount

		case key.Matches(msg, m.keys.Refresh):
			return m, m.pollCmd()

		case key.Matches(msg, m.keys.Elect):
			if p, ok := m.selected(); ok {
				m.message = fmt.Sprintf("Electing on %s...", p.Endpoint)
				m.messageErr = false
				return m, m.electCmd(p.Endpoint)
			}
		}
	}

	switch m.currentView {
	case clusterView, detailView:
		m.nodeTable, cmd = m.nodeTable.Update(msg)
		cmds = append(cmds, cmd)
	case locksView:
		m.lockTable, cmd = m.lockTable.Update(msg)
		cmds = append(cmds, cmd)
	}

	return m, tea.Batch(cmds...)
}

// selected returns the poll under the cluster table cursor.
func (m model) selected() (poll, bool) {
	i := m.nodeTable.Cursor()
	if i < 0 || i >= len(m.polls) {
		return poll{}, false
	}
	return m.polls[i], true
}
