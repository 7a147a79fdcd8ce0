package main

import (
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/lipgloss"

	"github.com/dd0wney/cluso-ha/pkg/election"
)

// Styles
var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FF00FF")).
			MarginLeft(2).
			MarginTop(1)

	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#00FFFF")).
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#00FFFF")).
			Padding(0, 1)

	activeTabStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FFFFFF")).
			Background(lipgloss.Color("#FF00FF")).
			Padding(0, 2)

	inactiveTabStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("#666666")).
				Padding(0, 2)

	contentStyle = lipgloss.NewStyle().
			MarginLeft(2).
			MarginTop(1)

	boxStyle = lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#00FF00")).
			Padding(1, 2).
			MarginRight(2)

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF0000")).
			Bold(true)

	successStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#00FF00")).
			Bold(true)

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#888888")).
			MarginTop(1).
			MarginLeft(2)

	stateStyles = map[election.NodeState]lipgloss.Style{
		election.StateHost:    lipgloss.NewStyle().Foreground(lipgloss.Color("#00FF00")).Bold(true),
		election.StateBackup:  lipgloss.NewStyle().Foreground(lipgloss.Color("#00FFFF")),
		election.StateReady:   lipgloss.NewStyle().Foreground(lipgloss.Color("#FFFF00")),
		election.StateOffline: lipgloss.NewStyle().Foreground(lipgloss.Color("#FF0000")),
	}
)

func nodeRows(polls []poll) []table.Row {
	rows := make([]table.Row, 0, len(polls))
	for _, p := range polls {
		if p.Err != nil || p.Status == nil || p.Status.Health == nil {
			rows = append(rows, table.Row{p.Endpoint, "down", "-", "-", "-", "-", "-", "-", "-"})
			continue
		}
		s := p.Status
		h := s.Health.Health
		rows = append(rows, table.Row{
			s.Node,
			h.State.String(),
			strconv.FormatInt(h.LocalToken, 10),
			strconv.FormatInt(h.ArbiterToken, 10),
			yesNo(h.LastOnlyHost),
			strconv.Itoa(s.Health.Missed),
			strconv.Itoa(s.View.Size()),
			s.Coordinator.Name,
			p.Latency.Round(time.Millisecond).String(),
		})
	}
	return rows
}

func lockRows(polls []poll) []table.Row {
	rows := make([]table.Row, 0, len(polls))
	for _, p := range polls {
		if p.Err != nil || p.Status == nil {
			continue
		}
		owners := slices.Sorted(maps.Keys(p.Status.Locks.RemoteByOwner))
		parts := make([]string, 0, len(owners))
		for _, o := range owners {
			parts = append(parts, fmt.Sprintf("%s=%d", o, p.Status.Locks.RemoteByOwner[o]))
		}
		rows = append(rows, table.Row{
			p.Status.Node,
			strconv.Itoa(p.Status.Locks.Held),
			strings.Join(parts, " "),
		})
	}
	return rows
}

// hostCount returns how many reachable nodes claim to be host.
func hostCount(polls []poll) int {
	n := 0
	for _, p := range polls {
		if p.Status != nil && p.Status.Health != nil && p.Status.Health.State() == election.StateHost {
			n++
		}
	}
	return n
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func (m model) View() string {
	if m.width == 0 {
		return "Initializing..."
	}

	var s strings.Builder

	s.WriteString(titleStyle.Render("cluso-ha cluster monitor"))
	s.WriteString("\n\n")
	s.WriteString(m.renderTabs())
	s.WriteString("\n\n")

	switch m.currentView {
	case clusterView:
		s.WriteString(m.renderCluster())
	case locksView:
		s.WriteString(m.renderLocks())
	case detailView:
		s.WriteString(m.renderDetail())
	}

	if m.message != "" {
		s.WriteString("\n\n")
		if m.messageErr {
			s.WriteString(errorStyle.Render("✗ " + m.message))
		} else {
			s.WriteString(successStyle.Render("✓ " + m.message))
		}
	}

	s.WriteString("\n\n")
	s.WriteString(helpStyle.Render(m.help.ShortHelpView(m.keys.ShortHelp())))

	return s.String()
}

func (m model) renderTabs() string {
	var rendered []string
	for i, name := range viewNames {
		if view(i) == m.currentView {
			rendered = append(rendered, activeTabStyle.Render(name))
		} else {
			rendered = append(rendered, inactiveTabStyle.Render(name))
		}
	}
	return lipgloss.JoinHorizontal(lipgloss.Top, rendered...)
}

func (m model) renderCluster() string {
	var s strings.Builder

	s.WriteString(headerStyle.Render("Nodes"))
	s.WriteString("\n\n")
	s.WriteString(m.nodeTable.View())
	s.WriteString("\n\n")

	summary := fmt.Sprintf("%d nodes polled, %d host", len(m.polls), hostCount(m.polls))
	if !m.lastPoll.IsZero() {
		summary += fmt.Sprintf(", updated %s ago", time.Since(m.lastPoll).Round(time.Second))
	}
	switch hostCount(m.polls) {
	case 1:
		s.WriteString(successStyle.Render(summary))
	default:
		s.WriteString(errorStyle.Render(summary))
	}

	return contentStyle.Render(s.String())
}

func (m model) renderLocks() string {
	var s strings.Builder

	s.WriteString(headerStyle.Render("Distributed locks"))
	s.WriteString("\n\n")
	s.WriteString(m.lockTable.View())

	return contentStyle.Render(s.String())
}

func (m model) renderDetail() string {
	p, ok := m.selected()
	if !ok {
		return contentStyle.Render(helpStyle.Render("No node selected"))
	}
	if p.Err != nil || p.Status == nil || p.Status.Health == nil {
		return contentStyle.Render(errorStyle.Render(fmt.Sprintf("%s: %v", p.Endpoint, p.Err)))
	}

	s := p.Status
	snap := s.Health
	state := snap.State()

	health := fmt.Sprintf(`Election
────────────────
State:        %s
Local token:  %d
Witness:      %d
Only host:    %s
Observable:   %s
Missed:       %d
Backoff:      %s
Next elect:   %s
Databases:    %s`,
		stateStyles[state].Render(state.String()),
		snap.Health.LocalToken,
		snap.Health.ArbiterToken,
		yesNo(snap.Health.LastOnlyHost),
		yesNo(snap.Observable),
		snap.Missed,
		snap.Backoff,
		formatTime(snap.NextElection),
		strings.Join(snap.ActiveDatabases, ", "),
	)

	members := make([]string, 0, s.View.Size())
	for _, mem := range s.View.Members {
		members = append(members, fmt.Sprintf("%s  %s", mem.String(), mem.Addr))
	}
	transport := fmt.Sprintf(`Transport
────────────────
Cluster:      %s
View:         #%d
Coordinator:  %s
Witness file: %s
Uptime:       %s

%s`,
		s.Cluster,
		s.View.ID,
		s.Coordinator.String(),
		s.Witness,
		(time.Duration(s.Uptime) * time.Second).String(),
		strings.Join(members, "\n"),
	)

	return contentStyle.Render(lipgloss.JoinHorizontal(lipgloss.Top,
		boxStyle.Render(health),
		boxStyle.Render(transport),
	))
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Format(time.TimeOnly)
}
