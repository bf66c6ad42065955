package ui

import (
	"fmt"
	"sort"
	"strings"

	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/lipgloss"

	"github.com/opsportal/orchestrator/internal/health"
	"github.com/opsportal/orchestrator/internal/store"
)

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	tabStyle    = lipgloss.NewStyle().Padding(0, 1).Foreground(lipgloss.Color("240"))
	activeStyle = lipgloss.NewStyle().Padding(0, 1).Bold(true).Foreground(lipgloss.Color("42"))
	statusStyle = lipgloss.NewStyle().Padding(0, 1).Foreground(lipgloss.Color("250"))
	helpStyle   = lipgloss.NewStyle().Padding(0, 1).Foreground(lipgloss.Color("240"))
)

func (m Model) View() string {
	if !m.ready {
		return "loading...\n"
	}

	var b strings.Builder
	b.WriteString(titleStyle.Render("orchestratorctl"))
	b.WriteString("\n")
	b.WriteString(renderTabs(m.active))
	b.WriteString("\n\n")

	switch m.active {
	case tabHealth:
		b.WriteString(m.healthTable.View())
	case tabSchedules:
		b.WriteString(m.schedulesTable.View())
	case tabJobs:
		if m.showLog {
			b.WriteString(fmt.Sprintf("log: %s\n", m.logJobID))
			b.WriteString(m.logView.View())
		} else {
			b.WriteString(m.jobsTable.View())
		}
	}

	b.WriteString("\n")
	b.WriteString(statusStyle.Render(m.status))
	b.WriteString("\n")
	b.WriteString(helpStyle.Render("tab: switch  r: refresh  j: run all-tenants job  x: cancel job  l: log pane  d: delete schedule  b: backup  q: quit"))
	return b.String()
}

func renderTabs(active tab) string {
	labels := []string{"health", "schedules", "jobs"}
	var parts []string
	for i, label := range labels {
		if tab(i) == active {
			parts = append(parts, activeStyle.Render(label))
		} else {
			parts = append(parts, tabStyle.Render(label))
		}
	}
	return strings.Join(parts, " ")
}

func buildHealthTable(tenants map[string]health.Result, height int) table.Model {
	columns := []table.Column{
		{Title: "Tenant", Width: 20},
		{Title: "Level", Width: 12},
		{Title: "Activity", Width: 12},
		{Title: "Reasons", Width: 40},
	}

	tenantKeys := make([]string, 0, len(tenants))
	for k := range tenants {
		tenantKeys = append(tenantKeys, k)
	}
	sort.Strings(tenantKeys)

	var rows []table.Row
	for _, k := range tenantKeys {
		r := tenants[k]
		rows = append(rows, table.Row{k, string(r.Level), string(r.RunActivity), strings.Join(r.ReasonCodes, ",")})
	}

	return newTable(columns, rows, height)
}

func buildSchedulesTable(schedules []store.Schedule, height int) table.Model {
	columns := []table.Column{
		{Title: "ID", Width: 36},
		{Title: "Name", Width: 20},
		{Title: "Enabled", Width: 8},
		{Title: "Cron", Width: 16},
		{Title: "Last Result", Width: 16},
	}

	var rows []table.Row
	for _, s := range schedules {
		rows = append(rows, table.Row{s.ID, s.Name, fmt.Sprintf("%v", s.Enabled), s.CronExpr, string(s.LastResult)})
	}

	return newTable(columns, rows, height)
}

func buildJobsTable(jobs []store.Job, height int) table.Model {
	columns := []table.Column{
		{Title: "ID", Width: 36},
		{Title: "Scope", Width: 8},
		{Title: "Tenant", Width: 14},
		{Title: "Status", Width: 10},
		{Title: "Exit", Width: 6},
	}

	var rows []table.Row
	for _, j := range jobs {
		exit := "-"
		if j.ExitCode != nil {
			exit = fmt.Sprintf("%d", *j.ExitCode)
		}
		rows = append(rows, table.Row{j.ID, string(j.Scope), j.TenantKey, string(j.Status), exit})
	}

	return newTable(columns, rows, height)
}
