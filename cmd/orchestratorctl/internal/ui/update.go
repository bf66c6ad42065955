package ui

import (
	"fmt"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/opsportal/orchestrator/internal/store"
)

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.ready = true
		m.logView = viewport.New(m.width-2, m.height-7)
		m.rebuildTables()

	case tea.KeyMsg:
		switch {
		case key.Matches(msg, keys.Quit):
			return m, tea.Quit
		case key.Matches(msg, keys.Refresh):
			return m, tea.Batch(fetchHealth(m.client), fetchSchedules(m.client))
		case key.Matches(msg, keys.Tab):
			m.active = (m.active + 1) % 3
		case key.Matches(msg, keys.RunAll):
			m.status = "queuing all-tenants job..."
			return m, runAllTenantsJob(m.client)
		case key.Matches(msg, keys.Cancel):
			if m.active == tabJobs {
				if id := m.selectedJobID(); id != "" {
					return m, cancelJob(m.client, id)
				}
			}
		case key.Matches(msg, keys.DeleteRow):
			if m.active == tabSchedules {
				if id := m.selectedScheduleID(); id != "" {
					return m, deleteSchedule(m.client, id)
				}
			}
		case key.Matches(msg, keys.Backup):
			m.status = "triggering backup..."
			return m, triggerBackup(m.client)
		case key.Matches(msg, keys.ViewLog):
			if m.active == tabJobs {
				id := m.selectedJobID()
				if id == "" {
					break
				}
				m.showLog = !m.showLog
				if m.showLog && id != m.logJobID {
					m.logJobID = id
					m.logOffset = 0
					m.logContent = ""
					m.logView.SetContent("")
					return m, fetchLogChunk(m.client, id, 0)
				}
			}
		}

	case healthMsg:
		if msg.err != nil {
			m.status = fmt.Sprintf("health fetch failed: %v", msg.err)
		} else {
			m.tenants = msg.tenants
			m.rebuildTables()
		}

	case schedulesMsg:
		if msg.err != nil {
			m.status = fmt.Sprintf("schedules fetch failed: %v", msg.err)
		} else {
			m.schedules = msg.schedules
			m.rebuildTables()
		}

	case jobMsg:
		if msg.err != nil {
			m.status = fmt.Sprintf("job request failed: %v", msg.err)
		} else {
			m.upsertJob(msg.job)
			m.status = fmt.Sprintf("job %s: %s", msg.job.ID, msg.job.Status)
			m.rebuildTables()
		}

	case backupMsg:
		if msg.err != nil {
			m.status = fmt.Sprintf("backup failed: %v", msg.err)
		} else if msg.message != "" {
			m.status = fmt.Sprintf("backup %s: %s", msg.status, msg.message)
		} else {
			m.status = fmt.Sprintf("backup %s", msg.status)
		}

	case logChunkMsg:
		if msg.err != nil {
			m.status = fmt.Sprintf("log fetch failed: %v", msg.err)
		} else if msg.jobID == m.logJobID {
			if msg.data != "" {
				m.logContent += msg.data
				m.logView.SetContent(m.logContent)
				m.logView.GotoBottom()
			}
			m.logOffset = msg.nextOffset
		}

	case tickMsg:
		cmds := []tea.Cmd{tickCmd(), fetchHealth(m.client), fetchSchedules(m.client)}
		for _, job := range m.jobs {
			if job.Status == store.JobQueued || job.Status == store.JobRunning {
				cmds = append(cmds, refreshJob(m.client, job.ID))
			}
		}
		if m.showLog && m.logJobID != "" {
			cmds = append(cmds, fetchLogChunk(m.client, m.logJobID, m.logOffset))
		}
		return m, tea.Batch(cmds...)
	}

	if m.active == tabJobs && m.showLog {
		var cmd tea.Cmd
		m.logView, cmd = m.logView.Update(msg)
		return m, cmd
	}

	var cmd tea.Cmd
	switch m.active {
	case tabHealth:
		m.healthTable, cmd = m.healthTable.Update(msg)
	case tabSchedules:
		m.schedulesTable, cmd = m.schedulesTable.Update(msg)
	case tabJobs:
		m.jobsTable, cmd = m.jobsTable.Update(msg)
	}
	return m, cmd
}

// upsertJob replaces a tracked job by ID, or prepends it if new. Jobs are
// tracked client-side only: the API has no list-jobs endpoint, by design
// (the dashboard is expected to know which job IDs it created).
func (m *Model) upsertJob(job store.Job) {
	for i, existing := range m.jobs {
		if existing.ID == job.ID {
			m.jobs[i] = job
			return
		}
	}
	m.jobs = append([]store.Job{job}, m.jobs...)
}

func (m *Model) selectedJobID() string {
	row := m.jobsTable.SelectedRow()
	if len(row) == 0 {
		return ""
	}
	return row[0]
}

func (m *Model) selectedScheduleID() string {
	row := m.schedulesTable.SelectedRow()
	if len(row) == 0 {
		return ""
	}
	return row[0]
}

func (m *Model) rebuildTables() {
	m.healthTable = buildHealthTable(m.tenants, m.height)
	m.schedulesTable = buildSchedulesTable(m.schedules, m.height)
	m.jobsTable = buildJobsTable(m.jobs, m.height)
}

func newTable(columns []table.Column, rows []table.Row, height int) table.Model {
	h := height - 6
	if h < 5 {
		h = 5
	}
	t := table.New(
		table.WithColumns(columns),
		table.WithRows(rows),
		table.WithFocused(true),
		table.WithHeight(h),
	)
	s := table.DefaultStyles()
	s.Header = s.Header.Bold(true)
	t.SetStyles(s)
	return t
}
