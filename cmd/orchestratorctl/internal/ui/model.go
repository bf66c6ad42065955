package ui

import (
	"context"
	"time"

	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/opsportal/orchestrator/cmd/orchestratorctl/internal/client"
	"github.com/opsportal/orchestrator/internal/health"
	"github.com/opsportal/orchestrator/internal/store"
)

type tab int

const (
	tabHealth tab = iota
	tabSchedules
	tabJobs
)

// Model is the operator TUI's root bubbletea model. It polls the daemon
// on a fixed tick rather than holding a websocket open, matching the
// dashboard's own poll-first contract (GET /api/jobs/{id}/log works the
// same way).
type Model struct {
	client *client.Client

	width, height int
	ready         bool
	active        tab
	status        string

	tenants   map[string]health.Result
	schedules []store.Schedule
	jobs      []store.Job

	healthTable    table.Model
	schedulesTable table.Model
	jobsTable      table.Model

	// Log pane: follows the /log?offset=N poll contract §6.1 defines for
	// the (out of scope) web dashboard, so the same contract this TUI
	// exercises is what any browser client would use.
	showLog    bool
	logJobID   string
	logOffset  int64
	logContent string
	logView    viewport.Model
}

type tickMsg time.Time

type healthMsg struct {
	tenants map[string]health.Result
	err     error
}

type schedulesMsg struct {
	schedules []store.Schedule
	err       error
}

type jobMsg struct {
	job store.Job
	err error
}

type backupMsg struct {
	status  string
	message string
	err     error
}

type logChunkMsg struct {
	jobID      string
	data       string
	nextOffset int64
	status     store.JobStatus
	err        error
}

// NewModel builds a Model polling the daemon through c.
func NewModel(c *client.Client) Model {
	return Model{
		client: c,
		status: "connecting...",
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(fetchHealth(m.client), fetchSchedules(m.client), tickCmd())
}

func tickCmd() tea.Cmd {
	return tea.Tick(5*time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func fetchHealth(c *client.Client) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		tenants, err := c.AllHealth(ctx)
		return healthMsg{tenants: tenants, err: err}
	}
}

func fetchSchedules(c *client.Client) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		schedules, err := c.ListSchedules(ctx)
		return schedulesMsg{schedules: schedules, err: err}
	}
}

func runAllTenantsJob(c *client.Client) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		job, err := c.CreateJob(ctx, store.ScopeAll, "")
		return jobMsg{job: job, err: err}
	}
}

func refreshJob(c *client.Client, id string) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		job, err := c.GetJob(ctx, id)
		return jobMsg{job: job, err: err}
	}
}

func cancelJob(c *client.Client, id string) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err := c.CancelJob(ctx, id)
		if err != nil {
			return jobMsg{err: err}
		}
		job, err := c.GetJob(ctx, id)
		return jobMsg{job: job, err: err}
	}
}

func deleteSchedule(c *client.Client, id string) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err := c.DeleteSchedule(ctx, id)
		schedules, lerr := c.ListSchedules(ctx)
		if err != nil {
			return schedulesMsg{err: err}
		}
		return schedulesMsg{schedules: schedules, err: lerr}
	}
}

func fetchLogChunk(c *client.Client, jobID string, offset int64) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		chunk, err := c.JobLog(ctx, jobID, offset)
		if err != nil {
			return logChunkMsg{jobID: jobID, err: err}
		}
		return logChunkMsg{jobID: jobID, data: chunk.Data, nextOffset: chunk.NextOffset, status: chunk.Status}
	}
}

func triggerBackup(c *client.Client) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		resp, err := c.TriggerBackup(ctx)
		return backupMsg{status: resp.Status, message: resp.Message, err: err}
	}
}
