// Package client is a thin HTTP wrapper around the orchestrator daemon's
// REST API, used by the operator TUI. It decodes straight into the
// daemon's own internal/store and internal/health types since both sides
// live in the same module and share no wire-format drift to guard
// against.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/opsportal/orchestrator/internal/health"
	"github.com/opsportal/orchestrator/internal/reliability"
	"github.com/opsportal/orchestrator/internal/store"
)

// Client talks to one orchestrator daemon's HTTP API.
type Client struct {
	baseURL string
	http    *http.Client
}

// New builds a Client against baseURL, e.g. "http://localhost:8080".
func New(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

type createJobRequest struct {
	Scope     store.JobScope `json:"scope"`
	TenantKey string         `json:"tenant_key,omitempty"`
	Sync      bool           `json:"sync,omitempty"`
}

// CreateJob enqueues a job with the given scope. tenantKey names the tenant
// for scope=single and is omitted from the request when empty.
func (c *Client) CreateJob(ctx context.Context, scope store.JobScope, tenantKey string) (store.Job, error) {
	var job store.Job
	err := c.do(ctx, http.MethodPost, "/api/jobs", createJobRequest{Scope: scope, TenantKey: tenantKey}, &job)
	return job, err
}

// GetJob fetches one job's current state.
func (c *Client) GetJob(ctx context.Context, id string) (store.Job, error) {
	var job store.Job
	err := c.do(ctx, http.MethodGet, "/api/jobs/"+url.PathEscape(id), nil, &job)
	return job, err
}

// CancelJob cancels a queued job or signals a running one.
func (c *Client) CancelJob(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/api/jobs/"+url.PathEscape(id)+"/cancel", nil, nil)
}

type logChunkResponse struct {
	Data       string          `json:"data"`
	NextOffset int64           `json:"next_offset"`
	Status     store.JobStatus `json:"status"`
}

// JobLog fetches one chunk of a job's log starting at offset.
func (c *Client) JobLog(ctx context.Context, id string, offset int64) (logChunkResponse, error) {
	var chunk logChunkResponse
	path := fmt.Sprintf("/api/jobs/%s/log?offset=%d", url.PathEscape(id), offset)
	err := c.do(ctx, http.MethodGet, path, nil, &chunk)
	return chunk, err
}

type schedulesResponse struct {
	Schedules []store.Schedule `json:"schedules"`
}

// ListSchedules returns every configured schedule.
func (c *Client) ListSchedules(ctx context.Context) ([]store.Schedule, error) {
	var resp schedulesResponse
	err := c.do(ctx, http.MethodGet, "/api/schedules", nil, &resp)
	return resp.Schedules, err
}

// DeleteSchedule removes a schedule by ID.
func (c *Client) DeleteSchedule(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/schedules/"+url.PathEscape(id), nil, nil)
}

type healthResponse struct {
	Tenants map[string]health.Result `json:"tenants"`
}

// AllHealth returns the HealthClassifier verdict for every active tenant.
func (c *Client) AllHealth(ctx context.Context) (map[string]health.Result, error) {
	var resp healthResponse
	err := c.do(ctx, http.MethodGet, "/api/health", nil, &resp)
	return resp.Tenants, err
}

type backupsResponse struct {
	Backups []reliability.BackupInfo `json:"backups"`
	Enabled bool                     `json:"enabled"`
}

// ListBackups returns the R2 backup inventory, or an empty disabled
// response if the daemon has no R2 credentials configured.
func (c *Client) ListBackups(ctx context.Context) (backupsResponse, error) {
	var resp backupsResponse
	err := c.do(ctx, http.MethodGet, "/api/backups", nil, &resp)
	return resp, err
}

type triggerBackupResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// TriggerBackup runs an immediate backup.
func (c *Client) TriggerBackup(ctx context.Context) (triggerBackupResponse, error) {
	var resp triggerBackupResponse
	err := c.do(ctx, http.MethodPost, "/api/backups", nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		if apiErr.Error == "" {
			apiErr.Error = resp.Status
		}
		return fmt.Errorf("%s %s: %s", method, path, apiErr.Error)
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
