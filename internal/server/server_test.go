package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/opsportal/orchestrator/internal/artifact"
	"github.com/opsportal/orchestrator/internal/config"
	"github.com/opsportal/orchestrator/internal/credential"
	"github.com/opsportal/orchestrator/internal/dispatcher"
	"github.com/opsportal/orchestrator/internal/events"
	"github.com/opsportal/orchestrator/internal/health"
	"github.com/opsportal/orchestrator/internal/logtail"
	"github.com/opsportal/orchestrator/internal/processlock"
	"github.com/opsportal/orchestrator/internal/store"
	"github.com/opsportal/orchestrator/internal/tenantconfig"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var memCounter int

func newFixture(t *testing.T) (*Server, *store.Store) {
	t.Helper()
	memCounter++
	st, err := store.Open(store.Config{Path: fmt.Sprintf("file:server%d?mode=memory&cache=shared", memCounter)})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	dir := t.TempDir()
	scriptPath := filepath.Join(dir, "pipeline.sh")
	require.NoError(t, os.WriteFile(scriptPath, []byte("#!/bin/sh\nexit 0\n"), 0o755))

	cfg := &config.Config{
		RunLogsDir:       filepath.Join(dir, "run_logs"),
		UploadedTreeDir:  filepath.Join(dir, "uploaded"),
		PipelineWorkDir:  dir,
		PipelineBinary:   scriptPath,
		AllTenantsBinary: scriptPath,
	}
	require.NoError(t, os.MkdirAll(cfg.RunLogsDir, 0o755))
	require.NoError(t, os.MkdirAll(cfg.UploadedTreeDir, 0o755))

	lock := processlock.New(st, filepath.Join(dir, "global_run.lock"))
	bus := events.New(zerolog.Nop())
	ingester := artifact.New(st, cfg.RunLogsDir, zerolog.Nop())
	disp := dispatcher.New(st, lock, bus, ingester, cfg, zerolog.Nop(), "test-host")
	tailer := logtail.New(st)
	reader := tenantconfig.New(st, filepath.Join(dir, "companies"), zerolog.Nop())
	classifier := health.New(st, reader, credential.New(reader))

	srv := New(Deps{
		Store:      st,
		Dispatcher: disp,
		Tailer:     tailer,
		Bus:        bus,
		Classifier: classifier,
		Archiver:   nil,
		Log:        zerolog.Nop(),
	})
	return srv, st
}

func doRequest(srv *Server, method, target string, body interface{}) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != nil {
		raw, _ := json.Marshal(body)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, target, reader)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	return rec
}

func TestCreateJob_EnqueuesAndReturns202(t *testing.T) {
	srv, st := newFixture(t)

	rec := doRequest(srv, http.MethodPost, "/api/jobs", createJobRequest{
		Scope: store.ScopeSingle, TenantKey: "acme",
	})
	assert.Equal(t, http.StatusAccepted, rec.Code)

	var job store.Job
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &job))
	assert.Equal(t, "acme", job.TenantKey)
	assert.Equal(t, store.JobQueued, job.Status)

	stored, err := st.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, job.ID, stored.ID)
}

func TestCreateJob_RejectsScopeSingleWithoutTenant(t *testing.T) {
	srv, _ := newFixture(t)
	rec := doRequest(srv, http.MethodPost, "/api/jobs", createJobRequest{Scope: store.ScopeSingle})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetJob_NotFoundReturns404(t *testing.T) {
	srv, _ := newFixture(t)
	rec := doRequest(srv, http.MethodGet, "/api/jobs/does-not-exist", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetJob_ReturnsInsertedJob(t *testing.T) {
	srv, st := newFixture(t)
	job, err := st.InsertJob(context.Background(), store.InsertJobParams{Scope: store.ScopeAll})
	require.NoError(t, err)

	rec := doRequest(srv, http.MethodGet, "/api/jobs/"+job.ID, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	var got store.Job
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, job.ID, got.ID)
}

func TestCancelJob_CancelsQueuedJob(t *testing.T) {
	srv, st := newFixture(t)
	job, err := st.InsertJob(context.Background(), store.InsertJobParams{Scope: store.ScopeAll})
	require.NoError(t, err)

	rec := doRequest(srv, http.MethodPost, "/api/jobs/"+job.ID+"/cancel", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	updated, err := st.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, store.JobCancelled, updated.Status)
}

func TestReadLog_ReturnsChunk(t *testing.T) {
	srv, st := newFixture(t)
	job, err := st.InsertJob(context.Background(), store.InsertJobParams{Scope: store.ScopeAll})
	require.NoError(t, err)

	rec := doRequest(srv, http.MethodGet, "/api/jobs/"+job.ID+"/log?offset=0", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	var chunk logChunkResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &chunk))
	assert.Equal(t, store.JobQueued, chunk.Status)
}

func TestCreateSchedule_Succeeds(t *testing.T) {
	srv, st := newFixture(t)

	rec := doRequest(srv, http.MethodPost, "/api/schedules", createScheduleRequest{
		Name: "nightly", Enabled: true, Scope: store.ScopeAll,
		CronExpr: "0 18 * * *", TimezoneName: "UTC",
	})
	assert.Equal(t, http.StatusCreated, rec.Code)

	var sch store.Schedule
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sch))
	assert.Equal(t, "nightly", sch.Name)

	schedules, err := st.ListSchedules(context.Background())
	require.NoError(t, err)
	assert.Len(t, schedules, 1)
}

func TestCreateSchedule_RejectsMissingFields(t *testing.T) {
	srv, _ := newFixture(t)
	rec := doRequest(srv, http.MethodPost, "/api/schedules", createScheduleRequest{Name: "broken"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListSchedules_ReturnsAll(t *testing.T) {
	srv, st := newFixture(t)
	_, err := st.InsertSchedule(context.Background(), store.InsertScheduleParams{
		Name: "a", Scope: store.ScopeAll, CronExpr: "0 * * * *", TimezoneName: "UTC",
	})
	require.NoError(t, err)

	rec := doRequest(srv, http.MethodGet, "/api/schedules", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Schedules []store.Schedule `json:"schedules"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Len(t, resp.Schedules, 1)
}

func TestDeleteSchedule_RemovesRow(t *testing.T) {
	srv, st := newFixture(t)
	sch, err := st.InsertSchedule(context.Background(), store.InsertScheduleParams{
		Name: "a", Scope: store.ScopeAll, CronExpr: "0 * * * *", TimezoneName: "UTC",
	})
	require.NoError(t, err)

	rec := doRequest(srv, http.MethodDelete, "/api/schedules/"+sch.ID, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	schedules, err := st.ListSchedules(context.Background())
	require.NoError(t, err)
	assert.Len(t, schedules, 0)
}

func TestHealth_UnknownTenantReturnsUnknownLevel(t *testing.T) {
	srv, _ := newFixture(t)
	rec := doRequest(srv, http.MethodGet, "/api/health?tenant=ghost", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	var result health.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, health.LevelUnknown, result.Level)
}

func TestHealth_NoTenantParamReturnsEmptyMapWhenNoneActive(t *testing.T) {
	srv, _ := newFixture(t)
	rec := doRequest(srv, http.MethodGet, "/api/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Tenants map[string]health.Result `json:"tenants"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Len(t, resp.Tenants, 0)
}

func TestBackups_NilArchiverReturnsDisabled(t *testing.T) {
	srv, _ := newFixture(t)
	rec := doRequest(srv, http.MethodGet, "/api/backups", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Enabled bool `json:"enabled"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.False(t, resp.Enabled)
}

func TestBackups_TriggerWithNilArchiverIsSkipped(t *testing.T) {
	srv, _ := newFixture(t)
	rec := doRequest(srv, http.MethodPost, "/api/backups", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Status string `json:"status"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "skipped", resp.Status)
}

func TestCancelJob_AlreadyTerminalReturnsConflict(t *testing.T) {
	srv, st := newFixture(t)
	job, err := st.InsertJob(context.Background(), store.InsertJobParams{Scope: store.ScopeAll})
	require.NoError(t, err)
	finished := true
	require.NoError(t, st.TransitionJob(context.Background(), job.ID, store.JobQueued, store.JobCancelled, store.JobPatch{FinishedAt: &finished}))

	rec := doRequest(srv, http.MethodPost, "/api/jobs/"+job.ID+"/cancel", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}
