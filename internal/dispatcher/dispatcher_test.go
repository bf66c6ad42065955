package dispatcher

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/opsportal/orchestrator/internal/artifact"
	"github.com/opsportal/orchestrator/internal/config"
	"github.com/opsportal/orchestrator/internal/events"
	"github.com/opsportal/orchestrator/internal/processlock"
	"github.com/opsportal/orchestrator/internal/store"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

var memCounter int

func newFixture(t *testing.T, scriptBody string) (*Dispatcher, *store.Store) {
	t.Helper()
	memCounter++
	st, err := store.Open(store.Config{Path: fmt.Sprintf("file:dispatcher%d?mode=memory&cache=shared", memCounter)})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	dir := t.TempDir()
	scriptPath := filepath.Join(dir, "pipeline.sh")
	require.NoError(t, os.WriteFile(scriptPath, []byte(scriptBody), 0o755))

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

	d := New(st, lock, bus, ingester, cfg, zerolog.Nop(), "test-host")
	return d, st
}

func waitForStatus(t *testing.T, st *store.Store, jobID string, want store.JobStatus) *store.Job {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		job, err := st.GetJob(context.Background(), jobID)
		require.NoError(t, err)
		if job.Status == want {
			return job
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("job %s did not reach status %s in time", jobID, want)
	return nil
}

func TestDispatch_SpawnsQueuedJobAndRecordsSuccess(t *testing.T) {
	d, st := newFixture(t, "#!/bin/sh\nexit 0\n")
	ctx := context.Background()

	job, err := st.InsertJob(ctx, store.InsertJobParams{Scope: store.ScopeSingle, TenantKey: "acme"})
	require.NoError(t, err)

	require.NoError(t, d.Dispatch(ctx, SourceCLI))

	final := waitForStatus(t, st, job.ID, store.JobSucceeded)
	require.NotNil(t, final.ExitCode)
	require.Equal(t, 0, *final.ExitCode)
	require.NotNil(t, final.FinishedAt)

	lock, err := st.GetLock(ctx)
	require.NoError(t, err)
	require.False(t, lock.Active)
}

func TestDispatch_RecordsFailureOnNonzeroExit(t *testing.T) {
	d, st := newFixture(t, "#!/bin/sh\nexit 7\n")
	ctx := context.Background()

	job, err := st.InsertJob(ctx, store.InsertJobParams{Scope: store.ScopeSingle, TenantKey: "acme"})
	require.NoError(t, err)

	require.NoError(t, d.Dispatch(ctx, SourceCLI))

	final := waitForStatus(t, st, job.ID, store.JobFailed)
	require.NotNil(t, final.ExitCode)
	require.Equal(t, 7, *final.ExitCode)
	require.Contains(t, final.FailureReason, "7")
}

func TestDispatch_SkipsWhenLockBusy(t *testing.T) {
	d, st := newFixture(t, "#!/bin/sh\nexit 0\n")
	ctx := context.Background()

	owner, err := st.InsertJob(ctx, store.InsertJobParams{Scope: store.ScopeSingle, TenantKey: "live-owner"})
	require.NoError(t, err)
	require.NoError(t, st.TransitionJob(ctx, owner.ID, store.JobQueued, store.JobRunning, store.JobPatch{}))
	require.NoError(t, st.AcquireLock(ctx, "other-host", owner.ID))

	queued, err := st.InsertJob(ctx, store.InsertJobParams{Scope: store.ScopeSingle, TenantKey: "acme"})
	require.NoError(t, err)

	require.NoError(t, d.Dispatch(ctx, SourceCLI))

	current, err := st.GetJob(ctx, queued.ID)
	require.NoError(t, err)
	require.Equal(t, store.JobQueued, current.Status)
}

func TestCancel_QueuedJobCancelledDirectly(t *testing.T) {
	d, st := newFixture(t, "#!/bin/sh\nexit 0\n")
	ctx := context.Background()

	job, err := st.InsertJob(ctx, store.InsertJobParams{Scope: store.ScopeSingle, TenantKey: "acme"})
	require.NoError(t, err)

	require.NoError(t, d.Cancel(ctx, job.ID))

	final, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, store.JobCancelled, final.Status)
}

func TestCancel_RunningJobIsSignalledAndMonitorRecordsCancelled(t *testing.T) {
	d, st := newFixture(t, "#!/bin/sh\nsleep 30\n")
	ctx := context.Background()

	job, err := st.InsertJob(ctx, store.InsertJobParams{Scope: store.ScopeSingle, TenantKey: "acme"})
	require.NoError(t, err)
	require.NoError(t, d.Dispatch(ctx, SourceCLI))

	waitForStatus(t, st, job.ID, store.JobRunning)
	require.NoError(t, d.Cancel(ctx, job.ID))

	final := waitForStatus(t, st, job.ID, store.JobCancelled)
	require.NotNil(t, final.FinishedAt)
}
