package scheduler

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/opsportal/orchestrator/internal/artifact"
	"github.com/opsportal/orchestrator/internal/config"
	"github.com/opsportal/orchestrator/internal/dispatcher"
	"github.com/opsportal/orchestrator/internal/events"
	"github.com/opsportal/orchestrator/internal/processlock"
	"github.com/opsportal/orchestrator/internal/store"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var memCounter int

func newFixture(t *testing.T) (*Scheduler, *store.Store) {
	t.Helper()
	memCounter++
	st, err := store.Open(store.Config{Path: fmt.Sprintf("file:scheduler%d?mode=memory&cache=shared", memCounter)})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	dir := t.TempDir()
	scriptPath := filepath.Join(dir, "pipeline.sh")
	require.NoError(t, os.WriteFile(scriptPath, []byte("#!/bin/sh\nexit 0\n"), 0o755))

	cfg := &config.Config{
		RunLogsDir:              filepath.Join(dir, "run_logs"),
		UploadedTreeDir:         filepath.Join(dir, "uploaded"),
		PipelineWorkDir:         dir,
		PipelineBinary:          scriptPath,
		AllTenantsBinary:        scriptPath,
		SchedulerPollSeconds:    15,
		SchedulerEnableFallback: true,
		FallbackCronExpr:        "0 18 * * *",
		FallbackTimezone:        "Africa/Lagos",
		BusinessTimezone:        "Africa/Lagos",
		BusinessCutoffHour:      5,
		BusinessCutoffMinute:    0,
	}
	require.NoError(t, os.MkdirAll(cfg.RunLogsDir, 0o755))
	require.NoError(t, os.MkdirAll(cfg.UploadedTreeDir, 0o755))

	lock := processlock.New(st, filepath.Join(dir, "global_run.lock"))
	bus := events.New(zerolog.Nop())
	ingester := artifact.New(st, cfg.RunLogsDir, zerolog.Nop())
	disp := dispatcher.New(st, lock, bus, ingester, cfg, zerolog.Nop(), "test-host")

	return New(st, disp, bus, cfg, zerolog.Nop()), st
}

func TestTick_CreatesEnvFallbackScheduleWhenEnabledAndNoUserSchedule(t *testing.T) {
	s, st := newFixture(t)
	ctx := context.Background()

	require.NoError(t, s.Tick(ctx))

	schedules, err := st.ListSchedules(ctx)
	require.NoError(t, err)
	require.Len(t, schedules, 1)
	assert.Equal(t, fallbackScheduleName, schedules[0].Name)
	assert.True(t, schedules[0].IsSystemManaged)
	assert.True(t, schedules[0].Enabled)
	assert.NotNil(t, schedules[0].NextFireAt)
}

func TestTick_DisablesFallbackWhenUserScheduleEnabled(t *testing.T) {
	s, st := newFixture(t)
	ctx := context.Background()

	require.NoError(t, s.Tick(ctx))

	_, err := st.InsertSchedule(ctx, store.InsertScheduleParams{
		Name: "user schedule", Enabled: true, Scope: store.ScopeAll,
		CronExpr: "0 * * * *", TimezoneName: "UTC",
	})
	require.NoError(t, err)

	require.NoError(t, s.Tick(ctx))

	schedules, err := st.ListSchedules(ctx)
	require.NoError(t, err)
	var fallback *store.Schedule
	for _, sch := range schedules {
		if sch.IsSystemManaged {
			fallback = sch
		}
	}
	require.NotNil(t, fallback)
	assert.False(t, fallback.Enabled)
}

func TestTick_FiresDueScheduleAndQueuesJob(t *testing.T) {
	s, st := newFixture(t)
	ctx := context.Background()

	past := time.Now().UTC().Add(-time.Minute)
	sch, err := st.InsertSchedule(ctx, store.InsertScheduleParams{
		Name: "every minute", Enabled: true, Scope: store.ScopeSingle, TenantKey: "acme",
		CronExpr: "* * * * *", TimezoneName: "UTC", NextFireAt: &past,
	})
	require.NoError(t, err)

	require.NoError(t, s.Tick(ctx))

	jobs, err := st.ListRecentJobsForTenant(ctx, "acme", 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, sch.ID, jobs[0].ScheduledBy)

	events, err := st.ListEventsForSchedule(ctx, sch.ID, 10)
	require.NoError(t, err)
	require.NotEmpty(t, events)
	assert.Equal(t, store.EventQueued, events[0].Type)

	updated, err := st.GetSchedule(ctx, sch.ID)
	require.NoError(t, err)
	require.NotNil(t, updated.NextFireAt)
	assert.True(t, updated.NextFireAt.After(past))
	assert.Equal(t, store.ResultQueued, updated.LastResult)
}

func TestTick_SkipsOverlappingSchedule(t *testing.T) {
	s, st := newFixture(t)
	ctx := context.Background()

	past := time.Now().UTC().Add(-time.Minute)
	sch, err := st.InsertSchedule(ctx, store.InsertScheduleParams{
		Name: "every minute", Enabled: true, Scope: store.ScopeSingle, TenantKey: "acme",
		CronExpr: "* * * * *", TimezoneName: "UTC", NextFireAt: &past,
	})
	require.NoError(t, err)

	_, err = st.InsertJob(ctx, store.InsertJobParams{Scope: store.ScopeSingle, TenantKey: "acme", ScheduledBy: sch.ID})
	require.NoError(t, err)

	require.NoError(t, s.Tick(ctx))

	jobs, err := st.ListRecentJobsForTenant(ctx, "acme", 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1) // still just the pre-existing one, nothing new queued

	updated, err := st.GetSchedule(ctx, sch.ID)
	require.NoError(t, err)
	assert.Equal(t, store.ResultSkippedOverlap, updated.LastResult)
}

func TestTick_SkipsInvalidSingleScopeWithoutTenant(t *testing.T) {
	s, st := newFixture(t)
	ctx := context.Background()

	past := time.Now().UTC().Add(-time.Minute)
	sch, err := st.InsertSchedule(ctx, store.InsertScheduleParams{
		Name: "broken", Enabled: true, Scope: store.ScopeSingle,
		CronExpr: "* * * * *", TimezoneName: "UTC", NextFireAt: &past,
	})
	require.NoError(t, err)

	require.NoError(t, s.Tick(ctx))

	updated, err := st.GetSchedule(ctx, sch.ID)
	require.NoError(t, err)
	assert.Equal(t, store.ResultSkippedInvalid, updated.LastResult)
}

func TestTick_SeedsMissingNextFireAtWithoutFiring(t *testing.T) {
	s, st := newFixture(t)
	ctx := context.Background()

	sch, err := st.InsertSchedule(ctx, store.InsertScheduleParams{
		Name: "daily", Enabled: true, Scope: store.ScopeAll,
		CronExpr: "0 18 * * *", TimezoneName: "UTC",
	})
	require.NoError(t, err)
	require.Nil(t, sch.NextFireAt)

	require.NoError(t, s.Tick(ctx))

	updated, err := st.GetSchedule(ctx, sch.ID)
	require.NoError(t, err)
	require.NotNil(t, updated.NextFireAt)
	assert.True(t, updated.NextFireAt.After(time.Now()))
}

func TestTick_UpsertsHeartbeat(t *testing.T) {
	s, st := newFixture(t)
	ctx := context.Background()

	require.NoError(t, s.Tick(ctx))

	last, err := st.LastHeartbeat(ctx)
	require.NoError(t, err)
	require.NotNil(t, last)
}
