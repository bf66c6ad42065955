package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInsertJob_DefaultsToQueued(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	job, err := s.InsertJob(ctx, InsertJobParams{
		Scope:     ScopeSingle,
		TenantKey: "acme",
		TargetDate: "2026-07-28",
		Parallel:  1,
	})
	require.NoError(t, err)
	assert.Equal(t, JobQueued, job.Status)
	assert.NotEmpty(t, job.ID)
	assert.False(t, job.QueuedAt.IsZero())

	fetched, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, job.TenantKey, fetched.TenantKey)
}

func TestGetJob_NotFound(t *testing.T) {
	s := openTestStore(t)
	_, err := s.GetJob(context.Background(), "does-not-exist")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTransitionJob_HappyPath(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	job, err := s.InsertJob(ctx, InsertJobParams{Scope: ScopeSingle, TenantKey: "acme"})
	require.NoError(t, err)

	pid := 4242
	dispatched := true
	err = s.TransitionJob(ctx, job.ID, JobQueued, JobRunning, JobPatch{
		PID:          &pid,
		DispatchedAt: &dispatched,
		StartedAt:    &dispatched,
	})
	require.NoError(t, err)

	fetched, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobRunning, fetched.Status)
	require.NotNil(t, fetched.PID)
	assert.Equal(t, pid, *fetched.PID)
	assert.NotNil(t, fetched.DispatchedAt)
	assert.NotNil(t, fetched.StartedAt)
}

func TestTransitionJob_RejectsStaleExpectedStatus(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	job, err := s.InsertJob(ctx, InsertJobParams{Scope: ScopeSingle, TenantKey: "acme"})
	require.NoError(t, err)

	require.NoError(t, s.TransitionJob(ctx, job.ID, JobQueued, JobRunning, JobPatch{}))

	// Someone else already moved it to running; trying to transition again
	// from "queued" must fail rather than silently overwrite.
	err = s.TransitionJob(ctx, job.ID, JobQueued, JobCancelled, JobPatch{})
	assert.ErrorIs(t, err, ErrStatusChanged)

	fetched, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobRunning, fetched.Status)
}

func TestListJobsByStatus(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	j1, err := s.InsertJob(ctx, InsertJobParams{Scope: ScopeSingle, TenantKey: "acme"})
	require.NoError(t, err)
	_, err = s.InsertJob(ctx, InsertJobParams{Scope: ScopeSingle, TenantKey: "globex"})
	require.NoError(t, err)
	require.NoError(t, s.TransitionJob(ctx, j1.ID, JobQueued, JobRunning, JobPatch{}))

	queued, err := s.ListJobsByStatus(ctx, JobQueued)
	require.NoError(t, err)
	require.Len(t, queued, 1)
	assert.Equal(t, "globex", queued[0].TenantKey)

	running, err := s.ListJobsByStatus(ctx, JobRunning)
	require.NoError(t, err)
	require.Len(t, running, 1)
	assert.Equal(t, j1.ID, running[0].ID)
}

func TestActiveJobForSchedule(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	none, err := s.ActiveJobForSchedule(ctx, "sched-1")
	require.NoError(t, err)
	assert.Nil(t, none)

	job, err := s.InsertJob(ctx, InsertJobParams{Scope: ScopeSingle, TenantKey: "acme", ScheduledBy: "sched-1"})
	require.NoError(t, err)

	active, err := s.ActiveJobForSchedule(ctx, "sched-1")
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, job.ID, active.ID)

	require.NoError(t, s.TransitionJob(ctx, job.ID, JobQueued, JobRunning, JobPatch{}))
	require.NoError(t, s.TransitionJob(ctx, job.ID, JobRunning, JobSucceeded, JobPatch{}))

	afterFinish, err := s.ActiveJobForSchedule(ctx, "sched-1")
	require.NoError(t, err)
	assert.Nil(t, afterFinish)
}
