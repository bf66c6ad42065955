package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClaimNextJob_PicksOldestQueuedAndClaimsLock(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	a, err := s.InsertJob(ctx, InsertJobParams{Scope: ScopeSingle, TenantKey: "acme"})
	require.NoError(t, err)
	b, err := s.InsertJob(ctx, InsertJobParams{Scope: ScopeSingle, TenantKey: "globex"})
	require.NoError(t, err)

	job, busy, err := s.ClaimNextJob(ctx, "host-1")
	require.NoError(t, err)
	assert.False(t, busy)
	require.NotNil(t, job)
	assert.Equal(t, a.ID, job.ID)
	assert.NotNil(t, job.DispatchedAt)

	lock, err := s.GetLock(ctx)
	require.NoError(t, err)
	assert.True(t, lock.Active)
	assert.Equal(t, a.ID, lock.OwnerJob)

	_ = b
}

func TestClaimNextJob_ReportsBusyWhenOwnerStillLive(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.InsertJob(ctx, InsertJobParams{Scope: ScopeSingle, TenantKey: "acme"})
	require.NoError(t, err)
	first, _, err := s.ClaimNextJob(ctx, "host-1")
	require.NoError(t, err)
	require.NotNil(t, first)

	_, err = s.InsertJob(ctx, InsertJobParams{Scope: ScopeSingle, TenantKey: "globex"})
	require.NoError(t, err)

	job, busy, err := s.ClaimNextJob(ctx, "host-1")
	require.NoError(t, err)
	assert.True(t, busy)
	assert.Nil(t, job)
}

func TestClaimNextJob_ReturnsNilWhenQueueEmpty(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	job, busy, err := s.ClaimNextJob(ctx, "host-1")
	require.NoError(t, err)
	assert.False(t, busy)
	assert.Nil(t, job)
}

func TestClaimNextJob_ReapsLockWhenOwnerJobIsTerminal(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	stale, err := s.InsertJob(ctx, InsertJobParams{Scope: ScopeSingle, TenantKey: "acme"})
	require.NoError(t, err)
	require.NoError(t, s.AcquireLock(ctx, "dead-host", stale.ID))
	require.NoError(t, s.TransitionJob(ctx, stale.ID, JobQueued, JobFailed, JobPatch{}))

	_, err = s.InsertJob(ctx, InsertJobParams{Scope: ScopeSingle, TenantKey: "globex"})
	require.NoError(t, err)

	job, busy, err := s.ClaimNextJob(ctx, "host-2")
	require.NoError(t, err)
	assert.False(t, busy)
	require.NotNil(t, job)
	assert.Equal(t, "globex", job.TenantKey)

	lock, err := s.GetLock(ctx)
	require.NoError(t, err)
	assert.Equal(t, job.ID, lock.OwnerJob)
}
