package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireLock_MutualExclusion(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.AcquireLock(ctx, "host-a", "job-1"))

	err := s.AcquireLock(ctx, "host-b", "job-2")
	assert.ErrorIs(t, err, ErrLockHeld)

	lock, err := s.GetLock(ctx)
	require.NoError(t, err)
	assert.True(t, lock.Active)
	assert.Equal(t, "host-a", lock.Holder)
	assert.Equal(t, "job-1", lock.OwnerJob)
}

func TestReleaseLock_FreesItForNextClaimant(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.AcquireLock(ctx, "host-a", "job-1"))
	require.NoError(t, s.ReleaseLock(ctx))

	lock, err := s.GetLock(ctx)
	require.NoError(t, err)
	assert.False(t, lock.Active)
	assert.Empty(t, lock.Holder)

	require.NoError(t, s.AcquireLock(ctx, "host-b", "job-2"))
}
