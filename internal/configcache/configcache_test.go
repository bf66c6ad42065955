package configcache

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/opsportal/orchestrator/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var memCounter int

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	memCounter++
	s, err := store.Open(store.Config{Path: fmt.Sprintf("file:configcache%d?mode=memory&cache=shared", memCounter)})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func intPtr(v int) *int { return &v }

func TestGet_ServesFromCacheUntilExpiry(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, st.PutPortalSettings(ctx, &store.PortalSettings{SchedulerPollSeconds: intPtr(15)}))

	c := New(st, 50*time.Millisecond)
	first, err := c.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, 15, *first.SchedulerPollSeconds)

	// Write directly through the Store, bypassing the cache's Put/Invalidate.
	require.NoError(t, st.PutPortalSettings(ctx, &store.PortalSettings{SchedulerPollSeconds: intPtr(99)}))

	second, err := c.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, 15, *second.SchedulerPollSeconds, "stale value should still be served before TTL expires")

	time.Sleep(60 * time.Millisecond)
	third, err := c.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, 99, *third.SchedulerPollSeconds)
}

func TestPut_InvalidatesImmediately(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, st.PutPortalSettings(ctx, &store.PortalSettings{SchedulerPollSeconds: intPtr(15)}))

	c := New(st, time.Hour)
	_, err := c.Get(ctx)
	require.NoError(t, err)

	require.NoError(t, c.Put(ctx, &store.PortalSettings{SchedulerPollSeconds: intPtr(42)}))

	fresh, err := c.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, 42, *fresh.SchedulerPollSeconds)
}

func TestInvalidate_ForcesRefreshOnNextGet(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, st.PutPortalSettings(ctx, &store.PortalSettings{SchedulerPollSeconds: intPtr(15)}))

	c := New(st, time.Hour)
	_, err := c.Get(ctx)
	require.NoError(t, err)

	require.NoError(t, st.PutPortalSettings(ctx, &store.PortalSettings{SchedulerPollSeconds: intPtr(7)}))
	c.Invalidate()

	refreshed, err := c.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, 7, *refreshed.SchedulerPollSeconds)
}
