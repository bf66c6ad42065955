package processlock

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/opsportal/orchestrator/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var memCounter int

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	memCounter++
	s, err := store.Open(store.Config{Path: fmt.Sprintf("file:processlock%d?mode=memory&cache=shared", memCounter)})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestAcquire_SecondCallerBlocked(t *testing.T) {
	st := openTestStore(t)
	lockPath := filepath.Join(t.TempDir(), "global_run.lock")
	ctx := context.Background()

	first := New(st, lockPath)
	require.NoError(t, first.Acquire(ctx, "host-a", "job-1"))

	second := New(st, lockPath)
	err := second.Acquire(ctx, "host-a", "job-2")
	assert.ErrorIs(t, err, ErrHeld)

	require.NoError(t, first.Release(ctx))

	third := New(st, lockPath)
	require.NoError(t, third.Acquire(ctx, "host-a", "job-3"))
	require.NoError(t, third.Release(ctx))
}
