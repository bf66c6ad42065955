package logtail

import (
	"context"
	"fmt"
	"os"
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
	s, err := store.Open(store.Config{Path: fmt.Sprintf("file:logtail%d?mode=memory&cache=shared", memCounter)})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestReadChunk_RejectsNegativeOffset(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	job, err := st.InsertJob(ctx, store.InsertJobParams{Scope: store.ScopeSingle, TenantKey: "acme"})
	require.NoError(t, err)

	tailer := New(st)
	_, _, _, err = tailer.ReadChunk(ctx, job.ID, -1, 1024)
	assert.ErrorIs(t, err, ErrInvalidOffset)
}

func TestReadChunk_ReturnsEmptyWhenLogFileMissing(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	job, err := st.InsertJob(ctx, store.InsertJobParams{Scope: store.ScopeSingle, TenantKey: "acme"})
	require.NoError(t, err)

	tailer := New(st)
	data, next, status, err := tailer.ReadChunk(ctx, job.ID, 0, 1024)
	require.NoError(t, err)
	assert.Empty(t, data)
	assert.Equal(t, int64(0), next)
	assert.Equal(t, store.JobQueued, status)
}

func TestReadChunk_ReadsFromOffsetAndAdvances(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	job, err := st.InsertJob(ctx, store.InsertJobParams{Scope: store.ScopeSingle, TenantKey: "acme"})
	require.NoError(t, err)

	dir := t.TempDir()
	logPath := filepath.Join(dir, "job.log")
	require.NoError(t, os.WriteFile(logPath, []byte("hello world"), 0o644))

	logPathCopy := logPath
	require.NoError(t, st.TransitionJob(ctx, job.ID, store.JobQueued, store.JobRunning, store.JobPatch{
		LogFilePath: &logPathCopy,
	}))

	tailer := New(st)
	first, next, status, err := tailer.ReadChunk(ctx, job.ID, 0, 5)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(first))
	assert.Equal(t, int64(5), next)
	assert.Equal(t, store.JobRunning, status)

	second, next2, _, err := tailer.ReadChunk(ctx, job.ID, next, 1024)
	require.NoError(t, err)
	assert.Equal(t, " world", string(second))
	assert.Equal(t, int64(11), next2)
}

func TestReadChunk_OffsetAtEOFReturnsEmptyNotError(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	job, err := st.InsertJob(ctx, store.InsertJobParams{Scope: store.ScopeSingle, TenantKey: "acme"})
	require.NoError(t, err)

	dir := t.TempDir()
	logPath := filepath.Join(dir, "job.log")
	require.NoError(t, os.WriteFile(logPath, []byte("done"), 0o644))
	require.NoError(t, st.TransitionJob(ctx, job.ID, store.JobQueued, store.JobRunning, store.JobPatch{
		LogFilePath: &logPath,
	}))

	tailer := New(st)
	data, next, _, err := tailer.ReadChunk(ctx, job.ID, 4, 1024)
	require.NoError(t, err)
	assert.Empty(t, data)
	assert.Equal(t, int64(4), next)
}
