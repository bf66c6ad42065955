package store

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

var memCounter int

// openTestStore opens a fresh in-memory SQLite database per test. Each test
// gets its own named in-memory DB so parallel tests never share state.
func openTestStore(t *testing.T) *Store {
	t.Helper()
	memCounter++
	s, err := Open(Config{Path: fmt.Sprintf("file:test%d?mode=memory&cache=shared", memCounter)})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOpen_MigratesSchema(t *testing.T) {
	s := openTestStore(t)
	lock, err := s.GetLock(context.Background())
	require.NoError(t, err)
	require.False(t, lock.Active)
}
