package credential

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/opsportal/orchestrator/internal/store"
	"github.com/opsportal/orchestrator/internal/tenantconfig"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var memCounter int

func setup(t *testing.T) (*tenantconfig.Reader, string) {
	t.Helper()
	memCounter++
	st, err := store.Open(store.Config{Path: fmt.Sprintf("file:credential%d?mode=memory&cache=shared", memCounter)})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	dir := t.TempDir()
	reader := tenantconfig.New(st, dir, zerolog.Nop())
	return reader, dir
}

func writeTenant(t *testing.T, dir, tenantKey string, v interface{}) {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, tenantKey+".json"), raw, 0o644))
}

func TestCheck_MissingEnvKey(t *testing.T) {
	reader, dir := setup(t)
	writeTenant(t, dir, "acme", map[string]interface{}{
		"display_name":   "Acme",
		"active":         true,
		"credential_env": []string{"ACME_DOES_NOT_EXIST_ENV"},
	})
	require.NoError(t, os.Unsetenv("ACME_DOES_NOT_EXIST_ENV"))
	_, err := reader.Sync(context.Background())
	require.NoError(t, err)

	probe := New(reader)
	result, err := probe.Check(context.Background(), "acme")
	require.NoError(t, err)
	assert.Equal(t, LevelMissing, result.Level)
	assert.Equal(t, "ACME_DOES_NOT_EXIST_ENV", result.MissingEnvKey)
}

func TestCheck_ConnectedWhenNoTokenFile(t *testing.T) {
	reader, dir := setup(t)
	writeTenant(t, dir, "acme", map[string]interface{}{"display_name": "Acme", "active": true})
	_, err := reader.Sync(context.Background())
	require.NoError(t, err)

	probe := New(reader)
	result, err := probe.Check(context.Background(), "acme")
	require.NoError(t, err)
	assert.Equal(t, LevelConnected, result.Level)
}

func TestCheck_RefreshExpired(t *testing.T) {
	reader, dir := setup(t)
	tokenPath := filepath.Join(dir, "acme_token.json")
	writeTenant(t, dir, "acme", map[string]interface{}{
		"display_name": "Acme", "active": true, "token_file": tokenPath,
	})
	raw, err := json.Marshal(map[string]interface{}{"expires_at": time.Now().Add(-time.Hour)})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(tokenPath, raw, 0o644))
	_, err = reader.Sync(context.Background())
	require.NoError(t, err)

	probe := New(reader)
	result, err := probe.Check(context.Background(), "acme")
	require.NoError(t, err)
	assert.Equal(t, LevelRefreshExpired, result.Level)
}

func TestCheck_RefreshExpiringSoon(t *testing.T) {
	reader, dir := setup(t)
	tokenPath := filepath.Join(dir, "acme_token.json")
	writeTenant(t, dir, "acme", map[string]interface{}{
		"display_name": "Acme", "active": true, "token_file": tokenPath,
	})
	raw, err := json.Marshal(map[string]interface{}{"expires_at": time.Now().Add(3 * 24 * time.Hour)})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(tokenPath, raw, 0o644))
	_, err = reader.Sync(context.Background())
	require.NoError(t, err)

	probe := New(reader)
	result, err := probe.Check(context.Background(), "acme")
	require.NoError(t, err)
	assert.Equal(t, LevelRefreshExpiring, result.Level)
	assert.LessOrEqual(t, result.ExpiringDays, 3)
}
