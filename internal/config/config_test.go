package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T, keys ...string) {
	t.Helper()
	for _, k := range keys {
		original, had := os.LookupEnv(k)
		os.Unsetenv(k)
		t.Cleanup(func() {
			if had {
				os.Setenv(k, original)
			}
		})
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t, "DATA_DIR", "SCHEDULER_POLL_SECONDS", "BUSINESS_TIMEZONE",
		"SCHEDULER_ENABLE_ENV_FALLBACK", "R2_ACCOUNT_ID")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 15, cfg.SchedulerPollSeconds)
	assert.Equal(t, "Africa/Lagos", cfg.BusinessTimezone)
	assert.Equal(t, 5, cfg.BusinessCutoffHour)
	assert.True(t, cfg.SchedulerEnableFallback)
	assert.False(t, cfg.ArchiveEnabled())
}

func TestLoad_PollSecondsFromEnv(t *testing.T) {
	clearEnv(t, "SCHEDULER_POLL_SECONDS")
	os.Setenv("SCHEDULER_POLL_SECONDS", "45")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 45, cfg.SchedulerPollSeconds)
}

func TestLoad_PollSecondsFloorsAtOne(t *testing.T) {
	clearEnv(t, "SCHEDULER_POLL_SECONDS")
	os.Setenv("SCHEDULER_POLL_SECONDS", "0")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 1, cfg.SchedulerPollSeconds)
}

func TestLoad_InvalidIntegerFails(t *testing.T) {
	clearEnv(t, "SCHEDULER_POLL_SECONDS")
	os.Setenv("SCHEDULER_POLL_SECONDS", "not-a-number")

	_, err := Load()
	require.Error(t, err)
}

func TestArchiveEnabled_RequiresAllFourFields(t *testing.T) {
	cfg := &Config{R2AccountID: "a", R2AccessKeyID: "b", R2SecretAccessKey: "c"}
	assert.False(t, cfg.ArchiveEnabled())
	cfg.R2Bucket = "bucket"
	assert.True(t, cfg.ArchiveEnabled())
}
