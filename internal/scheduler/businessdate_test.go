package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBusinessTradingDate_BeforeCutoffShiftsTwoDays(t *testing.T) {
	loc, err := time.LoadLocation("Africa/Lagos")
	require.NoError(t, err)
	now := time.Date(2026, 2, 13, 3, 30, 0, 0, time.UTC)
	assert.Equal(t, "2026-02-11", businessTradingDate(now, loc, 5, 0))
}

func TestBusinessTradingDate_AtCutoffShiftsOneDay(t *testing.T) {
	loc, err := time.LoadLocation("Africa/Lagos")
	require.NoError(t, err)
	now := time.Date(2026, 2, 13, 4, 0, 0, 0, time.UTC) // 05:00 local (UTC+1)
	assert.Equal(t, "2026-02-12", businessTradingDate(now, loc, 5, 0))
}

func TestBusinessTradingDate_JustAfterCutoffShiftsOneDay(t *testing.T) {
	loc, err := time.LoadLocation("Africa/Lagos")
	require.NoError(t, err)
	now := time.Date(2026, 2, 13, 4, 1, 0, 0, time.UTC)
	assert.Equal(t, "2026-02-12", businessTradingDate(now, loc, 5, 0))
}
