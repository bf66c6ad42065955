package scheduler

import (
	"time"

	"github.com/opsportal/orchestrator/internal/utils"
)

// businessTradingDate computes the "accounting day whose data should now be
// complete": now shifted into the business timezone, then back one or two
// days depending on whether local time has passed the cutoff. Before the
// cutoff the prior day's run has not even been attempted yet, so the last
// complete day is two days back; at or after the cutoff it is one day back.
func businessTradingDate(now time.Time, loc *time.Location, cutoffHour, cutoffMinute int) string {
	local := now.In(loc)
	daysBack := 1
	if local.Hour() < cutoffHour || (local.Hour() == cutoffHour && local.Minute() < cutoffMinute) {
		daysBack = 2
	}
	shifted := local.AddDate(0, 0, -daysBack)
	return utils.UnixToDate(utils.ToUnix(time.Date(shifted.Year(), shifted.Month(), shifted.Day(), 0, 0, 0, 0, time.UTC)))
}
