package scheduler

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

const nextFireSanityBound = 366 * 24 * time.Hour

// computeNextFireAt returns the first minute strictly after from, truncated
// to the minute, matching cronExpr when evaluated in the named timezone,
// converted back to UTC. robfig/cron's standard parser already implements
// the Vixie-cron day-of-month/day-of-week OR rule this needs, so no custom
// matcher is written here.
func computeNextFireAt(cronExpr, timezoneName string, from time.Time) (time.Time, error) {
	loc, err := time.LoadLocation(timezoneName)
	if err != nil {
		return time.Time{}, fmt.Errorf("unknown timezone %q: %w", timezoneName, err)
	}
	sched, err := cron.ParseStandard(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid cron expression %q: %w", cronExpr, err)
	}

	local := from.In(loc).Truncate(time.Minute)
	next := sched.Next(local)
	if next.IsZero() {
		return time.Time{}, fmt.Errorf("cron expression %q never fires", cronExpr)
	}
	if next.Sub(local) > nextFireSanityBound {
		return time.Time{}, fmt.Errorf("cron expression %q did not fire within one year", cronExpr)
	}
	return next.UTC(), nil
}
