package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/opsportal/orchestrator/internal/store"
)

// maintainEnvFallback ensures a system-managed "Legacy Env Fallback"
// schedule exists and is enabled exactly when SCHEDULER_ENABLE_ENV_FALLBACK
// is true and no user-managed schedule is enabled to take its place; it is
// otherwise disabled, deferring to whatever the operator configured by
// hand. This mirrors how the system behaved before schedules existed at
// all: a single env-var-driven cron firing for every tenant.
func (s *Scheduler) maintainEnvFallback(ctx context.Context, now time.Time) error {
	schedules, err := s.st.ListSchedules(ctx)
	if err != nil {
		return fmt.Errorf("failed to list schedules: %w", err)
	}

	var fallback *store.Schedule
	userManagedEnabled := false
	for _, sch := range schedules {
		if sch.IsSystemManaged && sch.Name == fallbackScheduleName {
			fallback = sch
			continue
		}
		if !sch.IsSystemManaged && sch.Enabled {
			userManagedEnabled = true
		}
	}

	shouldRun := s.cfg.SchedulerEnableFallback && !userManagedEnabled

	if !shouldRun {
		if fallback != nil && fallback.Enabled {
			if err := s.st.SetScheduleEnabled(ctx, fallback.ID, false); err != nil {
				return fmt.Errorf("failed to disable env fallback schedule: %w", err)
			}
			return s.recordFallbackEvent(ctx, fallback, store.EventFallbackDisabled, "disabled: env flag off or a user schedule took over")
		}
		return nil
	}

	if fallback == nil {
		created, err := s.st.InsertSchedule(ctx, store.InsertScheduleParams{
			Name:            fallbackScheduleName,
			Enabled:         true,
			Scope:           store.ScopeAll,
			CronExpr:        s.cfg.FallbackCronExpr,
			TimezoneName:    s.cfg.FallbackTimezone,
			TargetDateMode:  "business trading date",
			IsSystemManaged: true,
		})
		if err != nil {
			return fmt.Errorf("failed to create env fallback schedule: %w", err)
		}
		return s.recordFallbackEvent(ctx, created, store.EventFallbackEnabled, "created from SCHEDULE_CRON/SCHEDULE_TZ")
	}

	changed := false
	if fallback.CronExpr != s.cfg.FallbackCronExpr || fallback.TimezoneName != s.cfg.FallbackTimezone {
		if err := s.st.UpdateScheduleCron(ctx, fallback.ID, s.cfg.FallbackCronExpr, s.cfg.FallbackTimezone); err != nil {
			return fmt.Errorf("failed to update env fallback schedule: %w", err)
		}
		changed = true
	}
	if !fallback.Enabled {
		if err := s.st.SetScheduleEnabled(ctx, fallback.ID, true); err != nil {
			return fmt.Errorf("failed to enable env fallback schedule: %w", err)
		}
		changed = true
	}
	if changed {
		return s.recordFallbackEvent(ctx, fallback, store.EventFallbackEnabled, "re-enabled or updated to match env")
	}
	return nil
}

func (s *Scheduler) recordFallbackEvent(ctx context.Context, sch *store.Schedule, eventType store.EventType, message string) error {
	_, err := s.st.RecordEvent(ctx, nil, store.RecordEventParams{
		ScheduleID: sch.ID, ScheduleName: sch.Name,
		Type:    eventType,
		Message: message,
	})
	return err
}
