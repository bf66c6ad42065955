package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// EnqueueScheduleRun implements the Scheduler's enqueue_run_for_schedule
// step as a single transaction: it decides whether to queue a Job, skip
// because a previous run from this schedule is still in flight, or skip
// because the schedule is misconfigured, and in every case advances
// next_fire_at and appends the corresponding audit ScheduleEvent. A Job and
// its "queued" event are therefore always created in the same commit, so
// no observer can see one without the other.
//
// nextFireAt is the occurrence the caller (Scheduler) already computed for
// after this fire; targetDate is the business trading date the new Job (if
// any) should run against. source labels who triggered this (e.g.
// "worker").
func (s *Store) EnqueueScheduleRun(ctx context.Context, scheduleID string, nextFireAt time.Time, targetDate, source string) (ScheduleResult, *Job, error) {
	var result ScheduleResult
	var job *Job

	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, scheduleSelectColumns+` WHERE id = ?`, scheduleID)
		sch, err := scanSchedule(row)
		if err != nil {
			return fmt.Errorf("failed to re-read schedule: %w", err)
		}

		if sch.Scope == ScopeSingle && sch.TenantKey == "" {
			result = ResultSkippedInvalid
			if _, err := s.RecordEvent(ctx, tx, RecordEventParams{
				ScheduleID: sch.ID, ScheduleName: sch.Name,
				Type:    EventSkippedInvalid,
				Message: "scope=single schedule has no tenant_key",
			}); err != nil {
				return err
			}
			return s.RecordScheduleFire(ctx, tx, sch.ID, result, "", &nextFireAt)
		}

		active, err := s.ActiveJobForScheduleTx(ctx, tx, sch.ID)
		if err != nil {
			return fmt.Errorf("failed to check for active job: %w", err)
		}
		if active != nil {
			result = ResultSkippedOverlap
			if _, err := s.RecordEvent(ctx, tx, RecordEventParams{
				ScheduleID: sch.ID, ScheduleName: sch.Name, JobID: active.ID,
				Type:    EventSkippedOverlap,
				Message: fmt.Sprintf("job %s from this schedule is still active", active.ID),
			}); err != nil {
				return err
			}
			return s.RecordScheduleFire(ctx, tx, sch.ID, result, "", &nextFireAt)
		}

		created, err := insertJobTx(ctx, tx, InsertJobParams{
			Scope:             sch.Scope,
			TenantKey:         sch.TenantKey,
			TargetDate:        targetDate,
			Parallel:          sch.Parallel,
			StaggerSeconds:    sch.StaggerSeconds,
			ContinueOnFailure: sch.ContinueOnFailure,
			ScheduledBy:       sch.ID,
		})
		if err != nil {
			return err
		}
		job = created
		result = ResultQueued

		if _, err := s.RecordEvent(ctx, tx, RecordEventParams{
			ScheduleID: sch.ID, ScheduleName: sch.Name, JobID: job.ID,
			Type:    EventQueued,
			Message: fmt.Sprintf("schedule fired by %s", source),
			Payload: map[string]interface{}{
				"schedule_name": sch.Name,
				"schedule_id":   sch.ID,
				"scope":         string(sch.Scope),
				"tenant_key":    sch.TenantKey,
				"target_date":   targetDate,
			},
		}); err != nil {
			return err
		}
		return s.RecordScheduleFire(ctx, tx, sch.ID, result, "", &nextFireAt)
	})
	if err != nil {
		return "", nil, err
	}
	return result, job, nil
}
