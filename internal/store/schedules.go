package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// InsertScheduleParams carries the fields a caller supplies when creating a
// Schedule; NextFireAt is computed by the scheduler component from CronExpr
// and TimezoneName, not by the Store.
type InsertScheduleParams struct {
	Name      string
	Enabled   bool
	Scope     JobScope
	TenantKey string

	CronExpr     string
	TimezoneName string

	TargetDateMode string

	Parallel          int
	StaggerSeconds    int
	ContinueOnFailure bool

	IsSystemManaged bool
	NextFireAt      *time.Time
}

// InsertSchedule creates a new Schedule row.
func (s *Store) InsertSchedule(ctx context.Context, p InsertScheduleParams) (*Schedule, error) {
	sch := &Schedule{
		ID:                uuid.NewString(),
		Name:              p.Name,
		Enabled:           p.Enabled,
		Scope:             p.Scope,
		TenantKey:         p.TenantKey,
		CronExpr:          p.CronExpr,
		TimezoneName:      p.TimezoneName,
		TargetDateMode:    p.TargetDateMode,
		Parallel:          p.Parallel,
		StaggerSeconds:    p.StaggerSeconds,
		ContinueOnFailure: p.ContinueOnFailure,
		IsSystemManaged:   p.IsSystemManaged,
		NextFireAt:        p.NextFireAt,
	}

	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		now := nowUnix()
		_, err := tx.ExecContext(ctx, `
			INSERT INTO schedules (
				id, name, enabled, scope, tenant_key, cron_expr, timezone_name,
				target_date_mode, parallel, stagger_seconds, continue_on_failure,
				next_fire_at, is_system_managed, created_at, updated_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			sch.ID, sch.Name, sch.Enabled, string(sch.Scope), nullableString(sch.TenantKey),
			sch.CronExpr, sch.TimezoneName, sch.TargetDateMode,
			sch.Parallel, sch.StaggerSeconds, sch.ContinueOnFailure,
			timePtrToUnix(sch.NextFireAt), sch.IsSystemManaged, now, now,
		)
		if err != nil {
			return fmt.Errorf("failed to insert schedule: %w", err)
		}
		sch.CreatedAt = unixTime(now)
		sch.UpdatedAt = sch.CreatedAt
		return nil
	})
	if err != nil {
		return nil, err
	}
	return sch, nil
}

// GetSchedule fetches a schedule by ID.
func (s *Store) GetSchedule(ctx context.Context, id string) (*Schedule, error) {
	row := s.conn.QueryRowContext(ctx, scheduleSelectColumns+` WHERE id = ?`, id)
	return scanSchedule(row)
}

// ListSchedules returns every schedule, newest first.
func (s *Store) ListSchedules(ctx context.Context) ([]*Schedule, error) {
	rows, err := s.conn.QueryContext(ctx, scheduleSelectColumns+` ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list schedules: %w", err)
	}
	defer rows.Close()
	return scanSchedules(rows)
}

// ListDueSchedules returns enabled schedules whose next_fire_at has passed,
// locking them for update within the caller's transaction. SQLite has no
// "SKIP LOCKED"; the whole-database BEGIN IMMEDIATE lock taken by WithTx
// gives the same "exactly one scheduler loop processes due schedules at a
// time" guarantee the spec's row-locking phrasing assumes.
func (s *Store) ListDueSchedules(ctx context.Context, tx *sql.Tx, asOf time.Time) ([]*Schedule, error) {
	rows, err := tx.QueryContext(ctx, scheduleSelectColumns+`
		WHERE enabled = 1 AND next_fire_at IS NOT NULL AND next_fire_at <= ?
		ORDER BY next_fire_at ASC`, asOf.UTC().Unix())
	if err != nil {
		return nil, fmt.Errorf("failed to list due schedules: %w", err)
	}
	defer rows.Close()
	return scanSchedules(rows)
}

// RecordScheduleFire updates a schedule's fire bookkeeping after the
// scheduler has decided what happened on this tick (queued a job, skipped
// it, or hit an error), and advances next_fire_at to the following
// occurrence computed by the caller.
func (s *Store) RecordScheduleFire(ctx context.Context, tx *sql.Tx, id string, result ScheduleResult, errMsg string, nextFireAt *time.Time) error {
	now := nowUnix()
	_, err := tx.ExecContext(ctx, `
		UPDATE schedules
		SET last_fired_at = ?, last_result = ?, last_error = ?, next_fire_at = ?, updated_at = ?
		WHERE id = ?`,
		now, string(result), nullableString(errMsg), timePtrToUnix(nextFireAt), now, id,
	)
	if err != nil {
		return fmt.Errorf("failed to record schedule fire: %w", err)
	}
	return nil
}

// UpdateScheduleNextFire sets next_fire_at without touching last-fire
// bookkeeping. Used by the Scheduler's seeding step for enabled schedules
// that have no next_fire_at yet.
func (s *Store) UpdateScheduleNextFire(ctx context.Context, id string, nextFireAt *time.Time) error {
	_, err := s.conn.ExecContext(ctx, `
		UPDATE schedules SET next_fire_at = ?, updated_at = ? WHERE id = ?`,
		timePtrToUnix(nextFireAt), nowUnix(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to update schedule next fire: %w", err)
	}
	return nil
}

// UpdateScheduleCron rewrites a schedule's cron expression and timezone,
// used by the Scheduler to keep the system-managed env fallback schedule in
// sync with SCHEDULE_CRON/SCHEDULE_TZ when an operator changes them.
func (s *Store) UpdateScheduleCron(ctx context.Context, id, cronExpr, timezoneName string) error {
	_, err := s.conn.ExecContext(ctx, `
		UPDATE schedules SET cron_expr = ?, timezone_name = ?, next_fire_at = NULL, updated_at = ?
		WHERE id = ?`,
		cronExpr, timezoneName, nowUnix(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to update schedule cron: %w", err)
	}
	return nil
}

// SetScheduleEnabled toggles a schedule on or off.
func (s *Store) SetScheduleEnabled(ctx context.Context, id string, enabled bool) error {
	_, err := s.conn.ExecContext(ctx, `
		UPDATE schedules SET enabled = ?, updated_at = ? WHERE id = ?`,
		enabled, nowUnix(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to set schedule enabled: %w", err)
	}
	return nil
}

// DeleteSchedule removes a schedule. Its schedule_events rows survive with
// schedule_id set to NULL by the foreign key's ON DELETE SET NULL.
func (s *Store) DeleteSchedule(ctx context.Context, id string) error {
	_, err := s.conn.ExecContext(ctx, `DELETE FROM schedules WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete schedule: %w", err)
	}
	return nil
}

const scheduleSelectColumns = `
	SELECT id, name, enabled, scope, tenant_key, cron_expr, timezone_name,
		target_date_mode, parallel, stagger_seconds, continue_on_failure,
		next_fire_at, last_fired_at, last_result, last_error,
		is_system_managed, created_at, updated_at
	FROM schedules`

func scanSchedule(row rowScanner) (*Schedule, error) {
	var sch Schedule
	var scope string
	var tenantKey, lastResult, lastError sql.NullString
	var nextFireAt, lastFiredAt sql.NullInt64
	var createdAt, updatedAt int64

	err := row.Scan(
		&sch.ID, &sch.Name, &sch.Enabled, &scope, &tenantKey, &sch.CronExpr, &sch.TimezoneName,
		&sch.TargetDateMode, &sch.Parallel, &sch.StaggerSeconds, &sch.ContinueOnFailure,
		&nextFireAt, &lastFiredAt, &lastResult, &lastError,
		&sch.IsSystemManaged, &createdAt, &updatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan schedule: %w", err)
	}

	sch.Scope = JobScope(scope)
	sch.TenantKey = tenantKey.String
	sch.LastResult = ScheduleResult(lastResult.String)
	sch.LastError = lastError.String
	sch.NextFireAt = unixToTimePtr(nextFireAt)
	sch.LastFiredAt = unixToTimePtr(lastFiredAt)
	sch.CreatedAt = unixTime(createdAt)
	sch.UpdatedAt = unixTime(updatedAt)
	return &sch, nil
}

func scanSchedules(rows *sql.Rows) ([]*Schedule, error) {
	var out []*Schedule
	for rows.Next() {
		sch, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sch)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed iterating schedules: %w", err)
	}
	return out, nil
}
