package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
)

// queryer is satisfied by both *sql.DB and *sql.Tx, letting a handful of
// read-only helpers run either standalone or inside a caller's transaction.
type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// ErrStatusChanged is returned by TransitionJob when the job's current
// status no longer matches the caller's expected "from" status. Callers
// (Monitor, Dispatcher) treat this as a signal to re-read the job and
// reconcile rather than retry blindly.
var ErrStatusChanged = fmt.Errorf("job status changed since last read")

// ErrNotFound is returned when a lookup by ID finds no row.
var ErrNotFound = fmt.Errorf("not found")

// InsertJobParams carries the fields a caller supplies when enqueuing a new
// Job; the Store fills in ID, Status, and the timestamp fields.
type InsertJobParams struct {
	Scope     JobScope
	TenantKey string

	TargetDate string
	FromDate   string
	ToDate     string

	SkipDownload      bool
	Parallel          int
	StaggerSeconds    int
	ContinueOnFailure bool

	RequestedBy string
	ScheduledBy string
}

// InsertJob creates a new Job row in the queued state.
func (s *Store) InsertJob(ctx context.Context, p InsertJobParams) (*Job, error) {
	var job *Job
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		j, err := insertJobTx(ctx, tx, p)
		job = j
		return err
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

// insertJobTx is InsertJob's core logic, factored out so the Scheduler can
// create a Job in the same transaction as a schedule's next_fire_at
// advance and its ScheduleEvent (see Store.EnqueueScheduleRun).
func insertJobTx(ctx context.Context, tx *sql.Tx, p InsertJobParams) (*Job, error) {
	parallel := p.Parallel
	continueOnFailure := p.ContinueOnFailure
	if p.Scope == ScopeSingle {
		parallel = 1
		continueOnFailure = false
	}

	job := &Job{
		ID:                uuid.NewString(),
		Scope:             p.Scope,
		TenantKey:         p.TenantKey,
		TargetDate:        p.TargetDate,
		FromDate:          p.FromDate,
		ToDate:            p.ToDate,
		SkipDownload:      p.SkipDownload,
		Parallel:          parallel,
		StaggerSeconds:    p.StaggerSeconds,
		ContinueOnFailure: continueOnFailure,
		Status:            JobQueued,
		RequestedBy:       p.RequestedBy,
		ScheduledBy:       p.ScheduledBy,
	}

	now := nowUnix()
	_, err := tx.ExecContext(ctx, `
		INSERT INTO jobs (
			id, scope, tenant_key, target_date, from_date, to_date,
			skip_download, parallel, stagger_seconds, continue_on_failure,
			status, queued_at, created_at, requested_by, scheduled_by
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, string(job.Scope), nullableString(job.TenantKey),
		nullableString(job.TargetDate), nullableString(job.FromDate), nullableString(job.ToDate),
		job.SkipDownload, job.Parallel, job.StaggerSeconds, job.ContinueOnFailure,
		string(job.Status), now, now,
		nullableString(job.RequestedBy), nullableString(job.ScheduledBy),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to insert job: %w", err)
	}
	job.QueuedAt = unixTime(now)
	job.CreatedAt = job.QueuedAt
	return job, nil
}

// GetJob fetches a job by ID. Returns ErrNotFound if no row matches.
func (s *Store) GetJob(ctx context.Context, id string) (*Job, error) {
	row := s.conn.QueryRowContext(ctx, jobSelectColumns+` WHERE id = ?`, id)
	return scanJob(row)
}

// ListJobsByStatus returns jobs with the given status, oldest queued_at
// first. Used by the Reconciler to find stuck running jobs; the Dispatcher
// claims the next queued job through ClaimNextJob instead.
func (s *Store) ListJobsByStatus(ctx context.Context, status JobStatus) ([]*Job, error) {
	rows, err := s.conn.QueryContext(ctx, jobSelectColumns+` WHERE status = ? ORDER BY queued_at ASC`, string(status))
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs by status: %w", err)
	}
	defer rows.Close()
	return scanJobs(rows)
}

// ActiveJobForSchedule returns the queued or running job most recently
// produced by the given schedule, if any. Schedules use this to decide
// whether to skip a fire because the previous run is still in flight.
func (s *Store) ActiveJobForSchedule(ctx context.Context, scheduleID string) (*Job, error) {
	return activeJobForSchedule(ctx, s.conn, scheduleID)
}

// ActiveJobForScheduleTx is ActiveJobForSchedule run against an existing
// transaction, so the Scheduler can make the overlap check and the
// resulting job/event writes atomic (see Store.EnqueueScheduleRun).
func (s *Store) ActiveJobForScheduleTx(ctx context.Context, tx *sql.Tx, scheduleID string) (*Job, error) {
	return activeJobForSchedule(ctx, tx, scheduleID)
}

func activeJobForSchedule(ctx context.Context, q queryer, scheduleID string) (*Job, error) {
	row := q.QueryRowContext(ctx, jobSelectColumns+`
		WHERE scheduled_by = ? AND status IN ('queued', 'running')
		ORDER BY queued_at DESC LIMIT 1`, scheduleID)
	job, err := scanJob(row)
	if err == ErrNotFound {
		return nil, nil
	}
	return job, err
}

// ListRecentJobs returns the most recent jobs across all tenants, newest
// first, bounded by limit. Used by the dashboard's job history view.
func (s *Store) ListRecentJobs(ctx context.Context, limit int) ([]*Job, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.conn.QueryContext(ctx, jobSelectColumns+` ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list recent jobs: %w", err)
	}
	defer rows.Close()
	return scanJobs(rows)
}

// ListRecentJobsForTenant returns the most recent jobs naming tenantKey
// directly (scope=single), newest first, bounded by limit. Used by the
// HealthClassifier to find a tenant's latest run; a scope=all job never
// matches here since it has no single tenant_key of its own.
func (s *Store) ListRecentJobsForTenant(ctx context.Context, tenantKey string, limit int) ([]*Job, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.conn.QueryContext(ctx, jobSelectColumns+`
		WHERE tenant_key = ? ORDER BY created_at DESC LIMIT ?`, tenantKey, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list recent jobs for tenant: %w", err)
	}
	defer rows.Close()
	return scanJobs(rows)
}

// JobPatch carries the fields TransitionJob may update alongside status.
// Zero-value pointer fields are left untouched.
type JobPatch struct {
	PID           *int
	LogFilePath   *string
	ExitCode      *int
	FailureReason *string
	DispatchedAt  *bool // sets dispatched_at = now when true
	StartedAt     *bool // sets started_at = now when true
	FinishedAt    *bool // sets finished_at = now when true
}

// TransitionJob moves a job from one status to another with a compare-
// and-set guard: if the row's current status doesn't match "from", the
// update is rejected and ErrStatusChanged is returned so the caller can
// re-read and reconcile instead of silently clobbering a concurrent
// transition (e.g. the Reconciler racing the Monitor on the same job).
func (s *Store) TransitionJob(ctx context.Context, id string, from, to JobStatus, patch JobPatch) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		var current string
		err := tx.QueryRowContext(ctx, `SELECT status FROM jobs WHERE id = ?`, id).Scan(&current)
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to read job status: %w", err)
		}
		if JobStatus(current) != from {
			return ErrStatusChanged
		}

		now := nowUnix()
		setClauses := []string{"status = ?"}
		args := []interface{}{string(to)}

		if patch.PID != nil {
			setClauses = append(setClauses, "pid = ?")
			args = append(args, *patch.PID)
		}
		if patch.LogFilePath != nil {
			setClauses = append(setClauses, "log_file_path = ?")
			args = append(args, *patch.LogFilePath)
		}
		if patch.ExitCode != nil {
			setClauses = append(setClauses, "exit_code = ?")
			args = append(args, *patch.ExitCode)
		}
		if patch.FailureReason != nil {
			setClauses = append(setClauses, "failure_reason = ?")
			args = append(args, *patch.FailureReason)
		}
		if patch.DispatchedAt != nil && *patch.DispatchedAt {
			setClauses = append(setClauses, "dispatched_at = ?")
			args = append(args, now)
		}
		if patch.StartedAt != nil && *patch.StartedAt {
			setClauses = append(setClauses, "started_at = ?")
			args = append(args, now)
		}
		if patch.FinishedAt != nil && *patch.FinishedAt {
			setClauses = append(setClauses, "finished_at = ?")
			args = append(args, now)
		}

		query := "UPDATE jobs SET " + joinSetClauses(setClauses) + " WHERE id = ? AND status = ?"
		args = append(args, id, string(from))

		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("failed to transition job: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to read rows affected: %w", err)
		}
		if n == 0 {
			return ErrStatusChanged
		}
		return nil
	})
}

const jobSelectColumns = `
	SELECT id, scope, tenant_key, target_date, from_date, to_date,
		skip_download, parallel, stagger_seconds, continue_on_failure,
		status, pid, log_file_path, exit_code, failure_reason,
		queued_at, dispatched_at, started_at, finished_at, created_at,
		requested_by, scheduled_by
	FROM jobs`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*Job, error) {
	var j Job
	var scope, status string
	var tenantKey, targetDate, fromDate, toDate sql.NullString
	var pid, exitCode sql.NullInt64
	var logFilePath, failureReason, requestedBy, scheduledBy sql.NullString
	var queuedAt, createdAt int64
	var dispatchedAt, startedAt, finishedAt sql.NullInt64

	err := row.Scan(
		&j.ID, &scope, &tenantKey, &targetDate, &fromDate, &toDate,
		&j.SkipDownload, &j.Parallel, &j.StaggerSeconds, &j.ContinueOnFailure,
		&status, &pid, &logFilePath, &exitCode, &failureReason,
		&queuedAt, &dispatchedAt, &startedAt, &finishedAt, &createdAt,
		&requestedBy, &scheduledBy,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan job: %w", err)
	}

	j.Scope = JobScope(scope)
	j.Status = JobStatus(status)
	j.TenantKey = tenantKey.String
	j.TargetDate = targetDate.String
	j.FromDate = fromDate.String
	j.ToDate = toDate.String
	j.LogFilePath = logFilePath.String
	j.FailureReason = failureReason.String
	j.RequestedBy = requestedBy.String
	j.ScheduledBy = scheduledBy.String
	j.QueuedAt = unixTime(queuedAt)
	j.CreatedAt = unixTime(createdAt)
	j.DispatchedAt = unixToTimePtr(dispatchedAt)
	j.StartedAt = unixToTimePtr(startedAt)
	j.FinishedAt = unixToTimePtr(finishedAt)
	if pid.Valid {
		v := int(pid.Int64)
		j.PID = &v
	}
	if exitCode.Valid {
		v := int(exitCode.Int64)
		j.ExitCode = &v
	}
	return &j, nil
}

func scanJobs(rows *sql.Rows) ([]*Job, error) {
	var out []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed iterating jobs: %w", err)
	}
	return out, nil
}

func nullableString(v string) interface{} {
	if v == "" {
		return nil
	}
	return v
}

func joinSetClauses(clauses []string) string {
	out := clauses[0]
	for _, c := range clauses[1:] {
		out += ", " + c
	}
	return out
}
