package store

import (
	"context"
	"database/sql"
	"fmt"
)

// ClaimNextJob implements the Dispatcher's single critical section (spec
// §4.3 steps 1-6) as one Store transaction: lock the global_lock row,
// garbage-collect it if its owner job has already reached a terminal
// status (the crash-recovery case where the Monitor that would have
// released it never ran), report busy if a live owner still holds it,
// otherwise pick the oldest queued job and mark it claimed.
//
// Returns (job, busy=false) when a job was claimed and the lock row now
// names it as owner_job; (nil, busy=true) when another job still holds the
// lock; (nil, busy=false) when the lock is free but no job is queued.
func (s *Store) ClaimNextJob(ctx context.Context, holder string) (*Job, bool, error) {
	var job *Job
	var busy bool

	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		var active bool
		var ownerJob sql.NullString
		err := tx.QueryRowContext(ctx, `SELECT active, owner_job FROM global_lock WHERE id = 1`).Scan(&active, &ownerJob)
		if err != nil {
			return fmt.Errorf("failed to read global lock: %w", err)
		}

		if active {
			stale := !ownerJob.Valid || ownerJob.String == ""
			if !stale {
				var status string
				statusErr := tx.QueryRowContext(ctx, `SELECT status FROM jobs WHERE id = ?`, ownerJob.String).Scan(&status)
				switch {
				case statusErr == sql.ErrNoRows:
					stale = true
				case statusErr != nil:
					return fmt.Errorf("failed to read lock owner status: %w", statusErr)
				case status != string(JobQueued) && status != string(JobRunning):
					stale = true
				}
			}
			if !stale {
				busy = true
				return nil
			}
		}

		row := tx.QueryRowContext(ctx, jobSelectColumns+`
			WHERE status = 'queued' ORDER BY queued_at ASC, created_at ASC LIMIT 1`)
		picked, err := scanJob(row)
		if err == ErrNotFound {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to pick next queued job: %w", err)
		}

		now := nowUnix()
		if _, err := tx.ExecContext(ctx, `UPDATE jobs SET dispatched_at = ? WHERE id = ?`, now, picked.ID); err != nil {
			return fmt.Errorf("failed to mark job dispatched: %w", err)
		}
		dispatchedAt := unixTime(now)
		picked.DispatchedAt = &dispatchedAt

		_, err = tx.ExecContext(ctx, `
			UPDATE global_lock SET active = 1, holder = ?, owner_job = ?, acquired_at = ? WHERE id = 1`,
			holder, picked.ID, now)
		if err != nil {
			return fmt.Errorf("failed to claim global lock: %w", err)
		}

		job = picked
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return job, busy, nil
}
