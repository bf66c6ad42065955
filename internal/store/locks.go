package store

import (
	"context"
	"database/sql"
	"fmt"
)

// ErrLockHeld is returned by AcquireLock when the global lock is already
// held by another job.
var ErrLockHeld = fmt.Errorf("global lock already held")

// GetLock returns the current state of the singleton global_lock row.
func (s *Store) GetLock(ctx context.Context) (*GlobalLock, error) {
	row := s.conn.QueryRowContext(ctx, `SELECT active, holder, owner_job, acquired_at FROM global_lock WHERE id = 1`)
	return scanLock(row)
}

// AcquireLock claims the global lock for holder/ownerJob if it is
// currently free. The update's WHERE clause (active = 0) makes the claim
// atomic even without an explicit surrounding transaction: two concurrent
// dispatchers racing this statement will see exactly one UPDATE affect a
// row, because SQLite's "_txlock=immediate" serializes writers.
func (s *Store) AcquireLock(ctx context.Context, holder, ownerJob string) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE global_lock SET active = 1, holder = ?, owner_job = ?, acquired_at = ?
			WHERE id = 1 AND active = 0`,
			holder, ownerJob, nowUnix(),
		)
		if err != nil {
			return fmt.Errorf("failed to acquire lock: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to read rows affected: %w", err)
		}
		if n == 0 {
			return ErrLockHeld
		}
		return nil
	})
}

// ReleaseLock frees the global lock unconditionally. Called by the
// Monitor once a dispatched process exits, and by the Reconciler when it
// reaps a lock whose owning process is no longer alive.
func (s *Store) ReleaseLock(ctx context.Context) error {
	_, err := s.conn.ExecContext(ctx, `
		UPDATE global_lock SET active = 0, holder = '', owner_job = NULL, acquired_at = NULL
		WHERE id = 1`,
	)
	if err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	return nil
}

func scanLock(row rowScanner) (*GlobalLock, error) {
	var l GlobalLock
	var ownerJob sql.NullString
	var acquiredAt sql.NullInt64

	err := row.Scan(&l.Active, &l.Holder, &ownerJob, &acquiredAt)
	if err != nil {
		return nil, fmt.Errorf("failed to scan global lock: %w", err)
	}
	l.OwnerJob = ownerJob.String
	l.AcquiredAt = unixToTimePtr(acquiredAt)
	return &l, nil
}
