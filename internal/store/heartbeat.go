package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// TouchHeartbeat records that the scheduler loop is alive. LastHeartbeat
// reads it back; the HTTP health endpoint does not consult it.
func (s *Store) TouchHeartbeat(ctx context.Context) error {
	_, err := s.conn.ExecContext(ctx, `UPDATE scheduler_heartbeat SET last_seen = ? WHERE id = 1`, nowUnix())
	if err != nil {
		return fmt.Errorf("failed to touch heartbeat: %w", err)
	}
	return nil
}

// LastHeartbeat returns the last time the scheduler loop touched its
// heartbeat, or nil if it has never run since the database was created.
func (s *Store) LastHeartbeat(ctx context.Context) (*time.Time, error) {
	var lastSeen sql.NullInt64
	err := s.conn.QueryRowContext(ctx, `SELECT last_seen FROM scheduler_heartbeat WHERE id = 1`).Scan(&lastSeen)
	if err != nil {
		return nil, fmt.Errorf("failed to read heartbeat: %w", err)
	}
	return unixToTimePtr(lastSeen), nil
}
