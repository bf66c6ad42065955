package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"
)

// RecordEventParams describes one append-only schedule_events row. Payload
// is an opaque structured blob (e.g. the job's final status and exit code)
// the dashboard renders without the Store needing to understand its shape.
type RecordEventParams struct {
	ScheduleID   string
	ScheduleName string
	JobID        string
	Type         EventType
	Message      string
	Payload      map[string]interface{}
}

// RecordEvent appends a ScheduleEvent, optionally within an existing
// transaction (pass nil to run standalone). Events are never updated or
// deleted except via the schedule's ON DELETE SET NULL cascade.
func (s *Store) RecordEvent(ctx context.Context, tx *sql.Tx, p RecordEventParams) (*ScheduleEvent, error) {
	payloadBlob, err := encodeMsgpack(p.Payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode event payload: %w", err)
	}

	ev := &ScheduleEvent{
		ID:           uuid.NewString(),
		ScheduleID:   p.ScheduleID,
		ScheduleName: p.ScheduleName,
		JobID:        p.JobID,
		Type:         p.Type,
		Message:      p.Message,
		Payload:      p.Payload,
	}

	exec := func(q string, args ...interface{}) error {
		if tx != nil {
			_, err := tx.ExecContext(ctx, q, args...)
			return err
		}
		_, err := s.conn.ExecContext(ctx, q, args...)
		return err
	}

	now := nowUnix()
	err = exec(`
		INSERT INTO schedule_events (id, schedule_id, schedule_name, job_id, event_type, message, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, nullableString(ev.ScheduleID), nullableString(ev.ScheduleName), nullableString(ev.JobID),
		string(ev.Type), nullableString(ev.Message), payloadBlob, now,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to record event: %w", err)
	}
	ev.CreatedAt = unixTime(now)
	return ev, nil
}

// ListEventsForSchedule returns a schedule's audit trail, newest first.
func (s *Store) ListEventsForSchedule(ctx context.Context, scheduleID string, limit int) ([]*ScheduleEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.conn.QueryContext(ctx, eventSelectColumns+`
		WHERE schedule_id = ? ORDER BY created_at DESC LIMIT ?`, scheduleID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list events for schedule: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// ListEventsForJob returns the events tied to one job, oldest first.
func (s *Store) ListEventsForJob(ctx context.Context, jobID string) ([]*ScheduleEvent, error) {
	rows, err := s.conn.QueryContext(ctx, eventSelectColumns+`
		WHERE job_id = ? ORDER BY created_at ASC`, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to list events for job: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

const eventSelectColumns = `
	SELECT id, schedule_id, schedule_name, job_id, event_type, message, payload, created_at
	FROM schedule_events`

func scanEvents(rows *sql.Rows) ([]*ScheduleEvent, error) {
	var out []*ScheduleEvent
	for rows.Next() {
		var ev ScheduleEvent
		var scheduleID, scheduleName, jobID, message sql.NullString
		var payloadBlob []byte
		var createdAt int64
		var eventType string

		if err := rows.Scan(&ev.ID, &scheduleID, &scheduleName, &jobID, &eventType, &message, &payloadBlob, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		ev.ScheduleID = scheduleID.String
		ev.ScheduleName = scheduleName.String
		ev.JobID = jobID.String
		ev.Type = EventType(eventType)
		ev.Message = message.String
		ev.CreatedAt = unixTime(createdAt)
		if len(payloadBlob) > 0 {
			if err := msgpack.Unmarshal(payloadBlob, &ev.Payload); err != nil {
				return nil, fmt.Errorf("failed to decode event payload: %w", err)
			}
		}
		out = append(out, &ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed iterating events: %w", err)
	}
	return out, nil
}
