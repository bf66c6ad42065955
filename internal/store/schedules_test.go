package store

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInsertAndListSchedules(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	next := time.Now().Add(time.Hour)
	sch, err := s.InsertSchedule(ctx, InsertScheduleParams{
		Name:         "Nightly Close",
		Enabled:      true,
		Scope:        ScopeAll,
		CronExpr:     "0 5 * * *",
		TimezoneName: "Africa/Lagos",
		NextFireAt:   &next,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, sch.ID)

	all, err := s.ListSchedules(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "Nightly Close", all[0].Name)
}

func TestListDueSchedules(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	past := time.Now().Add(-time.Minute)
	future := time.Now().Add(time.Hour)

	due, err := s.InsertSchedule(ctx, InsertScheduleParams{
		Name: "due", Enabled: true, Scope: ScopeAll,
		CronExpr: "* * * * *", TimezoneName: "UTC", NextFireAt: &past,
	})
	require.NoError(t, err)
	_, err = s.InsertSchedule(ctx, InsertScheduleParams{
		Name: "not-due", Enabled: true, Scope: ScopeAll,
		CronExpr: "* * * * *", TimezoneName: "UTC", NextFireAt: &future,
	})
	require.NoError(t, err)
	_, err = s.InsertSchedule(ctx, InsertScheduleParams{
		Name: "disabled", Enabled: false, Scope: ScopeAll,
		CronExpr: "* * * * *", TimezoneName: "UTC", NextFireAt: &past,
	})
	require.NoError(t, err)

	var dueList []*Schedule
	err = s.WithTx(ctx, func(tx *sql.Tx) error {
		var txErr error
		dueList, txErr = s.ListDueSchedules(ctx, tx, time.Now())
		return txErr
	})
	require.NoError(t, err)
	require.Len(t, dueList, 1)
	assert.Equal(t, due.ID, dueList[0].ID)
}

func TestRecordScheduleFire_AdvancesNextFireAt(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	start := time.Now().Add(-time.Minute)
	sch, err := s.InsertSchedule(ctx, InsertScheduleParams{
		Name: "daily", Enabled: true, Scope: ScopeAll,
		CronExpr: "0 0 * * *", TimezoneName: "UTC", NextFireAt: &start,
	})
	require.NoError(t, err)

	next := time.Now().Add(24 * time.Hour)
	err = s.WithTx(ctx, func(tx *sql.Tx) error {
		return s.RecordScheduleFire(ctx, tx, sch.ID, ResultQueued, "", &next)
	})
	require.NoError(t, err)

	fetched, err := s.GetSchedule(ctx, sch.ID)
	require.NoError(t, err)
	assert.Equal(t, ResultQueued, fetched.LastResult)
	require.NotNil(t, fetched.NextFireAt)
	assert.WithinDuration(t, next, *fetched.NextFireAt, time.Second)
	require.NotNil(t, fetched.LastFiredAt)
}

func TestActiveJobForSchedule_SkipsOverlap(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	sch, err := s.InsertSchedule(ctx, InsertScheduleParams{
		Name: "overlap-check", Enabled: true, Scope: ScopeAll,
		CronExpr: "* * * * *", TimezoneName: "UTC",
	})
	require.NoError(t, err)

	_, err = s.InsertJob(ctx, InsertJobParams{Scope: ScopeAll, ScheduledBy: sch.ID})
	require.NoError(t, err)

	active, err := s.ActiveJobForSchedule(ctx, sch.ID)
	require.NoError(t, err)
	assert.NotNil(t, active)
}

func TestDeleteSchedule_EventsSurviveWithNullScheduleID(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	sch, err := s.InsertSchedule(ctx, InsertScheduleParams{
		Name: "ephemeral", Enabled: true, Scope: ScopeAll,
		CronExpr: "* * * * *", TimezoneName: "UTC",
	})
	require.NoError(t, err)

	_, err = s.RecordEvent(ctx, nil, RecordEventParams{
		ScheduleID:   sch.ID,
		ScheduleName: sch.Name,
		Type:         EventQueued,
		Message:      "queued by cron",
	})
	require.NoError(t, err)

	require.NoError(t, s.DeleteSchedule(ctx, sch.ID))

	events, err := s.ListEventsForSchedule(ctx, sch.ID, 10)
	require.NoError(t, err)
	assert.Empty(t, events) // schedule_id is now NULL, so the by-schedule-id lookup no longer matches
}
