// Package scheduler turns Schedule rows into queued Jobs: a poll loop that
// seeds missing next-fire times, maintains the env-variable fallback
// schedule, fires whatever is due, and kicks the Dispatcher when it queues
// something.
package scheduler

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/opsportal/orchestrator/internal/config"
	"github.com/opsportal/orchestrator/internal/dispatcher"
	"github.com/opsportal/orchestrator/internal/events"
	"github.com/opsportal/orchestrator/internal/store"
	"github.com/rs/zerolog"
)

const (
	fallbackScheduleName = "Legacy Env Fallback"
	maxDuePerCycle       = 25
)

// Scheduler is the single poll loop driving schedule firing. Only one
// instance should run per daemon; it is not designed for multi-instance
// deployment (the Store's whole-database transaction lock is the only
// guard against double-firing, which assumes one process).
type Scheduler struct {
	st   *store.Store
	disp *dispatcher.Dispatcher
	bus  *events.Bus
	cfg  *config.Config
	log  zerolog.Logger

	interval time.Duration

	mu      sync.Mutex
	stop    chan struct{}
	started bool
	stopped bool
}

// New builds a Scheduler polling at cfg.SchedulerPollSeconds.
func New(st *store.Store, disp *dispatcher.Dispatcher, bus *events.Bus, cfg *config.Config, log zerolog.Logger) *Scheduler {
	return &Scheduler{
		st:       st,
		disp:     disp,
		bus:      bus,
		cfg:      cfg,
		log:      log.With().Str("component", "scheduler").Logger(),
		interval: time.Duration(cfg.SchedulerPollSeconds) * time.Second,
		stop:     make(chan struct{}),
	}
}

// Start runs one cycle immediately, then one every poll interval, until
// Stop is called. Safe to call again after Stop.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started && !s.stopped {
		s.log.Warn().Msg("scheduler already started, ignoring")
		return
	}
	if s.stopped {
		s.stop = make(chan struct{})
		s.stopped = false
	}
	s.started = true

	go func() {
		s.runCycle(ctx)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.stop:
				return
			case <-ticker.C:
				s.runCycle(ctx)
			}
		}
	}()
}

// Stop halts the poll loop. Safe to call more than once.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.stopped {
		close(s.stop)
		s.stopped = true
		s.started = false
	}
}

func (s *Scheduler) runCycle(ctx context.Context) {
	if err := s.Tick(ctx); err != nil {
		s.log.Error().Err(err).Msg("scheduler cycle failed")
	}
}

// Tick runs one full cycle: fallback maintenance, next-fire seeding, firing
// due schedules, kicking the Dispatcher, and a heartbeat upsert. Exported
// so tests (and an operator CLI "run once" command) can drive a cycle
// synchronously.
func (s *Scheduler) Tick(ctx context.Context) error {
	now := time.Now().UTC()

	if err := s.maintainEnvFallback(ctx, now); err != nil {
		s.log.Error().Err(err).Msg("env fallback maintenance failed")
	}

	if err := s.seedMissingNextFireAt(ctx, now); err != nil {
		s.log.Error().Err(err).Msg("next-fire seeding failed")
	}

	queued, err := s.processDueSchedules(ctx, now)
	if err != nil {
		return fmt.Errorf("failed to process due schedules: %w", err)
	}

	if queued > 0 {
		go func() {
			if err := s.disp.Dispatch(context.Background(), dispatcher.SourceScheduler); err != nil {
				s.log.Error().Err(err).Msg("post-fire dispatch kick failed")
			}
		}()
	}

	if err := s.st.TouchHeartbeat(ctx); err != nil {
		s.log.Error().Err(err).Msg("heartbeat upsert failed")
	}
	return nil
}

func (s *Scheduler) seedMissingNextFireAt(ctx context.Context, now time.Time) error {
	schedules, err := s.st.ListSchedules(ctx)
	if err != nil {
		return fmt.Errorf("failed to list schedules: %w", err)
	}

	for _, sch := range schedules {
		if !sch.Enabled || sch.NextFireAt != nil {
			continue
		}
		next, err := computeNextFireAt(sch.CronExpr, sch.TimezoneName, now)
		if err != nil {
			s.log.Warn().Err(err).Str("schedule_id", sch.ID).Msg("failed to seed next fire time")
			if _, evErr := s.st.RecordEvent(ctx, nil, store.RecordEventParams{
				ScheduleID: sch.ID, ScheduleName: sch.Name,
				Type:    store.EventSkippedInvalid,
				Message: err.Error(),
			}); evErr != nil {
				s.log.Error().Err(evErr).Msg("failed to record seeding failure event")
			}
			if txErr := s.st.WithTx(ctx, func(tx *sql.Tx) error {
				return s.st.RecordScheduleFire(ctx, tx, sch.ID, store.ResultSkippedInvalid, err.Error(), nil)
			}); txErr != nil {
				s.log.Error().Err(txErr).Msg("failed to record skipped_invalid schedule fire")
			}
			continue
		}
		if err := s.st.UpdateScheduleNextFire(ctx, sch.ID, &next); err != nil {
			s.log.Error().Err(err).Str("schedule_id", sch.ID).Msg("failed to persist seeded next fire time")
		}
	}
	return nil
}

func (s *Scheduler) processDueSchedules(ctx context.Context, now time.Time) (int, error) {
	var due []*store.Schedule
	err := s.st.WithTx(ctx, func(tx *sql.Tx) error {
		d, err := s.st.ListDueSchedules(ctx, tx, now)
		due = d
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("failed to list due schedules: %w", err)
	}
	if len(due) > maxDuePerCycle {
		s.log.Warn().Int("due", len(due)).Int("cap", maxDuePerCycle).Msg("more schedules due than the per-cycle cap, deferring the rest")
		due = due[:maxDuePerCycle]
	}

	queued := 0
	for _, sch := range due {
		next, err := computeNextFireAt(sch.CronExpr, sch.TimezoneName, now)
		if err != nil {
			s.log.Error().Err(err).Str("schedule_id", sch.ID).Msg("failed to recompute next fire time, skipping this cycle")
			continue
		}

		loc, err := timeLocationOrUTC(sch.TimezoneName)
		if err != nil {
			s.log.Error().Err(err).Str("schedule_id", sch.ID).Msg("failed to resolve schedule timezone")
		}
		targetDate := businessTradingDate(now, loc, s.cfg.BusinessCutoffHour, s.cfg.BusinessCutoffMinute)

		result, job, err := s.st.EnqueueScheduleRun(ctx, sch.ID, next, targetDate, "worker")
		if err != nil {
			s.log.Error().Err(err).Str("schedule_id", sch.ID).Msg("failed to enqueue run for schedule")
			continue
		}

		fields := map[string]interface{}{
			"schedule_id":   sch.ID,
			"schedule_name": sch.Name,
			"result":        string(result),
		}
		if job != nil {
			fields["job_id"] = job.ID
			queued++
		}
		s.bus.Emit(events.ScheduleFired, "scheduler", fields)
	}
	return queued, nil
}

func timeLocationOrUTC(name string) (*time.Location, error) {
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.UTC, err
	}
	return loc, nil
}
