// Package reconciler catches jobs left behind by a daemon crash: a Job row
// stuck at status=running with no live subprocess backing it, because the
// Monitor that would have resolved it died with the rest of the process.
package reconciler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/opsportal/orchestrator/internal/events"
	"github.com/opsportal/orchestrator/internal/store"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/process"
)

const (
	reasonNoPID    = "reconciled_no_pid"
	reasonNotAlive = "reconciled_pid_not_alive"
	reconciledCode = -1
)

// Reconciler periodically scans for orphaned running jobs and force-closes
// them. Started once at daemon boot and left running for the life of the
// process; it is the only safety net against a runaway or abandoned
// subprocess, since the orchestrator otherwise imposes no timeout on the
// pipeline itself.
type Reconciler struct {
	st       *store.Store
	bus      *events.Bus
	log      zerolog.Logger
	interval time.Duration

	mu      sync.Mutex
	stop    chan struct{}
	started bool
	stopped bool
}

// New builds a Reconciler that sweeps every interval (the scheduler's poll
// interval is the natural choice, since a stuck job can only be detected
// as promptly as the scheduler itself wakes up).
func New(st *store.Store, bus *events.Bus, log zerolog.Logger, interval time.Duration) *Reconciler {
	return &Reconciler{
		st:       st,
		bus:      bus,
		log:      log.With().Str("component", "reconciler").Logger(),
		interval: interval,
		stop:     make(chan struct{}),
	}
}

// Start runs one sweep immediately, then one every interval, until Stop is
// called. Safe to call again after Stop.
func (r *Reconciler) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.started && !r.stopped {
		r.log.Warn().Msg("reconciler already started, ignoring")
		return
	}
	if r.stopped {
		r.stop = make(chan struct{})
		r.stopped = false
	}
	r.started = true

	go func() {
		r.sweep(ctx)
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case <-r.stop:
				return
			case <-ticker.C:
				r.sweep(ctx)
			}
		}
	}()
}

// Stop halts the sweep loop. Safe to call more than once.
func (r *Reconciler) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.stopped {
		close(r.stop)
		r.stopped = true
		r.started = false
	}
}

func (r *Reconciler) sweep(ctx context.Context) {
	if err := r.ReconcileOnce(ctx); err != nil {
		r.log.Error().Err(err).Msg("reconcile sweep failed")
	}
}

// ReconcileOnce runs a single sweep: every Job with status=running is
// checked for a live backing process; jobs with no PID, or a PID that is
// no longer alive, are force-failed and the global lock is released.
// Returns the number of jobs reconciled.
func (r *Reconciler) ReconcileOnce(ctx context.Context) (int, error) {
	jobs, err := r.st.ListJobsByStatus(ctx, store.JobRunning)
	if err != nil {
		return 0, fmt.Errorf("failed to list running jobs: %w", err)
	}

	reconciled := 0
	for _, job := range jobs {
		reason, dead, err := r.isOrphaned(job)
		if err != nil {
			r.log.Error().Err(err).Str("job_id", job.ID).Msg("failed to probe process liveness")
			continue
		}
		if !dead {
			continue
		}

		if err := r.forceFail(ctx, job, reason); err != nil {
			r.log.Error().Err(err).Str("job_id", job.ID).Msg("failed to reconcile orphaned job")
			continue
		}
		reconciled++
	}
	return reconciled, nil
}

func (r *Reconciler) isOrphaned(job *store.Job) (reason string, dead bool, err error) {
	if job.PID == nil {
		return reasonNoPID, true, nil
	}
	alive, err := process.PidExists(int32(*job.PID))
	if err != nil {
		return "", false, fmt.Errorf("failed to check pid %d: %w", *job.PID, err)
	}
	if alive {
		return "", false, nil
	}
	return reasonNotAlive, true, nil
}

func (r *Reconciler) forceFail(ctx context.Context, job *store.Job, reason string) error {
	exitCode := reconciledCode
	finishedAt := true
	if err := r.st.TransitionJob(ctx, job.ID, store.JobRunning, store.JobFailed, store.JobPatch{
		ExitCode:      &exitCode,
		FailureReason: &reason,
		FinishedAt:    &finishedAt,
	}); err != nil {
		if err == store.ErrStatusChanged {
			// Resolved by the Monitor or an operator between our list and
			// our update; not an error, just a race we lost gracefully.
			return nil
		}
		return fmt.Errorf("failed to transition orphaned job: %w", err)
	}

	if err := r.st.ReleaseLock(ctx); err != nil {
		r.log.Error().Err(err).Str("job_id", job.ID).Msg("failed to release lock for reconciled job")
	}

	r.log.Warn().Str("job_id", job.ID).Str("reason", reason).Msg("reconciled orphaned job")
	r.bus.Emit(events.JobFinished, "reconciler", map[string]interface{}{
		"job_id": job.ID,
		"status": string(store.JobFailed),
		"reason": reason,
	})
	return nil
}
