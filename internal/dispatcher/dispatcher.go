// Package dispatcher implements the orchestrator's Dispatcher and Monitor:
// the Dispatcher claims the global lock and the oldest queued Job in one
// Store transaction and spawns the pipeline subprocess for it; the Monitor
// is the goroutine that then waits on that subprocess, records its
// outcome, and re-kicks the Dispatcher to drain the next queued Job.
package dispatcher

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/opsportal/orchestrator/internal/artifact"
	"github.com/opsportal/orchestrator/internal/config"
	"github.com/opsportal/orchestrator/internal/events"
	"github.com/opsportal/orchestrator/internal/processlock"
	"github.com/opsportal/orchestrator/internal/store"
	"github.com/rs/zerolog"
)

// cancelGrace is how long the Monitor waits after sending a graceful
// termination signal before escalating to a hard kill.
const cancelGrace = 30 * time.Second

// RunSource identifies what triggered a dispatch attempt, mirrored into the
// child's ORCHESTRATOR_RUN_SOURCE environment variable.
type RunSource string

const (
	SourceDashboard RunSource = "dashboard"
	SourceScheduler RunSource = "scheduler"
	SourceCLI       RunSource = "cli"
)

// Dispatcher owns the single active pipeline subprocess slot: it claims
// work, spawns it, and launches the Monitor that waits on it.
type Dispatcher struct {
	st       *store.Store
	lock     *processlock.Lock
	bus      *events.Bus
	ingester *artifact.Ingester
	cfg      *config.Config
	log      zerolog.Logger
	holder   string

	mu              sync.Mutex
	cancelRequested map[string]bool
	processes       map[string]*os.Process
}

// New builds a Dispatcher bound to the given Store, ProcessLock, EventBus
// and ArtifactIngester. holder identifies this process in the global_lock
// row (typically the hostname).
func New(st *store.Store, lock *processlock.Lock, bus *events.Bus, ingester *artifact.Ingester, cfg *config.Config, log zerolog.Logger, holder string) *Dispatcher {
	return &Dispatcher{
		st:              st,
		lock:            lock,
		bus:             bus,
		ingester:        ingester,
		cfg:             cfg,
		log:             log.With().Str("component", "dispatcher").Logger(),
		holder:          holder,
		cancelRequested: make(map[string]bool),
		processes:       make(map[string]*os.Process),
	}
}

// Dispatch attempts to claim the lock and the oldest queued Job and spawn
// its subprocess. It is non-blocking in the sense that it never waits on
// the subprocess itself; the Monitor it starts does that. Returns nil both
// when a job was claimed and when the lock was busy or the queue empty -
// those are normal outcomes, not errors.
func (d *Dispatcher) Dispatch(ctx context.Context, source RunSource) error {
	job, busy, err := d.st.ClaimNextJob(ctx, d.holder)
	if err != nil {
		return fmt.Errorf("failed to claim next job: %w", err)
	}
	if busy {
		d.log.Debug().Msg("global lock busy, skipping dispatch")
		return nil
	}
	if job == nil {
		return nil
	}

	logger := d.log.With().Str("job_id", job.ID).Str("tenant_key", job.TenantKey).Logger()

	if err := d.lock.AcquireFileOnly(); err != nil {
		// The Store row is already claimed for this job; without the file
		// layer we cannot safely spawn, so undo the Store claim and let the
		// next trigger retry.
		if releaseErr := d.st.ReleaseLock(ctx); releaseErr != nil {
			logger.Error().Err(releaseErr).Msg("failed to release store lock after file lock failure")
		}
		return fmt.Errorf("failed to acquire file lock: %w", err)
	}

	binary, args, err := d.buildArgv(job)
	if err != nil {
		d.failSpawn(ctx, job, logger, fmt.Errorf("invalid job arguments: %w", err))
		return nil
	}

	logPath := d.logPathFor(job.ID)
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		d.failSpawn(ctx, job, logger, fmt.Errorf("failed to open log file: %w", err))
		return nil
	}

	cmd := exec.Command(binary, args...)
	cmd.Dir = d.cfg.PipelineWorkDir
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.Env = append(os.Environ(),
		"ORCHESTRATOR_RUN_SOURCE="+string(source),
		"ORCHESTRATOR_LOCK_HELD=1",
	)

	if err := cmd.Start(); err != nil {
		_ = logFile.Close()
		d.failSpawn(ctx, job, logger, fmt.Errorf("subprocess_spawn_failed: %w", err))
		return nil
	}

	pid := cmd.Process.Pid
	startedAt := true
	if err := d.st.TransitionJob(ctx, job.ID, store.JobQueued, store.JobRunning, store.JobPatch{
		PID:         &pid,
		LogFilePath: &logPath,
		StartedAt:   &startedAt,
	}); err != nil {
		logger.Error().Err(err).Msg("failed to record job as running after spawn")
	}

	d.mu.Lock()
	d.processes[job.ID] = cmd.Process
	d.mu.Unlock()

	d.bus.Emit(events.JobStarted, "dispatcher", map[string]interface{}{
		"job_id":     job.ID,
		"tenant_key": job.TenantKey,
		"pid":        pid,
	})

	go d.monitor(job, cmd, logFile, logger)

	return nil
}

// failSpawn records a job that never made it to running, releases the
// lock, and logs the failure. Used for both argv-construction and actual
// os/exec spawn failures, per spec's "synthesize a failed Job with
// exit_code=3" rule.
func (d *Dispatcher) failSpawn(ctx context.Context, job *store.Job, logger zerolog.Logger, cause error) {
	logger.Error().Err(cause).Msg("failed to spawn pipeline subprocess")

	exitCode := 3
	reason := cause.Error()
	if err := d.st.TransitionJob(ctx, job.ID, store.JobQueued, store.JobFailed, store.JobPatch{
		ExitCode:      &exitCode,
		FailureReason: &reason,
		FinishedAt:    boolPtr(true),
	}); err != nil {
		logger.Error().Err(err).Msg("failed to record spawn failure")
	}

	d.lock.ReleaseFileOnly()
	if err := d.st.ReleaseLock(ctx); err != nil {
		logger.Error().Err(err).Msg("failed to release store lock after spawn failure")
	}

	d.bus.Emit(events.JobFinished, "dispatcher", map[string]interface{}{
		"job_id": job.ID,
		"status": string(store.JobFailed),
	})
}

// monitor waits on the subprocess, records its terminal status, attaches
// any artifact it produced, releases the lock, and re-kicks the
// Dispatcher to drain the next queued job. Runs for the lifetime of one
// subprocess; must outlive the Dispatch call that started it.
func (d *Dispatcher) monitor(job *store.Job, cmd *exec.Cmd, logFile *os.File, logger zerolog.Logger) {
	ctx := context.Background()

	_ = cmd.Wait()
	_ = logFile.Close()

	d.mu.Lock()
	delete(d.processes, job.ID)
	wasCancelled := d.cancelRequested[job.ID]
	delete(d.cancelRequested, job.ID)
	d.mu.Unlock()

	exitCode := exitCodeOf(cmd)

	current, err := d.st.GetJob(ctx, job.ID)
	if err != nil {
		logger.Error().Err(err).Msg("failed to re-read job after subprocess exit")
		current = job
	}

	status := store.JobSucceeded
	var failureReason string
	switch {
	case wasCancelled:
		status = store.JobCancelled
	case exitCode != 0:
		status = store.JobFailed
		failureReason = fmt.Sprintf("subprocess exited with code %d", exitCode)
	}

	patch := store.JobPatch{
		ExitCode:   &exitCode,
		FinishedAt: boolPtr(true),
	}
	if failureReason != "" {
		patch.FailureReason = &failureReason
	}

	if err := d.st.TransitionJob(ctx, job.ID, store.JobRunning, status, patch); err != nil {
		logger.Error().Err(err).Msg("failed to record job outcome")
	}

	if d.ingester != nil {
		if _, err := d.ingester.AttachRecent(ctx, d.cfg.UploadedTreeDir, current); err != nil {
			logger.Error().Err(err).Msg("failed to attach recent artifacts")
		}
	}

	if err := d.lock.Release(ctx); err != nil {
		logger.Error().Err(err).Msg("failed to release lock after job completion")
	}

	d.bus.Emit(events.JobFinished, "dispatcher", map[string]interface{}{
		"job_id":    job.ID,
		"status":    string(status),
		"exit_code": exitCode,
	})

	go func() {
		if err := d.Dispatch(context.Background(), SourceScheduler); err != nil {
			logger.Error().Err(err).Msg("failed to auto-drain queue after job completion")
		}
	}()
}

// Cancel cancels job jobID. A queued job is cancelled directly by
// compare-and-swap. A running job is sent a graceful termination signal;
// if it has not exited within cancelGrace, it is killed outright. Either
// way the Monitor's normal exit path records the terminal status.
func (d *Dispatcher) Cancel(ctx context.Context, jobID string) error {
	job, err := d.st.GetJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("failed to read job: %w", err)
	}

	switch job.Status {
	case store.JobQueued:
		finishedAt := true
		if err := d.st.TransitionJob(ctx, jobID, store.JobQueued, store.JobCancelled, store.JobPatch{FinishedAt: &finishedAt}); err != nil {
			return fmt.Errorf("failed to cancel queued job: %w", err)
		}
		return nil

	case store.JobRunning:
		d.mu.Lock()
		proc, ok := d.processes[jobID]
		if ok {
			d.cancelRequested[jobID] = true
		}
		d.mu.Unlock()
		if !ok {
			return fmt.Errorf("job %s is running but has no tracked process on this host", jobID)
		}

		if err := signalGraceful(proc); err != nil {
			return fmt.Errorf("failed to signal job for cancellation: %w", err)
		}

		go func() {
			time.Sleep(cancelGrace)
			d.mu.Lock()
			stillRunning, ok := d.processes[jobID]
			d.mu.Unlock()
			if ok {
				_ = stillRunning.Kill()
			}
		}()
		return nil

	default:
		return fmt.Errorf("job %s is in terminal status %s and cannot be cancelled", jobID, job.Status)
	}
}

func (d *Dispatcher) logPathFor(jobID string) string {
	return filepath.Join(d.cfg.RunLogsDir, jobID+".log")
}

func boolPtr(v bool) *bool { return &v }
