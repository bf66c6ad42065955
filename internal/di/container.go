// Package di wires the orchestrator's components together in the order
// each one's constructor expects its dependencies. It replaces a services
// catalog with straight-line construction: there is one Store, not eight
// databases, so there is no repository layer to generate.
package di

import (
	"context"
	"path/filepath"
	"time"

	"github.com/opsportal/orchestrator/internal/artifact"
	"github.com/opsportal/orchestrator/internal/config"
	"github.com/opsportal/orchestrator/internal/credential"
	"github.com/opsportal/orchestrator/internal/dispatcher"
	"github.com/opsportal/orchestrator/internal/events"
	"github.com/opsportal/orchestrator/internal/health"
	"github.com/opsportal/orchestrator/internal/logtail"
	"github.com/opsportal/orchestrator/internal/processlock"
	"github.com/opsportal/orchestrator/internal/reconciler"
	"github.com/opsportal/orchestrator/internal/reliability"
	"github.com/opsportal/orchestrator/internal/scheduler"
	"github.com/opsportal/orchestrator/internal/server"
	"github.com/opsportal/orchestrator/internal/store"
	"github.com/opsportal/orchestrator/internal/tenantconfig"
	"github.com/rs/zerolog"
)

// reconcileInterval is how often the Reconciler sweeps for orphaned jobs.
// Dispatcher failures surface within one dispatch call; this only catches
// jobs whose process died with the daemon itself.
const reconcileInterval = time.Minute

// Container holds every long-lived component the daemon needs to start,
// run, and shut down cleanly.
type Container struct {
	Store      *store.Store
	Lock       *processlock.Lock
	Bus        *events.Bus
	Ingester   *artifact.Ingester
	Tenants    *tenantconfig.Reader
	Probe      *credential.Probe
	Classifier *health.Classifier
	Tailer     *logtail.Tailer
	Dispatcher *dispatcher.Dispatcher
	Reconciler *reconciler.Reconciler
	Scheduler  *scheduler.Scheduler
	Archiver   *reliability.Archiver // nil when R2 credentials are absent
	Server     *server.Server

	log zerolog.Logger
}

// Start launches every background loop. The HTTP server is not started
// here; the caller owns its net/http.Server and listen/serve lifecycle.
func (c *Container) Start(ctx context.Context) {
	c.Reconciler.Start(ctx)
	c.Scheduler.Start(ctx)

	if c.Archiver != nil {
		go c.runArchiveLoop(ctx)
	}
}

// Stop halts background loops and releases the Store's file handle. Safe
// to call once, after the HTTP server has finished draining requests.
func (c *Container) Stop() {
	c.Scheduler.Stop()
	c.Reconciler.Stop()
	if err := c.Store.Close(); err != nil {
		c.log.Error().Err(err).Msg("failed to close store")
	}
}

// archiveInterval is how often the daemon takes an unattended backup,
// independent of the Scheduler's pipeline-job ticker.
const archiveInterval = 6 * time.Hour

// runArchiveLoop takes a backup every archiveInterval until ctx is
// cancelled. A missed tick (the process was down) is not retried
// retroactively; BackupNow is also reachable on demand via
// POST /api/backups.
func (c *Container) runArchiveLoop(ctx context.Context) {
	ticker := time.NewTicker(archiveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.Archiver.BackupNow(ctx); err != nil {
				c.log.Error().Err(err).Msg("scheduled backup failed")
			}
		}
	}
}

// Wire constructs the Container in dependency order:
//
//  1. Archiver (if R2 credentials are configured), so a staged restore
//     from a prior backup run can replace the database file before the
//     Store ever opens it.
//  2. Store, the single SQLite-backed ledger every other component reads
//     and writes through.
//  3. Everything downstream of the Store: lock, event bus, artifact
//     ingester, dispatcher, log tailer, tenant config, health
//     classifier, reconciler, scheduler.
//  4. The HTTP server, which depends on nearly everything above.
func Wire(cfg *config.Config, log zerolog.Logger, hostname string) (*Container, error) {
	c := &Container{log: log}

	var archiver *reliability.Archiver
	dbPath := filepath.Join(cfg.DataDir, "orchestrator.db")

	if cfg.ArchiveEnabled() {
		r2, err := reliability.NewR2Client(cfg.R2AccountID, cfg.R2AccessKeyID, cfg.R2SecretAccessKey, cfg.R2Bucket, log)
		if err != nil {
			return nil, err
		}
		archiver = reliability.NewArchiver(r2, dbPath, cfg.RunLogsDir, cfg.DataDir, 30, log)

		restored, err := archiver.ExecuteStagedRestoreIfPending()
		if err != nil {
			return nil, err
		}
		if restored {
			log.Warn().Msg("staged restore applied, starting from restored database")
		}
	} else {
		log.Info().Msg("R2 credentials not configured, archiving disabled")
	}
	c.Archiver = archiver

	st, err := store.Open(store.Config{Path: dbPath})
	if err != nil {
		return nil, err
	}
	c.Store = st

	c.Lock = processlock.New(st, filepath.Join(cfg.DataDir, "global_run.lock"))
	c.Bus = events.New(log)
	c.Ingester = artifact.New(st, cfg.RunLogsDir, log)
	c.Dispatcher = dispatcher.New(st, c.Lock, c.Bus, c.Ingester, cfg, log, hostname)
	c.Tailer = logtail.New(st)
	c.Tenants = tenantconfig.New(st, cfg.CompaniesDir, log)
	c.Probe = credential.New(c.Tenants)
	c.Classifier = health.New(st, c.Tenants, c.Probe)
	c.Reconciler = reconciler.New(st, c.Bus, log, reconcileInterval)
	c.Scheduler = scheduler.New(st, c.Dispatcher, c.Bus, cfg, log)

	c.Server = server.New(server.Deps{
		Store:      st,
		Dispatcher: c.Dispatcher,
		Tailer:     c.Tailer,
		Bus:        c.Bus,
		Classifier: c.Classifier,
		Archiver:   c.Archiver,
		Log:        log,
	})

	return c, nil
}
