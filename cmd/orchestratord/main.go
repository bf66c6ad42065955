// Command orchestratord is the entry point for the pipeline orchestration
// daemon. It manages the lifecycle of per-tenant pipeline runs: accepting
// on-demand and scheduled jobs, dispatching at most one at a time,
// tailing their logs, classifying tenant health, and optionally archiving
// the state database to R2.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/opsportal/orchestrator/internal/config"
	"github.com/opsportal/orchestrator/internal/di"
	"github.com/opsportal/orchestrator/pkg/logger"
)

func main() {
	var dataDirFlag string
	flag.StringVar(&dataDirFlag, "data-dir", "", "overrides DATA_DIR environment variable")
	flag.Parse()
	if dataDirFlag != "" {
		os.Setenv("DATA_DIR", dataDirFlag)
	}

	cfg, err := config.Load()
	if err != nil {
		fallbackLog := logger.New(logger.Config{Level: "info", Pretty: true})
		fallbackLog.Fatal().Err(err).Msg("failed to load configuration")
	}

	log := logger.New(logger.Config{Level: cfg.LogLevel, Pretty: true})
	log.Info().Msg("starting orchestrator daemon")

	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "orchestratord"
	}

	container, err := di.Wire(cfg, log, hostname)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to wire dependencies")
	}

	ctx, cancel := context.WithCancel(context.Background())
	container.Start(ctx)
	log.Info().Msg("reconciler and scheduler started")

	httpServer := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: container.Server,
	}

	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("HTTP server listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("shutdown signal received")

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server forced to shutdown")
	}

	container.Stop()
	log.Info().Msg("orchestrator daemon stopped")
}
