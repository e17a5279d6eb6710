// Package main provides the long-running worker: it syncs incoming deposits
// and sweeps them into the vault on a cron schedule.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/auto-earn/internal/api"
	"github.com/auto-earn/internal/app"
	"github.com/auto-earn/internal/config"
	"github.com/auto-earn/internal/worker"
	"go.uber.org/automaxprocs/maxprocs"
)

func main() {
	fmt.Println("Auto-Earn Sweep Worker")

	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := app.InitLogging(cfg)
	defer logger.Sync()

	if _, err := maxprocs.Set(maxprocs.Logger(logger.Infof)); err != nil {
		logger.WithError(err).Warn("Failed to set GOMAXPROCS from container limits")
	}

	if err := cfg.Validate(); err != nil {
		logger.WithError(err).Fatal("Configuration error")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("Connecting to databases and chain...")
	a, err := app.New(ctx, cfg, app.Options{Signer: true, Transfers: true, Redis: true})
	if err != nil {
		logger.WithError(err).Fatal("Startup failed")
	}
	defer a.Close()

	syncSvc, err := a.SyncService()
	if err != nil {
		logger.WithError(err).Fatal("Failed to create deposit sync service")
	}
	sweepSvc, err := a.SweepService()
	if err != nil {
		logger.WithError(err).Fatal("Failed to create sweep service")
	}

	// Sync runs first so a tick sweeps what it just found.
	scheduler, err := worker.NewScheduler(cfg.Sweep.Schedule,
		worker.Job{
			Name:    "sync-incoming-deposits",
			Timeout: 5 * time.Minute,
			Run: func(ctx context.Context) error {
				summary, err := syncSvc.SyncAll(ctx)
				if summary != nil {
					logger.WithFields(map[string]interface{}{
						"accounts": summary.Accounts,
						"inserted": summary.Inserted,
						"failed":   summary.Failed,
					}).Info("Deposit sync finished")
				}
				return err
			},
		},
		worker.Job{
			Name: "run-auto-earn-sweep",
			Run: func(ctx context.Context) error {
				summary, err := sweepSvc.Run(ctx)
				if summary != nil {
					logger.WithFields(map[string]interface{}{
						"accounts": summary.Accounts,
						"swept":    summary.Swept,
						"failed":   summary.Failed,
					}).Info("Auto-earn sweep finished")
				}
				return err
			},
		},
	)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create scheduler")
	}

	if err := scheduler.Start(ctx); err != nil {
		logger.WithError(err).Fatal("Failed to start scheduler")
	}
	logger.WithField("schedule", cfg.Sweep.Schedule).Info("Worker started")

	// Health and metrics only; the ops routes stay on the server binary.
	health := a.HealthSources()
	health.Scheduler = scheduler
	healthServer := api.NewServer(&api.ServerConfig{
		Host:            cfg.Server.Host,
		Port:            cfg.Server.WorkerPort,
		ReadTimeout:     5 * time.Second,
		WriteTimeout:    10 * time.Second,
		IdleTimeout:     60 * time.Second,
		ShutdownTimeout: 10 * time.Second,
		RequestsPerSec:  10,
		Burst:           20,
	}, api.Services{Health: health}, a.Registry)
	go func() {
		if err := healthServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Error("Health server failed")
		}
	}()

	// Wait for shutdown signal
	<-ctx.Done()
	logger.Info("Shutdown signal received, waiting for the current run to finish...")

	healthCtx, cancelHealth := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelHealth()
	if err := healthServer.Shutdown(healthCtx); err != nil {
		logger.WithError(err).Warn("Health server forced to shutdown")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Chain.ReceiptTimeout+30*time.Second)
	defer cancel()
	if err := scheduler.Stop(shutdownCtx); err != nil {
		logger.WithError(err).Warn("Scheduler did not stop cleanly")
	}

	logger.Info("Worker stopped. Goodbye!")
}
