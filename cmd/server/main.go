// Package main provides the operations API server: health, metrics, cron
// triggers and per-Safe routes.
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
	"go.uber.org/automaxprocs/maxprocs"
)

func main() {
	fmt.Println("Auto-Earn Ops API Server")

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
	logger.WithFields(map[string]interface{}{
		"level":  cfg.Logging.Level,
		"format": cfg.Logging.Format,
	}).Info("Structured logging initialized")

	if err := cfg.ValidateRead(); err != nil {
		logger.WithError(err).Fatal("Configuration error")
	}

	// The cron routes are enabled only when their job is fully configured.
	syncEnabled := cfg.ValidateSync() == nil
	sweepEnabled := cfg.Validate() == nil
	if !sweepEnabled {
		logger.Warn("Relayer not configured - /api/cron/auto-earn is disabled")
	}
	if !syncEnabled {
		logger.Warn("Safe Transaction Service not configured - /api/cron/sync-deposits is disabled")
	}
	if cfg.Server.CronSecret == "" {
		logger.Warn("CRON_SECRET is empty - every cron request will be rejected")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, app.Options{
		Chain:     true,
		Signer:    sweepEnabled,
		Transfers: syncEnabled,
		Redis:     true,
	})
	if err != nil {
		logger.WithError(err).Fatal("Startup failed")
	}
	defer a.Close()

	services := api.Services{
		Positions:   a.VaultPositionService(),
		Allocations: a.AllocationService(),
		Settings:    a.SettingsService(),
		Health:      a.HealthSources(),
	}
	if syncEnabled {
		syncSvc, err := a.SyncService()
		if err != nil {
			logger.WithError(err).Fatal("Failed to create deposit sync service")
		}
		services.Sync = syncSvc
	}
	if sweepEnabled {
		sweepSvc, err := a.SweepService()
		if err != nil {
			logger.WithError(err).Fatal("Failed to create sweep service")
		}
		services.Sweep = sweepSvc
	}

	server := api.NewServer(&api.ServerConfig{
		Host:            cfg.Server.Host,
		Port:            cfg.Server.Port,
		ReadTimeout:     15 * time.Second,
		WriteTimeout:    cfg.Chain.ReceiptTimeout + 5*time.Minute,
		IdleTimeout:     60 * time.Second,
		ShutdownTimeout: 30 * time.Second,
		CronSecret:      cfg.Server.CronSecret,
		RequestsPerSec:  10,
		Burst:           20,
	}, services, a.Registry)

	// Start server in a goroutine
	errCh := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	case err := <-errCh:
		logger.WithError(err).Error("Server failed")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Server forced to shutdown")
	}

	logger.Info("Server stopped")
}
