// Package main syncs incoming token transfers for every tracked Safe into the
// deposit ledger and exits. Per-account fetch failures are logged and do not
// change the exit status.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/auto-earn/internal/app"
	"github.com/auto-earn/internal/config"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		return 1
	}
	logger := app.InitLogging(cfg)
	defer logger.Sync()

	if err := cfg.ValidateSync(); err != nil {
		logger.WithError(err).Error("Configuration error")
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, app.Options{Transfers: true})
	if err != nil {
		logger.WithError(err).Error("Startup failed")
		return 1
	}
	defer a.Close()

	sync, err := a.SyncService()
	if err != nil {
		logger.WithError(err).Error("Failed to create deposit sync service")
		return 1
	}

	summary, err := sync.SyncAll(ctx)
	if summary != nil {
		out, _ := json.MarshalIndent(summary, "", "  ")
		fmt.Println(string(out))
	}
	if err != nil {
		logger.WithError(err).Error("Deposit sync did not complete")
		return 1
	}
	return 0
}
