// Package main runs one auto-earn sweep over every opted-in Safe and exits.
// Exit status is 1 when configuration is invalid or the run could not complete;
// per-deposit failures are reported in the summary and retried on the next run.
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

	if err := cfg.Validate(); err != nil {
		logger.WithError(err).Error("Configuration error")
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, app.Options{Signer: true, Redis: true})
	if err != nil {
		logger.WithError(err).Error("Startup failed")
		return 1
	}
	defer a.Close()

	sweep, err := a.SweepService()
	if err != nil {
		logger.WithError(err).Error("Failed to create sweep service")
		return 1
	}

	summary, err := sweep.Run(ctx)
	if summary != nil {
		out, _ := json.MarshalIndent(summary, "", "  ")
		fmt.Println(string(out))
	}
	if err != nil {
		logger.WithError(err).Error("Auto-earn sweep did not complete")
		return 1
	}
	return 0
}
