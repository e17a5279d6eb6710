// Package main prints the vault position of one or more Safes, read from chain.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/auto-earn/internal/app"
	"github.com/auto-earn/internal/config"
)

func main() {
	timeout := flag.Duration("timeout", 30*time.Second, "Overall timeout")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: vault-balance [-timeout 30s] <safe address>...\n")
	}
	flag.Parse()
	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	logger := app.InitLogging(cfg)
	if err := cfg.ValidateRead(); err != nil {
		logger.WithError(err).Fatal("Configuration error")
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	a, err := app.New(ctx, cfg, app.Options{Chain: true})
	if err != nil {
		logger.WithError(err).Fatal("Startup failed")
	}
	defer a.Close()

	positions := a.VaultPositionService()
	allocations := a.AllocationService()

	failed := false
	for _, safe := range flag.Args() {
		pos, err := positions.GetPosition(ctx, safe)
		if err != nil {
			logger.WithError(err).WithField("safe", safe).Error("Failed to read vault position")
			failed = true
			continue
		}
		out := map[string]interface{}{"position": pos}
		if report, err := allocations.Reconcile(ctx, safe, false); err == nil {
			out["allocation"] = report
		} else {
			logger.WithError(err).WithField("safe", safe).Warn("Failed to read allocation state")
		}

		b, _ := json.MarshalIndent(out, "", "  ")
		fmt.Println(string(b))
	}

	if failed {
		a.Close()
		os.Exit(1)
	}
}
