// Package app wires configuration, storage, chain access and services into the
// components each binary runs.
package app

import (
	"context"
	"fmt"

	"github.com/auto-earn/internal/adapter"
	"github.com/auto-earn/internal/api"
	"github.com/auto-earn/internal/config"
	"github.com/auto-earn/internal/logging"
	"github.com/auto-earn/internal/metrics"
	"github.com/auto-earn/internal/service"
	"github.com/auto-earn/internal/storage"
	"github.com/auto-earn/internal/types"
	"github.com/auto-earn/internal/worker"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Options selects which external connections a binary needs
type Options struct {
	Chain     bool // JSON-RPC pool and vault client
	Signer    bool // relayer key for submitting transactions; implies Chain
	Transfers bool // Safe Transaction Service client
	Redis     bool // account locks; a failed connection falls back to no locking
}

// App holds the shared components of one process
type App struct {
	Config   *config.Config
	Postgres *storage.PostgresDB
	Redis    *storage.RedisCache
	RPC      *adapter.RPCPool
	Vault    *adapter.VaultClient
	Transfer *adapter.SafeTransactionClient
	Registry *prometheus.Registry
	Metrics  *metrics.Metrics
	Pool     *worker.AccountPool
}

// InitLogging configures the global logger from cfg and returns it
func InitLogging(cfg *config.Config) *logging.Logger {
	logging.InitGlobalLogger(logging.ParseLogLevel(cfg.Logging.Level), logging.ParseLogFormat(cfg.Logging.Format))
	return logging.GetGlobalLogger()
}

// New connects to everything opts asks for. On error, connections already
// opened are closed.
func New(ctx context.Context, cfg *config.Config, opts Options) (_ *App, err error) {
	logger := logging.FromContext(ctx)

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	a := &App{
		Config:   cfg,
		Registry: registry,
		Metrics:  metrics.New(registry),
		Pool:     worker.NewAccountPool(cfg.Sweep.AccountConcurrency),
	}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	a.Postgres, err = storage.NewPostgresDB(&cfg.Database.Postgres)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Postgres: %w", err)
	}

	if opts.Redis {
		cache, rerr := storage.NewRedisCache(&cfg.Database.Redis)
		if rerr != nil {
			logger.WithError(rerr).Warn("Redis unavailable, sweeping without account locks")
		} else {
			a.Redis = cache
		}
	}

	if opts.Chain || opts.Signer {
		a.RPC, err = adapter.NewRPCPool(&cfg.Chain)
		if err != nil {
			return nil, fmt.Errorf("failed to create RPC pool: %w", err)
		}

		autoEarn := cfg.AutoEarn
		if !opts.Signer {
			autoEarn.RelayerPrivateKey = ""
		}
		a.Vault, err = adapter.NewVaultClient(a.RPC, &cfg.Chain, &autoEarn)
		if err != nil {
			return nil, fmt.Errorf("failed to create vault client: %w", err)
		}
		if opts.Signer {
			logger.WithFields(map[string]interface{}{
				"chain":   types.ChainID(cfg.Chain.ChainID).String(),
				"relayer": a.Vault.Relayer().Hex(),
				"module":  a.Vault.Module().Hex(),
			}).Info("Relayer configured")
		}
	}

	if opts.Transfers {
		a.Transfer = adapter.NewSafeTransactionClient(&cfg.TransferService)
	}

	return a, nil
}

// Close releases every connection the app opened
func (a *App) Close() {
	if a.Pool != nil {
		a.Pool.Stop()
	}
	if a.RPC != nil {
		a.RPC.Close()
	}
	if a.Redis != nil {
		_ = a.Redis.Close()
	}
	if a.Postgres != nil {
		a.Postgres.Close()
	}
}

// HealthSources collects the upstream status reporters the app opened
func (a *App) HealthSources() api.HealthSources {
	var h api.HealthSources
	if a.RPC != nil {
		h.RPC = a.RPC
	}
	if a.Transfer != nil {
		h.Breakers = append(h.Breakers, a.Transfer.Breaker())
	}
	return h
}

// Locker returns the redis account locker, or a no-op locker without redis
func (a *App) Locker() service.AccountLocker {
	if a.Redis == nil {
		return service.NoopLocker{}
	}
	return storage.NewAccountLocker(a.Redis, a.Config.Sweep.LockTTL)
}

// SyncService builds the deposit sync service. Requires Options.Transfers.
func (a *App) SyncService() (*service.DepositSyncService, error) {
	if a.Transfer == nil {
		return nil, fmt.Errorf("transfer service client not configured")
	}
	return service.NewDepositSyncService(
		a.Transfer,
		storage.NewIncomingDepositRepository(a.Postgres),
		storage.NewAutoEarnConfigRepository(a.Postgres),
		a.Pool,
		a.Metrics,
		service.DepositSyncConfig{TokenAddress: a.Config.AutoEarn.TokenAddress},
	)
}

// SweepService builds the sweep service. Requires Options.Signer.
func (a *App) SweepService() (*service.SweepService, error) {
	if a.Vault == nil {
		return nil, fmt.Errorf("vault client not configured")
	}
	deposits := storage.NewIncomingDepositRepository(a.Postgres)
	return service.NewSweepService(service.SweepDependencies{
		Configs:  storage.NewAutoEarnConfigRepository(a.Postgres),
		Deposits: deposits,
		Ledger:   storage.NewSweepLedger(a.Postgres),
		Claims:   deposits,
		Chain:    a.Vault,
		Locker:   a.Locker(),
		Pool:     a.Pool,
		Metrics:  a.Metrics,
	}, service.SweepConfig{
		TokenAddress:        a.Config.AutoEarn.TokenAddress,
		ChainID:             a.Config.Chain.ChainID,
		VerifyModuleOnChain: a.Config.AutoEarn.VerifyModuleOnChain,
		ClaimTTL:            a.Config.Sweep.ClaimTTL,
	})
}

// AllocationService builds the allocation service
func (a *App) AllocationService() *service.AllocationService {
	return service.NewAllocationService(
		storage.NewAllocationStateRepository(a.Postgres),
		storage.NewEarnDepositRepository(a.Postgres),
	)
}

// VaultPositionService builds the vault position service, or nil without chain access
func (a *App) VaultPositionService() *service.VaultPositionService {
	if a.Vault == nil {
		return nil
	}
	return service.NewVaultPositionService(a.Vault, a.Config.AutoEarn.TokenAddress)
}

// SettingsService builds the settings service. Module status refresh needs chain access.
func (a *App) SettingsService() *service.SettingsService {
	var modules service.ModuleChecker
	if a.Vault != nil {
		modules = a.Vault
	}
	return service.NewSettingsService(storage.NewAutoEarnConfigRepository(a.Postgres), modules, a.Config.Chain.ChainID)
}
