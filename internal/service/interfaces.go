package service

import (
	"context"
	"math/big"
	"time"

	"github.com/auto-earn/internal/adapter"
	"github.com/auto-earn/internal/models"
	"github.com/auto-earn/internal/storage"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
)

// TransferSource returns incoming transfers for a Safe
type TransferSource interface {
	FetchIncomingTransfers(ctx context.Context, safe string, q adapter.TransferQuery, visit adapter.TransferPageFunc) (bool, error)
}

// DepositRepository interface for incoming deposit operations
type DepositRepository interface {
	LatestTimestamp(ctx context.Context, safe, token string) (*time.Time, error)
	InsertIfAbsent(ctx context.Context, d *models.IncomingDeposit) (bool, error)
	ListUnswept(ctx context.Context, safe, token string) ([]*models.IncomingDeposit, error)
}

// ConfigRepository interface for auto-earn config operations
type ConfigRepository interface {
	Upsert(ctx context.Context, cfg *models.AutoEarnConfig) error
	Get(ctx context.Context, userDID, safe string) (*models.AutoEarnConfig, error)
	ListTrackedSafes(ctx context.Context) ([]string, error)
	ListSweepTargets(ctx context.Context) ([]*models.SweepTarget, error)
	SetModuleEnabled(ctx context.Context, safe string, chainID int64, enabled bool) error
}

// SweepRecorder writes sweep outcomes
type SweepRecorder interface {
	RecordSweep(ctx context.Context, rec *storage.SweepRecord) (bool, error)
	RecordZeroSweep(ctx context.Context, mark models.SweepMark) (bool, error)
}

// EarnDepositRepository interface for confirmed vault deposit reads
type EarnDepositRepository interface {
	ListBySafe(ctx context.Context, safe string, limit int) ([]*models.EarnDeposit, error)
	SumBySafe(ctx context.Context, safe string) (*big.Int, int, error)
}

// AllocationRepository interface for allocation state operations
type AllocationRepository interface {
	Get(ctx context.Context, safe string) (*models.AllocationState, error)
	Set(ctx context.Context, state *models.AllocationState) error
}

// DepositClaims marks an unswept deposit as in flight for one sweep so no other
// run submits a vault deposit for it, even after the account lock is lost.
type DepositClaims interface {
	ClaimForSweep(ctx context.Context, txHash, owner string, now, staleBefore time.Time) (claimed bool, previousTx *string, err error)
	AttachClaimTx(ctx context.Context, txHash, owner, sweptTx string) error
	ReleaseClaim(ctx context.Context, txHash, owner string) error
}

// AccountLocker serializes sweeps of one Safe across processes
type AccountLocker interface {
	TryLockAccount(ctx context.Context, safe string) (lease storage.Lease, ok bool, err error)
}

// ModuleChecker reports whether the auto-earn module is enabled on a Safe
type ModuleChecker interface {
	IsModuleEnabled(ctx context.Context, safe common.Address) (bool, error)
}

// VaultExecutor moves funds from a Safe into its vault through the module
type VaultExecutor interface {
	ModuleChecker
	ResolveVault(ctx context.Context, safe, token common.Address) (common.Address, error)
	SimulateAutoEarn(ctx context.Context, token common.Address, amount *big.Int, safe common.Address) error
	SubmitAutoEarn(ctx context.Context, token common.Address, amount *big.Int, safe common.Address) (common.Hash, error)
	WaitForReceipt(ctx context.Context, hash common.Hash) (*ethtypes.Receipt, error)
}

// VaultReader reads vault and token state
type VaultReader interface {
	ResolveVault(ctx context.Context, safe, token common.Address) (common.Address, error)
	VaultShares(ctx context.Context, vault, owner common.Address) (*big.Int, error)
	ConvertToAssets(ctx context.Context, vault common.Address, shares *big.Int) (*big.Int, error)
	VaultInfo(ctx context.Context, vault common.Address) (*adapter.VaultInfo, error)
	TokenBalance(ctx context.Context, token, owner common.Address) (*big.Int, error)
}

// NoopLocker grants every lock. Used when redis is not available; deposit
// claims still keep two runs off the same deposit.
type NoopLocker struct{}

// TryLockAccount always succeeds with a lease that is never lost
func (NoopLocker) TryLockAccount(ctx context.Context, safe string) (storage.Lease, bool, error) {
	return noopLease{}, true, nil
}

type noopLease struct{}

func (noopLease) Lost() <-chan struct{} { return nil }

func (noopLease) Release(context.Context) error { return nil }
