package storage

import (
	"context"
	"fmt"

	"github.com/auto-earn/internal/models"
	"github.com/jackc/pgx/v5"
)

// SweepRecord is everything written after a vault deposit is confirmed on-chain
type SweepRecord struct {
	Deposit *models.EarnDeposit
	Mark    models.SweepMark
}

// SweepLedger writes the outcome of a sweep across the four tables atomically
type SweepLedger struct {
	db       *PostgresDB
	deposits *IncomingDepositRepository
	earn     *EarnDepositRepository
	alloc    *AllocationStateRepository
	configs  *AutoEarnConfigRepository
}

// NewSweepLedger creates a new sweep ledger
func NewSweepLedger(db *PostgresDB) *SweepLedger {
	return &SweepLedger{
		db:       db,
		deposits: NewIncomingDepositRepository(db),
		earn:     NewEarnDepositRepository(db),
		alloc:    NewAllocationStateRepository(db),
		configs:  NewAutoEarnConfigRepository(db),
	}
}

// RecordSweep records a confirmed vault deposit in one transaction: the earn
// deposit row, the conditional swept mark, the allocation total and the config's
// last trigger time. marked is false when the incoming deposit had already been
// marked by another run; the earn deposit is still recorded because the funds moved.
func (l *SweepLedger) RecordSweep(ctx context.Context, rec *SweepRecord) (marked bool, err error) {
	if rec == nil || rec.Deposit == nil {
		return false, fmt.Errorf("sweep record is required")
	}

	err = l.db.WithTransaction(ctx, func(tx pgx.Tx) error {
		var txErr error
		marked, txErr = l.deposits.WithTx(tx).MarkSwept(ctx, rec.Mark)
		if txErr != nil {
			return txErr
		}
		if txErr = l.earn.WithTx(tx).Create(ctx, rec.Deposit); txErr != nil {
			return txErr
		}
		if txErr = l.alloc.WithTx(tx).AddDeposited(ctx, rec.Deposit.SafeAddress, rec.Deposit.AssetsDeposited, rec.Deposit.Timestamp); txErr != nil {
			return txErr
		}
		return l.configs.WithTx(tx).TouchLastTriggered(ctx, rec.Deposit.UserDID, rec.Deposit.SafeAddress, rec.Deposit.Timestamp)
	})
	if err != nil {
		return false, fmt.Errorf("failed to record sweep of %s: %w", rec.Mark.TxHash, err)
	}

	return marked, nil
}

// RecordZeroSweep marks a deposit swept with a zero amount; no vault deposit exists
func (l *SweepLedger) RecordZeroSweep(ctx context.Context, mark models.SweepMark) (bool, error) {
	return l.deposits.MarkSwept(ctx, mark)
}
