package storage

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/auto-earn/internal/models"
	"github.com/jackc/pgx/v5"
)

// AllocationStateRepository handles the per-Safe running deposit total
type AllocationStateRepository struct {
	q Querier
}

// NewAllocationStateRepository creates a new allocation state repository
func NewAllocationStateRepository(db *PostgresDB) *AllocationStateRepository {
	return &AllocationStateRepository{q: db.Pool()}
}

// WithTx returns a repository bound to tx
func (r *AllocationStateRepository) WithTx(tx pgx.Tx) *AllocationStateRepository {
	return &AllocationStateRepository{q: tx}
}

// AddDeposited adds amount to the Safe's running total, creating the row on first use
func (r *AllocationStateRepository) AddDeposited(ctx context.Context, safe string, amount *big.Int, at time.Time) error {
	safe, err := normalizeAddress(safe)
	if err != nil {
		return err
	}
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("invalid allocation delta for %s", safe)
	}

	_, err = r.q.Exec(ctx, `
		INSERT INTO allocation_states (safe_address, total_deposited, deposit_count, last_updated)
		VALUES ($1, $2::numeric, 1, $3)
		ON CONFLICT (safe_address) DO UPDATE
		SET total_deposited = allocation_states.total_deposited + EXCLUDED.total_deposited,
			deposit_count = allocation_states.deposit_count + 1,
			last_updated = EXCLUDED.last_updated
	`, safe, numericParam(amount), at.UTC())
	if err != nil {
		return fmt.Errorf("failed to update allocation state: %w", err)
	}
	return nil
}

// Get retrieves the allocation state of a Safe. A Safe that never swept has a zero state.
func (r *AllocationStateRepository) Get(ctx context.Context, safe string) (*models.AllocationState, error) {
	safe, err := normalizeAddress(safe)
	if err != nil {
		return nil, err
	}

	var (
		state models.AllocationState
		total string
	)
	err = r.q.QueryRow(ctx, `
		SELECT safe_address, total_deposited::text, deposit_count, last_updated
		FROM allocation_states
		WHERE safe_address = $1
	`, safe).Scan(&state.SafeAddress, &total, &state.DepositCount, &state.LastUpdated)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return &models.AllocationState{SafeAddress: safe, TotalDeposited: big.NewInt(0)}, nil
		}
		return nil, fmt.Errorf("failed to get allocation state: %w", err)
	}

	if state.TotalDeposited, err = parseNumeric("total_deposited", total); err != nil {
		return nil, err
	}
	return &state, nil
}

// Set overwrites the running total, used when repairing drift
func (r *AllocationStateRepository) Set(ctx context.Context, state *models.AllocationState) error {
	safe, err := normalizeAddress(state.SafeAddress)
	if err != nil {
		return err
	}

	_, err = r.q.Exec(ctx, `
		INSERT INTO allocation_states (safe_address, total_deposited, deposit_count, last_updated)
		VALUES ($1, $2::numeric, $3, $4)
		ON CONFLICT (safe_address) DO UPDATE
		SET total_deposited = EXCLUDED.total_deposited,
			deposit_count = EXCLUDED.deposit_count,
			last_updated = EXCLUDED.last_updated
	`, safe, numericParam(state.TotalDeposited), state.DepositCount, state.LastUpdated.UTC())
	if err != nil {
		return fmt.Errorf("failed to set allocation state: %w", err)
	}
	return nil
}
