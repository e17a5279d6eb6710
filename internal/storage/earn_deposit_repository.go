package storage

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/auto-earn/internal/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// EarnDepositRepository handles confirmed vault deposits
type EarnDepositRepository struct {
	q Querier
}

// NewEarnDepositRepository creates a new earn deposit repository
func NewEarnDepositRepository(db *PostgresDB) *EarnDepositRepository {
	return &EarnDepositRepository{q: db.Pool()}
}

// WithTx returns a repository bound to tx
func (r *EarnDepositRepository) WithTx(tx pgx.Tx) *EarnDepositRepository {
	return &EarnDepositRepository{q: tx}
}

// Create inserts an earn deposit, assigning an id when empty
func (r *EarnDepositRepository) Create(ctx context.Context, d *models.EarnDeposit) error {
	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	if d.AssetsDeposited == nil || d.AssetsDeposited.Sign() < 0 {
		return fmt.Errorf("invalid assets deposited for %s", d.TxHash)
	}
	if err := ValidateTxHash(d.TxHash); err != nil {
		return err
	}
	for _, addr := range []*string{&d.SafeAddress, &d.VaultAddress, &d.TokenAddress} {
		normalized, err := normalizeAddress(*addr)
		if err != nil {
			return err
		}
		*addr = normalized
	}

	var source *string
	if d.SourceTxHash != "" {
		lower := strings.ToLower(d.SourceTxHash)
		source = &lower
	}

	_, err := r.q.Exec(ctx, `
		INSERT INTO earn_deposits (
			id, user_did, safe_address, vault_address, token_address,
			assets_deposited, shares_received, tx_hash, source_tx_hash,
			deposit_percentage, deposited_at
		)
		VALUES ($1, $2, $3, $4, $5, $6::numeric, $7::numeric, $8, $9, $10, $11)
	`,
		d.ID,
		d.UserDID,
		d.SafeAddress,
		d.VaultAddress,
		d.TokenAddress,
		numericParam(d.AssetsDeposited),
		numericParam(d.SharesReceived),
		strings.ToLower(d.TxHash),
		source,
		d.DepositPercentage,
		d.Timestamp.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to create earn deposit: %w", err)
	}

	return nil
}

// ListBySafe returns the earn deposits of a Safe, newest first
func (r *EarnDepositRepository) ListBySafe(ctx context.Context, safe string, limit int) ([]*models.EarnDeposit, error) {
	safe, err := normalizeAddress(safe)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}

	rows, err := r.q.Query(ctx, `
		SELECT id::text, user_did, safe_address, vault_address, token_address,
			   assets_deposited::text, shares_received::text, tx_hash,
			   COALESCE(source_tx_hash, ''), deposit_percentage, deposited_at
		FROM earn_deposits
		WHERE safe_address = $1
		ORDER BY deposited_at DESC
		LIMIT $2
	`, safe, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list earn deposits: %w", err)
	}
	defer rows.Close()

	var deposits []*models.EarnDeposit
	for rows.Next() {
		var (
			d              models.EarnDeposit
			assets, shares string
		)
		if err := rows.Scan(
			&d.ID,
			&d.UserDID,
			&d.SafeAddress,
			&d.VaultAddress,
			&d.TokenAddress,
			&assets,
			&shares,
			&d.TxHash,
			&d.SourceTxHash,
			&d.DepositPercentage,
			&d.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("failed to scan earn deposit: %w", err)
		}
		if d.AssetsDeposited, err = parseNumeric("assets_deposited", assets); err != nil {
			return nil, err
		}
		if d.SharesReceived, err = parseNumeric("shares_received", shares); err != nil {
			return nil, err
		}
		deposits = append(deposits, &d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating earn deposits: %w", err)
	}

	return deposits, nil
}

// SumBySafe returns the exact total of assets deposited for a Safe and the row count
func (r *EarnDepositRepository) SumBySafe(ctx context.Context, safe string) (*big.Int, int, error) {
	safe, err := normalizeAddress(safe)
	if err != nil {
		return nil, 0, err
	}

	var (
		total string
		count int
	)
	err = r.q.QueryRow(ctx, `
		SELECT COALESCE(SUM(assets_deposited), 0)::text, COUNT(*)
		FROM earn_deposits
		WHERE safe_address = $1
	`, safe).Scan(&total, &count)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to sum earn deposits: %w", err)
	}

	sum, err := parseNumeric("assets_deposited", total)
	if err != nil {
		return nil, 0, err
	}
	return sum, count, nil
}
