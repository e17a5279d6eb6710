package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/auto-earn/internal/models"
	"github.com/jackc/pgx/v5"
)

// IncomingDepositRepository handles the incoming deposit ledger
type IncomingDepositRepository struct {
	q Querier
}

// NewIncomingDepositRepository creates a new incoming deposit repository
func NewIncomingDepositRepository(db *PostgresDB) *IncomingDepositRepository {
	return &IncomingDepositRepository{q: db.Pool()}
}

// WithTx returns a repository bound to tx
func (r *IncomingDepositRepository) WithTx(tx pgx.Tx) *IncomingDepositRepository {
	return &IncomingDepositRepository{q: tx}
}

const incomingDepositColumns = `
	id::text, safe_address, tx_hash, from_address, token_address, amount::text,
	block_number, executed_at, swept, swept_amount::text, swept_percentage,
	swept_tx_hash, swept_at, created_at`

// LatestTimestamp returns the execution time of the newest recorded deposit for
// (safe, token), or nil when none has been recorded yet.
func (r *IncomingDepositRepository) LatestTimestamp(ctx context.Context, safe, token string) (*time.Time, error) {
	safe, err := normalizeAddress(safe)
	if err != nil {
		return nil, err
	}
	token, err = normalizeAddress(token)
	if err != nil {
		return nil, err
	}

	var latest *time.Time
	err = r.q.QueryRow(ctx, `
		SELECT MAX(executed_at)
		FROM incoming_deposits
		WHERE safe_address = $1 AND token_address = $2
	`, safe, token).Scan(&latest)
	if err != nil {
		return nil, fmt.Errorf("failed to get latest deposit timestamp: %w", err)
	}
	return latest, nil
}

// InsertIfAbsent records a deposit unless one with the same tx hash exists.
// It reports whether a row was inserted.
func (r *IncomingDepositRepository) InsertIfAbsent(ctx context.Context, d *models.IncomingDeposit) (bool, error) {
	if err := ValidateTxHash(d.TxHash); err != nil {
		return false, err
	}
	if d.Amount == nil || d.Amount.Sign() < 0 {
		return false, fmt.Errorf("invalid deposit amount for %s", d.TxHash)
	}

	safe, err := normalizeAddress(d.SafeAddress)
	if err != nil {
		return false, err
	}
	from, err := normalizeAddress(d.FromAddress)
	if err != nil {
		return false, err
	}
	token, err := normalizeAddress(d.TokenAddress)
	if err != nil {
		return false, err
	}

	tag, err := r.q.Exec(ctx, `
		INSERT INTO incoming_deposits (
			safe_address, tx_hash, from_address, token_address,
			amount, block_number, executed_at, swept
		)
		VALUES ($1, $2, $3, $4, $5::numeric, $6, $7, FALSE)
		ON CONFLICT (tx_hash) DO NOTHING
	`,
		safe,
		strings.ToLower(d.TxHash),
		from,
		token,
		numericParam(d.Amount),
		int64(d.BlockNumber), // #nosec G115 - block numbers fit in int64
		d.Timestamp.UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert incoming deposit: %w", err)
	}

	return tag.RowsAffected() == 1, nil
}

// ListUnswept returns the unswept deposits for (safe, token), newest first
func (r *IncomingDepositRepository) ListUnswept(ctx context.Context, safe, token string) ([]*models.IncomingDeposit, error) {
	safe, err := normalizeAddress(safe)
	if err != nil {
		return nil, err
	}
	token, err = normalizeAddress(token)
	if err != nil {
		return nil, err
	}

	rows, err := r.q.Query(ctx, `
		SELECT `+incomingDepositColumns+`
		FROM incoming_deposits
		WHERE safe_address = $1 AND token_address = $2 AND swept = FALSE
		ORDER BY executed_at DESC, id DESC
	`, safe, token)
	if err != nil {
		return nil, fmt.Errorf("failed to list unswept deposits: %w", err)
	}
	defer rows.Close()

	var deposits []*models.IncomingDeposit
	for rows.Next() {
		d, err := scanIncomingDeposit(rows)
		if err != nil {
			return nil, err
		}
		deposits = append(deposits, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating deposits: %w", err)
	}

	return deposits, nil
}

// GetByTxHash retrieves a deposit by its transaction hash
func (r *IncomingDepositRepository) GetByTxHash(ctx context.Context, txHash string) (*models.IncomingDeposit, error) {
	row := r.q.QueryRow(ctx, `
		SELECT `+incomingDepositColumns+`
		FROM incoming_deposits
		WHERE tx_hash = $1
	`, strings.ToLower(txHash))

	d, err := scanIncomingDeposit(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("incoming deposit not found: %s", txHash)
		}
		return nil, err
	}
	return d, nil
}

// MarkSwept transitions a deposit from unswept to swept. The update is
// conditional on swept = FALSE, so it reports false when another run got there first.
func (r *IncomingDepositRepository) MarkSwept(ctx context.Context, mark models.SweepMark) (bool, error) {
	var sweptTx *string
	if mark.SweptTxHash != nil {
		lower := strings.ToLower(*mark.SweptTxHash)
		sweptTx = &lower
	}

	tag, err := r.q.Exec(ctx, `
		UPDATE incoming_deposits
		SET swept = TRUE,
			swept_amount = $2::numeric,
			swept_percentage = $3,
			swept_tx_hash = $4,
			swept_at = $5,
			claimed_by = NULL,
			claimed_at = NULL,
			claim_tx_hash = NULL
		WHERE tx_hash = $1 AND swept = FALSE
	`,
		strings.ToLower(mark.TxHash),
		numericParam(mark.SweptAmount),
		mark.Percentage,
		sweptTx,
		mark.SweptAt.UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("failed to mark deposit swept: %w", err)
	}

	return tag.RowsAffected() == 1, nil
}

// ClaimForSweep takes the sweep claim on an unswept deposit for owner. A claim
// older than staleBefore is taken over. previousTx is the transaction a stale
// claimant attached before it stopped, if any.
func (r *IncomingDepositRepository) ClaimForSweep(ctx context.Context, txHash, owner string, now, staleBefore time.Time) (claimed bool, previousTx *string, err error) {
	err = r.q.QueryRow(ctx, `
		UPDATE incoming_deposits
		SET claimed_by = $2, claimed_at = $3
		WHERE tx_hash = $1
		  AND swept = FALSE
		  AND (claimed_by IS NULL OR claimed_by = $2 OR claimed_at < $4)
		RETURNING claim_tx_hash
	`, strings.ToLower(txHash), owner, now.UTC(), staleBefore.UTC()).Scan(&previousTx)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil, nil
	}
	if err != nil {
		return false, nil, fmt.Errorf("failed to claim deposit %s: %w", txHash, err)
	}
	return true, previousTx, nil
}

// AttachClaimTx stores the sweep transaction sent under owner's claim
func (r *IncomingDepositRepository) AttachClaimTx(ctx context.Context, txHash, owner, sweptTx string) error {
	_, err := r.q.Exec(ctx, `
		UPDATE incoming_deposits
		SET claim_tx_hash = $3
		WHERE tx_hash = $1 AND claimed_by = $2
	`, strings.ToLower(txHash), owner, strings.ToLower(sweptTx))
	if err != nil {
		return fmt.Errorf("failed to attach sweep tx to claim on %s: %w", txHash, err)
	}
	return nil
}

// ReleaseClaim drops owner's claim so the next run may sweep the deposit
func (r *IncomingDepositRepository) ReleaseClaim(ctx context.Context, txHash, owner string) error {
	_, err := r.q.Exec(ctx, `
		UPDATE incoming_deposits
		SET claimed_by = NULL, claimed_at = NULL, claim_tx_hash = NULL
		WHERE tx_hash = $1 AND claimed_by = $2
	`, strings.ToLower(txHash), owner)
	if err != nil {
		return fmt.Errorf("failed to release claim on %s: %w", txHash, err)
	}
	return nil
}

func scanIncomingDeposit(row pgx.Row) (*models.IncomingDeposit, error) {
	var (
		d           models.IncomingDeposit
		amount      string
		sweptAmount *string
		blockNumber int64
	)

	err := row.Scan(
		&d.ID,
		&d.SafeAddress,
		&d.TxHash,
		&d.FromAddress,
		&d.TokenAddress,
		&amount,
		&blockNumber,
		&d.Timestamp,
		&d.Swept,
		&sweptAmount,
		&d.SweptPercentage,
		&d.SweptTxHash,
		&d.SweptAt,
		&d.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan incoming deposit: %w", err)
	}

	if d.Amount, err = parseNumeric("amount", amount); err != nil {
		return nil, err
	}
	if sweptAmount != nil {
		if d.SweptAmount, err = parseNumeric("swept_amount", *sweptAmount); err != nil {
			return nil, err
		}
	}
	d.BlockNumber = uint64(blockNumber) // #nosec G115 - stored from a uint64

	return &d, nil
}
