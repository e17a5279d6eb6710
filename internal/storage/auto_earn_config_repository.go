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

// AutoEarnConfigRepository handles auto-earn opt-ins and the module-enabled record
type AutoEarnConfigRepository struct {
	q Querier
}

// NewAutoEarnConfigRepository creates a new auto-earn config repository
func NewAutoEarnConfigRepository(db *PostgresDB) *AutoEarnConfigRepository {
	return &AutoEarnConfigRepository{q: db.Pool()}
}

// WithTx returns a repository bound to tx
func (r *AutoEarnConfigRepository) WithTx(tx pgx.Tx) *AutoEarnConfigRepository {
	return &AutoEarnConfigRepository{q: tx}
}

// Upsert creates or updates the savings percentage for (user, safe).
// The new percentage applies from the next sweep.
func (r *AutoEarnConfigRepository) Upsert(ctx context.Context, cfg *models.AutoEarnConfig) error {
	if cfg.UserDID == "" {
		return fmt.Errorf("user id is required")
	}
	if cfg.Percentage < 0 || cfg.Percentage > 100 {
		return fmt.Errorf("percentage must be between 0 and 100, got %d", cfg.Percentage)
	}
	safe, err := normalizeAddress(cfg.SafeAddress)
	if err != nil {
		return err
	}
	cfg.SafeAddress = safe

	err = r.q.QueryRow(ctx, `
		INSERT INTO auto_earn_configs (user_did, safe_address, pct)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_did, safe_address) DO UPDATE
		SET pct = EXCLUDED.pct, updated_at = NOW()
		RETURNING last_triggered_at, created_at, updated_at
	`, cfg.UserDID, cfg.SafeAddress, cfg.Percentage).Scan(
		&cfg.LastTriggeredAt,
		&cfg.CreatedAt,
		&cfg.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert auto-earn config: %w", err)
	}

	return nil
}

// Get retrieves the config for (user, safe)
func (r *AutoEarnConfigRepository) Get(ctx context.Context, userDID, safe string) (*models.AutoEarnConfig, error) {
	safe, err := normalizeAddress(safe)
	if err != nil {
		return nil, err
	}

	var cfg models.AutoEarnConfig
	err = r.q.QueryRow(ctx, `
		SELECT user_did, safe_address, pct, last_triggered_at, created_at, updated_at
		FROM auto_earn_configs
		WHERE user_did = $1 AND safe_address = $2
	`, userDID, safe).Scan(
		&cfg.UserDID,
		&cfg.SafeAddress,
		&cfg.Percentage,
		&cfg.LastTriggeredAt,
		&cfg.CreatedAt,
		&cfg.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("auto-earn config not found for %s/%s: %w", userDID, safe, err)
		}
		return nil, fmt.Errorf("failed to get auto-earn config: %w", err)
	}

	return &cfg, nil
}

// ListTrackedSafes returns every Safe with an auto-earn config, whatever its percentage
func (r *AutoEarnConfigRepository) ListTrackedSafes(ctx context.Context) ([]string, error) {
	rows, err := r.q.Query(ctx, `
		SELECT DISTINCT safe_address
		FROM auto_earn_configs
		ORDER BY safe_address
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list tracked safes: %w", err)
	}
	defer rows.Close()

	var safes []string
	for rows.Next() {
		var safe string
		if err := rows.Scan(&safe); err != nil {
			return nil, fmt.Errorf("failed to scan safe address: %w", err)
		}
		safes = append(safes, safe)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating safes: %w", err)
	}

	return safes, nil
}

// ListSweepTargets returns configs with a positive percentage whose Safe has the
// module enabled, one entry per (user, safe).
func (r *AutoEarnConfigRepository) ListSweepTargets(ctx context.Context) ([]*models.SweepTarget, error) {
	rows, err := r.q.Query(ctx, `
		SELECT c.user_did, c.safe_address, c.pct, COALESCE(m.module_enabled, FALSE)
		FROM auto_earn_configs c
		LEFT JOIN safe_modules m ON m.safe_address = c.safe_address
		WHERE c.pct > 0 AND COALESCE(m.module_enabled, FALSE) = TRUE
		ORDER BY c.safe_address, c.user_did
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list sweep targets: %w", err)
	}
	defer rows.Close()

	var targets []*models.SweepTarget
	for rows.Next() {
		var t models.SweepTarget
		if err := rows.Scan(&t.UserDID, &t.SafeAddress, &t.Percentage, &t.ModuleEnabled); err != nil {
			return nil, fmt.Errorf("failed to scan sweep target: %w", err)
		}
		targets = append(targets, &t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sweep targets: %w", err)
	}

	return targets, nil
}

// TouchLastTriggered records the time of the latest sweep for (user, safe)
func (r *AutoEarnConfigRepository) TouchLastTriggered(ctx context.Context, userDID, safe string, at time.Time) error {
	_, err := r.q.Exec(ctx, `
		UPDATE auto_earn_configs
		SET last_triggered_at = $3, updated_at = NOW()
		WHERE user_did = $1 AND safe_address = $2
	`, userDID, strings.ToLower(safe), at.UTC())
	if err != nil {
		return fmt.Errorf("failed to update last trigger time: %w", err)
	}
	return nil
}

// SetModuleEnabled upserts the module-enabled record for a Safe
func (r *AutoEarnConfigRepository) SetModuleEnabled(ctx context.Context, safe string, chainID int64, enabled bool) error {
	safe, err := normalizeAddress(safe)
	if err != nil {
		return err
	}

	_, err = r.q.Exec(ctx, `
		INSERT INTO safe_modules (safe_address, chain_id, module_enabled)
		VALUES ($1, $2, $3)
		ON CONFLICT (safe_address) DO UPDATE
		SET chain_id = EXCLUDED.chain_id,
			module_enabled = EXCLUDED.module_enabled,
			updated_at = NOW()
	`, safe, chainID, enabled)
	if err != nil {
		return fmt.Errorf("failed to set module record: %w", err)
	}
	return nil
}

// GetModule retrieves the module-enabled record for a Safe
func (r *AutoEarnConfigRepository) GetModule(ctx context.Context, safe string) (*models.SafeModule, error) {
	safe, err := normalizeAddress(safe)
	if err != nil {
		return nil, err
	}

	var m models.SafeModule
	err = r.q.QueryRow(ctx, `
		SELECT safe_address, chain_id, module_enabled, updated_at
		FROM safe_modules
		WHERE safe_address = $1
	`, safe).Scan(&m.SafeAddress, &m.ChainID, &m.ModuleEnabled, &m.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("module record not found for %s: %w", safe, err)
		}
		return nil, fmt.Errorf("failed to get module record: %w", err)
	}
	return &m, nil
}
