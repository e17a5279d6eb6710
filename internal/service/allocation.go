package service

import (
	"context"
	"fmt"
	"math/big"
	"time"

	apperrors "github.com/auto-earn/internal/errors"
	"github.com/auto-earn/internal/logging"
	"github.com/auto-earn/internal/models"
	"github.com/auto-earn/internal/types"
)

// AllocationReport compares the cached allocation total with the earn deposit ledger
type AllocationReport struct {
	SafeAddress     string                  `json:"safeAddress"`
	State           *models.AllocationState `json:"state"`
	LedgerTotal     string                  `json:"ledgerTotal"`
	LedgerCount     int                     `json:"ledgerCount"`
	Drift           string                  `json:"drift"` // cached minus ledger
	Consistent      bool                    `json:"consistent"`
	Inconsistencies []string                `json:"inconsistencies,omitempty"`
	Repaired        bool                    `json:"repaired"`
	CheckedAt       time.Time               `json:"checkedAt"`
}

// AllocationService serves and reconciles the per-Safe allocation totals
type AllocationService struct {
	allocations AllocationRepository
	earn        EarnDepositRepository
}

// NewAllocationService creates a new allocation service
func NewAllocationService(allocations AllocationRepository, earn EarnDepositRepository) *AllocationService {
	return &AllocationService{
		allocations: allocations,
		earn:        earn,
	}
}

// Get returns the cached allocation state of safe
func (s *AllocationService) Get(ctx context.Context, safe string) (*models.AllocationState, error) {
	if !types.IsHexAddress(safe) {
		return nil, apperrors.NewInvalidAddressError(safe)
	}
	state, err := s.allocations.Get(ctx, types.NormalizeAddress(safe))
	if err != nil {
		return nil, apperrors.NewDatabaseError("get allocation state", err)
	}
	return state, nil
}

// Reconcile recomputes the total from the earn deposit rows and compares it with
// the cached state. With repair set, a drifted state is overwritten from the ledger.
func (s *AllocationService) Reconcile(ctx context.Context, safe string, repair bool) (*AllocationReport, error) {
	state, err := s.Get(ctx, safe)
	if err != nil {
		return nil, err
	}
	safe = types.NormalizeAddress(safe)

	total, count, err := s.earn.SumBySafe(ctx, safe)
	if err != nil {
		return nil, apperrors.NewDatabaseError("sum earn deposits", err)
	}
	if total == nil {
		total = new(big.Int)
	}
	cached := state.TotalDeposited
	if cached == nil {
		cached = new(big.Int)
	}

	report := &AllocationReport{
		SafeAddress: safe,
		State:       state,
		LedgerTotal: total.String(),
		LedgerCount: count,
		Drift:       new(big.Int).Sub(cached, total).String(),
		CheckedAt:   time.Now().UTC(),
	}

	if cached.Cmp(total) != 0 {
		report.Inconsistencies = append(report.Inconsistencies,
			fmt.Sprintf("total deposited %s differs from ledger total %s", cached, total))
	}
	if state.DepositCount != count {
		report.Inconsistencies = append(report.Inconsistencies,
			fmt.Sprintf("deposit count %d differs from ledger count %d", state.DepositCount, count))
	}
	report.Consistent = len(report.Inconsistencies) == 0

	if report.Consistent || !repair {
		return report, nil
	}

	logging.FromContext(ctx).WithFields(map[string]interface{}{
		"safe":        safe,
		"cached":      cached.String(),
		"ledgerTotal": total.String(),
	}).Warn("Repairing drifted allocation state from earn deposits")

	repaired := &models.AllocationState{
		SafeAddress:    safe,
		TotalDeposited: total,
		DepositCount:   count,
		LastUpdated:    report.CheckedAt,
	}
	if err := s.allocations.Set(ctx, repaired); err != nil {
		return nil, apperrors.NewDatabaseError("repair allocation state", err)
	}
	report.State = repaired
	report.Repaired = true

	return report, nil
}
