package models

import (
	"math/big"
	"time"
)

// AllocationState is the cached running total deposited into the vault for a Safe.
// EarnDeposit rows are the source of truth.
type AllocationState struct {
	SafeAddress    string    `json:"safeAddress" db:"safe_address"`
	TotalDeposited *big.Int  `json:"totalDeposited" db:"total_deposited"`
	DepositCount   int       `json:"depositCount" db:"deposit_count"`
	LastUpdated    time.Time `json:"lastUpdated" db:"last_updated"`
}
