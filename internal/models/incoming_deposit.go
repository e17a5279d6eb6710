package models

import (
	"math/big"
	"time"
)

// IncomingDeposit is one observed ERC-20 transfer into a tracked Safe.
// It moves from unswept to swept exactly once and is never deleted.
type IncomingDeposit struct {
	ID           string    `json:"id" db:"id"`
	SafeAddress  string    `json:"safeAddress" db:"safe_address"`
	TxHash       string    `json:"txHash" db:"tx_hash"`
	FromAddress  string    `json:"fromAddress" db:"from_address"`
	TokenAddress string    `json:"tokenAddress" db:"token_address"`
	Amount       *big.Int  `json:"amount" db:"amount"`
	BlockNumber  uint64    `json:"blockNumber" db:"block_number"`
	Timestamp    time.Time `json:"timestamp" db:"executed_at"`
	Swept        bool      `json:"swept" db:"swept"`

	// Populated once swept
	SweptAmount     *big.Int   `json:"sweptAmount,omitempty" db:"swept_amount"`
	SweptPercentage *int       `json:"sweptPercentage,omitempty" db:"swept_percentage"`
	SweptTxHash     *string    `json:"sweptTxHash,omitempty" db:"swept_tx_hash"`
	SweptAt         *time.Time `json:"sweptAt,omitempty" db:"swept_at"`

	CreatedAt time.Time `json:"createdAt" db:"created_at"`
}

// SweepMark carries the values written when a deposit transitions to swept
type SweepMark struct {
	TxHash      string // the incoming deposit being marked
	SweptAmount *big.Int
	Percentage  int
	SweptTxHash *string // nil for zero-amount sweeps
	SweptAt     time.Time
}
