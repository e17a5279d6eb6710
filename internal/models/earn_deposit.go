package models

import (
	"math/big"
	"time"
)

// EarnDeposit is an immutable record of one confirmed vault deposit
type EarnDeposit struct {
	ID                string    `json:"id" db:"id"`
	UserDID           string    `json:"userDid" db:"user_did"`
	SafeAddress       string    `json:"safeAddress" db:"safe_address"`
	VaultAddress      string    `json:"vaultAddress" db:"vault_address"`
	TokenAddress      string    `json:"tokenAddress" db:"token_address"`
	AssetsDeposited   *big.Int  `json:"assetsDeposited" db:"assets_deposited"`
	SharesReceived    *big.Int  `json:"sharesReceived" db:"shares_received"`
	TxHash            string    `json:"txHash" db:"tx_hash"`
	SourceTxHash      string    `json:"sourceTxHash" db:"source_tx_hash"`
	DepositPercentage int       `json:"depositPercentage" db:"deposit_percentage"`
	Timestamp         time.Time `json:"timestamp" db:"deposited_at"`
}
