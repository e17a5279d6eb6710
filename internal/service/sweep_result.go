package service

import (
	"time"

	apperrors "github.com/auto-earn/internal/errors"
	"github.com/auto-earn/internal/types"
)

// Result codes for outcomes that are not errors
const (
	CodeLocked         = "ACCOUNT_LOCKED"
	CodeModuleDisabled = "MODULE_DISABLED"
	CodeAlreadySwept   = "ALREADY_SWEPT"
	CodeSweepConflict  = "SWEEP_CONFLICT"
	CodeVaultNotFound  = "VAULT_NOT_CONFIGURED"
	CodeRecordFailed   = "RECORD_FAILED"
	CodeClaimed        = "DEPOSIT_CLAIMED"
	CodeLockLost       = "LOCK_LOST"
)

// CodeUnconfirmedClaim marks a deposit whose earlier sweep transaction has no
// receipt. It stays claimed until the transaction is resolved.
const CodeUnconfirmedClaim = "UNCONFIRMED_CLAIM"

// SweepResult is the outcome for one deposit, or for a whole account when
// DepositTxHash is empty.
type SweepResult struct {
	UserDID         string            `json:"userDid"`
	SafeAddress     string            `json:"safeAddress"`
	DepositTxHash   string            `json:"depositTxHash,omitempty"`
	Status          types.SweepStatus `json:"status"`
	DepositAmount   string            `json:"depositAmount,omitempty"`
	Percentage      int               `json:"percentage"`
	AmountToSave    string            `json:"amountToSave,omitempty"`
	AssetsDeposited string            `json:"assetsDeposited,omitempty"`
	SharesReceived  string            `json:"sharesReceived,omitempty"`
	SweepTxHash     string            `json:"sweepTxHash,omitempty"`
	VaultAddress    string            `json:"vaultAddress,omitempty"`
	EventDecoded    bool              `json:"eventDecoded"`
	ErrorCode       string            `json:"errorCode,omitempty"`
	Error           string            `json:"error,omitempty"`
}

func (r *SweepResult) fail(status types.SweepStatus, err error) *SweepResult {
	r.Status = status
	r.ErrorCode = apperrors.Code(err)
	r.Error = err.Error()
	return r
}

func (r *SweepResult) skip(code, message string) *SweepResult {
	r.Status = types.SweepStatusSkipped
	r.ErrorCode = code
	r.Error = message
	return r
}

// RunSummary is the operator-facing report of a sweep run
type RunSummary struct {
	StartedAt  time.Time      `json:"startedAt"`
	FinishedAt time.Time      `json:"finishedAt"`
	Accounts   int            `json:"accounts"`
	Swept      int            `json:"swept"`
	ZeroAmount int            `json:"zeroAmount"`
	Failed     int            `json:"failed"`
	Skipped    int            `json:"skipped"`
	Results    []*SweepResult `json:"results"`
}

func (s *RunSummary) add(results ...*SweepResult) {
	for _, r := range results {
		switch r.Status {
		case types.SweepStatusSwept:
			s.Swept++
		case types.SweepStatusZeroAmount:
			s.ZeroAmount++
		case types.SweepStatusFailed:
			s.Failed++
		case types.SweepStatusSkipped:
			s.Skipped++
		}
		s.Results = append(s.Results, r)
	}
}

// HasFailures reports whether any deposit or account failed
func (s *RunSummary) HasFailures() bool {
	return s.Failed > 0
}
