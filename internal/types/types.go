// Package types provides common type definitions for the auto-earn sweeper.
package types

import (
	"fmt"
	"math/big"
	"strings"
)

// ChainID is an EVM chain id
type ChainID int64

const (
	// ChainEthereum represents the Ethereum mainnet
	ChainEthereum ChainID = 1
	// ChainArbitrum represents the Arbitrum One network
	ChainArbitrum ChainID = 42161
	// ChainBase represents the Base network
	ChainBase ChainID = 8453
)

// String returns the chain name, or the numeric id for unknown chains
func (c ChainID) String() string {
	switch c {
	case ChainEthereum:
		return "ethereum"
	case ChainArbitrum:
		return "arbitrum"
	case ChainBase:
		return "base"
	default:
		return fmt.Sprintf("chain-%d", int64(c))
	}
}

// TransferType is the transfer kind reported by the Safe Transaction Service
type TransferType string

const (
	// TransferTypeERC20 is an ERC-20 token transfer
	TransferTypeERC20 TransferType = "ERC20_TRANSFER"
	// TransferTypeEther is a native currency transfer
	TransferTypeEther TransferType = "ETHER_TRANSFER"
	// TransferTypeERC721 is an NFT transfer
	TransferTypeERC721 TransferType = "ERC721_TRANSFER"
)

// SweepStatus is the outcome of processing one deposit (or one account) in a sweep run
type SweepStatus string

const (
	// SweepStatusSwept means a vault deposit was confirmed and recorded
	SweepStatusSwept SweepStatus = "swept"
	// SweepStatusZeroAmount means the computed share rounded down to zero; marked swept without a transaction
	SweepStatusZeroAmount SweepStatus = "zero_amount"
	// SweepStatusFailed means the deposit was left unswept for a future run
	SweepStatusFailed SweepStatus = "failed"
	// SweepStatusSkipped means the account was not processed (locked, module disabled)
	SweepStatusSkipped SweepStatus = "skipped"
)

// ServiceError represents a structured error response
type ServiceError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func (e *ServiceError) Error() string {
	return e.Message
}

// ParseAmount parses a base-10 integer amount in token smallest units.
// Negative values are rejected.
func ParseAmount(s string) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("empty amount")
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", s)
	}
	if v.Sign() < 0 {
		return nil, fmt.Errorf("negative amount %q", s)
	}
	return v, nil
}

// NormalizeAddress lower-cases a hex address for storage and comparison
func NormalizeAddress(address string) string {
	return strings.ToLower(strings.TrimSpace(address))
}

// IsHexAddress reports whether s is a 0x-prefixed 20-byte hex string
func IsHexAddress(s string) bool {
	if len(s) != 42 || !strings.HasPrefix(s, "0x") {
		return false
	}
	for _, r := range s[2:] {
		switch {
		case r >= '0' && r <= '9', r >= 'a' && r <= 'f', r >= 'A' && r <= 'F':
		default:
			return false
		}
	}
	return true
}
