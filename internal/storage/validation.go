package storage

import (
	"fmt"
	"math/big"
	"regexp"
	"strings"

	"github.com/auto-earn/internal/types"
)

// Ethereum address regex pattern (0x followed by 40 hexadecimal characters)
var ethereumAddressRegex = regexp.MustCompile(`^0x[a-fA-F0-9]{40}$`)

// Transaction hash regex pattern (0x followed by 64 hexadecimal characters)
var txHashRegex = regexp.MustCompile(`^0x[a-fA-F0-9]{64}$`)

// ValidateAddress validates an Ethereum address format
func ValidateAddress(address string) error {
	if !ethereumAddressRegex.MatchString(address) {
		return &types.ServiceError{
			Code:    "INVALID_ADDRESS_FORMAT",
			Message: fmt.Sprintf("invalid address format: %s (must be 0x followed by 40 hexadecimal characters)", address),
			Details: map[string]any{
				"address": address,
				"format":  "0x[a-fA-F0-9]{40}",
			},
		}
	}
	return nil
}

// ValidateTxHash validates a transaction hash format
func ValidateTxHash(hash string) error {
	if !txHashRegex.MatchString(hash) {
		return &types.ServiceError{
			Code:    "INVALID_TX_HASH_FORMAT",
			Message: fmt.Sprintf("invalid transaction hash: %s", hash),
			Details: map[string]any{
				"txHash": hash,
			},
		}
	}
	return nil
}

func normalizeAddress(address string) (string, error) {
	if err := ValidateAddress(address); err != nil {
		return "", err
	}
	return strings.ToLower(address), nil
}

// numeric columns travel as decimal strings: pgx has no direct *big.Int codec
func numericParam(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func parseNumeric(column, s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("invalid numeric value in %s: %q", column, s)
	}
	return v, nil
}
