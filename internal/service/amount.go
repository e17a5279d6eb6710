package service

import (
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

var hundred = big.NewInt(100)

// ComputeSaveAmount returns floor(amount * pct / 100) in integer arithmetic
func ComputeSaveAmount(amount *big.Int, pct int) (*big.Int, error) {
	if amount == nil || amount.Sign() < 0 {
		return nil, fmt.Errorf("amount must be a non-negative integer")
	}
	if pct < 0 || pct > 100 {
		return nil, fmt.Errorf("percentage must be between 0 and 100, got %d", pct)
	}
	out := new(big.Int).Mul(amount, big.NewInt(int64(pct)))
	return out.Quo(out, hundred), nil
}

// FormatUnits renders a base-unit amount with the token's decimals, e.g. 1500000 at 6 -> "1.5"
func FormatUnits(amount *big.Int, decimals uint8) string {
	if amount == nil {
		return "0"
	}
	return decimal.NewFromBigInt(amount, -int32(decimals)).String()
}

// bigString renders nil as "0"
func bigString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
