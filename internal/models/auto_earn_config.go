package models

import "time"

// AutoEarnConfig is a user's savings percentage for one tracked Safe
type AutoEarnConfig struct {
	UserDID         string     `json:"userDid" db:"user_did"`
	SafeAddress     string     `json:"safeAddress" db:"safe_address"`
	Percentage      int        `json:"percentage" db:"pct"`
	LastTriggeredAt *time.Time `json:"lastTriggeredAt,omitempty" db:"last_triggered_at"`
	CreatedAt       time.Time  `json:"createdAt" db:"created_at"`
	UpdatedAt       time.Time  `json:"updatedAt" db:"updated_at"`
}

// SafeModule records whether the auto-earn module is enabled on a Safe
type SafeModule struct {
	SafeAddress   string    `json:"safeAddress" db:"safe_address"`
	ChainID       int64     `json:"chainId" db:"chain_id"`
	ModuleEnabled bool      `json:"moduleEnabled" db:"module_enabled"`
	UpdatedAt     time.Time `json:"updatedAt" db:"updated_at"`
}

// SweepTarget is a config joined with its module record: the unit of work of a sweep run
type SweepTarget struct {
	UserDID       string `json:"userDid"`
	SafeAddress   string `json:"safeAddress"`
	Percentage    int    `json:"percentage"`
	ModuleEnabled bool   `json:"moduleEnabled"`
}
