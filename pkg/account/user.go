// Package account tracks user records: identity, talent modifiers and
// per-user trading policy flags. Balances live in the ledger, positions in
// the position keeper; this is the remaining per-user state.
package account

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// Talents are the reward-system modifiers the engine honors. The reward
// mechanics that grant them are external; the engine only reads them.
type Talents struct {
	// FaucetMultiplier scales the faucet grant amount. Zero means 1x.
	FaucetMultiplier decimal.Decimal `json:"faucetMultiplier"`
	// FaucetCooldownReduction is the fraction shaved off the cooldown, in [0,1).
	FaucetCooldownReduction decimal.Decimal `json:"faucetCooldownReduction"`
	// FaucetClaimsPerWindow allows N claims per cooldown window. Zero means 1.
	FaucetClaimsPerWindow int `json:"faucetClaimsPerWindow"`
	// LiquidationSave halves a crossing position once per UTC day instead of
	// force-closing it.
	LiquidationSave bool `json:"liquidationSave"`
}

// User is one authenticated wallet identity.
type User struct {
	Address common.Address `json:"address"`
	ChainID int64          `json:"chainId"`
	Talents Talents        `json:"talents"`

	// SelfTradePrevention rejects submissions that would match the user's own
	// resting orders. Off by default.
	SelfTradePrevention bool `json:"selfTradePrevention"`

	// LastLiquidationSaveDay is the UTC day (2006-01-02) the save talent last
	// fired; at most one save per day.
	LastLiquidationSaveDay string `json:"lastLiquidationSaveDay,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}
