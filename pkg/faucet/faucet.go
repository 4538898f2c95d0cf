// Package faucet grants rate-limited free-balance credits. Talents scale the
// amount, shrink the cooldown, and may allow several claims per window.
package faucet

import (
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/openperp/simex/pkg/account"
	"github.com/openperp/simex/pkg/ledger"
	"github.com/openperp/simex/pkg/util"
)

// State is the per-address faucet bookkeeping row.
type State struct {
	Address        common.Address  `json:"address"`
	WindowStart    time.Time       `json:"windowStart"`
	ClaimsInWindow int             `json:"claimsInWindow"`
	LastClaimAt    time.Time       `json:"lastClaimAt"`
	TotalClaimed   decimal.Decimal `json:"totalClaimed"`
}

// Store is the persistence surface the faucet needs.
type Store interface {
	SaveFaucetState(st *State) error
	LoadFaucetState(addr common.Address) (*State, error)
}

// Config sets the base grant and cooldown before talents apply.
type Config struct {
	Amount   decimal.Decimal
	Cooldown time.Duration
}

// RateLimitedError carries the timestamp the caller becomes eligible again.
type RateLimitedError struct {
	NextEligibleAt time.Time
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("faucet cooldown active until %s", e.NextEligibleAt.Format(time.RFC3339))
}

// Faucet grants credits through the ledger.
type Faucet struct {
	mu     sync.Mutex
	cfg    Config
	store  Store
	ledger *ledger.Ledger
	users  *account.Manager
	log    *zap.SugaredLogger
	clock  util.Clock

	// OnClaim fires after each successful grant; consumed by the external
	// reward hooks.
	OnClaim func(addr common.Address, amount decimal.Decimal)
}

// New creates a faucet on the real clock.
func New(cfg Config, store Store, l *ledger.Ledger, users *account.Manager, log *zap.SugaredLogger) *Faucet {
	return &Faucet{cfg: cfg, store: store, ledger: l, users: users, log: log, clock: util.RealClock{}}
}

// WithClock overrides the faucet's clock. Tests drive cooldowns with it.
func (f *Faucet) WithClock(c util.Clock) *Faucet {
	f.clock = c
	return f
}

// Claim credits the caller's free balance once per cooldown window (or N
// times with the claims talent). Returns the granted amount and the updated
// state, or a *RateLimitedError with the next eligible timestamp.
func (f *Faucet) Claim(addr common.Address, chainID int64) (decimal.Decimal, *State, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	u := f.users.GetOrCreate(addr, chainID)
	cooldown := f.effectiveCooldown(u)
	allowed := u.Talents.FaucetClaimsPerWindow
	if allowed < 1 {
		allowed = 1
	}

	now := f.clock.Now()
	st, err := f.store.LoadFaucetState(addr)
	if err != nil {
		f.log.Warnw("faucet_state_load_failed", "address", addr.Hex(), "err", err)
	}
	if st == nil {
		st = &State{Address: addr, TotalClaimed: decimal.Zero}
	}

	if !st.WindowStart.IsZero() && now.Sub(st.WindowStart) >= cooldown {
		st.WindowStart = time.Time{}
		st.ClaimsInWindow = 0
	}
	if st.ClaimsInWindow >= allowed {
		return decimal.Zero, st, &RateLimitedError{NextEligibleAt: st.WindowStart.Add(cooldown)}
	}

	amount := f.effectiveAmount(u)
	if err := f.ledger.Credit(addr, amount, "faucet", uuid.NewString()); err != nil {
		return decimal.Zero, st, fmt.Errorf("faucet credit: %w", err)
	}

	if st.ClaimsInWindow == 0 {
		st.WindowStart = now
	}
	st.ClaimsInWindow++
	st.LastClaimAt = now
	st.TotalClaimed = st.TotalClaimed.Add(amount)
	if err := f.store.SaveFaucetState(st); err != nil {
		f.log.Errorw("faucet_state_save_failed", "address", addr.Hex(), "err", err)
	}

	f.log.Infow("faucet_claimed", "address", addr.Hex(), "amount", amount)
	if f.OnClaim != nil {
		f.OnClaim(addr, amount)
	}
	return amount, st, nil
}

// NextEligibleAt reports when addr may claim again without claiming.
func (f *Faucet) NextEligibleAt(addr common.Address) time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()

	st, err := f.store.LoadFaucetState(addr)
	if err != nil || st == nil || st.WindowStart.IsZero() {
		return time.Time{}
	}
	u := f.users.Get(addr)
	allowed := 1
	cooldown := f.cfg.Cooldown
	if u != nil {
		cooldown = f.effectiveCooldown(u)
		if u.Talents.FaucetClaimsPerWindow > 1 {
			allowed = u.Talents.FaucetClaimsPerWindow
		}
	}
	if st.ClaimsInWindow < allowed {
		return time.Time{}
	}
	next := st.WindowStart.Add(cooldown)
	if !next.After(f.clock.Now()) {
		return time.Time{}
	}
	return next
}

func (f *Faucet) effectiveAmount(u *account.User) decimal.Decimal {
	amount := f.cfg.Amount
	if u.Talents.FaucetMultiplier.GreaterThan(decimal.NewFromInt(1)) {
		amount = amount.Mul(u.Talents.FaucetMultiplier)
	}
	return amount
}

func (f *Faucet) effectiveCooldown(u *account.User) time.Duration {
	cooldown := f.cfg.Cooldown
	reduction := u.Talents.FaucetCooldownReduction
	if reduction.IsPositive() && reduction.LessThan(decimal.NewFromInt(1)) {
		scaled := decimal.NewFromInt(cooldown.Nanoseconds()).Mul(decimal.NewFromInt(1).Sub(reduction))
		cooldown = time.Duration(scaled.IntPart())
	}
	return cooldown
}
