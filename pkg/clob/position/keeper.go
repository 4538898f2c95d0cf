// Package position translates fills into position state: open, increase,
// reduce, flip, and the mark-to-market / liquidation sweep. Mutations run
// inside the address lock taken by the matching path so "fill + balance +
// position" is one observable transition.
package position

import (
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/openperp/simex/pkg/account"
	"github.com/openperp/simex/pkg/clob"
	"github.com/openperp/simex/pkg/clob/market"
	"github.com/openperp/simex/pkg/ledger"
)

// Store is the persistence surface the keeper needs.
type Store interface {
	SavePosition(p *clob.Position) error
	LoadOpenPositions() ([]*clob.Position, error)
}

// Event names broadcast on position transitions.
const (
	EventOpened     = "position:opened"
	EventUpdated    = "position:updated"
	EventClosed     = "position:closed"
	EventLiquidated = "position:liquidated"
)

// Keeper owns all open positions. One open position per (address, market).
type Keeper struct {
	mu        sync.RWMutex
	positions map[common.Address]map[string]*clob.Position

	ledger   *ledger.Ledger
	users    *account.Manager
	registry *market.Registry
	store    Store
	log      *zap.SugaredLogger

	// OnUpdate receives every position transition for user fan-out.
	OnUpdate func(event string, p clob.Position)
	// OnClose fires after a position reaches a terminal state; consumed by
	// the external reward hooks.
	OnClose func(p clob.Position)
}

// NewKeeper creates a position keeper.
func NewKeeper(l *ledger.Ledger, users *account.Manager, reg *market.Registry, store Store, log *zap.SugaredLogger) *Keeper {
	return &Keeper{
		positions: make(map[common.Address]map[string]*clob.Position),
		ledger:    l,
		users:     users,
		registry:  reg,
		store:     store,
		log:       log,
	}
}

// Restore loads open positions from the store at startup.
func (k *Keeper) Restore() error {
	open, err := k.store.LoadOpenPositions()
	if err != nil {
		return fmt.Errorf("load open positions: %w", err)
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	for _, p := range open {
		byMkt, ok := k.positions[p.UserAddress]
		if !ok {
			byMkt = make(map[string]*clob.Position)
			k.positions[p.UserAddress] = byMkt
		}
		byMkt[p.MarketSymbol] = p
	}
	k.log.Infow("positions_restored", "count", len(open))
	return nil
}

// Get returns a copy of the open position for (addr, symbol), or nil.
func (k *Keeper) Get(addr common.Address, symbol string) *clob.Position {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if p, ok := k.positions[addr][symbol]; ok {
		cp := *p
		return &cp
	}
	return nil
}

// List returns copies of all open positions for addr.
func (k *Keeper) List(addr common.Address) []clob.Position {
	k.mu.RLock()
	defer k.mu.RUnlock()
	out := make([]clob.Position, 0, len(k.positions[addr]))
	for _, p := range k.positions[addr] {
		out = append(out, *p)
	}
	return out
}

// openForMarket snapshots the addresses holding an open position in a market
// for its sweep.
func (k *Keeper) openForMarket(symbol string) []common.Address {
	k.mu.RLock()
	defer k.mu.RUnlock()
	var addrs []common.Address
	for addr, byMkt := range k.positions {
		if _, ok := byMkt[symbol]; ok {
			addrs = append(addrs, addr)
		}
	}
	return addrs
}

// ApplyFill mutates the position for one party of a fill and settles the
// margin/PnL legs on the ledger. The caller MUST hold the address lock.
// Returns the realized PnL of the fill (zero when not reducing).
func (k *Keeper) ApplyFill(f clob.Fill) (decimal.Decimal, error) {
	mkt, err := k.registry.Get(f.MarketSymbol)
	if err != nil {
		return decimal.Zero, err
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	p := k.getOpenLocked(f.UserAddress, f.MarketSymbol)
	direction := f.Side.Direction()

	switch {
	case p == nil:
		if f.ReduceOnly {
			// The position closed between order rest and fill; nothing to do.
			return decimal.Zero, nil
		}
		return decimal.Zero, k.openLocked(f, direction, mkt)

	case p.Side == direction:
		if f.ReduceOnly {
			return decimal.Zero, nil
		}
		return decimal.Zero, k.increaseLocked(p, f, mkt)

	case f.Quantity.LessThanOrEqual(p.Size) || f.ReduceOnly:
		qty := f.Quantity
		if qty.GreaterThan(p.Size) {
			qty = p.Size
		}
		// Reducing needs no new margin; whatever the fill attributed goes
		// straight back to the free pool.
		if f.Margin.IsPositive() {
			if err := k.ledger.UnlockFundsLocked(f.UserAddress, f.Margin, "position:reduce_refund", p.PositionID); err != nil {
				k.log.Errorw("reduce_refund_failed", "address", f.UserAddress.Hex(), "err", err)
			}
		}
		return k.reduceLocked(p, f, qty, mkt)

	default:
		// Flip: close out the full size, then open the remainder opposite.
		closeQty := p.Size
		realized, err := k.reduceLocked(p, f, closeQty, mkt)
		if err != nil {
			return realized, err
		}
		remQty := f.Quantity.Sub(closeQty)
		remMargin := decimal.Zero
		if f.Quantity.IsPositive() {
			remMargin = f.Margin.Mul(remQty).Div(f.Quantity)
		}
		excess := f.Margin.Sub(remMargin)
		if excess.IsPositive() {
			if err := k.ledger.UnlockFundsLocked(f.UserAddress, excess, "position:flip_refund", p.PositionID); err != nil {
				k.log.Errorw("flip_refund_failed", "address", f.UserAddress.Hex(), "err", err)
			}
		}
		rem := f
		rem.Quantity = remQty
		rem.Margin = remMargin
		return realized, k.openLocked(rem, direction, mkt)
	}
}

// getOpenLocked returns the live open position or nil. Caller holds k.mu.
func (k *Keeper) getOpenLocked(addr common.Address, symbol string) *clob.Position {
	return k.positions[addr][symbol]
}

func (k *Keeper) openLocked(f clob.Fill, direction clob.PositionSide, mkt *market.Market) error {
	if !f.Quantity.IsPositive() {
		return nil
	}
	now := f.Timestamp
	p := &clob.Position{
		PositionID:    clob.NewPositionID(),
		UserAddress:   f.UserAddress,
		MarketSymbol:  f.MarketSymbol,
		Side:          direction,
		Size:          f.Quantity,
		AvgEntryPrice: f.Price,
		Margin:        f.Margin,
		RealizedPnl:   decimal.Zero,
		Status:        clob.PositionOpen,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if f.Margin.IsPositive() {
		if err := k.ledger.SpendLockedLocked(f.UserAddress, f.Margin, "position:open", p.PositionID); err != nil {
			return fmt.Errorf("consume margin: %w", err)
		}
	}
	k.recomputeLocked(p, mkt)

	byMkt, ok := k.positions[f.UserAddress]
	if !ok {
		byMkt = make(map[string]*clob.Position)
		k.positions[f.UserAddress] = byMkt
	}
	byMkt[f.MarketSymbol] = p

	k.persistLocked(p)
	k.emit(EventOpened, p)
	return nil
}

func (k *Keeper) increaseLocked(p *clob.Position, f clob.Fill, mkt *market.Market) error {
	newSize := p.Size.Add(f.Quantity)
	p.AvgEntryPrice = p.AvgEntryPrice.Mul(p.Size).Add(f.Price.Mul(f.Quantity)).Div(newSize)
	p.Size = newSize
	if f.Margin.IsPositive() {
		if err := k.ledger.SpendLockedLocked(f.UserAddress, f.Margin, "position:increase", p.PositionID); err != nil {
			return fmt.Errorf("consume margin: %w", err)
		}
		p.Margin = p.Margin.Add(f.Margin)
	}
	p.UpdatedAt = f.Timestamp
	k.recomputeLocked(p, mkt)
	k.persistLocked(p)
	k.emit(EventUpdated, p)
	return nil
}

// reduceLocked closes qty of p at f.Price, releasing proportional margin plus
// realized PnL to the free balance.
func (k *Keeper) reduceLocked(p *clob.Position, f clob.Fill, qty decimal.Decimal, mkt *market.Market) (decimal.Decimal, error) {
	realized := f.Price.Sub(p.AvgEntryPrice).Mul(qty)
	if p.Side == clob.Short {
		realized = realized.Neg()
	}

	release := p.Margin.Mul(qty).Div(p.Size)
	payout := release.Add(realized)
	if payout.IsNegative() {
		// Loss ate through the released margin slice; liquidation normally
		// fires first, so just clamp and record it.
		k.log.Warnw("reduce_payout_clamped",
			"address", p.UserAddress.Hex(), "market", p.MarketSymbol,
			"release", release, "realized", realized)
		payout = decimal.Zero
	}
	if payout.IsPositive() {
		if err := k.ledger.CreditLocked(p.UserAddress, payout, "position:reduce", p.PositionID); err != nil {
			return realized, fmt.Errorf("credit reduce payout: %w", err)
		}
	}

	p.Size = p.Size.Sub(qty)
	p.Margin = p.Margin.Sub(release)
	p.RealizedPnl = p.RealizedPnl.Add(realized)
	p.UpdatedAt = f.Timestamp

	if p.Size.IsZero() {
		k.closeLocked(p, clob.PositionClosed, f.Timestamp)
	} else {
		k.recomputeLocked(p, mkt)
		k.persistLocked(p)
		k.emit(EventUpdated, p)
	}
	return realized, nil
}

func (k *Keeper) closeLocked(p *clob.Position, status clob.PositionStatus, at time.Time) {
	p.Status = status
	p.Size = decimal.Zero
	p.Margin = decimal.Zero
	p.UnrealizedPnl = decimal.Zero
	p.Leverage = decimal.Zero
	p.LiquidationPrice = decimal.Zero
	p.ClosedAt = &at
	p.UpdatedAt = at
	delete(k.positions[p.UserAddress], p.MarketSymbol)

	k.persistLocked(p)
	if status == clob.PositionLiquidated {
		k.emit(EventLiquidated, p)
	} else {
		k.emit(EventClosed, p)
	}
	if k.OnClose != nil {
		k.OnClose(*p)
	}
}

// recomputeLocked refreshes leverage and liquidation price after a mutation.
func (k *Keeper) recomputeLocked(p *clob.Position, mkt *market.Market) {
	if p.Margin.IsPositive() {
		p.Leverage = p.AvgEntryPrice.Mul(p.Size).Div(p.Margin)
	} else {
		p.Leverage = decimal.Zero
	}
	p.LiquidationPrice = liquidationPrice(p, mkt)
}

// liquidationPrice computes the liquidation threshold.
//
//	longLiq  = (avgEntry·size − margin) / (size · (1 − mmr))
//	shortLiq = (avgEntry·size + margin) / (size · (1 + mmr))
//
// mmr is clamped to [0.001, 0.99]; long liquidation floors at 0.
func liquidationPrice(p *clob.Position, mkt *market.Market) decimal.Decimal {
	if !p.Size.IsPositive() {
		return decimal.Zero
	}
	one := decimal.NewFromInt(1)
	mmr := mkt.ClampedMMR()
	notional := p.AvgEntryPrice.Mul(p.Size)

	if p.Side == clob.Long {
		liq := notional.Sub(p.Margin).Div(p.Size.Mul(one.Sub(mmr)))
		if liq.IsNegative() {
			return decimal.Zero
		}
		return liq
	}
	return notional.Add(p.Margin).Div(p.Size.Mul(one.Add(mmr)))
}

func (k *Keeper) persistLocked(p *clob.Position) {
	if err := k.store.SavePosition(p); err != nil {
		k.log.Errorw("position_save_failed", "positionId", p.PositionID, "err", err)
	}
}

func (k *Keeper) emit(event string, p *clob.Position) {
	if k.OnUpdate != nil {
		k.OnUpdate(event, *p)
	}
}
