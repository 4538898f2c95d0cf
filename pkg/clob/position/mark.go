package position

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/openperp/simex/pkg/clob"
)

// MarkToMarket re-marks every open position in symbol at the new oracle
// price and force-closes any that crossed their liquidation price. Contended
// addresses are skipped; the next tick re-checks them (marking is idempotent).
func (k *Keeper) MarkToMarket(symbol string, mark decimal.Decimal, ts time.Time) {
	if !mark.IsPositive() {
		return
	}
	for _, addr := range k.openForMarket(symbol) {
		mu := k.ledger.AddressLock(addr)
		if !mu.TryLock() {
			continue
		}
		k.markOne(addr, symbol, mark, ts)
		mu.Unlock()
	}
}

func (k *Keeper) markOne(addr common.Address, symbol string, mark decimal.Decimal, ts time.Time) {
	mkt, err := k.registry.Get(symbol)
	if err != nil {
		return
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	p := k.getOpenLocked(addr, symbol)
	if p == nil {
		return
	}

	p.UnrealizedPnl = p.PnlAt(mark)
	p.UpdatedAt = ts

	if !k.crossed(p, mark) {
		k.emit(EventUpdated, p)
		return
	}

	// One save per UTC day: halve the size while the full margin keeps
	// backing the remainder, then re-check once.
	day := ts.UTC().Format("2006-01-02")
	if k.users.TryUseLiquidationSave(addr, day) {
		p.Size = p.Size.Div(decimal.NewFromInt(2))
		k.recomputeLocked(p, mkt)
		k.log.Infow("liquidation_save_used",
			"address", addr.Hex(), "market", symbol,
			"size", p.Size, "liquidationPrice", p.LiquidationPrice)
		if !k.crossed(p, mark) {
			p.UnrealizedPnl = p.PnlAt(mark)
			k.persistLocked(p)
			k.emit(EventUpdated, p)
			return
		}
	}

	k.liquidateLocked(p, mark, ts)
}

func (k *Keeper) crossed(p *clob.Position, mark decimal.Decimal) bool {
	if !p.LiquidationPrice.IsPositive() {
		return false
	}
	if p.Side == clob.Long {
		return mark.LessThanOrEqual(p.LiquidationPrice)
	}
	return mark.GreaterThanOrEqual(p.LiquidationPrice)
}

// liquidateLocked force-closes p at the mark price. The margin is forfeited;
// nothing returns to the free balance.
func (k *Keeper) liquidateLocked(p *clob.Position, mark decimal.Decimal, ts time.Time) {
	realized := p.PnlAt(mark)
	p.RealizedPnl = p.RealizedPnl.Add(realized)

	k.log.Infow("position_liquidated",
		"address", p.UserAddress.Hex(), "market", p.MarketSymbol,
		"side", p.Side, "size", p.Size, "mark", mark,
		"liquidationPrice", p.LiquidationPrice, "realized", realized)

	k.closeLocked(p, clob.PositionLiquidated, ts)
}

// SettleClose closes the open position for (addr, symbol) at the mark price,
// crediting margin plus realized PnL back to the free balance. Used by the
// close endpoint when the book has no liquidity to trade against.
// The caller MUST hold the address lock.
func (k *Keeper) SettleClose(addr common.Address, symbol string, mark decimal.Decimal, ts time.Time) (*clob.Position, decimal.Decimal, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	p := k.getOpenLocked(addr, symbol)
	if p == nil {
		return nil, decimal.Zero, nil
	}

	realized := p.PnlAt(mark)
	payout := p.Margin.Add(realized)
	if payout.IsNegative() {
		payout = decimal.Zero
	}
	if payout.IsPositive() {
		if err := k.ledger.CreditLocked(addr, payout, "position:close", p.PositionID); err != nil {
			return nil, realized, err
		}
	}

	p.RealizedPnl = p.RealizedPnl.Add(realized)
	k.closeLocked(p, clob.PositionClosed, ts)
	cp := *p
	return &cp, realized, nil
}
