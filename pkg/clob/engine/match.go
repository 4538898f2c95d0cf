package engine

import (
	"bytes"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/openperp/simex/pkg/clob"
	"github.com/openperp/simex/pkg/clob/market"
	"github.com/openperp/simex/pkg/pubsub"
)

// marketProtectiveBand is the aggressive limit wrapped around market orders:
// oracle·(1±10%).
var marketProtectiveBand = decimal.RequireFromString("0.1")

// handleSubmit runs the full submission pipeline on the worker goroutine:
// validation, margin lock, the matching walk, and residual handling. Either
// the whole submission proceeds or it is rejected with no state change.
func (w *worker) handleSubmit(req SubmitRequest) (*SubmitResult, error) {
	// Idempotent resubmit: same (address, clientOrderId) returns the original
	// order and its trades, producing no new fills.
	if req.ClientOrderID != "" {
		if res, ok := w.lookupByClientID(req.Address, req.ClientOrderID); ok {
			return res, nil
		}
	}

	if w.mkt.Status() != market.Active {
		w.countOrder(req, "rejected")
		return nil, ErrMarketPaused
	}

	if req.Leverage == 0 {
		req.Leverage = 1
	}
	if req.Leverage < 1 || req.Leverage > w.mkt.MaxLeverage {
		return nil, ErrInvalidLeverage
	}
	if !req.Quantity.IsPositive() {
		return nil, ErrInvalidQuantity
	}

	// Reduce-only: an opposite position must exist; quantity is truncated to
	// its size and never increases exposure. The tail may match the position
	// exactly, so lot and min-size checks don't apply to it.
	if req.ReduceOnly {
		pos := w.e.keeper.Get(req.Address, w.mkt.Symbol)
		if pos == nil || pos.Side == req.Side.Direction() {
			return nil, ErrNoPositionToReduce
		}
		if req.Quantity.GreaterThan(pos.Size) {
			req.Quantity = pos.Size
		}
		if req.Type == clob.Limit && (!req.Price.IsPositive() || !w.mkt.PriceAligned(req.Price)) {
			return nil, ErrInvalidPrice
		}
	} else {
		if !w.mkt.QtyAligned(req.Quantity) {
			return nil, ErrInvalidQuantity
		}
		if err := w.mkt.ValidateOrder(req.Price, req.Quantity, req.Type == clob.Limit); err != nil {
			if req.Type == clob.Limit && (!req.Price.IsPositive() || !w.mkt.PriceAligned(req.Price)) {
				return nil, ErrInvalidPrice
			}
			return nil, ErrInvalidQuantity
		}
	}

	// Market orders trade against a protective limit of oracle·(1±10%) so a
	// thin book cannot produce runaway fills.
	limitPrice := req.Price
	if req.Type == clob.Market {
		oracle, _ := w.mkt.OraclePrice()
		if !oracle.IsPositive() {
			return nil, ErrNoOraclePrice
		}
		if req.Side == clob.Buy {
			limitPrice = w.mkt.QuantizePrice(oracle.Mul(decimal.NewFromInt(1).Add(marketProtectiveBand)))
		} else {
			limitPrice = w.mkt.QuantizePrice(oracle.Mul(decimal.NewFromInt(1).Sub(marketProtectiveBand)))
		}
	}

	// Post-only rejects up front when the best opposing price would cross;
	// no margin is locked and no fills occur.
	if req.PostOnly {
		if req.Type == clob.Market {
			return nil, ErrPostOnlyWouldCross
		}
		if w.book.WouldCross(req.Side, limitPrice) {
			w.countOrder(req, "rejected")
			return nil, ErrPostOnlyWouldCross
		}
	}

	if u := w.e.users.Get(req.Address); u != nil && u.SelfTradePrevention {
		if w.wouldSelfTrade(req.Address, req.Side, limitPrice) {
			return nil, ErrSelfTrade
		}
	}

	now := time.Now()
	order := &clob.Order{
		OrderID:       clob.NewOrderID(),
		ClientOrderID: req.ClientOrderID,
		MarketSymbol:  w.mkt.Symbol,
		UserAddress:   req.Address,
		Side:          req.Side,
		Type:          req.Type,
		Price:         limitPrice,
		Quantity:      req.Quantity,
		FilledQty:     decimal.Zero,
		RemainingQty:  req.Quantity,
		AvgFillPrice:  decimal.Zero,
		Leverage:      req.Leverage,
		PostOnly:      req.PostOnly,
		ReduceOnly:    req.ReduceOnly,
		Status:        clob.OrderPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	// Step 1: lock the required margin. Reduce-only orders consume no margin.
	lev := decimal.NewFromInt(int64(req.Leverage))
	lockedRemaining := decimal.Zero
	if !req.ReduceOnly {
		required := limitPrice.Mul(req.Quantity).Div(lev)
		if err := w.e.ledger.LockFunds(req.Address, required, "order:margin", order.OrderID); err != nil {
			w.countOrder(req, "rejected")
			return nil, ErrInsufficientBalance
		}
		lockedRemaining = required
	}

	res := &SubmitResult{Order: order, RealizedPnl: decimal.Zero}

	// Steps 2–5: walk the opposing side in best-price order, FIFO within a
	// level, filling at the maker's resting price.
	opp := req.Side.Opposite()
	for order.RemainingQty.IsPositive() {
		maker := w.book.Peek(opp)
		if maker == nil {
			break
		}
		if !priceAcceptable(req.Side, limitPrice, maker.Price) {
			break
		}

		qty := decimal.Min(order.RemainingQty, maker.RemainingQty)
		consumed := w.executeFill(order, maker, qty, &lockedRemaining, lev, res)
		if !consumed {
			break
		}
	}

	w.finishSubmit(order, req, lockedRemaining, res)
	return res, nil
}

// priceAcceptable reports whether the taker can trade at the maker's price.
func priceAcceptable(takerSide clob.Side, takerLimit, makerPrice decimal.Decimal) bool {
	if takerSide == clob.Buy {
		return makerPrice.LessThanOrEqual(takerLimit)
	}
	return makerPrice.GreaterThanOrEqual(takerLimit)
}

// executeFill performs one atomic fill: trade record, both order mutations,
// book removal, balance and position settlement under the pair's address
// locks, candle tick, and fan-out. Keeper and store errors are logged, not
// returned; the function always returns true.
func (w *worker) executeFill(taker, maker *clob.Order, qty decimal.Decimal, lockedRemaining *decimal.Decimal, takerLev decimal.Decimal, res *SubmitResult) bool {
	now := time.Now()
	price := maker.Price

	trade := &clob.Trade{
		TradeID:       clob.NewTradeID(),
		MarketSymbol:  w.mkt.Symbol,
		MakerOrderID:  maker.OrderID,
		TakerOrderID:  taker.OrderID,
		MakerAddress:  maker.UserAddress,
		TakerAddress:  taker.UserAddress,
		Side:          taker.Side,
		Price:         price,
		Quantity:      qty,
		QuoteQuantity: price.Mul(qty),
		Timestamp:     now,
	}

	// Margin attribution: the taker hands its position min(fill, lock)·qty/lev
	// and immediately unlocks any excess (buy fills below the limit price);
	// the maker's share is exact since the trade executes at its price.
	takerShare := decimal.Zero
	takerAttr := decimal.Zero
	if !taker.ReduceOnly {
		takerShare = taker.Price.Mul(qty).Div(takerLev)
		attrPrice := decimal.Min(price, taker.Price)
		takerAttr = attrPrice.Mul(qty).Div(takerLev)
	}
	makerAttr := decimal.Zero
	if !maker.ReduceOnly && maker.Leverage > 0 {
		makerAttr = maker.Price.Mul(qty).Div(decimal.NewFromInt(int64(maker.Leverage)))
	}

	unlock := w.lockPair(taker.UserAddress, maker.UserAddress)

	if excess := takerShare.Sub(takerAttr); excess.IsPositive() {
		if err := w.e.ledger.UnlockFundsLocked(taker.UserAddress, excess, "order:margin_excess", taker.OrderID); err != nil {
			w.e.log.Errorw("margin_excess_unlock_failed", "orderId", taker.OrderID, "err", err)
		}
	}

	taker.ApplyFill(price, qty, now)
	maker.ApplyFill(price, qty, now)
	newAgg := w.book.Reduce(maker, qty)
	*lockedRemaining = lockedRemaining.Sub(takerShare)

	takerRealized, err := w.e.keeper.ApplyFill(clob.Fill{
		MarketSymbol: w.mkt.Symbol,
		UserAddress:  taker.UserAddress,
		Side:         taker.Side,
		Price:        price,
		Quantity:     qty,
		Margin:       takerAttr,
		ReduceOnly:   taker.ReduceOnly,
		Timestamp:    now,
	})
	if err != nil {
		w.e.log.Errorw("taker_position_update_failed", "tradeId", trade.TradeID, "err", err)
	}
	if _, err := w.e.keeper.ApplyFill(clob.Fill{
		MarketSymbol: w.mkt.Symbol,
		UserAddress:  maker.UserAddress,
		Side:         maker.Side,
		Price:        price,
		Quantity:     qty,
		Margin:       makerAttr,
		ReduceOnly:   maker.ReduceOnly,
		Timestamp:    now,
	}); err != nil {
		w.e.log.Errorw("maker_position_update_failed", "tradeId", trade.TradeID, "err", err)
	}

	unlock()

	// A reduce-only maker whose position is now flat can no longer reduce;
	// cancel its residual rather than leave an unbacked resting order.
	if maker.ReduceOnly && maker.RemainingQty.IsPositive() {
		if w.e.keeper.Get(maker.UserAddress, w.mkt.Symbol) == nil {
			removed, agg := w.book.Remove(maker.OrderID)
			if removed != nil {
				maker.Status = clob.OrderCancelled
				maker.UpdatedAt = now
				w.publishDelta(maker.Side, maker.Price, agg, now)
				w.publishOrderEvent("order:cancelled", maker)
			}
		}
	}

	// Persist: trade first (immutable), then both order rows.
	if err := w.e.store.SaveTrade(trade); err != nil {
		w.e.log.Errorw("trade_save_failed", "tradeId", trade.TradeID, "err", err)
		w.pauseOnStoreFailure(err)
	}
	w.persistOrder(maker)
	w.persistOrder(taker)

	// Candles consume the trade synchronously before the fill completes.
	if agg := w.e.candles.Aggregator(w.mkt.Symbol); agg != nil {
		agg.ApplyTrade(price, qty, now)
	}

	res.Trades = append(res.Trades, trade)
	res.RealizedPnl = res.RealizedPnl.Add(takerRealized)
	w.recent = append(w.recent, *trade)
	if len(w.recent) > recentTradeCap {
		w.recent = w.recent[len(w.recent)-recentTradeCap:]
	}

	w.e.hub.Publish(pubsub.TradesTopic(w.mkt.Symbol), "trade:executed", *trade)
	w.publishDelta(maker.Side, maker.Price, newAgg, now)
	w.publishOrderEvent("order:filled", maker)
	w.publishOrderEvent("order:filled", taker)

	w.e.metrics.TradesTotal.WithLabelValues(w.mkt.Symbol).Inc()
	vol, _ := qty.Float64()
	w.e.metrics.TradeVolume.WithLabelValues(w.mkt.Symbol).Add(vol)
	return true
}

// finishSubmit applies residual handling and publishes the order's terminal
// or resting state.
func (w *worker) finishSubmit(order *clob.Order, req SubmitRequest, lockedRemaining decimal.Decimal, res *SubmitResult) {
	now := time.Now()

	switch {
	case order.RemainingQty.IsZero():
		// Fully filled; status already set by ApplyFill.

	case order.Type == clob.Market:
		// No resting market orders: cancel the residual, unlock its margin.
		order.Status = clob.OrderCancelled
		order.UpdatedAt = now
		res.ResidualCancelled = true
		w.unlockResidual(order, lockedRemaining)

	default:
		// Limit residual rests; its margin stays locked.
		if order.FilledQty.IsZero() {
			order.Status = clob.OrderOpen
		} else {
			order.Status = clob.OrderPartial
		}
		w.book.Add(order)
		w.publishDelta(order.Side, order.Price, w.book.AggregateAt(order.Side, order.Price), now)
	}

	if order.ClientOrderID != "" {
		w.clientIdx[clientKey(order.UserAddress, order.ClientOrderID)] = order.OrderID
	}
	w.persistOrder(order)
	w.publishOrderEvent("order:update", order)
	w.countOrder(req, string(order.Status))
	w.e.metrics.OrderbookDepth.WithLabelValues(w.mkt.Symbol).Set(float64(w.book.Len()))
}

func (w *worker) unlockResidual(order *clob.Order, lockedRemaining decimal.Decimal) {
	if order.ReduceOnly || !lockedRemaining.IsPositive() {
		return
	}
	if err := w.e.ledger.UnlockFunds(order.UserAddress, lockedRemaining, "order:residual_unlock", order.OrderID); err != nil {
		w.e.log.Errorw("residual_unlock_failed", "orderId", order.OrderID, "err", err)
	}
}

// lockPair takes both parties' address locks in canonical byte order so
// concurrent workers can never deadlock; self-trades take a single lock.
func (w *worker) lockPair(a, b common.Address) func() {
	if a == b {
		mu := w.e.ledger.AddressLock(a)
		mu.Lock()
		return mu.Unlock
	}
	ma := w.e.ledger.AddressLock(a)
	mb := w.e.ledger.AddressLock(b)
	if bytes.Compare(a.Bytes(), b.Bytes()) < 0 {
		ma.Lock()
		mb.Lock()
	} else {
		mb.Lock()
		ma.Lock()
	}
	return func() {
		ma.Unlock()
		mb.Unlock()
	}
}

// wouldSelfTrade reports whether any of the caller's own resting orders sit
// inside the acceptable price range on the opposing side.
func (w *worker) wouldSelfTrade(addr common.Address, side clob.Side, limit decimal.Decimal) bool {
	for _, o := range w.book.OrdersOn(side.Opposite()) {
		if !priceAcceptable(side, limit, o.Price) {
			// Opposing orders are price-ordered; past the limit nothing matches.
			return false
		}
		if o.UserAddress == addr {
			return true
		}
	}
	return false
}

// lookupByClientID serves idempotent resubmits from the in-memory index,
// falling back to the store after a restart.
func (w *worker) lookupByClientID(addr common.Address, clientOrderID string) (*SubmitResult, bool) {
	var order *clob.Order
	if orderID, ok := w.clientIdx[clientKey(addr, clientOrderID)]; ok {
		if o := w.book.Get(orderID); o != nil {
			cp := *o
			order = &cp
		} else if stored, err := w.e.store.GetOrder(orderID); err == nil && stored != nil {
			order = stored
		}
	}
	if order == nil {
		stored, err := w.e.store.FindOrderByClientID(addr, clientOrderID)
		if err != nil || stored == nil {
			return nil, false
		}
		order = stored
	}

	trades, err := w.e.store.TradesByTakerOrder(order.OrderID)
	if err != nil {
		w.e.log.Warnw("client_id_trade_lookup_failed", "orderId", order.OrderID, "err", err)
	}
	return &SubmitResult{Order: order, Trades: trades, RealizedPnl: decimal.Zero}, true
}

func (w *worker) countOrder(req SubmitRequest, status string) {
	w.e.metrics.OrdersTotal.WithLabelValues(w.mkt.Symbol, string(req.Side), string(req.Type), status).Inc()
}
