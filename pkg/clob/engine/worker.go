package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/openperp/simex/pkg/clob"
	"github.com/openperp/simex/pkg/clob/book"
	"github.com/openperp/simex/pkg/clob/market"
	"github.com/openperp/simex/pkg/pubsub"
)

// recentTradeCap bounds the in-memory recent-trades ring per market.
const recentTradeCap = 1000

// worker owns one market's book and matching. All operations for the symbol
// funnel through its task channel; this is the only goroutine that touches
// the book.
type worker struct {
	e    *Engine
	mkt  *market.Market
	book *book.Book

	tasks chan func()

	recent    []clob.Trade      // newest last
	clientIdx map[string]string // address|clientOrderId -> orderId
}

func newWorker(e *Engine, m *market.Market) *worker {
	return &worker{
		e:         e,
		mkt:       m,
		book:      book.New(m.Symbol),
		tasks:     make(chan func(), 64),
		clientIdx: make(map[string]string),
	}
}

// rebuild reconstructs the book from orders with status open/partial.
func (w *worker) rebuild() error {
	orders, err := w.e.store.LoadOpenOrders(w.mkt.Symbol)
	if err != nil {
		return err
	}
	for _, o := range orders {
		w.book.Add(o)
		if o.ClientOrderID != "" {
			w.clientIdx[clientKey(o.UserAddress, o.ClientOrderID)] = o.OrderID
		}
	}
	if len(orders) > 0 {
		w.e.log.Infow("book_rebuilt", "market", w.mkt.Symbol, "orders", len(orders))
	}
	return nil
}

func (w *worker) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case fn := <-w.tasks:
			fn()
		}
	}
}

// do executes fn on the worker goroutine and waits for completion. An
// already-enqueued task still runs to completion if the caller's context is
// cancelled mid-flight; only the wait is abandoned.
func (w *worker) do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	task := func() {
		fn()
		close(done)
	}
	select {
	case w.tasks <- task:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func clientKey(addr common.Address, clientOrderID string) string {
	return addr.Hex() + "|" + clientOrderID
}

func (w *worker) submit(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	var (
		res *SubmitResult
		err error
	)
	derr := w.do(ctx, func() {
		res, err = w.handleSubmit(req)
	})
	if derr != nil {
		return nil, derr
	}
	return res, err
}

func (w *worker) cancel(ctx context.Context, orderID string, addr common.Address) (*clob.Order, error) {
	var (
		o   *clob.Order
		err error
	)
	derr := w.do(ctx, func() {
		o, err = w.handleCancel(orderID, addr)
	})
	if derr != nil {
		return nil, derr
	}
	return o, err
}

func (w *worker) closePosition(ctx context.Context, addr common.Address) (*SubmitResult, error) {
	var (
		res *SubmitResult
		err error
	)
	derr := w.do(ctx, func() {
		res, err = w.handleClose(addr)
	})
	if derr != nil {
		return nil, derr
	}
	return res, err
}

func (w *worker) snapshot(ctx context.Context, depth int) (bids, asks []book.LevelAgg, err error) {
	err = w.do(ctx, func() {
		bids, asks = w.book.Snapshot(depth)
	})
	return bids, asks, err
}

func (w *worker) recentTrades(ctx context.Context, limit int) ([]clob.Trade, error) {
	var out []clob.Trade
	err := w.do(ctx, func() {
		n := len(w.recent)
		if limit <= 0 || limit > n {
			limit = n
		}
		out = make([]clob.Trade, 0, limit)
		for i := n - 1; i >= n-limit; i-- {
			out = append(out, w.recent[i])
		}
	})
	return out, err
}

func (w *worker) openOrders(ctx context.Context, addr common.Address) ([]clob.Order, error) {
	var out []clob.Order
	err := w.do(ctx, func() {
		for _, side := range []clob.Side{clob.Buy, clob.Sell} {
			for _, o := range w.book.OrdersOn(side) {
				if o.UserAddress == addr {
					out = append(out, *o)
				}
			}
		}
	})
	return out, err
}

// handleCancel removes a resting order from the book first, then marks it
// cancelled in the store (book ⊆ open orders), unlocking residual margin.
func (w *worker) handleCancel(orderID string, addr common.Address) (*clob.Order, error) {
	o := w.book.Get(orderID)
	if o == nil {
		return nil, ErrOrderNotFound
	}
	if o.UserAddress != addr {
		return nil, ErrNotOrderOwner
	}

	_, newAgg := w.book.Remove(orderID)
	now := time.Now()
	o.Status = clob.OrderCancelled
	o.UpdatedAt = now

	mu := w.e.ledger.AddressLock(addr)
	mu.Lock()
	if !o.ReduceOnly && o.RemainingQty.IsPositive() {
		residual := w.residualMargin(o)
		if residual.IsPositive() {
			if err := w.e.ledger.UnlockFundsLocked(addr, residual, "order:cancel", o.OrderID); err != nil {
				w.e.log.Errorw("cancel_unlock_failed", "orderId", o.OrderID, "err", err)
			}
		}
	}
	mu.Unlock()

	w.persistOrder(o)
	w.publishDelta(o.Side, o.Price, newAgg, now)
	w.publishOrderEvent("order:cancelled", o)
	w.e.metrics.OrderbookDepth.WithLabelValues(w.mkt.Symbol).Set(float64(w.book.Len()))
	return o, nil
}

// residualMargin is the locked margin covering an order's unfilled quantity.
func (w *worker) residualMargin(o *clob.Order) decimal.Decimal {
	if o.Leverage <= 0 {
		return decimal.Zero
	}
	return o.Price.Mul(o.RemainingQty).Div(decimal.NewFromInt(int64(o.Leverage)))
}

// handleClose closes the address's open position with a reduce-only market
// order; whatever the book cannot absorb settles at the oracle mark.
func (w *worker) handleClose(addr common.Address) (*SubmitResult, error) {
	pos := w.e.keeper.Get(addr, w.mkt.Symbol)
	if pos == nil {
		return nil, ErrNoPositionToReduce
	}

	side := clob.Sell
	if pos.Side == clob.Short {
		side = clob.Buy
	}

	res, err := w.handleSubmit(SubmitRequest{
		Market:     w.mkt.Symbol,
		Address:    addr,
		Side:       side,
		Type:       clob.Market,
		Quantity:   pos.Size,
		Leverage:   1,
		ReduceOnly: true,
	})
	if err != nil && err != ErrNoOraclePrice {
		return nil, err
	}

	// Settle whatever is still open at the mark price.
	if remaining := w.e.keeper.Get(addr, w.mkt.Symbol); remaining != nil {
		mark, _ := w.mkt.OraclePrice()
		if !mark.IsPositive() {
			return res, fmt.Errorf("cannot settle close: %w", ErrNoOraclePrice)
		}
		mu := w.e.ledger.AddressLock(addr)
		mu.Lock()
		_, realized, serr := w.e.keeper.SettleClose(addr, w.mkt.Symbol, mark, time.Now())
		mu.Unlock()
		if serr != nil {
			return res, serr
		}
		if res == nil {
			res = &SubmitResult{RealizedPnl: decimal.Zero}
		}
		res.RealizedPnl = res.RealizedPnl.Add(realized)
	}
	return res, nil
}

func (w *worker) persistOrder(o *clob.Order) {
	if err := w.e.store.SaveOrder(o); err != nil {
		w.e.log.Errorw("order_save_failed", "orderId", o.OrderID, "err", err)
		w.pauseOnStoreFailure(err)
	}
}

// pauseOnStoreFailure halts the market after the store's own retries are
// exhausted; new submissions then fail fast until an operator resumes it.
func (w *worker) pauseOnStoreFailure(err error) {
	if serr := w.mkt.SetStatus(market.Paused); serr == nil {
		w.e.log.Errorw("market_paused_store_unavailable", "market", w.mkt.Symbol, "err", err)
	}
}

func (w *worker) publishDelta(side clob.Side, price, qty decimal.Decimal, ts time.Time) {
	w.e.hub.Publish(pubsub.OrderbookTopic(w.mkt.Symbol), "orderbook:update", orderbookDelta{
		Symbol:    w.mkt.Symbol,
		Side:      side,
		Price:     price,
		Quantity:  qty,
		Timestamp: ts.UnixMilli(),
	})
}

func (w *worker) publishOrderEvent(event string, o *clob.Order) {
	w.e.hub.Publish(pubsub.UserTopic(o.UserAddress), event, *o)
}

// orderbookDelta is the incremental depth update payload. Quantity zero means
// the level was removed.
type orderbookDelta struct {
	Symbol    string          `json:"symbol"`
	Side      clob.Side       `json:"side"`
	Price     decimal.Decimal `json:"price"`
	Quantity  decimal.Decimal `json:"quantity"`
	Timestamp int64           `json:"timestamp"`
}
