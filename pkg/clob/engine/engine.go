// Package engine implements the matching engine: one market worker per
// symbol owns that market's order book and serializes submits, cancels and
// queries; fills settle balances and positions under per-address locks.
package engine

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/openperp/simex/pkg/account"
	"github.com/openperp/simex/pkg/candles"
	"github.com/openperp/simex/pkg/clob"
	"github.com/openperp/simex/pkg/clob/book"
	"github.com/openperp/simex/pkg/clob/market"
	"github.com/openperp/simex/pkg/clob/position"
	"github.com/openperp/simex/pkg/ledger"
	"github.com/openperp/simex/pkg/metrics"
	"github.com/openperp/simex/pkg/pubsub"
)

// Store is the persistence surface the engine needs.
type Store interface {
	SaveOrder(o *clob.Order) error
	SaveTrade(t *clob.Trade) error
	LoadOpenOrders(symbol string) ([]*clob.Order, error)
	GetOrder(orderID string) (*clob.Order, error)
	FindOrderByClientID(addr common.Address, clientOrderID string) (*clob.Order, error)
	TradesByTakerOrder(orderID string) ([]*clob.Trade, error)
}

// SubmitRequest is one order submission.
type SubmitRequest struct {
	Market        string
	Address       common.Address
	Side          clob.Side
	Type          clob.OrderType
	Price         decimal.Decimal // zero for market orders
	Quantity      decimal.Decimal
	Leverage      int
	PostOnly      bool
	ReduceOnly    bool
	ClientOrderID string
}

// SubmitResult is the outcome of a submission that was accepted.
type SubmitResult struct {
	Order             *clob.Order
	Trades            []*clob.Trade
	RealizedPnl       decimal.Decimal
	ResidualCancelled bool
}

// Engine routes operations to per-market workers.
type Engine struct {
	registry *market.Registry
	ledger   *ledger.Ledger
	keeper   *position.Keeper
	users    *account.Manager
	candles  *candles.Service
	hub      *pubsub.Hub
	store    Store
	metrics  *metrics.Collector
	log      *zap.SugaredLogger

	workers map[string]*worker
}

// New builds the engine and one worker per registered market. Books are
// rebuilt from open orders in the store.
func New(
	reg *market.Registry,
	l *ledger.Ledger,
	k *position.Keeper,
	users *account.Manager,
	cs *candles.Service,
	hub *pubsub.Hub,
	store Store,
	mc *metrics.Collector,
	log *zap.SugaredLogger,
) (*Engine, error) {
	e := &Engine{
		registry: reg,
		ledger:   l,
		keeper:   k,
		users:    users,
		candles:  cs,
		hub:      hub,
		store:    store,
		metrics:  mc,
		log:      log,
		workers:  make(map[string]*worker),
	}
	for _, m := range reg.List() {
		w := newWorker(e, m)
		if err := w.rebuild(); err != nil {
			return nil, fmt.Errorf("rebuild book for %s: %w", m.Symbol, err)
		}
		e.workers[m.Symbol] = w
	}
	return e, nil
}

// Run starts all market workers and blocks until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) {
	for _, w := range e.workers {
		go w.run(ctx)
	}
	<-ctx.Done()
}

func (e *Engine) worker(symbol string) (*worker, error) {
	w, ok := e.workers[symbol]
	if !ok {
		return nil, ErrMarketNotFound
	}
	return w, nil
}

// Submit executes an order submission on the market's worker.
func (e *Engine) Submit(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	w, err := e.worker(req.Market)
	if err != nil {
		return nil, err
	}
	return w.submit(ctx, req)
}

// Cancel removes a resting order. Only the owner may cancel.
func (e *Engine) Cancel(ctx context.Context, symbol, orderID string, addr common.Address) (*clob.Order, error) {
	w, err := e.worker(symbol)
	if err != nil {
		return nil, err
	}
	return w.cancel(ctx, orderID, addr)
}

// CancelByID resolves the order's market from the store, then cancels.
func (e *Engine) CancelByID(ctx context.Context, orderID string, addr common.Address) (*clob.Order, error) {
	o, err := e.store.GetOrder(orderID)
	if err != nil || o == nil {
		return nil, ErrOrderNotFound
	}
	return e.Cancel(ctx, o.MarketSymbol, orderID, addr)
}

// ClosePosition closes the caller's open position in symbol at market. The
// close is a reduce-only market order; any size the book cannot absorb is
// settled at the oracle mark price.
func (e *Engine) ClosePosition(ctx context.Context, symbol string, addr common.Address) (*SubmitResult, error) {
	w, err := e.worker(symbol)
	if err != nil {
		return nil, err
	}
	return w.closePosition(ctx, addr)
}

// Snapshot returns the aggregated depth for symbol.
func (e *Engine) Snapshot(ctx context.Context, symbol string, depth int) (bids, asks []book.LevelAgg, err error) {
	w, err := e.worker(symbol)
	if err != nil {
		return nil, nil, err
	}
	return w.snapshot(ctx, depth)
}

// RecentTrades returns up to limit most recent trades for symbol, newest first.
func (e *Engine) RecentTrades(ctx context.Context, symbol string, limit int) ([]clob.Trade, error) {
	w, err := e.worker(symbol)
	if err != nil {
		return nil, err
	}
	return w.recentTrades(ctx, limit)
}

// OpenOrders returns the caller's resting orders in symbol.
func (e *Engine) OpenOrders(ctx context.Context, symbol string, addr common.Address) ([]clob.Order, error) {
	w, err := e.worker(symbol)
	if err != nil {
		return nil, err
	}
	return w.openOrders(ctx, addr)
}
