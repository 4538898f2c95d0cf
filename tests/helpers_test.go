package tests

import (
	"context"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/openperp/simex/pkg/account"
	"github.com/openperp/simex/pkg/candles"
	"github.com/openperp/simex/pkg/clob"
	"github.com/openperp/simex/pkg/clob/engine"
	"github.com/openperp/simex/pkg/clob/market"
	"github.com/openperp/simex/pkg/clob/position"
	"github.com/openperp/simex/pkg/ledger"
	"github.com/openperp/simex/pkg/metrics"
	"github.com/openperp/simex/pkg/pubsub"
	"github.com/openperp/simex/pkg/storage"
)

var (
	alice = common.HexToAddress("0x1111111111111111111111111111111111111111")
	bob   = common.HexToAddress("0x2222222222222222222222222222222222222222")
	carol = common.HexToAddress("0x3333333333333333333333333333333333333333")
	dana  = common.HexToAddress("0x4444444444444444444444444444444444444444")
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// exchange is the full engine stack over a throwaway pebble store.
type exchange struct {
	ctx     context.Context
	eng     *engine.Engine
	bank    *ledger.Ledger
	keeper  *position.Keeper
	users   *account.Manager
	reg     *market.Registry
	store   *storage.Store
	hub     *pubsub.Hub
	candles *candles.Service
}

func newExchange(t *testing.T) *exchange {
	t.Helper()
	log := zap.NewNop().Sugar()

	store, err := storage.Open(t.TempDir(), log)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	mkt, err := market.New(market.Config{
		Symbol: "AAPL-PERP", BaseAsset: "AAPL", QuoteAsset: "USD",
		TickSize: d("0.01"), LotSize: d("0.01"),
		MaxLeverage:       10,
		InitialMarginRate: d("0.1"), MaintenanceMarginRate: d("0.05"),
		SeedPrice: d("200"),
	})
	if err != nil {
		t.Fatalf("market: %v", err)
	}
	reg := market.NewRegistry()
	reg.Register(mkt)

	hub := pubsub.NewHub(log)
	users := account.NewManager(store, log)
	bank := ledger.New(store, log)
	keeper := position.NewKeeper(bank, users, reg, store, log)
	if err := keeper.Restore(); err != nil {
		t.Fatalf("restore: %v", err)
	}
	candleSvc := candles.NewService(reg, store, log)

	// Same fan-out wiring the process assembles at boot.
	bank.OnChange = func(b ledger.Balance, c ledger.Change) {
		hub.Publish(pubsub.UserTopic(b.Address), "balance:updated", map[string]any{
			"balance": b,
			"change":  c,
		})
	}
	keeper.OnUpdate = func(event string, p clob.Position) {
		hub.Publish(pubsub.UserTopic(p.UserAddress), event, p)
	}

	eng, err := engine.New(reg, bank, keeper, users, candleSvc, hub, store, metrics.Get(), log)
	if err != nil {
		t.Fatalf("engine: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go eng.Run(ctx)

	return &exchange{
		ctx:     ctx,
		eng:     eng,
		bank:    bank,
		keeper:  keeper,
		users:   users,
		reg:     reg,
		store:   store,
		hub:     hub,
		candles: candleSvc,
	}
}

func (x *exchange) fund(t *testing.T, addr common.Address, amount string) {
	t.Helper()
	if err := x.bank.Credit(addr, d(amount), "faucet", "seed"); err != nil {
		t.Fatalf("fund %s: %v", addr.Hex(), err)
	}
}

func (x *exchange) submit(t *testing.T, req engine.SubmitRequest) *engine.SubmitResult {
	t.Helper()
	res, err := x.eng.Submit(x.ctx, req)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	return res
}

func limitOrder(addr common.Address, side clob.Side, price, qty string) engine.SubmitRequest {
	return engine.SubmitRequest{
		Market:   "AAPL-PERP",
		Address:  addr,
		Side:     side,
		Type:     clob.Limit,
		Price:    d(price),
		Quantity: d(qty),
		Leverage: 10,
	}
}

func marketOrder(addr common.Address, side clob.Side, qty string) engine.SubmitRequest {
	return engine.SubmitRequest{
		Market:   "AAPL-PERP",
		Address:  addr,
		Side:     side,
		Type:     clob.Market,
		Quantity: d(qty),
		Leverage: 10,
	}
}

// bookAggregates returns the total resting quantity per side from a fresh
// snapshot.
func (x *exchange) bookAggregates(t *testing.T) (bidQty, askQty decimal.Decimal) {
	t.Helper()
	bids, asks, err := x.eng.Snapshot(x.ctx, "AAPL-PERP", 0)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	bidQty, askQty = decimal.Zero, decimal.Zero
	for _, l := range bids {
		bidQty = bidQty.Add(l.Quantity)
	}
	for _, l := range asks {
		askQty = askQty.Add(l.Quantity)
	}
	return bidQty, askQty
}

// assertConservation checks free + locked = credits − debits for addr.
func (x *exchange) assertConservation(t *testing.T, addr common.Address) {
	t.Helper()
	b := x.bank.Get(addr)
	if !b.Free.Add(b.Locked).Equal(b.TotalCredits.Sub(b.TotalDebits)) {
		t.Errorf("conservation violated for %s: free=%s locked=%s credits=%s debits=%s",
			addr.Hex(), b.Free, b.Locked, b.TotalCredits, b.TotalDebits)
	}
}
