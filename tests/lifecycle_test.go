package tests

import (
	"context"
	"testing"

	"go.uber.org/zap"

	"github.com/openperp/simex/pkg/candles"
	"github.com/openperp/simex/pkg/clob"
	"github.com/openperp/simex/pkg/clob/engine"
	"github.com/openperp/simex/pkg/metrics"
)

// Closing into a bid-side book trades out of the position at the resting
// price and realizes the PnL.
func TestClosePositionAgainstBook(t *testing.T) {
	x := newExchange(t)
	x.fund(t, alice, "1000")
	x.fund(t, bob, "1000")
	x.fund(t, carol, "1000")

	// Bob goes long 1.00 @ 200.
	x.submit(t, limitOrder(alice, clob.Sell, "200", "1.00"))
	x.submit(t, limitOrder(bob, clob.Buy, "200", "1.00"))

	// Carol bids 201 so the close trades at a profit.
	x.submit(t, limitOrder(carol, clob.Buy, "201", "2.00"))

	res, err := x.eng.ClosePosition(x.ctx, "AAPL-PERP", bob)
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if len(res.Trades) != 1 || !res.Trades[0].Price.Equal(d("201")) {
		t.Fatalf("close trades = %+v", res.Trades)
	}
	if !res.RealizedPnl.Equal(d("1")) {
		t.Errorf("realized = %s, want 1 (201−200)·1", res.RealizedPnl)
	}
	if p := x.keeper.Get(bob, "AAPL-PERP"); p != nil {
		t.Errorf("position still open: %s", p.Size)
	}

	// Margin 20 + realized 1 return to free: 980 + 21 = 1001.
	b := x.bank.Get(bob)
	if !b.Free.Equal(d("1001")) {
		t.Errorf("free = %s, want 1001", b.Free)
	}
	x.assertConservation(t, bob)
}

// With no liquidity the close settles at the oracle mark.
func TestClosePositionSettlesAtMark(t *testing.T) {
	x := newExchange(t)
	x.fund(t, alice, "1000")
	x.fund(t, bob, "1000")

	x.submit(t, limitOrder(alice, clob.Sell, "200", "1.00"))
	x.submit(t, limitOrder(bob, clob.Buy, "200", "1.00"))

	// Empty book; oracle (seed) is 200 → settle flat.
	res, err := x.eng.ClosePosition(x.ctx, "AAPL-PERP", bob)
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if !res.RealizedPnl.IsZero() {
		t.Errorf("realized = %s, want 0", res.RealizedPnl)
	}
	if p := x.keeper.Get(bob, "AAPL-PERP"); p != nil {
		t.Error("position should be settled closed")
	}
	b := x.bank.Get(bob)
	if !b.Free.Equal(d("1000")) {
		t.Errorf("free = %s, want 1000 (flat close)", b.Free)
	}
}

func TestClosePositionWithoutPosition(t *testing.T) {
	x := newExchange(t)
	if _, err := x.eng.ClosePosition(x.ctx, "AAPL-PERP", bob); err != engine.ErrNoPositionToReduce {
		t.Fatalf("err = %v, want ErrNoPositionToReduce", err)
	}
}

// Fills drive the candle pipeline synchronously: the live 1m candle reflects
// the trade as soon as the submit returns.
func TestFillUpdatesCandles(t *testing.T) {
	x := newExchange(t)
	x.fund(t, alice, "1000")
	x.fund(t, bob, "1000")

	x.submit(t, limitOrder(alice, clob.Sell, "200.50", "1.00"))
	x.submit(t, limitOrder(bob, clob.Buy, "200.50", "1.00"))

	c := x.candles.Aggregator("AAPL-PERP").Live(candles.I1m)
	if c == nil {
		t.Fatal("no live candle after fill")
	}
	if !c.Close.Equal(d("200.50")) || !c.Volume.Equal(d("1.00")) {
		t.Errorf("candle close=%s volume=%s", c.Close, c.Volume)
	}
	if c.Trades != 1 {
		t.Errorf("trades = %d, want 1", c.Trades)
	}
}

// A restart rebuilds the book from open orders and resumes positions.
func TestRecoveryRebuildsBook(t *testing.T) {
	x := newExchange(t)
	x.fund(t, alice, "1000")
	x.fund(t, bob, "1000")

	x.submit(t, limitOrder(alice, clob.Sell, "205", "1.00"))
	x.submit(t, limitOrder(alice, clob.Sell, "206", "0.50"))

	// Bob builds a position that must survive the restart.
	x.submit(t, limitOrder(alice, clob.Sell, "200", "1.00"))
	x.submit(t, limitOrder(bob, clob.Buy, "200", "1.00"))

	// "Restart": a second engine over the same store.
	log := zap.NewNop().Sugar()
	eng2, err := engine.New(x.reg, x.bank, x.keeper, x.users, x.candles, x.hub, x.store, metrics.Get(), log)
	if err != nil {
		t.Fatalf("second engine: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go eng2.Run(ctx)

	bids, asks, err := eng2.Snapshot(ctx, "AAPL-PERP", 0)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if len(bids) != 0 || len(asks) != 2 {
		t.Fatalf("rebuilt book depth = (%d, %d), want (0, 2)", len(bids), len(asks))
	}
	if !asks[0].Price.Equal(d("205")) || !asks[0].Quantity.Equal(d("1.00")) {
		t.Errorf("rebuilt best ask = %s @ %s", asks[0].Quantity, asks[0].Price)
	}

	// Cancelling a rebuilt order still unlocks its margin.
	orders, err := eng2.OpenOrders(ctx, "AAPL-PERP", alice)
	if err != nil || len(orders) != 2 {
		t.Fatalf("open orders = %d (%v)", len(orders), err)
	}
	if _, err := eng2.Cancel(ctx, "AAPL-PERP", orders[0].OrderID, alice); err != nil {
		t.Fatalf("cancel rebuilt order: %v", err)
	}
}

// Order and trade history queries read back what matching wrote.
func TestHistoryQueries(t *testing.T) {
	x := newExchange(t)
	x.fund(t, alice, "1000")
	x.fund(t, bob, "1000")

	x.submit(t, limitOrder(alice, clob.Sell, "200", "1.00"))
	x.submit(t, limitOrder(bob, clob.Buy, "200", "1.00"))
	x.submit(t, limitOrder(bob, clob.Buy, "199", "0.50"))

	orders, err := x.store.OrdersByAddress(bob, 10, false)
	if err != nil {
		t.Fatalf("orders: %v", err)
	}
	if len(orders) != 2 {
		t.Fatalf("bob order history = %d, want 2", len(orders))
	}

	trades, err := x.store.TradesByAddress(bob, 10)
	if err != nil || len(trades) != 1 {
		t.Fatalf("bob trade history = %d (%v)", len(trades), err)
	}
	if trades[0].MakerAddress != alice || trades[0].TakerAddress != bob {
		t.Error("trade parties wrong in history")
	}

	recent, err := x.eng.RecentTrades(x.ctx, "AAPL-PERP", 10)
	if err != nil || len(recent) != 1 {
		t.Fatalf("recent trades = %d (%v)", len(recent), err)
	}
}
