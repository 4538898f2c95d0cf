package position

import (
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/openperp/simex/pkg/account"
	"github.com/openperp/simex/pkg/clob"
	"github.com/openperp/simex/pkg/clob/market"
	"github.com/openperp/simex/pkg/ledger"
)

var (
	trader1 = common.HexToAddress("0x1111111111111111111111111111111111111111")
	trader2 = common.HexToAddress("0x2222222222222222222222222222222222222222")
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// In-memory stores for the keeper's collaborators.

type memPosStore struct {
	mu   sync.Mutex
	rows map[string]clob.Position
}

func (m *memPosStore) SavePosition(p *clob.Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[p.PositionID] = *p
	return nil
}

func (m *memPosStore) LoadOpenPositions() ([]*clob.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*clob.Position
	for _, p := range m.rows {
		p := p
		if p.Status == clob.PositionOpen {
			out = append(out, &p)
		}
	}
	return out, nil
}

type memUserStore struct {
	mu   sync.Mutex
	rows map[common.Address]account.User
}

func (m *memUserStore) SaveUser(u *account.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[u.Address] = *u
	return nil
}

func (m *memUserStore) LoadUser(addr common.Address) (*account.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.rows[addr]; ok {
		return &u, nil
	}
	return nil, nil
}

type memBalStore struct{ mu sync.Mutex }

func (m *memBalStore) SaveBalance(*ledger.Balance) error        { return nil }
func (m *memBalStore) AppendBalanceChange(*ledger.Change) error { return nil }
func (m *memBalStore) LoadBalance(common.Address) (*ledger.Balance, error) {
	return nil, nil
}

type fixture struct {
	keeper *Keeper
	bank   *ledger.Ledger
	users  *account.Manager
	mkt    *market.Market
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := zap.NewNop().Sugar()

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

	bank := ledger.New(&memBalStore{}, log)
	users := account.NewManager(&memUserStore{rows: make(map[common.Address]account.User)}, log)
	keeper := NewKeeper(bank, users, reg, &memPosStore{rows: make(map[string]clob.Position)}, log)
	return &fixture{keeper: keeper, bank: bank, users: users, mkt: mkt}
}

// fund seeds free balance and locks margin the way the matching path does.
func (f *fixture) fund(t *testing.T, addr common.Address, free, locked string) {
	t.Helper()
	if err := f.bank.Credit(addr, d(free), "faucet", "seed"); err != nil {
		t.Fatalf("credit: %v", err)
	}
	if locked != "0" {
		if err := f.bank.LockFunds(addr, d(locked), "order:margin", "seed"); err != nil {
			t.Fatalf("lock: %v", err)
		}
	}
}

func (f *fixture) apply(t *testing.T, fill clob.Fill) decimal.Decimal {
	t.Helper()
	mu := f.bank.AddressLock(fill.UserAddress)
	mu.Lock()
	defer mu.Unlock()
	realized, err := f.keeper.ApplyFill(fill)
	if err != nil {
		t.Fatalf("apply fill: %v", err)
	}
	return realized
}

func fill(addr common.Address, side clob.Side, price, qty, margin string) clob.Fill {
	return clob.Fill{
		MarketSymbol: "AAPL-PERP",
		UserAddress:  addr,
		Side:         side,
		Price:        d(price),
		Quantity:     d(qty),
		Margin:       d(margin),
		Timestamp:    time.Now(),
	}
}

// A buy of 1.00 @ 200.50 with margin 20.05 (10x) opens a long with
// liquidation at (200.50·1 − 20.05)/(1·0.95) ≈ 189.95.
func TestOpenLong(t *testing.T) {
	f := newFixture(t)
	f.fund(t, trader1, "1000", "20.05")

	f.apply(t, fill(trader1, clob.Buy, "200.50", "1.00", "20.05"))

	p := f.keeper.Get(trader1, "AAPL-PERP")
	if p == nil {
		t.Fatal("expected open position")
	}
	if p.Side != clob.Long {
		t.Errorf("side = %s, want long", p.Side)
	}
	if !p.Size.Equal(d("1.00")) || !p.AvgEntryPrice.Equal(d("200.50")) {
		t.Errorf("size=%s entry=%s", p.Size, p.AvgEntryPrice)
	}
	if !p.Margin.Equal(d("20.05")) {
		t.Errorf("margin = %s, want 20.05", p.Margin)
	}
	if !p.Leverage.Round(2).Equal(d("10.00")) {
		t.Errorf("leverage = %s, want 10.00", p.Leverage)
	}
	if !p.LiquidationPrice.Round(2).Equal(d("189.95")) {
		t.Errorf("liqPrice = %s, want ≈189.95", p.LiquidationPrice.Round(2))
	}

	// The locked margin moved into the position.
	b := f.bank.Get(trader1)
	if !b.Locked.IsZero() {
		t.Errorf("locked = %s, want 0", b.Locked)
	}
}

func TestIncreaseRecomputesVWAP(t *testing.T) {
	f := newFixture(t)
	f.fund(t, trader1, "1000", "60")

	f.apply(t, fill(trader1, clob.Buy, "100", "1.00", "10"))
	f.apply(t, fill(trader1, clob.Buy, "110", "1.00", "11"))

	p := f.keeper.Get(trader1, "AAPL-PERP")
	if !p.Size.Equal(d("2.00")) {
		t.Errorf("size = %s", p.Size)
	}
	if !p.AvgEntryPrice.Equal(d("105")) {
		t.Errorf("avgEntry = %s, want 105", p.AvgEntryPrice)
	}
	if !p.Margin.Equal(d("21")) {
		t.Errorf("margin = %s, want 21", p.Margin)
	}
}

func TestReduceRealizesPnl(t *testing.T) {
	f := newFixture(t)
	f.fund(t, trader1, "1000", "20")

	f.apply(t, fill(trader1, clob.Buy, "200", "1.00", "20"))

	// Sell 0.40 at 210: realized = (210−200)·0.40 = 4; releases 40% margin.
	reduce := fill(trader1, clob.Sell, "210", "0.40", "0")
	reduce.ReduceOnly = true
	realized := f.apply(t, reduce)

	if !realized.Equal(d("4")) {
		t.Errorf("realized = %s, want 4", realized)
	}
	p := f.keeper.Get(trader1, "AAPL-PERP")
	if !p.Size.Equal(d("0.60")) {
		t.Errorf("size = %s, want 0.60", p.Size)
	}
	if !p.Margin.Equal(d("12")) {
		t.Errorf("margin = %s, want 12", p.Margin)
	}

	// Free balance got margin release + realized: 980 + 8 + 4 = 992.
	b := f.bank.Get(trader1)
	if !b.Free.Equal(d("992")) {
		t.Errorf("free = %s, want 992", b.Free)
	}
}

// Full close PnL law: realized total = (exit − entry)·originalSize.
func TestFullClosePnlLaw(t *testing.T) {
	f := newFixture(t)
	f.fund(t, trader1, "1000", "20")

	f.apply(t, fill(trader1, clob.Buy, "200", "1.00", "20"))
	reduce := fill(trader1, clob.Sell, "199", "1.00", "0")
	reduce.ReduceOnly = true
	realized := f.apply(t, reduce)

	if !realized.Equal(d("-1")) {
		t.Errorf("realized = %s, want -1", realized)
	}
	if p := f.keeper.Get(trader1, "AAPL-PERP"); p != nil {
		t.Errorf("position should be closed, got size %s", p.Size)
	}
	// 980 free after lock, + margin 20 + realized −1 = 999.
	b := f.bank.Get(trader1)
	if !b.Free.Equal(d("999")) {
		t.Errorf("free = %s, want 999", b.Free)
	}
}

func TestShortSidePnlSign(t *testing.T) {
	f := newFixture(t)
	f.fund(t, trader1, "1000", "20")

	f.apply(t, fill(trader1, clob.Sell, "200", "1.00", "20"))

	p := f.keeper.Get(trader1, "AAPL-PERP")
	if p.Side != clob.Short {
		t.Fatalf("side = %s, want short", p.Side)
	}
	// shortLiq = (200 + 20)/(1·1.05) ≈ 209.52
	if !p.LiquidationPrice.Round(2).Equal(d("209.52")) {
		t.Errorf("liqPrice = %s, want ≈209.52", p.LiquidationPrice.Round(2))
	}

	reduce := fill(trader1, clob.Buy, "190", "1.00", "0")
	reduce.ReduceOnly = true
	realized := f.apply(t, reduce)
	if !realized.Equal(d("10")) {
		t.Errorf("short realized = %s, want 10", realized)
	}
}

func TestFlipOpensOppositePosition(t *testing.T) {
	f := newFixture(t)
	f.fund(t, trader1, "1000", "60")

	f.apply(t, fill(trader1, clob.Buy, "200", "1.00", "20"))
	// Sell 1.50 at 200: closes the long, opens short 0.50 with a pro-rata
	// share of the attributed margin.
	f.apply(t, fill(trader1, clob.Sell, "200", "1.50", "30"))

	p := f.keeper.Get(trader1, "AAPL-PERP")
	if p == nil {
		t.Fatal("expected flipped position")
	}
	if p.Side != clob.Short {
		t.Errorf("side = %s, want short", p.Side)
	}
	if !p.Size.Equal(d("0.50")) {
		t.Errorf("size = %s, want 0.50", p.Size)
	}
	if !p.Margin.Equal(d("10")) {
		t.Errorf("margin = %s, want 10 (30·0.5/1.5)", p.Margin)
	}
}

// Scenario: long 1.00 @ 200 margin 20 ⇒ liq = (200−20)/0.95 ≈ 189.47.
// A tick at 189.00 crosses; the position force-closes, margin forfeited.
func TestMarkToMarketLiquidates(t *testing.T) {
	f := newFixture(t)
	f.fund(t, trader1, "1000", "20")
	f.apply(t, fill(trader1, clob.Buy, "200", "1.00", "20"))

	p := f.keeper.Get(trader1, "AAPL-PERP")
	if !p.LiquidationPrice.Round(2).Equal(d("189.47")) {
		t.Fatalf("liqPrice = %s, want ≈189.47", p.LiquidationPrice.Round(2))
	}

	var events []string
	f.keeper.OnUpdate = func(event string, _ clob.Position) { events = append(events, event) }

	f.keeper.MarkToMarket("AAPL-PERP", d("189.00"), time.Now())

	if p := f.keeper.Get(trader1, "AAPL-PERP"); p != nil {
		t.Fatal("position should be liquidated")
	}
	var sawLiq bool
	for _, e := range events {
		if e == EventLiquidated {
			sawLiq = true
		}
	}
	if !sawLiq {
		t.Error("expected position:liquidated event")
	}

	// Margin forfeited: free stays at the post-lock level.
	b := f.bank.Get(trader1)
	if !b.Free.Equal(d("980")) {
		t.Errorf("free = %s, want 980 (margin forfeited)", b.Free)
	}
}

func TestMarkToMarketAboveLiqDoesNothing(t *testing.T) {
	f := newFixture(t)
	f.fund(t, trader1, "1000", "20")
	f.apply(t, fill(trader1, clob.Buy, "200", "1.00", "20"))

	f.keeper.MarkToMarket("AAPL-PERP", d("195"), time.Now())

	p := f.keeper.Get(trader1, "AAPL-PERP")
	if p == nil {
		t.Fatal("position should survive")
	}
	if !p.UnrealizedPnl.Equal(d("-5")) {
		t.Errorf("unrealized = %s, want -5", p.UnrealizedPnl)
	}
}

// The liquidation-save talent halves size and margin once per UTC day
// instead of closing.
func TestLiquidationSaveTalent(t *testing.T) {
	f := newFixture(t)
	f.fund(t, trader1, "1000", "20")
	f.users.GetOrCreate(trader1, 1)
	f.users.Update(trader1, func(u *account.User) { u.Talents.LiquidationSave = true })

	f.apply(t, fill(trader1, clob.Buy, "200", "1.00", "20"))

	// 189.00 crosses liq ≈189.47; the save halves size to 0.5 with the full
	// margin, moving the liquidation price to (100−20)/0.475 ≈ 168.42.
	f.keeper.MarkToMarket("AAPL-PERP", d("189.00"), time.Now())

	p := f.keeper.Get(trader1, "AAPL-PERP")
	if p == nil {
		t.Fatal("save talent should have kept the position")
	}
	if !p.Size.Equal(d("0.5")) || !p.Margin.Equal(d("20")) {
		t.Errorf("size=%s margin=%s, want 0.5/20", p.Size, p.Margin)
	}
	if !p.LiquidationPrice.Round(2).Equal(d("168.42")) {
		t.Errorf("liqPrice = %s, want ≈168.42", p.LiquidationPrice.Round(2))
	}

	// Second crossing the same day liquidates: the save is spent.
	f.keeper.MarkToMarket("AAPL-PERP", d("165.00"), time.Now())
	if p := f.keeper.Get(trader1, "AAPL-PERP"); p != nil {
		t.Error("second crossing should liquidate")
	}
}

func TestRestore(t *testing.T) {
	f := newFixture(t)
	f.fund(t, trader1, "1000", "20")
	f.apply(t, fill(trader1, clob.Buy, "200", "1.00", "20"))

	// A fresh keeper over the same store sees the open position.
	reg := f.keeper.registry
	store := f.keeper.store
	k2 := NewKeeper(f.bank, f.users, reg, store, zap.NewNop().Sugar())
	if err := k2.Restore(); err != nil {
		t.Fatalf("restore: %v", err)
	}
	p := k2.Get(trader1, "AAPL-PERP")
	if p == nil || !p.Size.Equal(d("1.00")) {
		t.Fatal("restored keeper missing position")
	}
}
