package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/golang-jwt/jwt/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/openperp/simex/pkg/account"
	"github.com/openperp/simex/pkg/candles"
	"github.com/openperp/simex/pkg/clob/engine"
	"github.com/openperp/simex/pkg/clob/market"
	"github.com/openperp/simex/pkg/clob/position"
	"github.com/openperp/simex/pkg/faucet"
	"github.com/openperp/simex/pkg/ledger"
	"github.com/openperp/simex/pkg/metrics"
	"github.com/openperp/simex/pkg/pubsub"
	"github.com/openperp/simex/pkg/storage"
)

const testSecret = "test-secret"

var trader = common.HexToAddress("0x1111111111111111111111111111111111111111")

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	log := zap.NewNop().Sugar()

	store, err := storage.Open(t.TempDir(), log)
	if err != nil {
		t.Fatalf("store: %v", err)
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
	candleSvc := candles.NewService(reg, store, log)

	eng, err := engine.New(reg, bank, keeper, users, candleSvc, hub, store, metrics.Get(), log)
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go eng.Run(ctx)

	fct := faucet.New(faucet.Config{
		Amount:   d("10000"),
		Cooldown: time.Hour,
	}, store, bank, users, log)

	srv := NewServer(Deps{
		Registry: reg, Engine: eng, Keeper: keeper, Ledger: bank,
		Users: users, Candles: candleSvc, Faucet: fct, Hub: hub,
		Store: store, Metrics: metrics.Get(), Log: log,
		JWTSecret: testSecret,
	})
	ts := httptest.NewServer(srv.router)
	t.Cleanup(ts.Close)
	return srv, ts
}

func signToken(t *testing.T, addr common.Address) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		Address: addr.Hex(),
		ChainID: 1,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	signed, err := token.SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func doJSON(t *testing.T, method, url, token string, body interface{}) (*http.Response, []byte) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req, err := http.NewRequest(method, url, &buf)
	if err != nil {
		t.Fatal(err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var out bytes.Buffer
	out.ReadFrom(resp.Body)
	return resp, out.Bytes()
}

func TestPublicMarketEndpoints(t *testing.T) {
	_, ts := newTestServer(t)

	resp, body := doJSON(t, "GET", ts.URL+"/clob/markets", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d: %s", resp.StatusCode, body)
	}
	var markets []MarketInfo
	if err := json.Unmarshal(body, &markets); err != nil || len(markets) != 1 {
		t.Fatalf("markets: %v %s", err, body)
	}
	if markets[0].Symbol != "AAPL-PERP" || markets[0].MaxLeverage != 10 {
		t.Errorf("market info wrong: %+v", markets[0])
	}

	resp, _ = doJSON(t, "GET", ts.URL+"/clob/markets/NOPE", "", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown market status = %d", resp.StatusCode)
	}

	resp, body = doJSON(t, "GET", ts.URL+"/clob/orderbook/AAPL-PERP?depth=5", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("orderbook status = %d: %s", resp.StatusCode, body)
	}
}

func TestAuthRequired(t *testing.T) {
	_, ts := newTestServer(t)

	resp, body := doJSON(t, "POST", ts.URL+"/clob/orders", "", map[string]string{})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var e ErrorResponse
	json.Unmarshal(body, &e)
	if e.Error != CodeUnauthorized {
		t.Errorf("code = %s, want %s", e.Error, CodeUnauthorized)
	}

	resp, body = doJSON(t, "POST", ts.URL+"/clob/orders", "garbage-token", map[string]string{})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	json.Unmarshal(body, &e)
	if e.Error != CodeInvalidToken {
		t.Errorf("code = %s, want %s", e.Error, CodeInvalidToken)
	}
}

func TestFaucetAndOrderFlow(t *testing.T) {
	_, ts := newTestServer(t)
	token := signToken(t, trader)

	// Claim funds.
	resp, body := doJSON(t, "POST", ts.URL+"/faucet/claim", token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("claim status = %d: %s", resp.StatusCode, body)
	}
	var claim FaucetClaimResponse
	json.Unmarshal(body, &claim)
	if !claim.Amount.Equal(d("10000")) {
		t.Errorf("claim amount = %s", claim.Amount)
	}

	// Second claim rate-limits with nextEligibleAt.
	resp, body = doJSON(t, "POST", ts.URL+"/faucet/claim", token, nil)
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("second claim status = %d", resp.StatusCode)
	}
	var rl ErrorResponse
	json.Unmarshal(body, &rl)
	if rl.Error != CodeRateLimited || rl.NextEligibleAt == 0 {
		t.Errorf("rate limit payload: %+v", rl)
	}

	// Balance reflects the claim.
	resp, body = doJSON(t, "GET", ts.URL+"/faucet/balance", token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("balance status = %d", resp.StatusCode)
	}
	var bal BalanceResponse
	json.Unmarshal(body, &bal)
	if !bal.Free.Equal(d("10000")) {
		t.Errorf("free = %s", bal.Free)
	}

	// Rest a limit order.
	resp, body = doJSON(t, "POST", ts.URL+"/clob/orders", token, SubmitOrderRequest{
		Symbol: "AAPL-PERP", Side: "buy", Type: "limit",
		Price: d("199.50"), Quantity: d("1"), Leverage: 10,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("submit status = %d: %s", resp.StatusCode, body)
	}
	var submit SubmitOrderResponse
	json.Unmarshal(body, &submit)
	if submit.Order == nil || submit.Order.Status != "open" {
		t.Fatalf("submit response: %s", body)
	}

	// Open orders lists it; cancel removes it.
	resp, body = doJSON(t, "GET", ts.URL+"/clob/orders?symbol=AAPL-PERP", token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("open orders status = %d", resp.StatusCode)
	}

	resp, body = doJSON(t, "DELETE", ts.URL+"/clob/orders/"+submit.Order.OrderID, token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("cancel status = %d: %s", resp.StatusCode, body)
	}

	resp, _ = doJSON(t, "DELETE", ts.URL+"/clob/orders/"+submit.Order.OrderID, token, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("double cancel status = %d", resp.StatusCode)
	}
}

func TestCandlesEndpointValidatesInterval(t *testing.T) {
	_, ts := newTestServer(t)

	resp, body := doJSON(t, "GET", ts.URL+"/clob/candles/AAPL-PERP?interval=7m", "", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var e ErrorResponse
	json.Unmarshal(body, &e)
	if e.Error != CodeInvalidInterval {
		t.Errorf("code = %s", e.Error)
	}

	resp, _ = doJSON(t, "GET", ts.URL+"/clob/candles/AAPL-PERP?interval=1m", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("valid interval status = %d", resp.StatusCode)
	}
}

func TestInsufficientBalanceSurfaces(t *testing.T) {
	_, ts := newTestServer(t)
	token := signToken(t, trader)

	resp, body := doJSON(t, "POST", ts.URL+"/clob/orders", token, SubmitOrderRequest{
		Symbol: "AAPL-PERP", Side: "buy", Type: "limit",
		Price: d("200"), Quantity: d("1"), Leverage: 10,
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d: %s", resp.StatusCode, body)
	}
	var e ErrorResponse
	json.Unmarshal(body, &e)
	if e.Error != CodeInsufficientBalance {
		t.Errorf("code = %s", e.Error)
	}
}
