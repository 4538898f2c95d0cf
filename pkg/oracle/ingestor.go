// Package oracle polls the upstream quote source, refreshes each market's
// cached price, fans out price updates, and triggers mark-to-market. With no
// upstream configured it falls back to a bounded random walk so the exchange
// runs standalone.
package oracle

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/openperp/simex/pkg/clob/market"
	"github.com/openperp/simex/pkg/clob/position"
	"github.com/openperp/simex/pkg/metrics"
	"github.com/openperp/simex/pkg/pubsub"
)

// BatchTopic carries price:batch events for all-market subscribers.
const BatchTopic = "price:*"

// mockStep bounds the standalone walk to ±0.1% per poll.
var mockStep = decimal.RequireFromString("0.001")

// Config for the ingestor.
type Config struct {
	URL          string        // upstream quote endpoint; empty enables mock mode
	APIKey       string        // upstream API key
	PollInterval time.Duration // default 15s
}

// PriceUpdate is the fan-out payload for price events.
type PriceUpdate struct {
	Symbol    string          `json:"symbol"`
	Price     decimal.Decimal `json:"price"`
	Timestamp int64           `json:"timestamp"`
}

// Ingestor polls prices for every registered market.
type Ingestor struct {
	cfg      Config
	client   *resty.Client
	registry *market.Registry
	keeper   *position.Keeper
	hub      *pubsub.Hub
	metrics  *metrics.Collector
	log      *zap.SugaredLogger
	rng      *rand.Rand
}

// New creates an ingestor.
func New(cfg Config, reg *market.Registry, keeper *position.Keeper, hub *pubsub.Hub, mc *metrics.Collector, log *zap.SugaredLogger) *Ingestor {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 15 * time.Second
	}
	client := resty.New().
		SetTimeout(10 * time.Second).
		SetRetryCount(2)
	return &Ingestor{
		cfg:      cfg,
		client:   client,
		registry: reg,
		keeper:   keeper,
		hub:      hub,
		metrics:  mc,
		log:      log,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Run polls until ctx is cancelled. The first poll fires immediately.
func (in *Ingestor) Run(ctx context.Context) {
	in.Poll(ctx)

	ticker := time.NewTicker(in.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			in.Poll(ctx)
		}
	}
}

// Poll fetches one round of prices for every market. A failed fetch keeps
// the last-known price and surfaces oracle:stale; it is never fatal.
func (in *Ingestor) Poll(ctx context.Context) {
	now := time.Now()
	var batch []PriceUpdate

	for _, m := range in.registry.List() {
		price, err := in.fetch(ctx, m)
		if err != nil {
			in.log.Warnw("oracle_fetch_failed", "market", m.Symbol, "err", err)
			in.hub.Publish(pubsub.PriceTopic(m.Symbol), "oracle:stale", PriceUpdate{
				Symbol:    m.Symbol,
				Price:     firstPrice(m),
				Timestamp: now.UnixMilli(),
			})
			continue
		}

		m.SetOraclePrice(price, now)
		update := PriceUpdate{Symbol: m.Symbol, Price: price, Timestamp: now.UnixMilli()}
		batch = append(batch, update)

		in.hub.Publish(pubsub.PriceTopic(m.Symbol), "price:update", update)
		pf, _ := price.Float64()
		in.metrics.OraclePrice.WithLabelValues(m.Symbol).Set(pf)

		in.keeper.MarkToMarket(m.Symbol, price, now)
	}

	if len(batch) > 0 {
		in.hub.Publish(BatchTopic, "price:batch", batch)
	}
}

func (in *Ingestor) fetch(ctx context.Context, m *market.Market) (decimal.Decimal, error) {
	if in.cfg.URL == "" {
		return in.mockPrice(m), nil
	}

	var quote struct {
		Symbol string          `json:"symbol"`
		Price  decimal.Decimal `json:"price"`
	}
	resp, err := in.client.R().
		SetContext(ctx).
		SetQueryParam("symbol", m.BaseAsset).
		SetQueryParam("apikey", in.cfg.APIKey).
		SetResult(&quote).
		Get(in.cfg.URL)
	if err != nil {
		return decimal.Zero, err
	}
	if resp.IsError() {
		return decimal.Zero, fmt.Errorf("upstream status %d", resp.StatusCode())
	}
	if !quote.Price.IsPositive() {
		return decimal.Zero, fmt.Errorf("upstream returned non-positive price %s", quote.Price)
	}
	return m.QuantizePrice(quote.Price), nil
}

// mockPrice advances the bounded random walk from the market's last price.
func (in *Ingestor) mockPrice(m *market.Market) decimal.Decimal {
	last := firstPrice(m)
	if !last.IsPositive() {
		return decimal.Zero
	}
	u := 2*in.rng.Float64() - 1
	next := last.Add(last.Mul(mockStep).Mul(decimal.NewFromFloat(u)))
	next = m.QuantizePrice(next)
	if !next.IsPositive() {
		return last
	}
	return next
}

func firstPrice(m *market.Market) decimal.Decimal {
	p, _ := m.OraclePrice()
	return p
}
