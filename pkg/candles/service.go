package candles

import (
	"context"
	"math/rand"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/openperp/simex/pkg/clob/market"
)

// SeedThreshold is the minimum 1m history a market must have on startup;
// below it, synthetic history is generated.
const SeedThreshold = 120

// SeedCount is how many 1m candles a cold seed produces (one trading day).
const SeedCount = 1440

// Service owns one aggregator per market and runs the shared roll loop.
type Service struct {
	aggs  map[string]*Aggregator
	store Store
	log   *zap.SugaredLogger
}

// NewService builds aggregators for every registered market.
func NewService(reg *market.Registry, store Store, log *zap.SugaredLogger) *Service {
	s := &Service{
		aggs:  make(map[string]*Aggregator),
		store: store,
		log:   log,
	}
	for _, m := range reg.List() {
		s.aggs[m.Symbol] = NewAggregator(m.Symbol, store, log)
	}
	return s
}

// Aggregator returns the aggregator for symbol, or nil.
func (s *Service) Aggregator(symbol string) *Aggregator {
	return s.aggs[symbol]
}

// Bootstrap seeds synthetic history for markets with too little 1m history,
// then primes every aggregator's continuity state.
func (s *Service) Bootstrap(reg *market.Registry, now time.Time) error {
	rng := rand.New(rand.NewSource(now.UnixNano()))

	for _, m := range reg.List() {
		n, err := s.store.CountCandles(m.Symbol, I1m)
		if err != nil {
			return err
		}
		if n < SeedThreshold {
			anchor, _ := m.OraclePrice()
			if !anchor.IsPositive() {
				s.log.Warnw("candle_seed_skipped_no_price", "market", m.Symbol)
				continue
			}
			if err := s.seedMarket(m.Symbol, anchor, m.TickSize, now, rng); err != nil {
				return err
			}
		}
		s.aggs[m.Symbol].Resume()
	}
	return nil
}

func (s *Service) seedMarket(symbol string, anchor, tickSize decimal.Decimal, now time.Time, rng *rand.Rand) error {
	oneMin := SeedHistory(symbol, anchor, tickSize, SeedCount, now, rng)
	for i := range oneMin {
		if err := s.store.UpsertCandle(&oneMin[i]); err != nil {
			return err
		}
	}
	for _, iv := range Supported() {
		if iv == I1m {
			continue
		}
		rolled := AggregateFrom1m(oneMin, iv)
		for i := range rolled {
			if err := s.store.UpsertCandle(&rolled[i]); err != nil {
				return err
			}
		}
	}
	s.log.Infow("candle_history_seeded",
		"market", symbol, "candles_1m", len(oneMin),
		"last_close", oneMin[len(oneMin)-1].Close)
	return nil
}

// Run drives the roll loop until ctx is cancelled.
func (s *Service) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			for _, agg := range s.aggs {
				agg.Roll(now)
			}
		}
	}
}
