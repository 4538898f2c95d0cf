package candles

import (
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type memStore struct {
	mu   sync.Mutex
	rows map[string]Candle
}

func newMemStore() *memStore { return &memStore{rows: make(map[string]Candle)} }

func (m *memStore) key(c *Candle) string {
	return c.MarketSymbol + "|" + string(c.Interval) + "|" + time.UnixMilli(c.BucketStart).UTC().Format(time.RFC3339)
}

func (m *memStore) UpsertCandle(c *Candle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[m.key(c)] = *c
	return nil
}

func (m *memStore) CountCandles(symbol string, iv Interval) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.rows {
		if c.MarketSymbol == symbol && c.Interval == iv {
			n++
		}
	}
	return n, nil
}

func (m *memStore) LatestClosedCandle(symbol string, iv Interval) (*Candle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out *Candle
	for _, c := range m.rows {
		c := c
		if c.MarketSymbol != symbol || c.Interval != iv || !c.IsClosed {
			continue
		}
		if out == nil || c.BucketStart > out.BucketStart {
			out = &c
		}
	}
	return out, nil
}

func (m *memStore) LoadCandles(symbol string, iv Interval, limit int) ([]Candle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var all []Candle
	for _, c := range m.rows {
		if c.MarketSymbol == symbol && c.Interval == iv {
			all = append(all, c)
		}
	}
	for i := 1; i < len(all); i++ {
		for j := i; j > 0 && all[j].BucketStart < all[j-1].BucketStart; j-- {
			all[j], all[j-1] = all[j-1], all[j]
		}
	}
	if limit > 0 && len(all) > limit {
		all = all[len(all)-limit:]
	}
	return all, nil
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newTestAggregator(t *testing.T) (*Aggregator, *memStore) {
	t.Helper()
	st := newMemStore()
	return NewAggregator("AAPL-PERP", st, zap.NewNop().Sugar()), st
}

func TestFirstTradeOpensCandle(t *testing.T) {
	agg, _ := newTestAggregator(t)
	ts := time.UnixMilli(60_000)

	agg.ApplyTrade(d("200.50"), d("1.0"), ts)

	c := agg.Live(I1m)
	require.NotNil(t, c)
	require.True(t, c.Open.Equal(d("200.50")))
	require.True(t, c.High.Equal(d("200.50")))
	require.True(t, c.Low.Equal(d("200.50")))
	require.True(t, c.Close.Equal(d("200.50")))
	require.EqualValues(t, 1, c.Trades)
	require.Equal(t, int64(60_000), c.BucketStart)
}

func TestOHLCBounds(t *testing.T) {
	agg, _ := newTestAggregator(t)
	ts := time.UnixMilli(60_000)

	agg.ApplyTrade(d("200"), d("1"), ts)
	agg.ApplyTrade(d("210"), d("2"), ts.Add(time.Second))
	agg.ApplyTrade(d("195"), d("1"), ts.Add(2*time.Second))
	agg.ApplyTrade(d("205"), d("1"), ts.Add(3*time.Second))

	c := agg.Live(I1m)
	require.True(t, c.High.Equal(d("210")))
	require.True(t, c.Low.Equal(d("195")))
	require.True(t, c.Close.Equal(d("205")))
	require.True(t, c.Volume.Equal(d("5")))
	require.EqualValues(t, 4, c.Trades)

	// low ≤ min(open, close) ≤ max(open, close) ≤ high
	require.True(t, c.Low.LessThanOrEqual(c.Open) && c.Low.LessThanOrEqual(c.Close))
	require.True(t, c.High.GreaterThanOrEqual(c.Open) && c.High.GreaterThanOrEqual(c.Close))
}

// The scenario from the design discussion: the bucket rolls at close 210.25
// and the next trade arrives at 210.80 — the new candle opens at the previous
// close, not the trade price, and the range covers both.
func TestContinuityAcrossBuckets(t *testing.T) {
	agg, _ := newTestAggregator(t)

	agg.ApplyTrade(d("210.25"), d("1"), time.UnixMilli(59_000))
	agg.Roll(time.UnixMilli(61_000))

	agg.ApplyTrade(d("210.80"), d("0.5"), time.UnixMilli(61_200))

	c := agg.Live(I1m)
	require.Equal(t, int64(60_000), c.BucketStart)
	require.True(t, c.Open.Equal(d("210.25")), "open = %s, want prev close", c.Open)
	require.True(t, c.High.Equal(d("210.80")))
	require.True(t, c.Low.Equal(d("210.25")))
	require.True(t, c.Close.Equal(d("210.80")))
}

func TestRollClosesAndFlatFills(t *testing.T) {
	agg, st := newTestAggregator(t)

	agg.ApplyTrade(d("100"), d("1"), time.UnixMilli(0))
	agg.Roll(time.UnixMilli(60_001))

	closed, err := st.LatestClosedCandle("AAPL-PERP", I1m)
	require.NoError(t, err)
	require.NotNil(t, closed)
	require.True(t, closed.IsClosed)
	require.True(t, closed.Close.Equal(d("100")))

	// The next bucket opens flat at the previous close with zero volume.
	flat := agg.Live(I1m)
	require.NotNil(t, flat)
	require.Equal(t, int64(60_000), flat.BucketStart)
	require.True(t, flat.Open.Equal(d("100")))
	require.True(t, flat.Close.Equal(d("100")))
	require.True(t, flat.Volume.IsZero())
	require.EqualValues(t, 0, flat.Trades)
}

func TestClosedTransitionEmitted(t *testing.T) {
	agg, _ := newTestAggregator(t)
	var events []Candle
	agg.OnUpdate = func(c Candle) { events = append(events, c) }

	agg.ApplyTrade(d("100"), d("1"), time.UnixMilli(0))
	agg.Roll(time.UnixMilli(60_001))

	var sawClosed bool
	for _, e := range events {
		if e.IsClosed {
			sawClosed = true
		}
	}
	require.True(t, sawClosed, "roll should broadcast the closed candle")
}

func TestSeedHistoryBoundsAndContinuity(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	now := time.UnixMilli(90 * 60 * 1000)

	series := SeedHistory("AAPL-PERP", d("200"), d("0.01"), 60, now, rng)
	require.Len(t, series, 60)

	maxRange := d("200").Mul(maxCandleRange).Add(d("0.02")) // one tick of rounding slack per side
	for i, c := range series {
		require.True(t, c.IsClosed)
		require.True(t, c.Low.LessThanOrEqual(c.Open) && c.Low.LessThanOrEqual(c.Close), "candle %d bounds", i)
		require.True(t, c.High.GreaterThanOrEqual(c.Open) && c.High.GreaterThanOrEqual(c.Close), "candle %d bounds", i)
		require.True(t, c.High.Sub(c.Low).LessThanOrEqual(maxRange), "candle %d range %s too wide", i, c.High.Sub(c.Low))
		if i > 0 {
			require.True(t, c.Open.Equal(series[i-1].Close), "candle %d open breaks continuity", i)
		}
		if i > 0 {
			require.Equal(t, series[i-1].BucketStart+60_000, c.BucketStart)
		}
	}
	require.True(t, series[0].Open.Equal(d("200")), "walk starts at the anchor")
}

func TestAggregateFrom1m(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	now := time.UnixMilli(120 * 60 * 1000)
	oneMin := SeedHistory("AAPL-PERP", d("200"), d("0.01"), 60, now, rng)

	fives := AggregateFrom1m(oneMin, I5m)
	require.Len(t, fives, 12)

	for _, f := range fives {
		var group []Candle
		for _, c := range oneMin {
			if c.BucketStart >= f.BucketStart && c.BucketStart < f.BucketStart+5*60_000 {
				group = append(group, c)
			}
		}
		require.Len(t, group, 5)
		require.True(t, f.Open.Equal(group[0].Open))
		require.True(t, f.Close.Equal(group[4].Close))

		vol := decimal.Zero
		hi := group[0].High
		lo := group[0].Low
		for _, c := range group {
			vol = vol.Add(c.Volume)
			if c.High.GreaterThan(hi) {
				hi = c.High
			}
			if c.Low.LessThan(lo) {
				lo = c.Low
			}
		}
		require.True(t, f.Volume.Equal(vol))
		require.True(t, f.High.Equal(hi))
		require.True(t, f.Low.Equal(lo))
	}

	// Continuity survives aggregation.
	for i := 1; i < len(fives); i++ {
		require.True(t, fives[i].Open.Equal(fives[i-1].Close))
	}
}
