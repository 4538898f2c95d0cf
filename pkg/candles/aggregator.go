package candles

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Aggregator is the single writer for one market's candles across all
// intervals. Trade notifications arrive synchronously from the market worker;
// the roll timer closes buckets when the wall clock crosses the boundary.
type Aggregator struct {
	mu        sync.Mutex
	symbol    string
	live      map[Interval]*Candle
	lastClose map[Interval]decimal.Decimal // close of the last closed bucket

	store Store
	log   *zap.SugaredLogger

	// OnUpdate receives every live tick and close transition for fan-out on
	// candles:SYM:INT.
	OnUpdate func(c Candle)
}

// NewAggregator creates the aggregator for symbol.
func NewAggregator(symbol string, store Store, log *zap.SugaredLogger) *Aggregator {
	return &Aggregator{
		symbol:    symbol,
		live:      make(map[Interval]*Candle),
		lastClose: make(map[Interval]decimal.Decimal),
		store:     store,
		log:       log,
	}
}

// Resume primes the continuity seed from the last persisted closed candle of
// each interval.
func (a *Aggregator) Resume() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, iv := range Supported() {
		last, err := a.store.LatestClosedCandle(a.symbol, iv)
		if err != nil {
			a.log.Warnw("candle_resume_failed", "market", a.symbol, "interval", iv, "err", err)
			continue
		}
		if last != nil {
			a.lastClose[iv] = last.Close
		}
	}
}

// ApplyTrade folds a trade into the live candle of every interval. Called
// synchronously from the market worker before the fill completes.
func (a *Aggregator) ApplyTrade(price, qty decimal.Decimal, ts time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, iv := range Supported() {
		bucket := iv.BucketStart(ts)
		c := a.live[iv]

		if c != nil && c.BucketStart < bucket {
			// Timer hasn't fired yet; roll inline so the trade lands in the
			// right bucket.
			a.closeLocked(iv, c)
			c = nil
		}
		if c == nil {
			c = newCandle(a.symbol, iv, bucket, price, qty, a.lastClose[iv], 1)
			a.live[iv] = c
			a.persistLocked(c)
			a.emitLocked(c)
			continue
		}

		c.apply(price, qty)
		a.emitLocked(c)
	}
}

// Roll closes every live candle whose bucket the wall clock has passed and
// opens a flat zero-volume candle at the previous close so the series stays
// gap-free.
func (a *Aggregator) Roll(now time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, iv := range Supported() {
		bucket := iv.BucketStart(now)
		c := a.live[iv]

		if c == nil {
			// No live candle: open a flat one if we have a seed price.
			if seed := a.lastClose[iv]; seed.IsPositive() {
				flat := newCandle(a.symbol, iv, bucket, seed, decimal.Zero, seed, 0)
				flat.Volume = decimal.Zero
				a.live[iv] = flat
				a.persistLocked(flat)
				a.emitLocked(flat)
			}
			continue
		}
		if c.BucketStart >= bucket {
			continue // bucket still open
		}

		a.closeLocked(iv, c)

		flat := newCandle(a.symbol, iv, bucket, c.Close, decimal.Zero, c.Close, 0)
		flat.Volume = decimal.Zero
		a.live[iv] = flat
		a.persistLocked(flat)
		a.emitLocked(flat)
	}
}

// closeLocked marks c closed, persists and broadcasts it, and records its
// close as the next bucket's continuity seed.
func (a *Aggregator) closeLocked(iv Interval, c *Candle) {
	c.IsClosed = true
	a.lastClose[iv] = c.Close
	delete(a.live, iv)
	a.persistLocked(c)
	a.emitLocked(c)
}

// Live returns a copy of the live candle for iv, or nil.
func (a *Aggregator) Live(iv Interval) *Candle {
	a.mu.Lock()
	defer a.mu.Unlock()
	if c, ok := a.live[iv]; ok {
		cp := *c
		return &cp
	}
	return nil
}

// History returns up to limit candles oldest-first, ending with the live one.
func (a *Aggregator) History(iv Interval, limit int) ([]Candle, error) {
	a.mu.Lock()
	live := a.live[iv]
	var liveCopy *Candle
	if live != nil {
		cp := *live
		liveCopy = &cp
	}
	a.mu.Unlock()

	stored, err := a.store.LoadCandles(a.symbol, iv, limit)
	if err != nil {
		return nil, err
	}
	// The live bucket is persisted on creation; replace the stored row with
	// the fresher in-memory state.
	if liveCopy != nil {
		replaced := false
		for i := range stored {
			if stored[i].BucketStart == liveCopy.BucketStart {
				stored[i] = *liveCopy
				replaced = true
				break
			}
		}
		if !replaced {
			stored = append(stored, *liveCopy)
			if limit > 0 && len(stored) > limit {
				stored = stored[len(stored)-limit:]
			}
		}
	}
	return stored, nil
}

func (a *Aggregator) persistLocked(c *Candle) {
	if err := a.store.UpsertCandle(c); err != nil {
		a.log.Errorw("candle_upsert_failed",
			"market", a.symbol, "interval", c.Interval, "bucket", c.BucketStart, "err", err)
	}
}

func (a *Aggregator) emitLocked(c *Candle) {
	if a.OnUpdate != nil {
		a.OnUpdate(*c)
	}
}
