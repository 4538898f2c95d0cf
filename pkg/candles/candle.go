// Package candles maintains live OHLCV candles per market from the trade
// stream, rolls them at interval boundaries, backfills flat candles for empty
// buckets, and seeds synthetic history on a cold start.
package candles

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Interval is a supported candle interval.
type Interval string

const (
	I1m  Interval = "1m"
	I5m  Interval = "5m"
	I15m Interval = "15m"
	I1h  Interval = "1h"
	I4h  Interval = "4h"
	I1d  Interval = "1d"
)

// Supported lists all intervals, shortest first. 1m is authoritative; the
// rest aggregate from it during history seeding and roll independently live.
func Supported() []Interval {
	return []Interval{I1m, I5m, I15m, I1h, I4h, I1d}
}

// Parse validates an interval string.
func Parse(s string) (Interval, error) {
	for _, iv := range Supported() {
		if string(iv) == s {
			return iv, nil
		}
	}
	return "", fmt.Errorf("unsupported interval %q", s)
}

// Duration returns the interval's length.
func (iv Interval) Duration() time.Duration {
	switch iv {
	case I1m:
		return time.Minute
	case I5m:
		return 5 * time.Minute
	case I15m:
		return 15 * time.Minute
	case I1h:
		return time.Hour
	case I4h:
		return 4 * time.Hour
	case I1d:
		return 24 * time.Hour
	default:
		return time.Minute
	}
}

// BucketStart floors ts to the interval boundary, in Unix milliseconds.
func (iv Interval) BucketStart(ts time.Time) int64 {
	ms := iv.Duration().Milliseconds()
	return ts.UnixMilli() / ms * ms
}

// Candle is one OHLCV bucket. (MarketSymbol, Interval, BucketStart) is unique.
type Candle struct {
	MarketSymbol string          `json:"marketSymbol"`
	Interval     Interval        `json:"interval"`
	BucketStart  int64           `json:"bucketStart"` // Unix ms, floor(ts/interval)·interval
	Open         decimal.Decimal `json:"open"`
	High         decimal.Decimal `json:"high"`
	Low          decimal.Decimal `json:"low"`
	Close        decimal.Decimal `json:"close"`
	Volume       decimal.Decimal `json:"volume"`
	Trades       int64           `json:"trades"`
	IsClosed     bool            `json:"isClosed"`
}

// apply folds one trade into the candle and reasserts the OHLC bounds.
func (c *Candle) apply(price, qty decimal.Decimal) {
	if price.GreaterThan(c.High) {
		c.High = price
	}
	if price.LessThan(c.Low) {
		c.Low = price
	}
	c.Close = price
	c.Volume = c.Volume.Add(qty)
	c.Trades++
}

// newCandle opens a bucket. When prevClose is positive the candle opens at
// the previous close (continuity) and the range is widened to include the
// first trade's price.
func newCandle(symbol string, iv Interval, bucketStart int64, price, qty, prevClose decimal.Decimal, trades int64) *Candle {
	open := price
	high := price
	low := price
	if prevClose.IsPositive() {
		open = prevClose
		if prevClose.GreaterThan(high) {
			high = prevClose
		}
		if prevClose.LessThan(low) {
			low = prevClose
		}
	}
	return &Candle{
		MarketSymbol: symbol,
		Interval:     iv,
		BucketStart:  bucketStart,
		Open:         open,
		High:         high,
		Low:          low,
		Close:        price,
		Volume:       qty,
		Trades:       trades,
	}
}

// Store is the persistence surface the aggregator needs. Upserts are keyed on
// (market, interval, bucketStart) so retries are idempotent.
type Store interface {
	UpsertCandle(c *Candle) error
	CountCandles(symbol string, iv Interval) (int, error)
	LatestClosedCandle(symbol string, iv Interval) (*Candle, error)
	LoadCandles(symbol string, iv Interval, limit int) ([]Candle, error)
}
