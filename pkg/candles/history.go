package candles

import (
	"math/rand"
	"time"

	"github.com/shopspring/decimal"
)

// Walk bounds for synthetic history: per-tick change ≤ 0.05% of the previous
// price, per-candle range ≤ 0.15% of the candle open.
var (
	maxTickChange  = decimal.RequireFromString("0.0005")
	maxCandleRange = decimal.RequireFromString("0.0015")
)

const ticksPerCandle = 8

// SeedHistory generates count closed 1m candles ending at the bucket before
// now, using a bounded random walk anchored at anchor. Higher intervals are
// not built here (see AggregateFrom1m). The walk starts at the anchor and ends
// wherever it lands; the last close is never snapped back to the oracle.
// Returns the generated 1m series oldest-first.
func SeedHistory(symbol string, anchor, tickSize decimal.Decimal, count int, now time.Time, rng *rand.Rand) []Candle {
	if count <= 0 || !anchor.IsPositive() {
		return nil
	}

	minuteMs := I1m.Duration().Milliseconds()
	endBucket := I1m.BucketStart(now) // live bucket; history ends before it
	firstBucket := endBucket - int64(count)*minuteMs

	candles := make([]Candle, 0, count)
	price := anchor
	vol := 0.5 // volatility state in (0,1], persisted across candles for clustering

	for i := 0; i < count; i++ {
		open := price
		high := price
		low := price

		// Mild volatility clustering: decay toward a random target.
		vol = 0.85*vol + 0.15*(0.2+0.8*rng.Float64())

		for t := 0; t < ticksPerCandle; t++ {
			u := 2*rng.Float64() - 1 // uniform [-1, 1]
			step := price.Mul(maxTickChange).Mul(decimal.NewFromFloat(u * vol))
			price = price.Add(step)

			// Clamp the candle's total range: the walk stays within
			// ±range/2 of the open.
			span := open.Mul(maxCandleRange).Div(decimal.NewFromInt(2))
			if price.GreaterThan(open.Add(span)) {
				price = open.Add(span)
			}
			if price.LessThan(open.Sub(span)) {
				price = open.Sub(span)
			}
			if price.GreaterThan(high) {
				high = price
			}
			if price.LessThan(low) {
				low = price
			}
		}

		if tickSize.IsPositive() {
			price = quantize(price, tickSize)
			high = quantize(high, tickSize)
			low = quantize(low, tickSize)
			if high.LessThan(price) {
				high = price
			}
			if low.GreaterThan(price) {
				low = price
			}
			if high.LessThan(open) {
				high = open
			}
			if low.GreaterThan(open) {
				low = open
			}
		}

		candles = append(candles, Candle{
			MarketSymbol: symbol,
			Interval:     I1m,
			BucketStart:  firstBucket + int64(i)*minuteMs,
			Open:         open,
			High:         high,
			Low:          low,
			Close:        price,
			Volume:       synthVolume(rng, vol),
			Trades:       int64(1 + rng.Intn(ticksPerCandle)),
			IsClosed:     true,
		})
	}
	return candles
}

// AggregateFrom1m deterministically rolls a 1m series up to iv:
// open = first 1m open, close = last 1m close, high = max, low = min,
// volume = Σ. Partial trailing buckets are skipped so every emitted candle
// is complete.
func AggregateFrom1m(oneMin []Candle, iv Interval) []Candle {
	if iv == I1m || len(oneMin) == 0 {
		return nil
	}
	ivMs := iv.Duration().Milliseconds()
	perBucket := int(iv.Duration() / I1m.Duration())

	grouped := make(map[int64][]Candle)
	for _, c := range oneMin {
		bucket := c.BucketStart / ivMs * ivMs
		grouped[bucket] = append(grouped[bucket], c)
	}

	var out []Candle
	for bucket, group := range grouped {
		if len(group) != perBucket {
			continue
		}
		agg := Candle{
			MarketSymbol: group[0].MarketSymbol,
			Interval:     iv,
			BucketStart:  bucket,
			Open:         group[0].Open,
			High:         group[0].High,
			Low:          group[0].Low,
			Close:        group[len(group)-1].Close,
			Volume:       decimal.Zero,
			IsClosed:     true,
		}
		for _, c := range group {
			if c.High.GreaterThan(agg.High) {
				agg.High = c.High
			}
			if c.Low.LessThan(agg.Low) {
				agg.Low = c.Low
			}
			agg.Volume = agg.Volume.Add(c.Volume)
			agg.Trades += c.Trades
		}
		out = append(out, agg)
	}

	// Groups come out of a map; restore chronological order.
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].BucketStart < out[j-1].BucketStart; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

func quantize(p, tick decimal.Decimal) decimal.Decimal {
	return p.Div(tick).Round(0).Mul(tick)
}

func synthVolume(rng *rand.Rand, vol float64) decimal.Decimal {
	v := decimal.NewFromFloat((0.5 + rng.Float64()) * (1 + 4*vol))
	return v.Round(4)
}
