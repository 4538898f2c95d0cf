package storage

import (
	"github.com/cockroachdb/pebble"

	"github.com/openperp/simex/pkg/candles"
)

// UpsertCandle writes a candle keyed on (market, interval, bucketStart);
// retried writes land on the same row.
func (s *Store) UpsertCandle(c *candles.Candle) error {
	return s.setJSON(candleKey(c.MarketSymbol, string(c.Interval), c.BucketStart), c, pebble.NoSync)
}

// CountCandles returns how many candles exist for (symbol, interval).
func (s *Store) CountCandles(symbol string, iv candles.Interval) (int, error) {
	n := 0
	err := s.scan(candlePrefix(symbol, string(iv)), func(_, _ []byte) bool {
		n++
		return true
	})
	return n, err
}

// LatestClosedCandle returns the most recent closed candle, or nil.
func (s *Store) LatestClosedCandle(symbol string, iv candles.Interval) (*candles.Candle, error) {
	var out *candles.Candle
	err := s.scanReverse(candlePrefix(symbol, string(iv)), func(_, val []byte) bool {
		var c candles.Candle
		if jerr := unmarshalRow(val, &c); jerr != nil {
			return true
		}
		if !c.IsClosed {
			return true
		}
		out = &c
		return false
	})
	return out, err
}

// LoadCandles returns up to limit candles oldest-first (the most recent
// limit buckets).
func (s *Store) LoadCandles(symbol string, iv candles.Interval, limit int) ([]candles.Candle, error) {
	var reversed []candles.Candle
	err := s.scanReverse(candlePrefix(symbol, string(iv)), func(_, val []byte) bool {
		var c candles.Candle
		if jerr := unmarshalRow(val, &c); jerr == nil {
			reversed = append(reversed, c)
		}
		return limit <= 0 || len(reversed) < limit
	})
	if err != nil {
		return nil, err
	}

	out := make([]candles.Candle, len(reversed))
	for i, c := range reversed {
		out[len(out)-1-i] = c
	}
	return out, nil
}
