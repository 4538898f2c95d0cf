package storage

import (
	"sort"

	"github.com/cockroachdb/pebble"
	"github.com/ethereum/go-ethereum/common"

	"github.com/openperp/simex/pkg/clob"
)

// SaveTrade persists an immutable trade row with its market, taker-order and
// per-party indexes.
func (s *Store) SaveTrade(t *clob.Trade) error {
	if err := s.setJSON(tradeKey(t.TradeID), t, pebble.Sync); err != nil {
		return err
	}
	ms := t.Timestamp.UnixMilli()
	id := []byte(t.TradeID)

	if err := s.setWithRetry(tradeMarketKey(t.MarketSymbol, ms, t.TradeID), id, pebble.NoSync); err != nil {
		return err
	}
	if err := s.setWithRetry(tradeTakerKey(t.TakerOrderID, t.TradeID), id, pebble.NoSync); err != nil {
		return err
	}
	if err := s.setWithRetry(tradeAddrKey(t.TakerAddress, ms, t.TradeID), id, pebble.NoSync); err != nil {
		return err
	}
	if t.MakerAddress != t.TakerAddress {
		if err := s.setWithRetry(tradeAddrKey(t.MakerAddress, ms, t.TradeID), id, pebble.NoSync); err != nil {
			return err
		}
	}
	return nil
}

// GetTrade loads one trade by ID. Returns nil when absent.
func (s *Store) GetTrade(tradeID string) (*clob.Trade, error) {
	var t clob.Trade
	ok, err := s.getJSON(tradeKey(tradeID), &t)
	if err != nil || !ok {
		return nil, err
	}
	return &t, nil
}

// TradesByMarket returns up to limit trades for symbol, newest first.
func (s *Store) TradesByMarket(symbol string, limit int) ([]clob.Trade, error) {
	return s.tradesByIndex(tradeMarketPrefix(symbol), limit)
}

// TradesByAddress returns up to limit trades the address took part in,
// newest first.
func (s *Store) TradesByAddress(addr common.Address, limit int) ([]clob.Trade, error) {
	return s.tradesByIndex(tradeAddrPrefix(addr), limit)
}

// TradesByTakerOrder returns the trades produced by one taker order,
// oldest first — the fill sequence an idempotent resubmit replays.
func (s *Store) TradesByTakerOrder(orderID string) ([]*clob.Trade, error) {
	var out []*clob.Trade
	err := s.scan(tradeTakerPrefix(orderID), func(_, val []byte) bool {
		t, terr := s.GetTrade(string(val))
		if terr == nil && t != nil {
			out = append(out, t)
		}
		return true
	})
	// The index is keyed by random trade IDs; order by fill time.
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, err
}

func (s *Store) tradesByIndex(prefix []byte, limit int) ([]clob.Trade, error) {
	var out []clob.Trade
	err := s.scanReverse(prefix, func(_, val []byte) bool {
		t, terr := s.GetTrade(string(val))
		if terr == nil && t != nil {
			out = append(out, *t)
		}
		return limit <= 0 || len(out) < limit
	})
	return out, err
}
