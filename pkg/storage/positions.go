package storage

import (
	"github.com/cockroachdb/pebble"
	"github.com/ethereum/go-ethereum/common"

	"github.com/openperp/simex/pkg/clob"
)

// SavePosition upserts a position row and maintains the open-position index
// the keeper restores from.
func (s *Store) SavePosition(p *clob.Position) error {
	if err := s.setJSON(positionKey(p.PositionID), p, pebble.Sync); err != nil {
		return err
	}
	if err := s.setWithRetry(positionAddrKey(p.UserAddress, p.CreatedAt.UnixMilli(), p.PositionID), []byte(p.PositionID), pebble.NoSync); err != nil {
		return err
	}

	openKey := positionOpenKey(p.UserAddress, p.MarketSymbol)
	if p.Status == clob.PositionOpen {
		return s.setWithRetry(openKey, []byte(p.PositionID), pebble.NoSync)
	}
	return s.delete(openKey)
}

// GetPosition loads one position by ID. Returns nil when absent.
func (s *Store) GetPosition(positionID string) (*clob.Position, error) {
	var p clob.Position
	ok, err := s.getJSON(positionKey(positionID), &p)
	if err != nil || !ok {
		return nil, err
	}
	return &p, nil
}

// LoadOpenPositions returns every open position, used by the keeper at boot.
func (s *Store) LoadOpenPositions() ([]*clob.Position, error) {
	var ids []string
	if err := s.scan(positionOpenPrefix(), func(_, val []byte) bool {
		ids = append(ids, string(val))
		return true
	}); err != nil {
		return nil, err
	}

	out := make([]*clob.Position, 0, len(ids))
	for _, id := range ids {
		p, err := s.GetPosition(id)
		if err != nil {
			return nil, err
		}
		if p != nil && p.Status == clob.PositionOpen {
			out = append(out, p)
		}
	}
	return out, nil
}

// PositionsByAddress returns up to limit positions for addr (any status),
// newest first.
func (s *Store) PositionsByAddress(addr common.Address, limit int) ([]clob.Position, error) {
	var out []clob.Position
	err := s.scanReverse(positionAddrPrefix(addr), func(_, val []byte) bool {
		p, perr := s.GetPosition(string(val))
		if perr == nil && p != nil {
			out = append(out, *p)
		}
		return limit <= 0 || len(out) < limit
	})
	return out, err
}
