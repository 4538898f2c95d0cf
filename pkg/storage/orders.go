package storage

import (
	"github.com/cockroachdb/pebble"
	"github.com/ethereum/go-ethereum/common"

	"github.com/openperp/simex/pkg/clob"
)

// SaveOrder upserts an order row and maintains its secondary indexes: the
// open-order index per market (what book rebuilds scan), the per-address
// history index, and the client-ID idempotency index.
func (s *Store) SaveOrder(o *clob.Order) error {
	if err := s.setJSON(orderKey(o.OrderID), o, pebble.Sync); err != nil {
		return err
	}
	if err := s.setWithRetry(orderAddrKey(o.UserAddress, o.CreatedAt.UnixMilli(), o.OrderID), []byte(o.OrderID), pebble.NoSync); err != nil {
		return err
	}
	if o.ClientOrderID != "" {
		if err := s.setWithRetry(orderClientKey(o.UserAddress, o.ClientOrderID), []byte(o.OrderID), pebble.NoSync); err != nil {
			return err
		}
	}

	openKey := orderOpenKey(o.MarketSymbol, o.OrderID)
	if o.Status == clob.OrderOpen || o.Status == clob.OrderPartial {
		return s.setWithRetry(openKey, []byte(o.OrderID), pebble.NoSync)
	}
	return s.delete(openKey)
}

// GetOrder loads one order by ID. Returns nil when absent.
func (s *Store) GetOrder(orderID string) (*clob.Order, error) {
	var o clob.Order
	ok, err := s.getJSON(orderKey(orderID), &o)
	if err != nil || !ok {
		return nil, err
	}
	return &o, nil
}

// FindOrderByClientID resolves the idempotency index.
func (s *Store) FindOrderByClientID(addr common.Address, clientOrderID string) (*clob.Order, error) {
	data, closer, err := s.db.Get(orderClientKey(addr, clientOrderID))
	if err == pebble.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	orderID := string(data)
	closer.Close()
	return s.GetOrder(orderID)
}

// LoadOpenOrders returns all orders with status open/partial for symbol,
// used to rebuild the book on startup.
func (s *Store) LoadOpenOrders(symbol string) ([]*clob.Order, error) {
	var ids []string
	if err := s.scan(orderOpenPrefix(symbol), func(_, val []byte) bool {
		ids = append(ids, string(val))
		return true
	}); err != nil {
		return nil, err
	}

	orders := make([]*clob.Order, 0, len(ids))
	for _, id := range ids {
		o, err := s.GetOrder(id)
		if err != nil {
			return nil, err
		}
		if o != nil && (o.Status == clob.OrderOpen || o.Status == clob.OrderPartial) {
			orders = append(orders, o)
		}
	}
	return orders, nil
}

// OrdersByAddress returns up to limit orders for addr, newest first.
// When openOnly is set, terminal orders are filtered out.
func (s *Store) OrdersByAddress(addr common.Address, limit int, openOnly bool) ([]clob.Order, error) {
	var out []clob.Order
	err := s.scanReverse(orderAddrPrefix(addr), func(_, val []byte) bool {
		o, err := s.GetOrder(string(val))
		if err != nil || o == nil {
			return true
		}
		if openOnly && o.IsClosed() {
			return true
		}
		out = append(out, *o)
		return limit <= 0 || len(out) < limit
	})
	return out, err
}
