// Package book implements the per-market limit order book: two ordered
// price-level maps (bids descending, asks ascending) with FIFO queues at each
// level and an order index for O(1) cancellation.
package book

import (
	"sort"

	"github.com/shopspring/decimal"
	"github.com/tidwall/btree"

	"github.com/openperp/simex/pkg/clob"
)

// priceLevel is one price with its resting orders in priority order.
type priceLevel struct {
	price  decimal.Decimal
	orders []*clob.Order
	sumQty decimal.Decimal // aggregate remaining qty, maintained incrementally
}

// LevelAgg is the derived depth row for one price level.
type LevelAgg struct {
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
	Notional decimal.Decimal `json:"notional"`
}

// Delta is an incremental depth update. Quantity zero means level removed.
type Delta struct {
	Side     clob.Side       `json:"side"`
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
}

// Book is a single market's order book. Not safe for concurrent use: the
// owning market worker serializes access.
type Book struct {
	symbol string
	bids   *btree.BTreeG[*priceLevel] // sorted high → low (best bid first)
	asks   *btree.BTreeG[*priceLevel] // sorted low → high (best ask first)
	index  map[string]*clob.Order     // orderId -> resting order
}

// New creates an empty book for symbol.
func New(symbol string) *Book {
	bids := btree.NewBTreeG(func(a, b *priceLevel) bool {
		return a.price.GreaterThan(b.price)
	})
	asks := btree.NewBTreeG(func(a, b *priceLevel) bool {
		return a.price.LessThan(b.price)
	})
	return &Book{
		symbol: symbol,
		bids:   bids,
		asks:   asks,
		index:  make(map[string]*clob.Order),
	}
}

// Symbol returns the market symbol the book serves.
func (b *Book) Symbol() string { return b.symbol }

// Len returns the number of resting orders.
func (b *Book) Len() int { return len(b.index) }

func (b *Book) tree(side clob.Side) *btree.BTreeG[*priceLevel] {
	if side == clob.Buy {
		return b.bids
	}
	return b.asks
}

// Add inserts a resting order at its price level. Priority within a level is
// ascending create time; orders with equal create time rank by orderId so the
// sequence is reproducible.
func (b *Book) Add(o *clob.Order) {
	tree := b.tree(o.Side)
	key := &priceLevel{price: o.Price}

	level, ok := tree.GetMut(key)
	if !ok {
		level = &priceLevel{price: o.Price, sumQty: decimal.Zero}
		tree.Set(level)
	}

	// Binary search for the insertion point; appends hit the tail.
	i := sort.Search(len(level.orders), func(i int) bool {
		r := level.orders[i]
		if !r.CreatedAt.Equal(o.CreatedAt) {
			return r.CreatedAt.After(o.CreatedAt)
		}
		return r.OrderID > o.OrderID
	})
	level.orders = append(level.orders, nil)
	copy(level.orders[i+1:], level.orders[i:])
	level.orders[i] = o

	level.sumQty = level.sumQty.Add(o.RemainingQty)
	b.index[o.OrderID] = o
}

// Peek returns the highest-priority resting order on side, or nil.
func (b *Book) Peek(side clob.Side) *clob.Order {
	level, ok := b.tree(side).MinMut()
	if !ok {
		return nil
	}
	return level.orders[0]
}

// Best returns the best price on side.
func (b *Book) Best(side clob.Side) (decimal.Decimal, bool) {
	level, ok := b.tree(side).MinMut()
	if !ok {
		return decimal.Zero, false
	}
	return level.price, true
}

// Reduce removes qty from a resting order's book-side accounting after a fill
// was applied to it. When the order is exhausted it leaves the book. Returns
// the level's new aggregate quantity.
func (b *Book) Reduce(o *clob.Order, qty decimal.Decimal) decimal.Decimal {
	tree := b.tree(o.Side)
	level, ok := tree.GetMut(&priceLevel{price: o.Price})
	if !ok {
		return decimal.Zero
	}

	level.sumQty = level.sumQty.Sub(qty)
	if o.RemainingQty.IsZero() {
		for i, r := range level.orders {
			if r.OrderID == o.OrderID {
				level.orders = append(level.orders[:i], level.orders[i+1:]...)
				break
			}
		}
		delete(b.index, o.OrderID)
	}
	if len(level.orders) == 0 {
		tree.Delete(level)
		return decimal.Zero
	}
	return level.sumQty
}

// Remove takes an order out of the book (cancellation). Returns the order and
// the level's new aggregate, or nil if the order is not resting.
func (b *Book) Remove(orderID string) (*clob.Order, decimal.Decimal) {
	o, ok := b.index[orderID]
	if !ok {
		return nil, decimal.Zero
	}

	tree := b.tree(o.Side)
	level, ok := tree.GetMut(&priceLevel{price: o.Price})
	if !ok {
		delete(b.index, orderID)
		return o, decimal.Zero
	}

	for i, r := range level.orders {
		if r.OrderID == orderID {
			level.orders = append(level.orders[:i], level.orders[i+1:]...)
			level.sumQty = level.sumQty.Sub(r.RemainingQty)
			break
		}
	}
	delete(b.index, orderID)

	if len(level.orders) == 0 {
		tree.Delete(level)
		return o, decimal.Zero
	}
	return o, level.sumQty
}

// Get returns the resting order by ID, or nil.
func (b *Book) Get(orderID string) *clob.Order {
	return b.index[orderID]
}

// AggregateAt returns the aggregate remaining qty at (side, price).
func (b *Book) AggregateAt(side clob.Side, price decimal.Decimal) decimal.Decimal {
	level, ok := b.tree(side).GetMut(&priceLevel{price: price})
	if !ok {
		return decimal.Zero
	}
	return level.sumQty
}

// Snapshot returns up to depth aggregated levels per side, best-first.
// depth <= 0 returns all levels.
func (b *Book) Snapshot(depth int) (bids, asks []LevelAgg) {
	if depth < 0 {
		depth = 0
	}
	collect := func(tree *btree.BTreeG[*priceLevel]) []LevelAgg {
		out := make([]LevelAgg, 0, depth)
		tree.Scan(func(level *priceLevel) bool {
			out = append(out, LevelAgg{
				Price:    level.price,
				Quantity: level.sumQty,
				Notional: level.sumQty.Mul(level.price),
			})
			return depth <= 0 || len(out) < depth
		})
		return out
	}
	return collect(b.bids), collect(b.asks)
}

// WouldCross reports whether a limit order at price on side would match
// immediately against the opposing best. Used for the post-only gate.
func (b *Book) WouldCross(side clob.Side, price decimal.Decimal) bool {
	best, ok := b.Best(side.Opposite())
	if !ok {
		return false
	}
	if side == clob.Buy {
		return best.LessThanOrEqual(price)
	}
	return best.GreaterThanOrEqual(price)
}

// OrdersOn returns all resting orders on side in priority order. Used by the
// self-trade gate and tests.
func (b *Book) OrdersOn(side clob.Side) []*clob.Order {
	var out []*clob.Order
	b.tree(side).Scan(func(level *priceLevel) bool {
		out = append(out, level.orders...)
		return true
	})
	return out
}
