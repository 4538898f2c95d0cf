// Package clob holds the domain types shared by the order book, matching
// engine, position keeper and store: orders, trades and positions.
package clob

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Side is the order side.
type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

// Direction returns the position direction a fill on this side implies.
func (s Side) Direction() PositionSide {
	if s == Buy {
		return Long
	}
	return Short
}

// OrderType is limit or market.
type OrderType string

const (
	Limit  OrderType = "limit"
	Market OrderType = "market"
)

// OrderStatus is the lifecycle state of an order.
type OrderStatus string

const (
	OrderPending   OrderStatus = "pending"
	OrderOpen      OrderStatus = "open"
	OrderPartial   OrderStatus = "partial"
	OrderFilled    OrderStatus = "filled"
	OrderCancelled OrderStatus = "cancelled"
)

// Order is a limit or market order. Quantity = FilledQty + RemainingQty at
// all times; AvgFillPrice is the volume-weighted fill price.
type Order struct {
	OrderID       string          `json:"orderId"`
	ClientOrderID string          `json:"clientOrderId,omitempty"`
	MarketSymbol  string          `json:"marketSymbol"`
	UserAddress   common.Address  `json:"userAddress"`
	Side          Side            `json:"side"`
	Type          OrderType       `json:"type"`
	Price         decimal.Decimal `json:"price"`
	Quantity      decimal.Decimal `json:"quantity"`
	FilledQty     decimal.Decimal `json:"filledQty"`
	RemainingQty  decimal.Decimal `json:"remainingQty"`
	AvgFillPrice  decimal.Decimal `json:"avgFillPrice"`
	Leverage      int             `json:"leverage"`
	PostOnly      bool            `json:"postOnly"`
	ReduceOnly    bool            `json:"reduceOnly"`
	Status        OrderStatus     `json:"status"`
	CreatedAt     time.Time       `json:"createdAt"`
	UpdatedAt     time.Time       `json:"updatedAt"`
}

// NewOrderID returns a fresh order ID.
func NewOrderID() string { return uuid.NewString() }

// IsClosed reports whether the order is in a terminal state.
func (o *Order) IsClosed() bool {
	return o.Status == OrderFilled || o.Status == OrderCancelled
}

// ApplyFill records qty filled at price against the order, maintaining
// filled+remaining=quantity and the volume-weighted average fill price.
func (o *Order) ApplyFill(price, qty decimal.Decimal, at time.Time) {
	filledNotional := o.AvgFillPrice.Mul(o.FilledQty).Add(price.Mul(qty))
	o.FilledQty = o.FilledQty.Add(qty)
	o.RemainingQty = o.Quantity.Sub(o.FilledQty)
	o.AvgFillPrice = filledNotional.Div(o.FilledQty)
	if o.RemainingQty.IsZero() {
		o.Status = OrderFilled
	} else {
		o.Status = OrderPartial
	}
	o.UpdatedAt = at
}

// Trade is an immutable record of one fill. Price is the maker's resting
// price; Side is the taker's side.
type Trade struct {
	TradeID       string          `json:"tradeId"`
	MarketSymbol  string          `json:"marketSymbol"`
	MakerOrderID  string          `json:"makerOrderId"`
	TakerOrderID  string          `json:"takerOrderId"`
	MakerAddress  common.Address  `json:"makerAddress"`
	TakerAddress  common.Address  `json:"takerAddress"`
	Side          Side            `json:"side"`
	Price         decimal.Decimal `json:"price"`
	Quantity      decimal.Decimal `json:"quantity"`
	QuoteQuantity decimal.Decimal `json:"quoteQuantity"`
	Timestamp     time.Time       `json:"timestamp"`
}

// NewTradeID returns a fresh trade ID.
func NewTradeID() string { return uuid.NewString() }

// PositionSide is long or short.
type PositionSide string

const (
	Long  PositionSide = "long"
	Short PositionSide = "short"
)

// PositionStatus is the lifecycle state of a position.
type PositionStatus string

const (
	PositionOpen       PositionStatus = "open"
	PositionClosed     PositionStatus = "closed"
	PositionLiquidated PositionStatus = "liquidated"
)

// Position is an isolated-margin position. At most one open position exists
// per (address, market).
type Position struct {
	PositionID       string          `json:"positionId"`
	UserAddress      common.Address  `json:"userAddress"`
	MarketSymbol     string          `json:"marketSymbol"`
	Side             PositionSide    `json:"side"`
	Size             decimal.Decimal `json:"size"`
	AvgEntryPrice    decimal.Decimal `json:"avgEntryPrice"`
	Margin           decimal.Decimal `json:"margin"`
	Leverage         decimal.Decimal `json:"leverage"`
	UnrealizedPnl    decimal.Decimal `json:"unrealizedPnl"`
	RealizedPnl      decimal.Decimal `json:"realizedPnl"`
	LiquidationPrice decimal.Decimal `json:"liquidationPrice"`
	Status           PositionStatus  `json:"status"`
	CreatedAt        time.Time       `json:"createdAt"`
	UpdatedAt        time.Time       `json:"updatedAt"`
	ClosedAt         *time.Time      `json:"closedAt,omitempty"`
}

// NewPositionID returns a fresh position ID.
func NewPositionID() string { return uuid.NewString() }

// Notional returns size × price.
func (p *Position) Notional(price decimal.Decimal) decimal.Decimal {
	return p.Size.Mul(price)
}

// PnlAt returns the unrealized PnL at the given mark price.
func (p *Position) PnlAt(mark decimal.Decimal) decimal.Decimal {
	diff := mark.Sub(p.AvgEntryPrice)
	if p.Side == Short {
		diff = diff.Neg()
	}
	return diff.Mul(p.Size)
}

// Fill is the per-party view of a trade handed to the position keeper:
// the side the party traded on, the margin attributed to the filled qty.
type Fill struct {
	MarketSymbol string
	UserAddress  common.Address
	Side         Side
	Price        decimal.Decimal
	Quantity     decimal.Decimal
	Margin       decimal.Decimal
	ReduceOnly   bool
	Timestamp    time.Time
}
