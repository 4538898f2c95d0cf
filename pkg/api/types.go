package api

// API request/response types for REST endpoints.

import (
	"github.com/shopspring/decimal"

	"github.com/openperp/simex/pkg/clob"
	"github.com/openperp/simex/pkg/clob/book"
	"github.com/openperp/simex/pkg/clob/market"
)

// MarketInfo is a market's static configuration plus its cached oracle price.
type MarketInfo struct {
	Symbol                string          `json:"symbol"`
	BaseAsset             string          `json:"baseAsset"`
	QuoteAsset            string          `json:"quoteAsset"`
	Status                string          `json:"status"`
	TickSize              decimal.Decimal `json:"tickSize"`
	LotSize               decimal.Decimal `json:"lotSize"`
	MinOrderSize          decimal.Decimal `json:"minOrderSize"`
	MaxOrderSize          decimal.Decimal `json:"maxOrderSize"`
	MaxLeverage           int             `json:"maxLeverage"`
	InitialMarginRate     decimal.Decimal `json:"initialMarginRate"`
	MaintenanceMarginRate decimal.Decimal `json:"maintenanceMarginRate"`
	OraclePrice           decimal.Decimal `json:"oraclePrice"`
	OracleTimestamp       int64           `json:"oracleTimestamp"`
}

func marketInfo(m *market.Market) MarketInfo {
	price, ts := m.OraclePrice()
	return MarketInfo{
		Symbol:                m.Symbol,
		BaseAsset:             m.BaseAsset,
		QuoteAsset:            m.QuoteAsset,
		Status:                m.Status().String(),
		TickSize:              m.TickSize,
		LotSize:               m.LotSize,
		MinOrderSize:          m.MinOrderSize,
		MaxOrderSize:          m.MaxOrderSize,
		MaxLeverage:           m.MaxLeverage,
		InitialMarginRate:     m.InitialMarginRate,
		MaintenanceMarginRate: m.MaintenanceMarginRate,
		OraclePrice:           price,
		OracleTimestamp:       ts.UnixMilli(),
	}
}

// OrderbookSnapshot is the aggregated depth reply and the payload sent on
// orderbook:SYM subscribe.
type OrderbookSnapshot struct {
	Symbol    string          `json:"symbol"`
	Bids      []book.LevelAgg `json:"bids"` // best (highest) first
	Asks      []book.LevelAgg `json:"asks"` // best (lowest) first
	Timestamp int64           `json:"timestamp"`
}

// SubmitOrderRequest is the POST /clob/orders body.
type SubmitOrderRequest struct {
	Symbol        string          `json:"symbol"`
	Side          string          `json:"side"`
	Type          string          `json:"type"`
	Price         decimal.Decimal `json:"price"`
	Quantity      decimal.Decimal `json:"quantity"`
	Leverage      int             `json:"leverage"`
	PostOnly      bool            `json:"postOnly"`
	ReduceOnly    bool            `json:"reduceOnly"`
	ClientOrderID string          `json:"clientOrderId"`
}

// SubmitOrderResponse returns the order row, the fills it produced, and any
// realized PnL from reducing a position.
type SubmitOrderResponse struct {
	Order             *clob.Order     `json:"order"`
	Trades            []*clob.Trade   `json:"trades"`
	RealizedPnl       decimal.Decimal `json:"realizedPnl"`
	ResidualCancelled bool            `json:"residualCancelled,omitempty"`
}

// BalanceResponse is the ledger view of an address.
type BalanceResponse struct {
	Address      string          `json:"address"`
	Free         decimal.Decimal `json:"free"`
	Locked       decimal.Decimal `json:"locked"`
	TotalCredits decimal.Decimal `json:"totalCredits"`
	TotalDebits  decimal.Decimal `json:"totalDebits"`
}

// FaucetClaimResponse is the successful claim reply.
type FaucetClaimResponse struct {
	Amount         decimal.Decimal `json:"amount"`
	ClaimsInWindow int             `json:"claimsInWindow"`
	NextEligibleAt int64           `json:"nextEligibleAt,omitempty"`
}

// FaucetStatusResponse reports claim eligibility.
type FaucetStatusResponse struct {
	Eligible       bool  `json:"eligible"`
	NextEligibleAt int64 `json:"nextEligibleAt,omitempty"`
}

// WSRequest is the client-to-server subscription frame.
type WSRequest struct {
	Op       string   `json:"op"`       // "subscribe" or "unsubscribe"
	Channels []string `json:"channels"` // e.g. ["orderbook:AAPL-PERP", "candles:AAPL-PERP:1m"]
}
