package market

import (
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// Status defines the trading status of a market
type Status int8

const (
	Active Status = iota // Trading enabled
	Paused               // Trading halted (emergency or store failure)
	Settlement           // Settlement in progress, no new orders
)

func (s Status) String() string {
	switch s {
	case Active:
		return "active"
	case Paused:
		return "paused"
	case Settlement:
		return "settlement"
	default:
		return "unknown"
	}
}

// Market defines all parameters for a perpetual instrument (e.g. AAPL-PERP).
// The config fields are immutable after registration; only Status and the
// cached oracle price mutate at runtime.
type Market struct {
	// Identity
	Symbol     string // "AAPL-PERP"
	BaseAsset  string // "AAPL"
	QuoteAsset string // "USD"

	// Price & size precision
	TickSize decimal.Decimal // minimum price increment (e.g. 0.01)
	LotSize  decimal.Decimal // minimum quantity increment (e.g. 0.01)

	// Order limits
	MinOrderSize decimal.Decimal // in base units
	MaxOrderSize decimal.Decimal // in base units

	// Leverage & margin
	MaxLeverage           int             // e.g. 10
	InitialMarginRate     decimal.Decimal // fraction of notional, e.g. 0.1
	MaintenanceMarginRate decimal.Decimal // fraction of notional, e.g. 0.05

	mu          sync.RWMutex
	status      Status
	oraclePrice decimal.Decimal
	oracleTs    time.Time
}

// New creates a market from config with validation.
func New(cfg Config) (*Market, error) {
	m := &Market{
		Symbol:                cfg.Symbol,
		BaseAsset:             cfg.BaseAsset,
		QuoteAsset:            cfg.QuoteAsset,
		TickSize:              cfg.TickSize,
		LotSize:               cfg.LotSize,
		MinOrderSize:          cfg.MinOrderSize,
		MaxOrderSize:          cfg.MaxOrderSize,
		MaxLeverage:           cfg.MaxLeverage,
		InitialMarginRate:     cfg.InitialMarginRate,
		MaintenanceMarginRate: cfg.MaintenanceMarginRate,
		status:                Active,
		oraclePrice:           cfg.SeedPrice,
	}
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("invalid market config for %q: %w", cfg.Symbol, err)
	}
	return m, nil
}

// Validate checks market parameter sanity
func (m *Market) Validate() error {
	if m.Symbol == "" {
		return fmt.Errorf("symbol cannot be empty")
	}
	if m.BaseAsset == "" || m.QuoteAsset == "" {
		return fmt.Errorf("base and quote assets must be specified")
	}
	if !m.TickSize.IsPositive() {
		return fmt.Errorf("tick size must be positive")
	}
	if !m.LotSize.IsPositive() {
		return fmt.Errorf("lot size must be positive")
	}
	if m.MinOrderSize.IsNegative() {
		return fmt.Errorf("min order size cannot be negative")
	}
	if m.MaxOrderSize.IsPositive() && m.MaxOrderSize.LessThan(m.MinOrderSize) {
		return fmt.Errorf("max order size cannot be below min order size")
	}
	if m.MaxLeverage < 1 {
		return fmt.Errorf("max leverage must be at least 1")
	}
	if !m.MaintenanceMarginRate.IsPositive() || !m.InitialMarginRate.IsPositive() {
		return fmt.Errorf("margin rates must be positive")
	}
	if m.MaintenanceMarginRate.GreaterThanOrEqual(m.InitialMarginRate) {
		return fmt.Errorf("maintenance margin rate must be below initial margin rate")
	}
	if m.InitialMarginRate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return fmt.Errorf("initial margin rate must be below 1")
	}
	return nil
}

// Status returns the current trading status.
func (m *Market) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

// SetStatus changes the trading status. Settlement is terminal.
func (m *Market) SetStatus(s Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.status == Settlement {
		return fmt.Errorf("market %s is in settlement (terminal state)", m.Symbol)
	}
	m.status = s
	return nil
}

// OraclePrice returns the cached oracle price and its timestamp.
// A zero price means no tick has been observed yet.
func (m *Market) OraclePrice() (decimal.Decimal, time.Time) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.oraclePrice, m.oracleTs
}

// SetOraclePrice updates the cached oracle price. Zero or negative prices are
// ignored so a bad upstream read never wipes the last-known price.
func (m *Market) SetOraclePrice(price decimal.Decimal, ts time.Time) {
	if !price.IsPositive() {
		return
	}
	m.mu.Lock()
	m.oraclePrice = price
	m.oracleTs = ts
	m.mu.Unlock()
}

// QuantizePrice rounds a price to the nearest tick.
func (m *Market) QuantizePrice(p decimal.Decimal) decimal.Decimal {
	return p.Div(m.TickSize).Round(0).Mul(m.TickSize)
}

// QuantizeQty rounds a quantity down to the nearest lot.
func (m *Market) QuantizeQty(q decimal.Decimal) decimal.Decimal {
	return q.Div(m.LotSize).Floor().Mul(m.LotSize)
}

// PriceAligned reports whether p is a multiple of the tick size.
func (m *Market) PriceAligned(p decimal.Decimal) bool {
	return p.Mod(m.TickSize).IsZero()
}

// QtyAligned reports whether q is a multiple of the lot size.
func (m *Market) QtyAligned(q decimal.Decimal) bool {
	return q.Mod(m.LotSize).IsZero()
}

// ValidateOrder performs price/size validation shared by all order paths.
// Reduce-only orders may carry a sub-lot tail matching the position exactly,
// so qty alignment is checked by the caller for that case.
func (m *Market) ValidateOrder(price, qty decimal.Decimal, limit bool) error {
	if m.Status() != Active {
		return fmt.Errorf("market %s is not active (status: %s)", m.Symbol, m.Status())
	}
	if !qty.IsPositive() {
		return fmt.Errorf("quantity must be positive")
	}
	if m.MinOrderSize.IsPositive() && qty.LessThan(m.MinOrderSize) {
		return fmt.Errorf("quantity %s below minimum %s", qty, m.MinOrderSize)
	}
	if m.MaxOrderSize.IsPositive() && qty.GreaterThan(m.MaxOrderSize) {
		return fmt.Errorf("quantity %s exceeds maximum %s", qty, m.MaxOrderSize)
	}
	if limit {
		if !price.IsPositive() {
			return fmt.Errorf("price must be positive")
		}
		if !m.PriceAligned(price) {
			return fmt.Errorf("price %s not aligned to tick size %s", price, m.TickSize)
		}
	}
	return nil
}

// ClampedMMR returns the maintenance margin rate clamped to [0.001, 0.99],
// the range the liquidation price formula is defined over.
func (m *Market) ClampedMMR() decimal.Decimal {
	lo := decimal.RequireFromString("0.001")
	hi := decimal.RequireFromString("0.99")
	mmr := m.MaintenanceMarginRate
	if mmr.LessThan(lo) {
		return lo
	}
	if mmr.GreaterThan(hi) {
		return hi
	}
	return mmr
}
