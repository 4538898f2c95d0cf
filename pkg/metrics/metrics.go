// Package metrics exposes the engine's Prometheus collectors.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	collector     *Collector
	collectorOnce sync.Once
)

// Collector holds all engine metrics.
type Collector struct {
	OrdersTotal       *prometheus.CounterVec
	TradesTotal       *prometheus.CounterVec
	TradeVolume       *prometheus.CounterVec
	LiquidationsTotal *prometheus.CounterVec
	FaucetClaims      prometheus.Counter
	OraclePrice       *prometheus.GaugeVec
	OrderbookDepth    *prometheus.GaugeVec
	WSConnections     prometheus.Gauge
	WSSubscriptions   *prometheus.GaugeVec

	registry *prometheus.Registry
}

// Get returns the singleton collector.
func Get() *Collector {
	collectorOnce.Do(func() {
		collector = newCollector()
	})
	return collector
}

func newCollector() *Collector {
	c := &Collector{registry: prometheus.NewRegistry()}

	c.OrdersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "simex",
			Subsystem: "orders",
			Name:      "total",
			Help:      "Orders submitted, by market, side, type and outcome",
		},
		[]string{"market", "side", "type", "status"},
	)
	c.TradesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "simex",
			Subsystem: "trades",
			Name:      "total",
			Help:      "Trades executed",
		},
		[]string{"market"},
	)
	c.TradeVolume = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "simex",
			Subsystem: "trades",
			Name:      "base_volume",
			Help:      "Base-asset volume traded",
		},
		[]string{"market"},
	)
	c.LiquidationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "simex",
			Subsystem: "positions",
			Name:      "liquidations_total",
			Help:      "Positions force-closed at liquidation",
		},
		[]string{"market"},
	)
	c.FaucetClaims = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "simex",
			Subsystem: "faucet",
			Name:      "claims_total",
			Help:      "Successful faucet claims",
		},
	)
	c.OraclePrice = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "simex",
			Subsystem: "oracle",
			Name:      "price",
			Help:      "Last oracle price per market",
		},
		[]string{"market"},
	)
	c.OrderbookDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "simex",
			Subsystem: "orderbook",
			Name:      "resting_orders",
			Help:      "Resting orders per market",
		},
		[]string{"market"},
	)
	c.WSConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "simex",
			Subsystem: "ws",
			Name:      "connections_active",
			Help:      "Active WebSocket connections",
		},
	)
	c.WSSubscriptions = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "simex",
			Subsystem: "ws",
			Name:      "subscriptions",
			Help:      "Active subscriptions per topic class",
		},
		[]string{"class"},
	)

	c.registry.MustRegister(
		c.OrdersTotal, c.TradesTotal, c.TradeVolume, c.LiquidationsTotal,
		c.FaucetClaims, c.OraclePrice, c.OrderbookDepth,
		c.WSConnections, c.WSSubscriptions,
	)
	return c
}

// Handler returns the /metrics HTTP handler.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
