package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ordersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "exchange_orders_total",
			Help: "Total number of orders received",
		},
		[]string{"pair", "side", "status"},
	)

	orderRejectsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "exchange_order_rejects_total",
			Help: "Total number of rejected orders",
		},
		[]string{"pair", "kind"},
	)

	tradesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "exchange_trades_total",
			Help: "Total number of trades executed",
		},
		[]string{"pair"},
	)

	tradeVolume = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "exchange_trade_volume_total",
			Help: "Total traded base volume",
		},
		[]string{"pair"},
	)

	matchLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "exchange_match_duration_seconds",
			Help:    "Order matching duration in seconds",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		},
		[]string{"pair"},
	)

	positionsOpened = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "exchange_positions_opened_total",
			Help: "Total number of positions opened",
		},
		[]string{"symbol", "side", "margin_mode"},
	)

	liquidationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "exchange_liquidations_total",
			Help: "Total number of forced liquidations",
		},
		[]string{"symbol", "margin_mode"},
	)

	markPrice = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "exchange_mark_price",
			Help: "Current mark price per contract",
		},
		[]string{"symbol"},
	)

	fundingRate = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "exchange_funding_rate",
			Help: "Latest funding rate per contract",
		},
		[]string{"symbol"},
	)
)

func RecordOrder(pair, side, status string) {
	ordersTotal.WithLabelValues(pair, side, status).Inc()
}

func RecordOrderReject(pair, kind string) {
	orderRejectsTotal.WithLabelValues(pair, kind).Inc()
}

func RecordTrade(pair string, baseVolume float64) {
	tradesTotal.WithLabelValues(pair).Inc()
	tradeVolume.WithLabelValues(pair).Add(baseVolume)
}

func ObserveMatchDuration(pair string, seconds float64) {
	matchLatency.WithLabelValues(pair).Observe(seconds)
}

func RecordPositionOpened(symbol, side, marginMode string) {
	positionsOpened.WithLabelValues(symbol, side, marginMode).Inc()
}

func RecordLiquidation(symbol, marginMode string) {
	liquidationsTotal.WithLabelValues(symbol, marginMode).Inc()
}

func SetMarkPrice(symbol string, price float64) {
	markPrice.WithLabelValues(symbol).Set(price)
}

func SetFundingRate(symbol string, rate float64) {
	fundingRate.WithLabelValues(symbol).Set(rate)
}
