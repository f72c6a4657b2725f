// Package metrics exposes the bot's Prometheus collectors:
//   - bot_ticks_total                    – price ticks processed
//   - bot_orders_total{type,side}        – orders placed
//   - bot_positions_closed_total{reason} – closed positions by exit reason
//   - bot_close_retries_total            – close attempts beyond the first
//   - bot_equity_usd                     – account balance snapshot
//   - bot_stream_reconnects_total        – price-stream reconnect attempts
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	Ticks = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bot_ticks_total",
		Help: "Price ticks processed",
	})

	Orders = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "bot_orders_total",
		Help: "Orders placed",
	}, []string{"type", "side"})

	PositionsClosed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "bot_positions_closed_total",
		Help: "Positions closed by exit reason",
	}, []string{"reason"})

	CloseRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bot_close_retries_total",
		Help: "Close attempts beyond the first",
	})

	Equity = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "bot_equity_usd",
		Help: "Account balance in quote currency",
	})

	StreamReconnects = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bot_stream_reconnects_total",
		Help: "Price stream reconnect attempts",
	})
)

func init() {
	prometheus.MustRegister(Ticks, Orders, PositionsClosed, CloseRetries, Equity, StreamReconnects)
}

// Handler serves the default registry in text exposition format.
func Handler() http.Handler {
	return promhttp.Handler()
}
