package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// OrdersProcessed counts total accepted orders by side (buy/sell)
var OrdersProcessed = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "fxcore_orders_processed_total",
		Help: "Total number of orders accepted by the order manager",
	},
	[]string{"side"},
)

// OrdersRejected counts orders rejected before acceptance, by reason
var OrdersRejected = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "fxcore_orders_rejected_total",
		Help: "Total number of orders rejected during submission",
	},
	[]string{"reason"},
)

// OrderLatency records latency distribution for order submission
var OrderLatency = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Name:    "fxcore_order_processing_latency_seconds",
		Help:    "Latency in seconds to process individual order submissions",
		Buckets: prometheus.DefBuckets,
	},
)

// FillsTotal counts executions by liquidity provider
var FillsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "fxcore_fills_total",
		Help: "Total number of executions produced, by liquidity provider",
	},
	[]string{"provider"},
)

// SlicesTotal counts execution slices by algorithm (direct/twap/pov)
var SlicesTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "fxcore_execution_slices_total",
		Help: "Total number of execution slices attempted, by algorithm",
	},
	[]string{"algo"},
)

// SettlementsTotal counts settlements by final status
var SettlementsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "fxcore_settlements_total",
		Help: "Total number of settlements processed, by status",
	},
	[]string{"status"},
)

// NettedPayments counts net payment instructions produced by netting
var NettedPayments = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "fxcore_netted_payments_total",
		Help: "Total number of net payment instructions sent after netting",
	},
)

// BookDepth reports resting order count per pair and side
var BookDepth = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "fxcore_book_resting_orders",
		Help: "Number of resting orders per currency pair and side",
	},
	[]string{"pair", "side"},
)

func init() {
	prometheus.MustRegister(OrdersProcessed, OrdersRejected, OrderLatency)
	prometheus.MustRegister(FillsTotal, SlicesTotal)
	prometheus.MustRegister(SettlementsTotal, NettedPayments, BookDepth)
}
