// Package metrics exposes Prometheus metrics for the execution controller.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "makerexec"

// Order lifecycle
var (
	OrdersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "orders_total",
		Help:      "Orders by instrument and action (placed, cancelled, rejected).",
	}, []string{"instrument", "action"})

	RepricesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "reprices_total",
		Help:      "Cancel and re-place cycles triggered by the repricer.",
	}, []string{"instrument"})

	FloorHoldsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "floor_holds_total",
		Help:      "Ticks where the best ask was below the floor.",
	}, []string{"instrument"})

	ShrinkStepsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "shrink_steps_total",
		Help:      "Goal size reductions after insufficient balance.",
	}, []string{"instrument"})

	RequeriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "reconcile_requeries_total",
		Help:      "Re-queries of inconclusive terminal orders by result.",
	}, []string{"result"})

	FilledQuantity = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "filled_quantity_total",
		Help:      "Confirmed filled base quantity.",
	}, []string{"instrument"})

	RestingPrice = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "resting_price",
		Help:      "Price of the resting sell order, 0 when none.",
	}, []string{"instrument"})
)

// Intents
var (
	IntentsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "intents_active",
		Help:      "Sell intents currently running.",
	})

	IntentsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "intents_total",
		Help:      "Finished sell intents by outcome.",
	}, []string{"outcome"})
)

// Exchange
var (
	ExchangeLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "exchange_latency_seconds",
		Help:      "Exchange call latency by operation.",
		Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
	}, []string{"op"})

	ExchangeErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "exchange_errors_total",
		Help:      "Exchange call errors by operation and kind.",
	}, []string{"op", "kind"})
)

// System
var (
	HeartbeatTimestamp = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "heartbeat_timestamp_seconds",
		Help:      "Unix time of the last control loop tick.",
	})

	UptimeSeconds = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "uptime_seconds",
		Help:      "Process uptime.",
	})

	ErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "errors_total",
		Help:      "Errors by type.",
	}, []string{"type"})

	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "build_info",
		Help:      "Build information.",
	}, []string{"version", "commit", "build_time"})
)

// SetBuildInfo publishes the build version.
func SetBuildInfo(version, commit, buildTime string) {
	BuildInfo.WithLabelValues(version, commit, buildTime).Set(1)
}
