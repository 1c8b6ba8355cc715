package app

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for the risk control loop. Exposed via the optional
// metrics listener wired in main.

// TicksTotal counts completed risk loop iterations.
var TicksTotal = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: "perprisk",
		Subsystem: "controller",
		Name:      "ticks_total",
		Help:      "Total number of completed risk loop iterations",
	},
)

// ExitsTriggered counts automatic exits by trigger reason.
var ExitsTriggered = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "perprisk",
		Subsystem: "controller",
		Name:      "exits_triggered_total",
		Help:      "Total number of automatic exits submitted",
	},
	[]string{"symbol", "reason"},
)

// ExternalFailures counts failed calls to the price source or order executor.
var ExternalFailures = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "perprisk",
		Subsystem: "controller",
		Name:      "external_failures_total",
		Help:      "Total number of failed external calls, by stage",
	},
	[]string{"stage"}, // price_estimate, order_submit, symbol_rules
)

// LockRatchets counts upward ladder lock adjustments.
var LockRatchets = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: "perprisk",
		Subsystem: "controller",
		Name:      "lock_ratchets_total",
		Help:      "Total number of ladder lock level raises",
	},
)

// MonitoredKeys tracks how many position keys the last tick evaluated.
var MonitoredKeys = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "perprisk",
		Subsystem: "controller",
		Name:      "monitored_keys",
		Help:      "Number of position keys evaluated in the last tick",
	},
)
