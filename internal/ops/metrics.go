package ops

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for the lifecycle engine. Registered on the default
// registry and served by the ops server at /metrics.
var (
	OrdersSubmittedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_orders_submitted_total",
		Help: "Orders submitted to the broker, by purpose.",
	}, []string{"purpose"})

	OrdersTerminalTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_orders_terminal_total",
		Help: "Orders reaching a terminal state, by purpose and outcome.",
	}, []string{"purpose", "outcome"})

	ExitsTriggeredTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_exits_triggered_total",
		Help: "Exit closes triggered, by reason.",
	}, []string{"reason"})

	TradesOpenedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "engine_trades_opened_total",
		Help: "Trade records opened.",
	})

	TradesClosedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "engine_trades_closed_total",
		Help: "Trade records closed.",
	})

	AlertsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_alerts_total",
		Help: "Operator alerts raised, by kind.",
	}, []string{"kind"})

	OpenPositions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "engine_open_positions",
		Help: "Positions currently open or closing.",
	})

	StateWriteFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "engine_state_write_failures_total",
		Help: "Snapshot writes that failed.",
	})

	EventQueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "engine_event_queue_depth",
		Help: "Pending events in a per-key engine queue.",
	}, []string{"key"})
)
