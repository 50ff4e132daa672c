// Package metrics exposes Prometheus collectors for the strategy engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "stgeng"

var (
	// EventsDispatched counts events delivered to the handler, by event kind.
	EventsDispatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_dispatched_total",
		Help:      "Events dispatched to strategy callbacks.",
	}, []string{"event"})

	// EventsDropped counts events that could not be delivered.
	EventsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_dropped_total",
		Help:      "Events dropped before dispatch.",
	}, []string{"event", "reason"})

	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "queue_depth",
		Help:      "Events waiting in the dispatch queue.",
	})

	DispatchLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "dispatch_latency_seconds",
		Help:      "Time spent in strategy callbacks.",
		Buckets:   []float64{.00001, .00005, .0001, .0005, .001, .005, .01, .05, .1, .5},
	}, []string{"event"})

	HandlerFaults = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "handler_faults_total",
		Help:      "Errors and panics raised by strategy callbacks.",
	}, []string{"event", "kind"})

	StgInstances = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "stg_instances",
		Help:      "Live strategy instances.",
	})

	Subscriptions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "subscriptions",
		Help:      "Active topic subscriptions.",
	})

	TimersFired = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "timers_fired_total",
		Help:      "Timer firings delivered to the dispatch queue.",
	})

	OrdersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "orders_total",
		Help:      "Order state changes, by market and status.",
	}, []string{"market", "side", "status"})

	OrdersRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "orders_rejected_total",
		Help:      "Orders refused before or by the venue.",
	}, []string{"reason"})

	OrderLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "order_submit_latency_seconds",
		Help:      "Time from submit to venue acknowledgement of the request.",
		Buckets:   prometheus.DefBuckets,
	})

	OpenOrders = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "open_orders",
		Help:      "Orders not yet in a terminal state.",
	})

	PnlTotal = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "pnl_total",
		Help:      "Total PnL per strategy instance in the calc currency.",
	}, []string{"stg_inst_id"})

	SafeModeActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "safe_mode_active",
		Help:      "1 when order submission is halted.",
	})

	VenueConnected = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "venue_connected",
		Help:      "1 when the order venue is connected.",
	}, []string{"venue"})

	FeedConnected = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "feed_connected",
		Help:      "1 when a market data feed is connected.",
	}, []string{"feed"})

	FeedMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "feed_messages_total",
		Help:      "Messages received from market data feeds.",
	}, []string{"feed", "result"})

	HeartbeatTimestamp = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "heartbeat_timestamp_seconds",
		Help:      "Unix time of the last dispatched event.",
	})

	ErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "errors_total",
		Help:      "Internal errors, by type.",
	}, []string{"type"})

	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "build_info",
		Help:      "Build information.",
	}, []string{"version", "commit", "build_time"})
)

// SetBuildInfo publishes the build labels.
func SetBuildInfo(version, commit, buildTime string) {
	BuildInfo.WithLabelValues(version, commit, buildTime).Set(1)
}
