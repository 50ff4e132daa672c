package metrics

import (
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// Recorder provides methods for recording metrics.
type Recorder struct{}

// NewRecorder creates a new metrics recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// RecordDispatch records one callback invocation and how long it took.
func (r *Recorder) RecordDispatch(event string, d time.Duration) {
	EventsDispatched.WithLabelValues(event).Inc()
	DispatchLatency.WithLabelValues(event).Observe(d.Seconds())
	HeartbeatTimestamp.Set(float64(time.Now().Unix()))
}

// RecordDrop records an event that never reached a callback.
func (r *Recorder) RecordDrop(event, reason string) {
	EventsDropped.WithLabelValues(event, reason).Inc()
}

// RecordQueueDepth records the number of pending events.
func (r *Recorder) RecordQueueDepth(n int) {
	QueueDepth.Set(float64(n))
}

// RecordHandlerFault records a callback that returned an error or panicked.
func (r *Recorder) RecordHandlerFault(event string, panicked bool) {
	kind := "error"
	if panicked {
		kind = "panic"
	}
	HandlerFaults.WithLabelValues(event, kind).Inc()
}

// RecordInstances records the number of live strategy instances.
func (r *Recorder) RecordInstances(n int) {
	StgInstances.Set(float64(n))
}

// RecordSubscriptions records the number of active subscriptions.
func (r *Recorder) RecordSubscriptions(n int) {
	Subscriptions.Set(float64(n))
}

// RecordTimersFired records timer firings.
func (r *Recorder) RecordTimersFired(n int) {
	TimersFired.Add(float64(n))
}

// RecordOrder records an order state change.
func (r *Recorder) RecordOrder(market, side, status string) {
	OrdersTotal.WithLabelValues(market, side, status).Inc()
}

// RecordOrderRejected records an order refused locally or by the venue.
func (r *Recorder) RecordOrderRejected(reason string) {
	OrdersRejected.WithLabelValues(reason).Inc()
}

// RecordOrderLatency records order submission latency.
func (r *Recorder) RecordOrderLatency(d time.Duration) {
	OrderLatency.Observe(d.Seconds())
}

// RecordOpenOrders records the number of open orders.
func (r *Recorder) RecordOpenOrders(n int) {
	OpenOrders.Set(float64(n))
}

// RecordPnl records the total PnL of one strategy instance.
func (r *Recorder) RecordPnl(inst uint32, total decimal.Decimal) {
	PnlTotal.WithLabelValues(strconv.FormatUint(uint64(inst), 10)).Set(total.InexactFloat64())
}

// RecordSafeMode records safe mode status.
func (r *Recorder) RecordSafeMode(active bool) {
	SafeModeActive.Set(boolGauge(active))
}

// RecordVenueStatus records venue connection status.
func (r *Recorder) RecordVenueStatus(venue string, connected bool) {
	VenueConnected.WithLabelValues(venue).Set(boolGauge(connected))
}

// RecordFeedStatus records feed connection status.
func (r *Recorder) RecordFeedStatus(feed string, connected bool) {
	FeedConnected.WithLabelValues(feed).Set(boolGauge(connected))
}

// RecordFeedMessage records a feed message outcome such as "ok", "decode_error" or "dropped".
func (r *Recorder) RecordFeedMessage(feed, result string) {
	FeedMessages.WithLabelValues(feed, result).Inc()
}

// RecordError records an error.
func (r *Recorder) RecordError(errorType string) {
	ErrorsTotal.WithLabelValues(errorType).Inc()
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// Timer is a helper for measuring latency.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Elapsed returns the elapsed duration.
func (t *Timer) Elapsed() time.Duration {
	return time.Since(t.start)
}

// ObserveOrder observes the elapsed time as order latency.
func (t *Timer) ObserveOrder() {
	OrderLatency.Observe(t.Elapsed().Seconds())
}
