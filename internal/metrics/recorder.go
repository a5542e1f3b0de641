package metrics

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/tathienbao/maker-exec/internal/exchange"
)

var _ exchange.LatencyObserver = (*Recorder)(nil)

// Recorder provides methods for recording metrics.
type Recorder struct {
	start time.Time
}

// NewRecorder creates a new metrics recorder.
func NewRecorder() *Recorder {
	return &Recorder{start: time.Now()}
}

// RecordOrder records an order action: placed, cancelled or rejected.
func (r *Recorder) RecordOrder(instrument, action string) {
	OrdersTotal.WithLabelValues(instrument, action).Inc()
}

// RecordReprice records a cancel and re-place cycle.
func (r *Recorder) RecordReprice(instrument string) {
	RepricesTotal.WithLabelValues(instrument).Inc()
}

// RecordFloorHold records a tick spent out of the book below the floor.
func (r *Recorder) RecordFloorHold(instrument string) {
	FloorHoldsTotal.WithLabelValues(instrument).Inc()
}

// RecordShrink records one shrink ladder step.
func (r *Recorder) RecordShrink(instrument string) {
	ShrinkStepsTotal.WithLabelValues(instrument).Inc()
}

// RecordRequery records a re-query of an inconclusive terminal order.
func (r *Recorder) RecordRequery(resolved bool) {
	result := "inconclusive"
	if resolved {
		result = "resolved"
	}
	RequeriesTotal.WithLabelValues(result).Inc()
}

// RecordFill records newly confirmed filled quantity.
func (r *Recorder) RecordFill(instrument string, qty decimal.Decimal) {
	if !qty.IsPositive() {
		return
	}
	FilledQuantity.WithLabelValues(instrument).Add(qty.InexactFloat64())
}

// RecordRestingPrice records the resting order price. Zero clears it.
func (r *Recorder) RecordRestingPrice(instrument string, price decimal.Decimal) {
	RestingPrice.WithLabelValues(instrument).Set(price.InexactFloat64())
}

// RecordIntentStarted increments the active intent gauge.
func (r *Recorder) RecordIntentStarted() {
	IntentsActive.Inc()
}

// RecordIntentFinished decrements the active intent gauge and counts the outcome.
func (r *Recorder) RecordIntentFinished(outcome string) {
	IntentsActive.Dec()
	IntentsTotal.WithLabelValues(outcome).Inc()
}

// ObserveExchangeLatency records an exchange call.
func (r *Recorder) ObserveExchangeLatency(op string, d time.Duration, err error) {
	ExchangeLatency.WithLabelValues(op).Observe(d.Seconds())
	if err != nil {
		ExchangeErrors.WithLabelValues(op, exchange.KindOf(err).String()).Inc()
	}
}

// RecordHeartbeat records a control loop tick.
func (r *Recorder) RecordHeartbeat() {
	HeartbeatTimestamp.Set(float64(time.Now().Unix()))
	UptimeSeconds.Set(time.Since(r.start).Seconds())
}

// RecordError records an error.
func (r *Recorder) RecordError(errorType string) {
	ErrorsTotal.WithLabelValues(errorType).Inc()
}
