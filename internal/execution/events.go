package execution

import (
	"time"

	"github.com/shopspring/decimal"
)

// StatusEvent is a point-in-time view of an intent, published on every
// tick and on every state change.
type StatusEvent struct {
	IntentID    string
	Instrument  string
	Seq         int64
	Time        time.Time
	State       State
	Outcome     Outcome
	OrderID     string          // resting order, empty when out of the book
	Price       decimal.Decimal // resting price
	BestAsk     decimal.Decimal
	FilledTotal decimal.Decimal
	Remaining   decimal.Decimal // goal size
	Shrunk      decimal.Decimal // removed from the goal by the shrink ladder
	Message     string
}

// Terminal reports whether the event is the intent's last.
func (e StatusEvent) Terminal() bool { return e.State == StateTerminated }

// Result is the final accounting of an intent.
type Result struct {
	IntentID    string
	Instrument  string
	Outcome     Outcome
	Requested   decimal.Decimal
	Floor       decimal.Decimal
	FilledTotal decimal.Decimal
	Remaining   decimal.Decimal
	Shrunk      decimal.Decimal
	AvgPrice    decimal.Decimal
	Orders      int
	Reprices    int
	ShrinkSteps int
	Started     time.Time
	Finished    time.Time
}

// Duration returns how long the intent ran.
func (r Result) Duration() time.Duration {
	if r.Finished.IsZero() {
		return 0
	}
	return r.Finished.Sub(r.Started)
}

// Shortfall returns how much of the requested size was not sold. A FILLED
// intent can fall short when the goal was shrunk or when the leftover was
// below the minimum order size.
func (r Result) Shortfall() decimal.Decimal {
	short := r.Requested.Sub(r.FilledTotal)
	if short.IsNegative() {
		return decimal.Zero
	}
	return short
}

// Short reports whether less than the requested size was sold.
func (r Result) Short() bool { return r.Shortfall().IsPositive() }
