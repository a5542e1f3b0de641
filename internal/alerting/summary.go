package alerting

import (
	"time"

	"github.com/shopspring/decimal"
)

// IntentSummary is the final report of a sell intent.
type IntentSummary struct {
	IntentID    string
	Instrument  string
	Outcome     string
	Requested   decimal.Decimal
	Filled      decimal.Decimal
	Remaining   decimal.Decimal
	AvgPrice    decimal.Decimal
	Floor       decimal.Decimal
	FillPct     decimal.Decimal
	Shortfall   decimal.Decimal // requested minus filled, never negative
	Orders      int
	Reprices    int
	ShrinkSteps int
	Duration    time.Duration
	Error       string
}

// NewIntentSummary builds a summary and derives the fill percentage.
func NewIntentSummary(
	intentID, instrument, outcome string,
	requested, filled, remaining, avgPrice, floor decimal.Decimal,
	orders, reprices, shrinkSteps int,
	duration time.Duration,
	err error,
) IntentSummary {
	var fillPct decimal.Decimal
	if requested.IsPositive() {
		fillPct = filled.Div(requested).Mul(decimal.NewFromInt(100))
		if fillPct.GreaterThan(decimal.NewFromInt(100)) {
			fillPct = decimal.NewFromInt(100)
		}
	}

	shortfall := requested.Sub(filled)
	if shortfall.IsNegative() {
		shortfall = decimal.Zero
	}

	s := IntentSummary{
		IntentID:    intentID,
		Instrument:  instrument,
		Outcome:     outcome,
		Requested:   requested,
		Filled:      filled,
		Remaining:   remaining,
		AvgPrice:    avgPrice,
		Floor:       floor,
		FillPct:     fillPct,
		Shortfall:   shortfall,
		Orders:      orders,
		Reprices:    reprices,
		ShrinkSteps: shrinkSteps,
		Duration:    duration,
	}
	if err != nil {
		s.Error = err.Error()
	}
	return s
}

// Proceeds returns filled * avgPrice.
func (s IntentSummary) Proceeds() decimal.Decimal {
	return s.Filled.Mul(s.AvgPrice)
}

// Fields returns the summary as alert key/value fields.
func (s IntentSummary) Fields() []any {
	fields := []any{
		"intent_id", s.IntentID,
		"instrument", s.Instrument,
		"outcome", s.Outcome,
		"filled", s.Filled.String() + "/" + s.Requested.String(),
		"fill_pct", s.FillPct.StringFixed(1),
		"remaining", s.Remaining.String(),
		"avg_price", s.AvgPrice.String(),
		"floor", s.Floor.String(),
		"reprices", s.Reprices,
		"shrink_steps", s.ShrinkSteps,
		"duration", s.Duration.Round(time.Second).String(),
	}
	if s.Shortfall.IsPositive() {
		fields = append(fields, "shortfall", s.Shortfall.String())
	}
	if s.Error != "" {
		fields = append(fields, "error", s.Error)
	}
	return fields
}
