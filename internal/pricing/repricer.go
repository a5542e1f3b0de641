// Package pricing decides, each tick, where the resting sell order should sit
// relative to the best ask without ever going below the floor.
package pricing

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/tathienbao/maker-exec/internal/types"
)

// Action is the repricer's decision for one tick.
type Action int

const (
	ActionHold       Action = iota // keep the resting order
	ActionPlace                    // no order resting, place one
	ActionReplace                  // cancel and re-place at a new price
	ActionCancelHold               // cancel and stay out until the ask recovers
	ActionWait                     // no order resting and none should be placed
)

func (a Action) String() string {
	switch a {
	case ActionHold:
		return "HOLD"
	case ActionPlace:
		return "PLACE"
	case ActionReplace:
		return "REPLACE"
	case ActionCancelHold:
		return "CANCEL_HOLD"
	case ActionWait:
		return "WAIT"
	default:
		return "UNKNOWN"
	}
}

// Config holds repricer configuration.
type Config struct {
	// Tolerance is the largest |resting - target| that still holds.
	// Zero tracks the ask exactly.
	Tolerance decimal.Decimal
	// TickSize rounds target prices up. Zero disables rounding.
	TickSize decimal.Decimal
}

// Input is the market and order state for one tick.
type Input struct {
	BestAsk      decimal.Decimal // zero when the ask side is empty
	Floor        decimal.Decimal
	Resting      bool
	RestingPrice decimal.Decimal
	Goal         decimal.Decimal
}

// Decision is the outcome of Decide.
type Decision struct {
	Action Action
	Price  decimal.Decimal // target for PLACE and REPLACE
	Reason string
}

// Repricer is stateless; one instance may serve many intents.
type Repricer struct {
	cfg Config
}

// NewRepricer creates a repricer.
func NewRepricer(cfg Config) *Repricer {
	if cfg.Tolerance.IsNegative() {
		cfg.Tolerance = decimal.Zero
	}
	return &Repricer{cfg: cfg}
}

// Decide applies the repricing rules to one tick.
func (r *Repricer) Decide(in Input) Decision {
	if !in.Goal.IsPositive() {
		if in.Resting {
			return Decision{Action: ActionHold, Reason: "no remaining goal"}
		}
		return Decision{Action: ActionWait, Reason: "no remaining goal"}
	}

	if !in.BestAsk.IsPositive() {
		if in.Resting && in.RestingPrice.GreaterThanOrEqual(in.Floor) {
			return Decision{Action: ActionHold, Reason: "ask side empty"}
		}
		if in.Resting {
			return Decision{Action: ActionCancelHold, Reason: "resting below floor"}
		}
		return Decision{Action: ActionWait, Reason: "ask side empty"}
	}

	if in.BestAsk.LessThan(in.Floor) {
		if in.Resting {
			return Decision{Action: ActionCancelHold, Reason: fmt.Sprintf("ask %s below floor %s", in.BestAsk, in.Floor)}
		}
		return Decision{Action: ActionWait, Reason: fmt.Sprintf("ask %s below floor %s", in.BestAsk, in.Floor)}
	}

	target := r.Target(in.BestAsk, in.Floor)

	if !in.Resting {
		return Decision{Action: ActionPlace, Price: target, Reason: "no resting order"}
	}

	if in.RestingPrice.LessThan(in.Floor) {
		return Decision{Action: ActionReplace, Price: target, Reason: "resting below floor"}
	}

	if in.RestingPrice.Sub(target).Abs().GreaterThan(r.cfg.Tolerance) {
		return Decision{
			Action: ActionReplace,
			Price:  target,
			Reason: fmt.Sprintf("resting %s off target %s", in.RestingPrice, target),
		}
	}
	return Decision{Action: ActionHold, Reason: "within tolerance"}
}

// Target returns max(ask, floor) rounded up to the tick.
func (r *Repricer) Target(ask, floor decimal.Decimal) decimal.Decimal {
	return RoundUp(decimal.Max(ask, floor), r.cfg.TickSize)
}

// RoundUp rounds price up to a multiple of tick. Rounding up keeps a
// price that is at or above the floor at or above it.
func RoundUp(price, tick decimal.Decimal) decimal.Decimal {
	if !tick.IsPositive() {
		return price
	}
	return price.Div(tick).Ceil().Mul(tick)
}

// CheckFloor rejects a price below floor.
func CheckFloor(price, floor decimal.Decimal) error {
	if price.LessThan(floor) {
		return fmt.Errorf("price %s below floor %s: %w", price, floor, types.ErrFloorViolation)
	}
	return nil
}
