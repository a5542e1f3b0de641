// Package status converts heterogeneous venue order-status payloads into a
// canonical fill record.
//
// Filled quantity is derived from the first shape that yields evidence:
//
//	direct     base-unit filled amount
//	quote      filled quote value divided by average (or limit) price
//	fills      sum of a list of partial fills
//	size       generic size/quantity, only for fully-filled states
//
// A zero direct amount on a MATCHED/FILLED payload is not evidence and
// falls through to the next shape.
package status

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/tathienbao/maker-exec/internal/exchange"
	"github.com/tathienbao/maker-exec/internal/types"
)

// Shape identifies which payload shape produced the filled quantity.
type Shape int

const (
	ShapeNone Shape = iota
	ShapeDirect
	ShapeQuote
	ShapeFills
	ShapeSize
)

func (s Shape) String() string {
	switch s {
	case ShapeDirect:
		return "direct"
	case ShapeQuote:
		return "quote"
	case ShapeFills:
		return "fills"
	case ShapeSize:
		return "size"
	default:
		return "none"
	}
}

// Hint carries order context the payload may omit.
type Hint struct {
	RequestedSize decimal.Decimal // zero when unknown
	LimitPrice    decimal.Decimal // zero when unknown
}

// Normalized is the canonical fill record for one observation.
type Normalized struct {
	State    types.OrderState
	Filled   decimal.Decimal
	AvgPrice decimal.Decimal
	Terminal bool
	Shape    Shape
	Derived  bool // true unless reported directly in base units
}

// Config holds normalizer configuration.
type Config struct {
	QuantityDecimals int32
}

// DefaultConfig returns default normalizer config.
func DefaultConfig() Config {
	return Config{QuantityDecimals: 6}
}

// Normalizer interprets status payloads. It is stateless and safe for
// concurrent use.
type Normalizer struct {
	cfg Config
}

// NewNormalizer creates a normalizer.
func NewNormalizer(cfg Config) *Normalizer {
	if cfg.QuantityDecimals <= 0 {
		cfg.QuantityDecimals = DefaultConfig().QuantityDecimals
	}
	return &Normalizer{cfg: cfg}
}

// Normalize interprets raw. When a terminal state carries no usable fill
// evidence it returns types.ErrInconclusiveTerminal together with a
// Normalized whose State and Terminal fields are still valid.
func (n *Normalizer) Normalize(raw exchange.RawStatus, hint Hint) (Normalized, error) {
	if raw == nil {
		return Normalized{}, types.ErrMalformedPayload
	}
	payload := unwrap(raw)

	state := ParseState(lookupString(payload, stateKeys))
	out := Normalized{
		State:    state,
		Terminal: state.IsTerminal(),
	}

	limit := hint.LimitPrice
	if p, ok := lookupDecimal(payload, limitPriceKeys); ok && p.IsPositive() {
		limit = p
	}
	avg, hasAvg := lookupDecimal(payload, avgPriceKeys)
	hasAvg = hasAvg && avg.IsPositive()

	filled, price, shape := n.derive(payload, state, limit, avg, hasAvg)
	if shape == ShapeNone {
		if inconclusive(state, hint) {
			return out, fmt.Errorf("%s order: %w", state, types.ErrInconclusiveTerminal)
		}
		// Open or unfilled terminal orders report zero.
		out.Derived = true
		return out, nil
	}

	filled = filled.Round(n.cfg.QuantityDecimals)
	if filled.IsZero() && state.IsFullyFilled() {
		return out, fmt.Errorf("%s order below quantity precision: %w", state, types.ErrInconclusiveTerminal)
	}
	if shape != ShapeDirect && hint.RequestedSize.IsPositive() && filled.GreaterThan(hint.RequestedSize) {
		filled = hint.RequestedSize
	}

	out.Filled = filled
	out.AvgPrice = price
	out.Shape = shape
	out.Derived = shape != ShapeDirect
	return out, nil
}

// derive applies the shapes in precedence order. ShapeNone means no field
// gave usable evidence, including proof of zero.
func (n *Normalizer) derive(p map[string]any, state types.OrderState, limit, avg decimal.Decimal, hasAvg bool) (decimal.Decimal, decimal.Decimal, Shape) {
	fullyFilled := state.IsFullyFilled()

	priceOr := func(fallback decimal.Decimal) decimal.Decimal {
		if hasAvg {
			return avg
		}
		return fallback
	}

	// (a) direct
	if v, ok := lookupDecimal(p, directKeys); ok {
		if v.IsPositive() || !fullyFilled {
			return v, priceOr(limit), ShapeDirect
		}
	}

	// (b) quote value
	if q, ok := lookupDecimal(p, quoteKeys); ok {
		div := priceOr(limit)
		switch {
		case q.IsPositive() && div.IsPositive():
			return q.Div(div), div, ShapeQuote
		case q.IsZero() && !fullyFilled:
			return decimal.Zero, div, ShapeQuote
		}
	}

	// (c) fills list
	if list, ok := lookup(p, fillsKeys); ok {
		if fills, ok := parseFills(list); ok {
			size, vwap := types.SumFills(fills)
			if size.IsPositive() || !fullyFilled {
				return size, vwap, ShapeFills
			}
		}
	}

	// (d) size fallback
	if fullyFilled {
		if s, ok := lookupDecimal(p, sizeKeys); ok && s.IsPositive() {
			return s, priceOr(limit), ShapeSize
		}
	}

	return decimal.Zero, decimal.Zero, ShapeNone
}

func parseFills(v any) ([]types.Fill, bool) {
	items, ok := v.([]any)
	if !ok {
		if typed, ok2 := v.([]map[string]any); ok2 {
			items = make([]any, len(typed))
			for i := range typed {
				items[i] = typed[i]
			}
			ok = true
		}
	}
	if !ok {
		return nil, false
	}

	fills := make([]types.Fill, 0, len(items))
	for _, it := range items {
		m, ok := asMap(it)
		if !ok {
			// Lists of trade IDs carry no quantities.
			return nil, false
		}
		size, ok := lookupDecimal(m, fillSizeKeys)
		if !ok {
			return nil, false
		}
		price, _ := lookupDecimal(m, fillPriceKeys)
		fills = append(fills, types.Fill{Size: size, Price: price})
	}
	return fills, true
}

// inconclusive reports whether a missing fill quantity must be surfaced
// rather than read as zero.
func inconclusive(state types.OrderState, hint Hint) bool {
	switch state {
	case types.OrderStateMatched, types.OrderStateFilled:
		return true
	case types.OrderStateCancelled, types.OrderStateExpired:
		// A cancelled order may have partially filled before the cancel.
		return hint.RequestedSize.IsPositive()
	default:
		return false
	}
}
