package status

import (
	"encoding/json"
	"math"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/tathienbao/maker-exec/internal/exchange"
	"github.com/tathienbao/maker-exec/internal/types"
)

// Field aliases observed across venues and API versions, in lookup order.
var (
	stateKeys = []string{"status", "state", "orderStatus", "order_status"}

	directKeys = []string{
		"filledAmount", "filled_amount",
		"size_matched", "sizeMatched",
		"matched_amount", "matchedAmount",
		"filledSize", "filled_size",
		"filledQty", "filled_qty",
		"executedQty", "executed_qty",
		"filled",
	}

	quoteKeys = []string{
		"filledAmountQuote", "filled_amount_quote",
		"filledQuote", "filled_quote",
		"cummulativeQuoteQty", "cumQuote",
		"filled_notional", "cost",
	}

	avgPriceKeys = []string{"avgPrice", "avg_price", "averagePrice", "average", "avg_fill_price", "avgPx"}

	limitPriceKeys = []string{"price", "limitPrice", "limit_price", "px"}

	fillsKeys = []string{"fills", "trades", "matches", "associate_trades"}

	fillSizeKeys  = []string{"size", "qty", "quantity", "amount", "filled", "matched_amount"}
	fillPriceKeys = []string{"price", "px"}

	sizeKeys = []string{"size", "quantity", "original_size", "originalSize", "origQty", "orig_qty", "amount"}

	envelopeKeys = []string{"order", "data", "result"}
)

// ParseState maps a venue status spelling to an OrderState.
func ParseState(s string) types.OrderState {
	norm := strings.ToUpper(strings.TrimSpace(s))
	norm = strings.NewReplacer(" ", "_", "-", "_").Replace(norm)
	norm = strings.TrimPrefix(norm, "ORDER_STATUS_")

	switch norm {
	case "LIVE", "OPEN", "NEW", "ACTIVE", "PENDING", "UNMATCHED", "RESTING", "PLACED", "DELAYED":
		return types.OrderStateLive
	case "PARTIALLY_FILLED", "PARTIALLYFILLED", "PARTIAL", "PARTIAL_FILL", "PARTIALLY_MATCHED":
		return types.OrderStatePartiallyFilled
	case "MATCHED":
		return types.OrderStateMatched
	case "FILLED", "CLOSED", "DONE", "COMPLETE", "COMPLETED", "EXECUTED":
		return types.OrderStateFilled
	case "REJECTED", "FAILED":
		return types.OrderStateRejected
	case "EXPIRED":
		return types.OrderStateExpired
	}
	if strings.HasPrefix(norm, "CANCEL") {
		return types.OrderStateCancelled
	}
	return types.OrderStateUnknown
}

// lookup returns the first present, non-nil alias.
func lookup(raw map[string]any, keys []string) (any, bool) {
	for _, k := range keys {
		if v, ok := raw[k]; ok && v != nil {
			return v, true
		}
	}
	return nil, false
}

// lookupDecimal returns the first alias that parses as a finite, non-negative number.
func lookupDecimal(raw map[string]any, keys []string) (decimal.Decimal, bool) {
	for _, k := range keys {
		v, ok := raw[k]
		if !ok || v == nil {
			continue
		}
		if d, ok := toDecimal(v); ok && !d.IsNegative() {
			return d, true
		}
	}
	return decimal.Zero, false
}

func lookupString(raw map[string]any, keys []string) string {
	v, ok := lookup(raw, keys)
	if !ok {
		return ""
	}
	switch s := v.(type) {
	case string:
		return s
	case json.Number:
		return s.String()
	default:
		return ""
	}
}

func toDecimal(v any) (decimal.Decimal, bool) {
	switch n := v.(type) {
	case decimal.Decimal:
		return n, true
	case float64:
		if math.IsNaN(n) || math.IsInf(n, 0) {
			return decimal.Zero, false
		}
		return decimal.NewFromFloat(n), true
	case float32:
		f := float64(n)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return decimal.Zero, false
		}
		return decimal.NewFromFloat32(n), true
	case int:
		return decimal.NewFromInt(int64(n)), true
	case int64:
		return decimal.NewFromInt(n), true
	case int32:
		return decimal.NewFromInt32(n), true
	case json.Number:
		d, err := decimal.NewFromString(n.String())
		return d, err == nil
	case string:
		s := strings.TrimSpace(n)
		if s == "" {
			return decimal.Zero, false
		}
		d, err := decimal.NewFromString(s)
		return d, err == nil
	default:
		return decimal.Zero, false
	}
}

// unwrap descends into a single-level envelope such as {"order": {...}}.
func unwrap(raw map[string]any) map[string]any {
	if _, ok := lookup(raw, stateKeys); ok {
		return raw
	}
	for _, k := range envelopeKeys {
		if inner, ok := asMap(raw[k]); ok {
			return inner
		}
	}
	return raw
}

func asMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case exchange.RawStatus:
		return m, true
	default:
		return nil, false
	}
}
