// Package types defines shared types used across the execution system.
package types

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Side represents the direction of an order.
type Side int

const (
	SideUnknown Side = iota
	SideBuy
	SideSell
)

func (s Side) String() string {
	switch s {
	case SideBuy:
		return "BUY"
	case SideSell:
		return "SELL"
	default:
		return "UNKNOWN"
	}
}

// ParseSide parses a venue side string. Unknown spellings map to SideUnknown.
func ParseSide(s string) Side {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "BUY", "BID", "B":
		return SideBuy
	case "SELL", "ASK", "S":
		return SideSell
	default:
		return SideUnknown
	}
}

// OrderState represents the exchange-reported lifecycle state of an order.
type OrderState int

const (
	OrderStateUnknown OrderState = iota
	OrderStateLive
	OrderStatePartiallyFilled
	OrderStateMatched
	OrderStateFilled
	OrderStateCancelled
	OrderStateRejected
	OrderStateExpired
)

func (s OrderState) String() string {
	switch s {
	case OrderStateLive:
		return "LIVE"
	case OrderStatePartiallyFilled:
		return "PARTIALLY_FILLED"
	case OrderStateMatched:
		return "MATCHED"
	case OrderStateFilled:
		return "FILLED"
	case OrderStateCancelled:
		return "CANCELLED"
	case OrderStateRejected:
		return "REJECTED"
	case OrderStateExpired:
		return "EXPIRED"
	default:
		return "UNKNOWN"
	}
}

// IsTerminal returns true if no further fills or price changes can occur.
func (s OrderState) IsTerminal() bool {
	switch s {
	case OrderStateMatched, OrderStateFilled, OrderStateCancelled, OrderStateRejected, OrderStateExpired:
		return true
	default:
		return false
	}
}

// IsFullyFilled returns true for states whose exchange semantics mean the
// whole order executed.
func (s OrderState) IsFullyFilled() bool {
	return s == OrderStateMatched || s == OrderStateFilled
}

// IsOpen returns true if the order can still rest on the book.
func (s OrderState) IsOpen() bool {
	return s == OrderStateLive || s == OrderStatePartiallyFilled
}

// Order represents an order submitted by the controller.
type Order struct {
	ID            string
	ClientOrderID string
	Instrument    string
	Side          Side
	Price         decimal.Decimal
	Size          decimal.Decimal     // original requested size
	State         OrderState
	RawFilled     decimal.NullDecimal // exchange-reported filled amount, pre-normalization
	CreatedAt     time.Time
}

// Unfilled returns the quantity still locked by the order.
func (o Order) Unfilled() decimal.Decimal {
	rem := o.Size
	if o.RawFilled.Valid {
		rem = rem.Sub(o.RawFilled.Decimal)
	}
	if rem.IsNegative() {
		return decimal.Zero
	}
	return rem
}

// Fill is a single execution reported by the exchange.
type Fill struct {
	TradeID   string
	OrderID   string
	Price     decimal.Decimal
	Size      decimal.Decimal // base units
	Timestamp time.Time
}

// SumFills returns the total size and volume-weighted price of fills.
func SumFills(fills []Fill) (size, avgPrice decimal.Decimal) {
	notional := decimal.Zero
	for _, f := range fills {
		size = size.Add(f.Size)
		notional = notional.Add(f.Size.Mul(f.Price))
	}
	if size.IsPositive() {
		avgPrice = notional.Div(size)
	}
	return size, avgPrice
}

// InstrumentKey identifies a single control-loop slot.
type InstrumentKey struct {
	Instrument string
	Side       Side
}

func (k InstrumentKey) String() string {
	return k.Instrument + "/" + k.Side.String()
}
