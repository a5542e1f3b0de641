package exchange

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Kind classifies venue failures by how the controller must react.
type Kind int

const (
	KindOther Kind = iota
	KindTransient
	KindInsufficientBalance
	KindRejectedPrice
	KindUnknownOrder
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindInsufficientBalance:
		return "insufficient_balance"
	case KindRejectedPrice:
		return "rejected_price"
	case KindUnknownOrder:
		return "unknown_order"
	default:
		return "other"
	}
}

// Error is a classified venue error.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds a classified error.
func NewError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the classification of err. Unclassified deadline and
// network errors count as transient.
func KindOf(err error) Kind {
	if err == nil {
		return KindOther
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindTransient
	}
	return KindOther
}

func IsTransient(err error) bool           { return KindOf(err) == KindTransient }
func IsInsufficientBalance(err error) bool { return KindOf(err) == KindInsufficientBalance }
func IsRejectedPrice(err error) bool       { return KindOf(err) == KindRejectedPrice }
func IsUnknownOrder(err error) bool        { return KindOf(err) == KindUnknownOrder }
