// Package exchange defines the venue boundary consumed by the execution controller.
package exchange

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/maker-exec/internal/types"
)

// RawStatus is an order status payload as returned by a venue. Field names
// and value types vary across venues and API versions; the status package
// owns the interpretation.
type RawStatus map[string]any

// Clone returns a shallow copy of the payload.
func (r RawStatus) Clone() RawStatus {
	out := make(RawStatus, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// OrderRequest is a limit order submission.
type OrderRequest struct {
	ClientOrderID string
	Instrument    string
	Side          types.Side
	Price         decimal.Decimal
	Size          decimal.Decimal
	PostOnly      bool
}

// OrderAPI is the order-management surface of a venue.
type OrderAPI interface {
	PlaceOrder(ctx context.Context, req OrderRequest) (string, error)
	CancelOrder(ctx context.Context, orderID string) error
	GetOrderStatus(ctx context.Context, orderID string) (RawStatus, error)
	GetFills(ctx context.Context, orderID string) ([]types.Fill, error)
	GetOpenOrders(ctx context.Context, instrument string, side types.Side) ([]types.Order, error)
	// FindOrder looks an order up by client order ID whether it is open or
	// closed. It fails with KindUnknownOrder when the venue never accepted it.
	FindOrder(ctx context.Context, instrument, clientOrderID string) (types.Order, error)
}

// OrderBinder is implemented by venues that need an order's instrument to
// address it, for orders placed by an earlier process.
type OrderBinder interface {
	BindOrder(orderID, instrument string)
}

// Bind tells v which instrument orderID trades, if v needs to know.
func Bind(v Venue, orderID, instrument string) {
	if b, ok := v.(OrderBinder); ok {
		b.BindOrder(orderID, instrument)
	}
}

// PositionAPI reports the free (unlocked) balance of the instrument.
type PositionAPI interface {
	GetAvailableBalance(ctx context.Context, instrument string) (decimal.Decimal, error)
}

// MarketData reports the current best ask of other participants: the
// venue's own resting sells are left out. A zero price means the ask side is
// empty.
type MarketData interface {
	GetBestAsk(ctx context.Context, instrument string) (decimal.Decimal, error)
}

// Venue combines every surface the controller needs.
type Venue interface {
	OrderAPI
	PositionAPI
	MarketData

	Name() string
	Close() error
}

// LatencyObserver receives the duration and outcome of each venue call.
type LatencyObserver interface {
	ObserveExchangeLatency(op string, d time.Duration, err error)
}

// Instrumented decorates a Venue with latency observation.
type Instrumented struct {
	Venue
	obs LatencyObserver
}

// NewInstrumented returns v wrapped so every call reports latency to obs.
func NewInstrumented(v Venue, obs LatencyObserver) *Instrumented {
	return &Instrumented{Venue: v, obs: obs}
}

func (i *Instrumented) observe(op string, start time.Time, err error) {
	if i.obs != nil {
		i.obs.ObserveExchangeLatency(op, time.Since(start), err)
	}
}

func (i *Instrumented) PlaceOrder(ctx context.Context, req OrderRequest) (id string, err error) {
	start := time.Now()
	defer func() { i.observe("place_order", start, err) }()
	return i.Venue.PlaceOrder(ctx, req)
}

func (i *Instrumented) CancelOrder(ctx context.Context, orderID string) (err error) {
	start := time.Now()
	defer func() { i.observe("cancel_order", start, err) }()
	return i.Venue.CancelOrder(ctx, orderID)
}

func (i *Instrumented) GetOrderStatus(ctx context.Context, orderID string) (raw RawStatus, err error) {
	start := time.Now()
	defer func() { i.observe("get_order_status", start, err) }()
	return i.Venue.GetOrderStatus(ctx, orderID)
}

func (i *Instrumented) GetFills(ctx context.Context, orderID string) (fills []types.Fill, err error) {
	start := time.Now()
	defer func() { i.observe("get_fills", start, err) }()
	return i.Venue.GetFills(ctx, orderID)
}

func (i *Instrumented) GetOpenOrders(ctx context.Context, instrument string, side types.Side) (orders []types.Order, err error) {
	start := time.Now()
	defer func() { i.observe("get_open_orders", start, err) }()
	return i.Venue.GetOpenOrders(ctx, instrument, side)
}

func (i *Instrumented) FindOrder(ctx context.Context, instrument, clientOrderID string) (o types.Order, err error) {
	start := time.Now()
	defer func() { i.observe("find_order", start, err) }()
	return i.Venue.FindOrder(ctx, instrument, clientOrderID)
}

// BindOrder forwards to the wrapped venue.
func (i *Instrumented) BindOrder(orderID, instrument string) {
	Bind(i.Venue, orderID, instrument)
}

func (i *Instrumented) GetAvailableBalance(ctx context.Context, instrument string) (bal decimal.Decimal, err error) {
	start := time.Now()
	defer func() { i.observe("get_balance", start, err) }()
	return i.Venue.GetAvailableBalance(ctx, instrument)
}

func (i *Instrumented) GetBestAsk(ctx context.Context, instrument string) (ask decimal.Decimal, err error) {
	start := time.Now()
	defer func() { i.observe("get_best_ask", start, err) }()
	return i.Venue.GetBestAsk(ctx, instrument)
}

var (
	_ Venue       = (*Instrumented)(nil)
	_ OrderBinder = (*Instrumented)(nil)
)
