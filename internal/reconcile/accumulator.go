// Package reconcile tracks the cumulative filled quantity of an order
// across repeated, possibly stale, status observations.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/multierr"

	"github.com/tathienbao/maker-exec/internal/exchange"
	"github.com/tathienbao/maker-exec/internal/status"
	"github.com/tathienbao/maker-exec/internal/types"
)

// Querier is the part of the venue used to re-query an order.
type Querier interface {
	GetOrderStatus(ctx context.Context, orderID string) (exchange.RawStatus, error)
	GetFills(ctx context.Context, orderID string) ([]types.Fill, error)
}

// Error reports a terminal order whose filled quantity could not be
// established even after re-querying.
type Error struct {
	OrderID string
	State   types.OrderState
	Filled  decimal.Decimal // last known cumulative fill
	Err     error
}

func (e *Error) Error() string {
	return fmt.Sprintf("reconcile order %s (%s, last filled %s): %v", e.OrderID, e.State, e.Filled, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Observation is the accumulator state after an observation.
type Observation struct {
	OrderID   string
	State     types.OrderState
	Filled    decimal.Decimal // cumulative, never decreasing
	Delta     decimal.Decimal // newly confirmed since the previous observation
	AvgPrice  decimal.Decimal
	Terminal  bool
	Derived   bool
	Requeried bool
}

// Config holds accumulator configuration.
type Config struct {
	CallTimeout time.Duration // per re-query call, 0 = caller's deadline only
}

// Accumulator maintains filled_total for one order.
type Accumulator struct {
	cfg        Config
	orderID    string
	hint       status.Hint
	normalizer *status.Normalizer
	api        Querier
	logger     *slog.Logger

	mu       sync.Mutex
	filled   decimal.Decimal
	avgPrice decimal.Decimal
	state    types.OrderState
	derived  bool
	final    bool
}

// NewAccumulator creates an accumulator for orderID. hint carries the
// order's requested size and limit price.
func NewAccumulator(orderID string, hint status.Hint, normalizer *status.Normalizer, api Querier, cfg Config, logger *slog.Logger) *Accumulator {
	if logger == nil {
		logger = slog.Default()
	}
	if normalizer == nil {
		normalizer = status.NewNormalizer(status.DefaultConfig())
	}
	return &Accumulator{
		cfg:        cfg,
		orderID:    orderID,
		hint:       hint,
		normalizer: normalizer,
		api:        api,
		logger:     logger.With("order_id", orderID),
		state:      types.OrderStateLive,
	}
}

// OrderID returns the tracked order.
func (a *Accumulator) OrderID() string { return a.orderID }

// Poll fetches the order status and observes it.
func (a *Accumulator) Poll(ctx context.Context) (Observation, error) {
	if snap, done := a.finalSnapshot(); done {
		return snap, nil
	}

	raw, err := a.fetchStatus(ctx)
	if err != nil {
		return a.Snapshot(), fmt.Errorf("poll order %s: %w", a.orderID, err)
	}
	return a.Observe(ctx, raw)
}

// Observe folds one raw status payload into the cumulative state. An
// inconclusive terminal payload triggers a single re-query: status first,
// then the fills list.
func (a *Accumulator) Observe(ctx context.Context, raw exchange.RawStatus) (Observation, error) {
	if snap, done := a.finalSnapshot(); done {
		return snap, nil
	}

	n, err := a.normalizer.Normalize(raw, a.hint)
	switch {
	case err == nil:
		return a.apply(n, false), nil
	case errors.Is(err, types.ErrInconclusiveTerminal):
		return a.requery(ctx, n.State, err)
	default:
		return a.Snapshot(), fmt.Errorf("normalize order %s: %w", a.orderID, err)
	}
}

func (a *Accumulator) requery(ctx context.Context, state types.OrderState, first error) (Observation, error) {
	a.logger.Warn("inconclusive terminal status, re-querying",
		"state", state,
		"err", first,
	)
	causes := first

	raw, err := a.fetchStatus(ctx)
	if err == nil {
		n, nerr := a.normalizer.Normalize(raw, a.hint)
		if nerr == nil {
			return a.apply(n, true), nil
		}
		if n.State != types.OrderStateUnknown {
			state = n.State
		}
		causes = multierr.Append(causes, nerr)
	} else {
		causes = multierr.Append(causes, fmt.Errorf("status re-query: %w", err))
	}

	fills, err := a.fetchFills(ctx)
	if err == nil {
		size, vwap := types.SumFills(fills)
		if a.hint.RequestedSize.IsPositive() && size.GreaterThan(a.hint.RequestedSize) {
			size = a.hint.RequestedSize
		}
		// An empty fills list proves zero only for orders that may legitimately be unfilled.
		if size.IsPositive() || !state.IsFullyFilled() {
			return a.apply(status.Normalized{
				State:    state,
				Filled:   size,
				AvgPrice: vwap,
				Terminal: state.IsTerminal(),
				Shape:    status.ShapeFills,
				Derived:  true,
			}, true), nil
		}
		causes = multierr.Append(causes, errors.New("fills list empty for fully-filled state"))
	} else {
		causes = multierr.Append(causes, fmt.Errorf("fills re-query: %w", err))
	}

	a.mu.Lock()
	a.state = state
	filled := a.filled
	a.mu.Unlock()

	a.logger.Error("reconciliation inconclusive",
		"state", state,
		"filled", filled,
		"err", causes,
	)
	return a.Snapshot(), &Error{
		OrderID: a.orderID,
		State:   state,
		Filled:  filled,
		Err:     multierr.Append(types.ErrReconciliationInconclusive, causes),
	}
}

func (a *Accumulator) apply(n status.Normalized, requeried bool) Observation {
	a.mu.Lock()
	defer a.mu.Unlock()

	delta := decimal.Zero
	switch {
	case n.Filled.GreaterThan(a.filled):
		delta = n.Filled.Sub(a.filled)
		a.filled = n.Filled
		a.derived = n.Derived
		if n.AvgPrice.IsPositive() {
			a.avgPrice = n.AvgPrice
		}
	case n.Filled.LessThan(a.filled):
		a.logger.Debug("stale fill observation ignored",
			"observed", n.Filled,
			"filled", a.filled,
		)
	}
	if n.State != types.OrderStateUnknown {
		a.state = n.State
	}
	if n.Terminal {
		a.final = true
	}

	obs := a.snapshotLocked()
	obs.Delta = delta
	obs.Requeried = requeried
	return obs
}

func (a *Accumulator) fetchStatus(ctx context.Context) (exchange.RawStatus, error) {
	ctx, cancel := a.callContext(ctx)
	defer cancel()
	return a.api.GetOrderStatus(ctx, a.orderID)
}

func (a *Accumulator) fetchFills(ctx context.Context) ([]types.Fill, error) {
	ctx, cancel := a.callContext(ctx)
	defer cancel()
	return a.api.GetFills(ctx, a.orderID)
}

func (a *Accumulator) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if a.cfg.CallTimeout > 0 {
		return context.WithTimeout(ctx, a.cfg.CallTimeout)
	}
	return context.WithCancel(ctx)
}

func (a *Accumulator) finalSnapshot() (Observation, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.snapshotLocked(), a.final
}

// Snapshot returns the current state without querying the venue.
func (a *Accumulator) Snapshot() Observation {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.snapshotLocked()
}

func (a *Accumulator) snapshotLocked() Observation {
	return Observation{
		OrderID:  a.orderID,
		State:    a.state,
		Filled:   a.filled,
		AvgPrice: a.avgPrice,
		Terminal: a.final,
		Derived:  a.derived,
	}
}

// Filled returns the cumulative filled quantity.
func (a *Accumulator) Filled() decimal.Decimal {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.filled
}

// Final reports whether the order reached a terminal state with a
// conclusive fill quantity.
func (a *Accumulator) Final() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.final
}
