// Package sizing resolves insufficient-balance placement failures by
// reclaiming quantity locked in our own open orders and, when that is not
// enough, shrinking the goal along a bounded ladder.
package sizing

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/tathienbao/maker-exec/internal/exchange"
	"github.com/tathienbao/maker-exec/internal/types"
)

// Venue is the part of the exchange the adapter needs.
type Venue interface {
	GetOpenOrders(ctx context.Context, instrument string, side types.Side) ([]types.Order, error)
	CancelOrder(ctx context.Context, orderID string) error
	GetAvailableBalance(ctx context.Context, instrument string) (decimal.Decimal, error)
}

// Config holds shrink ladder configuration.
type Config struct {
	Step           decimal.Decimal // fixed decrement per shrink
	MaxSteps       int
	MinSize        decimal.Decimal // smallest tradable order
	ConfirmTimeout time.Duration   // bound on waiting for cancellations
	PollInterval   time.Duration
	CallTimeout    time.Duration
	MaxConcurrent  int // concurrent cancels
}

// DefaultConfig returns default shrink ladder config.
func DefaultConfig() Config {
	return Config{
		Step:           decimal.NewFromInt(1),
		MaxSteps:       5,
		MinSize:        decimal.NewFromInt(1),
		ConfirmTimeout: 5 * time.Second,
		PollInterval:   250 * time.Millisecond,
		CallTimeout:    5 * time.Second,
		MaxConcurrent:  4,
	}
}

// Validate checks the ladder is bounded.
func (c Config) Validate() error {
	var errs []string
	if !c.Step.IsPositive() {
		errs = append(errs, "step must be positive")
	}
	if c.MaxSteps < 0 {
		errs = append(errs, "max_steps must be >= 0")
	}
	if c.MinSize.IsNegative() {
		errs = append(errs, "min_size must be >= 0")
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %s", types.ErrInvalidConfig, strings.Join(errs, "; "))
	}
	return nil
}

// State is the per-intent ladder state.
type State struct {
	Steps  int
	Shrunk decimal.Decimal // total quantity removed from the goal

	retriedSameSize bool
}

// PlacementSucceeded re-arms the same-size retry after a successful placement.
func (s *State) PlacementSucceeded() {
	s.retriedSameSize = false
}

// Remaining returns how many shrink steps are left.
func (s *State) Remaining(cfg Config) int {
	if r := cfg.MaxSteps - s.Steps; r > 0 {
		return r
	}
	return 0
}

// Availability is a position snapshot corrected for our own locked orders.
type Availability struct {
	PreFree   decimal.Decimal // free balance before cancelling
	Locked    decimal.Decimal // unfilled quantity in our open orders
	Freed     decimal.Decimal // locked quantity of confirmed cancellations
	FreshFree decimal.Decimal // free balance after cancelling
	Available decimal.Decimal // max(FreshFree, PreFree+Freed)
	Cancelled int
}

// Verdict tells the controller how to proceed.
type Verdict int

const (
	VerdictRetrySameSize Verdict = iota
	VerdictShrink
)

func (v Verdict) String() string {
	if v == VerdictShrink {
		return "SHRINK"
	}
	return "RETRY_SAME_SIZE"
}

// Resolution is the result of Resolve.
type Resolution struct {
	Verdict      Verdict
	Goal         decimal.Decimal // size to place next
	Availability Availability
}

// Adapter implements the shrink ladder.
type Adapter struct {
	cfg    Config
	venue  Venue
	logger *slog.Logger
}

// NewAdapter creates an adapter.
func NewAdapter(cfg Config, venue Venue, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig().PollInterval
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	return &Adapter{cfg: cfg, venue: venue, logger: logger}
}

// Config returns the adapter configuration.
func (a *Adapter) Config() Config { return a.cfg }

// Resolve handles an insufficient-balance failure for goal. It cancels our
// open orders on instrument/side, recomputes availability and either asks
// for a same-size retry or shrinks the goal by one step. It returns
// types.ErrSizeExhausted when the ladder is spent.
func (a *Adapter) Resolve(ctx context.Context, instrument string, side types.Side, goal decimal.Decimal, st *State) (Resolution, error) {
	avail, err := a.Snapshot(ctx, instrument, side)
	if err != nil {
		return Resolution{}, err
	}

	logger := a.logger.With("instrument", instrument, "goal", goal)

	if avail.Available.GreaterThanOrEqual(goal) && !st.retriedSameSize {
		st.retriedSameSize = true
		logger.Info("balance sufficient after reclaiming locked quantity, retrying same size",
			"pre_free", avail.PreFree,
			"locked", avail.Locked,
			"fresh_free", avail.FreshFree,
			"available", avail.Available,
		)
		return Resolution{Verdict: VerdictRetrySameSize, Goal: goal, Availability: avail}, nil
	}

	if st.Steps >= a.cfg.MaxSteps {
		return Resolution{Availability: avail}, fmt.Errorf("goal %s after %d shrink steps (available %s): %w",
			goal, st.Steps, avail.Available, types.ErrSizeExhausted)
	}

	next := goal.Sub(a.cfg.Step)
	if !next.IsPositive() || next.LessThan(a.cfg.MinSize) {
		return Resolution{Availability: avail}, fmt.Errorf("goal %s minus step %s below min size %s: %w",
			goal, a.cfg.Step, a.cfg.MinSize, types.ErrSizeExhausted)
	}

	st.Steps++
	st.Shrunk = st.Shrunk.Add(a.cfg.Step)
	st.retriedSameSize = false

	logger.Warn("shrinking goal",
		"next", next,
		"step", st.Steps,
		"max_steps", a.cfg.MaxSteps,
		"available", avail.Available,
	)
	return Resolution{Verdict: VerdictShrink, Goal: next, Availability: avail}, nil
}

// Snapshot cancels our open orders on instrument/side and returns the
// corrected availability.
func (a *Adapter) Snapshot(ctx context.Context, instrument string, side types.Side) (Availability, error) {
	var avail Availability

	preFree, err := a.balance(ctx, instrument)
	if err != nil {
		return avail, fmt.Errorf("read free balance: %w", err)
	}
	avail.PreFree = preFree

	open, err := a.openOrders(ctx, instrument, side)
	if err != nil {
		return avail, fmt.Errorf("list open orders: %w", err)
	}
	for _, o := range open {
		avail.Locked = avail.Locked.Add(o.Unfilled())
	}

	if len(open) > 0 {
		if err := a.cancelAll(ctx, open); err != nil {
			a.logger.Warn("some cancellations failed", "err", err)
		}
		gone := a.waitGone(ctx, instrument, side, open)
		for _, o := range open {
			if gone[o.ID] {
				avail.Freed = avail.Freed.Add(o.Unfilled())
				avail.Cancelled++
			}
		}
	}

	fresh, err := a.balance(ctx, instrument)
	if err != nil {
		return avail, fmt.Errorf("re-read free balance: %w", err)
	}
	avail.FreshFree = fresh
	avail.Available = decimal.Max(fresh, preFree.Add(avail.Freed))
	return avail, nil
}

// cancelAll cancels orders concurrently. Unknown-order errors mean the
// order is already gone and are not failures.
func (a *Adapter) cancelAll(ctx context.Context, orders []types.Order) error {
	var (
		mu   sync.Mutex
		errs error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.cfg.MaxConcurrent)

	for _, o := range orders {
		id := o.ID
		g.Go(func() error {
			cctx, cancel := a.callContext(gctx)
			defer cancel()
			if err := a.venue.CancelOrder(cctx, id); err != nil && !exchange.IsUnknownOrder(err) {
				mu.Lock()
				errs = multierr.Append(errs, fmt.Errorf("cancel %s: %w", id, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errs
}

// waitGone polls open orders until every cancelled order has disappeared
// or the confirm timeout elapses. It returns the IDs confirmed gone.
func (a *Adapter) waitGone(ctx context.Context, instrument string, side types.Side, cancelled []types.Order) map[string]bool {
	gone := make(map[string]bool, len(cancelled))

	var deadline <-chan time.Time
	if a.cfg.ConfirmTimeout > 0 {
		timer := time.NewTimer(a.cfg.ConfirmTimeout)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		open, err := a.openOrders(ctx, instrument, side)
		if err == nil {
			still := make(map[string]bool, len(open))
			for _, o := range open {
				still[o.ID] = true
			}
			pending := 0
			for _, o := range cancelled {
				if still[o.ID] {
					pending++
				} else {
					gone[o.ID] = true
				}
			}
			if pending == 0 {
				return gone
			}
		}

		select {
		case <-ctx.Done():
			return gone
		case <-deadline:
			a.logger.Warn("cancellation not confirmed before timeout",
				"confirmed", len(gone),
				"requested", len(cancelled),
			)
			return gone
		case <-time.After(a.cfg.PollInterval):
		}
	}
}

func (a *Adapter) balance(ctx context.Context, instrument string) (decimal.Decimal, error) {
	ctx, cancel := a.callContext(ctx)
	defer cancel()
	return a.venue.GetAvailableBalance(ctx, instrument)
}

func (a *Adapter) openOrders(ctx context.Context, instrument string, side types.Side) ([]types.Order, error) {
	ctx, cancel := a.callContext(ctx)
	defer cancel()
	return a.venue.GetOpenOrders(ctx, instrument, side)
}

func (a *Adapter) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if a.cfg.CallTimeout > 0 {
		return context.WithTimeout(ctx, a.cfg.CallTimeout)
	}
	return context.WithCancel(ctx)
}
