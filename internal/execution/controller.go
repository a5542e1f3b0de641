// Package execution runs maker-side sell intents: one resting limit order
// per intent, repriced to the best ask and never below the floor.
package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/multierr"

	"github.com/tathienbao/maker-exec/internal/exchange"
	"github.com/tathienbao/maker-exec/internal/persistence"
	"github.com/tathienbao/maker-exec/internal/pricing"
	"github.com/tathienbao/maker-exec/internal/reconcile"
	"github.com/tathienbao/maker-exec/internal/sizing"
	"github.com/tathienbao/maker-exec/internal/status"
	"github.com/tathienbao/maker-exec/internal/types"
)

var errCancelUnconfirmed = errors.New("order cancellation not confirmed")

// Config holds controller configuration.
type Config struct {
	TickInterval       time.Duration
	CallTimeout        time.Duration // per venue call
	MaxPlaceAttempts   int           // consecutive failed placements before abort
	MaxTransientErrors int           // consecutive failed polls/cancels before abort
	BackoffBase        time.Duration
	BackoffMax         time.Duration
	CancelTimeout      time.Duration // cleanup budget on stop or abort
	CancelConfirmPolls int
	CancelPollInterval time.Duration
	PostOnly           bool
	MinSize            decimal.Decimal
}

// DefaultConfig returns default controller configuration.
func DefaultConfig() Config {
	return Config{
		TickInterval:       2 * time.Second,
		CallTimeout:        5 * time.Second,
		MaxPlaceAttempts:   5,
		MaxTransientErrors: 10,
		BackoffBase:        500 * time.Millisecond,
		BackoffMax:         10 * time.Second,
		CancelTimeout:      15 * time.Second,
		CancelConfirmPolls: 10,
		CancelPollInterval: 250 * time.Millisecond,
		PostOnly:           true,
		MinSize:            decimal.NewFromInt(1),
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	var errs []string
	if c.TickInterval <= 0 {
		errs = append(errs, "tick_interval must be > 0")
	}
	if c.CallTimeout <= 0 {
		errs = append(errs, "call_timeout must be > 0")
	}
	if c.MaxPlaceAttempts < 1 {
		errs = append(errs, "max_place_attempts must be >= 1")
	}
	if c.MaxTransientErrors < 0 {
		errs = append(errs, "max_transient_errors must be >= 0")
	}
	if c.BackoffMax < c.BackoffBase {
		errs = append(errs, "backoff_max must be >= backoff_base")
	}
	if c.CancelTimeout <= 0 {
		errs = append(errs, "cancel_timeout must be > 0")
	}
	if c.CancelConfirmPolls < 1 {
		errs = append(errs, "cancel_confirm_polls must be >= 1")
	}
	if c.MinSize.IsNegative() {
		errs = append(errs, "min_size must be >= 0")
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %s", types.ErrInvalidConfig, strings.Join(errs, "; "))
	}
	return nil
}

// Intent is a request to sell Size of Instrument at or above Floor.
type Intent struct {
	ID         string
	Instrument string
	Size       decimal.Decimal
	Floor      decimal.Decimal
}

// Key returns the single-flight key of the intent.
func (in Intent) Key() types.InstrumentKey {
	return types.InstrumentKey{Instrument: in.Instrument, Side: types.SideSell}
}

func (in Intent) validate(minSize decimal.Decimal) error {
	if in.Instrument == "" {
		return errors.New("instrument is required")
	}
	if !in.Size.IsPositive() {
		return fmt.Errorf("size %s: %w", in.Size, types.ErrInvalidSize)
	}
	if in.Size.LessThan(minSize) {
		return fmt.Errorf("size %s below min size %s: %w", in.Size, minSize, types.ErrInvalidSize)
	}
	if !in.Floor.IsPositive() {
		return fmt.Errorf("floor %s: %w", in.Floor, types.ErrInvalidPrice)
	}
	return nil
}

type restingOrder struct {
	id       string
	clientID string
	price    decimal.Decimal
	size     decimal.Decimal
	acc      *reconcile.Accumulator
}

// Controller drives one sell intent through the state machine. Run owns
// every field except last and snap, which Status and Snapshot read
// concurrently.
type Controller struct {
	cfg        Config
	intent     Intent
	venue      exchange.Venue
	repricer   *pricing.Repricer
	sizer      *sizing.Adapter
	normalizer *status.Normalizer
	rec        Recorder
	journal    Journal
	logger     *slog.Logger
	onEvent    func(StatusEvent)

	ran      atomic.Bool
	stop     chan struct{}
	stopOnce sync.Once

	state         State
	outcome       Outcome
	settled       decimal.Decimal // fills of closed orders
	notional      decimal.Decimal
	ladder        sizing.State
	order         *restingOrder
	pendingClient string // client ID of a placement that timed out
	bestAsk       decimal.Decimal
	placeFailures int
	failures      int
	orders        int
	reprices      int
	seq           int64
	started       time.Time

	mu   sync.Mutex
	last StatusEvent
	snap Result
}

// NewController creates a controller for intent. onEvent, if set, is
// called from the Run goroutine for every status event.
func NewController(cfg Config, intent Intent, deps Deps, onEvent func(StatusEvent), logger *slog.Logger) (*Controller, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := intent.validate(cfg.MinSize); err != nil {
		return nil, err
	}
	deps, err := deps.withDefaults(logger)
	if err != nil {
		return nil, err
	}

	c := &Controller{
		cfg:        cfg,
		intent:     intent,
		venue:      deps.Venue,
		repricer:   deps.Repricer,
		sizer:      deps.Sizer,
		normalizer: deps.Normalizer,
		rec:        deps.Recorder,
		journal:    deps.Journal,
		logger:     logger.With("intent_id", intent.ID, "instrument", intent.Instrument),
		onEvent:    onEvent,
		stop:       make(chan struct{}),
		state:      StateIdle,
	}
	c.last = StatusEvent{
		IntentID:   intent.ID,
		Instrument: intent.Instrument,
		State:      StateIdle,
		Remaining:  intent.Size,
	}
	c.snap = Result{
		IntentID:   intent.ID,
		Instrument: intent.Instrument,
		Requested:  intent.Size,
		Floor:      intent.Floor,
		Remaining:  intent.Size,
	}
	return c, nil
}

// Intent returns the controlled intent.
func (c *Controller) Intent() Intent { return c.intent }

// Stop asks Run to cancel any resting order and return. It does not wait.
func (c *Controller) Stop() {
	c.stopOnce.Do(func() { close(c.stop) })
}

// Status returns the latest status event.
func (c *Controller) Status() StatusEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

// Snapshot returns the accounting as of the latest status event.
func (c *Controller) Snapshot() Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snap
}

// Run executes the intent until it fills, is stopped, or fails. A nil
// error means FILLED or CANCELLED; failures are *IntentError.
func (c *Controller) Run(ctx context.Context) (Result, error) {
	if !c.ran.CompareAndSwap(false, true) {
		return c.Snapshot(), fmt.Errorf("run intent %s: %w", c.intent.ID, types.ErrIntentTerminated)
	}
	c.started = time.Now()

	c.logger.Info("sell intent started",
		"size", c.intent.Size,
		"floor", c.intent.Floor,
	)
	c.emit(ctx, "intent started", true)

	for {
		select {
		case <-c.stop:
			return c.shutdown(ctx, types.ErrStopped)
		case <-ctx.Done():
			return c.shutdown(ctx, ctx.Err())
		default:
		}

		wait, err := c.step(ctx)
		if err != nil {
			if c.interrupted(ctx) && !errors.Is(err, types.ErrFloorViolation) {
				return c.shutdown(ctx, err)
			}
			return c.abort(ctx, err)
		}
		if c.state == StateTerminated {
			return c.finish(ctx, nil)
		}
		sleep(ctx, c.stop, wait)
	}
}

func (c *Controller) interrupted(ctx context.Context) bool {
	select {
	case <-c.stop:
		return true
	default:
		return ctx.Err() != nil
	}
}

// step runs one tick and returns how long to wait before the next.
func (c *Controller) step(ctx context.Context) (time.Duration, error) {
	switch c.state {
	case StateIdle:
		return 0, c.transition(StatePlacing)
	case StatePlacing:
		return c.place(ctx)
	case StateResting:
		return c.poll(ctx)
	case StateRepricing:
		return c.reprice(ctx)
	case StateShrinking:
		return c.shrink(ctx)
	default:
		return 0, fmt.Errorf("step in state %s", c.state)
	}
}

func (c *Controller) transition(to State) error {
	if err := canTransition(c.state, to); err != nil {
		return err
	}
	if c.state != to {
		c.logger.Debug("state transition", "from", c.state, "to", to)
	}
	c.state = to
	return nil
}

func (c *Controller) terminate(outcome Outcome) error {
	if err := c.transition(StateTerminated); err != nil {
		return err
	}
	c.outcome = outcome
	return nil
}

// place submits a new order at max(ask, floor) for the current goal.
func (c *Controller) place(ctx context.Context) (time.Duration, error) {
	if c.goalMet() {
		return 0, c.terminate(OutcomeFilled)
	}

	if c.pendingClient != "" {
		adopted, err := c.adoptPending(ctx)
		if err != nil {
			wait, perr := c.placeFailed(err)
			if perr != nil {
				return 0, fmt.Errorf("%w: placement %s unresolved: %w",
					types.ErrReconciliationInconclusive, c.pendingClient, perr)
			}
			return wait, nil
		}
		if adopted {
			return c.placed(ctx)
		}
	}

	ask, err := c.fetchAsk(ctx)
	if err != nil {
		return c.retry("get_best_ask", err)
	}

	goal := c.goal()
	d := c.repricer.Decide(pricing.Input{
		BestAsk: ask,
		Floor:   c.intent.Floor,
		Goal:    goal,
	})
	if d.Action != pricing.ActionPlace {
		if ask.IsPositive() {
			c.rec.RecordFloorHold(c.intent.Instrument)
		}
		c.logger.Debug("staying out of the book", "ask", ask, "reason", d.Reason)
		if err := c.transition(StateIdle); err != nil {
			return 0, err
		}
		c.emit(ctx, d.Reason, false)
		return c.cfg.TickInterval, nil
	}

	if err := pricing.CheckFloor(d.Price, c.intent.Floor); err != nil {
		return 0, err
	}

	clientID := uuid.NewString()
	callCtx, cancel := c.callContext(ctx)
	id, err := c.venue.PlaceOrder(callCtx, exchange.OrderRequest{
		ClientOrderID: clientID,
		Instrument:    c.intent.Instrument,
		Side:          types.SideSell,
		Price:         d.Price,
		Size:          goal,
		PostOnly:      c.cfg.PostOnly,
	})
	cancel()

	switch {
	case err == nil:
	case exchange.IsInsufficientBalance(err):
		c.rec.RecordOrder(c.intent.Instrument, "rejected")
		c.logger.Warn("insufficient balance for order", "size", goal, "err", err)
		if err := c.transition(StateShrinking); err != nil {
			return 0, err
		}
		c.emit(ctx, "insufficient balance", true)
		return 0, nil
	case exchange.IsTransient(err):
		// The order may exist; look for it before placing again.
		c.pendingClient = clientID
		return c.placeFailed(err)
	default:
		c.rec.RecordOrder(c.intent.Instrument, "rejected")
		return c.placeFailed(err)
	}

	c.track(ctx, id, clientID, d.Price, goal)
	return c.placed(ctx)
}

func (c *Controller) placed(ctx context.Context) (time.Duration, error) {
	c.placeFailures = 0
	c.failures = 0
	c.ladder.PlacementSucceeded()
	if err := c.transition(StateResting); err != nil {
		return 0, err
	}
	c.emit(ctx, "order placed", true)
	return c.cfg.TickInterval, nil
}

// adoptPending resolves a placement whose response was lost. The order is
// adopted whether it still rests or has already closed; placing again is
// allowed only once the venue says it never accepted it.
func (c *Controller) adoptPending(ctx context.Context) (bool, error) {
	clientID := c.pendingClient

	callCtx, cancel := c.callContext(ctx)
	open, err := c.venue.GetOpenOrders(callCtx, c.intent.Instrument, types.SideSell)
	cancel()
	if err != nil {
		return false, fmt.Errorf("look up pending order %s: %w", clientID, err)
	}
	for _, o := range open {
		if o.ClientOrderID == clientID {
			c.adopt(ctx, o)
			return true, nil
		}
	}

	callCtx, cancel = c.callContext(ctx)
	o, err := c.venue.FindOrder(callCtx, c.intent.Instrument, clientID)
	cancel()
	switch {
	case err == nil:
		c.adopt(ctx, o)
		return true, nil
	case exchange.IsUnknownOrder(err):
		c.pendingClient = ""
		return false, nil
	default:
		return false, fmt.Errorf("look up pending order %s: %w", clientID, err)
	}
}

func (c *Controller) adopt(ctx context.Context, o types.Order) {
	c.pendingClient = ""
	c.logger.Warn("adopting order from timed-out placement",
		"order_id", o.ID,
		"client_order_id", o.ClientOrderID,
		"state", o.State,
	)
	c.track(ctx, o.ID, o.ClientOrderID, o.Price, o.Size)
}

func (c *Controller) placeFailed(err error) (time.Duration, error) {
	c.placeFailures++
	c.rec.RecordError("place_order")
	if c.placeFailures >= c.cfg.MaxPlaceAttempts {
		return 0, fmt.Errorf("%w after %d attempts: %w", types.ErrPlacementExceeded, c.placeFailures, err)
	}
	wait := backoff(c.placeFailures, c.cfg.BackoffBase, c.cfg.BackoffMax)
	c.logger.Warn("order placement failed, backing off",
		"attempt", c.placeFailures,
		"max_attempts", c.cfg.MaxPlaceAttempts,
		"wait", wait,
		"err", err,
	)
	return wait, nil
}

func (c *Controller) track(ctx context.Context, id, clientID string, price, size decimal.Decimal) {
	acc := reconcile.NewAccumulator(id,
		status.Hint{RequestedSize: size, LimitPrice: price},
		c.normalizer,
		c.venue,
		reconcile.Config{CallTimeout: c.cfg.CallTimeout},
		c.logger,
	)
	c.order = &restingOrder{id: id, clientID: clientID, price: price, size: size, acc: acc}
	c.orders++

	c.rec.RecordOrder(c.intent.Instrument, "placed")
	c.rec.RecordRestingPrice(c.intent.Instrument, price)
	c.logger.Info("order placed",
		"order_id", id,
		"price", price,
		"size", size,
	)

	now := time.Now()
	c.journalWrite(ctx, "save order", func(ctx context.Context) error {
		return c.journal.SaveOrder(ctx, persistence.OrderRecord{
			OrderID:       id,
			IntentID:      c.intent.ID,
			ClientOrderID: clientID,
			Instrument:    c.intent.Instrument,
			Price:         price,
			Size:          size,
			State:         types.OrderStateLive,
			CreatedAt:     now,
			UpdatedAt:     now,
		})
	})
}

// poll reconciles the resting order and asks the repricer what to do.
func (c *Controller) poll(ctx context.Context) (time.Duration, error) {
	o := c.order
	obs, err := o.acc.Poll(ctx)
	if err != nil {
		var rerr *reconcile.Error
		if errors.As(err, &rerr) {
			c.rec.RecordRequery(false)
			return 0, err
		}
		return c.retry("get_order_status", err)
	}
	c.observe(ctx, obs)

	if obs.Terminal {
		c.settle(ctx)
		if c.goalMet() {
			return 0, c.terminate(OutcomeFilled)
		}
		c.logger.Warn("order closed before the goal was met",
			"order_id", o.id,
			"state", obs.State,
			"filled", obs.Filled,
		)
		if err := c.transition(StateIdle); err != nil {
			return 0, err
		}
		c.emit(ctx, "order closed by venue: "+obs.State.String(), true)
		return 0, nil
	}

	ask, err := c.fetchAsk(ctx)
	if err != nil {
		return c.retry("get_best_ask", err)
	}
	c.failures = 0

	d := c.repricer.Decide(pricing.Input{
		BestAsk:      ask,
		Floor:        c.intent.Floor,
		Resting:      true,
		RestingPrice: o.price,
		Goal:         c.goal(),
	})
	switch d.Action {
	case pricing.ActionReplace:
		c.reprices++
		c.rec.RecordReprice(c.intent.Instrument)
		c.logger.Info("repricing",
			"order_id", o.id,
			"from", o.price,
			"to", d.Price,
			"reason", d.Reason,
		)
	case pricing.ActionCancelHold:
		c.rec.RecordFloorHold(c.intent.Instrument)
		c.logger.Info("pulling order until the ask recovers",
			"order_id", o.id,
			"ask", ask,
			"floor", c.intent.Floor,
		)
	default:
		c.emit(ctx, "", obs.Delta.IsPositive())
		return c.cfg.TickInterval, nil
	}

	if err := c.transition(StateRepricing); err != nil {
		return 0, err
	}
	c.emit(ctx, d.Reason, true)
	return 0, nil
}

// reprice cancels the resting order and returns to PLACING, which
// recomputes the target from a fresh ask.
func (c *Controller) reprice(ctx context.Context) (time.Duration, error) {
	if err := c.cancelOrder(ctx); err != nil {
		var rerr *reconcile.Error
		if errors.Is(err, errCancelUnconfirmed) || errors.As(err, &rerr) {
			return 0, err
		}
		return c.retry("cancel_order", err)
	}
	c.failures = 0

	if c.goalMet() {
		return 0, c.terminate(OutcomeFilled)
	}
	return 0, c.transition(StatePlacing)
}

// shrink runs the size adapter after an insufficient-balance rejection.
func (c *Controller) shrink(ctx context.Context) (time.Duration, error) {
	res, err := c.sizer.Resolve(ctx, c.intent.Instrument, types.SideSell, c.goal(), &c.ladder)
	if err != nil {
		if errors.Is(err, types.ErrSizeExhausted) {
			return 0, err
		}
		return c.retry("resolve_size", err)
	}
	c.failures = 0

	if res.Verdict == sizing.VerdictShrink {
		c.rec.RecordShrink(c.intent.Instrument)
		c.logger.Info("goal shrunk",
			"goal", res.Goal,
			"shrunk", c.ladder.Shrunk,
			"steps_left", c.ladder.Remaining(c.sizer.Config()),
		)
	}
	if err := c.transition(StatePlacing); err != nil {
		return 0, err
	}
	c.emit(ctx, fmt.Sprintf("%s to %s (available %s)", res.Verdict, res.Goal, res.Availability.Available), true)
	return 0, nil
}

// retry counts a failed venue call and returns the backoff to wait.
func (c *Controller) retry(op string, err error) (time.Duration, error) {
	c.failures++
	c.rec.RecordError(op)
	if c.failures > c.cfg.MaxTransientErrors {
		return 0, fmt.Errorf("%s failed %d times in a row: %w", op, c.failures, err)
	}
	wait := backoff(c.failures, c.cfg.BackoffBase, c.cfg.BackoffMax)
	c.logger.Warn("venue call failed, retrying",
		"op", op,
		"attempt", c.failures,
		"wait", wait,
		"err", err,
	)
	return wait, nil
}

// cancelOrder cancels the resting order and polls until the venue reports
// it terminal, folding in any last fills.
func (c *Controller) cancelOrder(ctx context.Context) error {
	o := c.order
	if o == nil {
		return nil
	}

	callCtx, cancel := c.callContext(ctx)
	err := c.venue.CancelOrder(callCtx, o.id)
	cancel()
	if err != nil && !exchange.IsUnknownOrder(err) {
		return fmt.Errorf("cancel order %s: %w", o.id, err)
	}

	for i := 0; i < c.cfg.CancelConfirmPolls; i++ {
		obs, err := o.acc.Poll(ctx)
		if err != nil {
			var rerr *reconcile.Error
			if errors.As(err, &rerr) {
				c.rec.RecordRequery(false)
				return err
			}
			c.logger.Debug("cancel confirmation poll failed", "order_id", o.id, "err", err)
		} else {
			c.observe(ctx, obs)
			if obs.Terminal {
				if !obs.State.IsFullyFilled() {
					c.rec.RecordOrder(c.intent.Instrument, "cancelled")
				}
				c.logger.Info("order closed",
					"order_id", o.id,
					"state", obs.State,
					"filled", obs.Filled,
				)
				c.settle(ctx)
				return nil
			}
		}
		if !sleep(ctx, nil, c.cfg.CancelPollInterval) {
			return fmt.Errorf("confirm cancel of %s: %w", o.id, ctx.Err())
		}
	}
	return fmt.Errorf("order %s after %d polls: %w", o.id, c.cfg.CancelConfirmPolls, errCancelUnconfirmed)
}

func (c *Controller) observe(ctx context.Context, obs reconcile.Observation) {
	if obs.Requeried {
		c.rec.RecordRequery(true)
	}
	if !obs.Delta.IsPositive() {
		return
	}
	c.rec.RecordFill(c.intent.Instrument, obs.Delta)
	c.logger.Info("fill",
		"order_id", obs.OrderID,
		"delta", obs.Delta,
		"order_filled", obs.Filled,
		"filled_total", c.filledTotal(),
		"derived", obs.Derived,
	)
	c.journalWrite(ctx, "update order", func(ctx context.Context) error {
		return c.journal.UpdateOrder(ctx, obs.OrderID, obs.State, obs.Filled)
	})
}

// settle moves a closed order's fills into the settled totals.
func (c *Controller) settle(ctx context.Context) {
	o := c.order
	if o == nil {
		return
	}
	obs := o.acc.Snapshot()
	c.settled = c.settled.Add(obs.Filled)
	c.notional = c.notional.Add(obs.Filled.Mul(fillPrice(obs, o.price)))
	c.order = nil

	c.journalWrite(ctx, "update order", func(ctx context.Context) error {
		return c.journal.UpdateOrder(ctx, o.id, obs.State, obs.Filled)
	})
}

func fillPrice(obs reconcile.Observation, limit decimal.Decimal) decimal.Decimal {
	if obs.AvgPrice.IsPositive() {
		return obs.AvgPrice
	}
	return limit
}

func (c *Controller) filledTotal() decimal.Decimal {
	total := c.settled
	if c.order != nil {
		total = total.Add(c.order.acc.Filled())
	}
	return total
}

// goal is the quantity still to sell: requested minus fills and shrinks.
func (c *Controller) goal() decimal.Decimal {
	g := c.intent.Size.Sub(c.ladder.Shrunk).Sub(c.filledTotal())
	if g.IsNegative() {
		return decimal.Zero
	}
	return g
}

// goalMet reports whether nothing sellable is left: the goal is zero, or
// fills left a remainder below the minimum order size.
func (c *Controller) goalMet() bool {
	g := c.goal()
	if !g.IsPositive() {
		return true
	}
	return c.filledTotal().IsPositive() && g.LessThan(c.cfg.MinSize)
}

func (c *Controller) fetchAsk(ctx context.Context) (decimal.Decimal, error) {
	callCtx, cancel := c.callContext(ctx)
	defer cancel()
	ask, err := c.venue.GetBestAsk(callCtx, c.intent.Instrument)
	if err != nil {
		return decimal.Zero, err
	}
	c.bestAsk = ask
	return ask, nil
}

func (c *Controller) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.cfg.CallTimeout)
}

// cleanupContext survives cancellation of ctx so a stopping intent can
// still pull its order.
func (c *Controller) cleanupContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), c.cfg.CancelTimeout)
}

// shutdown handles operator stop and context cancellation.
func (c *Controller) shutdown(ctx context.Context, reason error) (Result, error) {
	c.logger.Info("stopping sell intent", "state", c.state, "reason", reason)

	cleanCtx, cancel := c.cleanupContext(ctx)
	defer cancel()

	if err := c.cleanup(cleanCtx); err != nil {
		c.logger.Error("cleanup failed, order may be left on the book", "err", err)
		_ = c.terminate(OutcomeAborted)
		return c.finish(ctx, fmt.Errorf("cleanup after %v: %w", reason, err))
	}

	outcome := OutcomeCancelled
	if c.goalMet() {
		outcome = OutcomeFilled
	}
	if err := c.terminate(outcome); err != nil {
		return c.finish(ctx, err)
	}
	return c.finish(ctx, nil)
}

// abort ends the intent on an unrecoverable error.
func (c *Controller) abort(ctx context.Context, cause error) (Result, error) {
	c.logger.Error("aborting sell intent",
		"state", c.state,
		"filled_total", c.filledTotal(),
		"remaining", c.goal(),
		"err", cause,
	)

	var rerr *reconcile.Error
	if errors.As(cause, &rerr) {
		// The order is closed; keep the last known fill.
		c.settle(context.WithoutCancel(ctx))
	} else {
		cleanCtx, cancel := c.cleanupContext(ctx)
		if err := c.cleanup(cleanCtx); err != nil {
			c.logger.Error("cleanup failed, order may be left on the book", "err", err)
			cause = multierr.Append(cause, err)
		}
		cancel()
	}

	if c.state != StateTerminated {
		_ = c.terminate(OutcomeAborted)
	}
	return c.finish(ctx, cause)
}

// cleanup pulls the resting order, including one from a timed-out
// placement.
func (c *Controller) cleanup(ctx context.Context) error {
	if c.order == nil && c.pendingClient != "" {
		if _, err := c.adoptPending(ctx); err != nil {
			return err
		}
	}
	return c.cancelOrder(ctx)
}

func (c *Controller) finish(ctx context.Context, cause error) (Result, error) {
	res := c.result()

	if res.Outcome == OutcomeFilled && res.Short() {
		c.logger.Warn("intent filled short of the requested size",
			"requested", res.Requested,
			"filled_total", res.FilledTotal,
			"shortfall", res.Shortfall(),
			"shrunk", res.Shrunk,
		)
	}

	msg := "intent " + res.Outcome.String()
	if cause != nil {
		msg += ": " + cause.Error()
	}
	c.emit(ctx, msg, true)

	c.logger.Info("sell intent finished",
		"outcome", res.Outcome,
		"filled_total", res.FilledTotal,
		"remaining", res.Remaining,
		"avg_price", res.AvgPrice,
		"orders", res.Orders,
		"reprices", res.Reprices,
		"shrink_steps", res.ShrinkSteps,
		"duration", res.Duration(),
	)

	if cause == nil {
		return res, nil
	}
	return res, &IntentError{
		IntentID:    c.intent.ID,
		Outcome:     res.Outcome,
		FilledTotal: res.FilledTotal,
		Remaining:   res.Remaining,
		Err:         cause,
	}
}

func (c *Controller) result() Result {
	filled := c.filledTotal()
	notional := c.notional
	if o := c.order; o != nil {
		obs := o.acc.Snapshot()
		notional = notional.Add(obs.Filled.Mul(fillPrice(obs, o.price)))
	}

	var avg decimal.Decimal
	if filled.IsPositive() {
		avg = notional.Div(filled)
	}

	res := Result{
		IntentID:    c.intent.ID,
		Instrument:  c.intent.Instrument,
		Outcome:     c.outcome,
		Requested:   c.intent.Size,
		Floor:       c.intent.Floor,
		FilledTotal: filled,
		Remaining:   c.goal(),
		Shrunk:      c.ladder.Shrunk,
		AvgPrice:    avg,
		Orders:      c.orders,
		Reprices:    c.reprices,
		ShrinkSteps: c.ladder.Steps,
		Started:     c.started,
	}
	if c.state == StateTerminated {
		res.Finished = time.Now()
	}
	return res
}

// emit publishes a status event. persist also journals it.
func (c *Controller) emit(ctx context.Context, msg string, persist bool) {
	c.seq++
	ev := StatusEvent{
		IntentID:    c.intent.ID,
		Instrument:  c.intent.Instrument,
		Seq:         c.seq,
		Time:        time.Now(),
		State:       c.state,
		Outcome:     c.outcome,
		BestAsk:     c.bestAsk,
		FilledTotal: c.filledTotal(),
		Remaining:   c.goal(),
		Shrunk:      c.ladder.Shrunk,
		Message:     msg,
	}
	if c.order != nil {
		ev.OrderID = c.order.id
		ev.Price = c.order.price
	}
	snap := c.result()

	c.mu.Lock()
	c.last = ev
	c.snap = snap
	c.mu.Unlock()

	if persist {
		c.journalWrite(ctx, "append event", func(ctx context.Context) error {
			return c.journal.AppendEvent(ctx, persistence.EventRecord{
				IntentID:    ev.IntentID,
				Timestamp:   ev.Time,
				State:       ev.State.String(),
				OrderID:     ev.OrderID,
				Price:       ev.Price,
				FilledTotal: ev.FilledTotal,
				Remaining:   ev.Remaining,
				Message:     ev.Message,
			})
		})
	}
	if c.onEvent != nil {
		c.onEvent(ev)
	}
}

// journalWrite runs a journal call on a detached, bounded context. Failures
// are logged; the audit trail never stops the control loop.
func (c *Controller) journalWrite(ctx context.Context, what string, fn func(context.Context) error) {
	if c.journal == nil {
		return
	}
	jctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.CallTimeout)
	defer cancel()
	if err := fn(jctx); err != nil {
		c.logger.Warn("journal write failed", "op", what, "err", err)
	}
}
