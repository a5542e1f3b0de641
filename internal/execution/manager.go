package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/multierr"

	"github.com/tathienbao/maker-exec/internal/alerting"
	"github.com/tathienbao/maker-exec/internal/exchange"
	"github.com/tathienbao/maker-exec/internal/persistence"
	"github.com/tathienbao/maker-exec/internal/pricing"
	"github.com/tathienbao/maker-exec/internal/sizing"
	"github.com/tathienbao/maker-exec/internal/status"
	"github.com/tathienbao/maker-exec/internal/types"
)

// Deps are the collaborators shared by every intent of a manager. Only
// Venue is required.
type Deps struct {
	Venue      exchange.Venue
	Repricer   *pricing.Repricer
	Sizer      *sizing.Adapter
	Normalizer *status.Normalizer
	Recorder   Recorder
	Journal    Journal
	Alerter    alerting.Alerter
}

func (d Deps) withDefaults(logger *slog.Logger) (Deps, error) {
	if d.Venue == nil {
		return d, errors.New("venue is required")
	}
	if d.Repricer == nil {
		d.Repricer = pricing.NewRepricer(pricing.Config{})
	}
	if d.Sizer == nil {
		d.Sizer = sizing.NewAdapter(sizing.DefaultConfig(), d.Venue, logger)
	}
	if d.Normalizer == nil {
		d.Normalizer = status.NewNormalizer(status.DefaultConfig())
	}
	if d.Recorder == nil {
		d.Recorder = nopRecorder{}
	}
	return d, nil
}

// Handle is the caller's view of a running intent.
type Handle struct {
	ID         string
	Instrument string
	Size       decimal.Decimal
	Floor      decimal.Decimal

	c      *Controller
	events chan StatusEvent
	done   chan struct{}
	result Result
	err    error

	// last alerted progress, touched only from the intent's goroutine
	alertedFilled decimal.Decimal
	alertedShrunk decimal.Decimal
}

// Events returns the intent's status events. The channel is closed after
// the final event; when the buffer is full the oldest event is dropped.
func (h *Handle) Events() <-chan StatusEvent { return h.events }

// Done is closed when the intent has finished.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Wait blocks until the intent finishes or ctx ends. On ctx expiry it
// returns the progress as of the latest status event.
func (h *Handle) Wait(ctx context.Context) (Result, error) {
	select {
	case <-h.done:
		return h.result, h.err
	case <-ctx.Done():
		return h.c.Snapshot(), ctx.Err()
	}
}

// Status returns the latest status event.
func (h *Handle) Status() StatusEvent { return h.c.Status() }

// Stop requests a graceful stop. Use Wait to observe completion.
func (h *Handle) Stop() { h.c.Stop() }

// ManagerConfig holds manager configuration.
type ManagerConfig struct {
	Controller  Config
	EventBuffer int
}

// Manager starts and supervises sell intents, one per instrument.
type Manager struct {
	cfg    ManagerConfig
	deps   Deps
	guard  *Guard
	logger *slog.Logger

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu      sync.Mutex
	intents map[string]*Handle
	subs    map[int]chan StatusEvent
	nextSub int
	closed  bool
}

// NewManager creates a manager.
func NewManager(cfg ManagerConfig, deps Deps, logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := cfg.Controller.Validate(); err != nil {
		return nil, err
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 64
	}
	deps, err := deps.withDefaults(logger)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:     cfg,
		deps:    deps,
		guard:   NewGuard(),
		logger:  logger,
		baseCtx: ctx,
		cancel:  cancel,
		intents: make(map[string]*Handle),
		subs:    make(map[int]chan StatusEvent),
	}, nil
}

// StartSellIntent starts selling size of instrument at or above floor. It
// fails with types.ErrIntentActive while another intent runs on the same
// instrument. ctx bounds the start only; the intent runs until it
// finishes, is stopped, or the manager shuts down.
func (m *Manager) StartSellIntent(ctx context.Context, instrument string, size, floor decimal.Decimal) (*Handle, error) {
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return nil, fmt.Errorf("start intent: %w", types.ErrStopped)
	}

	intent := Intent{
		ID:         uuid.NewString(),
		Instrument: instrument,
		Size:       size,
		Floor:      floor,
	}
	if err := intent.validate(m.cfg.Controller.MinSize); err != nil {
		return nil, err
	}

	release, err := m.guard.Acquire(intent.Key(), intent.ID)
	if err != nil {
		return nil, err
	}

	h := &Handle{
		ID:         intent.ID,
		Instrument: instrument,
		Size:       size,
		Floor:      floor,
		events:     make(chan StatusEvent, m.cfg.EventBuffer),
		done:       make(chan struct{}),
	}
	logger := m.logger.With("component", "controller")
	c, err := NewController(m.cfg.Controller, intent, m.deps, func(ev StatusEvent) { m.publish(h, ev) }, logger)
	if err != nil {
		release()
		return nil, err
	}
	h.c = c

	if m.deps.Journal != nil {
		now := time.Now()
		err := m.deps.Journal.SaveIntent(ctx, persistence.IntentRecord{
			ID:            intent.ID,
			Instrument:    instrument,
			Side:          types.SideSell,
			RequestedSize: size,
			Floor:         floor,
			Status:        persistence.StatusRunning,
			Remaining:     size,
			CreatedAt:     now,
			UpdatedAt:     now,
		})
		if err != nil {
			release()
			return nil, fmt.Errorf("journal intent: %w", err)
		}
	}

	m.mu.Lock()
	m.intents[intent.ID] = h
	m.mu.Unlock()

	m.deps.Recorder.RecordIntentStarted()
	m.alert(ctx, alerting.EventIntentStarted, "sell intent started",
		"intent_id", intent.ID,
		"instrument", instrument,
		"size", size.String(),
		"floor", floor.String(),
	)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.run(h, release)
	}()

	return h, nil
}

func (m *Manager) run(h *Handle, release func()) {
	res, err := h.c.Run(m.baseCtx)
	h.result, h.err = res, err

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.Controller.CallTimeout)
	defer cancel()

	if m.deps.Journal != nil {
		result := persistence.IntentResult{
			Outcome:     res.Outcome.String(),
			FilledTotal: res.FilledTotal,
			Remaining:   res.Remaining,
		}
		if err != nil {
			result.Error = err.Error()
		}
		if jerr := m.deps.Journal.FinishIntent(ctx, h.ID, result); jerr != nil {
			m.logger.Warn("journal finish failed", "intent_id", h.ID, "err", jerr)
		}
	}

	m.mu.Lock()
	delete(m.intents, h.ID)
	m.mu.Unlock()
	release()

	m.deps.Recorder.RecordIntentFinished(res.Outcome.String())
	m.alertResult(ctx, res, err)

	close(h.events)
	close(h.done)
}

func (m *Manager) alertResult(ctx context.Context, res Result, err error) {
	summary := alerting.NewIntentSummary(res.IntentID, res.Instrument, res.Outcome.String(),
		res.Requested, res.FilledTotal, res.Remaining, res.AvgPrice, res.Floor,
		res.Orders, res.Reprices, res.ShrinkSteps, res.Duration(), err)

	event := alerting.EventIntentCancelled
	switch {
	case errors.Is(err, types.ErrReconciliationInconclusive):
		event = alerting.EventReconcileFailed
	case res.Outcome == OutcomeAborted:
		event = alerting.EventIntentAborted
	case res.Outcome == OutcomeFilled:
		event = alerting.EventIntentFilled
	}
	msg := "sell intent " + res.Outcome.String()
	if res.Outcome == OutcomeFilled && res.Short() {
		msg += " short of requested size"
	}
	m.alert(ctx, event, msg, summary.Fields()...)
}

func (m *Manager) alert(ctx context.Context, event alerting.Event, msg string, fields ...any) {
	if err := alerting.Send(ctx, m.deps.Alerter, event, msg, fields...); err != nil {
		m.logger.Warn("alert failed", "event", event, "err", err)
	}
}

func (m *Manager) publish(h *Handle, ev StatusEvent) {
	m.alertProgress(h, ev)
	offer(h.events, ev)

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ch := range m.subs {
		offer(ch, ev)
	}
}

// alertProgress alerts on fills and shrinks since the previous event. The
// final fill is left to the result alert.
func (m *Manager) alertProgress(h *Handle, ev StatusEvent) {
	fill := ev.FilledTotal.Sub(h.alertedFilled)
	shrink := ev.Shrunk.Sub(h.alertedShrunk)
	if !shrink.IsPositive() && (!fill.IsPositive() || ev.Terminal()) {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.Controller.CallTimeout)
	defer cancel()

	if fill.IsPositive() && !ev.Terminal() {
		h.alertedFilled = ev.FilledTotal
		m.alert(ctx, alerting.EventPartialFill, "sell intent partially filled",
			"intent_id", ev.IntentID,
			"instrument", ev.Instrument,
			"fill", fill.String(),
			"filled_total", ev.FilledTotal.String(),
			"remaining", ev.Remaining.String(),
			"price", ev.Price.String(),
		)
	}
	if shrink.IsPositive() {
		h.alertedShrunk = ev.Shrunk
		m.alert(ctx, alerting.EventSizeShrunk, "sell intent size shrunk",
			"intent_id", ev.IntentID,
			"instrument", ev.Instrument,
			"shrunk", ev.Shrunk.String(),
			"remaining", ev.Remaining.String(),
			"filled_total", ev.FilledTotal.String(),
		)
	}
}

// offer sends ev without blocking, dropping the oldest buffered event
// when ch is full. The caller must be the only sender.
func offer(ch chan StatusEvent, ev StatusEvent) {
	for {
		select {
		case ch <- ev:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}

// Subscribe returns a channel receiving the events of every intent, and a
// func that unsubscribes and closes it.
func (m *Manager) Subscribe(buffer int) (<-chan StatusEvent, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan StatusEvent, buffer)

	m.mu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = ch
	m.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs, id)
			m.mu.Unlock()
			close(ch)
		})
	}
}

// StopSellIntent asks the intent to cancel its order and finish.
func (m *Manager) StopSellIntent(id string) error {
	h, ok := m.Get(id)
	if !ok {
		return fmt.Errorf("stop %s: %w", id, types.ErrIntentNotFound)
	}
	h.Stop()
	return nil
}

// Get returns a running intent.
func (m *Manager) Get(id string) (*Handle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.intents[id]
	return h, ok
}

// Active returns the running intents.
func (m *Manager) Active() []*Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Handle, 0, len(m.intents))
	for _, h := range m.intents {
		out = append(out, h)
	}
	return out
}

// Shutdown stops every intent and waits for them to clean up. If ctx ends
// first the remaining loops are cancelled, which still runs their bounded
// cleanup.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	for _, h := range m.Active() {
		h.Stop()
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.cancel()
		return nil
	case <-ctx.Done():
		m.cancel()
		<-done
		return fmt.Errorf("shutdown: %w", ctx.Err())
	}
}

// RecoverOrphans cancels live orders of intents the journal shows as
// running but that no loop supervises, typically after a crash. It returns
// the number of orders cancelled.
func (m *Manager) RecoverOrphans(ctx context.Context) (int, error) {
	if m.deps.Journal == nil {
		return 0, nil
	}
	running, err := m.deps.Journal.GetRunningIntents(ctx)
	if err != nil {
		return 0, fmt.Errorf("load running intents: %w", err)
	}

	var (
		cancelled int
		errs      error
	)
	for _, in := range running {
		if _, active := m.Get(in.ID); active {
			continue
		}
		n, filled, err := m.recoverIntent(ctx, in)
		cancelled += n
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}

		total := in.FilledTotal
		if filled.GreaterThan(total) {
			total = filled
		}
		remaining := in.RequestedSize.Sub(total)
		if remaining.IsNegative() {
			remaining = decimal.Zero
		}
		if err := m.deps.Journal.FinishIntent(ctx, in.ID, persistence.IntentResult{
			Outcome:     OutcomeAborted.String(),
			FilledTotal: total,
			Remaining:   remaining,
			Error:       "orphaned: no supervising loop",
		}); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("finish intent %s: %w", in.ID, err))
			continue
		}

		m.logger.Warn("recovered orphaned intent",
			"intent_id", in.ID,
			"instrument", in.Instrument,
			"orders_cancelled", n,
			"filled_total", total,
		)
		m.alert(ctx, alerting.EventOrphanCancelled, "orphaned sell intent recovered",
			"intent_id", in.ID,
			"instrument", in.Instrument,
			"orders_cancelled", n,
			"filled_total", total.String(),
			"remaining", remaining.String(),
		)
	}
	return cancelled, errs
}

// recoverIntent cancels the intent's open orders and returns how many were
// cancelled and the fills the venue reports for them.
func (m *Manager) recoverIntent(ctx context.Context, in persistence.IntentRecord) (int, decimal.Decimal, error) {
	orders, err := m.deps.Journal.GetOpenOrders(ctx, in.ID)
	if err != nil {
		return 0, decimal.Zero, fmt.Errorf("load orders of %s: %w", in.ID, err)
	}

	var (
		cancelled int
		filled    decimal.Decimal
		errs      error
	)
	for _, o := range orders {
		exchange.Bind(m.deps.Venue, o.OrderID, o.Instrument)

		callCtx, cancel := context.WithTimeout(ctx, m.cfg.Controller.CallTimeout)
		err := m.deps.Venue.CancelOrder(callCtx, o.OrderID)
		cancel()
		switch {
		case err == nil:
			cancelled++
		case exchange.IsUnknownOrder(err):
		default:
			errs = multierr.Append(errs, fmt.Errorf("cancel orphan %s: %w", o.OrderID, err))
			continue
		}

		state, orderFilled := m.finalState(ctx, o)
		filled = filled.Add(orderFilled)
		if err := m.deps.Journal.UpdateOrder(ctx, o.OrderID, state, orderFilled); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("update orphan %s: %w", o.OrderID, err))
		}
	}
	return cancelled, filled, errs
}

// finalState reads an orphan's status after cancellation. When the venue
// gives nothing usable the journaled fill is kept.
func (m *Manager) finalState(ctx context.Context, o persistence.OrderRecord) (types.OrderState, decimal.Decimal) {
	callCtx, cancel := context.WithTimeout(ctx, m.cfg.Controller.CallTimeout)
	defer cancel()

	raw, err := m.deps.Venue.GetOrderStatus(callCtx, o.OrderID)
	if err != nil {
		return types.OrderStateCancelled, o.Filled
	}
	n, err := m.deps.Normalizer.Normalize(raw, status.Hint{RequestedSize: o.Size, LimitPrice: o.Price})
	if err != nil {
		m.logger.Warn("orphan status inconclusive", "order_id", o.OrderID, "err", err)
		return types.OrderStateCancelled, o.Filled
	}
	return n.State, decimal.Max(n.Filled, o.Filled)
}
