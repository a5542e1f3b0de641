// Package paper provides an in-memory venue for paper trading and tests.
package paper

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/tathienbao/maker-exec/internal/exchange"
	"github.com/tathienbao/maker-exec/internal/types"
)

// PayloadShape selects how the venue reports filled quantity in status payloads.
type PayloadShape string

const (
	ShapeDirect   PayloadShape = "direct"    // size_matched in base units
	ShapeQuote    PayloadShape = "quote"     // filledAmountQuote with avgPrice
	ShapeFills    PayloadShape = "fills"     // list of partial fills
	ShapeSizeOnly PayloadShape = "size_only" // generic size, no fill field
	ShapeSparse   PayloadShape = "sparse"    // status only
)

// Valid reports whether s is a known payload shape.
func (s PayloadShape) Valid() bool {
	switch s {
	case ShapeDirect, ShapeQuote, ShapeFills, ShapeSizeOnly, ShapeSparse:
		return true
	}
	return false
}

// Config holds paper venue configuration.
type Config struct {
	Balances  map[string]decimal.Decimal // instrument -> base units held
	BestAsks  map[string]decimal.Decimal // instrument -> initial best ask
	Shape     PayloadShape
	RateLimit float64 // requests per second, 0 = unlimited
	Burst     int
}

// DefaultConfig returns default paper venue config.
func DefaultConfig() Config {
	return Config{
		Balances: make(map[string]decimal.Decimal),
		BestAsks: make(map[string]decimal.Decimal),
		Shape:    ShapeDirect,
	}
}

type order struct {
	types.Order
	fills     []types.Fill
	seq       int64
	updatedAt time.Time
}

func (o *order) filled() decimal.Decimal {
	if o.RawFilled.Valid {
		return o.RawFilled.Decimal
	}
	return decimal.Zero
}

// Venue implements exchange.Venue entirely in memory.
type Venue struct {
	cfg     Config
	logger  *slog.Logger
	limiter *rate.Limiter

	mu       sync.RWMutex
	balances map[string]decimal.Decimal
	asks     map[string]decimal.Decimal
	bids     map[string]decimal.Decimal
	orders   map[string]*order
	shape    PayloadShape

	nextOrderID atomic.Int64
	nextTradeID atomic.Int64

	failMu   sync.Mutex
	failures map[string][]error
}

// NewVenue creates a paper venue.
func NewVenue(cfg Config, logger *slog.Logger) *Venue {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Shape == "" {
		cfg.Shape = ShapeDirect
	}

	v := &Venue{
		cfg:      cfg,
		logger:   logger,
		balances: make(map[string]decimal.Decimal),
		asks:     make(map[string]decimal.Decimal),
		bids:     make(map[string]decimal.Decimal),
		orders:   make(map[string]*order),
		shape:    cfg.Shape,
		failures: make(map[string][]error),
	}
	for k, b := range cfg.Balances {
		v.balances[k] = b
	}
	for k, a := range cfg.BestAsks {
		v.asks[k] = a
	}
	if cfg.RateLimit > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		v.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}

	return v
}

// Name returns the venue name.
func (v *Venue) Name() string { return "paper" }

// Close is a no-op for the in-memory venue.
func (v *Venue) Close() error { return nil }

// SetShape switches the status payload shape.
func (v *Venue) SetShape(s PayloadShape) {
	v.mu.Lock()
	v.shape = s
	v.mu.Unlock()
}

// SetBalance sets the held quantity of an instrument.
func (v *Venue) SetBalance(instrument string, qty decimal.Decimal) {
	v.mu.Lock()
	v.balances[instrument] = qty
	v.mu.Unlock()
}

// Balance returns the held quantity, including quantity locked in orders.
func (v *Venue) Balance(instrument string) decimal.Decimal {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.balances[instrument]
}

// SetBestAsk sets the best ask quoted by other participants. Zero empties the ask side.
func (v *Venue) SetBestAsk(instrument string, price decimal.Decimal) {
	v.mu.Lock()
	v.asks[instrument] = price
	v.mu.Unlock()
}

func (v *Venue) bestAsk(instrument string) decimal.Decimal {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.asks[instrument]
}

// SetBestBid sets the best bid. Post-only sells at or below it are rejected.
func (v *Venue) SetBestBid(instrument string, price decimal.Decimal) {
	v.mu.Lock()
	v.bids[instrument] = price
	v.mu.Unlock()
}

// FailNext queues err to be returned by the next call of op
// ("place_order", "cancel_order", "get_order_status", "get_fills",
// "get_open_orders", "find_order", "get_balance", "get_best_ask").
func (v *Venue) FailNext(op string, err error) {
	v.failMu.Lock()
	v.failures[op] = append(v.failures[op], err)
	v.failMu.Unlock()
}

func (v *Venue) before(ctx context.Context, op string) error {
	if err := ctx.Err(); err != nil {
		return exchange.NewError(exchange.KindTransient, op, err)
	}
	if v.limiter != nil {
		if err := v.limiter.Wait(ctx); err != nil {
			return exchange.NewError(exchange.KindTransient, op, err)
		}
	}

	v.failMu.Lock()
	defer v.failMu.Unlock()
	if q := v.failures[op]; len(q) > 0 {
		err := q[0]
		v.failures[op] = q[1:]
		return err
	}
	return nil
}

// lockedLocked sums unfilled quantity of open orders. Caller holds v.mu.
func (v *Venue) lockedLocked(instrument string) decimal.Decimal {
	total := decimal.Zero
	for _, o := range v.orders {
		if o.Instrument == instrument && o.Side == types.SideSell && o.State.IsOpen() {
			total = total.Add(o.Unfilled())
		}
	}
	return total
}

// PlaceOrder rests a limit sell order.
func (v *Venue) PlaceOrder(ctx context.Context, req exchange.OrderRequest) (string, error) {
	const op = "place_order"
	if err := v.before(ctx, op); err != nil {
		return "", err
	}
	if req.Side != types.SideSell {
		return "", exchange.NewError(exchange.KindOther, op, fmt.Errorf("unsupported side %s", req.Side))
	}
	if !req.Price.IsPositive() {
		return "", exchange.NewError(exchange.KindRejectedPrice, op, types.ErrInvalidPrice)
	}
	if !req.Size.IsPositive() {
		return "", exchange.NewError(exchange.KindOther, op, types.ErrInvalidSize)
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if bid, ok := v.bids[req.Instrument]; ok && req.PostOnly && bid.IsPositive() && req.Price.LessThanOrEqual(bid) {
		return "", exchange.NewError(exchange.KindRejectedPrice, op,
			fmt.Errorf("post-only sell at %s would cross bid %s", req.Price, bid))
	}

	free := v.balances[req.Instrument].Sub(v.lockedLocked(req.Instrument))
	if req.Size.GreaterThan(free) {
		return "", exchange.NewError(exchange.KindInsufficientBalance, op,
			fmt.Errorf("size %s exceeds free balance %s", req.Size, free))
	}

	seq := v.nextOrderID.Add(1)
	id := fmt.Sprintf("PAPER-%d", seq)
	clientID := req.ClientOrderID
	if clientID == "" {
		clientID = uuid.NewString()
	}
	now := time.Now()
	v.orders[id] = &order{
		Order: types.Order{
			ID:            id,
			ClientOrderID: clientID,
			Instrument:    req.Instrument,
			Side:          req.Side,
			Price:         req.Price,
			Size:          req.Size,
			State:         types.OrderStateLive,
			RawFilled:     decimal.NewNullDecimal(decimal.Zero),
			CreatedAt:     now,
		},
		seq:       seq,
		updatedAt: now,
	}

	v.logger.Debug("paper order placed",
		"order_id", id,
		"instrument", req.Instrument,
		"price", req.Price,
		"size", req.Size,
	)

	return id, nil
}

// CancelOrder cancels a resting order. Cancelling a terminal order is a no-op.
func (v *Venue) CancelOrder(ctx context.Context, orderID string) error {
	const op = "cancel_order"
	if err := v.before(ctx, op); err != nil {
		return err
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	o, ok := v.orders[orderID]
	if !ok {
		return exchange.NewError(exchange.KindUnknownOrder, op, fmt.Errorf("order %s not found", orderID))
	}
	if o.State.IsOpen() {
		o.State = types.OrderStateCancelled
		o.updatedAt = time.Now()
		v.logger.Debug("paper order cancelled", "order_id", orderID, "filled", o.filled())
	}
	return nil
}

// GetOrderStatus returns the status payload in the configured shape.
func (v *Venue) GetOrderStatus(ctx context.Context, orderID string) (exchange.RawStatus, error) {
	const op = "get_order_status"
	if err := v.before(ctx, op); err != nil {
		return nil, err
	}

	v.mu.RLock()
	defer v.mu.RUnlock()

	o, ok := v.orders[orderID]
	if !ok {
		return nil, exchange.NewError(exchange.KindUnknownOrder, op, fmt.Errorf("order %s not found", orderID))
	}
	return v.payload(o), nil
}

func (v *Venue) payload(o *order) exchange.RawStatus {
	raw := exchange.RawStatus{
		"id":       o.ID,
		"status":   venueStatus(o.State),
		"side":     o.Side.String(),
		"asset_id": o.Instrument,
		"price":    o.Price.String(),
	}

	filled := o.filled()
	switch v.shape {
	case ShapeDirect:
		raw["original_size"] = o.Size.String()
		raw["size_matched"] = filled.String()
	case ShapeQuote:
		raw["original_size"] = o.Size.String()
		size, avg := types.SumFills(o.fills)
		if size.IsPositive() {
			raw["avgPrice"] = avg.InexactFloat64()
			raw["filledAmountQuote"] = size.Mul(avg).InexactFloat64()
		} else {
			raw["filledAmountQuote"] = 0.0
		}
	case ShapeFills:
		raw["original_size"] = o.Size.String()
		fills := make([]any, 0, len(o.fills))
		for _, f := range o.fills {
			fills = append(fills, map[string]any{
				"trade_id": f.TradeID,
				"price":    f.Price.String(),
				"size":     f.Size.String(),
			})
		}
		raw["fills"] = fills
	case ShapeSizeOnly:
		raw["size"] = o.Size.String()
	case ShapeSparse:
	}
	return raw
}

func venueStatus(s types.OrderState) string {
	switch s {
	case types.OrderStateLive, types.OrderStatePartiallyFilled:
		return "LIVE"
	case types.OrderStateFilled, types.OrderStateMatched:
		return "MATCHED"
	case types.OrderStateCancelled:
		return "CANCELED"
	case types.OrderStateExpired:
		return "EXPIRED"
	default:
		return "UNKNOWN"
	}
}

// GetFills returns the executions of an order.
func (v *Venue) GetFills(ctx context.Context, orderID string) ([]types.Fill, error) {
	const op = "get_fills"
	if err := v.before(ctx, op); err != nil {
		return nil, err
	}

	v.mu.RLock()
	defer v.mu.RUnlock()

	o, ok := v.orders[orderID]
	if !ok {
		return nil, exchange.NewError(exchange.KindUnknownOrder, op, fmt.Errorf("order %s not found", orderID))
	}
	out := make([]types.Fill, len(o.fills))
	copy(out, o.fills)
	return out, nil
}

// GetOpenOrders returns resting orders for the instrument and side.
func (v *Venue) GetOpenOrders(ctx context.Context, instrument string, side types.Side) ([]types.Order, error) {
	const op = "get_open_orders"
	if err := v.before(ctx, op); err != nil {
		return nil, err
	}

	v.mu.RLock()
	defer v.mu.RUnlock()

	var out []types.Order
	for _, o := range v.orders {
		if o.Instrument == instrument && o.Side == side && o.State.IsOpen() {
			out = append(out, o.Order)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// FindOrder returns the order placed with clientOrderID, open or closed.
func (v *Venue) FindOrder(ctx context.Context, instrument, clientOrderID string) (types.Order, error) {
	const op = "find_order"
	if err := v.before(ctx, op); err != nil {
		return types.Order{}, err
	}

	v.mu.RLock()
	defer v.mu.RUnlock()

	for _, o := range v.orders {
		if o.Instrument == instrument && o.ClientOrderID == clientOrderID {
			return o.Order, nil
		}
	}
	return types.Order{}, exchange.NewError(exchange.KindUnknownOrder, op,
		fmt.Errorf("no order with client id %s", clientOrderID))
}

// GetAvailableBalance returns held quantity minus quantity locked in open orders.
func (v *Venue) GetAvailableBalance(ctx context.Context, instrument string) (decimal.Decimal, error) {
	const op = "get_balance"
	if err := v.before(ctx, op); err != nil {
		return decimal.Zero, err
	}

	v.mu.RLock()
	defer v.mu.RUnlock()

	free := v.balances[instrument].Sub(v.lockedLocked(instrument))
	if free.IsNegative() {
		free = decimal.Zero
	}
	return free, nil
}

// GetBestAsk returns the best ask of other participants.
func (v *Venue) GetBestAsk(ctx context.Context, instrument string) (decimal.Decimal, error) {
	const op = "get_best_ask"
	if err := v.before(ctx, op); err != nil {
		return decimal.Zero, err
	}

	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.asks[instrument], nil
}

// SimulateTrade executes an incoming buy of size at limit price against
// resting sells priced at or below it, best price first. It returns the
// quantity filled.
func (v *Venue) SimulateTrade(instrument string, price, size decimal.Decimal) decimal.Decimal {
	v.mu.Lock()
	defer v.mu.Unlock()

	var book []*order
	for _, o := range v.orders {
		if o.Instrument == instrument && o.Side == types.SideSell && o.State.IsOpen() && o.Price.LessThanOrEqual(price) {
			book = append(book, o)
		}
	}
	sort.Slice(book, func(i, j int) bool {
		if !book[i].Price.Equal(book[j].Price) {
			return book[i].Price.LessThan(book[j].Price)
		}
		return book[i].seq < book[j].seq
	})

	remaining := size
	total := decimal.Zero
	for _, o := range book {
		if !remaining.IsPositive() {
			break
		}
		qty := decimal.Min(remaining, o.Unfilled())
		if !qty.IsPositive() {
			continue
		}
		v.fillLocked(o, qty)
		remaining = remaining.Sub(qty)
		total = total.Add(qty)
	}
	return total
}

// FillOrder fills qty of a specific order at its resting price.
func (v *Venue) FillOrder(orderID string, qty decimal.Decimal) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	o, ok := v.orders[orderID]
	if !ok {
		return exchange.NewError(exchange.KindUnknownOrder, "fill_order", fmt.Errorf("order %s not found", orderID))
	}
	if !o.State.IsOpen() {
		return fmt.Errorf("order %s is %s", orderID, o.State)
	}
	qty = decimal.Min(qty, o.Unfilled())
	if qty.IsPositive() {
		v.fillLocked(o, qty)
	}
	return nil
}

// fillLocked records a fill. Caller holds v.mu.
func (v *Venue) fillLocked(o *order, qty decimal.Decimal) {
	now := time.Now()
	o.fills = append(o.fills, types.Fill{
		TradeID:   fmt.Sprintf("T-%d", v.nextTradeID.Add(1)),
		OrderID:   o.ID,
		Price:     o.Price,
		Size:      qty,
		Timestamp: now,
	})
	o.RawFilled = decimal.NewNullDecimal(o.filled().Add(qty))
	o.updatedAt = now
	if o.filled().GreaterThanOrEqual(o.Size) {
		o.State = types.OrderStateMatched
	} else {
		o.State = types.OrderStatePartiallyFilled
	}
	v.balances[o.Instrument] = v.balances[o.Instrument].Sub(qty)

	v.logger.Debug("paper order filled",
		"order_id", o.ID,
		"qty", qty,
		"price", o.Price,
		"filled", o.filled(),
	)
}

// Order returns a snapshot of an order.
func (v *Venue) Order(orderID string) (types.Order, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	o, ok := v.orders[orderID]
	if !ok {
		return types.Order{}, false
	}
	return o.Order, true
}

// Orders returns snapshots of every order placed, oldest first.
func (v *Venue) Orders() []types.Order {
	v.mu.RLock()
	defer v.mu.RUnlock()

	all := make([]*order, 0, len(v.orders))
	for _, o := range v.orders {
		all = append(all, o)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].seq < all[j].seq })

	out := make([]types.Order, len(all))
	for i, o := range all {
		out[i] = o.Order
	}
	return out
}

// Ensure Venue implements exchange.Venue
var _ exchange.Venue = (*Venue)(nil)
