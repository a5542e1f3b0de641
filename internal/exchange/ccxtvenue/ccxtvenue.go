// Package ccxtvenue adapts a ccxt exchange client to the exchange.Venue boundary.
package ccxtvenue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	ccxt "github.com/ccxt/ccxt/go/v4"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/tathienbao/maker-exec/internal/exchange"
	"github.com/tathienbao/maker-exec/internal/types"
)

// Client is the subset of a ccxt exchange used by the venue.
type Client interface {
	CreateLimitOrder(symbol string, side string, amount float64, price float64, options ...ccxt.CreateLimitOrderOptions) (ccxt.Order, error)
	CancelOrder(id string, options ...ccxt.CancelOrderOptions) (ccxt.Order, error)
	FetchOrder(id string, options ...ccxt.FetchOrderOptions) (ccxt.Order, error)
	FetchOpenOrders(options ...ccxt.FetchOpenOrdersOptions) ([]ccxt.Order, error)
	FetchMyTrades(options ...ccxt.FetchMyTradesOptions) ([]ccxt.Trade, error)
	FetchBalance(params ...interface{}) (ccxt.Balances, error)
	FetchOrderBook(symbol string, options ...ccxt.FetchOrderBookOptions) (ccxt.OrderBook, error)
}

// Config holds live venue configuration.
type Config struct {
	Exchange   string // binance, binanceusdm, hyperliquid
	APIKey     string
	APISecret  string
	Password   string
	Wallet     string
	PrivateKey string
	Sandbox    bool
	RateLimit  float64 // requests per second, 0 = unlimited
	Burst      int
	BookDepth  int64
}

// NewClient builds the ccxt client named by cfg.Exchange.
func NewClient(cfg Config) (Client, error) {
	userConfig := map[string]interface{}{
		"enableRateLimit": true,
	}
	if cfg.APIKey != "" {
		userConfig["apiKey"] = cfg.APIKey
	}
	if cfg.APISecret != "" {
		userConfig["secret"] = cfg.APISecret
	}
	if cfg.Password != "" {
		userConfig["password"] = cfg.Password
	}
	if cfg.Wallet != "" {
		userConfig["walletAddress"] = cfg.Wallet
	}
	if cfg.PrivateKey != "" {
		userConfig["privateKey"] = cfg.PrivateKey
	}

	switch strings.ToLower(cfg.Exchange) {
	case "binance":
		ex := ccxt.NewBinance(userConfig)
		if cfg.Sandbox {
			ex.SetSandboxMode(true)
		}
		return ex, nil
	case "binanceusdm":
		ex := ccxt.NewBinanceusdm(userConfig)
		if cfg.Sandbox {
			ex.SetSandboxMode(true)
		}
		return ex, nil
	case "hyperliquid":
		ex := ccxt.NewHyperliquid(userConfig)
		if cfg.Sandbox {
			ex.SetSandboxMode(true)
		}
		return ex, nil
	default:
		return nil, fmt.Errorf("unsupported exchange %q", cfg.Exchange)
	}
}

// Venue implements exchange.Venue over a ccxt client. Instruments are
// ccxt unified symbols ("BASE/QUOTE").
type Venue struct {
	cfg     Config
	client  Client
	logger  *slog.Logger
	limiter *rate.Limiter

	mu      sync.RWMutex
	symbols map[string]string   // order ID -> symbol
	resting map[string]ownOrder // our open orders, subtracted from the book
}

type ownOrder struct {
	symbol    string
	price     float64
	remaining float64
}

// New creates a venue around client.
func New(client Client, cfg Config, logger *slog.Logger) *Venue {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BookDepth <= 0 {
		cfg.BookDepth = 5
	}

	v := &Venue{
		cfg:     cfg,
		client:  client,
		logger:  logger,
		symbols: make(map[string]string),
		resting: make(map[string]ownOrder),
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

// Name returns the underlying exchange name.
func (v *Venue) Name() string {
	if v.cfg.Exchange == "" {
		return "ccxt"
	}
	return v.cfg.Exchange
}

// Close releases nothing; ccxt clients hold no persistent connections here.
func (v *Venue) Close() error { return nil }

// call runs fn under the rate limiter and abandons it when ctx ends.
func call[T any](ctx context.Context, v *Venue, op string, fn func() (T, error)) (T, error) {
	var zero T
	if v.limiter != nil {
		if err := v.limiter.Wait(ctx); err != nil {
			return zero, exchange.NewError(exchange.KindTransient, op, err)
		}
	}

	type result struct {
		val T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		val, err := fn()
		ch <- result{val, err}
	}()

	select {
	case <-ctx.Done():
		return zero, exchange.NewError(exchange.KindTransient, op, ctx.Err())
	case r := <-ch:
		if r.err != nil {
			return zero, classify(op, r.err)
		}
		return r.val, nil
	}
}

// PlaceOrder submits a limit sell.
func (v *Venue) PlaceOrder(ctx context.Context, req exchange.OrderRequest) (string, error) {
	const op = "place_order"
	if req.Side != types.SideSell {
		return "", exchange.NewError(exchange.KindOther, op, fmt.Errorf("unsupported side %s", req.Side))
	}

	params := map[string]interface{}{}
	if req.ClientOrderID != "" {
		params["clientOrderId"] = req.ClientOrderID
	}
	if req.PostOnly {
		params["postOnly"] = true
	}

	order, err := call(ctx, v, op, func() (ccxt.Order, error) {
		return v.client.CreateLimitOrder(
			req.Instrument,
			"sell",
			req.Size.InexactFloat64(),
			req.Price.InexactFloat64(),
			ccxt.WithCreateLimitOrderParams(params),
		)
	})
	if err != nil {
		return "", err
	}

	id := derefString(order.Id)
	if id == "" {
		return "", exchange.NewError(exchange.KindOther, op, errors.New("exchange returned no order id"))
	}
	v.remember(id, req.Instrument)
	v.trackResting(id, req.Instrument, req.Price.InexactFloat64(), req.Size.InexactFloat64())

	v.logger.Info("order submitted",
		"venue", v.Name(),
		"order_id", id,
		"instrument", req.Instrument,
		"price", req.Price,
		"size", req.Size,
	)
	return id, nil
}

// CancelOrder cancels an order. Most venues require the symbol, so it is
// taken from the order cache or fetched.
func (v *Venue) CancelOrder(ctx context.Context, orderID string) error {
	const op = "cancel_order"
	symbol, err := v.symbolOf(ctx, orderID)
	if err != nil {
		return err
	}
	_, err = call(ctx, v, op, func() (ccxt.Order, error) {
		return v.client.CancelOrder(orderID, ccxt.WithCancelOrderSymbol(symbol))
	})
	if err == nil || exchange.IsUnknownOrder(err) {
		v.forgetResting(orderID)
	}
	return err
}

// BindOrder records the symbol of an order placed by an earlier process, so
// it can be cancelled on venues that require the symbol.
func (v *Venue) BindOrder(orderID, instrument string) {
	v.remember(orderID, instrument)
}

func (v *Venue) remember(orderID, symbol string) {
	if orderID == "" || symbol == "" {
		return
	}
	v.mu.Lock()
	v.symbols[orderID] = symbol
	v.mu.Unlock()
}

func (v *Venue) cachedSymbol(orderID string) string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.symbols[orderID]
}

func (v *Venue) trackResting(orderID, symbol string, price, remaining float64) {
	if orderID == "" || symbol == "" || remaining <= 0 {
		v.forgetResting(orderID)
		return
	}
	v.mu.Lock()
	v.resting[orderID] = ownOrder{symbol: symbol, price: price, remaining: remaining}
	v.mu.Unlock()
}

func (v *Venue) forgetResting(orderID string) {
	v.mu.Lock()
	delete(v.resting, orderID)
	v.mu.Unlock()
}

// observeResting updates our book footprint from a fetched order.
func (v *Venue) observeResting(order ccxt.Order, symbol string) {
	id := derefString(order.Id)
	if id == "" {
		return
	}
	if s := derefString(order.Symbol); s != "" {
		symbol = s
	}
	if !orderState(order).IsOpen() {
		v.forgetResting(id)
		return
	}
	v.trackResting(id, symbol, derefFloat(order.Price), remainingOf(order))
}

// ownAt returns our resting quantity at price.
func (v *Venue) ownAt(symbol string, price float64) float64 {
	v.mu.RLock()
	defer v.mu.RUnlock()
	total := 0.0
	for _, o := range v.resting {
		if o.symbol == symbol && samePrice(o.price, price) {
			total += o.remaining
		}
	}
	return total
}

func samePrice(a, b float64) bool {
	return math.Abs(a-b) <= 1e-9*math.Max(1, math.Abs(b))
}

func remainingOf(order ccxt.Order) float64 {
	if order.Remaining != nil {
		return *order.Remaining
	}
	return derefFloat(order.Amount) - derefFloat(order.Filled)
}

// orderState maps ccxt's unified status onto an order state.
func orderState(order ccxt.Order) types.OrderState {
	switch strings.ToLower(derefString(order.Status)) {
	case "open", "":
		if derefFloat(order.Filled) > 0 {
			return types.OrderStatePartiallyFilled
		}
		return types.OrderStateLive
	case "closed":
		return types.OrderStateFilled
	case "canceled", "cancelled":
		return types.OrderStateCancelled
	case "expired":
		return types.OrderStateExpired
	case "rejected":
		return types.OrderStateRejected
	default:
		return types.OrderStateUnknown
	}
}

func toOrder(o ccxt.Order, instrument string) types.Order {
	order := types.Order{
		ID:            derefString(o.Id),
		ClientOrderID: derefString(o.ClientOrderId),
		Instrument:    instrument,
		Side:          types.ParseSide(derefString(o.Side)),
		Price:         decimal.NewFromFloat(derefFloat(o.Price)),
		Size:          decimal.NewFromFloat(derefFloat(o.Amount)),
		State:         orderState(o),
	}
	if o.Filled != nil {
		order.RawFilled = decimal.NewNullDecimal(decimal.NewFromFloat(*o.Filled))
	}
	if o.Timestamp != nil {
		order.CreatedAt = time.UnixMilli(*o.Timestamp).UTC()
	}
	return order
}

func (v *Venue) fetchOrder(ctx context.Context, orderID string) (ccxt.Order, error) {
	var opts []ccxt.FetchOrderOptions
	if symbol := v.cachedSymbol(orderID); symbol != "" {
		opts = append(opts, ccxt.WithFetchOrderSymbol(symbol))
	}
	order, err := call(ctx, v, "get_order_status", func() (ccxt.Order, error) {
		return v.client.FetchOrder(orderID, opts...)
	})
	if err == nil {
		v.remember(orderID, derefString(order.Symbol))
		v.observeResting(order, v.cachedSymbol(orderID))
	}
	return order, err
}

func (v *Venue) symbolOf(ctx context.Context, orderID string) (string, error) {
	if symbol := v.cachedSymbol(orderID); symbol != "" {
		return symbol, nil
	}
	order, err := v.fetchOrder(ctx, orderID)
	if err != nil {
		return "", err
	}
	return derefString(order.Symbol), nil
}

// GetOrderStatus returns the venue-native payload merged with ccxt's
// unified fields.
func (v *Venue) GetOrderStatus(ctx context.Context, orderID string) (exchange.RawStatus, error) {
	order, err := v.fetchOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	return rawStatus(order), nil
}

func rawStatus(order ccxt.Order) exchange.RawStatus {
	raw := make(exchange.RawStatus, len(order.Info)+8)
	for k, val := range order.Info {
		raw[k] = val
	}

	if s := derefString(order.Status); s != "" {
		raw["status"] = s
	}
	setFloat(raw, "filled", order.Filled)
	setFloat(raw, "amount", order.Amount)
	setFloat(raw, "average", order.Average)
	setFloat(raw, "price", order.Price)
	setFloat(raw, "cost", order.Cost)
	if id := derefString(order.Id); id != "" {
		raw["id"] = id
	}
	return raw
}

func setFloat(raw exchange.RawStatus, key string, p *float64) {
	if p != nil {
		raw[key] = *p
	}
}

// GetFills returns trades executed against orderID.
func (v *Venue) GetFills(ctx context.Context, orderID string) ([]types.Fill, error) {
	const op = "get_fills"
	symbol, err := v.symbolOf(ctx, orderID)
	if err != nil {
		return nil, err
	}

	trades, err := call(ctx, v, op, func() ([]ccxt.Trade, error) {
		return v.client.FetchMyTrades(ccxt.WithFetchMyTradesSymbol(symbol))
	})
	if err != nil {
		return nil, err
	}

	var fills []types.Fill
	for _, tr := range trades {
		if derefString(tr.Order) != orderID {
			continue
		}
		f := types.Fill{
			TradeID: derefString(tr.Id),
			OrderID: orderID,
			Price:   decimal.NewFromFloat(derefFloat(tr.Price)),
			Size:    decimal.NewFromFloat(derefFloat(tr.Amount)),
		}
		if tr.Timestamp != nil {
			f.Timestamp = time.UnixMilli(*tr.Timestamp).UTC()
		}
		fills = append(fills, f)
	}
	return fills, nil
}

// GetOpenOrders lists resting orders for the symbol and side.
func (v *Venue) GetOpenOrders(ctx context.Context, instrument string, side types.Side) ([]types.Order, error) {
	const op = "get_open_orders"
	orders, err := call(ctx, v, op, func() ([]ccxt.Order, error) {
		return v.client.FetchOpenOrders(ccxt.WithFetchOpenOrdersSymbol(instrument))
	})
	if err != nil {
		return nil, err
	}

	var out []types.Order
	for _, o := range orders {
		order := toOrder(o, instrument)
		if order.Side != side {
			continue
		}
		if !order.State.IsOpen() {
			order.State = types.OrderStateLive
		}
		v.remember(order.ID, instrument)
		v.observeResting(o, instrument)
		out = append(out, order)
	}
	return out, nil
}

// FindOrder fetches an order by client order ID. Venues without
// client-ID lookup report the order as unknown.
func (v *Venue) FindOrder(ctx context.Context, instrument, clientOrderID string) (types.Order, error) {
	const op = "find_order"
	o, err := call(ctx, v, op, func() (ccxt.Order, error) {
		return v.client.FetchOrder("",
			ccxt.WithFetchOrderSymbol(instrument),
			ccxt.WithFetchOrderParams(map[string]interface{}{"clientOrderId": clientOrderID}),
		)
	})
	if err != nil {
		return types.Order{}, err
	}

	order := toOrder(o, instrument)
	if order.ID == "" || (order.ClientOrderID != "" && order.ClientOrderID != clientOrderID) {
		return types.Order{}, exchange.NewError(exchange.KindUnknownOrder, op,
			fmt.Errorf("no order with client id %s", clientOrderID))
	}
	if order.ClientOrderID == "" {
		order.ClientOrderID = clientOrderID
	}
	v.remember(order.ID, instrument)
	v.observeResting(o, instrument)
	return order, nil
}

// GetAvailableBalance returns the free balance of the symbol's base asset.
func (v *Venue) GetAvailableBalance(ctx context.Context, instrument string) (decimal.Decimal, error) {
	const op = "get_balance"
	balances, err := call(ctx, v, op, func() (ccxt.Balances, error) {
		return v.client.FetchBalance()
	})
	if err != nil {
		return decimal.Zero, err
	}

	base := baseAsset(instrument)
	if free, ok := balances.Free[base]; ok && free != nil {
		return decimal.NewFromFloat(*free), nil
	}
	return decimal.Zero, nil
}

// GetBestAsk returns the lowest ask of other participants: levels that hold
// only our own resting quantity are skipped. Zero means no other ask within
// the fetched depth.
func (v *Venue) GetBestAsk(ctx context.Context, instrument string) (decimal.Decimal, error) {
	const op = "get_best_ask"
	book, err := call(ctx, v, op, func() (ccxt.OrderBook, error) {
		return v.client.FetchOrderBook(instrument, ccxt.WithFetchOrderBookLimit(v.cfg.BookDepth))
	})
	if err != nil {
		return decimal.Zero, err
	}

	for _, level := range book.Asks {
		if len(level) < 2 || level[0] <= 0 {
			continue
		}
		others := level[1] - v.ownAt(instrument, level[0])
		if others <= level[1]*1e-9 {
			continue
		}
		return decimal.NewFromFloat(level[0]), nil
	}
	return decimal.Zero, nil
}

func baseAsset(symbol string) string {
	if i := strings.IndexAny(symbol, "/:"); i > 0 {
		return symbol[:i]
	}
	return symbol
}

func derefString(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

func derefFloat(p *float64) float64 {
	if p == nil {
		return 0
	}
	return *p
}

var _ exchange.Venue = (*Venue)(nil)
