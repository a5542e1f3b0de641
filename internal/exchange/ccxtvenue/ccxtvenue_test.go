package ccxtvenue

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"

	ccxt "github.com/ccxt/ccxt/go/v4"
	"github.com/shopspring/decimal"

	"github.com/tathienbao/maker-exec/internal/exchange"
	"github.com/tathienbao/maker-exec/internal/types"
)

func strPtr(s string) *string    { return &s }
func fltPtr(f float64) *float64  { return &f }
func intPtr(i int64) *int64      { return &i }
func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// fakeClient is a hand-written stand-in for a ccxt exchange.
type fakeClient struct {
	created       []float64 // amount, price
	createErr     error
	placed        int
	cancelled     []string
	order         ccxt.Order
	history       []ccxt.Order // searched by client order ID
	openOrders    []ccxt.Order
	trades        []ccxt.Trade
	balances      ccxt.Balances
	book          ccxt.OrderBook
	fetchCalls    int
	requireSymbol bool
	block         chan struct{}
}

var errSymbolRequired = errors.New("fetchOrder() requires a symbol argument")

func (f *fakeClient) CreateLimitOrder(symbol string, side string, amount float64, price float64, options ...ccxt.CreateLimitOrderOptions) (ccxt.Order, error) {
	if f.createErr != nil {
		return ccxt.Order{}, f.createErr
	}
	f.created = append(f.created, amount, price)
	id := strconv.Itoa(42 + f.placed)
	f.placed++
	return ccxt.Order{Id: strPtr(id), Symbol: strPtr(symbol)}, nil
}

func (f *fakeClient) CancelOrder(id string, options ...ccxt.CancelOrderOptions) (ccxt.Order, error) {
	var opts ccxt.CancelOrderOptionsStruct
	for _, o := range options {
		o(&opts)
	}
	if f.requireSymbol && (opts.Symbol == nil || *opts.Symbol == "") {
		return ccxt.Order{}, errSymbolRequired
	}
	f.cancelled = append(f.cancelled, id)
	return ccxt.Order{Id: strPtr(id)}, nil
}

func (f *fakeClient) FetchOrder(id string, options ...ccxt.FetchOrderOptions) (ccxt.Order, error) {
	f.fetchCalls++
	if f.block != nil {
		<-f.block
	}
	var opts ccxt.FetchOrderOptionsStruct
	for _, o := range options {
		o(&opts)
	}
	if f.requireSymbol && opts.Symbol == nil {
		return ccxt.Order{}, errSymbolRequired
	}
	if opts.Params != nil {
		if cid, ok := (*opts.Params)["clientOrderId"]; ok {
			for _, o := range f.history {
				if derefString(o.ClientOrderId) == cid {
					return o, nil
				}
			}
			return ccxt.Order{}, &ccxt.Error{Type: ccxt.OrderNotFoundErrType, Message: "Order does not exist."}
		}
	}
	return f.order, nil
}

func (f *fakeClient) FetchOpenOrders(options ...ccxt.FetchOpenOrdersOptions) ([]ccxt.Order, error) {
	return f.openOrders, nil
}

func (f *fakeClient) FetchMyTrades(options ...ccxt.FetchMyTradesOptions) ([]ccxt.Trade, error) {
	return f.trades, nil
}

func (f *fakeClient) FetchBalance(params ...interface{}) (ccxt.Balances, error) {
	return f.balances, nil
}

func (f *fakeClient) FetchOrderBook(symbol string, options ...ccxt.FetchOrderBookOptions) (ccxt.OrderBook, error) {
	return f.book, nil
}

func TestVenue_PlaceOrder(t *testing.T) {
	fc := &fakeClient{}
	v := New(fc, Config{Exchange: "binance"}, nil)

	id, err := v.PlaceOrder(context.Background(), exchange.OrderRequest{
		Instrument: "YES/USDC",
		Side:       types.SideSell,
		Price:      d("0.38"),
		Size:       d("50"),
		PostOnly:   true,
	})
	if err != nil {
		t.Fatalf("PlaceOrder() error = %v", err)
	}
	if id != "42" {
		t.Errorf("id = %s, want 42", id)
	}
	if len(fc.created) != 2 || fc.created[0] != 50 || fc.created[1] != 0.38 {
		t.Errorf("created = %v", fc.created)
	}

	// Symbol is cached from placement, so cancel needs no lookup
	if err := v.CancelOrder(context.Background(), id); err != nil {
		t.Fatalf("CancelOrder() error = %v", err)
	}
	if fc.fetchCalls != 0 {
		t.Errorf("fetchCalls = %d, want 0", fc.fetchCalls)
	}
	if len(fc.cancelled) != 1 || fc.cancelled[0] != "42" {
		t.Errorf("cancelled = %v", fc.cancelled)
	}
}

func TestVenue_PlaceOrder_RejectsBuy(t *testing.T) {
	v := New(&fakeClient{}, Config{}, nil)
	_, err := v.PlaceOrder(context.Background(), exchange.OrderRequest{Side: types.SideBuy})
	if err == nil {
		t.Fatal("expected error for buy side")
	}
	if v.Name() != "ccxt" {
		t.Errorf("Name() = %s, want ccxt", v.Name())
	}
}

func TestVenue_PlaceOrder_InsufficientFunds(t *testing.T) {
	fc := &fakeClient{createErr: &ccxt.Error{Type: ccxt.InsufficientFundsErrType, Message: "Account has insufficient balance"}}
	v := New(fc, Config{}, nil)

	_, err := v.PlaceOrder(context.Background(), exchange.OrderRequest{
		Instrument: "YES/USDC",
		Side:       types.SideSell,
		Price:      d("0.38"),
		Size:       d("50"),
	})
	if !exchange.IsInsufficientBalance(err) {
		t.Errorf("error = %v, want insufficient balance", err)
	}
}

func TestVenue_GetOrderStatus(t *testing.T) {
	fc := &fakeClient{order: ccxt.Order{
		Id:      strPtr("42"),
		Symbol:  strPtr("YES/USDC"),
		Status:  strPtr("closed"),
		Filled:  fltPtr(50),
		Amount:  fltPtr(50),
		Average: fltPtr(0.38),
		Price:   fltPtr(0.38),
		Info: map[string]interface{}{
			"status":      "FILLED",
			"executedQty": "50",
		},
	}}
	v := New(fc, Config{}, nil)

	raw, err := v.GetOrderStatus(context.Background(), "42")
	if err != nil {
		t.Fatal(err)
	}
	if raw["status"] != "closed" {
		t.Errorf("status = %v, want unified closed", raw["status"])
	}
	if raw["filled"] != 50.0 {
		t.Errorf("filled = %v", raw["filled"])
	}
	if raw["executedQty"] != "50" {
		t.Errorf("native field dropped: %v", raw)
	}
	if _, ok := raw["cost"]; ok {
		t.Error("nil cost should be omitted")
	}
}

func TestVenue_GetFills(t *testing.T) {
	fc := &fakeClient{trades: []ccxt.Trade{
		{Id: strPtr("t1"), Order: strPtr("42"), Price: fltPtr(0.38), Amount: fltPtr(10), Timestamp: intPtr(1700000000000)},
		{Id: strPtr("t2"), Order: strPtr("7"), Price: fltPtr(0.40), Amount: fltPtr(5)},
		{Id: strPtr("t3"), Order: strPtr("42"), Price: fltPtr(0.39), Amount: fltPtr(9)},
	}}
	v := New(fc, Config{}, nil)
	v.remember("42", "YES/USDC")

	fills, err := v.GetFills(context.Background(), "42")
	if err != nil {
		t.Fatal(err)
	}
	if len(fills) != 2 {
		t.Fatalf("len(fills) = %d, want 2", len(fills))
	}
	size, _ := types.SumFills(fills)
	if !size.Equal(d("19")) {
		t.Errorf("size = %s, want 19", size)
	}
	if fills[0].Timestamp.IsZero() {
		t.Error("expected timestamp on first fill")
	}
}

func TestVenue_GetOpenOrders(t *testing.T) {
	fc := &fakeClient{openOrders: []ccxt.Order{
		{Id: strPtr("1"), Side: strPtr("sell"), Price: fltPtr(0.40), Amount: fltPtr(50), Filled: fltPtr(30)},
		{Id: strPtr("2"), Side: strPtr("buy"), Price: fltPtr(0.30), Amount: fltPtr(10)},
	}}
	v := New(fc, Config{}, nil)

	orders, err := v.GetOpenOrders(context.Background(), "YES/USDC", types.SideSell)
	if err != nil {
		t.Fatal(err)
	}
	if len(orders) != 1 {
		t.Fatalf("len(orders) = %d, want 1", len(orders))
	}
	if !orders[0].Unfilled().Equal(d("20")) {
		t.Errorf("Unfilled() = %s, want 20", orders[0].Unfilled())
	}
	if orders[0].State != types.OrderStatePartiallyFilled {
		t.Errorf("State = %v", orders[0].State)
	}
	if v.cachedSymbol("1") != "YES/USDC" {
		t.Error("open order symbol not cached")
	}
}

func TestVenue_GetAvailableBalance(t *testing.T) {
	fc := &fakeClient{balances: ccxt.Balances{
		Free: map[string]*float64{"YES": fltPtr(30)},
	}}
	v := New(fc, Config{}, nil)

	bal, err := v.GetAvailableBalance(context.Background(), "YES/USDC")
	if err != nil {
		t.Fatal(err)
	}
	if !bal.Equal(d("30")) {
		t.Errorf("balance = %s, want 30", bal)
	}

	bal, _ = v.GetAvailableBalance(context.Background(), "NO/USDC")
	if !bal.IsZero() {
		t.Errorf("missing asset balance = %s, want 0", bal)
	}
}

func TestVenue_GetBestAsk(t *testing.T) {
	fc := &fakeClient{book: ccxt.OrderBook{
		Asks: [][]float64{{0.41, 100}, {0.42, 50}},
	}}
	v := New(fc, Config{}, nil)

	ask, err := v.GetBestAsk(context.Background(), "YES/USDC")
	if err != nil {
		t.Fatal(err)
	}
	if !ask.Equal(d("0.41")) {
		t.Errorf("ask = %s, want 0.41", ask)
	}

	fc.book = ccxt.OrderBook{}
	ask, _ = v.GetBestAsk(context.Background(), "YES/USDC")
	if !ask.IsZero() {
		t.Errorf("empty book ask = %s, want 0", ask)
	}
}

func TestVenue_GetBestAsk_SkipsOwnOrders(t *testing.T) {
	fc := &fakeClient{}
	v := New(fc, Config{}, nil)
	ctx := context.Background()

	id, err := v.PlaceOrder(ctx, exchange.OrderRequest{
		Instrument: "YES/USDC",
		Side:       types.SideSell,
		Price:      d("0.38"),
		Size:       d("50"),
	})
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		asks [][]float64
		want string
	}{
		{"own level only", [][]float64{{0.38, 50}, {0.41, 100}}, "0.41"},
		{"shared level", [][]float64{{0.38, 80}, {0.41, 100}}, "0.38"},
		{"others below us", [][]float64{{0.37, 5}, {0.38, 50}}, "0.37"},
		{"only us", [][]float64{{0.38, 50}}, "0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fc.book = ccxt.OrderBook{Asks: tt.asks}
			ask, err := v.GetBestAsk(ctx, "YES/USDC")
			if err != nil {
				t.Fatal(err)
			}
			if !ask.Equal(d(tt.want)) {
				t.Errorf("ask = %s, want %s", ask, tt.want)
			}
		})
	}

	// A partial fill leaves less of ours on the level.
	fc.order = ccxt.Order{Id: strPtr(id), Symbol: strPtr("YES/USDC"), Status: strPtr("open"),
		Price: fltPtr(0.38), Amount: fltPtr(50), Filled: fltPtr(20), Remaining: fltPtr(30)}
	if _, err := v.GetOrderStatus(ctx, id); err != nil {
		t.Fatal(err)
	}
	fc.book = ccxt.OrderBook{Asks: [][]float64{{0.38, 30}, {0.41, 100}}}
	if ask, _ := v.GetBestAsk(ctx, "YES/USDC"); !ask.Equal(d("0.41")) {
		t.Errorf("after partial fill ask = %s, want 0.41", ask)
	}

	// Once cancelled the level is someone else's again.
	if err := v.CancelOrder(ctx, id); err != nil {
		t.Fatal(err)
	}
	if ask, _ := v.GetBestAsk(ctx, "YES/USDC"); !ask.Equal(d("0.38")) {
		t.Errorf("after cancel ask = %s, want 0.38", ask)
	}
}

func TestVenue_RepricesBackUpAcrossOwnLevel(t *testing.T) {
	fc := &fakeClient{}
	v := New(fc, Config{}, nil)
	ctx := context.Background()
	sym := "YES/USDC"

	place := func(price string) string {
		t.Helper()
		id, err := v.PlaceOrder(ctx, exchange.OrderRequest{Instrument: sym, Side: types.SideSell, Price: d(price), Size: d("50")})
		if err != nil {
			t.Fatal(err)
		}
		return id
	}
	askIs := func(want string) {
		t.Helper()
		ask, err := v.GetBestAsk(ctx, sym)
		if err != nil {
			t.Fatal(err)
		}
		if !ask.Equal(d(want)) {
			t.Fatalf("ask = %s, want %s", ask, want)
		}
	}

	fc.book = ccxt.OrderBook{Asks: [][]float64{{0.40, 100}}}
	askIs("0.40")
	first := place("0.40")

	fc.book = ccxt.OrderBook{Asks: [][]float64{{0.38, 10}, {0.40, 150}}}
	askIs("0.38")
	if err := v.CancelOrder(ctx, first); err != nil {
		t.Fatal(err)
	}
	place("0.38")

	// The other seller at 0.38 leaves and the market lifts to 0.41.
	fc.book = ccxt.OrderBook{Asks: [][]float64{{0.38, 50}, {0.41, 100}}}
	askIs("0.41")
}

func TestVenue_FindOrder(t *testing.T) {
	fc := &fakeClient{history: []ccxt.Order{{
		Id:            strPtr("42"),
		ClientOrderId: strPtr("client-1"),
		Symbol:        strPtr("YES/USDC"),
		Side:          strPtr("sell"),
		Status:        strPtr("closed"),
		Price:         fltPtr(0.40),
		Amount:        fltPtr(50),
		Filled:        fltPtr(50),
	}}}
	v := New(fc, Config{}, nil)
	ctx := context.Background()

	o, err := v.FindOrder(ctx, "YES/USDC", "client-1")
	if err != nil {
		t.Fatalf("FindOrder() error = %v", err)
	}
	if o.ID != "42" || o.State != types.OrderStateFilled {
		t.Errorf("found %s/%s, want 42/FILLED", o.ID, o.State)
	}
	if !o.RawFilled.Valid || !o.RawFilled.Decimal.Equal(d("50")) {
		t.Errorf("RawFilled = %v, want 50", o.RawFilled)
	}
	if v.cachedSymbol("42") != "YES/USDC" {
		t.Error("found order symbol not cached")
	}

	if _, err := v.FindOrder(ctx, "YES/USDC", "client-2"); !exchange.IsUnknownOrder(err) {
		t.Errorf("missing client id: err = %v, want unknown order", err)
	}
}

func TestVenue_CancelBoundOrder(t *testing.T) {
	fc := &fakeClient{requireSymbol: true}
	v := New(fc, Config{}, nil)
	ctx := context.Background()

	if err := v.CancelOrder(ctx, "77"); err == nil {
		t.Fatal("cancel of an unbound order succeeded without a symbol")
	}

	v.BindOrder("77", "YES/USDC")
	if err := v.CancelOrder(ctx, "77"); err != nil {
		t.Fatalf("CancelOrder() after bind error = %v", err)
	}
	if len(fc.cancelled) != 1 || fc.cancelled[0] != "77" {
		t.Errorf("cancelled = %v", fc.cancelled)
	}
}

func TestVenue_CallHonoursDeadline(t *testing.T) {
	fc := &fakeClient{block: make(chan struct{})}
	defer close(fc.block)
	v := New(fc, Config{}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := v.GetOrderStatus(ctx, "42")
	if !exchange.IsTransient(err) {
		t.Errorf("error = %v, want transient", err)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want exchange.Kind
	}{
		{"timeout", &ccxt.Error{Type: ccxt.RequestTimeoutErrType}, exchange.KindTransient},
		{"rate limit", &ccxt.Error{Type: ccxt.RateLimitExceededErrType}, exchange.KindTransient},
		{"funds", &ccxt.Error{Type: ccxt.InsufficientFundsErrType}, exchange.KindInsufficientBalance},
		{"not found", &ccxt.Error{Type: ccxt.OrderNotFoundErrType}, exchange.KindUnknownOrder},
		{"post only", &ccxt.Error{Type: ccxt.InvalidOrderErrType, Message: "Post only order would immediately match"}, exchange.KindRejectedPrice},
		{"invalid order", &ccxt.Error{Type: ccxt.InvalidOrderErrType, Message: "min notional"}, exchange.KindOther},
		{"plain balance", errors.New("not enough balance / allowance"), exchange.KindInsufficientBalance},
		{"deadline", context.DeadlineExceeded, exchange.KindTransient},
		{"plain", errors.New("boom"), exchange.KindOther},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := exchange.KindOf(classify("op", tt.err)); got != tt.want {
				t.Errorf("classify() kind = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestBaseAsset(t *testing.T) {
	tests := map[string]string{
		"YES/USDC":      "YES",
		"BTC/USDT:USDT": "BTC",
		"RAW":           "RAW",
	}
	for in, want := range tests {
		if got := baseAsset(in); got != want {
			t.Errorf("baseAsset(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestNewClient_Unsupported(t *testing.T) {
	if _, err := NewClient(Config{Exchange: "nope"}); err == nil {
		t.Error("expected error for unsupported exchange")
	}
}
