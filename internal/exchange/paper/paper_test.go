package paper

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/maker-exec/internal/exchange"
	"github.com/tathienbao/maker-exec/internal/types"
)

const tok = "YES-TOKEN"

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newTestVenue(t *testing.T, balance string) *Venue {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Balances[tok] = d(balance)
	cfg.BestAsks[tok] = d("0.40")
	return NewVenue(cfg, nil)
}

func sell(price, size string) exchange.OrderRequest {
	return exchange.OrderRequest{
		Instrument: tok,
		Side:       types.SideSell,
		Price:      d(price),
		Size:       d(size),
	}
}

func TestVenue_PlaceOrder(t *testing.T) {
	v := newTestVenue(t, "50")
	ctx := context.Background()

	id, err := v.PlaceOrder(ctx, sell("0.40", "30"))
	if err != nil {
		t.Fatalf("PlaceOrder() error = %v", err)
	}
	if id == "" {
		t.Fatal("expected order ID")
	}

	o, ok := v.Order(id)
	if !ok {
		t.Fatal("order not found")
	}
	if o.State != types.OrderStateLive {
		t.Errorf("State = %v, want LIVE", o.State)
	}
	if o.ClientOrderID == "" {
		t.Error("expected generated client order ID")
	}

	free, _ := v.GetAvailableBalance(ctx, tok)
	if !free.Equal(d("20")) {
		t.Errorf("free = %s, want 20", free)
	}
}

func TestVenue_PlaceOrder_InsufficientBalance(t *testing.T) {
	v := newTestVenue(t, "50")
	ctx := context.Background()

	if _, err := v.PlaceOrder(ctx, sell("0.40", "30")); err != nil {
		t.Fatal(err)
	}

	// 30 locked, only 20 free
	_, err := v.PlaceOrder(ctx, sell("0.40", "25"))
	if !exchange.IsInsufficientBalance(err) {
		t.Errorf("PlaceOrder() error = %v, want insufficient balance", err)
	}
}

func TestVenue_PlaceOrder_Validation(t *testing.T) {
	v := newTestVenue(t, "50")
	ctx := context.Background()

	if _, err := v.PlaceOrder(ctx, sell("0", "1")); !exchange.IsRejectedPrice(err) {
		t.Errorf("zero price error = %v", err)
	}
	if _, err := v.PlaceOrder(ctx, sell("0.40", "0")); !errors.Is(err, types.ErrInvalidSize) {
		t.Errorf("zero size error = %v", err)
	}

	buy := sell("0.40", "1")
	buy.Side = types.SideBuy
	if _, err := v.PlaceOrder(ctx, buy); err == nil {
		t.Error("expected buy orders to be rejected")
	}

	v.SetBestBid(tok, d("0.39"))
	post := sell("0.39", "1")
	post.PostOnly = true
	if _, err := v.PlaceOrder(ctx, post); !exchange.IsRejectedPrice(err) {
		t.Errorf("crossing post-only error = %v", err)
	}
}

func TestVenue_CancelOrder(t *testing.T) {
	v := newTestVenue(t, "50")
	ctx := context.Background()

	id, _ := v.PlaceOrder(ctx, sell("0.40", "50"))
	if err := v.CancelOrder(ctx, id); err != nil {
		t.Fatalf("CancelOrder() error = %v", err)
	}

	o, _ := v.Order(id)
	if o.State != types.OrderStateCancelled {
		t.Errorf("State = %v, want CANCELLED", o.State)
	}

	// Cancelling again is a no-op
	if err := v.CancelOrder(ctx, id); err != nil {
		t.Errorf("second CancelOrder() error = %v", err)
	}

	if err := v.CancelOrder(ctx, "PAPER-999"); !exchange.IsUnknownOrder(err) {
		t.Errorf("unknown cancel error = %v", err)
	}

	free, _ := v.GetAvailableBalance(ctx, tok)
	if !free.Equal(d("50")) {
		t.Errorf("free after cancel = %s, want 50", free)
	}
}

func TestVenue_SimulateTrade(t *testing.T) {
	v := newTestVenue(t, "100")
	ctx := context.Background()

	cheap, _ := v.PlaceOrder(ctx, sell("0.38", "20"))
	dear, _ := v.PlaceOrder(ctx, sell("0.41", "50"))

	// Buyer lifts up to 0.40: only the cheap order is eligible
	filled := v.SimulateTrade(tok, d("0.40"), d("30"))
	if !filled.Equal(d("20")) {
		t.Errorf("filled = %s, want 20", filled)
	}

	o, _ := v.Order(cheap)
	if o.State != types.OrderStateMatched {
		t.Errorf("cheap State = %v, want MATCHED", o.State)
	}
	o, _ = v.Order(dear)
	if o.State != types.OrderStateLive {
		t.Errorf("dear State = %v, want LIVE", o.State)
	}

	filled = v.SimulateTrade(tok, d("0.41"), d("10"))
	if !filled.Equal(d("10")) {
		t.Errorf("filled = %s, want 10", filled)
	}
	o, _ = v.Order(dear)
	if o.State != types.OrderStatePartiallyFilled {
		t.Errorf("dear State = %v, want PARTIALLY_FILLED", o.State)
	}

	if !v.Balance(tok).Equal(d("70")) {
		t.Errorf("balance = %s, want 70", v.Balance(tok))
	}

	fills, err := v.GetFills(ctx, dear)
	if err != nil {
		t.Fatal(err)
	}
	if len(fills) != 1 || !fills[0].Size.Equal(d("10")) {
		t.Errorf("fills = %+v", fills)
	}
}

func TestVenue_GetOpenOrders(t *testing.T) {
	v := newTestVenue(t, "100")
	ctx := context.Background()

	a, _ := v.PlaceOrder(ctx, sell("0.40", "20"))
	b, _ := v.PlaceOrder(ctx, sell("0.41", "30"))
	v.CancelOrder(ctx, a)
	v.FillOrder(b, d("10"))

	open, err := v.GetOpenOrders(ctx, tok, types.SideSell)
	if err != nil {
		t.Fatal(err)
	}
	if len(open) != 1 || open[0].ID != b {
		t.Fatalf("open = %+v, want only %s", open, b)
	}
	if !open[0].Unfilled().Equal(d("20")) {
		t.Errorf("Unfilled() = %s, want 20", open[0].Unfilled())
	}

	none, _ := v.GetOpenOrders(ctx, "OTHER", types.SideSell)
	if len(none) != 0 {
		t.Errorf("expected no orders for other instrument, got %d", len(none))
	}
}

func TestVenue_FindOrder(t *testing.T) {
	v := newTestVenue(t, "100")
	ctx := context.Background()

	req := sell("0.40", "50")
	req.ClientOrderID = "client-1"
	id, err := v.PlaceOrder(ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	if err := v.FillOrder(id, d("50")); err != nil {
		t.Fatal(err)
	}

	o, err := v.FindOrder(ctx, tok, "client-1")
	if err != nil {
		t.Fatalf("FindOrder() error = %v", err)
	}
	if o.ID != id || o.State != types.OrderStateMatched {
		t.Errorf("found %s/%s, want %s/MATCHED", o.ID, o.State, id)
	}

	if _, err := v.FindOrder(ctx, tok, "client-2"); !exchange.IsUnknownOrder(err) {
		t.Errorf("unknown client id: err = %v, want unknown order", err)
	}
	if _, err := v.FindOrder(ctx, "OTHER", "client-1"); !exchange.IsUnknownOrder(err) {
		t.Errorf("other instrument: err = %v, want unknown order", err)
	}
}

func TestVenue_PayloadShapes(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		shape   PayloadShape
		present []string
		absent  []string
	}{
		{ShapeDirect, []string{"size_matched", "original_size"}, []string{"fills", "filledAmountQuote"}},
		{ShapeQuote, []string{"filledAmountQuote", "avgPrice"}, []string{"size_matched"}},
		{ShapeFills, []string{"fills"}, []string{"size_matched"}},
		{ShapeSizeOnly, []string{"size"}, []string{"size_matched", "fills"}},
		{ShapeSparse, []string{"status"}, []string{"size_matched", "fills", "size", "filledAmountQuote"}},
	}

	for _, tt := range tests {
		t.Run(string(tt.shape), func(t *testing.T) {
			if !tt.shape.Valid() {
				t.Fatalf("shape %s not valid", tt.shape)
			}
			v := newTestVenue(t, "50")
			v.SetShape(tt.shape)

			id, _ := v.PlaceOrder(ctx, sell("0.38", "50"))
			v.FillOrder(id, d("19"))

			raw, err := v.GetOrderStatus(ctx, id)
			if err != nil {
				t.Fatal(err)
			}
			for _, k := range tt.present {
				if _, ok := raw[k]; !ok {
					t.Errorf("missing %q in %v", k, raw)
				}
			}
			for _, k := range tt.absent {
				if _, ok := raw[k]; ok {
					t.Errorf("unexpected %q in %v", k, raw)
				}
			}
			if raw["status"] != "LIVE" {
				t.Errorf("status = %v, want LIVE", raw["status"])
			}
		})
	}

	if PayloadShape("bogus").Valid() {
		t.Error("bogus shape reported valid")
	}
}

func TestVenue_FailNext(t *testing.T) {
	v := newTestVenue(t, "50")
	ctx := context.Background()

	transient := exchange.NewError(exchange.KindTransient, "place_order", errors.New("503"))
	v.FailNext("place_order", transient)

	if _, err := v.PlaceOrder(ctx, sell("0.40", "1")); !exchange.IsTransient(err) {
		t.Errorf("first PlaceOrder() error = %v, want transient", err)
	}
	if _, err := v.PlaceOrder(ctx, sell("0.40", "1")); err != nil {
		t.Errorf("second PlaceOrder() error = %v", err)
	}
}

func TestVenue_CancelledContext(t *testing.T) {
	v := newTestVenue(t, "50")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := v.GetBestAsk(ctx, tok); !exchange.IsTransient(err) {
		t.Errorf("GetBestAsk() error = %v, want transient", err)
	}
}

func TestVenue_RateLimit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RateLimit = 1
	cfg.Burst = 1
	v := NewVenue(cfg, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if _, err := v.GetBestAsk(ctx, tok); err != nil {
		t.Fatalf("first call error = %v", err)
	}
	// Second token is a second away, past the deadline
	if _, err := v.GetBestAsk(ctx, tok); !exchange.IsTransient(err) {
		t.Errorf("rate limited call error = %v, want transient", err)
	}
}

func TestSimulator_Step(t *testing.T) {
	v := newTestVenue(t, "100")
	ctx := context.Background()
	id, _ := v.PlaceOrder(ctx, sell("0.30", "10"))

	sim := NewSimulator(v, SimulatorConfig{
		Instrument: tok,
		StartAsk:   d("0.40"),
		TickSize:   d("0.01"),
		MinAsk:     d("0.35"),
		MaxAsk:     d("0.45"),
		TradeProb:  1,
		TradeSize:  d("5"),
		Seed:       7,
	}, nil)
	v.SetBestAsk(tok, d("0.40"))

	for i := 0; i < 200; i++ {
		sim.Step()
		ask, _ := v.GetBestAsk(ctx, tok)
		if ask.LessThan(d("0.35")) || ask.GreaterThan(d("0.45")) {
			t.Fatalf("step %d: ask %s outside bounds", i, ask)
		}
	}

	o, _ := v.Order(id)
	if o.State != types.OrderStateMatched {
		t.Errorf("State = %v, want MATCHED after 200 taker steps", o.State)
	}
}

func TestSimulator_StartStop(t *testing.T) {
	v := newTestVenue(t, "100")
	sim := NewSimulator(v, SimulatorConfig{
		Instrument: tok,
		StartAsk:   d("0.50"),
		Interval:   time.Millisecond,
	}, nil)

	sim.Start()
	time.Sleep(10 * time.Millisecond)
	sim.Stop()
	sim.Stop()
}
