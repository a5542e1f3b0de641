package reconcile

import (
	"context"
	"errors"
	"math/rand"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/tathienbao/maker-exec/internal/exchange"
	"github.com/tathienbao/maker-exec/internal/status"
	"github.com/tathienbao/maker-exec/internal/types"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// scriptedQuerier replays status payloads and fills lists in order.
type scriptedQuerier struct {
	statuses    []exchange.RawStatus
	statusErrs  []error
	fills       [][]types.Fill
	fillsErr    error
	statusCalls int
	fillsCalls  int
}

func (q *scriptedQuerier) GetOrderStatus(ctx context.Context, orderID string) (exchange.RawStatus, error) {
	i := q.statusCalls
	q.statusCalls++
	if i < len(q.statusErrs) && q.statusErrs[i] != nil {
		return nil, q.statusErrs[i]
	}
	if i < len(q.statuses) {
		return q.statuses[i], nil
	}
	return q.statuses[len(q.statuses)-1], nil
}

func (q *scriptedQuerier) GetFills(ctx context.Context, orderID string) ([]types.Fill, error) {
	i := q.fillsCalls
	q.fillsCalls++
	if q.fillsErr != nil {
		return nil, q.fillsErr
	}
	if i < len(q.fills) {
		return q.fills[i], nil
	}
	return nil, nil
}

func newAcc(q Querier) *Accumulator {
	return NewAccumulator("ord-1", status.Hint{RequestedSize: d("50"), LimitPrice: d("0.38")},
		status.NewNormalizer(status.DefaultConfig()), q, Config{}, nil)
}

func TestAccumulator_Monotonic(t *testing.T) {
	q := &scriptedQuerier{statuses: []exchange.RawStatus{
		{"status": "LIVE", "size_matched": "10"},
		{"status": "LIVE", "size_matched": "25"},
		{"status": "LIVE", "size_matched": "20"}, // stale read
		{"status": "LIVE", "size_matched": "30"},
	}}
	acc := newAcc(q)
	ctx := context.Background()

	wantFilled := []string{"10", "25", "25", "30"}
	wantDelta := []string{"10", "15", "0", "5"}
	for i := range wantFilled {
		obs, err := acc.Poll(ctx)
		if err != nil {
			t.Fatalf("poll %d: %v", i, err)
		}
		if !obs.Filled.Equal(d(wantFilled[i])) {
			t.Errorf("poll %d: Filled = %s, want %s", i, obs.Filled, wantFilled[i])
		}
		if !obs.Delta.Equal(d(wantDelta[i])) {
			t.Errorf("poll %d: Delta = %s, want %s", i, obs.Delta, wantDelta[i])
		}
	}
}

// Property: filled never decreases for any sequence of observations.
func TestAccumulator_MonotonicRandomized(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	ctx := context.Background()

	for iter := 0; iter < 200; iter++ {
		acc := newAcc(&scriptedQuerier{})
		prev := decimal.Zero
		for step := 0; step < 30; step++ {
			v := decimal.NewFromInt(int64(rng.Intn(5001))).Div(decimal.NewFromInt(100))
			var raw exchange.RawStatus
			switch rng.Intn(3) {
			case 0:
				raw = exchange.RawStatus{"status": "LIVE", "size_matched": v.String()}
			case 1:
				raw = exchange.RawStatus{"status": "LIVE", "filledAmountQuote": v.Mul(d("0.38")).String(), "avgPrice": "0.38"}
			default:
				raw = exchange.RawStatus{"status": "LIVE", "fills": []any{map[string]any{"size": v.String(), "price": "0.38"}}}
			}
			obs, err := acc.Observe(ctx, raw)
			if err != nil {
				t.Fatalf("iter %d step %d: %v", iter, step, err)
			}
			if obs.Filled.LessThan(prev) {
				t.Fatalf("iter %d step %d: filled regressed %s -> %s", iter, step, prev, obs.Filled)
			}
			if obs.Delta.IsNegative() {
				t.Fatalf("iter %d step %d: negative delta %s", iter, step, obs.Delta)
			}
			prev = obs.Filled
		}
	}
}

func TestAccumulator_TerminalIdempotent(t *testing.T) {
	q := &scriptedQuerier{statuses: []exchange.RawStatus{
		{"status": "MATCHED", "size_matched": "50"},
		{"status": "CANCELED", "size_matched": "0"}, // never consulted
	}}
	acc := newAcc(q)
	ctx := context.Background()

	first, err := acc.Poll(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !first.Terminal || !first.Filled.Equal(d("50")) {
		t.Fatalf("first = %+v", first)
	}

	for i := 0; i < 3; i++ {
		again, err := acc.Poll(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if !again.Filled.Equal(first.Filled) || again.State != first.State {
			t.Errorf("re-observation changed state: %+v", again)
		}
		if !again.Delta.IsZero() {
			t.Errorf("re-observation produced delta %s", again.Delta)
		}
	}
	if q.statusCalls != 1 {
		t.Errorf("statusCalls = %d, want 1", q.statusCalls)
	}
	if !acc.Final() {
		t.Error("Final() = false")
	}
}

func TestAccumulator_RequeryStatusResolves(t *testing.T) {
	q := &scriptedQuerier{statuses: []exchange.RawStatus{
		{"status": "MATCHED", "filledAmountQuote": "19.00", "avgPrice": "0.38"},
	}}
	acc := newAcc(q)

	obs, err := acc.Observe(context.Background(), exchange.RawStatus{"status": "MATCHED"})
	if err != nil {
		t.Fatalf("Observe() error = %v", err)
	}
	if !obs.Requeried {
		t.Error("Requeried = false")
	}
	if !obs.Filled.Equal(d("50")) {
		t.Errorf("Filled = %s, want 50", obs.Filled)
	}
	if q.fillsCalls != 0 {
		t.Errorf("fillsCalls = %d, want 0", q.fillsCalls)
	}
}

func TestAccumulator_RequeryFillsResolves(t *testing.T) {
	q := &scriptedQuerier{
		statuses: []exchange.RawStatus{{"status": "MATCHED"}},
		fills: [][]types.Fill{{
			{Size: d("30"), Price: d("0.38")},
			{Size: d("20"), Price: d("0.38")},
		}},
	}
	acc := newAcc(q)

	obs, err := acc.Observe(context.Background(), exchange.RawStatus{"status": "MATCHED"})
	if err != nil {
		t.Fatalf("Observe() error = %v", err)
	}
	if !obs.Filled.Equal(d("50")) || !obs.Terminal {
		t.Errorf("obs = %+v", obs)
	}
	if q.statusCalls != 1 || q.fillsCalls != 1 {
		t.Errorf("calls = (%d, %d), want (1, 1)", q.statusCalls, q.fillsCalls)
	}
}

func TestAccumulator_CancelledEmptyFillsIsZero(t *testing.T) {
	q := &scriptedQuerier{
		statuses: []exchange.RawStatus{{"status": "CANCELED"}},
		fills:    [][]types.Fill{{}},
	}
	acc := newAcc(q)

	obs, err := acc.Observe(context.Background(), exchange.RawStatus{"status": "CANCELED"})
	if err != nil {
		t.Fatalf("Observe() error = %v", err)
	}
	if !obs.Filled.IsZero() || !obs.Terminal || obs.State != types.OrderStateCancelled {
		t.Errorf("obs = %+v", obs)
	}
}

func TestAccumulator_NeverForcesRequestedSize(t *testing.T) {
	q := &scriptedQuerier{
		statuses: []exchange.RawStatus{
			{"status": "LIVE", "size_matched": "12"},
			{"status": "MATCHED"},
		},
		fills: [][]types.Fill{{}},
	}
	acc := newAcc(q)
	ctx := context.Background()

	if _, err := acc.Poll(ctx); err != nil {
		t.Fatal(err)
	}

	obs, err := acc.Observe(ctx, exchange.RawStatus{"status": "MATCHED"})
	var recErr *Error
	if !errors.As(err, &recErr) {
		t.Fatalf("error = %v, want *reconcile.Error", err)
	}
	if !errors.Is(err, types.ErrReconciliationInconclusive) {
		t.Errorf("error does not wrap ErrReconciliationInconclusive: %v", err)
	}
	if !recErr.Filled.Equal(d("12")) {
		t.Errorf("Error.Filled = %s, want 12", recErr.Filled)
	}
	if !obs.Filled.Equal(d("12")) {
		t.Errorf("Filled = %s, want 12 (must not be forced to 50)", obs.Filled)
	}
	if acc.Final() {
		t.Error("inconclusive order marked final")
	}
	if q.statusCalls != 2 || q.fillsCalls != 1 {
		t.Errorf("calls = (%d, %d), want one re-query of each", q.statusCalls, q.fillsCalls)
	}
}

func TestAccumulator_RequeryErrors(t *testing.T) {
	transient := exchange.NewError(exchange.KindTransient, "get_order_status", errors.New("timeout"))
	q := &scriptedQuerier{
		statuses:   []exchange.RawStatus{{"status": "MATCHED"}},
		statusErrs: []error{transient},
		fillsErr:   exchange.NewError(exchange.KindTransient, "get_fills", errors.New("timeout")),
	}
	acc := newAcc(q)

	_, err := acc.Observe(context.Background(), exchange.RawStatus{"status": "MATCHED"})
	if !errors.Is(err, types.ErrReconciliationInconclusive) {
		t.Fatalf("error = %v, want ErrReconciliationInconclusive", err)
	}
	if !errors.Is(err, transient) {
		t.Errorf("underlying cause lost: %v", err)
	}
}

func TestAccumulator_PollError(t *testing.T) {
	boom := errors.New("boom")
	q := &scriptedQuerier{
		statuses:   []exchange.RawStatus{{"status": "LIVE"}},
		statusErrs: []error{boom},
	}
	acc := newAcc(q)

	if _, err := acc.Poll(context.Background()); !errors.Is(err, boom) {
		t.Errorf("Poll() error = %v, want boom", err)
	}
	if acc.OrderID() != "ord-1" {
		t.Errorf("OrderID() = %s", acc.OrderID())
	}
}

func TestAccumulator_MalformedPayload(t *testing.T) {
	acc := newAcc(&scriptedQuerier{})
	if _, err := acc.Observe(context.Background(), nil); !errors.Is(err, types.ErrMalformedPayload) {
		t.Errorf("error = %v, want ErrMalformedPayload", err)
	}
}
