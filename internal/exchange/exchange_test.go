package exchange

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/maker-exec/internal/types"
)

func TestKind_String(t *testing.T) {
	tests := []struct {
		kind Kind
		want string
	}{
		{KindOther, "other"},
		{KindTransient, "transient"},
		{KindInsufficientBalance, "insufficient_balance"},
		{KindRejectedPrice, "rejected_price"},
		{KindUnknownOrder, "unknown_order"},
		{Kind(99), "other"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := tt.kind.String(); got != tt.want {
				t.Errorf("Kind.String() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestKindOf(t *testing.T) {
	base := errors.New("boom")

	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, KindOther},
		{"plain", base, KindOther},
		{"classified", NewError(KindInsufficientBalance, "place_order", base), KindInsufficientBalance},
		{"wrapped classified", fmt.Errorf("tick: %w", NewError(KindUnknownOrder, "cancel_order", base)), KindUnknownOrder},
		{"deadline", fmt.Errorf("status: %w", context.DeadlineExceeded), KindTransient},
		{"canceled is not transient", context.Canceled, KindOther},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Errorf("KindOf() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestError_Unwrap(t *testing.T) {
	base := errors.New("insufficient funds")
	err := NewError(KindInsufficientBalance, "place_order", base)

	if !errors.Is(err, base) {
		t.Error("errors.Is should see the wrapped cause")
	}
	if !IsInsufficientBalance(err) {
		t.Error("IsInsufficientBalance() = false")
	}
	if IsTransient(err) || IsRejectedPrice(err) || IsUnknownOrder(err) {
		t.Error("error matched more than one kind")
	}
	if err.Error() != "place_order: insufficient_balance: insufficient funds" {
		t.Errorf("Error() = %q", err.Error())
	}
}

func TestRawStatus_Clone(t *testing.T) {
	raw := RawStatus{"status": "LIVE"}
	c := raw.Clone()
	c["status"] = "MATCHED"

	if raw["status"] != "LIVE" {
		t.Error("Clone() shares storage with the original")
	}
}

type recordingObserver struct {
	ops  []string
	errs []error
}

func (r *recordingObserver) ObserveExchangeLatency(op string, d time.Duration, err error) {
	r.ops = append(r.ops, op)
	r.errs = append(r.errs, err)
}

type stubVenue struct {
	placeErr error
	bound    map[string]string
}

func (s *stubVenue) BindOrder(orderID, instrument string) {
	if s.bound == nil {
		s.bound = make(map[string]string)
	}
	s.bound[orderID] = instrument
}

func (s *stubVenue) PlaceOrder(ctx context.Context, req OrderRequest) (string, error) {
	return "X-1", s.placeErr
}
func (s *stubVenue) CancelOrder(ctx context.Context, orderID string) error { return nil }
func (s *stubVenue) GetOrderStatus(ctx context.Context, orderID string) (RawStatus, error) {
	return RawStatus{}, nil
}
func (s *stubVenue) GetFills(ctx context.Context, orderID string) ([]types.Fill, error) {
	return nil, nil
}
func (s *stubVenue) GetOpenOrders(ctx context.Context, instrument string, side types.Side) ([]types.Order, error) {
	return nil, nil
}
func (s *stubVenue) FindOrder(ctx context.Context, instrument, clientOrderID string) (types.Order, error) {
	return types.Order{}, NewError(KindUnknownOrder, "find_order", nil)
}
func (s *stubVenue) GetAvailableBalance(ctx context.Context, instrument string) (decimal.Decimal, error) {
	return decimal.Zero, nil
}
func (s *stubVenue) GetBestAsk(ctx context.Context, instrument string) (decimal.Decimal, error) {
	return decimal.Zero, nil
}
func (s *stubVenue) Name() string { return "stub" }
func (s *stubVenue) Close() error { return nil }

func TestInstrumented_ReportsOutcome(t *testing.T) {
	obs := &recordingObserver{}
	placeErr := NewError(KindRejectedPrice, "place_order", nil)
	v := NewInstrumented(&stubVenue{placeErr: placeErr}, obs)

	ctx := context.Background()
	v.PlaceOrder(ctx, OrderRequest{})
	v.CancelOrder(ctx, "X-1")

	if len(obs.ops) != 2 {
		t.Fatalf("observed %d calls, want 2", len(obs.ops))
	}
	if obs.ops[0] != "place_order" || obs.ops[1] != "cancel_order" {
		t.Errorf("ops = %v", obs.ops)
	}
	if !errors.Is(obs.errs[0], placeErr) {
		t.Errorf("place error not reported: %v", obs.errs[0])
	}
	if obs.errs[1] != nil {
		t.Errorf("cancel error = %v, want nil", obs.errs[1])
	}
	if v.Name() != "stub" {
		t.Errorf("Name() = %s", v.Name())
	}
}

func TestInstrumented_ForwardsBind(t *testing.T) {
	stub := &stubVenue{}
	v := NewInstrumented(stub, nil)

	Bind(v, "X-9", "ABC/USDT")
	if stub.bound["X-9"] != "ABC/USDT" {
		t.Errorf("bound = %v, want X-9 -> ABC/USDT", stub.bound)
	}

	_, err := v.FindOrder(context.Background(), "ABC/USDT", "c-1")
	if !IsUnknownOrder(err) {
		t.Errorf("FindOrder() error = %v, want unknown order", err)
	}
}
