package alerting

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
)

func TestSeverity_String(t *testing.T) {
	tests := []struct {
		severity Severity
		want     string
	}{
		{SeverityInfo, "INFO"},
		{SeverityWarning, "WARNING"},
		{SeverityHigh, "HIGH"},
		{SeverityCritical, "CRITICAL"},
		{Severity(99), "UNKNOWN"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := tt.severity.String(); got != tt.want {
				t.Errorf("String() = %v, want %v", got, tt.want)
			}
			if tt.severity.Emoji() == "" {
				t.Error("Emoji() empty")
			}
		})
	}
}

func TestFormatFields(t *testing.T) {
	tests := []struct {
		name   string
		fields []any
		want   string
	}{
		{"empty", nil, ""},
		{"single", []any{"key", "value"}, "• key: value"},
		{"multiple", []any{"filled", "12", "remaining", 38}, "• filled: 12\n• remaining: 38"},
		{"odd count", []any{"key1", "value1", "orphan"}, "• key1: value1"},
		{"non-string key", []any{42, "x", "k", "v"}, "• k: v"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := FormatFields(tt.fields...); got != tt.want {
				t.Errorf("FormatFields() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestEventSeverity(t *testing.T) {
	tests := []struct {
		event Event
		want  Severity
	}{
		{EventReconcileFailed, SeverityCritical},
		{EventIntentAborted, SeverityHigh},
		{EventOrphanCancelled, SeverityHigh},
		{EventSizeShrunk, SeverityWarning},
		{EventIntentCancelled, SeverityWarning},
		{EventIntentFilled, SeverityInfo},
		{EventIntentStarted, SeverityInfo},
		{EventPartialFill, SeverityInfo},
		{Event("unknown"), SeverityInfo},
	}
	for _, tt := range tests {
		t.Run(string(tt.event), func(t *testing.T) {
			if got := EventSeverity(tt.event); got != tt.want {
				t.Errorf("EventSeverity(%s) = %v, want %v", tt.event, got, tt.want)
			}
		})
	}
}

func TestSend(t *testing.T) {
	if err := Send(context.Background(), nil, EventIntentFilled, "ignored"); err != nil {
		t.Errorf("Send(nil) error = %v", err)
	}

	mock := NewMockAlerter()
	if err := Send(context.Background(), mock, EventIntentAborted, "Sell intent aborted", "intent_id", "i-1"); err != nil {
		t.Fatal(err)
	}
	a, ok := mock.Find("aborted")
	if !ok {
		t.Fatal("alert not recorded")
	}
	if a.Severity != SeverityHigh {
		t.Errorf("Severity = %v, want HIGH", a.Severity)
	}
	if v, _ := a.Field("event"); v != string(EventIntentAborted) {
		t.Errorf("event field = %v", v)
	}
	if v, _ := a.Field("intent_id"); v != "i-1" {
		t.Errorf("intent_id field = %v", v)
	}
}

func TestMockAlerter(t *testing.T) {
	mock := NewMockAlerter()
	ctx := context.Background()

	if err := mock.Alert(ctx, SeverityInfo, "first fill", "qty", "10"); err != nil {
		t.Fatal(err)
	}
	if mock.Count() != 1 || !mock.HasAlertWithSeverity(SeverityInfo) || mock.HasAlertWithSeverity(SeverityCritical) {
		t.Errorf("alerts = %+v", mock.Alerts())
	}
	if _, ok := mock.Find("nonexistent"); ok {
		t.Error("Find matched a missing message")
	}

	boom := errors.New("boom")
	mock.FailWith(boom)
	if err := mock.Alert(ctx, SeverityHigh, "second"); !errors.Is(err, boom) {
		t.Errorf("Alert() error = %v, want boom", err)
	}
	if mock.Count() != 2 {
		t.Errorf("Count() = %d, want 2", mock.Count())
	}
}

func TestConsoleAlerter(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	alerter := NewConsoleAlerter(logger)

	if alerter.Name() != "console" {
		t.Errorf("Name() = %q", alerter.Name())
	}
	if err := alerter.Alert(context.Background(), SeverityCritical, "reconcile failed", "order_id", "o-1"); err != nil {
		t.Fatal(err)
	}

	out := buf.String()
	for _, want := range []string{"level=ERROR", "[ALERT] reconcile failed", "order_id=o-1", "severity=CRITICAL"} {
		if !strings.Contains(out, want) {
			t.Errorf("output %q missing %q", out, want)
		}
	}
}

func TestMultiAlerter(t *testing.T) {
	mock1 := NewMockAlerter()
	mock2 := NewMockAlerter()
	multi := NewMultiAlerter(nil, mock1, mock2)

	if err := multi.Alert(context.Background(), SeverityWarning, "broadcast"); err != nil {
		t.Fatalf("Alert() error = %v", err)
	}
	if mock1.Count() != 1 || mock2.Count() != 1 {
		t.Errorf("counts = %d, %d", mock1.Count(), mock2.Count())
	}

	mock3 := NewMockAlerter()
	multi.AddAlerter(mock3)
	if multi.Len() != 3 {
		t.Errorf("Len() = %d, want 3", multi.Len())
	}
	_ = multi.Alert(context.Background(), SeverityHigh, "another")
	if mock3.Count() != 1 {
		t.Errorf("mock3 count = %d, want 1", mock3.Count())
	}
}

func TestMultiAlerter_CombinesErrors(t *testing.T) {
	errA, errB := errors.New("a down"), errors.New("b down")
	a, b, ok := NewMockAlerter(), NewMockAlerter(), NewMockAlerter()
	a.FailWith(errA)
	b.FailWith(errB)

	err := NewMultiAlerter(nil, a, b, ok).Alert(context.Background(), SeverityInfo, "x")
	if !errors.Is(err, errA) || !errors.Is(err, errB) {
		t.Errorf("error = %v, want both causes", err)
	}
	if ok.Count() != 1 {
		t.Error("healthy channel skipped")
	}
}

func TestFilteredAlerter(t *testing.T) {
	mock := NewMockAlerter()
	f := NewFilteredAlerter(mock, func(event string) bool {
		return event == string(EventIntentAborted)
	})
	ctx := context.Background()

	if err := Send(ctx, f, EventIntentFilled, "filled"); err != nil {
		t.Fatal(err)
	}
	if err := Send(ctx, f, EventIntentAborted, "aborted"); err != nil {
		t.Fatal(err)
	}
	if err := f.Alert(ctx, SeverityInfo, "no event"); err != nil {
		t.Fatal(err)
	}

	if mock.Count() != 2 {
		t.Fatalf("forwarded = %d, want 2", mock.Count())
	}
	if _, ok := mock.Find("filled"); ok {
		t.Error("disabled event forwarded")
	}
	if f.Name() != "mock" {
		t.Errorf("Name() = %s, want mock", f.Name())
	}
}
