package execution

import (
	"context"
	"testing"
	"time"
)

func TestBackoff(t *testing.T) {
	tests := []struct {
		attempt   int
		base, max time.Duration
		want      time.Duration
	}{
		{1, 100 * time.Millisecond, time.Second, 100 * time.Millisecond},
		{2, 100 * time.Millisecond, time.Second, 200 * time.Millisecond},
		{4, 100 * time.Millisecond, time.Second, 800 * time.Millisecond},
		{5, 100 * time.Millisecond, time.Second, time.Second},
		{50, 100 * time.Millisecond, time.Second, time.Second},
		{3, 100 * time.Millisecond, 0, 400 * time.Millisecond},
		{3, 0, time.Second, 0},
	}
	for _, tt := range tests {
		if got := backoff(tt.attempt, tt.base, tt.max); got != tt.want {
			t.Errorf("backoff(%d, %v, %v) = %v, want %v", tt.attempt, tt.base, tt.max, got, tt.want)
		}
	}
}

func TestSleep(t *testing.T) {
	if !sleep(context.Background(), nil, time.Millisecond) {
		t.Error("sleep interrupted without cause")
	}

	stop := make(chan struct{})
	close(stop)
	if sleep(context.Background(), stop, time.Hour) {
		t.Error("sleep ignored stop")
	}
	if sleep(context.Background(), stop, 0) {
		t.Error("zero sleep ignored stop")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if sleep(ctx, nil, time.Hour) {
		t.Error("sleep ignored cancelled context")
	}
}
