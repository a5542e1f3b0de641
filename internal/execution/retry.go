package execution

import (
	"context"
	"time"
)

// backoff returns the wait before retry number attempt (1-based):
// base doubled per attempt, capped at max.
func backoff(attempt int, base, max time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	wait := base
	for i := 1; i < attempt; i++ {
		wait *= 2
		if max > 0 && wait >= max {
			return max
		}
	}
	if max > 0 && wait > max {
		return max
	}
	return wait
}

// sleep waits d or until ctx or stop ends. It reports whether the full
// duration elapsed.
func sleep(ctx context.Context, stop <-chan struct{}, d time.Duration) bool {
	if d <= 0 {
		select {
		case <-ctx.Done():
			return false
		case <-stop:
			return false
		default:
			return true
		}
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-stop:
		return false
	case <-timer.C:
		return true
	}
}
