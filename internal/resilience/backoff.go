package resilience

import (
	"context"
	"time"
)

// Backoff returns the wait before retry number attempt (1-based):
// base, 2*base, 4*base, ... capped at maxWait.
func Backoff(attempt int, base, maxWait time.Duration) time.Duration {
	if attempt < 1 || base <= 0 {
		return 0
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if maxWait > 0 && d >= maxWait {
			return maxWait
		}
	}
	if maxWait > 0 && d > maxWait {
		return maxWait
	}
	return d
}

// Sleep waits for d or until ctx is done, whichever comes first.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
