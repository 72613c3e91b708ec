package gateway

import (
	"context"
	"sync"
	"time"
)

// commandLimiter allows at most limit sends per fixed window. Callers over
// budget wait for the next window rather than failing.
type commandLimiter struct {
	mu          sync.Mutex
	limit       int
	window      time.Duration
	windowStart time.Time
	used        int
}

func newCommandLimiter(limit int, window time.Duration) *commandLimiter {
	if limit <= 0 {
		return nil
	}
	return &commandLimiter{limit: limit, window: window}
}

func (l *commandLimiter) Wait(ctx context.Context) error {
	if l == nil {
		return nil
	}
	for {
		l.mu.Lock()
		now := time.Now()
		if now.Sub(l.windowStart) >= l.window {
			l.windowStart = now
			l.used = 0
		}
		if l.used < l.limit {
			l.used++
			l.mu.Unlock()
			return nil
		}
		wait := l.window - now.Sub(l.windowStart)
		l.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
