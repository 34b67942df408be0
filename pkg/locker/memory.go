package locker

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// memoryLimiter is the in-process fallback: one token bucket per key,
// refilled at max/window. Entries idle for an hour are pruned so the
// map stays bounded.
type memoryLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
}

type bucket struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

func newMemoryLimiter() *memoryLimiter {
	return &memoryLimiter{buckets: make(map[string]*bucket)}
}

func (m *memoryLimiter) Allow(_ context.Context, key string, max int64, window time.Duration) (Decision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	b, ok := m.buckets[key]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(rate.Limit(float64(max)/window.Seconds()), int(max))}
		m.buckets[key] = b
	}
	b.lastSeen = now

	if len(m.buckets) > 10_000 {
		m.prune(now)
	}

	if !b.lim.AllowN(now, 1) {
		res := b.lim.ReserveN(now, 1)
		delay := res.DelayFrom(now)
		res.CancelAt(now)
		return Decision{Count: -1, RetryAfterMs: delay.Milliseconds()}, nil
	}
	remaining := int64(b.lim.TokensAt(now))
	if remaining < 0 {
		remaining = 0
	}
	return Decision{OK: true, Count: max - remaining, Remaining: remaining}, nil
}

func (m *memoryLimiter) prune(now time.Time) {
	for key, b := range m.buckets {
		if now.Sub(b.lastSeen) > time.Hour {
			delete(m.buckets, key)
		}
	}
}
