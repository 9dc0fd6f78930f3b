package ratelimit

import (
	"context"
	"sync"
	"time"
)

type MemoryLimiter struct {
	mu    sync.Mutex
	cfg   Config
	now   func() time.Time
	byKey map[string][]time.Time
}

func NewMemoryLimiter(cfg Config) *MemoryLimiter {
	return &MemoryLimiter{
		cfg:   cfg,
		now:   time.Now,
		byKey: map[string][]time.Time{},
	}
}

// WithClock replaces the time source; for tests.
func (l *MemoryLimiter) WithClock(now func() time.Time) *MemoryLimiter {
	l.now = now
	return l
}

func (l *MemoryLimiter) Allow(_ context.Context, key string) Decision {
	if l == nil || l.cfg.disabled() {
		return Decision{Allowed: true}
	}
	key = normalizeKey(key)
	now := l.now()
	cutoff := now.Add(-l.cfg.Window)

	l.mu.Lock()
	defer l.mu.Unlock()

	events := l.byKey[key]
	i := 0
	for i < len(events) && !events[i].After(cutoff) {
		i++
	}
	events = events[i:]

	if len(events) >= l.cfg.Limit {
		l.byKey[key] = events
		return Decision{Allowed: false, RetryAfter: events[0].Add(l.cfg.Window).Sub(now)}
	}
	events = append(events, now)
	l.byKey[key] = events
	return Decision{Allowed: true, Remaining: l.cfg.Limit - len(events)}
}

// Prune drops keys with no events inside the window.
func (l *MemoryLimiter) Prune() {
	cutoff := l.now().Add(-l.cfg.Window)
	l.mu.Lock()
	defer l.mu.Unlock()
	for k, events := range l.byKey {
		if len(events) == 0 || !events[len(events)-1].After(cutoff) {
			delete(l.byKey, k)
		}
	}
}
