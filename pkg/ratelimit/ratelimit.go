// Package ratelimit implements sliding-window request limiting with an
// in-process backend and a shared Redis backend.
package ratelimit

import (
	"context"
	"time"
)

type Decision struct {
	Allowed   bool
	Remaining int
	// RetryAfter is set on denial: the wait until the oldest counted event leaves the window.
	RetryAfter time.Duration
}

type Limiter interface {
	Allow(ctx context.Context, key string) Decision
}

// Config allows Limit events per key within any Window-long interval.
// A non-positive Limit disables limiting.
type Config struct {
	Limit  int
	Window time.Duration
}

func (c Config) disabled() bool { return c.Limit <= 0 || c.Window <= 0 }

func normalizeKey(key string) string {
	if key == "" {
		return "anonymous"
	}
	return key
}
