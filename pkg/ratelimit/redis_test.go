package ratelimit

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func TestRedisLimiterFailsOpen(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer rdb.Close()

	l := NewRedisLimiter(rdb, Config{Limit: 1, Window: time.Minute}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for i := 0; i < 3; i++ {
		d := l.Allow(ctx, "k")
		if !d.Allowed {
			t.Fatalf("expected fail-open allow on attempt %d, got %+v", i, d)
		}
	}
}

func TestRedisLimiterDisabledSkipsBackend(t *testing.T) {
	l := NewRedisLimiter(nil, Config{}, nil)
	if !l.Allow(context.Background(), "k").Allowed {
		t.Fatalf("expected disabled limiter to allow")
	}
}
