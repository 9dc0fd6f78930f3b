package ratelimit

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "formbridge:ratelimit:"

// RedisLimiter shares a sliding window across replicas using one sorted set
// per key. Backend failures allow the request and are logged.
type RedisLimiter struct {
	rdb    redis.Cmdable
	cfg    Config
	now    func() time.Time
	logger *slog.Logger
}

func NewRedisLimiter(rdb redis.Cmdable, cfg Config, logger *slog.Logger) *RedisLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisLimiter{rdb: rdb, cfg: cfg, now: time.Now, logger: logger}
}

func (l *RedisLimiter) Allow(ctx context.Context, key string) Decision {
	if l == nil || l.cfg.disabled() {
		return Decision{Allowed: true}
	}
	d, err := l.allow(ctx, normalizeKey(key))
	if err != nil {
		l.logger.WarnContext(ctx, "rate limiter backend unavailable, allowing request",
			slog.String("module", "ratelimit"),
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
		return Decision{Allowed: true, Remaining: l.cfg.Limit}
	}
	return d
}

func (l *RedisLimiter) allow(ctx context.Context, key string) (Decision, error) {
	rkey := redisKeyPrefix + key
	now := l.now()
	cutoff := now.Add(-l.cfg.Window).UnixMicro()
	member := strconv.FormatInt(now.UnixMicro(), 10) + "-" + uuid.NewString()

	var card *redis.IntCmd
	_, err := l.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRemRangeByScore(ctx, rkey, "-inf", strconv.FormatInt(cutoff, 10))
		card = pipe.ZCard(ctx, rkey)
		pipe.ZAdd(ctx, rkey, redis.Z{Score: float64(now.UnixMicro()), Member: member})
		pipe.PExpire(ctx, rkey, l.cfg.Window)
		return nil
	})
	if err != nil {
		return Decision{}, errors.Wrap(err, "sliding window pipeline")
	}

	count := int(card.Val())
	if count < l.cfg.Limit {
		return Decision{Allowed: true, Remaining: l.cfg.Limit - count - 1}, nil
	}

	// Denied requests do not occupy the window.
	if err := l.rdb.ZRem(ctx, rkey, member).Err(); err != nil {
		return Decision{}, errors.Wrap(err, "release denied slot")
	}
	oldest, err := l.rdb.ZRangeWithScores(ctx, rkey, 0, 0).Result()
	if err != nil {
		return Decision{}, errors.Wrap(err, "read oldest event")
	}
	retry := l.cfg.Window
	if len(oldest) == 1 {
		retry = time.UnixMicro(int64(oldest[0].Score)).Add(l.cfg.Window).Sub(now)
	}
	return Decision{Allowed: false, RetryAfter: retry}, nil
}
