package registry

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/amitpaz1/formbridge/pkg/domain"

	"github.com/patrickmn/go-cache"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

const (
	redisKeyPrefix     = "formbridge:intake:"
	InvalidateChannel  = "formbridge:intake:invalidate"
	invalidateAllToken = "ALL"
)

// storedIntake keeps the destination secret, which domain.Destination
// leaves out of its JSON form.
type storedIntake struct {
	Definition domain.IntakeDefinition `json:"definition"`
	Secret     string                  `json:"secret,omitempty"`
}

// Redis shares intake definitions across replicas. Reads go through a
// local TTL cache that is invalidated over pub/sub when a definition changes.
type Redis struct {
	rdb    *redis.Client
	local  *cache.Cache
	logger *slog.Logger
}

func NewRedis(rdb *redis.Client, localTTL time.Duration, logger *slog.Logger) *Redis {
	if logger == nil {
		logger = slog.Default()
	}
	if localTTL <= 0 {
		localTTL = 5 * time.Minute
	}
	return &Redis{rdb: rdb, local: cache.New(localTTL, 2*localTTL), logger: logger}
}

// Listen applies invalidations until ctx is done.
func (r *Redis) Listen(ctx context.Context) {
	pubsub := r.rdb.Subscribe(ctx, InvalidateChannel)
	defer pubsub.Close()
	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			r.invalidate(msg.Payload)
		}
	}
}

func (r *Redis) invalidate(payload string) {
	payload = strings.TrimSpace(payload)
	r.logger.Debug("intake cache invalidated", slog.String("module", "registry"), slog.String("intake_id", payload))
	if payload == "" || payload == invalidateAllToken {
		r.local.Flush()
		return
	}
	r.local.Delete(payload)
}

// Publish validates def, stores it and tells every replica to drop its cached copy.
func (r *Redis) Publish(ctx context.Context, def *domain.IntakeDefinition) error {
	if err := Validate(def); err != nil {
		return err
	}
	rec := storedIntake{Definition: *def}
	if def.Destination != nil {
		rec.Secret = def.Destination.Secret
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if err := r.rdb.Set(ctx, redisKeyPrefix+def.ID, b, 0).Err(); err != nil {
		return errors.Wrapf(err, "store intake %s", def.ID)
	}
	if err := r.rdb.Publish(ctx, InvalidateChannel, def.ID).Err(); err != nil {
		return errors.Wrapf(err, "publish invalidation for %s", def.ID)
	}
	r.local.Delete(def.ID)
	return nil
}

func (r *Redis) GetIntake(ctx context.Context, id string) (*domain.IntakeDefinition, error) {
	if v, ok := r.local.Get(id); ok {
		return v.(*domain.IntakeDefinition), nil
	}
	b, err := r.rdb.Get(ctx, redisKeyPrefix+id).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, &domain.IntakeNotFoundError{IntakeID: id}
		}
		return nil, errors.Wrapf(err, "load intake %s", id)
	}
	var rec storedIntake
	if err := json.Unmarshal(b, &rec); err != nil {
		return nil, errors.Wrapf(err, "decode intake %s", id)
	}
	def := rec.Definition
	if def.Destination != nil {
		def.Destination.Secret = rec.Secret
	}
	r.local.SetDefault(id, &def)
	return &def, nil
}
