package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/amitpaz1/formbridge/pkg/db"
	"github.com/amitpaz1/formbridge/pkg/domain"
	"github.com/amitpaz1/formbridge/pkg/ratelimit"
	"github.com/amitpaz1/formbridge/pkg/tracing"
	"github.com/amitpaz1/formbridge/pkg/validation"
	"github.com/amitpaz1/formbridge/services/intake/internal/api"
	"github.com/amitpaz1/formbridge/services/intake/internal/config"
	"github.com/amitpaz1/formbridge/services/intake/internal/delivery"
	"github.com/amitpaz1/formbridge/services/intake/internal/events"
	"github.com/amitpaz1/formbridge/services/intake/internal/expiry"
	"github.com/amitpaz1/formbridge/services/intake/internal/idempotency"
	"github.com/amitpaz1/formbridge/services/intake/internal/lifecycle"
	"github.com/amitpaz1/formbridge/services/intake/internal/registry"
	"github.com/amitpaz1/formbridge/services/intake/internal/schedule"
	"github.com/amitpaz1/formbridge/services/intake/internal/storage"
	"github.com/amitpaz1/formbridge/services/intake/internal/store"

	"github.com/redis/go-redis/v9"
)

func main() {
	cfg := config.Load()
	logger := config.NewLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server exited", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	if cfg.EnableTrace {
		shutdown, err := tracing.Setup(ctx, "formbridge-intake", cfg.TraceEndpoint)
		if err != nil {
			return err
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdown(sctx)
		}()
	}

	bus := events.NewBus(logger)
	var (
		subs    lifecycle.Store   = store.NewMemory()
		queue   delivery.Queue    = delivery.NewMemoryQueue()
		idem    idempotency.Store = idempotency.NewMemoryStore()
		history api.EventLister
	)
	if cfg.DatabaseURL != "" {
		pool, err := db.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer pool.Close()
		if err := db.Migrate(ctx, pool, store.Schema, delivery.Schema, idempotency.Schema, events.Schema); err != nil {
			return err
		}
		subs = store.NewPostgres(pool)
		queue = delivery.NewPostgresQueue(pool)
		idem = idempotency.NewPostgresStore(pool)
		eventLog := events.NewPostgresLog(pool)
		bus.AddSink(eventLog)
		history = eventLog
	} else {
		logger.Warn("DATABASE_URL not set, state is kept in memory", slog.String("module", "main"))
		recorder := &events.Recorder{}
		bus.AddSink(recorder)
		history = recorder
	}
	if len(cfg.KafkaBrokers) > 0 {
		kafka := events.NewKafkaEmitter(cfg.KafkaBrokers, cfg.KafkaEventsTopic)
		defer kafka.Close()
		bus.AddSink(kafka)
	}

	defs, err := registry.LoadFile(cfg.IntakesFile)
	if err != nil {
		return fmt.Errorf("load intakes from %s: %w", cfg.IntakesFile, err)
	}
	var (
		reg     lifecycle.Registry
		limiter ratelimit.Limiter
	)
	limits := ratelimit.Config{Limit: cfg.RateLimitPerMinute, Window: time.Minute}
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
		defer rdb.Close()
		shared := registry.NewRedis(rdb, 0, logger)
		for _, def := range defs {
			if err := shared.Publish(ctx, def); err != nil {
				return err
			}
		}
		go shared.Listen(ctx)
		reg = shared
		limiter = ratelimit.NewRedisLimiter(rdb, limits, logger)
	} else {
		mem := registry.NewMemory()
		for _, def := range defs {
			if err := mem.Register(def); err != nil {
				return err
			}
		}
		reg = mem
		local := ratelimit.NewMemoryLimiter(limits)
		pruner := schedule.NewLoop(limits.Window, func(context.Context) { local.Prune() })
		pruner.Start(ctx)
		defer pruner.Stop()
		limiter = local
	}

	var files storage.Backend = storage.NewMemory(cfg.HandoffBaseURL + "/uploads")
	if cfg.MinIOEndpoint != "" {
		mc, err := storage.NewMinIO(storage.MinIOOptions{
			Endpoint:  cfg.MinIOEndpoint,
			AccessKey: cfg.MinIOAccessKey,
			SecretKey: cfg.MinIOSecretKey,
			Bucket:    cfg.MinIOBucket,
			UseTLS:    cfg.MinIOUseTLS,
		})
		if err != nil {
			return err
		}
		files = mc
	}

	engine := delivery.NewEngine(queue, bus,
		delivery.WithPolicy(cfg.Retry),
		delivery.WithPollInterval(cfg.PollInterval),
		delivery.WithTimeout(cfg.DeliveryTimeout),
		delivery.WithLogger(logger),
	)
	mgr := lifecycle.NewManager(lifecycle.Deps{
		Registry:    reg,
		Store:       subs,
		Validator:   validation.New(),
		Storage:     files,
		Emitter:     bus,
		Delivery:    engine,
		Idempotency: idem,
	}, lifecycle.Config{HandoffBaseURL: cfg.HandoffBaseURL, DefaultTTL: cfg.SubmissionTTL}, lifecycle.WithLogger(logger))
	bus.Subscribe(mgr.OnDeliveryEvent, domain.EventDeliverySucceeded)

	engine.Start(ctx)
	defer engine.Stop()
	sweeper := expiry.NewScheduler(mgr, cfg.ExpirySweep, logger)
	sweeper.Start(ctx)
	defer sweeper.Stop()

	router := api.NewRouter(mgr, api.Config{
		APIKeys: cfg.APIKeys,
		Limiter: limiter,
		Events:  history,
		Logger:  logger,
	})
	srv := &http.Server{Addr: ":" + cfg.Port, Handler: router, ReadHeaderTimeout: 10 * time.Second}
	errc := make(chan error, 1)
	go func() {
		logger.Info("listening", slog.String("module", "main"), slog.String("addr", srv.Addr), slog.Int("intakes", len(defs)))
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}
	logger.Info("shutting down", slog.String("module", "main"))
	sctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(sctx)
}
