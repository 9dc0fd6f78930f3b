// Package config reads the intake service settings from the environment.
package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/amitpaz1/formbridge/services/intake/internal/delivery"
)

const (
	DefaultPort              = "8090"
	DefaultKafkaEventsTopic  = "formbridge.intake-events"
	DefaultMinIOBucket       = "formbridge-uploads"
	DefaultRateLimitPerMin   = 120
	DefaultSubmissionTTLHrs  = 72
	DefaultHandoffBaseURL    = "http://localhost:3000"
	DefaultPollIntervalMS    = 1000
	DefaultDeliveryTimeoutMS = 10000
	DefaultExpirySweepSecs   = 60
	DefaultIntakesFile       = "intakes.yaml"
)

type Config struct {
	Port        string
	DatabaseURL string
	IntakesFile string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	KafkaBrokers     []string
	KafkaEventsTopic string

	MinIOEndpoint  string
	MinIOAccessKey string
	MinIOSecretKey string
	MinIOBucket    string
	MinIOUseTLS    bool

	APIKeys            []string
	RateLimitPerMinute int

	SubmissionTTL  time.Duration
	HandoffBaseURL string

	Retry           delivery.RetryPolicy
	PollInterval    time.Duration
	DeliveryTimeout time.Duration
	ExpirySweep     time.Duration

	LogLevel      slog.Level
	EnableTrace   bool
	TraceEndpoint string
}

func envOrDefault(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func envOrDefaultInt(key string, def int) int {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envOrDefaultFloat(key string, def float64) float64 {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func envOrDefaultBool(key string, def bool) bool {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseLevel(v string) slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(v)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}

func Load() Config {
	def := delivery.DefaultRetryPolicy()
	return Config{
		Port:        envOrDefault("SERVICE_PORT", DefaultPort),
		DatabaseURL: envOrDefault("DATABASE_URL", ""),
		IntakesFile: envOrDefault("INTAKES_FILE", DefaultIntakesFile),

		RedisAddr:     envOrDefault("REDIS_ADDR", ""),
		RedisPassword: envOrDefault("REDIS_PASSWORD", ""),
		RedisDB:       envOrDefaultInt("REDIS_DB", 0),

		KafkaBrokers:     splitList(envOrDefault("KAFKA_BROKERS", "")),
		KafkaEventsTopic: envOrDefault("KAFKA_EVENTS_TOPIC", DefaultKafkaEventsTopic),

		MinIOEndpoint:  envOrDefault("MINIO_ENDPOINT", ""),
		MinIOAccessKey: envOrDefault("MINIO_ACCESS_KEY", ""),
		MinIOSecretKey: envOrDefault("MINIO_SECRET_KEY", ""),
		MinIOBucket:    envOrDefault("MINIO_BUCKET", DefaultMinIOBucket),
		MinIOUseTLS:    envOrDefaultBool("MINIO_USE_TLS", false),

		APIKeys:            splitList(envOrDefault("FORMBRIDGE_API_KEY", "")),
		RateLimitPerMinute: envOrDefaultInt("RATE_LIMIT_PER_MINUTE", DefaultRateLimitPerMin),

		SubmissionTTL:  time.Duration(envOrDefaultInt("SUBMISSION_TTL_HOURS", DefaultSubmissionTTLHrs)) * time.Hour,
		HandoffBaseURL: envOrDefault("HANDOFF_BASE_URL", DefaultHandoffBaseURL),

		Retry: delivery.RetryPolicy{
			MaxRetries:        envOrDefaultInt("DELIVERY_MAX_RETRIES", def.MaxRetries),
			InitialDelay:      time.Duration(envOrDefaultInt("DELIVERY_INITIAL_DELAY_MS", int(def.InitialDelay/time.Millisecond))) * time.Millisecond,
			MaxDelay:          time.Duration(envOrDefaultInt("DELIVERY_MAX_DELAY_MS", int(def.MaxDelay/time.Millisecond))) * time.Millisecond,
			BackoffMultiplier: envOrDefaultFloat("DELIVERY_BACKOFF_MULTIPLIER", def.BackoffMultiplier),
		},
		PollInterval:    time.Duration(envOrDefaultInt("DELIVERY_POLL_INTERVAL_MS", DefaultPollIntervalMS)) * time.Millisecond,
		DeliveryTimeout: time.Duration(envOrDefaultInt("DELIVERY_TIMEOUT_MS", DefaultDeliveryTimeoutMS)) * time.Millisecond,
		ExpirySweep:     time.Duration(envOrDefaultInt("EXPIRY_SWEEP_INTERVAL_SECONDS", DefaultExpirySweepSecs)) * time.Second,

		LogLevel:      parseLevel(envOrDefault("LOG_LEVEL", "info")),
		EnableTrace:   envOrDefaultBool("ENABLE_TRACE", false),
		TraceEndpoint: envOrDefault("TRACE_ENDPOINT", "localhost:4318"),
	}
}

// NewLogger returns a JSON slog logger writing to stdout.
func NewLogger(level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
}
