// Package appconfig assembles the availability service configuration from the environment.
package appconfig

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/md-rashed-zaman/slotengine/libs/config"
)

type Config struct {
	ServiceName  string
	Port         string
	GRPCPort     string
	DatabaseURL  string
	RedisURL     string
	KafkaBrokers string
	KafkaGroupID string

	// KafkaConsumeTopics empty means the default change-event topics.
	KafkaConsumeTopics []string

	RoutingAPIKey  string
	RoutingBaseURL string
	RoutingTimeout time.Duration
	RoutingCountry string

	PostalCodePattern string

	ReservationHold time.Duration
	CleanupInterval time.Duration
	CleanupBatch    int

	HorizonDays      int
	GeneratorWorkers int

	TravelMarginMinutes int
	MaxTravelMinutes    int
	TravelCacheMaxAge   time.Duration
	TravelCacheRedisTTL time.Duration

	ConflictBufferMinutes int
	AllowUnknownTravel    bool

	BatchSharedSecret  string
	RateLimitPerMinute int
	CORSAllowedOrigins []string

	OutboxPollEvery time.Duration
	OutboxBatchSize int
}

// Load reads an optional .env file, then the process environment. Every invalid value is
// reported, not just the first.
func Load() (Config, error) {
	if err := config.LoadDotEnv(); err != nil {
		return Config{}, err
	}

	var errs []error
	collect := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	integer := func(key string, fallback, floor int) int {
		n, err := config.Int(key, fallback)
		collect(err)
		if err == nil && n < floor {
			collect(fmt.Errorf("%s must be at least %d (got %d)", key, floor, n))
		}
		return n
	}
	duration := func(key string, fallback time.Duration) time.Duration {
		d, err := config.Duration(key, fallback)
		collect(err)
		if err == nil && d <= 0 {
			collect(fmt.Errorf("%s must be positive", key))
		}
		return d
	}

	cfg := Config{
		ServiceName:        config.String("SERVICE_NAME", "availability-service"),
		RedisURL:           strings.TrimSpace(config.String("REDIS_URL", "")),
		KafkaBrokers:       strings.TrimSpace(config.String("KAFKA_BROKERS", "")),
		KafkaGroupID:       config.String("KAFKA_GROUP_ID", "availability-service"),
		KafkaConsumeTopics: splitList(config.String("KAFKA_CONSUME_TOPICS", "")),
		RoutingAPIKey:      config.String("ROUTING_API_KEY", ""),
		RoutingBaseURL:     config.String("ROUTING_BASE_URL", ""),
		RoutingCountry:     config.String("ROUTING_COUNTRY", "CH"),
		PostalCodePattern:  config.String("POSTAL_CODE_PATTERN", ""),
		BatchSharedSecret:  config.String("BATCH_SHARED_SECRET", ""),
		CORSAllowedOrigins: splitList(config.String("CORS_ALLOWED_ORIGINS", "")),
	}

	var err error
	cfg.Port, err = config.Port("PORT", "8090")
	collect(err)
	cfg.GRPCPort, err = config.Port("GRPC_PORT", "9090")
	collect(err)
	cfg.DatabaseURL, err = config.RequiredString("DATABASE_URL")
	collect(err)
	cfg.AllowUnknownTravel, err = config.Bool("ALLOW_UNKNOWN_TRAVEL", false)
	collect(err)

	cfg.RoutingTimeout = duration("ROUTING_TIMEOUT", 5*time.Second)
	cfg.ReservationHold = time.Duration(integer("RESERVATION_HOLD_MINUTES", 10, 1)) * time.Minute
	cfg.CleanupInterval = duration("CLEANUP_INTERVAL", time.Minute)
	cfg.CleanupBatch = integer("CLEANUP_BATCH", 500, 1)
	cfg.HorizonDays = integer("HORIZON_DAYS", 45, 1)
	cfg.GeneratorWorkers = integer("GENERATOR_WORKERS", 4, 1)
	cfg.TravelMarginMinutes = integer("TRAVEL_MARGIN_MINUTES", 5, 0)
	cfg.MaxTravelMinutes = integer("MAX_TRAVEL_MINUTES", 120, 1)
	cfg.TravelCacheMaxAge = duration("TRAVEL_CACHE_MAX_AGE", 720*time.Hour)
	cfg.TravelCacheRedisTTL = duration("TRAVEL_CACHE_REDIS_TTL", 168*time.Hour)
	cfg.ConflictBufferMinutes = integer("CONFLICT_BUFFER_MINUTES", 0, 0)
	cfg.RateLimitPerMinute = integer("RATE_LIMIT_PER_MINUTE", 120, 0)
	cfg.OutboxPollEvery = duration("OUTBOX_POLL_INTERVAL", 2*time.Second)
	cfg.OutboxBatchSize = integer("OUTBOX_BATCH_SIZE", 50, 1)

	if len(errs) > 0 {
		return Config{}, errors.Join(errs...)
	}
	return cfg, nil
}

// InternalEnabled reports whether the batch endpoints can be served.
func (c Config) InternalEnabled() bool {
	return c.BatchSharedSecret != ""
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
