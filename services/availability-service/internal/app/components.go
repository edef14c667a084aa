// Package app wires the availability components over one pool, shared by the server and
// the operator CLI.
package app

import (
	"log/slog"
	"time"

	"github.com/md-rashed-zaman/slotengine/libs/db"
	"github.com/md-rashed-zaman/slotengine/services/availability-service/internal/appconfig"
	"github.com/md-rashed-zaman/slotengine/services/availability-service/internal/conflict"
	"github.com/md-rashed-zaman/slotengine/services/availability-service/internal/generator"
	"github.com/md-rashed-zaman/slotengine/services/availability-service/internal/metrics"
	"github.com/md-rashed-zaman/slotengine/services/availability-service/internal/model"
	"github.com/md-rashed-zaman/slotengine/services/availability-service/internal/outbox"
	"github.com/md-rashed-zaman/slotengine/services/availability-service/internal/reservation"
	"github.com/md-rashed-zaman/slotengine/services/availability-service/internal/routing"
	"github.com/md-rashed-zaman/slotengine/services/availability-service/internal/storage"
	"github.com/md-rashed-zaman/slotengine/services/availability-service/internal/traveltime"
	"github.com/md-rashed-zaman/slotengine/services/availability-service/internal/workinghours"
	"github.com/redis/go-redis/v9"
)

type Components struct {
	Config       *storage.ConfigRepository
	Slots        *storage.SlotRepository
	Appointments *storage.AppointmentRepository
	Outbox       *outbox.Repository
	Postal       model.PostalCodeExtractor
	Travel       *traveltime.Provider
	Reservations *reservation.Service
	Generator    *generator.Generator
	Batch        *generator.Batch
	Checker      *conflict.Checker
}

// New builds every component. rdb may be nil, in which case travel times are cached in
// Postgres only.
func New(cfg appconfig.Config, pool *db.Pool, rdb *redis.Client, logger *slog.Logger, m *metrics.Metrics) (*Components, error) {
	postal, err := model.NewPostalCodeExtractor(cfg.PostalCodePattern)
	if err != nil {
		return nil, err
	}

	c := &Components{
		Config:       storage.NewConfigRepository(pool),
		Slots:        storage.NewSlotRepository(pool),
		Appointments: storage.NewAppointmentRepository(pool),
		Outbox:       outbox.NewRepository(pool),
		Postal:       postal,
	}

	var travelCache traveltime.Cache = storage.NewTravelCacheRepository(pool)
	if rdb != nil {
		travelCache = traveltime.Layered{
			Front:  traveltime.NewRedisCache(rdb, cfg.TravelCacheRedisTTL, "travel"),
			Back:   travelCache,
			Logger: logger,
		}
	}
	if cfg.RoutingAPIKey == "" {
		logger.Warn("ROUTING_API_KEY not set; uncached travel times are unknown")
	}
	router := routing.NewClient(routing.Config{
		BaseURL: cfg.RoutingBaseURL,
		APIKey:  cfg.RoutingAPIKey,
		Country: cfg.RoutingCountry,
		Timeout: cfg.RoutingTimeout,
	}, logger)
	c.Travel = traveltime.NewProvider(travelCache, router, c.Config, logger, m, traveltime.Config{
		MaxAge: cfg.TravelCacheMaxAge,
		// Two routing calls per miss.
		Timeout: 2*cfg.RoutingTimeout + time.Second,
	})

	c.Reservations = reservation.NewService(pool, c.Slots, c.Outbox, logger, m, reservation.Config{
		Hold:         cfg.ReservationHold,
		CleanupBatch: cfg.CleanupBatch,
	})
	c.Generator = generator.New(pool, c.Config, workinghours.NewResolver(c.Config, c.Config), c.Appointments, c.Slots, c.Travel, logger, m, generator.Config{
		Workers:             cfg.GeneratorWorkers,
		TravelMarginMinutes: cfg.TravelMarginMinutes,
		MaxTravelMinutes:    cfg.MaxTravelMinutes,
	})
	c.Batch = generator.NewBatch(c.Generator, c.Config, c.Reservations, pool, c.Outbox, logger, generator.BatchConfig{
		HorizonDays: cfg.HorizonDays,
	})
	c.Checker = conflict.NewChecker(c.Appointments, c.Travel, logger, m, conflict.Config{
		BufferMinutes:       cfg.ConflictBufferMinutes,
		TravelMarginMinutes: cfg.TravelMarginMinutes,
		MaxTravelMinutes:    cfg.MaxTravelMinutes,
		AllowUnknownTravel:  cfg.AllowUnknownTravel,
	})
	return c, nil
}

// OpenRedis returns nil when url is empty.
func OpenRedis(url string) (*redis.Client, error) {
	if url == "" {
		return nil, nil
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	return redis.NewClient(opts), nil
}
