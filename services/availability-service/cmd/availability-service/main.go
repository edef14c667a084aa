package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/md-rashed-zaman/slotengine/libs/auth"
	"github.com/md-rashed-zaman/slotengine/libs/db"
	"github.com/md-rashed-zaman/slotengine/libs/grpcx"
	"github.com/md-rashed-zaman/slotengine/libs/httpx"
	"github.com/md-rashed-zaman/slotengine/libs/kafkax"
	otelx "github.com/md-rashed-zaman/slotengine/libs/otel"
	"github.com/md-rashed-zaman/slotengine/libs/runtime"
	"github.com/md-rashed-zaman/slotengine/services/availability-service/internal/app"
	"github.com/md-rashed-zaman/slotengine/services/availability-service/internal/appconfig"
	"github.com/md-rashed-zaman/slotengine/services/availability-service/internal/events"
	"github.com/md-rashed-zaman/slotengine/services/availability-service/internal/handlers"
	"github.com/md-rashed-zaman/slotengine/services/availability-service/internal/metrics"
	"github.com/md-rashed-zaman/slotengine/services/availability-service/internal/outbox"
	"github.com/md-rashed-zaman/slotengine/services/availability-service/internal/reservation"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

func main() {
	cfg, err := appconfig.Load()
	if err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}
	logger := runtime.NewLogger(cfg.ServiceName)

	ctx, stop := runtime.SignalContext()
	defer stop()

	otelShutdown, err := otelx.Setup(ctx, otelx.ConfigFromEnv(cfg.ServiceName))
	if err != nil {
		logger.Error("otel setup failed", "err", err)
	} else {
		defer func() { _ = runtime.Shutdown(5*time.Second, otelShutdown) }()
	}

	pool, err := db.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("db connection failed", "err", err)
		os.Exit(1)
	}
	defer pool.Close()

	rdb, err := app.OpenRedis(cfg.RedisURL)
	if err != nil {
		logger.Error("invalid REDIS_URL", "err", err)
		os.Exit(1)
	}
	if rdb != nil {
		defer func() { _ = rdb.Close() }()
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	c, err := app.New(cfg, pool, rdb, logger, m)
	if err != nil {
		logger.Error("component setup failed", "err", err)
		os.Exit(1)
	}

	go reservation.NewCleaner(c.Reservations, logger, cfg.CleanupInterval).Run(ctx)
	go outbox.NewPublisher(pool, c.Outbox, logger, m, outbox.PublisherConfig{
		Brokers:   cfg.KafkaBrokers,
		PollEvery: cfg.OutboxPollEvery,
		BatchSize: cfg.OutboxBatchSize,
	}).Run(ctx)

	topics := cfg.KafkaConsumeTopics
	if len(topics) == 0 {
		topics = events.DefaultTopics
	}
	consumer := events.NewConsumer(logger, events.NewInbox(pool), events.Config{
		Brokers: cfg.KafkaBrokers,
		GroupID: cfg.KafkaGroupID,
		Topics:  topics,
	}, events.NewDispatcher(c.Batch, logger))
	if consumer != nil {
		go consumer.Run(ctx)
	}

	checks := []runtime.ReadyCheck{
		{Name: "db", Check: db.ReadyCheck(pool)},
		{Name: "kafka", Check: kafkax.ReadyCheck(cfg.KafkaBrokers), Optional: true},
	}
	if rdb != nil {
		checks = append(checks, runtime.ReadyCheck{
			Name:     "redis",
			Check:    func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
			Optional: true,
		})
	}
	mux := runtime.NewBaseMuxWithReady(checks...)
	mux.Handle("/metrics", m.Handler())

	public := handlers.NewPublicHandler(c.Slots, c.Reservations, c.Checker, c.Config, c.Postal, logger)
	publicTimeout := httpx.WithTimeout(15 * time.Second)
	guard := func(h http.HandlerFunc) http.Handler { return publicTimeout(h) }
	if rdb != nil && cfg.RateLimitPerMinute > 0 {
		limiter := httpx.NewRedisRateLimiter(rdb, cfg.RateLimitPerMinute, time.Minute, "rl:public")
		guard = func(h http.HandlerFunc) http.Handler { return limiter.Middleware(logger, true)(publicTimeout(h)) }
	}
	mux.Handle("/api/v1/public/slots", guard(public.Slots))
	mux.Handle("/api/v1/public/slots/reserve", guard(public.Reserve))
	mux.Handle("/api/v1/public/slots/extend", guard(public.Extend))
	mux.Handle("/api/v1/public/conflicts", guard(public.CheckConflicts))

	if cfg.InternalEnabled() {
		internal := handlers.NewInternalHandler(ctx, c.Batch, c.Reservations, logger)
		requireSecret := auth.RequireBatchCredential(cfg.BatchSharedSecret)
		mux.Handle("/api/v1/internal/availability/recalculate", requireSecret(http.HandlerFunc(internal.Recalculate)))
		mux.Handle("/api/v1/internal/availability/release", requireSecret(http.HandlerFunc(internal.Release)))
		mux.Handle("/api/v1/internal/working-hours/changed", requireSecret(http.HandlerFunc(internal.WorkingHoursChanged)))
	} else {
		logger.Warn("BATCH_SHARED_SECRET not set; internal batch endpoints disabled")
	}

	httpHandler := httpx.Chain(mux,
		httpx.WithRequestID,
		httpx.WithAccessLog(logger),
		httpx.WithCORS(httpx.CORSPolicy{
			AllowedOrigins: cfg.CORSAllowedOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Content-Type", httpx.RequestIDHeader},
			ExposedHeaders: []string{httpx.RequestIDHeader},
			MaxAge:         10 * time.Minute,
		}),
		httpx.WithBodyLimit(64<<10),
	)
	httpHandler = otelhttp.NewHandler(httpHandler, "availability")
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           httpHandler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	healthSrv := grpcx.NewHealthServer(logger)
	go healthSrv.Watch(ctx, "availability", 10*time.Second, db.ReadyCheck(pool))
	go func() {
		lis, err := net.Listen("tcp", ":"+cfg.GRPCPort)
		if err != nil {
			logger.Error("grpc listen failed", "err", err)
			return
		}
		logger.Info("grpc health server starting", "addr", lis.Addr().String())
		if err := healthSrv.Serve(lis); err != nil {
			logger.Error("grpc health server error", "err", err)
		}
	}()

	go func() {
		logger.Info("http server starting", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "err", err)
			stop()
		}
	}()

	<-ctx.Done()
	healthSrv.Stop()
	if err := runtime.Shutdown(10*time.Second, srv.Shutdown); err != nil {
		logger.Error("http server shutdown error", "err", err)
	}
	logger.Info("http server stopped")
}
