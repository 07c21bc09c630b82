package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/joshcabana/verity-backend-sub000/internal/clock"
	"github.com/joshcabana/verity-backend-sub000/internal/config"
	"github.com/joshcabana/verity-backend-sub000/internal/database"
	"github.com/joshcabana/verity-backend-sub000/internal/eventlog"
	"github.com/joshcabana/verity-backend-sub000/internal/handler"
	"github.com/joshcabana/verity-backend-sub000/internal/jobs"
	"github.com/joshcabana/verity-backend-sub000/internal/lock"
	"github.com/joshcabana/verity-backend-sub000/internal/metrics"
	"github.com/joshcabana/verity-backend-sub000/internal/middleware"
	"github.com/joshcabana/verity-backend-sub000/internal/observability"
	"github.com/joshcabana/verity-backend-sub000/internal/redis"
	"github.com/joshcabana/verity-backend-sub000/internal/repository"
	"github.com/joshcabana/verity-backend-sub000/internal/service"
	"github.com/joshcabana/verity-backend-sub000/internal/sse"
)

var version = "dev"

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Warn().Err(err).Msg("failed to read .env file")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	setLogLevel(cfg.LogLevel)

	isProduction := cfg.IsProduction()
	if err := cfg.Validate(isProduction); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}

	shutdownTracing, err := observability.SetupOTel(context.Background(), cfg.OTEL, version)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to set up tracing")
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(ctx); err != nil {
			log.Warn().Err(err).Msg("failed to flush traces")
		}
	}()

	db, err := database.Connect(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), config.DBPingTimeout)
	if err := db.Ping(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to ping database")
	}
	if err := db.EnsureSchema(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to apply schema")
	}
	cancel()
	log.Info().Msg("database connected")

	redisClient, err := redis.NewClient(cfg.RedisURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to redis")
	}
	defer redisClient.Close()
	log.Info().Msg("redis connected")

	var locks lock.Store
	switch cfg.LockBackend {
	case config.LockBackendPebble:
		pebbleLocks, err := lock.OpenPebbleStore(cfg.PebbleDir, nil)
		if err != nil {
			log.Fatal().Err(err).Str("dir", cfg.PebbleDir).Msg("failed to open pebble lock store")
		}
		defer pebbleLocks.Close()
		locks = pebbleLocks
	default:
		locks = lock.NewRedisStore(redisClient.Client)
	}
	log.Info().Str("backend", cfg.LockBackend).Msg("lock store ready")

	events := eventlog.New(cfg.KafkaBrokers, cfg.KafkaTopic)
	defer events.Close()

	clk := clock.Real()

	userRepo := repository.NewUserRepository(db.DB)
	sessionRepo := repository.NewSessionRepository(db.DB)
	matchRepo := repository.NewMatchRepository(db.DB)
	blockRepo := repository.NewBlockRepository(db.DB)

	broker := sse.NewBroker(redisClient)

	limiter := service.NewRateLimiter(redisClient.Client, clk)
	credentials := service.NewCredentialIssuer(cfg.CallCredentialSecret)

	coordinator := service.NewSessionCoordinator(
		redisClient.Client, sessionRepo, matchRepo, broker, credentials, events, clk,
		service.SessionConfig{
			SessionDuration: cfg.SessionDuration(),
			ChoiceWindow:    cfg.ChoiceWindow(),
			RuntimeStateTTL: cfg.RuntimeStateTTL(),
		},
	)
	defer coordinator.Close()

	moderation := service.NewModerationBridge(redisClient.Client, sessionRepo, coordinator)

	queueService := service.NewQueueService(
		redisClient.Client, locks, userRepo, moderation, limiter, events, clk,
		service.QueueConfig{
			QueueTTL:      cfg.QueueTTL(),
			LockTTL:       cfg.LockTTL(),
			JoinRateLimit: cfg.JoinRateLimitPerMin,
		},
	)

	recoverCtx, recoverCancel := context.WithTimeout(context.Background(), config.JobTimeout)
	if armed, err := coordinator.Recover(recoverCtx); err != nil {
		log.Error().Err(err).Msg("failed to recover session timers")
	} else if armed > 0 {
		log.Info().Int("armed", armed).Msg("recovered session timers")
	}
	recoverCancel()

	worker := jobs.NewMatchingWorker(
		redisClient.Client, locks, sessionRepo, blockRepo, coordinator, broker, events, clk,
		jobs.WorkerConfig{
			Interval:         cfg.WorkerInterval(),
			MaxPairsPerKey:   cfg.WorkerMaxPairsPerKey,
			LockTTL:          cfg.LockTTL(),
			MatchedMarkerTTL: cfg.MatchedMarkerTTL(),
			BlockedDefer:     cfg.BlockedDefer(),
			BlockedDeferMax:  cfg.BlockedDeferMax(),
		},
	)
	worker.Start()
	defer worker.Stop()

	housekeeping := jobs.NewHousekeepingJob(
		sessionRepo, coordinator, clk, cfg.SessionRetention(), cfg.HousekeepingInterval(),
	)
	housekeeping.Start()
	defer housekeeping.Stop()

	authMiddleware := middleware.NewAuthMiddleware(userRepo)
	moderationAuth := middleware.NewModerationAuthMiddleware(cfg.ModerationTokenHash)
	rateLimitMiddleware := middleware.NewRateLimitMiddleware(limiter, cfg.HTTPRateLimitPerMin, time.Minute, "v1")
	bodyLimitMiddleware := middleware.NewBodyLimitMiddleware(0)
	securityHeadersMiddleware := middleware.NewSecurityHeadersMiddleware(isProduction)

	queueHandler := handler.NewQueueHandler(queueService)
	sessionHandler := handler.NewSessionHandler(coordinator)
	eventsHandler := handler.NewEventsHandler(broker, queueService)
	moderationHandler := handler.NewModerationHandler(moderation)
	healthHandler := handler.NewHealthHandler(map[string]handler.Pinger{
		"database": db,
		"redis": handler.PingFunc(func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		}),
	})

	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestLogger)
	r.Use(metrics.HTTP)
	r.Use(chimiddleware.Recoverer)
	r.Use(bodyLimitMiddleware.Handler)
	r.Use(securityHeadersMiddleware.Handler)

	r.Get("/health", healthHandler.ServeHTTP)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(authMiddleware.Handler)
		r.Use(rateLimitMiddleware.Handler)

		r.Get("/events", eventsHandler.ServeHTTP)

		r.Group(func(r chi.Router) {
			r.Use(chimiddleware.Timeout(config.ServerRequestTimeout))
			r.Mount("/queue", queueHandler.Routes())
			r.Mount("/sessions", sessionHandler.Routes())
		})
	})

	r.Route("/internal/moderation", func(r chi.Router) {
		r.Use(moderationAuth.Handler)
		r.Use(chimiddleware.Timeout(config.ServerRequestTimeout))
		r.Mount("/", moderationHandler.Routes())
	})

	server := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      r,
		ReadTimeout:  config.ServerReadTimeout,
		WriteTimeout: 0,
		IdleTimeout:  config.ServerIdleTimeout,
	}

	go func() {
		log.Info().
			Str("addr", cfg.Addr()).
			Str("version", version).
			Bool("production", isProduction).
			Msg("starting server")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("shutting down server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), config.ServerShutdownTimeout)
	defer shutdownCancel()

	// Ends open event streams so Shutdown does not wait on them.
	broker.Close()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}

	log.Info().Msg("server stopped")
}

func setLogLevel(level string) {
	switch level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}
