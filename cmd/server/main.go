package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/openclaw/support-bridge/internal/config"
	"github.com/openclaw/support-bridge/internal/database"
	"github.com/openclaw/support-bridge/internal/handler"
	"github.com/openclaw/support-bridge/internal/jobs"
	"github.com/openclaw/support-bridge/internal/middleware"
	"github.com/openclaw/support-bridge/internal/redis"
	"github.com/openclaw/support-bridge/internal/repository"
	"github.com/openclaw/support-bridge/internal/service"
	"github.com/openclaw/support-bridge/internal/session"
	"github.com/openclaw/support-bridge/internal/sse"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	setLogLevel(cfg.LogLevel)

	isProduction := os.Getenv("FLY_APP_NAME") != ""
	if err := cfg.Validate(isProduction); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}

	db, err := database.Connect(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), config.DBPingTimeout)
	if err := db.Ping(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to ping database")
	}
	if err := db.Migrate(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to migrate database")
	}
	cancel()
	log.Info().Msg("database connected")

	redisClient, err := redis.NewClient(cfg.RedisURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to redis")
	}
	defer redisClient.Close()
	log.Info().Msg("redis connected")

	pairingRepo := repository.NewPairingRepository(db.DB)
	directoryRepo := repository.NewDirectoryRepository(db.DB)

	broker := sse.NewBroker(redisClient)
	defer broker.Close()

	pairingService := service.NewPairingService(db, pairingRepo, directoryRepo, service.PairingOptions{
		Pepper:                 cfg.CodePepper,
		TunnelEndpointTemplate: cfg.TunnelEndpointTemplate,
		CodeTTL:                cfg.CodeTTL(),
		RequireChatSession:     cfg.RequireChatSession,
	})

	manager := session.NewManager(pairingRepo, broker, session.Options{
		HandshakeTimeout: cfg.HandshakeTimeout(),
		HeartbeatTimeout: cfg.HeartbeatTimeout(),
	})

	serviceAuthMiddleware := middleware.NewServiceAuthMiddleware(cfg.ServiceToken)
	verifyRateLimitMiddleware := middleware.NewIPRateLimitMiddleware(
		middleware.NewRedisRateLimiter(redisClient.Client, time.Minute),
		cfg.VerifyRateLimitPerMin,
		"pairing-verify",
	)
	bodyLimitMiddleware := middleware.NewBodyLimitMiddleware(0)
	securityHeadersMiddleware := middleware.NewSecurityHeadersMiddleware(isProduction)

	healthHandler := handler.NewHealthHandler(map[string]handler.HealthCheck{
		"database": db.Ping,
		"redis": func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		},
	}, manager.ActiveCount)

	r := handler.NewRouter(handler.RouterDeps{
		Pairing:         pairingService,
		Sessions:        manager,
		Events:          broker,
		Health:          healthHandler,
		AllowedOrigins:  cfg.AllowedOrigins,
		ServiceAuth:     serviceAuthMiddleware.Handler,
		VerifyRateLimit: verifyRateLimitMiddleware.Handler,
		BodyLimit:       bodyLimitMiddleware.Handler,
		SecurityHeaders: securityHeadersMiddleware.Handler,
	})

	cleanupJob := jobs.NewCleanupJob(pairingRepo, config.CleanupJobInterval, cfg.ClosedRetention())
	cleanupJob.Start()
	defer cleanupJob.Stop()

	server := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      r,
		ReadTimeout:  config.ServerReadTimeout,
		WriteTimeout: 0,
		IdleTimeout:  config.ServerIdleTimeout,
	}

	go func() {
		log.Info().Str("addr", cfg.Addr()).Msg("starting server")
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

	// Hijacked tunnel connections are not tracked by http.Server.
	if err := manager.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("sessions did not close in time")
	}

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
