package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"questlog/api/internal/app"
	"questlog/api/internal/auth"
	"questlog/api/internal/cache"
	"questlog/api/internal/calendar"
	"questlog/api/internal/calsync"
	"questlog/api/internal/config"
	"questlog/api/internal/metrics"
	"questlog/api/internal/store"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if cfg.IsDevelopment() {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(level)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("database connection failed")
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		logger.Fatal().Err(err).Msg("migrations failed")
	}

	sealingKey, err := cfg.SealingKey()
	if err != nil {
		logger.Fatal().Err(err).Msg("token sealing key unavailable")
	}
	sealer, err := auth.NewSealer(sealingKey)
	if err != nil {
		logger.Fatal().Err(err).Msg("token sealer init failed")
	}
	dataStore := store.NewPostgresStore(db, sealer)

	// Sync keeps running without Redis; refreshes then proceed unlocked.
	locks, err := cache.NewRedisStore(cfg.RedisURL)
	if err != nil {
		logger.Warn().Err(err).Msg("redis unavailable at startup, continuing degraded")
		locks, err = cache.DialRedisStore(cfg.RedisURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("invalid redis url")
		}
	}
	defer locks.Close()

	m := metrics.New()

	refresher := calendar.NewOAuthRefresher(calendar.OAuthConfig{
		ClientID:     cfg.GoogleClientID,
		ClientSecret: cfg.GoogleClientSecret,
		TokenURL:     cfg.GoogleTokenURL,
		Timeout:      cfg.RequestTimeout,
	})
	events := calendar.NewClient(cfg.CalendarBaseURL, cfg.RequestTimeout)

	resolver := calsync.NewResolver(dataStore, locks, refresher, m, logger)
	reconciler := calsync.NewReconciler(resolver, dataStore, events, m, logger)
	queue := calsync.NewQueue(calsync.QueueConfig{
		Workers:     cfg.SyncWorkers,
		Size:        cfg.SyncQueueSize,
		TaskTimeout: cfg.SyncTaskTimeout,
	}, reconciler, m, logger)
	queue.Start(ctx)

	service := app.NewService(cfg, dataStore, app.Dependencies{
		Queue:    queue,
		Failures: resolver,
		Cache:    locks,
		Metrics:  m,
		Logger:   logger,
	})

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin, m, logger)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info().
			Str("addr", cfg.Addr).
			Str("environment", cfg.Environment).
			Int("sync_workers", cfg.SyncWorkers).
			Msg("questlog api listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server failed")
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("shutdown error")
	}
	// Requests are done; let in-flight sync work finish before the pools close.
	queue.Stop()
}
