package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"trade-execution-core/config"
	"trade-execution-core/internal/api"
	"trade-execution-core/internal/credentials"
	"trade-execution-core/internal/credhealth"
	"trade-execution-core/internal/database"
	"trade-execution-core/internal/exchange"
	"trade-execution-core/internal/executor"
	"trade-execution-core/internal/guard"
	"trade-execution-core/internal/intent"
	"trade-execution-core/internal/notification"
	"trade-execution-core/internal/reconciler"
	"trade-execution-core/internal/store"
	"trade-execution-core/internal/vault"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fallback := zerolog.New(os.Stderr)
		fallback.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logger := newLogger(cfg.LoggingConfig)
	logger.Info().Msg("Starting trade execution core")

	db, err := database.NewDB(cfg.DatabaseConfig, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer db.Close()

	migrateCtx, cancelMigrate := context.WithTimeout(context.Background(), 30*time.Second)
	if err := db.RunMigrations(migrateCtx); err != nil {
		cancelMigrate()
		logger.Fatal().Err(err).Msg("Failed to run migrations")
	}
	cancelMigrate()

	repo := database.NewRepository(db)

	redisStore := store.NewRedisStore(cfg.RedisConfig, logger)
	defer redisStore.Close()

	pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
	if err := redisStore.Ping(pingCtx); err != nil {
		cancelPing()
		logger.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	cancelPing()

	vaultClient, err := vault.NewClient(cfg.VaultConfig)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create Vault client")
	}

	credService := credentials.NewService(vaultClient, repo, logger)
	registry := exchange.NewRegistry(cfg.ExchangeConfig)
	health := credhealth.NewManager(cfg.HealthConfig, credhealth.DefaultClassifier(), logger)
	notifier := notification.NewManager(cfg.NotificationConfig, logger)

	exec := executor.NewExecutor(registry, health, credService, repo, logger)
	intentService := intent.NewService(repo, exec, logger)
	authGuard := guard.NewGuard(cfg.GuardConfig, redisStore, logger)

	rec := reconciler.NewReconciler(cfg.ReconcilerConfig, repo, registry, health, credService, notifier, logger)
	if cfg.ReconcilerConfig.Enabled {
		rec.Start()
		defer rec.Stop()
	}

	server := api.NewServer(cfg.ServerConfig, cfg.AdminConfig, authGuard, intentService, health, rec, credService, registry, repo, logger)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil {
			logger.Fatal().Err(err).Msg("HTTP server failed")
		}
	case sig := <-quit:
		logger.Info().Str("signal", sig.String()).Msg("Shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.ServerConfig.ShutdownTimeout)*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Graceful shutdown failed")
	}

	logger.Info().Msg("Trade execution core stopped")
}

func newLogger(cfg config.LoggingConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}

	var logger zerolog.Logger
	if cfg.JSONFormat {
		logger = zerolog.New(os.Stdout)
	} else {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	}
	return logger.Level(level).With().Timestamp().Logger()
}
