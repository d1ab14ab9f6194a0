package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"strategy-runner/config"
	"strategy-runner/internal/api"
	"strategy-runner/internal/binance"
	"strategy-runner/internal/database"
	"strategy-runner/internal/events"
	"strategy-runner/internal/logging"
	"strategy-runner/internal/marketdata"
	"strategy-runner/internal/sandbox"
	"strategy-runner/internal/scheduler"
	"strategy-runner/internal/vault"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize structured logging
	logger := logging.New(&logging.Config{
		Level:  cfg.LoggingConfig.Level,
		Output: cfg.LoggingConfig.Output,
		Pretty: cfg.LoggingConfig.Pretty,
	})
	logging.SetDefault(logger)
	logger.Info().Str("exchange", cfg.VenueConfig.Exchange).Msg("strategy runner starting")

	// Fill the database URL from Vault when the environment left it empty
	if cfg.DatabaseConfig.URL == "" && cfg.VaultEnabled() {
		vaultClient, err := vault.NewClient(cfg.VaultConfig)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to create vault client")
		}
		vaultCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		url, err := vaultClient.DatabaseURL(vaultCtx)
		cancel()
		if err != nil {
			logger.Fatal().Err(err).Str("path", cfg.VaultConfig.SecretPath).Msg("failed to read database url from vault")
		}
		cfg.DatabaseConfig.URL = url
		logger.Info().Str("path", cfg.VaultConfig.SecretPath).Msg("database url loaded from vault")
	}

	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	// Connect to Postgres
	db, err := database.NewDB(cfg.DatabaseConfig.URL, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()

	// Run database migrations
	ctx := context.Background()
	if err := db.RunMigrations(ctx); err != nil {
		logger.Fatal().Err(err).Msg("failed to run migrations")
	}

	repo := database.NewRepository(db)

	// Initialize event bus
	eventBus := events.NewEventBus()

	// Optional Redis leader lock; a nil client keeps this node always leader
	redisClient, err := database.NewRedisClient(cfg.RedisConfig.URL, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid redis url")
	}
	if redisClient != nil {
		defer redisClient.Close()
	}

	refreshEvery := time.Duration(cfg.KlineConfig.RefreshEveryMS) * time.Millisecond
	gate := database.NewRedisLeaderGate(redisClient, "", 3*refreshEvery, logger)

	// Market data plane: upstream client, hot series cache, ingestion loop
	fetcher := binance.NewClient(cfg.VenueConfig.BaseURL)
	cache := marketdata.NewSeriesCache(repo, cfg.IndicatorConfig.MaxCandles)
	symbolSource := database.NewActiveSymbolSource(repo, cfg.ActiveStatuses())

	manager := marketdata.NewManager(marketdata.ManagerConfig{
		Exchange:       cfg.VenueConfig.Exchange,
		Intervals:      cfg.KlineIntervals(),
		HistoryDays:    cfg.KlineConfig.RetentionDays,
		RefreshEvery:   refreshEvery,
		MaxConcurrency: cfg.KlineConfig.MaxConcurrency,
	}, repo, fetcher, symbolSource, cache, gate, eventBus, logger)

	// Strategy plane: sandbox VM and claim scheduler
	vm := sandbox.NewVM(time.Duration(cfg.SchedulerConfig.TimeoutMS)*time.Millisecond, logger)

	sched := scheduler.NewScheduler(scheduler.Config{
		Exchange:       cfg.VenueConfig.Exchange,
		TickEvery:      time.Duration(cfg.SchedulerConfig.TickMS) * time.Millisecond,
		ClaimLimit:     cfg.SchedulerConfig.ClaimLimit,
		ActiveStatuses: cfg.ActiveStatuses(),
		MarkTimeframe:  cfg.SchedulerConfig.MarkTimeframe,
	}, repo, repo, cache, vm, eventBus, logger)

	// Ops API server
	var server *api.Server
	if cfg.ServerConfig.Enabled {
		server = api.NewServer(api.ServerConfig{
			Port:           cfg.ServerConfig.Port,
			Host:           cfg.ServerConfig.Host,
			AllowedOrigins: cfg.AllowedOrigins(),
		}, repo, eventBus, cache, manager, sched, logger)

		go func() {
			if err := server.Start(); err != nil {
				logger.Fatal().Err(err).Msg("failed to start ops server")
			}
		}()
	}

	// Start the loops
	if err := manager.Start(); err != nil {
		logger.Fatal().Err(err).Msg("failed to start kline manager")
	}
	if err := sched.Start(); err != nil {
		logger.Fatal().Err(err).Msg("failed to start scheduler")
	}

	eventBus.Publish(events.Event{
		Type: events.EventRunnerStarted,
		Data: map[string]interface{}{
			"exchange":  cfg.VenueConfig.Exchange,
			"intervals": cfg.KlineIntervals(),
		},
	})

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info().Msg("shutting down")

	eventBus.Publish(events.Event{
		Type: events.EventRunnerStopped,
		Data: map[string]interface{}{},
	})

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if server != nil {
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("error shutting down ops server")
		}
	}

	sched.Stop()
	manager.Stop()
	gate.Release(shutdownCtx)

	logger.Info().Msg("shutdown complete")
}
