package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aristath/riskbatch/internal/batch"
	"github.com/aristath/riskbatch/internal/calendar"
	"github.com/aristath/riskbatch/internal/config"
	"github.com/aristath/riskbatch/internal/database"
	"github.com/aristath/riskbatch/internal/marketdata"
	"github.com/aristath/riskbatch/internal/portfolio"
	"github.com/aristath/riskbatch/internal/scheduler"
	"github.com/aristath/riskbatch/internal/server"
	"github.com/aristath/riskbatch/pkg/logger"
)

func main() {
	log := logger.New(logger.Config{
		Level:  getEnv("LOG_LEVEL", "info"),
		Pretty: getEnv("DEV_MODE", "false") == "true",
	})
	logger.SetGlobalLogger(log)

	log.Info().Msg("Starting riskbatch")

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	// portfolio.db - portfolios, positions, calculation results
	portfolioDB, err := database.New(database.Config{
		Path:    cfg.DataDir + "/portfolio.db",
		Profile: database.ProfileStandard,
		Name:    "portfolio",
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize portfolio database")
	}
	defer portfolioDB.Close()

	// cache.db - rebuildable market data bars
	cacheDB, err := database.New(database.Config{
		Path:    cfg.DataDir + "/cache.db",
		Profile: database.ProfileCache,
		Name:    "cache",
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize cache database")
	}
	defer cacheDB.Close()

	// runs.db - durable batch run history
	runsDB, err := database.New(database.Config{
		Path:    cfg.DataDir + "/runs.db",
		Profile: database.ProfileLedger,
		Name:    "runs",
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize runs database")
	}
	defer runsDB.Close()

	for _, db := range []*database.DB{portfolioDB, cacheDB, runsDB} {
		if err := db.Migrate(); err != nil {
			log.Fatal().Err(err).Str("database", db.Name()).Msg("Failed to run migrations")
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	history := batch.NewHistory(runsDB, log)

	// Runs left behind by a crashed process are expired before the fresh
	// in-memory tracker starts accepting work.
	if _, err := history.ExpireStale(ctx, cfg.RunTimeout, time.Now().UTC()); err != nil {
		log.Fatal().Err(err).Msg("Failed to expire stale runs")
	}

	repo := portfolio.NewRepository(portfolioDB, log)
	cache := marketdata.NewCache(cacheDB, log)
	provider := marketdata.NewHTTPProvider(marketdata.ProviderConfig{
		BaseURL:     cfg.ProviderBaseURL,
		MaxRetries:  cfg.ProviderMaxRetries,
		BackoffBase: cfg.ProviderBackoff,
		RatePerSec:  cfg.ProviderRatePerSec,
	}, log)

	tracker := batch.NewTracker(cfg.RunTimeout, log)
	events := batch.NewBroadcaster()
	defer events.Close()

	orc := batch.NewOrchestrator(batch.Config{
		OuterConcurrency: cfg.OuterConcurrency,
		InnerConcurrency: cfg.InnerConcurrency,
		EngineTimeout:    cfg.EngineTimeout,
		Phase1Timeout:    cfg.Phase1Timeout,
		BackfillEarliest: cfg.BackfillEarliest,
	}, calendar.New(), repo, cache, provider, tracker, history, events, log)

	onboarding := batch.NewOnboardingDriver(orc, 10*time.Minute, log)

	sched := scheduler.New(ctx, log)
	retention := time.Duration(cfg.RunRetentionDays) * 24 * time.Hour
	if err := sched.AddJob(cfg.SchedulerCron, scheduler.NewNightlyBatchJob(orc, log)); err != nil {
		log.Fatal().Err(err).Msg("Failed to register nightly batch job")
	}
	if err := sched.AddJob("0 30 5 * * *", scheduler.NewRunRetentionJob(history, retention, log)); err != nil {
		log.Fatal().Err(err).Msg("Failed to register run retention job")
	}
	sched.Start()

	srv := server.New(ctx, server.Config{
		Log:          log,
		Port:         cfg.Port,
		DevMode:      cfg.DevMode,
		PortfolioDB:  portfolioDB,
		CacheDB:      cacheDB,
		RunsDB:       runsDB,
		Orchestrator: orc,
		Onboarding:   onboarding,
		Tracker:      tracker,
		History:      history,
	})

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-stop:
		log.Info().Str("signal", sig.String()).Msg("Shutdown signal received")
	case err := <-errCh:
		log.Error().Err(err).Msg("HTTP server failed")
	}

	// Cancel in-flight batch work first, then drain the scheduler and server.
	cancel()
	sched.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}

	log.Info().Msg("riskbatch stopped")
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
