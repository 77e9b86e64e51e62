package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aristath/forge/internal/backtest"
	"github.com/aristath/forge/internal/cache"
	"github.com/aristath/forge/internal/config"
	"github.com/aristath/forge/internal/database"
	"github.com/aristath/forge/internal/indicators"
	"github.com/aristath/forge/internal/optimizer"
	"github.com/aristath/forge/internal/prices"
	"github.com/aristath/forge/internal/sanity"
	"github.com/aristath/forge/internal/scheduler"
	"github.com/aristath/forge/internal/server"
	"github.com/aristath/forge/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		// No logger yet; this is the one place stderr is acceptable.
		println("failed to load configuration:", err.Error())
		os.Exit(1)
	}

	log := logger.New(logger.Config{
		Level:  cfg.LogLevel,
		Pretty: cfg.DevMode,
	})
	logger.SetGlobalLogger(log)

	log.Info().Str("dataDir", cfg.DataDir).Msg("starting forge")

	pricesDB, err := database.New(database.Config{
		Path:    cfg.PricesDBPath(),
		Profile: database.ProfileStandard,
		Name:    "prices",
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open prices database")
	}
	defer pricesDB.Close()
	if err := pricesDB.Migrate(); err != nil {
		log.Fatal().Err(err).Msg("failed to migrate prices database")
	}

	cacheDB, err := database.New(database.Config{
		Path:    cfg.CacheDBPath(),
		Profile: database.ProfileCache,
		Name:    "cache",
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open cache database")
	}
	defer cacheDB.Close()
	if err := cacheDB.Migrate(); err != nil {
		log.Fatal().Err(err).Msg("failed to migrate cache database")
	}

	store := prices.NewStore(pricesDB, time.Duration(cfg.PriceTTLSeconds)*time.Second, cfg.ProbeTicker, log)
	ind := indicators.NewService(log)
	engine := backtest.NewEngine(store, ind, cfg.RiskFreeRate, cfg.ProbeTicker, log)
	analyzer := sanity.NewAnalyzer(store, cfg.RiskFreeRate, nil, log)
	opt := optimizer.New(cfg.RiskFreeRate, log)
	resultCache := cache.NewService(cacheDB, log)

	sched := scheduler.New(log)
	refreshJob := &scheduler.CacheRefreshJob{Cache: resultCache, Prices: store}
	if err := sched.AddJob("0 5 0 * * *", refreshJob); err != nil {
		log.Fatal().Err(err).Msg("failed to register cache refresh job")
	}
	maintenanceJob := &scheduler.MaintenanceJob{Databases: []*database.DB{pricesDB, cacheDB}}
	if err := sched.AddJob("0 0 */6 * * *", maintenanceJob); err != nil {
		log.Fatal().Err(err).Msg("failed to register maintenance job")
	}
	sched.Start()
	defer sched.Stop()

	srv := server.New(server.Config{
		Port:      cfg.Port,
		Log:       log,
		Cfg:       cfg,
		Engine:    engine,
		Sanity:    analyzer,
		Optimizer: opt,
		Cache:     resultCache,
		Prices:    store,
		Databases: []*database.DB{pricesDB, cacheDB},
		DevMode:   cfg.DevMode,
	})

	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	log.Info().Int("port", cfg.Port).Msg("forge started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("server forced to shut down")
	}

	log.Info().Msg("stopped")
}
