// Package app wires configuration, storage and services into a running
// engine. The server, worker and perfctl binaries share it.
package app

import (
	"context"
	"fmt"

	"github.com/portfolio-tracker/internal/circuitbreaker"
	"github.com/portfolio-tracker/internal/config"
	"github.com/portfolio-tracker/internal/job"
	"github.com/portfolio-tracker/internal/logging"
	"github.com/portfolio-tracker/internal/market"
	"github.com/portfolio-tracker/internal/metrics"
	"github.com/portfolio-tracker/internal/performance"
	"github.com/portfolio-tracker/internal/ratelimit"
	"github.com/portfolio-tracker/internal/service"
	"github.com/portfolio-tracker/internal/storage"
	"github.com/portfolio-tracker/internal/types"
)

// App holds the wired engine and the connections it owns
type App struct {
	Config   *config.Config
	Engine   *service.Engine
	Calendar *market.Calendar
	Metrics  *metrics.Metrics
	Tracker  *ratelimit.BudgetTracker
	Costs    *ratelimit.CostRegistry

	Postgres   *storage.PostgresDB
	ClickHouse *storage.ClickHouseDB
	Redis      *storage.RedisCache
}

// InitLogging configures the global logger from cfg and returns it
func InitLogging(cfg *config.Config) *logging.Logger {
	logging.InitGlobalLogger(logging.ParseLogLevel(cfg.Logging.Level), logging.ParseLogFormat(cfg.Logging.Format))
	logger := logging.GetGlobalLogger()
	logger.WithFields(map[string]interface{}{
		"level":  cfg.Logging.Level,
		"format": cfg.Logging.Format,
	}).Info("Structured logging initialized")
	return logger
}

// New connects to every store and builds the engine. Close releases
// everything New opened, also after a partial failure.
func New(ctx context.Context, cfg *config.Config) (_ *App, err error) {
	logger := logging.FromContext(ctx)
	a := &App{Config: cfg, Metrics: metrics.New()}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	a.Calendar, err = market.NewCalendar(market.Config{
		Timezone:      cfg.Market.Timezone,
		CloseTime:     cfg.Market.CloseTime,
		ExtraHolidays: cfg.Market.ExtraHolidays,
	})
	if err != nil {
		return nil, err
	}

	logger.Info("Connecting to databases...")
	if a.Postgres, err = storage.NewPostgresDB(&cfg.Database.Postgres); err != nil {
		return nil, fmt.Errorf("postgres: %w", err)
	}

	breakerCfg := circuitbreaker.DefaultConfig("clickhouse")
	breakerCfg.OnStateChangeMetric = a.Metrics.SetBreakerState
	if a.ClickHouse, err = storage.NewClickHouseDB(&cfg.Database.ClickHouse, circuitbreaker.NewCircuitBreaker(breakerCfg)); err != nil {
		return nil, fmt.Errorf("clickhouse: %w", err)
	}

	if a.Redis, err = storage.NewRedisCache(&cfg.Database.Redis); err != nil {
		return nil, fmt.Errorf("redis: %w", err)
	}
	logger.Info("Database connections established")

	a.Tracker, err = ratelimit.NewBudgetTracker(&ratelimit.BudgetTrackerConfig{
		Redis:          a.Redis.Client(),
		TotalBudget:    cfg.RateLimit.RebuildBudget,
		ReservedBudget: cfg.RateLimit.RebuildReserved,
		WindowSize:     cfg.RateLimit.RebuildWindow,
	})
	if err != nil {
		return nil, err
	}
	a.Costs = ratelimit.NewCostRegistry(nil)

	a.Engine, err = buildEngine(cfg, a)
	if err != nil {
		return nil, err
	}
	logger.Info("Services initialized")
	return a, nil
}

func buildEngine(cfg *config.Config, a *App) (*service.Engine, error) {
	pool := a.Postgres.Pool()
	userRepo := storage.NewUserRepository(pool)
	txRepo := storage.NewTransactionRepository(pool)
	snapshotRepo := storage.NewSnapshotRepository(pool)
	positionRepo := storage.NewCashPositionRepository(pool)
	cacheRepo := storage.NewCacheRepository(pool)
	intradayRepo := storage.NewIntradayRepository(a.ClickHouse)
	benchmarkRepo := storage.NewBenchmarkRepository(a.ClickHouse)

	store := storage.NewCacheStore(cacheRepo, storage.NewCacheService(a.Redis, cfg.Cache.TTL))
	runner := job.NewRunner(job.Config{Workers: cfg.Rebuild.Workers, Budget: cfg.Rebuild.Budget}, a.Metrics)
	loc := a.Calendar.Location()

	categories, err := parseCategories(cfg.Leaderboard.Categories)
	if err != nil {
		return nil, err
	}

	checker := service.NewConsistencyChecker(snapshotRepo, loc, a.Metrics)
	cashflows := service.NewCashFlowService(userRepo, txRepo, positionRepo, checker, runner)
	calc := performance.NewCalculator(snapshotRepo, cashflows, loc)

	charts := service.NewChartService(userRepo, snapshotRepo, intradayRepo, benchmarkRepo, store, cacheRepo, a.Calendar, runner, a.Metrics, service.ChartConfig{
		Benchmark:   cfg.Leaderboard.Benchmark,
		MaxPoints:   cfg.Sampler.MaxPoints,
		StalePolicy: types.StalePolicy(cfg.Cache.StalePolicy),
	})
	boards := service.NewLeaderboardService(userRepo, snapshotRepo, calc, store, cacheRepo, a.Calendar, runner, a.Metrics, service.LeaderboardConfig{
		TopN:       cfg.Leaderboard.TopN,
		Categories: categories,
	})
	perf := service.NewPerformanceService(userRepo, calc, charts, a.Calendar, a.Metrics)

	return service.NewEngine(perf, boards, charts, cashflows), nil
}

// parseCategories parses LEADERBOARD_CATEGORIES, dropping duplicates
func parseCategories(values []string) ([]types.Category, error) {
	seen := make(map[types.Category]bool, len(values))
	categories := make([]types.Category, 0, len(values))
	for _, v := range values {
		cat, err := types.ParseCategory(v)
		if err != nil {
			return nil, fmt.Errorf("invalid LEADERBOARD_CATEGORIES: %w", err)
		}
		if seen[cat] {
			continue
		}
		seen[cat] = true
		categories = append(categories, cat)
	}
	return categories, nil
}

// Ping checks every store
func (a *App) Ping(ctx context.Context) map[string]error {
	return map[string]error{
		"postgres":   a.Postgres.Ping(ctx),
		"clickhouse": a.ClickHouse.Ping(ctx),
		"redis":      a.Redis.Ping(ctx),
	}
}

// Close waits for background work and closes the connections
func (a *App) Close() {
	if a.Engine != nil {
		a.Engine.Close()
	}
	if a.Redis != nil {
		_ = a.Redis.Close()
	}
	if a.ClickHouse != nil {
		_ = a.ClickHouse.Close()
	}
	if a.Postgres != nil {
		a.Postgres.Close()
	}
}
