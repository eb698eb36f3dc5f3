// Package config provides configuration management for the portfolio tracker.
// It loads configuration from environment variables and .env files.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata" // market timezone must resolve on minimal images

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	Server      ServerConfig
	Database    DatabaseConfig
	Cache       CacheConfig
	Market      MarketConfig
	Sampler     SamplerConfig
	Leaderboard LeaderboardConfig
	Rebuild     RebuildConfig
	RateLimit   RateLimitConfig
	Logging     LoggingConfig
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port string
	Host string
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Postgres   PostgresConfig
	ClickHouse ClickHouseConfig
	Redis      RedisConfig
}

// PostgresConfig holds Postgres configuration
type PostgresConfig struct {
	Host           string
	Port           string
	Database       string
	User           string
	Password       string
	MaxConnections int
}

// URL returns the connection string used by pgx and golang-migrate
func (p PostgresConfig) URL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		p.User, p.Password, p.Host, p.Port, p.Database)
}

// ClickHouseConfig holds ClickHouse configuration
type ClickHouseConfig struct {
	Host     string
	Port     string
	Database string
	User     string
	Password string
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host           string
	Port           string
	Password       string
	DB             int
	MaxConnections int
}

// CacheConfig holds cache configuration
type CacheConfig struct {
	// TTL of the Redis hot copy. Postgres keeps the authoritative record.
	TTL         time.Duration
	StalePolicy string
}

// MarketConfig holds the trading calendar configuration
type MarketConfig struct {
	Timezone      string
	CloseTime     string // HH:MM in Timezone
	ExtraHolidays []string
}

// SamplerConfig holds chart sampling configuration
type SamplerConfig struct {
	MaxPoints int
}

// LeaderboardConfig holds leaderboard configuration
type LeaderboardConfig struct {
	TopN       int
	Categories []string
	Benchmark  string
}

// RebuildConfig holds batch rebuild configuration
type RebuildConfig struct {
	Workers             int
	Budget              time.Duration
	LeaderboardSchedule string
	ChartSchedule       string
	IntradaySchedule    string
}

// RateLimitConfig holds API rate limiting configuration
type RateLimitConfig struct {
	RequestsPerSecond float64
	Burst             int
	// Rebuild admission is shared through Redis by every process that
	// triggers rebuilds. Scheduled runs draw from the reserved pool.
	RebuildBudget   int
	RebuildReserved int
	RebuildWindow   time.Duration
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string
	Format string
}

// LoadConfig loads configuration from .env file and environment variables
func LoadConfig() (*Config, error) {
	// Load .env file (optional in production)
	if err := godotenv.Load(); err != nil {
		// .env file is optional - environment variables can be set directly
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("error loading .env file: %w", err)
		}
	}

	config := &Config{
		Server: ServerConfig{
			Port: getEnv("SERVER_PORT", "8080"),
			Host: getEnv("SERVER_HOST", "0.0.0.0"),
		},
		Database: DatabaseConfig{
			Postgres: PostgresConfig{
				Host:           getEnv("POSTGRES_HOST", "localhost"),
				Port:           getEnv("POSTGRES_PORT", "5432"),
				Database:       getEnv("POSTGRES_DB", "portfolio_tracker"),
				User:           getEnv("POSTGRES_USER", "tracker"),
				Password:       getEnv("POSTGRES_PASSWORD", ""),
				MaxConnections: getEnvAsInt("POSTGRES_MAX_CONNECTIONS", 50),
			},
			ClickHouse: ClickHouseConfig{
				Host:     getEnv("CLICKHOUSE_HOST", "localhost"),
				Port:     getEnv("CLICKHOUSE_PORT", "9000"),
				Database: getEnv("CLICKHOUSE_DB", "portfolio_tracker"),
				User:     getEnv("CLICKHOUSE_USER", "default"),
				Password: getEnv("CLICKHOUSE_PASSWORD", ""),
			},
			Redis: RedisConfig{
				Host:           getEnv("REDIS_HOST", "localhost"),
				Port:           getEnv("REDIS_PORT", "6379"),
				Password:       getEnv("REDIS_PASSWORD", ""),
				DB:             getEnvAsInt("REDIS_DB", 0),
				MaxConnections: getEnvAsInt("REDIS_MAX_CONNECTIONS", 50),
			},
		},
		Cache: CacheConfig{
			TTL:         getEnvAsDuration("CACHE_TTL", 24*time.Hour),
			StalePolicy: getEnv("CACHE_STALE_POLICY", "serve_stale"),
		},
		Market: MarketConfig{
			Timezone:      getEnv("MARKET_TIMEZONE", "America/New_York"),
			CloseTime:     getEnv("MARKET_CLOSE_TIME", "16:00"),
			ExtraHolidays: getEnvAsList("MARKET_EXTRA_HOLIDAYS", nil),
		},
		Sampler: SamplerConfig{
			MaxPoints: getEnvAsInt("SAMPLER_MAX_POINTS", 250),
		},
		Leaderboard: LeaderboardConfig{
			TopN:       getEnvAsInt("LEADERBOARD_TOP_N", 100),
			Categories: getEnvAsList("LEADERBOARD_CATEGORIES", []string{"all", "small_cap", "mid_cap", "large_cap"}),
			Benchmark:  getEnv("BENCHMARK_SYMBOL", "SPY"),
		},
		Rebuild: RebuildConfig{
			Workers:             getEnvAsInt("REBUILD_WORKERS", 8),
			Budget:              getEnvAsDuration("REBUILD_BUDGET", 10*time.Minute),
			LeaderboardSchedule: getEnv("REBUILD_LEADERBOARD_SCHEDULE", "CRON_TZ=America/New_York 15 16 * * 1-5"),
			ChartSchedule:       getEnv("REBUILD_CHART_SCHEDULE", "CRON_TZ=America/New_York 30 16 * * 1-5"),
			IntradaySchedule:    getEnv("REBUILD_INTRADAY_SCHEDULE", "CRON_TZ=America/New_York */15 9-16 * * 1-5"),
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: getEnvAsFloat("RATE_LIMIT_RPS", 20),
			Burst:             getEnvAsInt("RATE_LIMIT_BURST", 40),
			RebuildBudget:     getEnvAsInt("REBUILD_ADMISSION_BUDGET", 60),
			RebuildReserved:   getEnvAsInt("REBUILD_ADMISSION_RESERVED", 40),
			RebuildWindow:     getEnvAsDuration("REBUILD_ADMISSION_WINDOW", time.Minute),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// Validate rejects configurations the engine cannot run with
func (c *Config) Validate() error {
	if _, err := time.LoadLocation(c.Market.Timezone); err != nil {
		return fmt.Errorf("invalid MARKET_TIMEZONE %q: %w", c.Market.Timezone, err)
	}
	if _, err := time.Parse("15:04", c.Market.CloseTime); err != nil {
		return fmt.Errorf("invalid MARKET_CLOSE_TIME %q: expected HH:MM", c.Market.CloseTime)
	}
	for _, d := range c.Market.ExtraHolidays {
		if _, err := time.Parse("2006-01-02", d); err != nil {
			return fmt.Errorf("invalid MARKET_EXTRA_HOLIDAYS entry %q: expected YYYY-MM-DD", d)
		}
	}
	if c.Sampler.MaxPoints < 2 {
		return fmt.Errorf("SAMPLER_MAX_POINTS must be at least 2, got %d", c.Sampler.MaxPoints)
	}
	if c.Leaderboard.TopN < 1 {
		return fmt.Errorf("LEADERBOARD_TOP_N must be positive, got %d", c.Leaderboard.TopN)
	}
	if c.Leaderboard.Benchmark == "" {
		return fmt.Errorf("BENCHMARK_SYMBOL must not be empty")
	}
	if c.Rebuild.Workers < 1 {
		return fmt.Errorf("REBUILD_WORKERS must be positive, got %d", c.Rebuild.Workers)
	}
	if c.Rebuild.Budget <= 0 {
		return fmt.Errorf("REBUILD_BUDGET must be positive, got %s", c.Rebuild.Budget)
	}
	if c.RateLimit.RebuildReserved > c.RateLimit.RebuildBudget {
		return fmt.Errorf("REBUILD_ADMISSION_RESERVED (%d) cannot exceed REBUILD_ADMISSION_BUDGET (%d)", c.RateLimit.RebuildReserved, c.RateLimit.RebuildBudget)
	}
	switch c.Cache.StalePolicy {
	case "serve_stale", "block":
	default:
		return fmt.Errorf("CACHE_STALE_POLICY must be serve_stale or block, got %q", c.Cache.StalePolicy)
	}
	return nil
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt gets an environment variable as an integer with a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsFloat gets an environment variable as a float with a default value
func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDuration gets an environment variable as a duration with a default value
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsList gets a comma separated environment variable, dropping blanks
func getEnvAsList(key string, defaultValue []string) []string {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	var out []string
	for _, v := range strings.Split(valueStr, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
