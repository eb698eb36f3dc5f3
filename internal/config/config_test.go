package config

import (
	"testing"
	"time"
)

func TestLoadConfig(t *testing.T) {
	t.Setenv("SERVER_PORT", "9090")
	t.Setenv("POSTGRES_HOST", "testhost")
	t.Setenv("CACHE_TTL", "30s")
	t.Setenv("MARKET_EXTRA_HOLIDAYS", "2024-07-05")
	t.Setenv("LEADERBOARD_CATEGORIES", "all,large_cap")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}

	if cfg.Server.Port != "9090" {
		t.Errorf("Server.Port = %v, want %v", cfg.Server.Port, "9090")
	}
	if cfg.Database.Postgres.Host != "testhost" {
		t.Errorf("Database.Postgres.Host = %v, want %v", cfg.Database.Postgres.Host, "testhost")
	}
	if cfg.Cache.TTL != 30*time.Second {
		t.Errorf("Cache.TTL = %v, want %v", cfg.Cache.TTL, 30*time.Second)
	}
	if len(cfg.Market.ExtraHolidays) != 1 || cfg.Market.ExtraHolidays[0] != "2024-07-05" {
		t.Errorf("Market.ExtraHolidays = %v", cfg.Market.ExtraHolidays)
	}
	if len(cfg.Leaderboard.Categories) != 2 || cfg.Leaderboard.Categories[1] != "large_cap" {
		t.Errorf("Leaderboard.Categories = %v", cfg.Leaderboard.Categories)
	}

	// defaults
	if cfg.Market.Timezone != "America/New_York" || cfg.Market.CloseTime != "16:00" {
		t.Errorf("Market = %+v, want the NYSE session", cfg.Market)
	}
	if cfg.Cache.StalePolicy != "serve_stale" {
		t.Errorf("Cache.StalePolicy = %v, want serve_stale", cfg.Cache.StalePolicy)
	}
	if cfg.RateLimit.RebuildReserved != 40 || cfg.RateLimit.RebuildBudget != 60 {
		t.Errorf("RateLimit = %+v", cfg.RateLimit)
	}
}

func TestLoadConfigRejectsInvalid(t *testing.T) {
	t.Setenv("CACHE_STALE_POLICY", "sometimes")

	if _, err := LoadConfig(); err == nil {
		t.Fatal("LoadConfig() = nil error, want CACHE_STALE_POLICY rejected")
	}
}

func TestEnvHelpers(t *testing.T) {
	t.Setenv("TEST_STRING", "custom")
	t.Setenv("TEST_INT", "200")
	t.Setenv("TEST_INT_INVALID", "many")
	t.Setenv("TEST_FLOAT", "2.5")
	t.Setenv("TEST_DURATION", "90s")
	t.Setenv("TEST_DURATION_INVALID", "soon")

	tests := []struct {
		name string
		got  interface{}
		want interface{}
	}{
		{"string set", getEnv("TEST_STRING", "default"), "custom"},
		{"string unset", getEnv("TEST_STRING_NOTSET", "default"), "default"},
		{"int set", getEnvAsInt("TEST_INT", 100), 200},
		{"int invalid", getEnvAsInt("TEST_INT_INVALID", 100), 100},
		{"int unset", getEnvAsInt("TEST_INT_NOTSET", 100), 100},
		{"float set", getEnvAsFloat("TEST_FLOAT", 20), 2.5},
		{"float unset", getEnvAsFloat("TEST_FLOAT_NOTSET", 20), 20.0},
		{"duration set", getEnvAsDuration("TEST_DURATION", 10*time.Second), 90 * time.Second},
		{"duration invalid", getEnvAsDuration("TEST_DURATION_INVALID", 10*time.Second), 10 * time.Second},
		{"duration unset", getEnvAsDuration("TEST_DURATION_NOTSET", 10*time.Second), 10 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %v (%T), want %v (%T)", tt.got, tt.got, tt.want, tt.want)
			}
		})
	}
}

func TestGetEnvAsList(t *testing.T) {
	t.Setenv("TEST_LIST", " 2024-07-05, ,2024-12-24 ")
	got := getEnvAsList("TEST_LIST", nil)
	if len(got) != 2 || got[0] != "2024-07-05" || got[1] != "2024-12-24" {
		t.Errorf("getEnvAsList() = %v", got)
	}

	def := []string{"all"}
	if got := getEnvAsList("TEST_LIST_NOTSET", def); len(got) != 1 || got[0] != "all" {
		t.Errorf("getEnvAsList() default = %v", got)
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Cache:       CacheConfig{StalePolicy: "serve_stale"},
			Market:      MarketConfig{Timezone: "America/New_York", CloseTime: "16:00"},
			Sampler:     SamplerConfig{MaxPoints: 250},
			Leaderboard: LeaderboardConfig{TopN: 100, Benchmark: "SPY"},
			Rebuild:     RebuildConfig{Workers: 4, Budget: time.Minute},
		}
	}

	if err := valid().Validate(); err != nil {
		t.Fatalf("Validate() on valid config = %v", err)
	}

	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"unknown timezone", func(c *Config) { c.Market.Timezone = "Mars/Olympus" }},
		{"bad close time", func(c *Config) { c.Market.CloseTime = "4pm" }},
		{"bad extra holiday", func(c *Config) { c.Market.ExtraHolidays = []string{"07/05/2024"} }},
		{"sampler below two", func(c *Config) { c.Sampler.MaxPoints = 1 }},
		{"zero top n", func(c *Config) { c.Leaderboard.TopN = 0 }},
		{"empty benchmark", func(c *Config) { c.Leaderboard.Benchmark = "" }},
		{"zero workers", func(c *Config) { c.Rebuild.Workers = 0 }},
		{"zero budget", func(c *Config) { c.Rebuild.Budget = 0 }},
		{"unknown stale policy", func(c *Config) { c.Cache.StalePolicy = "sometimes" }},
		{"reserved above budget", func(c *Config) { c.RateLimit.RebuildReserved = c.RateLimit.RebuildBudget + 1 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(c)
			if err := c.Validate(); err == nil {
				t.Errorf("Validate() = nil, want error")
			}
		})
	}
}

func TestPostgresURL(t *testing.T) {
	p := PostgresConfig{Host: "db", Port: "5432", Database: "pt", User: "u", Password: "p"}
	want := "postgres://u:p@db:5432/pt?sslmode=disable"
	if got := p.URL(); got != want {
		t.Errorf("URL() = %v, want %v", got, want)
	}
}
