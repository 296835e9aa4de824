// Package config loads the settlement engine's configuration: TOML file,
// then .env, then SETTLE_* environment overrides.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Config is the full service configuration.
type Config struct {
	Server     ServerConfig   `toml:"server"`
	Database   DatabaseConfig `toml:"database"`
	Redis      RedisConfig    `toml:"redis"`
	Resolver   ResolverConfig `toml:"resolver"`
	Polymarket ExchangeConfig `toml:"polymarket"`
	Kalshi     ExchangeConfig `toml:"kalshi"`
	S3         S3Config       `toml:"s3"`
	Betting    BettingConfig  `toml:"betting"`
	LogLevel   string         `toml:"log_level"`
}

// duration lets the TOML decoder read "5m" or "30s".
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Port            int      `toml:"port"`
	ShutdownTimeout duration `toml:"shutdown_timeout"`
	CORSOrigins     []string `toml:"cors_origins"`
}

// DatabaseConfig holds PostgreSQL settings. An empty URL selects the
// in-memory store.
type DatabaseConfig struct {
	URL           string `toml:"url"`
	MaxConns      int    `toml:"max_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds the cache and event bus connection. An empty URL
// disables both.
type RedisConfig struct {
	URL      string   `toml:"url"`
	CacheTTL duration `toml:"cache_ttl"`
}

// ResolverConfig controls the periodic resolution pass.
type ResolverConfig struct {
	Enabled  bool     `toml:"enabled"`
	Interval duration `toml:"interval"`
}

// ExchangeConfig holds one exchange client's settings.
type ExchangeConfig struct {
	BaseURL       string   `toml:"base_url"`
	RatePerSecond float64  `toml:"rate_per_second"`
	Timeout       duration `toml:"timeout"`
}

// S3Config holds the audit archive settings. An empty bucket disables
// archiving.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// BettingConfig holds sandbox economics and bet limits.
type BettingConfig struct {
	MaxMetaBet             float64 `toml:"max_meta_bet"`
	VirtualStartingBalance float64 `toml:"virtual_starting_balance"`
	MaxVirtualBet          float64 `toml:"max_virtual_bet"`
	SandboxStartingBalance float64 `toml:"sandbox_starting_balance"`
	PaperPoolLiquidity     float64 `toml:"paper_pool_liquidity"`
}

func (b BettingConfig) MaxMetaBetDecimal() decimal.Decimal {
	return decimal.NewFromFloat(b.MaxMetaBet)
}

func (b BettingConfig) VirtualStartingBalanceDecimal() decimal.Decimal {
	return decimal.NewFromFloat(b.VirtualStartingBalance)
}

func (b BettingConfig) MaxVirtualBetDecimal() decimal.Decimal {
	return decimal.NewFromFloat(b.MaxVirtualBet)
}

func (b BettingConfig) SandboxStartingBalanceDecimal() decimal.Decimal {
	return decimal.NewFromFloat(b.SandboxStartingBalance)
}

func (b BettingConfig) PaperPoolLiquidityDecimal() decimal.Decimal {
	return decimal.NewFromFloat(b.PaperPoolLiquidity)
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:            8080,
			ShutdownTimeout: duration{5 * time.Second},
			CORSOrigins:     []string{"*"},
		},
		Database: DatabaseConfig{
			MaxConns:      10,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			CacheTTL: duration{30 * time.Second},
		},
		Resolver: ResolverConfig{
			Enabled:  true,
			Interval: duration{5 * time.Minute},
		},
		Polymarket: ExchangeConfig{
			BaseURL:       "https://gamma-api.polymarket.com",
			RatePerSecond: 5,
			Timeout:       duration{10 * time.Second},
		},
		Kalshi: ExchangeConfig{
			BaseURL:       "https://api.elections.kalshi.com/trade-api/v2",
			RatePerSecond: 10,
			Timeout:       duration{10 * time.Second},
		},
		S3: S3Config{
			Region: "us-east-1",
		},
		Betting: BettingConfig{
			MaxMetaBet:             10000,
			VirtualStartingBalance: 10000,
			MaxVirtualBet:          1000,
			SandboxStartingBalance: 10000,
			PaperPoolLiquidity:     1000,
		},
		LogLevel: "info",
	}
}

var validLogLevels = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}

// Validate reports every invalid field at once.
func (c *Config) Validate() error {
	var errs []string

	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
	}
	if c.Server.ShutdownTimeout.Duration <= 0 {
		errs = append(errs, "server: shutdown_timeout must be positive")
	}
	if c.Database.URL != "" && c.Database.MaxConns < 1 {
		errs = append(errs, "database: max_conns must be >= 1")
	}
	if c.Redis.URL != "" && c.Redis.CacheTTL.Duration <= 0 {
		errs = append(errs, "redis: cache_ttl must be positive")
	}
	if c.Resolver.Enabled && c.Resolver.Interval.Duration < time.Second {
		errs = append(errs, "resolver: interval must be at least 1s")
	}
	for name, ex := range map[string]ExchangeConfig{"polymarket": c.Polymarket, "kalshi": c.Kalshi} {
		if ex.BaseURL == "" {
			errs = append(errs, name+": base_url must not be empty")
		}
		if ex.RatePerSecond <= 0 {
			errs = append(errs, name+": rate_per_second must be positive")
		}
		if ex.Timeout.Duration <= 0 {
			errs = append(errs, name+": timeout must be positive")
		}
	}
	if c.S3.Bucket != "" && c.S3.Region == "" {
		errs = append(errs, "s3: region must be set when bucket is set")
	}
	if (c.S3.AccessKey == "") != (c.S3.SecretKey == "") {
		errs = append(errs, "s3: access_key and secret_key must be set together")
	}

	b := c.Betting
	for name, v := range map[string]float64{
		"max_meta_bet":             b.MaxMetaBet,
		"virtual_starting_balance": b.VirtualStartingBalance,
		"max_virtual_bet":          b.MaxVirtualBet,
		"sandbox_starting_balance": b.SandboxStartingBalance,
		"paper_pool_liquidity":     b.PaperPoolLiquidity,
	} {
		if v <= 0 {
			errs = append(errs, "betting: "+name+" must be positive")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}
