package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load merges the TOML file at path (skipped when path is empty) over
// Defaults, loads .env if present, then applies environment overrides. The
// result is not validated; call Validate.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	_ = godotenv.Load()

	applyEnvOverrides(&cfg)
	return &cfg, nil
}

// applyEnvOverrides reads the SETTLE_* variables plus the bare DATABASE_URL,
// REDIS_URL and PORT that deployments already set.
func applyEnvOverrides(cfg *Config) {
	setStr(&cfg.Database.URL, "DATABASE_URL")
	setStr(&cfg.Redis.URL, "REDIS_URL")
	setInt(&cfg.Server.Port, "PORT")

	// Server
	setInt(&cfg.Server.Port, "SETTLE_SERVER_PORT")
	setDuration(&cfg.Server.ShutdownTimeout, "SETTLE_SERVER_SHUTDOWN_TIMEOUT")
	setStringSlice(&cfg.Server.CORSOrigins, "SETTLE_SERVER_CORS_ORIGINS")

	// Database
	setStr(&cfg.Database.URL, "SETTLE_DATABASE_URL")
	setInt(&cfg.Database.MaxConns, "SETTLE_DATABASE_MAX_CONNS")
	setBool(&cfg.Database.RunMigrations, "SETTLE_DATABASE_RUN_MIGRATIONS")

	// Redis
	setStr(&cfg.Redis.URL, "SETTLE_REDIS_URL")
	setDuration(&cfg.Redis.CacheTTL, "SETTLE_REDIS_CACHE_TTL")

	// Resolver
	setBool(&cfg.Resolver.Enabled, "SETTLE_RESOLVER_ENABLED")
	setDuration(&cfg.Resolver.Interval, "SETTLE_RESOLVER_INTERVAL")

	// Exchanges
	setStr(&cfg.Polymarket.BaseURL, "SETTLE_POLYMARKET_BASE_URL")
	setFloat64(&cfg.Polymarket.RatePerSecond, "SETTLE_POLYMARKET_RATE_PER_SECOND")
	setDuration(&cfg.Polymarket.Timeout, "SETTLE_POLYMARKET_TIMEOUT")
	setStr(&cfg.Kalshi.BaseURL, "SETTLE_KALSHI_BASE_URL")
	setFloat64(&cfg.Kalshi.RatePerSecond, "SETTLE_KALSHI_RATE_PER_SECOND")
	setDuration(&cfg.Kalshi.Timeout, "SETTLE_KALSHI_TIMEOUT")

	// S3
	setStr(&cfg.S3.Endpoint, "SETTLE_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "SETTLE_S3_REGION")
	setStr(&cfg.S3.Bucket, "SETTLE_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "SETTLE_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "SETTLE_S3_SECRET_KEY")
	setBool(&cfg.S3.ForcePathStyle, "SETTLE_S3_FORCE_PATH_STYLE")

	// Betting
	setFloat64(&cfg.Betting.MaxMetaBet, "SETTLE_BETTING_MAX_META_BET")
	setFloat64(&cfg.Betting.VirtualStartingBalance, "SETTLE_BETTING_VIRTUAL_STARTING_BALANCE")
	setFloat64(&cfg.Betting.MaxVirtualBet, "SETTLE_BETTING_MAX_VIRTUAL_BET")
	setFloat64(&cfg.Betting.SandboxStartingBalance, "SETTLE_BETTING_SANDBOX_STARTING_BALANCE")
	setFloat64(&cfg.Betting.PaperPoolLiquidity, "SETTLE_BETTING_PAPER_POOL_LIQUIDITY")

	setStr(&cfg.LogLevel, "SETTLE_LOG_LEVEL")
}

// Typed env-var helpers. Each only mutates the target when the variable is
// present and parses.

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		var cleaned []string
		for _, p := range strings.Split(v, ",") {
			if p = strings.TrimSpace(p); p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
