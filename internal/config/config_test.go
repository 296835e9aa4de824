package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults_Valid(t *testing.T) {
	cfg := Defaults()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 5*time.Minute, cfg.Resolver.Interval.Duration)
	assert.Equal(t, "10000", cfg.Betting.MaxMetaBetDecimal().String())
	assert.Equal(t, "1000", cfg.Betting.MaxVirtualBetDecimal().String())
}

func TestLoad_FileThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "settle.toml")
	err := os.WriteFile(path, []byte(`
log_level = "debug"

[server]
port = 9090

[resolver]
interval = "90s"

[betting]
max_meta_bet = 250

[s3]
bucket = "audit"
`), 0o600)
	require.NoError(t, err)

	t.Setenv("SETTLE_RESOLVER_INTERVAL", "2m")
	t.Setenv("DATABASE_URL", "postgres://localhost/settle")
	t.Setenv("SETTLE_SERVER_CORS_ORIGINS", "https://a.example, ,https://b.example")
	t.Setenv("SETTLE_KALSHI_RATE_PER_SECOND", "not-a-number")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 2*time.Minute, cfg.Resolver.Interval.Duration, "env overrides file")
	assert.Equal(t, "250", cfg.Betting.MaxMetaBetDecimal().String())
	assert.Equal(t, "audit", cfg.S3.Bucket)
	assert.Equal(t, "postgres://localhost/settle", cfg.Database.URL)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Server.CORSOrigins)
	assert.Equal(t, 10.0, cfg.Kalshi.RatePerSecond, "unparsable override is ignored")
	assert.Equal(t, "1000", cfg.Betting.PaperPoolLiquidityDecimal().String(), "unset keys keep defaults")
}

func TestLoad_EmptyPathUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Defaults().Kalshi.BaseURL, cfg.Kalshi.BaseURL)
}

func TestLoad_BadFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)
}

func TestValidate_CollectsErrors(t *testing.T) {
	cfg := Defaults()
	cfg.LogLevel = "loud"
	cfg.Server.Port = 0
	cfg.Resolver.Interval.Duration = time.Millisecond
	cfg.Kalshi.BaseURL = ""
	cfg.S3.AccessKey = "key"
	cfg.Betting.MaxVirtualBet = 0

	err := cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{
		"log_level",
		"server: port",
		"resolver: interval",
		"kalshi: base_url",
		"s3: access_key and secret_key",
		"betting: max_virtual_bet",
	} {
		assert.Contains(t, err.Error(), want)
	}
}
