// Package config loads worker settings from the environment.
package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

type Config struct {
	// --- Database ---
	DatabaseURL string `envconfig:"DATABASE_URL"`
	DBHost      string `envconfig:"DB_HOST" default:"localhost"`
	DBPort      int    `envconfig:"DB_PORT" default:"5432"`
	DBUser      string `envconfig:"DB_USER" default:"advert"`
	DBPassword  string `envconfig:"DB_PASSWORD" default:"devpassword"`
	DBName      string `envconfig:"DB_NAME" default:"advert_market"`
	DBSSLMode   string `envconfig:"DB_SSLMODE" default:"disable"`
	DBMaxConns  int32  `envconfig:"DB_MAX_CONNS" default:"25"`
	DBMinConns  int32  `envconfig:"DB_MIN_CONNS" default:"2"`

	// --- Redis ---
	RedisAddr     string `envconfig:"REDIS_ADDR" default:"localhost:6379"`
	RedisPassword string `envconfig:"REDIS_PASSWORD"`
	RedisDB       int    `envconfig:"REDIS_DB" default:"0"`

	// --- Application ---
	AppEnv    string `envconfig:"APP_ENV" default:"development"`
	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"json"`

	// --- River ---
	RiverMaxWorkers int `envconfig:"RIVER_MAX_WORKERS" default:"10"`

	// --- Outbox relay ---
	OutboxRelayInterval time.Duration `envconfig:"OUTBOX_RELAY_INTERVAL" default:"2s"`
	OutboxRelayBatch    int           `envconfig:"OUTBOX_RELAY_BATCH" default:"100"`
	OutboxMaxRetries    int           `envconfig:"OUTBOX_MAX_RETRIES" default:"10"`

	// --- Timeout scanner ---
	TimeoutScanSchedule string        `envconfig:"TIMEOUT_SCAN_SCHEDULE" default:"@every 1m"`
	TimeoutScanBatch    int           `envconfig:"TIMEOUT_SCAN_BATCH" default:"100"`
	TimeoutLockTTL      time.Duration `envconfig:"TIMEOUT_LOCK_TTL" default:"5m"`

	// --- Ledger ---
	BalanceCacheTTL time.Duration `envconfig:"BALANCE_CACHE_TTL" default:"5m"`

	// --- Escrow ---
	EscrowWalletAddress string `envconfig:"ESCROW_WALLET_ADDRESS" default:"EQ_DEV_ESCROW_WALLET"`
}

// Load reads the environment and validates the result.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// DatabaseDSN returns DATABASE_URL when set, otherwise builds one from the DB_* parts.
func (c *Config) DatabaseDSN() string {
	if c.DatabaseURL != "" {
		return c.DatabaseURL
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.DBUser, c.DBPassword, c.DBHost, c.DBPort, c.DBName, c.DBSSLMode,
	)
}

func (c *Config) Validate() error {
	if c.DBMaxConns <= 0 || c.DBMinConns < 0 || c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("invalid DB_MIN_CONNS/DB_MAX_CONNS")
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("LOG_LEVEL: %w", err)
	}
	if c.LogFormat != "json" && c.LogFormat != "text" {
		return fmt.Errorf("LOG_FORMAT must be json or text, got %q", c.LogFormat)
	}
	if c.RiverMaxWorkers <= 0 {
		return fmt.Errorf("RIVER_MAX_WORKERS must be > 0")
	}
	if c.OutboxRelayInterval <= 0 || c.OutboxRelayBatch <= 0 || c.OutboxMaxRetries <= 0 {
		return fmt.Errorf("OUTBOX_RELAY_INTERVAL, OUTBOX_RELAY_BATCH and OUTBOX_MAX_RETRIES must be > 0")
	}
	if _, err := cron.ParseStandard(c.TimeoutScanSchedule); err != nil {
		return fmt.Errorf("TIMEOUT_SCAN_SCHEDULE: %w", err)
	}
	if c.TimeoutScanBatch <= 0 {
		return fmt.Errorf("TIMEOUT_SCAN_BATCH must be > 0")
	}
	if c.TimeoutLockTTL <= 0 {
		return fmt.Errorf("TIMEOUT_LOCK_TTL must be > 0")
	}
	if c.BalanceCacheTTL <= 0 {
		return fmt.Errorf("BALANCE_CACHE_TTL must be > 0")
	}
	return nil
}

// IsProduction reports whether APP_ENV is production.
func (c *Config) IsProduction() bool {
	return c.AppEnv == "production"
}
