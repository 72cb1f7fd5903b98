// Package config loads runtime configuration from the environment, with an
// optional .env file for local development.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// Config is the full runtime configuration of the service.
type Config struct {
	Environment string // "development" or "production"
	Port        string
	DBPath      string

	JWTSecret           string
	FincraWebhookSecret string
	KrakenWebhookSecret string

	LockTTL                  time.Duration
	LockWait                 time.Duration
	OperationTimeout         time.Duration
	IdempotencyTTL           time.Duration
	UnderpaymentTolerancePct decimal.Decimal
	FuzzyMatchTolerance      decimal.Decimal
	FuzzyMatchWindow         time.Duration

	SweeperInterval time.Duration
}

// Load reads configuration from the environment. In production every signing
// secret is mandatory: running with an unverifiable webhook ingress is worse
// than not starting.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Debug().Msg("no .env file found, using environment only")
	}

	cfg := &Config{
		Environment:         getEnv("ENVIRONMENT", "development"),
		Port:                getEnv("PORT", "8080"),
		DBPath:              getEnv("DB_PATH", "lockbay.db"),
		JWTSecret:           os.Getenv("JWT_SECRET"),
		FincraWebhookSecret: os.Getenv("FINCRA_WEBHOOK_SECRET"),
		KrakenWebhookSecret: os.Getenv("KRAKEN_WEBHOOK_SECRET"),

		LockTTL:                  getDuration("LOCK_TTL", 30*time.Second),
		LockWait:                 getDuration("LOCK_WAIT", 2*time.Second),
		OperationTimeout:         getDuration("OPERATION_TIMEOUT", 30*time.Second),
		IdempotencyTTL:           getDuration("IDEMPOTENCY_TTL", 24*time.Hour),
		UnderpaymentTolerancePct: getDecimal("UNDERPAYMENT_TOLERANCE_PCT", decimal.Zero),
		FuzzyMatchTolerance:      getDecimal("FUZZY_MATCH_TOLERANCE", decimal.Zero),
		FuzzyMatchWindow:         getDuration("FUZZY_MATCH_WINDOW", 2*time.Hour),

		SweeperInterval: getDuration("SWEEPER_INTERVAL", time.Minute),
	}

	if cfg.Environment == "production" {
		if err := cfg.requireSecrets(); err != nil {
			return nil, err
		}
	} else {
		cfg.applyDevDefaults()
	}

	return cfg, nil
}

func (c *Config) requireSecrets() error {
	missing := []string{}
	if c.JWTSecret == "" {
		missing = append(missing, "JWT_SECRET")
	}
	if c.FincraWebhookSecret == "" {
		missing = append(missing, "FINCRA_WEBHOOK_SECRET")
	}
	if c.KrakenWebhookSecret == "" {
		missing = append(missing, "KRAKEN_WEBHOOK_SECRET")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required secrets in production: %v", missing)
	}
	return nil
}

func (c *Config) applyDevDefaults() {
	if c.JWTSecret == "" {
		c.JWTSecret = "dev-jwt-secret"
	}
	if c.FincraWebhookSecret == "" {
		c.FincraWebhookSecret = "dev-fincra-secret"
	}
	if c.KrakenWebhookSecret == "" {
		c.KrakenWebhookSecret = "dev-kraken-secret"
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Warn().Str("key", key).Str("value", v).Msg("invalid duration, using default")
		return fallback
	}
	return d
}

func getDecimal(key string, fallback decimal.Decimal) decimal.Decimal {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		log.Warn().Str("key", key).Str("value", v).Msg("invalid decimal, using default")
		return fallback
	}
	return d
}
