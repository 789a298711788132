package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	DBSource       string
	Port           string
	Env            string
	IdempotencyTTL time.Duration
	LimitsTimezone string
	SweepInterval  time.Duration
}

func Load() (*Config, error) {
	// Local development convenience; a missing .env is not an error.
	_ = godotenv.Load()

	dbSource := os.Getenv("DB_SOURCE")
	if dbSource == "" {
		return nil, fmt.Errorf("DB_SOURCE environment variable is required")
	}

	cfg := &Config{
		DBSource:       dbSource,
		Port:           envOr("SERVER_PORT", "8080"),
		Env:            envOr("ENVIRONMENT", "development"),
		LimitsTimezone: envOr("LIMITS_TIMEZONE", "Africa/Lagos"),
	}

	var err error
	if cfg.IdempotencyTTL, err = durationOr("IDEMPOTENCY_TTL", 24*time.Hour); err != nil {
		return nil, err
	}
	if cfg.SweepInterval, err = durationOr("IDEMPOTENCY_SWEEP_INTERVAL", time.Hour); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Location resolves the configured day-boundary timezone.
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.LimitsTimezone)
	if err != nil {
		return nil, fmt.Errorf("invalid LIMITS_TIMEZONE %q: %w", c.LimitsTimezone, err)
	}
	return loc, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func durationOr(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	return d, nil
}
