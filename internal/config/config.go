// Package config loads engine configuration from the environment, with an
// optional .env file for development setups.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// Config is the full engine configuration.
type Config struct {
	DataDir           string
	CacheDBPath       string
	ProfileDBPath     string
	ScheduleDBPath    string
	MetricsAddr       string
	LogLevel          string
	MaxConcurrent     int
	AuditBuffer       int
	SchedulerTick     time.Duration
	RetentionDays     int
	CryptoPassphrase  string
	ScreeningDeadline time.Duration
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	dataDir := envString("ELILE_DATA_DIR", "/var/lib/elile")
	return Config{
		DataDir:           dataDir,
		CacheDBPath:       filepath.Join(dataDir, "cache.db"),
		ProfileDBPath:     filepath.Join(dataDir, "profiles.db"),
		ScheduleDBPath:    filepath.Join(dataDir, "schedules.db"),
		MetricsAddr:       envString("ELILE_METRICS_ADDR", ":9101"),
		LogLevel:          envString("ELILE_LOG_LEVEL", "info"),
		MaxConcurrent:     envInt("ELILE_MAX_CONCURRENT_QUERIES", 10),
		AuditBuffer:       envInt("ELILE_AUDIT_BUFFER", 1024),
		SchedulerTick:     envDuration("ELILE_SCHEDULER_TICK", time.Minute),
		RetentionDays:     envInt("ELILE_RETENTION_DAYS", 2555), // seven years
		CryptoPassphrase:  os.Getenv("ELILE_CRYPTO_PASSPHRASE"),
		ScreeningDeadline: envDuration("ELILE_SCREENING_DEADLINE", 30*time.Minute),
	}
}

// Load reads the optional .env file and then the environment.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Debug().Err(err).Msg("No .env file loaded")
	}
	cfg := Default()
	if explicit := os.Getenv("ELILE_CACHE_DB"); explicit != "" {
		cfg.CacheDBPath = explicit
	}
	if explicit := os.Getenv("ELILE_PROFILE_DB"); explicit != "" {
		cfg.ProfileDBPath = explicit
	}
	if explicit := os.Getenv("ELILE_SCHEDULE_DB"); explicit != "" {
		cfg.ScheduleDBPath = explicit
	}
	return cfg, nil
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Warn().Str("key", key).Str("value", v).Msg("Invalid integer in environment, using default")
		return fallback
	}
	return n
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Warn().Str("key", key).Str("value", v).Msg("Invalid duration in environment, using default")
		return fallback
	}
	return d
}
