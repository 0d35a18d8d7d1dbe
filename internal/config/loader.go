package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is the path checked for YAML configuration.
const DefaultConfigFile = "memforge.yaml"

// Load returns a Config using the hierarchy: defaults < YAML < ENV.
// The YAML file is optional; a missing file is not an error.
func Load() (*Config, error) {
	return LoadFrom(DefaultConfigFile)
}

// LoadFrom returns a Config loaded from the given YAML path using the
// hierarchy: defaults < YAML < ENV. The YAML file is optional.
func LoadFrom(yamlPath string) (*Config, error) {
	cfg := Defaults()

	if err := loadYAML(&cfg, yamlPath); err != nil {
		return nil, fmt.Errorf("config yaml: %w", err)
	}

	loadEnv(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validate: %w", err)
	}

	return &cfg, nil
}

// loadYAML reads the YAML file and unmarshals it over cfg.
// Returns nil if the file does not exist.
func loadYAML(cfg *Config, path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path is validated by caller
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	return nil
}

// loadEnv overlays environment variables onto cfg.
// Only non-empty env values override the current config.
func loadEnv(cfg *Config) {
	setString(&cfg.Server.Port, "MEMFORGE_PORT")
	setString(&cfg.Postgres.DSN, "DATABASE_URL")
	setInt32(&cfg.Postgres.MaxConns, "MEMFORGE_PG_MAX_CONNS")
	setInt32(&cfg.Postgres.MinConns, "MEMFORGE_PG_MIN_CONNS")
	setDuration(&cfg.Postgres.MaxConnLifetime, "MEMFORGE_PG_MAX_CONN_LIFETIME")
	setDuration(&cfg.Postgres.MaxConnIdleTime, "MEMFORGE_PG_MAX_CONN_IDLE_TIME")
	setDuration(&cfg.Postgres.HealthCheck, "MEMFORGE_PG_HEALTH_CHECK")
	setString(&cfg.Redis.Addr, "REDIS_ADDR")
	setString(&cfg.Redis.Password, "REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "REDIS_DB")
	setString(&cfg.NATS.URL, "NATS_URL")
	setString(&cfg.NATS.Bucket, "MEMFORGE_NATS_BUCKET")
	setString(&cfg.Logging.Level, "MEMFORGE_LOG_LEVEL")
	setString(&cfg.Logging.Service, "MEMFORGE_LOG_SERVICE")
	setBool(&cfg.Logging.Async, "MEMFORGE_LOG_ASYNC")
	setInt(&cfg.Breaker.MaxFailures, "MEMFORGE_BREAKER_MAX_FAILURES")
	setDuration(&cfg.Breaker.Timeout, "MEMFORGE_BREAKER_TIMEOUT")
	setString(&cfg.Otel.Endpoint, "OTEL_EXPORTER_OTLP_ENDPOINT")

	setInt(&cfg.Cache.L1.MaxEntries, "MEMFORGE_CACHE_L1_MAX_ENTRIES")
	setDuration(&cfg.Cache.L1.TTL, "MEMFORGE_CACHE_L1_TTL")
	setString(&cfg.Cache.L2.Backend, "MEMFORGE_CACHE_L2_BACKEND")
	setDuration(&cfg.Cache.L2.TTL, "MEMFORGE_CACHE_L2_TTL")
	setString(&cfg.Cache.L2.Prefix, "MEMFORGE_CACHE_L2_PREFIX")
	setDuration(&cfg.Cache.L3.TTL, "MEMFORGE_CACHE_L3_TTL")
	setBool(&cfg.Cache.Broadcast, "MEMFORGE_CACHE_BROADCAST")
	setDuration(&cfg.Cache.Timeout, "MEMFORGE_CACHE_TIMEOUT")
}

// validate rejects configurations the engine cannot run with.
func validate(cfg *Config) error {
	if cfg.Cache.L1.MaxEntries <= 0 {
		return fmt.Errorf("cache.l1.max_entries must be positive, got %d", cfg.Cache.L1.MaxEntries)
	}
	switch cfg.Cache.L2.Backend {
	case "redis", "nats", "none":
	default:
		return fmt.Errorf("cache.l2.backend must be redis, nats or none, got %q", cfg.Cache.L2.Backend)
	}
	if cfg.Cache.Timeout <= 0 {
		return fmt.Errorf("cache.timeout must be positive, got %s", cfg.Cache.Timeout)
	}
	return nil
}

func setString(dst *string, key string) {
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

func setInt32(dst *int32, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 32); err == nil {
			*dst = int32(n)
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

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
