// Package config loads service configuration from the environment.
// A .env file in the working directory is read first when present.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config is the full configuration of ledgerd and ledger-worker.
type Config struct {
	Env     string
	Server  ServerConfig
	Meta    MetaConfig
	Tenants TenantsConfig
	Redis   RedisConfig
	Ledger  LedgerConfig
	Worker  WorkerConfig
	Log     LogConfig
}

type ServerConfig struct {
	Port               string
	GinMode            string
	ReadTimeout        time.Duration
	WriteTimeout       time.Duration
	ShutdownTimeout    time.Duration
	IdempotencyEnabled bool
	IdempotencyTTL     time.Duration
}

// MetaConfig points at the meta-database holding tenants and pharmacies.
type MetaConfig struct {
	DatabaseURL string
}

type TenantsConfig struct {
	DBUser          string
	DBPassword      string
	MaxPools        int
	MaxConnsPerPool int32
	PoolIdleTimeout time.Duration
	PrewarmPools    bool
}

// RedisConfig is optional: an empty URL disables the summary cache.
type RedisConfig struct {
	URL        string
	Password   string
	DB         int
	SummaryTTL time.Duration
}

type LedgerConfig struct {
	ReservationTTL      time.Duration
	RetryAttempts       int
	RetryBackoff        time.Duration
	TransferCompression int // bytes
}

type WorkerConfig struct {
	OutboxInterval      time.Duration
	OutboxBatchSize     int
	ReservationInterval time.Duration
	ReservationBatch    int
	ExpiryInterval      time.Duration
}

type LogConfig struct {
	Level string
}

// Development reports whether the service runs with developer defaults.
func (c *Config) Development() bool {
	return c.Env == "development"
}

// Load reads configuration. Missing required variables are reported together.
func Load() (*Config, error) {
	// The .env file is optional.
	_ = godotenv.Load()

	var missing []string
	required := func(key string) string {
		v := os.Getenv(key)
		if v == "" {
			missing = append(missing, key)
		}
		return v
	}

	cfg := &Config{
		Env: getEnv("APP_ENV", "development"),
		Server: ServerConfig{
			Port:               getEnv("APP_PORT", "8080"),
			GinMode:            getEnv("GIN_MODE", "release"),
			ReadTimeout:        getEnvDuration("HTTP_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:       getEnvDuration("HTTP_WRITE_TIMEOUT", 30*time.Second),
			ShutdownTimeout:    getEnvDuration("HTTP_SHUTDOWN_TIMEOUT", 30*time.Second),
			IdempotencyEnabled: getEnvBool("IDEMPOTENCY_ENABLED", false),
			IdempotencyTTL:     getEnvDuration("IDEMPOTENCY_TTL", 24*time.Hour),
		},
		Meta: MetaConfig{
			DatabaseURL: required("META_DATABASE_URL"),
		},
		Tenants: TenantsConfig{
			DBUser:          required("TENANT_DB_USER"),
			DBPassword:      required("TENANT_DB_PASSWORD"),
			MaxPools:        getEnvInt("TENANT_MAX_POOLS", 100),
			MaxConnsPerPool: int32(getEnvInt("TENANT_MAX_CONNS_PER_POOL", 10)),
			PoolIdleTimeout: getEnvDuration("TENANT_POOL_IDLE_TIMEOUT", 30*time.Minute),
			PrewarmPools:    getEnvBool("PREWARM_POOLS", false),
		},
		Redis: RedisConfig{
			URL:        getEnv("REDIS_URL", ""),
			Password:   getEnv("REDIS_PASSWORD", ""),
			DB:         getEnvInt("REDIS_DB", 0),
			SummaryTTL: getEnvDuration("SUMMARY_CACHE_TTL", 5*time.Minute),
		},
		Ledger: LedgerConfig{
			ReservationTTL:      getEnvDuration("RESERVATION_TTL", 0),
			RetryAttempts:       getEnvInt("LEDGER_RETRY_ATTEMPTS", 3),
			RetryBackoff:        getEnvDuration("LEDGER_RETRY_BACKOFF", 20*time.Millisecond),
			TransferCompression: getEnvInt("TRANSFER_COMPRESS_THRESHOLD", 4*1024),
		},
		Worker: WorkerConfig{
			OutboxInterval:      getEnvDuration("OUTBOX_INTERVAL", 5*time.Second),
			OutboxBatchSize:     getEnvInt("OUTBOX_BATCH_SIZE", 100),
			ReservationInterval: getEnvDuration("RESERVATION_SWEEP_INTERVAL", time.Minute),
			ReservationBatch:    getEnvInt("RESERVATION_SWEEP_BATCH", 200),
			ExpiryInterval:      getEnvDuration("EXPIRY_REFRESH_INTERVAL", 24*time.Hour),
		},
		Log: LogConfig{
			Level: getEnv("LOG_LEVEL", "info"),
		},
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables not set: %s", strings.Join(missing, ", "))
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	var errs []error
	if c.Ledger.RetryAttempts < 1 {
		errs = append(errs, errors.New("LEDGER_RETRY_ATTEMPTS must be at least 1"))
	}
	if c.Ledger.ReservationTTL < 0 {
		errs = append(errs, errors.New("RESERVATION_TTL must not be negative"))
	}
	if c.Worker.OutboxBatchSize < 1 {
		errs = append(errs, errors.New("OUTBOX_BATCH_SIZE must be positive"))
	}
	if c.Worker.OutboxInterval <= 0 || c.Worker.ReservationInterval <= 0 || c.Worker.ExpiryInterval <= 0 {
		errs = append(errs, errors.New("worker intervals must be positive"))
	}
	return errors.Join(errs...)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
