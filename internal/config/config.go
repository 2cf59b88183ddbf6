package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the application configuration.
type Config struct {
	Environment string
	StoreDriver string
	DatabaseURL string
	SQLitePath  string
	RedisAddr   string
	HTTPAddr    string
	GRPCAddr    string
	AuditLog    string
	Currency    string

	StoreTimeout        time.Duration
	StoreMaxAttempts    int
	StoreRetryBaseDelay time.Duration
	LockTimeout         time.Duration

	JWTPublicKeyFile string
	JWTIssuer        string
	JWTAudience      string

	RateLimitCapacity   int
	RateLimitRefillRate float64
}

const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// ConfigFileEnv names an optional config file read before the environment.
const ConfigFileEnv = "TRUST_LEDGER_CONFIG"

func defaults(v *viper.Viper) {
	v.SetDefault("APP_ENV", "development")
	v.SetDefault("STORE_DRIVER", DriverMemory)
	v.SetDefault("SQLITE_PATH", "trust-ledger.db")
	v.SetDefault("HTTP_ADDR", ":8080")
	v.SetDefault("GRPC_ADDR", ":9090")
	v.SetDefault("LEDGER_CURRENCY", "USD")
	v.SetDefault("STORE_TIMEOUT", "5s")
	v.SetDefault("STORE_MAX_ATTEMPTS", 3)
	v.SetDefault("STORE_RETRY_BASE_DELAY", "10ms")
	v.SetDefault("LOCK_TIMEOUT", "5s")
	v.SetDefault("RATE_LIMIT_CAPACITY", 50)
	v.SetDefault("RATE_LIMIT_REFILL_RATE", 10.0)
}

// Load reads configuration from the environment, optionally layered over
// the file named by TRUST_LEDGER_CONFIG, and validates it.
func Load() (*Config, error) {
	v := viper.New()
	defaults(v)
	v.AutomaticEnv()

	if path := v.GetString(ConfigFileEnv); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	cfg := &Config{
		Environment:         strings.ToLower(v.GetString("APP_ENV")),
		StoreDriver:         strings.ToLower(v.GetString("STORE_DRIVER")),
		DatabaseURL:         v.GetString("DATABASE_URL"),
		SQLitePath:          v.GetString("SQLITE_PATH"),
		RedisAddr:           v.GetString("REDIS_ADDR"),
		HTTPAddr:            v.GetString("HTTP_ADDR"),
		GRPCAddr:            v.GetString("GRPC_ADDR"),
		AuditLog:            v.GetString("AUDIT_LOG_PATH"),
		Currency:            strings.ToUpper(v.GetString("LEDGER_CURRENCY")),
		StoreTimeout:        v.GetDuration("STORE_TIMEOUT"),
		StoreMaxAttempts:    v.GetInt("STORE_MAX_ATTEMPTS"),
		StoreRetryBaseDelay: v.GetDuration("STORE_RETRY_BASE_DELAY"),
		LockTimeout:         v.GetDuration("LOCK_TIMEOUT"),
		JWTPublicKeyFile:    v.GetString("JWT_PUBLIC_KEY_FILE"),
		JWTIssuer:           v.GetString("JWT_ISSUER"),
		JWTAudience:         v.GetString("JWT_AUDIENCE"),
		RateLimitCapacity:   v.GetInt("RATE_LIMIT_CAPACITY"),
		RateLimitRefillRate: v.GetFloat64("RATE_LIMIT_REFILL_RATE"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	var missing []string

	switch c.StoreDriver {
	case DriverMemory:
	case DriverSQLite:
		if c.SQLitePath == "" {
			missing = append(missing, "SQLITE_PATH")
		}
	case DriverPostgres:
		if c.DatabaseURL == "" {
			missing = append(missing, "DATABASE_URL")
		}
	default:
		return fmt.Errorf("STORE_DRIVER must be one of memory, sqlite, postgres; got %q", c.StoreDriver)
	}

	if len(missing) > 0 {
		return errors.New("missing required environment variables: " + strings.Join(missing, ", "))
	}

	if c.StoreTimeout <= 0 || c.LockTimeout <= 0 {
		return errors.New("STORE_TIMEOUT and LOCK_TIMEOUT must be positive durations")
	}
	if c.StoreMaxAttempts < 1 {
		return errors.New("STORE_MAX_ATTEMPTS must be at least 1")
	}
	if len(c.Currency) != 3 {
		return errors.New("LEDGER_CURRENCY must be a 3-letter ISO 4217 code")
	}

	// Production deployments keep durable state, verify callers and keep
	// an audit trail.
	if c.IsProduction() {
		if c.StoreDriver != DriverPostgres {
			return errors.New("STORE_DRIVER must be postgres in " + c.Environment)
		}
		if c.JWTPublicKeyFile == "" {
			missing = append(missing, "JWT_PUBLIC_KEY_FILE")
		}
		if c.AuditLog == "" {
			missing = append(missing, "AUDIT_LOG_PATH")
		}
		if len(missing) > 0 {
			return errors.New("missing required environment variables for " + c.Environment + ": " + strings.Join(missing, ", "))
		}
	}

	return nil
}

// IsProduction reports production-like environments.
func (c *Config) IsProduction() bool {
	return c.Environment == "production" || c.Environment == "staging"
}

// RateLimited reports whether the Redis rate limiter should be installed.
func (c *Config) RateLimited() bool {
	return c.RedisAddr != "" && c.RateLimitCapacity > 0
}
