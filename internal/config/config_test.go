package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var configKeys = []string{
	"APP_ENV", "STORE_DRIVER", "DATABASE_URL", "SQLITE_PATH", "REDIS_ADDR", "HTTP_ADDR", "GRPC_ADDR",
	"AUDIT_LOG_PATH", "LEDGER_CURRENCY", "STORE_TIMEOUT", "STORE_MAX_ATTEMPTS", "STORE_RETRY_BASE_DELAY",
	"LOCK_TIMEOUT", "JWT_PUBLIC_KEY_FILE", "JWT_ISSUER", "JWT_AUDIENCE", "RATE_LIMIT_CAPACITY",
	"RATE_LIMIT_REFILL_RATE", ConfigFileEnv,
}

// clearEnv blanks every key for the duration of the test.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range configKeys {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "development", cfg.Environment)
	assert.Equal(t, DriverMemory, cfg.StoreDriver)
	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, "USD", cfg.Currency)
	assert.Equal(t, 5*time.Second, cfg.StoreTimeout)
	assert.Equal(t, 10*time.Millisecond, cfg.StoreRetryBaseDelay)
	assert.Equal(t, 3, cfg.StoreMaxAttempts)
	assert.False(t, cfg.RateLimited())
}

func TestLoadFromEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("STORE_DRIVER", "postgres")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DATABASE_URL")

	t.Setenv("DATABASE_URL", "postgres://ledger@localhost:5432/trust")
	t.Setenv("STORE_TIMEOUT", "750ms")
	t.Setenv("REDIS_ADDR", "localhost:6379")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 750*time.Millisecond, cfg.StoreTimeout)
	assert.True(t, cfg.RateLimited())
}

func TestProductionRequirements(t *testing.T) {
	clearEnv(t)
	t.Setenv("APP_ENV", "production")

	_, err := Load()
	require.Error(t, err, "memory store is not allowed in production")

	t.Setenv("STORE_DRIVER", "postgres")
	t.Setenv("DATABASE_URL", "postgres://ledger@db/trust")
	_, err = Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "JWT_PUBLIC_KEY_FILE")
	assert.Contains(t, err.Error(), "AUDIT_LOG_PATH")

	t.Setenv("JWT_PUBLIC_KEY_FILE", "/etc/trust-ledger/jwt.pub")
	t.Setenv("AUDIT_LOG_PATH", "/var/log/trust-ledger/audit.jsonl")
	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, cfg.IsProduction())
}

func TestValidateRejectsBadValues(t *testing.T) {
	base := func() *Config {
		return &Config{
			Environment:      "development",
			StoreDriver:      DriverMemory,
			Currency:         "USD",
			StoreTimeout:     time.Second,
			LockTimeout:      time.Second,
			StoreMaxAttempts: 3,
		}
	}
	require.NoError(t, base().Validate())

	c := base()
	c.StoreDriver = "mongo"
	assert.Error(t, c.Validate())

	c = base()
	c.StoreMaxAttempts = 0
	assert.Error(t, c.Validate())

	c = base()
	c.Currency = "DOLLARS"
	assert.Error(t, c.Validate())
}

func TestLoadConfigFile(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "ledger.yaml")
	require.NoError(t, os.WriteFile(path, []byte("STORE_DRIVER: sqlite\nSQLITE_PATH: /tmp/ledger.db\nLEDGER_CURRENCY: eur\n"), 0o600))
	t.Setenv(ConfigFileEnv, path)
	t.Setenv("LEDGER_CURRENCY", "GBP")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, DriverSQLite, cfg.StoreDriver)
	assert.Equal(t, "/tmp/ledger.db", cfg.SQLitePath)
	assert.Equal(t, "GBP", cfg.Currency, "environment overrides the file")
}
