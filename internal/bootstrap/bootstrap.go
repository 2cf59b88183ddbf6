// Package bootstrap assembles a ledger service from configuration. Both
// binaries share it.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/example/trust-ledger/internal/config"
	"github.com/example/trust-ledger/internal/ledger"
	"github.com/example/trust-ledger/internal/money"
	"github.com/example/trust-ledger/pkg/audit"
)

type migrator interface {
	Migrate(ctx context.Context) error
}

// Runtime owns the resources behind a Service.
type Runtime struct {
	Config  *config.Config
	Logger  *slog.Logger
	Store   ledger.Store
	Redis   *redis.Client
	Audit   *audit.ChainLogger
	Service *ledger.Service

	closers []func() error
}

// OpenStore connects the configured store without migrating it.
func OpenStore(ctx context.Context, cfg *config.Config) (ledger.Store, error) {
	switch cfg.StoreDriver {
	case config.DriverMemory:
		return ledger.NewMemoryStore(), nil
	case config.DriverSQLite:
		db, err := ledger.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		return ledger.NewSQLiteStore(db), nil
	case config.DriverPostgres:
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to create postgres pool: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("failed to reach postgres: %w", err)
		}
		return ledger.NewPostgresStore(pool), nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
}

// Migrate applies the schema for stores that have one.
func Migrate(ctx context.Context, store ledger.Store) error {
	if m, ok := store.(migrator); ok {
		return m.Migrate(ctx)
	}
	return nil
}

// New opens the store, applies migrations and wires the locker, the audit
// chain and the service.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Runtime, error) {
	rt := &Runtime{Config: cfg, Logger: logger}

	cur, err := money.CurrencyOf(cfg.Currency)
	if err != nil {
		return nil, err
	}

	store, err := OpenStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	rt.Store = store
	rt.closers = append(rt.closers, store.Close)
	if err := Migrate(ctx, store); err != nil {
		rt.Close()
		return nil, fmt.Errorf("failed to migrate %s store: %w", cfg.StoreDriver, err)
	}

	opts := ledger.Options{
		Logger:      logger,
		Currency:    cur,
		LockTimeout: cfg.LockTimeout,
		Retry: ledger.RetryPolicy{
			MaxAttempts: cfg.StoreMaxAttempts,
			BaseDelay:   cfg.StoreRetryBaseDelay,
			Timeout:     cfg.StoreTimeout,
			Logger:      logger,
		},
	}

	if cfg.RedisAddr != "" {
		rt.Redis = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		rt.closers = append(rt.closers, rt.Redis.Close)
		if err := rt.Redis.Ping(ctx).Err(); err != nil {
			rt.Close()
			return nil, fmt.Errorf("failed to reach redis: %w", err)
		}
		opts.Locker = ledger.NewRedisLocker(rt.Redis)
	} else if cfg.StoreDriver == config.DriverPostgres {
		logger.Warn("REDIS_ADDR not set, sub-ledger locks are per process")
	}

	if cfg.AuditLog != "" {
		chain, f, err := audit.OpenFile(cfg.AuditLog)
		if err != nil {
			rt.Close()
			return nil, err
		}
		rt.Audit = chain
		rt.closers = append(rt.closers, f.Close)
		opts.Events = ledger.NewAuditSink(chain)
	}

	rt.Service = ledger.NewService(store, opts)
	return rt, nil
}

// Close releases resources in reverse order of acquisition.
func (rt *Runtime) Close() error {
	var errs []error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	rt.closers = nil
	return errors.Join(errs...)
}
