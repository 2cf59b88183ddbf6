package ledger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/example/trust-ledger/internal/money"
)

// Options configures a Service. Zero values select in-process defaults.
type Options struct {
	Logger *slog.Logger
	Locker Locker
	Events EventSink
	Retry  RetryPolicy
	// Currency is assigned to accounts created without one.
	Currency    money.Currency
	LockTimeout time.Duration
	Clock       func() time.Time
}

// Service is the ledger's operation set: account lifecycle, postings,
// queries, balances and reconciliation.
type Service struct {
	*AccountManager
	*Engine
	*Reconciler
	*Calculator

	store Store
}

// core is the state every component shares.
type core struct {
	store    Store
	retry    RetryPolicy
	calc     *Calculator
	logger   *slog.Logger
	events   emitter
	now      func() time.Time
	currency money.Currency
}

func NewService(store Store, opts Options) *Service {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.Locker == nil {
		opts.Locker = NewKeyedLocker()
	}
	if opts.Events == nil {
		opts.Events = nopSink{}
	}
	if opts.Currency.Code == "" {
		opts.Currency = money.MustCurrency("USD")
	}
	if opts.LockTimeout <= 0 {
		opts.LockTimeout = 5 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = func() time.Time { return time.Now().UTC() }
	}
	opts.Retry = opts.Retry.withDefaults()
	if opts.Retry.Logger == nil {
		opts.Retry.Logger = opts.Logger
	}

	calc := NewCalculator(store, opts.Retry)
	c := &core{
		store:    store,
		retry:    opts.Retry,
		calc:     calc,
		logger:   opts.Logger,
		events:   emitter{sink: opts.Events, logger: opts.Logger, now: opts.Clock},
		now:      opts.Clock,
		currency: opts.Currency,
	}

	return &Service{
		AccountManager: &AccountManager{core: c},
		Engine:         &Engine{core: c, locker: opts.Locker, lockTimeout: opts.LockTimeout},
		Reconciler:     &Reconciler{core: c},
		Calculator:     calc,
		store:          store,
	}
}

// Close releases the underlying store.
func (s *Service) Close() error { return s.store.Close() }

func (c *core) loadAccount(ctx context.Context, id string) (*TrustAccount, error) {
	if id == "" {
		return nil, invalidf("account id is required")
	}
	var acct *TrustAccount
	err := c.retry.Do(ctx, "load account", func(ctx context.Context) error {
		a, err := c.store.GetAccount(ctx, id)
		acct = a
		return err
	})
	if err != nil {
		return nil, err
	}
	return acct, nil
}

// accountCurrency resolves the currency rules of an account.
func (c *core) accountCurrency(acct *TrustAccount) (money.Currency, error) {
	cur, err := money.CurrencyOf(acct.Currency)
	if err != nil {
		return money.Currency{}, fmt.Errorf("account %s: %w", acct.ID, err)
	}
	return cur, nil
}

type actorKey struct{}

// WithActor attaches the acting user to ctx. Operations that do not take
// an explicit creator record this id.
func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

// ActorFrom returns the acting user attached by WithActor.
func ActorFrom(ctx context.Context) string {
	a, _ := ctx.Value(actorKey{}).(string)
	return a
}

func actorOr(ctx context.Context, explicit string) string {
	if explicit != "" {
		return explicit
	}
	return ActorFrom(ctx)
}
