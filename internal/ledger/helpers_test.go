package ledger

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func uid(prefix string) string { return prefix + "-" + uuid.NewString()[:8] }

func testAccount(id string) *TrustAccount {
	return &TrustAccount{
		ID:        id,
		Name:      "Client Trust " + id,
		Bank:      BankDetails{BankName: "First Fiduciary", RoutingNumber: "021000021", AccountNumber: "000123456789"},
		Currency:  "USD",
		Status:    AccountActive,
		CreatedBy: "tester",
		CreatedAt: t0,
		UpdatedAt: t0,
	}
}

func testTxn(accountID string, a Attribution, typ TransactionType, amount string, at time.Time) *Transaction {
	return &Transaction{
		ID:            uuid.NewString(),
		AccountID:     accountID,
		Attribution:   a,
		Type:          typ,
		Amount:        dec(amount),
		EffectiveDate: at,
		Description:   string(typ),
		Status:        StatusUnreconciled,
		CreatedBy:     "tester",
		CreatedAt:     at,
	}
}

type backend struct {
	name string
	open func(t *testing.T) Store
}

// backends lists every store implementation. Postgres joins the list when
// TRUST_LEDGER_TEST_DATABASE_URL points at a scratch database.
func backends() []backend {
	out := []backend{
		{name: "memory", open: func(t *testing.T) Store { return NewMemoryStore() }},
		{name: "sqlite", open: openTestSQLite},
	}
	if os.Getenv("TRUST_LEDGER_TEST_DATABASE_URL") != "" {
		out = append(out, backend{name: "postgres", open: openTestPostgres})
	}
	return out
}

func openTestSQLite(t *testing.T) Store {
	t.Helper()
	db, err := OpenSQLite(":memory:")
	require.NoError(t, err)
	store := NewSQLiteStore(db)
	require.NoError(t, store.Migrate(context.Background()))
	t.Cleanup(func() { store.Close() })
	return store
}

func openTestPostgres(t *testing.T) Store {
	t.Helper()
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, os.Getenv("TRUST_LEDGER_TEST_DATABASE_URL"))
	require.NoError(t, err)
	require.NoError(t, pool.Ping(ctx))
	store := NewPostgresStore(pool)
	require.NoError(t, store.Migrate(ctx))
	t.Cleanup(pool.Close)
	return store
}

func newTestService(t *testing.T, store Store, opts ...func(*Options)) (*Service, *MemorySink) {
	t.Helper()
	sink := &MemorySink{}
	o := Options{
		Events: sink,
		Retry:  RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Timeout: 5 * time.Second},
	}
	for _, fn := range opts {
		fn(&o)
	}
	return NewService(store, o), sink
}

func mustCreateAccount(t *testing.T, svc *Service, id string) *TrustAccount {
	t.Helper()
	acct, err := svc.CreateAccount(context.Background(), CreateAccountRequest{
		ID:        id,
		Name:      "Trust " + id,
		CreatedBy: "tester",
	})
	require.NoError(t, err)
	return acct
}

func mustDeposit(t *testing.T, svc *Service, accountID, clientID, amount string) *Transaction {
	t.Helper()
	txn, err := svc.RecordDeposit(context.Background(), DepositRequest{
		AccountID: accountID,
		ClientID:  clientID,
		Amount:    dec(amount),
		CreatedBy: "tester",
	})
	require.NoError(t, err)
	return txn
}
