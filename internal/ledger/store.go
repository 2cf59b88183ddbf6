package ledger

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Store is durable keyed storage for accounts, transactions and the
// sub-ledger projection. Every method is atomic on its own. Commit must
// apply the transactions and the projection in one unit, rejecting the
// whole batch when an account is not ACTIVE or a bucket would go negative.
type Store interface {
	CreateAccount(ctx context.Context, acct *TrustAccount) error
	GetAccount(ctx context.Context, id string) (*TrustAccount, error)
	ListAccounts(ctx context.Context, filter AccountFilter) ([]*TrustAccount, error)
	// UpdateAccountDetails changes name and bank metadata only.
	UpdateAccountDetails(ctx context.Context, acct *TrustAccount) error
	// SetAccountStatus moves an account between ACTIVE and INACTIVE.
	// Deactivation fails with ErrOutstandingBalance while any bucket is nonzero.
	SetAccountStatus(ctx context.Context, id string, status AccountStatus, at time.Time) error
	SetIntegrityHold(ctx context.Context, id string, hold bool, at time.Time) error
	RecordStatement(ctx context.Context, id string, balance decimal.Decimal, date time.Time) error

	Commit(ctx context.Context, txns ...*Transaction) error
	GetTransaction(ctx context.Context, id string) (*Transaction, error)
	ListTransactions(ctx context.Context, filter TransactionFilter) ([]*Transaction, error)
	// MarkReconciled flips every id to RECONCILED or none of them.
	MarkReconciled(ctx context.Context, accountID string, ids []string, at time.Time) error

	SubLedgerBalances(ctx context.Context, accountID string) (Balances, error)
	// VerifyBalances returns the projection and a fold of the full history
	// read from one consistent snapshot.
	VerifyBalances(ctx context.Context, accountID string) (cached, folded Balances, err error)
	// RebuildBalances replaces the projection of an account with a fold
	// of its history.
	RebuildBalances(ctx context.Context, accountID string) error

	Close() error
}

// checkReconcileBatch validates a reconciliation batch against the
// current rows. lookup returns nil for unknown ids.
func checkReconcileBatch(accountID string, ids []string, lookup func(id string) *Transaction) error {
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		t := lookup(id)
		if t == nil || t.AccountID != accountID {
			return &ReconcileError{TransactionID: id, Err: ErrTransactionNotFound}
		}
		if _, dup := seen[id]; dup || t.Reconciled() {
			return &ReconcileError{TransactionID: id, Err: ErrAlreadyReconciled}
		}
		seen[id] = struct{}{}
	}
	return nil
}

// checkActive returns the state error for accounts that cannot post:
// INACTIVE accounts and accounts on integrity hold.
func checkActive(acct *TrustAccount) error {
	if !acct.Active() {
		return &AccountStateError{AccountID: acct.ID, Status: acct.Status}
	}
	if acct.IntegrityHold {
		return &AccountStateError{AccountID: acct.ID, Status: acct.Status, Hold: true}
	}
	return nil
}
