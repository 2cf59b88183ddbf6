package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Reconciler marks transactions as matched against a bank statement and
// runs the conservation-of-funds self-check.
type Reconciler struct {
	*core
}

// ReconcileResult describes a committed reconciliation batch.
type ReconcileResult struct {
	AccountID      string    `json:"account_id"`
	TransactionIDs []string  `json:"transaction_ids"`
	ReconciledAt   time.Time `json:"reconciled_at"`
	Balanced       bool      `json:"balanced"`
}

// UnreconciledTransactions returns every UNRECONCILED transaction of the
// account ordered by effective date, then id.
func (r *Reconciler) UnreconciledTransactions(ctx context.Context, accountID string) ([]*Transaction, error) {
	if _, err := r.loadAccount(ctx, accountID); err != nil {
		return nil, err
	}
	return r.list(ctx, "list unreconciled transactions", TransactionFilter{
		AccountID: accountID,
		Status:    StatusUnreconciled,
	})
}

// Reconcile flips every id in the batch to RECONCILED, or none of them,
// then validates the account. A failed validation does not undo the
// batch: the result reports Balanced=false alongside the mismatch error.
func (r *Reconciler) Reconcile(ctx context.Context, accountID string, ids []string, reconciliationDate time.Time) (*ReconcileResult, error) {
	if len(ids) == 0 {
		return nil, invalidf("at least one transaction id is required")
	}
	if reconciliationDate.IsZero() {
		return nil, invalidf("reconciliation date is required")
	}
	if _, err := r.loadAccount(ctx, accountID); err != nil {
		return nil, err
	}

	at := reconciliationDate.UTC()
	err := r.retry.Do(ctx, "reconcile batch", func(ctx context.Context) error {
		return r.store.MarkReconciled(ctx, accountID, ids, at)
	})
	if err != nil {
		return nil, err
	}

	r.logger.Info("reconciliation batch committed",
		"account_id", accountID,
		"count", len(ids),
		"reconciled_at", at,
	)
	r.events.emit(ctx, Event{
		Type:           EventReconciled,
		AccountID:      accountID,
		TransactionIDs: append([]string(nil), ids...),
		Actor:          ActorFrom(ctx),
		Detail:         map[string]string{"reconciled_at": at.Format(time.RFC3339)},
	})

	result := &ReconcileResult{
		AccountID:      accountID,
		TransactionIDs: append([]string(nil), ids...),
		ReconciledAt:   at,
	}
	ok, err := r.ValidateAccountBalance(ctx, accountID)
	result.Balanced = ok
	return result, err
}

// RecordStatementBalance stores the externally supplied bank statement
// balance that ValidateAccountBalance compares against.
func (r *Reconciler) RecordStatementBalance(ctx context.Context, accountID string, balance decimal.Decimal, statementDate time.Time) error {
	if statementDate.IsZero() {
		return invalidf("statement date is required")
	}
	if balance.IsNegative() {
		return invalidf("statement balance must not be negative")
	}
	acct, err := r.loadAccount(ctx, accountID)
	if err != nil {
		return err
	}
	cur, err := r.accountCurrency(acct)
	if err != nil {
		return err
	}
	if err := cur.CheckScale(balance); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	date := statementDate.UTC()
	err = r.retry.Do(ctx, "record statement balance", func(ctx context.Context) error {
		return r.store.RecordStatement(ctx, accountID, balance, date)
	})
	if err != nil {
		return err
	}
	r.events.emit(ctx, Event{
		Type:      EventStatementRecorded,
		AccountID: accountID,
		Actor:     ActorFrom(ctx),
		Detail: map[string]string{
			"balance":        cur.String(balance),
			"statement_date": date.Format(time.RFC3339),
		},
	})
	return nil
}

// ValidateAccountBalance is the conservation-of-funds self-check. It
// returns true when the projection agrees with the history, no bucket is
// negative, and, if a statement balance is recorded, the account total as
// of the statement date equals it at currency precision. Any mismatch is
// logged at error level, emitted, and puts the account on integrity hold.
func (r *Reconciler) ValidateAccountBalance(ctx context.Context, accountID string) (bool, error) {
	acct, err := r.loadAccount(ctx, accountID)
	if err != nil {
		return false, err
	}
	cur, err := r.accountCurrency(acct)
	if err != nil {
		return false, err
	}

	cached, _, err := r.calc.VerifyProjection(ctx, accountID)
	var mismatch *BalanceMismatchError
	if err != nil && !errors.As(err, &mismatch) {
		return false, err
	}

	if mismatch == nil {
		if neg := cached.Negative(); len(neg) > 0 {
			mismatch = &BalanceMismatchError{
				AccountID: accountID,
				Check:     "non-negative " + attributionFromBucket(neg[0]).String(),
				Expected:  decimal.Zero,
				Actual:    cached[neg[0]],
			}
		}
	}

	if mismatch == nil && acct.StatementBalance != nil && acct.StatementDate != nil {
		total, err := r.calc.AccountTotalClientBalances(ctx, accountID, AsOf(*acct.StatementDate))
		if err != nil {
			return false, err
		}
		if !cur.Equal(total, *acct.StatementBalance) {
			mismatch = &BalanceMismatchError{
				AccountID: accountID,
				Check:     "statement",
				Expected:  *acct.StatementBalance,
				Actual:    total,
			}
		}
	}

	if mismatch != nil {
		r.raiseMismatch(ctx, mismatch)
		return false, mismatch
	}
	return true, nil
}

func (r *Reconciler) raiseMismatch(ctx context.Context, m *BalanceMismatchError) {
	r.logger.Error("balance mismatch detected, placing account on integrity hold",
		"account_id", m.AccountID,
		"check", m.Check,
		"expected", m.Expected.String(),
		"actual", m.Actual.String(),
	)
	err := r.retry.Do(ctx, "set integrity hold", func(ctx context.Context) error {
		return r.store.SetIntegrityHold(ctx, m.AccountID, true, r.now())
	})
	if err != nil {
		r.logger.Error("failed to set integrity hold", "account_id", m.AccountID, "error", err)
	}
	r.events.emit(ctx, Event{
		Type:      EventBalanceMismatch,
		AccountID: m.AccountID,
		Actor:     ActorFrom(ctx),
		Detail: map[string]string{
			"check":    m.Check,
			"expected": m.Expected.String(),
			"actual":   m.Actual.String(),
		},
	})
}

// ClearIntegrityHold lets an account post again after an operator has
// investigated a mismatch.
func (r *Reconciler) ClearIntegrityHold(ctx context.Context, accountID string) error {
	acct, err := r.loadAccount(ctx, accountID)
	if err != nil {
		return err
	}
	if !acct.IntegrityHold {
		return nil
	}
	err = r.retry.Do(ctx, "clear integrity hold", func(ctx context.Context) error {
		return r.store.SetIntegrityHold(ctx, accountID, false, r.now())
	})
	if err != nil {
		return err
	}
	r.logger.Warn("integrity hold cleared", "account_id", accountID, "actor", ActorFrom(ctx))
	r.events.emit(ctx, Event{Type: EventIntegrityHoldCleared, AccountID: accountID, Actor: ActorFrom(ctx)})
	return nil
}

// RebuildBalances replaces the account's projection with a replay of its
// history.
func (r *Reconciler) RebuildBalances(ctx context.Context, accountID string) error {
	if _, err := r.loadAccount(ctx, accountID); err != nil {
		return err
	}
	err := r.retry.Do(ctx, "rebuild balances", func(ctx context.Context) error {
		return r.store.RebuildBalances(ctx, accountID)
	})
	if err != nil {
		var mismatch *BalanceMismatchError
		if errors.As(err, &mismatch) {
			r.raiseMismatch(ctx, mismatch)
		}
		return err
	}
	r.logger.Info("projection rebuilt", "account_id", accountID)
	r.events.emit(ctx, Event{Type: EventProjectionRebuilt, AccountID: accountID, Actor: ActorFrom(ctx)})
	return nil
}
