package ledger

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	ErrInvalidAccountState = errors.New("invalid account state")
	ErrInsufficientFunds   = errors.New("insufficient funds")
	ErrOutstandingBalance  = errors.New("outstanding client balance")
	ErrTransactionNotFound = errors.New("transaction not found")
	ErrAlreadyReconciled   = errors.New("transaction already reconciled")
	ErrBalanceMismatch     = errors.New("balance mismatch")
	ErrPersistenceFailure  = errors.New("persistence failure")
	ErrAccountNotFound     = errors.New("account not found")
	ErrAccountExists       = errors.New("account already exists")
	ErrInvalidRequest      = errors.New("invalid request")
	// ErrDuplicateTransaction means a transaction id is already stored.
	ErrDuplicateTransaction = errors.New("duplicate transaction id")
)

// InsufficientFundsError reports the balance a rejected withdrawal saw.
type InsufficientFundsError struct {
	AccountID string
	Bucket    Attribution
	Balance   decimal.Decimal
	Requested decimal.Decimal
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds in account %s for %s: have %s, need %s",
		e.AccountID, e.Bucket, e.Balance.String(), e.Requested.String())
}

func (e *InsufficientFundsError) Unwrap() error { return ErrInsufficientFunds }

// AccountStateError reports an operation against an account that cannot take it.
type AccountStateError struct {
	AccountID string
	Status    AccountStatus
	Hold      bool
}

func (e *AccountStateError) Error() string {
	if e.Hold {
		return fmt.Sprintf("account %s is on integrity hold", e.AccountID)
	}
	return fmt.Sprintf("account %s is %s", e.AccountID, e.Status)
}

// Unwrap matches ErrInvalidAccountState, and ErrBalanceMismatch too while
// the account is on integrity hold.
func (e *AccountStateError) Unwrap() []error {
	if e.Hold {
		return []error{ErrInvalidAccountState, ErrBalanceMismatch}
	}
	return []error{ErrInvalidAccountState}
}

// OutstandingBalanceError lists the buckets still holding funds.
type OutstandingBalanceError struct {
	AccountID string
	Balances  map[string]decimal.Decimal
}

func (e *OutstandingBalanceError) Error() string {
	return fmt.Sprintf("account %s has %d sub-ledger(s) with a nonzero balance", e.AccountID, len(e.Balances))
}

func (e *OutstandingBalanceError) Unwrap() error { return ErrOutstandingBalance }

// ReconcileError names the transaction that made a batch fail.
type ReconcileError struct {
	TransactionID string
	Err           error
}

func (e *ReconcileError) Error() string {
	return fmt.Sprintf("transaction %s: %v", e.TransactionID, e.Err)
}

func (e *ReconcileError) Unwrap() error { return e.Err }

// BalanceMismatchError is the conservation-of-funds alarm.
type BalanceMismatchError struct {
	AccountID string
	Check     string
	Expected  decimal.Decimal
	Actual    decimal.Decimal
}

func (e *BalanceMismatchError) Error() string {
	return fmt.Sprintf("balance mismatch on account %s (%s): expected %s, actual %s",
		e.AccountID, e.Check, e.Expected.String(), e.Actual.String())
}

func (e *BalanceMismatchError) Unwrap() error { return ErrBalanceMismatch }

// PersistenceError is a store failure that survived the retry policy.
type PersistenceError struct {
	Op       string
	Attempts int
	Err      error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s failed after %d attempt(s): %v", e.Op, e.Attempts, e.Err)
}

func (e *PersistenceError) Unwrap() []error { return []error{ErrPersistenceFailure, e.Err} }

// IsBusinessError reports errors that reflect ledger state rather than
// infrastructure faults. They are returned to callers and never retried.
func IsBusinessError(err error) bool {
	for _, target := range []error{
		ErrInvalidAccountState,
		ErrInsufficientFunds,
		ErrOutstandingBalance,
		ErrTransactionNotFound,
		ErrAlreadyReconciled,
		ErrBalanceMismatch,
		ErrAccountNotFound,
		ErrAccountExists,
		ErrInvalidRequest,
		ErrDuplicateTransaction,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// transientError marks a store error that is safe to retry.
type transientError struct{ err error }

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// Transient wraps err so the retry policy treats it as retriable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// IsTransient reports whether err was marked retriable by a store.
func IsTransient(err error) bool {
	var te *transientError
	return errors.As(err, &te)
}

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidRequest, fmt.Sprintf(format, args...))
}
