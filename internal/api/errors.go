package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/example/trust-ledger/internal/ledger"
	"github.com/example/trust-ledger/internal/security"
)

// errorStatus maps a ledger error to an HTTP status and error code. Order
// matters: an integrity hold also matches ErrInvalidAccountState and
// ErrBalanceMismatch.
func errorStatus(err error) (int, string) {
	var stateErr *ledger.AccountStateError
	switch {
	case errors.As(err, &stateErr) && stateErr.Hold:
		return http.StatusLocked, "integrity_hold"
	case errors.Is(err, ledger.ErrInvalidRequest):
		return http.StatusUnprocessableEntity, "invalid_request"
	case errors.Is(err, ledger.ErrAccountNotFound):
		return http.StatusNotFound, "account_not_found"
	case errors.Is(err, ledger.ErrTransactionNotFound):
		return http.StatusNotFound, "transaction_not_found"
	case errors.Is(err, ledger.ErrInsufficientFunds):
		return http.StatusUnprocessableEntity, "insufficient_funds"
	case errors.Is(err, ledger.ErrInvalidAccountState):
		return http.StatusConflict, "invalid_account_state"
	case errors.Is(err, ledger.ErrOutstandingBalance):
		return http.StatusConflict, "outstanding_balance"
	case errors.Is(err, ledger.ErrAlreadyReconciled):
		return http.StatusConflict, "already_reconciled"
	case errors.Is(err, ledger.ErrAccountExists):
		return http.StatusConflict, "account_exists"
	case errors.Is(err, ledger.ErrDuplicateTransaction):
		return http.StatusConflict, "duplicate_transaction"
	case errors.Is(err, ledger.ErrBalanceMismatch):
		return http.StatusConflict, "balance_mismatch"
	case errors.Is(err, ledger.ErrPersistenceFailure),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, "ledger_unavailable"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func writeLedgerError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	status, code := errorStatus(err)
	if status >= http.StatusInternalServerError {
		logger.Error("ledger request failed",
			"cid", security.CorrelationIDFromContext(r.Context()),
			"path", r.URL.Path,
			"error", err,
		)
		security.WriteJSONError(w, r, status, code)
		return
	}
	security.WriteJSONErrorDetail(w, r, status, code, err.Error())
}
