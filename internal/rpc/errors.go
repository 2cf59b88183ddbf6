package rpc

import (
	"context"
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/example/trust-ledger/internal/ledger"
)

func codeFor(err error) codes.Code {
	if _, ok := status.FromError(err); ok {
		return status.Code(err)
	}
	switch {
	case errors.Is(err, ledger.ErrInvalidRequest):
		return codes.InvalidArgument
	case errors.Is(err, ledger.ErrAccountNotFound),
		errors.Is(err, ledger.ErrTransactionNotFound):
		return codes.NotFound
	case errors.Is(err, ledger.ErrAccountExists),
		errors.Is(err, ledger.ErrDuplicateTransaction):
		return codes.AlreadyExists
	case errors.Is(err, ledger.ErrInsufficientFunds),
		errors.Is(err, ledger.ErrInvalidAccountState),
		errors.Is(err, ledger.ErrOutstandingBalance),
		errors.Is(err, ledger.ErrAlreadyReconciled),
		errors.Is(err, ledger.ErrBalanceMismatch):
		return codes.FailedPrecondition
	case errors.Is(err, ledger.ErrPersistenceFailure):
		return codes.Unavailable
	case errors.Is(err, context.DeadlineExceeded):
		return codes.DeadlineExceeded
	case errors.Is(err, context.Canceled):
		return codes.Canceled
	default:
		return codes.Internal
	}
}

// toStatus converts a ledger error to a gRPC status. Internal errors do not
// leak their message.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	code := codeFor(err)
	if code == codes.Internal {
		return status.Error(code, "internal error")
	}
	return status.Error(code, err.Error())
}

func mismatch(err error) (*ledger.BalanceMismatchError, bool) {
	var m *ledger.BalanceMismatchError
	ok := errors.As(err, &m)
	return m, ok
}
