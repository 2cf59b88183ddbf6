package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/shopspring/decimal"

	"github.com/example/trust-ledger/internal/auth"
	"github.com/example/trust-ledger/internal/ledger"
	"github.com/example/trust-ledger/internal/security"
	"github.com/example/trust-ledger/pkg/audit"
)

type Auditor interface {
	AppendJSON(v any) (*audit.LogEntry, error)
}

// Ledger is the operation set the API exposes. *ledger.Service satisfies it.
type Ledger interface {
	CreateAccount(ctx context.Context, req ledger.CreateAccountRequest) (*ledger.TrustAccount, error)
	GetAccount(ctx context.Context, id string) (*ledger.TrustAccount, error)
	ListAccounts(ctx context.Context, filter ledger.AccountFilter) ([]*ledger.TrustAccount, error)
	UpdateAccount(ctx context.Context, id string, req ledger.UpdateAccountRequest) (*ledger.TrustAccount, error)
	DeactivateAccount(ctx context.Context, id string) error
	ReactivateAccount(ctx context.Context, id string) error

	RecordDeposit(ctx context.Context, req ledger.DepositRequest) (*ledger.Transaction, error)
	RecordWithdrawal(ctx context.Context, req ledger.WithdrawalRequest) (*ledger.Transaction, error)
	RecordTransfer(ctx context.Context, req ledger.TransferRequest) (out, in *ledger.Transaction, err error)
	RecordCorrection(ctx context.Context, req ledger.CorrectionRequest) (*ledger.Transaction, error)
	GetTransaction(ctx context.Context, id string) (*ledger.Transaction, error)
	TransactionsByAccount(ctx context.Context, accountID string, page ledger.Page) ([]*ledger.Transaction, error)
	TransactionsByClient(ctx context.Context, clientID string, page ledger.Page) ([]*ledger.Transaction, error)

	ClientBalance(ctx context.Context, accountID, clientID string, asOf ...ledger.AsOf) (decimal.Decimal, error)
	SubLedgerBalances(ctx context.Context, accountID string, asOf ...ledger.AsOf) (ledger.Balances, error)

	UnreconciledTransactions(ctx context.Context, accountID string) ([]*ledger.Transaction, error)
	Reconcile(ctx context.Context, accountID string, ids []string, reconciliationDate time.Time) (*ledger.ReconcileResult, error)
	RecordStatementBalance(ctx context.Context, accountID string, balance decimal.Decimal, statementDate time.Time) error
	ValidateAccountBalance(ctx context.Context, accountID string) (bool, error)
	ClearIntegrityHold(ctx context.Context, accountID string) error
	RebuildBalances(ctx context.Context, accountID string) error
}

type Dependencies struct {
	Logger       *slog.Logger
	Ledger       Ledger
	JWTValidator *auth.JWTValidator

	Auditor      Auditor
	RateLimiter  *security.RedisTokenBucket
	MaxBodyBytes int64
}

func NewRouter(deps Dependencies) (http.Handler, error) {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.MaxBodyBytes == 0 {
		deps.MaxBodyBytes = 1 << 20
	}

	v, err := compileSchemas()
	if err != nil {
		return nil, err
	}

	onAuthError := func(w http.ResponseWriter, r *http.Request, status int, code string) {
		security.WriteJSONError(w, r, status, code)
	}
	scoped := func(r chi.Router, scope string) chi.Router {
		return r.With(auth.RequireScopes(onAuthError, scope))
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(security.CorrelationID)
	r.Use(RequestLogger(deps.Logger))
	r.Use(security.BodySizeLimit(deps.MaxBodyBytes))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	if deps.JWTValidator != nil && deps.JWTValidator.KeySet != nil {
		r.Get("/.well-known/jwks.json", deps.JWTValidator.KeySet.JWKSHandler)
	}

	h := &handlers{ledger: deps.Ledger, logger: deps.Logger}

	r.Route("/v1", func(r chi.Router) {
		r.Use(auth.Authenticate(deps.JWTValidator, onAuthError))
		if deps.RateLimiter != nil {
			r.Use(security.RateLimitMiddleware(deps.RateLimiter, rateLimitKeyByActor))
		}
		if deps.Auditor != nil {
			r.Use(AuditMiddleware(deps.Auditor, deps.Logger))
		}

		r.Route("/accounts", func(r chi.Router) {
			scoped(r, auth.ScopeRead).Get("/", h.listAccounts)
			scoped(r, auth.ScopeWrite).With(v.createAccount.Middleware).Post("/", h.createAccount)

			r.Route("/{accountID}", func(r chi.Router) {
				read := scoped(r, auth.ScopeRead)
				read.Get("/", h.getAccount)
				read.Get("/balances", h.subLedgerBalances)
				read.Get("/clients/{clientID}/balance", h.clientBalance)
				read.Get("/transactions", h.accountTransactions)

				scoped(r, auth.ScopeWrite).With(v.updateAccount.Middleware).Patch("/", h.updateAccount)

				admin := scoped(r, auth.ScopeAdmin)
				admin.Post("/deactivate", h.deactivateAccount)
				admin.Post("/reactivate", h.reactivateAccount)
				admin.Post("/integrity-hold/clear", h.clearIntegrityHold)
				admin.Post("/rebuild", h.rebuildBalances)

				recon := scoped(r, auth.ScopeReconcile)
				recon.Get("/unreconciled", h.unreconciled)
				recon.With(v.reconcile.Middleware).Post("/reconciliations", h.reconcile)
				recon.With(v.statement.Middleware).Post("/statements", h.recordStatement)
				recon.Post("/validate", h.validateBalance)
			})
		})

		write := scoped(r, auth.ScopeWrite)
		write.With(v.posting.Middleware).Post("/deposits", h.deposit)
		write.With(v.posting.Middleware).Post("/withdrawals", h.withdrawal)
		write.With(v.transfer.Middleware).Post("/transfers", h.transfer)
		scoped(r, auth.ScopeAdmin).With(v.correction.Middleware).Post("/corrections", h.correction)

		scoped(r, auth.ScopeRead).Get("/transactions/{transactionID}", h.getTransaction)
		scoped(r, auth.ScopeRead).Get("/clients/{clientID}/transactions", h.clientTransactions)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		security.WriteJSONError(w, r, http.StatusNotFound, "not_found")
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		security.WriteJSONError(w, r, http.StatusMethodNotAllowed, "method_not_allowed")
	})

	return r, nil
}

func rateLimitKeyByActor(r *http.Request) string {
	actor := ledger.ActorFrom(r.Context())
	if actor == "" {
		return ""
	}
	return "actor:" + actor
}
