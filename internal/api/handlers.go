package api

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/example/trust-ledger/internal/ledger"
	"github.com/example/trust-ledger/internal/security"
)

type handlers struct {
	ledger Ledger
	logger *slog.Logger
}

type accountResponse struct {
	CorrelationID string               `json:"correlation_id"`
	Account       *ledger.TrustAccount `json:"account"`
}

type listAccountsResponse struct {
	CorrelationID string                 `json:"correlation_id"`
	Accounts      []*ledger.TrustAccount `json:"accounts"`
}

type transactionResponse struct {
	CorrelationID string              `json:"correlation_id"`
	Transaction   *ledger.Transaction `json:"transaction"`
}

type transferResponse struct {
	CorrelationID string              `json:"correlation_id"`
	Out           *ledger.Transaction `json:"out"`
	In            *ledger.Transaction `json:"in"`
}

type transactionsResponse struct {
	CorrelationID string                `json:"correlation_id"`
	Transactions  []*ledger.Transaction `json:"transactions"`
}

type balancesResponse struct {
	CorrelationID string             `json:"correlation_id"`
	AccountID     string             `json:"account_id"`
	Total         decimal.Decimal    `json:"total"`
	SubLedgers    []ledger.SubLedger `json:"sub_ledgers"`
}

type clientBalanceResponse struct {
	CorrelationID string          `json:"correlation_id"`
	AccountID     string          `json:"account_id"`
	ClientID      string          `json:"client_id"`
	Balance       decimal.Decimal `json:"balance"`
}

type statusResponse struct {
	CorrelationID string `json:"correlation_id"`
	AccountID     string `json:"account_id"`
	Status        string `json:"status"`
}

func (h *handlers) cid(r *http.Request) string {
	return security.CorrelationIDFromContext(r.Context())
}

func (h *handlers) listAccounts(w http.ResponseWriter, r *http.Request) {
	page, err := parsePage(r)
	if err != nil {
		security.WriteJSONError(w, r, http.StatusBadRequest, "invalid_pagination")
		return
	}
	filter := ledger.AccountFilter{Limit: page.Limit, Offset: page.Offset}
	switch s := ledger.AccountStatus(r.URL.Query().Get("status")); s {
	case "":
	case ledger.AccountActive, ledger.AccountInactive:
		filter.Status = s
	default:
		security.WriteJSONError(w, r, http.StatusBadRequest, "invalid_status")
		return
	}

	accounts, err := h.ledger.ListAccounts(r.Context(), filter)
	if err != nil {
		writeLedgerError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusOK, listAccountsResponse{CorrelationID: h.cid(r), Accounts: accounts})
}

func (h *handlers) createAccount(w http.ResponseWriter, r *http.Request) {
	var req ledger.CreateAccountRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	req.CreatedBy = ""

	acct, err := h.ledger.CreateAccount(r.Context(), req)
	if err != nil {
		writeLedgerError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, accountResponse{CorrelationID: h.cid(r), Account: acct})
}

func (h *handlers) getAccount(w http.ResponseWriter, r *http.Request) {
	acct, err := h.ledger.GetAccount(r.Context(), chi.URLParam(r, "accountID"))
	if err != nil {
		writeLedgerError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusOK, accountResponse{CorrelationID: h.cid(r), Account: acct})
}

func (h *handlers) updateAccount(w http.ResponseWriter, r *http.Request) {
	var req ledger.UpdateAccountRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	acct, err := h.ledger.UpdateAccount(r.Context(), chi.URLParam(r, "accountID"), req)
	if err != nil {
		writeLedgerError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusOK, accountResponse{CorrelationID: h.cid(r), Account: acct})
}

func (h *handlers) deactivateAccount(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "accountID")
	if err := h.ledger.DeactivateAccount(r.Context(), id); err != nil {
		writeLedgerError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusOK, statusResponse{CorrelationID: h.cid(r), AccountID: id, Status: string(ledger.AccountInactive)})
}

func (h *handlers) reactivateAccount(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "accountID")
	if err := h.ledger.ReactivateAccount(r.Context(), id); err != nil {
		writeLedgerError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusOK, statusResponse{CorrelationID: h.cid(r), AccountID: id, Status: string(ledger.AccountActive)})
}

func (h *handlers) subLedgerBalances(w http.ResponseWriter, r *http.Request) {
	asOf, err := parseAsOf(r)
	if err != nil {
		security.WriteJSONError(w, r, http.StatusBadRequest, "invalid_as_of")
		return
	}
	id := chi.URLParam(r, "accountID")
	b, err := h.ledger.SubLedgerBalances(r.Context(), id, asOf...)
	if err != nil {
		writeLedgerError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusOK, balancesResponse{
		CorrelationID: h.cid(r),
		AccountID:     id,
		Total:         b.Total(),
		SubLedgers:    b.SubLedgers(),
	})
}

func (h *handlers) clientBalance(w http.ResponseWriter, r *http.Request) {
	asOf, err := parseAsOf(r)
	if err != nil {
		security.WriteJSONError(w, r, http.StatusBadRequest, "invalid_as_of")
		return
	}
	id, client := chi.URLParam(r, "accountID"), chi.URLParam(r, "clientID")
	bal, err := h.ledger.ClientBalance(r.Context(), id, client, asOf...)
	if err != nil {
		writeLedgerError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusOK, clientBalanceResponse{CorrelationID: h.cid(r), AccountID: id, ClientID: client, Balance: bal})
}

func (h *handlers) accountTransactions(w http.ResponseWriter, r *http.Request) {
	page, err := parsePage(r)
	if err != nil {
		security.WriteJSONError(w, r, http.StatusBadRequest, "invalid_pagination")
		return
	}
	txns, err := h.ledger.TransactionsByAccount(r.Context(), chi.URLParam(r, "accountID"), page)
	if err != nil {
		writeLedgerError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusOK, transactionsResponse{CorrelationID: h.cid(r), Transactions: txns})
}

func (h *handlers) clientTransactions(w http.ResponseWriter, r *http.Request) {
	page, err := parsePage(r)
	if err != nil {
		security.WriteJSONError(w, r, http.StatusBadRequest, "invalid_pagination")
		return
	}
	txns, err := h.ledger.TransactionsByClient(r.Context(), chi.URLParam(r, "clientID"), page)
	if err != nil {
		writeLedgerError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusOK, transactionsResponse{CorrelationID: h.cid(r), Transactions: txns})
}

func (h *handlers) getTransaction(w http.ResponseWriter, r *http.Request) {
	txn, err := h.ledger.GetTransaction(r.Context(), chi.URLParam(r, "transactionID"))
	if err != nil {
		writeLedgerError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusOK, transactionResponse{CorrelationID: h.cid(r), Transaction: txn})
}

func (h *handlers) deposit(w http.ResponseWriter, r *http.Request) {
	var req ledger.DepositRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	req.CreatedBy = ""
	h.respondTransaction(w, r)(h.ledger.RecordDeposit(r.Context(), req))
}

func (h *handlers) withdrawal(w http.ResponseWriter, r *http.Request) {
	var req ledger.WithdrawalRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	req.CreatedBy = ""
	h.respondTransaction(w, r)(h.ledger.RecordWithdrawal(r.Context(), req))
}

func (h *handlers) correction(w http.ResponseWriter, r *http.Request) {
	var req ledger.CorrectionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	req.CreatedBy = ""
	h.respondTransaction(w, r)(h.ledger.RecordCorrection(r.Context(), req))
}

func (h *handlers) respondTransaction(w http.ResponseWriter, r *http.Request) func(*ledger.Transaction, error) {
	return func(txn *ledger.Transaction, err error) {
		if err != nil {
			writeLedgerError(w, r, h.logger, err)
			return
		}
		writeJSON(w, r, http.StatusCreated, transactionResponse{CorrelationID: h.cid(r), Transaction: txn})
	}
}

func (h *handlers) transfer(w http.ResponseWriter, r *http.Request) {
	var req ledger.TransferRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	req.CreatedBy = ""
	out, in, err := h.ledger.RecordTransfer(r.Context(), req)
	if err != nil {
		writeLedgerError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, transferResponse{CorrelationID: h.cid(r), Out: out, In: in})
}

type reconcileRequest struct {
	TransactionIDs     []string  `json:"transaction_ids"`
	ReconciliationDate time.Time `json:"reconciliation_date"`
}

type reconcileResponse struct {
	CorrelationID string                  `json:"correlation_id"`
	Result        *ledger.ReconcileResult `json:"result"`
	Mismatch      string                  `json:"mismatch,omitempty"`
}

func (h *handlers) unreconciled(w http.ResponseWriter, r *http.Request) {
	txns, err := h.ledger.UnreconciledTransactions(r.Context(), chi.URLParam(r, "accountID"))
	if err != nil {
		writeLedgerError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusOK, transactionsResponse{CorrelationID: h.cid(r), Transactions: txns})
}

// reconcile answers 200 with balanced=false when the batch committed but
// the follow-up validation failed; the batch is not rolled back.
func (h *handlers) reconcile(w http.ResponseWriter, r *http.Request) {
	var req reconcileRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	res, err := h.ledger.Reconcile(r.Context(), chi.URLParam(r, "accountID"), req.TransactionIDs, req.ReconciliationDate)
	if err != nil && res == nil {
		writeLedgerError(w, r, h.logger, err)
		return
	}
	out := reconcileResponse{CorrelationID: h.cid(r), Result: res}
	if err != nil {
		out.Mismatch = err.Error()
	}
	writeJSON(w, r, http.StatusOK, out)
}

type statementRequest struct {
	Balance       decimal.Decimal `json:"balance"`
	StatementDate time.Time       `json:"statement_date"`
}

func (h *handlers) recordStatement(w http.ResponseWriter, r *http.Request) {
	var req statementRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	id := chi.URLParam(r, "accountID")
	if err := h.ledger.RecordStatementBalance(r.Context(), id, req.Balance, req.StatementDate); err != nil {
		writeLedgerError(w, r, h.logger, err)
		return
	}
	acct, err := h.ledger.GetAccount(r.Context(), id)
	if err != nil {
		writeLedgerError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusOK, accountResponse{CorrelationID: h.cid(r), Account: acct})
}

type validateResponse struct {
	CorrelationID string `json:"correlation_id"`
	AccountID     string `json:"account_id"`
	Balanced      bool   `json:"balanced"`
	Mismatch      string `json:"mismatch,omitempty"`
}

// validateBalance reports a detected mismatch in the body rather than as an
// error status: the check itself succeeded.
func (h *handlers) validateBalance(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "accountID")
	ok, err := h.ledger.ValidateAccountBalance(r.Context(), id)
	var mismatch *ledger.BalanceMismatchError
	if err != nil && !errors.As(err, &mismatch) {
		writeLedgerError(w, r, h.logger, err)
		return
	}
	out := validateResponse{CorrelationID: h.cid(r), AccountID: id, Balanced: ok}
	if mismatch != nil {
		out.Mismatch = mismatch.Error()
	}
	writeJSON(w, r, http.StatusOK, out)
}

func (h *handlers) clearIntegrityHold(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "accountID")
	if err := h.ledger.ClearIntegrityHold(r.Context(), id); err != nil {
		writeLedgerError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusOK, statusResponse{CorrelationID: h.cid(r), AccountID: id, Status: "hold_cleared"})
}

func (h *handlers) rebuildBalances(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "accountID")
	if err := h.ledger.RebuildBalances(r.Context(), id); err != nil {
		writeLedgerError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusOK, statusResponse{CorrelationID: h.cid(r), AccountID: id, Status: "rebuilt"})
}
