package api

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/trust-ledger/internal/auth"
	"github.com/example/trust-ledger/internal/ledger"
	"github.com/example/trust-ledger/internal/security"
	"github.com/example/trust-ledger/pkg/audit"
)

type testEnv struct {
	t      *testing.T
	srv    *httptest.Server
	key    *rsa.PrivateKey
	svc    *ledger.Service
	events *ledger.MemorySink
	chain  *bytes.Buffer
}

func newTestEnv(t *testing.T, mutate ...func(*Dependencies)) *testEnv {
	t.Helper()

	pk, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	ks, err := auth.NewKeySet(&pk.PublicKey)
	require.NoError(t, err)

	events := &ledger.MemorySink{}
	svc := ledger.NewService(ledger.NewMemoryStore(), ledger.Options{Events: events})
	t.Cleanup(func() { _ = svc.Close() })

	chain := &bytes.Buffer{}
	deps := Dependencies{
		Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
		Ledger:       svc,
		JWTValidator: &auth.JWTValidator{KeySet: ks, Issuer: "https://idp.example.test"},
		Auditor:      audit.NewChainLogger(audit.WithWriter(chain)),
	}
	for _, m := range mutate {
		m(&deps)
	}

	h, err := NewRouter(deps)
	require.NoError(t, err)
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	return &testEnv{t: t, srv: srv, key: pk, svc: svc, events: events, chain: chain}
}

func (e *testEnv) token(sub string, scopes ...string) string {
	e.t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodRS256, auth.AccessTokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "https://idp.example.test",
			Subject:   sub,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
		},
		Scopes: scopes,
	}).SignedString(e.key)
	require.NoError(e.t, err)
	return tok
}

// do sends a request and decodes the JSON response into out when non-nil.
func (e *testEnv) do(method, path, token string, body any, out any) *http.Response {
	e.t.Helper()
	var rd io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		rd = bytes.NewBufferString(b)
	default:
		raw, err := json.Marshal(b)
		require.NoError(e.t, err)
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, rd)
	require.NoError(e.t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.srv.Client().Do(req)
	require.NoError(e.t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(e.t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp
}

func TestHealthAndAuthentication(t *testing.T) {
	env := newTestEnv(t)

	assert.Equal(t, http.StatusOK, env.do(http.MethodGet, "/healthz", "", nil, nil).StatusCode)

	var errBody security.ErrorResponse
	resp := env.do(http.MethodGet, "/v1/accounts", "", nil, &errBody)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "unauthorized", errBody.Error)
	assert.NotEmpty(t, resp.Header.Get(security.CorrelationIDHeader))

	resp = env.do(http.MethodPost, "/v1/accounts", env.token("viewer", auth.ScopeRead), map[string]any{"name": "Client Trust"}, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	var jwks auth.JWKS
	resp = env.do(http.MethodGet, "/.well-known/jwks.json", "", nil, &jwks)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, jwks.Keys, 1)
}

func TestPostingLifecycle(t *testing.T) {
	env := newTestEnv(t)
	clerk := env.token("clerk@firm.test", auth.ScopeRead, auth.ScopeWrite)
	recon := env.token("recon@firm.test", auth.ScopeRead, auth.ScopeReconcile)

	var created accountResponse
	resp := env.do(http.MethodPost, "/v1/accounts", clerk, map[string]any{
		"id":   "iolta-1",
		"name": "IOLTA Operating",
		"bank": map[string]any{"bank_name": "First Bank", "routing_number": "021000021"},
	}, &created)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "clerk@firm.test", created.Account.CreatedBy)
	assert.Equal(t, "USD", created.Account.Currency)

	resp = env.do(http.MethodPost, "/v1/accounts", clerk, map[string]any{"id": "iolta-1", "name": "Again"}, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	var dep transactionResponse
	resp = env.do(http.MethodPost, "/v1/deposits", clerk, map[string]any{
		"account_id": "iolta-1", "client_id": "C1", "amount": "100.00", "description": "retainer",
	}, &dep)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "clerk@firm.test", dep.Transaction.CreatedBy)

	var errBody security.ErrorResponse
	resp = env.do(http.MethodPost, "/v1/withdrawals", clerk, map[string]any{
		"account_id": "iolta-1", "client_id": "C1", "amount": "150.00",
	}, &errBody)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Equal(t, "insufficient_funds", errBody.Error)

	resp = env.do(http.MethodPost, "/v1/withdrawals", clerk, map[string]any{
		"account_id": "iolta-1", "client_id": "C1", "amount": "0.001",
	}, &errBody)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Equal(t, "invalid_request", errBody.Error)

	var wd transactionResponse
	resp = env.do(http.MethodPost, "/v1/withdrawals", clerk, map[string]any{
		"account_id": "iolta-1", "client_id": "C1", "amount": "40.00",
	}, &wd)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var bal clientBalanceResponse
	resp = env.do(http.MethodGet, "/v1/accounts/iolta-1/clients/C1/balance", clerk, nil, &bal)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "60", bal.Balance.String())

	var balances balancesResponse
	env.do(http.MethodGet, "/v1/accounts/iolta-1/balances", clerk, nil, &balances)
	assert.Equal(t, "60", balances.Total.String())
	require.Len(t, balances.SubLedgers, 1)

	var unrec transactionsResponse
	resp = env.do(http.MethodGet, "/v1/accounts/iolta-1/unreconciled", recon, nil, &unrec)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, unrec.Transactions, 2)

	var rec reconcileResponse
	resp = env.do(http.MethodPost, "/v1/accounts/iolta-1/reconciliations", recon, map[string]any{
		"transaction_ids":     []string{dep.Transaction.ID},
		"reconciliation_date": "2026-01-31T00:00:00Z",
	}, &rec)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, rec.Result.Balanced)

	resp = env.do(http.MethodPost, "/v1/accounts/iolta-1/reconciliations", recon, map[string]any{
		"transaction_ids":     []string{dep.Transaction.ID, wd.Transaction.ID},
		"reconciliation_date": "2026-01-31T00:00:00Z",
	}, &errBody)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "already_reconciled", errBody.Error)

	var txn transactionResponse
	env.do(http.MethodGet, "/v1/transactions/"+wd.Transaction.ID, clerk, nil, &txn)
	assert.Equal(t, ledger.StatusUnreconciled, txn.Transaction.Status, "a failed batch flips nothing")

	resp = env.do(http.MethodGet, "/v1/transactions/missing", clerk, nil, &errBody)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	var byClient transactionsResponse
	env.do(http.MethodGet, "/v1/clients/C1/transactions?limit=1", clerk, nil, &byClient)
	assert.Len(t, byClient.Transactions, 1)
}

func TestTransferAndDeactivation(t *testing.T) {
	env := newTestEnv(t)
	admin := env.token("partner@firm.test", auth.ScopeAdmin)

	for _, id := range []string{"A", "B"} {
		resp := env.do(http.MethodPost, "/v1/accounts", admin, map[string]any{"id": id, "name": "Trust " + id}, nil)
		require.Equal(t, http.StatusCreated, resp.StatusCode)
	}
	env.do(http.MethodPost, "/v1/deposits", admin, map[string]any{"account_id": "A", "client_id": "C", "amount": "25.00"}, nil)

	var tr transferResponse
	resp := env.do(http.MethodPost, "/v1/transfers", admin, map[string]any{
		"from_account_id": "A", "to_account_id": "B", "client_id": "C", "amount": "25.00",
	}, &tr)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, tr.Out.TransferID, tr.In.TransferID)

	var errBody security.ErrorResponse
	resp = env.do(http.MethodPost, "/v1/accounts/B/deactivate", admin, nil, &errBody)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "outstanding_balance", errBody.Error)

	resp = env.do(http.MethodPost, "/v1/accounts/A/deactivate", admin, nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = env.do(http.MethodPost, "/v1/deposits", admin, map[string]any{"account_id": "A", "client_id": "C", "amount": "1.00"}, &errBody)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "invalid_account_state", errBody.Error)

	var listed listAccountsResponse
	env.do(http.MethodGet, "/v1/accounts?status=ACTIVE", admin, nil, &listed)
	require.Len(t, listed.Accounts, 1)
	assert.Equal(t, "B", listed.Accounts[0].ID)
}

func TestStatementMismatchPlacesHold(t *testing.T) {
	env := newTestEnv(t)
	admin := env.token("partner@firm.test", auth.ScopeAdmin)

	env.do(http.MethodPost, "/v1/accounts", admin, map[string]any{"id": "A", "name": "Trust"}, nil)
	env.do(http.MethodPost, "/v1/deposits", admin, map[string]any{
		"account_id": "A", "client_id": "C", "amount": "10.00", "effective_date": "2026-01-10T00:00:00Z",
	}, nil)

	resp := env.do(http.MethodPost, "/v1/accounts/A/statements", admin, map[string]any{
		"balance": "12.00", "statement_date": "2026-01-31T00:00:00Z",
	}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var v validateResponse
	resp = env.do(http.MethodPost, "/v1/accounts/A/validate", admin, nil, &v)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.False(t, v.Balanced)
	assert.Contains(t, v.Mismatch, "statement")

	var errBody security.ErrorResponse
	resp = env.do(http.MethodPost, "/v1/deposits", admin, map[string]any{"account_id": "A", "client_id": "C", "amount": "2.00"}, &errBody)
	assert.Equal(t, http.StatusLocked, resp.StatusCode)
	assert.Equal(t, "integrity_hold", errBody.Error)

	resp = env.do(http.MethodPost, "/v1/accounts/A/integrity-hold/clear", admin, nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp = env.do(http.MethodPost, "/v1/accounts/A/rebuild", admin, nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, env.events.OfType(ledger.EventBalanceMismatch), 1)
}

func TestSchemaRejectsMalformedBodies(t *testing.T) {
	env := newTestEnv(t)
	clerk := env.token("clerk", auth.ScopeWrite)

	cases := []struct {
		name string
		body string
		code string
	}{
		{"numeric amount", `{"account_id":"A","client_id":"C","amount":10}`, "validation_error"},
		{"negative amount", `{"account_id":"A","client_id":"C","amount":"-1"}`, "validation_error"},
		{"created_by is not accepted", `{"account_id":"A","client_id":"C","amount":"1","created_by":"someone"}`, "validation_error"},
		{"missing client", `{"account_id":"A","amount":"1"}`, "validation_error"},
		{"bad date", `{"account_id":"A","client_id":"C","amount":"1","effective_date":"yesterday"}`, "invalid_json"},
		{"truncated", `{"account_id":`, "invalid_json"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var errBody security.ErrorResponse
			resp := env.do(http.MethodPost, "/v1/deposits", clerk, tc.body, &errBody)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			assert.Equal(t, tc.code, errBody.Error)
		})
	}
}

func TestAuditChainRecordsRequests(t *testing.T) {
	env := newTestEnv(t)
	clerk := env.token("clerk@firm.test", auth.ScopeRead, auth.ScopeWrite)

	env.do(http.MethodPost, "/v1/accounts", clerk, map[string]any{"id": "A", "name": "Trust"}, nil)
	env.do(http.MethodGet, "/v1/accounts/A", clerk, nil, nil)
	env.do(http.MethodGet, "/healthz", "", nil, nil)

	entries, err := audit.ReadChain(env.chain)
	require.NoError(t, err)
	require.Len(t, entries, 2, "only /v1 requests are audited")
	require.NoError(t, audit.Verify(entries))

	var rec requestRecord
	require.NoError(t, json.Unmarshal([]byte(entries[1].Payload), &rec))
	assert.Equal(t, "clerk@firm.test", rec.Actor)
	assert.Contains(t, rec.Route, "/v1/accounts/{accountID}")
	assert.Equal(t, http.StatusOK, rec.Status)
}

func TestRateLimitPerActor(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	env := newTestEnv(t, func(d *Dependencies) {
		d.RateLimiter = &security.RedisTokenBucket{Redis: rdb, Prefix: "test", Capacity: 2, RefillRate: 0.01}
	})
	alice := env.token("alice", auth.ScopeRead)
	bob := env.token("bob", auth.ScopeRead)

	for i := 0; i < 2; i++ {
		assert.Equal(t, http.StatusOK, env.do(http.MethodGet, "/v1/accounts", alice, nil, nil).StatusCode)
	}
	assert.Equal(t, http.StatusTooManyRequests, env.do(http.MethodGet, "/v1/accounts", alice, nil, nil).StatusCode)
	assert.Equal(t, http.StatusOK, env.do(http.MethodGet, "/v1/accounts", bob, nil, nil).StatusCode)
}

func TestErrorStatusMapping(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{&ledger.AccountStateError{AccountID: "A", Hold: true}, http.StatusLocked, "integrity_hold"},
		{&ledger.AccountStateError{AccountID: "A", Status: ledger.AccountInactive}, http.StatusConflict, "invalid_account_state"},
		{&ledger.InsufficientFundsError{AccountID: "A"}, http.StatusUnprocessableEntity, "insufficient_funds"},
		{&ledger.ReconcileError{TransactionID: "t", Err: ledger.ErrAlreadyReconciled}, http.StatusConflict, "already_reconciled"},
		{&ledger.BalanceMismatchError{AccountID: "A"}, http.StatusConflict, "balance_mismatch"},
		{&ledger.PersistenceError{Op: "commit", Attempts: 3, Err: errors.New("boom")}, http.StatusServiceUnavailable, "ledger_unavailable"},
		{fmt.Errorf("load: %w", ledger.ErrAccountNotFound), http.StatusNotFound, "account_not_found"},
		{context.DeadlineExceeded, http.StatusServiceUnavailable, "ledger_unavailable"},
		{errors.New("unexpected"), http.StatusInternalServerError, "internal_error"},
	}
	for _, tc := range cases {
		status, code := errorStatus(tc.err)
		assert.Equal(t, tc.status, status, tc.err.Error())
		assert.Equal(t, tc.code, code, tc.err.Error())
	}
}
