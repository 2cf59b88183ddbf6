package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// DepositRequest credits a client's sub-ledger.
type DepositRequest struct {
	AccountID     string          `json:"account_id" validate:"required,max=128"`
	ClientID      string          `json:"client_id" validate:"required,max=128"`
	Amount        decimal.Decimal `json:"amount" validate:"positive_decimal"`
	EffectiveDate time.Time       `json:"effective_date"`
	Description   string          `json:"description" validate:"max=1024"`
	CreatedBy     string          `json:"created_by" validate:"max=128"`
}

// WithdrawalRequest debits a client's sub-ledger.
type WithdrawalRequest struct {
	AccountID     string          `json:"account_id" validate:"required,max=128"`
	ClientID      string          `json:"client_id" validate:"required,max=128"`
	Amount        decimal.Decimal `json:"amount" validate:"positive_decimal"`
	EffectiveDate time.Time       `json:"effective_date"`
	Description   string          `json:"description" validate:"max=1024"`
	CreatedBy     string          `json:"created_by" validate:"max=128"`
}

// TransferRequest moves a client's funds from one trust account to another.
type TransferRequest struct {
	FromAccountID string          `json:"from_account_id" validate:"required,max=128"`
	ToAccountID   string          `json:"to_account_id" validate:"required,max=128,nefield=FromAccountID"`
	ClientID      string          `json:"client_id" validate:"required,max=128"`
	Amount        decimal.Decimal `json:"amount" validate:"positive_decimal"`
	EffectiveDate time.Time       `json:"effective_date"`
	Description   string          `json:"description" validate:"max=1024"`
	CreatedBy     string          `json:"created_by" validate:"max=128"`
}

// CorrectionRequest posts an account-level correction that belongs to no
// client. Type is DEPOSIT or WITHDRAWAL.
type CorrectionRequest struct {
	AccountID     string          `json:"account_id" validate:"required,max=128"`
	Type          TransactionType `json:"type" validate:"required,oneof=DEPOSIT WITHDRAWAL"`
	Amount        decimal.Decimal `json:"amount" validate:"positive_decimal"`
	EffectiveDate time.Time       `json:"effective_date"`
	Description   string          `json:"description" validate:"required,max=1024"`
	CreatedBy     string          `json:"created_by" validate:"max=128"`
}

// Engine validates and commits movements of funds.
type Engine struct {
	*core
	locker      Locker
	lockTimeout time.Duration
}

// RecordDeposit credits req.ClientID. Deposits never fail for balance
// reasons and take no lock.
func (e *Engine) RecordDeposit(ctx context.Context, req DepositRequest) (*Transaction, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}
	acct, err := e.postableAccount(ctx, req.AccountID, req.Amount)
	if err != nil {
		return nil, err
	}

	txn := e.newTransaction(ctx, acct.ID, ClientFunds(req.ClientID), TypeDeposit, req.Amount, req.EffectiveDate, req.Description, req.CreatedBy)
	if err := e.commit(ctx, "record deposit", txn); err != nil {
		return nil, err
	}
	e.recorded(ctx, txn)
	return txn, nil
}

// RecordWithdrawal debits req.ClientID. The balance check and the commit
// run under the sub-ledger lock so concurrent withdrawals serialize.
func (e *Engine) RecordWithdrawal(ctx context.Context, req WithdrawalRequest) (*Transaction, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}
	return e.debit(ctx, req.AccountID, ClientFunds(req.ClientID), req.Amount, req.EffectiveDate, req.Description, req.CreatedBy)
}

// RecordCorrection posts to the account-level bucket. Downward corrections
// are limited to what earlier corrections credited.
func (e *Engine) RecordCorrection(ctx context.Context, req CorrectionRequest) (*Transaction, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}
	if req.Type == TypeWithdrawal {
		return e.debit(ctx, req.AccountID, AccountLevel(), req.Amount, req.EffectiveDate, req.Description, req.CreatedBy)
	}

	acct, err := e.postableAccount(ctx, req.AccountID, req.Amount)
	if err != nil {
		return nil, err
	}
	txn := e.newTransaction(ctx, acct.ID, AccountLevel(), TypeDeposit, req.Amount, req.EffectiveDate, req.Description, req.CreatedBy)
	if err := e.commit(ctx, "record correction", txn); err != nil {
		return nil, err
	}
	e.recorded(ctx, txn)
	return txn, nil
}

func (e *Engine) debit(ctx context.Context, accountID string, bucket Attribution, amount decimal.Decimal, date time.Time, description, createdBy string) (*Transaction, error) {
	unlock, err := e.lock(ctx, subLedgerKey(accountID, bucket))
	if err != nil {
		return nil, err
	}
	defer unlock()

	acct, err := e.postableAccount(ctx, accountID, amount)
	if err != nil {
		return nil, err
	}
	if err := e.ensureFunds(ctx, acct.ID, bucket, amount); err != nil {
		return nil, err
	}

	txn := e.newTransaction(ctx, acct.ID, bucket, TypeWithdrawal, amount, date, description, createdBy)
	if err := e.commit(ctx, "record withdrawal", txn); err != nil {
		return nil, err
	}
	e.recorded(ctx, txn)
	return txn, nil
}

// RecordTransfer commits a TRANSFER_OUT on the source and a TRANSFER_IN
// on the destination as one unit, or neither.
func (e *Engine) RecordTransfer(ctx context.Context, req TransferRequest) (out, in *Transaction, err error) {
	if err := validateRequest(req); err != nil {
		return nil, nil, err
	}
	client := ClientFunds(req.ClientID)

	// Locker sorts keys, so the order is by account id whatever the direction.
	unlock, err := e.lock(ctx, subLedgerKey(req.FromAccountID, client), subLedgerKey(req.ToAccountID, client))
	if err != nil {
		return nil, nil, err
	}
	defer unlock()

	from, err := e.postableAccount(ctx, req.FromAccountID, req.Amount)
	if err != nil {
		return nil, nil, err
	}
	to, err := e.postableAccount(ctx, req.ToAccountID, req.Amount)
	if err != nil {
		return nil, nil, err
	}
	if from.Currency != to.Currency {
		return nil, nil, invalidf("cannot transfer between %s and %s accounts", from.Currency, to.Currency)
	}
	if err := e.ensureFunds(ctx, from.ID, client, req.Amount); err != nil {
		return nil, nil, err
	}

	transferID := uuid.NewString()
	out = e.newTransaction(ctx, from.ID, client, TypeTransferOut, req.Amount, req.EffectiveDate, req.Description, req.CreatedBy)
	in = e.newTransaction(ctx, to.ID, client, TypeTransferIn, req.Amount, req.EffectiveDate, req.Description, req.CreatedBy)
	out.TransferID, in.TransferID = transferID, transferID
	out.CounterpartID, in.CounterpartID = in.ID, out.ID

	if err := e.commit(ctx, "record transfer", out, in); err != nil {
		return nil, nil, err
	}

	e.logger.Info("transfer recorded",
		"transfer_id", transferID,
		"from_account_id", from.ID,
		"to_account_id", to.ID,
		"client_id", req.ClientID,
		"amount", req.Amount.String(),
	)
	e.events.emit(ctx, Event{
		Type:           EventTransferRecorded,
		AccountID:      from.ID,
		TransactionIDs: []string{out.ID, in.ID},
		Actor:          out.CreatedBy,
		Detail: map[string]string{
			"transfer_id":   transferID,
			"to_account_id": to.ID,
			"client_id":     req.ClientID,
			"amount":        req.Amount.String(),
		},
	})
	return out, in, nil
}

// GetTransaction returns one transaction by id.
func (e *Engine) GetTransaction(ctx context.Context, id string) (*Transaction, error) {
	if id == "" {
		return nil, invalidf("transaction id is required")
	}
	var txn *Transaction
	err := e.retry.Do(ctx, "get transaction", func(ctx context.Context) error {
		t, err := e.store.GetTransaction(ctx, id)
		txn = t
		return err
	})
	return txn, err
}

// TransactionsByAccount pages through an account's history in effective
// date order.
func (e *Engine) TransactionsByAccount(ctx context.Context, accountID string, page Page) ([]*Transaction, error) {
	if _, err := e.loadAccount(ctx, accountID); err != nil {
		return nil, err
	}
	page = page.normalize()
	return e.list(ctx, "list account transactions", TransactionFilter{
		AccountID: accountID,
		Limit:     page.Limit,
		Offset:    page.Offset,
	})
}

// TransactionsByClient pages through a client's transactions across
// every trust account.
func (e *Engine) TransactionsByClient(ctx context.Context, clientID string, page Page) ([]*Transaction, error) {
	if clientID == "" {
		return nil, invalidf("client id is required")
	}
	page = page.normalize()
	return e.list(ctx, "list client transactions", TransactionFilter{
		ClientID: clientID,
		Limit:    page.Limit,
		Offset:   page.Offset,
	})
}

func (c *core) list(ctx context.Context, op string, filter TransactionFilter) ([]*Transaction, error) {
	var txns []*Transaction
	err := c.retry.Do(ctx, op, func(ctx context.Context) error {
		t, err := c.store.ListTransactions(ctx, filter)
		txns = t
		return err
	})
	if err != nil {
		return nil, err
	}
	if txns == nil {
		txns = []*Transaction{}
	}
	return txns, nil
}

// postableAccount loads the account and checks it can take amount.
func (e *Engine) postableAccount(ctx context.Context, accountID string, amount decimal.Decimal) (*TrustAccount, error) {
	acct, err := e.loadAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if err := checkActive(acct); err != nil {
		return nil, err
	}
	cur, err := e.accountCurrency(acct)
	if err != nil {
		return nil, err
	}
	if err := cur.CheckScale(amount); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return acct, nil
}

// ensureFunds recomputes the bucket balance. Callers hold the bucket lock.
func (e *Engine) ensureFunds(ctx context.Context, accountID string, bucket Attribution, amount decimal.Decimal) error {
	balances, err := e.calc.SubLedgerBalances(ctx, accountID)
	if err != nil {
		return err
	}
	balance := balances.Of(bucket)
	if amount.GreaterThan(balance) {
		return &InsufficientFundsError{
			AccountID: accountID,
			Bucket:    bucket,
			Balance:   balance,
			Requested: amount,
		}
	}
	return nil
}

func (e *Engine) lock(ctx context.Context, keys ...string) (func(), error) {
	lockCtx, cancel := context.WithTimeout(ctx, e.lockTimeout)
	defer cancel()
	unlock, err := e.locker.Lock(lockCtx, keys...)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &PersistenceError{Op: "acquire sub-ledger lock", Attempts: 1, Err: err}
	}
	return unlock, nil
}

// commit stores txns under the retry policy. A retry that finds the
// first transaction already stored means an earlier attempt committed
// and only its acknowledgement was lost.
func (c *core) commit(ctx context.Context, op string, txns ...*Transaction) error {
	attempt := 0
	return c.retry.Do(ctx, op, func(ctx context.Context) error {
		attempt++
		err := c.store.Commit(ctx, txns...)
		if attempt > 1 && errors.Is(err, ErrDuplicateTransaction) {
			if stored, gerr := c.store.GetTransaction(ctx, txns[0].ID); gerr == nil && stored.AccountID == txns[0].AccountID {
				return nil
			}
		}
		return err
	})
}

func (c *core) newTransaction(ctx context.Context, accountID string, a Attribution, typ TransactionType, amount decimal.Decimal, date time.Time, description, createdBy string) *Transaction {
	now := c.now()
	if date.IsZero() {
		date = now
	}
	return &Transaction{
		ID:            uuid.NewString(),
		AccountID:     accountID,
		Attribution:   a,
		Type:          typ,
		Amount:        amount,
		EffectiveDate: date.UTC(),
		Description:   description,
		Status:        StatusUnreconciled,
		CreatedBy:     actorOr(ctx, createdBy),
		CreatedAt:     now,
	}
}

func (c *core) recorded(ctx context.Context, txn *Transaction) {
	c.logger.Info("transaction recorded",
		"transaction_id", txn.ID,
		"account_id", txn.AccountID,
		"attribution", txn.Attribution.String(),
		"type", string(txn.Type),
		"amount", txn.Amount.String(),
	)
	c.events.emit(ctx, Event{
		Type:           EventTransactionRecorded,
		AccountID:      txn.AccountID,
		TransactionIDs: []string{txn.ID},
		Actor:          txn.CreatedBy,
		Detail: map[string]string{
			"type":        string(txn.Type),
			"attribution": txn.Attribution.String(),
			"amount":      txn.Amount.String(),
		},
	})
}
