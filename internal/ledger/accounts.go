package ledger

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/example/trust-ledger/internal/money"
)

// CreateAccountRequest opens a trust account. ID and Currency are optional.
type CreateAccountRequest struct {
	ID        string      `json:"id" validate:"max=128"`
	Name      string      `json:"name" validate:"required,max=256"`
	Bank      BankDetails `json:"bank"`
	Currency  string      `json:"currency" validate:"omitempty,iso4217"`
	CreatedBy string      `json:"created_by" validate:"max=128"`
}

// UpdateAccountRequest changes account metadata. Nil fields are left as is.
type UpdateAccountRequest struct {
	Name *string      `json:"name,omitempty" validate:"omitempty,min=1,max=256"`
	Bank *BankDetails `json:"bank,omitempty"`
}

// AccountManager owns the trust account lifecycle.
type AccountManager struct {
	*core
}

func (m *AccountManager) CreateAccount(ctx context.Context, req CreateAccountRequest) (*TrustAccount, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}

	cur := m.currency
	if req.Currency != "" {
		c, err := money.CurrencyOf(req.Currency)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
		cur = c
	}
	id := strings.TrimSpace(req.ID)
	if id == "" {
		id = uuid.NewString()
	}

	now := m.now()
	acct := &TrustAccount{
		ID:        id,
		Name:      req.Name,
		Bank:      req.Bank,
		Currency:  cur.Code,
		Status:    AccountActive,
		CreatedBy: actorOr(ctx, req.CreatedBy),
		CreatedAt: now,
		UpdatedAt: now,
	}
	err := m.retry.Do(ctx, "create account", func(ctx context.Context) error {
		return m.store.CreateAccount(ctx, acct)
	})
	if err != nil {
		return nil, err
	}

	m.logger.Info("trust account created", "account_id", acct.ID, "currency", acct.Currency)
	m.events.emit(ctx, Event{Type: EventAccountCreated, AccountID: acct.ID, Actor: acct.CreatedBy})
	return acct, nil
}

func (m *AccountManager) GetAccount(ctx context.Context, id string) (*TrustAccount, error) {
	return m.loadAccount(ctx, id)
}

// ListActiveAccounts pages through ACTIVE accounts ordered by id.
func (m *AccountManager) ListActiveAccounts(ctx context.Context, page Page) ([]*TrustAccount, error) {
	return m.ListAccounts(ctx, AccountFilter{Status: AccountActive, Limit: page.Limit, Offset: page.Offset})
}

func (m *AccountManager) ListAccounts(ctx context.Context, filter AccountFilter) ([]*TrustAccount, error) {
	page := Page{Limit: filter.Limit, Offset: filter.Offset}.normalize()
	filter.Limit, filter.Offset = page.Limit, page.Offset

	var out []*TrustAccount
	err := m.retry.Do(ctx, "list accounts", func(ctx context.Context) error {
		a, err := m.store.ListAccounts(ctx, filter)
		out = a
		return err
	})
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []*TrustAccount{}
	}
	return out, nil
}

// UpdateAccount changes metadata only; balances and status are untouched.
func (m *AccountManager) UpdateAccount(ctx context.Context, id string, req UpdateAccountRequest) (*TrustAccount, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}
	acct, err := m.loadAccount(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.Name != nil {
		acct.Name = *req.Name
	}
	if req.Bank != nil {
		acct.Bank = *req.Bank
	}
	acct.UpdatedAt = m.now()

	err = m.retry.Do(ctx, "update account", func(ctx context.Context) error {
		return m.store.UpdateAccountDetails(ctx, acct)
	})
	if err != nil {
		return nil, err
	}
	m.events.emit(ctx, Event{Type: EventAccountUpdated, AccountID: id, Actor: ActorFrom(ctx)})
	return acct, nil
}

// DeactivateAccount flips the account to INACTIVE. It fails with
// ErrOutstandingBalance while any sub-ledger, including the account-level
// bucket, holds a nonzero amount. The store repeats the check atomically
// with the status change.
func (m *AccountManager) DeactivateAccount(ctx context.Context, id string) error {
	acct, err := m.loadAccount(ctx, id)
	if err != nil {
		return err
	}
	if !acct.Active() {
		return &AccountStateError{AccountID: id, Status: acct.Status}
	}

	balances, err := m.calc.SubLedgerBalances(ctx, id)
	if err != nil {
		return err
	}
	if open := balances.Nonzero(); len(open) > 0 {
		return &OutstandingBalanceError{AccountID: id, Balances: open}
	}

	err = m.retry.Do(ctx, "deactivate account", func(ctx context.Context) error {
		return m.store.SetAccountStatus(ctx, id, AccountInactive, m.now())
	})
	if err != nil {
		return err
	}
	m.logger.Info("trust account deactivated", "account_id", id)
	m.events.emit(ctx, Event{Type: EventAccountDeactivated, AccountID: id, Actor: ActorFrom(ctx)})
	return nil
}

// ReactivateAccount returns an INACTIVE account to ACTIVE.
func (m *AccountManager) ReactivateAccount(ctx context.Context, id string) error {
	acct, err := m.loadAccount(ctx, id)
	if err != nil {
		return err
	}
	if acct.Active() {
		return &AccountStateError{AccountID: id, Status: acct.Status}
	}
	err = m.retry.Do(ctx, "reactivate account", func(ctx context.Context) error {
		return m.store.SetAccountStatus(ctx, id, AccountActive, m.now())
	})
	if err != nil {
		return err
	}
	m.logger.Info("trust account reactivated", "account_id", id)
	m.events.emit(ctx, Event{Type: EventAccountReactivated, AccountID: id, Actor: ActorFrom(ctx)})
	return nil
}
