package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// MemoryStore keeps the ledger in process memory. A single mutex makes
// every method one atomic unit.
type MemoryStore struct {
	mu         sync.RWMutex
	accounts   map[string]*TrustAccount
	txns       map[string]*Transaction
	byAccount  map[string][]*Transaction
	projection *Projection
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts:   make(map[string]*TrustAccount),
		txns:       make(map[string]*Transaction),
		byAccount:  make(map[string][]*Transaction),
		projection: NewProjection(),
	}
}

func (m *MemoryStore) CreateAccount(ctx context.Context, acct *TrustAccount) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.accounts[acct.ID]; ok {
		return ErrAccountExists
	}
	m.accounts[acct.ID] = acct.clone()
	return nil
}

func (m *MemoryStore) GetAccount(ctx context.Context, id string) (*TrustAccount, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	acct, ok := m.accounts[id]
	if !ok {
		return nil, ErrAccountNotFound
	}
	return acct.clone(), nil
}

func (m *MemoryStore) ListAccounts(ctx context.Context, filter AccountFilter) ([]*TrustAccount, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*TrustAccount
	for _, a := range m.accounts {
		if filter.Status != "" && a.Status != filter.Status {
			continue
		}
		out = append(out, a.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return window(out, filter.Limit, filter.Offset), nil
}

func (m *MemoryStore) UpdateAccountDetails(ctx context.Context, acct *TrustAccount) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.accounts[acct.ID]
	if !ok {
		return ErrAccountNotFound
	}
	cur.Name = acct.Name
	cur.Bank = acct.Bank
	cur.UpdatedAt = acct.UpdatedAt
	return nil
}

func (m *MemoryStore) SetAccountStatus(ctx context.Context, id string, status AccountStatus, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.accounts[id]
	if !ok {
		return ErrAccountNotFound
	}
	if status == AccountInactive {
		if open := m.projection.Account(id).Nonzero(); len(open) > 0 {
			return &OutstandingBalanceError{AccountID: id, Balances: open}
		}
	}
	cur.Status = status
	cur.UpdatedAt = at
	return nil
}

func (m *MemoryStore) SetIntegrityHold(ctx context.Context, id string, hold bool, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.accounts[id]
	if !ok {
		return ErrAccountNotFound
	}
	cur.IntegrityHold = hold
	cur.UpdatedAt = at
	return nil
}

func (m *MemoryStore) RecordStatement(ctx context.Context, id string, balance decimal.Decimal, date time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.accounts[id]
	if !ok {
		return ErrAccountNotFound
	}
	cur.StatementBalance = &balance
	cur.StatementDate = &date
	cur.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) Commit(ctx context.Context, txns ...*Transaction) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, t := range txns {
		acct, ok := m.accounts[t.AccountID]
		if !ok {
			return ErrAccountNotFound
		}
		if err := checkActive(acct); err != nil {
			return err
		}
		if _, dup := m.txns[t.ID]; dup {
			return fmt.Errorf("%w: %s", ErrDuplicateTransaction, t.ID)
		}
	}

	for k, v := range m.projection.Preview(txns...) {
		if v.IsNegative() {
			b := attributionFromBucket(k.bucket)
			return &InsufficientFundsError{
				AccountID: k.accountID,
				Bucket:    b,
				Balance:   m.projection.Account(k.accountID).Of(b),
				Requested: v.Sub(m.projection.Account(k.accountID).Of(b)).Neg(),
			}
		}
	}

	for _, t := range txns {
		c := t.clone()
		m.txns[c.ID] = c
		m.byAccount[c.AccountID] = append(m.byAccount[c.AccountID], c)
	}
	m.projection.Apply(txns...)
	return nil
}

func (m *MemoryStore) GetTransaction(ctx context.Context, id string) (*Transaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.txns[id]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	return t.clone(), nil
}

func (m *MemoryStore) ListTransactions(ctx context.Context, filter TransactionFilter) ([]*Transaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	source := m.byAccount[filter.AccountID]
	if filter.AccountID == "" {
		source = make([]*Transaction, 0, len(m.txns))
		for _, t := range m.txns {
			source = append(source, t)
		}
	}

	var out []*Transaction
	for _, t := range source {
		if filter.ClientID != "" {
			if id, ok := t.Attribution.ClientID(); !ok || id != filter.ClientID {
				continue
			}
		}
		if filter.Status != "" && t.Status != filter.Status {
			continue
		}
		if filter.AsOf != nil && t.EffectiveDate.After(*filter.AsOf) {
			continue
		}
		out = append(out, t.clone())
	}
	SortTransactions(out)
	return window(out, filter.Limit, filter.Offset), nil
}

func (m *MemoryStore) MarkReconciled(ctx context.Context, accountID string, ids []string, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	err := checkReconcileBatch(accountID, ids, func(id string) *Transaction { return m.txns[id] })
	if err != nil {
		return err
	}
	for _, id := range ids {
		t := m.txns[id]
		t.Status = StatusReconciled
		r := at
		t.ReconciledAt = &r
	}
	return nil
}

func (m *MemoryStore) SubLedgerBalances(ctx context.Context, accountID string) (Balances, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.accounts[accountID]; !ok {
		return nil, ErrAccountNotFound
	}
	return m.projection.Account(accountID), nil
}

func (m *MemoryStore) VerifyBalances(ctx context.Context, accountID string) (cached, folded Balances, err error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.accounts[accountID]; !ok {
		return nil, nil, ErrAccountNotFound
	}
	return m.projection.Account(accountID), FoldBalances(m.byAccount[accountID], nil), nil
}

func (m *MemoryStore) RebuildBalances(ctx context.Context, accountID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.accounts[accountID]; !ok {
		return ErrAccountNotFound
	}
	folded := FoldBalances(m.byAccount[accountID], nil)
	if neg := folded.Negative(); len(neg) > 0 {
		return &BalanceMismatchError{AccountID: accountID, Check: "history", Actual: folded[neg[0]]}
	}
	m.projection.Rebuild(accountID, m.byAccount[accountID])
	return nil
}

func (m *MemoryStore) Close() error { return nil }

// SortTransactions orders by effective date, then id.
func SortTransactions(txns []*Transaction) {
	sort.SliceStable(txns, func(i, j int) bool {
		a, b := txns[i], txns[j]
		if !a.EffectiveDate.Equal(b.EffectiveDate) {
			return a.EffectiveDate.Before(b.EffectiveDate)
		}
		return a.ID < b.ID
	})
}

func window[T any](items []T, limit, offset int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return nil
		}
		items = items[offset:]
	}
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
