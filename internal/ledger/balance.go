package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// FoldBalances derives bucket balances from a transaction history. Rows
// with an effective date after asOf are skipped when asOf is set.
func FoldBalances(history []*Transaction, asOf *time.Time) Balances {
	out := Balances{}
	for _, t := range history {
		if asOf != nil && t.EffectiveDate.After(*asOf) {
			continue
		}
		var key string
		if id, ok := t.Attribution.ClientID(); ok {
			key = id
		} else if t.Attribution.IsAccountLevel() {
			key = unattributedBucket
		} else {
			continue
		}
		out[key] = out[key].Add(t.SignedAmount())
	}
	return out
}

// FoldTotal is the sum of signed amounts of history.
func FoldTotal(history []*Transaction, asOf *time.Time) decimal.Decimal {
	total := decimal.Zero
	for _, t := range history {
		if asOf != nil && t.EffectiveDate.After(*asOf) {
			continue
		}
		total = total.Add(t.SignedAmount())
	}
	return total
}

// AsOf restricts a balance query to transactions effective at or before t.
type AsOf time.Time

func asOfTime(opts []AsOf) *time.Time {
	if len(opts) == 0 {
		return nil
	}
	t := time.Time(opts[len(opts)-1])
	return &t
}

// Calculator answers balance questions. Current balances come from the
// store's projection; historical balances fold the stored history.
type Calculator struct {
	store Store
	retry RetryPolicy
}

func NewCalculator(store Store, retry RetryPolicy) *Calculator {
	return &Calculator{store: store, retry: retry}
}

// ClientBalance returns the balance of one client's sub-ledger.
func (c *Calculator) ClientBalance(ctx context.Context, accountID, clientID string, asOf ...AsOf) (decimal.Decimal, error) {
	if clientID == "" {
		return decimal.Zero, invalidf("client id is required")
	}
	b, err := c.SubLedgerBalances(ctx, accountID, asOf...)
	if err != nil {
		return decimal.Zero, err
	}
	return b.Of(ClientFunds(clientID)), nil
}

// AccountTotalClientBalances returns the sum of every sub-ledger,
// including the account-level bucket.
func (c *Calculator) AccountTotalClientBalances(ctx context.Context, accountID string, asOf ...AsOf) (decimal.Decimal, error) {
	b, err := c.SubLedgerBalances(ctx, accountID, asOf...)
	if err != nil {
		return decimal.Zero, err
	}
	return b.Total(), nil
}

// SubLedgerBalances returns every bucket of the account.
func (c *Calculator) SubLedgerBalances(ctx context.Context, accountID string, asOf ...AsOf) (Balances, error) {
	if accountID == "" {
		return nil, invalidf("account id is required")
	}
	if t := asOfTime(asOf); t != nil {
		history, err := c.history(ctx, accountID, t)
		if err != nil {
			return nil, err
		}
		return FoldBalances(history, t), nil
	}

	var out Balances
	err := c.retry.Do(ctx, "load sub-ledger balances", func(ctx context.Context) error {
		b, err := c.store.SubLedgerBalances(ctx, accountID)
		out = b
		return err
	})
	return out, err
}

// VerifyProjection compares the running totals with a fold of the full
// history and returns both views. The store reads both from one snapshot,
// so concurrent postings cannot make a healthy account look inconsistent.
func (c *Calculator) VerifyProjection(ctx context.Context, accountID string) (cached, folded Balances, err error) {
	err = c.retry.Do(ctx, "verify sub-ledger balances", func(ctx context.Context) error {
		cached, folded, err = c.store.VerifyBalances(ctx, accountID)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	if !cached.Equal(folded) {
		return cached, folded, &BalanceMismatchError{
			AccountID: accountID,
			Check:     "projection",
			Expected:  folded.Total(),
			Actual:    cached.Total(),
		}
	}
	return cached, folded, nil
}

// history reads every transaction of the account up to asOf in a single
// store call.
func (c *Calculator) history(ctx context.Context, accountID string, asOf *time.Time) ([]*Transaction, error) {
	var all []*Transaction
	err := c.retry.Do(ctx, "load transaction history", func(ctx context.Context) error {
		txns, err := c.store.ListTransactions(ctx, TransactionFilter{AccountID: accountID, AsOf: asOf})
		all = txns
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load history for account %s: %w", accountID, err)
	}
	return all, nil
}
