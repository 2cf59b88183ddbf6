package ledger

import (
	"sort"

	"github.com/shopspring/decimal"
)

// Balances maps a sub-ledger bucket to its signed balance. The
// account-level bucket is keyed by the empty string.
type Balances map[string]decimal.Decimal

// Total sums every bucket.
func (b Balances) Total() decimal.Decimal {
	total := decimal.Zero
	for _, v := range b {
		total = total.Add(v)
	}
	return total
}

// Of returns the balance of one attribution, zero when absent.
func (b Balances) Of(a Attribution) decimal.Decimal {
	if v, ok := b[a.bucket()]; ok {
		return v
	}
	return decimal.Zero
}

// Nonzero returns the buckets whose balance is not zero.
func (b Balances) Nonzero() Balances {
	out := Balances{}
	for k, v := range b {
		if !v.IsZero() {
			out[k] = v
		}
	}
	return out
}

// Negative returns the buckets below zero, sorted by key.
func (b Balances) Negative() []string {
	var keys []string
	for k, v := range b {
		if v.IsNegative() {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// Equal compares two projections bucket by bucket, treating absent
// buckets as zero.
func (b Balances) Equal(o Balances) bool {
	for k, v := range b {
		if !v.Equal(o[k]) {
			return false
		}
	}
	for k, v := range o {
		if _, ok := b[k]; !ok && !v.IsZero() {
			return false
		}
	}
	return true
}

// SubLedger is one bucket of Balances.
type SubLedger struct {
	Attribution Attribution     `json:"client_id"`
	Balance     decimal.Decimal `json:"balance"`
}

// SubLedgers lists the buckets ordered by key, account-level first.
func (b Balances) SubLedgers() []SubLedger {
	out := make([]SubLedger, 0, len(b))
	for _, k := range sortedKeys(b) {
		out = append(out, SubLedger{Attribution: attributionFromBucket(k), Balance: b[k]})
	}
	return out
}

func (b Balances) clone() Balances {
	out := make(Balances, len(b))
	for k, v := range b {
		out[k] = v
	}
	return out
}

type projectionKey struct {
	accountID string
	bucket    string
}

// Projection is the running-total cache of sub-ledger balances. It is a
// derived view: Rebuild reconstructs it from history at any time.
type Projection struct {
	totals map[projectionKey]decimal.Decimal
}

func NewProjection() *Projection {
	return &Projection{totals: make(map[projectionKey]decimal.Decimal)}
}

// Preview returns the balances each touched bucket would have after
// applying txns, without mutating the projection.
func (p *Projection) Preview(txns ...*Transaction) map[projectionKey]decimal.Decimal {
	next := make(map[projectionKey]decimal.Decimal)
	for _, t := range txns {
		k := projectionKey{accountID: t.AccountID, bucket: t.Attribution.bucket()}
		cur, ok := next[k]
		if !ok {
			cur = p.totals[k]
		}
		next[k] = cur.Add(t.SignedAmount())
	}
	return next
}

// Apply folds txns into the running totals.
func (p *Projection) Apply(txns ...*Transaction) {
	for k, v := range p.Preview(txns...) {
		p.totals[k] = v
	}
}

// Account returns the bucket balances of one account.
func (p *Projection) Account(accountID string) Balances {
	out := Balances{}
	for k, v := range p.totals {
		if k.accountID == accountID {
			out[k.bucket] = v
		}
	}
	return out
}

// Rebuild discards the totals of accountID and replays history.
func (p *Projection) Rebuild(accountID string, history []*Transaction) {
	for k := range p.totals {
		if k.accountID == accountID {
			delete(p.totals, k)
		}
	}
	for bucket, v := range FoldBalances(history, nil) {
		p.totals[projectionKey{accountID: accountID, bucket: bucket}] = v
	}
}
