package ledger

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFoldBalancesSigns(t *testing.T) {
	history := []*Transaction{
		testTxn("a", ClientFunds("c1"), TypeDeposit, "100.00", t0),
		testTxn("a", ClientFunds("c1"), TypeWithdrawal, "30.00", t0.Add(time.Hour)),
		testTxn("a", ClientFunds("c2"), TypeTransferIn, "15.00", t0.Add(2*time.Hour)),
		testTxn("a", ClientFunds("c2"), TypeTransferOut, "5.00", t0.Add(3*time.Hour)),
		testTxn("a", AccountLevel(), TypeDeposit, "0.10", t0.Add(4*time.Hour)),
	}

	b := FoldBalances(history, nil)
	assert.Equal(t, "70.00", b.Of(ClientFunds("c1")).StringFixed(2))
	assert.Equal(t, "10.00", b.Of(ClientFunds("c2")).StringFixed(2))
	assert.Equal(t, "0.10", b.Of(AccountLevel()).StringFixed(2))
	assert.True(t, b.Total().Equal(FoldTotal(history, nil)))

	asOf := t0.Add(90 * time.Minute)
	early := FoldBalances(history, &asOf)
	assert.Equal(t, "70.00", early.Of(ClientFunds("c1")).StringFixed(2))
	assert.True(t, early.Of(ClientFunds("c2")).IsZero())
}

func TestProjectionMatchesFoldAfterRebuild(t *testing.T) {
	history := []*Transaction{
		testTxn("a", ClientFunds("c1"), TypeDeposit, "40.00", t0),
		testTxn("b", ClientFunds("c1"), TypeDeposit, "60.00", t0),
		testTxn("a", ClientFunds("c1"), TypeWithdrawal, "15.00", t0),
	}

	p := NewProjection()
	p.Apply(history...)
	assert.True(t, p.Account("a").Equal(FoldBalances([]*Transaction{history[0], history[2]}, nil)))

	// Corrupt the cache, then rebuild from the account's own history.
	p.totals[projectionKey{accountID: "a", bucket: "c1"}] = dec("999")
	p.Rebuild("a", []*Transaction{history[0], history[2]})
	assert.Equal(t, "25.00", p.Account("a").Of(ClientFunds("c1")).StringFixed(2))
	assert.Equal(t, "60.00", p.Account("b").Of(ClientFunds("c1")).StringFixed(2))
}

func TestBalancesEqualTreatsMissingAsZero(t *testing.T) {
	a := Balances{"c1": dec("1.00"), "c2": dec("0")}
	b := Balances{"c1": dec("1")}
	assert.True(t, a.Equal(b))
	assert.True(t, b.Equal(a))
	b["c3"] = dec("0.01")
	assert.False(t, a.Equal(b))
}

func TestAttributionJSON(t *testing.T) {
	txn := testTxn("a", ClientFunds("c1"), TypeDeposit, "1.00", t0)
	raw, err := json.Marshal(txn)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"client_id":"c1"`)

	correction := testTxn("a", AccountLevel(), TypeDeposit, "1.00", t0)
	raw, err = json.Marshal(correction)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"client_id":null`)

	var back Transaction
	require.NoError(t, json.Unmarshal(raw, &back))
	assert.True(t, back.Attribution.IsAccountLevel())
}

func TestZeroAttributionIsInvalid(t *testing.T) {
	var a Attribution
	assert.False(t, a.Valid())
	assert.False(t, ClientFunds("").Valid())
	assert.True(t, AccountLevel().Valid())
	assert.Panics(t, func() { a.bucket() })
}
