package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
)

// StoreSuite is the behaviour every Store implementation must share.
type StoreSuite struct {
	suite.Suite
	open  func(t *testing.T) Store
	store Store
	ctx   context.Context
}

func TestStores(t *testing.T) {
	for _, b := range backends() {
		b := b
		t.Run(b.name, func(t *testing.T) {
			suite.Run(t, &StoreSuite{open: b.open})
		})
	}
}

func (s *StoreSuite) SetupTest() {
	s.ctx = context.Background()
	s.store = s.open(s.T())
}

func (s *StoreSuite) newAccount() *TrustAccount {
	acct := testAccount(uid("acct"))
	s.Require().NoError(s.store.CreateAccount(s.ctx, acct))
	return acct
}

func (s *StoreSuite) TestCreateAndGetAccount() {
	acct := s.newAccount()

	got, err := s.store.GetAccount(s.ctx, acct.ID)
	s.Require().NoError(err)
	s.Equal(acct.Name, got.Name)
	s.Equal(acct.Bank, got.Bank)
	s.Equal(AccountActive, got.Status)
	s.Equal("tester", got.CreatedBy)
	s.True(acct.CreatedAt.Equal(got.CreatedAt))
	s.Nil(got.StatementBalance)

	err = s.store.CreateAccount(s.ctx, acct)
	s.ErrorIs(err, ErrAccountExists)

	_, err = s.store.GetAccount(s.ctx, "missing-"+acct.ID)
	s.ErrorIs(err, ErrAccountNotFound)
}

func (s *StoreSuite) TestListAccountsFiltersByStatus() {
	active := s.newAccount()
	inactive := s.newAccount()
	s.Require().NoError(s.store.SetAccountStatus(s.ctx, inactive.ID, AccountInactive, t0))

	accounts, err := s.store.ListAccounts(s.ctx, AccountFilter{Status: AccountActive})
	s.Require().NoError(err)
	ids := map[string]bool{}
	for _, a := range accounts {
		ids[a.ID] = true
		s.Equal(AccountActive, a.Status)
	}
	s.True(ids[active.ID])
	s.False(ids[inactive.ID])
}

func (s *StoreSuite) TestUpdateAccountDetailsLeavesStatus() {
	acct := s.newAccount()
	acct.Name = "Renamed"
	acct.Status = AccountInactive
	acct.UpdatedAt = t0.Add(time.Hour)
	s.Require().NoError(s.store.UpdateAccountDetails(s.ctx, acct))

	got, err := s.store.GetAccount(s.ctx, acct.ID)
	s.Require().NoError(err)
	s.Equal("Renamed", got.Name)
	s.Equal(AccountActive, got.Status)
}

func (s *StoreSuite) TestCommitUpdatesProjection() {
	acct := s.newAccount()
	s.Require().NoError(s.store.Commit(s.ctx,
		testTxn(acct.ID, ClientFunds("c1"), TypeDeposit, "1000.00", t0),
		testTxn(acct.ID, ClientFunds("c2"), TypeDeposit, "250.50", t0),
	))
	s.Require().NoError(s.store.Commit(s.ctx, testTxn(acct.ID, ClientFunds("c1"), TypeWithdrawal, "400.00", t0.Add(time.Minute))))

	b, err := s.store.SubLedgerBalances(s.ctx, acct.ID)
	s.Require().NoError(err)
	s.True(dec("600").Equal(b.Of(ClientFunds("c1"))))
	s.True(dec("250.50").Equal(b.Of(ClientFunds("c2"))))
	s.True(dec("850.50").Equal(b.Total()))
}

func (s *StoreSuite) TestCommitRejectsNegativeBucket() {
	acct := s.newAccount()
	s.Require().NoError(s.store.Commit(s.ctx, testTxn(acct.ID, ClientFunds("c1"), TypeDeposit, "100.00", t0)))

	err := s.store.Commit(s.ctx, testTxn(acct.ID, ClientFunds("c1"), TypeWithdrawal, "100.01", t0))
	s.ErrorIs(err, ErrInsufficientFunds)
	var ife *InsufficientFundsError
	s.Require().True(errors.As(err, &ife))
	s.True(dec("100").Equal(ife.Balance))

	txns, err := s.store.ListTransactions(s.ctx, TransactionFilter{AccountID: acct.ID})
	s.Require().NoError(err)
	s.Len(txns, 1)
}

func (s *StoreSuite) TestCommitIsAllOrNothing() {
	from := s.newAccount()
	to := s.newAccount()
	s.Require().NoError(s.store.Commit(s.ctx, testTxn(from.ID, ClientFunds("c1"), TypeDeposit, "500.00", t0)))
	s.Require().NoError(s.store.SetAccountStatus(s.ctx, to.ID, AccountInactive, t0))

	out := testTxn(from.ID, ClientFunds("c1"), TypeTransferOut, "200.00", t0)
	in := testTxn(to.ID, ClientFunds("c1"), TypeTransferIn, "200.00", t0)
	err := s.store.Commit(s.ctx, out, in)
	s.ErrorIs(err, ErrInvalidAccountState)

	_, err = s.store.GetTransaction(s.ctx, out.ID)
	s.ErrorIs(err, ErrTransactionNotFound)
	b, err := s.store.SubLedgerBalances(s.ctx, from.ID)
	s.Require().NoError(err)
	s.True(dec("500").Equal(b.Of(ClientFunds("c1"))))
}

func (s *StoreSuite) TestCommitRejectsHeldAccount() {
	acct := s.newAccount()
	s.Require().NoError(s.store.SetIntegrityHold(s.ctx, acct.ID, true, t0))

	err := s.store.Commit(s.ctx, testTxn(acct.ID, ClientFunds("c1"), TypeDeposit, "1.00", t0))
	s.ErrorIs(err, ErrBalanceMismatch)

	s.Require().NoError(s.store.SetIntegrityHold(s.ctx, acct.ID, false, t0))
	s.NoError(s.store.Commit(s.ctx, testTxn(acct.ID, ClientFunds("c1"), TypeDeposit, "1.00", t0)))
}

func (s *StoreSuite) TestCommitRejectsDuplicateID() {
	acct := s.newAccount()
	txn := testTxn(acct.ID, ClientFunds("c1"), TypeDeposit, "10.00", t0)
	s.Require().NoError(s.store.Commit(s.ctx, txn))
	s.ErrorIs(s.store.Commit(s.ctx, txn), ErrDuplicateTransaction)
}

func (s *StoreSuite) TestAccountLevelBucket() {
	acct := s.newAccount()
	s.Require().NoError(s.store.Commit(s.ctx,
		testTxn(acct.ID, AccountLevel(), TypeDeposit, "3.00", t0),
		testTxn(acct.ID, ClientFunds("c1"), TypeDeposit, "7.00", t0),
	))

	b, err := s.store.SubLedgerBalances(s.ctx, acct.ID)
	s.Require().NoError(err)
	s.True(dec("3").Equal(b.Of(AccountLevel())))
	s.True(dec("10").Equal(b.Total()))

	got, err := s.store.ListTransactions(s.ctx, TransactionFilter{AccountID: acct.ID})
	s.Require().NoError(err)
	var levels int
	for _, t := range got {
		if t.Attribution.IsAccountLevel() {
			levels++
		}
	}
	s.Equal(1, levels)
}

func (s *StoreSuite) TestListTransactionsOrderAndFilters() {
	acct := s.newAccount()
	late := testTxn(acct.ID, ClientFunds("c1"), TypeDeposit, "1.00", t0.Add(2*time.Hour))
	early := testTxn(acct.ID, ClientFunds("c2"), TypeDeposit, "2.00", t0)
	mid := testTxn(acct.ID, ClientFunds("c1"), TypeDeposit, "3.00", t0.Add(time.Hour))
	s.Require().NoError(s.store.Commit(s.ctx, late, early, mid))

	all, err := s.store.ListTransactions(s.ctx, TransactionFilter{AccountID: acct.ID})
	s.Require().NoError(err)
	s.Require().Len(all, 3)
	s.Equal([]string{early.ID, mid.ID, late.ID}, []string{all[0].ID, all[1].ID, all[2].ID})
	s.True(dec("2").Equal(all[0].Amount))

	byClient, err := s.store.ListTransactions(s.ctx, TransactionFilter{AccountID: acct.ID, ClientID: "c1"})
	s.Require().NoError(err)
	s.Len(byClient, 2)

	asOf := t0.Add(time.Hour)
	upTo, err := s.store.ListTransactions(s.ctx, TransactionFilter{AccountID: acct.ID, AsOf: &asOf})
	s.Require().NoError(err)
	s.Len(upTo, 2)

	page, err := s.store.ListTransactions(s.ctx, TransactionFilter{AccountID: acct.ID, Limit: 1, Offset: 1})
	s.Require().NoError(err)
	s.Require().Len(page, 1)
	s.Equal(mid.ID, page[0].ID)
}

func (s *StoreSuite) TestMarkReconciled() {
	acct := s.newAccount()
	other := s.newAccount()
	a := testTxn(acct.ID, ClientFunds("c1"), TypeDeposit, "1.00", t0)
	b := testTxn(acct.ID, ClientFunds("c1"), TypeDeposit, "2.00", t0)
	foreign := testTxn(other.ID, ClientFunds("c1"), TypeDeposit, "3.00", t0)
	s.Require().NoError(s.store.Commit(s.ctx, a, b))
	s.Require().NoError(s.store.Commit(s.ctx, foreign))

	at := t0.Add(24 * time.Hour)

	err := s.store.MarkReconciled(s.ctx, acct.ID, []string{a.ID, foreign.ID}, at)
	s.ErrorIs(err, ErrTransactionNotFound)
	err = s.store.MarkReconciled(s.ctx, acct.ID, []string{a.ID, "nope"}, at)
	s.ErrorIs(err, ErrTransactionNotFound)
	err = s.store.MarkReconciled(s.ctx, acct.ID, []string{a.ID, a.ID}, at)
	s.ErrorIs(err, ErrAlreadyReconciled)

	got, err := s.store.GetTransaction(s.ctx, a.ID)
	s.Require().NoError(err)
	s.False(got.Reconciled(), "failed batches leave every row untouched")

	s.Require().NoError(s.store.MarkReconciled(s.ctx, acct.ID, []string{a.ID}, at))
	got, err = s.store.GetTransaction(s.ctx, a.ID)
	s.Require().NoError(err)
	s.True(got.Reconciled())
	s.Require().NotNil(got.ReconciledAt)
	s.True(at.Equal(*got.ReconciledAt))

	err = s.store.MarkReconciled(s.ctx, acct.ID, []string{b.ID, a.ID}, at)
	var rerr *ReconcileError
	s.Require().True(errors.As(err, &rerr))
	s.Equal(a.ID, rerr.TransactionID)
	s.ErrorIs(err, ErrAlreadyReconciled)

	got, err = s.store.GetTransaction(s.ctx, b.ID)
	s.Require().NoError(err)
	s.False(got.Reconciled())
}

func (s *StoreSuite) TestDeactivationGuardDownToOneCent() {
	acct := s.newAccount()
	s.Require().NoError(s.store.Commit(s.ctx,
		testTxn(acct.ID, ClientFunds("c1"), TypeDeposit, "100.00", t0),
		testTxn(acct.ID, ClientFunds("c1"), TypeWithdrawal, "99.99", t0),
	))

	err := s.store.SetAccountStatus(s.ctx, acct.ID, AccountInactive, t0)
	s.ErrorIs(err, ErrOutstandingBalance)

	s.Require().NoError(s.store.Commit(s.ctx, testTxn(acct.ID, ClientFunds("c1"), TypeWithdrawal, "0.01", t0)))
	s.NoError(s.store.SetAccountStatus(s.ctx, acct.ID, AccountInactive, t0))

	got, err := s.store.GetAccount(s.ctx, acct.ID)
	s.Require().NoError(err)
	s.Equal(AccountInactive, got.Status)
}

func (s *StoreSuite) TestRecordStatement() {
	acct := s.newAccount()
	date := t0.Add(48 * time.Hour)
	s.Require().NoError(s.store.RecordStatement(s.ctx, acct.ID, dec("1234.56"), date))

	got, err := s.store.GetAccount(s.ctx, acct.ID)
	s.Require().NoError(err)
	s.Require().NotNil(got.StatementBalance)
	s.True(dec("1234.56").Equal(*got.StatementBalance))
	s.True(date.Equal(*got.StatementDate))

	s.ErrorIs(s.store.RecordStatement(s.ctx, "missing-"+acct.ID, dec("1"), date), ErrAccountNotFound)
}

func (s *StoreSuite) TestRebuildBalancesMatchesFold() {
	acct := s.newAccount()
	s.Require().NoError(s.store.Commit(s.ctx,
		testTxn(acct.ID, ClientFunds("c1"), TypeDeposit, "80.00", t0),
		testTxn(acct.ID, ClientFunds("c2"), TypeDeposit, "20.00", t0),
		testTxn(acct.ID, ClientFunds("c1"), TypeWithdrawal, "30.00", t0),
	))
	before, err := s.store.SubLedgerBalances(s.ctx, acct.ID)
	s.Require().NoError(err)

	s.Require().NoError(s.store.RebuildBalances(s.ctx, acct.ID))
	after, err := s.store.SubLedgerBalances(s.ctx, acct.ID)
	s.Require().NoError(err)

	history, err := s.store.ListTransactions(s.ctx, TransactionFilter{AccountID: acct.ID})
	s.Require().NoError(err)
	s.True(before.Equal(after))
	s.True(after.Equal(FoldBalances(history, nil)))
}

func (s *StoreSuite) TestVerifyBalancesReadsProjectionAndHistory() {
	acct := s.newAccount()
	var txns []*Transaction
	for i := 0; i < MaxPageSize+20; i++ {
		txns = append(txns, testTxn(acct.ID, ClientFunds("c1"), TypeDeposit, "1.00", t0.Add(time.Duration(i)*time.Minute)))
	}
	s.Require().NoError(s.store.Commit(s.ctx, txns...))
	s.Require().NoError(s.store.Commit(s.ctx, testTxn(acct.ID, ClientFunds("c1"), TypeWithdrawal, "0.50", t0.Add(48*time.Hour))))

	all, err := s.store.ListTransactions(s.ctx, TransactionFilter{AccountID: acct.ID})
	s.Require().NoError(err)
	s.Len(all, MaxPageSize+21, "a zero limit returns every row")

	cached, folded, err := s.store.VerifyBalances(s.ctx, acct.ID)
	s.Require().NoError(err)
	s.True(cached.Equal(folded))
	s.Equal("519.50", folded.Of(ClientFunds("c1")).StringFixed(2))

	_, _, err = s.store.VerifyBalances(s.ctx, "missing-"+acct.ID)
	s.ErrorIs(err, ErrAccountNotFound)
}
