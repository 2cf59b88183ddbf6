package ledger

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// AccountStatus is the lifecycle state of a trust account.
type AccountStatus string

const (
	AccountActive   AccountStatus = "ACTIVE"
	AccountInactive AccountStatus = "INACTIVE"
)

// TransactionType identifies the direction of a movement.
type TransactionType string

const (
	TypeDeposit     TransactionType = "DEPOSIT"
	TypeWithdrawal  TransactionType = "WITHDRAWAL"
	TypeTransferOut TransactionType = "TRANSFER_OUT"
	TypeTransferIn  TransactionType = "TRANSFER_IN"
)

// Sign is +1 for movements into the account and -1 for movements out.
func (t TransactionType) Sign() int {
	switch t {
	case TypeDeposit, TypeTransferIn:
		return 1
	case TypeWithdrawal, TypeTransferOut:
		return -1
	}
	return 0
}

func (t TransactionType) Valid() bool { return t.Sign() != 0 }

// ReconciliationStatus moves one way: UNRECONCILED to RECONCILED.
type ReconciliationStatus string

const (
	StatusUnreconciled ReconciliationStatus = "UNRECONCILED"
	StatusReconciled   ReconciliationStatus = "RECONCILED"
)

// BankDetails is the routing metadata of the pooled bank account.
type BankDetails struct {
	BankName      string `json:"bank_name"`
	RoutingNumber string `json:"routing_number"`
	AccountNumber string `json:"account_number"`
}

// TrustAccount is a pooled bank account holding funds for many clients.
type TrustAccount struct {
	ID               string           `json:"id"`
	Name             string           `json:"name"`
	Bank             BankDetails      `json:"bank"`
	Currency         string           `json:"currency"`
	Status           AccountStatus    `json:"status"`
	StatementBalance *decimal.Decimal `json:"statement_balance,omitempty"`
	StatementDate    *time.Time       `json:"statement_date,omitempty"`
	IntegrityHold    bool             `json:"integrity_hold"`
	CreatedBy        string           `json:"created_by"`
	CreatedAt        time.Time        `json:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
}

func (a *TrustAccount) Active() bool { return a.Status == AccountActive }

func (a *TrustAccount) clone() *TrustAccount {
	c := *a
	if a.StatementBalance != nil {
		b := *a.StatementBalance
		c.StatementBalance = &b
	}
	if a.StatementDate != nil {
		d := *a.StatementDate
		c.StatementDate = &d
	}
	return &c
}

type attributionKind uint8

const (
	kindClient attributionKind = iota + 1
	kindAccountLevel
)

// Attribution says whose money a transaction moves: one client's
// sub-ledger, or the account itself for pure account-level corrections.
// The zero value is invalid.
type Attribution struct {
	kind     attributionKind
	clientID string
}

// ClientFunds attributes a transaction to a client sub-ledger.
func ClientFunds(clientID string) Attribution {
	return Attribution{kind: kindClient, clientID: clientID}
}

// AccountLevel marks an account-level correction not owned by any client.
func AccountLevel() Attribution {
	return Attribution{kind: kindAccountLevel}
}

// ClientID returns the client and true for client-attributed transactions.
func (a Attribution) ClientID() (string, bool) {
	return a.clientID, a.kind == kindClient
}

func (a Attribution) IsAccountLevel() bool { return a.kind == kindAccountLevel }

func (a Attribution) Valid() bool {
	switch a.kind {
	case kindClient:
		return a.clientID != ""
	case kindAccountLevel:
		return true
	}
	return false
}

// bucket is the projection key for the attribution. Account-level rows
// share the empty bucket, which no client id can collide with.
func (a Attribution) bucket() string {
	switch a.kind {
	case kindClient:
		return a.clientID
	case kindAccountLevel:
		return unattributedBucket
	}
	panic("ledger: invalid attribution")
}

const unattributedBucket = ""

func attributionFromBucket(key string) Attribution {
	if key == unattributedBucket {
		return AccountLevel()
	}
	return ClientFunds(key)
}

func (a Attribution) String() string {
	if id, ok := a.ClientID(); ok {
		return "client:" + id
	}
	if a.IsAccountLevel() {
		return "account-level"
	}
	return "invalid"
}

// MarshalJSON renders the client id, or null for account-level rows.
func (a Attribution) MarshalJSON() ([]byte, error) {
	if id, ok := a.ClientID(); ok {
		return json.Marshal(id)
	}
	return []byte("null"), nil
}

func (a *Attribution) UnmarshalJSON(b []byte) error {
	var id *string
	if err := json.Unmarshal(b, &id); err != nil {
		return err
	}
	if id == nil || *id == "" {
		*a = AccountLevel()
		return nil
	}
	*a = ClientFunds(*id)
	return nil
}

// Transaction is an immutable movement of funds on one account.
type Transaction struct {
	ID            string               `json:"id"`
	AccountID     string               `json:"account_id"`
	Attribution   Attribution          `json:"client_id"`
	Type          TransactionType      `json:"type"`
	Amount        decimal.Decimal      `json:"amount"`
	EffectiveDate time.Time            `json:"effective_date"`
	Description   string               `json:"description"`
	TransferID    string               `json:"transfer_id,omitempty"`
	CounterpartID string               `json:"counterpart_id,omitempty"`
	Status        ReconciliationStatus `json:"status"`
	ReconciledAt  *time.Time           `json:"reconciled_at,omitempty"`
	CreatedBy     string               `json:"created_by"`
	CreatedAt     time.Time            `json:"created_at"`
}

// SignedAmount is the amount with the sign of its direction.
func (t *Transaction) SignedAmount() decimal.Decimal {
	switch t.Type.Sign() {
	case 1:
		return t.Amount
	case -1:
		return t.Amount.Neg()
	}
	return decimal.Zero
}

func (t *Transaction) Reconciled() bool { return t.Status == StatusReconciled }

func (t *Transaction) clone() *Transaction {
	c := *t
	if t.ReconciledAt != nil {
		r := *t.ReconciledAt
		c.ReconciledAt = &r
	}
	return &c
}

// AccountFilter narrows ListAccounts.
type AccountFilter struct {
	Status AccountStatus
	Limit  int
	Offset int
}

// TransactionFilter narrows ListTransactions. Results are ordered by
// effective date, then id. A zero Limit returns every matching row.
type TransactionFilter struct {
	AccountID string
	ClientID  string
	Status    ReconciliationStatus
	AsOf      *time.Time
	Limit     int
	Offset    int
}

// Page is a limit/offset window used by the query operations.
type Page struct {
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

const (
	DefaultPageSize = 50
	MaxPageSize     = 500
)

func (p Page) normalize() Page {
	if p.Limit <= 0 {
		p.Limit = DefaultPageSize
	}
	if p.Limit > MaxPageSize {
		p.Limit = MaxPageSize
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}
