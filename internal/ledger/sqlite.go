package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
)

// SQLiteStore persists the ledger in a single SQLite file. Write
// transactions begin IMMEDIATE so the database lock is taken up front.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

// OpenSQLite opens path with the pragmas the store relies on. ":memory:"
// gives a private in-memory database.
func OpenSQLite(path string) (*sql.DB, error) {
	memory := path == ":memory:"
	dsn := "file:" + path
	if memory {
		dsn = "file::memory:"
	}
	dsn += "?_busy_timeout=5000&_txlock=immediate&_foreign_keys=on"

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	// A second connection would see a different in-memory database, and
	// SQLite serializes writers anyway.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping sqlite: %w", err)
	}
	return db, nil
}

// Migrate applies SQLiteSchema.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, SQLiteSchema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classifySQLiteError(fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return classifySQLiteError(err)
	}
	if err := tx.Commit(); err != nil {
		return classifySQLiteError(fmt.Errorf("failed to commit transaction: %w", err))
	}
	return nil
}

func (s *SQLiteStore) CreateAccount(ctx context.Context, acct *TrustAccount) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO trust_accounts (
			id, name, bank_name, routing_number, bank_account_number, currency_code,
			status, integrity_hold, created_by, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, acct.ID, acct.Name, acct.Bank.BankName, acct.Bank.RoutingNumber, acct.Bank.AccountNumber,
		acct.Currency, string(acct.Status), acct.IntegrityHold, acct.CreatedBy, toNanos(acct.CreatedAt), toNanos(acct.UpdatedAt))
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) &&
			(sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey || sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique) {
			return ErrAccountExists
		}
		return classifySQLiteError(fmt.Errorf("failed to insert account: %w", err))
	}
	return nil
}

const sqliteAccountColumns = `
	id, name, bank_name, routing_number, bank_account_number, currency_code, status,
	statement_balance, statement_date, integrity_hold, created_by, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteAccount(row rowScanner) (*TrustAccount, error) {
	var a TrustAccount
	var status string
	var statement sql.NullString
	var statementDate sql.NullInt64
	var createdAt, updatedAt int64
	err := row.Scan(
		&a.ID, &a.Name, &a.Bank.BankName, &a.Bank.RoutingNumber, &a.Bank.AccountNumber,
		&a.Currency, &status, &statement, &statementDate, &a.IntegrityHold,
		&a.CreatedBy, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}
	a.Status = AccountStatus(status)
	a.CreatedAt = fromNanos(createdAt)
	a.UpdatedAt = fromNanos(updatedAt)
	if statement.Valid {
		d, err := decimal.NewFromString(statement.String)
		if err != nil {
			return nil, fmt.Errorf("corrupt statement balance %q: %w", statement.String, err)
		}
		a.StatementBalance = &d
	}
	if statementDate.Valid {
		t := fromNanos(statementDate.Int64)
		a.StatementDate = &t
	}
	return &a, nil
}

func (s *SQLiteStore) GetAccount(ctx context.Context, id string) (*TrustAccount, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteAccountColumns+` FROM trust_accounts WHERE id = ?`, id)
	acct, err := scanSQLiteAccount(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, classifySQLiteError(fmt.Errorf("failed to get account: %w", err))
	}
	return acct, nil
}

func (s *SQLiteStore) ListAccounts(ctx context.Context, filter AccountFilter) ([]*TrustAccount, error) {
	query := `SELECT ` + sqliteAccountColumns + ` FROM trust_accounts WHERE 1=1`
	var args []any
	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, string(filter.Status))
	}
	query += " ORDER BY id" + limitClause(filter.Limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classifySQLiteError(fmt.Errorf("failed to query accounts: %w", err))
	}
	defer rows.Close()

	var accounts []*TrustAccount
	for rows.Next() {
		acct, err := scanSQLiteAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan account: %w", err)
		}
		accounts = append(accounts, acct)
	}
	return accounts, classifySQLiteError(rows.Err())
}

func (s *SQLiteStore) UpdateAccountDetails(ctx context.Context, acct *TrustAccount) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE trust_accounts
		SET name = ?, bank_name = ?, routing_number = ?, bank_account_number = ?, updated_at = ?
		WHERE id = ?
	`, acct.Name, acct.Bank.BankName, acct.Bank.RoutingNumber, acct.Bank.AccountNumber, toNanos(acct.UpdatedAt), acct.ID)
	return expectOneRow(res, err, "update account")
}

func (s *SQLiteStore) SetAccountStatus(ctx context.Context, id string, status AccountStatus, at time.Time) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := lookupSQLiteStatus(ctx, tx, id); err != nil {
			return err
		}
		if status == AccountInactive {
			current, err := loadSQLiteBalances(ctx, tx, id)
			if err != nil {
				return err
			}
			if open := current.Nonzero(); len(open) > 0 {
				return &OutstandingBalanceError{AccountID: id, Balances: open}
			}
		}
		_, err := tx.ExecContext(ctx, `UPDATE trust_accounts SET status = ?, updated_at = ? WHERE id = ?`,
			string(status), toNanos(at), id)
		if err != nil {
			return fmt.Errorf("failed to update account status: %w", err)
		}
		return nil
	})
}

func (s *SQLiteStore) SetIntegrityHold(ctx context.Context, id string, hold bool, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE trust_accounts SET integrity_hold = ?, updated_at = ? WHERE id = ?`,
		hold, toNanos(at), id)
	return expectOneRow(res, err, "set integrity hold")
}

func (s *SQLiteStore) RecordStatement(ctx context.Context, id string, balance decimal.Decimal, date time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE trust_accounts SET statement_balance = ?, statement_date = ?, updated_at = ? WHERE id = ?
	`, balance.String(), toNanos(date), toNanos(time.Now()), id)
	return expectOneRow(res, err, "record statement")
}

func (s *SQLiteStore) Commit(ctx context.Context, txns ...*Transaction) error {
	if len(txns) == 0 {
		return nil
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		for _, id := range uniqueAccountIDs(txns) {
			var status string
			var hold bool
			err := tx.QueryRowContext(ctx, `SELECT status, integrity_hold FROM trust_accounts WHERE id = ?`, id).
				Scan(&status, &hold)
			if errors.Is(err, sql.ErrNoRows) {
				return ErrAccountNotFound
			}
			if err != nil {
				return fmt.Errorf("failed to read account %s: %w", id, err)
			}
			if err := checkActive(&TrustAccount{ID: id, Status: AccountStatus(status), IntegrityHold: hold}); err != nil {
				return err
			}
		}

		now := toNanos(time.Now())
		for _, d := range aggregateDeltas(txns) {
			var raw string
			err := tx.QueryRowContext(ctx, `
				SELECT balance FROM client_balances WHERE account_id = ? AND client_key = ?
			`, d.accountID, d.bucket).Scan(&raw)
			current := decimal.Zero
			switch {
			case errors.Is(err, sql.ErrNoRows):
			case err != nil:
				return fmt.Errorf("failed to read client balance: %w", err)
			default:
				if current, err = decimal.NewFromString(raw); err != nil {
					return fmt.Errorf("corrupt client balance %q: %w", raw, err)
				}
			}

			next := current.Add(d.delta)
			if next.IsNegative() {
				return &InsufficientFundsError{
					AccountID: d.accountID,
					Bucket:    attributionFromBucket(d.bucket),
					Balance:   current,
					Requested: d.delta.Neg(),
				}
			}
			_, err = tx.ExecContext(ctx, `
				INSERT INTO client_balances (account_id, client_key, balance, updated_at)
				VALUES (?, ?, ?, ?)
				ON CONFLICT (account_id, client_key)
				DO UPDATE SET balance = excluded.balance, updated_at = excluded.updated_at
			`, d.accountID, d.bucket, next.String(), now)
			if err != nil {
				return fmt.Errorf("failed to update client balance: %w", err)
			}
		}

		for _, t := range txns {
			var reconciledAt any
			if t.ReconciledAt != nil {
				reconciledAt = toNanos(*t.ReconciledAt)
			}
			_, err := tx.ExecContext(ctx, `
				INSERT INTO trust_transactions (
					id, account_id, client_id, txn_type, amount, effective_date, description,
					transfer_id, counterpart_id, status, reconciled_at, created_by, created_at
				) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			`, t.ID, t.AccountID, nullableClient(t.Attribution), string(t.Type), t.Amount.String(),
				toNanos(t.EffectiveDate), t.Description, nullableString(t.TransferID), nullableString(t.CounterpartID),
				string(t.Status), reconciledAt, t.CreatedBy, toNanos(t.CreatedAt))
			if err != nil {
				var sqliteErr sqlite3.Error
				if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey {
					return fmt.Errorf("%w: %s", ErrDuplicateTransaction, t.ID)
				}
				return fmt.Errorf("failed to insert transaction %s: %w", t.ID, err)
			}
		}
		return nil
	})
}

const sqliteTransactionColumns = `
	id, account_id, client_id, txn_type, amount, effective_date, description,
	transfer_id, counterpart_id, status, reconciled_at, created_by, created_at`

func scanSQLiteTransaction(row rowScanner) (*Transaction, error) {
	var t Transaction
	var clientID, transferID, counterpartID sql.NullString
	var txnType, amount, status string
	var effective, created int64
	var reconciledAt sql.NullInt64
	err := row.Scan(
		&t.ID, &t.AccountID, &clientID, &txnType, &amount, &effective, &t.Description,
		&transferID, &counterpartID, &status, &reconciledAt, &t.CreatedBy, &created,
	)
	if err != nil {
		return nil, err
	}
	t.EffectiveDate = fromNanos(effective)
	t.CreatedAt = fromNanos(created)
	if reconciledAt.Valid {
		r := fromNanos(reconciledAt.Int64)
		t.ReconciledAt = &r
	}
	return hydrateTransaction(&t, nullString(clientID), nullString(transferID), nullString(counterpartID), txnType, amount, status)
}

func (s *SQLiteStore) GetTransaction(ctx context.Context, id string) (*Transaction, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteTransactionColumns+` FROM trust_transactions WHERE id = ?`, id)
	t, err := scanSQLiteTransaction(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrTransactionNotFound
		}
		return nil, classifySQLiteError(fmt.Errorf("failed to get transaction: %w", err))
	}
	return t, nil
}

func (s *SQLiteStore) ListTransactions(ctx context.Context, filter TransactionFilter) ([]*Transaction, error) {
	query := `SELECT ` + sqliteTransactionColumns + ` FROM trust_transactions WHERE 1=1`
	var args []any
	if filter.AccountID != "" {
		query += " AND account_id = ?"
		args = append(args, filter.AccountID)
	}
	if filter.ClientID != "" {
		query += " AND client_id = ?"
		args = append(args, filter.ClientID)
	}
	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, string(filter.Status))
	}
	if filter.AsOf != nil {
		query += " AND effective_date <= ?"
		args = append(args, toNanos(*filter.AsOf))
	}
	query += " ORDER BY effective_date, id" + limitClause(filter.Limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classifySQLiteError(fmt.Errorf("failed to query transactions: %w", err))
	}
	defer rows.Close()

	var txns []*Transaction
	for rows.Next() {
		t, err := scanSQLiteTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		txns = append(txns, t)
	}
	return txns, classifySQLiteError(rows.Err())
}

func (s *SQLiteStore) MarkReconciled(ctx context.Context, accountID string, ids []string, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		found := make(map[string]*Transaction, len(ids))
		for _, id := range ids {
			if _, ok := found[id]; ok {
				continue
			}
			var t Transaction
			var status string
			err := tx.QueryRowContext(ctx, `SELECT id, account_id, status FROM trust_transactions WHERE id = ?`, id).
				Scan(&t.ID, &t.AccountID, &status)
			if errors.Is(err, sql.ErrNoRows) {
				continue
			}
			if err != nil {
				return fmt.Errorf("failed to read transaction %s: %w", id, err)
			}
			t.Status = ReconciliationStatus(status)
			found[id] = &t
		}

		if err := checkReconcileBatch(accountID, ids, func(id string) *Transaction { return found[id] }); err != nil {
			return err
		}

		stamp := toNanos(at)
		for _, id := range ids {
			_, err := tx.ExecContext(ctx, `
				UPDATE trust_transactions SET status = 'RECONCILED', reconciled_at = ?
				WHERE id = ? AND status = 'UNRECONCILED'
			`, stamp, id)
			if err != nil {
				return fmt.Errorf("failed to mark transaction %s reconciled: %w", id, err)
			}
		}
		return nil
	})
}

func (s *SQLiteStore) SubLedgerBalances(ctx context.Context, accountID string) (Balances, error) {
	var out Balances
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := lookupSQLiteStatus(ctx, tx, accountID); err != nil {
			return err
		}
		b, err := loadSQLiteBalances(ctx, tx, accountID)
		out = b
		return err
	})
	return out, err
}

// VerifyBalances reads the projection and folds the history inside one
// immediate transaction, so no commit can land between the two reads.
func (s *SQLiteStore) VerifyBalances(ctx context.Context, accountID string) (cached, folded Balances, err error) {
	err = s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := lookupSQLiteStatus(ctx, tx, accountID); err != nil {
			return err
		}
		if cached, err = loadSQLiteBalances(ctx, tx, accountID); err != nil {
			return err
		}
		history, err := loadSQLiteHistory(ctx, tx, accountID)
		if err != nil {
			return err
		}
		folded = FoldBalances(history, nil)
		return nil
	})
	return cached, folded, err
}

func loadSQLiteHistory(ctx context.Context, tx *sql.Tx, accountID string) ([]*Transaction, error) {
	rows, err := tx.QueryContext(ctx, `SELECT `+sqliteTransactionColumns+` FROM trust_transactions WHERE account_id = ?`, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to load history: %w", err)
	}
	defer rows.Close()

	var history []*Transaction
	for rows.Next() {
		t, err := scanSQLiteTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		history = append(history, t)
	}
	return history, rows.Err()
}

func (s *SQLiteStore) RebuildBalances(ctx context.Context, accountID string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := lookupSQLiteStatus(ctx, tx, accountID); err != nil {
			return err
		}

		history, err := loadSQLiteHistory(ctx, tx, accountID)
		if err != nil {
			return err
		}

		folded := FoldBalances(history, nil)
		if neg := folded.Negative(); len(neg) > 0 {
			return &BalanceMismatchError{
				AccountID: accountID,
				Check:     "history",
				Expected:  decimal.Zero,
				Actual:    folded[neg[0]],
			}
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM client_balances WHERE account_id = ?`, accountID); err != nil {
			return fmt.Errorf("failed to clear client balances: %w", err)
		}
		now := toNanos(time.Now())
		for _, key := range sortedKeys(folded) {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO client_balances (account_id, client_key, balance, updated_at) VALUES (?, ?, ?, ?)
			`, accountID, key, folded[key].String(), now)
			if err != nil {
				return fmt.Errorf("failed to insert client balance: %w", err)
			}
		}
		return nil
	})
}

func lookupSQLiteStatus(ctx context.Context, tx *sql.Tx, id string) (AccountStatus, error) {
	var status string
	err := tx.QueryRowContext(ctx, `SELECT status FROM trust_accounts WHERE id = ?`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrAccountNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to read account %s: %w", id, err)
	}
	return AccountStatus(status), nil
}

func loadSQLiteBalances(ctx context.Context, tx *sql.Tx, accountID string) (Balances, error) {
	rows, err := tx.QueryContext(ctx, `SELECT client_key, balance FROM client_balances WHERE account_id = ?`, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to query client balances: %w", err)
	}
	defer rows.Close()

	out := Balances{}
	for rows.Next() {
		var key, raw string
		if err := rows.Scan(&key, &raw); err != nil {
			return nil, fmt.Errorf("failed to scan client balance: %w", err)
		}
		d, err := decimal.NewFromString(raw)
		if err != nil {
			return nil, fmt.Errorf("corrupt client balance %q: %w", raw, err)
		}
		out[key] = d
	}
	return out, rows.Err()
}

// classifySQLiteError marks lock contention as retriable.
func classifySQLiteError(err error) error {
	if err == nil || IsBusinessError(err) || IsTransient(err) {
		return err
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) && (sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked) {
		return Transient(err)
	}
	return err
}

func expectOneRow(res sql.Result, err error, op string) error {
	if err != nil {
		return classifySQLiteError(fmt.Errorf("failed to %s: %w", op, err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to %s: %w", op, err)
	}
	if n == 0 {
		return ErrAccountNotFound
	}
	return nil
}

func limitClause(limit, offset int) string {
	var b strings.Builder
	if limit > 0 {
		fmt.Fprintf(&b, " LIMIT %d", limit)
	} else if offset > 0 {
		b.WriteString(" LIMIT -1")
	}
	if offset > 0 {
		fmt.Fprintf(&b, " OFFSET %d", offset)
	}
	return b.String()
}

func nullString(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	return &s.String
}

func toNanos(t time.Time) int64 { return t.UTC().UnixNano() }

func fromNanos(n int64) time.Time { return time.Unix(0, n).UTC() }
