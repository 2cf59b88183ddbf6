package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// PostgresStore persists the ledger in PostgreSQL. Writes run at
// SERIALIZABLE isolation; serialization failures and deadlocks surface
// as transient errors for the retry policy.
type PostgresStore struct {
	Pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{Pool: pool}
}

// Migrate applies PostgresSchema.
func (ps *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := ps.Pool.Exec(ctx, PostgresSchema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

func (ps *PostgresStore) Close() error {
	ps.Pool.Close()
	return nil
}

func (ps *PostgresStore) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := ps.Pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.Serializable,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return classifyPgError(fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return classifyPgError(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return classifyPgError(fmt.Errorf("failed to commit transaction: %w", err))
	}
	return nil
}

func (ps *PostgresStore) CreateAccount(ctx context.Context, acct *TrustAccount) error {
	_, err := ps.Pool.Exec(ctx, `
        INSERT INTO trust_accounts (
            id, name, bank_name, routing_number, bank_account_number, currency_code,
            status, integrity_hold, created_by, created_at, updated_at
        ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
    `, acct.ID, acct.Name, acct.Bank.BankName, acct.Bank.RoutingNumber, acct.Bank.AccountNumber,
		acct.Currency, string(acct.Status), acct.IntegrityHold, acct.CreatedBy, acct.CreatedAt, acct.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrAccountExists
		}
		return classifyPgError(fmt.Errorf("failed to insert account: %w", err))
	}
	return nil
}

const accountColumns = `
    id, name, bank_name, routing_number, bank_account_number, currency_code, status,
    statement_balance::text, statement_date, integrity_hold, created_by, created_at, updated_at`

func scanPgAccount(row pgx.Row) (*TrustAccount, error) {
	var a TrustAccount
	var status string
	var statement *string
	err := row.Scan(
		&a.ID, &a.Name, &a.Bank.BankName, &a.Bank.RoutingNumber, &a.Bank.AccountNumber,
		&a.Currency, &status, &statement, &a.StatementDate, &a.IntegrityHold,
		&a.CreatedBy, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	a.Status = AccountStatus(status)
	if statement != nil {
		d, err := decimal.NewFromString(*statement)
		if err != nil {
			return nil, fmt.Errorf("corrupt statement balance %q: %w", *statement, err)
		}
		a.StatementBalance = &d
	}
	return &a, nil
}

func (ps *PostgresStore) GetAccount(ctx context.Context, id string) (*TrustAccount, error) {
	acct, err := scanPgAccount(ps.Pool.QueryRow(ctx, `SELECT `+accountColumns+` FROM trust_accounts WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, classifyPgError(fmt.Errorf("failed to get account: %w", err))
	}
	return acct, nil
}

func (ps *PostgresStore) ListAccounts(ctx context.Context, filter AccountFilter) ([]*TrustAccount, error) {
	query := `SELECT ` + accountColumns + ` FROM trust_accounts WHERE 1=1`
	args := []interface{}{}
	argCount := 1

	if filter.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argCount)
		args = append(args, string(filter.Status))
		argCount++
	}
	query += " ORDER BY id"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argCount)
		args = append(args, filter.Limit)
		argCount++
	}
	if filter.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argCount)
		args = append(args, filter.Offset)
	}

	rows, err := ps.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, classifyPgError(fmt.Errorf("failed to query accounts: %w", err))
	}
	defer rows.Close()

	var accounts []*TrustAccount
	for rows.Next() {
		acct, err := scanPgAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan account: %w", err)
		}
		accounts = append(accounts, acct)
	}
	if err := rows.Err(); err != nil {
		return nil, classifyPgError(err)
	}
	return accounts, nil
}

func (ps *PostgresStore) UpdateAccountDetails(ctx context.Context, acct *TrustAccount) error {
	tag, err := ps.Pool.Exec(ctx, `
        UPDATE trust_accounts
        SET name = $2, bank_name = $3, routing_number = $4, bank_account_number = $5, updated_at = $6
        WHERE id = $1
    `, acct.ID, acct.Name, acct.Bank.BankName, acct.Bank.RoutingNumber, acct.Bank.AccountNumber, acct.UpdatedAt)
	if err != nil {
		return classifyPgError(fmt.Errorf("failed to update account: %w", err))
	}
	if tag.RowsAffected() == 0 {
		return ErrAccountNotFound
	}
	return nil
}

func (ps *PostgresStore) SetAccountStatus(ctx context.Context, id string, status AccountStatus, at time.Time) error {
	return ps.inTx(ctx, func(tx pgx.Tx) error {
		var current string
		err := tx.QueryRow(ctx, `SELECT status FROM trust_accounts WHERE id = $1 FOR UPDATE`, id).Scan(&current)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrAccountNotFound
			}
			return fmt.Errorf("failed to lock account: %w", err)
		}

		if status == AccountInactive {
			rows, err := tx.Query(ctx, `
                SELECT client_key, balance::text FROM client_balances
                WHERE account_id = $1 AND balance <> 0
            `, id)
			if err != nil {
				return fmt.Errorf("failed to read client balances: %w", err)
			}
			open, err := collectPgBalances(rows)
			if err != nil {
				return err
			}
			if len(open) > 0 {
				return &OutstandingBalanceError{AccountID: id, Balances: open}
			}
		}

		_, err = tx.Exec(ctx, `UPDATE trust_accounts SET status = $2, updated_at = $3 WHERE id = $1`, id, string(status), at)
		if err != nil {
			return fmt.Errorf("failed to update account status: %w", err)
		}
		return nil
	})
}

func (ps *PostgresStore) SetIntegrityHold(ctx context.Context, id string, hold bool, at time.Time) error {
	tag, err := ps.Pool.Exec(ctx, `UPDATE trust_accounts SET integrity_hold = $2, updated_at = $3 WHERE id = $1`, id, hold, at)
	if err != nil {
		return classifyPgError(fmt.Errorf("failed to set integrity hold: %w", err))
	}
	if tag.RowsAffected() == 0 {
		return ErrAccountNotFound
	}
	return nil
}

func (ps *PostgresStore) RecordStatement(ctx context.Context, id string, balance decimal.Decimal, date time.Time) error {
	tag, err := ps.Pool.Exec(ctx, `
        UPDATE trust_accounts
        SET statement_balance = $2::numeric, statement_date = $3, updated_at = $4
        WHERE id = $1
    `, id, balance.String(), date, time.Now().UTC())
	if err != nil {
		return classifyPgError(fmt.Errorf("failed to record statement: %w", err))
	}
	if tag.RowsAffected() == 0 {
		return ErrAccountNotFound
	}
	return nil
}

func (ps *PostgresStore) Commit(ctx context.Context, txns ...*Transaction) error {
	if len(txns) == 0 {
		return nil
	}
	return ps.inTx(ctx, func(tx pgx.Tx) error {
		accountIDs := uniqueAccountIDs(txns)
		rows, err := tx.Query(ctx, `
            SELECT id, status, integrity_hold FROM trust_accounts
            WHERE id = ANY($1)
            ORDER BY id
            FOR SHARE
        `, accountIDs)
		if err != nil {
			return fmt.Errorf("failed to lock accounts: %w", err)
		}
		locked := make(map[string]*TrustAccount, len(accountIDs))
		for rows.Next() {
			var a TrustAccount
			var status string
			if err := rows.Scan(&a.ID, &status, &a.IntegrityHold); err != nil {
				rows.Close()
				return fmt.Errorf("failed to scan account: %w", err)
			}
			a.Status = AccountStatus(status)
			locked[a.ID] = &a
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
		for _, id := range accountIDs {
			acct, ok := locked[id]
			if !ok {
				return ErrAccountNotFound
			}
			if err := checkActive(acct); err != nil {
				return err
			}
		}

		now := time.Now().UTC()
		for _, d := range aggregateDeltas(txns) {
			var raw string
			err := tx.QueryRow(ctx, `
                SELECT balance::text FROM client_balances
                WHERE account_id = $1 AND client_key = $2
                FOR UPDATE
            `, d.accountID, d.bucket).Scan(&raw)
			current := decimal.Zero
			switch {
			case errors.Is(err, pgx.ErrNoRows):
			case err != nil:
				return fmt.Errorf("failed to lock client balance: %w", err)
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
			_, err = tx.Exec(ctx, `
                INSERT INTO client_balances (account_id, client_key, balance, updated_at)
                VALUES ($1, $2, $3::numeric, $4)
                ON CONFLICT (account_id, client_key)
                DO UPDATE SET balance = EXCLUDED.balance, updated_at = EXCLUDED.updated_at
            `, d.accountID, d.bucket, next.String(), now)
			if err != nil {
				return fmt.Errorf("failed to update client balance: %w", err)
			}
		}

		for _, t := range txns {
			_, err := tx.Exec(ctx, `
                INSERT INTO trust_transactions (
                    id, account_id, client_id, txn_type, amount, effective_date, description,
                    transfer_id, counterpart_id, status, reconciled_at, created_by, created_at
                ) VALUES ($1, $2, $3, $4, $5::numeric, $6, $7, $8, $9, $10, $11, $12, $13)
            `, t.ID, t.AccountID, nullableClient(t.Attribution), string(t.Type), t.Amount.String(),
				t.EffectiveDate, t.Description, nullableString(t.TransferID), nullableString(t.CounterpartID),
				string(t.Status), t.ReconciledAt, t.CreatedBy, t.CreatedAt)
			if err != nil {
				var pgErr *pgconn.PgError
				if errors.As(err, &pgErr) && pgErr.Code == "23505" {
					return fmt.Errorf("%w: %s", ErrDuplicateTransaction, t.ID)
				}
				return fmt.Errorf("failed to insert transaction %s: %w", t.ID, err)
			}
		}
		return nil
	})
}

const transactionColumns = `
    id, account_id, client_id, txn_type, amount::text, effective_date, description,
    transfer_id, counterpart_id, status, reconciled_at, created_by, created_at`

func scanPgTransaction(row pgx.Row) (*Transaction, error) {
	var t Transaction
	var clientID, transferID, counterpartID *string
	var txnType, amount, status string
	err := row.Scan(
		&t.ID, &t.AccountID, &clientID, &txnType, &amount, &t.EffectiveDate, &t.Description,
		&transferID, &counterpartID, &status, &t.ReconciledAt, &t.CreatedBy, &t.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return hydrateTransaction(&t, clientID, transferID, counterpartID, txnType, amount, status)
}

func (ps *PostgresStore) GetTransaction(ctx context.Context, id string) (*Transaction, error) {
	t, err := scanPgTransaction(ps.Pool.QueryRow(ctx, `SELECT `+transactionColumns+` FROM trust_transactions WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTransactionNotFound
		}
		return nil, classifyPgError(fmt.Errorf("failed to get transaction: %w", err))
	}
	return t, nil
}

func (ps *PostgresStore) ListTransactions(ctx context.Context, filter TransactionFilter) ([]*Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM trust_transactions WHERE 1=1`
	args := []interface{}{}
	argCount := 1

	if filter.AccountID != "" {
		query += fmt.Sprintf(" AND account_id = $%d", argCount)
		args = append(args, filter.AccountID)
		argCount++
	}
	if filter.ClientID != "" {
		query += fmt.Sprintf(" AND client_id = $%d", argCount)
		args = append(args, filter.ClientID)
		argCount++
	}
	if filter.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argCount)
		args = append(args, string(filter.Status))
		argCount++
	}
	if filter.AsOf != nil {
		query += fmt.Sprintf(" AND effective_date <= $%d", argCount)
		args = append(args, *filter.AsOf)
		argCount++
	}
	query += " ORDER BY effective_date, id"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argCount)
		args = append(args, filter.Limit)
		argCount++
	}
	if filter.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argCount)
		args = append(args, filter.Offset)
	}

	rows, err := ps.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, classifyPgError(fmt.Errorf("failed to query transactions: %w", err))
	}
	defer rows.Close()

	var txns []*Transaction
	for rows.Next() {
		t, err := scanPgTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		txns = append(txns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, classifyPgError(err)
	}
	return txns, nil
}

func (ps *PostgresStore) MarkReconciled(ctx context.Context, accountID string, ids []string, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	return ps.inTx(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
            SELECT id, account_id, status FROM trust_transactions
            WHERE id = ANY($1)
            ORDER BY id
            FOR UPDATE
        `, ids)
		if err != nil {
			return fmt.Errorf("failed to lock transactions: %w", err)
		}
		found := make(map[string]*Transaction, len(ids))
		for rows.Next() {
			var t Transaction
			var status string
			if err := rows.Scan(&t.ID, &t.AccountID, &status); err != nil {
				rows.Close()
				return fmt.Errorf("failed to scan transaction: %w", err)
			}
			t.Status = ReconciliationStatus(status)
			found[t.ID] = &t
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		if err := checkReconcileBatch(accountID, ids, func(id string) *Transaction { return found[id] }); err != nil {
			return err
		}

		_, err = tx.Exec(ctx, `
            UPDATE trust_transactions
            SET status = 'RECONCILED', reconciled_at = $2
            WHERE id = ANY($1) AND status = 'UNRECONCILED'
        `, ids, at)
		if err != nil {
			return fmt.Errorf("failed to mark transactions reconciled: %w", err)
		}
		return nil
	})
}

func (ps *PostgresStore) SubLedgerBalances(ctx context.Context, accountID string) (Balances, error) {
	var exists bool
	err := ps.Pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM trust_accounts WHERE id = $1)`, accountID).Scan(&exists)
	if err != nil {
		return nil, classifyPgError(fmt.Errorf("failed to check account existence: %w", err))
	}
	if !exists {
		return nil, ErrAccountNotFound
	}

	rows, err := ps.Pool.Query(ctx, `
        SELECT client_key, balance::text FROM client_balances WHERE account_id = $1
    `, accountID)
	if err != nil {
		return nil, classifyPgError(fmt.Errorf("failed to query client balances: %w", err))
	}
	return collectPgBalances(rows)
}

// VerifyBalances reads the projection and the history fold from the same
// serializable snapshot.
func (ps *PostgresStore) VerifyBalances(ctx context.Context, accountID string) (cached, folded Balances, err error) {
	err = ps.inTx(ctx, func(tx pgx.Tx) error {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM trust_accounts WHERE id = $1)`, accountID).Scan(&exists); err != nil {
			return fmt.Errorf("failed to check account existence: %w", err)
		}
		if !exists {
			return ErrAccountNotFound
		}

		rows, err := tx.Query(ctx, `SELECT client_key, balance::text FROM client_balances WHERE account_id = $1`, accountID)
		if err != nil {
			return fmt.Errorf("failed to query client balances: %w", err)
		}
		if cached, err = collectPgBalances(rows); err != nil {
			return err
		}
		folded, err = foldPgHistory(ctx, tx, accountID)
		return err
	})
	return cached, folded, err
}

func foldPgHistory(ctx context.Context, tx pgx.Tx, accountID string) (Balances, error) {
	rows, err := tx.Query(ctx, `
        SELECT COALESCE(client_id, ''),
               SUM(CASE WHEN txn_type IN ('DEPOSIT', 'TRANSFER_IN') THEN amount ELSE -amount END)::text
        FROM trust_transactions
        WHERE account_id = $1
        GROUP BY 1
    `, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to fold history: %w", err)
	}
	return collectPgBalances(rows)
}

func (ps *PostgresStore) RebuildBalances(ctx context.Context, accountID string) error {
	return ps.inTx(ctx, func(tx pgx.Tx) error {
		var id string
		err := tx.QueryRow(ctx, `SELECT id FROM trust_accounts WHERE id = $1 FOR UPDATE`, accountID).Scan(&id)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrAccountNotFound
			}
			return fmt.Errorf("failed to lock account: %w", err)
		}

		folded, err := foldPgHistory(ctx, tx, accountID)
		if err != nil {
			return err
		}
		if neg := folded.Negative(); len(neg) > 0 {
			return &BalanceMismatchError{
				AccountID: accountID,
				Check:     "history",
				Expected:  decimal.Zero,
				Actual:    folded[neg[0]],
			}
		}

		if _, err := tx.Exec(ctx, `DELETE FROM client_balances WHERE account_id = $1`, accountID); err != nil {
			return fmt.Errorf("failed to clear client balances: %w", err)
		}
		now := time.Now().UTC()
		for _, key := range sortedKeys(folded) {
			_, err := tx.Exec(ctx, `
                INSERT INTO client_balances (account_id, client_key, balance, updated_at)
                VALUES ($1, $2, $3::numeric, $4)
            `, accountID, key, folded[key].String(), now)
			if err != nil {
				return fmt.Errorf("failed to insert client balance: %w", err)
			}
		}
		return nil
	})
}

func collectPgBalances(rows pgx.Rows) (Balances, error) {
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

// classifyPgError marks errors that are safe to retry.
func classifyPgError(err error) error {
	if err == nil || IsBusinessError(err) || IsTransient(err) {
		return err
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01":
			return Transient(err)
		case "23514":
			if strings.Contains(pgErr.ConstraintName, "balance") {
				return fmt.Errorf("%w: %s", ErrInsufficientFunds, pgErr.Message)
			}
		}
		return err
	}
	if pgconn.SafeToRetry(err) || pgconn.Timeout(err) || errors.Is(err, syscall.ECONNRESET) {
		return Transient(err)
	}
	return err
}

type bucketDelta struct {
	accountID string
	bucket    string
	delta     decimal.Decimal
}

// aggregateDeltas folds a batch into per-bucket deltas in a stable order
// so concurrent writers lock projection rows in the same sequence.
func aggregateDeltas(txns []*Transaction) []bucketDelta {
	idx := make(map[projectionKey]int)
	var out []bucketDelta
	for _, t := range txns {
		k := projectionKey{accountID: t.AccountID, bucket: t.Attribution.bucket()}
		i, ok := idx[k]
		if !ok {
			i = len(out)
			idx[k] = i
			out = append(out, bucketDelta{accountID: k.accountID, bucket: k.bucket})
		}
		out[i].delta = out[i].delta.Add(t.SignedAmount())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].accountID != out[j].accountID {
			return out[i].accountID < out[j].accountID
		}
		return out[i].bucket < out[j].bucket
	})
	return out
}

func uniqueAccountIDs(txns []*Transaction) []string {
	seen := map[string]struct{}{}
	var ids []string
	for _, t := range txns {
		if _, ok := seen[t.AccountID]; ok {
			continue
		}
		seen[t.AccountID] = struct{}{}
		ids = append(ids, t.AccountID)
	}
	sort.Strings(ids)
	return ids
}

func sortedKeys(b Balances) []string {
	keys := make([]string, 0, len(b))
	for k := range b {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func nullableClient(a Attribution) *string {
	if id, ok := a.ClientID(); ok {
		return &id
	}
	return nil
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func hydrateTransaction(t *Transaction, clientID, transferID, counterpartID *string, txnType, amount, status string) (*Transaction, error) {
	d, err := decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("corrupt amount %q on transaction %s: %w", amount, t.ID, err)
	}
	t.Amount = d
	t.Type = TransactionType(txnType)
	t.Status = ReconciliationStatus(status)
	if clientID != nil && *clientID != "" {
		t.Attribution = ClientFunds(*clientID)
	} else {
		t.Attribution = AccountLevel()
	}
	if transferID != nil {
		t.TransferID = *transferID
	}
	if counterpartID != nil {
		t.CounterpartID = *counterpartID
	}
	return t, nil
}
