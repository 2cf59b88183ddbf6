package ledger

// PostgresSchema creates the trust ledger tables. client_balances is the
// projection; its CHECK constraint is the last line of defence against a
// negative sub-ledger.
const PostgresSchema = `
CREATE TABLE IF NOT EXISTS trust_accounts (
    id                  TEXT PRIMARY KEY,
    name                TEXT NOT NULL,
    bank_name           TEXT NOT NULL DEFAULT '',
    routing_number      TEXT NOT NULL DEFAULT '',
    bank_account_number TEXT NOT NULL DEFAULT '',
    currency_code       TEXT NOT NULL CHECK (length(currency_code) = 3),
    status              TEXT NOT NULL CHECK (status IN ('ACTIVE', 'INACTIVE')),
    statement_balance   NUMERIC(20, 4),
    statement_date      TIMESTAMPTZ,
    integrity_hold      BOOLEAN NOT NULL DEFAULT FALSE,
    created_by          TEXT NOT NULL,
    created_at          TIMESTAMPTZ NOT NULL,
    updated_at          TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS trust_transactions (
    id             TEXT PRIMARY KEY,
    account_id     TEXT NOT NULL REFERENCES trust_accounts(id) ON DELETE RESTRICT,
    client_id      TEXT,
    txn_type       TEXT NOT NULL CHECK (txn_type IN ('DEPOSIT', 'WITHDRAWAL', 'TRANSFER_OUT', 'TRANSFER_IN')),
    amount         NUMERIC(20, 4) NOT NULL CHECK (amount > 0),
    effective_date TIMESTAMPTZ NOT NULL,
    description    TEXT NOT NULL DEFAULT '',
    transfer_id    TEXT,
    counterpart_id TEXT,
    status         TEXT NOT NULL DEFAULT 'UNRECONCILED' CHECK (status IN ('UNRECONCILED', 'RECONCILED')),
    reconciled_at  TIMESTAMPTZ,
    created_by     TEXT NOT NULL,
    created_at     TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_trust_transactions_account
    ON trust_transactions (account_id, effective_date, id);
CREATE INDEX IF NOT EXISTS idx_trust_transactions_unreconciled
    ON trust_transactions (account_id, effective_date, id) WHERE status = 'UNRECONCILED';
CREATE INDEX IF NOT EXISTS idx_trust_transactions_client
    ON trust_transactions (client_id, effective_date, id);
CREATE INDEX IF NOT EXISTS idx_trust_transactions_transfer
    ON trust_transactions (transfer_id) WHERE transfer_id IS NOT NULL;

CREATE TABLE IF NOT EXISTS client_balances (
    account_id TEXT NOT NULL REFERENCES trust_accounts(id) ON DELETE RESTRICT,
    client_key TEXT NOT NULL,
    balance    NUMERIC(20, 4) NOT NULL DEFAULT 0 CHECK (balance >= 0),
    updated_at TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (account_id, client_key)
);
`

// SQLiteSchema is the same layout for SQLite. Amounts are decimal
// strings and instants are unix nanoseconds, so ordering is exact.
const SQLiteSchema = `
CREATE TABLE IF NOT EXISTS trust_accounts (
    id                  TEXT PRIMARY KEY,
    name                TEXT NOT NULL,
    bank_name           TEXT NOT NULL DEFAULT '',
    routing_number      TEXT NOT NULL DEFAULT '',
    bank_account_number TEXT NOT NULL DEFAULT '',
    currency_code       TEXT NOT NULL,
    status              TEXT NOT NULL CHECK (status IN ('ACTIVE', 'INACTIVE')),
    statement_balance   TEXT,
    statement_date      INTEGER,
    integrity_hold      INTEGER NOT NULL DEFAULT 0,
    created_by          TEXT NOT NULL,
    created_at          INTEGER NOT NULL,
    updated_at          INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS trust_transactions (
    id             TEXT PRIMARY KEY,
    account_id     TEXT NOT NULL REFERENCES trust_accounts(id),
    client_id      TEXT,
    txn_type       TEXT NOT NULL CHECK (txn_type IN ('DEPOSIT', 'WITHDRAWAL', 'TRANSFER_OUT', 'TRANSFER_IN')),
    amount         TEXT NOT NULL,
    effective_date INTEGER NOT NULL,
    description    TEXT NOT NULL DEFAULT '',
    transfer_id    TEXT,
    counterpart_id TEXT,
    status         TEXT NOT NULL DEFAULT 'UNRECONCILED',
    reconciled_at  INTEGER,
    created_by     TEXT NOT NULL,
    created_at     INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_trust_transactions_account ON trust_transactions (account_id, effective_date, id);
CREATE INDEX IF NOT EXISTS idx_trust_transactions_client ON trust_transactions (client_id, effective_date, id);

CREATE TABLE IF NOT EXISTS client_balances (
    account_id TEXT NOT NULL REFERENCES trust_accounts(id),
    client_key TEXT NOT NULL,
    balance    TEXT NOT NULL,
    updated_at INTEGER NOT NULL,
    PRIMARY KEY (account_id, client_key)
);
`
