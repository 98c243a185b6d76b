package ledger

// PostgresMigrations creates the ledger schema. Statements are idempotent.
var PostgresMigrations = []string{
	`CREATE TABLE IF NOT EXISTS accounts (
		id           TEXT PRIMARY KEY,
		subject_id   TEXT NOT NULL,
		account_type TEXT NOT NULL CHECK (account_type IN ('CHECKING', 'SAVINGS')),
		currency     TEXT NOT NULL CHECK (length(currency) = 3),
		balance      NUMERIC(20, 4) NOT NULL DEFAULT 0 CHECK (balance >= 0),
		status       TEXT NOT NULL DEFAULT 'ACTIVE' CHECK (status IN ('ACTIVE', 'DEACTIVATED')),
		version      BIGINT NOT NULL DEFAULT 0,
		created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS transactions (
		id                      TEXT PRIMARY KEY,
		txn_type                TEXT NOT NULL CHECK (txn_type IN ('DEPOSIT', 'WITHDRAWAL', 'TRANSFER')),
		amount                  NUMERIC(20, 4) NOT NULL CHECK (amount > 0),
		currency                TEXT NOT NULL CHECK (length(currency) = 3),
		status                  TEXT NOT NULL CHECK (status IN ('PENDING', 'COMPLETED', 'FAILED')),
		from_account_id         TEXT REFERENCES accounts(id) ON DELETE RESTRICT,
		to_account_id           TEXT REFERENCES accounts(id) ON DELETE RESTRICT,
		subject_id              TEXT NOT NULL,
		counterparty_subject_id TEXT,
		description             TEXT NOT NULL DEFAULT '',
		idempotency_key         TEXT,
		failure_reason          TEXT NOT NULL DEFAULT '',
		created_at              TIMESTAMPTZ NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS transactions_idempotency_idx
		ON transactions (subject_id, idempotency_key) WHERE idempotency_key IS NOT NULL`,
	`CREATE INDEX IF NOT EXISTS transactions_subject_idx ON transactions (subject_id, created_at)`,
	`CREATE INDEX IF NOT EXISTS transactions_counterparty_idx ON transactions (counterparty_subject_id, created_at)`,
}

// SQLiteMigrations mirrors PostgresMigrations using integer fixed-point units
// (scale 4) and unix-microsecond timestamps.
var SQLiteMigrations = []string{
	`CREATE TABLE IF NOT EXISTS accounts (
		id            TEXT PRIMARY KEY,
		subject_id    TEXT NOT NULL,
		account_type  TEXT NOT NULL CHECK (account_type IN ('CHECKING', 'SAVINGS')),
		currency      TEXT NOT NULL CHECK (length(currency) = 3),
		balance_units INTEGER NOT NULL DEFAULT 0 CHECK (balance_units >= 0),
		status        TEXT NOT NULL DEFAULT 'ACTIVE' CHECK (status IN ('ACTIVE', 'DEACTIVATED')),
		version       INTEGER NOT NULL DEFAULT 0,
		created_at    INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS transactions (
		id                      TEXT PRIMARY KEY,
		txn_type                TEXT NOT NULL CHECK (txn_type IN ('DEPOSIT', 'WITHDRAWAL', 'TRANSFER')),
		amount_units            INTEGER NOT NULL CHECK (amount_units > 0),
		currency                TEXT NOT NULL,
		status                  TEXT NOT NULL CHECK (status IN ('PENDING', 'COMPLETED', 'FAILED')),
		from_account_id         TEXT REFERENCES accounts(id),
		to_account_id           TEXT REFERENCES accounts(id),
		subject_id              TEXT NOT NULL,
		counterparty_subject_id TEXT,
		description             TEXT NOT NULL DEFAULT '',
		idempotency_key         TEXT,
		failure_reason          TEXT NOT NULL DEFAULT '',
		created_at              INTEGER NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS transactions_idempotency_idx
		ON transactions (subject_id, idempotency_key) WHERE idempotency_key IS NOT NULL`,
	`CREATE INDEX IF NOT EXISTS transactions_subject_idx ON transactions (subject_id, created_at)`,
	`CREATE INDEX IF NOT EXISTS transactions_counterparty_idx ON transactions (counterparty_subject_id, created_at)`,
}
