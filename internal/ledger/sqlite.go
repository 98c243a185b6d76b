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

// SQLiteLedger is a single-file Store for local development and tests.
// Amounts are stored as integer units at scale 4 and every write transaction
// begins IMMEDIATE, so mutation units are serialised by the database lock.
type SQLiteLedger struct {
	DB *sql.DB
}

// OpenSQLite opens (and migrates) the database at path. Use ":memory:" for a
// private in-memory database.
func OpenSQLite(ctx context.Context, path string) (*SQLiteLedger, error) {
	dsn := fmt.Sprintf("file:%s?_txlock=immediate&_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	// One connection keeps ":memory:" databases shared and writers serialised.
	db.SetMaxOpenConns(1)

	sl := &SQLiteLedger{DB: db}
	if err := sl.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return sl, nil
}

// Migrate applies SQLiteMigrations.
func (sl *SQLiteLedger) Migrate(ctx context.Context) error {
	for _, stmt := range SQLiteMigrations {
		if _, err := sl.DB.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to execute migration: %w", err)
		}
	}
	return nil
}

func isUniqueViolation(err error, column string) bool {
	var sqlErr sqlite3.Error
	if !errors.As(err, &sqlErr) {
		return false
	}
	switch sqlErr.ExtendedCode {
	case sqlite3.ErrConstraintUnique, sqlite3.ErrConstraintPrimaryKey:
		return strings.Contains(sqlErr.Error(), column)
	}
	return false
}

func (sl *SQLiteLedger) OpenAccount(ctx context.Context, acct *Account) error {
	_, err := sl.DB.ExecContext(ctx, `
		INSERT INTO accounts (id, subject_id, account_type, currency, balance_units, status, version, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, acct.ID, acct.SubjectID, string(acct.Type), acct.Currency, toUnits(acct.Balance), string(acct.Status), acct.Version, acct.CreatedAt.UnixMicro())
	if err != nil {
		if isUniqueViolation(err, "accounts.id") {
			return fmt.Errorf("%w: account %s already exists", ErrValidationFailed, acct.ID)
		}
		return Unavailable("open account", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteAccount(row rowScanner) (*Account, error) {
	var a Account
	var acctType, status string
	var units, created int64
	if err := row.Scan(&a.ID, &a.SubjectID, &acctType, &a.Currency, &units, &status, &a.Version, &created); err != nil {
		return nil, err
	}
	a.Type = AccountType(acctType)
	a.Status = AccountStatus(status)
	a.Balance = fromUnits(units)
	a.CreatedAt = time.UnixMicro(created).UTC()
	return &a, nil
}

const sqliteAccountColumns = `id, subject_id, account_type, currency, balance_units, status, version, created_at`

func (sl *SQLiteLedger) GetAccount(ctx context.Context, id string) (*Account, error) {
	a, err := scanSQLiteAccount(sl.DB.QueryRowContext(ctx, `SELECT `+sqliteAccountColumns+` FROM accounts WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, Unavailable("get account", err)
	}
	return a, nil
}

func (sl *SQLiteLedger) DeactivateAccount(ctx context.Context, id string) (*Account, error) {
	var out *Account
	err := sl.inTx(ctx, "deactivate account", func(tx *sql.Tx) error {
		a, err := scanSQLiteAccount(tx.QueryRowContext(ctx, `SELECT `+sqliteAccountColumns+` FROM accounts WHERE id = ?`, id))
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrAccountNotFound
			}
			return err
		}
		if !a.Balance.IsZero() {
			return ErrNonZeroBalance
		}
		if a.Status != AccountDeactivated {
			if _, err := tx.ExecContext(ctx, `UPDATE accounts SET status = 'DEACTIVATED', version = version + 1 WHERE id = ?`, id); err != nil {
				return err
			}
			a.Status = AccountDeactivated
			a.Version++
		}
		out = a
		return nil
	})
	return out, err
}

func (sl *SQLiteLedger) inTx(ctx context.Context, op string, fn func(*sql.Tx) error) error {
	tx, err := sl.DB.BeginTx(ctx, nil)
	if err != nil {
		return Unavailable(op, fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		if KindOf(err) != KindInternal || errors.Is(err, ErrDuplicateIdempotencyKey) {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return Unavailable(op, err)
	}
	if err := tx.Commit(); err != nil {
		return Unavailable(op, fmt.Errorf("failed to commit transaction: %w", err))
	}
	return nil
}

// Atomic runs fn inside one IMMEDIATE transaction. The database write lock
// already excludes every other writer, so no per-row locking is needed.
func (sl *SQLiteLedger) Atomic(ctx context.Context, lockAccountIDs []string, fn func(Tx) error) error {
	return sl.inTx(ctx, "atomic mutation", func(tx *sql.Tx) error {
		return fn(&sqliteTx{tx: tx})
	})
}

type sqliteTx struct {
	tx *sql.Tx
}

func (t *sqliteTx) ApplyMutation(ctx context.Context, accountID string, delta, minBalance decimal.Decimal) (decimal.Decimal, error) {
	var units int64
	d := toUnits(delta)
	err := t.tx.QueryRowContext(ctx, `
		UPDATE accounts
		SET balance_units = balance_units + ?, version = version + 1
		WHERE id = ? AND status = 'ACTIVE' AND balance_units + ? >= ?
		RETURNING balance_units
	`, d, accountID, d, toUnits(minBalance)).Scan(&units)
	if err == nil {
		return fromUnits(units), nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return decimal.Zero, fmt.Errorf("failed to apply mutation: %w", err)
	}

	var status string
	err = t.tx.QueryRowContext(ctx, `SELECT status FROM accounts WHERE id = ?`, accountID).Scan(&status)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return decimal.Zero, ErrAccountNotFound
	case err != nil:
		return decimal.Zero, fmt.Errorf("failed to inspect account: %w", err)
	case status != string(AccountActive):
		return decimal.Zero, ErrAccountInactive
	default:
		return decimal.Zero, ErrInsufficientFunds
	}
}

func (t *sqliteTx) CreateTransactionRecord(ctx context.Context, txn *Transaction) error {
	return insertSQLiteTransaction(ctx, t.tx, txn)
}

type sqlExecer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertSQLiteTransaction(ctx context.Context, db sqlExecer, txn *Transaction) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO transactions (
			id, txn_type, amount_units, currency, status, from_account_id, to_account_id,
			subject_id, counterparty_subject_id, description, idempotency_key, failure_reason, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, txn.ID, string(txn.Type), toUnits(txn.Amount), txn.Currency, string(txn.Status),
		txn.FromAccountID, txn.ToAccountID, txn.SubjectID, txn.CounterpartySubjectID,
		txn.Description, StringPtr(txn.IdempotencyKey), txn.FailureReason, txn.CreatedAt.UnixMicro())
	if err != nil {
		if isUniqueViolation(err, "idempotency_key") {
			return ErrDuplicateIdempotencyKey
		}
		return fmt.Errorf("failed to insert transaction: %w", err)
	}
	return nil
}

func (sl *SQLiteLedger) RecordFailed(ctx context.Context, txn *Transaction) error {
	rec := txn.Clone()
	rec.IdempotencyKey = ""
	if err := insertSQLiteTransaction(ctx, sl.DB, rec); err != nil {
		return Unavailable("record failed transaction", err)
	}
	return nil
}

const sqliteTransactionColumns = `id, txn_type, amount_units, currency, status, from_account_id, to_account_id,
	subject_id, counterparty_subject_id, description, COALESCE(idempotency_key, ''), failure_reason, created_at`

func scanSQLiteTransaction(row rowScanner) (*Transaction, error) {
	var t Transaction
	var txnType, status string
	var units, created int64
	var from, to, counterparty sql.NullString
	err := row.Scan(&t.ID, &txnType, &units, &t.Currency, &status, &from, &to,
		&t.SubjectID, &counterparty, &t.Description, &t.IdempotencyKey, &t.FailureReason, &created)
	if err != nil {
		return nil, err
	}
	t.Type = TransactionType(txnType)
	t.Status = TransactionStatus(status)
	t.Amount = fromUnits(units)
	t.CreatedAt = time.UnixMicro(created).UTC()
	if from.Valid {
		t.FromAccountID = &from.String
	}
	if to.Valid {
		t.ToAccountID = &to.String
	}
	if counterparty.Valid {
		t.CounterpartySubjectID = &counterparty.String
	}
	return &t, nil
}

func (sl *SQLiteLedger) GetTransaction(ctx context.Context, id string) (*Transaction, error) {
	t, err := scanSQLiteTransaction(sl.DB.QueryRowContext(ctx, `SELECT `+sqliteTransactionColumns+` FROM transactions WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, Unavailable("get transaction", err)
	}
	return t, nil
}

func (sl *SQLiteLedger) FindByIdempotencyKey(ctx context.Context, subjectID, key string) (*Transaction, error) {
	t, err := scanSQLiteTransaction(sl.DB.QueryRowContext(ctx,
		`SELECT `+sqliteTransactionColumns+` FROM transactions WHERE subject_id = ? AND idempotency_key = ?`, subjectID, key))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, Unavailable("find by idempotency key", err)
	}
	return t, nil
}

func (sl *SQLiteLedger) ListTransactions(ctx context.Context, subjectID string, f TransactionFilter) ([]*Transaction, int, error) {
	q := buildTransactionQuery(sqliteDialect, subjectID, f)

	var total int
	if err := sl.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM transactions`+q.whereClause(), q.args...).Scan(&total); err != nil {
		return nil, 0, Unavailable("count transactions", err)
	}

	query := `SELECT ` + sqliteTransactionColumns + ` FROM transactions` + q.whereClause() + q.orderClause(f) + q.pageClause(f)
	items := make([]*Transaction, 0, f.Limit)
	err := sl.scanRows(ctx, query, q.args, func(t *Transaction) error {
		items = append(items, t)
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

func (sl *SQLiteLedger) ScanTransactions(ctx context.Context, subjectID string, f TransactionFilter, fn func(*Transaction) error) error {
	q := buildTransactionQuery(sqliteDialect, subjectID, f)
	query := `SELECT ` + sqliteTransactionColumns + ` FROM transactions` + q.whereClause() + q.orderClause(f)

	// Rows are buffered first: with a single connection fn must not run while
	// the cursor still holds it.
	var items []*Transaction
	err := sl.scanRows(ctx, query, q.args, func(t *Transaction) error {
		items = append(items, t)
		return nil
	})
	if err != nil {
		return err
	}
	for _, t := range items {
		if err := fn(t); err != nil {
			return err
		}
	}
	return nil
}

func (sl *SQLiteLedger) scanRows(ctx context.Context, query string, args []any, fn func(*Transaction) error) error {
	rows, err := sl.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return Unavailable("query transactions", err)
	}
	defer rows.Close()

	for rows.Next() {
		t, err := scanSQLiteTransaction(rows)
		if err != nil {
			return Unavailable("scan transaction", err)
		}
		if err := fn(t); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return Unavailable("query transactions", err)
	}
	return nil
}

func (sl *SQLiteLedger) Close() error {
	return sl.DB.Close()
}

var _ Store = (*SQLiteLedger)(nil)
