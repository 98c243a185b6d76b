package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
)

// Pool is the subset of *pgxpool.Pool the ledger uses.
type Pool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// PostgresLedger is the Store backed by PostgreSQL. Balance mutations are
// conditional updates executed while the affected account rows are locked
// with SELECT ... FOR UPDATE in id order.
type PostgresLedger struct {
	Pool    Pool
	Timeout time.Duration
}

// NewPostgresLedger creates a new PostgreSQL ledger instance
func NewPostgresLedger(pool Pool) *PostgresLedger {
	return &PostgresLedger{Pool: pool, Timeout: 5 * time.Second}
}

// Migrate applies PostgresMigrations.
func (pl *PostgresLedger) Migrate(ctx context.Context) error {
	for _, stmt := range PostgresMigrations {
		if _, err := pl.Pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to execute migration: %w", err)
		}
	}
	return nil
}

func (pl *PostgresLedger) queryCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if pl.Timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, pl.Timeout)
}

const accountColumns = `id, subject_id, account_type, currency, balance::text, status, version, created_at`

func scanAccount(row pgx.Row) (*Account, error) {
	var a Account
	var acctType, status, balance string
	err := row.Scan(&a.ID, &a.SubjectID, &acctType, &a.Currency, &balance, &status, &a.Version, &a.CreatedAt)
	if err != nil {
		return nil, err
	}
	a.Type = AccountType(acctType)
	a.Status = AccountStatus(status)
	a.CreatedAt = Timestamp(a.CreatedAt)
	if a.Balance, err = decimal.NewFromString(balance); err != nil {
		return nil, fmt.Errorf("failed to parse balance: %w", err)
	}
	return &a, nil
}

// OpenAccount inserts a new account with a zero balance.
func (pl *PostgresLedger) OpenAccount(ctx context.Context, acct *Account) error {
	queryCtx, cancel := pl.queryCtx(ctx)
	defer cancel()

	_, err := pl.Pool.Exec(queryCtx, `
		INSERT INTO accounts (id, subject_id, account_type, currency, balance, status, version, created_at)
		VALUES ($1, $2, $3, $4, $5::numeric, $6, $7, $8)
	`, acct.ID, acct.SubjectID, string(acct.Type), acct.Currency, acct.Balance.String(), string(acct.Status), acct.Version, acct.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("%w: account %s already exists", ErrValidationFailed, acct.ID)
		}
		return Unavailable("open account", err)
	}
	return nil
}

// GetAccount retrieves an account by id.
func (pl *PostgresLedger) GetAccount(ctx context.Context, id string) (*Account, error) {
	queryCtx, cancel := pl.queryCtx(ctx)
	defer cancel()

	a, err := scanAccount(pl.Pool.QueryRow(queryCtx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, Unavailable("get account", err)
	}
	return a, nil
}

// DeactivateAccount flips the status flag; a non-zero balance is rejected.
func (pl *PostgresLedger) DeactivateAccount(ctx context.Context, id string) (*Account, error) {
	var out *Account
	err := pl.inTx(ctx, "deactivate account", func(queryCtx context.Context, tx pgx.Tx) error {
		a, err := scanAccount(tx.QueryRow(queryCtx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1 FOR UPDATE`, id))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrAccountNotFound
			}
			return err
		}
		if !a.Balance.IsZero() {
			return ErrNonZeroBalance
		}
		if a.Status != AccountDeactivated {
			_, err = tx.Exec(queryCtx, `UPDATE accounts SET status = 'DEACTIVATED', version = version + 1 WHERE id = $1`, id)
			if err != nil {
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

// inTx runs fn inside a READ COMMITTED transaction. Domain errors returned by
// fn pass through untouched; everything else is reported as unavailable.
func (pl *PostgresLedger) inTx(ctx context.Context, op string, fn func(context.Context, pgx.Tx) error) error {
	queryCtx, cancel := pl.queryCtx(ctx)
	defer cancel()

	tx, err := pl.Pool.Begin(queryCtx)
	if err != nil {
		return Unavailable(op, fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer tx.Rollback(queryCtx)

	if err := fn(queryCtx, tx); err != nil {
		if KindOf(err) != KindInternal || errors.Is(err, ErrDuplicateIdempotencyKey) {
			return err
		}
		if ctxErr := queryCtx.Err(); ctxErr != nil {
			return ctxErr
		}
		return Unavailable(op, err)
	}

	if err := tx.Commit(queryCtx); err != nil {
		return Unavailable(op, fmt.Errorf("failed to commit transaction: %w", err))
	}
	return nil
}

// Atomic locks the listed account rows in id order and runs fn in the same
// database transaction.
func (pl *PostgresLedger) Atomic(ctx context.Context, lockAccountIDs []string, fn func(Tx) error) error {
	ids := SortedUnique(lockAccountIDs)
	return pl.inTx(ctx, "atomic mutation", func(queryCtx context.Context, tx pgx.Tx) error {
		rows, err := tx.Query(queryCtx, `SELECT id FROM accounts WHERE id = ANY($1) ORDER BY id FOR UPDATE`, ids)
		if err != nil {
			return fmt.Errorf("failed to lock accounts: %w", err)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("failed to lock accounts: %w", err)
		}
		return fn(&postgresTx{tx: tx})
	})
}

type postgresTx struct {
	tx pgx.Tx
}

func (t *postgresTx) ApplyMutation(ctx context.Context, accountID string, delta, minBalance decimal.Decimal) (decimal.Decimal, error) {
	var balance string
	err := t.tx.QueryRow(ctx, `
		UPDATE accounts
		SET balance = balance + $2::numeric, version = version + 1
		WHERE id = $1 AND status = 'ACTIVE' AND balance + $2::numeric >= $3::numeric
		RETURNING balance::text
	`, accountID, delta.String(), minBalance.String()).Scan(&balance)
	if err == nil {
		return decimal.NewFromString(balance)
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, fmt.Errorf("failed to apply mutation: %w", err)
	}

	var status string
	err = t.tx.QueryRow(ctx, `SELECT status FROM accounts WHERE id = $1`, accountID).Scan(&status)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return decimal.Zero, ErrAccountNotFound
	case err != nil:
		return decimal.Zero, fmt.Errorf("failed to inspect account: %w", err)
	case status != string(AccountActive):
		return decimal.Zero, ErrAccountInactive
	default:
		return decimal.Zero, ErrInsufficientFunds
	}
}

func (t *postgresTx) CreateTransactionRecord(ctx context.Context, txn *Transaction) error {
	return insertTransaction(ctx, t.tx, txn)
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func insertTransaction(ctx context.Context, db execer, txn *Transaction) error {
	_, err := db.Exec(ctx, `
		INSERT INTO transactions (
			id, txn_type, amount, currency, status, from_account_id, to_account_id,
			subject_id, counterparty_subject_id, description, idempotency_key, failure_reason, created_at
		) VALUES ($1, $2, $3::numeric, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`, txn.ID, string(txn.Type), txn.Amount.String(), txn.Currency, string(txn.Status),
		txn.FromAccountID, txn.ToAccountID, txn.SubjectID, txn.CounterpartySubjectID,
		txn.Description, StringPtr(txn.IdempotencyKey), txn.FailureReason, txn.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" && pgErr.ConstraintName == "transactions_idempotency_idx" {
			return ErrDuplicateIdempotencyKey
		}
		return fmt.Errorf("failed to insert transaction: %w", err)
	}
	return nil
}

// RecordFailed persists a FAILED audit row on its own.
func (pl *PostgresLedger) RecordFailed(ctx context.Context, txn *Transaction) error {
	queryCtx, cancel := pl.queryCtx(ctx)
	defer cancel()

	rec := txn.Clone()
	rec.IdempotencyKey = ""
	if err := insertTransaction(queryCtx, pl.Pool, rec); err != nil {
		return Unavailable("record failed transaction", err)
	}
	return nil
}

const transactionColumns = `id, txn_type, amount::text, currency, status, from_account_id, to_account_id,
	subject_id, counterparty_subject_id, description, COALESCE(idempotency_key, ''), failure_reason, created_at`

func scanTransaction(row pgx.Row) (*Transaction, error) {
	var t Transaction
	var txnType, amount, status string
	err := row.Scan(&t.ID, &txnType, &amount, &t.Currency, &status, &t.FromAccountID, &t.ToAccountID,
		&t.SubjectID, &t.CounterpartySubjectID, &t.Description, &t.IdempotencyKey, &t.FailureReason, &t.CreatedAt)
	if err != nil {
		return nil, err
	}
	t.Type = TransactionType(txnType)
	t.Status = TransactionStatus(status)
	t.CreatedAt = Timestamp(t.CreatedAt)
	if t.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("failed to parse amount: %w", err)
	}
	return &t, nil
}

// GetTransaction retrieves a transaction by id.
func (pl *PostgresLedger) GetTransaction(ctx context.Context, id string) (*Transaction, error) {
	queryCtx, cancel := pl.queryCtx(ctx)
	defer cancel()

	t, err := scanTransaction(pl.Pool.QueryRow(queryCtx, `SELECT `+transactionColumns+` FROM transactions WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, Unavailable("get transaction", err)
	}
	return t, nil
}

// FindByIdempotencyKey returns the completed transaction recorded under key.
func (pl *PostgresLedger) FindByIdempotencyKey(ctx context.Context, subjectID, key string) (*Transaction, error) {
	queryCtx, cancel := pl.queryCtx(ctx)
	defer cancel()

	t, err := scanTransaction(pl.Pool.QueryRow(queryCtx,
		`SELECT `+transactionColumns+` FROM transactions WHERE subject_id = $1 AND idempotency_key = $2`, subjectID, key))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, Unavailable("find by idempotency key", err)
	}
	return t, nil
}

// ListTransactions returns one page of the subject's transactions and the total match count.
func (pl *PostgresLedger) ListTransactions(ctx context.Context, subjectID string, f TransactionFilter) ([]*Transaction, int, error) {
	queryCtx, cancel := pl.queryCtx(ctx)
	defer cancel()

	q := buildTransactionQuery(postgresDialect, subjectID, f)

	var total int
	if err := pl.Pool.QueryRow(queryCtx, `SELECT COUNT(*) FROM transactions`+q.whereClause(), q.args...).Scan(&total); err != nil {
		return nil, 0, Unavailable("count transactions", err)
	}

	query := `SELECT ` + transactionColumns + ` FROM transactions` + q.whereClause() + q.orderClause(f) + q.pageClause(f)
	items := make([]*Transaction, 0, f.Limit)
	err := pl.scanRows(queryCtx, query, q.args, func(t *Transaction) error {
		items = append(items, t)
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

// ScanTransactions streams every matching transaction to fn, ignoring pagination.
func (pl *PostgresLedger) ScanTransactions(ctx context.Context, subjectID string, f TransactionFilter, fn func(*Transaction) error) error {
	queryCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	q := buildTransactionQuery(postgresDialect, subjectID, f)
	query := `SELECT ` + transactionColumns + ` FROM transactions` + q.whereClause() + q.orderClause(f)
	return pl.scanRows(queryCtx, query, q.args, fn)
}

func (pl *PostgresLedger) scanRows(ctx context.Context, query string, args []any, fn func(*Transaction) error) error {
	rows, err := pl.Pool.Query(ctx, query, args...)
	if err != nil {
		return Unavailable("query transactions", err)
	}
	defer rows.Close()

	for rows.Next() {
		t, err := scanTransaction(rows)
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

// Close closes the PostgreSQL pool
func (pl *PostgresLedger) Close() error {
	pl.Pool.Close()
	return nil
}

var _ Store = (*PostgresLedger)(nil)
