// Package engine validates and executes deposits, withdrawals and transfers
// against a ledger.Store, keeping the read cache and the audit trail in step
// with every write.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/example/ledger-engine/internal/auth"
	"github.com/example/ledger-engine/internal/cache"
	"github.com/example/ledger-engine/internal/ledger"
	"github.com/example/ledger-engine/internal/security"
	"github.com/example/ledger-engine/pkg/audit"
)

const (
	maxDescriptionLen    = 255
	maxIdempotencyKeyLen = 128
)

// Audit actions.
const (
	ActionTransactionCreate = "transaction.create"
	ActionBatchReject       = "transaction.batch"
	ActionAccountOpen       = "account.open"
	ActionAccountDeactivate = "account.deactivate"
)

// Request asks for one monetary movement.
type Request struct {
	Type           ledger.TransactionType `json:"type"`
	Amount         string                 `json:"amount"`
	Currency       string                 `json:"currency,omitempty"`
	FromAccountID  string                 `json:"from_account_id,omitempty"`
	ToAccountID    string                 `json:"to_account_id,omitempty"`
	Description    string                 `json:"description,omitempty"`
	IdempotencyKey string                 `json:"idempotency_key,omitempty"`
}

// parsedRequest is a structurally valid Request.
type parsedRequest struct {
	Request
	amount decimal.Decimal
}

// parseRequest checks everything that can be checked without the ledger.
func parseRequest(req Request) (parsedRequest, error) {
	p := parsedRequest{Request: req}
	if !req.Type.Valid() {
		return p, fmt.Errorf("%w: unknown transaction type %q", ledger.ErrValidationFailed, req.Type)
	}

	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		return p, fmt.Errorf("%w: amount %q is not a decimal number", ledger.ErrValidationFailed, req.Amount)
	}
	p.amount = amount

	switch req.Type {
	case ledger.TypeDeposit:
		if req.ToAccountID == "" || req.FromAccountID != "" {
			return p, fmt.Errorf("%w: a deposit needs to_account_id only", ledger.ErrValidationFailed)
		}
	case ledger.TypeWithdrawal:
		if req.FromAccountID == "" || req.ToAccountID != "" {
			return p, fmt.Errorf("%w: a withdrawal needs from_account_id only", ledger.ErrValidationFailed)
		}
	case ledger.TypeTransfer:
		if req.FromAccountID == "" || req.ToAccountID == "" {
			return p, fmt.Errorf("%w: a transfer needs from_account_id and to_account_id", ledger.ErrValidationFailed)
		}
		if req.FromAccountID == req.ToAccountID {
			return p, fmt.Errorf("%w: cannot transfer to the same account", ledger.ErrValidationFailed)
		}
	}

	if req.Currency != "" {
		if err := validateCurrency(req.Currency); err != nil {
			return p, err
		}
	}
	if len(req.Description) > maxDescriptionLen {
		return p, fmt.Errorf("%w: description longer than %d characters", ledger.ErrValidationFailed, maxDescriptionLen)
	}
	if len(req.IdempotencyKey) > maxIdempotencyKeyLen {
		return p, fmt.Errorf("%w: idempotency key longer than %d characters", ledger.ErrValidationFailed, maxIdempotencyKeyLen)
	}
	return p, nil
}

// Engine is the Transaction Engine.
type Engine struct {
	store    ledger.Store
	cache    *cache.BestEffort
	audit    audit.Recorder
	logger   *slog.Logger
	now      func() time.Time
	newID    func() string
	maxBatch int
}

type Option func(*Engine)

func WithCache(c *cache.BestEffort) Option { return func(e *Engine) { e.cache = c } }

func WithAudit(r audit.Recorder) Option { return func(e *Engine) { e.audit = r } }

func WithLogger(l *slog.Logger) Option { return func(e *Engine) { e.logger = l } }

func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

func WithIDGenerator(fn func() string) Option { return func(e *Engine) { e.newID = fn } }

// WithMaxBatchItems caps the number of items ProcessBatch accepts.
func WithMaxBatchItems(n int) Option { return func(e *Engine) { e.maxBatch = n } }

func New(store ledger.Store, opts ...Option) *Engine {
	e := &Engine{
		store:    store,
		audit:    audit.Discard,
		logger:   slog.Default(),
		now:      time.Now,
		newID:    uuid.NewString,
		maxBatch: 100,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Process executes one request and returns the recorded transaction. On a
// ledger failure the returned transaction is the persisted FAILED record (nil
// when none could be written) and err explains the failure. Every call is
// audited exactly once.
func (e *Engine) Process(ctx context.Context, subj auth.Subject, req Request) (*ledger.Transaction, error) {
	p, err := parseRequest(req)
	if err != nil {
		e.emit(ctx, subj, ActionTransactionCreate, "transaction", "", err)
		return nil, err
	}
	txn, err := e.execute(ctx, subj, p)
	if txn != nil {
		e.cache.Invalidate(context.WithoutCancel(ctx), txn.SubjectID, ledger.Deref(txn.CounterpartySubjectID))
	}
	return txn, err
}

// loadAccount fetches an account, hiding accounts the subject may not use.
func (e *Engine) loadAccount(ctx context.Context, subj auth.Subject, id string, mustOwn bool) (*ledger.Account, error) {
	acct, err := e.store.GetAccount(ctx, id)
	if err != nil {
		return nil, err
	}
	if mustOwn && !subj.IsAdmin() && acct.SubjectID != subj.ID {
		return nil, ledger.ErrAccountNotFound
	}
	return acct, nil
}

// execute runs a parsed request without touching the cache and audits the
// outcome.
func (e *Engine) execute(ctx context.Context, subj auth.Subject, p parsedRequest) (*ledger.Transaction, error) {
	txn, err := e.apply(ctx, subj, p)
	var id string
	if txn != nil {
		id = txn.ID
	}
	e.emit(ctx, subj, ActionTransactionCreate, "transaction", id, err)
	return txn, err
}

func (e *Engine) apply(ctx context.Context, subj auth.Subject, p parsedRequest) (*ledger.Transaction, error) {
	var from, to *ledger.Account
	var err error
	if p.FromAccountID != "" {
		if from, err = e.loadAccount(ctx, subj, p.FromAccountID, true); err != nil {
			return nil, err
		}
	}
	if p.ToAccountID != "" {
		if to, err = e.loadAccount(ctx, subj, p.ToAccountID, p.Type == ledger.TypeDeposit); err != nil {
			return nil, err
		}
	}

	primary := from
	if primary == nil {
		primary = to
	}
	owner := primary.SubjectID

	if p.IdempotencyKey != "" {
		orig, err := e.store.FindByIdempotencyKey(ctx, owner, p.IdempotencyKey)
		if err == nil {
			return orig, nil
		}
		if !errors.Is(err, ledger.ErrNotFound) {
			return nil, err
		}
	}

	if p.Currency != "" && p.Currency != primary.Currency {
		return nil, fmt.Errorf("%w: account holds %s, request is in %s", ledger.ErrCurrencyMismatch, primary.Currency, p.Currency)
	}
	if from != nil && to != nil && from.Currency != to.Currency {
		return nil, fmt.Errorf("%w: %s to %s", ledger.ErrCurrencyMismatch, from.Currency, to.Currency)
	}
	if err := validateAmount(p.amount, primary.Currency); err != nil {
		return nil, err
	}

	txn := &ledger.Transaction{
		ID:             e.newID(),
		Type:           p.Type,
		Amount:         p.amount,
		Currency:       primary.Currency,
		Status:         ledger.StatusCompleted,
		FromAccountID:  ledger.StringPtr(p.FromAccountID),
		ToAccountID:    ledger.StringPtr(p.ToAccountID),
		SubjectID:      owner,
		Description:    p.Description,
		IdempotencyKey: p.IdempotencyKey,
		CreatedAt:      ledger.Timestamp(e.now()),
	}
	if p.Type == ledger.TypeTransfer && to.SubjectID != owner {
		txn.CounterpartySubjectID = ledger.StringPtr(to.SubjectID)
	}

	err = e.store.Atomic(ctx, []string{p.FromAccountID, p.ToAccountID}, func(tx ledger.Tx) error {
		if p.FromAccountID != "" {
			if _, err := tx.ApplyMutation(ctx, p.FromAccountID, p.amount.Neg(), decimal.Zero); err != nil {
				return err
			}
		}
		if p.ToAccountID != "" {
			if _, err := tx.ApplyMutation(ctx, p.ToAccountID, p.amount, decimal.Zero); err != nil {
				return err
			}
		}
		return tx.CreateTransactionRecord(ctx, txn)
	})

	switch {
	case err == nil:
		e.logger.InfoContext(ctx, "transaction completed",
			"transaction_id", txn.ID, "type", string(txn.Type), "subject", subj.ID)
		return txn, nil

	case errors.Is(err, ledger.ErrDuplicateIdempotencyKey):
		// A concurrent request with the same key committed first.
		return e.store.FindByIdempotencyKey(ctx, owner, p.IdempotencyKey)

	case ctx.Err() != nil:
		return nil, err
	}

	return e.recordFailure(ctx, subj, txn, err)
}

// recordFailure persists txn as FAILED and returns it with cause.
func (e *Engine) recordFailure(ctx context.Context, subj auth.Subject, txn *ledger.Transaction, cause error) (*ledger.Transaction, error) {
	failed := txn.Clone()
	failed.Status = ledger.StatusFailed
	failed.FailureReason = string(ledger.KindOf(cause))
	failed.IdempotencyKey = ""

	level := slog.LevelError
	if ledger.IsBusinessRule(cause) {
		level = slog.LevelWarn
	}
	e.logger.Log(ctx, level, "transaction failed",
		"transaction_id", failed.ID, "type", string(failed.Type), "subject", subj.ID, "error", cause)

	if err := e.store.RecordFailed(ctx, failed); err != nil {
		e.logger.ErrorContext(ctx, "failed to record failed transaction",
			"transaction_id", failed.ID, "error", err)
		return nil, cause
	}
	return failed, cause
}

func (e *Engine) emit(ctx context.Context, subj auth.Subject, action, resourceType, resourceID string, cause error) {
	ev := audit.Event{
		Action:        action,
		ResourceType:  resourceType,
		ResourceID:    resourceID,
		SubjectID:     subj.ID,
		Outcome:       audit.OutcomeSuccess,
		CorrelationID: security.CorrelationIDFromContext(ctx),
		OccurredAt:    e.now().UTC(),
	}
	if cause != nil {
		ev.Outcome = audit.OutcomeFailure
		ev.Reason = string(ledger.KindOf(cause))
	}
	e.audit.Emit(ev)
}

// GetTransaction returns a transaction the subject owns or received.
func (e *Engine) GetTransaction(ctx context.Context, subj auth.Subject, id string) (*ledger.Transaction, error) {
	t, err := e.store.GetTransaction(ctx, id)
	if err != nil {
		return nil, err
	}
	if !subj.IsAdmin() && !t.VisibleTo(subj.ID) {
		return nil, ledger.ErrNotFound
	}
	return t, nil
}

// Page is one page of a transaction listing.
type Page struct {
	Items      []*ledger.Transaction `json:"items"`
	Page       int                   `json:"page"`
	Limit      int                   `json:"limit"`
	Total      int                   `json:"total"`
	TotalPages int                   `json:"total_pages"`
}

// ListTransactions serves from the cache when possible and populates it on a
// miss. The key is bound to the subject's cache generation before the ledger
// is read, so a page computed before a concurrent write is never served after it.
func (e *Engine) ListTransactions(ctx context.Context, subj auth.Subject, f ledger.TransactionFilter) (*Page, error) {
	f, err := f.Normalize()
	if err != nil {
		return nil, err
	}

	key, cacheable := e.cache.Bind(ctx, cache.Fingerprint(subj.ID, "transactions", f.Params()))
	var page Page
	if cacheable && e.cache.GetJSON(ctx, key, &page) {
		return &page, nil
	}

	items, total, err := e.store.ListTransactions(ctx, subj.ID, f)
	if err != nil {
		return nil, err
	}
	if items == nil {
		items = []*ledger.Transaction{}
	}
	page = Page{
		Items:      items,
		Page:       f.Page,
		Limit:      f.Limit,
		Total:      total,
		TotalPages: (total + f.Limit - 1) / f.Limit,
	}
	if cacheable {
		e.cache.PutJSON(ctx, key, page)
	}
	return &page, nil
}
