package ledger

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// Tx is the unit of work handed to Store.Atomic. Every mutation and record
// created through it commits together or not at all.
type Tx interface {
	// ApplyMutation adds delta to the account balance, failing with
	// ErrInsufficientFunds when the result would drop below minBalance.
	ApplyMutation(ctx context.Context, accountID string, delta, minBalance decimal.Decimal) (decimal.Decimal, error)
	// CreateTransactionRecord persists the immutable transaction row.
	CreateTransactionRecord(ctx context.Context, txn *Transaction) error
}

// TransactionReader is the read side of the ledger.
type TransactionReader interface {
	GetTransaction(ctx context.Context, id string) (*Transaction, error)
	ListTransactions(ctx context.Context, subjectID string, f TransactionFilter) ([]*Transaction, int, error)
	ScanTransactions(ctx context.Context, subjectID string, f TransactionFilter, fn func(*Transaction) error) error
}

// Store is the durable source of truth for accounts and transactions.
type Store interface {
	TransactionReader

	OpenAccount(ctx context.Context, acct *Account) error
	GetAccount(ctx context.Context, id string) (*Account, error)
	DeactivateAccount(ctx context.Context, id string) (*Account, error)

	// Atomic takes an exclusive hold on lockAccountIDs in ascending id order,
	// runs fn, and commits everything fn did as one unit. Any error from fn
	// rolls the unit back.
	Atomic(ctx context.Context, lockAccountIDs []string, fn func(Tx) error) error

	// RecordFailed persists a FAILED transaction outside of any mutation unit.
	RecordFailed(ctx context.Context, txn *Transaction) error
	FindByIdempotencyKey(ctx context.Context, subjectID, key string) (*Transaction, error)

	Close() error
}

const (
	SortByCreatedAt = "created_at"
	SortByAmount    = "amount"

	DefaultPageLimit = 20
	MaxPageLimit     = 100
)

// TransactionFilter narrows list and analytics reads. Zero values mean "any".
type TransactionFilter struct {
	AccountID string
	Type      TransactionType
	Status    TransactionStatus
	From      *time.Time
	To        *time.Time
	MinAmount *decimal.Decimal
	MaxAmount *decimal.Decimal
	Page      int
	Limit     int
	SortBy    string
	SortOrder string
	GroupBy   string
}

// Normalize applies defaults and rejects malformed values so that equivalent
// filters compare and fingerprint identically.
func (f TransactionFilter) Normalize() (TransactionFilter, error) {
	if f.Type != "" && !f.Type.Valid() {
		return f, fmt.Errorf("%w: unknown transaction type %q", ErrValidationFailed, f.Type)
	}
	if f.Status != "" && !f.Status.Valid() {
		return f, fmt.Errorf("%w: unknown transaction status %q", ErrValidationFailed, f.Status)
	}
	if f.From != nil && f.To != nil && f.From.After(*f.To) {
		return f, fmt.Errorf("%w: from must not be after to", ErrValidationFailed)
	}
	if f.MinAmount != nil && f.MaxAmount != nil && f.MinAmount.GreaterThan(*f.MaxAmount) {
		return f, fmt.Errorf("%w: min amount exceeds max amount", ErrValidationFailed)
	}
	if f.From != nil {
		t := Timestamp(*f.From)
		f.From = &t
	}
	if f.To != nil {
		t := Timestamp(*f.To)
		f.To = &t
	}
	if f.Page < 1 {
		f.Page = 1
	}
	switch {
	case f.Limit <= 0:
		f.Limit = DefaultPageLimit
	case f.Limit > MaxPageLimit:
		f.Limit = MaxPageLimit
	}
	switch f.SortBy {
	case "":
		f.SortBy = SortByCreatedAt
	case SortByCreatedAt, SortByAmount:
	default:
		return f, fmt.Errorf("%w: unknown sort field %q", ErrValidationFailed, f.SortBy)
	}
	switch f.SortOrder {
	case "":
		f.SortOrder = "desc"
	case "asc", "desc":
	default:
		return f, fmt.Errorf("%w: unknown sort order %q", ErrValidationFailed, f.SortOrder)
	}
	switch f.GroupBy {
	case "", "type", "status", "day":
	default:
		return f, fmt.Errorf("%w: unknown grouping %q", ErrValidationFailed, f.GroupBy)
	}
	return f, nil
}

// Offset is the number of rows skipped before the current page.
func (f TransactionFilter) Offset() int {
	if f.Page < 1 {
		return 0
	}
	return (f.Page - 1) * f.Limit
}

// Params renders the filter as canonical key/value pairs for fingerprinting.
func (f TransactionFilter) Params() map[string]string {
	p := map[string]string{
		"page":  strconv.Itoa(f.Page),
		"limit": strconv.Itoa(f.Limit),
		"sort":  f.SortBy,
		"order": f.SortOrder,
	}
	if f.AccountID != "" {
		p["account"] = f.AccountID
	}
	if f.Type != "" {
		p["type"] = string(f.Type)
	}
	if f.Status != "" {
		p["status"] = string(f.Status)
	}
	if f.From != nil {
		p["from"] = f.From.Format(time.RFC3339Nano)
	}
	if f.To != nil {
		p["to"] = f.To.Format(time.RFC3339Nano)
	}
	if f.MinAmount != nil {
		p["min"] = f.MinAmount.String()
	}
	if f.MaxAmount != nil {
		p["max"] = f.MaxAmount.String()
	}
	if f.GroupBy != "" {
		p["group"] = f.GroupBy
	}
	return p
}

// Matches reports whether txn satisfies the filter's predicates for subjectID.
func (f TransactionFilter) Matches(subjectID string, txn *Transaction) bool {
	if !txn.VisibleTo(subjectID) {
		return false
	}
	if f.AccountID != "" && Deref(txn.FromAccountID) != f.AccountID && Deref(txn.ToAccountID) != f.AccountID {
		return false
	}
	if f.Type != "" && txn.Type != f.Type {
		return false
	}
	if f.Status != "" && txn.Status != f.Status {
		return false
	}
	if f.From != nil && txn.CreatedAt.Before(*f.From) {
		return false
	}
	if f.To != nil && txn.CreatedAt.After(*f.To) {
		return false
	}
	if f.MinAmount != nil && txn.Amount.LessThan(*f.MinAmount) {
		return false
	}
	if f.MaxAmount != nil && txn.Amount.GreaterThan(*f.MaxAmount) {
		return false
	}
	return true
}

// SortTransactions orders items by the filter's sort field, breaking ties by id.
func SortTransactions(items []*Transaction, f TransactionFilter) {
	desc := f.SortOrder == "desc"
	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i], items[j]
		var c int
		if f.SortBy == SortByAmount {
			c = a.Amount.Cmp(b.Amount)
		} else {
			c = a.CreatedAt.Compare(b.CreatedAt)
		}
		if c == 0 {
			if a.ID < b.ID {
				c = -1
			} else if a.ID > b.ID {
				c = 1
			}
		}
		if desc {
			return c > 0
		}
		return c < 0
	})
}

// SortedUnique returns the distinct non-empty ids in ascending order. Stores
// acquire account holds in this order so opposing transfers cannot deadlock.
func SortedUnique(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
