package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// AccountType enumerates the kinds of customer accounts the ledger holds.
type AccountType string

const (
	AccountChecking AccountType = "CHECKING"
	AccountSavings  AccountType = "SAVINGS"
)

// Valid reports whether t is a known account type.
func (t AccountType) Valid() bool {
	switch t {
	case AccountChecking, AccountSavings:
		return true
	}
	return false
}

// AccountStatus is the lifecycle flag of an account. Accounts are never deleted.
type AccountStatus string

const (
	AccountActive      AccountStatus = "ACTIVE"
	AccountDeactivated AccountStatus = "DEACTIVATED"
)

// TransactionType enumerates monetary movements.
type TransactionType string

const (
	TypeDeposit    TransactionType = "DEPOSIT"
	TypeWithdrawal TransactionType = "WITHDRAWAL"
	TypeTransfer   TransactionType = "TRANSFER"
)

// Valid reports whether t is a known transaction type.
func (t TransactionType) Valid() bool {
	switch t {
	case TypeDeposit, TypeWithdrawal, TypeTransfer:
		return true
	}
	return false
}

// TransactionStatus is the outcome of a transaction. COMPLETED and FAILED are terminal.
type TransactionStatus string

const (
	StatusPending   TransactionStatus = "PENDING"
	StatusCompleted TransactionStatus = "COMPLETED"
	StatusFailed    TransactionStatus = "FAILED"
)

// Valid reports whether s is a known transaction status.
func (s TransactionStatus) Valid() bool {
	switch s {
	case StatusPending, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Account represents a customer account and its current balance.
type Account struct {
	ID        string          `json:"id"`
	SubjectID string          `json:"subject_id"`
	Type      AccountType     `json:"type"`
	Currency  string          `json:"currency"`
	Balance   decimal.Decimal `json:"balance"`
	Status    AccountStatus   `json:"status"`
	Version   int64           `json:"version"`
	CreatedAt time.Time       `json:"created_at"`
}

// IsActive reports whether the account accepts mutations.
func (a *Account) IsActive() bool {
	return a.Status == AccountActive
}

// Transaction is the immutable audit record of one monetary operation.
type Transaction struct {
	ID                    string            `json:"id"`
	Type                  TransactionType   `json:"type"`
	Amount                decimal.Decimal   `json:"amount"`
	Currency              string            `json:"currency"`
	Status                TransactionStatus `json:"status"`
	FromAccountID         *string           `json:"from_account_id,omitempty"`
	ToAccountID           *string           `json:"to_account_id,omitempty"`
	SubjectID             string            `json:"subject_id"`
	CounterpartySubjectID *string           `json:"counterparty_subject_id,omitempty"`
	Description           string            `json:"description"`
	IdempotencyKey        string            `json:"idempotency_key,omitempty"`
	FailureReason         string            `json:"failure_reason,omitempty"`
	CreatedAt             time.Time         `json:"created_at"`
}

// VisibleTo reports whether subjectID may read the transaction.
func (t *Transaction) VisibleTo(subjectID string) bool {
	if t.SubjectID == subjectID {
		return true
	}
	return t.CounterpartySubjectID != nil && *t.CounterpartySubjectID == subjectID
}

// Clone returns a deep copy so callers never share pointers with a store.
func (t *Transaction) Clone() *Transaction {
	cp := *t
	if t.FromAccountID != nil {
		v := *t.FromAccountID
		cp.FromAccountID = &v
	}
	if t.ToAccountID != nil {
		v := *t.ToAccountID
		cp.ToAccountID = &v
	}
	if t.CounterpartySubjectID != nil {
		v := *t.CounterpartySubjectID
		cp.CounterpartySubjectID = &v
	}
	return &cp
}

// Timestamp normalises t to the precision every store can persist, so a record
// read back from any backend (or from the cache) is identical to the one written.
func Timestamp(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

// StringPtr returns a pointer to s, or nil when s is empty.
func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// Deref returns the pointed-to string or "".
func Deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
