package ledger

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by the ledger and the transaction engine.
var (
	ErrValidationFailed        = errors.New("ledger: validation failed")
	ErrInsufficientFunds       = errors.New("ledger: insufficient funds")
	ErrAccountNotFound         = errors.New("ledger: account not found")
	ErrAccountInactive         = errors.New("ledger: account is not active")
	ErrInvalidAmount           = errors.New("ledger: invalid amount")
	ErrNotFound                = errors.New("ledger: not found")
	ErrCurrencyMismatch        = errors.New("ledger: currency mismatch")
	ErrNonZeroBalance          = errors.New("ledger: account balance must be zero")
	ErrDuplicateIdempotencyKey = errors.New("ledger: duplicate idempotency key")
	ErrLedgerUnavailable       = errors.New("ledger: unavailable")
)

// Kind is the stable, client-facing name of an error class.
type Kind string

const (
	KindValidationFailed  Kind = "ValidationFailed"
	KindInsufficientFunds Kind = "InsufficientFunds"
	KindAccountNotFound   Kind = "AccountNotFound"
	KindAccountInactive   Kind = "AccountInactive"
	KindInvalidAmount     Kind = "InvalidAmount"
	KindNotFound          Kind = "NotFound"
	KindCurrencyMismatch  Kind = "CurrencyMismatch"
	KindNonZeroBalance    Kind = "NonZeroBalance"
	KindLedgerUnavailable Kind = "LedgerUnavailable"
	KindInternal          Kind = "Internal"
)

var kinds = []struct {
	err  error
	kind Kind
}{
	{ErrValidationFailed, KindValidationFailed},
	{ErrInsufficientFunds, KindInsufficientFunds},
	{ErrAccountNotFound, KindAccountNotFound},
	{ErrAccountInactive, KindAccountInactive},
	{ErrInvalidAmount, KindInvalidAmount},
	{ErrNotFound, KindNotFound},
	{ErrCurrencyMismatch, KindCurrencyMismatch},
	{ErrNonZeroBalance, KindNonZeroBalance},
	{ErrLedgerUnavailable, KindLedgerUnavailable},
}

// KindOf classifies err. Unknown errors are KindInternal.
func KindOf(err error) Kind {
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return KindInternal
}

// IsBusinessRule reports whether err is a per-request rule violation that
// should be reported as a client error and never retried.
func IsBusinessRule(err error) bool {
	switch KindOf(err) {
	case KindInternal, KindLedgerUnavailable:
		return false
	}
	return true
}

// Unavailable wraps an infrastructure failure of the backing store.
func Unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %v", op, ErrLedgerUnavailable, err)
}
