package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Validator checks ledger invariants against stored data.
type Validator struct {
	store Store
}

// NewValidator creates a new validator instance
func NewValidator(store Store) *Validator {
	return &Validator{store: store}
}

// ValidationResult represents the result of a validation check
type ValidationResult struct {
	IsValid        bool           `json:"is_valid"`
	ValidationType string         `json:"validation_type"`
	Message        string         `json:"message"`
	AccountID      string         `json:"account_id,omitempty"`
	Timestamp      time.Time      `json:"timestamp"`
	Details        map[string]any `json:"details,omitempty"`
}

// ValidateBalanceConsistency replays every COMPLETED transaction touching the
// account and compares the result with the stored balance.
func (v *Validator) ValidateBalanceConsistency(ctx context.Context, accountID string) (*ValidationResult, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	acct, err := v.store.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}

	expected := decimal.Zero
	var replayed int
	filter := TransactionFilter{AccountID: accountID, Status: StatusCompleted}
	err = v.store.ScanTransactions(ctx, acct.SubjectID, filter, func(t *Transaction) error {
		if Deref(t.ToAccountID) == accountID {
			expected = expected.Add(t.Amount)
		}
		if Deref(t.FromAccountID) == accountID {
			expected = expected.Sub(t.Amount)
		}
		replayed++
		return nil
	})
	if err != nil {
		return nil, err
	}

	result := &ValidationResult{
		IsValid:        acct.Balance.Equal(expected),
		ValidationType: "balance_consistency",
		AccountID:      accountID,
		Timestamp:      time.Now().UTC(),
		Details: map[string]any{
			"actual_balance":   acct.Balance.String(),
			"expected_balance": expected.String(),
			"transactions":     replayed,
		},
	}
	if result.IsValid {
		result.Message = fmt.Sprintf("balance is consistent: %s", acct.Balance)
	} else {
		result.Message = fmt.Sprintf("balance inconsistency: actual (%s) != expected (%s)", acct.Balance, expected)
		result.Details["difference"] = acct.Balance.Sub(expected).String()
	}
	return result, nil
}
