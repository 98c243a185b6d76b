package engine

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/example/ledger-engine/internal/auth"
	"github.com/example/ledger-engine/internal/ledger"
)

// OpenAccountRequest opens a zero-balance account for the calling subject.
type OpenAccountRequest struct {
	Type     ledger.AccountType `json:"type"`
	Currency string             `json:"currency"`
}

func (e *Engine) OpenAccount(ctx context.Context, subj auth.Subject, req OpenAccountRequest) (*ledger.Account, error) {
	acct, err := e.openAccount(ctx, subj, req)
	var id string
	if acct != nil {
		id = acct.ID
	}
	e.emit(ctx, subj, ActionAccountOpen, "account", id, err)
	return acct, err
}

func (e *Engine) openAccount(ctx context.Context, subj auth.Subject, req OpenAccountRequest) (*ledger.Account, error) {
	if !req.Type.Valid() {
		return nil, fmt.Errorf("%w: unknown account type %q", ledger.ErrValidationFailed, req.Type)
	}
	if err := validateCurrency(req.Currency); err != nil {
		return nil, err
	}

	acct := &ledger.Account{
		ID:        e.newID(),
		SubjectID: subj.ID,
		Type:      req.Type,
		Currency:  req.Currency,
		Balance:   decimal.Zero,
		Status:    ledger.AccountActive,
		CreatedAt: ledger.Timestamp(e.now()),
	}
	if err := e.store.OpenAccount(ctx, acct); err != nil {
		return nil, err
	}
	return acct, nil
}

func (e *Engine) GetAccount(ctx context.Context, subj auth.Subject, id string) (*ledger.Account, error) {
	return e.loadAccount(ctx, subj, id, true)
}

// DeactivateAccount closes an account. Only zero-balance accounts can be closed.
func (e *Engine) DeactivateAccount(ctx context.Context, subj auth.Subject, id string) (*ledger.Account, error) {
	if _, err := e.loadAccount(ctx, subj, id, true); err != nil {
		e.emit(ctx, subj, ActionAccountDeactivate, "account", id, err)
		return nil, err
	}
	acct, err := e.store.DeactivateAccount(ctx, id)
	e.emit(ctx, subj, ActionAccountDeactivate, "account", id, err)
	if err != nil {
		return nil, err
	}
	return acct, nil
}

// VerifyAccount replays the account's completed transactions and compares the
// result with its stored balance.
func (e *Engine) VerifyAccount(ctx context.Context, subj auth.Subject, id string) (*ledger.ValidationResult, error) {
	if _, err := e.loadAccount(ctx, subj, id, true); err != nil {
		return nil, err
	}
	res, err := ledger.NewValidator(e.store).ValidateBalanceConsistency(ctx, id)
	if err != nil {
		return nil, err
	}
	if !res.IsValid {
		e.logger.ErrorContext(ctx, "balance inconsistency detected", "account_id", id, "details", res.Details)
	}
	return res, nil
}
