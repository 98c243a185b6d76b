package engine

import (
	"context"
	"net/http"

	"github.com/example/ledger-engine/internal/ledger"
	"github.com/example/ledger-engine/pkg/audit"
)

func (s *EngineSuite) TestBatchRejectsMalformedItemWithoutSideEffects() {
	a := s.open(s.alice, "USD")
	s.fund(s.alice, a, "10.00")

	_, err := s.engine.ProcessBatch(s.ctx, s.alice, []Request{
		{Type: ledger.TypeWithdrawal, Amount: "1.00", FromAccountID: a.ID},
		{Type: ledger.TypeTransfer, Amount: "1.00", FromAccountID: a.ID, ToAccountID: a.ID},
	})
	s.Require().ErrorIs(err, ledger.ErrValidationFailed)
	s.Contains(err.Error(), "item 1")
	s.Equal("10.00", s.balance(a.ID))
	s.Equal(1, s.list(s.alice, ledger.TransactionFilter{}).Total)

	_, err = s.engine.ProcessBatch(s.ctx, s.alice, nil)
	s.ErrorIs(err, ledger.ErrValidationFailed)

	tooMany := make([]Request, 11)
	for i := range tooMany {
		tooMany[i] = Request{Type: ledger.TypeDeposit, Amount: "1", ToAccountID: a.ID}
	}
	_, err = s.engine.ProcessBatch(s.ctx, s.alice, tooMany)
	s.ErrorIs(err, ledger.ErrValidationFailed)

	s.Len(s.audit.byAction(ActionBatchReject), 3, "one event per rejected batch")
	s.Len(s.audit.byAction(ActionTransactionCreate), 1, "items of a rejected batch never run")
}

func (s *EngineSuite) TestBatchPartialFailure() {
	a := s.open(s.alice, "USD")
	b := s.open(s.bob, "USD")
	c := s.open(s.bob, "USD")
	s.fund(s.alice, a, "10.00")

	invalidatedBefore := s.cache.count("alice")

	res, err := s.engine.ProcessBatch(s.ctx, s.alice, []Request{
		{Type: ledger.TypeTransfer, Amount: "6.00", FromAccountID: a.ID, ToAccountID: b.ID},
		{Type: ledger.TypeWithdrawal, Amount: "6.00", FromAccountID: a.ID},
		{Type: ledger.TypeDeposit, Amount: "-1", ToAccountID: a.ID},
		{Type: ledger.TypeWithdrawal, Amount: "1.00", FromAccountID: c.ID},
		{Type: ledger.TypeWithdrawal, Amount: "4.00", FromAccountID: a.ID},
	})
	s.Require().NoError(err)
	s.Require().Len(res.Results, 5)
	s.Equal(2, res.ProcessedCount)

	for i, r := range res.Results {
		s.Equal(i, r.Index)
	}
	s.Nil(res.Results[0].Error)
	s.Equal(ledger.StatusCompleted, res.Results[0].Transaction.Status)

	s.Require().NotNil(res.Results[1].Error)
	s.Equal(ledger.KindInsufficientFunds, res.Results[1].Error.Kind)
	s.Equal(ledger.StatusFailed, res.Results[1].Transaction.Status)

	s.Require().NotNil(res.Results[2].Error)
	s.Equal(ledger.KindInvalidAmount, res.Results[2].Error.Kind)
	s.Equal(http.StatusBadRequest, res.Results[2].Error.Status)
	s.Nil(res.Results[2].Transaction)

	s.Require().NotNil(res.Results[3].Error)
	s.Equal(ledger.KindAccountNotFound, res.Results[3].Error.Kind, "bob's account is hidden from alice")

	s.Nil(res.Results[4].Error)

	s.Equal("0.00", s.balance(a.ID))
	s.Equal("6.00", s.balance(b.ID))

	// Every item is audited, including those rejected before reaching the ledger.
	s.Equal(3, s.audit.outcomes()[audit.OutcomeFailure])
	s.Len(s.audit.byAction(ActionTransactionCreate), 6)

	// One invalidation per affected subject for the whole batch.
	s.Equal(invalidatedBefore+1, s.cache.count("alice"))
	s.Equal(1, s.cache.count("bob"))
}

func (s *EngineSuite) TestBatchAbortedContext() {
	a := s.open(s.alice, "USD")
	ctx, cancel := context.WithCancel(s.ctx)
	cancel()

	res, err := s.engine.ProcessBatch(ctx, s.alice, []Request{
		{Type: ledger.TypeDeposit, Amount: "1.00", ToAccountID: a.ID},
	})
	s.Require().NoError(err)
	s.Equal(0, res.ProcessedCount)
	s.Require().NotNil(res.Results[0].Error)
	s.Equal("0.00", s.balance(a.ID))
	s.Equal(1, s.audit.outcomes()[audit.OutcomeFailure])
}
