package engine

import (
	"context"
	"fmt"

	"github.com/example/ledger-engine/internal/auth"
	"github.com/example/ledger-engine/internal/ledger"
)

// ItemError describes why one batch item did not complete.
type ItemError struct {
	Kind    ledger.Kind `json:"kind"`
	Message string      `json:"message"`
	Status  int         `json:"status"`
}

// ItemResult is the outcome of the batch item at Index.
type ItemResult struct {
	Index       int                 `json:"index"`
	Transaction *ledger.Transaction `json:"transaction,omitempty"`
	Error       *ItemError          `json:"error,omitempty"`
}

// BatchResult lists one result per submitted item, in submission order.
type BatchResult struct {
	ProcessedCount int          `json:"processed_count"`
	Results        []ItemResult `json:"results"`
}

func itemError(err error) *ItemError {
	return &ItemError{Kind: ledger.KindOf(err), Message: err.Error(), Status: StatusCode(err)}
}

// ProcessBatch validates every item's shape up front, rejecting the whole
// batch on the first malformed item with a single audit event. Well-formed batches run item by item in
// order; each item succeeds or fails on its own and the cache is invalidated
// once per affected subject afterwards.
func (e *Engine) ProcessBatch(ctx context.Context, subj auth.Subject, reqs []Request) (*BatchResult, error) {
	if len(reqs) == 0 {
		err := fmt.Errorf("%w: batch is empty", ledger.ErrValidationFailed)
		e.emit(ctx, subj, ActionBatchReject, "batch", "", err)
		return nil, err
	}
	if e.maxBatch > 0 && len(reqs) > e.maxBatch {
		err := fmt.Errorf("%w: batch has %d items, the limit is %d", ledger.ErrValidationFailed, len(reqs), e.maxBatch)
		e.emit(ctx, subj, ActionBatchReject, "batch", "", err)
		return nil, err
	}

	parsed := make([]parsedRequest, len(reqs))
	for i, req := range reqs {
		p, err := parseRequest(req)
		if err != nil {
			err = fmt.Errorf("item %d: %w", i, err)
			e.emit(ctx, subj, ActionBatchReject, "batch", "", err)
			return nil, err
		}
		parsed[i] = p
	}

	result := &BatchResult{Results: make([]ItemResult, len(parsed))}
	affected := []string{subj.ID}
	for i, p := range parsed {
		result.Results[i].Index = i
		if err := ctx.Err(); err != nil {
			err = fmt.Errorf("batch aborted before item ran: %w", err)
			e.emit(ctx, subj, ActionTransactionCreate, "transaction", "", err)
			result.Results[i].Error = itemError(err)
			continue
		}

		txn, err := e.execute(ctx, subj, p)
		result.Results[i].Transaction = txn
		if txn != nil {
			affected = append(affected, txn.SubjectID, ledger.Deref(txn.CounterpartySubjectID))
		}
		if err != nil {
			result.Results[i].Error = itemError(err)
			continue
		}
		result.ProcessedCount++
	}

	// The caller's context may be done; invalidation must still happen.
	e.cache.Invalidate(context.WithoutCancel(ctx), affected...)

	e.logger.InfoContext(ctx, "batch processed",
		"subject", subj.ID, "items", len(parsed), "processed", result.ProcessedCount)
	return result, nil
}
