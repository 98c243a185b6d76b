// Package analytics summarises a subject's transactions.
package analytics

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/example/ledger-engine/internal/auth"
	"github.com/example/ledger-engine/internal/cache"
	"github.com/example/ledger-engine/internal/ledger"
)

// Bucket is a count and a sum.
type Bucket struct {
	Count  int             `json:"count"`
	Amount decimal.Decimal `json:"amount"`
}

func (b *Bucket) add(amount decimal.Decimal) {
	b.Count++
	b.Amount = b.Amount.Add(amount)
}

// DailyVolume is the activity of one UTC calendar day.
type DailyVolume struct {
	Date   string          `json:"date"`
	Count  int             `json:"count"`
	Amount decimal.Decimal `json:"amount"`
}

// Summary aggregates every transaction matching a filter. Amounts in
// different currencies are summed as plain numbers; callers filter by
// account to get a single-currency view.
type Summary struct {
	TotalTransactions int                                 `json:"total_transactions"`
	TotalAmount       decimal.Decimal                     `json:"total_amount"`
	ByType            map[ledger.TransactionType]Bucket   `json:"by_type,omitempty"`
	ByStatus          map[ledger.TransactionStatus]Bucket `json:"by_status,omitempty"`
	DailyVolume       []DailyVolume                       `json:"daily_volume,omitempty"`
}

// Aggregator computes summaries from the ledger, caching results per subject.
type Aggregator struct {
	reader ledger.TransactionReader
	cache  *cache.BestEffort
}

func NewAggregator(reader ledger.TransactionReader, c *cache.BestEffort) *Aggregator {
	return &Aggregator{reader: reader, cache: c}
}

// Summarize returns the summary of the subject's visible transactions. The
// filter's GroupBy selects one breakdown (type, status or day); empty fills all.
// Pagination and sorting are ignored.
func (a *Aggregator) Summarize(ctx context.Context, subj auth.Subject, f ledger.TransactionFilter) (*Summary, error) {
	f, err := f.Normalize()
	if err != nil {
		return nil, err
	}
	f.Page, f.Limit, f.SortBy, f.SortOrder = 1, 0, ledger.SortByCreatedAt, "asc"

	params := f.Params()
	delete(params, "page")
	delete(params, "limit")
	delete(params, "sort")
	delete(params, "order")
	key, cacheable := a.cache.Bind(ctx, cache.Fingerprint(subj.ID, "analytics", params))

	var cached Summary
	if cacheable && a.cache.GetJSON(ctx, key, &cached) {
		return &cached, nil
	}

	s := &Summary{TotalAmount: decimal.Zero}
	byType := map[ledger.TransactionType]*Bucket{}
	byStatus := map[ledger.TransactionStatus]*Bucket{}
	byDay := map[string]*Bucket{}
	var days []string

	err = a.reader.ScanTransactions(ctx, subj.ID, f, func(t *ledger.Transaction) error {
		s.TotalTransactions++
		s.TotalAmount = s.TotalAmount.Add(t.Amount)

		if f.GroupBy == "" || f.GroupBy == "type" {
			bucketFor(byType, t.Type).add(t.Amount)
		}
		if f.GroupBy == "" || f.GroupBy == "status" {
			bucketFor(byStatus, t.Status).add(t.Amount)
		}
		if f.GroupBy == "" || f.GroupBy == "day" {
			day := t.CreatedAt.UTC().Format(time.DateOnly)
			if _, ok := byDay[day]; !ok {
				days = append(days, day)
			}
			bucketFor(byDay, day).add(t.Amount)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if len(byType) > 0 {
		s.ByType = make(map[ledger.TransactionType]Bucket, len(byType))
		for k, b := range byType {
			s.ByType[k] = *b
		}
	}
	if len(byStatus) > 0 {
		s.ByStatus = make(map[ledger.TransactionStatus]Bucket, len(byStatus))
		for k, b := range byStatus {
			s.ByStatus[k] = *b
		}
	}
	// Transactions arrive in created_at order, so days are already sorted.
	for _, d := range days {
		b := byDay[d]
		s.DailyVolume = append(s.DailyVolume, DailyVolume{Date: d, Count: b.Count, Amount: b.Amount})
	}

	if cacheable {
		a.cache.PutJSON(ctx, key, s)
	}
	return s, nil
}

func bucketFor[K comparable](m map[K]*Bucket, k K) *Bucket {
	b, ok := m[k]
	if !ok {
		b = &Bucket{Amount: decimal.Zero}
		m[k] = b
	}
	return b
}
