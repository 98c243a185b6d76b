package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/example/ledger-engine/internal/auth"
	"github.com/example/ledger-engine/internal/engine"
	"github.com/example/ledger-engine/internal/ledger"
	"github.com/example/ledger-engine/internal/security"
)

// amountField accepts either a JSON string or a JSON number and keeps the
// literal text, so no precision is lost to float64.
type amountField string

func (a *amountField) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*a = amountField(s)
		return nil
	}
	if bytes.Equal(b, []byte("null")) {
		*a = ""
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return errors.New("amount must be a number or a numeric string")
	}
	*a = amountField(n.String())
	return nil
}

type transactionRequest struct {
	Type           ledger.TransactionType `json:"type"`
	Amount         amountField            `json:"amount"`
	Currency       string                 `json:"currency"`
	FromAccountID  string                 `json:"from_account_id"`
	ToAccountID    string                 `json:"to_account_id"`
	Description    string                 `json:"description"`
	IdempotencyKey string                 `json:"idempotency_key"`
}

func (t transactionRequest) toEngine() engine.Request {
	return engine.Request{
		Type:           t.Type,
		Amount:         string(t.Amount),
		Currency:       t.Currency,
		FromAccountID:  t.FromAccountID,
		ToAccountID:    t.ToAccountID,
		Description:    t.Description,
		IdempotencyKey: t.IdempotencyKey,
	}
}

type bulkRequest struct {
	Transactions []transactionRequest `json:"transactions"`
}

func decodeBody(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: malformed request body: %w", ledger.ErrValidationFailed, err)
	}
	return nil
}

func subject(r *http.Request) auth.Subject {
	s, _ := auth.SubjectFromContext(r.Context())
	return s
}

// idempotencyKeyHeader may carry the key instead of the request body.
const idempotencyKeyHeader = "Idempotency-Key"

func handleCreateTransaction(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req transactionRequest
		if err := decodeBody(r, &req); err != nil {
			writeEngineError(w, r, err)
			return
		}
		if req.IdempotencyKey == "" {
			req.IdempotencyKey = r.Header.Get(idempotencyKeyHeader)
		}

		markEngineAudited(r)
		txn, err := deps.Engine.Process(r.Context(), subject(r), req.toEngine())
		if err != nil {
			var meta map[string]any
			if txn != nil {
				// The failed attempt was recorded and can be looked up.
				meta = map[string]any{"transaction_id": txn.ID}
			}
			writeFailure(w, r, err, meta)
			return
		}
		writeData(w, r, http.StatusCreated, "transaction completed", txn, nil)
	}
}

func handleBulkTransactions(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req bulkRequest
		if err := decodeBody(r, &req); err != nil {
			writeEngineError(w, r, err)
			return
		}

		reqs := make([]engine.Request, len(req.Transactions))
		for i, t := range req.Transactions {
			reqs[i] = t.toEngine()
		}

		markEngineAudited(r)
		res, err := deps.Engine.ProcessBatch(r.Context(), subject(r), reqs)
		if err != nil {
			writeEngineError(w, r, err)
			return
		}

		status := http.StatusOK
		if res.ProcessedCount < len(res.Results) {
			status = http.StatusMultiStatus
		}
		msg := fmt.Sprintf("%d of %d transactions completed", res.ProcessedCount, len(res.Results))
		writeData(w, r, status, msg, res, nil)
	}
}

func handleGetTransaction(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		txn, err := deps.Engine.GetTransaction(r.Context(), subject(r), chi.URLParam(r, "id"))
		if err != nil {
			writeEngineError(w, r, err)
			return
		}
		writeData(w, r, http.StatusOK, "transaction retrieved", txn, nil)
	}
}

func handleListTransactions(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f, err := parseFilter(r.URL.Query())
		if err != nil {
			writeEngineError(w, r, err)
			return
		}

		page, err := deps.Engine.ListTransactions(r.Context(), subject(r), f)
		if err != nil {
			writeEngineError(w, r, err)
			return
		}
		writeData(w, r, http.StatusOK, "transactions retrieved", page.Items, pageMeta(page))
	}
}

func handleAnalytics(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f, err := parseFilter(r.URL.Query())
		if err != nil {
			writeEngineError(w, r, err)
			return
		}

		summary, err := deps.Analytics.Summarize(r.Context(), subject(r), f)
		if err != nil {
			writeEngineError(w, r, err)
			return
		}
		writeData(w, r, http.StatusOK, "analytics computed", summary, nil)
	}
}

func handleOpenAccount(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req engine.OpenAccountRequest
		if err := decodeBody(r, &req); err != nil {
			writeEngineError(w, r, err)
			return
		}

		markEngineAudited(r)
		acct, err := deps.Engine.OpenAccount(r.Context(), subject(r), req)
		if err != nil {
			writeEngineError(w, r, err)
			return
		}
		writeData(w, r, http.StatusCreated, "account opened", acct, nil)
	}
}

func handleGetAccount(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		acct, err := deps.Engine.GetAccount(r.Context(), subject(r), chi.URLParam(r, "id"))
		if err != nil {
			writeEngineError(w, r, err)
			return
		}
		writeData(w, r, http.StatusOK, "account retrieved", acct, nil)
	}
}

func handleDeactivateAccount(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		markEngineAudited(r)
		acct, err := deps.Engine.DeactivateAccount(r.Context(), subject(r), chi.URLParam(r, "id"))
		if err != nil {
			writeEngineError(w, r, err)
			return
		}
		writeData(w, r, http.StatusOK, "account deactivated", acct, nil)
	}
}

func handleVerifyAccount(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, err := deps.Engine.VerifyAccount(r.Context(), subject(r), chi.URLParam(r, "id"))
		if err != nil {
			writeEngineError(w, r, err)
			return
		}
		writeData(w, r, http.StatusOK, "account verified", res, nil)
	}
}

func handleJWKS(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jwks, err := deps.KeySet.JWKS()
		if err != nil {
			security.WriteJSONError(w, r, http.StatusInternalServerError, security.CodeInternal)
			return
		}
		writeJSON(w, r, http.StatusOK, jwks)
	}
}

// parseFilter reads list and analytics query parameters. Range and enum
// checks happen in TransactionFilter.Normalize.
func parseFilter(q url.Values) (ledger.TransactionFilter, error) {
	f := ledger.TransactionFilter{
		AccountID: q.Get("account_id"),
		Type:      ledger.TransactionType(q.Get("type")),
		Status:    ledger.TransactionStatus(q.Get("status")),
		SortBy:    q.Get("sort_by"),
		SortOrder: q.Get("sort_order"),
		GroupBy:   q.Get("group_by"),
	}

	var err error
	if f.From, err = parseTime(q, "from", false); err != nil {
		return f, err
	}
	if f.To, err = parseTime(q, "to", true); err != nil {
		return f, err
	}
	if f.MinAmount, err = parseDecimal(q, "min_amount"); err != nil {
		return f, err
	}
	if f.MaxAmount, err = parseDecimal(q, "max_amount"); err != nil {
		return f, err
	}
	if f.Page, err = parseInt(q, "page"); err != nil {
		return f, err
	}
	if f.Limit, err = parseInt(q, "limit"); err != nil {
		return f, err
	}
	return f, nil
}

// parseTime accepts RFC 3339 timestamps or plain dates. A plain date used as
// an upper bound covers the whole day.
func parseTime(q url.Values, name string, endOfDay bool) (*time.Time, error) {
	v := q.Get(name)
	if v == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return &t, nil
	}
	t, err := time.Parse(time.DateOnly, v)
	if err != nil {
		return nil, fmt.Errorf("%w: %s must be RFC 3339 or YYYY-MM-DD", ledger.ErrValidationFailed, name)
	}
	if endOfDay {
		t = t.Add(24*time.Hour - time.Microsecond)
	}
	return &t, nil
}

func parseDecimal(q url.Values, name string) (*decimal.Decimal, error) {
	v := q.Get(name)
	if v == "" {
		return nil, nil
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %s must be a decimal number", ledger.ErrValidationFailed, name)
	}
	return &d, nil
}

func parseInt(q url.Values, name string) (int, error) {
	v := q.Get(name)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: %s must be a non-negative integer", ledger.ErrValidationFailed, name)
	}
	return n, nil
}
