package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ledger-engine/internal/analytics"
	"github.com/example/ledger-engine/internal/auth"
	"github.com/example/ledger-engine/internal/cache"
	"github.com/example/ledger-engine/internal/engine"
	"github.com/example/ledger-engine/internal/ledger"
	"github.com/example/ledger-engine/internal/ratelimit"
	"github.com/example/ledger-engine/internal/security"
	"github.com/example/ledger-engine/pkg/audit"
)

type auditSpy struct {
	mu     sync.Mutex
	events []audit.Event
}

func (a *auditSpy) Emit(e audit.Event) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, e)
}

func (a *auditSpy) snapshot() []audit.Event {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]audit.Event(nil), a.events...)
}

type testEnv struct {
	t       *testing.T
	handler http.Handler
	keys    *auth.KeySet
	store   *ledger.MemoryStore
	audit   *auditSpy
}

type testResponse struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
	Error   struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
	Meta map[string]any `json:"meta"`
}

func newTestEnv(t *testing.T, quotas map[ratelimit.Class]int, mutate func(*Dependencies)) *testEnv {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	keys, err := auth.NewKeySet()
	require.NoError(t, err)

	store := ledger.NewMemoryStore()
	results := cache.NewBestEffort(cache.NewRedisCache(rdb), time.Minute, logger)
	spy := &auditSpy{}
	// Pin the limiter clock so a window boundary cannot fall inside a test.
	pinned := time.Now()

	deps := Dependencies{
		Logger:       logger,
		JWTValidator: &auth.JWTValidator{KeySet: keys, Issuer: "ledger-tests"},
		KeySet:       keys,
		Engine: engine.New(store, engine.WithCache(results), engine.WithAudit(spy),
			engine.WithLogger(logger), engine.WithMaxBatchItems(5)),
		Analytics:    analytics.NewAggregator(store, results),
		Limiter:      ratelimit.New(&ratelimit.RedisCounter{Redis: rdb}, time.Minute, quotas, ratelimit.WithLogger(logger),
			ratelimit.WithClock(func() time.Time { return pinned })),
		Audit:        spy,
		MaxBodyBytes: 4096,
	}
	if mutate != nil {
		mutate(&deps)
	}

	h, err := NewRouter(deps)
	require.NoError(t, err)
	return &testEnv{t: t, handler: h, keys: keys, store: store, audit: spy}
}

func (e *testEnv) token(subject string) string {
	e.t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, auth.AccessTokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "ledger-tests",
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	tok.Header["kid"] = e.keys.KeyID()
	s, err := tok.SignedString(e.keys.PrivateKey())
	require.NoError(e.t, err)
	return s
}

func (e *testEnv) do(method, path, subject string, body any) (*httptest.ResponseRecorder, testResponse) {
	e.t.Helper()
	var rd io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		rd = strings.NewReader(b)
	default:
		raw, err := json.Marshal(b)
		require.NoError(e.t, err)
		rd = bytes.NewReader(raw)
	}

	req := httptest.NewRequest(method, path, rd)
	if subject != "" {
		req.Header.Set("Authorization", "Bearer "+e.token(subject))
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)

	var out testResponse
	if rec.Body.Len() > 0 {
		require.NoError(e.t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	}
	return rec, out
}

func (e *testEnv) openAccount(subject, currency string) ledger.Account {
	e.t.Helper()
	rec, resp := e.do(http.MethodPost, "/v1/accounts", subject, map[string]any{"type": "CHECKING", "currency": currency})
	require.Equal(e.t, http.StatusCreated, rec.Code, rec.Body.String())
	var acct ledger.Account
	require.NoError(e.t, json.Unmarshal(resp.Data, &acct))
	return acct
}

func TestHealthzAndCorrelationID(t *testing.T) {
	env := newTestEnv(t, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set(security.CorrelationIDHeader, "trace-123")
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "trace-123", rec.Header().Get(security.CorrelationIDHeader))

	req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set(security.CorrelationIDHeader, "bad id\nwith newline")
	rec = httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	assert.NotEqual(t, "bad id\nwith newline", rec.Header().Get(security.CorrelationIDHeader))
	assert.NotEmpty(t, rec.Header().Get(security.CorrelationIDHeader))
}

func TestJWKSPublished(t *testing.T) {
	env := newTestEnv(t, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/.well-known/jwks.json", nil)
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var jwks auth.JWKS
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &jwks))
	require.Len(t, jwks.Keys, 1)
	assert.Equal(t, env.keys.KeyID(), jwks.Keys[0].Kid)
}

func TestUnauthenticatedRequestsRejected(t *testing.T) {
	env := newTestEnv(t, nil, nil)

	rec, resp := env.do(http.MethodGet, "/v1/transactions", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.False(t, resp.Success)
	assert.Equal(t, "Unauthorized", resp.Error.Code)
}

func TestTransactionLifecycle(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	acct := env.openAccount("alice", "USD")

	// Numeric and string amounts are both accepted.
	rec, resp := env.do(http.MethodPost, "/v1/transactions", "alice", `{"type":"DEPOSIT","amount":100.50,"to_account_id":"`+acct.ID+`"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.True(t, resp.Success)
	assert.Equal(t, "10", rec.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "9", rec.Header().Get("X-RateLimit-Remaining"))
	assert.NotEmpty(t, rec.Header().Get("X-RateLimit-Reset"))
	require.Contains(t, resp.Meta, "rate_limit")

	var deposit ledger.Transaction
	require.NoError(t, json.Unmarshal(resp.Data, &deposit))
	assert.Equal(t, "100.5", deposit.Amount.String())
	assert.Equal(t, ledger.StatusCompleted, deposit.Status)

	rec, _ = env.do(http.MethodPost, "/v1/transactions", "alice", map[string]any{
		"type": "WITHDRAWAL", "amount": "0.50", "from_account_id": acct.ID, "currency": "USD",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec, resp = env.do(http.MethodPost, "/v1/transactions", "alice", map[string]any{
		"type": "WITHDRAWAL", "amount": "500", "from_account_id": acct.ID,
	})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "InsufficientFunds", resp.Error.Code)
	assert.NotEmpty(t, resp.Meta["transaction_id"], "the failed attempt is recorded")

	rec, resp = env.do(http.MethodGet, "/v1/transactions?limit=2&sort_by=created_at&sort_order=asc", "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var items []ledger.Transaction
	require.NoError(t, json.Unmarshal(resp.Data, &items))
	assert.Len(t, items, 2)
	assert.EqualValues(t, 3, resp.Meta["total"])
	assert.EqualValues(t, 2, resp.Meta["total_pages"])
	assert.EqualValues(t, 1, resp.Meta["page"])

	rec, resp = env.do(http.MethodGet, "/v1/transactions/"+deposit.ID, "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec, resp = env.do(http.MethodGet, "/v1/accounts/"+acct.ID, "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var got ledger.Account
	require.NoError(t, json.Unmarshal(resp.Data, &got))
	assert.Equal(t, "100", got.Balance.String())

	rec, resp = env.do(http.MethodGet, "/v1/accounts/"+acct.ID+"/verify", "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var verify ledger.ValidationResult
	require.NoError(t, json.Unmarshal(resp.Data, &verify))
	assert.True(t, verify.IsValid)
}

func TestCrossSubjectAccessLooksLikeAbsence(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	acct := env.openAccount("alice", "USD")
	rec, resp := env.do(http.MethodPost, "/v1/transactions", "alice", map[string]any{
		"type": "DEPOSIT", "amount": "5", "to_account_id": acct.ID,
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var txn ledger.Transaction
	require.NoError(t, json.Unmarshal(resp.Data, &txn))

	rec, foreign := env.do(http.MethodGet, "/v1/transactions/"+txn.ID, "mallory", nil)
	rec2, missing := env.do(http.MethodGet, "/v1/transactions/does-not-exist", "mallory", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, rec2.Code, rec.Code)
	assert.Equal(t, missing.Error.Code, foreign.Error.Code)

	rec, _ = env.do(http.MethodPost, "/v1/transactions", "mallory", map[string]any{
		"type": "WITHDRAWAL", "amount": "1", "from_account_id": acct.ID,
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSchemaRejectsBeforeEngine(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	acct := env.openAccount("alice", "USD")

	rec, resp := env.do(http.MethodPost, "/v1/transactions", "alice", map[string]any{
		"type": "REFUND", "amount": "1", "to_account_id": acct.ID,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "ValidationFailed", resp.Error.Code)
	assert.Contains(t, resp.Error.Message, "/type")

	rec, resp = env.do(http.MethodPost, "/v1/transactions", "alice", `{"type":"DEPOSIT","amount":"-3","to_account_id":"`+acct.ID+`"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "InvalidAmount", resp.Error.Code)

	rec, _ = env.do(http.MethodPost, "/v1/transactions", "alice", `{"type":`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	_, total, err := env.store.ListTransactions(context.Background(), "alice", ledger.TransactionFilter{Limit: 10})
	require.NoError(t, err)
	assert.Zero(t, total)
}

func TestRateLimitRejectsBeforeLedger(t *testing.T) {
	quotas := ratelimit.DefaultQuotas()
	quotas[ratelimit.ClassTransactionCreate] = 2
	env := newTestEnv(t, quotas, nil)
	acct := env.openAccount("alice", "USD")

	body := map[string]any{"type": "DEPOSIT", "amount": "1", "to_account_id": acct.ID}
	for i := 0; i < 2; i++ {
		rec, _ := env.do(http.MethodPost, "/v1/transactions", "alice", body)
		require.Equal(t, http.StatusCreated, rec.Code)
	}

	rec, resp := env.do(http.MethodPost, "/v1/transactions", "alice", body)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "RateLimitExceeded", resp.Error.Code)
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	// Another subject and another class are unaffected.
	rec, _ = env.do(http.MethodGet, "/v1/transactions", "alice", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	bobAcct := env.openAccount("bob", "USD")
	rec, _ = env.do(http.MethodPost, "/v1/transactions", "bob", map[string]any{"type": "DEPOSIT", "amount": "1", "to_account_id": bobAcct.ID})
	assert.Equal(t, http.StatusCreated, rec.Code)

	got, err := env.store.GetAccount(context.Background(), acct.ID)
	require.NoError(t, err)
	assert.Equal(t, "2", got.Balance.String())
}

func TestBulkPartialFailure(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	acct := env.openAccount("alice", "USD")

	rec, resp := env.do(http.MethodPost, "/v1/transactions/bulk", "alice", map[string]any{
		"transactions": []map[string]any{
			{"type": "DEPOSIT", "amount": "10", "to_account_id": acct.ID},
			{"type": "DEPOSIT", "amount": "-1", "to_account_id": acct.ID},
			{"type": "WITHDRAWAL", "amount": 4, "from_account_id": acct.ID},
		},
	})
	require.Equal(t, http.StatusMultiStatus, rec.Code, rec.Body.String())
	assert.Equal(t, "3", rec.Header().Get("X-RateLimit-Limit"))

	var res engine.BatchResult
	require.NoError(t, json.Unmarshal(resp.Data, &res))
	assert.Equal(t, 2, res.ProcessedCount)
	require.Len(t, res.Results, 3)
	require.NotNil(t, res.Results[1].Error)
	assert.Equal(t, http.StatusBadRequest, res.Results[1].Error.Status)

	rec, resp = env.do(http.MethodPost, "/v1/transactions/bulk", "alice", map[string]any{
		"transactions": []map[string]any{
			{"type": "DEPOSIT", "amount": "10", "to_account_id": acct.ID},
			{"type": "REFUND", "amount": "1", "to_account_id": acct.ID},
		},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "ValidationFailed", resp.Error.Code)

	got, err := env.store.GetAccount(context.Background(), acct.ID)
	require.NoError(t, err)
	assert.Equal(t, "6", got.Balance.String())
}

func TestAnalyticsEndpoint(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	acct := env.openAccount("alice", "USD")
	for _, amt := range []string{"0.10", "0.20"} {
		rec, _ := env.do(http.MethodPost, "/v1/transactions", "alice", map[string]any{"type": "DEPOSIT", "amount": amt, "to_account_id": acct.ID})
		require.Equal(t, http.StatusCreated, rec.Code)
	}

	rec, resp := env.do(http.MethodGet, "/v1/transactions/analytics?group_by=type", "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "30", rec.Header().Get("X-RateLimit-Limit"))

	var s analytics.Summary
	require.NoError(t, json.Unmarshal(resp.Data, &s))
	assert.Equal(t, 2, s.TotalTransactions)
	assert.Equal(t, "0.3", s.TotalAmount.String())

	rec, resp = env.do(http.MethodGet, "/v1/transactions/analytics?from=yesterday", "alice", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "ValidationFailed", resp.Error.Code)
}

func TestAccountDeactivation(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	acct := env.openAccount("alice", "USD")
	rec, _ := env.do(http.MethodPost, "/v1/transactions", "alice", map[string]any{"type": "DEPOSIT", "amount": "1", "to_account_id": acct.ID})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec, resp := env.do(http.MethodPost, "/v1/accounts/"+acct.ID+"/deactivate", "alice", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "NonZeroBalance", resp.Error.Code)

	rec, _ = env.do(http.MethodPost, "/v1/transactions", "alice", map[string]any{"type": "WITHDRAWAL", "amount": "1", "from_account_id": acct.ID})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec, resp = env.do(http.MethodPost, "/v1/accounts/"+acct.ID+"/deactivate", "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var got ledger.Account
	require.NoError(t, json.Unmarshal(resp.Data, &got))
	assert.Equal(t, ledger.AccountDeactivated, got.Status)
}

func TestAuditTrailRecordsEachWriteOnce(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	acct := env.openAccount("alice", "USD")
	env.do(http.MethodGet, "/v1/accounts/"+acct.ID, "alice", nil)
	env.do(http.MethodPost, "/v1/transactions", "alice", map[string]any{"type": "WITHDRAWAL", "amount": "1", "from_account_id": acct.ID})
	env.do(http.MethodPost, "/v1/transactions", "alice", map[string]any{"type": "DEPOSIT", "amount": "-5", "to_account_id": acct.ID})
	env.do(http.MethodPost, "/v1/transactions", "", map[string]any{"type": "DEPOSIT", "amount": "5", "to_account_id": acct.ID})
	env.do(http.MethodPost, "/v1/transactions", "alice", map[string]any{"type": "DEPOSIT"})

	events := env.audit.snapshot()
	require.Len(t, events, 5)

	assert.Equal(t, engine.ActionAccountOpen, events[0].Action)
	assert.Equal(t, "alice", events[0].SubjectID)
	assert.Equal(t, audit.OutcomeSuccess, events[0].Outcome)

	assert.Equal(t, engine.ActionTransactionCreate, events[1].Action)
	assert.Equal(t, audit.OutcomeFailure, events[1].Outcome)
	assert.Equal(t, "InsufficientFunds", events[1].Reason)
	assert.NotEmpty(t, events[1].CorrelationID)

	assert.Equal(t, engine.ActionTransactionCreate, events[2].Action)
	assert.Equal(t, "InvalidAmount", events[2].Reason)

	// Requests turned away before the engine are audited by the HTTP layer.
	assert.Equal(t, "http.POST", events[3].Action)
	assert.Equal(t, "401", events[3].Reason)
	assert.Empty(t, events[3].SubjectID)
	assert.Equal(t, "http.POST", events[4].Action)
	assert.Equal(t, "400", events[4].Reason)
	assert.Equal(t, "alice", events[4].SubjectID)
}

func TestRepeatedListReadsReturnIdenticalData(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	acct := env.openAccount("alice", "USD")
	for _, amt := range []string{"1.10", "20", "0.05"} {
		rec, _ := env.do(http.MethodPost, "/v1/transactions", "alice", map[string]any{"type": "DEPOSIT", "amount": amt, "to_account_id": acct.ID})
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	}

	path := "/v1/transactions?sort_by=amount&sort_order=desc&limit=2"
	rec, first := env.do(http.MethodGet, path, "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rec, second := env.do(http.MethodGet, path, "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	assert.JSONEq(t, string(first.Data), string(second.Data))
	assert.Equal(t, string(first.Data), string(second.Data))
	assert.Equal(t, first.Meta["total"], second.Meta["total"])
}

func TestNetworkAndBodyLimits(t *testing.T) {
	allow, err := security.ParseCIDRAllowlist("10.0.0.0/8")
	require.NoError(t, err)
	env := newTestEnv(t, nil, func(d *Dependencies) { d.IPAllowlist = allow })

	// httptest requests originate from 192.0.2.1.
	rec, resp := env.do(http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "Forbidden", resp.Error.Code)

	env = newTestEnv(t, nil, func(d *Dependencies) { d.IPAllowlist = []netip.Prefix{netip.MustParsePrefix("192.0.2.0/24")} })
	rec, _ = env.do(http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	big := `{"type":"DEPOSIT","amount":"1","to_account_id":"x","description":"` + strings.Repeat("a", 5000) + `"}`
	rec, resp = env.do(http.MethodPost, "/v1/transactions", "alice", big)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Equal(t, "PayloadTooLarge", resp.Error.Code)
}
