// Package api exposes the transaction engine over HTTP.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"net/netip"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/example/ledger-engine/internal/analytics"
	"github.com/example/ledger-engine/internal/auth"
	"github.com/example/ledger-engine/internal/engine"
	"github.com/example/ledger-engine/internal/ledger"
	"github.com/example/ledger-engine/internal/ratelimit"
	"github.com/example/ledger-engine/internal/security"
	"github.com/example/ledger-engine/pkg/audit"
)

type Analytics interface {
	Summarize(ctx context.Context, subj auth.Subject, f ledger.TransactionFilter) (*analytics.Summary, error)
}

type Dependencies struct {
	Logger       *slog.Logger
	JWTValidator *auth.JWTValidator
	// KeySet, when set, is published at /.well-known/jwks.json.
	KeySet *auth.KeySet

	Engine    *engine.Engine
	Analytics Analytics

	Limiter      *ratelimit.Limiter
	Audit        audit.Recorder
	IPAllowlist  []netip.Prefix
	MaxBodyBytes int64
}

func NewRouter(deps Dependencies) (http.Handler, error) {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	createTxnV, err := security.NewJSONSchemaValidator("transaction.json", createTransactionSchema)
	if err != nil {
		return nil, err
	}
	bulkV, err := security.NewJSONSchemaValidator("bulk.json", bulkTransactionSchema)
	if err != nil {
		return nil, err
	}
	openAcctV, err := security.NewJSONSchemaValidator("account.json", openAccountSchema)
	if err != nil {
		return nil, err
	}

	onAuthError := func(w http.ResponseWriter, r *http.Request, status int, code string) {
		security.WriteJSONError(w, r, status, code)
	}
	limit := func(class ratelimit.Class) func(http.Handler) http.Handler {
		return RateLimit(deps.Limiter, class)
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(security.CorrelationID)
	r.Use(RequestLogger(deps.Logger))
	r.Use(security.BodySizeLimit(deps.MaxBodyBytes))
	r.Use(security.IPAllowlist(deps.IPAllowlist))
	if deps.Audit != nil {
		r.Use(AuditMiddleware(deps.Audit))
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	if deps.KeySet != nil && deps.KeySet.PublicKey() != nil {
		r.Get("/.well-known/jwks.json", handleJWKS(deps))
	}

	r.Route("/v1", func(r chi.Router) {
		r.Use(auth.Authenticate(deps.JWTValidator, onAuthError))
		r.Use(captureSubject)

		r.Route("/transactions", func(r chi.Router) {
			r.With(limit(ratelimit.ClassTransactionCreate), createTxnV.Middleware).Post("/", handleCreateTransaction(deps))
			r.With(limit(ratelimit.ClassTransactionBulk), bulkV.Middleware).Post("/bulk", handleBulkTransactions(deps))
			r.With(limit(ratelimit.ClassTransactionRead)).Get("/", handleListTransactions(deps))
			r.With(limit(ratelimit.ClassTransactionRead)).Get("/{id}", handleGetTransaction(deps))
			if deps.Analytics != nil {
				r.With(limit(ratelimit.ClassAnalyticsRead)).Get("/analytics", handleAnalytics(deps))
			}
		})

		r.Route("/accounts", func(r chi.Router) {
			r.With(openAcctV.Middleware).Post("/", handleOpenAccount(deps))
			r.Get("/{id}", handleGetAccount(deps))
			r.Post("/{id}/deactivate", handleDeactivateAccount(deps))
			r.Get("/{id}/verify", handleVerifyAccount(deps))
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		security.WriteJSONError(w, r, http.StatusNotFound, security.CodeNotFound)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		security.WriteJSONError(w, r, http.StatusMethodNotAllowed, security.CodeMethodNotAllowed)
	})

	return r, nil
}
