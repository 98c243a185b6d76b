// Package security holds the HTTP hardening middleware that runs before any
// handler: correlation IDs, body limits, schema validation, network and TLS
// restrictions.
package security

import (
	"context"
	"net/http"
	"regexp"

	"github.com/google/uuid"
)

const CorrelationIDHeader = "X-Correlation-ID"

// Client supplied IDs are echoed into logs, so only short plain tokens are kept.
var correlationIDPattern = regexp.MustCompile(`^[A-Za-z0-9._-]{1,128}$`)

type correlationIDKey struct{}

func CorrelationID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cid := r.Header.Get(CorrelationIDHeader)
		if !correlationIDPattern.MatchString(cid) {
			cid = uuid.NewString()
		}

		w.Header().Set(CorrelationIDHeader, cid)
		next.ServeHTTP(w, r.WithContext(WithCorrelationID(r.Context(), cid)))
	})
}

func WithCorrelationID(ctx context.Context, cid string) context.Context {
	return context.WithValue(ctx, correlationIDKey{}, cid)
}

func CorrelationIDFromContext(ctx context.Context) string {
	if s, ok := ctx.Value(correlationIDKey{}).(string); ok {
		return s
	}
	return ""
}
