package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/example/ledger-engine/internal/auth"
	"github.com/example/ledger-engine/internal/ratelimit"
	"github.com/example/ledger-engine/internal/security"
)

type decisionKey struct{}

func withRateMeta(r *http.Request, meta map[string]any) map[string]any {
	d, ok := r.Context().Value(decisionKey{}).(ratelimit.Decision)
	if !ok || d.Limit <= 0 {
		return meta
	}
	if meta == nil {
		meta = map[string]any{}
	}
	meta["rate_limit"] = map[string]any{
		"limit":     d.Limit,
		"remaining": d.Remaining,
		"reset":     d.Reset.UTC().Format(time.RFC3339),
	}
	return meta
}

// RateLimit admits each request against the caller's quota for class before
// the handler runs. It must be mounted after authentication.
func RateLimit(l *ratelimit.Limiter, class ratelimit.Class) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if l == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			subj, ok := auth.SubjectFromContext(r.Context())
			if !ok {
				security.WriteJSONError(w, r, http.StatusUnauthorized, security.CodeUnauthorized)
				return
			}

			d, err := l.Admit(r.Context(), subj.ID, class)
			if d.Limit > 0 {
				w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
				w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
				w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(d.Reset.Unix(), 10))
			}
			r = r.WithContext(context.WithValue(r.Context(), decisionKey{}, d))

			if errors.Is(err, ratelimit.ErrRateLimitExceeded) {
				retry := int(time.Until(d.Reset).Seconds()) + 1
				if retry < 1 {
					retry = 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(retry))
				security.WriteError(w, r, http.StatusTooManyRequests, "RateLimitExceeded",
					"rate limit exceeded for "+string(class), withRateMeta(r, nil))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
