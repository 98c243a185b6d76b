package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/example/ledger-engine/internal/security"
	"github.com/example/ledger-engine/pkg/audit"
)

// AuditMiddleware records state-changing requests that never reached an
// engine operation, such as those rejected by authentication, schema
// validation or the rate limiter. The engine audits everything else, so each
// write produces exactly one event. Reads are not audited.
func AuditMiddleware(rec audit.Recorder) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodGet || r.Method == http.MethodHead || r.Method == http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}

			info := infoFromContext(r.Context())
			if info == nil {
				info = &requestInfo{}
				r = r.WithContext(context.WithValue(r.Context(), requestInfoKey{}, info))
			}

			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(sw, r)
			if info.engineAudited {
				return
			}

			ev := audit.Event{
				Action:        "http." + r.Method,
				ResourceType:  "http",
				ResourceID:    r.URL.Path,
				SubjectID:     info.subject,
				Outcome:       audit.OutcomeSuccess,
				CorrelationID: security.CorrelationIDFromContext(r.Context()),
				OccurredAt:    time.Now().UTC(),
			}
			if sw.status >= http.StatusBadRequest {
				ev.Outcome = audit.OutcomeFailure
				ev.Reason = strconv.Itoa(sw.status)
			}
			rec.Emit(ev)
		})
	}
}
