package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/example/ledger-engine/internal/auth"
	"github.com/example/ledger-engine/internal/security"
)

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// requestInfo is filled in by inner middleware and handlers so that outer
// middleware can report on the request once it completes.
type requestInfo struct {
	subject string
	// engineAudited is set once the request reached an engine operation that
	// records its own audit event.
	engineAudited bool
}

type requestInfoKey struct{}

func infoFromContext(ctx context.Context) *requestInfo {
	info, _ := ctx.Value(requestInfoKey{}).(*requestInfo)
	return info
}

func markEngineAudited(r *http.Request) {
	if info := infoFromContext(r.Context()); info != nil {
		info.engineAudited = true
	}
}

// captureSubject copies the authenticated subject into the request info.
func captureSubject(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if info := infoFromContext(r.Context()); info != nil {
			if subj, ok := auth.SubjectFromContext(r.Context()); ok {
				info.subject = subj.ID
			}
		}
		next.ServeHTTP(w, r)
	})
}

func RequestLogger(l *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if l == nil {
				next.ServeHTTP(w, r)
				return
			}

			info := infoFromContext(r.Context())
			if info == nil {
				info = &requestInfo{}
				r = r.WithContext(context.WithValue(r.Context(), requestInfoKey{}, info))
			}

			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			start := time.Now()
			next.ServeHTTP(sw, r)
			dur := time.Since(start)

			l.Info("http_request",
				"cid", security.CorrelationIDFromContext(r.Context()),
				"method", r.Method,
				"path", r.URL.Path,
				"status", sw.status,
				"duration_ms", dur.Milliseconds(),
				"subject", info.subject,
			)
		})
	}
}
