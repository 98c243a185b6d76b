package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/example/ledger-engine/internal/engine"
	"github.com/example/ledger-engine/internal/ledger"
	"github.com/example/ledger-engine/internal/security"
)

// envelope is the body of every successful response.
type envelope struct {
	Success bool           `json:"success"`
	Message string         `json:"message"`
	Data    any            `json:"data,omitempty"`
	Meta    map[string]any `json:"meta,omitempty"`
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	cid := security.CorrelationIDFromContext(r.Context())
	if cid != "" {
		w.Header().Set(security.CorrelationIDHeader, cid)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeData(w http.ResponseWriter, r *http.Request, status int, message string, data any, meta map[string]any) {
	writeJSON(w, r, status, envelope{
		Success: true,
		Message: message,
		Data:    data,
		Meta:    withRateMeta(r, meta),
	})
}

// writeEngineError reports err with the status its kind maps to. Internal
// errors never leak their message.
func writeEngineError(w http.ResponseWriter, r *http.Request, err error) {
	writeFailure(w, r, err, nil)
}

func writeFailure(w http.ResponseWriter, r *http.Request, err error, meta map[string]any) {
	status := engine.StatusCode(err)
	kind := ledger.KindOf(err)
	msg := err.Error()
	if status >= http.StatusInternalServerError {
		msg = http.StatusText(status)
	}
	var mbe *http.MaxBytesError
	if errors.As(err, &mbe) {
		status, kind, msg = http.StatusRequestEntityTooLarge, security.CodePayloadTooLarge, "request body too large"
	}
	security.WriteError(w, r, status, string(kind), msg, withRateMeta(r, meta))
}

func pageMeta(p *engine.Page) map[string]any {
	return map[string]any{
		"page":        p.Page,
		"limit":       p.Limit,
		"total":       p.Total,
		"total_pages": p.TotalPages,
	}
}
