package security

import (
	"encoding/json"
	"net/http"
)

// Codes reported in ErrorBody.Code by the HTTP layer. They follow the naming
// of ledger error kinds so clients match on one vocabulary.
const (
	CodeValidationFailed = "ValidationFailed"
	CodePayloadTooLarge  = "PayloadTooLarge"
	CodeUnauthorized     = "Unauthorized"
	CodeForbidden        = "Forbidden"
	CodeNotFound         = "NotFound"
	CodeMethodNotAllowed = "MethodNotAllowed"
	CodeInternal         = "Internal"
)

// ErrorBody is the error half of the API response envelope.
type ErrorBody struct {
	Code          string `json:"code"`
	Message       string `json:"message,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

// ErrorResponse is the envelope written for every failed request.
type ErrorResponse struct {
	Success bool           `json:"success"`
	Message string         `json:"message"`
	Error   ErrorBody      `json:"error"`
	Meta    map[string]any `json:"meta,omitempty"`
}

func WriteJSONError(w http.ResponseWriter, r *http.Request, status int, code string) {
	WriteError(w, r, status, code, http.StatusText(status), nil)
}

// WriteError writes the error envelope with a human readable message and
// optional metadata.
func WriteError(w http.ResponseWriter, r *http.Request, status int, code, message string, meta map[string]any) {
	cid := CorrelationIDFromContext(r.Context())
	if cid != "" {
		w.Header().Set(CorrelationIDHeader, cid)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Success: false,
		Message: message,
		Error: ErrorBody{
			Code:          code,
			Message:       message,
			CorrelationID: cid,
		},
		Meta: meta,
	})
}
