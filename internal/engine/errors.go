package engine

import (
	"context"
	"errors"
	"net/http"

	"github.com/example/ledger-engine/internal/ledger"
)

// StatusCode maps an engine error to the HTTP status reported to clients.
func StatusCode(err error) int {
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout
	}
	switch ledger.KindOf(err) {
	case ledger.KindValidationFailed, ledger.KindInvalidAmount, ledger.KindCurrencyMismatch:
		return http.StatusBadRequest
	case ledger.KindAccountNotFound, ledger.KindNotFound:
		return http.StatusNotFound
	case ledger.KindInsufficientFunds, ledger.KindAccountInactive:
		return http.StatusUnprocessableEntity
	case ledger.KindNonZeroBalance:
		return http.StatusConflict
	case ledger.KindLedgerUnavailable:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}
