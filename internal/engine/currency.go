package engine

import (
	"fmt"
	"regexp"

	"github.com/shopspring/decimal"

	"github.com/example/ledger-engine/internal/ledger"
)

var currencyPattern = regexp.MustCompile(`^[A-Z]{3}$`)

// minorUnits lists currencies whose precision differs from two decimals.
var minorUnits = map[string]int32{
	"JPY": 0,
	"KRW": 0,
	"BHD": 3,
	"KWD": 3,
}

// MinorUnits is the number of decimal places amounts in currency may carry.
func MinorUnits(currency string) int32 {
	if n, ok := minorUnits[currency]; ok {
		return n
	}
	return 2
}

// maxAmount bounds a single movement so every store can represent it.
var maxAmount = decimal.New(1, 12)

func validateCurrency(code string) error {
	if !currencyPattern.MatchString(code) {
		return fmt.Errorf("%w: currency must be a 3-letter ISO code, got %q", ledger.ErrValidationFailed, code)
	}
	return nil
}

// validateAmount enforces positivity, the currency's precision and the upper bound.
func validateAmount(amount decimal.Decimal, currency string) error {
	if !amount.IsPositive() {
		return fmt.Errorf("%w: amount must be positive", ledger.ErrInvalidAmount)
	}
	places := MinorUnits(currency)
	if !amount.Equal(amount.Truncate(places)) {
		return fmt.Errorf("%w: %s allows at most %d decimal places", ledger.ErrInvalidAmount, currency, places)
	}
	if amount.GreaterThan(maxAmount) {
		return fmt.Errorf("%w: amount exceeds %s", ledger.ErrInvalidAmount, maxAmount)
	}
	return nil
}
