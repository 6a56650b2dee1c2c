package flashloan

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Scale is the number of fractional digits carried by every amount and
// percentage. Results are truncated toward zero at this scale.
const Scale int32 = 18

var (
	zero    = decimal.Zero
	one     = decimal.NewFromInt(1)
	hundred = decimal.NewFromInt(100)
)

// ParseAmount parses a non-negative decimal string with at most Scale
// fractional digits.
func ParseAmount(raw string) (decimal.Decimal, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return zero, fmt.Errorf("amount required")
	}
	value, err := decimal.NewFromString(trimmed)
	if err != nil {
		return zero, fmt.Errorf("parse amount %q: %w", raw, err)
	}
	if value.IsNegative() {
		return zero, fmt.Errorf("amount %q must not be negative", raw)
	}
	if !value.Equal(truncate(value)) {
		return zero, fmt.Errorf("amount %q exceeds %d fractional digits", raw, Scale)
	}
	return value, nil
}

func truncate(v decimal.Decimal) decimal.Decimal {
	return v.Truncate(Scale)
}

// percentOf returns amount*pct/100 truncated at Scale.
func percentOf(amount, pct decimal.Decimal) decimal.Decimal {
	return truncate(amount.Mul(pct).Shift(-2))
}

// repaymentDue is the minimum a borrower must return for principal at the
// given fee percentage.
func repaymentDue(principal, feePct decimal.Decimal) decimal.Decimal {
	return percentOf(principal, hundred.Add(feePct))
}

// quo divides a by b truncating at Scale. b must be non-zero.
func quo(a, b decimal.Decimal) decimal.Decimal {
	q, _ := a.QuoRem(b, Scale)
	return q
}

func validPercentage(pct decimal.Decimal) bool {
	return pct.GreaterThan(zero) && pct.LessThanOrEqual(hundred)
}
