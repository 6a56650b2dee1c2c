package flashloan

import (
	"testing"

	"github.com/shopspring/decimal"
)

func dec(t *testing.T, raw string) decimal.Decimal {
	t.Helper()
	value, err := decimal.NewFromString(raw)
	if err != nil {
		t.Fatalf("parse %q: %v", raw, err)
	}
	return value
}

func TestPercentOfTruncates(t *testing.T) {
	got := percentOf(dec(t, "0.000000000000000003"), dec(t, "50"))
	if !got.Equal(dec(t, "0.000000000000000001")) {
		t.Fatalf("expected truncation toward zero, got %s", got)
	}
	if got := percentOf(dec(t, "500"), dec(t, "0.5")); !got.Equal(dec(t, "2.5")) {
		t.Fatalf("unexpected reward share: %s", got)
	}
}

func TestRepaymentDue(t *testing.T) {
	if got := repaymentDue(dec(t, "500"), dec(t, "1")); !got.Equal(dec(t, "505")) {
		t.Fatalf("unexpected repayment: %s", got)
	}
}

func TestQuoTruncatesAtScale(t *testing.T) {
	got := quo(dec(t, "1"), dec(t, "3"))
	if !got.Equal(dec(t, "0.333333333333333333")) {
		t.Fatalf("unexpected quotient: %s", got)
	}
}

func TestParseAmount(t *testing.T) {
	if _, err := ParseAmount("1.0000000000000000001"); err == nil {
		t.Fatalf("expected error for excess precision")
	}
	if _, err := ParseAmount("-1"); err == nil {
		t.Fatalf("expected error for negative amount")
	}
	if _, err := ParseAmount(" "); err == nil {
		t.Fatalf("expected error for empty amount")
	}
	value, err := ParseAmount(" 1002.50 ")
	if err != nil {
		t.Fatalf("parse amount: %v", err)
	}
	if !value.Equal(dec(t, "1002.5")) {
		t.Fatalf("unexpected value %s", value)
	}
}
