package model

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// ParsePrice converts a storefront price string to a decimal amount.
// Accepts plain decimals ("50", "50.00"), a leading currency symbol ("$50.00"),
// thousands separators ("1,299.00") and a comma decimal mark ("49,90").
// Empty input is zero. Negative prices are rejected.
func ParsePrice(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, nil
	}
	s = strings.TrimLeft(s, "$€£¥ ")

	// A single comma followed by exactly two digits is a decimal mark.
	if i := strings.LastIndex(s, ","); i >= 0 && !strings.Contains(s, ".") && len(s)-i-1 == 2 {
		s = s[:i] + "." + s[i+1:]
	}
	s = strings.ReplaceAll(s, ",", "")

	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parsing price %q: %w", s, err)
	}
	if d.IsNegative() {
		return decimal.Zero, fmt.Errorf("negative price %q", s)
	}
	return d, nil
}

// FormatPrice renders an amount with two decimals, the way carts display it.
func FormatPrice(d decimal.Decimal) string {
	return d.StringFixed(2)
}
