// Package core provides money parsing and handling utilities.
//
// Amounts are kept as integer cents. Arithmetic that needs fractions
// (percentages, ratios) goes through shopspring/decimal so no float
// rounding leaks into persisted values or insight text.
package core

import (
	"strings"

	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// ParseDecimalToCents converts a decimal string to cents with half-up rounding.
//
// Both dot (12.34) and comma (12,34) separators are accepted. Signs,
// exponents, zero and negative values are rejected.
//
// Examples:
//
//	ParseDecimalToCents("12.34")  -> 1234, nil
//	ParseDecimalToCents("12,34")  -> 1234, nil
//	ParseDecimalToCents("12.345") -> 1235, nil
func ParseDecimalToCents(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, ErrInvalidAmount
	}
	s = strings.ReplaceAll(s, ",", ".")
	if strings.ContainsAny(s, "+-eE") {
		return 0, ErrInvalidAmount
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, ErrInvalidAmount
	}
	cents := d.Round(2).Shift(2)
	if !cents.IsPositive() || !cents.IsInteger() {
		return 0, ErrInvalidAmount
	}
	if cents.GreaterThan(decimal.NewFromInt(1<<62)) {
		return 0, ErrInvalidAmount
	}
	return cents.IntPart(), nil
}

// Decimal returns the amount in major units.
func (m Money) Decimal() decimal.Decimal {
	return decimal.New(m.Cents, -2)
}

// String renders the amount with two decimals, e.g. "1234.50".
func (m Money) String() string {
	return m.Decimal().StringFixed(2)
}

// Add returns the sum of both amounts.
func (m Money) Add(o Money) Money {
	return Money{Cents: m.Cents + o.Cents}
}

// Sub returns m minus o.
func (m Money) Sub(o Money) Money {
	return Money{Cents: m.Cents - o.Cents}
}

// Ratio returns m/o, or zero when o is zero.
func (m Money) Ratio(o Money) decimal.Decimal {
	if o.Cents == 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(m.Cents).Div(decimal.NewFromInt(o.Cents))
}

// Percent formats a ratio as a percentage with one decimal, e.g. 0.08 -> "8.0".
func Percent(ratio decimal.Decimal) string {
	return ratio.Mul(hundred).StringFixed(1)
}
