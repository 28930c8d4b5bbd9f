// Package core provides the settlement domain model, money parsing and
// formatting helpers, and the validation that callers run before settling.
//
// This file contains functions for parsing monetary amounts typed into the
// form and converting between cents and decimal representations.
package core

import (
	"errors"
	"math"
	"strconv"
	"strings"
	"unicode"

	"github.com/shopspring/decimal"
)

var ErrInvalidAmount = errors.New("invalid amount")

// ParseDecimalToCents converts a decimal string to cents with proper rounding.
//
// It accepts both dot (12.34) and comma (12,34) decimal separators and performs
// half-up rounding on the third decimal place. Zero, negative and malformed
// values are rejected with ErrInvalidAmount.
//
// Examples:
//
//	ParseDecimalToCents("12.34") -> 1234, nil
//	ParseDecimalToCents("12,34") -> 1234, nil
//	ParseDecimalToCents("12.345") -> 1235, nil (rounds up)
//	ParseDecimalToCents("12.344") -> 1234, nil (rounds down)
func ParseDecimalToCents(s string) (int64, error) {
	cents, err := parseCents(s)
	if err != nil {
		return 0, err
	}
	if cents <= 0 {
		return 0, ErrInvalidAmount
	}
	return cents, nil
}

// ParsePrice parses an item price field. An empty field means zero, matching
// a freshly added item row; zero itself is a valid price.
func ParsePrice(s string) (float64, error) {
	if strings.TrimSpace(s) == "" {
		return 0, nil
	}
	cents, err := parseCents(s)
	if err != nil {
		return 0, err
	}
	return Money{Cents: cents}.Dollars(), nil
}

func parseCents(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, ErrInvalidAmount
	}
	s = strings.ReplaceAll(s, ",", ".")
	if strings.HasPrefix(s, "+") || strings.HasPrefix(s, "-") {
		return 0, ErrInvalidAmount
	}
	parts := strings.Split(s, ".")
	if len(parts) > 2 {
		return 0, ErrInvalidAmount
	}
	intPart := parts[0]
	fracPart := ""
	if len(parts) == 2 {
		fracPart = parts[1]
	}
	if intPart == "" {
		intPart = "0"
	}
	for _, r := range intPart + fracPart {
		if !unicode.IsDigit(r) {
			return 0, ErrInvalidAmount
		}
	}
	iv, err := strconv.ParseInt(intPart, 10, 64)
	if err != nil {
		return 0, ErrInvalidAmount
	}
	// Prevent overflow when multiplying by 100
	const maxSafeInt64 = (1<<63 - 1) / 100
	if iv > maxSafeInt64-1 {
		return 0, ErrInvalidAmount
	}
	// Take first two fractional digits; then half-up rounding on third
	var fracCents int64
	if len(fracPart) > 0 {
		fracCents = int64(fracPart[0]-'0') * 10
		if len(fracPart) > 1 {
			fracCents += int64(fracPart[1] - '0')
			if len(fracPart) > 2 && fracPart[2] >= '5' {
				fracCents++
			}
		}
	}
	return iv*100 + fracCents, nil
}

// MoneyFromAmount converts a floating amount to cents, rounding the amount as
// written (1.005 becomes 101 cents) half away from zero.
func MoneyFromAmount(v float64) Money {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return Money{}
	}
	return Money{Cents: decimal.NewFromFloat(v).Round(2).Shift(2).IntPart()}
}

// Round2 rounds an amount to two decimal places for emission. It rounds the
// float's exact binary value, half away from zero: 2.01/2 is stored as
// 1.00499999... and becomes 1.00.
func Round2(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return v
	}
	f, _ := exactDecimal(v).Round(2).Float64()
	return f
}

// exactDecimal expands v to 30 decimal places, enough that a value stored just
// below a half cent stays below it.
func exactDecimal(v float64) decimal.Decimal {
	return decimal.RequireFromString(strconv.FormatFloat(v, 'f', 30, 64))
}

// FormatAmount renders an amount with two decimals and thousands separators, e.g. "1,234.50".
func FormatAmount(v float64) string {
	return MoneyFromAmount(v).String()
}

// Dollars returns the amount as a float64 in major units.
// Use cents for calculations to avoid floating-point precision issues.
func (m Money) Dollars() float64 {
	f, _ := decimal.New(m.Cents, -2).Float64()
	return f
}

// String formats the amount as "1,234.50" (no currency symbol).
func (m Money) String() string {
	str := decimal.New(m.Cents, -2).StringFixed(2)
	neg := strings.HasPrefix(str, "-")
	str = strings.TrimPrefix(str, "-")
	intPart, frac, _ := strings.Cut(str, ".")

	var b strings.Builder
	if neg {
		b.WriteByte('-')
	}
	for i, c := range intPart {
		if i > 0 && (len(intPart)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(c)
	}
	b.WriteByte('.')
	b.WriteString(frac)
	return b.String()
}
