package http

import (
	"strings"

	"cheersplit/internal/core"
)

// sanitizeInput trims whitespace and removes control characters except
// tab, newline and carriage return.
func sanitizeInput(s string) string {
	s = strings.TrimSpace(s)
	return strings.Map(func(r rune) rune {
		if r < 32 && r != 9 && r != 10 && r != 13 {
			return -1
		}
		return r
	}, s)
}

// formatCurrency renders an amount as "AUD 1,234.50".
func formatCurrency(currency string, amount float64) string {
	if currency == "" {
		return core.FormatAmount(amount)
	}
	return currency + " " + core.FormatAmount(amount)
}

// truncate cuts s to at most n runes.
func truncate(s string, n int) string {
	if n <= 0 {
		return ""
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
