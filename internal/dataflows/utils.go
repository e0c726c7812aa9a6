package dataflows

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

var symbolPattern = regexp.MustCompile(`^[A-Z0-9^][A-Z0-9.\-=^]{0,14}$`)

// ValidateSymbol checks if a stock symbol is valid format
func ValidateSymbol(symbol string) error {
	s := NormalizeSymbol(symbol)
	if s == "" {
		return fmt.Errorf("%w: empty", ErrInvalidSymbol)
	}
	if !symbolPattern.MatchString(s) {
		return fmt.Errorf("%w: %q", ErrInvalidSymbol, symbol)
	}
	return nil
}

// NormalizeSymbol converts symbol to standard format
func NormalizeSymbol(symbol string) string {
	return strings.TrimSpace(strings.ToUpper(symbol))
}

// IsAsianListing reports symbols served by Longport rather than Yahoo.
func IsAsianListing(symbol string) bool {
	s := NormalizeSymbol(symbol)
	for _, suffix := range []string{".HK", ".SH", ".SZ", ".SG"} {
		if strings.HasSuffix(s, suffix) {
			return true
		}
	}
	return false
}

// ParseDateString accepts the common layouts providers return.
func ParseDateString(dateStr string) (time.Time, error) {
	layouts := []string{
		"2006-01-02",
		"2006-01-02T15:04:05Z07:00",
		"2006-01-02 15:04:05",
		"01/02/2006",
		"Jan 2, 2006",
	}
	for _, layout := range layouts {
		if t, err := time.Parse(layout, strings.TrimSpace(dateStr)); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unable to parse date: %s", dateStr)
}
