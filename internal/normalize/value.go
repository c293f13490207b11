// Package normalize coerces raw cell text from European-locale documents
// into typed scalars.
package normalize

import (
	"math"
	"regexp"
	"strconv"
	"strings"
	"unicode"
)

const (
	currencyMarker = "€"
	percentMarker  = "%"
)

var (
	nullMarkers = map[string]struct{}{
		"":    {},
		"-":   {},
		"N/A": {},
		"n/a": {},
	}

	reGroupedInt = regexp.MustCompile(`^[\d\s.]+$`)
	reDecimal    = regexp.MustCompile(`^[\d\s.,]+$`)
	reLineBreaks = regexp.MustCompile(`[ \t]*[\r\n]+[ \t]*`)
)

// Value normalizes one cell. Strings go through String; *string is
// dereferenced; anything else is null.
func Value(raw any) any {
	switch v := raw.(type) {
	case string:
		return String(v)
	case *string:
		if v == nil {
			return nil
		}
		return String(*v)
	default:
		return nil
	}
}

// String returns nil, int64, float64 or the cleaned string. It never fails:
// input that looks numeric but does not parse comes back as text.
func String(raw string) any {
	text := strings.TrimSpace(reLineBreaks.ReplaceAllString(raw, " "))
	if _, ok := nullMarkers[text]; ok {
		return nil
	}

	switch {
	case strings.Contains(text, currencyMarker):
		cleaned := stripSpace(strings.ReplaceAll(text, currencyMarker, ""))
		cleaned = strings.ReplaceAll(cleaned, ".", "")
		cleaned = strings.ReplaceAll(cleaned, ",", ".")
		return floatOr(cleaned, text)

	case strings.Contains(text, percentMarker):
		cleaned := stripSpace(strings.ReplaceAll(text, percentMarker, ""))
		cleaned = strings.ReplaceAll(cleaned, ",", ".")
		return floatOr(cleaned, text)

	case !strings.Contains(text, ",") && reGroupedInt.MatchString(text):
		cleaned := strings.ReplaceAll(stripSpace(text), ".", "")
		n, err := strconv.ParseInt(cleaned, 10, 64)
		if err != nil {
			return text
		}
		return n

	case strings.Contains(text, ",") && reDecimal.MatchString(text):
		cleaned := strings.ReplaceAll(stripSpace(text), ".", "")
		cleaned = strings.ReplaceAll(cleaned, ",", ".")
		return floatOr(cleaned, text)
	}

	return text
}

func floatOr(cleaned, fallback string) any {
	f, err := strconv.ParseFloat(cleaned, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return fallback
	}
	return f
}

func stripSpace(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, s)
}
