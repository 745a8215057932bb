// Package parse turns text fragments scraped from listing pages into typed values.
//
// Listing pages use the es-AR locale: "." groups thousands and "," is the decimal mark,
// so "USD 250.000" is 250000 and "1,5 baños" is 1.5.
package parse

import (
	"math"
	"strconv"
	"strings"
)

// Number extracts a number from free text such as "$ 250.000", "110 m²" or "1,5".
// It keeps only digits, dots and commas, drops the dots and reads commas as the
// decimal mark. The longest numeric prefix is used, so a stray trailing comma
// ("1.200,50,") still yields 1200.5. ok is false unless a digit leads.
func Number(text string) (float64, bool) {
	if text == "" {
		return 0, false
	}

	var b strings.Builder
	for _, c := range text {
		switch {
		case c >= '0' && c <= '9':
			b.WriteRune(c)
		case c == ',':
			b.WriteByte('.')
		case c == '.':
			// thousands separator
		}
	}

	cleaned := numericPrefix(b.String())
	if cleaned == "" {
		return 0, false
	}

	n, err := strconv.ParseFloat(cleaned, 64)
	if err != nil || math.IsNaN(n) || math.IsInf(n, 0) {
		return 0, false
	}
	return n, true
}

// numericPrefix returns the leading "digits[.digits]" of s, or "" when s does
// not start with a digit.
func numericPrefix(s string) string {
	i := 0
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		i++
	}
	if i == 0 {
		return ""
	}
	if i < len(s) && s[i] == '.' {
		j := i + 1
		for j < len(s) && s[j] >= '0' && s[j] <= '9' {
			j++
		}
		if j > i+1 {
			i = j
		}
	}
	return s[:i]
}

// NumberPtr is Number with nil standing in for "not parseable".
func NumberPtr(text string) *float64 {
	n, ok := Number(text)
	if !ok {
		return nil
	}
	return &n
}

// IntPtr parses text as a count (bedrooms, bathrooms). Fractions are truncated.
func IntPtr(text string) *int {
	n, ok := Number(text)
	if !ok {
		return nil
	}
	i := int(n)
	return &i
}

// PricePerArea returns round(price / totalArea), or nil unless both are known and
// totalArea is positive.
func PricePerArea(price, totalArea *float64) *float64 {
	if price == nil || totalArea == nil || *totalArea <= 0 {
		return nil
	}
	v := math.Round(*price / *totalArea)
	return &v
}
