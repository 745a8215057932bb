package parse

import "strings"

// Currency is one of the currencies a listing price can be quoted in.
type Currency string

const (
	CurrencyUSD Currency = "USD"
	CurrencyARS Currency = "ARS"
)

// DetectCurrency reads the currency marker of a price text. An explicit code wins;
// a bare "$" means pesos. Returns nil when there is no marker at all.
func DetectCurrency(text string) *Currency {
	var c Currency
	switch {
	case strings.Contains(text, "USD"):
		c = CurrencyUSD
	case strings.Contains(text, "ARS"):
		c = CurrencyARS
	case strings.Contains(text, "$"):
		c = CurrencyARS
	default:
		return nil
	}
	return &c
}
