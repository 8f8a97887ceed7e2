package normalize

import (
	"regexp"
	"strings"

	domain "github.com/donaldgifford/market-ledger/pkg/types"
)

var (
	priceRe        = regexp.MustCompile(`(฿|\$|€|£)?\s?(\d+(?:\.\d+)?)`)
	currencyWordRe = regexp.MustCompile(`(?i)\b(THB|USD|EUR|GBP)\b`)
	freeRe         = regexp.MustCompile(`(?i)\bfree\b`)
)

var currencySymbols = map[string]string{
	"฿": "THB",
	"$": "USD",
	"€": "EUR",
	"£": "GBP",
}

// ParsePrice extracts a canonical amount and ISO currency from display text
// such as "฿1,250,000" or "USD 99.50". symbol is an optional currency
// symbol or code reported separately by the collector; it is used only when
// the text carries none. defaultCurrency fills in when neither does.
func ParsePrice(text, symbol, defaultCurrency string) (domain.Money, error) {
	s := CleanText(text)
	if s == "" {
		return domain.Money{}, faultf("price", "empty price text")
	}

	s = strings.ReplaceAll(s, ",", "")

	var amount, currency string
	if m := priceRe.FindStringSubmatch(s); m != nil {
		currency = currencySymbols[m[1]]
		amount = canonicalAmount(m[2])
	}

	if amount == "" {
		if !freeRe.MatchString(s) {
			return domain.Money{}, faultf("price", "no amount in %q", text)
		}
		amount = "0"
	}

	if currency == "" {
		if m := currencyWordRe.FindStringSubmatch(s); m != nil {
			currency = strings.ToUpper(m[1])
		}
	}
	if currency == "" {
		currency = currencyCode(symbol)
	}
	if currency == "" {
		currency = strings.ToUpper(defaultCurrency)
	}

	return domain.Money{Amount: amount, Currency: currency}, nil
}

// currencyCode maps a bare symbol or ISO code to an ISO code.
func currencyCode(symbol string) string {
	symbol = strings.TrimSpace(symbol)
	if code, ok := currencySymbols[symbol]; ok {
		return code
	}
	if m := currencyWordRe.FindStringSubmatch(symbol); m != nil {
		return strings.ToUpper(m[1])
	}
	return ""
}

// canonicalAmount strips leading integer zeros and trailing fractional
// zeros so that "0150.50" and "150.5" compare equal.
func canonicalAmount(s string) string {
	intPart, frac, hasFrac := strings.Cut(s, ".")
	intPart = strings.TrimLeft(intPart, "0")
	if intPart == "" {
		intPart = "0"
	}
	if hasFrac {
		frac = strings.TrimRight(frac, "0")
	}
	if frac == "" {
		return intPart
	}
	return intPart + "." + frac
}
