// Package symbols converts between the two instrument spellings used across
// the system: the legacy concatenated form ("BTCUSDT") kept for
// cross-service compatibility, and the hyphenated venue form ("BTC-USD")
// spoken by the Coinbase market-data feed.
package symbols

import "strings"

const (
	legacyQuote = "USDT"
	venueQuote  = "USD"
)

// ToVenue maps a legacy symbol to its venue product id.
// "BTCUSDT" -> "BTC-USD". Inputs that already look like venue symbols, or
// that do not end in the expected quote suffix, are returned unchanged.
func ToVenue(symbol string) string {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	if s == "" || strings.Contains(s, "-") {
		return s
	}
	if base, ok := strings.CutSuffix(s, legacyQuote); ok && base != "" {
		return base + "-" + venueQuote
	}
	return s
}

// ToLegacy maps a venue product id to its legacy symbol.
// "BTC-USD" -> "BTCUSDT". Anything else is returned with separators stripped,
// mirroring the permissive behaviour the downstream consumers rely on.
func ToLegacy(product string) string {
	s := strings.ToUpper(strings.TrimSpace(product))
	if s == "" {
		return s
	}
	if base, ok := strings.CutSuffix(s, "-"+venueQuote); ok && base != "" {
		return base + legacyQuote
	}
	return strings.ReplaceAll(s, "-", "")
}

// NormalizeLegacy accepts either spelling and returns the legacy form, which
// is the canonical storage format for watchlist documents.
func NormalizeLegacy(symbol string) string {
	if strings.Contains(symbol, "-") {
		return ToLegacy(symbol)
	}
	return strings.ToUpper(strings.TrimSpace(symbol))
}
