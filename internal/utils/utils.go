// Package utils provides common helpers for validating symbols and timeframes.
//
// Symbols use the exchange's concatenated form ("BTCUSDT"). A dashed form
// ("BTC-USDT") is accepted on input and normalized.
package utils

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"fvgscanner/internal/model"
)

// Error definitions for validation functions
var (
	ErrNoSymbols      = errors.New("zero symbols requested")
	ErrTooManySymbols = errors.New("too many symbols requested")
	ErrNoTimeframes   = errors.New("zero timeframes requested")
)

// QuoteAssetSet contains the supported quote assets for perpetual contracts.
var QuoteAssetSet = map[string]bool{
	"USDT": true,
	"USDC": true,
	"BUSD": true,
}

var supportedQuotesCache = getSupportedQuotes(QuoteAssetSet)

// NormalizeSymbol upper-cases a symbol and strips separators.
func NormalizeSymbol(symbol string) string {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	s = strings.ReplaceAll(s, "-", "")
	return strings.ReplaceAll(s, "/", "")
}

// SplitSymbol returns the base and quote assets of a normalized symbol.
func SplitSymbol(symbol string) (string, string, error) {
	s := NormalizeSymbol(symbol)
	for quote := range QuoteAssetSet {
		if strings.HasSuffix(s, quote) && len(s) > len(quote) {
			return s[:len(s)-len(quote)], quote, nil
		}
	}
	return "", "", fmt.Errorf("unsupported quote asset in %q (supported: %s)", symbol, supportedQuotesCache)
}

// ValidateSymbol checks that a symbol is non-empty, alphanumeric and ends in
// a supported quote asset.
func ValidateSymbol(symbol string) error {
	if strings.TrimSpace(symbol) == "" {
		return errors.New("symbol cannot be empty")
	}

	s := NormalizeSymbol(symbol)
	for _, r := range s {
		if (r < 'A' || r > 'Z') && (r < '0' || r > '9') {
			return fmt.Errorf("invalid symbol format: unexpected character %q in %q", r, symbol)
		}
	}

	if _, _, err := SplitSymbol(s); err != nil {
		return err
	}
	return nil
}

// ValidateSymbols validates a slice of symbols and enforces quantity limits.
// A maxAllowed of zero disables the limit.
func ValidateSymbols(symbols []string, maxAllowed int) error {
	if len(symbols) == 0 {
		return ErrNoSymbols
	}

	if maxAllowed > 0 && len(symbols) > maxAllowed {
		return fmt.Errorf("%w: requested %d symbols, maximum allowed %d",
			ErrTooManySymbols, len(symbols), maxAllowed)
	}

	for i, symbol := range symbols {
		if err := ValidateSymbol(symbol); err != nil {
			return fmt.Errorf("invalid symbol at index %d (%q): %w", i, symbol, err)
		}
	}

	return nil
}

// NormalizeSymbols normalizes, de-duplicates and sorts symbols.
func NormalizeSymbols(symbols []string) []string {
	seen := make(map[string]struct{}, len(symbols))
	out := make([]string, 0, len(symbols))
	for _, s := range symbols {
		n := NormalizeSymbol(s)
		if n == "" {
			continue
		}
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// ParseTimeframes converts configuration strings to timeframes, ordered
// from shortest to longest.
func ParseTimeframes(values []string) ([]model.Timeframe, error) {
	if len(values) == 0 {
		return nil, ErrNoTimeframes
	}
	seen := make(map[model.Timeframe]struct{}, len(values))
	out := make([]model.Timeframe, 0, len(values))
	for _, v := range values {
		tf, err := model.ParseTimeframe(strings.TrimSpace(v))
		if err != nil {
			return nil, err
		}
		if _, ok := seen[tf]; ok {
			continue
		}
		seen[tf] = struct{}{}
		out = append(out, tf)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Rank() < out[j].Rank() })
	return out, nil
}

// getSupportedQuotes builds a sorted, comma-separated list for error messages.
func getSupportedQuotes(quoteAssetSet map[string]bool) string {
	keys := make([]string, 0, len(quoteAssetSet))
	for k := range quoteAssetSet {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return strings.Join(keys, ", ")
}
