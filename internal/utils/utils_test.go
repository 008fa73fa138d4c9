package utils

import (
	"errors"
	"testing"

	"fvgscanner/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Test_ValidateSymbol tests the ValidateSymbol function with various inputs
func Test_ValidateSymbol(t *testing.T) {
	tests := []struct {
		name        string
		symbol      string
		expectError bool
		errorMsg    string
		description string
	}{
		{
			name:        "Valid BTCUSDT",
			symbol:      "BTCUSDT",
			description: "Should accept concatenated futures symbol",
		},
		{
			name:        "Dashed form",
			symbol:      "eth-usdt",
			description: "Should accept dashed lowercase symbol after normalization",
		},
		{
			name:        "Numeric base",
			symbol:      "1000PEPEUSDT",
			description: "Should accept digits in base asset",
		},
		{
			name:        "Empty symbol",
			symbol:      "   ",
			expectError: true,
			errorMsg:    "symbol cannot be empty",
			description: "Should reject blank symbol",
		},
		{
			name:        "Unsupported quote",
			symbol:      "BTCEUR",
			expectError: true,
			errorMsg:    "unsupported quote asset",
			description: "Should reject symbol with unknown quote",
		},
		{
			name:        "Quote only",
			symbol:      "USDT",
			expectError: true,
			errorMsg:    "unsupported quote asset",
			description: "Should reject symbol without base asset",
		},
		{
			name:        "Invalid characters",
			symbol:      "BTC_USDT",
			expectError: true,
			errorMsg:    "invalid symbol format",
			description: "Should reject underscore-suffixed delivery contracts",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateSymbol(tt.symbol)
			if tt.expectError {
				require.Error(t, err, tt.description)
				assert.Contains(t, err.Error(), tt.errorMsg)
			} else {
				assert.NoError(t, err, tt.description)
			}
		})
	}
}

// Test_ValidateSymbols tests quantity limits and per-symbol validation
func Test_ValidateSymbols(t *testing.T) {
	tests := []struct {
		name        string
		symbols     []string
		max         int
		expectedErr error
		errorMsg    string
	}{
		{name: "Valid list", symbols: []string{"BTCUSDT", "ETHUSDT"}, max: 2},
		{name: "No limit", symbols: []string{"BTCUSDT", "ETHUSDT", "SOLUSDT"}, max: 0},
		{name: "Empty list", symbols: nil, max: 10, expectedErr: ErrNoSymbols},
		{name: "Too many", symbols: []string{"BTCUSDT", "ETHUSDT", "SOLUSDT"}, max: 2, expectedErr: ErrTooManySymbols},
		{name: "Invalid entry", symbols: []string{"BTCUSDT", "???"}, max: 5, errorMsg: "invalid symbol at index 1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateSymbols(tt.symbols, tt.max)
			switch {
			case tt.expectedErr != nil:
				assert.True(t, errors.Is(err, tt.expectedErr), "got %v", err)
			case tt.errorMsg != "":
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errorMsg)
			default:
				assert.NoError(t, err)
			}
		})
	}
}

func Test_NormalizeSymbols(t *testing.T) {
	got := NormalizeSymbols([]string{"eth-usdt", "BTCUSDT", "ETHUSDT", "", "btc/usdt"})
	assert.Equal(t, []string{"BTCUSDT", "ETHUSDT"}, got)
}

func Test_SplitSymbol(t *testing.T) {
	base, quote, err := SplitSymbol("AXSUSDT")
	require.NoError(t, err)
	assert.Equal(t, "AXS", base)
	assert.Equal(t, "USDT", quote)
}

func Test_ParseTimeframes(t *testing.T) {
	t.Run("Sorted and de-duplicated", func(t *testing.T) {
		tfs, err := ParseTimeframes([]string{"1w", "4h", " 1d", "4h", "12h"})
		require.NoError(t, err)
		assert.Equal(t, []model.Timeframe{"4h", "12h", "1d", "1w"}, tfs)
	})

	t.Run("Unknown timeframe", func(t *testing.T) {
		_, err := ParseTimeframes([]string{"4h", "2w"})
		assert.Error(t, err)
	})

	t.Run("Empty", func(t *testing.T) {
		_, err := ParseTimeframes(nil)
		assert.ErrorIs(t, err, ErrNoTimeframes)
	})
}
