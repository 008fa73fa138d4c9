package exchange

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestValidateConfig(t *testing.T) {
	defaultCfg := &ExchangeConfig{
		RestURL:        "https://rest.default.com",
		StreamURL:      "wss://stream.default.com",
		MaxStreams:     200,
		RequestTimeout: 10 * time.Second,
	}

	tests := []struct {
		name      string
		config    *ExchangeConfig
		wantError bool
	}{
		{
			name: "valid config",
			config: &ExchangeConfig{
				RestURL:        "https://test.com",
				StreamURL:      "wss://test.com",
				MaxStreams:     5,
				RequestTimeout: time.Second,
			},
		},
		{
			name:   "empty config uses defaults",
			config: &ExchangeConfig{},
		},
		{
			name: "negative MaxStreams uses default",
			config: &ExchangeConfig{
				MaxStreams: -1,
			},
		},
		{
			name: "malformed RestURL",
			config: &ExchangeConfig{
				RestURL: "not a url",
			},
			wantError: true,
		},
		{
			name: "MaxStreams above connection limit",
			config: &ExchangeConfig{
				MaxStreams: 5000,
			},
			wantError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateConfig(tt.config, defaultCfg)

			if tt.wantError {
				assert.Error(t, err)
				return
			}

			assert.NoError(t, err)
			assert.NotEmpty(t, tt.config.RestURL)
			assert.NotEmpty(t, tt.config.StreamURL)
			assert.Positive(t, tt.config.MaxStreams)
			assert.Positive(t, tt.config.RequestTimeout)
		})
	}
}

func TestValidateConfigMutability(t *testing.T) {
	defaultCfg := &ExchangeConfig{
		RestURL:        "https://rest.default.com",
		StreamURL:      "wss://stream.default.com",
		MaxStreams:     100,
		RequestTimeout: time.Second,
	}

	t.Run("config modified in place", func(t *testing.T) {
		cfg := &ExchangeConfig{}
		assert.NoError(t, validateConfig(cfg, defaultCfg))
		assert.Equal(t, *defaultCfg, *cfg)
	})

	t.Run("config not modified when values present", func(t *testing.T) {
		cfg := &ExchangeConfig{
			RestURL:        "https://custom.com",
			StreamURL:      "wss://custom.com",
			MaxStreams:     50,
			RequestTimeout: 3 * time.Second,
		}
		original := *cfg

		assert.NoError(t, validateConfig(cfg, defaultCfg))
		assert.Equal(t, original, *cfg)
	})
}

func TestAPIError(t *testing.T) {
	tests := []struct {
		name        string
		err         *APIError
		rateLimited bool
		message     string
	}{
		{
			name:    "bad symbol",
			err:     &APIError{Status: http.StatusBadRequest, Code: -1121, Message: "Invalid symbol."},
			message: "exchange error -1121 (http 400): Invalid symbol.",
		},
		{
			name:        "too many requests",
			err:         &APIError{Status: http.StatusTooManyRequests, Code: -1003, Message: "Too many requests"},
			rateLimited: true,
			message:     "exchange error -1003 (http 429): Too many requests",
		},
		{
			name:        "ip banned",
			err:         &APIError{Status: http.StatusTeapot, Code: -1003, Message: "banned"},
			rateLimited: true,
			message:     "exchange error -1003 (http 418): banned",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wrapped := fmt.Errorf("klines: %w", tt.err)
			assert.Equal(t, tt.rateLimited, errors.Is(wrapped, ErrRateLimited))
			assert.Equal(t, tt.message, tt.err.Error())

			var apiErr *APIError
			assert.True(t, errors.As(wrapped, &apiErr))
		})
	}
}

func TestErrorWrapping(t *testing.T) {
	properWrapped := fmt.Errorf("%w: additional context", ErrInvalidConfig)
	assert.True(t, errors.Is(properWrapped, ErrInvalidConfig))
	assert.Equal(t, "invalid configuration", ErrInvalidConfig.Error())
}
