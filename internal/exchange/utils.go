// Package exchange provides market data connectors for perpetual futures.
//
// This file contains the shared configuration, validation and error types
// used by the connectors.
package exchange

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
)

var (
	// ErrInvalidConfig indicates that the provided ExchangeConfig contains invalid values.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrRateLimited is returned when the exchange answers 429 or 418.
	ErrRateLimited = errors.New("rate limited by exchange")

	// ErrUnsupportedTimeframe is returned for timeframes the exchange has no interval for.
	ErrUnsupportedTimeframe = errors.New("unsupported timeframe")
)

// ExchangeConfig provides configuration parameters for exchange connectors.
type ExchangeConfig struct {
	// RestURL is the base URL of the REST API.
	RestURL string `mapstructure:"rest_url" validate:"required,url"`

	// StreamURL is the base URL of the WebSocket market stream.
	StreamURL string `mapstructure:"stream_url" validate:"required,url"`

	// MaxStreams is the maximum number of streams on one connection.
	MaxStreams int `mapstructure:"max_streams" validate:"gt=0,lte=1024"`

	// RequestTimeout bounds a single REST request.
	RequestTimeout time.Duration `mapstructure:"request_timeout" validate:"gt=0"`

	// TLSInsecureSkip disables TLS verification on the stream connection.
	TLSInsecureSkip bool `mapstructure:"tls_insecure_skip"`
}

// APIError is the error body the exchange returns on rejected requests.
type APIError struct {
	Status  int    `json:"-"`
	Code    int    `json:"code"`
	Message string `json:"msg"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("exchange error %d (http %d): %s", e.Code, e.Status, e.Message)
}

// Unwrap maps throttling responses onto ErrRateLimited.
func (e *APIError) Unwrap() error {
	if e.Status == http.StatusTooManyRequests || e.Status == http.StatusTeapot {
		return ErrRateLimited
	}
	return nil
}

// validateConfig applies defaults for zero fields and validates the result.
func validateConfig(cfg *ExchangeConfig, defaultCfg *ExchangeConfig) error {
	if cfg.RestURL == "" {
		cfg.RestURL = defaultCfg.RestURL
	}
	if cfg.StreamURL == "" {
		cfg.StreamURL = defaultCfg.StreamURL
	}
	if cfg.MaxStreams <= 0 {
		cfg.MaxStreams = defaultCfg.MaxStreams
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultCfg.RequestTimeout
	}

	return validator.New().Struct(cfg)
}
