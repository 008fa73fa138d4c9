package scheduler

import (
	"errors"
	"time"

	"fvgscanner/internal/analytics"
	"fvgscanner/internal/blocks"
	"fvgscanner/internal/model"
)

// Config holds scanning, triggering and emission parameters.
type Config struct {
	Timeframes   []model.Timeframe
	HistoryLimit int           // candles fetched per (symbol, timeframe) on a rescan
	FetchTimeout time.Duration // bound on a single history request
	FetchRetries int           // attempts per history request
	RetryBackoff time.Duration // initial delay between attempts, doubled each retry
	Workers      int           // concurrent symbol scans during a full rescan

	// Cron specs, e.g. "@every 5m".
	RescanSpec        string
	FilterSpec        string
	SymbolRefreshSpec string

	PriceTriggerPct float64       // move since the last trigger that requests a rescan
	PriceCooldown   time.Duration // minimum time between triggers of one symbol

	MaxEmitDistancePct float64 // records at or beyond this distance are not emitted
	FilterDistancePct  float64 // distance at which a known gap becomes interesting

	MaxStreamsPerConnection int
	RestartBackoff          time.Duration
	MaxRestartBackoff       time.Duration

	Analytics analytics.Config
	Blocks    blocks.Config
}

// DefaultConfig returns the scanner defaults.
func DefaultConfig() Config {
	return Config{
		Timeframes:              model.DefaultTimeframes,
		HistoryLimit:            500,
		FetchTimeout:            20 * time.Second,
		FetchRetries:            3,
		RetryBackoff:            time.Second,
		Workers:                 8,
		RescanSpec:              "@every 5m",
		FilterSpec:              "@every 30s",
		SymbolRefreshSpec:       "@every 1h",
		PriceTriggerPct:         2,
		PriceCooldown:           time.Minute,
		MaxEmitDistancePct:      50,
		FilterDistancePct:       20,
		MaxStreamsPerConnection: 16,
		RestartBackoff:          time.Second,
		MaxRestartBackoff:       time.Minute,
		Analytics:               analytics.DefaultConfig(),
		Blocks:                  blocks.DefaultConfig(),
	}
}

// Validate checks the parameters that would otherwise stall the scheduler.
func (c Config) Validate() error {
	var errs []error
	if len(c.Timeframes) == 0 {
		errs = append(errs, errors.New("at least one timeframe is required"))
	}
	if c.HistoryLimit < 3 {
		errs = append(errs, errors.New("history limit must be at least 3"))
	}
	if c.FetchTimeout <= 0 {
		errs = append(errs, errors.New("fetch timeout must be positive"))
	}
	if c.FetchRetries < 1 {
		errs = append(errs, errors.New("fetch retries must be at least 1"))
	}
	if c.Workers < 1 {
		errs = append(errs, errors.New("workers must be at least 1"))
	}
	if c.MaxStreamsPerConnection < 1 {
		errs = append(errs, errors.New("max streams per connection must be at least 1"))
	}
	if c.FilterDistancePct > c.MaxEmitDistancePct {
		errs = append(errs, errors.New("filter distance cannot exceed max emit distance"))
	}
	if c.RestartBackoff <= 0 || c.MaxRestartBackoff < c.RestartBackoff {
		errs = append(errs, errors.New("restart backoff must be positive and not exceed its maximum"))
	}
	if err := c.Analytics.Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := c.Blocks.Validate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
