// Package config loads the scanner configuration.
//
// Values are layered: built-in defaults, then an optional YAML file, then the
// environment. Environment keys carry the FVG_ prefix and use underscores for
// nesting, so scanner.workers is set by FVG_SCANNER_WORKERS. A .env file is
// loaded into the environment first; variables already set take precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"fvgscanner/internal/analytics"
	"fvgscanner/internal/blocks"
	"fvgscanner/internal/exchange"
	"fvgscanner/internal/fvg"
	"fvgscanner/internal/journal"
	"fvgscanner/internal/scheduler"
	"fvgscanner/internal/service"
	"fvgscanner/internal/symbols"
	"fvgscanner/internal/utils"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "FVG"

// Config is the complete process configuration.
type Config struct {
	LogLevel string `mapstructure:"log_level" validate:"oneof=trace debug info warn error"`

	Server   Server                  `mapstructure:"server"`
	Exchange exchange.ExchangeConfig `mapstructure:"exchange"`
	Symbols  Symbols                 `mapstructure:"symbols"`
	Scanner  Scanner                 `mapstructure:"scanner"`
	Ledger   Ledger                  `mapstructure:"ledger"`
	Hub      Hub                     `mapstructure:"hub"`
	Scoring  analytics.Config        `mapstructure:"scoring"`
	Blocks   blocks.Config           `mapstructure:"blocks"`
	Journal  journal.Config          `mapstructure:"journal"`
}

// Server holds the listener settings.
type Server struct {
	GRPCAddr string `mapstructure:"grpc_addr" validate:"required"`

	// HTTPAddr serves /ws and /healthz. Empty disables the HTTP listener.
	HTTPAddr        string        `mapstructure:"http_addr"`
	OriginPatterns  []string      `mapstructure:"origin_patterns"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0"`
}

// Symbols selects the scanned contracts. A non-empty Static list replaces
// the exchange listing.
type Symbols struct {
	Static     []string `mapstructure:"static"`
	QuoteAsset string   `mapstructure:"quote_asset" validate:"required"`
	Delisted   []string `mapstructure:"delisted"`
	Fallback   []string `mapstructure:"fallback"`
}

// Scanner mirrors scheduler.Config with timeframes as strings.
type Scanner struct {
	Timeframes   []string      `mapstructure:"timeframes" validate:"required,min=1"`
	HistoryLimit int           `mapstructure:"history_limit" validate:"gte=3,lte=1500"`
	FetchTimeout time.Duration `mapstructure:"fetch_timeout" validate:"gt=0"`
	FetchRetries int           `mapstructure:"fetch_retries" validate:"gte=1"`
	RetryBackoff time.Duration `mapstructure:"retry_backoff" validate:"gte=0"`
	Workers      int           `mapstructure:"workers" validate:"gte=1,lte=64"`

	RescanSpec        string `mapstructure:"rescan_spec" validate:"required"`
	FilterSpec        string `mapstructure:"filter_spec" validate:"required"`
	SymbolRefreshSpec string `mapstructure:"symbol_refresh_spec" validate:"required"`

	PriceTriggerPct float64       `mapstructure:"price_trigger_pct" validate:"gt=0"`
	PriceCooldown   time.Duration `mapstructure:"price_cooldown" validate:"gte=0"`

	MaxEmitDistancePct float64 `mapstructure:"max_emit_distance_pct" validate:"gt=0"`
	FilterDistancePct  float64 `mapstructure:"filter_distance_pct" validate:"gt=0"`

	MaxStreamsPerConnection int           `mapstructure:"max_streams_per_connection" validate:"gte=1"`
	RestartBackoff          time.Duration `mapstructure:"restart_backoff" validate:"gt=0"`
	MaxRestartBackoff       time.Duration `mapstructure:"max_restart_backoff" validate:"gt=0"`
}

// Ledger holds gap ledger settings.
type Ledger struct {
	WindowSize       int  `mapstructure:"window_size" validate:"gte=3"`
	StrictInvariants bool `mapstructure:"strict_invariants"`
}

// Hub mirrors service.HubConfig.
type Hub struct {
	MaxSymbols    int           `mapstructure:"max_symbols" validate:"gte=0"`
	BufferSize    int           `mapstructure:"buffer_size" validate:"gt=0"`
	FlushInterval time.Duration `mapstructure:"flush_interval" validate:"gt=0"`
	MaxBatch      int           `mapstructure:"max_batch" validate:"gt=0"`
	QueueSize     int           `mapstructure:"queue_size" validate:"gt=0"`
}

// Default returns the built-in configuration.
func Default() Config {
	sc := scheduler.DefaultConfig()
	hub := service.DefaultHubConfig()

	tfs := make([]string, len(sc.Timeframes))
	for i, tf := range sc.Timeframes {
		tfs[i] = string(tf)
	}

	return Config{
		LogLevel: "info",
		Server: Server{
			GRPCAddr:        ":50051",
			HTTPAddr:        ":8080",
			OriginPatterns:  []string{},
			ShutdownTimeout: 10 * time.Second,
		},
		Exchange: exchange.ExchangeConfig{
			RestURL:        "https://fapi.binance.com",
			StreamURL:      "wss://fstream.binance.com",
			MaxStreams:     200,
			RequestTimeout: 15 * time.Second,
		},
		Symbols: Symbols{
			Static:     []string{},
			QuoteAsset: "USDT",
			Delisted:   append([]string(nil), symbols.DefaultDelisted...),
			Fallback:   append([]string(nil), symbols.DefaultFallback...),
		},
		Scanner: Scanner{
			Timeframes:              tfs,
			HistoryLimit:            sc.HistoryLimit,
			FetchTimeout:            sc.FetchTimeout,
			FetchRetries:            sc.FetchRetries,
			RetryBackoff:            sc.RetryBackoff,
			Workers:                 sc.Workers,
			RescanSpec:              sc.RescanSpec,
			FilterSpec:              sc.FilterSpec,
			SymbolRefreshSpec:       sc.SymbolRefreshSpec,
			PriceTriggerPct:         sc.PriceTriggerPct,
			PriceCooldown:           sc.PriceCooldown,
			MaxEmitDistancePct:      sc.MaxEmitDistancePct,
			FilterDistancePct:       sc.FilterDistancePct,
			MaxStreamsPerConnection: sc.MaxStreamsPerConnection,
			RestartBackoff:          sc.RestartBackoff,
			MaxRestartBackoff:       sc.MaxRestartBackoff,
		},
		Ledger: Ledger{
			WindowSize: 64,
		},
		Hub: Hub{
			MaxSymbols:    hub.MaxSymbolsAllowed,
			BufferSize:    hub.BufferSize,
			FlushInterval: hub.FlushInterval,
			MaxBatch:      hub.MaxBatch,
			QueueSize:     hub.QueueSize,
		},
		Scoring: analytics.DefaultConfig(),
		Blocks:  blocks.DefaultConfig(),
		Journal: journal.Config{
			Retention: 30 * 24 * time.Hour,
		},
	}
}

// Load reads the configuration. path may be empty, in which case only
// defaults and the environment apply. envFiles are loaded into the process
// environment before anything else; with none given an optional ./.env is
// tried.
func Load(path string, envFiles ...string) (*Config, error) {
	if len(envFiles) == 0 {
		_ = godotenv.Load()
	} else if err := godotenv.Load(envFiles...); err != nil {
		return nil, fmt.Errorf("load env file: %w", err)
	}

	v := viper.New()
	cfg := Default()
	setDefaults(v, cfg)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// setDefaults registers every scalar key so that environment overrides are
// seen by Unmarshal. Tier lists are only read from the file.
func setDefaults(v *viper.Viper, c Config) {
	defaults := map[string]any{
		"log_level": c.LogLevel,

		"server.grpc_addr":        c.Server.GRPCAddr,
		"server.http_addr":        c.Server.HTTPAddr,
		"server.origin_patterns":  c.Server.OriginPatterns,
		"server.shutdown_timeout": c.Server.ShutdownTimeout,

		"exchange.rest_url":          c.Exchange.RestURL,
		"exchange.stream_url":        c.Exchange.StreamURL,
		"exchange.max_streams":       c.Exchange.MaxStreams,
		"exchange.request_timeout":   c.Exchange.RequestTimeout,
		"exchange.tls_insecure_skip": c.Exchange.TLSInsecureSkip,

		"symbols.static":      c.Symbols.Static,
		"symbols.quote_asset": c.Symbols.QuoteAsset,
		"symbols.delisted":    c.Symbols.Delisted,
		"symbols.fallback":    c.Symbols.Fallback,

		"scanner.timeframes":                 c.Scanner.Timeframes,
		"scanner.history_limit":              c.Scanner.HistoryLimit,
		"scanner.fetch_timeout":              c.Scanner.FetchTimeout,
		"scanner.fetch_retries":              c.Scanner.FetchRetries,
		"scanner.retry_backoff":              c.Scanner.RetryBackoff,
		"scanner.workers":                    c.Scanner.Workers,
		"scanner.rescan_spec":                c.Scanner.RescanSpec,
		"scanner.filter_spec":                c.Scanner.FilterSpec,
		"scanner.symbol_refresh_spec":        c.Scanner.SymbolRefreshSpec,
		"scanner.price_trigger_pct":          c.Scanner.PriceTriggerPct,
		"scanner.price_cooldown":             c.Scanner.PriceCooldown,
		"scanner.max_emit_distance_pct":      c.Scanner.MaxEmitDistancePct,
		"scanner.filter_distance_pct":        c.Scanner.FilterDistancePct,
		"scanner.max_streams_per_connection": c.Scanner.MaxStreamsPerConnection,
		"scanner.restart_backoff":            c.Scanner.RestartBackoff,
		"scanner.max_restart_backoff":        c.Scanner.MaxRestartBackoff,

		"ledger.window_size":       c.Ledger.WindowSize,
		"ledger.strict_invariants": c.Ledger.StrictInvariants,

		"hub.max_symbols":    c.Hub.MaxSymbols,
		"hub.buffer_size":    c.Hub.BufferSize,
		"hub.flush_interval": c.Hub.FlushInterval,
		"hub.max_batch":      c.Hub.MaxBatch,
		"hub.queue_size":     c.Hub.QueueSize,

		"scoring.touch_tolerance_pct": c.Scoring.TouchTolerancePct,
		"scoring.base_score":          c.Scoring.BaseScore,
		"scoring.volume_length":       c.Scoring.VolumeLength,

		"blocks.overlap_tolerance_pct": c.Blocks.OverlapTolerancePct,
		"blocks.timeframe_bonus":       c.Blocks.TimeframeBonus,
		"blocks.institutional_bonus":   c.Blocks.InstitutionalBonus,

		"journal.path":      c.Journal.Path,
		"journal.retention": c.Journal.Retention,
	}
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
}

// Validate checks field constraints, cron specs and the derived component
// configurations.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return err
	}

	var errs []error
	for name, spec := range map[string]string{
		"rescan_spec":         c.Scanner.RescanSpec,
		"filter_spec":         c.Scanner.FilterSpec,
		"symbol_refresh_spec": c.Scanner.SymbolRefreshSpec,
	} {
		if _, err := cron.ParseStandard(spec); err != nil {
			errs = append(errs, fmt.Errorf("scanner.%s: %w", name, err))
		}
	}

	sc, err := c.SchedulerConfig()
	if err != nil {
		errs = append(errs, err)
	} else {
		if err := sc.Validate(); err != nil {
			errs = append(errs, err)
		}
		if n := sc.MaxStreamsPerConnection * len(sc.Timeframes); n > c.Exchange.MaxStreams {
			errs = append(errs, fmt.Errorf("scanner.max_streams_per_connection: %d symbols on %d timeframes open %d streams, exchange.max_streams is %d",
				sc.MaxStreamsPerConnection, len(sc.Timeframes), n, c.Exchange.MaxStreams))
		}
	}

	if len(c.Symbols.Fallback) > 0 {
		if err := utils.ValidateSymbols(c.Symbols.Fallback, 0); err != nil {
			errs = append(errs, fmt.Errorf("symbols.fallback: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Level returns the zerolog level for LogLevel.
func (c *Config) Level() zerolog.Level {
	lvl, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}

// SchedulerConfig converts the scanner section.
func (c *Config) SchedulerConfig() (scheduler.Config, error) {
	tfs, err := utils.ParseTimeframes(c.Scanner.Timeframes)
	if err != nil {
		return scheduler.Config{}, fmt.Errorf("scanner.timeframes: %w", err)
	}
	for _, tf := range tfs {
		if _, err := exchange.Interval(tf); err != nil {
			return scheduler.Config{}, fmt.Errorf("scanner.timeframes: %w", err)
		}
	}

	s := c.Scanner
	return scheduler.Config{
		Timeframes:              tfs,
		HistoryLimit:            s.HistoryLimit,
		FetchTimeout:            s.FetchTimeout,
		FetchRetries:            s.FetchRetries,
		RetryBackoff:            s.RetryBackoff,
		Workers:                 s.Workers,
		RescanSpec:              s.RescanSpec,
		FilterSpec:              s.FilterSpec,
		SymbolRefreshSpec:       s.SymbolRefreshSpec,
		PriceTriggerPct:         s.PriceTriggerPct,
		PriceCooldown:           s.PriceCooldown,
		MaxEmitDistancePct:      s.MaxEmitDistancePct,
		FilterDistancePct:       s.FilterDistancePct,
		MaxStreamsPerConnection: s.MaxStreamsPerConnection,
		RestartBackoff:          s.RestartBackoff,
		MaxRestartBackoff:       s.MaxRestartBackoff,
		Analytics:               c.Scoring,
		Blocks:                  c.Blocks,
	}, nil
}

// LedgerConfig converts the ledger section.
func (c *Config) LedgerConfig() fvg.Config {
	return fvg.Config{
		WindowSize: c.Ledger.WindowSize,
		Strict:     c.Ledger.StrictInvariants,
		Analytics:  c.Scoring,
	}
}

// HubConfig converts the hub section.
func (c *Config) HubConfig() service.HubConfig {
	return service.HubConfig{
		MaxSymbolsAllowed: c.Hub.MaxSymbols,
		BufferSize:        c.Hub.BufferSize,
		FlushInterval:     c.Hub.FlushInterval,
		MaxBatch:          c.Hub.MaxBatch,
		QueueSize:         c.Hub.QueueSize,
	}
}

// SymbolOptions converts the symbols section for symbols.NewDirectory.
func (c *Config) SymbolOptions() symbols.Options {
	return symbols.Options{
		QuoteAsset: c.Symbols.QuoteAsset,
		Delisted:   c.Symbols.Delisted,
		Fallback:   c.Symbols.Fallback,
	}
}
