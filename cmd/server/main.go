/*
Package main runs the fair value gap scanner.

The server follows USDT-margined perpetual futures on Binance, detects fair
value gaps on several timeframes, tracks their mitigation as candles close,
groups overlapping gaps into cross-timeframe blocks and streams annotated gap
records and price ticks to subscribers over gRPC and WebSocket.

Usage:

	go run ./cmd/server -config=fvg.yaml -log-level=debug

Every setting can also be given through FVG_-prefixed environment variables
or a .env file, e.g. FVG_SYMBOLS_STATIC=BTCUSDT,ETHUSDT.
*/
package main

import (
	"context"
	"errors"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"fvgscanner/internal/config"
	"fvgscanner/internal/exchange"
	"fvgscanner/internal/fvg"
	"fvgscanner/internal/journal"
	"fvgscanner/internal/scheduler"
	"fvgscanner/internal/service"
	"fvgscanner/internal/symbols"
	"fvgscanner/internal/wsfeed"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
)

var (
	// configPath is an optional YAML configuration file
	configPath = flag.String("config", "", "Path to a YAML configuration file")
	// logLevel overrides the configured log level
	logLevel = flag.String("log-level", "", "Log level (trace, debug, info, warn, error)")
)

func main() {
	flag.Parse()

	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	zerolog.SetGlobalLevel(cfg.Level())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	connector, err := exchange.NewBinanceConnector(&cfg.Exchange)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create Binance connector")
	}

	schedCfg, err := cfg.SchedulerConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("invalid scanner configuration")
	}

	var (
		jr  scheduler.Journal
		jnl *journal.Journal
	)
	if cfg.Journal.Path != "" {
		j, err := journal.Open(cfg.Journal)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to open journal")
		}
		defer j.Close()
		go pruneJournal(ctx, j)
		jr, jnl = j, j
	}

	hub := service.NewHub(cfg.HubConfig())
	ledger := fvg.NewLedger(cfg.LedgerConfig())
	sched := scheduler.New(schedCfg, ledger, connector, newDirectory(cfg, connector), hub, jr)
	gapService := service.NewGapService(hub, sched)

	if err := gapService.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to start gap service")
	}
	defer gapService.Stop()

	if err := sched.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to start scheduler")
	}
	defer sched.Stop()

	lis, err := net.Listen("tcp", cfg.Server.GRPCAddr)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to listen")
	}

	s := grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			MaxConnectionIdle: 5 * time.Minute,
			MaxConnectionAge:  30 * time.Minute,
			Time:              20 * time.Second,
			Timeout:           10 * time.Second,
		}),
	)
	service.RegisterGapStreamServer(s, gapService)

	healthServer := health.NewServer()
	grpc_health_v1.RegisterHealthServer(s, healthServer)
	healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus(service.ServiceName, grpc_health_v1.HealthCheckResponse_SERVING)

	var httpServer *http.Server
	if cfg.Server.HTTPAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/ws", wsfeed.NewHandler(hub, wsfeed.Options{OriginPatterns: cfg.Server.OriginPatterns}))
		if jnl != nil {
			mux.Handle("/history", journal.HistoryHandler(jnl))
		}
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(map[string]any{
				"status":      "ok",
				"symbols":     len(sched.Symbols()),
				"subscribers": hub.Len(),
			})
		})
		httpServer = &http.Server{
			Addr:              cfg.Server.HTTPAddr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Msg("http server failed")
			}
		}()
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		log.Info().Msg("initiating graceful shutdown")
		healthServer.Shutdown()
		cancel()

		if httpServer != nil {
			shutdownCtx, done := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				log.Warn().Err(err).Msg("http shutdown incomplete")
			}
			done()
		}

		stopped := make(chan struct{})
		go func() {
			s.GracefulStop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-time.After(cfg.Server.ShutdownTimeout):
			s.Stop()
		}
	}()

	log.Info().
		Str("grpc", cfg.Server.GRPCAddr).
		Str("http", cfg.Server.HTTPAddr).
		Strs("timeframes", cfg.Scanner.Timeframes).
		Int("staticSymbols", len(cfg.Symbols.Static)).
		Msg("server starting")

	if err := s.Serve(lis); err != nil {
		log.Fatal().Err(err).Msg("failed to serve")
	}
}

// newDirectory selects the symbol source: a static list when configured,
// otherwise the exchange listing.
func newDirectory(cfg *config.Config, connector *exchange.BinanceConnector) scheduler.SymbolDirectory {
	if len(cfg.Symbols.Static) > 0 {
		return symbols.Static(cfg.Symbols.Static)
	}
	return symbols.NewDirectory(connector, cfg.SymbolOptions())
}

// pruneJournal drops expired journal events hourly.
func pruneJournal(ctx context.Context, j *journal.Journal) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		if n, err := j.Prune(ctx, time.Now()); err != nil {
			log.Warn().Err(err).Msg("journal prune failed")
		} else if n > 0 {
			log.Info().Int64("events", n).Msg("journal pruned")
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
