/*
Package main implements a gRPC client for the fair value gap stream.

The client subscribes to a set of symbols and logs every gap record it
receives. Price ticks are logged at debug level. An optional rescan of one
symbol can be requested before streaming starts.

Usage:

	go run ./cmd/client -addr=localhost:50051 -symbols=BTCUSDT,ETHUSDT -rescan=BTCUSDT

The client will continuously receive and log records until interrupted.
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"fvgscanner/internal/model"
	"fvgscanner/internal/service"
	"fvgscanner/internal/utils"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

var (
	// serverAddr specifies the gRPC server address to connect to
	serverAddr = flag.String("addr", "localhost:50051", "The server address in the format host:port")
	// symbols contains the comma-separated list of symbols; empty subscribes to all
	symbols = flag.String("symbols", "BTCUSDT,ETHUSDT,SOLUSDT", "Comma-separated list of symbols to subscribe to")
	// rescan names a symbol to rescan before streaming
	rescan = flag.String("rescan", "", "Symbol to rescan before subscribing")
	// verbose enables price tick logging
	verbose = flag.Bool("v", false, "Log price ticks")
)

func main() {
	flag.Parse()

	level := zerolog.InfoLevel
	if *verbose {
		level = zerolog.DebugLevel
	}
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
		Level(level).With().Timestamp().Logger()

	symbolList, err := parseSymbols(*symbols)
	if err != nil {
		log.Fatal().Err(err).Msg("configuration error")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		log.Info().Msg("received shutdown signal")
		cancel()
	}()

	conn, err := grpc.NewClient(*serverAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		log.Fatal().Err(err).Msg("did not connect")
	}
	defer conn.Close()

	client := service.NewGapStreamClient(conn)

	if *rescan != "" {
		rctx, done := context.WithTimeout(ctx, time.Minute)
		report, err := client.Rescan(rctx, &service.RescanRequest{Symbol: *rescan})
		done()
		if err != nil {
			log.Fatal().Err(err).Str("symbol", *rescan).Msg("rescan failed")
		}
		log.Info().
			Str("symbol", report.Symbol).
			Int("applied", report.Applied).
			Int("created", report.Created).
			Int("retired", report.Retired).
			Int("active", report.Active).
			Int("blocks", report.Blocks).
			Dur("took", report.Duration).
			Msg("rescan complete")
	}

	log.Info().Strs("symbols", symbolList).Msg("subscribing")

	stream, err := client.Subscribe(ctx, &service.SubscriptionRequest{Symbols: symbolList})
	if err != nil {
		log.Fatal().Err(err).Msg("could not subscribe")
	}

	for {
		msg, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			log.Info().Msg("stream has closed")
			return
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Fatal().Err(err).Msg("failed to receive message")
		}

		switch msg.Type {
		case model.MessageTypePrice:
			if msg.Price != nil {
				log.Debug().Str("symbol", msg.Price.Symbol).Float64("price", msg.Price.Price).Msg("price")
			}
		case model.MessageTypeGaps:
			for _, g := range msg.Gaps {
				ev := log.Info().
					Str("symbol", g.Symbol).
					Str("tf", g.Timeframe).
					Str("dir", g.Direction).
					Float64("top", g.Top).
					Float64("bottom", g.Bottom).
					Float64("distance", g.DistancePct).
					Bool("touching", g.IsTouching).
					Bool("tested", g.Tested).
					Float64("strength", g.StrengthScore)
				if g.IsBlockMember && g.BlockStrength != nil {
					ev = ev.Float64("block", *g.BlockStrength).Strs("blockTfs", g.BlockTimeframes)
				}
				ev.Msg("gap")
			}
		}
	}
}

// parseSymbols splits and validates the symbol flag. An empty flag
// subscribes to every symbol.
func parseSymbols(raw string) ([]string, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	list := utils.NormalizeSymbols(strings.Split(raw, ","))
	if err := utils.ValidateSymbols(list, 0); err != nil {
		return nil, fmt.Errorf("symbols: %w", err)
	}
	return list, nil
}
