// Package exchange provides market data connectors for perpetual futures.
//
// The Binance connector serves two needs of the scanner: kline history over
// the futures REST API and live kline updates over combined WebSocket streams.
// Exchange prices arrive as decimal strings and are parsed with
// decimal.Decimal before conversion to float64.
package exchange

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"fvgscanner/internal/model"
	"fvgscanner/internal/utils"
	"fvgscanner/internal/websocket"

	"github.com/go-playground/validator/v10"
	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// maxKlineLimit is the largest page the klines endpoint serves.
const maxKlineLimit = 1500

var (
	// defaultBinanceConfig provides the production futures endpoints.
	defaultBinanceConfig = ExchangeConfig{
		RestURL:        "https://fapi.binance.com",
		StreamURL:      "wss://fstream.binance.com",
		MaxStreams:     200,
		RequestTimeout: 15 * time.Second,
	}

	binanceIntervals = map[model.Timeframe]string{
		model.Timeframe4h:  "4h",
		model.Timeframe12h: "12h",
		model.Timeframe1d:  "1d",
		"3d":               "3d",
		model.Timeframe1w:  "1w",
	}
)

// BinanceConnector reads USDT-margined futures market data from Binance.
type BinanceConnector struct {
	config   ExchangeConfig
	http     *http.Client
	validate *validator.Validate
	logger   zerolog.Logger
}

// msg is the combined stream wrapper.
//
//	{
//		"stream": "btcusdt@kline_4h",
//		"data": {"e": "kline", "s": "BTCUSDT", "k": {...}}
//	}
type msg struct {
	Stream string          `json:"stream" validate:"required"`
	Data   json.RawMessage `json:"data" validate:"required"`
}

type klineEvent struct {
	Type   string `json:"e"`
	Symbol string `json:"s"`
	Kline  kline  `json:"k"`
}

// kline is the candle payload of a kline event. Prices are strings to
// preserve precision.
type kline struct {
	OpenTime  int64  `json:"t" validate:"required,gt=0"`
	CloseTime int64  `json:"T" validate:"required,gtfield=OpenTime"`
	Symbol    string `json:"s" validate:"required"`
	Interval  string `json:"i" validate:"required"`
	Open      string `json:"o" validate:"required,numeric"`
	Close     string `json:"c" validate:"required,numeric"`
	High      string `json:"h" validate:"required,numeric"`
	Low       string `json:"l" validate:"required,numeric"`
	Volume    string `json:"v" validate:"required,numeric"`
	Closed    bool   `json:"x"`
}

// Contract is one entry of the futures exchangeInfo listing.
type Contract struct {
	Symbol       string `json:"symbol"`
	Status       string `json:"status"`
	ContractType string `json:"contractType"`
	BaseAsset    string `json:"baseAsset"`
	QuoteAsset   string `json:"quoteAsset"`
}

type exchangeInfo struct {
	Symbols []Contract `json:"symbols"`
}

// NewBinanceConnector creates a connector. A nil cfg selects the production
// endpoints; zero fields of a given cfg take their defaults.
func NewBinanceConnector(cfg *ExchangeConfig) (*BinanceConnector, error) {
	if cfg == nil {
		c := defaultBinanceConfig
		cfg = &c
	}

	if err := validateConfig(cfg, &defaultBinanceConfig); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	return &BinanceConnector{
		config:   *cfg,
		http:     &http.Client{Timeout: cfg.RequestTimeout},
		validate: validator.New(),
		logger:   log.With().Str("component", "binance").Logger(),
	}, nil
}

// Interval returns the exchange interval name for tf.
func Interval(tf model.Timeframe) (string, error) {
	iv, ok := binanceIntervals[tf]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedTimeframe, tf)
	}
	return iv, nil
}

// FetchHistory returns up to limit klines for symbol, oldest first. The last
// kline is usually still in progress.
func (bc *BinanceConnector) FetchHistory(ctx context.Context, symbol string, tf model.Timeframe, limit int) ([]model.Candle, error) {
	if err := utils.ValidateSymbol(symbol); err != nil {
		return nil, err
	}
	interval, err := Interval(tf)
	if err != nil {
		return nil, err
	}
	limit = max(1, min(limit, maxKlineLimit))

	q := url.Values{}
	q.Set("symbol", utils.NormalizeSymbol(symbol))
	q.Set("interval", interval)
	q.Set("limit", strconv.Itoa(limit))

	var rows [][]json.RawMessage
	if err := bc.get(ctx, "/fapi/v1/klines", q, &rows); err != nil {
		return nil, fmt.Errorf("klines %s %s: %w", symbol, tf, err)
	}

	candles := make([]model.Candle, 0, len(rows))
	for i, row := range rows {
		c, err := parseKlineRow(row)
		if err != nil {
			return nil, fmt.Errorf("klines %s %s row %d: %w", symbol, tf, i, err)
		}
		candles = append(candles, c)
	}
	return candles, nil
}

// FetchContracts returns the futures contract listing.
func (bc *BinanceConnector) FetchContracts(ctx context.Context) ([]Contract, error) {
	var info exchangeInfo
	if err := bc.get(ctx, "/fapi/v1/exchangeInfo", nil, &info); err != nil {
		return nil, fmt.Errorf("exchange info: %w", err)
	}
	return info.Symbols, nil
}

func (bc *BinanceConnector) get(ctx context.Context, path string, q url.Values, out any) error {
	endpoint := bc.config.RestURL + path
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}

	resp, err := bc.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		apiErr := &APIError{Status: resp.StatusCode}
		if json.Unmarshal(body, apiErr) != nil || apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(string(body))
		}
		bc.logger.Warn().Int("status", resp.StatusCode).Str("path", path).Str("msg", apiErr.Message).Msg("request rejected")
		return apiErr
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

// parseKlineRow decodes one REST kline:
// [openTime, open, high, low, close, volume, closeTime, ...].
func parseKlineRow(row []json.RawMessage) (model.Candle, error) {
	if len(row) < 6 {
		return model.Candle{}, fmt.Errorf("expected at least 6 fields, got %d", len(row))
	}

	var openTime int64
	if err := json.Unmarshal(row[0], &openTime); err != nil {
		return model.Candle{}, fmt.Errorf("open time: %w", err)
	}

	var vals [5]float64
	for i := range vals {
		var s string
		if err := json.Unmarshal(row[i+1], &s); err != nil {
			return model.Candle{}, fmt.Errorf("field %d: %w", i+1, err)
		}
		v, err := parseDecimal(s)
		if err != nil {
			return model.Candle{}, fmt.Errorf("field %d: %w", i+1, err)
		}
		vals[i] = v
	}

	return model.Candle{
		Time:   time.UnixMilli(openTime).UTC(),
		Open:   vals[0],
		High:   vals[1],
		Low:    vals[2],
		Close:  vals[3],
		Volume: vals[4],
	}, nil
}

func parseDecimal(s string) (float64, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, err
	}
	return d.InexactFloat64(), nil
}

// SubscribeLive opens one combined stream carrying the klines of every
// (symbol, timeframe) pair. The channel closes when ctx is cancelled or the
// connection drops.
func (bc *BinanceConnector) SubscribeLive(ctx context.Context, symbols []string, tfs []model.Timeframe) (<-chan model.KlineEvent, error) {
	if err := utils.ValidateSymbols(symbols, 0); err != nil {
		return nil, err
	}
	if n := len(symbols) * len(tfs); n > bc.config.MaxStreams {
		return nil, fmt.Errorf("%d streams requested, connection limit is %d", n, bc.config.MaxStreams)
	}

	streamURL, err := bc.buildStreamUrl(symbols, tfs)
	if err != nil {
		return nil, err
	}

	client, err := websocket.NewClient(ctx, websocket.Config[model.KlineEvent]{
		Endpoint:        streamURL,
		Decode:          bc.handleKlineMessage,
		TLSInsecureSkip: bc.config.TLSInsecureSkip,
	})
	if err != nil {
		bc.logger.Error().Err(err).Msg("failed to create kline stream client")
		return nil, err
	}

	return client.Events, nil
}

// buildStreamUrl constructs the combined stream URL:
// wss://fstream.binance.com/stream?streams=btcusdt@kline_4h/ethusdt@kline_4h
func (bc *BinanceConnector) buildStreamUrl(symbols []string, tfs []model.Timeframe) (string, error) {
	if len(tfs) == 0 {
		return "", utils.ErrNoTimeframes
	}

	streams := make([]string, 0, len(symbols)*len(tfs))
	for _, s := range symbols {
		if err := utils.ValidateSymbol(s); err != nil {
			return "", err
		}
		name := strings.ToLower(utils.NormalizeSymbol(s))
		for _, tf := range tfs {
			interval, err := Interval(tf)
			if err != nil {
				return "", err
			}
			streams = append(streams, name+"@kline_"+interval)
		}
	}

	return fmt.Sprintf("%s/stream?streams=%s", bc.config.StreamURL, strings.Join(streams, "/")), nil
}

// handleKlineMessage decodes one combined stream frame into a kline event.
// Frames that are not klines (subscription acks) yield no event.
func (bc *BinanceConnector) handleKlineMessage(raw []byte) ([]model.KlineEvent, error) {
	var m msg
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("invalid outer JSON: %w", err)
	}
	if m.Stream == "" {
		return nil, nil
	}

	var ev klineEvent
	if err := json.Unmarshal(m.Data, &ev); err != nil {
		return nil, fmt.Errorf("invalid kline payload JSON: %w", err)
	}
	if ev.Type != "kline" {
		return nil, nil
	}

	k := ev.Kline
	if err := bc.validate.Struct(&k); err != nil {
		bc.logger.Warn().Err(err).Str("stream", m.Stream).Msg("kline validation failed")
		return nil, err
	}

	tf, err := model.ParseTimeframe(k.Interval)
	if err != nil {
		return nil, err
	}

	var vals [5]float64
	for i, s := range []string{k.Open, k.High, k.Low, k.Close, k.Volume} {
		v, err := parseDecimal(s)
		if err != nil {
			return nil, fmt.Errorf("kline %s: %w", m.Stream, err)
		}
		vals[i] = v
	}

	return []model.KlineEvent{{
		Symbol:    utils.NormalizeSymbol(k.Symbol),
		Timeframe: tf,
		Candle: model.Candle{
			Time:   time.UnixMilli(k.OpenTime).UTC(),
			Open:   vals[0],
			High:   vals[1],
			Low:    vals[2],
			Close:  vals[3],
			Volume: vals[4],
		},
		Closed: k.Closed,
	}}, nil
}
