package scheduler

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"fvgscanner/internal/analytics"
	"fvgscanner/internal/fvg"
	"fvgscanner/internal/model"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var testStart = time.Date(2024, 6, 3, 0, 0, 0, 0, time.UTC)

// Mock implementations
type MockCandleSource struct {
	mock.Mock
	events chan model.KlineEvent
}

func NewMockCandleSource() *MockCandleSource {
	return &MockCandleSource{events: make(chan model.KlineEvent, 100)}
}

func (m *MockCandleSource) FetchHistory(ctx context.Context, symbol string, tf model.Timeframe, limit int) ([]model.Candle, error) {
	args := m.Called(symbol, tf, limit)
	var candles []model.Candle
	if v := args.Get(0); v != nil {
		candles = v.([]model.Candle)
	}
	return candles, args.Error(1)
}

func (m *MockCandleSource) SubscribeLive(ctx context.Context, symbols []string, tfs []model.Timeframe) (<-chan model.KlineEvent, error) {
	args := m.Called(symbols, tfs)
	if err := args.Error(0); err != nil {
		return nil, err
	}
	return m.events, nil
}

type fakePublisher struct {
	mu      sync.Mutex
	prices  []model.PriceTick
	batches [][]model.GapRecord
	err     error
}

func (p *fakePublisher) PublishPrice(tick model.PriceTick) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prices = append(p.prices, tick)
}

func (p *fakePublisher) PublishRecords(ctx context.Context, records []model.GapRecord) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.batches = append(p.batches, records)
	return nil
}

func (p *fakePublisher) records() []model.GapRecord {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []model.GapRecord
	for _, b := range p.batches {
		out = append(out, b...)
	}
	return out
}

func (p *fakePublisher) reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.batches = nil
	p.prices = nil
}

type fakeJournal struct {
	mu     sync.Mutex
	events []fvg.Event
}

func (j *fakeJournal) Record(ctx context.Context, events []fvg.Event) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.events = append(j.events, events...)
	return nil
}

// createTestConfig creates a single-timeframe configuration with fast retries
func createTestConfig() Config {
	cfg := DefaultConfig()
	cfg.Timeframes = []model.Timeframe{model.Timeframe4h}
	cfg.FetchRetries = 2
	cfg.RetryBackoff = time.Millisecond
	cfg.RestartBackoff = time.Millisecond
	cfg.MaxRestartBackoff = 5 * time.Millisecond
	cfg.RescanSpec = "@every 1h"
	cfg.FilterSpec = "@every 1h"
	cfg.SymbolRefreshSpec = "@every 1h"
	return cfg
}

func bar(i int, high, low float64) model.Candle {
	return model.Candle{
		Time:   testStart.Add(time.Duration(i) * 4 * time.Hour),
		Open:   low,
		High:   high,
		Low:    low,
		Close:  high,
		Volume: 1000,
	}
}

// history has a bullish gap 100-110 on closed candles and an open candle at 112
func history() []model.Candle {
	open := bar(3, 113, 111)
	open.Close = 112
	return []model.Candle{bar(0, 100, 90), bar(1, 105, 95), bar(2, 120, 110), open}
}

type scannerFixture struct {
	scanner   *Scanner
	source    *MockCandleSource
	publisher *fakePublisher
	journal   *fakeJournal
	ledger    *fvg.Ledger
}

func newScannerFixture(t *testing.T, cfg Config) *scannerFixture {
	t.Helper()
	f := &scannerFixture{
		source:    NewMockCandleSource(),
		publisher: &fakePublisher{},
		journal:   &fakeJournal{},
		ledger:    fvg.NewLedger(fvg.Config{Strict: true, Analytics: analytics.DefaultConfig()}),
	}
	f.scanner = NewScanner(cfg, f.ledger, f.source, f.publisher, f.journal)
	f.scanner.now = func() time.Time { return testStart.Add(13 * time.Hour) }
	return f
}

func Test_Scanner_ScanSymbol(t *testing.T) {
	f := newScannerFixture(t, createTestConfig())
	f.source.On("FetchHistory", "BTCUSDT", model.Timeframe4h, 500).Return(history(), nil)

	report, err := f.scanner.ScanSymbol(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, 3, report.Applied, "the open candle is not applied")
	assert.Equal(t, 1, report.Created)
	assert.Equal(t, 1, report.Active)
	assert.Equal(t, 1, report.Emitted)

	records := f.publisher.records()
	require.Len(t, records, 1)
	r := records[0]
	assert.Equal(t, "BTCUSDT", r.Symbol)
	assert.Equal(t, "Bullish", r.Direction)
	assert.Equal(t, 110.0, r.Top)
	assert.Equal(t, 100.0, r.Bottom)
	assert.InDelta(t, 1.79, r.DistancePct, 1e-9)
	assert.False(t, r.IsBlockMember)

	require.Len(t, f.journal.events, 1)
	assert.Equal(t, fvg.EventCreated, f.journal.events[0].Kind)

	t.Run("Unchanged rescan emits nothing", func(t *testing.T) {
		f.publisher.reset()
		report, err := f.scanner.ScanSymbol(context.Background(), "BTCUSDT")
		require.NoError(t, err)
		assert.Zero(t, report.Applied)
		assert.Zero(t, report.Emitted)
		assert.Empty(t, f.publisher.records())
	})
}

func Test_Scanner_FetchRetries(t *testing.T) {
	f := newScannerFixture(t, createTestConfig())
	f.source.On("FetchHistory", "ETHUSDT", model.Timeframe4h, 500).Return(nil, errors.New("timeout")).Once()
	f.source.On("FetchHistory", "ETHUSDT", model.Timeframe4h, 500).Return(history(), nil).Once()

	report, err := f.scanner.ScanSymbol(context.Background(), "ETHUSDT")
	require.NoError(t, err)
	assert.Equal(t, 1, report.Created)
	assert.Empty(t, report.Errors)
	f.source.AssertNumberOfCalls(t, "FetchHistory", 2)
}

func Test_Scanner_TimeframeFailuresIsolated(t *testing.T) {
	cfg := createTestConfig()
	cfg.Timeframes = []model.Timeframe{model.Timeframe4h, model.Timeframe1d}
	f := newScannerFixture(t, cfg)
	f.source.On("FetchHistory", "SOLUSDT", model.Timeframe4h, 500).Return(history(), nil)
	f.source.On("FetchHistory", "SOLUSDT", model.Timeframe1d, 500).Return(nil, errors.New("boom"))

	report, err := f.scanner.ScanSymbol(context.Background(), "SOLUSDT")
	require.NoError(t, err, "one healthy timeframe is enough")
	assert.Equal(t, 1, report.Created)
	assert.Len(t, report.Errors, 1)

	f.source.On("FetchHistory", "XRPUSDT", mock.Anything, 500).Return(nil, errors.New("down"))
	_, err = f.scanner.ScanSymbol(context.Background(), "XRPUSDT")
	assert.Error(t, err)
}

func Test_Scanner_OnKline(t *testing.T) {
	f := newScannerFixture(t, createTestConfig())
	f.source.On("FetchHistory", "BTCUSDT", model.Timeframe4h, 500).Return(history(), nil)
	_, err := f.scanner.ScanSymbol(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	f.publisher.reset()

	closing := model.Candle{Time: bar(3, 0, 0).Time, Open: 112, High: 115, Low: 104, Close: 112, Volume: 900}
	ev := model.KlineEvent{Symbol: "BTCUSDT", Timeframe: model.Timeframe4h, Candle: closing, Closed: true}

	t.Run("Closed candle narrows the gap", func(t *testing.T) {
		f.scanner.OnKline(context.Background(), ev)

		require.Len(t, f.publisher.prices, 1)
		assert.Equal(t, 112.0, f.publisher.prices[0].Price)

		records := f.publisher.records()
		require.Len(t, records, 1)
		assert.Equal(t, 104.0, records[0].Top)
		assert.True(t, records[0].Tested)
	})

	t.Run("Duplicate kline ignored", func(t *testing.T) {
		f.publisher.reset()
		f.scanner.OnKline(context.Background(), ev)
		assert.Empty(t, f.publisher.records())
		assert.Equal(t, 104.0, f.ledger.Snapshot(model.Key{Symbol: "BTCUSDT", Timeframe: model.Timeframe4h}).Gaps[0].Top)
	})

	t.Run("Skipped candles request a rescan", func(t *testing.T) {
		skipped := ev
		skipped.Candle.Time = bar(5, 0, 0).Time
		assert.True(t, f.scanner.OnKline(context.Background(), skipped))
	})

	t.Run("Keys without backfill are left alone", func(t *testing.T) {
		other := ev
		other.Symbol = "ETHUSDT"
		assert.False(t, f.scanner.OnKline(context.Background(), other))
		assert.Empty(t, f.ledger.Snapshot(model.Key{Symbol: "ETHUSDT", Timeframe: model.Timeframe4h}).Gaps)
	})
}

func Test_Scanner_PriceTrigger(t *testing.T) {
	f := newScannerFixture(t, createTestConfig())
	now := testStart
	f.scanner.now = func() time.Time { return now }

	tick := func(price float64) bool {
		c := model.Candle{Time: testStart, Open: price, High: price, Low: price, Close: price, Volume: 1}
		return f.scanner.OnKline(context.Background(), model.KlineEvent{Symbol: "BTCUSDT", Timeframe: model.Timeframe4h, Candle: c})
	}

	assert.False(t, tick(100), "first tick sets the baseline")
	now = now.Add(2 * time.Minute)
	assert.False(t, tick(101), "1% is below the threshold")
	assert.True(t, tick(103), "3% after the cooldown triggers")
	now = now.Add(10 * time.Second)
	assert.False(t, tick(110), "cooldown not elapsed")
}

func Test_Scanner_FilterReevaluation(t *testing.T) {
	f := newScannerFixture(t, createTestConfig())
	f.source.On("FetchHistory", "BTCUSDT", model.Timeframe4h, 500).Return(history(), nil)

	// 30% away: emitted by the rescan but outside the filter range
	f.scanner.setPrice("BTCUSDT", 157.15)
	report, err := f.scanner.ScanSymbol(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	require.Equal(t, 1, report.Emitted)

	f.publisher.reset()
	assert.Zero(t, f.scanner.ReevaluateFilters(context.Background()))

	f.scanner.setPrice("BTCUSDT", 120)
	assert.Equal(t, 1, f.scanner.ReevaluateFilters(context.Background()), "gap entered the filter range")
	assert.Zero(t, f.scanner.ReevaluateFilters(context.Background()), "already in range")

	records := f.publisher.records()
	require.Len(t, records, 1)
	assert.InDelta(t, 8.33, records[0].DistancePct, 1e-9)
}

func Test_Scanner_FarGapsNotEmitted(t *testing.T) {
	f := newScannerFixture(t, createTestConfig())
	f.source.On("FetchHistory", "BTCUSDT", model.Timeframe4h, 500).Return(history(), nil)
	f.scanner.setPrice("BTCUSDT", 400)

	report, err := f.scanner.ScanSymbol(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, 1, report.Active)
	assert.Zero(t, report.Emitted)
}

func Test_Scanner_PublishFailureRetriedLater(t *testing.T) {
	f := newScannerFixture(t, createTestConfig())
	f.source.On("FetchHistory", "BTCUSDT", model.Timeframe4h, 500).Return(history(), nil)

	f.publisher.err = errors.New("hub stopped")
	report, err := f.scanner.ScanSymbol(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.Zero(t, report.Emitted)

	f.publisher.err = nil
	report, err = f.scanner.ScanSymbol(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, 1, report.Emitted, "unsent records are sent on the next scan")
}

func Test_Scanner_ForgetSymbol(t *testing.T) {
	f := newScannerFixture(t, createTestConfig())
	f.scanner.setPrice("BTCUSDT", 100)
	f.scanner.ForgetSymbol("BTCUSDT")

	_, ok := f.scanner.Price("BTCUSDT")
	assert.False(t, ok)
}

// gatedPublisher holds the first record batch until gate is closed.
type gatedPublisher struct {
	*fakePublisher
	once    sync.Once
	entered chan struct{}
	gate    chan struct{}
}

func (p *gatedPublisher) PublishRecords(ctx context.Context, records []model.GapRecord) error {
	first := false
	p.once.Do(func() { first = true })
	if first {
		close(p.entered)
		<-p.gate
	}
	return p.fakePublisher.PublishRecords(ctx, records)
}

func Test_Scanner_EmitsSerializedPerSymbol(t *testing.T) {
	f := newScannerFixture(t, createTestConfig())
	f.source.On("FetchHistory", "BTCUSDT", model.Timeframe4h, 500).Return(history(), nil)

	pub := &gatedPublisher{fakePublisher: f.publisher, entered: make(chan struct{}), gate: make(chan struct{})}
	f.scanner.publisher = pub

	scanned := make(chan struct{})
	go func() {
		defer close(scanned)
		_, err := f.scanner.ScanSymbol(context.Background(), "BTCUSDT")
		assert.NoError(t, err)
	}()
	<-pub.entered

	closing := model.Candle{Time: bar(3, 0, 0).Time, Open: 112, High: 115, Low: 104, Close: 112, Volume: 900}
	klined := make(chan struct{})
	go func() {
		defer close(klined)
		f.scanner.OnKline(context.Background(), model.KlineEvent{
			Symbol: "BTCUSDT", Timeframe: model.Timeframe4h, Candle: closing, Closed: true,
		})
	}()

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, f.publisher.records(), "the newer emit waits for the one in flight")

	close(pub.gate)
	<-scanned
	<-klined

	records := f.publisher.records()
	require.Len(t, records, 2)
	assert.Equal(t, 110.0, records[0].Top)
	assert.Equal(t, 104.0, records[1].Top, "the newest state is published last")
}

func Test_Scanner_LogsDetections(t *testing.T) {
	f := newScannerFixture(t, createTestConfig())
	f.source.On("FetchHistory", "BTCUSDT", model.Timeframe4h, 500).Return(history(), nil)

	var buf bytes.Buffer
	f.scanner.logger = zerolog.New(&buf)

	t.Run("Created gaps", func(t *testing.T) {
		_, err := f.scanner.ScanSymbol(context.Background(), "BTCUSDT")
		require.NoError(t, err)

		out := buf.String()
		assert.Contains(t, out, `"message":"gap created"`)
		assert.Contains(t, out, `"gap":"BTCUSDT_4h_Bullish_`)
		assert.Contains(t, out, `"volumeTier":"LOW"`)
		assert.Contains(t, out, `"level":"`)
	})

	t.Run("New blocks only", func(t *testing.T) {
		buf.Reset()
		blk := model.Block{
			ID:                "BTCUSDT_Bullish_1",
			Symbol:            "BTCUSDT",
			Direction:         model.Bullish,
			Timeframes:        []model.Timeframe{model.Timeframe4h, model.Timeframe1d},
			Top:               110,
			Bottom:            100,
			AggregateStrength: 72,
		}

		f.scanner.logNewBlocks("BTCUSDT", []model.Block{blk})
		out := buf.String()
		assert.Contains(t, out, `"message":"block detected"`)
		assert.Contains(t, out, `"badge":"4h+1d"`)
		assert.Contains(t, out, `"level":"STRONG"`)

		buf.Reset()
		f.scanner.logNewBlocks("BTCUSDT", []model.Block{blk})
		assert.Empty(t, buf.String(), "known blocks are not logged again")

		f.scanner.ForgetSymbol("BTCUSDT")
		f.scanner.logNewBlocks("BTCUSDT", []model.Block{blk})
		assert.Contains(t, buf.String(), "block detected", "forgotten symbols start over")
	})
}
