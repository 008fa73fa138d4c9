// Package scheduler drives the gap ledger from exchange data and decides
// which annotated gap records reach subscribers.
//
// The Scanner applies candles, annotates gaps against the latest price,
// aggregates blocks and emits only records that changed. The Scheduler runs
// the Scanner from periodic jobs, live kline streams and price triggers.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"fvgscanner/internal/analytics"
	"fvgscanner/internal/blocks"
	"fvgscanner/internal/fvg"
	"fvgscanner/internal/model"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// CandleSource supplies exchange candles for (symbol, timeframe) pairs.
type CandleSource interface {
	// FetchHistory returns up to limit candles ordered by time. The last one
	// may still be in progress.
	FetchHistory(ctx context.Context, symbol string, tf model.Timeframe, limit int) ([]model.Candle, error)

	// SubscribeLive streams kline updates until ctx is cancelled or the
	// connection drops, then closes the channel.
	SubscribeLive(ctx context.Context, symbols []string, tfs []model.Timeframe) (<-chan model.KlineEvent, error)
}

// Publisher receives price ticks and gap records for delivery.
type Publisher interface {
	PublishPrice(tick model.PriceTick)
	PublishRecords(ctx context.Context, records []model.GapRecord) error
}

// Journal persists gap lifecycle events.
type Journal interface {
	Record(ctx context.Context, events []fvg.Event) error
}

type emitMode int

const (
	// emitChanged sends records whose content changed since last sent.
	emitChanged emitMode = iota
	// emitEntering sends records that moved inside the filter distance.
	emitEntering
)

// Scanner turns candles into emitted gap records for one symbol at a time.
type Scanner struct {
	cfg       Config
	ledger    *fvg.Ledger
	source    CandleSource
	publisher Publisher
	journal   Journal
	trigger   *priceTrigger
	now       func() time.Time
	logger    zerolog.Logger

	emitLocks sync.Map // symbol -> *sync.Mutex, held from snapshot to publish

	mu      sync.Mutex
	prices  map[string]float64
	sent    map[model.GapID]string // fingerprint of the last record sent
	inRange map[model.GapID]bool   // within the filter distance when last evaluated
	blocks  map[string]map[string]struct{}
}

// NewScanner creates a scanner. journal may be nil.
func NewScanner(cfg Config, ledger *fvg.Ledger, source CandleSource, publisher Publisher, journal Journal) *Scanner {
	return &Scanner{
		cfg:       cfg,
		ledger:    ledger,
		source:    source,
		publisher: publisher,
		journal:   journal,
		trigger:   newPriceTrigger(cfg.PriceTriggerPct, cfg.PriceCooldown),
		now:       time.Now,
		logger:    log.With().Str("component", "scanner").Logger(),
		prices:    make(map[string]float64),
		sent:      make(map[model.GapID]string),
		inRange:   make(map[model.GapID]bool),
		blocks:    make(map[string]map[string]struct{}),
	}
}

// ScanSymbol fetches recent history for every timeframe of symbol, applies
// the closed candles to the ledger and emits changed records.
//
// A failing timeframe does not stop the others. An error is returned only
// when every timeframe failed.
func (s *Scanner) ScanSymbol(ctx context.Context, symbol string) (model.ScanReport, error) {
	start := s.now()
	report := model.ScanReport{Symbol: symbol}
	failed := 0

	for _, tf := range s.cfg.Timeframes {
		key := model.Key{Symbol: symbol, Timeframe: tf}

		candles, err := s.fetch(ctx, key)
		if err != nil {
			failed++
			report.Errors = append(report.Errors, err.Error())
			s.logger.Warn().Err(err).Str("symbol", symbol).Str("timeframe", string(tf)).Msg("history fetch failed")
			continue
		}

		closed, latest := closedCandles(candles, tf, s.now())
		if latest != nil {
			s.seedPrice(symbol, latest.Close)
		}

		results, err := s.ledger.Apply(key, closed)
		if err != nil {
			report.Errors = append(report.Errors, err.Error())
			s.logger.Error().Err(err).Str("symbol", symbol).Str("timeframe", string(tf)).Msg("ledger rejected candles")
		}
		report.Merge(summarize(results))
		s.record(ctx, results)
		s.logCreated(symbol, results)
	}

	if failed == len(s.cfg.Timeframes) {
		return report, fmt.Errorf("scan %s: all %d timeframes failed", symbol, failed)
	}

	report.Emitted, report.Blocks, report.Active = s.emit(ctx, symbol, emitChanged)
	report.Duration = s.now().Sub(start)

	s.logger.Debug().
		Str("symbol", symbol).
		Int("applied", report.Applied).
		Int("created", report.Created).
		Int("retired", report.Retired).
		Int("active", report.Active).
		Int("emitted", report.Emitted).
		Dur("took", report.Duration).
		Msg("symbol scanned")
	return report, nil
}

// fetch requests history with a per-attempt timeout and exponential backoff.
func (s *Scanner) fetch(ctx context.Context, key model.Key) ([]model.Candle, error) {
	backoff := s.cfg.RetryBackoff
	var lastErr error

	for attempt := 1; attempt <= s.cfg.FetchRetries; attempt++ {
		fctx, cancel := context.WithTimeout(ctx, s.cfg.FetchTimeout)
		candles, err := s.source.FetchHistory(fctx, key.Symbol, key.Timeframe, s.cfg.HistoryLimit)
		cancel()
		if err == nil {
			return candles, nil
		}
		lastErr = err

		if ctx.Err() != nil || attempt == s.cfg.FetchRetries {
			break
		}

		s.logger.Debug().Err(err).Str("key", key.String()).Int("attempt", attempt).Msg("retrying history fetch")
		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
		backoff *= 2
	}

	return nil, fmt.Errorf("fetch %s: %w", key, lastErr)
}

// closedCandles keeps the candles whose period has elapsed at now and
// returns the newest candle overall, closed or not.
func closedCandles(candles []model.Candle, tf model.Timeframe, now time.Time) ([]model.Candle, *model.Candle) {
	if len(candles) == 0 {
		return nil, nil
	}
	closed := make([]model.Candle, 0, len(candles))
	for _, c := range candles {
		if c.IsClosedAt(tf, now) {
			closed = append(closed, c)
		}
	}
	latest := candles[len(candles)-1]
	return closed, &latest
}

func summarize(results []fvg.Result) model.ScanReport {
	var r model.ScanReport
	for _, res := range results {
		r.Applied++
		if res.Created != nil {
			r.Created++
		}
		r.Mitigated += len(res.Mitigated)
		r.Retired += len(res.Retired)
	}
	return r
}

// OnKline handles one live kline update and reports whether the price move
// warrants a targeted rescan of the symbol.
//
// Prices are published from the shortest timeframe only, so each trade
// update yields one tick per symbol. Closed candles go to the ledger.
func (s *Scanner) OnKline(ctx context.Context, ev model.KlineEvent) bool {
	now := s.now()
	triggered := false

	if len(s.cfg.Timeframes) > 0 && ev.Timeframe == s.cfg.Timeframes[0] {
		s.setPrice(ev.Symbol, ev.Candle.Close)
		s.publisher.PublishPrice(model.PriceTick{Symbol: ev.Symbol, Price: ev.Candle.Close, Time: now})
		triggered = s.trigger.Observe(ev.Symbol, ev.Candle.Close, now)
	}

	if !ev.Closed {
		return triggered
	}

	key := model.Key{Symbol: ev.Symbol, Timeframe: ev.Timeframe}
	last := s.ledger.Snapshot(key).LastClosed
	switch {
	case last.IsZero():
		// not backfilled yet, the next rescan applies it in order
		return triggered
	case ev.Candle.Time.After(last) && !ev.Candle.Time.Equal(last.Add(ev.Timeframe.Duration())):
		s.logger.Warn().Str("key", key.String()).Time("last", last).Time("candle", ev.Candle.Time).Msg("kline stream skipped candles, rescan requested")
		return true
	}

	result, err := s.ledger.OnCandleClose(key, ev.Candle)
	switch {
	case errors.Is(err, fvg.ErrDuplicateCandle), errors.Is(err, fvg.ErrOutOfOrderCandle):
		s.logger.Debug().Err(err).Str("key", key.String()).Msg("stale kline ignored")
		return triggered
	case err != nil:
		s.logger.Error().Err(err).Str("key", key.String()).Msg("kline rejected by ledger")
	}

	if result.Changed() {
		s.record(ctx, []fvg.Result{result})
		s.logCreated(ev.Symbol, []fvg.Result{result})
		s.emit(ctx, ev.Symbol, emitChanged)
	}
	return triggered
}

// ReevaluateFilters recomputes analytics of every known gap against the
// latest prices and emits gaps that moved inside the filter distance. It
// does not fetch or detect.
func (s *Scanner) ReevaluateFilters(ctx context.Context) int {
	total := 0
	for _, symbol := range s.ledger.Symbols() {
		n, _, _ := s.emit(ctx, symbol, emitEntering)
		total += n
	}
	return total
}

// ForgetSymbol drops the delivery state of a symbol that is no longer scanned.
func (s *Scanner) ForgetSymbol(symbol string) {
	s.mu.Lock()
	delete(s.prices, symbol)
	delete(s.blocks, symbol)
	for id := range s.sent {
		if id.Symbol == symbol {
			delete(s.sent, id)
		}
	}
	for id := range s.inRange {
		if id.Symbol == symbol {
			delete(s.inRange, id)
		}
	}
	s.mu.Unlock()
	s.trigger.Forget(symbol)
}

// Price returns the latest known price of symbol.
func (s *Scanner) Price(symbol string) (float64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.prices[symbol]
	return p, ok
}

func (s *Scanner) setPrice(symbol string, price float64) {
	if price <= 0 {
		return
	}
	s.mu.Lock()
	s.prices[symbol] = price
	s.mu.Unlock()
}

// seedPrice sets a price from history only when no live price is known.
func (s *Scanner) seedPrice(symbol string, price float64) {
	if price <= 0 {
		return
	}
	s.mu.Lock()
	if _, ok := s.prices[symbol]; !ok {
		s.prices[symbol] = price
	}
	s.mu.Unlock()
}

// emit annotates the active gaps of symbol, aggregates blocks and publishes
// the records selected by mode. It returns the emitted, block and active
// gap counts.
func (s *Scanner) emit(ctx context.Context, symbol string, mode emitMode) (int, int, int) {
	unlock := s.lockSymbol(symbol)
	defer unlock()

	snaps := s.ledger.SymbolSnapshots(symbol)

	price, ok := s.Price(symbol)
	if !ok {
		for _, snap := range snaps {
			if snap.LastPrice > 0 {
				price = snap.LastPrice
				break
			}
		}
	}

	var annotated []model.Annotated
	for _, snap := range snaps {
		for _, g := range snap.Gaps {
			annotated = append(annotated, analytics.Annotate(g, price, s.cfg.Analytics))
		}
	}
	if price <= 0 {
		return 0, 0, len(annotated)
	}

	blks := blocks.Aggregate(symbol, annotated, s.cfg.Blocks)
	s.logNewBlocks(symbol, blks)
	picks := s.selectRecords(symbol, annotated, blocks.NewIndex(blks), mode)
	if len(picks) == 0 {
		return 0, len(blks), len(annotated)
	}

	records := make([]model.GapRecord, len(picks))
	for i, p := range picks {
		records[i] = p.record
	}

	if err := s.publisher.PublishRecords(ctx, records); err != nil {
		s.logger.Warn().Err(err).Str("symbol", symbol).Int("records", len(records)).Msg("failed to publish records")
		s.mu.Lock()
		for _, p := range picks {
			delete(s.sent, p.id)
			delete(s.inRange, p.id)
		}
		s.mu.Unlock()
		return 0, len(blks), len(annotated)
	}
	return len(records), len(blks), len(annotated)
}

// lockSymbol serializes emits of one symbol so that a record selected from an
// older snapshot is never published after one from a newer snapshot.
func (s *Scanner) lockSymbol(symbol string) func() {
	v, _ := s.emitLocks.LoadOrStore(symbol, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// logCreated reports newly detected gaps with their strength level and
// formation volume tier.
func (s *Scanner) logCreated(symbol string, results []fvg.Result) {
	price, _ := s.Price(symbol)
	for _, res := range results {
		if res.Created == nil {
			continue
		}
		g := *res.Created
		a := analytics.Annotate(g, price, s.cfg.Analytics)
		s.logger.Info().
			Str("gap", g.ID.String()).
			Float64("top", g.Top).
			Float64("bottom", g.Bottom).
			Float64("strength", a.StrengthScore).
			Str("level", analytics.StrengthLevel(a.StrengthScore)).
			Str("volumeTier", analytics.VolumeTier(g.Formation.Volume)).
			Bool("institutional", g.Formation.Institutional).
			Msg("gap created")
	}
}

// logNewBlocks reports blocks not seen in the previous emit of symbol.
func (s *Scanner) logNewBlocks(symbol string, blks []model.Block) {
	current := make(map[string]struct{}, len(blks))
	s.mu.Lock()
	known := s.blocks[symbol]
	var fresh []model.Block
	for _, b := range blks {
		current[b.ID] = struct{}{}
		if _, ok := known[b.ID]; !ok {
			fresh = append(fresh, b)
		}
	}
	s.blocks[symbol] = current
	s.mu.Unlock()

	for _, b := range fresh {
		s.logger.Info().
			Str("block", b.ID).
			Str("badge", blocks.Badge(b)).
			Str("direction", b.Direction.String()).
			Float64("top", b.Top).
			Float64("bottom", b.Bottom).
			Float64("strength", b.AggregateStrength).
			Str("level", blocks.Level(b.AggregateStrength)).
			Msg("block detected")
	}
}

type pick struct {
	id     model.GapID
	record model.GapRecord
}

func (s *Scanner) selectRecords(symbol string, annotated []model.Annotated, ix blocks.Index, mode emitMode) []pick {
	s.mu.Lock()
	defer s.mu.Unlock()

	live := make(map[model.GapID]struct{}, len(annotated))
	var out []pick

	for _, a := range annotated {
		live[a.ID] = struct{}{}
		blk, _ := ix.Lookup(a.ID)
		rec := model.NewGapRecord(a, blk)

		near := a.DistancePct <= s.cfg.FilterDistancePct
		wasNear := s.inRange[a.ID]
		if mode == emitEntering {
			s.inRange[a.ID] = near
		}

		if a.DistancePct >= s.cfg.MaxEmitDistancePct {
			continue
		}

		fp := fingerprint(rec)
		switch mode {
		case emitChanged:
			if s.sent[a.ID] == fp {
				continue
			}
			s.inRange[a.ID] = near
		case emitEntering:
			if !near || wasNear {
				continue
			}
		}

		s.sent[a.ID] = fp
		out = append(out, pick{id: a.ID, record: rec})
	}

	for id := range s.sent {
		if _, ok := live[id]; !ok && id.Symbol == symbol {
			delete(s.sent, id)
		}
	}
	for id := range s.inRange {
		if _, ok := live[id]; !ok && id.Symbol == symbol {
			delete(s.inRange, id)
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].record.DistancePct < out[j].record.DistancePct
	})
	return out
}

// fingerprint captures the record content that warrants a resend. Distance
// is left out so that price drift alone does not flood subscribers.
func fingerprint(r model.GapRecord) string {
	block := "-"
	if r.BlockStrength != nil {
		block = fmt.Sprintf("%.2f", *r.BlockStrength)
	}
	return fmt.Sprintf("%g|%g|%t|%t|%.0f|%s", r.Top, r.Bottom, r.Tested, r.IsTouching, r.StrengthScore, block)
}

func (s *Scanner) record(ctx context.Context, results []fvg.Result) {
	if s.journal == nil {
		return
	}
	var events []fvg.Event
	for _, r := range results {
		events = append(events, r.Events()...)
	}
	if len(events) == 0 {
		return
	}
	if err := s.journal.Record(ctx, events); err != nil {
		s.logger.Warn().Err(err).Int("events", len(events)).Msg("failed to journal gap events")
	}
}
