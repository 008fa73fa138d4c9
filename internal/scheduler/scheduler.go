package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"fvgscanner/internal/fvg"
	"fvgscanner/internal/model"
	"fvgscanner/internal/utils"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc/pool"
)

var errStreamClosed = errors.New("kline stream closed")

// SymbolDirectory lists the symbols that should be scanned.
type SymbolDirectory interface {
	ListActiveSymbols(ctx context.Context) ([]string, error)
}

// Scheduler runs periodic full rescans, filter re-evaluation and symbol
// refreshes on cron schedules, keeps supervised live kline streams open, and
// serves price-triggered and forced rescans.
type Scheduler struct {
	cfg       Config
	ledger    *fvg.Ledger
	scanner   *Scanner
	source    CandleSource
	directory SymbolDirectory
	logger    zerolog.Logger

	cron     *cron.Cron
	rescanCh chan string
	started  atomic.Bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	mu           sync.Mutex
	symbols      []string
	pending      map[string]struct{}
	streamCancel context.CancelFunc
}

// New creates a stopped scheduler. journal may be nil.
func New(cfg Config, ledger *fvg.Ledger, source CandleSource, directory SymbolDirectory, publisher Publisher, journal Journal) *Scheduler {
	return &Scheduler{
		cfg:       cfg,
		ledger:    ledger,
		scanner:   NewScanner(cfg, ledger, source, publisher, journal),
		source:    source,
		directory: directory,
		logger:    log.With().Str("component", "scheduler").Logger(),
		rescanCh:  make(chan string, 64),
		pending:   make(map[string]struct{}),
	}
}

// Start loads the symbol list, opens live streams, runs an initial full
// rescan and schedules the periodic jobs.
func (s *Scheduler) Start(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return errors.New("scheduler already started")
	}
	if err := s.cfg.Validate(); err != nil {
		s.started.Store(false)
		return fmt.Errorf("invalid scheduler config: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	cl := cronLogger{logger: s.logger}
	s.cron = cron.New(
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)

	jobs := []struct {
		name string
		spec string
		run  func()
	}{
		{"full-rescan", s.cfg.RescanSpec, func() { s.FullRescan(ctx) }},
		{"filter-check", s.cfg.FilterSpec, func() {
			if n := s.scanner.ReevaluateFilters(ctx); n > 0 {
				s.logger.Info().Int("records", n).Msg("gaps entered filter range")
			}
		}},
		{"symbol-refresh", s.cfg.SymbolRefreshSpec, func() {
			added, err := s.RefreshSymbols(ctx)
			if err != nil {
				s.logger.Warn().Err(err).Msg("symbol refresh failed")
				return
			}
			s.scanAll(ctx, added)
		}},
	}
	for _, job := range jobs {
		id, err := s.cron.AddFunc(job.spec, job.run)
		if err != nil {
			cancel()
			s.started.Store(false)
			return fmt.Errorf("schedule %s (%q): %w", job.name, job.spec, err)
		}
		s.logger.Info().Str("job", job.name).Str("schedule", job.spec).Int("entry", int(id)).Msg("job scheduled")
	}
	s.cancel = cancel

	if _, err := s.RefreshSymbols(ctx); err != nil {
		s.logger.Error().Err(err).Msg("initial symbol refresh failed, retrying on schedule")
	}

	s.cron.Start()

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.targetedLoop(ctx)
	}()
	go func() {
		defer s.wg.Done()
		s.FullRescan(ctx)
	}()

	return nil
}

// Stop cancels jobs and streams and waits for them to finish.
func (s *Scheduler) Stop() error {
	if !s.started.CompareAndSwap(true, false) {
		return errors.New("scheduler not started")
	}

	stopped := s.cron.Stop()
	s.cancel()
	select {
	case <-stopped.Done():
	case <-time.After(30 * time.Second):
		s.logger.Warn().Msg("timed out waiting for running jobs")
	}

	s.mu.Lock()
	if s.streamCancel != nil {
		s.streamCancel()
		s.streamCancel = nil
	}
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info().Msg("scheduler stopped")
	return nil
}

// Symbols returns the symbols currently scanned.
func (s *Scheduler) Symbols() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.symbols...)
}

// ForceRescan immediately rescans one symbol.
func (s *Scheduler) ForceRescan(ctx context.Context, symbol string) (model.ScanReport, error) {
	return s.scanner.ScanSymbol(ctx, symbol)
}

// FullRescan scans every symbol on a bounded worker pool and returns how
// many scans failed.
func (s *Scheduler) FullRescan(ctx context.Context) int {
	symbols := s.Symbols()
	start := time.Now()
	failed := s.scanAll(ctx, symbols)

	s.logger.Info().
		Int("symbols", len(symbols)).
		Int("failed", failed).
		Dur("took", time.Since(start)).
		Msg("full rescan finished")
	return failed
}

func (s *Scheduler) scanAll(ctx context.Context, symbols []string) int {
	if len(symbols) == 0 {
		return 0
	}

	var failed atomic.Int64
	p := pool.New().WithMaxGoroutines(s.cfg.Workers)
	for _, symbol := range symbols {
		p.Go(func() {
			if ctx.Err() != nil {
				return
			}
			if _, err := s.scanner.ScanSymbol(ctx, symbol); err != nil {
				failed.Add(1)
				s.logger.Warn().Err(err).Str("symbol", symbol).Msg("symbol scan failed")
			}
		})
	}
	p.Wait()
	return int(failed.Load())
}

// RefreshSymbols reloads the symbol list. Removed symbols are dropped from
// the ledger; when the list changed, live streams are reopened. It returns
// the symbols that were added.
func (s *Scheduler) RefreshSymbols(ctx context.Context) ([]string, error) {
	listed, err := s.directory.ListActiveSymbols(ctx)
	if err != nil {
		return nil, fmt.Errorf("list symbols: %w", err)
	}
	listed = utils.NormalizeSymbols(listed)
	if len(listed) == 0 {
		return nil, errors.New("symbol directory returned no symbols")
	}

	s.mu.Lock()
	added, removed := diffSymbols(s.symbols, listed)
	s.symbols = listed
	s.mu.Unlock()

	for _, symbol := range removed {
		s.ledger.DropSymbol(symbol)
		s.scanner.ForgetSymbol(symbol)
	}

	if len(added) > 0 || len(removed) > 0 {
		s.logger.Info().
			Int("symbols", len(listed)).
			Strs("added", added).
			Strs("removed", removed).
			Msg("symbol list changed")
		s.restartStreams(ctx, listed)
	}
	return added, nil
}

// diffSymbols compares two sorted lists.
func diffSymbols(old, next []string) (added, removed []string) {
	i, j := 0, 0
	for i < len(old) || j < len(next) {
		switch {
		case j == len(next) || (i < len(old) && old[i] < next[j]):
			removed = append(removed, old[i])
			i++
		case i == len(old) || next[j] < old[i]:
			added = append(added, next[j])
			j++
		default:
			i++
			j++
		}
	}
	return added, removed
}

// restartStreams replaces the live streams with one supervised stream per
// batch of MaxStreamsPerConnection symbols.
func (s *Scheduler) restartStreams(ctx context.Context, symbols []string) {
	streamCtx, cancel := context.WithCancel(ctx)

	s.mu.Lock()
	if s.streamCancel != nil {
		s.streamCancel()
	}
	s.streamCancel = cancel
	s.mu.Unlock()

	for i, batch := range batchSymbols(symbols, s.cfg.MaxStreamsPerConnection) {
		name := fmt.Sprintf("kline-stream-%d", i)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			supervise(streamCtx, name, s.cfg.RestartBackoff, s.cfg.MaxRestartBackoff, func(ctx context.Context) error {
				return s.runStream(ctx, batch)
			})
		}()
	}
}

func batchSymbols(symbols []string, size int) [][]string {
	var out [][]string
	for start := 0; start < len(symbols); start += size {
		end := min(start+size, len(symbols))
		out = append(out, symbols[start:end])
	}
	return out
}

func (s *Scheduler) runStream(ctx context.Context, symbols []string) error {
	events, err := s.source.SubscribeLive(ctx, symbols, s.cfg.Timeframes)
	if err != nil {
		return fmt.Errorf("subscribe %d symbols: %w", len(symbols), err)
	}

	s.logger.Info().Strs("symbols", symbols).Msg("kline stream opened")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return errStreamClosed
			}
			if s.scanner.OnKline(ctx, ev) {
				s.requestRescan(ev.Symbol)
			}
		}
	}
}

// requestRescan queues a targeted rescan unless one is already pending.
func (s *Scheduler) requestRescan(symbol string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.pending[symbol]; ok {
		return
	}
	select {
	case s.rescanCh <- symbol:
		s.pending[symbol] = struct{}{}
		s.logger.Info().Str("symbol", symbol).Msg("price trigger, rescan queued")
	default:
		s.logger.Warn().Str("symbol", symbol).Msg("rescan queue full, trigger dropped")
	}
}

func (s *Scheduler) targetedLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case symbol := <-s.rescanCh:
			s.mu.Lock()
			delete(s.pending, symbol)
			s.mu.Unlock()

			report, err := s.scanner.ScanSymbol(ctx, symbol)
			if err != nil {
				s.logger.Warn().Err(err).Str("symbol", symbol).Msg("targeted rescan failed")
				continue
			}
			s.logger.Info().Str("symbol", symbol).Int("emitted", report.Emitted).Msg("targeted rescan finished")
		}
	}
}

// cronLogger adapts zerolog to the cron logger interface.
type cronLogger struct {
	logger zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug().Fields(keysAndValues).Msg("cron: " + msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error().Err(err).Fields(keysAndValues).Msg("cron: " + msg)
}
