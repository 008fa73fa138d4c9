package fvg

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"fvgscanner/internal/analytics"
	"fvgscanner/internal/model"
)

// Error definitions for ledger operations
var (
	ErrDuplicateCandle    = errors.New("candle already applied")
	ErrOutOfOrderCandle   = errors.New("candle older than last applied candle")
	ErrMalformedCandle    = errors.New("malformed candle")
	ErrInvariantViolation = errors.New("gap invariant violated")
)

const defaultWindowSize = 64

// Config holds ledger parameters.
type Config struct {
	// WindowSize is the number of closed candles kept per key for formation
	// statistics. Detection needs only the last three.
	WindowSize int

	// Strict makes invariant violations panic instead of retiring the gap.
	Strict bool

	Analytics analytics.Config
}

// EventKind is a lifecycle transition of a gap.
type EventKind string

const (
	EventCreated   EventKind = "created"
	EventMitigated EventKind = "mitigated"
	EventRetired   EventKind = "retired"
)

// Event records one lifecycle transition.
type Event struct {
	Kind EventKind
	Gap  model.Gap
	At   time.Time
}

// Result describes what a single closed candle did to a key.
type Result struct {
	Key       model.Key
	Candle    model.Candle
	Created   *model.Gap
	Mitigated []model.Gap
	Retired   []model.Gap
}

// Changed reports whether the candle altered the active gap set.
func (r Result) Changed() bool {
	return r.Created != nil || len(r.Mitigated) > 0 || len(r.Retired) > 0
}

// Events flattens the result into lifecycle events.
func (r Result) Events() []Event {
	at := r.Candle.CloseTime(r.Key.Timeframe)
	events := make([]Event, 0, len(r.Mitigated)+len(r.Retired)+1)
	if r.Created != nil {
		events = append(events, Event{Kind: EventCreated, Gap: *r.Created, At: at})
	}
	for _, g := range r.Mitigated {
		events = append(events, Event{Kind: EventMitigated, Gap: g, At: at})
	}
	for _, g := range r.Retired {
		events = append(events, Event{Kind: EventRetired, Gap: g, At: at})
	}
	return events
}

// Snapshot is an immutable copy of the active gaps of one key.
type Snapshot struct {
	Key        model.Key
	Gaps       []model.Gap
	LastClosed time.Time
	LastPrice  float64
	Version    uint64
}

// series is the mutable state of one key.
type series struct {
	mu         sync.Mutex
	key        model.Key
	window     []model.Candle
	gaps       []*model.Gap
	lastClosed time.Time
	version    uint64
	snap       atomic.Pointer[Snapshot]
}

// Ledger owns the active gaps of every (symbol, timeframe) key.
//
// Each key has exactly one writer at a time. Cross-key readers use Snapshot,
// which never takes a key lock.
type Ledger struct {
	cfg    Config
	mu     sync.RWMutex // guards the series map, not the series
	series map[model.Key]*series
}

// NewLedger creates an empty ledger.
func NewLedger(cfg Config) *Ledger {
	if cfg.WindowSize < 3 {
		cfg.WindowSize = defaultWindowSize
	}
	return &Ledger{
		cfg:    cfg,
		series: make(map[model.Key]*series),
	}
}

func (l *Ledger) get(key model.Key) *series {
	l.mu.RLock()
	s, ok := l.series[key]
	l.mu.RUnlock()
	if ok {
		return s
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if s, ok = l.series[key]; ok {
		return s
	}
	s = &series{key: key}
	s.snap.Store(&Snapshot{Key: key})
	l.series[key] = s
	return s
}

// OnCandleClose applies one closed candle to a key: it detects a new gap,
// then mitigates or retires every active gap against the candle's extremes.
//
// A candle at or before the last applied time is rejected with
// ErrDuplicateCandle or ErrOutOfOrderCandle and leaves the state untouched.
func (l *Ledger) OnCandleClose(key model.Key, candle model.Candle) (Result, error) {
	if !candle.Valid() {
		return Result{Key: key, Candle: candle}, fmt.Errorf("%w: %s at %s", ErrMalformedCandle, key, candle.Time)
	}

	s := l.get(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	return l.apply(s, candle)
}

// Apply feeds ordered candles to a key, skipping those already applied.
// Malformed candles and invariant violations are collected and returned
// after the remaining candles have been applied.
func (l *Ledger) Apply(key model.Key, candles []model.Candle) ([]Result, error) {
	s := l.get(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		results []Result
		errs    []error
	)
	for _, c := range candles {
		if !s.lastClosed.IsZero() && !c.Time.After(s.lastClosed) {
			continue
		}
		if !c.Valid() {
			errs = append(errs, fmt.Errorf("%w: %s at %s", ErrMalformedCandle, key, c.Time))
			continue
		}
		r, err := l.apply(s, c)
		if err != nil {
			errs = append(errs, err)
		}
		results = append(results, r)
	}
	return results, errors.Join(errs...)
}

// apply runs under s.mu.
func (l *Ledger) apply(s *series, candle model.Candle) (Result, error) {
	result := Result{Key: s.key, Candle: candle}

	if !s.lastClosed.IsZero() {
		switch {
		case candle.Time.Equal(s.lastClosed):
			return result, fmt.Errorf("%w: %s at %s", ErrDuplicateCandle, s.key, candle.Time)
		case candle.Time.Before(s.lastClosed):
			return result, fmt.Errorf("%w: %s at %s", ErrOutOfOrderCandle, s.key, candle.Time)
		}
	}

	s.window = append(s.window, candle)
	if over := len(s.window) - l.cfg.WindowSize; over > 0 {
		s.window = append(s.window[:0:0], s.window[over:]...)
	}
	s.lastClosed = candle.Time
	closedAt := candle.CloseTime(s.key.Timeframe)

	if det, ok := Detect(s.window); ok {
		g := &model.Gap{
			ID: model.GapID{
				Symbol:    s.key.Symbol,
				Timeframe: s.key.Timeframe,
				Direction: det.Direction,
				CreatedAt: det.CreatedAt,
			},
			Top:            det.Top,
			Bottom:         det.Bottom,
			OriginalTop:    det.Top,
			OriginalBottom: det.Bottom,
			LastUpdatedAt:  closedAt,
			Formation:      analytics.EstimateFormation(s.window, det.Index, det.Top, det.Bottom, s.key.Timeframe, l.cfg.Analytics),
		}
		s.gaps = append(s.gaps, g)
		created := *g
		result.Created = &created
	}

	var violation error
	active := s.gaps[:0]
	for _, g := range s.gaps {
		retire, changed := mitigate(g, candle)
		switch {
		case retire:
			result.Retired = append(result.Retired, *g)
			continue
		case g.Top <= g.Bottom:
			if l.cfg.Strict {
				panic(fmt.Sprintf("fvg: %s narrowed to top %v <= bottom %v", g.ID, g.Top, g.Bottom))
			}
			violation = errors.Join(violation, fmt.Errorf("%w: %s top %v bottom %v", ErrInvariantViolation, g.ID, g.Top, g.Bottom))
			result.Retired = append(result.Retired, *g)
			continue
		case changed:
			g.LastUpdatedAt = closedAt
			result.Mitigated = append(result.Mitigated, *g)
		}
		active = append(active, g)
	}
	for i := len(active); i < len(s.gaps); i++ {
		s.gaps[i] = nil
	}
	s.gaps = active

	s.publish(candle.Close)
	return result, violation
}

// mitigate applies a candle's extreme to a gap. Retirement is evaluated
// before narrowing, so a narrowed gap always keeps a positive height.
func mitigate(g *model.Gap, c model.Candle) (retire, changed bool) {
	switch g.ID.Direction {
	case model.Bullish:
		if c.Low <= g.Bottom {
			return true, false
		}
		if c.Low < g.Top {
			g.Top = c.Low
			g.Tested = true
			return false, true
		}
	case model.Bearish:
		if c.High >= g.Top {
			return true, false
		}
		if c.High > g.Bottom {
			g.Bottom = c.High
			g.Tested = true
			return false, true
		}
	}
	return false, false
}

// publish stores a fresh snapshot. It runs under s.mu.
func (s *series) publish(lastPrice float64) {
	s.version++
	gaps := make([]model.Gap, len(s.gaps))
	for i, g := range s.gaps {
		gaps[i] = *g
	}
	s.snap.Store(&Snapshot{
		Key:        s.key,
		Gaps:       gaps,
		LastClosed: s.lastClosed,
		LastPrice:  lastPrice,
		Version:    s.version,
	})
}

// Snapshot returns the latest published state of a key without locking it.
func (l *Ledger) Snapshot(key model.Key) Snapshot {
	l.mu.RLock()
	s, ok := l.series[key]
	l.mu.RUnlock()
	if !ok {
		return Snapshot{Key: key}
	}
	return *s.snap.Load()
}

// SymbolSnapshots returns one snapshot per known timeframe of a symbol,
// ordered from shortest to longest timeframe.
func (l *Ledger) SymbolSnapshots(symbol string) []Snapshot {
	l.mu.RLock()
	out := make([]Snapshot, 0, 4)
	for key, s := range l.series {
		if key.Symbol == symbol {
			out = append(out, *s.snap.Load())
		}
	}
	l.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].Key.Timeframe.Rank() < out[j].Key.Timeframe.Rank()
	})
	return out
}

// Symbols returns the symbols that have ledger state.
func (l *Ledger) Symbols() []string {
	l.mu.RLock()
	seen := make(map[string]struct{})
	for key := range l.series {
		seen[key.Symbol] = struct{}{}
	}
	l.mu.RUnlock()

	out := make([]string, 0, len(seen))
	for s := range seen {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// DropSymbol forgets every key of a symbol and returns how many were removed.
func (l *Ledger) DropSymbol(symbol string) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	n := 0
	for key := range l.series {
		if key.Symbol == symbol {
			delete(l.series, key)
			n++
		}
	}
	return n
}
