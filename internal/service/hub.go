// Package service provides the delivery side of the gap scanner.
//
// The hub component implements a fan-out distribution system that delivers
// price ticks immediately and gap records in throttled batches to many
// subscribers, while handling slow clients gracefully.
package service

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"fvgscanner/internal/model"
	"fvgscanner/internal/utils"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Error definitions for hub operations
var (
	ErrHubNotStarted     = errors.New("hub not started")
	ErrHubAlreadyStarted = errors.New("hub already started")
	ErrHubBusy           = errors.New("hub request channel is full")
)

// Subscriber represents a client subscription to a set of symbols.
//
// Each subscriber owns a buffered channel of messages. An empty symbol set
// receives every symbol.
type Subscriber struct {
	id      string
	ch      chan model.Message
	symbols map[string]struct{}
	dropped atomic.Int64
}

// ID returns the unique subscriber identifier.
func (s *Subscriber) ID() string {
	return s.id
}

// C returns the delivery channel. It is closed when the subscriber is removed.
func (s *Subscriber) C() <-chan model.Message {
	return s.ch
}

// Dropped returns how many messages were discarded because the subscriber
// was too slow.
func (s *Subscriber) Dropped() int64 {
	return s.dropped.Load()
}

func (s *Subscriber) wants(symbol string) bool {
	if len(s.symbols) == 0 {
		return true
	}
	_, ok := s.symbols[symbol]
	return ok
}

// HubConfig holds configuration parameters for the Hub.
type HubConfig struct {
	MaxSymbolsAllowed int           // Maximum symbols per subscription, 0 for no limit
	BufferSize        int           // Per-subscriber channel capacity
	FlushInterval     time.Duration // Minimum interval between record batches
	MaxBatch          int           // Records taken from the queue per flush
	QueueSize         int           // Pending record capacity before the oldest are dropped
}

// DefaultHubConfig returns the delivery parameters used by the server.
func DefaultHubConfig() HubConfig {
	return HubConfig{
		MaxSymbolsAllowed: 0,
		BufferSize:        100,
		FlushInterval:     800 * time.Millisecond,
		MaxBatch:          50,
		QueueSize:         10_000,
	}
}

// Hub distributes price ticks and gap records to subscribers.
//
// A single goroutine owns the subscriber map and the pending record queue.
// Callers interact with it only through channels.
type Hub struct {
	cfg              HubConfig
	subscribers      map[string]*Subscriber // owned by the run goroutine
	queue            []model.GapRecord      // owned by the run goroutine
	pending          map[gapKey]int         // queue position per gap, owned by the run goroutine
	subscriptionCh   chan *Subscriber
	unsubscriptionCh chan *Subscriber
	priceCh          chan model.PriceTick
	recordCh         chan []model.GapRecord
	done             chan struct{}
	started          atomic.Bool
	active           atomic.Int64
}

// NewHub creates a stopped hub.
func NewHub(cfg HubConfig) *Hub {
	def := DefaultHubConfig()
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = def.BufferSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = def.FlushInterval
	}
	if cfg.MaxBatch <= 0 {
		cfg.MaxBatch = def.MaxBatch
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}

	return &Hub{
		cfg:              cfg,
		subscribers:      make(map[string]*Subscriber),
		pending:          make(map[gapKey]int),
		subscriptionCh:   make(chan *Subscriber, 10),
		unsubscriptionCh: make(chan *Subscriber, 64),
		priceCh:          make(chan model.PriceTick, 1024),
		recordCh:         make(chan []model.GapRecord, 64),
		done:             make(chan struct{}),
	}
}

// Subscribe registers a subscriber for the given symbols.
// An empty list subscribes to every symbol.
func (h *Hub) Subscribe(symbols []string) (*Subscriber, error) {
	if !h.running() {
		return nil, ErrHubNotStarted
	}

	symbols = utils.NormalizeSymbols(symbols)
	if len(symbols) > 0 {
		if err := utils.ValidateSymbols(symbols, h.cfg.MaxSymbolsAllowed); err != nil {
			return nil, err
		}
	}

	symSet := make(map[string]struct{}, len(symbols))
	for _, s := range symbols {
		symSet[s] = struct{}{}
	}

	sub := &Subscriber{
		id:      uuid.NewString(),
		ch:      make(chan model.Message, h.cfg.BufferSize),
		symbols: symSet,
	}

	select {
	case h.subscriptionCh <- sub:
	case <-h.done:
		return nil, ErrHubNotStarted
	default:
		return nil, fmt.Errorf("subscribe %s: %w", sub.id, ErrHubBusy)
	}
	return sub, nil
}

// Unsubscribe removes a subscriber and closes its channel.
// It is safe to call more than once.
func (h *Hub) Unsubscribe(sub *Subscriber) error {
	if sub == nil {
		return nil
	}
	select {
	case h.unsubscriptionCh <- sub:
		return nil
	case <-h.done:
		return nil
	default:
		return fmt.Errorf("unsubscribe %s: %w", sub.id, ErrHubBusy)
	}
}

// Len returns the number of registered subscribers.
func (h *Hub) Len() int {
	return int(h.active.Load())
}

// PublishPrice hands a price tick to the hub for immediate delivery.
// Ticks are dropped when the hub is saturated.
func (h *Hub) PublishPrice(tick model.PriceTick) {
	if !h.started.Load() {
		return
	}
	select {
	case h.priceCh <- tick:
	default:
		log.Warn().Str("symbol", tick.Symbol).Msg("price channel full, dropping tick")
	}
}

// PublishRecords enqueues gap records for batched delivery. It blocks until
// the hub accepts them, the hub stops, or ctx is done.
func (h *Hub) PublishRecords(ctx context.Context, records []model.GapRecord) error {
	if len(records) == 0 {
		return nil
	}
	if !h.running() {
		return ErrHubNotStarted
	}
	select {
	case h.recordCh <- records:
		return nil
	case <-h.done:
		return ErrHubNotStarted
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Start launches the hub goroutine. It stops when ctx is cancelled, closing
// every subscriber channel.
func (h *Hub) Start(ctx context.Context) error {
	if !h.started.CompareAndSwap(false, true) {
		return ErrHubAlreadyStarted
	}

	go h.run(ctx)
	return nil
}

func (h *Hub) running() bool {
	if !h.started.Load() {
		return false
	}
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

// Done is closed after the hub goroutine has exited.
func (h *Hub) Done() <-chan struct{} {
	return h.done
}

func (h *Hub) run(ctx context.Context) {
	ticker := time.NewTicker(h.cfg.FlushInterval)

	defer func() {
		ticker.Stop()
		for _, sub := range h.subscribers {
			close(sub.ch)
		}
		h.subscribers = make(map[string]*Subscriber)
		h.active.Store(0)
		close(h.done)
	}()

	for {
		select {
		case <-ctx.Done():
			log.Info().Int("pending", len(h.queue)).Msg("hub stopped")
			return
		case sub := <-h.subscriptionCh:
			h.subscribers[sub.id] = sub
			h.active.Store(int64(len(h.subscribers)))
		case sub := <-h.unsubscriptionCh:
			h.remove(sub)
		case tick := <-h.priceCh:
			h.dispatchPrice(tick)
		case records := <-h.recordCh:
			h.enqueue(records)
		case <-ticker.C:
			h.flush()
		}
	}
}

func (h *Hub) remove(sub *Subscriber) {
	if _, ok := h.subscribers[sub.id]; ok {
		delete(h.subscribers, sub.id)
		close(sub.ch)
		h.active.Store(int64(len(h.subscribers)))
	}
}

func (h *Hub) dispatchPrice(tick model.PriceTick) {
	msg := model.Message{Type: model.MessageTypePrice, Price: &tick, Sent: time.Now().UTC()}
	for _, sub := range h.subscribers {
		if sub.wants(tick.Symbol) {
			h.deliver(sub, msg)
		}
	}
}

// enqueue queues records. A record for a gap that is already pending
// replaces the queued one in place. The oldest pending records beyond
// QueueSize are dropped.
func (h *Hub) enqueue(records []model.GapRecord) {
	for _, r := range records {
		id := recordID(r)
		if i, ok := h.pending[id]; ok {
			h.queue[i] = r
			continue
		}
		h.pending[id] = len(h.queue)
		h.queue = append(h.queue, r)
	}
	if over := len(h.queue) - h.cfg.QueueSize; over > 0 {
		log.Warn().Int("dropped", over).Msg("record queue full, dropping oldest records")
		h.queue = append(h.queue[:0:0], h.queue[over:]...)
		h.reindex()
	}
}

// gapKey identifies the gap a record describes.
type gapKey struct {
	symbol, timeframe, direction string
	createdAt                    int64
}

func recordID(r model.GapRecord) gapKey {
	return gapKey{symbol: r.Symbol, timeframe: r.Timeframe, direction: r.Direction, createdAt: r.CreatedAt}
}

// reindex rebuilds the queue positions of pending gaps.
func (h *Hub) reindex() {
	clear(h.pending)
	for i, r := range h.queue {
		h.pending[recordID(r)] = i
	}
}

// flush sends at most MaxBatch records from the front of the queue.
func (h *Hub) flush() {
	if len(h.queue) == 0 {
		return
	}

	n := min(len(h.queue), h.cfg.MaxBatch)
	batch := h.queue[:n]
	h.queue = h.queue[n:]
	if len(h.queue) == 0 {
		h.queue = nil
	}
	h.reindex()

	now := time.Now().UTC()
	for _, sub := range h.subscribers {
		var gaps []model.GapRecord
		for _, r := range batch {
			if sub.wants(r.Symbol) {
				gaps = append(gaps, r)
			}
		}
		if len(gaps) > 0 {
			h.deliver(sub, model.Message{Type: model.MessageTypeGaps, Gaps: gaps, Sent: now})
		}
	}
}

// deliver never blocks. When the subscriber channel is full the oldest
// buffered message is dropped to make room.
func (h *Hub) deliver(sub *Subscriber, msg model.Message) {
	select {
	case sub.ch <- msg:
		return
	default:
	}

	select {
	case <-sub.ch:
		sub.dropped.Add(1)
		log.Debug().Str("subscriber", sub.id).Msg("subscriber is too slow, dropping oldest buffered message")
	default:
	}

	select {
	case sub.ch <- msg:
	default:
		sub.dropped.Add(1)
	}
}
