package scheduler

import (
	"math"
	"sync"
	"time"
)

type triggerState struct {
	price float64
	at    time.Time
}

// priceTrigger decides when a price move warrants a targeted rescan.
type priceTrigger struct {
	thresholdPct float64
	cooldown     time.Duration

	mu   sync.Mutex
	last map[string]triggerState
}

func newPriceTrigger(thresholdPct float64, cooldown time.Duration) *priceTrigger {
	return &priceTrigger{
		thresholdPct: thresholdPct,
		cooldown:     cooldown,
		last:         make(map[string]triggerState),
	}
}

// Observe records a price and reports whether it moved more than the
// threshold since the last trigger, with the cooldown elapsed. The first
// observation of a symbol only sets its baseline.
func (t *priceTrigger) Observe(symbol string, price float64, now time.Time) bool {
	if price <= 0 || math.IsNaN(price) || math.IsInf(price, 0) {
		return false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	prev, ok := t.last[symbol]
	if !ok {
		t.last[symbol] = triggerState{price: price, at: now}
		return false
	}

	move := math.Abs(price-prev.price) / prev.price * 100
	if move <= t.thresholdPct || now.Sub(prev.at) < t.cooldown {
		return false
	}

	t.last[symbol] = triggerState{price: price, at: now}
	return true
}

func (t *priceTrigger) Forget(symbol string) {
	t.mu.Lock()
	delete(t.last, symbol)
	t.mu.Unlock()
}
