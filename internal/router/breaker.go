package router

import (
	"sync"
	"time"

	"github.com/Mysticmarks/LLM-Runner-Router-sub005/internal/metrics"
)

// breakerState is the classic three-state circuit.
type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

// breaker tracks one model's recent outcomes in a fixed ring. The circuit
// opens when the window is full and the error ratio crosses the threshold;
// after the cooldown a single probe request is let through, and its outcome
// decides between reset and reopen.
type breaker struct {
	modelID   string
	window    []bool // true = error
	threshold float64
	cooldown  time.Duration

	mu       sync.Mutex
	idx      int
	filled   int
	errors   int
	state    breakerState
	openedAt time.Time
	probing  bool
}

func newBreaker(modelID string, window int, threshold float64, cooldown time.Duration) *breaker {
	return &breaker{
		modelID:   modelID,
		window:    make([]bool, window),
		threshold: threshold,
		cooldown:  cooldown,
	}
}

// Allow reports whether a request may be routed to the model. In the open
// state exactly one caller per cooldown expiry is admitted as the probe.
func (b *breaker) Allow(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case breakerClosed:
		return true
	case breakerHalfOpen:
		// One probe at a time.
		if b.probing {
			return false
		}
		b.probing = true
		return true
	default: // open
		if now.Sub(b.openedAt) < b.cooldown {
			return false
		}
		b.state = breakerHalfOpen
		b.probing = true
		return true
	}
}

// Record folds one outcome into the window and advances the state machine.
func (b *breaker) Record(failed bool, now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == breakerHalfOpen {
		b.probing = false
		if failed {
			b.reopen(now)
		} else {
			b.reset()
		}
		return
	}

	if b.filled == len(b.window) {
		if b.window[b.idx] {
			b.errors--
		}
	} else {
		b.filled++
	}
	b.window[b.idx] = failed
	if failed {
		b.errors++
	}
	b.idx = (b.idx + 1) % len(b.window)

	if b.state == breakerClosed && b.filled == len(b.window) &&
		float64(b.errors)/float64(b.filled) > b.threshold {
		b.reopen(now)
	}
}

// Tripped reports whether the circuit is currently refusing traffic.
func (b *breaker) Tripped(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state == breakerOpen && now.Sub(b.openedAt) < b.cooldown
}

func (b *breaker) reopen(now time.Time) {
	b.state = breakerOpen
	b.openedAt = now
	metrics.BreakerOpen.WithLabelValues(b.modelID).Set(1)
}

func (b *breaker) reset() {
	b.state = breakerClosed
	for i := range b.window {
		b.window[i] = false
	}
	b.idx, b.filled, b.errors = 0, 0, 0
	metrics.BreakerOpen.WithLabelValues(b.modelID).Set(0)
}
