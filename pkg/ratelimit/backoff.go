package ratelimit

import (
	"sync"
	"time"
)

const (
	DefaultBackoffBase = 1 * time.Second
	DefaultBackoffMax  = 60 * time.Second
)

// Backoff is the doubling delay applied when the reconnect budget is
// spent. It is reset to its base whenever a rate check passes.
type Backoff struct {
	base time.Duration
	max  time.Duration

	mu      sync.Mutex
	current time.Duration
}

// NewBackoff returns a Backoff starting at base and capped at max.
func NewBackoff(base, max time.Duration) *Backoff {
	if base <= 0 {
		base = DefaultBackoffBase
	}
	if max < base {
		max = base
	}
	return &Backoff{base: base, max: max, current: base}
}

// Next returns the delay to wait now and doubles the following one.
func (b *Backoff) Next() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	d := b.current
	b.current *= 2
	if b.current > b.max {
		b.current = b.max
	}
	return d
}

// Reset returns the backoff to its base delay.
func (b *Backoff) Reset() {
	b.mu.Lock()
	b.current = b.base
	b.mu.Unlock()
}

// Current returns the delay the next call to Next would return.
func (b *Backoff) Current() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current
}
