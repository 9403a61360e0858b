package client

import (
	"sync"
	"time"
)

// Backoff is the reconnect delay schedule: it starts at the floor, doubles
// after every failed attempt up to the ceiling, and drops back to the floor
// on a successful connect. After N consecutive failures Current returns
// min(floor*2^N, ceiling).
type Backoff struct {
	floor   time.Duration
	ceiling time.Duration

	mu       sync.Mutex
	current  time.Duration
	failures int
}

func NewBackoff(floor, ceiling time.Duration) *Backoff {
	if floor <= 0 {
		floor = 500 * time.Millisecond
	}
	if ceiling < floor {
		ceiling = floor
	}
	return &Backoff{floor: floor, ceiling: ceiling, current: floor}
}

// Next records a failed attempt and returns how long to wait before the
// next one.
func (b *Backoff) Next() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	d := b.current
	b.failures++
	b.current = min(b.current*2, b.ceiling)
	return d
}

// Reset returns the schedule to the floor.
func (b *Backoff) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.current = b.floor
	b.failures = 0
}

// Current is the delay the next call to Next will return.
func (b *Backoff) Current() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current
}

// Failures counts attempts since the last Reset.
func (b *Backoff) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}
