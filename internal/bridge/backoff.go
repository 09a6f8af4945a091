package bridge

import "time"

// Backoff implements the doubling-with-cap reconnect strategy: adapted from
// the relay client's ws.Backoff, with the cap raised from the wing's 10s to
// the 30s this system's bridge reconnect contract calls for (1, 2, 4, 8,
// 16, 30, 30, ...).
type Backoff struct {
	Base    time.Duration
	Max     time.Duration
	attempt int
}

// NewBackoff returns a Backoff starting at base, capped at max.
func NewBackoff(base, max time.Duration) *Backoff {
	return &Backoff{Base: base, Max: max}
}

// Next returns the next delay and advances the attempt counter.
func (b *Backoff) Next() time.Duration {
	d := b.Base << b.attempt
	if d > b.Max || d <= 0 {
		d = b.Max
	}
	b.attempt++
	return d
}

// Reset restarts the sequence from Base, called after a successful connect.
func (b *Backoff) Reset() {
	b.attempt = 0
}
