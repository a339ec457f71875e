package transport

import "time"

// Backoff is a capped exponential delay for reconnect loops. The delay
// doubles per consecutive failure; a connection that stays up for the
// stability span resets it to the initial value.
type Backoff struct {
	Initial       time.Duration
	Max           time.Duration
	StabilitySpan time.Duration

	current time.Duration
}

// Next returns the delay to wait before the next attempt and doubles the
// internal state, capped at Max.
func (b *Backoff) Next() time.Duration {
	if b.current <= 0 {
		b.current = b.Initial
	}
	delay := b.current
	b.current *= 2
	if b.current > b.Max {
		b.current = b.Max
	}
	return delay
}

// Observe resets the backoff when the connection lasted at least the
// stability span. A short-lived connection keeps the grown delay.
func (b *Backoff) Observe(uptime time.Duration) {
	if uptime >= b.StabilitySpan {
		b.current = b.Initial
	}
}

// Reset forces the backoff to its initial value.
func (b *Backoff) Reset() {
	b.current = b.Initial
}
