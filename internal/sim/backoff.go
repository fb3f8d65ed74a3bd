package sim

import (
	"math"
	"math/rand"
	"sync"
	"time"
)

// Backoff computes reconnect delays for the simulator: exponential
// growth from Min by Factor per attempt, clamped to Max, with a
// uniform random spread of ±Jitter so a fleet of simulators restarted
// together does not hammer the server in lockstep.
type Backoff struct {
	Min    time.Duration
	Max    time.Duration
	Factor float64
	Jitter float64 // fraction of the delay, 0.25 means ±25%

	mu      sync.Mutex
	attempt int
}

// DefaultBackoff returns the reconnect policy the simulator binary
// ships with: 100ms doubling up to 60s, ±25% jitter.
func DefaultBackoff() *Backoff {
	return &Backoff{
		Min:    100 * time.Millisecond,
		Max:    60 * time.Second,
		Factor: 2.0,
		Jitter: 0.25,
	}
}

// Duration returns the delay for the current attempt and advances the
// counter. The jittered value always lands inside [Min, Max].
func (b *Backoff) Duration() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	// Cap the exponential term before jittering so the spread is
	// centered on the capped value rather than an ever-growing one.
	d := math.Min(float64(b.Min)*math.Pow(b.Factor, float64(b.attempt)), float64(b.Max))

	if b.Jitter > 0 {
		d += d * b.Jitter * (2*rand.Float64() - 1)
	}
	d = math.Max(d, float64(b.Min))
	d = math.Min(d, float64(b.Max))

	b.attempt++
	return time.Duration(d)
}

// Reset rewinds to the first attempt. The simulator calls it after
// every successful handshake so a later drop starts the ladder over.
func (b *Backoff) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.attempt = 0
}

// Attempt reports how many delays have been handed out since the last
// Reset.
func (b *Backoff) Attempt() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempt
}
