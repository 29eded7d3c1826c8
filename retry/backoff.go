package retry

import (
	"context"
	"math/rand/v2"
	"time"
)

// Default backoff values.
const (
	DefaultBaseDelay   = time.Second
	DefaultMaxBackoff  = 30 * time.Second
	DefaultJitter      = time.Second
	DefaultMaxExponent = 5
)

// Backoff computes capped exponential delays:
//
//	delay(attempt) = min(Base * 2^min(attempt, MaxExponent), Max) + rand[0, Jitter)
//
// Attempts count from zero and callers reset them to zero after a success.
type Backoff struct {
	Base        time.Duration
	Max         time.Duration
	Jitter      time.Duration
	MaxExponent int

	// Rand returns a value in [0, 1). Defaults to math/rand/v2.
	Rand func() float64
}

// DefaultBackoff returns a Backoff with a 1s base, 30s ceiling and up to 1s jitter.
func DefaultBackoff() Backoff {
	return Backoff{
		Base:        DefaultBaseDelay,
		Max:         DefaultMaxBackoff,
		Jitter:      DefaultJitter,
		MaxExponent: DefaultMaxExponent,
	}
}

func (b Backoff) withDefaults() Backoff {
	if b.Base <= 0 {
		b.Base = DefaultBaseDelay
	}
	if b.Max <= 0 {
		b.Max = DefaultMaxBackoff
	}
	if b.Max < b.Base {
		b.Max = b.Base
	}
	if b.Jitter < 0 {
		b.Jitter = 0
	}
	if b.MaxExponent <= 0 {
		b.MaxExponent = DefaultMaxExponent
	}
	if b.Rand == nil {
		b.Rand = rand.Float64
	}
	return b
}

// Step returns the deterministic part of the delay for attempt.
// It is non-decreasing in attempt and never exceeds Max.
func (b Backoff) Step(attempt int) time.Duration {
	b = b.withDefaults()
	exp := min(max(attempt, 0), b.MaxExponent)
	d := b.Base
	for i := 0; i < exp; i++ {
		d *= 2
		if d >= b.Max {
			return b.Max
		}
	}
	return min(d, b.Max)
}

// Delay returns Step(attempt) plus a random jitter in [0, Jitter).
func (b Backoff) Delay(attempt int) time.Duration {
	b = b.withDefaults()
	d := b.Step(attempt)
	if b.Jitter > 0 {
		d += time.Duration(b.Rand() * float64(b.Jitter))
	}
	return d
}

// Sleep waits for d or until ctx is done, whichever comes first.
// Returns ctx.Err() when interrupted.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
