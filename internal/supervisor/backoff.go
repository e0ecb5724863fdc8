package supervisor

import (
	"math/rand/v2"
	"time"
)

// Backoff computes reconnect delays: exponential doubling from Base, capped
// at Cap, with full jitter so simultaneous reconnects spread out.
type Backoff struct {
	Base time.Duration
	Cap  time.Duration
}

// Ceil returns the un-jittered delay ceiling for the given attempt (1-based):
// Base * 2^(attempt-1), capped at Cap.
func (b Backoff) Ceil(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := b.Base
	if base <= 0 {
		base = time.Second
	}
	ceil := base
	for i := 1; i < attempt; i++ {
		ceil *= 2
		if b.Cap > 0 && ceil >= b.Cap {
			return b.Cap
		}
	}
	if b.Cap > 0 && ceil > b.Cap {
		return b.Cap
	}
	return ceil
}

// Next returns the jittered delay for the given attempt: uniform in
// (0, Ceil(attempt)].
func (b Backoff) Next(attempt int) time.Duration {
	ceil := b.Ceil(attempt)
	if ceil <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(ceil))) + 1
}
