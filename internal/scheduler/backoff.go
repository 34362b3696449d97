package scheduler

import (
	"math"
	"math/rand/v2"
	"sync"
	"time"
)

// Backoff computes retry delays as base*2^retry plus a jitter drawn uniformly
// from [-base, +base], clamped to [0, max].
type Backoff struct {
	base time.Duration
	max  time.Duration

	mu  sync.Mutex
	rng *rand.Rand
}

// NewBackoff builds a Backoff. A zero seed derives one from the wall clock.
func NewBackoff(base, maxDelay time.Duration, seed uint64) *Backoff {
	if base <= 0 {
		base = 2 * time.Second
	}
	if maxDelay < base {
		maxDelay = base
	}
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	return &Backoff{
		base: base,
		max:  maxDelay,
		rng:  rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
	}
}

// Delay returns the wait before retry number retryCount+1.
func (b *Backoff) Delay(retryCount int) time.Duration {
	b.mu.Lock()
	jitter := time.Duration(b.rng.Int64N(int64(2*b.base)+1)) - b.base
	b.mu.Unlock()
	return b.delayWithJitter(retryCount, jitter)
}

func (b *Backoff) delayWithJitter(retryCount int, jitter time.Duration) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	exp := float64(b.base) * math.Pow(2, float64(retryCount))
	if exp > float64(b.max) {
		exp = float64(b.max)
	}
	delay := time.Duration(exp) + jitter
	if delay < 0 {
		delay = 0
	}
	if delay > b.max {
		delay = b.max
	}
	return delay
}
