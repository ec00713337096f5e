package ratelimit

import (
	"sync"
	"time"
)

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

// TokenBucket is a deterministic token bucket refilling at an integer rate
// (tokens/sec) from the provided Clock.
//
// Refill uses fixed-point nano-tokens (1 token = 1e9 nano-tokens) so a rate
// of X tokens/sec adds exactly X nano-tokens per elapsed nanosecond, with no
// float rounding.
type TokenBucket struct {
	mu sync.Mutex

	clock Clock

	capacity int64 // tokens
	rate     int64 // tokens/sec

	available int64 // nano-tokens
	last      time.Time
}

const nanoPerToken = int64(time.Second)

func NewTokenBucket(clock Clock, capacity, rate int64) *TokenBucket {
	if clock == nil {
		clock = RealClock{}
	}
	if capacity < 0 {
		capacity = 0
	}
	if rate < 0 {
		rate = 0
	}
	return &TokenBucket{
		clock:     clock,
		capacity:  capacity,
		rate:      rate,
		available: saturatingNano(capacity),
		last:      clock.Now(),
	}
}

// Allow consumes n tokens if available. n <= 0 always succeeds.
func (b *TokenBucket) Allow(n int64) bool {
	if n <= 0 {
		return true
	}
	cost := saturatingNano(n)

	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked()
	if b.available < cost {
		return false
	}
	b.available -= cost
	return true
}

func (b *TokenBucket) refillLocked() {
	now := b.clock.Now()
	if now.Before(b.last) {
		// Time went backwards; move the reference point without refilling.
		b.last = now
		return
	}
	elapsed := now.Sub(b.last).Nanoseconds()
	if elapsed <= 0 {
		return
	}
	b.last = now

	if b.rate <= 0 || b.capacity <= 0 {
		return
	}

	capNano := saturatingNano(b.capacity)
	if b.available >= capNano {
		b.available = capNano
		return
	}

	// rate tokens/sec equals rate nano-tokens/ns under the fixed-point
	// representation. Clamp to capacity before multiplying to avoid overflow.
	need := capNano - b.available
	if fill := need / b.rate; fill <= 0 || elapsed >= fill {
		b.available = capNano
		return
	}
	b.available += elapsed * b.rate
	if b.available > capNano {
		b.available = capNano
	}
}

func saturatingNano(tokens int64) int64 {
	if tokens <= 0 {
		return 0
	}
	const maxInt64 = int64(^uint64(0) >> 1)
	if tokens > maxInt64/nanoPerToken {
		return maxInt64
	}
	return tokens * nanoPerToken
}
