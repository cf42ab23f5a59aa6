package ratelimit

import (
	"sync"
	"time"
)

const nanoTokensPerToken int64 = int64(time.Second) // 1e9

const maxInt64 = int64(^uint64(0) >> 1)

// TokenBucket is a deterministic token bucket that refills at an integer
// rate (tokens/sec) using a provided Clock.
//
// Tokens are tracked as fixed-point nano-tokens (1 token = 1e9) so a rate of
// X tokens/sec adds exactly X nano-tokens per elapsed nanosecond.
//
// The signaling endpoint uses one bucket per connection as a transport-level
// flood guard, independent of the per-participant chat limits.
type TokenBucket struct {
	mu    sync.Mutex
	clock Clock

	capacity int64 // nano-tokens
	fillRate int64 // tokens/sec == nano-tokens/ns

	available int64
	last      time.Time
}

func NewTokenBucket(clock Clock, capacityTokens, fillRate int64) *TokenBucket {
	if clock == nil {
		clock = RealClock{}
	}
	if fillRate < 0 {
		fillRate = 0
	}
	capacity := toNano(capacityTokens)
	return &TokenBucket{
		clock:     clock,
		capacity:  capacity,
		fillRate:  fillRate,
		available: capacity,
		last:      clock.Now(),
	}
}

// Allow consumes the provided number of tokens if available.
//
// tokens <= 0 always succeeds.
func (b *TokenBucket) Allow(tokens int64) bool {
	if tokens <= 0 {
		return true
	}
	cost := toNano(tokens)

	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked()
	if b.available < cost {
		return false
	}
	b.available -= cost
	return true
}

// RetryAfter reports how long a caller must wait before one token becomes
// available. It returns 0 when a token is available now and -1 when the
// bucket never refills.
func (b *TokenBucket) RetryAfter() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked()
	missing := nanoTokensPerToken - b.available
	if missing <= 0 {
		return 0
	}
	if b.fillRate <= 0 || b.capacity < nanoTokensPerToken {
		return -1
	}
	return time.Duration((missing + b.fillRate - 1) / b.fillRate)
}

func (b *TokenBucket) refillLocked() {
	now := b.clock.Now()
	if now.Before(b.last) {
		// Time went backwards; move the reference point without refilling.
		b.last = now
		return
	}
	elapsed := now.Sub(b.last).Nanoseconds()
	b.last = now
	if elapsed <= 0 || b.fillRate <= 0 || b.available >= b.capacity {
		if b.available > b.capacity {
			b.available = b.capacity
		}
		return
	}

	need := b.capacity - b.available
	// Clamp before multiplying so elapsed*rate cannot overflow.
	if elapsed >= need/b.fillRate {
		b.available = b.capacity
		return
	}
	b.available += elapsed * b.fillRate
	if b.available > b.capacity {
		b.available = b.capacity
	}
}

func toNano(tokens int64) int64 {
	if tokens <= 0 {
		return 0
	}
	if tokens > maxInt64/nanoTokensPerToken {
		return maxInt64
	}
	return tokens * nanoTokensPerToken
}
