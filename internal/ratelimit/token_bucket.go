package ratelimit

import "time"

// bucket is one key's token bucket. It is not safe for concurrent use; the
// owning store serializes access.
type bucket struct {
	capacity   float64
	refillRate float64 // tokens per second
	tokens     float64
	updated    time.Time
}

func newBucket(capacity, refillRate float64, now time.Time) *bucket {
	return &bucket{capacity: capacity, refillRate: refillRate, tokens: capacity, updated: now}
}

// configure applies new limits. Tokens above a lowered capacity are lost.
func (b *bucket) configure(capacity, refillRate float64) {
	b.capacity = capacity
	b.refillRate = refillRate
	b.tokens = min(b.tokens, capacity)
}

func (b *bucket) refill(now time.Time) {
	elapsed := now.Sub(b.updated).Seconds()
	if elapsed <= 0 {
		return
	}
	b.tokens = min(b.capacity, b.tokens+elapsed*b.refillRate)
	b.updated = now
}

// take spends n tokens if the bucket holds them and returns the level left.
// A denied take spends nothing.
func (b *bucket) take(n float64, now time.Time) (bool, float64) {
	b.refill(now)
	if b.tokens < n {
		return false, b.tokens
	}
	b.tokens -= n
	return true, b.tokens
}

func (b *bucket) level(now time.Time) float64 {
	b.refill(now)
	return b.tokens
}

// full reports whether the bucket has refilled completely, which makes it
// indistinguishable from a fresh one.
func (b *bucket) full(now time.Time) bool {
	return b.level(now) >= b.capacity
}
