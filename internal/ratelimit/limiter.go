package ratelimit

import (
	"context"
	"log"
	"time"
)

// Store keeps one token bucket per key. Implementations can be in-memory
// (single instance) or shared (Redis) so that every instance draws from the
// same bucket.
type Store interface {
	// Allow refills the key's bucket and consumes one token if available.
	Allow(ctx context.Context, key string, capacity, refillRate float64) (allowed bool, remaining float64, err error)
	// Remaining reports the tokens currently available without consuming.
	Remaining(ctx context.Context, key string, capacity, refillRate float64) (float64, error)
	// Reset refills the key's bucket.
	Reset(ctx context.Context, key string) error
	Close() error
}

// Decision is the outcome of a single Allow call, carrying what the HTTP
// layer needs for rate-limit headers.
type Decision struct {
	Allowed   bool
	Limit     float64
	Remaining float64
	// RetryAfter is the wait until one token is available; zero when allowed.
	RetryAfter time.Duration
}

// Limiter applies per-user limits on top of a Store.
type Limiter struct {
	store      Store
	capacity   float64
	refillRate float64
	logger     *log.Logger
}

// Config holds configuration for the rate limiter.
type Config struct {
	// Storage backend (optional, defaults to MemoryStore)
	Store Store

	// Burst capacity and sustained refill in tokens per second.
	Capacity   float64
	RefillRate float64

	Logger *log.Logger
}

// DefaultConfig allows a burst of ten task creations, then one every two
// seconds.
func DefaultConfig() Config {
	return Config{Capacity: 10, RefillRate: 0.5}
}

// NewLimiter creates a new rate limiter with the given configuration.
func NewLimiter(cfg Config) *Limiter {
	def := DefaultConfig()
	if cfg.Capacity <= 0 {
		cfg.Capacity = def.Capacity
	}
	if cfg.RefillRate <= 0 {
		cfg.RefillRate = def.RefillRate
	}
	store := cfg.Store
	if store == nil {
		store = NewMemoryStore()
	}
	return &Limiter{
		store:      store,
		capacity:   cfg.Capacity,
		refillRate: cfg.RefillRate,
		logger:     cfg.Logger,
	}
}

// Allow spends one token from key's bucket. An empty key is never limited.
// Store errors fail open.
func (l *Limiter) Allow(ctx context.Context, key string) Decision {
	if key == "" {
		return Decision{Allowed: true, Limit: l.capacity, Remaining: l.capacity}
	}
	allowed, remaining, err := l.store.Allow(ctx, key, l.capacity, l.refillRate)
	if err != nil {
		if l.logger != nil {
			l.logger.Printf("ratelimit: store error for %s, allowing: %v", key, err)
		}
		return Decision{Allowed: true, Limit: l.capacity, Remaining: l.capacity}
	}
	d := Decision{Allowed: allowed, Limit: l.capacity, Remaining: remaining}
	if !allowed {
		d.RetryAfter = waitFor(1-remaining, l.refillRate)
	}
	return d
}

// Remaining returns the number of tokens remaining for key.
func (l *Limiter) Remaining(ctx context.Context, key string) float64 {
	if key == "" {
		return l.capacity
	}
	remaining, err := l.store.Remaining(ctx, key, l.capacity, l.refillRate)
	if err != nil {
		return l.capacity
	}
	return remaining
}

// ResetAfter returns how long until key's bucket is full again.
func (l *Limiter) ResetAfter(remaining float64) time.Duration {
	return waitFor(l.capacity-remaining, l.refillRate)
}

// Reset refills key's bucket.
func (l *Limiter) Reset(ctx context.Context, key string) error {
	return l.store.Reset(ctx, key)
}

// Close stops the limiter and releases resources.
func (l *Limiter) Close() error {
	return l.store.Close()
}

func waitFor(tokens, refillRate float64) time.Duration {
	if tokens <= 0 || refillRate <= 0 {
		return 0
	}
	return time.Duration(tokens / refillRate * float64(time.Second))
}
