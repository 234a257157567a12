package ratelimit

import (
	"context"
	"sync"
	"time"
)

const defaultCleanupInterval = 5 * time.Minute

// MemoryStore keeps buckets in process memory. Limits are per instance;
// deployments with several instances use RedisStore.
type MemoryStore struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	now     func() time.Time

	stop      chan struct{}
	closeOnce sync.Once
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return NewMemoryStoreWithCleanup(defaultCleanupInterval)
}

// NewMemoryStoreWithCleanup drops idle buckets every interval. A
// non-positive interval disables the sweep.
func NewMemoryStoreWithCleanup(interval time.Duration) *MemoryStore {
	s := &MemoryStore{
		buckets: make(map[string]*bucket),
		now:     time.Now,
		stop:    make(chan struct{}),
	}
	if interval > 0 {
		go s.sweep(interval)
	}
	return s
}

func (s *MemoryStore) Allow(_ context.Context, key string, capacity, refillRate float64) (bool, float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	ok, left := s.bucketLocked(key, capacity, refillRate, now).take(1, now)
	return ok, left, nil
}

func (s *MemoryStore) Remaining(_ context.Context, key string, capacity, refillRate float64) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.buckets[key]
	if !ok {
		return capacity, nil
	}
	b.configure(capacity, refillRate)
	return b.level(s.now()), nil
}

func (s *MemoryStore) Reset(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.buckets, key)
	s.mu.Unlock()
	return nil
}

// Close stops the background sweep.
func (s *MemoryStore) Close() error {
	s.closeOnce.Do(func() { close(s.stop) })
	return nil
}

// Len reports the number of live buckets.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buckets)
}

func (s *MemoryStore) bucketLocked(key string, capacity, refillRate float64, now time.Time) *bucket {
	b, ok := s.buckets[key]
	if !ok {
		b = newBucket(capacity, refillRate, now)
		s.buckets[key] = b
		return b
	}
	if b.capacity != capacity || b.refillRate != refillRate {
		b.configure(capacity, refillRate)
	}
	return b
}

func (s *MemoryStore) sweep(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.cleanup()
		case <-s.stop:
			return
		}
	}
}

// cleanup drops buckets that have refilled; they carry no state.
func (s *MemoryStore) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for key, b := range s.buckets {
		if b.full(now) {
			delete(s.buckets, key)
		}
	}
}
