package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func TestBucketTakeAndRefill(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	b := newBucket(2, 0.5, clock.now())

	for i := 0; i < 2; i++ {
		if ok, _ := b.take(1, clock.now()); !ok {
			t.Fatalf("request %d of the burst should pass", i)
		}
	}
	if ok, left := b.take(1, clock.now()); ok || left != 0 {
		t.Fatalf("third request should be denied with nothing left, got %v %v", ok, left)
	}

	clock.advance(time.Second)
	if ok, _ := b.take(1, clock.now()); ok {
		t.Fatal("half a token is not enough")
	}
	clock.advance(time.Second)
	if ok, _ := b.take(1, clock.now()); !ok {
		t.Fatal("a full token should have refilled")
	}

	clock.advance(time.Hour)
	if got := b.level(clock.now()); got != 2 {
		t.Fatalf("refill must cap at capacity, got %v", got)
	}
	if !b.full(clock.now()) {
		t.Fatal("a refilled bucket is full")
	}
}

func TestBucketDeniedTakeSpendsNothing(t *testing.T) {
	now := time.Unix(0, 0)
	b := newBucket(10, 1, now)
	if ok, _ := b.take(7, now); !ok {
		t.Fatal("7 of 10 should pass")
	}
	if ok, left := b.take(4, now); ok || left != 3 {
		t.Fatalf("4 of the remaining 3 should be denied untouched, got %v %v", ok, left)
	}
}

func TestBucketConfigureClampsTokens(t *testing.T) {
	now := time.Unix(0, 0)
	b := newBucket(10, 1, now)
	b.configure(4, 2)
	if got := b.level(now); got != 4 {
		t.Fatalf("lowered capacity should clamp tokens, got %v", got)
	}
	_, _ = b.take(4, now)
	if got := b.level(now.Add(time.Second)); got != 2 {
		t.Fatalf("new refill rate should apply, got %v", got)
	}
}

func TestMemoryStoreConcurrentAllow(t *testing.T) {
	store := NewMemoryStoreWithCleanup(0)
	defer store.Close()
	var (
		wg      sync.WaitGroup
		allowed atomic.Int64
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				if ok, _, _ := store.Allow(context.Background(), "k", 100, 0.0001); ok {
					allowed.Add(1)
				}
			}
		}()
	}
	wg.Wait()
	if got := allowed.Load(); got != 100 {
		t.Fatalf("expected exactly 100 allowed, got %d", got)
	}
}

func TestMemoryStoreCleanupAndReset(t *testing.T) {
	clock := &fakeClock{t: time.Unix(0, 0)}
	store := NewMemoryStoreWithCleanup(0)
	store.now = clock.now
	defer store.Close()
	ctx := context.Background()

	_, _, _ = store.Allow(ctx, "idle", 5, 1)
	_, _, _ = store.Allow(ctx, "busy", 5, 0.001)
	clock.advance(2 * time.Second)
	store.cleanup()
	if store.Len() != 1 {
		t.Fatalf("expected only the drained bucket to survive, have %d", store.Len())
	}

	if got, _ := store.Remaining(ctx, "unknown", 5, 1); got != 5 {
		t.Fatalf("unknown keys report full capacity, got %v", got)
	}
	_ = store.Reset(ctx, "busy")
	if store.Len() != 0 {
		t.Fatalf("reset should forget the bucket")
	}
}
