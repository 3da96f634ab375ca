package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"
)

func mustClose(t *testing.T, m *MemoryLimiter) {
	t.Helper()
	if err := m.Close(); err != nil {
		t.Fatalf("Close error: %v", err)
	}
}

func TestMemoryLimiterAllowsBurst(t *testing.T) {
	m := NewMemoryLimiter(10, 4)
	defer mustClose(t, m)

	ctx := context.Background()
	for i := 0; i < 4; i++ {
		ok, err := m.Allow(ctx, "operator:lee")
		if err != nil {
			t.Fatalf("Allow error on request %d: %v", i, err)
		}
		if !ok {
			t.Fatalf("request %d within burst should be allowed", i)
		}
	}

	ok, err := m.Allow(ctx, "operator:lee")
	if err != nil {
		t.Fatalf("Allow error: %v", err)
	}
	if ok {
		t.Fatal("request beyond burst should be denied")
	}
}

func TestMemoryLimiterRefill(t *testing.T) {
	// 1000 tokens/s is one per millisecond, so a few milliseconds of
	// sleep after exhausting burst=2 must yield at least one token.
	m := NewMemoryLimiter(1000, 2)
	defer mustClose(t, m)

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		_, _ = m.Allow(ctx, "k")
	}
	if ok, _ := m.Allow(ctx, "k"); ok {
		t.Fatal("should be denied immediately after exhausting burst")
	}

	time.Sleep(5 * time.Millisecond)

	ok, err := m.Allow(ctx, "k")
	if err != nil {
		t.Fatalf("Allow error: %v", err)
	}
	if !ok {
		t.Fatal("expected a token after refill window")
	}
}

func TestMemoryLimiterKeysAreIndependent(t *testing.T) {
	m := NewMemoryLimiter(10, 1)
	defer mustClose(t, m)

	ctx := context.Background()
	if ok, _ := m.Allow(ctx, "operator:a"); !ok {
		t.Fatal("first request for operator:a should succeed")
	}
	if ok, _ := m.Allow(ctx, "operator:a"); ok {
		t.Fatal("second request for operator:a should be denied")
	}
	if ok, _ := m.Allow(ctx, "operator:b"); !ok {
		t.Fatal("operator:b must not be affected by operator:a's bucket")
	}
}

func TestMemoryLimiterConcurrentSharedKey(t *testing.T) {
	m := NewMemoryLimiter(100, 40)
	defer mustClose(t, m)

	ctx := context.Background()
	var wg sync.WaitGroup
	allowed := make([]int, 8)

	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				ok, err := m.Allow(ctx, "shared")
				if err != nil {
					t.Errorf("goroutine %d: Allow error: %v", idx, err)
					return
				}
				if ok {
					allowed[idx]++
				}
			}
		}(g)
	}
	wg.Wait()

	total := 0
	for _, c := range allowed {
		total += c
	}
	if total < 1 || total > 40 {
		t.Fatalf("expected between 1 and 40 allowed requests within one burst, got %d", total)
	}
}

func TestMemoryLimiterEvictsStaleBuckets(t *testing.T) {
	m := NewMemoryLimiter(10, 5)
	defer mustClose(t, m)

	ctx := context.Background()
	_, _ = m.Allow(ctx, "stale")
	_, _ = m.Allow(ctx, "recent")

	m.mu.Lock()
	m.buckets["stale"].lastAccess = time.Now().Add(-15 * time.Minute)
	m.mu.Unlock()

	m.evictStale()

	m.mu.Lock()
	_, staleExists := m.buckets["stale"]
	_, recentExists := m.buckets["recent"]
	m.mu.Unlock()

	if staleExists {
		t.Fatal("expected stale bucket to be evicted")
	}
	if !recentExists {
		t.Fatal("expected recent bucket to survive eviction")
	}
}

func TestMemoryLimiterTokensCapAtBurst(t *testing.T) {
	m := NewMemoryLimiter(1000, 3)
	defer mustClose(t, m)

	ctx := context.Background()
	_, _ = m.Allow(ctx, "k")

	// Backdate so refill would overshoot the cap if unbounded.
	m.mu.Lock()
	m.buckets["k"].lastAccess = time.Now().Add(-time.Hour)
	m.mu.Unlock()

	for i := 0; i < 3; i++ {
		if ok, _ := m.Allow(ctx, "k"); !ok {
			t.Fatalf("expected Allow=true for request %d after long idle", i)
		}
	}
	if ok, _ := m.Allow(ctx, "k"); ok {
		t.Fatal("tokens must cap at burst even after a long idle period")
	}
}

func TestMemoryLimiterCloseIdempotent(t *testing.T) {
	m := NewMemoryLimiter(10, 5)
	if err := m.Close(); err != nil {
		t.Fatalf("first Close error: %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("second Close error: %v", err)
	}
}

func TestNoopLimiterAlwaysAllows(t *testing.T) {
	var l NoopLimiter
	ctx := context.Background()
	for i := 0; i < 100; i++ {
		ok, err := l.Allow(ctx, "anything")
		if err != nil {
			t.Fatalf("NoopLimiter.Allow error: %v", err)
		}
		if !ok {
			t.Fatal("NoopLimiter should always allow")
		}
	}
	if err := l.Close(); err != nil {
		t.Fatalf("NoopLimiter.Close error: %v", err)
	}
}
