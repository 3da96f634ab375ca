package ratelimit

import (
	"context"
	"sync"
	"time"
)

// How long a key may sit untouched before its bucket is dropped, and how
// often the sweeper looks. An evicted key simply starts over with a full
// bucket on its next request.
const (
	idleEviction  = 10 * time.Minute
	sweepInterval = time.Minute
)

// bucket tracks the spendable tokens for one key. Tokens are fractional
// because refill is continuous: a bucket observed mid-second has earned a
// partial token.
type bucket struct {
	tokens     float64
	lastAccess time.Time
}

// MemoryLimiter is a per-key token bucket held in process memory. One
// instance backs all of the server's budgets (auth, eval, session); the
// middleware keeps them apart by prefixing the key, so "auth:10.0.0.1"
// and "eval:operator.kim" never share a bucket.
//
// Keys accumulate as operators and client IPs come and go; a sweeper
// goroutine drops idle ones so the map stays bounded. Close stops the
// sweeper.
type MemoryLimiter struct {
	rate  float64 // tokens refilled per second
	burst float64 // bucket capacity

	mu      sync.Mutex
	buckets map[string]*bucket

	stopOnce sync.Once
	done     chan struct{}
}

// NewMemoryLimiter creates a limiter sustaining rate requests per second
// per key, with bursts of up to burst requests. The sweeper starts
// immediately; callers own the Close.
func NewMemoryLimiter(rate float64, burst int) *MemoryLimiter {
	m := &MemoryLimiter{
		rate:    rate,
		burst:   float64(burst),
		buckets: make(map[string]*bucket),
		done:    make(chan struct{}),
	}
	go m.sweep()
	return m
}

// Allow spends one token from key's bucket, refilling it first for the
// time elapsed since the last request. A key never seen (or swept since)
// starts full.
func (m *MemoryLimiter) Allow(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	b := m.buckets[key]
	if b == nil {
		b = &bucket{tokens: m.burst, lastAccess: now}
		m.buckets[key] = b
	} else {
		b.tokens += now.Sub(b.lastAccess).Seconds() * m.rate
		if b.tokens > m.burst {
			b.tokens = m.burst
		}
		b.lastAccess = now
	}

	if b.tokens < 1 {
		return false, nil
	}
	b.tokens--
	return true, nil
}

// Close stops the sweeper. Idempotent.
func (m *MemoryLimiter) Close() error {
	m.stopOnce.Do(func() { close(m.done) })
	return nil
}

func (m *MemoryLimiter) sweep() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.evictStale()
		}
	}
}

// evictStale drops every bucket idle past the eviction window.
func (m *MemoryLimiter) evictStale() {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := time.Now().Add(-idleEviction)
	for key, b := range m.buckets {
		if b.lastAccess.Before(cutoff) {
			delete(m.buckets, key)
		}
	}
}
