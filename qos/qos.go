// Package qos implements an HTB-style hierarchical token bucket shaper:
// one global bucket and per-leaf (identity or session) buckets, each with
// a guaranteed rate, a ceiling rate, a burst size and a refill interval.
// Flat rate limiters cannot express the parent/child borrowing
// relationship (ceiling rate drawn from spare global capacity above a
// guaranteed floor), so the bucket math is implemented directly.
package qos

import (
	"context"
	"sync"
	"time"
)

// LeafConfig configures one leaf bucket.
type LeafConfig struct {
	GuaranteedRate int64 // bytes/s, always available to this leaf
	CeilingRate    int64 // bytes/s, maximum when global has spare capacity
	BurstSize      int64 // max accumulated tokens
	RefillInterval time.Duration
}

// bucket is a single token bucket refilled linearly and capped at a
// burst size.
type bucket struct {
	mu       sync.Mutex
	tokens   int64
	capacity int64
	rate     int64 // bytes/s
	interval time.Duration
	lastFill time.Time
}

func newBucket(rate, capacity int64, interval time.Duration) *bucket {
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	if capacity <= 0 {
		capacity = rate // default burst to one second of rate
	}
	return &bucket{tokens: capacity, capacity: capacity, rate: rate, interval: interval, lastFill: time.Now()}
}

// refillLocked adds tokens accrued since lastFill, capped at capacity.
// Caller must hold b.mu.
func (b *bucket) refillLocked(now time.Time) {
	elapsed := now.Sub(b.lastFill)
	if elapsed <= 0 {
		return
	}
	add := int64(float64(b.rate) * elapsed.Seconds())
	b.lastFill = now
	if add <= 0 {
		return
	}
	b.tokens += add
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
}

// takeUpTo removes at most want tokens and returns how many were taken.
func (b *bucket) takeUpTo(want int64) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked(time.Now())
	if want > b.tokens {
		want = b.tokens
	}
	b.tokens -= want
	return want
}

// leaf is one traffic class: a guaranteed-rate bucket it never has to
// share, and a ceiling-rate bucket that hard-bounds its long-run
// throughput regardless of how much the global bucket can spare.
type leaf struct {
	guaranteed *bucket
	ceiling    *bucket
	burst      int64
	interval   time.Duration
}

// Shaper is the top-level hierarchy: one global bucket shared by leaves
// beyond their own guarantee, each leaf additionally hard-capped by its
// own ceiling bucket.
type Shaper struct {
	enabled bool
	global  *bucket

	mu     sync.Mutex
	leaves map[string]*leaf
}

// New builds a Shaper. globalRate/globalCapacity size the pool leaves
// borrow from beyond their own guarantee; pass enabled=false to bypass
// shaping entirely with zero hot-path overhead.
func New(enabled bool, globalRate, globalCapacity int64) *Shaper {
	s := &Shaper{enabled: enabled, leaves: make(map[string]*leaf)}
	if enabled {
		s.global = newBucket(globalRate, globalCapacity, 50*time.Millisecond)
	}
	return s
}

// AddLeaf registers (or replaces) the bucket configuration for leafKey.
func (s *Shaper) AddLeaf(leafKey string, cfg LeafConfig) {
	if !s.enabled {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.leaves[leafKey] = &leaf{
		guaranteed: newBucket(cfg.GuaranteedRate, cfg.BurstSize, cfg.RefillInterval),
		ceiling:    newBucket(cfg.CeilingRate, cfg.BurstSize, cfg.RefillInterval),
		burst:      cfg.BurstSize,
		interval:   cfg.RefillInterval,
	}
}

// RemoveLeaf drops a leaf's bucket state, e.g. on session finalize.
func (s *Shaper) RemoveLeaf(leafKey string) {
	if !s.enabled {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.leaves, leafKey)
}

func (s *Shaper) leafFor(leafKey string) *leaf {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.leaves[leafKey]
}

// Consume draws n bytes of budget for leafKey, parking (honouring ctx
// cancellation) until enough tokens are available on both the leaf's own
// ceiling bucket and the guaranteed/global pair. Disabling QoS at
// construction time bypasses this entirely. No single internal draw
// exceeds burst size; larger requests are split.
func (s *Shaper) Consume(ctx context.Context, leafKey string, n int64) error {
	if !s.enabled {
		return nil
	}
	lf := s.leafFor(leafKey)
	if lf == nil {
		return nil // no shaping configured for this leaf
	}

	remaining := n
	for remaining > 0 {
		chunk := remaining
		if lf.burst > 0 && chunk > lf.burst {
			chunk = lf.burst
		}
		if err := s.consumeChunk(ctx, lf, chunk); err != nil {
			return err
		}
		remaining -= chunk
	}
	return nil
}

func (s *Shaper) consumeChunk(ctx context.Context, lf *leaf, want int64) error {
	if err := drainBucket(ctx, lf.ceiling, want, lf.interval); err != nil {
		return err
	}
	// Spend the guarantee first; anything beyond it is borrowed from the
	// shared global pool. The ceiling draw above already bounds long-run
	// throughput, so this pass only governs fairness across leaves
	// sharing the global pool, not an additional hard limit.
	need := want
	got := lf.guaranteed.takeUpTo(need)
	need -= got
	for need > 0 {
		fromGlobal := s.global.takeUpTo(need)
		need -= fromGlobal
		if need == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(lf.interval):
		}
	}
	return nil
}

func drainBucket(ctx context.Context, b *bucket, want int64, interval time.Duration) error {
	if interval <= 0 {
		interval = 50 * time.Millisecond
	}
	for want > 0 {
		got := b.takeUpTo(want)
		want -= got
		if want == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
	return nil
}
