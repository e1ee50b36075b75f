package acl

import (
	"sync"
	"time"

	"github.com/xulek/rustsocks/model"
)

// udpCacheKey identifies one bounded-TTL cache entry for per-datagram UDP
// evaluations, keyed on (identity fingerprint, destination, port,
// protocol).
type udpCacheKey struct {
	identity string
	dest     string
	port     uint16
	proto    model.Transport
}

type udpCacheEntry struct {
	decision Decision
	version  uint64
	expires  time.Time
}

// UDPCache bounds the cost of evaluating every inbound datagram's
// destination independently. Entries are invalidated implicitly: a stale
// snapshot version is treated as a miss even if the TTL has not elapsed,
// so a snapshot swap invalidates the whole cache at once.
type UDPCache struct {
	mu      sync.Mutex
	entries map[udpCacheKey]udpCacheEntry
	ttl     time.Duration
	maxSize int
}

// NewUDPCache builds a cache with the given TTL (capped at 5s) and a
// bound on the number of tracked keys.
func NewUDPCache(ttl time.Duration, maxSize int) *UDPCache {
	if ttl > 5*time.Second {
		ttl = 5 * time.Second
	}
	if maxSize <= 0 {
		maxSize = 4096
	}
	return &UDPCache{entries: make(map[udpCacheKey]udpCacheEntry), ttl: ttl, maxSize: maxSize}
}

// EvaluateCached consults the cache before falling through to eng.Evaluate,
// keyed on the caller-supplied identity fingerprint (typically the
// identity's username, which is sufficiently unique per session for the
// cache's purpose).
func (c *UDPCache) EvaluateCached(eng *Engine, identityFingerprint string, identity model.Identity, dest model.Destination, port uint16, proto model.Transport) Decision {
	key := udpCacheKey{identity: identityFingerprint, dest: dest.PoolKey(), port: port, proto: proto}
	now := time.Now()
	curVersion := eng.Version()

	c.mu.Lock()
	if e, ok := c.entries[key]; ok && e.version == curVersion && now.Before(e.expires) {
		c.mu.Unlock()
		return e.decision
	}
	c.mu.Unlock()

	decision := eng.Evaluate(identity, dest, port, proto)

	c.mu.Lock()
	if len(c.entries) >= c.maxSize {
		c.evictExpiredLocked(now)
	}
	if len(c.entries) < c.maxSize {
		c.entries[key] = udpCacheEntry{decision: decision, version: curVersion, expires: now.Add(c.ttl)}
	}
	c.mu.Unlock()

	return decision
}

func (c *UDPCache) evictExpiredLocked(now time.Time) {
	for k, e := range c.entries {
		if now.After(e.expires) {
			delete(c.entries, k)
		}
	}
}
