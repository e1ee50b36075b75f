// Package pool implements the upstream connection pool: idle outbound
// sockets parked per destination to amortize TCP (and future TLS)
// handshake cost, with bounded per-key and global idle caps, health
// checks on acquire, and a periodic eviction sweeper. Outbound dials
// carry the platform socket-option tuning in sockopt_linux.go /
// sockopt_other.go.
package pool

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/xulek/rustsocks/rserr"
)

// Config holds the pool's tunables.
type Config struct {
	Enabled          bool
	MaxIdlePerDest   int
	MaxTotalIdle     int
	IdleTimeout      time.Duration
	ConnectTimeout   time.Duration
	CoalesceDials    bool
}

// DefaultConfig returns reasonable defaults; callers override via the
// bootstrap ServerConfig (package rsconfig).
func DefaultConfig() Config {
	return Config{
		Enabled:        true,
		MaxIdlePerDest: 4,
		MaxTotalIdle:   256,
		IdleTimeout:    90 * time.Second,
		ConnectTimeout: 10 * time.Second,
		CoalesceDials:  true,
	}
}

// entry is one parked idle upstream connection.
type entry struct {
	conn       net.Conn
	peerAddr   string
	createdAt  time.Time
	lastUsedAt time.Time
}

// Stats are the per-key and global counters exposed to the admin plane.
type Stats struct {
	Hits          int64
	Misses        int64
	Drops         int64
	Evicted       int64
	PendingCreates int64
	InUse         int64
}

type keyBucket struct {
	mu      sync.Mutex
	idle    []*entry
	pending int64
}

// Pool is the upstream connection pool keyed by model.Destination.PoolKey.
type Pool struct {
	cfg Config
	log logrus.FieldLogger

	mu          sync.Mutex
	buckets     map[string]*keyBucket
	totalIdle   int64 // atomic-ish, guarded by mu

	statsMu sync.Mutex
	stats   map[string]*Stats
	global  Stats

	dialSem map[string]chan struct{}

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New builds a Pool and, if cfg.Enabled, starts the eviction sweeper.
func New(cfg Config, log logrus.FieldLogger) *Pool {
	p := &Pool{
		cfg:     cfg,
		log:     log,
		buckets: make(map[string]*keyBucket),
		stats:   make(map[string]*Stats),
		stopCh:  make(chan struct{}),
	}
	if cfg.Enabled {
		p.wg.Add(1)
		go p.sweepLoop()
	}
	return p
}

// bumpStats applies fn to key's per-key counters and the global counters
// under statsMu, so Snapshot never observes a torn update.
func (p *Pool) bumpStats(key string, fn func(perKey, global *Stats)) {
	p.statsMu.Lock()
	defer p.statsMu.Unlock()
	s, ok := p.stats[key]
	if !ok {
		s = &Stats{}
		p.stats[key] = s
	}
	fn(s, &p.global)
}

// Snapshot returns a copy of the global stats plus per-key stats.
func (p *Pool) Snapshot() (global Stats, perKey map[string]Stats) {
	p.statsMu.Lock()
	defer p.statsMu.Unlock()
	perKey = make(map[string]Stats, len(p.stats))
	for k, v := range p.stats {
		perKey[k] = *v
	}
	return p.global, perKey
}

func (p *Pool) bucketFor(key string) *keyBucket {
	p.mu.Lock()
	defer p.mu.Unlock()
	b, ok := p.buckets[key]
	if !ok {
		b = &keyBucket{}
		p.buckets[key] = b
	}
	return b
}

// Acquire returns a healthy connection to key's destination, reusing an
// idle parked connection when possible, otherwise dialling fresh. dial is
// called only on a pool miss.
func (p *Pool) Acquire(ctx context.Context, key string, dial func(ctx context.Context) (net.Conn, error)) (net.Conn, error) {
	if !p.cfg.Enabled {
		return p.dialTimed(ctx, key, dial)
	}

	b := p.bucketFor(key)
	now := time.Now()

	// Pop one candidate at a time under the bucket lock; the health probe
	// is a real read syscall and must run with no lock held.
	for {
		b.mu.Lock()
		if len(b.idle) == 0 {
			b.mu.Unlock()
			break
		}
		e := b.idle[len(b.idle)-1]
		b.idle = b.idle[:len(b.idle)-1]
		b.mu.Unlock()

		p.mu.Lock()
		p.totalIdle--
		p.mu.Unlock()

		if now.Sub(e.lastUsedAt) >= p.cfg.IdleTimeout || !isHealthy(e.conn) {
			e.conn.Close()
			p.bumpStats(key, func(perKey, global *Stats) {
				perKey.Evicted++
				global.Evicted++
			})
			continue
		}

		p.bumpStats(key, func(perKey, global *Stats) {
			perKey.Hits++
			global.Hits++
			perKey.InUse++
			global.InUse++
		})
		return e.conn, nil
	}

	p.bumpStats(key, func(perKey, global *Stats) {
		perKey.Misses++
		global.Misses++
	})

	conn, err := p.dialCoalesced(ctx, key, dial)
	if err != nil {
		return nil, err
	}
	p.bumpStats(key, func(perKey, global *Stats) {
		perKey.InUse++
		global.InUse++
	})
	return conn, nil
}

func (p *Pool) dialTimed(ctx context.Context, key string, dial func(ctx context.Context) (net.Conn, error)) (net.Conn, error) {
	timeout := p.cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = DefaultConfig().ConnectTimeout
	}
	dctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	conn, err := dial(dctx)
	if err != nil {
		return nil, rserr.New(rserr.UpstreamDial, fmt.Sprintf("dial %s", key), err)
	}
	return conn, nil
}

// dialCoalesced optionally serializes concurrent dials to the same key so
// at most one connect(2) is in flight per destination at a time. Each
// caller still receives its own freshly dialled connection — a pooled
// connection is never handed to two consumers — so this bounds
// connect-storm concurrency rather than literally merging results.
func (p *Pool) dialCoalesced(ctx context.Context, key string, dial func(ctx context.Context) (net.Conn, error)) (net.Conn, error) {
	if !p.cfg.CoalesceDials {
		return p.dialTimed(ctx, key, dial)
	}

	sem := p.dialSemFor(key)
	select {
	case sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-sem }()

	p.bumpStats(key, func(perKey, global *Stats) {
		perKey.PendingCreates++
		global.PendingCreates++
	})
	defer p.bumpStats(key, func(perKey, global *Stats) {
		perKey.PendingCreates--
		global.PendingCreates--
	})

	return p.dialTimed(ctx, key, dial)
}

func (p *Pool) dialSemFor(key string) chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.dialSem == nil {
		p.dialSem = make(map[string]chan struct{})
	}
	sem, ok := p.dialSem[key]
	if !ok {
		sem = make(chan struct{}, 1)
		p.dialSem[key] = sem
	}
	return sem
}

// Release parks conn for reuse when it is still healthy and both the
// per-key and global idle caps allow it; otherwise it is closed.
func (p *Pool) Release(key string, conn net.Conn, stillHealthy bool) {
	p.bumpStats(key, func(perKey, global *Stats) {
		if perKey.InUse > 0 {
			perKey.InUse--
		}
		if global.InUse > 0 {
			global.InUse--
		}
	})

	if !p.cfg.Enabled || !stillHealthy {
		conn.Close()
		return
	}

	b := p.bucketFor(key)
	b.mu.Lock()
	p.mu.Lock()
	withinPerKey := len(b.idle) < p.cfg.MaxIdlePerDest
	withinTotal := p.totalIdle < int64(p.cfg.MaxTotalIdle)
	if withinPerKey && withinTotal {
		b.idle = append(b.idle, &entry{conn: conn, lastUsedAt: time.Now(), createdAt: time.Now()})
		p.totalIdle++
		p.mu.Unlock()
		b.mu.Unlock()
		return
	}
	p.mu.Unlock()
	b.mu.Unlock()

	p.bumpStats(key, func(perKey, global *Stats) {
		perKey.Drops++
		global.Drops++
	})
	conn.Close()
}

// sweepLoop closes idle entries past their TTL every IdleTimeout/2. No
// I/O holds the bucket lock: entries selected for
// closure are removed from the bucket first, closed after unlocking.
func (p *Pool) sweepLoop() {
	defer p.wg.Done()
	interval := p.cfg.IdleTimeout / 2
	if interval <= 0 {
		interval = 30 * time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-p.stopCh:
			return
		case <-t.C:
			p.sweepOnce()
		}
	}
}

func (p *Pool) sweepOnce() {
	p.mu.Lock()
	keys := make([]string, 0, len(p.buckets))
	for k := range p.buckets {
		keys = append(keys, k)
	}
	p.mu.Unlock()

	now := time.Now()
	for _, key := range keys {
		b := p.bucketFor(key)
		var expired []*entry
		b.mu.Lock()
		kept := b.idle[:0]
		for _, e := range b.idle {
			if now.Sub(e.lastUsedAt) >= p.cfg.IdleTimeout {
				expired = append(expired, e)
			} else {
				kept = append(kept, e)
			}
		}
		b.idle = kept
		b.mu.Unlock()

		if len(expired) == 0 {
			continue
		}
		p.mu.Lock()
		p.totalIdle -= int64(len(expired))
		p.mu.Unlock()

		n := int64(len(expired))
		p.bumpStats(key, func(perKey, global *Stats) {
			perKey.Evicted += n
			global.Evicted += n
		})

		for _, e := range expired {
			e.conn.Close()
		}
	}
}

// Close stops the sweeper and closes every idle entry.
func (p *Pool) Close() {
	close(p.stopCh)
	p.wg.Wait()

	p.mu.Lock()
	buckets := p.buckets
	p.buckets = make(map[string]*keyBucket)
	p.totalIdle = 0
	p.mu.Unlock()

	for _, b := range buckets {
		b.mu.Lock()
		idle := b.idle
		b.idle = nil
		b.mu.Unlock()
		for _, e := range idle {
			e.conn.Close()
		}
	}
}

// isHealthy probes whether conn is still readable without error/EOF by
// attempting a one-byte read under a 1 ms deadline.
func isHealthy(conn net.Conn) bool {
	if err := conn.SetReadDeadline(time.Now().Add(time.Millisecond)); err != nil {
		return false
	}
	defer conn.SetReadDeadline(time.Time{})

	one := make([]byte, 1)
	_, err := conn.Read(one)
	if err == nil {
		// Unexpected data before reuse; treat the connection as unusable
		// rather than silently dropping a byte the next owner needs.
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true // no data pending, no error: healthy
	}
	return false
}

// NewDialer builds a net.Dialer with the pool's connect timeout and the
// platform socket-option tuning applied via Control, bound to localAddr
// when non-nil.
func NewDialer(connectTimeout time.Duration, localAddr net.Addr) *net.Dialer {
	d := &net.Dialer{
		Timeout:   connectTimeout,
		KeepAlive: 30 * time.Second,
		Control:   setSocketOptions,
	}
	if localAddr != nil {
		d.LocalAddr = localAddr
	}
	return d
}
