// Package session tracks every live and recently-closed session:
// in-memory live/recent indexes, a single-consumer update loop fed by
// relay accounting deltas, finalize-once semantics, and (in persistent
// mode) a durable GORM batch writer, retention sweeper and metrics
// collector.
package session

import (
	"container/ring"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/xulek/rustsocks/model"
	"github.com/xulek/rustsocks/relay"
)

// StorageMode selects whether finalized sessions are persisted durably.
type StorageMode string

const (
	StorageMemory     StorageMode = "memory"
	StoragePersistent StorageMode = "persistent"
)

// Config holds the session manager's tunables.
type Config struct {
	Storage StorageMode

	// DSN is the sqlite data source, e.g. "file:rustsocks.db?cache=shared".
	// Only consulted when Storage == StoragePersistent.
	DSN string

	RecentRingSize int

	BatchSize         int
	BatchInterval     time.Duration
	QueueHighWatermark int

	RetentionDays        int
	CleanupInterval      time.Duration
	CollectionInterval   time.Duration
}

// DefaultConfig returns the stock session-manager tunables.
func DefaultConfig() Config {
	return Config{
		Storage:            StorageMemory,
		RecentRingSize:     256,
		BatchSize:          100,
		BatchInterval:      2 * time.Second,
		QueueHighWatermark: 1000,
		RetentionDays:      30,
		CleanupInterval:    6 * time.Hour,
		CollectionInterval: 30 * time.Second,
	}
}

// Manager owns every live and recently-closed Session and the single
// consumer goroutine applying relay deltas and finalizations to them.
type Manager struct {
	cfg Config
	log logrus.FieldLogger

	mu       sync.RWMutex
	live     map[string]*model.Session
	recent   *ring.Ring // of *model.Session, most-recently-closed first
	recentN  int

	totalSessions int64

	updates  chan relay.Delta
	finals   chan *model.Session

	writer *writer // nil in memory mode

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewManager builds a Manager and, in persistent mode, opens the durable
// store. A persistent store that cannot be opened or migrated at startup
// is a fatal configuration error: the caller is told immediately rather
// than silently degrading before the writer has ever run.
func NewManager(cfg Config, log logrus.FieldLogger) (*Manager, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if cfg.RecentRingSize <= 0 {
		cfg.RecentRingSize = 256
	}

	m := &Manager{
		cfg:     cfg,
		log:     log,
		live:    make(map[string]*model.Session),
		recent:  ring.New(cfg.RecentRingSize),
		updates: make(chan relay.Delta, cfg.QueueHighWatermark),
		finals:  make(chan *model.Session, cfg.QueueHighWatermark),
		stopCh:  make(chan struct{}),
	}

	if cfg.Storage == StoragePersistent {
		w, err := newWriter(cfg, log)
		if err != nil {
			return nil, fmt.Errorf("session: open durable store: %w", err)
		}
		m.writer = w
	}

	m.wg.Add(1)
	go m.consumeLoop()

	if m.writer != nil {
		m.wg.Add(2)
		go m.retentionLoop()
		go m.metricsLoop()
	}

	return m, nil
}

// Create registers s as a new active session under its ID.
func (m *Manager) Create(s *model.Session) {
	m.mu.Lock()
	m.live[s.ID.String()] = s
	m.totalSessions++
	m.mu.Unlock()
}

// Updates returns the channel relay.Run's accounting deltas are sent on.
func (m *Manager) Updates() chan<- relay.Delta { return m.updates }

// Finalize marks session id closed/failed/rejected exactly once and queues
// it for durable persistence. Finalizing an unknown or already-finalized
// id is a no-op.
func (m *Manager) Finalize(id string, status model.SessionStatus, reason *model.CloseReason) {
	m.mu.Lock()
	s, ok := m.live[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.live, id)
	s.Finalize(status, reason)
	m.recent = m.recent.Next()
	m.recent.Value = s
	m.mu.Unlock()

	if m.writer == nil {
		return
	}
	select {
	case m.finals <- s:
	default:
		// Persistent mode never drops: pause briefly and retry
		// once; a queue this deep means the writer is falling behind.
		time.Sleep(100 * time.Millisecond)
		m.finals <- s
	}
}

// consumeLoop is the manager's single consumer: it applies accounting
// deltas in the order the owning relay sent them and forwards finalized
// sessions to the batch writer.
func (m *Manager) consumeLoop() {
	defer m.wg.Done()
	for {
		select {
		case <-m.stopCh:
			return
		case d := <-m.updates:
			m.applyDelta(d)
		case s := <-m.finals:
			if m.writer != nil {
				m.writer.enqueue(s)
			}
		}
	}
}

func (m *Manager) applyDelta(d relay.Delta) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.live[d.SessionID]
	if !ok {
		return
	}
	s.BytesSent += d.BytesSent
	s.BytesReceived += d.BytesReceived
	s.PacketsSent += d.PacketsSent
	s.PacketsReceived += d.PacketsReceived
}

// ActiveCount returns the number of currently live sessions.
func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.live)
}

// TotalCount returns the cumulative number of sessions created.
func (m *Manager) TotalCount() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.totalSessions
}

// CumulativeBytes sums bytes_sent+bytes_received across live sessions, used
// by the metrics collector's bandwidth sample.
func (m *Manager) CumulativeBytes() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var total int64
	for _, s := range m.live {
		total += s.BytesSent + s.BytesReceived
	}
	return total
}

// Recent returns up to n most-recently-finalized sessions, newest first.
func (m *Manager) Recent(n int) []*model.Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*model.Session, 0, n)
	r := m.recent
	for i := 0; i < r.Len() && len(out) < n; i++ {
		if v, ok := r.Value.(*model.Session); ok {
			out = append(out, v)
		}
		r = r.Prev()
	}
	return out
}

// Close stops the consumer and background loops and closes the durable
// store, if any.
func (m *Manager) Close() error {
	close(m.stopCh)
	m.wg.Wait()
	if m.writer != nil {
		return m.writer.close()
	}
	return nil
}
