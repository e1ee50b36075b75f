package session

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/xulek/rustsocks/model"
	"github.com/xulek/rustsocks/rserr"
)

// maxFlushAttempts bounds how many times one batch is retried against
// transient failures before the writer concludes the failure is persistent
// and degrades to memory-only mode.
const maxFlushAttempts = 6

// writer owns the durable batch buffer. enqueue only appends and signals;
// every flush — and therefore every database write and backoff sleep —
// happens on the run goroutine, so a struggling store never stalls the
// manager's consumer loop.
type writer struct {
	cfg Config
	log logrus.FieldLogger
	db  *gorm.DB

	mu          sync.Mutex
	buf         []*model.Session
	firstQueued time.Time

	notify chan struct{}

	degraded atomic.Bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func newWriter(cfg Config, log logrus.FieldLogger) (*writer, error) {
	db, err := gorm.Open(sqlite.Open(cfg.DSN), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&sessionRow{}, &metricsRow{}); err != nil {
		return nil, err
	}

	w := &writer{
		cfg:    cfg,
		log:    log,
		db:     db,
		notify: make(chan struct{}, 1),
		stopCh: make(chan struct{}),
	}
	w.wg.Add(1)
	go w.run()
	return w, nil
}

// enqueue buffers s and, when the batch is full, nudges the run goroutine.
// It never blocks and never writes to the database itself.
func (w *writer) enqueue(s *model.Session) {
	if w.degraded.Load() {
		return
	}
	w.mu.Lock()
	w.buf = append(w.buf, s)
	if w.firstQueued.IsZero() {
		w.firstQueued = time.Now()
	}
	full := len(w.buf) >= w.cfg.BatchSize
	w.mu.Unlock()
	if full {
		select {
		case w.notify <- struct{}{}:
		default:
		}
	}
}

func (w *writer) run() {
	defer w.wg.Done()
	interval := w.cfg.BatchInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	t := time.NewTicker(interval / 2)
	defer t.Stop()
	for {
		select {
		case <-w.stopCh:
			w.flush()
			return
		case <-w.notify:
			w.flush()
		case <-t.C:
			w.mu.Lock()
			due := len(w.buf) > 0 && time.Since(w.firstQueued) >= interval
			w.mu.Unlock()
			if due {
				w.flush()
			}
		}
	}
}

// flush, called only from run, drains the pending batch and inserts it in
// one transaction,
// retrying transient failures with exponential backoff bounded at 30s; a
// batch that still fails after maxFlushAttempts is treated as a
// configuration-level failure and the writer degrades to memory-only mode,
// logging an error-level alert tagged rserr.Storage.
func (w *writer) flush() {
	if w.degraded.Load() {
		return
	}
	w.mu.Lock()
	batch := w.buf
	w.buf = nil
	w.firstQueued = time.Time{}
	w.mu.Unlock()

	if len(batch) == 0 {
		return
	}

	rows := make([]sessionRow, len(batch))
	for i, s := range batch {
		rows[i] = toRow(s)
	}

	backoff := 250 * time.Millisecond
	const maxBackoff = 30 * time.Second
	for attempt := 1; attempt <= maxFlushAttempts; attempt++ {
		err := w.db.Transaction(func(tx *gorm.DB) error {
			return tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&rows).Error
		})
		if err == nil {
			return
		}
		w.log.WithError(err).WithField("attempt", attempt).Warn("session: batch flush failed, retrying")
		if attempt == maxFlushAttempts {
			w.log.WithError(rserr.New(rserr.Storage, "batch flush", err)).
				Error("session: batch writer degrading to memory-only mode")
			w.degraded.Store(true)
			return
		}
		time.Sleep(backoff)
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// appendMetrics inserts one metrics_snapshots row.
func (w *writer) appendMetrics(row metricsRow) {
	if w.degraded.Load() {
		return
	}
	if err := w.db.Create(&row).Error; err != nil {
		w.log.WithError(err).Warn("session: metrics snapshot insert failed")
	}
}

// purgeOlderThan deletes sessions/metrics rows past the retention window in
// bounded batches.
func (w *writer) purgeOlderThan(cutoff time.Time, batchSize int) {
	if w.degraded.Load() {
		return
	}
	cutoffStr := cutoff.UTC().Format(isoLayout)
	for {
		res := w.db.Where("start_time < ? AND status != ?", cutoffStr, "active").
			Limit(batchSize).Delete(&sessionRow{})
		if res.Error != nil {
			w.log.WithError(res.Error).Warn("session: retention purge (sessions) failed")
			return
		}
		if res.RowsAffected == 0 {
			break
		}
	}
	for {
		res := w.db.Where("timestamp < ?", cutoffStr).Limit(batchSize).Delete(&metricsRow{})
		if res.Error != nil {
			w.log.WithError(res.Error).Warn("session: retention purge (metrics) failed")
			return
		}
		if res.RowsAffected == 0 {
			break
		}
	}
}

func (w *writer) close() error {
	close(w.stopCh)
	w.wg.Wait()
	sqlDB, err := w.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
