package session

import (
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/xulek/rustsocks/model"
)

// HistoryFilter narrows ListHistory's results.
type HistoryFilter struct {
	User      string
	DestIP    string
	Status    model.SessionStatus
	Since     time.Time
	Until     time.Time
	Limit     int
	Offset    int
}

// AggregateStats summarizes sessions within a time window.
type AggregateStats struct {
	SessionCount    int64
	BytesSent       int64
	BytesReceived   int64
	PacketsSent     int64
	PacketsReceived int64
}

// Store is a read-only query surface over the durable sessions store,
// consumed by the admin plane — it never writes.
type Store struct {
	db *gorm.DB
}

// OpenStore opens dsn read-only query access. It does not run migrations;
// the writer owns schema ownership.
func OpenStore(dsn string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

// ListActive returns all sessions currently in the "active" status.
func (s *Store) ListActive() ([]*model.Session, error) {
	var rows []sessionRow
	if err := s.db.Where("status = ?", string(model.StatusActive)).Find(&rows).Error; err != nil {
		return nil, err
	}
	return rowsToSessions(rows), nil
}

// ListHistory returns sessions matching f, most recent first. Sessions of
// every status are included unless f.Status is set.
func (s *Store) ListHistory(f HistoryFilter) ([]*model.Session, error) {
	q := s.db.Model(&sessionRow{})
	if f.User != "" {
		q = q.Where("user = ?", f.User)
	}
	if f.DestIP != "" {
		q = q.Where("dest_ip = ?", f.DestIP)
	}
	if f.Status != "" {
		q = q.Where("status = ?", string(f.Status))
	}
	if !f.Since.IsZero() {
		q = q.Where("start_time >= ?", f.Since.UTC().Format(isoLayout))
	}
	if !f.Until.IsZero() {
		q = q.Where("start_time <= ?", f.Until.UTC().Format(isoLayout))
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	var rows []sessionRow
	if err := q.Order("start_time desc").Limit(limit).Offset(f.Offset).Find(&rows).Error; err != nil {
		return nil, err
	}
	return rowsToSessions(rows), nil
}

// AggregateWithin sums accounting fields for sessions starting within
// [since, until].
func (s *Store) AggregateWithin(since, until time.Time) (AggregateStats, error) {
	var out AggregateStats
	row := s.db.Model(&sessionRow{}).
		Where("start_time >= ? AND start_time <= ?", since.UTC().Format(isoLayout), until.UTC().Format(isoLayout)).
		Select("COUNT(*) as session_count, COALESCE(SUM(bytes_sent),0) as bytes_sent, COALESCE(SUM(bytes_received),0) as bytes_received, COALESCE(SUM(packets_sent),0) as packets_sent, COALESCE(SUM(packets_received),0) as packets_received").
		Row()
	if err := row.Scan(&out.SessionCount, &out.BytesSent, &out.BytesReceived, &out.PacketsSent, &out.PacketsReceived); err != nil {
		return AggregateStats{}, err
	}
	return out, nil
}

// Get fetches a single session by id.
func (s *Store) Get(id string) (*model.Session, error) {
	var row sessionRow
	if err := s.db.Where("session_id = ?", id).First(&row).Error; err != nil {
		return nil, err
	}
	return fromRow(row), nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func rowsToSessions(rows []sessionRow) []*model.Session {
	out := make([]*model.Session, len(rows))
	for i, r := range rows {
		out[i] = fromRow(r)
	}
	return out
}
